// Package host manages the lifecycle of tool server sessions and
// routes calls to them. It is the single entry point for callers: only
// the host may create or destroy sessions, and it guarantees at most
// one live session and at most one in-flight registration per server
// name.
package host

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/forgeline/toolhost/internal/config"
	"github.com/forgeline/toolhost/internal/connwatch"
	"github.com/forgeline/toolhost/internal/session"
)

// ErrNotFound is returned by Unregister for a server with no session.
var ErrNotFound = errors.New("server not registered")

// ErrShutdown is returned once the host has begun shutting down.
var ErrShutdown = errors.New("host is shut down")

// DescriptorSource supplies server descriptors by name. The config
// package implements it; tests use inline fakes.
type DescriptorSource interface {
	ServerDescriptor(name string) (*config.ServerDescriptor, error)
}

// Recorder receives lifecycle events for observability. Implemented by
// the journal package; a nil recorder disables recording.
type Recorder interface {
	Record(server, event, detail string) error
}

// Option configures a Host.
type Option func(*Host)

// WithDialer substitutes the transport dialer, for tests.
func WithDialer(d session.Dialer) Option {
	return func(h *Host) { h.dial = d }
}

// WithRecorder wires an event recorder (typically the journal).
func WithRecorder(r Recorder) Option {
	return func(h *Host) { h.rec = r }
}

// WithLivenessInterval enables background liveness probing of ready
// sessions at the given interval. Zero (the default) disables probing.
func WithLivenessInterval(d time.Duration) Option {
	return func(h *Host) { h.watchInterval = d }
}

// Host owns every session. The sessions map is the only shared mutable
// state across callers and is guarded by mu; session internals handle
// their own concurrency.
type Host struct {
	source        DescriptorSource
	dial          session.Dialer
	logger        *slog.Logger
	rec           Recorder
	watchInterval time.Duration

	mu       sync.Mutex
	sessions map[string]*session.Session
	inflight map[string]*registration
	watchers map[string]*connwatch.Watcher
	down     bool
}

// registration is one in-flight EnsureRegistered, shared by every
// caller that asked for the same server while it was connecting.
type registration struct {
	done chan struct{}
	sess *session.Session
	err  error
}

// New creates a host reading descriptors from source.
func New(source DescriptorSource, logger *slog.Logger, opts ...Option) *Host {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Host{
		source:   source,
		logger:   logger,
		sessions: make(map[string]*session.Session),
		inflight: make(map[string]*registration),
		watchers: make(map[string]*connwatch.Watcher),
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// EnsureRegistered returns the ready session for name, registering it
// first if needed. Concurrent calls for the same name are coalesced:
// one connection attempt runs, and every caller observes its result.
//
// A session that exists but is not Ready (it failed) is not replaced;
// the caller must Restart explicitly.
func (h *Host) EnsureRegistered(ctx context.Context, name string) (*session.Session, error) {
	h.mu.Lock()
	if h.down {
		h.mu.Unlock()
		return nil, ErrShutdown
	}

	if s, ok := h.sessions[name]; ok {
		h.mu.Unlock()
		if s.State() == session.StateReady {
			return s, nil
		}
		return nil, &session.RegistrationError{
			Server: name,
			Kind:   session.RegTransport,
			Err:    fmt.Errorf("session is %s (restart to recover): %w", s.State(), s.Err()),
		}
	}

	if reg, ok := h.inflight[name]; ok {
		h.mu.Unlock()
		select {
		case <-reg.done:
			return reg.sess, reg.err
		case <-ctx.Done():
			// The registration keeps running for the other waiters.
			return nil, &session.RegistrationError{
				Server: name,
				Kind:   session.RegTimeout,
				Err:    ctx.Err(),
			}
		}
	}

	reg := &registration{done: make(chan struct{})}
	h.inflight[name] = reg
	h.mu.Unlock()

	sess, err := h.register(ctx, name)

	h.mu.Lock()
	delete(h.inflight, name)
	shuttingDown := h.down
	if err == nil && !shuttingDown {
		h.sessions[name] = sess
		h.watchLocked(sess)
	}
	h.mu.Unlock()

	if err == nil && shuttingDown {
		// Shutdown raced the registration; do not publish.
		sess.Close()
		sess, err = nil, ErrShutdown
	}

	reg.sess, reg.err = sess, err
	close(reg.done)

	return sess, err
}

// register runs the full registration sequence: descriptor lookup,
// connect, handshake, discovery.
func (h *Host) register(ctx context.Context, name string) (*session.Session, error) {
	sd, err := h.source.ServerDescriptor(name)
	if err != nil {
		return nil, fmt.Errorf("descriptor for %q: %w", name, err)
	}

	// One deadline covers the whole sequence; without it, a server that
	// completes the handshake but stalls discovery would hang callers on
	// an undeadlined context.
	ctx, cancel := context.WithTimeout(ctx, sd.RegistrationTimeout)
	defer cancel()

	sess, err := session.Connect(ctx, sd, h.dial, h.logger)
	if err != nil {
		h.record(name, "register_failed", err.Error())
		return nil, err
	}

	if _, err := sess.Discover(ctx); err != nil {
		sess.Close()
		h.record(name, "register_failed", err.Error())
		return nil, err
	}

	h.record(name, "registered", "")
	h.logger.Info("registered tool server", "server", name)
	return sess, nil
}

// Unregister closes and removes the session for name. In-flight calls
// on it fail with ConnectionLost. Returns ErrNotFound if no session
// exists; callers treating unregister as idempotent may ignore it.
func (h *Host) Unregister(name string) error {
	h.mu.Lock()
	s, ok := h.sessions[name]
	if ok {
		delete(h.sessions, name)
	}
	w := h.watchers[name]
	delete(h.watchers, name)
	h.mu.Unlock()

	if w != nil {
		w.Stop()
	}
	if !ok {
		return ErrNotFound
	}

	s.Close()
	h.record(name, "unregistered", "")
	h.logger.Info("unregistered tool server", "server", name)
	return nil
}

// Restart recovers a failed server: unregister, then register again.
// Never invoked automatically — failure recovery is a caller decision.
func (h *Host) Restart(ctx context.Context, name string) (*session.Session, error) {
	if err := h.Unregister(name); err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	return h.EnsureRegistered(ctx, name)
}

// ActiveServer is one row of ListActive.
type ActiveServer struct {
	Name  string
	State session.State
}

// ListActive returns every server with a session, including failed
// ones, sorted by name.
func (h *Host) ListActive() []ActiveServer {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]ActiveServer, 0, len(h.sessions))
	for name, s := range h.sessions {
		out = append(out, ActiveServer{Name: name, State: s.State()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Shutdown closes every live session, bounded by ctx. Sessions mid-call
// are torn down anyway; their callers see ConnectionLost.
func (h *Host) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.down = true
	sessions := make([]*session.Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.sessions = make(map[string]*session.Session)
	watchers := make([]*connwatch.Watcher, 0, len(h.watchers))
	for _, w := range h.watchers {
		watchers = append(watchers, w)
	}
	h.watchers = make(map[string]*connwatch.Watcher)
	h.mu.Unlock()

	for _, w := range watchers {
		w.Stop()
	}

	var wg sync.WaitGroup
	for _, s := range sessions {
		wg.Add(1)
		go func(s *session.Session) {
			defer wg.Done()
			s.Close()
		}(s)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		h.logger.Info("host shut down", "sessions_closed", len(sessions))
		return nil
	case <-ctx.Done():
		h.logger.Warn("host shutdown deadline exceeded", "sessions", len(sessions))
		return ctx.Err()
	}
}

// watchLocked starts a liveness watcher for a newly ready session.
// Caller must hold h.mu.
func (h *Host) watchLocked(s *session.Session) {
	if h.watchInterval <= 0 {
		return
	}

	name := s.Server()
	h.watchers[name] = connwatch.Start(connwatch.Config{
		Name:     name,
		Interval: h.watchInterval,
		Probe:    s.Ping,
		Logger:   h.logger,
		OnDown: func(err error) {
			s.Fail(err)
			h.record(name, "failed", err.Error())
		},
	})
}

// record writes a journal event, logging recorder failures rather than
// surfacing them to callers.
func (h *Host) record(server, event, detail string) {
	if h.rec == nil {
		return
	}
	if err := h.rec.Record(server, event, detail); err != nil {
		h.logger.Warn("journal write failed", "server", server, "event", event, "error", err)
	}
}

// lookup returns the session for name, if any.
func (h *Host) lookup(name string) (*session.Session, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.sessions[name]
	return s, ok
}
