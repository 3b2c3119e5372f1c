// Package session turns a raw transport into a negotiated, capability-
// aware connection to one tool server. A session owns exactly one
// transport: it performs the protocol handshake, discovers the server's
// components into an immutable catalog, and demultiplexes concurrent
// calls over correlation ids with a single reader goroutine.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/forgeline/toolhost/internal/buildinfo"
	"github.com/forgeline/toolhost/internal/catalog"
	"github.com/forgeline/toolhost/internal/config"
	"github.com/forgeline/toolhost/internal/protocol"
	"github.com/forgeline/toolhost/internal/transport"
)

// State is the lifecycle state of a session.
type State string

// Session states. Failed is reachable from Connecting, Negotiating, and
// Ready on any transport or protocol error.
const (
	StateUnregistered  State = "unregistered"
	StateConnecting    State = "connecting"
	StateNegotiating   State = "negotiating"
	StateReady         State = "ready"
	StateUnregistering State = "unregistering"
	StateClosed        State = "closed"
	StateFailed        State = "failed"
)

// Dialer opens a transport for a descriptor. The default is
// [transport.Open]; tests substitute in-memory doubles.
type Dialer func(ctx context.Context, sd *config.ServerDescriptor, logger *slog.Logger) (transport.Transport, error)

// Session is a live, negotiated connection to one tool server. It is
// the sole owner of its transport: only the session writes frames, and
// only the session's reader goroutine receives them.
type Session struct {
	id     string
	desc   *config.ServerDescriptor
	tr     transport.Transport
	logger *slog.Logger

	nextID atomic.Int64

	mu              sync.Mutex
	state           State
	pending         map[int64]chan *protocol.Response
	cat             *catalog.Catalog
	protocolVersion string
	serverInfo      protocol.Implementation
	failErr         error

	// lost is closed when the connection is gone, failing every
	// outstanding call with ConnectionLost.
	lost     chan struct{}
	lostOnce sync.Once

	readerDone chan struct{}
	closeOnce  sync.Once
	closeErr   error
}

// Connect opens a transport for the descriptor and runs the handshake.
// The whole sequence — dial, initialize, initialized notification — is
// bounded by the descriptor's registration timeout. On any failure the
// transport is closed and no partial session is left live.
//
// The returned session is Ready but has not discovered its catalog yet;
// call [Session.Discover] next.
func Connect(ctx context.Context, sd *config.ServerDescriptor, dial Dialer, logger *slog.Logger) (*Session, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if dial == nil {
		dial = func(ctx context.Context, sd *config.ServerDescriptor, l *slog.Logger) (transport.Transport, error) {
			return transport.Open(ctx, sd, l)
		}
	}

	s := &Session{
		id:         uuid.NewString(),
		desc:       sd,
		state:      StateConnecting,
		pending:    make(map[int64]chan *protocol.Response),
		lost:       make(chan struct{}),
		readerDone: make(chan struct{}),
	}
	s.logger = logger.With("server", sd.Name, "session", shortID(s.id))

	ctx, cancel := context.WithTimeout(ctx, sd.RegistrationTimeout)
	defer cancel()

	tr, err := dial(ctx, sd, s.logger)
	if err != nil {
		s.setState(StateFailed)
		return nil, asRegistrationError(sd.Name, err)
	}
	s.tr = tr

	go s.readLoop()
	s.setState(StateNegotiating)

	if err := s.negotiate(ctx); err != nil {
		s.abort()
		return nil, asRegistrationError(sd.Name, err)
	}

	s.setState(StateReady)
	return s, nil
}

// negotiate runs the initialize handshake and completes it with the
// initialized notification.
func (s *Session) negotiate(ctx context.Context) error {
	params := protocol.InitializeParams{
		ProtocolVersion: protocol.Version,
		Capabilities:    map[string]any{},
		ClientInfo: protocol.Implementation{
			Name:    "toolhost",
			Version: buildinfo.Version,
		},
	}

	resp, err := s.roundTrip(ctx, protocol.MethodInitialize, params)
	if err != nil {
		return err
	}

	var result protocol.InitializeResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return fmt.Errorf("unmarshal initialize result: %w", err)
	}

	if result.ProtocolVersion != protocol.Version {
		return &RegistrationError{
			Server: s.desc.Name,
			Kind:   RegProtocolMismatch,
			Err:    fmt.Errorf("server speaks %q, host speaks %q", result.ProtocolVersion, protocol.Version),
		}
	}

	s.mu.Lock()
	s.protocolVersion = result.ProtocolVersion
	s.serverInfo = result.ServerInfo
	s.mu.Unlock()

	if err := s.notify(ctx, protocol.NotifInitialized, nil); err != nil {
		return fmt.Errorf("send initialized notification: %w", err)
	}

	s.logger.Info("tool server initialized",
		"server_name", result.ServerInfo.Name,
		"server_version", result.ServerInfo.Version,
		"protocol_version", result.ProtocolVersion,
	)
	return nil
}

// Discover requests the server's component lists for each declared
// capability and builds the immutable catalog, minus the descriptor's
// exclude names. Bounded by the caller's context (the registrar passes
// the registration deadline).
func (s *Session) Discover(ctx context.Context) (*catalog.Catalog, error) {
	if st := s.State(); st != StateReady {
		return nil, asRegistrationError(s.desc.Name,
			fmt.Errorf("cannot discover in state %s", st))
	}

	var disc catalog.Discovery

	if s.desc.HasCapability(config.CapTools) {
		resp, err := s.roundTrip(ctx, protocol.MethodToolsList, nil)
		if err != nil {
			return nil, asRegistrationError(s.desc.Name, err)
		}
		var result protocol.ToolsListResult
		if err := json.Unmarshal(resp.Result, &result); err != nil {
			return nil, asRegistrationError(s.desc.Name, fmt.Errorf("unmarshal tools/list result: %w", err))
		}
		disc.Tools = result.Tools
	}

	if s.desc.HasCapability(config.CapPrompts) {
		resp, err := s.roundTrip(ctx, protocol.MethodPromptsList, nil)
		if err != nil {
			return nil, asRegistrationError(s.desc.Name, err)
		}
		var result protocol.PromptsListResult
		if err := json.Unmarshal(resp.Result, &result); err != nil {
			return nil, asRegistrationError(s.desc.Name, fmt.Errorf("unmarshal prompts/list result: %w", err))
		}
		disc.Prompts = result.Prompts
	}

	if s.desc.HasCapability(config.CapResources) {
		resp, err := s.roundTrip(ctx, protocol.MethodResourcesList, nil)
		if err != nil {
			return nil, asRegistrationError(s.desc.Name, err)
		}
		var result protocol.ResourcesListResult
		if err := json.Unmarshal(resp.Result, &result); err != nil {
			return nil, asRegistrationError(s.desc.Name, fmt.Errorf("unmarshal resources/list result: %w", err))
		}
		disc.Resources = result.Resources
	}

	cat := catalog.Build(s.desc.Name, disc, s.desc.ExcludeNames)

	s.mu.Lock()
	s.cat = cat
	s.mu.Unlock()

	s.logger.Info("discovered tool server components", "count", cat.Len())
	return cat, nil
}

// CallTool invokes a tool by its local name, bounded by timeout (the
// descriptor's call timeout if zero). The response content is flattened
// to a single string; non-text blocks become inline markers.
func (s *Session) CallTool(ctx context.Context, localName string, args map[string]any, timeout time.Duration) (string, error) {
	ctx, cancel := s.callContext(ctx, timeout)
	defer cancel()

	params := protocol.CallToolParams{Name: localName, Arguments: args}
	resp, err := s.invoke(ctx, protocol.MethodToolsCall, params)
	if err != nil {
		return "", err
	}

	var result protocol.CallToolResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return "", fmt.Errorf("unmarshal tools/call result: %w", err)
	}

	text := extractText(result.Content)
	if result.IsError {
		return "", &CallError{
			Server:  s.desc.Name,
			Kind:    CallRemoteError,
			Message: text,
		}
	}
	return text, nil
}

// GetPrompt renders a prompt by its local name.
func (s *Session) GetPrompt(ctx context.Context, localName string, args map[string]string, timeout time.Duration) (string, error) {
	ctx, cancel := s.callContext(ctx, timeout)
	defer cancel()

	params := protocol.GetPromptParams{Name: localName, Arguments: args}
	resp, err := s.invoke(ctx, protocol.MethodPromptsGet, params)
	if err != nil {
		return "", err
	}

	var result protocol.GetPromptResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return "", fmt.Errorf("unmarshal prompts/get result: %w", err)
	}

	var parts []string
	for _, m := range result.Messages {
		parts = append(parts, extractText([]protocol.ContentBlock{m.Content}))
	}
	return strings.Join(parts, "\n"), nil
}

// ReadResource reads a resource by URI.
func (s *Session) ReadResource(ctx context.Context, uri string, timeout time.Duration) (string, error) {
	ctx, cancel := s.callContext(ctx, timeout)
	defer cancel()

	params := protocol.ReadResourceParams{URI: uri}
	resp, err := s.invoke(ctx, protocol.MethodResourcesRead, params)
	if err != nil {
		return "", err
	}

	var result protocol.ReadResourceResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return "", fmt.Errorf("unmarshal resources/read result: %w", err)
	}

	var parts []string
	for _, c := range result.Contents {
		if c.Text != "" {
			parts = append(parts, c.Text)
		} else {
			parts = append(parts, fmt.Sprintf("[%s]", c.MimeType))
		}
	}
	return strings.Join(parts, "\n"), nil
}

// Ping checks whether the server is responsive. Used by the liveness
// watcher.
func (s *Session) Ping(ctx context.Context) error {
	_, err := s.roundTrip(ctx, protocol.MethodPing, nil)
	return err
}

// Close transitions to Unregistering, closes the transport (terminating
// a spawned subprocess), waits for the reader to drain, and transitions
// to Closed. Idempotent: later calls return the first result.
//
// The protocol defines no shutdown request; closing the transport is
// the orderly teardown.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		if s.state != StateClosed {
			s.state = StateUnregistering
		}
		s.mu.Unlock()

		if s.tr != nil {
			s.closeErr = s.tr.Close()
			<-s.readerDone
		}
		s.lostOnce.Do(func() { close(s.lost) })

		s.setState(StateClosed)
		s.logger.Info("session closed")
	})
	return s.closeErr
}

// Fail marks the session Failed and closes its transport. Used when an
// external observer (the liveness watcher) finds the server dead.
func (s *Session) Fail(err error) {
	s.connectionLost(err)
	if s.tr != nil {
		_ = s.tr.Close()
	}
}

// ID returns the unique session id.
func (s *Session) ID() string { return s.id }

// Server returns the server name this session is connected to.
func (s *Session) Server() string { return s.desc.Name }

// Descriptor returns the server descriptor the session was built from.
func (s *Session) Descriptor() *config.ServerDescriptor { return s.desc }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the error that moved the session to Failed, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failErr
}

// Catalog returns the discovered catalog, or nil before discovery.
func (s *Session) Catalog() *catalog.Catalog {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cat
}

// ProtocolVersion returns the negotiated protocol version.
func (s *Session) ProtocolVersion() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.protocolVersion
}

// ServerInfo returns the server's self-reported implementation info.
func (s *Session) ServerInfo() protocol.Implementation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.serverInfo
}

// invoke is roundTrip gated on the Ready state.
func (s *Session) invoke(ctx context.Context, method string, params any) (*protocol.Response, error) {
	if st := s.State(); st != StateReady {
		return nil, &CallError{
			Server: s.desc.Name,
			Kind:   CallConnectionLost,
			Err:    fmt.Errorf("session is %s", st),
		}
	}
	return s.roundTrip(ctx, method, params)
}

// roundTrip sends one request and waits for its correlated response.
// Concurrent roundTrips are safe: each carries a fresh id, and the
// reader routes responses to the matching waiter. An abandoned call
// removes its waiter; the late response is discarded by the reader.
func (s *Session) roundTrip(ctx context.Context, method string, params any) (*protocol.Response, error) {
	id := s.nextID.Add(1)
	ch := make(chan *protocol.Response, 1)

	s.mu.Lock()
	select {
	case <-s.lost:
		err := s.failErr
		s.mu.Unlock()
		return nil, &CallError{Server: s.desc.Name, Kind: CallConnectionLost, Err: err}
	default:
	}
	s.pending[id] = ch
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
	}()

	frame, err := json.Marshal(protocol.NewRequest(id, method, params))
	if err != nil {
		return nil, fmt.Errorf("marshal %s request: %w", method, err)
	}
	s.logger.Log(ctx, config.LevelTrace, "frame sent", "frame", string(frame))

	if err := s.tr.Send(ctx, frame); err != nil {
		return nil, s.mapTransportError(err)
	}

	select {
	case resp := <-ch:
		if resp.Error != nil {
			return nil, &CallError{
				Server:  s.desc.Name,
				Kind:    CallRemoteError,
				Code:    resp.Error.Code,
				Message: resp.Error.Message,
				Err:     resp.Error,
			}
		}
		return resp, nil
	case <-ctx.Done():
		// Off the caller's path: the timeout error returns immediately
		// while the server is told the result is no longer wanted.
		go s.cancelRequest(id)
		return nil, &CallError{Server: s.desc.Name, Kind: CallTimeout, Err: ctx.Err()}
	case <-s.lost:
		s.mu.Lock()
		failErr := s.failErr
		s.mu.Unlock()
		return nil, &CallError{Server: s.desc.Name, Kind: CallConnectionLost, Err: failErr}
	}
}

// cancelRequest notifies the server that an abandoned request's result
// is no longer wanted, so it may stop working on it. Best effort: a
// late or lost cancellation only costs the server wasted work, and the
// reader discards the response either way.
func (s *Session) cancelRequest(id int64) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = s.notify(ctx, protocol.NotifCancelled, map[string]any{"requestId": id})
}

// notify sends a notification frame; no response is expected.
func (s *Session) notify(ctx context.Context, method string, params any) error {
	frame, err := json.Marshal(protocol.NewNotification(method, params))
	if err != nil {
		return fmt.Errorf("marshal %s notification: %w", method, err)
	}
	s.logger.Log(ctx, config.LevelTrace, "frame sent", "frame", string(frame))
	if err := s.tr.Send(ctx, frame); err != nil {
		return s.mapTransportError(err)
	}
	return nil
}

// readLoop is the only reader of the transport. It routes responses to
// waiting callers by correlation id and drops everything else.
func (s *Session) readLoop() {
	defer close(s.readerDone)

	for {
		frame, err := s.tr.Receive(context.Background())
		if err != nil {
			s.connectionLost(err)
			return
		}
		s.logger.Log(context.Background(), config.LevelTrace, "frame received", "frame", string(frame))

		var env protocol.Envelope
		if err := json.Unmarshal(frame, &env); err != nil {
			s.logger.Debug("skipping unparseable frame", "error", err)
			continue
		}

		switch {
		case env.IsResponse():
			s.mu.Lock()
			ch, ok := s.pending[env.ID]
			if ok {
				delete(s.pending, env.ID)
			}
			s.mu.Unlock()

			if !ok {
				// The caller abandoned the call; drop the response.
				s.logger.Debug("discarding response with no waiter", "id", env.ID)
				continue
			}
			ch <- &protocol.Response{
				JSONRPC: env.JSONRPC,
				ID:      env.ID,
				Result:  env.Result,
				Error:   env.Error,
			}
		case env.Method != "" && env.ID != 0:
			// Server-initiated request; the host implements none.
			s.rejectRequest(env.ID, env.Method)
		case env.Method != "":
			s.logger.Debug("ignoring server notification", "method", env.Method)
		default:
			s.logger.Debug("skipping unrecognized frame")
		}
	}
}

// rejectRequest answers a server-initiated request with method-not-found.
func (s *Session) rejectRequest(id int64, method string) {
	s.logger.Debug("rejecting server-initiated request", "method", method)
	frame, err := json.Marshal(&protocol.Response{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &protocol.RPCError{Code: -32601, Message: "method not supported by host"},
	})
	if err != nil {
		return
	}
	_ = s.tr.Send(context.Background(), frame)
}

// connectionLost moves the session to Failed (unless it is being closed
// deliberately) and releases every outstanding call.
func (s *Session) connectionLost(err error) {
	s.mu.Lock()
	closing := s.state == StateUnregistering || s.state == StateClosed
	if !closing && s.state != StateFailed {
		s.state = StateFailed
		s.failErr = err
	}
	s.mu.Unlock()

	s.lostOnce.Do(func() { close(s.lost) })

	if !closing {
		s.logger.Warn("connection to tool server lost", "error", err)
	}
}

// abort tears down a session that failed during registration. Nothing
// is left live for the registrar to track.
func (s *Session) abort() {
	if s.tr != nil {
		_ = s.tr.Close()
		<-s.readerDone
	}
	s.lostOnce.Do(func() { close(s.lost) })
	s.setState(StateFailed)
}

// callContext applies the per-call timeout, falling back to the
// descriptor default.
func (s *Session) callContext(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		timeout = s.desc.CallTimeout
	}
	return context.WithTimeout(ctx, timeout)
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// mapTransportError converts a transport failure into a CallError.
func (s *Session) mapTransportError(err error) error {
	kind := CallConnectionLost
	if transport.KindOf(err) == transport.KindTimeout {
		kind = CallTimeout
	}
	return &CallError{Server: s.desc.Name, Kind: kind, Err: err}
}

// asRegistrationError wraps any connect/discover failure as a
// RegistrationError, classifying timeouts and protocol mismatches.
func asRegistrationError(server string, err error) error {
	if re, ok := err.(*RegistrationError); ok {
		return re
	}

	kind := RegTransport
	switch {
	case CallKindOf(err) == CallTimeout,
		transport.KindOf(err) == transport.KindTimeout:
		kind = RegTimeout
	}
	return &RegistrationError{Server: server, Kind: kind, Err: err}
}

// extractText joins all text content blocks into a single string.
// Non-text blocks are represented as inline markers.
func extractText(blocks []protocol.ContentBlock) string {
	var parts []string
	for _, b := range blocks {
		switch b.Type {
		case "text":
			parts = append(parts, b.Text)
		case "image":
			parts = append(parts, "[image]")
		case "resource":
			parts = append(parts, "[resource]")
		default:
			parts = append(parts, fmt.Sprintf("[%s]", b.Type))
		}
	}
	return strings.Join(parts, "\n")
}

// shortID returns the first uuid segment, enough to tell sessions apart
// in logs.
func shortID(id string) string {
	if i := strings.IndexByte(id, '-'); i > 0 {
		return id[:i]
	}
	return id
}
