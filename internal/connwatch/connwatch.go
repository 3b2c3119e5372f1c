// Package connwatch provides background liveness monitoring for tool
// server sessions. Each watcher periodically probes one session and
// fires a callback on the first failure, letting the host mark the
// session failed before a caller trips over it.
//
// The watcher never attempts recovery: re-registration is an explicit
// caller decision (host.Restart).
package connwatch

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Defaults for watcher timing.
const (
	DefaultInterval     = 60 * time.Second
	DefaultProbeTimeout = 10 * time.Second
)

// ProbeFunc checks whether a session is responsive. Return nil if healthy.
type ProbeFunc func(ctx context.Context) error

// Config configures a single session watcher.
type Config struct {
	// Name identifies the watched server in logs.
	Name string

	// Probe checks liveness; typically Session.Ping.
	Probe ProbeFunc

	// Interval between probes. Defaults to DefaultInterval.
	Interval time.Duration

	// ProbeTimeout bounds each probe call. Defaults to DefaultProbeTimeout.
	ProbeTimeout time.Duration

	// OnDown is called once, from the watcher goroutine, when a probe
	// fails. The watcher stops afterward.
	OnDown func(err error)

	// Logger for structured logging. Uses slog.Default() if nil.
	Logger *slog.Logger
}

// Watcher probes one session until it fails or is stopped.
type Watcher struct {
	cfg    Config
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// Start begins watching. The returned watcher must be stopped with
// Stop to release its goroutine.
func Start(cfg Config) *Watcher {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = DefaultProbeTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	w := &Watcher{
		cfg:    cfg,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	go w.loop(ctx)
	return w
}

// Stop halts probing and waits for the watcher goroutine to exit.
// Safe to call more than once.
func (w *Watcher) Stop() {
	w.once.Do(w.cancel)
	<-w.done
}

func (w *Watcher) loop(ctx context.Context) {
	defer close(w.done)

	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		probeCtx, cancel := context.WithTimeout(ctx, w.cfg.ProbeTimeout)
		err := w.cfg.Probe(probeCtx)
		cancel()

		if err == nil {
			continue
		}
		if ctx.Err() != nil {
			// Stopped mid-probe; not a server failure.
			return
		}

		w.cfg.Logger.Warn("tool server liveness probe failed",
			"server", w.cfg.Name,
			"error", err,
		)
		if w.cfg.OnDown != nil {
			w.cfg.OnDown(err)
		}
		return
	}
}
