// Package transport moves opaque JSON-RPC frames between the host and
// one external tool server. Transports know nothing about what the
// frames mean; handshake and correlation live in the session package.
//
// Two implementations exist: Exec (a subprocess speaking newline-delimited
// JSON on its standard streams, covering both the stdio and localCommand
// descriptor kinds) and HTTPStream (HTTP POST for sends, a persistent
// SSE stream for receives).
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/forgeline/toolhost/internal/config"
)

// ErrorKind classifies transport failures.
type ErrorKind string

// Transport error kinds.
const (
	KindConnectFailed ErrorKind = "connect_failed"
	KindWriteFailed   ErrorKind = "write_failed"
	KindReadFailed    ErrorKind = "read_failed"
	KindClosed        ErrorKind = "closed"
	KindTimeout       ErrorKind = "timeout"
)

// Error is a typed transport failure. All transport operations return
// *Error so callers can branch on Kind without string matching.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("transport %s: %s: %v", e.Kind, e.Op, e.Err)
	}
	return fmt.Sprintf("transport %s: %s", e.Kind, e.Op)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Err }

// errorf builds a *Error wrapping cause.
func errorf(kind ErrorKind, op string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Err: cause}
}

// KindOf returns the ErrorKind of err, or "" if err is not a transport error.
func KindOf(err error) ErrorKind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return ""
}

// IsClosed reports whether err indicates the transport is closed.
func IsClosed(err error) bool {
	return KindOf(err) == KindClosed
}

// Transport is a bidirectional frame channel to one tool server.
//
// Receive is a blocking read; the session runs exactly one reader
// goroutine per transport and no other caller may Receive. Send is safe
// for concurrent use. Close is idempotent and releases the underlying
// process or connection even if the transport is already failed.
type Transport interface {
	Send(ctx context.Context, frame []byte) error
	Receive(ctx context.Context) ([]byte, error)
	Close() error
}

// Open creates a transport for the given descriptor. For stdio and
// localCommand descriptors this spawns the server subprocess; for
// httpStream it establishes the streaming connection.
func Open(ctx context.Context, sd *config.ServerDescriptor, logger *slog.Logger) (Transport, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("server", sd.Name, "transport", sd.Kind)

	switch sd.Kind {
	case config.KindStdio:
		return newExec(ctx, sd.Path, nil, sd.Env, logger)
	case config.KindLocalCommand:
		return newExec(ctx, sd.Command, sd.Args, sd.Env, logger)
	case config.KindHTTPStream:
		return newHTTPStream(ctx, sd.Endpoint, sd.Headers, logger)
	default:
		return nil, errorf(KindConnectFailed, "open",
			fmt.Errorf("unknown transport kind %q", sd.Kind))
	}
}
