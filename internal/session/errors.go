package session

import (
	"errors"
	"fmt"
)

// RegistrationErrorKind classifies registration failures.
type RegistrationErrorKind string

// Registration error kinds.
const (
	RegTimeout          RegistrationErrorKind = "timeout"
	RegProtocolMismatch RegistrationErrorKind = "protocol_mismatch"
	RegTransport        RegistrationErrorKind = "transport"
)

// RegistrationError reports why a server could not be registered. It
// wraps the underlying transport or protocol error.
type RegistrationError struct {
	Server string
	Kind   RegistrationErrorKind
	Err    error
}

// Error implements the error interface.
func (e *RegistrationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("register %s: %s: %v", e.Server, e.Kind, e.Err)
	}
	return fmt.Sprintf("register %s: %s", e.Server, e.Kind)
}

// Unwrap returns the underlying cause.
func (e *RegistrationError) Unwrap() error { return e.Err }

// RegistrationKindOf returns the kind of err, or "" if err is not a
// registration error.
func RegistrationKindOf(err error) RegistrationErrorKind {
	var re *RegistrationError
	if errors.As(err, &re) {
		return re.Kind
	}
	return ""
}

// CallErrorKind classifies call failures.
type CallErrorKind string

// Call error kinds.
const (
	CallTimeout        CallErrorKind = "timeout"
	CallConnectionLost CallErrorKind = "connection_lost"
	CallRemoteError    CallErrorKind = "remote_error"
)

// CallError reports why an invoke failed. RemoteError carries the
// server's error code and message; the other kinds are host-side.
type CallError struct {
	Server  string
	Kind    CallErrorKind
	Code    int
	Message string
	Err     error
}

// Error implements the error interface.
func (e *CallError) Error() string {
	switch {
	case e.Kind == CallRemoteError:
		return fmt.Sprintf("call on %s: remote error %d: %s", e.Server, e.Code, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("call on %s: %s: %v", e.Server, e.Kind, e.Err)
	default:
		return fmt.Sprintf("call on %s: %s", e.Server, e.Kind)
	}
}

// Unwrap returns the underlying cause.
func (e *CallError) Unwrap() error { return e.Err }

// CallKindOf returns the kind of err, or "" if err is not a call error.
func CallKindOf(err error) CallErrorKind {
	var ce *CallError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return ""
}
