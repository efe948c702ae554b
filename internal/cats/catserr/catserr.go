// Package catserr defines the error kinds used across the CATS engine.
package catserr

import (
	"errors"
	"fmt"
)

// Sentinel kinds. Callers match with errors.Is; wrapped errors carry context
// via fmt.Errorf("%w: ...", Err...).
var (
	// ErrProtocol covers malformed framing, unknown action ids, out-of-range
	// message ids, and input replies without a pending waiter. Always fatal
	// to the connection.
	ErrProtocol = errors.New("cats: protocol error")

	// ErrHandshake covers handshake rejection or timeout. Fatal.
	ErrHandshake = errors.New("cats: handshake failed")

	// ErrValidation covers handler-level input validation failures.
	// Exchange-scoped by default.
	ErrValidation = errors.New("cats: validation error")

	// ErrInputLimitExceeded is returned when a handler's ask() chain depth
	// exceeds the configured input_limit.
	ErrInputLimitExceeded = errors.New("cats: input limit exceeded")

	// ErrInputTimeout is returned when ask() does not resolve before its
	// configured input_timeout.
	ErrInputTimeout = errors.New("cats: input timed out")

	// ErrInputCancelled is returned when the peer answers ask() with
	// CancelInputAction.
	ErrInputCancelled = errors.New("cats: input cancelled")

	// ErrConnectionClosed is returned by any suspended operation on a
	// connection that has transitioned to CLOSED.
	ErrConnectionClosed = errors.New("cats: connection closed")

	// ErrTransport covers underlying I/O failures. Fatal.
	ErrTransport = errors.New("cats: transport error")
)

// ProtocolError wraps ErrProtocol with the connection id and a reason.
type ProtocolError struct {
	ConnID string
	Reason string
}

func (e *ProtocolError) Error() string {
	if e.ConnID == "" {
		return fmt.Sprintf("cats: protocol error: %s", e.Reason)
	}
	return fmt.Sprintf("cats: protocol error [%s]: %s", e.ConnID, e.Reason)
}

func (e *ProtocolError) Unwrap() error { return ErrProtocol }

// Protocol constructs a *ProtocolError.
func Protocol(connID, reason string) error {
	return &ProtocolError{ConnID: connID, Reason: reason}
}

// Protocolf constructs a *ProtocolError with a formatted reason.
func Protocolf(connID, format string, args ...any) error {
	return &ProtocolError{ConnID: connID, Reason: fmt.Sprintf(format, args...)}
}

// ActionError reports a handler-level failure tied to one in-flight action.
type ActionError struct {
	MessageID uint16
	Status    int
	Reason    string
}

func (e *ActionError) Error() string {
	return fmt.Sprintf("cats: action error (message_id=%d status=%d): %s", e.MessageID, e.Status, e.Reason)
}

func (e *ActionError) Unwrap() error { return ErrValidation }

// Action constructs an *ActionError with an HTTP-style status code.
func Action(messageID uint16, status int, reason string) error {
	return &ActionError{MessageID: messageID, Status: status, Reason: reason}
}
