package debug

import "errors"

// Errors returned by Session.
var (
	// ErrNotConnected is returned when no adapter connection is up.
	ErrNotConnected = errors.New("debug session not connected")

	// ErrSessionStopped is returned after Stop.
	ErrSessionStopped = errors.New("debug session stopped")

	// ErrConnectionLost reports an adapter connection that ended without a
	// terminated event.
	ErrConnectionLost = errors.New("debug adapter connection lost")

	// ErrTooManyProtocolErrors reports a connection torn down because its
	// protocol error count reached the threshold.
	ErrTooManyProtocolErrors = errors.New("too many protocol errors")

	// ErrRestartsExhausted is returned by Run once the restart budget is spent.
	ErrRestartsExhausted = errors.New("debug adapter restarts exhausted")
)
