package broker

import "errors"

// Error kinds surfaced by every backend, per spec §7.
var (
	// ErrTransport indicates the remote store was unreachable or
	// returned a protocol error. Not recovered locally.
	ErrTransport = errors.New("broker: transport error")

	// ErrSerialization indicates a stored value did not parse.
	// Indicates data corruption or version skew. Not recovered.
	ErrSerialization = errors.New("broker: serialization error")

	// ErrInvariantViolation indicates an assertion in the data model
	// failed (e.g. a non-idempotent job found in a running set).
	// Fatal to the broker instance that detects it.
	ErrInvariantViolation = errors.New("broker: invariant violation")

	// ErrShutdown indicates the operation was interrupted by Stop.
	// Benign; the caller should exit its loop.
	ErrShutdown = errors.New("broker: shutdown")
)
