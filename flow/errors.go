package flow

import "errors"

// Domain error kinds. Stores and the engine wrap these with context via
// fmt.Errorf("...: %w", Err...) so callers can classify with errors.Is.
var (
	// ErrNotFound marks an absent flow, node, connection or session.
	ErrNotFound = errors.New("not found")

	// ErrConflict marks a revision mismatch refused for a background
	// writer, or an interaction against a terminal session.
	ErrConflict = errors.New("conflict")

	// ErrValidation marks malformed node content, bad graph structure or
	// rejected input.
	ErrValidation = errors.New("validation failed")

	// ErrIntegrity marks unique or foreign key violations raised by graph
	// mutations. Surfaced to callers as validation.
	ErrIntegrity = errors.New("integrity violation")

	// ErrTimeout marks an exceeded lock wait or node execution deadline.
	ErrTimeout = errors.New("timeout")

	// ErrRemote marks a failed outbound call (non-2xx or transport error).
	ErrRemote = errors.New("remote call failed")

	// ErrEmptyAggregate marks min/max/avg over an empty list, which has
	// no defined result.
	ErrEmptyAggregate = errors.New("aggregate over empty list")
)
