package domain

import "errors"

// Validation errors surfaced synchronously to callers. These are hard
// rejections with no retry; everything else in the engine degrades or is
// recorded per-transaction instead of propagating.
var (
	// ErrNotFound indicates an unknown strategy or operation id.
	ErrNotFound = errors.New("not found")

	// ErrUnauthorized indicates an access attempt by a non-owning user.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrInvalidTransition indicates an illegal operation state transition.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrAlreadyExecuting indicates an execution attempt while a pass is
	// already in flight. At most one execution pass runs per operation.
	ErrAlreadyExecuting = errors.New("operation already executing")
)
