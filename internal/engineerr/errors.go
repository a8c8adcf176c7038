// Package engineerr defines the sentinel error taxonomy surfaced by the
// engine's programmatic interface: NotFound, InvalidStateTransition,
// ValidationFailed, CapacityExceeded, Internal.
package engineerr

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound               = errors.New("not found")
	ErrInvalidStateTransition = errors.New("invalid state transition")
	ErrValidationFailed       = errors.New("validation failed")
	ErrCapacityExceeded       = errors.New("capacity exceeded")
	ErrInternal               = errors.New("internal error")
)

// NotFound wraps ErrNotFound with context, e.g. NotFound("batch", id).
func NotFound(kind, id string) error {
	return fmt.Errorf("%s %q: %w", kind, id, ErrNotFound)
}

// InvalidStateTransition wraps ErrInvalidStateTransition with the attempted
// transition.
func InvalidStateTransition(from, to string) error {
	return fmt.Errorf("cannot transition from %s to %s: %w", from, to, ErrInvalidStateTransition)
}

// ValidationFailed wraps ErrValidationFailed with a reason.
func ValidationFailed(reason string) error {
	return fmt.Errorf("%s: %w", reason, ErrValidationFailed)
}

// Internal wraps ErrInternal with the underlying cause.
func Internal(cause error) error {
	return fmt.Errorf("%w: %v", ErrInternal, cause)
}
