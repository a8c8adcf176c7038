package engineerr

import (
	"errors"
	"testing"
)

func TestNotFoundWrapsSentinel(t *testing.T) {
	t.Parallel()
	err := NotFound("batch", "b-1")
	if !errors.Is(err, ErrNotFound) {
		t.Error("expected errors.Is to match ErrNotFound")
	}
	if err.Error() == "" {
		t.Error("expected a non-empty message")
	}
}

func TestInvalidStateTransitionWrapsSentinel(t *testing.T) {
	t.Parallel()
	err := InvalidStateTransition("completed", "paused")
	if !errors.Is(err, ErrInvalidStateTransition) {
		t.Error("expected errors.Is to match ErrInvalidStateTransition")
	}
}

func TestValidationFailedWrapsSentinel(t *testing.T) {
	t.Parallel()
	err := ValidationFailed("max_concurrency must be >= 1")
	if !errors.Is(err, ErrValidationFailed) {
		t.Error("expected errors.Is to match ErrValidationFailed")
	}
}

func TestInternalWrapsCause(t *testing.T) {
	t.Parallel()
	cause := errors.New("connection refused")
	err := Internal(cause)
	if !errors.Is(err, ErrInternal) {
		t.Error("expected errors.Is to match ErrInternal")
	}
}
