// Package invoker defines the capability the Scheduler uses to perform one
// row's remote workflow invocation under a deadline.
package invoker

import (
	"context"
	"errors"
	"time"
)

// Outputs is the arbitrary, workflow-defined result of a successful
// invocation.
type Outputs map[string]interface{}

// Classification decides whether an InvokerError is eligible for retry.
type Classification string

const (
	// Transient errors (timeouts, network errors, 5xx-equivalents) are
	// retried up to the batch's retry_count.
	Transient Classification = "transient"
	// Permanent errors (4xx-equivalents) fail the Execution immediately.
	Permanent Classification = "permanent"
)

// Error is the error type returned by Invoke on failure.
type Error struct {
	Classification Classification
	Err            error
}

func (e *Error) Error() string {
	return string(e.Classification) + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err is an *Error classified Transient.
func IsTransient(err error) bool {
	var ie *Error
	if !errors.As(err, &ie) {
		return false
	}
	return ie.Classification == Transient
}

// Invoker is implemented by the real remote workflow client and by
// deterministic test doubles.
type Invoker interface {
	// Invoke performs one remote invocation. deadline bounds how long the
	// call is allowed to run; ctx carries cancellation from the Scheduler.
	Invoke(ctx context.Context, inputs map[string]interface{}, deadline time.Time) (Outputs, error)
}
