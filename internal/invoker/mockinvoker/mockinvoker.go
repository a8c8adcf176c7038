// Package mockinvoker provides deterministic Invoker doubles for tests.
package mockinvoker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/wwlabs/batchengine/internal/invoker"
)

// Scripted is a deterministic Invoker whose responses are driven by a
// caller-supplied function, grounded on the original implementation's
// MockDifyClient (a per-row scriptable stand-in for the real workflow
// client used in tests and local development).
type Scripted struct {
	mu    sync.Mutex
	calls int
	// Respond is called once per Invoke; it returns the outputs/error for
	// this attempt given the 1-based number of this Invoke call on the
	// Scripted invoker, counted across all rows (not per row).
	Respond func(attempt int, inputs map[string]interface{}) (invoker.Outputs, error)
}

// NewScripted returns a Scripted invoker using fn as its response function.
func NewScripted(fn func(attempt int, inputs map[string]interface{}) (invoker.Outputs, error)) *Scripted {
	return &Scripted{Respond: fn}
}

func (s *Scripted) Invoke(ctx context.Context, inputs map[string]interface{}, deadline time.Time) (invoker.Outputs, error) {
	if err := ctx.Err(); err != nil {
		return nil, &invoker.Error{Classification: invoker.Transient, Err: err}
	}
	s.mu.Lock()
	s.calls++
	attempt := s.calls
	s.mu.Unlock()
	return s.Respond(attempt, inputs)
}

// AlwaysSucceed returns outputs unconditionally.
func AlwaysSucceed(outputs invoker.Outputs) *Scripted {
	return NewScripted(func(int, map[string]interface{}) (invoker.Outputs, error) {
		return outputs, nil
	})
}

// FailThenSucceed returns a Transient error for the first failUntil
// Invoke calls (across all rows), then succeeds — grounded on spec.md
// scenario 2.
func FailThenSucceed(failUntil int, outputs invoker.Outputs) *Scripted {
	return NewScripted(func(attempt int, _ map[string]interface{}) (invoker.Outputs, error) {
		if attempt <= failUntil {
			return nil, &invoker.Error{Classification: invoker.Transient, Err: fmt.Errorf("attempt %d: simulated transient failure", attempt)}
		}
		return outputs, nil
	})
}

// AlwaysPermanentFail returns a Permanent error unconditionally.
func AlwaysPermanentFail(reason string) *Scripted {
	return NewScripted(func(int, map[string]interface{}) (invoker.Outputs, error) {
		return nil, &invoker.Error{Classification: invoker.Permanent, Err: fmt.Errorf("%s", reason)}
	})
}

// Mock is a testify-based Invoker mock for call-count/argument assertions,
// grounded on the teacher's internal/mocks testify-mock convention
// (mock.Mock, args := m.Called(...)).
type Mock struct {
	mock.Mock
}

func (m *Mock) Invoke(ctx context.Context, inputs map[string]interface{}, deadline time.Time) (invoker.Outputs, error) {
	args := m.Called(ctx, inputs, deadline)
	var out invoker.Outputs
	if v := args.Get(0); v != nil {
		out = v.(invoker.Outputs)
	}
	return out, args.Error(1)
}
