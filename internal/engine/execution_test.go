package engine

import "testing"

func TestExecutionStatusTerminal(t *testing.T) {
	t.Parallel()

	for _, s := range []ExecutionStatus{ExecutionSuccess, ExecutionFailed, ExecutionSkipped} {
		if !s.Terminal() {
			t.Errorf("%s.Terminal() = false, want true", s)
		}
	}
	for _, s := range []ExecutionStatus{ExecutionPending, ExecutionRunning} {
		if s.Terminal() {
			t.Errorf("%s.Terminal() = true, want false", s)
		}
	}
}
