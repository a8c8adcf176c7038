package engine

import "testing"

func TestAllowedBatchTransition(t *testing.T) {
	t.Parallel()

	cases := []struct {
		from, to BatchStatus
		allowed  bool
	}{
		{BatchPending, BatchRunning, true},
		{BatchPending, BatchCancelled, true},
		{BatchPending, BatchPaused, false},
		{BatchRunning, BatchPaused, true},
		{BatchRunning, BatchCompleted, true},
		{BatchRunning, BatchFailed, true},
		{BatchRunning, BatchCancelled, true},
		{BatchRunning, BatchPending, false},
		{BatchPaused, BatchRunning, true},
		{BatchPaused, BatchCancelled, true},
		{BatchPaused, BatchCompleted, false},
		{BatchCompleted, BatchRunning, true},
		{BatchCompleted, BatchCompleted, false},
		{BatchFailed, BatchRunning, true},
		{BatchCancelled, BatchRunning, false},
		{BatchCancelled, BatchCancelled, false},
	}

	for _, tc := range cases {
		got := AllowedBatchTransition(tc.from, tc.to)
		if got != tc.allowed {
			t.Errorf("AllowedBatchTransition(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.allowed)
		}
	}
}

func TestIsBatchTerminal(t *testing.T) {
	t.Parallel()

	terminal := []BatchStatus{BatchCompleted, BatchFailed, BatchCancelled}
	for _, s := range terminal {
		if !IsBatchTerminal(s) {
			t.Errorf("IsBatchTerminal(%s) = false, want true", s)
		}
	}

	nonTerminal := []BatchStatus{BatchPending, BatchRunning, BatchPaused}
	for _, s := range nonTerminal {
		if IsBatchTerminal(s) {
			t.Errorf("IsBatchTerminal(%s) = true, want false", s)
		}
	}
}
