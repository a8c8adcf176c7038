package engine

// batchTransitions enumerates the allowed Batch state transitions, per the
// state machine in §4.1: any request not listed here fails with
// engineerr.ErrInvalidStateTransition.
var batchTransitions = map[BatchStatus]map[BatchStatus]bool{
	BatchPending: {
		BatchRunning:   true,
		BatchCancelled: true,
	},
	BatchRunning: {
		BatchPaused:    true,
		BatchCompleted: true,
		BatchFailed:    true,
		BatchCancelled: true,
	},
	BatchPaused: {
		BatchRunning:   true,
		BatchCancelled: true,
	},
	// Terminal states only reopen via the explicit retry-failed path.
	BatchCompleted: {
		BatchRunning: true,
	},
	BatchFailed: {
		BatchRunning: true,
	},
	BatchCancelled: {},
}

// AllowedBatchTransition reports whether a Batch may move from 'from' to
// 'to'.
func AllowedBatchTransition(from, to BatchStatus) bool {
	return batchTransitions[from][to]
}

// IsBatchTerminal reports whether s has no outbound transitions except the
// explicit retry-failed reopen.
func IsBatchTerminal(s BatchStatus) bool {
	switch s {
	case BatchCompleted, BatchFailed, BatchCancelled:
		return true
	default:
		return false
	}
}
