// Package engine holds the core domain types shared by every other
// component: Batch and Execution, their states, and the allowed
// transitions between them.
package engine

import "time"

// BatchStatus is the lifecycle state of a Batch.
type BatchStatus string

const (
	BatchPending   BatchStatus = "pending"
	BatchRunning   BatchStatus = "running"
	BatchPaused    BatchStatus = "paused"
	BatchCompleted BatchStatus = "completed"
	BatchFailed    BatchStatus = "failed"
	BatchCancelled BatchStatus = "cancelled"
)

// Batch is a user-submitted unit of work: a row set, a workflow reference,
// and runtime options.
type Batch struct {
	ID             string
	Name           string
	WorkflowRef    string
	SourceRef      string
	ResultRef      string // empty until the result artifact is assembled
	MaxConcurrency int
	RetryCount     int
	TimeoutPerCall time.Duration
	Status         BatchStatus

	Total     int
	Completed int
	Failed    int
	Skipped   int

	CreatedAt    time.Time
	StartedAt    *time.Time
	CompletedAt  *time.Time
	ErrorMessage string
}

// BatchOptions are the caller-supplied runtime parameters for a new Batch.
type BatchOptions struct {
	Name           string
	MaxConcurrency int
	RetryCount     int
	TimeoutPerCall time.Duration
}

// BatchFilter narrows ListBatches results.
type BatchFilter struct {
	Status      BatchStatus // zero value means "any"
	WorkflowRef string      // empty means "any"
}

// Page selects a page of ListBatches results.
type Page struct {
	Number int // 1-based
	Size   int
}

// Quiescent reports whether the batch's counters are expected to have
// settled: completed + failed + skipped must equal total whenever the
// batch is terminal, save for CANCELLED which may leave a PENDING/SKIPPED
// residual (spec I3).
func (b *Batch) Quiescent() bool {
	switch b.Status {
	case BatchCompleted, BatchFailed:
		return b.Completed+b.Failed+b.Skipped == b.Total
	case BatchCancelled:
		return true
	default:
		return false
	}
}
