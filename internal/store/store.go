// Package store is the durable, transactional persistence layer for
// Batches and Executions. It is the only component that mutates engine
// state; Scheduler and Controller reach it only through these operations.
package store

import (
	"context"

	"github.com/wwlabs/batchengine/internal/engine"
)

// RowInput is one row's raw inputs, supplied at Execution creation time.
type RowInput struct {
	RowIndex int
	Inputs   map[string]interface{}
}

// ExecutionPatch carries the fields a conditional transition updates.
// Nil/zero fields are left untouched except where the target state implies
// a specific reset (see TransitionExecution).
type ExecutionPatch struct {
	Outputs      map[string]interface{}
	ErrorMessage string
	RetriesUsed  *int
}

// BatchPatch carries the fields an UpdateBatch call may change alongside a
// state transition.
type BatchPatch struct {
	Status       engine.BatchStatus
	ErrorMessage string
	ResultRef    string
}

// CounterKind names which Batch counter BumpBatchCounter mutates.
type CounterKind string

const (
	CounterCompleted CounterKind = "completed"
	CounterFailed    CounterKind = "failed"
	CounterSkipped   CounterKind = "skipped"
)

// Store is the full persistence contract. All operations are atomic; any
// operation touching more than one row is one transaction.
type Store interface {
	// CreateBatch persists a new Batch in PENDING state with zeroed
	// counters.
	CreateBatch(ctx context.Context, opts engine.BatchOptions, workflowRef, sourceRef string) (*engine.Batch, error)

	// CreateExecutions persists one Execution per row, all in one
	// transaction, and sets batch.Total = len(rows).
	CreateExecutions(ctx context.Context, batchID string, rows []RowInput) error

	GetBatch(ctx context.Context, id string) (*engine.Batch, error)
	ListBatches(ctx context.Context, filter engine.BatchFilter, page engine.Page) ([]*engine.Batch, error)
	DeleteBatch(ctx context.Context, id string) error

	// UpdateBatch performs a state-machine-checked transition plus any
	// accompanying patch fields. Fails with engineerr.ErrInvalidStateTransition
	// if the transition is not allowed.
	UpdateBatch(ctx context.Context, id string, patch BatchPatch) error

	// BumpBatchCounter atomically increments (or, with a negative delta,
	// decrements) one Batch counter.
	BumpBatchCounter(ctx context.Context, batchID string, which CounterKind, delta int) error

	// RecalculateBatchCounters recomputes a Batch's counters from its
	// Executions, for reconciliation after Recovery's orphan normalization.
	RecalculateBatchCounters(ctx context.Context, batchID string) error

	FindExecutions(ctx context.Context, batchID string, status engine.ExecutionStatus) ([]*engine.Execution, error)
	GetExecution(ctx context.Context, id string) (*engine.Execution, error)
	ListAllExecutions(ctx context.Context, batchID string) ([]*engine.Execution, error)

	// ClaimNextPendingExecution atomically claims the lowest-row_index
	// PENDING Execution for batchID, transitioning it to RUNNING and
	// stamping started_at. Returns (nil, nil) if none is available.
	ClaimNextPendingExecution(ctx context.Context, batchID string) (*engine.Execution, error)

	// TransitionExecution performs a conditional state transition: it
	// fails (returns engineerr.ErrInvalidStateTransition, no side effects)
	// if the Execution's current state is not 'from'.
	TransitionExecution(ctx context.Context, id string, from, to engine.ExecutionStatus, patch ExecutionPatch) error

	// ResetRunningExecutionsToPending is Recovery's orphan normalization:
	// every Execution of batchID in RUNNING moves to PENDING, clearing
	// started_at and execution_time_seconds. Returns the number reset.
	ResetRunningExecutionsToPending(ctx context.Context, batchID string) (int, error)

	// ResetFailedExecutionsToPending is RetryAllFailed's bulk reset:
	// every FAILED Execution of batchID moves to PENDING, clearing
	// outputs/error/retries/times. Returns the number reset.
	ResetFailedExecutionsToPending(ctx context.Context, batchID string) (int, error)

	// ListRunningBatches is Recovery's startup scan.
	ListRunningBatches(ctx context.Context) ([]*engine.Batch, error)

	// ExecutionCounts returns counts of each Execution state for batchID,
	// plus the average execution_time_seconds across SUCCESS executions
	// (nil if none), for ProgressTracker.
	ExecutionCounts(ctx context.Context, batchID string) (counts ExecutionCounts, avgExecSeconds *float64, err error)
}

// ExecutionCounts is a snapshot of Execution states for one Batch.
type ExecutionCounts struct {
	Total     int
	Pending   int
	Running   int
	Succeeded int
	Failed    int
	Skipped   int
}
