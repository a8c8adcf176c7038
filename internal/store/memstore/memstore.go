// Package memstore is an in-memory Store implementation used by unit
// tests for Scheduler, Controller, Recovery and ProgressTracker: it
// mirrors PGStore's conditional-transition semantics (the from_state
// guard, atomic counter bumps) without a database, so those packages can
// be exercised deterministically and concurrently. Grounded on the
// teacher's own preference for real implementations over generated mocks
// in its higher-level tests (internal/jobs/test_helpers.go builds a real
// in-process harness rather than mocking DbQueue throughout).
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wwlabs/batchengine/internal/engine"
	"github.com/wwlabs/batchengine/internal/engineerr"
	"github.com/wwlabs/batchengine/internal/store"
)

// Store is an in-memory, mutex-guarded Store.
type Store struct {
	mu         sync.Mutex
	batches    map[string]*engine.Batch
	executions map[string]*engine.Execution
}

// New returns an empty in-memory Store.
func New() *Store {
	return &Store{
		batches:    make(map[string]*engine.Batch),
		executions: make(map[string]*engine.Execution),
	}
}

func cloneBatch(b *engine.Batch) *engine.Batch {
	cp := *b
	return &cp
}

func cloneExecution(e *engine.Execution) *engine.Execution {
	cp := *e
	if e.Inputs != nil {
		cp.Inputs = make(map[string]interface{}, len(e.Inputs))
		for k, v := range e.Inputs {
			cp.Inputs[k] = v
		}
	}
	if e.Outputs != nil {
		cp.Outputs = make(map[string]interface{}, len(e.Outputs))
		for k, v := range e.Outputs {
			cp.Outputs[k] = v
		}
	}
	return &cp
}

func (s *Store) CreateBatch(ctx context.Context, opts engine.BatchOptions, workflowRef, sourceRef string) (*engine.Batch, error) {
	if opts.MaxConcurrency < 1 {
		return nil, engineerr.ValidationFailed("max_concurrency must be >= 1")
	}
	if opts.RetryCount < 0 {
		return nil, engineerr.ValidationFailed("retry_count must be >= 0")
	}
	if opts.TimeoutPerCall <= 0 {
		return nil, engineerr.ValidationFailed("timeout_per_call must be > 0")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	b := &engine.Batch{
		ID:             uuid.New().String(),
		Name:           opts.Name,
		WorkflowRef:    workflowRef,
		SourceRef:      sourceRef,
		MaxConcurrency: opts.MaxConcurrency,
		RetryCount:     opts.RetryCount,
		TimeoutPerCall: opts.TimeoutPerCall,
		Status:         engine.BatchPending,
		CreatedAt:      time.Now(),
	}
	s.batches[b.ID] = b
	return cloneBatch(b), nil
}

func (s *Store) CreateExecutions(ctx context.Context, batchID string, rows []store.RowInput) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.batches[batchID]
	if !ok {
		return engineerr.NotFound("batch", batchID)
	}
	for _, row := range rows {
		e := &engine.Execution{
			ID:       uuid.New().String(),
			BatchID:  batchID,
			RowIndex: row.RowIndex,
			Inputs:   row.Inputs,
			Status:   engine.ExecutionPending,
		}
		s.executions[e.ID] = e
	}
	b.Total = len(rows)
	return nil
}

func (s *Store) GetBatch(ctx context.Context, id string) (*engine.Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.batches[id]
	if !ok {
		return nil, engineerr.NotFound("batch", id)
	}
	return cloneBatch(b), nil
}

func (s *Store) ListBatches(ctx context.Context, filter engine.BatchFilter, page engine.Page) ([]*engine.Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*engine.Batch
	for _, b := range s.batches {
		if filter.Status != "" && b.Status != filter.Status {
			continue
		}
		if filter.WorkflowRef != "" && b.WorkflowRef != filter.WorkflowRef {
			continue
		}
		out = append(out, cloneBatch(b))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })

	size := page.Size
	if size <= 0 {
		size = 50
	}
	number := page.Number
	if number <= 0 {
		number = 1
	}
	start := (number - 1) * size
	if start >= len(out) {
		return nil, nil
	}
	end := start + size
	if end > len(out) {
		end = len(out)
	}
	return out[start:end], nil
}

func (s *Store) DeleteBatch(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.batches[id]; !ok {
		return engineerr.NotFound("batch", id)
	}
	delete(s.batches, id)
	for eid, e := range s.executions {
		if e.BatchID == id {
			delete(s.executions, eid)
		}
	}
	return nil
}

func (s *Store) UpdateBatch(ctx context.Context, id string, patch store.BatchPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.batches[id]
	if !ok {
		return engineerr.NotFound("batch", id)
	}

	to := patch.Status
	if to == "" {
		to = b.Status
	}
	if to != b.Status && !engine.AllowedBatchTransition(b.Status, to) {
		return engineerr.InvalidStateTransition(string(b.Status), string(to))
	}

	now := time.Now()
	b.Status = to
	if patch.ErrorMessage != "" {
		b.ErrorMessage = patch.ErrorMessage
	}
	if patch.ResultRef != "" {
		b.ResultRef = patch.ResultRef
	}
	if to == engine.BatchRunning && b.StartedAt == nil {
		b.StartedAt = &now
	}
	switch to {
	case engine.BatchCompleted, engine.BatchFailed, engine.BatchCancelled:
		if b.CompletedAt == nil {
			b.CompletedAt = &now
		}
	default:
		b.CompletedAt = nil
	}
	return nil
}

func (s *Store) BumpBatchCounter(ctx context.Context, batchID string, which store.CounterKind, delta int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.batches[batchID]
	if !ok {
		return engineerr.NotFound("batch", batchID)
	}
	switch which {
	case store.CounterCompleted:
		b.Completed += delta
	case store.CounterFailed:
		b.Failed += delta
	case store.CounterSkipped:
		b.Skipped += delta
	}
	return nil
}

func (s *Store) RecalculateBatchCounters(ctx context.Context, batchID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.batches[batchID]
	if !ok {
		return engineerr.NotFound("batch", batchID)
	}
	var completed, failed, skipped int
	for _, e := range s.executions {
		if e.BatchID != batchID {
			continue
		}
		switch e.Status {
		case engine.ExecutionSuccess:
			completed++
		case engine.ExecutionFailed:
			failed++
		case engine.ExecutionSkipped:
			skipped++
		}
	}
	b.Completed, b.Failed, b.Skipped = completed, failed, skipped
	return nil
}

func (s *Store) FindExecutions(ctx context.Context, batchID string, status engine.ExecutionStatus) ([]*engine.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*engine.Execution
	for _, e := range s.executions {
		if e.BatchID == batchID && e.Status == status {
			out = append(out, cloneExecution(e))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RowIndex < out[j].RowIndex })
	return out, nil
}

func (s *Store) GetExecution(ctx context.Context, id string) (*engine.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.executions[id]
	if !ok {
		return nil, engineerr.NotFound("execution", id)
	}
	return cloneExecution(e), nil
}

func (s *Store) ListAllExecutions(ctx context.Context, batchID string) ([]*engine.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*engine.Execution
	for _, e := range s.executions {
		if e.BatchID == batchID {
			out = append(out, cloneExecution(e))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RowIndex < out[j].RowIndex })
	return out, nil
}

// ClaimNextPendingExecution mirrors PGStore's FOR UPDATE SKIP LOCKED claim
// under the Store's single mutex, which serializes claims just as
// SKIP LOCKED would distribute them: either way no two workers claim the
// same row.
func (s *Store) ClaimNextPendingExecution(ctx context.Context, batchID string) (*engine.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var best *engine.Execution
	for _, e := range s.executions {
		if e.BatchID != batchID || e.Status != engine.ExecutionPending {
			continue
		}
		if best == nil || e.RowIndex < best.RowIndex {
			best = e
		}
	}
	if best == nil {
		return nil, nil
	}
	now := time.Now()
	best.Status = engine.ExecutionRunning
	best.StartedAt = &now
	return cloneExecution(best), nil
}

func (s *Store) TransitionExecution(ctx context.Context, id string, from, to engine.ExecutionStatus, patch store.ExecutionPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.executions[id]
	if !ok {
		return engineerr.NotFound("execution", id)
	}
	if e.Status != from {
		return engineerr.InvalidStateTransition(string(e.Status), string(to))
	}

	now := time.Now()
	e.Status = to
	switch to {
	case engine.ExecutionRunning:
		e.StartedAt = &now
	case engine.ExecutionSuccess:
		e.Outputs = patch.Outputs
		e.ErrorMessage = ""
		e.CompletedAt = &now
		if e.StartedAt != nil {
			secs := now.Sub(*e.StartedAt).Seconds()
			e.ExecutionTimeSeconds = &secs
		}
	case engine.ExecutionFailed:
		e.ErrorMessage = patch.ErrorMessage
		e.CompletedAt = &now
		if e.StartedAt != nil {
			secs := now.Sub(*e.StartedAt).Seconds()
			e.ExecutionTimeSeconds = &secs
		}
	case engine.ExecutionSkipped:
		e.CompletedAt = &now
	case engine.ExecutionPending:
		e.StartedAt = nil
		e.ExecutionTimeSeconds = nil
		if patch.RetriesUsed != nil {
			e.RetriesUsed = *patch.RetriesUsed
		}
		if patch.ErrorMessage != "" {
			e.ErrorMessage = patch.ErrorMessage
		}
	}
	return nil
}

func (s *Store) ResetRunningExecutionsToPending(ctx context.Context, batchID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var reset int
	for _, e := range s.executions {
		if e.BatchID == batchID && e.Status == engine.ExecutionRunning {
			e.Status = engine.ExecutionPending
			e.StartedAt = nil
			e.ExecutionTimeSeconds = nil
			reset++
		}
	}
	return reset, nil
}

func (s *Store) ResetFailedExecutionsToPending(ctx context.Context, batchID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var reset int
	for _, e := range s.executions {
		if e.BatchID == batchID && e.Status == engine.ExecutionFailed {
			e.Status = engine.ExecutionPending
			e.Outputs = nil
			e.ErrorMessage = ""
			e.RetriesUsed = 0
			e.StartedAt = nil
			e.CompletedAt = nil
			e.ExecutionTimeSeconds = nil
			reset++
		}
	}
	return reset, nil
}

func (s *Store) ListRunningBatches(ctx context.Context) ([]*engine.Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*engine.Batch
	for _, b := range s.batches {
		if b.Status == engine.BatchRunning {
			out = append(out, cloneBatch(b))
		}
	}
	return out, nil
}

func (s *Store) ExecutionCounts(ctx context.Context, batchID string) (store.ExecutionCounts, *float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var counts store.ExecutionCounts
	var sum float64
	var n int
	for _, e := range s.executions {
		if e.BatchID != batchID {
			continue
		}
		counts.Total++
		switch e.Status {
		case engine.ExecutionPending:
			counts.Pending++
		case engine.ExecutionRunning:
			counts.Running++
		case engine.ExecutionSuccess:
			counts.Succeeded++
			if e.ExecutionTimeSeconds != nil {
				sum += *e.ExecutionTimeSeconds
				n++
			}
		case engine.ExecutionFailed:
			counts.Failed++
		case engine.ExecutionSkipped:
			counts.Skipped++
		}
	}
	var avg *float64
	if n > 0 {
		v := sum / float64(n)
		avg = &v
	}
	return counts, avg, nil
}

var _ store.Store = (*Store)(nil)
