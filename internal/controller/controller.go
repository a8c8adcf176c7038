// Package controller is the Batch lifecycle owner: it creates Batches,
// keeps an in-memory registry of running Schedulers keyed by batch id, and
// routes start/pause/resume/stop/delete/retry commands to Store and
// Scheduler. Grounded on the teacher's internal/jobs/manager.go JobManager,
// trimmed of all crawler/sitemap/domain-dedup logic this engine has no use
// for (see DESIGN.md).
package controller

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/getsentry/sentry-go"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/wwlabs/batchengine/internal/engine"
	"github.com/wwlabs/batchengine/internal/engineerr"
	"github.com/wwlabs/batchengine/internal/invoker"
	"github.com/wwlabs/batchengine/internal/resultsink"
	"github.com/wwlabs/batchengine/internal/rowsource"
	"github.com/wwlabs/batchengine/internal/scheduler"
	"github.com/wwlabs/batchengine/internal/store"
)

// InvokerFactory resolves a workflow reference to an Invoker capability.
// The engine treats an Invoker as a per-call capability, not a shared
// singleton (spec.md §9): the factory lets Controller construct or lease
// one per batch without hardcoding a single remote client.
type InvokerFactory func(workflowRef string) (invoker.Invoker, error)

// Controller owns every active Scheduler and serializes lifecycle
// operations per batch.
type Controller struct {
	st       store.Store
	source   rowsource.RowSource
	sink     resultsink.ResultSink
	invokers InvokerFactory

	mu         sync.Mutex
	schedulers map[string]*scheduler.Scheduler
	batchLocks map[string]*sync.Mutex
	getBatchSF singleflight.Group
}

// New constructs a Controller. source/sink/invokers are the external
// collaborators the engine treats as capabilities per spec.md §6.
func New(st store.Store, source rowsource.RowSource, sink resultsink.ResultSink, invokers InvokerFactory) *Controller {
	return &Controller{
		st:         st,
		source:     source,
		sink:       sink,
		invokers:   invokers,
		schedulers: make(map[string]*scheduler.Scheduler),
		batchLocks: make(map[string]*sync.Mutex),
	}
}

func (c *Controller) lockFor(batchID string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.batchLocks[batchID]
	if !ok {
		l = &sync.Mutex{}
		c.batchLocks[batchID] = l
	}
	return l
}

// CreateBatch persists a new Batch and one Execution per row yielded by
// RowSource, all before returning, per spec.md §4.4.
func (c *Controller) CreateBatch(ctx context.Context, workflowRef, sourceRef string, opts engine.BatchOptions) (*engine.Batch, error) {
	span := sentry.StartSpan(ctx, "controller.create_batch")
	defer span.Finish()
	span.SetTag("workflow_ref", workflowRef)

	b, err := c.st.CreateBatch(ctx, opts, workflowRef, sourceRef)
	if err != nil {
		return nil, err
	}

	rows, err := c.source.Iterate(ctx, sourceRef)
	if err != nil {
		sentry.CaptureException(err)
		_ = c.st.UpdateBatch(ctx, b.ID, store.BatchPatch{Status: engine.BatchFailed, ErrorMessage: fmt.Sprintf("read source rows: %v", err)})
		return nil, fmt.Errorf("read source rows: %w", err)
	}

	rowInputs := make([]store.RowInput, len(rows))
	for i, r := range rows {
		rowInputs[i] = store.RowInput{RowIndex: r.RowIndex, Inputs: r.Inputs}
	}
	if err := c.st.CreateExecutions(ctx, b.ID, rowInputs); err != nil {
		return nil, fmt.Errorf("create executions: %w", err)
	}

	log.Info().Str("batch_id", b.ID).Str("workflow_ref", workflowRef).Int("row_count", len(rows)).Msg("batch created")
	return c.st.GetBatch(ctx, b.ID)
}

// StartBatch transitions a PENDING (or re-opened) Batch to RUNNING and
// launches its Scheduler. Refuses if a Scheduler is already registered for
// this batch.
func (c *Controller) StartBatch(ctx context.Context, batchID string) error {
	lock := c.lockFor(batchID)
	lock.Lock()
	defer lock.Unlock()

	c.mu.Lock()
	_, running := c.schedulers[batchID]
	c.mu.Unlock()
	if running {
		return engineerr.InvalidStateTransition("running", "running")
	}

	b, err := c.st.GetBatch(ctx, batchID)
	if err != nil {
		return err
	}

	if err := c.st.UpdateBatch(ctx, batchID, store.BatchPatch{Status: engine.BatchRunning}); err != nil {
		return err
	}

	if err := c.launchScheduler(ctx, b); err != nil {
		_ = c.st.UpdateBatch(ctx, batchID, store.BatchPatch{Status: engine.BatchFailed, ErrorMessage: err.Error()})
		return err
	}
	return nil
}

// launchScheduler constructs and starts a Scheduler for b, registering it
// under the Controller's lock. Used by StartBatch and the retry paths,
// which both reopen a Batch into RUNNING. It never mutates Store on
// failure — the caller already knows the Batch's current state and owns
// deciding how to record the failure (StartBatch marks it FAILED,
// Recovery does the same but must not double-transition a Batch
// launchScheduler already failed).
func (c *Controller) launchScheduler(ctx context.Context, b *engine.Batch) error {
	inv, err := c.invokers(b.WorkflowRef)
	if err != nil {
		return fmt.Errorf("resolve invoker for workflow %q: %w", b.WorkflowRef, err)
	}

	opts := engine.BatchOptions{
		MaxConcurrency: b.MaxConcurrency,
		RetryCount:     b.RetryCount,
		TimeoutPerCall: b.TimeoutPerCall,
	}

	sched := scheduler.New(b.ID, opts, c.st, inv, func(finalizeCtx context.Context) {
		c.finalizeBatch(finalizeCtx, b.ID)
	})

	c.mu.Lock()
	c.schedulers[b.ID] = sched
	c.mu.Unlock()

	sched.Start(ctx)
	log.Info().Str("batch_id", b.ID).Int("max_concurrency", b.MaxConcurrency).Msg("scheduler started")
	return nil
}

// finalizeBatch implements spec.md §4.3 step 4 as the Scheduler's
// quiescence hook: decide the Batch's terminal state, transition it,
// assemble the result artifact, and drop its Scheduler from the registry.
func (c *Controller) finalizeBatch(ctx context.Context, batchID string) {
	span := sentry.StartSpan(ctx, "controller.finalize_batch")
	defer span.Finish()
	span.SetTag("batch_id", batchID)

	if err := c.FinalizeRecovered(ctx, batchID); err != nil {
		log.Error().Err(err).Str("batch_id", batchID).Msg("finalize failed")
		sentry.CaptureException(err)
	}

	c.mu.Lock()
	delete(c.schedulers, batchID)
	c.mu.Unlock()
}

// FinalizeRecovered implements spec.md §4.3 step 4 / §4.8 step 4: decide
// the Batch's terminal state from its Execution counts, transition it, and
// assemble the result artifact. It is exported so Recovery can finalize a
// batch that crashed in the window after its last Execution settled but
// before a Scheduler ever ran again to reach quiescence on its own — that
// batch has no live Scheduler to call finalizeBatch for it.
func (c *Controller) FinalizeRecovered(ctx context.Context, batchID string) error {
	counts, _, err := c.st.ExecutionCounts(ctx, batchID)
	if err != nil {
		return fmt.Errorf("finalize: read execution counts: %w", err)
	}

	target := engine.BatchCompleted
	if counts.Succeeded+counts.Failed+counts.Skipped < counts.Total {
		target = engine.BatchFailed
	}

	if err := c.st.UpdateBatch(ctx, batchID, store.BatchPatch{Status: target}); err != nil {
		return fmt.Errorf("finalize: transition batch: %w", err)
	}

	c.assembleResult(ctx, batchID)

	log.Info().Str("batch_id", batchID).Str("status", string(target)).Msg("batch finalized")
	return nil
}

func (c *Controller) assembleResult(ctx context.Context, batchID string) {
	b, err := c.st.GetBatch(ctx, batchID)
	if err != nil {
		log.Error().Err(err).Str("batch_id", batchID).Msg("finalize: failed to reload batch for result assembly")
		return
	}

	execs, err := c.st.ListAllExecutions(ctx, batchID)
	if err != nil {
		log.Error().Err(err).Str("batch_id", batchID).Msg("finalize: failed to list executions for result assembly")
		return
	}

	results := make([]resultsink.RowResult, len(execs))
	for i, e := range execs {
		results[i] = resultsink.RowResult{
			RowIndex: e.RowIndex,
			Success:  e.Status == engine.ExecutionSuccess,
			Outputs:  e.Outputs,
			Err:      e.ErrorMessage,
		}
	}

	resultRef, err := c.sink.Assemble(ctx, b.SourceRef, results)
	if err != nil {
		log.Error().Err(err).Str("batch_id", batchID).Msg("failed to assemble result artifact")
		sentry.CaptureException(err)
		return
	}

	if err := c.st.UpdateBatch(ctx, batchID, store.BatchPatch{ResultRef: resultRef}); err != nil {
		log.Error().Err(err).Str("batch_id", batchID).Msg("failed to record result artifact reference")
	}
}

// PauseBatch signals the Scheduler to stop claiming new Executions. If the
// batch has no running Scheduler it returns an InvalidStateTransition
// error and changes nothing.
func (c *Controller) PauseBatch(ctx context.Context, batchID string) error {
	lock := c.lockFor(batchID)
	lock.Lock()
	defer lock.Unlock()

	sched, ok := c.schedulerFor(batchID)
	if !ok {
		return engineerr.InvalidStateTransition("not running", "paused")
	}
	if err := c.st.UpdateBatch(ctx, batchID, store.BatchPatch{Status: engine.BatchPaused}); err != nil {
		return err
	}
	sched.Pause()
	return nil
}

// ResumeBatch reverses PauseBatch.
func (c *Controller) ResumeBatch(ctx context.Context, batchID string) error {
	lock := c.lockFor(batchID)
	lock.Lock()
	defer lock.Unlock()

	sched, ok := c.schedulerFor(batchID)
	if !ok {
		return engineerr.InvalidStateTransition("not running", "running")
	}
	if err := c.st.UpdateBatch(ctx, batchID, store.BatchPatch{Status: engine.BatchRunning}); err != nil {
		return err
	}
	sched.Resume()
	return nil
}

// StopBatch cancels the Scheduler, removes it from the registry, and
// transitions the Batch to CANCELLED if it was not already terminal.
func (c *Controller) StopBatch(ctx context.Context, batchID string) error {
	lock := c.lockFor(batchID)
	lock.Lock()
	defer lock.Unlock()

	sched, ok := c.schedulerFor(batchID)
	if ok {
		sched.Stop()
		c.mu.Lock()
		delete(c.schedulers, batchID)
		c.mu.Unlock()
	}

	b, err := c.st.GetBatch(ctx, batchID)
	if err != nil {
		return err
	}
	if engine.IsBatchTerminal(b.Status) {
		return nil
	}
	return c.st.UpdateBatch(ctx, batchID, store.BatchPatch{Status: engine.BatchCancelled})
}

// DeleteBatch ensures the batch is not running, then cascades the delete
// through Store. Source/result artifact deletion is the caller's
// responsibility via its own FS contract (out of this engine's scope per
// spec.md §1).
func (c *Controller) DeleteBatch(ctx context.Context, batchID string) error {
	if err := c.StopBatch(ctx, batchID); err != nil && !errors.Is(err, engineerr.ErrNotFound) {
		return err
	}
	return c.st.DeleteBatch(ctx, batchID)
}

// RetryExecution resets one FAILED Execution to PENDING and, if the Batch
// is terminal, reopens it into RUNNING with a fresh Scheduler in recovery
// mode (the existing PENDING set becomes the work queue; no new rows are
// created).
func (c *Controller) RetryExecution(ctx context.Context, batchID, executionID string) error {
	lock := c.lockFor(batchID)
	lock.Lock()
	defer lock.Unlock()

	exec, err := c.st.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}
	if exec.BatchID != batchID {
		return engineerr.NotFound("execution", executionID)
	}

	if err := c.st.TransitionExecution(ctx, executionID, engine.ExecutionFailed, engine.ExecutionPending, store.ExecutionPatch{}); err != nil {
		return err
	}
	if err := c.st.BumpBatchCounter(ctx, batchID, store.CounterFailed, -1); err != nil {
		return err
	}

	return c.reopenIfTerminal(ctx, batchID)
}

// RetryAllFailed bulk-resets every FAILED Execution of batchID to PENDING
// in one Store transaction, zeroes the failed counter, and reopens the
// Batch if it was terminal.
func (c *Controller) RetryAllFailed(ctx context.Context, batchID string) error {
	lock := c.lockFor(batchID)
	lock.Lock()
	defer lock.Unlock()

	reset, err := c.st.ResetFailedExecutionsToPending(ctx, batchID)
	if err != nil {
		return err
	}
	if reset > 0 {
		if err := c.st.BumpBatchCounter(ctx, batchID, store.CounterFailed, -reset); err != nil {
			return err
		}
	}

	return c.reopenIfTerminal(ctx, batchID)
}

// reopenIfTerminal transitions a terminal Batch back to RUNNING and starts
// a fresh Scheduler, if it isn't already running. Called with the batch's
// lifecycle lock held.
func (c *Controller) reopenIfTerminal(ctx context.Context, batchID string) error {
	b, err := c.st.GetBatch(ctx, batchID)
	if err != nil {
		return err
	}
	if !engine.IsBatchTerminal(b.Status) {
		return nil
	}
	if b.Status == engine.BatchCancelled {
		return engineerr.InvalidStateTransition(string(b.Status), string(engine.BatchRunning))
	}

	if err := c.st.UpdateBatch(ctx, batchID, store.BatchPatch{Status: engine.BatchRunning}); err != nil {
		return err
	}
	b.Status = engine.BatchRunning

	if err := c.launchScheduler(ctx, b); err != nil {
		_ = c.st.UpdateBatch(ctx, batchID, store.BatchPatch{Status: engine.BatchFailed, ErrorMessage: err.Error()})
		return err
	}
	return nil
}

func (c *Controller) schedulerFor(batchID string) (*scheduler.Scheduler, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.schedulers[batchID]
	return s, ok
}

// GetBatch reads a Batch by id, deduplicating concurrent reads for the
// same id via singleflight, grounded on the teacher's job-info
// cache-hit/miss pattern (internal/observability RecordJobInfoCacheHit) —
// adapted here as request coalescing rather than a TTL cache, since the
// Store is the sole source of truth and there is nothing this engine
// should serve stale.
func (c *Controller) GetBatch(ctx context.Context, batchID string) (*engine.Batch, error) {
	v, err, _ := c.getBatchSF.Do(batchID, func() (interface{}, error) {
		return c.st.GetBatch(ctx, batchID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*engine.Batch), nil
}

// ListBatches delegates to Store.
func (c *Controller) ListBatches(ctx context.Context, filter engine.BatchFilter, page engine.Page) ([]*engine.Batch, error) {
	return c.st.ListBatches(ctx, filter, page)
}

// GetFailedExecutions returns every FAILED Execution of batchID.
func (c *Controller) GetFailedExecutions(ctx context.Context, batchID string) ([]*engine.Execution, error) {
	return c.st.FindExecutions(ctx, batchID, engine.ExecutionFailed)
}

// LaunchForRecovery starts a Scheduler for a Batch Recovery has already
// reconciled, without creating new Execution rows or re-checking the
// state machine (Recovery has already confirmed the Batch is RUNNING with
// a non-empty PENDING set).
func (c *Controller) LaunchForRecovery(ctx context.Context, b *engine.Batch) error {
	lock := c.lockFor(b.ID)
	lock.Lock()
	defer lock.Unlock()
	return c.launchScheduler(ctx, b)
}
