// Package scheduler runs one Batch's Executions to completion: a bounded
// pool of worker goroutines that claim PENDING rows, invoke the batch's
// workflow, and apply the resulting state transition, grounded on the
// teacher's internal/jobs/worker.go WorkerPool.worker loop, trimmed of all
// domain-rate-limiting and auto-scaling logic this engine has no use for.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/getsentry/sentry-go"
	"github.com/rs/zerolog/log"

	"github.com/wwlabs/batchengine/internal/engine"
	"github.com/wwlabs/batchengine/internal/engineerr"
	"github.com/wwlabs/batchengine/internal/invoker"
	"github.com/wwlabs/batchengine/internal/observability"
	"github.com/wwlabs/batchengine/internal/store"
)

// idle-wait backoff bounds for a worker with nothing to claim.
const (
	idleBaseSleep = 200 * time.Millisecond
	idleMaxSleep  = 5 * time.Second
)

// retry backoff bounds for a transiently-failed Execution, per spec.md
// §4.3 defaults (base = 1s, cap = 60s).
const (
	retryBaseSleep = 1 * time.Second
	retryMaxSleep  = 60 * time.Second
)

// quiescencePoll is how often the quiescence watcher checks whether a
// batch has no PENDING or RUNNING Executions left.
const quiescencePoll = 250 * time.Millisecond

// Scheduler drives one Batch's Executions. One Scheduler is created per
// running Batch and discarded once the batch reaches a terminal state or
// is explicitly stopped.
type Scheduler struct {
	batchID        string
	maxConcurrency int
	retryCount     int
	timeoutPerCall time.Duration

	st  store.Store
	inv invoker.Invoker

	// onQuiescent is invoked at most once, by the quiescence watcher, when
	// the batch has no PENDING and no RUNNING Executions left: this is
	// the Controller's hook for finalizing the Batch and assembling the
	// result artifact per spec.md §4.3 step 4.
	onQuiescent func(ctx context.Context)

	stopCh   chan struct{}
	pausedCh chan struct{} // closed while NOT paused; recreated on Pause
	notifyCh chan struct{}

	mu           sync.Mutex // guards pausedCh swap
	stopped      atomic.Bool
	finalizeOnce sync.Once
	wg           sync.WaitGroup
}

// New constructs a Scheduler for batchID. cfg mirrors the Batch's own
// runtime options so the Scheduler never needs to re-fetch the Batch row
// to learn its own concurrency/retry/timeout settings. onQuiescent may be
// nil (tests that only care about per-row outcomes).
func New(batchID string, cfg engine.BatchOptions, st store.Store, inv invoker.Invoker, onQuiescent func(ctx context.Context)) *Scheduler {
	s := &Scheduler{
		batchID:        batchID,
		maxConcurrency: cfg.MaxConcurrency,
		retryCount:     cfg.RetryCount,
		timeoutPerCall: cfg.TimeoutPerCall,
		st:             st,
		inv:            inv,
		onQuiescent:    onQuiescent,
		stopCh:         make(chan struct{}),
		notifyCh:       make(chan struct{}, 1),
	}
	s.pausedCh = make(chan struct{})
	close(s.pausedCh) // not paused initially
	return s
}

// Start launches maxConcurrency worker goroutines plus the quiescence
// watcher and returns immediately; call Stop to block until the workers
// exit.
func (s *Scheduler) Start(ctx context.Context) {
	observability.RecordSchedulerConcurrency(ctx, s.batchID, int64(s.maxConcurrency))
	for i := 0; i < s.maxConcurrency; i++ {
		s.wg.Add(1)
		workerID := i
		go func() {
			defer s.wg.Done()
			s.worker(ctx, workerID)
		}()
	}
	go s.watchQuiescence(ctx)
}

// watchQuiescence polls Store until the batch has no PENDING and no
// RUNNING Executions, then runs onQuiescent exactly once and stops the
// Scheduler. It intentionally runs outside s.wg: Stop() waits on s.wg,
// and this goroutine calls Stop() itself, so it must not be a member.
func (s *Scheduler) watchQuiescence(ctx context.Context) {
	ticker := time.NewTicker(quiescencePoll)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		counts, _, err := s.st.ExecutionCounts(ctx, s.batchID)
		if err != nil {
			log.Error().Err(err).Str("batch_id", s.batchID).Msg("quiescence watcher failed to read execution counts")
			continue
		}
		observability.RecordRunningExecutions(ctx, s.batchID, int64(counts.Running))
		if counts.Pending != 0 || counts.Running != 0 {
			continue
		}

		s.finalizeOnce.Do(func() {
			if s.onQuiescent != nil {
				s.onQuiescent(ctx)
			}
		})
		s.Stop()
		return
	}
}

// Notify wakes any worker currently in its idle backoff, used after a
// bulk reopen (e.g. RetryAllFailed) so workers don't wait out the full
// backoff window before noticing new PENDING rows.
func (s *Scheduler) Notify() {
	select {
	case s.notifyCh <- struct{}{}:
	default:
	}
}

// Pause blocks workers from claiming new Executions; in-flight
// invocations are allowed to finish.
func (s *Scheduler) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.pausedCh:
		s.pausedCh = make(chan struct{})
	default:
		// already paused
	}
}

// Resume reverses Pause.
func (s *Scheduler) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.pausedCh:
		// already running
	default:
		close(s.pausedCh)
	}
	s.Notify()
}

// Stop signals every worker to exit and blocks until they have. Safe to
// call more than once.
func (s *Scheduler) Stop() {
	if s.stopped.CompareAndSwap(false, true) {
		close(s.stopCh)
	}
	s.wg.Wait()
}

func (s *Scheduler) pausedGate() chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pausedCh
}

func (s *Scheduler) worker(ctx context.Context, workerID int) {
	log.Info().Str("batch_id", s.batchID).Int("worker_id", workerID).Msg("scheduler worker starting")
	defer log.Debug().Str("batch_id", s.batchID).Int("worker_id", workerID).Msg("scheduler worker exiting")

	consecutiveIdle := 0

	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case <-s.pausedGate():
			// not paused, fall through
		}

		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		done, err := s.processOne(ctx)
		if err != nil {
			log.Error().Err(err).Str("batch_id", s.batchID).Int("worker_id", workerID).Msg("scheduler worker error")
		}
		if done {
			consecutiveIdle = 0
			continue
		}

		consecutiveIdle++
		sleep := idleBackoff(consecutiveIdle)
		select {
		case <-time.After(sleep):
		case <-s.notifyCh:
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// idleBackoff mirrors the teacher's jittered exponential idle wait: the
// exponential part is capped at idleMaxSleep, then up to 250ms of jitter
// is added on top.
func idleBackoff(consecutiveIdle int) time.Duration {
	mult := 1.0
	for i := 0; i < consecutiveIdle && i < 10; i++ {
		mult *= 1.5
	}
	base := time.Duration(float64(idleBaseSleep) * mult)
	if base > idleMaxSleep {
		base = idleMaxSleep
	}
	jitter := time.Duration(rand.Int63n(int64(250 * time.Millisecond)))
	return base + jitter
}

// processOne claims and runs one Execution. done is false when there was
// nothing to claim.
func (s *Scheduler) processOne(ctx context.Context) (done bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			stack := debug.Stack()
			recovered := fmt.Errorf("panic processing batch %s: %v", s.batchID, r)
			if hub := sentry.CurrentHub(); hub != nil {
				hub.Recover(r)
			} else {
				sentry.CaptureException(recovered)
			}
			log.Error().Interface("panic", r).Bytes("stack", stack).Msg("recovered from panic in scheduler worker")
			err = recovered
		}
	}()

	exec, claimErr := s.st.ClaimNextPendingExecution(ctx, s.batchID)
	if claimErr != nil {
		return false, fmt.Errorf("claim next pending execution: %w", claimErr)
	}
	if exec == nil {
		return false, nil
	}

	s.invokeAndTransition(ctx, exec)
	return true, nil
}

func (s *Scheduler) invokeAndTransition(ctx context.Context, exec *engine.Execution) {
	span := sentry.StartSpan(ctx, "scheduler.invoke")
	span.SetTag("batch_id", s.batchID)
	span.SetTag("execution_id", exec.ID)
	defer span.Finish()

	start := time.Now()
	deadline := start.Add(s.timeoutPerCall)
	invokeCtx, cancel := context.WithDeadline(span.Context(), deadline)
	defer cancel()

	outputs, invokeErr := s.inv.Invoke(invokeCtx, exec.Inputs, deadline)
	elapsed := time.Since(start)

	if invokeErr == nil {
		s.transitionTerminal(ctx, exec, engine.ExecutionSuccess, store.ExecutionPatch{
			Outputs: outputs,
		}, elapsed, store.CounterCompleted)
		return
	}

	classification := "unknown"
	if ie, ok := invokeErr.(*invoker.Error); ok {
		classification = string(ie.Classification)
	}
	observability.RecordInvokerError(ctx, s.batchID, classification)

	if !invoker.IsTransient(invokeErr) || exec.RetriesUsed >= s.retryCount {
		s.transitionTerminal(ctx, exec, engine.ExecutionFailed, store.ExecutionPatch{
			ErrorMessage: invokeErr.Error(),
		}, elapsed, store.CounterFailed)
		return
	}

	s.retryLater(ctx, exec, invokeErr)
}

func (s *Scheduler) transitionTerminal(ctx context.Context, exec *engine.Execution, to engine.ExecutionStatus, patch store.ExecutionPatch, elapsed time.Duration, counter store.CounterKind) {
	err := s.st.TransitionExecution(ctx, exec.ID, engine.ExecutionRunning, to, patch)
	if err != nil {
		log.Error().Err(err).Str("execution_id", exec.ID).Str("to", string(to)).Msg("failed to transition execution to terminal state")
		sentry.CaptureException(err)
		return
	}
	observability.RecordExecutionOutcome(ctx, s.batchID, string(to), elapsed)
	if err := s.st.BumpBatchCounter(ctx, s.batchID, counter, 1); err != nil {
		log.Error().Err(err).Str("batch_id", s.batchID).Msg("failed to bump batch counter")
		sentry.CaptureException(err)
	}
}

// retryLater reopens a transiently-failed Execution to PENDING with its
// retries_used incremented, then holds the calling worker for a capped
// exponential backoff (base · 2^retries_used, ±50% jitter) before waking
// idle workers. Another worker may claim the reopened row before that
// backoff ends. The sleep uses backoff/v5 rather than hand-rolling it,
// per this engine's choice to use a library where the teacher itself
// hand-rolled one for a comparable but distinct concern (database
// connection retry).
func (s *Scheduler) retryLater(ctx context.Context, exec *engine.Execution, invokeErr error) {
	b := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(retryBaseSleep),
		backoff.WithMaxInterval(retryMaxSleep),
	)
	b.Multiplier = 2

	var sleep time.Duration
	for i := 0; i <= exec.RetriesUsed; i++ {
		next := b.NextBackOff()
		if next == backoff.Stop {
			break
		}
		sleep = next
	}

	retries := exec.RetriesUsed + 1
	patch := store.ExecutionPatch{
		ErrorMessage: invokeErr.Error(),
		RetriesUsed:  &retries,
	}
	if err := s.st.TransitionExecution(ctx, exec.ID, engine.ExecutionRunning, engine.ExecutionPending, patch); err != nil {
		if !errors.Is(err, engineerr.ErrInvalidStateTransition) {
			log.Error().Err(err).Str("execution_id", exec.ID).Msg("failed to reopen execution for retry")
			sentry.CaptureException(err)
		}
		return
	}

	log.Debug().Str("execution_id", exec.ID).Int("retries_used", retries).Dur("backoff", sleep).Msg("execution will be retried")

	select {
	case <-time.After(sleep):
	case <-ctx.Done():
	case <-s.stopCh:
	}
	s.Notify()
}
