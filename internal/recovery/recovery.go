// Package recovery implements the startup pass that normalizes orphaned
// in-flight state and resumes RUNNING batches after a process crash,
// grounded on the retrieved original_source/app/services/batch/task_recovery.py
// algorithm and the teacher's bounded concurrent startup scans (adapted
// here with golang.org/x/sync/errgroup rather than the teacher's raw
// sync.WaitGroup, since recovery must surface the first hard failure to
// the caller instead of merely logging it).
package recovery

import (
	"context"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/wwlabs/batchengine/internal/engine"
	"github.com/wwlabs/batchengine/internal/store"
)

// Launcher is the subset of Controller recovery needs: starting a
// Scheduler for a Batch Recovery has already reconciled, without
// re-running CreateBatch/CreateExecutions or the state-machine check (the
// Batch is already RUNNING in Store by the time Recovery calls this), and
// finalizing (transition + ResultSink assembly) a Batch that has no
// PENDING/RUNNING Executions left and so will never reach quiescence
// through a live Scheduler.
type Launcher interface {
	LaunchForRecovery(ctx context.Context, b *engine.Batch) error
	FinalizeRecovered(ctx context.Context, batchID string) error
}

// maxConcurrentRecoveries bounds how many batches are reconciled and
// relaunched in parallel at startup, mirroring the teacher's bounded
// worker-pool discipline rather than firing one goroutine per row.
const maxConcurrentRecoveries = 4

// Run executes the recovery algorithm from spec.md §4.8 once, before the
// Controller accepts new work. It is idempotent with respect to Store
// state: a second call against an unchanged Store resets nothing and
// recomputes the same counters, since every step it performs only touches
// rows left RUNNING/PENDING by a prior crash. A batch that still has
// PENDING work is handed to the Launcher again on each call.
func Run(ctx context.Context, st store.Store, launcher Launcher) error {
	batches, err := st.ListRunningBatches(ctx)
	if err != nil {
		return err
	}
	if len(batches) == 0 {
		return nil
	}
	log.Info().Int("count", len(batches)).Msg("recovery: reconciling batches left RUNNING at startup")

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentRecoveries)

	for _, b := range batches {
		b := b
		g.Go(func() error {
			return recoverOne(gctx, st, launcher, b)
		})
	}

	return g.Wait()
}

func recoverOne(ctx context.Context, st store.Store, launcher Launcher, b *engine.Batch) error {
	logger := log.With().Str("batch_id", b.ID).Logger()

	reset, err := st.ResetRunningExecutionsToPending(ctx, b.ID)
	if err != nil {
		return err
	}
	if reset > 0 {
		logger.Info().Int("reset_count", reset).Msg("recovery: normalized orphaned RUNNING executions to PENDING")
	}

	if err := st.RecalculateBatchCounters(ctx, b.ID); err != nil {
		return err
	}

	counts, _, err := st.ExecutionCounts(ctx, b.ID)
	if err != nil {
		return err
	}

	if counts.Pending == 0 && counts.Running == 0 {
		logger.Info().Msg("recovery: batch has no pending work left, finalizing")
		return launcher.FinalizeRecovered(ctx, b.ID)
	}

	refreshed, err := st.GetBatch(ctx, b.ID)
	if err != nil {
		return err
	}

	logger.Info().Int("pending", counts.Pending).Msg("recovery: resuming batch with existing pending executions")
	if err := launcher.LaunchForRecovery(ctx, refreshed); err != nil {
		logger.Error().Err(err).Msg("recovery: failed to relaunch scheduler, marking batch FAILED")
		return st.UpdateBatch(ctx, b.ID, store.BatchPatch{
			Status:       engine.BatchFailed,
			ErrorMessage: "recovery: " + err.Error(),
		})
	}
	return nil
}
