// Package progress periodically aggregates Store counters into a live
// ProgressSnapshot per batch, grounded on the retrieved
// original_source/app/services/batch/progress_tracker.py polling design
// and wired to the teacher's OpenTelemetry metric conventions via
// internal/observability.
package progress

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/wwlabs/batchengine/internal/engine"
	"github.com/wwlabs/batchengine/internal/observability"
	"github.com/wwlabs/batchengine/internal/store"
)

// Snapshot is a point-in-time progress readout for one Batch.
type Snapshot struct {
	BatchID                    string
	Total                      int
	Pending                    int
	Running                    int
	Succeeded                  int
	Failed                     int
	Skipped                    int
	ProgressPercentage         float64
	AverageExecutionTime       *float64 // seconds, successful Executions only
	EstimatedRemainingSeconds  *float64
	UpdatedAt                  time.Time
}

// Tracker polls Store for each batch it is told to track and caches the
// latest Snapshot for read APIs. Tracking for a batch stops automatically
// once the batch reaches a terminal state or has no PENDING/RUNNING
// Executions left.
type Tracker struct {
	st           store.Store
	pollInterval time.Duration

	mu        sync.Mutex
	snapshots map[string]Snapshot
	cancels   map[string]context.CancelFunc
}

// New constructs a Tracker. pollInterval defaults to 2s (spec.md §4.5) if
// zero.
func New(st store.Store, pollInterval time.Duration) *Tracker {
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	return &Tracker{
		st:           st,
		pollInterval: pollInterval,
		snapshots:    make(map[string]Snapshot),
		cancels:      make(map[string]context.CancelFunc),
	}
}

// Track starts polling batchID with the given max_concurrency (used for
// the estimated-remaining-time calculation) until the batch reaches a
// terminal state, has no PENDING/RUNNING Executions left, or ctx is
// cancelled. Safe to call more than once for the
// same batch id; a second call is a no-op while the first is still
// running.
func (t *Tracker) Track(ctx context.Context, batchID string, maxConcurrency int) {
	t.mu.Lock()
	if _, exists := t.cancels[batchID]; exists {
		t.mu.Unlock()
		return
	}
	pollCtx, cancel := context.WithCancel(ctx)
	t.cancels[batchID] = cancel
	t.mu.Unlock()

	go t.poll(pollCtx, batchID, maxConcurrency)
}

// Stop cancels tracking for batchID, if any is in flight.
func (t *Tracker) Stop(batchID string) {
	t.mu.Lock()
	cancel, ok := t.cancels[batchID]
	if ok {
		delete(t.cancels, batchID)
	}
	t.mu.Unlock()
	if ok {
		cancel()
	}
}

func (t *Tracker) poll(ctx context.Context, batchID string, maxConcurrency int) {
	ticker := time.NewTicker(t.pollInterval)
	defer ticker.Stop()
	defer t.Stop(batchID)

	for {
		terminal := t.refresh(ctx, batchID, maxConcurrency)
		if terminal {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// refresh computes one Snapshot and reports whether the batch has
// finished (no PENDING/RUNNING Executions left, or the Batch itself is in
// a terminal state), at which point the caller should stop polling.
func (t *Tracker) refresh(ctx context.Context, batchID string, maxConcurrency int) (terminal bool) {
	counts, avgExecSeconds, err := t.st.ExecutionCounts(ctx, batchID)
	if err != nil {
		log.Error().Err(err).Str("batch_id", batchID).Msg("progress tracker failed to read execution counts")
		return false
	}

	snap := Snapshot{
		BatchID:              batchID,
		Total:                counts.Total,
		Pending:              counts.Pending,
		Running:              counts.Running,
		Succeeded:            counts.Succeeded,
		Failed:               counts.Failed,
		Skipped:              counts.Skipped,
		AverageExecutionTime: avgExecSeconds,
		UpdatedAt:            time.Now(),
	}

	if counts.Total > 0 {
		snap.ProgressPercentage = float64(counts.Succeeded+counts.Failed) / float64(counts.Total) * 100
	}

	if avgExecSeconds != nil && maxConcurrency > 0 {
		batches := math.Ceil(float64(counts.Pending) / float64(maxConcurrency))
		remaining := batches * *avgExecSeconds
		snap.EstimatedRemainingSeconds = &remaining
	}

	t.mu.Lock()
	t.snapshots[batchID] = snap
	t.mu.Unlock()

	observability.RecordBatchProgress(ctx, batchID, snap.ProgressPercentage)

	if counts.Pending == 0 && counts.Running == 0 {
		return true
	}
	b, err := t.st.GetBatch(ctx, batchID)
	if err != nil {
		log.Error().Err(err).Str("batch_id", batchID).Msg("progress tracker failed to read batch status")
		return false
	}
	return engine.IsBatchTerminal(b.Status)
}

// Get returns the latest cached Snapshot for batchID, if one has been
// computed.
func (t *Tracker) Get(batchID string) (Snapshot, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	snap, ok := t.snapshots[batchID]
	return snap, ok
}
