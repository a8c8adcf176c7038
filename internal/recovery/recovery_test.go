package recovery

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wwlabs/batchengine/internal/engine"
	"github.com/wwlabs/batchengine/internal/store"
	"github.com/wwlabs/batchengine/internal/store/memstore"
)

// fakeLauncher records which batches it was asked to relaunch or finalize,
// and whether relaunch should fail (simulating an unresolvable workflow
// config). finalizeFn lets tests assert on the Store side effects of a
// real Controller.FinalizeRecovered without pulling in resultsink/rowsource
// collaborators here.
type fakeLauncher struct {
	launched   []string
	finalized  []string
	failFor    map[string]bool
	finalizeFn func(ctx context.Context, batchID string) error
}

func (f *fakeLauncher) LaunchForRecovery(ctx context.Context, b *engine.Batch) error {
	f.launched = append(f.launched, b.ID)
	if f.failFor[b.ID] {
		return assertErr("workflow not found")
	}
	return nil
}

func (f *fakeLauncher) FinalizeRecovered(ctx context.Context, batchID string) error {
	f.finalized = append(f.finalized, batchID)
	if f.finalizeFn != nil {
		return f.finalizeFn(ctx, batchID)
	}
	return nil
}

type assertErr string

func (e assertErr) Error() string { return string(e) }

func setupRunningBatch(t *testing.T, st *memstore.Store, rowCount int) *engine.Batch {
	t.Helper()
	ctx := context.Background()
	b, err := st.CreateBatch(ctx, engine.BatchOptions{
		Name: "t", MaxConcurrency: 1, RetryCount: 0, TimeoutPerCall: time.Second,
	}, "wf-1", "source.xlsx")
	require.NoError(t, err)

	rows := make([]store.RowInput, rowCount)
	for i := range rows {
		rows[i] = store.RowInput{RowIndex: i, Inputs: map[string]interface{}{}}
	}
	require.NoError(t, st.CreateExecutions(ctx, b.ID, rows))
	require.NoError(t, st.UpdateBatch(ctx, b.ID, store.BatchPatch{Status: engine.BatchRunning}))
	return b
}

// scenario 5: crash recovery resets an orphaned RUNNING execution to PENDING.
func TestRun_NormalizesOrphanedRunningExecutions(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := memstore.New()
	b := setupRunningBatch(t, st, 5)

	// simulate 2 SUCCESS, 1 RUNNING (orphaned by a crash), 2 still PENDING.
	for i := 0; i < 2; i++ {
		exec, err := st.ClaimNextPendingExecution(ctx, b.ID)
		require.NoError(t, err)
		require.NoError(t, st.TransitionExecution(ctx, exec.ID, engine.ExecutionRunning, engine.ExecutionSuccess, store.ExecutionPatch{
			Outputs: map[string]interface{}{"out": "A"},
		}))
	}
	_, err := st.ClaimNextPendingExecution(ctx, b.ID) // left RUNNING, simulating the crash
	require.NoError(t, err)

	launcher := &fakeLauncher{failFor: map[string]bool{}}
	require.NoError(t, Run(ctx, st, launcher))

	counts, _, err := st.ExecutionCounts(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, counts.Running, "orphaned RUNNING execution must be reset to PENDING")
	assert.Equal(t, 3, counts.Pending)
	assert.Equal(t, 2, counts.Succeeded)
	assert.Contains(t, launcher.launched, b.ID)
}

// A batch with no PENDING/RUNNING work left after normalization is
// finalized directly (transitioned AND handed to ResultSink via
// Controller.FinalizeRecovered), without being handed back to Controller's
// launch path.
func TestRun_FinalizesBatchWithNoPendingWork(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := memstore.New()
	b := setupRunningBatch(t, st, 2)

	for i := 0; i < 2; i++ {
		exec, err := st.ClaimNextPendingExecution(ctx, b.ID)
		require.NoError(t, err)
		require.NoError(t, st.TransitionExecution(ctx, exec.ID, engine.ExecutionRunning, engine.ExecutionSuccess, store.ExecutionPatch{
			Outputs: map[string]interface{}{"out": "A"},
		}))
	}

	launcher := &fakeLauncher{
		failFor: map[string]bool{},
		finalizeFn: func(ctx context.Context, batchID string) error {
			return st.UpdateBatch(ctx, batchID, store.BatchPatch{Status: engine.BatchCompleted, ResultRef: "result.xlsx"})
		},
	}
	require.NoError(t, Run(ctx, st, launcher))

	final, err := st.GetBatch(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, engine.BatchCompleted, final.Status)
	assert.Equal(t, "result.xlsx", final.ResultRef, "recovery must route the batch through the same finalize path that assembles the result artifact")
	assert.NotContains(t, launcher.launched, b.ID)
	assert.Contains(t, launcher.finalized, b.ID, "recovery must finalize (and thus assemble a result artifact for) a batch with no pending work left")
}

// Batches whose workflow config cannot be resolved are marked FAILED, not
// left dangling in RUNNING.
func TestRun_MarksUnresolvableWorkflowAsFailed(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := memstore.New()
	b := setupRunningBatch(t, st, 2)

	launcher := &fakeLauncher{failFor: map[string]bool{b.ID: true}}
	require.NoError(t, Run(ctx, st, launcher))

	final, err := st.GetBatch(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, engine.BatchFailed, final.Status)
	assert.NotEmpty(t, final.ErrorMessage)
}

// I5: recovery is idempotent.
func TestRun_IsIdempotent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := memstore.New()
	b := setupRunningBatch(t, st, 3)
	_, err := st.ClaimNextPendingExecution(ctx, b.ID)
	require.NoError(t, err)

	launcher := &fakeLauncher{failFor: map[string]bool{}}
	require.NoError(t, Run(ctx, st, launcher))
	first, _, err := st.ExecutionCounts(ctx, b.ID)
	require.NoError(t, err)

	require.NoError(t, Run(ctx, st, launcher))
	second, _, err := st.ExecutionCounts(ctx, b.ID)
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestRun_NoOpWhenNoBatchesRunning(t *testing.T) {
	t.Parallel()
	st := memstore.New()
	launcher := &fakeLauncher{}
	require.NoError(t, Run(context.Background(), st, launcher))
	assert.Empty(t, launcher.launched)
}
