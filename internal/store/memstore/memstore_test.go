package memstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wwlabs/batchengine/internal/engine"
	"github.com/wwlabs/batchengine/internal/engineerr"
	"github.com/wwlabs/batchengine/internal/store"
)

func newBatch(t *testing.T, s *Store, rowCount int) *engine.Batch {
	t.Helper()
	ctx := context.Background()
	b, err := s.CreateBatch(ctx, engine.BatchOptions{
		Name:           "test",
		MaxConcurrency: 2,
		RetryCount:     3,
		TimeoutPerCall: time.Second,
	}, "wf-1", "source.xlsx")
	require.NoError(t, err)

	rows := make([]store.RowInput, rowCount)
	for i := range rows {
		rows[i] = store.RowInput{RowIndex: i, Inputs: map[string]interface{}{"n": i}}
	}
	require.NoError(t, s.CreateExecutions(ctx, b.ID, rows))
	return b
}

func TestTransitionExecution_ConditionalGuard(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := New()
	b := newBatch(t, s, 1)

	exec, err := s.ClaimNextPendingExecution(ctx, b.ID)
	require.NoError(t, err)
	require.NotNil(t, exec)

	err = s.TransitionExecution(ctx, exec.ID, engine.ExecutionRunning, engine.ExecutionSuccess, store.ExecutionPatch{
		Outputs: map[string]interface{}{"out": "A"},
	})
	require.NoError(t, err)

	err = s.TransitionExecution(ctx, exec.ID, engine.ExecutionRunning, engine.ExecutionFailed, store.ExecutionPatch{})
	require.Error(t, err)
	assert.ErrorIs(t, err, engineerr.ErrInvalidStateTransition)
}

func TestClaimNextPendingExecution_OrdersByRowIndex(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := New()
	b := newBatch(t, s, 3)

	first, err := s.ClaimNextPendingExecution(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, first.RowIndex)

	second, err := s.ClaimNextPendingExecution(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, second.RowIndex)
}

func TestClaimNextPendingExecution_ExhaustedReturnsNil(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := New()
	b := newBatch(t, s, 1)

	_, err := s.ClaimNextPendingExecution(ctx, b.ID)
	require.NoError(t, err)

	got, err := s.ClaimNextPendingExecution(ctx, b.ID)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestUpdateBatch_RejectsDisallowedTransition(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := New()
	b := newBatch(t, s, 1)

	err := s.UpdateBatch(ctx, b.ID, store.BatchPatch{Status: engine.BatchPaused})
	require.Error(t, err)
	assert.ErrorIs(t, err, engineerr.ErrInvalidStateTransition)
}

func TestResetFailedExecutionsToPending_ClearsFields(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := New()
	b := newBatch(t, s, 1)

	exec, err := s.ClaimNextPendingExecution(ctx, b.ID)
	require.NoError(t, err)
	require.NoError(t, s.TransitionExecution(ctx, exec.ID, engine.ExecutionRunning, engine.ExecutionFailed, store.ExecutionPatch{
		ErrorMessage: "boom",
	}))

	reset, err := s.ResetFailedExecutionsToPending(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, reset)

	got, err := s.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, engine.ExecutionPending, got.Status)
	assert.Empty(t, got.ErrorMessage)
	assert.Nil(t, got.CompletedAt)
}

func TestExecutionCounts_AveragesOnlySuccess(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := New()
	b := newBatch(t, s, 2)

	e1, err := s.ClaimNextPendingExecution(ctx, b.ID)
	require.NoError(t, err)
	require.NoError(t, s.TransitionExecution(ctx, e1.ID, engine.ExecutionRunning, engine.ExecutionSuccess, store.ExecutionPatch{
		Outputs: map[string]interface{}{"out": "A"},
	}))

	e2, err := s.ClaimNextPendingExecution(ctx, b.ID)
	require.NoError(t, err)
	require.NoError(t, s.TransitionExecution(ctx, e2.ID, engine.ExecutionRunning, engine.ExecutionFailed, store.ExecutionPatch{
		ErrorMessage: "nope",
	}))

	counts, avg, err := s.ExecutionCounts(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, counts.Succeeded)
	assert.Equal(t, 1, counts.Failed)
	require.NotNil(t, avg)
}

func TestClonesPreventExternalMutation(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := New()
	b := newBatch(t, s, 1)

	got, err := s.GetBatch(ctx, b.ID)
	require.NoError(t, err)
	got.Name = "mutated"

	reread, err := s.GetBatch(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, "test", reread.Name)
}
