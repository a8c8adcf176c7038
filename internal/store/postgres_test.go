//go:build unit || !integration

package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wwlabs/batchengine/internal/engine"
	"github.com/wwlabs/batchengine/internal/engineerr"
)

func newMockStore(t *testing.T) (*PGStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewPGStore(db), mock
}

func TestTransitionExecution_ConditionalGuard(t *testing.T) {
	t.Parallel()

	t.Run("succeeds when current state matches from", func(t *testing.T) {
		s, mock := newMockStore(t)
		mock.ExpectBegin()
		mock.ExpectExec("UPDATE executions SET").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		err := s.TransitionExecution(context.Background(), "exec-1", engine.ExecutionPending, engine.ExecutionRunning, ExecutionPatch{})
		require.NoError(t, err)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("fails with InvalidStateTransition when no row matched", func(t *testing.T) {
		s, mock := newMockStore(t)
		mock.ExpectBegin()
		mock.ExpectExec("UPDATE executions SET").
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectRollback()

		err := s.TransitionExecution(context.Background(), "exec-1", engine.ExecutionPending, engine.ExecutionRunning, ExecutionPatch{})
		require.Error(t, err)
		assert.ErrorIs(t, err, engineerr.ErrInvalidStateTransition)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("propagates a database error without masking it as a state conflict", func(t *testing.T) {
		s, mock := newMockStore(t)
		mock.ExpectBegin()
		mock.ExpectExec("UPDATE executions SET").
			WillReturnError(errors.New("connection reset"))
		mock.ExpectRollback()

		err := s.TransitionExecution(context.Background(), "exec-1", engine.ExecutionPending, engine.ExecutionRunning, ExecutionPatch{})
		require.Error(t, err)
		assert.NotErrorIs(t, err, engineerr.ErrInvalidStateTransition)
		require.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestClaimNextPendingExecution_NoRows(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT (.+) FROM executions").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "batch_id", "row_index", "inputs", "outputs", "status",
			"error_message", "retries_used", "execution_time_seconds", "started_at", "completed_at",
		}))
	mock.ExpectCommit()

	got, err := s.ClaimNextPendingExecution(context.Background(), "batch-1")
	require.NoError(t, err)
	assert.Nil(t, got)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateBatch_RejectsDisallowedTransition(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT status FROM batches").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow(string(engine.BatchCompleted)))
	mock.ExpectRollback()

	err := s.UpdateBatch(context.Background(), "batch-1", BatchPatch{Status: engine.BatchPaused})
	require.Error(t, err)
	assert.ErrorIs(t, err, engineerr.ErrInvalidStateTransition)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateBatch_AllowsRetryReopen(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT status FROM batches").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow(string(engine.BatchCompleted)))
	mock.ExpectExec("UPDATE batches SET").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := s.UpdateBatch(context.Background(), "batch-1", BatchPatch{Status: engine.BatchRunning})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestBumpBatchCounter_RejectsUnknownKind(t *testing.T) {
	t.Parallel()

	s, _ := newMockStore(t)
	err := s.BumpBatchCounter(context.Background(), "batch-1", CounterKind("bogus"), 1)
	require.Error(t, err)
}

func TestSerialiseDeserialiseRoundTrip(t *testing.T) {
	t.Parallel()

	in := map[string]interface{}{"out": "A", "n": float64(3)}
	raw := Serialise(in)
	out, err := Deserialise([]byte(raw))
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestDeserialise_EmptyAndNull(t *testing.T) {
	t.Parallel()

	out, err := Deserialise(nil)
	require.NoError(t, err)
	assert.Nil(t, out)

	out, err = Deserialise([]byte("null"))
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestWaitForDatabase_TimesOut(t *testing.T) {
	t.Parallel()

	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	defer db.Close()
	mock.ExpectPing().WillReturnError(errors.New("not ready"))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	err = WaitForDatabase(ctx, db)
	require.Error(t, err)
}
