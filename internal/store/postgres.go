package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/wwlabs/batchengine/internal/engine"
	"github.com/wwlabs/batchengine/internal/engineerr"
)

// PGStore is the PostgreSQL-backed implementation of Store.
type PGStore struct {
	db *sql.DB
}

// NewPGStore wraps an already-open *sql.DB. Callers are expected to have
// run EnsureSchema first.
func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) CreateBatch(ctx context.Context, opts engine.BatchOptions, workflowRef, sourceRef string) (*engine.Batch, error) {
	if opts.MaxConcurrency < 1 {
		return nil, engineerr.ValidationFailed("max_concurrency must be >= 1")
	}
	if opts.RetryCount < 0 {
		return nil, engineerr.ValidationFailed("retry_count must be >= 0")
	}
	if opts.TimeoutPerCall <= 0 {
		return nil, engineerr.ValidationFailed("timeout_per_call must be > 0")
	}

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

	err := execute(ctx, s.db, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO batches (id, name, workflow_ref, source_ref, max_concurrency, retry_count, timeout_per_call_seconds, status, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		`, b.ID, b.Name, b.WorkflowRef, b.SourceRef, b.MaxConcurrency, b.RetryCount, int(b.TimeoutPerCall.Seconds()), string(b.Status), b.CreatedAt)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("create batch: %w", err)
	}
	return b, nil
}

// CreateExecutions bulk-inserts one row per RowInput using a single
// UNNEST-expanded statement rather than one round trip per row — a batch
// backed by a multi-thousand-row spreadsheet would otherwise spend most of
// CreateBatch's latency on network round trips rather than the database
// itself.
func (s *PGStore) CreateExecutions(ctx context.Context, batchID string, rows []RowInput) error {
	return execute(ctx, s.db, func(tx *sql.Tx) error {
		ids := make([]string, len(rows))
		rowIndexes := make([]int64, len(rows))
		inputs := make([]string, len(rows))
		for i, row := range rows {
			ids[i] = uuid.New().String()
			rowIndexes[i] = int64(row.RowIndex)
			inputs[i] = Serialise(row.Inputs)
		}

		_, err := tx.ExecContext(ctx, `
			INSERT INTO executions (id, batch_id, row_index, inputs, status, retries_used)
			SELECT unnest($1::text[]), $2, unnest($3::bigint[]), unnest($4::jsonb[]), $5, 0
		`, pq.Array(ids), batchID, pq.Array(rowIndexes), pq.Array(inputs), string(engine.ExecutionPending))
		if err != nil {
			return fmt.Errorf("bulk insert %d execution rows: %w", len(rows), err)
		}

		_, err = tx.ExecContext(ctx, `UPDATE batches SET total = $2 WHERE id = $1`, batchID, len(rows))
		return err
	})
}

func scanBatch(row interface {
	Scan(dest ...interface{}) error
}) (*engine.Batch, error) {
	var (
		b                     engine.Batch
		status                string
		timeoutSeconds        int
		resultRef             sql.NullString
		startedAt, completedAt sql.NullTime
		errorMessage          sql.NullString
	)
	err := row.Scan(
		&b.ID, &b.Name, &b.WorkflowRef, &b.SourceRef, &resultRef,
		&b.MaxConcurrency, &b.RetryCount, &timeoutSeconds, &status,
		&b.Total, &b.Completed, &b.Failed, &b.Skipped,
		&b.CreatedAt, &startedAt, &completedAt, &errorMessage,
	)
	if err != nil {
		return nil, err
	}
	b.Status = engine.BatchStatus(status)
	b.TimeoutPerCall = time.Duration(timeoutSeconds) * time.Second
	if resultRef.Valid {
		b.ResultRef = resultRef.String
	}
	if startedAt.Valid {
		t := startedAt.Time
		b.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		b.CompletedAt = &t
	}
	if errorMessage.Valid {
		b.ErrorMessage = errorMessage.String
	}
	return &b, nil
}

const batchColumns = `id, name, workflow_ref, source_ref, result_ref, max_concurrency, retry_count, timeout_per_call_seconds, status, total, completed, failed, skipped, created_at, started_at, completed_at, error_message`

func (s *PGStore) GetBatch(ctx context.Context, id string) (*engine.Batch, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+batchColumns+` FROM batches WHERE id = $1`, id)
	b, err := scanBatch(row)
	if err == sql.ErrNoRows {
		return nil, engineerr.NotFound("batch", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get batch: %w", err)
	}
	return b, nil
}

func (s *PGStore) ListBatches(ctx context.Context, filter engine.BatchFilter, page engine.Page) ([]*engine.Batch, error) {
	query := `SELECT ` + batchColumns + ` FROM batches WHERE 1=1`
	var args []interface{}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if filter.WorkflowRef != "" {
		args = append(args, filter.WorkflowRef)
		query += fmt.Sprintf(" AND workflow_ref = $%d", len(args))
	}
	query += " ORDER BY created_at DESC"

	size := page.Size
	if size <= 0 {
		size = 50
	}
	number := page.Number
	if number <= 0 {
		number = 1
	}
	args = append(args, size, (number-1)*size)
	query += fmt.Sprintf(" LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list batches: %w", err)
	}
	defer rows.Close()

	var out []*engine.Batch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, fmt.Errorf("scan batch: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *PGStore) DeleteBatch(ctx context.Context, id string) error {
	return execute(ctx, s.db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM batches WHERE id = $1`, id)
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return engineerr.NotFound("batch", id)
		}
		return nil
	})
}

func (s *PGStore) UpdateBatch(ctx context.Context, id string, patch BatchPatch) error {
	return execute(ctx, s.db, func(tx *sql.Tx) error {
		var current string
		err := tx.QueryRowContext(ctx, `SELECT status FROM batches WHERE id = $1 FOR UPDATE`, id).Scan(&current)
		if err == sql.ErrNoRows {
			return engineerr.NotFound("batch", id)
		}
		if err != nil {
			return fmt.Errorf("lookup batch status: %w", err)
		}

		from := engine.BatchStatus(current)
		to := patch.Status
		if to == "" {
			to = from
		}
		if to != from && !engine.AllowedBatchTransition(from, to) {
			return engineerr.InvalidStateTransition(string(from), string(to))
		}

		now := time.Now()
		_, err = tx.ExecContext(ctx, `
			UPDATE batches SET
				status = $2,
				error_message = COALESCE(NULLIF($3, ''), error_message),
				result_ref = COALESCE(NULLIF($4, ''), result_ref),
				started_at = CASE WHEN $2 = 'running' THEN COALESCE(started_at, $5) ELSE started_at END,
				completed_at = CASE WHEN $2 IN ('completed', 'failed', 'cancelled') THEN COALESCE(completed_at, $5) ELSE NULL END
			WHERE id = $1
		`, id, string(to), patch.ErrorMessage, patch.ResultRef, now)
		return err
	})
}

func (s *PGStore) BumpBatchCounter(ctx context.Context, batchID string, which CounterKind, delta int) error {
	column, err := counterColumn(which)
	if err != nil {
		return err
	}
	return execute(ctx, s.db, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, fmt.Sprintf(`UPDATE batches SET %s = %s + $2 WHERE id = $1`, column, column), batchID, delta)
		return err
	})
}

func counterColumn(which CounterKind) (string, error) {
	switch which {
	case CounterCompleted:
		return "completed", nil
	case CounterFailed:
		return "failed", nil
	case CounterSkipped:
		return "skipped", nil
	default:
		return "", fmt.Errorf("unknown counter kind %q", which)
	}
}

func (s *PGStore) RecalculateBatchCounters(ctx context.Context, batchID string) error {
	return execute(ctx, s.db, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE batches b SET
				completed = COALESCE((SELECT count(*) FROM executions e WHERE e.batch_id = b.id AND e.status = 'success'), 0),
				failed    = COALESCE((SELECT count(*) FROM executions e WHERE e.batch_id = b.id AND e.status = 'failed'), 0),
				skipped   = COALESCE((SELECT count(*) FROM executions e WHERE e.batch_id = b.id AND e.status = 'skipped'), 0)
			WHERE b.id = $1
		`, batchID)
		return err
	})
}

func scanExecution(row interface {
	Scan(dest ...interface{}) error
}) (*engine.Execution, error) {
	var (
		e                      engine.Execution
		status                 string
		inputsRaw, outputsRaw  []byte
		errorMessage           sql.NullString
		execSeconds            sql.NullFloat64
		startedAt, completedAt sql.NullTime
	)
	err := row.Scan(
		&e.ID, &e.BatchID, &e.RowIndex, &inputsRaw, &outputsRaw, &status,
		&errorMessage, &e.RetriesUsed, &execSeconds, &startedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}
	e.Status = engine.ExecutionStatus(status)
	e.Inputs, err = Deserialise(inputsRaw)
	if err != nil {
		return nil, fmt.Errorf("decode inputs: %w", err)
	}
	e.Outputs, err = Deserialise(outputsRaw)
	if err != nil {
		return nil, fmt.Errorf("decode outputs: %w", err)
	}
	if errorMessage.Valid {
		e.ErrorMessage = errorMessage.String
	}
	if execSeconds.Valid {
		v := execSeconds.Float64
		e.ExecutionTimeSeconds = &v
	}
	if startedAt.Valid {
		t := startedAt.Time
		e.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		e.CompletedAt = &t
	}
	return &e, nil
}

const executionColumns = `id, batch_id, row_index, inputs, outputs, status, error_message, retries_used, execution_time_seconds, started_at, completed_at`

func (s *PGStore) FindExecutions(ctx context.Context, batchID string, status engine.ExecutionStatus) ([]*engine.Execution, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+executionColumns+` FROM executions WHERE batch_id = $1 AND status = $2 ORDER BY row_index ASC
	`, batchID, string(status))
	if err != nil {
		return nil, fmt.Errorf("find executions: %w", err)
	}
	defer rows.Close()
	return scanExecutions(rows)
}

func (s *PGStore) ListAllExecutions(ctx context.Context, batchID string) ([]*engine.Execution, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+executionColumns+` FROM executions WHERE batch_id = $1 ORDER BY row_index ASC
	`, batchID)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()
	return scanExecutions(rows)
}

func scanExecutions(rows *sql.Rows) ([]*engine.Execution, error) {
	var out []*engine.Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *PGStore) GetExecution(ctx context.Context, id string) (*engine.Execution, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM executions WHERE id = $1`, id)
	e, err := scanExecution(row)
	if err == sql.ErrNoRows {
		return nil, engineerr.NotFound("execution", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get execution: %w", err)
	}
	return e, nil
}

// ClaimNextPendingExecution uses FOR UPDATE SKIP LOCKED so concurrent
// Scheduler workers each claim a distinct row, grounded on the teacher's
// DbQueue.GetNextTask.
func (s *PGStore) ClaimNextPendingExecution(ctx context.Context, batchID string) (*engine.Execution, error) {
	var claimed *engine.Execution
	err := execute(ctx, s.db, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
			SELECT `+executionColumns+` FROM executions
			WHERE batch_id = $1 AND status = 'pending'
			ORDER BY row_index ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		`, batchID)
		e, err := scanExecution(row)
		if err == sql.ErrNoRows {
			return nil
		}
		if err != nil {
			return fmt.Errorf("claim execution: %w", err)
		}

		now := time.Now()
		_, err = tx.ExecContext(ctx, `
			UPDATE executions SET status = 'running', started_at = $2 WHERE id = $1
		`, e.ID, now)
		if err != nil {
			return fmt.Errorf("mark execution running: %w", err)
		}
		e.Status = engine.ExecutionRunning
		e.StartedAt = &now
		claimed = e
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// TransitionExecution performs the from_state-guarded conditional update
// spec.md §4.1 requires. Unlike the teacher's UpdateTaskStatus (and the
// original Python's _update_execution_status), both of which update
// unconditionally, this checks RowsAffected() against the expected prior
// state to prevent double-accounting between the Scheduler and the retry
// path operating on the same row concurrently.
func (s *PGStore) TransitionExecution(ctx context.Context, id string, from, to engine.ExecutionStatus, patch ExecutionPatch) error {
	return execute(ctx, s.db, func(tx *sql.Tx) error {
		now := time.Now()
		setClauses := []string{"status = $1"}
		args := []interface{}{string(to)}

		switch to {
		case engine.ExecutionRunning:
			args = append(args, now)
			setClauses = append(setClauses, fmt.Sprintf("started_at = $%d", len(args)))
		case engine.ExecutionSuccess:
			args = append(args, Serialise(patch.Outputs))
			setClauses = append(setClauses, fmt.Sprintf("outputs = $%d", len(args)))
			args = append(args, now)
			setClauses = append(setClauses, fmt.Sprintf("completed_at = $%d", len(args)))
			setClauses = append(setClauses,
				fmt.Sprintf("execution_time_seconds = EXTRACT(EPOCH FROM ($%d - started_at))", len(args)))
			setClauses = append(setClauses, "error_message = NULL")
		case engine.ExecutionFailed:
			args = append(args, patch.ErrorMessage)
			setClauses = append(setClauses, fmt.Sprintf("error_message = $%d", len(args)))
			args = append(args, now)
			setClauses = append(setClauses, fmt.Sprintf("completed_at = $%d", len(args)))
			setClauses = append(setClauses,
				fmt.Sprintf("execution_time_seconds = EXTRACT(EPOCH FROM ($%d - started_at))", len(args)))
		case engine.ExecutionSkipped:
			args = append(args, now)
			setClauses = append(setClauses, fmt.Sprintf("completed_at = $%d", len(args)))
		case engine.ExecutionPending:
			setClauses = append(setClauses, "started_at = NULL", "execution_time_seconds = NULL")
			if patch.RetriesUsed != nil {
				args = append(args, *patch.RetriesUsed)
				setClauses = append(setClauses, fmt.Sprintf("retries_used = $%d", len(args)))
			}
		}

		idArgPos := len(args) + 1
		fromArgPos := len(args) + 2
		args = append(args, id, string(from))

		query := fmt.Sprintf(
			"UPDATE executions SET %s WHERE id = $%d AND status = $%d",
			strings.Join(setClauses, ", "), idArgPos, fromArgPos,
		)
		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("transition execution: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("transition execution rows affected: %w", err)
		}
		if n == 0 {
			return engineerr.InvalidStateTransition(string(from), string(to))
		}
		return nil
	})
}

func (s *PGStore) ResetRunningExecutionsToPending(ctx context.Context, batchID string) (int, error) {
	var reset int
	err := execute(ctx, s.db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE executions
			SET status = 'pending', started_at = NULL, execution_time_seconds = NULL
			WHERE batch_id = $1 AND status = 'running'
		`, batchID)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		reset = int(n)
		return err
	})
	return reset, err
}

func (s *PGStore) ResetFailedExecutionsToPending(ctx context.Context, batchID string) (int, error) {
	var reset int
	err := execute(ctx, s.db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE executions
			SET status = 'pending', outputs = NULL, error_message = NULL,
			    retries_used = 0, started_at = NULL, completed_at = NULL, execution_time_seconds = NULL
			WHERE batch_id = $1 AND status = 'failed'
		`, batchID)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		reset = int(n)
		return err
	})
	return reset, err
}

func (s *PGStore) ListRunningBatches(ctx context.Context) ([]*engine.Batch, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+batchColumns+` FROM batches WHERE status = $1`, string(engine.BatchRunning))
	if err != nil {
		return nil, fmt.Errorf("list running batches: %w", err)
	}
	defer rows.Close()

	var out []*engine.Batch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, fmt.Errorf("scan batch: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *PGStore) ExecutionCounts(ctx context.Context, batchID string) (ExecutionCounts, *float64, error) {
	var (
		counts  ExecutionCounts
		avgSecs sql.NullFloat64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT
			count(*),
			count(*) FILTER (WHERE status = 'pending'),
			count(*) FILTER (WHERE status = 'running'),
			count(*) FILTER (WHERE status = 'success'),
			count(*) FILTER (WHERE status = 'failed'),
			count(*) FILTER (WHERE status = 'skipped'),
			avg(execution_time_seconds) FILTER (WHERE status = 'success')
		FROM executions WHERE batch_id = $1
	`, batchID).Scan(
		&counts.Total, &counts.Pending, &counts.Running, &counts.Succeeded, &counts.Failed, &counts.Skipped, &avgSecs,
	)
	if err != nil {
		return ExecutionCounts{}, nil, fmt.Errorf("execution counts: %w", err)
	}
	var avg *float64
	if avgSecs.Valid {
		v := avgSecs.Float64
		avg = &v
	}
	return counts, avg, nil
}
