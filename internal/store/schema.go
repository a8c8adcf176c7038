package store

import "database/sql"

// createCoreTables creates the batches and executions tables if they do
// not already exist. Grounded on the teacher's createCoreTables, but
// without the organisations/users/RLS scaffolding — this engine has no
// multi-tenant concept (see DESIGN.md).
func createCoreTables(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS batches (
			id UUID PRIMARY KEY,
			name TEXT NOT NULL,
			workflow_ref TEXT NOT NULL,
			source_ref TEXT NOT NULL,
			result_ref TEXT,
			max_concurrency INT NOT NULL,
			retry_count INT NOT NULL,
			timeout_per_call_seconds INT NOT NULL,
			status TEXT NOT NULL,
			total INT NOT NULL DEFAULT 0,
			completed INT NOT NULL DEFAULT 0,
			failed INT NOT NULL DEFAULT 0,
			skipped INT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			started_at TIMESTAMPTZ,
			completed_at TIMESTAMPTZ,
			error_message TEXT
		)
	`)
	if err != nil {
		return err
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS executions (
			id UUID PRIMARY KEY,
			batch_id UUID NOT NULL REFERENCES batches(id) ON DELETE CASCADE,
			row_index INT NOT NULL,
			inputs JSONB NOT NULL,
			outputs JSONB,
			status TEXT NOT NULL,
			error_message TEXT,
			retries_used INT NOT NULL DEFAULT 0,
			execution_time_seconds DOUBLE PRECISION,
			started_at TIMESTAMPTZ,
			completed_at TIMESTAMPTZ,
			UNIQUE (batch_id, row_index)
		)
	`)
	return err
}

// createPerformanceIndexes adds the indexes the Scheduler's claim query and
// Recovery's scans rely on, grounded on the teacher's
// createPerformanceIndexes.
func createPerformanceIndexes(db *sql.DB) error {
	statements := []string{
		`CREATE INDEX IF NOT EXISTS idx_executions_batch_status ON executions (batch_id, status)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_batch_row ON executions (batch_id, row_index)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_claim ON executions (batch_id, status, row_index) WHERE status = 'pending'`,
		`CREATE INDEX IF NOT EXISTS idx_batches_status ON batches (status)`,
	}
	for _, stmt := range statements {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// EnsureSchema creates tables and indexes if they do not already exist. It
// is safe to call on every process start.
func EnsureSchema(db *sql.DB) error {
	if err := createCoreTables(db); err != nil {
		return err
	}
	return createPerformanceIndexes(db)
}
