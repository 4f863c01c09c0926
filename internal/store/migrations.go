package store

import (
	"context"
	"database/sql"
)

// schema contains the DDL for the history tables.
// Each statement uses IF NOT EXISTS for idempotency.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS jobs (
		queue_id      TEXT NOT NULL,
		item_id       INTEGER NOT NULL,
		batch_id      TEXT NOT NULL DEFAULT '',
		session_id    TEXT NOT NULL DEFAULT '',
		graph_id      TEXT NOT NULL DEFAULT '',
		workflow_id   TEXT NOT NULL DEFAULT '',
		workflow_name TEXT NOT NULL DEFAULT '',
		status        TEXT NOT NULL DEFAULT '',
		error_type    TEXT NOT NULL DEFAULT '',
		error_message TEXT NOT NULL DEFAULT '',
		outputs       TEXT NOT NULL DEFAULT '[]',
		submitted_at  TEXT NOT NULL,
		finished_at   TEXT,
		PRIMARY KEY (queue_id, item_id)
	)`,

	`CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status)`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_workflow_id ON jobs(workflow_id)`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_submitted_at ON jobs(submitted_at)`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_graph_id ON jobs(graph_id) WHERE graph_id != ''`,
}

// migrate executes all schema DDL statements.
func migrate(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}

	return nil
}
