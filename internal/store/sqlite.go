package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/me/invokeflow/pkg/queue"
	"github.com/me/invokeflow/pkg/run"

	_ "modernc.org/sqlite"
)

var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath and returns a Store.
// Use ":memory:" for an in-memory database (useful in tests).
func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dbPath, err)
	}
	// Every connection to ":memory:" is a separate database.
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma wal: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma busy_timeout: %w", err)
	}

	return &SQLiteStore{
		db:     db,
		logger: logger.With("component", "store"),
	}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Migrate creates all required tables and indexes.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	s.logger.Debug("sql", "op", "migrate")
	return migrate(ctx, s.db)
}

// RecordSubmission inserts a job row. Recording the same item twice
// refreshes its submission data.
func (s *SQLiteStore) RecordSubmission(ctx context.Context, rec run.Record) error {
	s.logger.Debug("sql", "op", "upsert", "table", "jobs", "queue_id", rec.QueueID, "item_id", rec.ItemID)

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs (queue_id, item_id, batch_id, session_id, graph_id, workflow_id, workflow_name, submitted_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(queue_id, item_id) DO UPDATE SET
		   batch_id = excluded.batch_id,
		   session_id = excluded.session_id,
		   graph_id = excluded.graph_id,
		   workflow_id = excluded.workflow_id,
		   workflow_name = excluded.workflow_name,
		   submitted_at = excluded.submitted_at`,
		rec.QueueID, rec.ItemID, rec.BatchID, rec.SessionID, rec.GraphID, rec.WorkflowID, rec.WorkflowName,
		rec.SubmittedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("record submission %d: %w", rec.ItemID, err)
	}
	return nil
}

// RecordOutcome stores the terminal state of a job. Jobs that were not
// submitted through this store, e.g. attached by id, get a row of their own.
func (s *SQLiteStore) RecordOutcome(ctx context.Context, out run.Outcome) error {
	s.logger.Debug("sql", "op", "upsert", "table", "jobs", "queue_id", out.QueueID, "item_id", out.ItemID, "status", out.Status)

	outputs := out.Outputs
	if outputs == nil {
		outputs = []string{}
	}
	outputsJSON, err := json.Marshal(outputs)
	if err != nil {
		return fmt.Errorf("marshal outputs: %w", err)
	}
	finished := out.FinishedAt.UTC().Format(time.RFC3339Nano)

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO jobs (queue_id, item_id, status, error_type, error_message, outputs, submitted_at, finished_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(queue_id, item_id) DO UPDATE SET
		   status = excluded.status,
		   error_type = excluded.error_type,
		   error_message = excluded.error_message,
		   outputs = excluded.outputs,
		   finished_at = excluded.finished_at`,
		out.QueueID, out.ItemID, string(out.Status), out.ErrorType, out.ErrorMessage, string(outputsJSON),
		finished, finished,
	)
	if err != nil {
		return fmt.Errorf("record outcome %d: %w", out.ItemID, err)
	}
	return nil
}

const jobColumns = `queue_id, item_id, batch_id, session_id, graph_id, workflow_id, workflow_name,
	status, error_type, error_message, outputs, submitted_at, finished_at`

// GetJob returns one job, or nil if it is unknown.
func (s *SQLiteStore) GetJob(ctx context.Context, queueID string, itemID int) (*Job, error) {
	s.logger.Debug("sql", "op", "select", "table", "jobs", "queue_id", queueID, "item_id", itemID)

	row := s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE queue_id = ? AND item_id = ?`, queueID, itemID)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return job, nil
}

// ListJobs returns jobs newest first, plus the total matching the filters.
func (s *SQLiteStore) ListJobs(ctx context.Context, opts ListOptions) ([]*Job, int, error) {
	s.logger.Debug("sql", "op", "list", "table", "jobs", "limit", opts.Limit, "offset", opts.Offset)
	opts.Clamp()

	var whereClauses []string
	var countArgs []any

	if opts.QueueID != "" {
		whereClauses = append(whereClauses, "queue_id = ?")
		countArgs = append(countArgs, opts.QueueID)
	}
	if opts.Status != "" {
		whereClauses = append(whereClauses, "status = ?")
		countArgs = append(countArgs, string(opts.Status))
	}
	if opts.WorkflowID != "" {
		whereClauses = append(whereClauses, "workflow_id = ?")
		countArgs = append(countArgs, opts.WorkflowID)
	}

	whereSQL := ""
	if len(whereClauses) > 0 {
		whereSQL = " WHERE " + strings.Join(whereClauses, " AND ")
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs`+whereSQL, countArgs...).Scan(&total); err != nil {
		return nil, 0, err
	}

	listQuery := `SELECT ` + jobColumns + ` FROM jobs` + whereSQL +
		` ORDER BY submitted_at DESC, item_id DESC LIMIT ? OFFSET ?`
	listArgs := append(countArgs, opts.Limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, listQuery, listArgs...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, 0, err
		}
		jobs = append(jobs, job)
	}
	return jobs, total, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(sc scanner) (*Job, error) {
	var job Job
	var status, outputsJSON, submittedAt string
	var finishedAt *string

	if err := sc.Scan(&job.QueueID, &job.ItemID, &job.BatchID, &job.SessionID, &job.GraphID,
		&job.WorkflowID, &job.WorkflowName, &status, &job.ErrorType, &job.ErrorMessage,
		&outputsJSON, &submittedAt, &finishedAt); err != nil {
		return nil, err
	}

	job.Status = queue.Status(status)
	if err := json.Unmarshal([]byte(outputsJSON), &job.Outputs); err != nil {
		return nil, fmt.Errorf("unmarshal outputs: %w", err)
	}
	job.SubmittedAt, _ = time.Parse(time.RFC3339Nano, submittedAt)
	if finishedAt != nil {
		t, _ := time.Parse(time.RFC3339Nano, *finishedAt)
		job.FinishedAt = &t
	}
	return &job, nil
}
