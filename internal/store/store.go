package store

import (
	"context"
	"time"

	"github.com/me/invokeflow/pkg/queue"
	"github.com/me/invokeflow/pkg/run"
)

// Store persists the history of submitted jobs.
type Store interface {
	run.Recorder

	GetJob(ctx context.Context, queueID string, itemID int) (*Job, error)
	ListJobs(ctx context.Context, opts ListOptions) ([]*Job, int, error)

	// Lifecycle
	Close() error
	Migrate(ctx context.Context) error
}

// Job is one row of job history.
type Job struct {
	QueueID      string
	ItemID       int
	BatchID      string
	SessionID    string
	GraphID      string
	WorkflowID   string
	WorkflowName string

	// Status is empty until an outcome was recorded.
	Status       queue.Status
	ErrorType    string
	ErrorMessage string
	Outputs      []string

	SubmittedAt time.Time
	FinishedAt  *time.Time
}

// ListOptions configures list queries with pagination and filtering.
type ListOptions struct {
	Limit      int
	Offset     int
	QueueID    string
	Status     queue.Status
	WorkflowID string
}

// DefaultListOptions returns sensible defaults.
func DefaultListOptions() ListOptions {
	return ListOptions{Limit: 20}
}

// Clamp enforces limits (max 100, min 1).
func (o *ListOptions) Clamp() {
	if o.Limit <= 0 {
		o.Limit = 20
	}
	if o.Limit > 100 {
		o.Limit = 100
	}
	if o.Offset < 0 {
		o.Offset = 0
	}
}
