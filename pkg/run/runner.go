// Package run submits workflows to a generation server's queue and
// monitors them until they finish, by polling, by push events, or as a
// lazily consumed event stream.
package run

import (
	"context"
	"io"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/me/invokeflow/pkg/events"
	"github.com/me/invokeflow/pkg/queue"
	"github.com/me/invokeflow/pkg/workflow"
)

// DefaultStreamTick is how often a stream wakes up to check for completion
// and context cancellation while no event arrives.
const DefaultStreamTick = 250 * time.Millisecond

// Queue is the part of the queue API the runner drives.
type Queue interface {
	QueueID() string
	EnqueueBatch(ctx context.Context, graph any, opts queue.EnqueueOptions) (*queue.Submission, error)
	GetItem(ctx context.Context, itemID int) (*queue.Item, error)
	CancelItem(ctx context.Context, itemID int) (*queue.Item, error)
}

// Subscriber opens session-filtered event subscriptions.
type Subscriber interface {
	Subscribe(ctx context.Context, queueID, sessionID string, handlers events.Handlers) (*events.Subscription, error)
}

// Record describes a submitted job for a Recorder.
type Record struct {
	QueueID      string
	ItemID       int
	BatchID      string
	SessionID    string
	GraphID      string
	WorkflowID   string
	WorkflowName string
	SubmittedAt  time.Time
}

// Outcome describes how a job ended.
type Outcome struct {
	QueueID      string
	ItemID       int
	Status       queue.Status
	ErrorType    string
	ErrorMessage string
	Outputs      []string
	FinishedAt   time.Time
}

// Recorder persists job history.
type Recorder interface {
	RecordSubmission(ctx context.Context, rec Record) error
	RecordOutcome(ctx context.Context, out Outcome) error
}

// Runner submits handles and monitors the resulting jobs.
type Runner struct {
	queue      Queue
	events     Subscriber
	recorder   Recorder
	logger     *slog.Logger
	tracer     trace.Tracer
	now        func() time.Time
	sleep      func(ctx context.Context, d time.Duration) error
	streamTick time.Duration
}

// Option configures optional Runner dependencies.
type Option func(*Runner)

// WithEvents sets the push-event subscriber used by Await and Stream.
func WithEvents(s Subscriber) Option {
	return func(r *Runner) {
		r.events = s
	}
}

// WithRecorder sets the job history recorder.
func WithRecorder(rec Recorder) Option {
	return func(r *Runner) {
		r.recorder = rec
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Runner) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithClock replaces the wall clock and the poll sleeper.
func WithClock(now func() time.Time, sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(r *Runner) {
		r.now = now
		r.sleep = sleep
	}
}

// WithStreamTick sets the stream's idle wake-up interval.
func WithStreamTick(d time.Duration) Option {
	return func(r *Runner) {
		if d > 0 {
			r.streamTick = d
		}
	}
}

// NewRunner creates a Runner over q.
func NewRunner(q Queue, opts ...Option) *Runner {
	r := &Runner{
		queue:      q,
		logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		tracer:     otel.Tracer("github.com/me/invokeflow/pkg/run"),
		now:        time.Now,
		sleep:      sleepContext,
		streamTick: DefaultStreamTick,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "runner", "queue_id", q.QueueID())
	return r
}

// SubmitOptions tunes a submission.
type SubmitOptions struct {
	// BoardID overrides "auto" boards and is attached to output nodes.
	BoardID string

	// Prepend puts the batch at the front of the queue.
	Prepend bool

	// PruneConnected drops inline values of edge-fed fields.
	PruneConnected bool

	// Origin and Destination tag the batch for server-side bookkeeping.
	Origin      string
	Destination string
}

// Submit validates h, compiles it and enqueues the graph. Validation
// problems are returned as *workflow.ValidationError before any request is
// made.
func (r *Runner) Submit(ctx context.Context, h *workflow.Handle, opts SubmitOptions) (*Job, error) {
	ctx, span := r.tracer.Start(ctx, "run.Submit", trace.WithAttributes(
		attribute.String("invokeflow.queue.id", r.queue.QueueID()),
		attribute.String("invokeflow.workflow.name", h.Definition().Name),
	))
	defer span.End()

	if err := h.Validate(); err != nil {
		setSpanError(span, err)
		return nil, err
	}

	graph, err := h.Compile(workflow.CompileOptions{
		BoardID:        opts.BoardID,
		PruneConnected: opts.PruneConnected,
	})
	if err != nil {
		setSpanError(span, err)
		return nil, err
	}

	sub, err := r.queue.EnqueueBatch(ctx, graph, queue.EnqueueOptions{
		Prepend:     opts.Prepend,
		Origin:      opts.Origin,
		Destination: opts.Destination,
	})
	if err != nil {
		setSpanError(span, err)
		return nil, err
	}
	span.SetAttributes(
		attribute.Int("invokeflow.item.id", sub.ItemID),
		attribute.String("invokeflow.session.id", sub.SessionID),
		attribute.String("invokeflow.batch.id", sub.BatchID),
	)

	job := &Job{
		r:       r,
		sub:     *sub,
		graphID: graph.ID,
		state:   StateUnsubmitted,
	}
	job.transition(StateSubmitted)

	r.logger.Info("workflow submitted",
		"workflow", h.Definition().Name,
		"item_id", sub.ItemID,
		"batch_id", sub.BatchID,
		"session_id", sub.SessionID,
	)

	if r.recorder != nil {
		rec := Record{
			QueueID:      sub.QueueID,
			ItemID:       sub.ItemID,
			BatchID:      sub.BatchID,
			SessionID:    sub.SessionID,
			GraphID:      graph.ID,
			WorkflowID:   h.Definition().ID,
			WorkflowName: h.Definition().Name,
			SubmittedAt:  r.now(),
		}
		if err := r.recorder.RecordSubmission(ctx, rec); err != nil {
			r.logger.Warn("recording submission failed", "item_id", sub.ItemID, "error", err)
		}
	}
	return job, nil
}

// Attach returns a Job tracking an already-enqueued item, e.g. one
// submitted by another process.
func (r *Runner) Attach(ctx context.Context, itemID int) (*Job, error) {
	item, err := r.queue.GetItem(ctx, itemID)
	if err != nil {
		return nil, err
	}
	job := &Job{
		r: r,
		sub: queue.Submission{
			QueueID:   r.queue.QueueID(),
			BatchID:   item.BatchID,
			ItemIDs:   []int{item.ItemID},
			ItemID:    item.ItemID,
			SessionID: item.SessionID,
		},
		state: StateSubmitted,
		last:  item,
	}
	return job, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func setSpanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
