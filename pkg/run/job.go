package run

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/me/invokeflow/pkg/events"
	"github.com/me/invokeflow/pkg/queue"
)

// DefaultPollInterval is the delay between status fetches in Wait.
const DefaultPollInterval = time.Second

// Job tracks one enqueued queue item.
type Job struct {
	r       *Runner
	sub     queue.Submission
	graphID string

	mu    sync.Mutex
	state State
	last  *queue.Item
}

// Submission returns the enqueue result.
func (j *Job) Submission() queue.Submission { return j.sub }

// ItemID returns the queue item id.
func (j *Job) ItemID() int { return j.sub.ItemID }

// SessionID returns the execution session id, used to filter push events.
func (j *Job) SessionID() string { return j.sub.SessionID }

// BatchID returns the batch the item belongs to.
func (j *Job) BatchID() string { return j.sub.BatchID }

// GraphID returns the id of the compiled graph; empty for attached jobs.
func (j *Job) GraphID() string { return j.graphID }

// State returns the current client-side state.
func (j *Job) State() State {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

// Item returns the most recently fetched queue item, or nil.
func (j *Job) Item() *queue.Item {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.last
}

// transition moves the job to next if the state table allows it and
// reports whether the state changed.
func (j *Job) transition(next State) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state == next {
		return false
	}
	if !j.state.CanTransitionTo(next) {
		j.r.logger.Debug("ignoring state transition", "item_id", j.sub.ItemID, "from", j.state, "to", next)
		return false
	}
	j.state = next
	return true
}

func (j *Job) setLast(item *queue.Item) {
	j.mu.Lock()
	j.last = item
	j.mu.Unlock()
}

// finished returns the terminal item if the job already ended.
func (j *Job) finished() (*queue.Item, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state.IsTerminal() && j.last != nil {
		return j.last, true
	}
	return nil, false
}

// finish records a terminal item and maps it to the monitor result.
func (j *Job) finish(ctx context.Context, item *queue.Item) (*queue.Item, error) {
	j.setLast(item)
	if j.transition(stateFor(item.Status)) {
		j.recordOutcome(ctx, item)
	}

	log := j.r.logger.With("item_id", item.ItemID, "session_id", item.SessionID)
	switch item.Status {
	case queue.StatusCompleted:
		log.Info("job completed", "outputs", len(item.Outputs))
	case queue.StatusFailed:
		log.Warn("job failed", "error_type", item.ErrorType, "error", item.ErrorMessage)
	default:
		log.Info("job canceled")
	}

	if err := outcomeError(item); err != nil {
		return item, err
	}
	return item, nil
}

func (j *Job) recordOutcome(ctx context.Context, item *queue.Item) {
	if j.r.recorder == nil {
		return
	}
	out := Outcome{
		QueueID:      j.sub.QueueID,
		ItemID:       item.ItemID,
		Status:       item.Status,
		ErrorType:    item.ErrorType,
		ErrorMessage: item.ErrorMessage,
		FinishedAt:   j.r.now(),
	}
	for _, o := range item.Outputs {
		out.Outputs = append(out.Outputs, o.ImageName)
	}
	// The outcome is worth keeping even when the monitor's context is done.
	if err := j.r.recorder.RecordOutcome(context.WithoutCancel(ctx), out); err != nil {
		j.r.logger.Warn("recording outcome failed", "item_id", item.ItemID, "error", err)
	}
}

// PollOptions tunes Wait.
type PollOptions struct {
	// Interval between fetches; DefaultPollInterval when zero.
	Interval time.Duration

	// Timeout bounds the wait; zero waits until ctx is done.
	Timeout time.Duration

	// OnStatus is called with the full item whenever its status changes.
	OnStatus func(*queue.Item)
}

// Wait polls the queue item until it reaches a terminal status. A completed
// item is returned with a nil error; failed and canceled items are returned
// with *ExecutionError and *CancellationError. When Timeout elapses first,
// Wait returns *TimeoutError and leaves the remote job running.
func (j *Job) Wait(ctx context.Context, opts PollOptions) (*queue.Item, error) {
	if item, ok := j.finished(); ok {
		return item, outcomeError(item)
	}

	ctx, span := j.r.tracer.Start(ctx, "run.Wait", trace.WithAttributes(
		attribute.Int("invokeflow.item.id", j.sub.ItemID),
	))
	defer span.End()

	interval := opts.Interval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	j.transition(StatePolling)

	start := j.r.now()
	var lastStatus queue.Status
	for {
		item, err := j.r.queue.GetItem(ctx, j.sub.ItemID)
		if err != nil {
			setSpanError(span, err)
			return nil, err
		}
		j.setLast(item)

		if item.Status != lastStatus {
			lastStatus = item.Status
			j.r.logger.Debug("job status", "item_id", item.ItemID, "status", item.Status)
			if opts.OnStatus != nil {
				opts.OnStatus(item)
			}
		}

		if item.Status.IsTerminal() {
			item, err := j.finish(ctx, item)
			if err != nil {
				setSpanError(span, err)
			}
			return item, err
		}

		elapsed := j.r.now().Sub(start)
		if opts.Timeout > 0 && elapsed >= opts.Timeout {
			j.transition(StateTimedOut)
			err := &TimeoutError{ItemID: j.sub.ItemID, Timeout: opts.Timeout, Elapsed: elapsed, LastStatus: lastStatus}
			setSpanError(span, err)
			return item, err
		}

		if err := j.r.sleep(ctx, interval); err != nil {
			setSpanError(span, err)
			return item, err
		}
	}
}

// Callbacks receive push events of the awaited session. They run on the
// event dispatch path and must not block.
type Callbacks struct {
	OnStarted  events.Handler
	OnProgress events.Handler
	OnComplete events.Handler
	OnError    events.Handler
	OnStatus   events.Handler
}

func (c Callbacks) handlers() events.Handlers {
	h := events.Handlers{}
	for kind, fn := range map[events.Kind]events.Handler{
		events.KindInvocationStarted:      c.OnStarted,
		events.KindInvocationProgress:     c.OnProgress,
		events.KindInvocationComplete:     c.OnComplete,
		events.KindInvocationError:        c.OnError,
		events.KindQueueItemStatusChanged: c.OnStatus,
	} {
		if fn != nil {
			h.Add(kind, fn)
		}
	}
	return h
}

// AwaitOptions tunes Await.
type AwaitOptions struct {
	// Timeout bounds the wait; zero waits until ctx is done.
	Timeout time.Duration

	Callbacks Callbacks
}

type awaitResult struct {
	item *queue.Item
	err  error
}

// Await waits for the job using push events instead of polling. It
// subscribes to the item's session, forwards events to the callbacks and
// resolves once on a terminal status change, falling back to graph
// completion. The item is re-fetched for full data before returning.
func (j *Job) Await(ctx context.Context, opts AwaitOptions) (*queue.Item, error) {
	if item, ok := j.finished(); ok {
		return item, outcomeError(item)
	}
	if j.r.events == nil {
		return nil, ErrNoEventChannel
	}

	ctx, span := j.r.tracer.Start(ctx, "run.Await", trace.WithAttributes(
		attribute.Int("invokeflow.item.id", j.sub.ItemID),
		attribute.String("invokeflow.session.id", j.sub.SessionID),
	))
	defer span.End()

	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan awaitResult, 1)
	var once sync.Once
	resolve := func(item *queue.Item, err error) {
		once.Do(func() {
			done <- awaitResult{item: item, err: err}
		})
	}

	// fetch resolves when the item is terminal. A failed fetch only ends the
	// wait when the server already announced the end of the job.
	fetch := func(final bool) {
		item, err := j.r.queue.GetItem(waitCtx, j.sub.ItemID)
		if err != nil {
			if waitCtx.Err() != nil {
				return
			}
			if final {
				resolve(nil, err)
				return
			}
			j.r.logger.Warn("status fetch failed", "item_id", j.sub.ItemID, "error", err)
			return
		}
		j.setLast(item)
		if item.Status.IsTerminal() {
			resolve(item, nil)
		}
	}

	handlers := opts.Callbacks.handlers()
	handlers.Add(events.KindQueueItemStatusChanged, func(ev events.Event) {
		if ev.IsTerminal() {
			go fetch(true)
		}
	})
	handlers.Add(events.KindGraphComplete, func(events.Event) {
		go fetch(false)
	})

	sub, err := j.r.events.Subscribe(ctx, j.sub.QueueID, j.sub.SessionID, handlers)
	if err != nil {
		setSpanError(span, err)
		return nil, err
	}
	defer sub.Close()
	j.transition(StateSubscribed)

	// The job may have ended before the subscription was in place.
	fetch(false)

	var timeout <-chan time.Time
	if opts.Timeout > 0 {
		t := time.NewTimer(opts.Timeout)
		defer t.Stop()
		timeout = t.C
	}

	select {
	case res := <-done:
		if res.err != nil {
			setSpanError(span, res.err)
			return nil, res.err
		}
		item, err := j.finish(ctx, res.item)
		if err != nil {
			setSpanError(span, err)
		}
		return item, err
	case <-timeout:
		j.transition(StateTimedOut)
		err := &TimeoutError{ItemID: j.sub.ItemID, Timeout: opts.Timeout, Elapsed: opts.Timeout}
		if last := j.Item(); last != nil {
			err.LastStatus = last.Status
		}
		setSpanError(span, err)
		return j.Item(), err
	case <-ctx.Done():
		setSpanError(span, ctx.Err())
		return j.Item(), ctx.Err()
	}
}

// Cancel asks the server to cancel the item and returns its updated state.
// Cancelling a job that already ended is a no-op.
func (j *Job) Cancel(ctx context.Context) (*queue.Item, error) {
	if item, ok := j.finished(); ok {
		return item, nil
	}
	item, err := j.r.queue.CancelItem(ctx, j.sub.ItemID)
	if err != nil {
		return nil, err
	}
	j.setLast(item)
	if item.Status.IsTerminal() && j.transition(stateFor(item.Status)) {
		j.recordOutcome(ctx, item)
	}
	j.r.logger.Info("job cancel requested", "item_id", j.sub.ItemID, "status", item.Status)
	return item, nil
}

// CancelAsync runs Cancel in the background. The returned channel receives
// its error, or nil, and is then closed.
func (j *Job) CancelAsync(ctx context.Context) <-chan error {
	ch := make(chan error, 1)
	go func() {
		defer close(ch)
		_, err := j.Cancel(ctx)
		ch <- err
	}()
	return ch
}

func stateFor(status queue.Status) State {
	switch status {
	case queue.StatusCompleted:
		return StateCompleted
	case queue.StatusFailed:
		return StateFailed
	case queue.StatusCanceled:
		return StateCanceled
	}
	return ""
}
