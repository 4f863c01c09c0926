package run_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/me/invokeflow/internal/eventstest"
	"github.com/me/invokeflow/internal/queuetest"
	"github.com/me/invokeflow/pkg/events"
	"github.com/me/invokeflow/pkg/queue"
	"github.com/me/invokeflow/pkg/run"
	"github.com/me/invokeflow/pkg/workflow"
)

const fixture = "../workflow/testdata/sdxl_text_to_image.json"

func newHandle(t *testing.T, prompt any) *workflow.Handle {
	t.Helper()
	def, err := workflow.LoadFile(fixture)
	require.NoError(t, err)
	h, err := workflow.NewHandle(def)
	require.NoError(t, err)
	if prompt != nil {
		require.NoError(t, h.Set(0, prompt))
	}
	return h
}

// scriptedQueue serves a fixed status sequence and counts fetches.
type scriptedQueue struct {
	mu       sync.Mutex
	statuses []queue.Status
	gets     int
	enqueues int
	cancels  int
	item     queue.Item
}

func newScriptedQueue(statuses ...queue.Status) *scriptedQueue {
	return &scriptedQueue{
		statuses: statuses,
		item:     queue.Item{ItemID: 7, BatchID: "b-7", QueueID: "default", SessionID: "s-7"},
	}
}

func (q *scriptedQueue) QueueID() string { return "default" }

func (q *scriptedQueue) EnqueueBatch(ctx context.Context, graph any, opts queue.EnqueueOptions) (*queue.Submission, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.enqueues++
	return &queue.Submission{QueueID: "default", BatchID: "b-7", ItemIDs: []int{7}, ItemID: 7, SessionID: "s-7", Enqueued: 1, Requested: 1}, nil
}

func (q *scriptedQueue) GetItem(ctx context.Context, itemID int) (*queue.Item, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	i := q.gets
	if i >= len(q.statuses) {
		i = len(q.statuses) - 1
	}
	q.gets++
	item := q.item
	item.Status = q.statuses[i]
	return &item, nil
}

func (q *scriptedQueue) CancelItem(ctx context.Context, itemID int) (*queue.Item, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.cancels++
	item := q.item
	item.Status = queue.StatusCanceled
	return &item, nil
}

func (q *scriptedQueue) Gets() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.gets
}

// fakeClock advances only when the runner sleeps.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	c.sleeps = append(c.sleeps, d)
	return ctx.Err()
}

// memRecorder keeps history in memory.
type memRecorder struct {
	mu       sync.Mutex
	records  []run.Record
	outcomes []run.Outcome
}

func (m *memRecorder) RecordSubmission(ctx context.Context, rec run.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, rec)
	return nil
}

func (m *memRecorder) RecordOutcome(ctx context.Context, out run.Outcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomes = append(m.outcomes, out)
	return nil
}

func (m *memRecorder) Outcomes() []run.Outcome {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]run.Outcome(nil), m.outcomes...)
}

func TestWait_StopsOnTerminalStatus(t *testing.T) {
	q := newScriptedQueue(queue.StatusPending, queue.StatusPending, queue.StatusInProgress, queue.StatusCompleted)
	clock := newFakeClock()
	r := run.NewRunner(q, run.WithClock(clock.Now, clock.Sleep))

	job, err := r.Submit(context.Background(), newHandle(t, "cat"), run.SubmitOptions{})
	require.NoError(t, err)
	assert.Equal(t, run.StateSubmitted, job.State())

	var seen []queue.Status
	item, err := job.Wait(context.Background(), run.PollOptions{
		Interval: time.Second,
		OnStatus: func(it *queue.Item) { seen = append(seen, it.Status) },
	})
	require.NoError(t, err)
	assert.Equal(t, queue.StatusCompleted, item.Status)
	assert.Equal(t, 4, q.Gets())
	assert.Equal(t, []queue.Status{queue.StatusPending, queue.StatusInProgress, queue.StatusCompleted}, seen)
	assert.Len(t, clock.sleeps, 3)
	assert.Equal(t, run.StateCompleted, job.State())

	// A finished job answers without polling again.
	_, err = job.Wait(context.Background(), run.PollOptions{})
	require.NoError(t, err)
	assert.Equal(t, 4, q.Gets())
}

func TestWait_Timeout(t *testing.T) {
	q := newScriptedQueue(queue.StatusInProgress)
	clock := newFakeClock()
	r := run.NewRunner(q, run.WithClock(clock.Now, clock.Sleep))

	job, err := r.Submit(context.Background(), newHandle(t, "cat"), run.SubmitOptions{})
	require.NoError(t, err)

	_, err = job.Wait(context.Background(), run.PollOptions{Interval: time.Second, Timeout: 5 * time.Second})
	require.Error(t, err)
	assert.ErrorIs(t, err, run.ErrTimeout)

	var te *run.TimeoutError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, 7, te.ItemID)
	assert.Equal(t, queue.StatusInProgress, te.LastStatus)
	assert.Equal(t, 6, q.Gets())
	assert.Equal(t, run.StateTimedOut, job.State())
	assert.Zero(t, q.cancels, "a timeout leaves the remote job alone")

	// The wait can be resumed after a timeout.
	q.mu.Lock()
	q.statuses = []queue.Status{queue.StatusCompleted}
	q.gets = 0
	q.mu.Unlock()
	item, err := job.Wait(context.Background(), run.PollOptions{Interval: time.Second})
	require.NoError(t, err)
	assert.Equal(t, queue.StatusCompleted, item.Status)
}

func TestWait_ContextCanceled(t *testing.T) {
	q := newScriptedQueue(queue.StatusPending)
	r := run.NewRunner(q)
	job, err := r.Submit(context.Background(), newHandle(t, "cat"), run.SubmitOptions{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = job.Wait(ctx, run.PollOptions{Interval: time.Hour})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSubmit_MissingRequiredInput(t *testing.T) {
	srv := queuetest.New("default")
	defer srv.Close()
	r := run.NewRunner(queue.NewClient(srv.Config(), nil))

	_, err := r.Submit(context.Background(), newHandle(t, nil), run.SubmitOptions{})
	require.Error(t, err)
	assert.ErrorIs(t, err, workflow.ErrValidation)

	var verr *workflow.ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, map[int][]string{0: {"Required field 'Prompt' is not set"}}, verr.Problems)
	assert.Empty(t, srv.Batches(), "nothing is sent when validation fails")
}

func TestSubmitAndWait_HappyPath(t *testing.T) {
	srv := queuetest.New("default")
	defer srv.Close()
	srv.Script(
		queuetest.Step{Status: queue.StatusPending},
		queuetest.Step{Status: queue.StatusInProgress},
		queuetest.Step{Status: queue.StatusCompleted, Outputs: []queue.Output{{NodeID: "decode", ImageName: "cat_001.png"}}},
	)

	rec := &memRecorder{}
	r := run.NewRunner(queue.NewClient(srv.Config(), nil), run.WithRecorder(rec))

	job, err := r.Submit(context.Background(), newHandle(t, "cat"), run.SubmitOptions{BoardID: "board-1"})
	require.NoError(t, err)
	assert.Equal(t, srv.SessionID(job.ItemID()), job.SessionID())
	assert.NotEmpty(t, job.GraphID())

	item, err := job.Wait(context.Background(), run.PollOptions{Interval: time.Millisecond})
	require.NoError(t, err)
	assert.Equal(t, queue.StatusCompleted, item.Status)
	require.Len(t, item.Outputs, 1)
	assert.Equal(t, "cat_001.png", item.Outputs[0].ImageName)

	batches := srv.Batches()
	require.Len(t, batches, 1)
	nodes := batches[0].Graph["nodes"].(map[string]any)
	assert.Equal(t, "cat", nodes["prompt"].(map[string]any)["value"])
	assert.Equal(t, map[string]any{"board_id": "board-1"}, nodes["decode"].(map[string]any)["board"])

	require.Len(t, rec.records, 1)
	assert.Equal(t, "SDXL Text to Image", rec.records[0].WorkflowName)
	outcomes := rec.Outcomes()
	require.Len(t, outcomes, 1)
	assert.Equal(t, queue.StatusCompleted, outcomes[0].Status)
	assert.Equal(t, []string{"cat_001.png"}, outcomes[0].Outputs)
}

func TestWait_FailedJob(t *testing.T) {
	srv := queuetest.New("default")
	defer srv.Close()
	srv.Script(queuetest.Step{
		Status:         queue.StatusFailed,
		ErrorType:      "OutOfMemoryError",
		ErrorMessage:   "CUDA out of memory",
		ErrorTraceback: "Traceback (most recent call last): ...",
	})
	r := run.NewRunner(queue.NewClient(srv.Config(), nil))

	job, err := r.Submit(context.Background(), newHandle(t, "cat"), run.SubmitOptions{})
	require.NoError(t, err)

	_, err = job.Wait(context.Background(), run.PollOptions{Interval: time.Millisecond})
	assert.ErrorIs(t, err, run.ErrExecutionFailed)
	var execErr *run.ExecutionError
	require.True(t, errors.As(err, &execErr))
	assert.Equal(t, "OutOfMemoryError", execErr.ErrorType)
	assert.Equal(t, "CUDA out of memory", execErr.ErrorMessage)
	assert.Equal(t, "Traceback (most recent call last): ...", execErr.ErrorTraceback)
	assert.Equal(t, run.StateFailed, job.State())
}

func TestCancel(t *testing.T) {
	srv := queuetest.New("default")
	defer srv.Close()
	srv.Script(queuetest.Step{Status: queue.StatusInProgress})
	r := run.NewRunner(queue.NewClient(srv.Config(), nil))

	job, err := r.Submit(context.Background(), newHandle(t, "cat"), run.SubmitOptions{})
	require.NoError(t, err)

	item, err := job.Cancel(context.Background())
	require.NoError(t, err)
	assert.Equal(t, queue.StatusCanceled, item.Status)
	assert.Equal(t, run.StateCanceled, job.State())

	require.NoError(t, <-job.CancelAsync(context.Background()), "cancel is idempotent")

	_, err = job.Wait(context.Background(), run.PollOptions{})
	assert.ErrorIs(t, err, run.ErrCanceled)
}

func TestState_Transitions(t *testing.T) {
	assert.True(t, run.StateUnsubmitted.CanTransitionTo(run.StateSubmitted))
	assert.False(t, run.StateUnsubmitted.CanTransitionTo(run.StateCompleted))
	assert.True(t, run.StateSubmitted.CanTransitionTo(run.StatePolling))
	assert.True(t, run.StatePolling.CanTransitionTo(run.StateTimedOut))
	assert.True(t, run.StateTimedOut.CanTransitionTo(run.StateSubscribed))
	assert.False(t, run.StateCompleted.CanTransitionTo(run.StatePolling))

	assert.True(t, run.StateFailed.IsTerminal())
	assert.False(t, run.StateTimedOut.IsTerminal())
}

func newEventRunner(t *testing.T, srv *queuetest.Server, opts ...run.Option) (*run.Runner, *eventstest.Dialer) {
	t.Helper()
	dialer := &eventstest.Dialer{}
	m := events.NewManager(srv.URL, dialer.Dial, nil)
	opts = append(opts, run.WithEvents(m))
	return run.NewRunner(queue.NewClient(srv.Config(), nil), opts...), dialer
}

// waitForConn returns the dialed connection once the runner subscribed.
func waitForConn(t *testing.T, dialer *eventstest.Dialer) *eventstest.Conn {
	t.Helper()
	var conn *eventstest.Conn
	require.Eventually(t, func() bool {
		conn = dialer.Last()
		return conn != nil && len(conn.Emits()) > 0
	}, time.Second, time.Millisecond)
	return conn
}

func TestAwait_CompletesOnStatusEvent(t *testing.T) {
	srv := queuetest.New("default")
	defer srv.Close()
	// enqueue fetch, initial fetch after subscribing, fetch after the event
	srv.Script(
		queuetest.Step{Status: queue.StatusPending},
		queuetest.Step{Status: queue.StatusInProgress},
		queuetest.Step{Status: queue.StatusCompleted, Outputs: []queue.Output{{NodeID: "decode", ImageName: "cat_001.png"}}},
	)
	r, dialer := newEventRunner(t, srv)

	job, err := r.Submit(context.Background(), newHandle(t, "cat"), run.SubmitOptions{})
	require.NoError(t, err)
	session := job.SessionID()

	var mu sync.Mutex
	var started, progress []events.Event
	type result struct {
		item *queue.Item
		err  error
	}
	done := make(chan result, 1)
	go func() {
		item, err := job.Await(context.Background(), run.AwaitOptions{
			Timeout: 5 * time.Second,
			Callbacks: run.Callbacks{
				OnStarted: func(e events.Event) {
					mu.Lock()
					started = append(started, e)
					mu.Unlock()
				},
				OnProgress: func(e events.Event) {
					mu.Lock()
					progress = append(progress, e)
					mu.Unlock()
				},
			},
		})
		done <- result{item, err}
	}()

	conn := waitForConn(t, dialer)
	require.Eventually(t, func() bool { return job.State() == run.StateSubscribed }, time.Second, time.Millisecond)

	conn.Deliver("invocation_started", map[string]any{"queue_id": "default", "session_id": "someone-else", "node_id": "denoise"})
	conn.Deliver("invocation_started", map[string]any{"queue_id": "default", "session_id": session, "node_id": "denoise"})
	conn.Deliver("invocation_progress", map[string]any{"queue_id": "default", "session_id": session, "node_id": "denoise", "percentage": 0.5})
	conn.Deliver("queue_item_status_changed", map[string]any{"queue_id": "default", "session_id": session, "status": "completed"})

	select {
	case res := <-done:
		require.NoError(t, res.err)
		assert.Equal(t, queue.StatusCompleted, res.item.Status)
		require.Len(t, res.item.Outputs, 1)
		assert.Equal(t, "cat_001.png", res.item.Outputs[0].ImageName)
	case <-time.After(5 * time.Second):
		t.Fatal("await did not resolve")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, started, 1)
	assert.Equal(t, session, started[0].SessionID)
	require.Len(t, progress, 1)
	assert.InDelta(t, 0.5, *progress[0].Progress, 1e-9)
	assert.Equal(t, run.StateCompleted, job.State())
	assert.True(t, conn.Closed(), "the channel closes with its last subscriber")
}

func TestAwait_AlreadyFinished(t *testing.T) {
	srv := queuetest.New("default")
	defer srv.Close()
	srv.Script(queuetest.Step{Status: queue.StatusPending}, queuetest.Step{Status: queue.StatusCompleted})
	r, _ := newEventRunner(t, srv)

	job, err := r.Submit(context.Background(), newHandle(t, "cat"), run.SubmitOptions{})
	require.NoError(t, err)

	item, err := job.Await(context.Background(), run.AwaitOptions{Timeout: time.Second})
	require.NoError(t, err)
	assert.Equal(t, queue.StatusCompleted, item.Status)
}

func TestAwait_Timeout(t *testing.T) {
	srv := queuetest.New("default")
	defer srv.Close()
	srv.Script(queuetest.Step{Status: queue.StatusInProgress})
	r, dialer := newEventRunner(t, srv)

	job, err := r.Submit(context.Background(), newHandle(t, "cat"), run.SubmitOptions{})
	require.NoError(t, err)

	_, err = job.Await(context.Background(), run.AwaitOptions{Timeout: 30 * time.Millisecond})
	assert.ErrorIs(t, err, run.ErrTimeout)
	assert.Equal(t, run.StateTimedOut, job.State())
	assert.True(t, dialer.Last().Closed(), "timing out unsubscribes")
}

func TestAwait_RequiresEventChannel(t *testing.T) {
	q := newScriptedQueue(queue.StatusPending)
	job, err := run.NewRunner(q).Submit(context.Background(), newHandle(t, "cat"), run.SubmitOptions{})
	require.NoError(t, err)
	_, err = job.Await(context.Background(), run.AwaitOptions{})
	assert.ErrorIs(t, err, run.ErrNoEventChannel)
}

func TestStream_Ordering(t *testing.T) {
	srv := queuetest.New("default")
	defer srv.Close()
	srv.Script(queuetest.Step{Status: queue.StatusPending}, queuetest.Step{Status: queue.StatusInProgress}, queuetest.Step{Status: queue.StatusCompleted})

	dialer := &eventstest.Dialer{}
	dialer.OnDial = func(c *eventstest.Conn) {
		// Replay the session's events once the subscribe has been sent.
		go func() {
			for len(c.Emits()) == 0 {
				time.Sleep(time.Millisecond)
			}
			session := srv.SessionID(1)
			c.Deliver("invocation_started", map[string]any{"session_id": session, "node_id": "denoise"})
			c.Deliver("invocation_progress", map[string]any{"session_id": "other", "node_id": "denoise"})
			c.Deliver("invocation_complete", map[string]any{"session_id": session, "node_id": "denoise"})
			c.Deliver("queue_item_status_changed", map[string]any{"session_id": session, "status": "completed"})
		}()
	}
	m := events.NewManager(srv.URL, dialer.Dial, nil)
	r := run.NewRunner(queue.NewClient(srv.Config(), nil), run.WithEvents(m), run.WithStreamTick(5*time.Millisecond))

	var kinds []events.Kind
	for ev, err := range r.Stream(context.Background(), newHandle(t, "cat"), run.StreamOptions{Timeout: 5 * time.Second}) {
		require.NoError(t, err)
		kinds = append(kinds, ev.Kind)
	}

	assert.Equal(t, []events.Kind{
		events.KindSubmission,
		events.KindInvocationStarted,
		events.KindInvocationComplete,
		events.KindQueueItemStatusChanged,
	}, kinds)
}

func TestStream_FlushesBufferedEventsAfterTerminal(t *testing.T) {
	srv := queuetest.New("default")
	defer srv.Close()
	srv.Script(
		queuetest.Step{Status: queue.StatusPending},
		queuetest.Step{Status: queue.StatusInProgress},
		queuetest.Step{Status: queue.StatusFailed, ErrorType: "OutOfMemoryError", ErrorMessage: "CUDA out of memory"},
	)

	gotStarted := make(chan struct{})
	delivered := make(chan struct{})
	dialer := &eventstest.Dialer{}
	dialer.OnDial = func(c *eventstest.Conn) {
		go func() {
			for len(c.Emits()) == 0 {
				time.Sleep(time.Millisecond)
			}
			session := srv.SessionID(1)
			c.Deliver("invocation_started", map[string]any{"session_id": session, "node_id": "denoise"})
			// Both land while the consumer is still busy with the first event.
			<-gotStarted
			c.Deliver("graph_complete", map[string]any{"session_id": session})
			c.Deliver("queue_item_status_changed", map[string]any{"session_id": session, "status": "failed", "error_type": "OutOfMemoryError"})
			close(delivered)
		}()
	}
	m := events.NewManager(srv.URL, dialer.Dial, nil)
	r := run.NewRunner(queue.NewClient(srv.Config(), nil), run.WithEvents(m), run.WithStreamTick(5*time.Millisecond))

	var got []events.Event
	for ev, err := range r.Stream(context.Background(), newHandle(t, "cat"), run.StreamOptions{Timeout: 5 * time.Second}) {
		require.NoError(t, err)
		got = append(got, ev)
		if ev.Kind == events.KindInvocationStarted {
			close(gotStarted)
			<-delivered
		}
	}

	require.Len(t, got, 4)
	assert.Equal(t, events.KindGraphComplete, got[2].Kind)
	assert.Equal(t, events.KindQueueItemStatusChanged, got[3].Kind)
	assert.Equal(t, "failed", got[3].Status)
	assert.Equal(t, "OutOfMemoryError", got[3].ErrorType)
}

func TestStream_ValidationError(t *testing.T) {
	srv := queuetest.New("default")
	defer srv.Close()
	r, _ := newEventRunner(t, srv)

	var errs []error
	for _, err := range r.Stream(context.Background(), newHandle(t, nil), run.StreamOptions{}) {
		errs = append(errs, err)
	}
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], workflow.ErrValidation)
	assert.Empty(t, srv.Batches())
}

func TestStream_StopsWhenConsumerBreaks(t *testing.T) {
	srv := queuetest.New("default")
	defer srv.Close()
	srv.Script(queuetest.Step{Status: queue.StatusInProgress})
	r, dialer := newEventRunner(t, srv)

	for ev, err := range r.Stream(context.Background(), newHandle(t, "cat"), run.StreamOptions{}) {
		require.NoError(t, err)
		assert.Equal(t, events.KindSubmission, ev.Kind)
		break
	}
	assert.Empty(t, dialer.Conns(), "breaking before any push event never subscribes")
	require.Len(t, srv.Batches(), 1)
}
