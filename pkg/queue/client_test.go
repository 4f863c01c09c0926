package queue_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/me/invokeflow/internal/queuetest"
	"github.com/me/invokeflow/pkg/queue"
)

func TestEnqueueBatch(t *testing.T) {
	srv := queuetest.New("default")
	defer srv.Close()

	c := queue.NewClient(srv.Config(), nil)
	graph := map[string]any{"id": "g1", "nodes": map[string]any{}, "edges": []any{}}

	sub, err := c.EnqueueBatch(context.Background(), graph, queue.EnqueueOptions{Prepend: true})
	require.NoError(t, err)

	assert.Equal(t, "default", sub.QueueID)
	assert.Equal(t, 1, sub.ItemID)
	assert.Equal(t, []int{1}, sub.ItemIDs)
	assert.NotEmpty(t, sub.BatchID)
	assert.Equal(t, srv.SessionID(1), sub.SessionID)
	assert.Equal(t, 1, srv.Gets(1), "session id is learned with a single fetch")

	batches := srv.Batches()
	require.Len(t, batches, 1)
	assert.True(t, batches[0].Prepend)
	assert.Equal(t, 1, batches[0].Runs)
	assert.Equal(t, "g1", batches[0].Graph["id"])
}

func TestEnqueueBatch_Rejected(t *testing.T) {
	srv := queuetest.New("default")
	defer srv.Close()
	srv.RejectEnqueue(http.StatusUnprocessableEntity, `{"detail":"invalid graph"}`)

	c := queue.NewClient(srv.Config(), nil)
	_, err := c.EnqueueBatch(context.Background(), map[string]any{}, queue.EnqueueOptions{})
	require.Error(t, err)
	assert.ErrorIs(t, err, queue.ErrSubmission)

	var subErr *queue.SubmissionError
	require.True(t, errors.As(err, &subErr))
	assert.Equal(t, http.StatusUnprocessableEntity, subErr.StatusCode)
	assert.Contains(t, subErr.Payload, "invalid graph")
}

func TestEnqueueBatch_NotRetriedAfterServerAnswer(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer ts.Close()

	cfg := queue.DefaultConfig().WithBaseURL(ts.URL).WithRetries(3, time.Millisecond).WithRateLimit(0)
	c := queue.NewClient(cfg, nil)

	_, err := c.EnqueueBatch(context.Background(), map[string]any{}, queue.EnqueueOptions{})
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestEnqueueBatch_MalformedResponse(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"batch": {"batch_id": "b"}, "item_ids": []}`))
	}))
	defer ts.Close()

	c := queue.NewClient(queue.DefaultConfig().WithBaseURL(ts.URL), nil)
	_, err := c.EnqueueBatch(context.Background(), map[string]any{}, queue.EnqueueOptions{})
	assert.ErrorIs(t, err, queue.ErrSubmission)
	assert.ErrorIs(t, err, queue.ErrNoItems)
}

func TestGetItem_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/queue/default/i/7", r.URL.Path)
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"item_id": 7, "status": "in_progress", "session_id": "s7"})
	}))
	defer ts.Close()

	cfg := queue.DefaultConfig().WithBaseURL(ts.URL).WithRetries(3, time.Millisecond).WithRateLimit(0)
	c := queue.NewClient(cfg, nil)

	item, err := c.GetItem(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusInProgress, item.Status)
	assert.Equal(t, "s7", item.SessionID)
	assert.Equal(t, int32(3), calls.Load())
}

func TestGetItem_NotFound(t *testing.T) {
	srv := queuetest.New("default")
	defer srv.Close()

	c := queue.NewClient(srv.Config(), nil)
	_, err := c.GetItem(context.Background(), 404)
	require.Error(t, err)
	assert.True(t, queue.IsNotFound(err))
}

func TestItem_OutputsFromSession(t *testing.T) {
	srv := queuetest.New("default")
	defer srv.Close()
	srv.Script(queuetest.Step{
		Status:  queue.StatusCompleted,
		Outputs: []queue.Output{{NodeID: "save", ImageName: "cat_001.png", Width: 1024, Height: 1024}},
	})

	c := queue.NewClient(srv.Config(), nil)
	sub, err := c.EnqueueBatch(context.Background(), map[string]any{}, queue.EnqueueOptions{})
	require.NoError(t, err)

	item, err := c.GetItem(context.Background(), sub.ItemID)
	require.NoError(t, err)
	assert.True(t, item.Status.IsTerminal())
	require.Len(t, item.Outputs, 1)
	assert.Equal(t, queue.Output{NodeID: "save", ImageName: "cat_001.png", Width: 1024, Height: 1024}, item.Outputs[0])
}

func TestItem_ExplicitOutputsWin(t *testing.T) {
	var item queue.Item
	err := json.Unmarshal([]byte(`{
		"item_id": 1, "status": "completed", "session_id": "s",
		"outputs": [{"image_name": "explicit.png"}],
		"session": {"results": {"n": {"image": {"image_name": "derived.png"}}}},
		"created_at": "2025-01-02 03:04:05.123456"
	}`), &item)
	require.NoError(t, err)
	require.Len(t, item.Outputs, 1)
	assert.Equal(t, "explicit.png", item.Outputs[0].ImageName)
	require.NotNil(t, item.CreatedAt)
	assert.Equal(t, 2025, item.CreatedAt.Year())
}

func TestCancelOperations(t *testing.T) {
	srv := queuetest.New("q1")
	defer srv.Close()
	srv.Script(queuetest.Statuses(queue.StatusPending)...)

	c := queue.NewClient(srv.Config(), nil)
	ctx := context.Background()

	first, err := c.EnqueueBatch(ctx, map[string]any{}, queue.EnqueueOptions{})
	require.NoError(t, err)
	second, err := c.EnqueueBatch(ctx, map[string]any{}, queue.EnqueueOptions{})
	require.NoError(t, err)

	item, err := c.CancelItem(ctx, first.ItemID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusCanceled, item.Status)

	// Canceling again is a no-op.
	item, err = c.CancelItem(ctx, first.ItemID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusCanceled, item.Status)

	res, err := c.CancelBatches(ctx, second.BatchID)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Canceled)

	res, err = c.CancelAllExceptCurrent(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Canceled)

	cleared, err := c.Clear(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, cleared.Deleted)
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, queue.IsRetryable(&queue.HTTPError{StatusCode: 503}))
	assert.True(t, queue.IsRetryable(&queue.HTTPError{StatusCode: 429}))
	assert.False(t, queue.IsRetryable(&queue.HTTPError{StatusCode: 422}))
	assert.False(t, queue.IsRetryable(context.Canceled))
	assert.False(t, queue.IsRetryable(errors.New("boom")))
}

func TestConfig_WithSetters(t *testing.T) {
	base := queue.DefaultConfig()
	cfg := base.WithBaseURL("http://gpu-box:9090/").WithQueueID("q2").WithTimeout(5 * time.Second)
	assert.Equal(t, "http://gpu-box:9090", cfg.BaseURL)
	assert.Equal(t, "q2", cfg.QueueID)
	assert.Equal(t, 5*time.Second, cfg.Timeout)
	assert.Equal(t, queue.DefaultQueueID, base.QueueID, "setters return copies")
}
