package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/time/rate"
)

// Client talks to one session queue of a generation server.
type Client struct {
	httpClient *http.Client
	config     Config
	limiter    *rate.Limiter
	logger     *slog.Logger
}

// NewClient creates a new queue client with the given configuration.
func NewClient(config Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if config.APIPrefix == "" {
		config.APIPrefix = DefaultAPIPrefix
	}
	if config.QueueID == "" {
		config.QueueID = DefaultQueueID
	}

	limit := rate.Inf
	if config.RequestsPerSecond > 0 {
		limit = rate.Limit(config.RequestsPerSecond)
	}

	return &Client{
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
		config:  config,
		limiter: rate.NewLimiter(limit, DefaultRateBurst),
		logger:  logger.With("component", "queue-client", "queue_id", config.QueueID),
	}
}

// Config returns the client configuration.
func (c *Client) Config() Config {
	return c.config
}

// QueueID returns the queue this client operates on.
func (c *Client) QueueID() string {
	return c.config.QueueID
}

func (c *Client) queuePath(format string, args ...any) string {
	return fmt.Sprintf("/queue/%s", url.PathEscape(c.config.QueueID)) + fmt.Sprintf(format, args...)
}

// EnqueueBatch submits a single-run batch for graph and returns the
// tracked item. The first item id is tracked and fetched once to learn its
// session id.
func (c *Client) EnqueueBatch(ctx context.Context, graph any, opts EnqueueOptions) (*Submission, error) {
	const op = "enqueue_batch"

	req := enqueueRequest{
		Prepend: opts.Prepend,
		Batch: batchRequest{
			Graph:       graph,
			Runs:        1,
			Origin:      opts.Origin,
			Destination: opts.Destination,
		},
	}

	var resp enqueueResponse
	if err := c.do(ctx, op, http.MethodPost, c.queuePath("/enqueue_batch"), req, &resp, isDialError); err != nil {
		var httpErr *HTTPError
		if errors.As(err, &httpErr) {
			return nil, &SubmissionError{StatusCode: httpErr.StatusCode, Payload: httpErr.Body, Err: err}
		}
		return nil, &SubmissionError{Err: err}
	}
	if len(resp.ItemIDs) == 0 {
		return nil, &SubmissionError{StatusCode: http.StatusOK, Err: ErrNoItems}
	}

	sub := &Submission{
		QueueID:   c.config.QueueID,
		BatchID:   resp.Batch.BatchID,
		ItemIDs:   resp.ItemIDs,
		ItemID:    resp.ItemIDs[0],
		Enqueued:  resp.Enqueued,
		Requested: resp.Requested,
	}

	item, err := c.GetItem(ctx, sub.ItemID)
	if err != nil {
		return nil, &SubmissionError{Err: fmt.Errorf("fetch item %d: %w", sub.ItemID, err)}
	}
	sub.SessionID = item.SessionID

	c.logger.Info("batch enqueued", "batch_id", sub.BatchID, "item_id", sub.ItemID, "session_id", sub.SessionID)
	return sub, nil
}

// GetItem fetches a queue item by id.
func (c *Client) GetItem(ctx context.Context, itemID int) (*Item, error) {
	var item Item
	if err := c.do(ctx, "get_queue_item", http.MethodGet, c.queuePath("/i/%d", itemID), nil, &item, IsRetryable); err != nil {
		return nil, err
	}
	return &item, nil
}

// CancelItem cancels a queue item. Canceling a terminal item returns it
// unchanged.
func (c *Client) CancelItem(ctx context.Context, itemID int) (*Item, error) {
	var item Item
	if err := c.do(ctx, "cancel_queue_item", http.MethodPut, c.queuePath("/i/%d/cancel", itemID), nil, &item, IsRetryable); err != nil {
		return nil, err
	}
	c.logger.Info("queue item canceled", "item_id", itemID, "status", item.Status)
	return &item, nil
}

// CancelBatches cancels every pending or running item of the given batches.
func (c *Client) CancelBatches(ctx context.Context, batchIDs ...string) (*CancelResult, error) {
	body := map[string]any{"batch_ids": batchIDs}
	var res CancelResult
	if err := c.do(ctx, "cancel_by_batch_ids", http.MethodPut, c.queuePath("/cancel_by_batch_ids"), body, &res, IsRetryable); err != nil {
		return nil, err
	}
	return &res, nil
}

// CancelAllExceptCurrent cancels every pending item but leaves the running
// one alone.
func (c *Client) CancelAllExceptCurrent(ctx context.Context) (*CancelResult, error) {
	var res CancelResult
	if err := c.do(ctx, "cancel_all_except_current", http.MethodPut, c.queuePath("/cancel_all_except_current"), nil, &res, IsRetryable); err != nil {
		return nil, err
	}
	return &res, nil
}

// Clear cancels the running item and deletes every item of the queue.
func (c *Client) Clear(ctx context.Context) (*ClearResult, error) {
	var res ClearResult
	if err := c.do(ctx, "clear", http.MethodPut, c.queuePath("/clear"), nil, &res, IsRetryable); err != nil {
		return nil, err
	}
	return &res, nil
}

// do executes one REST call, retrying while retryable reports true.
func (c *Client) do(ctx context.Context, op, method, path string, in, out any, retryable func(error) bool) error {
	logger := c.logger.With("op", op, "method", method, "path", path)

	var body []byte
	if in != nil {
		var err error
		body, err = json.Marshal(in)
		if err != nil {
			return WrapError(op, fmt.Errorf("marshaling request: %w", err))
		}
	}

	var lastErr error
	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := c.config.RetryDelay * time.Duration(math.Pow(2, float64(attempt-1)))
			logger.Debug("retrying after delay", "attempt", attempt, "delay", delay)

			select {
			case <-ctx.Done():
				return WrapError(op, ctx.Err())
			case <-time.After(delay):
			}
		}

		if err := c.limiter.Wait(ctx); err != nil {
			return WrapError(op, err)
		}

		err := c.doRequest(ctx, method, c.config.endpoint(path), body, out)
		if err == nil {
			logger.Debug("request successful")
			return nil
		}
		lastErr = err
		if !retryable(err) {
			return WrapError(op, err)
		}
		logger.Debug("request failed, will retry", "error", err, "attempt", attempt)
	}

	return WrapError(op, fmt.Errorf("all retries exhausted: %w", lastErr))
}

// doRequest performs a single HTTP request and decodes the response.
func (c *Client) doRequest(ctx context.Context, method, endpoint string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("creating HTTP request: %w", err)
	}
	httpReq.Header.Set("Accept", "application/json")
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("HTTP request failed: %w", err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		return &HTTPError{StatusCode: httpResp.StatusCode, Body: string(respBody)}
	}

	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("unmarshaling response: %w", err)
	}
	return nil
}

// isDialError reports whether the request never reached the server, which
// is the only case an enqueue may be repeated without risking a duplicate
// batch.
func isDialError(err error) bool {
	var opErr *net.OpError
	return errors.As(err, &opErr) && opErr.Op == "dial"
}
