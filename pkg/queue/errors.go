package queue

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrSubmission is matched by every SubmissionError.
var ErrSubmission = errors.New("batch submission failed")

// ErrNoItems indicates an enqueue response without queue item ids.
var ErrNoItems = errors.New("enqueue response contained no item ids")

// HTTPError represents a non-2xx response.
type HTTPError struct {
	StatusCode int
	Body       string
}

// Error implements the error interface.
func (e *HTTPError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Body)
	}
	return fmt.Sprintf("HTTP %d", e.StatusCode)
}

// IsRetryable returns true if the HTTP error is retryable.
func (e *HTTPError) IsRetryable() bool {
	// 5xx errors are server issues; 429 is retryable after delay.
	return e.StatusCode >= 500 || e.StatusCode == 429
}

// SubmissionError reports a rejected or failed enqueue. StatusCode is zero
// when the server never answered.
type SubmissionError struct {
	StatusCode int
	Payload    string
	Err        error
}

func (e *SubmissionError) Error() string {
	switch {
	case e.StatusCode != 0 && e.Payload != "":
		return fmt.Sprintf("submit batch: HTTP %d: %s", e.StatusCode, e.Payload)
	case e.StatusCode != 0:
		return fmt.Sprintf("submit batch: HTTP %d", e.StatusCode)
	case e.Err != nil:
		return fmt.Sprintf("submit batch: %v", e.Err)
	}
	return "submit batch failed"
}

// Unwrap returns the underlying error.
func (e *SubmissionError) Unwrap() error {
	return e.Err
}

// Is makes errors.Is(err, ErrSubmission) succeed.
func (e *SubmissionError) Is(target error) bool {
	return target == ErrSubmission
}

// Error wraps a queue API error with the failing operation.
type Error struct {
	// Op is the operation that failed.
	Op string

	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// WrapError wraps an error with operation context.
func WrapError(op string, err error) *Error {
	return &Error{Op: op, Err: err}
}

// IsNotFound reports whether err is a 404 from the server.
func IsNotFound(err error) bool {
	var httpErr *HTTPError
	return errors.As(err, &httpErr) && httpErr.StatusCode == 404
}

// IsRetryable returns true if the error is likely transient and the request
// should be retried.
func IsRetryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.IsRetryable()
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}
