package run

import (
	"errors"
	"fmt"
	"time"

	"github.com/me/invokeflow/pkg/queue"
)

var (
	// ErrExecutionFailed is matched by ExecutionError.
	ErrExecutionFailed = errors.New("job failed")

	// ErrCanceled is matched by CancellationError.
	ErrCanceled = errors.New("job canceled")

	// ErrTimeout is matched by TimeoutError.
	ErrTimeout = errors.New("timed out waiting for job")

	// ErrNoEventChannel is returned by event-driven monitors on a runner
	// built without an event subscriber.
	ErrNoEventChannel = errors.New("runner has no event channel")
)

// ExecutionError reports a job that ended in the failed state. The server's
// error payload is carried verbatim.
type ExecutionError struct {
	ItemID         int
	SessionID      string
	ErrorType      string
	ErrorMessage   string
	ErrorTraceback string
	Item           *queue.Item
}

func (e *ExecutionError) Error() string {
	if e.ErrorType != "" {
		return fmt.Sprintf("queue item %d failed: %s: %s", e.ItemID, e.ErrorType, e.ErrorMessage)
	}
	return fmt.Sprintf("queue item %d failed: %s", e.ItemID, e.ErrorMessage)
}

func (e *ExecutionError) Is(target error) bool {
	return target == ErrExecutionFailed
}

// CancellationError reports a job that ended in the canceled state.
type CancellationError struct {
	ItemID int
	Item   *queue.Item
}

func (e *CancellationError) Error() string {
	return fmt.Sprintf("queue item %d was canceled", e.ItemID)
}

func (e *CancellationError) Is(target error) bool {
	return target == ErrCanceled
}

// TimeoutError reports a client-side wait that exceeded its deadline. The
// remote job is left running.
type TimeoutError struct {
	ItemID     int
	Timeout    time.Duration
	Elapsed    time.Duration
	LastStatus queue.Status
}

func (e *TimeoutError) Error() string {
	msg := fmt.Sprintf("queue item %d not finished after %s", e.ItemID, e.Timeout)
	if e.LastStatus != "" {
		msg += fmt.Sprintf(" (last status %s)", e.LastStatus)
	}
	return msg
}

func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout
}

// outcomeError maps a terminal item to the error its status implies.
func outcomeError(item *queue.Item) error {
	switch item.Status {
	case queue.StatusFailed:
		return &ExecutionError{
			ItemID:         item.ItemID,
			SessionID:      item.SessionID,
			ErrorType:      item.ErrorType,
			ErrorMessage:   item.ErrorMessage,
			ErrorTraceback: item.ErrorTraceback,
			Item:           item,
		}
	case queue.StatusCanceled:
		return &CancellationError{ItemID: item.ItemID, Item: item}
	}
	return nil
}
