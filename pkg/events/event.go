// Package events receives push notifications about queue activity over the
// server's socket.io channel and routes them to per-session subscribers.
package events

import (
	"encoding/json"
	"fmt"
)

// Kind names a push event.
type Kind string

const (
	KindInvocationStarted      Kind = "invocation_started"
	KindInvocationProgress     Kind = "invocation_progress"
	KindInvocationComplete     Kind = "invocation_complete"
	KindInvocationError        Kind = "invocation_error"
	KindQueueItemStatusChanged Kind = "queue_item_status_changed"
	KindGraphComplete          Kind = "graph_complete"

	// KindSubmission is synthesized locally when a batch is enqueued; the
	// server never sends it.
	KindSubmission Kind = "submission"
)

// Kinds returns every server-sent event kind.
func Kinds() []Kind {
	return []Kind{
		KindInvocationStarted,
		KindInvocationProgress,
		KindInvocationComplete,
		KindInvocationError,
		KindQueueItemStatusChanged,
		KindGraphComplete,
	}
}

// Event is a decoded push event.
type Event struct {
	Kind      Kind   `json:"event_type"`
	QueueID   string `json:"queue_id,omitempty"`
	ItemID    int    `json:"item_id,omitempty"`
	BatchID   string `json:"batch_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`

	NodeID   string `json:"node_id,omitempty"`
	NodeType string `json:"node_type,omitempty"`

	// Progress is in [0, 1]; nil when the event carries none.
	Progress *float64 `json:"progress,omitempty"`
	Message  string   `json:"message,omitempty"`

	Status string         `json:"status,omitempty"`
	Result map[string]any `json:"result,omitempty"`

	ErrorType      string `json:"error_type,omitempty"`
	ErrorMessage   string `json:"error_message,omitempty"`
	ErrorTraceback string `json:"error_traceback,omitempty"`

	Raw map[string]any `json:"-"`
}

// IsTerminal reports whether the event ends a session: a terminal status
// change or graph completion.
func (e Event) IsTerminal() bool {
	switch e.Kind {
	case KindGraphComplete:
		return true
	case KindQueueItemStatusChanged:
		return e.Status == "completed" || e.Status == "failed" || e.Status == "canceled"
	}
	return false
}

type payload struct {
	QueueID            string         `json:"queue_id"`
	ItemID             int            `json:"item_id"`
	BatchID            string         `json:"batch_id"`
	SessionID          string         `json:"session_id"`
	GraphExecutionID   string         `json:"graph_execution_state_id"`
	NodeID             string         `json:"node_id"`
	NodeType           string         `json:"node_type"`
	InvocationSourceID string         `json:"invocation_source_id"`
	Invocation         map[string]any `json:"invocation"`
	Node               map[string]any `json:"node"`
	Progress           *float64       `json:"progress"`
	Percentage         *float64       `json:"percentage"`
	Message            string         `json:"message"`
	Status             string         `json:"status"`
	Result             map[string]any `json:"result"`
	Outputs            map[string]any `json:"outputs"`
	Error              string         `json:"error"`
	ErrorType          string         `json:"error_type"`
	ErrorMessage       string         `json:"error_message"`
	ErrorTraceback     string         `json:"error_traceback"`
}

// Decode builds an Event from a raw socket payload. Field names of older
// server releases (graph_execution_state_id, node, percentage) are
// accepted alongside the current ones.
func Decode(kind Kind, raw any) (Event, error) {
	var data []byte
	switch v := raw.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		var err error
		if data, err = json.Marshal(v); err != nil {
			return Event{}, fmt.Errorf("encode %s payload: %w", kind, err)
		}
	}

	var p payload
	if err := json.Unmarshal(data, &p); err != nil {
		return Event{}, fmt.Errorf("decode %s payload: %w", kind, err)
	}
	var rawMap map[string]any
	_ = json.Unmarshal(data, &rawMap)

	ev := Event{
		Kind:           kind,
		QueueID:        p.QueueID,
		ItemID:         p.ItemID,
		BatchID:        p.BatchID,
		SessionID:      firstNonEmpty(p.SessionID, p.GraphExecutionID),
		NodeID:         firstNonEmpty(p.NodeID, p.InvocationSourceID, stringAt(p.Invocation, "id"), stringAt(p.Node, "id")),
		NodeType:       firstNonEmpty(p.NodeType, stringAt(p.Invocation, "type"), stringAt(p.Node, "type")),
		Progress:       p.Progress,
		Message:        p.Message,
		Status:         p.Status,
		Result:         p.Result,
		ErrorType:      p.ErrorType,
		ErrorMessage:   firstNonEmpty(p.ErrorMessage, p.Error),
		ErrorTraceback: p.ErrorTraceback,
		Raw:            rawMap,
	}
	if ev.Progress == nil {
		ev.Progress = p.Percentage
	}
	if ev.Result == nil {
		ev.Result = p.Outputs
	}
	return ev, nil
}

func stringAt(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
