package queue

import (
	"encoding/json"
	"sort"
	"time"
)

// Status is the lifecycle state of a queue item.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCanceled   Status = "canceled"
)

// IsTerminal returns true if no further transitions are possible.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCanceled
}

// String returns the string representation of the status.
func (s Status) String() string {
	return string(s)
}

// Submission is the result of enqueueing a batch.
type Submission struct {
	QueueID   string
	BatchID   string
	ItemIDs   []int
	ItemID    int
	SessionID string
	Enqueued  int
	Requested int
}

// Output is one image produced by a session.
type Output struct {
	NodeID    string `json:"node_id,omitempty"`
	ImageName string `json:"image_name"`
	Width     int    `json:"width,omitempty"`
	Height    int    `json:"height,omitempty"`
}

// Item is a queue item as returned by the server.
type Item struct {
	ItemID         int            `json:"item_id"`
	Status         Status         `json:"status"`
	BatchID        string         `json:"batch_id"`
	QueueID        string         `json:"queue_id,omitempty"`
	SessionID      string         `json:"session_id"`
	Session        map[string]any `json:"session,omitempty"`
	ErrorType      string         `json:"error_type,omitempty"`
	ErrorMessage   string         `json:"error_message,omitempty"`
	ErrorTraceback string         `json:"error_traceback,omitempty"`
	CreatedAt      *time.Time     `json:"-"`
	StartedAt      *time.Time     `json:"-"`
	CompletedAt    *time.Time     `json:"-"`
	Outputs        []Output       `json:"outputs,omitempty"`
}

type itemWire struct {
	ItemID         int             `json:"item_id"`
	Status         Status          `json:"status"`
	BatchID        string          `json:"batch_id"`
	QueueID        string          `json:"queue_id"`
	SessionID      string          `json:"session_id"`
	Session        map[string]any  `json:"session"`
	Error          string          `json:"error"`
	ErrorType      string          `json:"error_type"`
	ErrorMessage   string          `json:"error_message"`
	ErrorTraceback string          `json:"error_traceback"`
	CreatedAt      string          `json:"created_at"`
	StartedAt      string          `json:"started_at"`
	CompletedAt    string          `json:"completed_at"`
	Outputs        json.RawMessage `json:"outputs"`
}

// UnmarshalJSON decodes a queue item, deriving outputs from the session
// results when the server does not list them.
func (it *Item) UnmarshalJSON(data []byte) error {
	var w itemWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*it = Item{
		ItemID:         w.ItemID,
		Status:         w.Status,
		BatchID:        w.BatchID,
		QueueID:        w.QueueID,
		SessionID:      w.SessionID,
		Session:        w.Session,
		ErrorType:      w.ErrorType,
		ErrorMessage:   w.ErrorMessage,
		ErrorTraceback: w.ErrorTraceback,
		CreatedAt:      parseTime(w.CreatedAt),
		StartedAt:      parseTime(w.StartedAt),
		CompletedAt:    parseTime(w.CompletedAt),
	}
	if it.ErrorMessage == "" {
		it.ErrorMessage = w.Error
	}

	if len(w.Outputs) > 0 && string(w.Outputs) != "null" {
		if err := json.Unmarshal(w.Outputs, &it.Outputs); err != nil {
			return err
		}
		return nil
	}
	it.Outputs = outputsFromSession(w.Session)
	return nil
}

// MarshalJSON encodes the item in the server's wire shape.
func (it Item) MarshalJSON() ([]byte, error) {
	w := itemWire{
		ItemID:         it.ItemID,
		Status:         it.Status,
		BatchID:        it.BatchID,
		QueueID:        it.QueueID,
		SessionID:      it.SessionID,
		Session:        it.Session,
		ErrorType:      it.ErrorType,
		ErrorMessage:   it.ErrorMessage,
		ErrorTraceback: it.ErrorTraceback,
		CreatedAt:      formatTime(it.CreatedAt),
		StartedAt:      formatTime(it.StartedAt),
		CompletedAt:    formatTime(it.CompletedAt),
	}
	if it.Outputs != nil {
		raw, err := json.Marshal(it.Outputs)
		if err != nil {
			return nil, err
		}
		w.Outputs = raw
	}
	return json.Marshal(w)
}

// outputsFromSession collects every session result that references an
// image, ordered by the producing node id.
func outputsFromSession(session map[string]any) []Output {
	results, _ := session["results"].(map[string]any)
	if len(results) == 0 {
		return nil
	}
	ids := make([]string, 0, len(results))
	for id := range results {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var outputs []Output
	for _, id := range ids {
		res, _ := results[id].(map[string]any)
		img, _ := res["image"].(map[string]any)
		name, _ := img["image_name"].(string)
		if name == "" {
			continue
		}
		out := Output{NodeID: id, ImageName: name}
		if w, ok := res["width"].(float64); ok {
			out.Width = int(w)
		}
		if h, ok := res["height"].(float64); ok {
			out.Height = int(h)
		}
		outputs = append(outputs, out)
	}
	return outputs
}

func parseTime(s string) *time.Time {
	if s == "" {
		return nil
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05.999999", "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return &t
		}
	}
	return nil
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

type enqueueRequest struct {
	Prepend bool         `json:"prepend"`
	Batch   batchRequest `json:"batch"`
}

type batchRequest struct {
	Graph       any    `json:"graph"`
	Runs        int    `json:"runs"`
	Origin      string `json:"origin,omitempty"`
	Destination string `json:"destination,omitempty"`
}

type enqueueResponse struct {
	Batch struct {
		BatchID string `json:"batch_id"`
	} `json:"batch"`
	ItemIDs   []int `json:"item_ids"`
	Enqueued  int   `json:"enqueued"`
	Requested int   `json:"requested"`
}

// EnqueueOptions are optional batch attributes.
type EnqueueOptions struct {
	Prepend     bool
	Origin      string
	Destination string
}

// CancelResult reports how many items a bulk cancel touched.
type CancelResult struct {
	Canceled int `json:"canceled"`
}

// ClearResult reports how many items a clear removed.
type ClearResult struct {
	Deleted int `json:"deleted"`
}
