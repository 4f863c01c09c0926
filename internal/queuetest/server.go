// Package queuetest provides an in-process fake of the session queue REST
// API for tests.
package queuetest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/me/invokeflow/pkg/queue"
)

// Step is one scripted observation of a queue item.
type Step struct {
	Status         queue.Status
	Outputs        []queue.Output
	ErrorType      string
	ErrorMessage   string
	ErrorTraceback string
}

// Statuses builds a script of bare status steps.
func Statuses(statuses ...queue.Status) []Step {
	steps := make([]Step, len(statuses))
	for i, s := range statuses {
		steps[i] = Step{Status: s}
	}
	return steps
}

// Batch is an enqueue request as received by the server.
type Batch struct {
	BatchID string
	ItemID  int
	Prepend bool
	Graph   map[string]any
	Runs    int
}

type item struct {
	id        int
	batchID   string
	sessionID string
	script    []Step
	gets      int
	canceled  bool
}

// Server is a scripted fake queue. Every GET of an item returns the next
// step of its script; the last step repeats forever.
type Server struct {
	*httptest.Server

	mu            sync.Mutex
	queueID       string
	nextID        int
	script        []Step
	items         map[int]*item
	batches       []Batch
	enqueueStatus int
	enqueueBody   string
}

// New starts a fake queue server for queueID. Close it when done.
func New(queueID string) *Server {
	s := &Server{
		queueID: queueID,
		nextID:  1,
		script:  Statuses(queue.StatusPending, queue.StatusInProgress, queue.StatusCompleted),
		items:   make(map[int]*item),
	}
	s.Server = httptest.NewServer(s.routes())
	return s
}

// Config returns a client config pointing at the server.
func (s *Server) Config() queue.Config {
	return queue.DefaultConfig().
		WithBaseURL(s.URL).
		WithQueueID(s.queueID).
		WithRetries(0, 0).
		WithRateLimit(0)
}

// Script sets the script applied to items enqueued from now on.
func (s *Server) Script(steps ...Step) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.script = append([]Step(nil), steps...)
}

// RejectEnqueue makes every following enqueue fail with the given response.
func (s *Server) RejectEnqueue(status int, body string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enqueueStatus = status
	s.enqueueBody = body
}

// Batches returns the enqueue requests received so far.
func (s *Server) Batches() []Batch {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Batch(nil), s.batches...)
}

// Gets returns how many times an item was fetched.
func (s *Server) Gets(itemID int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if it, ok := s.items[itemID]; ok {
		return it.gets
	}
	return 0
}

// SessionID returns the session id assigned to an item.
func (s *Server) SessionID(itemID int) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if it, ok := s.items[itemID]; ok {
		return it.sessionID
	}
	return ""
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Route("/api/v1/queue/{queueID}", func(r chi.Router) {
		r.Post("/enqueue_batch", s.handleEnqueue)
		r.Get("/i/{itemID}", s.handleGetItem)
		r.Put("/i/{itemID}/cancel", s.handleCancelItem)
		r.Put("/cancel_by_batch_ids", s.handleCancelBatches)
		r.Put("/cancel_all_except_current", s.handleCancelAll)
		r.Put("/clear", s.handleClear)
	})
	return r
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Prepend bool `json:"prepend"`
		Batch   struct {
			Graph map[string]any `json:"graph"`
			Runs  int            `json:"runs"`
		} `json:"batch"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"detail": err.Error()})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.enqueueStatus != 0 {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(s.enqueueStatus)
		fmt.Fprint(w, s.enqueueBody)
		return
	}

	it := &item{
		id:        s.nextID,
		batchID:   uuid.NewString(),
		sessionID: uuid.NewString(),
		script:    append([]Step(nil), s.script...),
	}
	s.nextID++
	s.items[it.id] = it
	s.batches = append(s.batches, Batch{
		BatchID: it.batchID,
		ItemID:  it.id,
		Prepend: req.Prepend,
		Graph:   req.Batch.Graph,
		Runs:    req.Batch.Runs,
	})

	writeJSON(w, http.StatusOK, map[string]any{
		"queue_id":  s.queueID,
		"batch":     map[string]any{"batch_id": it.batchID, "graph": req.Batch.Graph, "runs": req.Batch.Runs},
		"item_ids":  []int{it.id},
		"enqueued":  1,
		"requested": 1,
		"priority":  0,
	})
}

func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (*item, bool) {
	id, err := strconv.Atoi(chi.URLParam(r, "itemID"))
	if err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"detail": "invalid item id"})
		return nil, false
	}
	it, ok := s.items[id]
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{"detail": "Queue item not found"})
		return nil, false
	}
	return it, true
}

func (s *Server) handleGetItem(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	it, ok := s.lookup(w, r)
	if !ok {
		return
	}
	step := it.current()
	it.gets++
	writeJSON(w, http.StatusOK, s.render(it, step))
}

func (s *Server) handleCancelItem(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	it, ok := s.lookup(w, r)
	if !ok {
		return
	}
	if !it.current().Status.IsTerminal() {
		it.canceled = true
	}
	writeJSON(w, http.StatusOK, s.render(it, it.current()))
}

func (s *Server) handleCancelBatches(w http.ResponseWriter, r *http.Request) {
	var req struct {
		BatchIDs []string `json:"batch_ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"detail": err.Error()})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	wanted := make(map[string]bool, len(req.BatchIDs))
	for _, id := range req.BatchIDs {
		wanted[id] = true
	}
	canceled := 0
	for _, it := range s.items {
		if wanted[it.batchID] && !it.current().Status.IsTerminal() {
			it.canceled = true
			canceled++
		}
	}
	writeJSON(w, http.StatusOK, queue.CancelResult{Canceled: canceled})
}

func (s *Server) handleCancelAll(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	canceled := 0
	for _, it := range s.items {
		if it.current().Status == queue.StatusPending {
			it.canceled = true
			canceled++
		}
	}
	writeJSON(w, http.StatusOK, queue.CancelResult{Canceled: canceled})
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	deleted := len(s.items)
	s.items = make(map[int]*item)
	writeJSON(w, http.StatusOK, queue.ClearResult{Deleted: deleted})
}

func (it *item) current() Step {
	if it.canceled {
		return Step{Status: queue.StatusCanceled}
	}
	if len(it.script) == 0 {
		return Step{Status: queue.StatusPending}
	}
	i := it.gets
	if i >= len(it.script) {
		i = len(it.script) - 1
	}
	return it.script[i]
}

func (s *Server) render(it *item, step Step) map[string]any {
	results := map[string]any{}
	for i, out := range step.Outputs {
		nodeID := out.NodeID
		if nodeID == "" {
			nodeID = "output-" + strconv.Itoa(i)
		}
		results[nodeID] = map[string]any{
			"type":   "image_output",
			"image":  map[string]any{"image_name": out.ImageName},
			"width":  out.Width,
			"height": out.Height,
		}
	}
	body := map[string]any{
		"item_id":    it.id,
		"status":     step.Status,
		"batch_id":   it.batchID,
		"queue_id":   s.queueID,
		"session_id": it.sessionID,
		"session": map[string]any{
			"id":      it.sessionID,
			"results": results,
		},
	}
	if step.ErrorType != "" || step.ErrorMessage != "" {
		body["error_type"] = step.ErrorType
		body["error_message"] = step.ErrorMessage
		body["error_traceback"] = step.ErrorTraceback
	}
	return body
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
