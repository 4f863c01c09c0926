package run

import (
	"context"
	"iter"
	"sync"
	"time"

	"github.com/me/invokeflow/pkg/events"
	"github.com/me/invokeflow/pkg/queue"
	"github.com/me/invokeflow/pkg/workflow"
)

// StreamOptions tunes Stream.
type StreamOptions struct {
	Submit SubmitOptions

	// Timeout bounds the stream after submission; zero waits until ctx is
	// done.
	Timeout time.Duration
}

// Stream returns a sequence that, on each iteration, submits h and yields
// the job's events: first a synthetic submission event, then the session's
// push events in arrival order. The sequence ends after a terminal status
// change or graph completion. Errors are yielded once and end the sequence.
func (r *Runner) Stream(ctx context.Context, h *workflow.Handle, opts StreamOptions) iter.Seq2[events.Event, error] {
	return func(yield func(events.Event, error) bool) {
		if r.events == nil {
			yield(events.Event{}, ErrNoEventChannel)
			return
		}

		job, err := r.Submit(ctx, h, opts.Submit)
		if err != nil {
			yield(events.Event{}, err)
			return
		}
		if !yield(submissionEvent(job), nil) {
			return
		}

		buf := newEventBuffer()
		handlers := events.Handlers{}
		for _, kind := range events.Kinds() {
			handlers.Add(kind, buf.push)
		}
		sub, err := r.events.Subscribe(ctx, job.sub.QueueID, job.sub.SessionID, handlers)
		if err != nil {
			yield(events.Event{}, err)
			return
		}
		defer sub.Close()
		job.transition(StateSubscribed)

		// A job that ended before the subscription produces no further
		// events; report its status from a fetch instead.
		if item, err := r.queue.GetItem(ctx, job.sub.ItemID); err == nil {
			job.setLast(item)
			if item.Status.IsTerminal() {
				buf.push(statusEvent(job, item))
			}
		}

		ticker := time.NewTicker(r.streamTick)
		defer ticker.Stop()
		start := r.now()

		for {
			ended := false
			for _, ev := range buf.drain() {
				if !yield(ev, nil) {
					return
				}
				ended = ended || ev.IsTerminal()
			}
			if ended {
				// graph_complete may precede the status change that carries a
				// failure; flush what already arrived before closing.
				for _, ev := range buf.drain() {
					if !yield(ev, nil) {
						return
					}
				}
				r.settle(ctx, job)
				return
			}

			select {
			case <-buf.notify:
			case <-ticker.C:
				if opts.Timeout > 0 && r.now().Sub(start) >= opts.Timeout {
					job.transition(StateTimedOut)
					err := &TimeoutError{ItemID: job.sub.ItemID, Timeout: opts.Timeout, Elapsed: r.now().Sub(start)}
					if last := job.Item(); last != nil {
						err.LastStatus = last.Status
					}
					yield(events.Event{}, err)
					return
				}
			case <-ctx.Done():
				yield(events.Event{}, ctx.Err())
				return
			}
		}
	}
}

// settle fetches the item after a terminal event so the job state and
// history reflect the final status.
func (r *Runner) settle(ctx context.Context, job *Job) {
	item, err := r.queue.GetItem(ctx, job.sub.ItemID)
	if err != nil {
		r.logger.Warn("final status fetch failed", "item_id", job.sub.ItemID, "error", err)
		return
	}
	if item.Status.IsTerminal() {
		_, _ = job.finish(ctx, item)
		return
	}
	job.setLast(item)
}

func submissionEvent(job *Job) events.Event {
	return events.Event{
		Kind:      events.KindSubmission,
		QueueID:   job.sub.QueueID,
		ItemID:    job.sub.ItemID,
		BatchID:   job.sub.BatchID,
		SessionID: job.sub.SessionID,
	}
}

func statusEvent(job *Job, item *queue.Item) events.Event {
	return events.Event{
		Kind:           events.KindQueueItemStatusChanged,
		QueueID:        job.sub.QueueID,
		ItemID:         item.ItemID,
		BatchID:        item.BatchID,
		SessionID:      job.sub.SessionID,
		Status:         item.Status.String(),
		ErrorType:      item.ErrorType,
		ErrorMessage:   item.ErrorMessage,
		ErrorTraceback: item.ErrorTraceback,
	}
}

// eventBuffer is an unbounded queue between the dispatch path and the
// consuming iterator. Pushes never block.
type eventBuffer struct {
	mu     sync.Mutex
	events []events.Event
	notify chan struct{}
}

func newEventBuffer() *eventBuffer {
	return &eventBuffer{notify: make(chan struct{}, 1)}
}

func (b *eventBuffer) push(ev events.Event) {
	b.mu.Lock()
	b.events = append(b.events, ev)
	b.mu.Unlock()
	select {
	case b.notify <- struct{}{}:
	default:
	}
}

func (b *eventBuffer) drain() []events.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.events
	b.events = nil
	return out
}
