// Package outbox queues terminal agent events until the transport accepts
// them.
package outbox

import (
	"context"
	"sync"
	"time"
)

// Item is one queued event.
type Item struct {
	Type       string
	Payload    any
	EnqueuedAt time.Time
	// OnSent, if set, runs once the transport accepted the item.
	OnSent func()
}

// SendFunc hands an item to the transport. A nil return means the transport
// accepted it; remote receipt is not awaited.
type SendFunc func(ctx context.Context, item Item) error

// Queue is a FIFO of pending events.
type Queue struct {
	mu    sync.Mutex
	items []Item

	// flushMu serialises flushes so two triggers never interleave sends.
	flushMu sync.Mutex

	onDepth func(int)
	now     func() time.Time
}

// New returns an empty queue. onDepth, if non-nil, is called with the queue
// length after every change.
func New(onDepth func(int)) *Queue {
	return &Queue{onDepth: onDepth, now: time.Now}
}

// Enqueue appends an event.
func (q *Queue) Enqueue(eventType string, payload any) {
	q.EnqueueFunc(eventType, payload, nil)
}

// EnqueueFunc appends an event whose onSent runs after delivery. A requeued
// item keeps its callback, so onSent runs at most once.
func (q *Queue) EnqueueFunc(eventType string, payload any, onSent func()) {
	q.mu.Lock()
	q.items = append(q.items, Item{Type: eventType, Payload: payload, EnqueuedAt: q.now(), OnSent: onSent})
	depth := len(q.items)
	q.mu.Unlock()
	q.report(depth)
}

// Len returns the number of queued events.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Flush sends a snapshot of the queue in order. Items enqueued during the
// flush are not part of the snapshot. On the first send failure the failed
// item and every untried item of the snapshot are put back at the front of
// the queue, ahead of anything enqueued meanwhile, and the error is
// returned. It returns the number of items sent.
func (q *Queue) Flush(ctx context.Context, send SendFunc) (int, error) {
	q.flushMu.Lock()
	defer q.flushMu.Unlock()

	q.mu.Lock()
	snapshot := q.items
	q.items = nil
	q.mu.Unlock()

	for i, item := range snapshot {
		if err := ctx.Err(); err != nil {
			q.requeue(snapshot[i:])
			return i, err
		}
		if err := send(ctx, item); err != nil {
			q.requeue(snapshot[i:])
			return i, err
		}
		if item.OnSent != nil {
			item.OnSent()
		}
	}
	q.report(q.Len())
	return len(snapshot), nil
}

func (q *Queue) requeue(items []Item) {
	q.mu.Lock()
	merged := make([]Item, 0, len(items)+len(q.items))
	merged = append(merged, items...)
	merged = append(merged, q.items...)
	q.items = merged
	depth := len(q.items)
	q.mu.Unlock()
	q.report(depth)
}

func (q *Queue) report(depth int) {
	if q.onDepth != nil {
		q.onDepth(depth)
	}
}
