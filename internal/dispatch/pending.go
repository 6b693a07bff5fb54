package dispatch

import (
	"context"
	"sync"
	"time"
)

type outcome[T any] struct {
	value T
	err   error
}

type entry[T any] struct {
	ch   chan outcome[T]
	done bool
}

// Pending correlates a pushed request with the response event that answers
// it. Each id has at most one waiter. A response may arrive before Wait is
// called; it is buffered until then.
type Pending[T any] struct {
	mu      sync.Mutex
	entries map[string]*entry[T]
}

func NewPending[T any]() *Pending[T] {
	return &Pending[T]{entries: make(map[string]*entry[T])}
}

// Register reserves id. It fails with ErrDuplicateRequest if id is already
// waiting.
func (p *Pending[T]) Register(id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.entries[id]; ok {
		return ErrDuplicateRequest
	}
	p.entries[id] = &entry[T]{ch: make(chan outcome[T], 1)}
	return nil
}

// Resolve delivers a value to the waiter of id. It reports false if nothing
// was waiting, for example because the entry already timed out.
func (p *Pending[T]) Resolve(id string, v T) bool {
	return p.complete(id, outcome[T]{value: v})
}

// Reject delivers an error to the waiter of id.
func (p *Pending[T]) Reject(id string, err error) bool {
	return p.complete(id, outcome[T]{err: err})
}

// Cancel drops id without waking anyone.
func (p *Pending[T]) Cancel(id string) {
	p.mu.Lock()
	delete(p.entries, id)
	p.mu.Unlock()
}

// Len returns the number of outstanding requests.
func (p *Pending[T]) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// Wait blocks until id is resolved or rejected, the timeout fires or ctx is
// done. The entry is removed when Wait returns.
func (p *Pending[T]) Wait(ctx context.Context, id string, timeout time.Duration) (T, error) {
	var zero T
	p.mu.Lock()
	e, ok := p.entries[id]
	p.mu.Unlock()
	if !ok {
		return zero, ErrUnknownRequest
	}
	defer p.Cancel(id)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case r := <-e.ch:
		return r.value, r.err
	case <-timer.C:
		if p.expire(id) {
			return zero, ErrTimeout
		}
	case <-ctx.Done():
		if p.expire(id) {
			return zero, ctx.Err()
		}
	}
	// A response won the race with the timeout and is buffered.
	r := <-e.ch
	return r.value, r.err
}

func (p *Pending[T]) complete(id string, r outcome[T]) bool {
	p.mu.Lock()
	e, ok := p.entries[id]
	if !ok || e.done {
		p.mu.Unlock()
		return false
	}
	e.done = true
	p.mu.Unlock()
	e.ch <- r
	return true
}

// expire marks id done unless a response already claimed it.
func (p *Pending[T]) expire(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[id]
	if !ok {
		return true
	}
	if e.done {
		return false
	}
	e.done = true
	return true
}
