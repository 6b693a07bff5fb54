package pipeline

import (
	"io"
	"sync"
)

// Progress is one progress update of a running job.
type Progress struct {
	Percent int
	Step    string
}

// ProgressFunc receives the updates of one job, in order.
type ProgressFunc func(Progress)

// byteStep is the minimum advance for updates driven by byte counts.
const byteStep = 5

// Tracker filters the updates stages report. Percentages never go back,
// and byte driven updates are only let through every byteStep points.
// Accepted updates are written to a channel drained by a single relay
// goroutine, so stages never call the consumer directly.
type Tracker struct {
	mu   sync.Mutex
	last int
	ch   chan Progress
	done chan struct{}
}

// NewTracker starts a tracker delivering accepted updates to emit, which
// may be nil.
func NewTracker(emit ProgressFunc) *Tracker {
	t := &Tracker{ch: make(chan Progress, 16), done: make(chan struct{})}
	go func() {
		defer close(t.done)
		for p := range t.ch {
			if emit != nil {
				emit(p)
			}
		}
	}()
	return t
}

// Step reports a labelled milestone.
func (t *Tracker) Step(percent int, label string) {
	t.report(percent, label, 1)
}

// Bytes reports a byte driven position.
func (t *Tracker) Bytes(percent int, label string) {
	t.report(percent, label, byteStep)
}

func (t *Tracker) report(percent int, label string, minAdvance int) {
	if percent > 100 {
		percent = 100
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ch == nil || percent-t.last < minAdvance {
		return
	}
	t.last = percent
	t.ch <- Progress{Percent: percent, Step: label}
}

// Close stops accepting updates and waits until the relay delivered every
// accepted one.
func (t *Tracker) Close() {
	t.mu.Lock()
	ch := t.ch
	t.ch = nil
	t.mu.Unlock()
	if ch != nil {
		close(ch)
		<-t.done
	}
}

// meter reports the running byte count of a stream to fn.
type meter struct {
	r  io.Reader
	n  int64
	fn func(n int64)
}

func (m *meter) Read(p []byte) (int, error) {
	n, err := m.r.Read(p)
	if n > 0 {
		m.n += int64(n)
		m.fn(m.n)
	}
	return n, err
}

// scale maps n bytes onto [from, to] at perMiB points per MiB.
func scale(n int64, from, to int, perMiB float64) int {
	pct := from + int(float64(n)/(1024*1024)*perMiB)
	if pct > to {
		return to
	}
	return pct
}
