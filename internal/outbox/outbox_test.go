package outbox

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTransport accepts sends while online and records them in order.
type fakeTransport struct {
	mu     sync.Mutex
	online bool
	sent   []string

	// failAfter, when > 0, takes the transport offline after that many sends.
	failAfter int
}

var errOffline = errors.New("not connected")

func (f *fakeTransport) send(_ context.Context, item Item) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.online {
		return errOffline
	}
	f.sent = append(f.sent, item.Payload.(string))
	if f.failAfter > 0 && len(f.sent) >= f.failAfter {
		f.online = false
		f.failAfter = 0
	}
	return nil
}

func (f *fakeTransport) setOnline(v bool) {
	f.mu.Lock()
	f.online = v
	f.mu.Unlock()
}

func TestQueue_FlushInOrder(t *testing.T) {
	q := New(nil)
	tr := &fakeTransport{online: true}

	q.Enqueue("backup:completed", "E1")
	q.Enqueue("backup:failed", "E2")
	q.Enqueue("restore:completed", "E3")

	n, err := q.Flush(context.Background(), tr.send)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, []string{"E1", "E2", "E3"}, tr.sent)
	assert.Equal(t, 0, q.Len())
}

func TestQueue_OfflineKeepsItems(t *testing.T) {
	q := New(nil)
	tr := &fakeTransport{}

	q.Enqueue("backup:completed", "E1")
	n, err := q.Flush(context.Background(), tr.send)
	assert.ErrorIs(t, err, errOffline)
	assert.Equal(t, 0, n)
	assert.Equal(t, 1, q.Len())
}

func TestQueue_FIFOAcrossReconnects(t *testing.T) {
	q := New(nil)
	tr := &fakeTransport{online: true, failAfter: 1}

	// E1 is delivered, then the connection drops.
	q.Enqueue("backup:completed", "E1")
	q.Enqueue("backup:completed", "E2")
	_, err := q.Flush(context.Background(), tr.send)
	assert.Error(t, err)

	q.Enqueue("backup:failed", "E3")
	_, err = q.Flush(context.Background(), tr.send)
	assert.Error(t, err)

	q.Enqueue("backup:completed", "E4")

	tr.setOnline(true)
	_, err = q.Flush(context.Background(), tr.send)
	require.NoError(t, err)

	assert.Equal(t, []string{"E1", "E2", "E3", "E4"}, tr.sent)
	assert.Equal(t, 0, q.Len())
}

func TestQueue_EnqueueDuringFlushGoesBehind(t *testing.T) {
	q := New(nil)
	var sent []string
	enqueued := false
	send := func(_ context.Context, item Item) error {
		if !enqueued {
			enqueued = true
			q.Enqueue("backup:completed", "late")
		}
		if item.Payload.(string) == "E2" {
			return errOffline
		}
		sent = append(sent, item.Payload.(string))
		return nil
	}

	q.Enqueue("backup:completed", "E1")
	q.Enqueue("backup:completed", "E2")
	q.Enqueue("backup:completed", "E3")

	n, err := q.Flush(context.Background(), send)
	assert.ErrorIs(t, err, errOffline)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"E1"}, sent)

	q.mu.Lock()
	var order []string
	for _, it := range q.items {
		order = append(order, it.Payload.(string))
	}
	q.mu.Unlock()
	assert.Equal(t, []string{"E2", "E3", "late"}, order)
}

func TestQueue_OnSentRunsAfterDelivery(t *testing.T) {
	q := New(nil)
	tr := &fakeTransport{}

	var delivered []string
	q.EnqueueFunc("backup:failed", "E1", func() { delivered = append(delivered, "E1") })
	q.Enqueue("backup:failed", "E2")
	q.EnqueueFunc("backup:failed", "E3", func() { delivered = append(delivered, "E3") })

	_, err := q.Flush(context.Background(), tr.send)
	assert.ErrorIs(t, err, errOffline)
	assert.Empty(t, delivered)

	tr.setOnline(true)
	tr.failAfter = 2
	_, err = q.Flush(context.Background(), tr.send)
	assert.Error(t, err)
	assert.Equal(t, []string{"E1"}, delivered)

	tr.setOnline(true)
	_, err = q.Flush(context.Background(), tr.send)
	require.NoError(t, err)
	assert.Equal(t, []string{"E1", "E3"}, delivered)
	assert.Equal(t, []string{"E1", "E2", "E3"}, tr.sent)
}

func TestQueue_FlushCancelled(t *testing.T) {
	q := New(nil)
	tr := &fakeTransport{online: true}
	q.Enqueue("backup:completed", "E1")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := q.Flush(ctx, tr.send)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, q.Len())
	assert.Empty(t, tr.sent)
}

func TestQueue_ConcurrentFlushNoDuplicates(t *testing.T) {
	q := New(nil)
	tr := &fakeTransport{online: true}
	for i := 0; i < 100; i++ {
		q.Enqueue("backup:completed", "E")
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = q.Flush(context.Background(), tr.send)
		}()
	}
	wg.Wait()
	assert.Len(t, tr.sent, 100)
}

func TestQueue_ReportsDepth(t *testing.T) {
	var depths []int
	q := New(func(d int) { depths = append(depths, d) })
	q.Enqueue("a", "1")
	q.Enqueue("b", "2")
	_, err := q.Flush(context.Background(), func(context.Context, Item) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 0}, depths)
}
