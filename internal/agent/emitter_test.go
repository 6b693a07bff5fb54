package agent

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edvin/dbvault/internal/journal"
	"github.com/edvin/dbvault/internal/protocol"
)

// fakeSender records frames while online and fails with ErrNotConnected
// otherwise.
type fakeSender struct {
	mu     sync.Mutex
	online bool
	sent   []protocol.Envelope
}

func (s *fakeSender) Send(_ context.Context, env protocol.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.online {
		return ErrNotConnected
	}
	s.sent = append(s.sent, env)
	return nil
}

func (s *fakeSender) setOnline(v bool) {
	s.mu.Lock()
	s.online = v
	s.mu.Unlock()
}

func (s *fakeSender) types() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.sent))
	for i, env := range s.sent {
		out[i] = env.Type
	}
	return out
}

func (s *fakeSender) frames() []protocol.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]protocol.Envelope(nil), s.sent...)
}

func TestEmitter_DirectDroppedWhileOffline(t *testing.T) {
	s := &fakeSender{}
	e := NewEmitter(s, zerolog.Nop())

	e.Direct(context.Background(), protocol.BackupProgress, protocol.ProgressData{JobID: "1", Progress: 50})
	s.setOnline(true)
	e.Flush(context.Background())

	assert.Empty(t, s.types())
	assert.Zero(t, e.Pending())
}

func TestEmitter_TerminalQueuedInOrder(t *testing.T) {
	s := &fakeSender{}
	e := NewEmitter(s, zerolog.Nop())
	ctx := context.Background()

	e.Terminal(ctx, protocol.BackupCompleted, protocol.BackupCompletedData{JobID: "1"})
	e.Terminal(ctx, protocol.RestoreFailed, protocol.FailedData{HistoryID: "h1", Error: "x"})
	e.Terminal(ctx, protocol.VerificationFailed, protocol.FailedData{HistoryID: "h2", Error: "y"})
	assert.Equal(t, 3, e.Pending())

	s.setOnline(true)
	e.Flush(ctx)

	assert.Equal(t, []string{protocol.BackupCompleted, protocol.RestoreFailed, protocol.VerificationFailed}, s.types())
	assert.Zero(t, e.Pending())
}

func TestEmitter_TerminalSentImmediatelyWhenOnline(t *testing.T) {
	s := &fakeSender{online: true}
	e := NewEmitter(s, zerolog.Nop())

	e.Terminal(context.Background(), protocol.RestoreCompleted, protocol.RestoreCompletedData{HistoryID: "h", Success: true})

	require.Equal(t, []string{protocol.RestoreCompleted}, s.types())
	var got protocol.RestoreCompletedData
	require.NoError(t, json.Unmarshal(s.frames()[0].Data, &got))
	assert.Equal(t, "h", got.HistoryID)
}

func TestInterruptedReporter_ReportsOnce(t *testing.T) {
	path := t.TempDir() + "/" + journal.FileName
	j, err := journal.Open(path)
	require.NoError(t, err)
	started := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, j.Add("41", "shop", started))
	require.NoError(t, j.Add("42", "crm", started.Add(5*time.Minute)))

	// A new process finds the records as leftovers.
	j, err = journal.Open(path)
	require.NoError(t, err)

	s := &fakeSender{online: true}
	e := NewEmitter(s, zerolog.Nop())
	r := NewInterruptedReporter(j, e, zerolog.Nop())
	r.now = func() time.Time { return started.Add(17 * time.Minute) }

	r.Report(context.Background())
	r.Report(context.Background())

	frames := s.frames()
	require.Len(t, frames, 2)
	byJob := map[string]protocol.FailedData{}
	for _, f := range frames {
		assert.Equal(t, protocol.BackupFailed, f.Type)
		var d protocol.FailedData
		require.NoError(t, json.Unmarshal(f.Data, &d))
		byJob[d.JobID] = d
	}
	assert.Equal(t, "Backup interrupted: agent stopped after 17 minutes", byJob["41"].Error)
	assert.Equal(t, "Backup interrupted: agent stopped after 12 minutes", byJob["42"].Error)

	assert.Empty(t, j.Leftovers())
	reopened, err := journal.Open(path)
	require.NoError(t, err)
	assert.Empty(t, reopened.Leftovers())
}

func TestInterruptedReporter_QueuesWhileOffline(t *testing.T) {
	path := t.TempDir() + "/" + journal.FileName
	j, err := journal.Open(path)
	require.NoError(t, err)
	require.NoError(t, j.Add("7", "shop", time.Now().Add(-time.Minute)))
	j, err = journal.Open(path)
	require.NoError(t, err)

	s := &fakeSender{}
	e := NewEmitter(s, zerolog.Nop())
	NewInterruptedReporter(j, e, zerolog.Nop()).Report(context.Background())
	assert.Equal(t, 1, e.Pending())

	// Undelivered reports keep their records, on disk too.
	assert.Len(t, j.Leftovers(), 1)
	crashed, err := journal.Open(path)
	require.NoError(t, err)
	assert.Len(t, crashed.Leftovers(), 1)

	s.setOnline(true)
	e.Flush(context.Background())
	assert.Equal(t, []string{protocol.BackupFailed}, s.types())
	assert.Empty(t, j.Leftovers())

	reopened, err := journal.Open(path)
	require.NoError(t, err)
	assert.Empty(t, reopened.Leftovers())
}
