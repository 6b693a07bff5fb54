package dispatch

import (
	"context"
	"errors"
	"sync"

	"github.com/stretchr/testify/mock"

	"github.com/edvin/dbvault/internal/model"
	"github.com/edvin/dbvault/internal/protocol"
)

// ---------- Mock Store ----------

type mockStore struct {
	mock.Mock
}

func (m *mockStore) GetBackupJob(ctx context.Context, id string) (*model.BackupJob, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.BackupJob), args.Error(1)
}

func (m *mockStore) GetDatabase(ctx context.Context, id string) (*model.DatabaseConnection, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.DatabaseConnection), args.Error(1)
}

func (m *mockStore) GetStorageTarget(ctx context.Context, id string) (*model.StorageTarget, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.StorageTarget), args.Error(1)
}

func (m *mockStore) GetAgent(ctx context.Context, id string) (*model.Agent, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Agent), args.Error(1)
}

func (m *mockStore) GetBackupHistory(ctx context.Context, id string) (*model.BackupHistory, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.BackupHistory), args.Error(1)
}

func (m *mockStore) CreateRunningBackup(ctx context.Context, jobID, databaseID string) (*model.BackupHistory, error) {
	args := m.Called(ctx, jobID, databaseID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.BackupHistory), args.Error(1)
}

func (m *mockStore) CreateSkippedBackup(ctx context.Context, jobID, databaseID, reason string) (*model.BackupHistory, error) {
	args := m.Called(ctx, jobID, databaseID, reason)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.BackupHistory), args.Error(1)
}

func (m *mockStore) CompleteBackup(ctx context.Context, jobID, historyID string, res model.BackupResult) error {
	return m.Called(ctx, jobID, historyID, res).Error(0)
}

func (m *mockStore) FailBackup(ctx context.Context, jobID, historyID, message string) error {
	return m.Called(ctx, jobID, historyID, message).Error(0)
}

func (m *mockStore) CreateRunningRestore(ctx context.Context, backupHistoryID, databaseID string) (*model.RestoreHistory, error) {
	args := m.Called(ctx, backupHistoryID, databaseID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.RestoreHistory), args.Error(1)
}

func (m *mockStore) FinishRestore(ctx context.Context, backupHistoryID, status string, durationMS int64, message string) error {
	return m.Called(ctx, backupHistoryID, status, durationMS, message).Error(0)
}

func (m *mockStore) SaveVerification(ctx context.Context, backupHistoryID string, report model.VerificationReport) error {
	return m.Called(ctx, backupHistoryID, report).Error(0)
}

func (m *mockStore) FailVerification(ctx context.Context, backupHistoryID, message string) error {
	return m.Called(ctx, backupHistoryID, message).Error(0)
}

func (m *mockStore) SetAgentStatus(ctx context.Context, agentID, status string) error {
	return m.Called(ctx, agentID, status).Error(0)
}

func (m *mockStore) TouchAgent(ctx context.Context, agentID string) error {
	return m.Called(ctx, agentID).Error(0)
}

// ---------- Fake connection ----------

var errConnClosed = errors.New("connection closed")

// fakeConn records pushed frames. onSend, when set, runs after a frame is
// recorded and can play the agent's side of the exchange.
type fakeConn struct {
	mu      sync.Mutex
	sent    []protocol.Envelope
	sendErr error
	closed  bool
	onSend  func(env protocol.Envelope)
}

func (c *fakeConn) Send(_ context.Context, env protocol.Envelope) error {
	c.mu.Lock()
	if c.sendErr != nil {
		c.mu.Unlock()
		return c.sendErr
	}
	c.sent = append(c.sent, env)
	hook := c.onSend
	c.mu.Unlock()
	if hook != nil {
		hook(env)
	}
	return nil
}

func (c *fakeConn) Close(string) error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) frames() []protocol.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]protocol.Envelope(nil), c.sent...)
}
