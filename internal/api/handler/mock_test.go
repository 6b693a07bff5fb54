package handler

import (
	"context"
	"sync"

	"github.com/stretchr/testify/mock"

	"github.com/edvin/dbvault/internal/core"
	"github.com/edvin/dbvault/internal/dispatch"
	"github.com/edvin/dbvault/internal/model"
	"github.com/edvin/dbvault/internal/protocol"
	"github.com/edvin/dbvault/internal/registry"
)

type mockAgentStore struct {
	mock.Mock
}

func (m *mockAgentStore) Register(ctx context.Context, userID string, reg core.Registration) (*model.Agent, bool, error) {
	args := m.Called(ctx, userID, reg)
	if args.Get(0) == nil {
		return nil, false, args.Error(2)
	}
	return args.Get(0).(*model.Agent), args.Bool(1), args.Error(2)
}

func (m *mockAgentStore) GetByAgentID(ctx context.Context, agentID string) (*model.Agent, error) {
	args := m.Called(ctx, agentID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Agent), args.Error(1)
}

func (m *mockAgentStore) ListByUser(ctx context.Context, userID string) ([]model.Agent, error) {
	args := m.Called(ctx, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.Agent), args.Error(1)
}

func (m *mockAgentStore) Heartbeat(ctx context.Context, userID, agentID string) error {
	return m.Called(ctx, userID, agentID).Error(0)
}

type mockOwners struct {
	mock.Mock
}

func (m *mockOwners) Owner(ctx context.Context, kind, id string) (string, error) {
	args := m.Called(ctx, kind, id)
	return args.String(0), args.Error(1)
}

type mockDispatcher struct {
	mock.Mock
}

func (m *mockDispatcher) ExecuteBackup(ctx context.Context, jobID string) (*dispatch.ExecuteResult, error) {
	args := m.Called(ctx, jobID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*dispatch.ExecuteResult), args.Error(1)
}

func (m *mockDispatcher) Restore(ctx context.Context, historyID string) (*dispatch.RestoreResult, error) {
	args := m.Called(ctx, historyID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*dispatch.RestoreResult), args.Error(1)
}

func (m *mockDispatcher) Verify(ctx context.Context, historyID, level string) (*model.VerificationReport, error) {
	args := m.Called(ctx, historyID, level)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.VerificationReport), args.Error(1)
}

func (m *mockDispatcher) TestDatabase(ctx context.Context, databaseID string) (*protocol.DatabaseTestResultData, error) {
	args := m.Called(ctx, databaseID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*protocol.DatabaseTestResultData), args.Error(1)
}

// presenceSet reports the listed agents as online.
type presenceSet map[string]bool

func (p presenceSet) IsOnline(agentID string) bool { return p[agentID] }

// sessionRecorder records agent session lifecycle and frames.
type sessionRecorder struct {
	mu       sync.Mutex
	attached []registry.Session
	detached []registry.Session
	events   chan protocol.Envelope
}

func newSessionRecorder() *sessionRecorder {
	return &sessionRecorder{events: make(chan protocol.Envelope, 16)}
}

func (s *sessionRecorder) Attach(sess registry.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attached = append(s.attached, sess)
}

func (s *sessionRecorder) Detach(sess registry.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.detached = append(s.detached, sess)
}

func (s *sessionRecorder) HandleEvent(_ context.Context, _ registry.Session, env protocol.Envelope) error {
	s.events <- env
	return nil
}

func (s *sessionRecorder) snapshot() (attached, detached []registry.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]registry.Session(nil), s.attached...), append([]registry.Session(nil), s.detached...)
}
