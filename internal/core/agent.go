package core

import (
	"context"
	"fmt"
	"time"

	"github.com/edvin/dbvault/internal/model"
	"github.com/edvin/dbvault/internal/platform"
)

const agentColumns = `id, agent_id, user_id, device_name, hostname, platform, version, status, is_active, last_seen, created_at, updated_at`

type AgentService struct {
	db DB
}

func NewAgentService(db DB) *AgentService {
	return &AgentService{db: db}
}

// Registration is what an agent reports about itself when it registers.
type Registration struct {
	AgentID    string
	DeviceName string
	Hostname   string
	Platform   string
	Version    string
}

// Register creates the agent row for a machine or refreshes it when the same
// user registers the same machine again. A machine owned by another user
// fails with ErrAgentOwnedElsewhere.
func (s *AgentService) Register(ctx context.Context, userID string, reg Registration) (*model.Agent, bool, error) {
	existing, err := s.GetByAgentID(ctx, reg.AgentID)
	if err != nil && !isNotFound(err) {
		return nil, false, err
	}
	if existing != nil {
		if existing.UserID != userID {
			return nil, false, ErrAgentOwnedElsewhere
		}
		var a model.Agent
		err := s.db.QueryRow(ctx,
			`UPDATE agents SET device_name = $1, hostname = $2, platform = $3, version = $4,
			        is_active = true, last_seen = now(), updated_at = now()
			 WHERE agent_id = $5
			 RETURNING `+agentColumns,
			reg.DeviceName, reg.Hostname, reg.Platform, reg.Version, reg.AgentID,
		).Scan(agentDest(&a)...)
		if err != nil {
			return nil, false, fmt.Errorf("update agent %s: %w", reg.AgentID, mapErr(err))
		}
		return &a, false, nil
	}

	now := time.Now()
	var a model.Agent
	err = s.db.QueryRow(ctx,
		`INSERT INTO agents (id, agent_id, user_id, device_name, hostname, platform, version, status, is_active, last_seen, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, true, $9, $9, $9)
		 RETURNING `+agentColumns,
		platform.NewID(), reg.AgentID, userID, reg.DeviceName, reg.Hostname, reg.Platform, reg.Version,
		model.AgentOffline, now,
	).Scan(agentDest(&a)...)
	if err != nil {
		if isUniqueViolation(err, "agents_agent_id_key") {
			return nil, false, ErrAgentOwnedElsewhere
		}
		return nil, false, fmt.Errorf("insert agent: %w", err)
	}
	return &a, true, nil
}

// GetByID looks an agent up by row id.
func (s *AgentService) GetByID(ctx context.Context, id string) (*model.Agent, error) {
	return s.getBy(ctx, "id", id)
}

// GetByAgentID looks an agent up by its stable machine identity.
func (s *AgentService) GetByAgentID(ctx context.Context, agentID string) (*model.Agent, error) {
	return s.getBy(ctx, "agent_id", agentID)
}

func (s *AgentService) getBy(ctx context.Context, column, value string) (*model.Agent, error) {
	var a model.Agent
	err := s.db.QueryRow(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE `+column+` = $1`, value,
	).Scan(agentDest(&a)...)
	if err != nil {
		return nil, fmt.Errorf("get agent %s: %w", value, mapErr(err))
	}
	return &a, nil
}

func (s *AgentService) ListByUser(ctx context.Context, userID string) ([]model.Agent, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE user_id = $1 ORDER BY created_at`, userID)
	if err != nil {
		return nil, fmt.Errorf("list agents for user %s: %w", userID, err)
	}
	defer rows.Close()

	var agents []model.Agent
	for rows.Next() {
		var a model.Agent
		if err := rows.Scan(agentDest(&a)...); err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		agents = append(agents, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate agents: %w", err)
	}
	return agents, nil
}

// SetStatus records a connection transition, keyed by machine identity.
func (s *AgentService) SetStatus(ctx context.Context, agentID, status string) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE agents SET status = $1, last_seen = now(), updated_at = now() WHERE agent_id = $2`,
		status, agentID)
	if err != nil {
		return fmt.Errorf("set agent %s status to %s: %w", agentID, status, err)
	}
	if err := affected(tag); err != nil {
		return fmt.Errorf("set agent %s status: %w", agentID, err)
	}
	return nil
}

// Touch refreshes last_seen.
func (s *AgentService) Touch(ctx context.Context, agentID string) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE agents SET last_seen = now() WHERE agent_id = $1`, agentID)
	if err != nil {
		return fmt.Errorf("touch agent %s: %w", agentID, err)
	}
	if err := affected(tag); err != nil {
		return fmt.Errorf("touch agent %s: %w", agentID, err)
	}
	return nil
}

// Heartbeat is the HTTP variant of Touch and checks ownership.
func (s *AgentService) Heartbeat(ctx context.Context, userID, agentID string) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE agents SET last_seen = now() WHERE agent_id = $1 AND user_id = $2`, agentID, userID)
	if err != nil {
		return fmt.Errorf("heartbeat agent %s: %w", agentID, err)
	}
	if err := affected(tag); err != nil {
		return fmt.Errorf("heartbeat agent %s: %w", agentID, err)
	}
	return nil
}

func agentDest(a *model.Agent) []any {
	return []any{&a.ID, &a.AgentID, &a.UserID, &a.DeviceName, &a.Hostname, &a.Platform,
		&a.Version, &a.Status, &a.IsActive, &a.LastSeen, &a.CreatedAt, &a.UpdatedAt}
}
