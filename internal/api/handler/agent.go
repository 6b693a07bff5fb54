package handler

import (
	"context"
	"errors"
	"net/http"

	mw "github.com/edvin/dbvault/internal/api/middleware"
	"github.com/edvin/dbvault/internal/api/request"
	"github.com/edvin/dbvault/internal/api/response"
	"github.com/edvin/dbvault/internal/core"
	"github.com/edvin/dbvault/internal/model"
)

// AgentStore is the subset of core.AgentService the HTTP surface needs.
type AgentStore interface {
	Register(ctx context.Context, userID string, reg core.Registration) (*model.Agent, bool, error)
	GetByAgentID(ctx context.Context, agentID string) (*model.Agent, error)
	ListByUser(ctx context.Context, userID string) ([]model.Agent, error)
	Heartbeat(ctx context.Context, userID, agentID string) error
}

// Presence reports whether an agent has a live connection.
type Presence interface {
	IsOnline(agentID string) bool
}

type Agent struct {
	svc      AgentStore
	presence Presence
}

func NewAgent(svc AgentStore, presence Presence) *Agent {
	return &Agent{svc: svc, presence: presence}
}

// Register creates the agent for the caller's machine, or refreshes it when
// the machine registers again. 201 on create, 200 on refresh.
func (h *Agent) Register(w http.ResponseWriter, r *http.Request) {
	var req request.RegisterAgent
	if err := request.Decode(r, &req); err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	agent, created, err := h.svc.Register(r.Context(), mw.UserID(r.Context()), core.Registration{
		AgentID:    req.AgentID,
		DeviceName: req.DeviceName,
		Hostname:   req.Hostname,
		Platform:   req.Platform,
		Version:    req.Version,
	})
	if err != nil {
		if errors.Is(err, core.ErrAgentOwnedElsewhere) {
			response.WriteError(w, http.StatusConflict, err.Error())
			return
		}
		response.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	agent.Online = h.presence.IsOnline(agent.AgentID)

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	response.WriteJSON(w, status, agent)
}

// List returns the caller's agents with their live connection state.
func (h *Agent) List(w http.ResponseWriter, r *http.Request) {
	agents, err := h.svc.ListByUser(r.Context(), mw.UserID(r.Context()))
	if err != nil {
		response.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	for i := range agents {
		agents[i].Online = h.presence.IsOnline(agents[i].AgentID)
	}
	response.WriteList(w, agents)
}

// Heartbeat records that an agent is alive while its socket is down.
func (h *Agent) Heartbeat(w http.ResponseWriter, r *http.Request) {
	var req request.AgentHeartbeat
	if err := request.Decode(r, &req); err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.svc.Heartbeat(r.Context(), mw.UserID(r.Context()), req.AgentID); err != nil {
		writeDispatchError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
