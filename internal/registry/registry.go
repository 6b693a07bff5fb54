// Package registry tracks the live WebSocket connection of every online agent
// and the frontend observers of every user.
package registry

import (
	"context"
	"sort"
	"sync"

	"github.com/edvin/dbvault/internal/protocol"
)

// Conn is a live connection the control plane can push frames to.
type Conn interface {
	Send(ctx context.Context, env protocol.Envelope) error
	Close(reason string) error
}

// Session is an authenticated agent connection.
type Session struct {
	AgentID string
	UserID  string
	Conn    Conn
}

// Registry maps agent identity to its current session. It is safe for
// concurrent use.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]Session
	onChange func(online int)
}

// New returns an empty registry. onChange, if non-nil, is called with the
// number of online agents after every change.
func New(onChange func(online int)) *Registry {
	return &Registry{sessions: make(map[string]Session), onChange: onChange}
}

// Register makes s the current session for its agent. A previous session for
// the same agent is closed and returned.
func (r *Registry) Register(s Session) (superseded *Session) {
	r.mu.Lock()
	prev, ok := r.sessions[s.AgentID]
	r.sessions[s.AgentID] = s
	n := len(r.sessions)
	r.mu.Unlock()

	r.notify(n)
	if ok && prev.Conn != s.Conn {
		prev.Conn.Close("superseded by a new connection")
		return &prev
	}
	return nil
}

// Lookup returns the current session of an agent.
func (r *Registry) Lookup(agentID string) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[agentID]
	return s, ok
}

// Unregister removes an agent's session regardless of which connection it
// holds.
func (r *Registry) Unregister(agentID string) {
	r.mu.Lock()
	delete(r.sessions, agentID)
	n := len(r.sessions)
	r.mu.Unlock()
	r.notify(n)
}

// Release removes the agent's session only if conn is still the current one.
// It reports whether the entry was removed. A connection that was superseded
// calls Release on disconnect without evicting its successor.
func (r *Registry) Release(agentID string, conn Conn) bool {
	r.mu.Lock()
	s, ok := r.sessions[agentID]
	if !ok || s.Conn != conn {
		r.mu.Unlock()
		return false
	}
	delete(r.sessions, agentID)
	n := len(r.sessions)
	r.mu.Unlock()
	r.notify(n)
	return true
}

// ListOnline returns the identities of all connected agents, sorted.
func (r *Registry) ListOnline() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// IsOnline reports whether an agent has a live session.
func (r *Registry) IsOnline(agentID string) bool {
	_, ok := r.Lookup(agentID)
	return ok
}

func (r *Registry) notify(n int) {
	if r.onChange != nil {
		r.onChange(n)
	}
}
