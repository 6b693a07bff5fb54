package registry

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/edvin/dbvault/internal/protocol"
)

// Observers holds the frontend connections of each user. Agent events are
// re-broadcast to the observers of the agent's owner.
type Observers struct {
	mu     sync.RWMutex
	byUser map[string]map[Conn]struct{}
	logger zerolog.Logger
}

func NewObservers(logger zerolog.Logger) *Observers {
	return &Observers{
		byUser: make(map[string]map[Conn]struct{}),
		logger: logger.With().Str("component", "observers").Logger(),
	}
}

// Add registers conn as an observer of userID.
func (o *Observers) Add(userID string, conn Conn) {
	o.mu.Lock()
	defer o.mu.Unlock()
	set, ok := o.byUser[userID]
	if !ok {
		set = make(map[Conn]struct{})
		o.byUser[userID] = set
	}
	set[conn] = struct{}{}
}

// Remove drops conn from the observers of userID.
func (o *Observers) Remove(userID string, conn Conn) {
	o.mu.Lock()
	defer o.mu.Unlock()
	set := o.byUser[userID]
	delete(set, conn)
	if len(set) == 0 {
		delete(o.byUser, userID)
	}
}

// Count returns the number of observers of userID.
func (o *Observers) Count(userID string) int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.byUser[userID])
}

// Broadcast sends env to every observer of userID. Send failures are logged;
// a dead observer is cleaned up by its own read loop.
func (o *Observers) Broadcast(ctx context.Context, userID string, env protocol.Envelope) {
	o.mu.RLock()
	conns := make([]Conn, 0, len(o.byUser[userID]))
	for c := range o.byUser[userID] {
		conns = append(conns, c)
	}
	o.mu.RUnlock()

	for _, c := range conns {
		if err := c.Send(ctx, env); err != nil {
			o.logger.Debug().Err(err).Str("user_id", userID).Str("event", env.Type).Msg("broadcast to observer failed")
		}
	}
}
