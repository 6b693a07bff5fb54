package model

import "time"

// Agent is a registered backup agent. AgentID is the stable per-machine
// identity; ID is the row id.
type Agent struct {
	ID         string     `json:"id"`
	AgentID    string     `json:"agent_id"`
	UserID     string     `json:"user_id"`
	DeviceName string     `json:"device_name"`
	Hostname   string     `json:"hostname"`
	Platform   string     `json:"platform"`
	Version    string     `json:"version"`
	Status     string     `json:"status"`
	IsActive   bool       `json:"is_active"`
	LastSeen   *time.Time `json:"last_seen,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`

	// Online reflects the live connection registry, not the stored status.
	Online bool `json:"online" db:"-"`
}
