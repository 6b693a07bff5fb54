package request

// RegisterAgent is the body of POST /agents.
type RegisterAgent struct {
	AgentID    string `json:"agent_id" validate:"required,uuid"`
	DeviceName string `json:"device_name" validate:"required,max=255"`
	Hostname   string `json:"hostname" validate:"max=255"`
	Platform   string `json:"platform" validate:"required,oneof=linux darwin windows"`
	Version    string `json:"version" validate:"max=64"`
}

// AgentHeartbeat is the body of POST /agents/heartbeat.
type AgentHeartbeat struct {
	AgentID string `json:"agent_id" validate:"required,uuid"`
}
