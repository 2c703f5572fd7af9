package models

import "time"

// AgentStatus is the liveness state tracked by the registry.
type AgentStatus string

const (
	AgentRegistering AgentStatus = "registering"
	AgentOnline      AgentStatus = "online"
	AgentDegraded    AgentStatus = "degraded"
	AgentStale       AgentStatus = "stale"
	AgentOffline     AgentStatus = "offline"
)

// AgentMode says whether the agent currently serves as primary or standby capacity.
type AgentMode string

const (
	ModePrimary AgentMode = "primary"
	ModeStandby AgentMode = "standby"
)

// Agent is the registry's record for one generation of a logical agent.
type Agent struct {
	ID              string      `json:"id"`
	LogicalID       string      `json:"logical_id"`
	Generation      int64       `json:"generation"`
	Status          AgentStatus `json:"status"`
	Eligible        bool        `json:"eligible"`
	Address         string      `json:"address,omitempty"`
	CurrentPoolID   string      `json:"current_pool_id"`
	CurrentMode     AgentMode   `json:"current_mode"`
	LastHeartbeatAt time.Time   `json:"last_heartbeat_at"`
	RegisteredAt    time.Time   `json:"registered_at"`
	SupersededBy    string      `json:"superseded_by,omitempty"`
}
