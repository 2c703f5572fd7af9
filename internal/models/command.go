package models

import "time"

// CommandKind enumerates migration actions.
type CommandKind string

const (
	CommandSwitchPool        CommandKind = "switch_pool"
	CommandFailoverToStandby CommandKind = "failover_to_standby"
	CommandRollback          CommandKind = "rollback"
)

// CommandState is a node of the command lifecycle.
type CommandState string

const (
	CommandCreated      CommandState = "Created"
	CommandDispatched   CommandState = "Dispatched"
	CommandAcknowledged CommandState = "Acknowledged"
	CommandExecuting    CommandState = "Executing"
	CommandCompleted    CommandState = "Completed"
	CommandFailed       CommandState = "Failed"
	CommandTimedOut     CommandState = "TimedOut"
	CommandCancelled    CommandState = "Cancelled"
)

// Terminal reports whether no further transition may leave s.
func (s CommandState) Terminal() bool {
	switch s {
	case CommandCompleted, CommandFailed, CommandTimedOut, CommandCancelled:
		return true
	default:
		return false
	}
}

// HealthConfirmation proves new capacity booted and passed its health check.
type HealthConfirmation struct {
	BootSucceeded     bool   `json:"boot_succeeded"`
	HealthCheckPassed bool   `json:"health_check_passed"`
	InstanceID        string `json:"instance_id,omitempty"`
}

// Confirmed reports whether both checks passed.
func (h *HealthConfirmation) Confirmed() bool {
	return h != nil && h.BootSucceeded && h.HealthCheckPassed
}

// Command is one delivery attempt of a migration. Retries share CorrelationID.
type Command struct {
	ID              string              `json:"id"`
	CorrelationID   string              `json:"correlation_id"`
	AgentID         string              `json:"agent_id"`
	AgentGeneration int64               `json:"agent_generation"`
	Kind            CommandKind         `json:"kind"`
	SourcePoolID    string              `json:"source_pool_id,omitempty"`
	TargetPoolID    string              `json:"target_pool_id,omitempty"`
	State           CommandState        `json:"state"`
	RetryCount      int                 `json:"retry_count"`
	Reason          string              `json:"reason,omitempty"`
	Detail          string              `json:"detail,omitempty"`
	Progress        float64             `json:"progress"`
	Health          *HealthConfirmation `json:"health,omitempty"`
	CreatedAt       time.Time           `json:"created_at"`
	UpdatedAt       time.Time           `json:"updated_at"`
	AckDeadline     time.Time           `json:"ack_deadline"`
	Deadline        time.Time           `json:"deadline"`
}
