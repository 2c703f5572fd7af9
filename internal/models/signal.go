package models

import "time"

// SignalKind classifies a provider interruption notice.
type SignalKind string

const (
	SignalAdvisory            SignalKind = "advisory"
	SignalImminentTermination SignalKind = "imminent_termination"
	SignalHealthCheckFail     SignalKind = "health_check_fail"
)

// Hard reports whether the signal bypasses hysteresis.
func (k SignalKind) Hard() bool {
	return k == SignalImminentTermination || k == SignalHealthCheckFail
}

// InterruptionSignal is a raw interruption notice for an agent.
type InterruptionSignal struct {
	AgentID    string     `json:"agent_id"`
	PoolID     string     `json:"pool_id"`
	Kind       SignalKind `json:"kind"`
	ReceivedAt time.Time  `json:"received_at"`
}

// StandbyState is the lifecycle of pre-provisioned capacity.
type StandbyState string

const (
	StandbyProvisioning StandbyState = "provisioning"
	StandbyReady        StandbyState = "standby"
	StandbyPromoted     StandbyState = "promoted"
	StandbyRetiring     StandbyState = "retiring"
)

// StandbyInstance is failover capacity linked to an agent.
type StandbyInstance struct {
	ID        string       `json:"id"`
	AgentID   string       `json:"agent_id"`
	PoolID    string       `json:"pool_id"`
	State     StandbyState `json:"state"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
}
