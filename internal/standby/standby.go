// Package standby tracks the pre-provisioned failover capacity of each agent.
package standby

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/driftline/spotwatch/internal/clock"
	"github.com/driftline/spotwatch/internal/models"
	"github.com/driftline/spotwatch/internal/store"
	"github.com/driftline/spotwatch/internal/utils"
)

// ErrNoStandby is returned by Promote when the agent has no ready standby.
var ErrNoStandby = &utils.AppError{Code: utils.CodeFailedPrecondition, Op: "standby", Msg: "no ready standby"}

// Provisioner brings up standby capacity in a pool.
type Provisioner interface {
	Provision(ctx context.Context, agentID, poolID string) error
	Release(ctx context.Context, instance models.StandbyInstance) error
}

// NoopProvisioner treats capacity as ready as soon as it is requested.
type NoopProvisioner struct{}

func (NoopProvisioner) Provision(context.Context, string, string) error       { return nil }
func (NoopProvisioner) Release(context.Context, models.StandbyInstance) error { return nil }

// Manager owns at most one live standby per agent.
type Manager struct {
	store       store.Store
	provisioner Provisioner
	clock       clock.Clock
	logger      *slog.Logger

	mu      sync.Mutex
	byAgent map[string]models.StandbyInstance
}

// NewManager constructs a Manager. A nil provisioner uses NoopProvisioner.
func NewManager(st store.Store, p Provisioner, clk clock.Clock, logger *slog.Logger) *Manager {
	if st == nil {
		st = store.NewMemory()
	}
	if p == nil {
		p = NoopProvisioner{}
	}
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{store: st, provisioner: p, clock: clk, logger: logger, byAgent: make(map[string]models.StandbyInstance)}
}

// Ensure provisions standby capacity for agentID in poolID unless one is
// already provisioning or ready.
func (m *Manager) Ensure(ctx context.Context, agentID, poolID string) (models.StandbyInstance, error) {
	m.mu.Lock()
	if inst, ok := m.byAgent[agentID]; ok && (inst.State == models.StandbyReady || inst.State == models.StandbyProvisioning) {
		m.mu.Unlock()
		return inst, nil
	}
	now := m.clock.Now()
	inst := models.StandbyInstance{
		ID:        uuid.NewString(),
		AgentID:   agentID,
		PoolID:    poolID,
		State:     models.StandbyProvisioning,
		CreatedAt: now,
		UpdatedAt: now,
	}
	m.byAgent[agentID] = inst
	m.mu.Unlock()

	if err := m.store.UpsertStandby(ctx, inst); err != nil {
		return models.StandbyInstance{}, err
	}
	if err := m.provisioner.Provision(ctx, agentID, poolID); err != nil {
		m.mu.Lock()
		delete(m.byAgent, agentID)
		m.mu.Unlock()
		inst.State = models.StandbyRetiring
		inst.UpdatedAt = m.clock.Now()
		_ = m.store.UpsertStandby(ctx, inst)
		return models.StandbyInstance{}, utils.NewAppError(utils.CodeFailedPrecondition, "standby.Ensure", "provision standby for "+agentID, err)
	}
	return m.transition(ctx, agentID, inst.ID, models.StandbyReady)
}

// Promote turns the agent's ready standby into serving capacity.
func (m *Manager) Promote(ctx context.Context, agentID string) (models.StandbyInstance, error) {
	m.mu.Lock()
	inst, ok := m.byAgent[agentID]
	m.mu.Unlock()
	if !ok || inst.State != models.StandbyReady {
		return models.StandbyInstance{}, utils.NewAppError(utils.CodeFailedPrecondition, "standby.Promote", "agent "+agentID+" has no ready standby", ErrNoStandby)
	}
	promoted, err := m.transition(ctx, agentID, inst.ID, models.StandbyPromoted)
	if err != nil {
		return models.StandbyInstance{}, err
	}
	m.logger.Warn("standby promoted",
		slog.String("agent_id", agentID),
		slog.String("standby_id", promoted.ID),
		slog.String("pool_id", promoted.PoolID))
	return promoted, nil
}

// Retire releases the agent's standby, if any.
func (m *Manager) Retire(ctx context.Context, agentID string) error {
	m.mu.Lock()
	inst, ok := m.byAgent[agentID]
	m.mu.Unlock()
	if !ok {
		return nil
	}
	retired, err := m.transition(ctx, agentID, inst.ID, models.StandbyRetiring)
	if err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.byAgent, agentID)
	m.mu.Unlock()
	return m.provisioner.Release(ctx, retired)
}

// Get returns the agent's live standby.
func (m *Manager) Get(agentID string) (models.StandbyInstance, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.byAgent[agentID]
	return inst, ok
}

// Restore reloads live standby records from the store.
func (m *Manager) Restore(ctx context.Context) error {
	instances, err := m.store.ListStandby(ctx)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, inst := range instances {
		if inst.State == models.StandbyRetiring {
			continue
		}
		if cur, ok := m.byAgent[inst.AgentID]; ok && cur.UpdatedAt.After(inst.UpdatedAt) {
			continue
		}
		m.byAgent[inst.AgentID] = inst
	}
	return nil
}

func (m *Manager) transition(ctx context.Context, agentID, id string, to models.StandbyState) (models.StandbyInstance, error) {
	m.mu.Lock()
	inst, ok := m.byAgent[agentID]
	if !ok || inst.ID != id {
		m.mu.Unlock()
		return models.StandbyInstance{}, utils.NewAppError(utils.CodeConflict, "standby", "standby "+id+" was replaced", nil)
	}
	from := inst.State
	inst.State = to
	inst.UpdatedAt = m.clock.Now()
	m.byAgent[agentID] = inst
	m.mu.Unlock()

	if err := m.store.UpsertStandby(ctx, inst); err != nil {
		return models.StandbyInstance{}, err
	}
	m.logger.Debug("standby transition",
		slog.String("agent_id", agentID),
		slog.String("standby_id", id),
		slog.String("from", string(from)),
		slog.String("to", string(to)))
	return inst, nil
}
