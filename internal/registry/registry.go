// Package registry owns agent identity and liveness.
package registry

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/driftline/spotwatch/internal/clock"
	"github.com/driftline/spotwatch/internal/config"
	"github.com/driftline/spotwatch/internal/metrics"
	"github.com/driftline/spotwatch/internal/models"
	"github.com/driftline/spotwatch/internal/store"
	"github.com/driftline/spotwatch/internal/utils"
)

var (
	ErrAgentNotFound     = &utils.AppError{Code: utils.CodeNotFound, Op: "registry", Msg: "agent not found"}
	ErrAgentOffline      = &utils.AppError{Code: utils.CodeAgentOffline, Op: "registry", Msg: "agent is offline"}
	ErrAgentStale        = &utils.AppError{Code: utils.CodeAgentStale, Op: "registry", Msg: "agent heartbeat is stale"}
	ErrStaleGeneration   = &utils.AppError{Code: utils.CodeConflict, Op: "registry", Msg: "generation is older than the registered one"}
	ErrInvalidDescriptor = &utils.AppError{Code: utils.CodeValidation, Op: "registry", Msg: "descriptor requires logical_id and a positive generation"}
)

// Descriptor is what an agent presents when it (re)starts.
type Descriptor struct {
	LogicalID  string
	Generation int64
	Address    string
	PoolID     string
	Mode       models.AgentMode
}

// Identity is the result of a registration.
type Identity struct {
	AgentID    string
	LogicalID  string
	Generation int64
	// Superseded is the id of the older generation retired by this registration, if any.
	Superseded string
}

// State is the payload of a heartbeat.
type State struct {
	PoolID  string
	Mode    models.AgentMode
	Healthy bool
}

// SupersedeFunc is invoked after an agent generation loses eligibility, outside
// the registry lock.
type SupersedeFunc func(ctx context.Context, retired models.Agent, reason string)

// Registry tracks every agent generation. Records are never deleted; retired
// generations stay for history with Eligible=false.
type Registry struct {
	mu      sync.RWMutex
	agents  map[string]*models.Agent
	current map[string]string

	window      time.Duration
	sweepEvery  time.Duration
	store       store.Store
	clock       clock.Clock
	logger      *slog.Logger
	onSupersede []SupersedeFunc
}

// New constructs a Registry. Nil store, clock or logger fall back to memory, real time and slog.Default.
func New(cfg config.RegistryConfig, st store.Store, clk clock.Clock, logger *slog.Logger) *Registry {
	if st == nil {
		st = store.NewMemory()
	}
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.HeartbeatWindow <= 0 {
		cfg.HeartbeatWindow = 30 * time.Second
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = cfg.HeartbeatWindow / 3
	}
	return &Registry{
		agents:     make(map[string]*models.Agent),
		current:    make(map[string]string),
		window:     cfg.HeartbeatWindow,
		sweepEvery: cfg.SweepInterval,
		store:      st,
		clock:      clk,
		logger:     logger,
	}
}

// OnSupersede registers a hook called when a generation is superseded or deregistered.
func (r *Registry) OnSupersede(fn SupersedeFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onSupersede = append(r.onSupersede, fn)
}

// Register is idempotent on logical_id. The highest generation always wins:
// an equal generation returns the existing identity, a newer one retires the
// old record, an older one is refused.
func (r *Registry) Register(ctx context.Context, d Descriptor) (Identity, error) {
	d.LogicalID = strings.TrimSpace(d.LogicalID)
	if d.LogicalID == "" || d.Generation <= 0 {
		return Identity{}, ErrInvalidDescriptor
	}
	if d.Mode == "" {
		d.Mode = models.ModePrimary
	}
	now := r.clock.Now()

	r.mu.Lock()
	var retired *models.Agent
	if id, ok := r.current[d.LogicalID]; ok {
		existing := r.agents[id]
		switch {
		case d.Generation < existing.Generation:
			r.mu.Unlock()
			return Identity{}, ErrStaleGeneration
		case d.Generation == existing.Generation:
			if !existing.Eligible {
				r.mu.Unlock()
				return Identity{}, ErrAgentOffline
			}
			if d.Address != "" {
				existing.Address = d.Address
			}
			snapshot := *existing
			r.persist(ctx, snapshot)
			r.mu.Unlock()
			return Identity{AgentID: snapshot.ID, LogicalID: snapshot.LogicalID, Generation: snapshot.Generation}, nil
		default:
			existing.Status = models.AgentOffline
			existing.Eligible = false
			retired = existing
		}
	}

	agent := &models.Agent{
		ID:              uuid.NewString(),
		LogicalID:       d.LogicalID,
		Generation:      d.Generation,
		Status:          models.AgentRegistering,
		Eligible:        true,
		Address:         d.Address,
		CurrentPoolID:   d.PoolID,
		CurrentMode:     d.Mode,
		LastHeartbeatAt: now,
		RegisteredAt:    now,
	}
	r.agents[agent.ID] = agent
	r.current[d.LogicalID] = agent.ID

	identity := Identity{AgentID: agent.ID, LogicalID: agent.LogicalID, Generation: agent.Generation}
	var retiredCopy models.Agent
	if retired != nil {
		retired.SupersededBy = agent.ID
		retiredCopy = *retired
		identity.Superseded = retired.ID
	}
	created := *agent
	hooks := append([]SupersedeFunc(nil), r.onSupersede...)
	if retired != nil {
		r.persist(ctx, retiredCopy)
	}
	r.persist(ctx, created)
	r.publishCountsLocked()
	r.mu.Unlock()

	if retired != nil {
		r.logger.Info("agent generation superseded",
			slog.String("logical_id", d.LogicalID),
			slog.String("retired_agent", retiredCopy.ID),
			slog.Int64("retired_generation", retiredCopy.Generation),
			slog.String("agent_id", created.ID),
			slog.Int64("generation", created.Generation))
		for _, hook := range hooks {
			hook(ctx, retiredCopy, "superseded")
		}
	} else {
		r.logger.Info("agent registered", slog.String("agent_id", created.ID), slog.String("logical_id", d.LogicalID))
	}
	return identity, nil
}

// Heartbeat records liveness and the agent's reported placement.
func (r *Registry) Heartbeat(ctx context.Context, agentID string, state State) (models.Agent, error) {
	now := r.clock.Now()

	r.mu.Lock()
	agent, ok := r.agents[agentID]
	if !ok {
		r.mu.Unlock()
		return models.Agent{}, ErrAgentNotFound
	}
	if !agent.Eligible {
		r.mu.Unlock()
		return models.Agent{}, ErrAgentOffline
	}
	previous := agent.Status
	agent.LastHeartbeatAt = now
	if state.PoolID != "" {
		agent.CurrentPoolID = state.PoolID
	}
	if state.Mode != "" {
		agent.CurrentMode = state.Mode
	}
	if state.Healthy {
		agent.Status = models.AgentOnline
	} else {
		agent.Status = models.AgentDegraded
	}
	updated := *agent
	if previous != updated.Status {
		r.publishCountsLocked()
	}
	r.persist(ctx, updated)
	r.mu.Unlock()

	if previous != updated.Status {
		r.logger.Debug("agent status changed",
			slog.String("agent_id", agentID),
			slog.String("from", string(previous)),
			slog.String("to", string(updated.Status)))
	}
	return updated, nil
}

// Deregister removes future eligibility but keeps the record.
func (r *Registry) Deregister(ctx context.Context, agentID string) error {
	r.mu.Lock()
	agent, ok := r.agents[agentID]
	if !ok {
		r.mu.Unlock()
		return ErrAgentNotFound
	}
	wasEligible := agent.Eligible
	agent.Eligible = false
	agent.Status = models.AgentOffline
	retired := *agent
	hooks := append([]SupersedeFunc(nil), r.onSupersede...)
	r.persist(ctx, retired)
	r.publishCountsLocked()
	r.mu.Unlock()

	if wasEligible {
		r.logger.Info("agent deregistered", slog.String("agent_id", agentID))
		for _, hook := range hooks {
			hook(ctx, retired, "deregistered")
		}
	}
	return nil
}

// Transition is a status change applied by Sweep.
type Transition struct {
	AgentID string
	From    models.AgentStatus
	To      models.AgentStatus
}

// Sweep demotes agents that missed heartbeats: past W to stale, past 3W to offline.
func (r *Registry) Sweep(ctx context.Context, now time.Time) []Transition {
	r.mu.Lock()
	var (
		transitions []Transition
		changed     []models.Agent
	)
	for _, agent := range r.agents {
		if !agent.Eligible || agent.Status == models.AgentOffline {
			continue
		}
		silence := now.Sub(agent.LastHeartbeatAt)
		next := agent.Status
		switch {
		case silence > 3*r.window:
			next = models.AgentOffline
		case silence > r.window:
			next = models.AgentStale
		}
		if next == agent.Status {
			continue
		}
		transitions = append(transitions, Transition{AgentID: agent.ID, From: agent.Status, To: next})
		agent.Status = next
		r.persist(ctx, *agent)
		changed = append(changed, *agent)
	}
	if len(changed) > 0 {
		r.publishCountsLocked()
	}
	r.mu.Unlock()

	for _, agent := range changed {
		r.logger.Warn("agent missed heartbeats",
			slog.String("agent_id", agent.ID),
			slog.String("status", string(agent.Status)),
			slog.Time("last_heartbeat_at", agent.LastHeartbeatAt))
	}
	sort.Slice(transitions, func(i, j int) bool { return transitions[i].AgentID < transitions[j].AgentID })
	return transitions
}

// Run sweeps on a ticker until ctx is cancelled.
func (r *Registry) Run(ctx context.Context) {
	ticker := r.clock.NewTicker(r.sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep(ctx, r.clock.Now())
		}
	}
}

// Get returns a copy of the agent record.
func (r *Registry) Get(agentID string) (models.Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	agent, ok := r.agents[agentID]
	if !ok {
		return models.Agent{}, ErrAgentNotFound
	}
	return *agent, nil
}

// Current returns the live generation for a logical id.
func (r *Registry) Current(logicalID string) (models.Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.current[logicalID]
	if !ok {
		return models.Agent{}, ErrAgentNotFound
	}
	return *r.agents[id], nil
}

// List returns every known generation ordered by logical id then generation.
func (r *Registry) List() []models.Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.Agent, 0, len(r.agents))
	for _, agent := range r.agents {
		out = append(out, *agent)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].LogicalID != out[j].LogicalID {
			return out[i].LogicalID < out[j].LogicalID
		}
		return out[i].Generation < out[j].Generation
	})
	return out
}

// Active returns agents that are still eligible, regardless of liveness.
func (r *Registry) Active() []models.Agent {
	all := r.List()
	out := all[:0]
	for _, agent := range all {
		if agent.Eligible {
			out = append(out, agent)
		}
	}
	return out
}

// Eligible reports whether the agent can be trusted with commands. Stale and
// offline agents return the matching error so callers can downgrade trust.
func (r *Registry) Eligible(agentID string) error {
	agent, err := r.Get(agentID)
	if err != nil {
		return err
	}
	switch {
	case !agent.Eligible, agent.Status == models.AgentOffline:
		return ErrAgentOffline
	case agent.Status == models.AgentStale, agent.Status == models.AgentRegistering:
		return ErrAgentStale
	default:
		return nil
	}
}

// UpdatePlacement records where the agent now runs after a completed migration.
func (r *Registry) UpdatePlacement(ctx context.Context, agentID, poolID string, mode models.AgentMode) error {
	r.mu.Lock()
	agent, ok := r.agents[agentID]
	if !ok {
		r.mu.Unlock()
		return ErrAgentNotFound
	}
	if poolID != "" {
		agent.CurrentPoolID = poolID
	}
	if mode != "" {
		agent.CurrentMode = mode
	}
	r.persist(ctx, *agent)
	r.mu.Unlock()
	return nil
}

// Restore reloads agent records from the store, rebuilding the logical-id index
// with the highest generation per logical id.
func (r *Registry) Restore(ctx context.Context) error {
	agents, err := r.store.ListAgents(ctx)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range agents {
		agent := agents[i]
		r.agents[agent.ID] = &agent
		if id, ok := r.current[agent.LogicalID]; !ok || r.agents[id].Generation < agent.Generation {
			r.current[agent.LogicalID] = agent.ID
		}
	}
	// Only the highest generation of a logical id may stay eligible.
	for id, agent := range r.agents {
		if r.current[agent.LogicalID] == id || !agent.Eligible {
			continue
		}
		agent.Eligible = false
		agent.Status = models.AgentOffline
		if agent.SupersededBy == "" {
			agent.SupersededBy = r.current[agent.LogicalID]
		}
		r.persist(ctx, *agent)
	}
	r.publishCountsLocked()
	return nil
}

// persist writes agent to the store. Callers hold r.mu so writes reach the
// store in the same order as the in-memory transitions.
func (r *Registry) persist(ctx context.Context, agent models.Agent) {
	if err := r.store.UpsertAgent(ctx, agent); err != nil {
		r.logger.Error("persist agent failed", slog.String("agent_id", agent.ID), slog.Any("error", err))
	}
}

func (r *Registry) publishCountsLocked() {
	counts := map[string]int{}
	for _, agent := range r.agents {
		if agent.Eligible {
			counts[string(agent.Status)]++
		}
	}
	metrics.SetAgentCounts(counts)
}
