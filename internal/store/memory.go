package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/driftline/spotwatch/internal/models"
)

// Memory keeps every record in process. It backs tests and single-node dev runs.
type Memory struct {
	mu          sync.RWMutex
	agents      map[string]models.Agent
	snapshots   map[snapshotKey]models.PricingSnapshot
	commands    map[string]models.Command
	assessments []models.RiskAssessment
	standby     map[string]models.StandbyInstance
}

type snapshotKey struct {
	poolID string
	bucket int64
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		agents:    make(map[string]models.Agent),
		snapshots: make(map[snapshotKey]models.PricingSnapshot),
		commands:  make(map[string]models.Command),
		standby:   make(map[string]models.StandbyInstance),
	}
}

func (m *Memory) UpsertAgent(_ context.Context, agent models.Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.agents[agent.ID] = agent
	return nil
}

func (m *Memory) ListAgents(context.Context) ([]models.Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Agent, 0, len(m.agents))
	for _, a := range m.agents {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].LogicalID != out[j].LogicalID {
			return out[i].LogicalID < out[j].LogicalID
		}
		return out[i].Generation < out[j].Generation
	})
	return out, nil
}

func (m *Memory) UpsertSnapshot(_ context.Context, snapshot models.PricingSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots[snapshotKey{snapshot.PoolID, snapshot.BucketStart.UnixNano()}] = snapshot
	return nil
}

func (m *Memory) ListSnapshots(_ context.Context, poolID string, from, to time.Time) ([]models.PricingSnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.PricingSnapshot, 0)
	for key, snap := range m.snapshots {
		if key.poolID != poolID || snap.BucketStart.Before(from) || snap.BucketStart.After(to) {
			continue
		}
		out = append(out, snap)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BucketStart.Before(out[j].BucketStart) })
	return out, nil
}

func (m *Memory) UpsertCommand(_ context.Context, cmd models.Command) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.commands[cmd.ID] = cloneCommand(cmd)
	return nil
}

func (m *Memory) GetCommand(_ context.Context, id string) (models.Command, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cmd, ok := m.commands[id]
	if !ok {
		return models.Command{}, ErrNotFound
	}
	return cloneCommand(cmd), nil
}

func (m *Memory) ListCommands(_ context.Context, filter CommandFilter) ([]models.Command, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Command, 0)
	for _, cmd := range m.commands {
		if filter.matches(cmd) {
			out = append(out, cloneCommand(cmd))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].RetryCount < out[j].RetryCount
	})
	return out, nil
}

func (m *Memory) InsertAssessment(_ context.Context, assessment models.RiskAssessment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.assessments {
		if existing.AgentID == assessment.AgentID && existing.ProducedAt.Equal(assessment.ProducedAt) {
			return nil
		}
	}
	m.assessments = append(m.assessments, assessment)
	return nil
}

// ListAssessments returns the newest assessments first.
func (m *Memory) ListAssessments(_ context.Context, agentID string, limit int) ([]models.RiskAssessment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.RiskAssessment, 0)
	for i := len(m.assessments) - 1; i >= 0; i-- {
		if agentID != "" && m.assessments[i].AgentID != agentID {
			continue
		}
		out = append(out, m.assessments[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *Memory) UpsertStandby(_ context.Context, instance models.StandbyInstance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.standby[instance.ID] = instance
	return nil
}

func (m *Memory) ListStandby(context.Context) ([]models.StandbyInstance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.StandbyInstance, 0, len(m.standby))
	for _, s := range m.standby {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) Close() error { return nil }

func cloneCommand(cmd models.Command) models.Command {
	if cmd.Health != nil {
		h := *cmd.Health
		cmd.Health = &h
	}
	return cmd
}
