// Package monitor runs the per-agent escalation state machine that turns risk
// assessments and interruption signals into migration commands.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/driftline/spotwatch/internal/clock"
	"github.com/driftline/spotwatch/internal/commands"
	"github.com/driftline/spotwatch/internal/config"
	"github.com/driftline/spotwatch/internal/engine"
	"github.com/driftline/spotwatch/internal/inference"
	"github.com/driftline/spotwatch/internal/metrics"
	"github.com/driftline/spotwatch/internal/models"
	"github.com/driftline/spotwatch/internal/store"
	"github.com/driftline/spotwatch/internal/utils"
)

// Level is the escalation level of one agent.
type Level string

const (
	LevelNormal    Level = "Normal"
	LevelWatch     Level = "Watch"
	LevelCritical  Level = "Critical"
	LevelEmergency Level = "Emergency"
)

func (l Level) rank() int {
	switch l {
	case LevelWatch:
		return 1
	case LevelCritical:
		return 2
	case LevelEmergency:
		return 3
	default:
		return 0
	}
}

// AgentSource is the subset of the registry the monitor reads. Eligible
// returns nil for agents trusted with commands, an AgentOffline error for
// agents that are gone and an AgentStale error for agents that missed
// heartbeats.
type AgentSource interface {
	Get(agentID string) (models.Agent, error)
	Active() []models.Agent
	Eligible(agentID string) error
}

// SnapshotSource serves the latest finalized snapshot of a pool.
type SnapshotSource interface {
	GetLatestSnapshot(ctx context.Context, poolID string) (models.PricingSnapshot, error)
}

// FeatureComputer derives feature vectors.
type FeatureComputer interface {
	ComputeFeatures(in engine.FeatureInput) (models.FeatureVector, error)
}

// Predictor scores feature vectors with the active model.
type Predictor interface {
	Predict(ctx context.Context, fv models.FeatureVector) (inference.Prediction, error)
}

// Recommender maps a score and features to a recommendation.
type Recommender interface {
	Recommend(risk float64, fv models.FeatureVector) models.Recommendation
}

// Commander issues commands and reports outstanding ones.
type Commander interface {
	Create(ctx context.Context, req commands.Request) (models.Command, error)
	Outstanding(agentID string) (models.Command, bool)
}

// StandbyPromoter promotes an agent's standby capacity.
type StandbyPromoter interface {
	Promote(ctx context.Context, agentID string) (models.StandbyInstance, error)
}

// Options bundles the monitor's collaborators.
type Options struct {
	Agents      AgentSource
	Snapshots   SnapshotSource
	Features    FeatureComputer
	Predictor   Predictor
	Recommender Recommender
	Commands    Commander
	Standby     StandbyPromoter
	Catalog     *engine.Catalog
	Store       store.Store
	Clock       clock.Clock
	Logger      *slog.Logger
}

// Evaluation is the outcome of one Evaluate call.
type Evaluation struct {
	AgentID       string                      `json:"agent_id"`
	Previous      Level                       `json:"previous"`
	Level         Level                       `json:"level"`
	Assessment    *models.RiskAssessment      `json:"assessment,omitempty"`
	Degraded      bool                        `json:"degraded"`
	Signals       []models.InterruptionSignal `json:"signals,omitempty"`
	Command       *models.Command             `json:"command,omitempty"`
	Unrecoverable bool                        `json:"unrecoverable"`
}

// Status is a read-only view of an agent's escalation state.
type Status struct {
	Level         Level     `json:"level"`
	Breaches      int       `json:"breaches"`
	HardBreaches  int       `json:"hard_breaches"`
	Calm          int       `json:"calm"`
	Unrecoverable bool      `json:"unrecoverable"`
	LastCommandAt time.Time `json:"last_command_at"`
}

type agentState struct {
	mu             sync.Mutex
	level          Level
	breaches       int
	hardBreaches   int
	calm           int
	signals        []models.InterruptionSignal
	lastAssessment time.Time
	lastCommandAt  time.Time
	criticalSince  time.Time
	failoverIssued bool
	unrecoverable  bool
}

type action int

const (
	actNone action = iota
	actSwitch
	actFailover
)

// Monitor evaluates every eligible agent on a timer and on interruption signals.
type Monitor struct {
	cfg  config.MonitorConfig
	opts Options

	clock  clock.Clock
	logger *slog.Logger

	mu     sync.Mutex
	agents map[string]*agentState
}

// New constructs a Monitor.
func New(cfg config.MonitorConfig, opts Options) *Monitor {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Store == nil {
		opts.Store = store.NewMemory()
	}
	if cfg.Hysteresis < 1 {
		cfg.Hysteresis = 1
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	return &Monitor{
		cfg:    cfg,
		opts:   opts,
		clock:  opts.Clock,
		logger: opts.Logger,
		agents: make(map[string]*agentState),
	}
}

// Status returns the escalation state of agentID.
func (m *Monitor) Status(agentID string) Status {
	st := m.state(agentID)
	st.mu.Lock()
	defer st.mu.Unlock()
	return Status{
		Level:         st.level,
		Breaches:      st.breaches,
		HardBreaches:  st.hardBreaches,
		Calm:          st.calm,
		Unrecoverable: st.unrecoverable,
		LastCommandAt: st.lastCommandAt,
	}
}

// Evaluate assesses one agent, advances its state machine and issues a
// command when the new state calls for one.
func (m *Monitor) Evaluate(ctx context.Context, agentID string) (Evaluation, error) {
	agent, err := m.opts.Agents.Get(agentID)
	if err != nil {
		return Evaluation{}, err
	}
	now := m.clock.Now()
	snaps := m.familySnapshots(ctx, agent.CurrentPoolID)

	assessment, assessErr := m.assess(ctx, agent, snaps, now)
	if assessErr != nil {
		m.logger.Debug("assessment unavailable",
			slog.String("agent_id", agentID),
			slog.String("pool_id", agent.CurrentPoolID),
			slog.Any("error", assessErr))
	}

	st := m.state(agentID)
	st.mu.Lock()
	ev, act := m.stepLocked(st, agent, assessment, now)
	st.mu.Unlock()

	switch act {
	case actSwitch:
		m.switchIfEligible(ctx, st, agent, snaps, &ev)
	case actFailover:
		m.failover(ctx, st, agent, "emergency", &ev)
	}
	return ev, nil
}

// EvaluateAll evaluates every active agent with bounded concurrency.
func (m *Monitor) EvaluateAll(ctx context.Context) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.cfg.Concurrency)
	for _, agent := range m.opts.Agents.Active() {
		id := agent.ID
		g.Go(func() error {
			if _, err := m.Evaluate(gctx, id); err != nil {
				m.logger.Warn("agent evaluation failed", slog.String("agent_id", id), slog.Any("error", err))
			}
			return nil
		})
	}
	_ = g.Wait()
}

// Run evaluates all agents every interval until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := m.clock.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.EvaluateAll(ctx)
		}
	}
}

// HandleSignal records an interruption signal and evaluates the agent at once.
func (m *Monitor) HandleSignal(ctx context.Context, sig models.InterruptionSignal) (Evaluation, error) {
	if sig.ReceivedAt.IsZero() {
		sig.ReceivedAt = m.clock.Now()
	}
	st := m.state(sig.AgentID)
	st.mu.Lock()
	st.signals = append(st.signals, sig)
	st.mu.Unlock()

	m.logger.Info("interruption signal received",
		slog.String("agent_id", sig.AgentID),
		slog.String("pool_id", sig.PoolID),
		slog.String("kind", string(sig.Kind)))
	return m.Evaluate(ctx, sig.AgentID)
}

// OnDeliveryFailure is the command tracker's escalation hook: the agent goes
// to Emergency and its standby is promoted.
func (m *Monitor) OnDeliveryFailure(ctx context.Context, last models.Command) {
	st := m.state(last.AgentID)
	st.mu.Lock()
	m.setLevelLocked(st, last.AgentID, LevelEmergency, m.clock.Now())
	st.mu.Unlock()

	ev := Evaluation{AgentID: last.AgentID, Level: LevelEmergency}
	if last.Kind == models.CommandFailoverToStandby {
		m.markUnrecoverable(st, last.AgentID, fmt.Errorf("failover command %s exhausted its retries", last.CorrelationID))
		return
	}
	agent, err := m.opts.Agents.Get(last.AgentID)
	if err != nil {
		agent = models.Agent{ID: last.AgentID, Generation: last.AgentGeneration, CurrentPoolID: last.SourcePoolID}
	}
	m.failover(ctx, st, agent, "delivery failure of "+last.CorrelationID, &ev)
}

// OnCommandCompleted resets the agent once a migration has landed.
func (m *Monitor) OnCommandCompleted(_ context.Context, cmd models.Command) {
	st := m.state(cmd.AgentID)
	st.mu.Lock()
	defer st.mu.Unlock()
	m.setLevelLocked(st, cmd.AgentID, LevelNormal, m.clock.Now())
	st.breaches = 0
	st.hardBreaches = 0
	st.calm = 0
	st.unrecoverable = false
}

func (m *Monitor) state(agentID string) *agentState {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.agents[agentID]
	if !ok {
		st = &agentState{level: LevelNormal, lastAssessment: m.clock.Now()}
		m.agents[agentID] = st
	}
	return st
}

// stepLocked consumes pending signals, applies hysteresis and decides the action.
// Only evaluations at or above the hard threshold count toward Critical; a
// soft-band evaluation keeps the agent in Watch and resets that streak.
func (m *Monitor) stepLocked(st *agentState, agent models.Agent, assessment *models.RiskAssessment, now time.Time) (Evaluation, action) {
	ev := Evaluation{AgentID: agent.ID, Previous: st.level, Assessment: assessment}
	ev.Signals, st.signals = st.signals, nil

	hard, critical, soft, emergency := false, false, false, false
	for _, sig := range ev.Signals {
		if sig.Kind.Hard() {
			hard = true
		} else {
			soft = true
		}
	}
	if assessment != nil {
		st.lastAssessment = now
		switch {
		case assessment.Recommendation == models.RecommendEmergencyFailover:
			emergency = true
		case assessment.RiskScore >= m.cfg.HardThreshold, assessment.Recommendation == models.RecommendSwitch:
			critical = true
		case assessment.RiskScore >= m.cfg.SoftThreshold:
			soft = true
		}
	}
	heartbeatQuiet := m.cfg.MaxQuiet > 0 && now.Sub(agent.LastHeartbeatAt) > m.cfg.MaxQuiet
	assessmentQuiet := m.cfg.MaxQuiet > 0 && now.Sub(st.lastAssessment) > m.cfg.MaxQuiet
	if heartbeatQuiet || assessmentQuiet {
		ev.Degraded = true
		critical = true
	}

	switch {
	case emergency:
		st.breaches++
		st.hardBreaches++
		st.calm = 0
		m.setLevelLocked(st, agent.ID, LevelEmergency, now)
	case hard:
		st.breaches++
		st.hardBreaches++
		st.calm = 0
		if st.level.rank() < LevelCritical.rank() {
			m.setLevelLocked(st, agent.ID, LevelCritical, now)
		}
	case critical:
		st.breaches++
		st.hardBreaches++
		st.calm = 0
		if st.level == LevelNormal {
			m.setLevelLocked(st, agent.ID, LevelWatch, now)
		}
		if st.level == LevelWatch && st.hardBreaches >= m.cfg.Hysteresis {
			m.setLevelLocked(st, agent.ID, LevelCritical, now)
		}
	case soft:
		st.breaches++
		st.hardBreaches = 0
		st.calm = 0
		if st.level == LevelNormal {
			m.setLevelLocked(st, agent.ID, LevelWatch, now)
		}
	default:
		st.breaches = 0
		st.hardBreaches = 0
		st.calm++
		if st.level != LevelNormal && !st.unrecoverable && st.calm >= m.cfg.Hysteresis {
			m.setLevelLocked(st, agent.ID, LevelNormal, now)
		}
	}

	ev.Level = st.level
	ev.Unrecoverable = st.unrecoverable
	if st.unrecoverable {
		return ev, actNone
	}
	if _, busy := m.opts.Commands.Outstanding(agent.ID); busy {
		return ev, actNone
	}
	switch st.level {
	case LevelCritical:
		if !hard && !st.lastCommandAt.IsZero() && now.Sub(st.lastCommandAt) < m.cfg.Cooldown {
			return ev, actNone
		}
		return ev, actSwitch
	case LevelEmergency:
		if !st.failoverIssued {
			return ev, actFailover
		}
	}
	return ev, actNone
}

func (m *Monitor) setLevelLocked(st *agentState, agentID string, to Level, now time.Time) {
	from := st.level
	if from == to {
		return
	}
	st.level = to
	switch to {
	case LevelCritical:
		st.criticalSince = now
	case LevelNormal:
		st.criticalSince = time.Time{}
		st.failoverIssued = false
	}
	metrics.MonitorTransition(string(from), string(to))
	m.logger.Info("monitor level changed",
		slog.String("agent_id", agentID),
		slog.String("from", string(from)),
		slog.String("to", string(to)))
}

// switchIfEligible sends a switch only to an agent the registry trusts. An
// offline agent cannot migrate itself, so it goes straight to its standby.
// A stale agent gets nothing until it heartbeats again or goes offline.
func (m *Monitor) switchIfEligible(ctx context.Context, st *agentState, agent models.Agent, snaps map[string]models.PricingSnapshot, ev *Evaluation) {
	err := m.opts.Agents.Eligible(agent.ID)
	switch {
	case err == nil:
		m.switchPool(ctx, st, agent, snaps, ev)
	case errors.Is(err, utils.ErrAgentOffline):
		st.mu.Lock()
		m.setLevelLocked(st, agent.ID, LevelEmergency, m.clock.Now())
		issued := st.failoverIssued
		st.mu.Unlock()
		ev.Level = LevelEmergency
		if !issued {
			m.failover(ctx, st, agent, "agent offline", ev)
		}
	default:
		m.logger.Warn("switch withheld from ineligible agent",
			slog.String("agent_id", agent.ID),
			slog.String("status", string(agent.Status)),
			slog.Any("error", err))
	}
}

// switchPool moves the agent to the least risky sibling, or escalates to
// Emergency once no target has appeared within the emergency budget.
func (m *Monitor) switchPool(ctx context.Context, st *agentState, agent models.Agent, snaps map[string]models.PricingSnapshot, ev *Evaluation) {
	target, siblings := m.pickTarget(ctx, agent, snaps)
	now := m.clock.Now()
	if target == "" {
		st.mu.Lock()
		expired := siblings == 0 || now.Sub(st.criticalSince) >= m.cfg.EmergencyBudget
		if expired && st.level == LevelCritical {
			m.setLevelLocked(st, agent.ID, LevelEmergency, now)
			ev.Level = LevelEmergency
		}
		st.mu.Unlock()
		if !expired {
			m.logger.Warn("no eligible target pool yet",
				slog.String("agent_id", agent.ID),
				slog.String("pool_id", agent.CurrentPoolID))
			return
		}
		m.failover(ctx, st, agent, "no eligible target pool", ev)
		return
	}

	cmd, err := m.opts.Commands.Create(ctx, commands.Request{
		AgentID:         agent.ID,
		AgentGeneration: agent.Generation,
		Kind:            models.CommandSwitchPool,
		SourcePoolID:    agent.CurrentPoolID,
		TargetPoolID:    target,
		Reason:          reasonFor(ev),
	})
	if err != nil {
		m.logger.Warn("switch command not issued", slog.String("agent_id", agent.ID), slog.Any("error", err))
		return
	}
	st.mu.Lock()
	st.lastCommandAt = now
	st.mu.Unlock()
	ev.Command = &cmd
}

// failover promotes the standby and points the agent at it. Failure to
// promote marks the agent unrecoverable.
func (m *Monitor) failover(ctx context.Context, st *agentState, agent models.Agent, reason string, ev *Evaluation) {
	if m.opts.Standby == nil {
		m.markUnrecoverable(st, agent.ID, errors.New("no standby manager configured"))
		ev.Unrecoverable = true
		return
	}
	inst, err := m.opts.Standby.Promote(ctx, agent.ID)
	if err != nil {
		m.markUnrecoverable(st, agent.ID, err)
		ev.Unrecoverable = true
		return
	}

	st.mu.Lock()
	st.failoverIssued = true
	st.lastCommandAt = m.clock.Now()
	st.mu.Unlock()

	cmd, err := m.opts.Commands.Create(ctx, commands.Request{
		AgentID:         agent.ID,
		AgentGeneration: agent.Generation,
		Kind:            models.CommandFailoverToStandby,
		SourcePoolID:    agent.CurrentPoolID,
		TargetPoolID:    inst.PoolID,
		Reason:          reason,
	})
	if err != nil {
		m.logger.Error("failover command not issued",
			slog.String("agent_id", agent.ID),
			slog.String("standby_id", inst.ID),
			slog.Any("error", err))
		return
	}
	ev.Command = &cmd
}

func (m *Monitor) markUnrecoverable(st *agentState, agentID string, cause error) {
	st.mu.Lock()
	already := st.unrecoverable
	st.unrecoverable = true
	st.mu.Unlock()
	if already {
		return
	}
	metrics.Escalation("unrecoverable")
	m.logger.Error("agent unrecoverable, manual intervention required",
		slog.String("agent_id", agentID),
		slog.Any("error", cause))
}

// familySnapshots loads the latest snapshot of poolID and its siblings.
// Pools without a fresh snapshot are left out.
func (m *Monitor) familySnapshots(ctx context.Context, poolID string) map[string]models.PricingSnapshot {
	out := make(map[string]models.PricingSnapshot)
	if poolID == "" {
		return out
	}
	ids := []string{poolID}
	for _, sib := range m.opts.Catalog.Siblings(poolID) {
		ids = append(ids, sib.ID)
	}
	for _, id := range ids {
		snap, err := m.opts.Snapshots.GetLatestSnapshot(ctx, id)
		if err != nil {
			continue
		}
		out[id] = snap
	}
	return out
}

func (m *Monitor) scorePool(ctx context.Context, poolID string, snaps map[string]models.PricingSnapshot) (models.FeatureVector, inference.Prediction, error) {
	snap, ok := snaps[poolID]
	if !ok {
		return models.FeatureVector{}, inference.Prediction{}, fmt.Errorf("no fresh snapshot for pool %s", poolID)
	}
	ids := make([]string, 0, len(snaps))
	for id := range snaps {
		if id != poolID {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	siblings := make([]models.PricingSnapshot, 0, len(ids))
	for _, id := range ids {
		siblings = append(siblings, snaps[id])
	}
	fv, err := m.opts.Features.ComputeFeatures(engine.FeatureInput{Snapshot: snap, Siblings: siblings})
	if err != nil {
		return models.FeatureVector{}, inference.Prediction{}, err
	}
	pred, err := m.opts.Predictor.Predict(ctx, fv)
	if err != nil {
		return models.FeatureVector{}, inference.Prediction{}, err
	}
	return fv, pred, nil
}

func (m *Monitor) assess(ctx context.Context, agent models.Agent, snaps map[string]models.PricingSnapshot, now time.Time) (*models.RiskAssessment, error) {
	fv, pred, err := m.scorePool(ctx, agent.CurrentPoolID, snaps)
	if err != nil {
		return nil, err
	}
	rec := models.RecommendHold
	if m.opts.Recommender != nil {
		rec = m.opts.Recommender.Recommend(pred.RiskScore, fv)
	}
	assessment := &models.RiskAssessment{
		AgentID:        agent.ID,
		PoolID:         agent.CurrentPoolID,
		RiskScore:      pred.RiskScore,
		ModelVersion:   pred.ModelVersion,
		FeatureVersion: pred.FeatureVersion,
		Recommendation: rec,
		ProducedAt:     now,
		Features:       fv,
	}
	if err := m.opts.Store.InsertAssessment(ctx, *assessment); err != nil {
		m.logger.Error("persist assessment failed", slog.String("agent_id", agent.ID), slog.Any("error", err))
	}
	return assessment, nil
}

// pickTarget returns the sibling pool with the lowest risk below the soft
// threshold, and how many siblings the catalog knows.
func (m *Monitor) pickTarget(ctx context.Context, agent models.Agent, snaps map[string]models.PricingSnapshot) (string, int) {
	siblings := m.opts.Catalog.Siblings(agent.CurrentPoolID)
	best, bestRisk := "", m.cfg.SoftThreshold
	for _, sib := range siblings {
		_, pred, err := m.scorePool(ctx, sib.ID, snaps)
		if err != nil {
			continue
		}
		if pred.RiskScore < bestRisk {
			best, bestRisk = sib.ID, pred.RiskScore
		}
	}
	return best, len(siblings)
}

func reasonFor(ev *Evaluation) string {
	for _, sig := range ev.Signals {
		if sig.Kind.Hard() {
			return "interruption signal: " + string(sig.Kind)
		}
	}
	switch {
	case ev.Degraded:
		return "signal silence"
	case ev.Assessment != nil:
		return fmt.Sprintf("risk %.2f (%s)", ev.Assessment.RiskScore, ev.Assessment.Recommendation)
	default:
		return "escalation"
	}
}
