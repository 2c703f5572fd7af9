package services

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"time"

	"github.com/driftline/spotwatch/internal/commands"
	"github.com/driftline/spotwatch/internal/engine"
	"github.com/driftline/spotwatch/internal/inference"
	"github.com/driftline/spotwatch/internal/models"
	"github.com/driftline/spotwatch/internal/monitor"
	"github.com/driftline/spotwatch/internal/registry"
	"github.com/driftline/spotwatch/internal/standby"
	"github.com/driftline/spotwatch/internal/telemetry"
	"github.com/driftline/spotwatch/internal/transport"
	"github.com/driftline/spotwatch/internal/utils"
)

// ErrNotConfigured is returned when an operation needs a component the plane was built without.
var ErrNotConfigured = &utils.AppError{Code: utils.CodeFailedPrecondition, Op: "services", Msg: "component not configured"}

// Components are the control-plane parts a ControlPlane fronts. Notices and
// Standby are optional.
type Components struct {
	Registry *registry.Registry
	Gate     *telemetry.Gate
	Catalog  *engine.Catalog
	Features *engine.Calculator
	Rules    *engine.RuleEngine
	Models   *inference.Registry
	Monitor  *monitor.Monitor
	Commands *commands.Tracker
	Standby  *standby.Manager
	Notices  transport.NoticeFeed
}

// ControlPlane is the single dependency path used by the API. It owns the
// cross-component hooks: supersede cancels commands, escalation fails over,
// completion moves the placement.
type ControlPlane struct {
	c         Components
	logger    *slog.Logger
	latencies *utils.LatencyTracker
}

// NewControlPlane wires the component hooks and returns the facade.
func NewControlPlane(logger *slog.Logger, c Components) *ControlPlane {
	if logger == nil {
		logger = slog.Default()
	}
	cp := &ControlPlane{c: c, logger: logger, latencies: utils.NewLatencyTracker(1024)}

	if c.Registry != nil {
		if c.Commands != nil {
			c.Registry.OnSupersede(c.Commands.CancelAgent)
		}
		c.Registry.OnSupersede(cp.retireStandby)
	}
	if c.Commands != nil {
		if c.Monitor != nil {
			c.Commands.OnEscalate(c.Monitor.OnDeliveryFailure)
		}
		c.Commands.OnComplete(cp.applyPlacement)
		if c.Monitor != nil {
			c.Commands.OnComplete(c.Monitor.OnCommandCompleted)
		}
	}
	return cp
}

// Restore reloads durable state in dependency order: agents, standby, commands, snapshots.
func (cp *ControlPlane) Restore(ctx context.Context) error {
	if cp.c.Registry != nil {
		if err := cp.c.Registry.Restore(ctx); err != nil {
			return err
		}
	}
	if cp.c.Standby != nil {
		if err := cp.c.Standby.Restore(ctx); err != nil {
			return err
		}
	}
	if cp.c.Commands != nil {
		if err := cp.c.Commands.Restore(ctx); err != nil {
			return err
		}
	}
	if cp.c.Gate != nil {
		if err := cp.c.Gate.Restore(ctx, cp.c.Catalog.IDs()); err != nil {
			return err
		}
	}
	return nil
}

// Run drives the background loops until ctx is cancelled.
func (cp *ControlPlane) Run(ctx context.Context) {
	done := make(chan struct{})
	loops := 0
	start := func(fn func(context.Context)) {
		loops++
		go func() {
			fn(ctx)
			done <- struct{}{}
		}()
	}
	if cp.c.Registry != nil {
		start(cp.c.Registry.Run)
	}
	if cp.c.Gate != nil {
		start(cp.c.Gate.Run)
	}
	if cp.c.Monitor != nil {
		start(cp.c.Monitor.Run)
	}
	if cp.c.Notices != nil && cp.c.Monitor != nil {
		start(func(ctx context.Context) {
			if err := cp.c.Notices.Run(ctx, cp.handleNotice); err != nil && !errors.Is(err, context.Canceled) {
				cp.logger.Error("interruption notice feed stopped", slog.Any("error", err))
			}
		})
	}
	for i := 0; i < loops; i++ {
		<-done
	}
}

// Register admits an agent generation. A new primary gets standby capacity in
// a sibling pool when a standby manager is configured.
func (cp *ControlPlane) Register(ctx context.Context, d registry.Descriptor) (registry.Identity, error) {
	id, err := cp.c.Registry.Register(ctx, d)
	if err != nil {
		return registry.Identity{}, err
	}
	if cp.c.Standby != nil && (d.Mode == "" || d.Mode == models.ModePrimary) && d.PoolID != "" {
		if _, err := cp.c.Standby.Ensure(ctx, id.AgentID, cp.standbyPool(d.PoolID)); err != nil {
			cp.logger.Warn("standby provisioning failed",
				slog.String("agent_id", id.AgentID),
				slog.Any("error", err))
		}
	}
	return id, nil
}

// Heartbeat refreshes liveness.
func (cp *ControlPlane) Heartbeat(ctx context.Context, agentID string, state registry.State) (models.Agent, error) {
	return cp.c.Registry.Heartbeat(ctx, agentID, state)
}

// Deregister retires an agent; its commands are cancelled by the supersede hooks.
func (cp *ControlPlane) Deregister(ctx context.Context, agentID string) error {
	return cp.c.Registry.Deregister(ctx, agentID)
}

// GetAgent returns one agent record.
func (cp *ControlPlane) GetAgent(agentID string) (models.Agent, error) {
	return cp.c.Registry.Get(agentID)
}

// ListAgents returns every known agent generation.
func (cp *ControlPlane) ListAgents() []models.Agent {
	return cp.c.Registry.List()
}

// SubmitReport runs a pricing report through the quality gate. Reports from
// unknown or retired agents are refused before they reach it; stale agents
// still report.
func (cp *ControlPlane) SubmitReport(ctx context.Context, r models.PricingReport) (telemetry.Outcome, error) {
	if err := cp.c.Registry.Eligible(r.AgentID); err != nil && !errors.Is(err, utils.ErrAgentStale) {
		return "", err
	}
	return cp.c.Gate.SubmitReport(ctx, r)
}

// GetLatestSnapshot returns the newest finalized snapshot of a pool.
func (cp *ControlPlane) GetLatestSnapshot(ctx context.Context, poolID string) (models.PricingSnapshot, error) {
	return cp.c.Gate.GetLatestSnapshot(ctx, poolID)
}

// Series returns the gap-filled series of a pool.
func (cp *ControlPlane) Series(ctx context.Context, poolID string, from, to time.Time) ([]models.SeriesPoint, error) {
	return cp.c.Gate.Series(ctx, poolID, from, to)
}

// ComputeFeatures derives the feature vector of a pool from its latest
// snapshot and those of its hardware family.
func (cp *ControlPlane) ComputeFeatures(ctx context.Context, poolID string) (models.FeatureVector, error) {
	snap, err := cp.c.Gate.GetLatestSnapshot(ctx, poolID)
	if err != nil {
		return models.FeatureVector{}, err
	}
	siblings := cp.siblingSnapshots(ctx, poolID)
	return cp.c.Features.ComputeFeatures(engine.FeatureInput{Snapshot: snap, Siblings: siblings})
}

// Assessment is the result of an on-demand prediction.
type Assessment struct {
	Features       models.FeatureVector  `json:"features"`
	Prediction     inference.Prediction  `json:"prediction"`
	Recommendation models.Recommendation `json:"recommendation"`
}

// Predict scores a pool with the active model and the recommendation rules.
func (cp *ControlPlane) Predict(ctx context.Context, poolID string) (Assessment, error) {
	if cp.c.Models == nil {
		return Assessment{}, utils.NewAppError(utils.CodeFailedPrecondition, "services.Predict", "no model registry", ErrNotConfigured)
	}
	fv, err := cp.ComputeFeatures(ctx, poolID)
	if err != nil {
		return Assessment{}, err
	}
	pred, err := cp.c.Models.Predict(ctx, fv)
	if err != nil {
		return Assessment{}, err
	}
	rec := models.RecommendHold
	if cp.c.Rules != nil {
		rec = cp.c.Rules.Recommend(pred.RiskScore, fv)
	}
	return Assessment{Features: fv, Prediction: pred, Recommendation: rec}, nil
}

// ActivateModel hot-swaps the active model version.
func (cp *ControlPlane) ActivateModel(version string) error {
	if cp.c.Models == nil {
		return utils.NewAppError(utils.CodeFailedPrecondition, "services.ActivateModel", "no model registry", ErrNotConfigured)
	}
	if _, err := cp.c.Models.Activate(version); err != nil {
		return err
	}
	cp.logger.Info("model activated", slog.String("model_version", version))
	return nil
}

// Evaluate runs one monitor evaluation for an agent.
func (cp *ControlPlane) Evaluate(ctx context.Context, agentID string) (monitor.Evaluation, error) {
	started := time.Now()
	ev, err := cp.c.Monitor.Evaluate(ctx, agentID)
	cp.latencies.Observe(time.Since(started))
	if count := cp.latencies.Count(); count >= 50 && count%50 == 0 {
		cp.logger.Info("evaluation latency",
			slog.Duration("p95", cp.latencies.Percentile(95)),
			slog.Int("samples", count))
	}
	return ev, err
}

// MonitorStatus exposes an agent's escalation state.
func (cp *ControlPlane) MonitorStatus(agentID string) monitor.Status {
	return cp.c.Monitor.Status(agentID)
}

// ReportSignal feeds an interruption notice into the monitor.
func (cp *ControlPlane) ReportSignal(ctx context.Context, sig models.InterruptionSignal) (monitor.Evaluation, error) {
	if sig.AgentID == "" {
		return monitor.Evaluation{}, utils.NewAppError(utils.CodeValidation, "services.ReportSignal", "agent_id is required", nil)
	}
	switch sig.Kind {
	case models.SignalAdvisory, models.SignalImminentTermination, models.SignalHealthCheckFail:
	default:
		return monitor.Evaluation{}, utils.NewAppError(utils.CodeValidation, "services.ReportSignal", "unknown signal kind "+string(sig.Kind), nil)
	}
	return cp.c.Monitor.HandleSignal(ctx, sig)
}

// CreateCommand issues an operator command.
func (cp *ControlPlane) CreateCommand(ctx context.Context, req commands.Request) (models.Command, error) {
	if req.AgentGeneration == 0 || req.SourcePoolID == "" {
		if agent, err := cp.c.Registry.Get(req.AgentID); err == nil {
			if req.AgentGeneration == 0 {
				req.AgentGeneration = agent.Generation
			}
			if req.SourcePoolID == "" {
				req.SourcePoolID = agent.CurrentPoolID
			}
		}
	}
	if err := cp.c.Registry.Eligible(req.AgentID); err != nil {
		return models.Command{}, err
	}
	return cp.c.Commands.Create(ctx, req)
}

// GetCommand returns one command attempt.
func (cp *ControlPlane) GetCommand(ctx context.Context, id string) (models.Command, error) {
	return cp.c.Commands.Get(ctx, id)
}

// CancelCommand cancels a live command.
func (cp *ControlPlane) CancelCommand(ctx context.Context, id, reason string) (models.Command, error) {
	return cp.c.Commands.Cancel(ctx, id, reason)
}

// AcknowledgeCommand records the agent's ack.
func (cp *ControlPlane) AcknowledgeCommand(ctx context.Context, id string, generation int64) (models.Command, error) {
	return cp.c.Commands.Acknowledge(ctx, id, generation)
}

// ReportProgress records execution progress.
func (cp *ControlPlane) ReportProgress(ctx context.Context, id string, generation int64, progress float64, detail string) (models.Command, error) {
	return cp.c.Commands.ReportProgress(ctx, id, generation, progress, detail)
}

// ReportResult records the agent's terminal result.
func (cp *ControlPlane) ReportResult(ctx context.Context, res commands.Result) (models.Command, error) {
	return cp.c.Commands.ReportResult(ctx, res)
}

// EvaluationLatencyP95 returns the current p95 of on-demand evaluations.
func (cp *ControlPlane) EvaluationLatencyP95() time.Duration {
	return cp.latencies.Percentile(95)
}

func (cp *ControlPlane) handleNotice(ctx context.Context, sig models.InterruptionSignal) {
	if _, err := cp.c.Monitor.HandleSignal(ctx, sig); err != nil {
		cp.logger.Warn("interruption notice not applied",
			slog.String("agent_id", sig.AgentID),
			slog.String("kind", string(sig.Kind)),
			slog.Any("error", err))
	}
}

// applyPlacement moves the agent to the command's target once it completes.
// A failover lands the agent on its promoted standby's pool as primary.
func (cp *ControlPlane) applyPlacement(ctx context.Context, cmd models.Command) {
	target := cmd.TargetPoolID
	if target == "" && cmd.Kind == models.CommandFailoverToStandby && cp.c.Standby != nil {
		if inst, ok := cp.c.Standby.Get(cmd.AgentID); ok {
			target = inst.PoolID
		}
	}
	if target == "" || cp.c.Gate == nil {
		return
	}
	if err := cp.c.Gate.UpdatePlacement(ctx, cmd.AgentID, target, models.ModePrimary); err != nil {
		cp.logger.Error("placement update failed",
			slog.String("agent_id", cmd.AgentID),
			slog.String("command_id", cmd.ID),
			slog.Any("error", err))
	}
}

func (cp *ControlPlane) retireStandby(ctx context.Context, retired models.Agent, reason string) {
	if cp.c.Standby == nil {
		return
	}
	if err := cp.c.Standby.Retire(ctx, retired.ID); err != nil {
		cp.logger.Warn("standby retire failed",
			slog.String("agent_id", retired.ID),
			slog.String("reason", reason),
			slog.Any("error", err))
	}
}

// standbyPool prefers the first sibling so a pool-wide reclaim spares the standby.
func (cp *ControlPlane) standbyPool(poolID string) string {
	if siblings := cp.c.Catalog.Siblings(poolID); len(siblings) > 0 {
		return siblings[0].ID
	}
	return poolID
}

func (cp *ControlPlane) siblingSnapshots(ctx context.Context, poolID string) []models.PricingSnapshot {
	siblings := cp.c.Catalog.Siblings(poolID)
	out := make([]models.PricingSnapshot, 0, len(siblings))
	for _, sib := range siblings {
		snap, err := cp.c.Gate.GetLatestSnapshot(ctx, sib.ID)
		if err != nil {
			continue
		}
		out = append(out, snap)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PoolID < out[j].PoolID })
	return out
}
