package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/driftline/spotwatch/internal/clock"
	"github.com/driftline/spotwatch/internal/commands"
	"github.com/driftline/spotwatch/internal/config"
	"github.com/driftline/spotwatch/internal/engine"
	"github.com/driftline/spotwatch/internal/inference"
	"github.com/driftline/spotwatch/internal/models"
	"github.com/driftline/spotwatch/internal/monitor"
	"github.com/driftline/spotwatch/internal/registry"
	"github.com/driftline/spotwatch/internal/standby"
	"github.com/driftline/spotwatch/internal/store"
	"github.com/driftline/spotwatch/internal/telemetry"
	"github.com/driftline/spotwatch/internal/transport"
	"github.com/driftline/spotwatch/internal/utils"
)

var t0 = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

type recordingTransport struct {
	mu   sync.Mutex
	sent []models.Command
	ack  transport.Ack
}

func (r *recordingTransport) Send(_ context.Context, cmd models.Command) (transport.Ack, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, cmd)
	return r.ack, nil
}

type plane struct {
	cp       *ControlPlane
	clock    *clock.FakeClock
	store    *store.Memory
	registry *registry.Registry
	gate     *telemetry.Gate
	tracker  *commands.Tracker
	standby  *standby.Manager
	monitor  *monitor.Monitor
	sent     *recordingTransport
}

func newPlane(t *testing.T) *plane {
	t.Helper()
	clk := clock.NewFake(t0)
	st := store.NewMemory()
	logger := utils.DiscardLogger()

	catalog, err := engine.NewCatalog([]models.Pool{
		{ID: "p1", Family: "m5"}, {ID: "p2", Family: "m5"}, {ID: "solo", Family: "gpu"},
	})
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	calc, err := engine.NewCalculator(config.FeaturesConfig{}, catalog)
	if err != nil {
		t.Fatalf("calculator: %v", err)
	}
	rules, err := engine.NewRuleEngine("", logger)
	if err != nil {
		t.Fatalf("rules: %v", err)
	}
	scorer := inference.NewRegistry(clk, logger)
	adapter, err := inference.NewLogisticAdapter(inference.DefaultManifest())
	if err != nil {
		t.Fatalf("adapter: %v", err)
	}
	if err := scorer.Register(adapter); err != nil {
		t.Fatalf("register model: %v", err)
	}
	if _, err := scorer.Activate(adapter.ModelVersion()); err != nil {
		t.Fatalf("activate model: %v", err)
	}

	reg := registry.New(config.RegistryConfig{HeartbeatWindow: 30 * time.Second}, st, clk, logger)
	gate := telemetry.New(config.TelemetryConfig{
		BucketWidth:          5 * time.Minute,
		FinalizeGrace:        time.Minute,
		InterpolationHorizon: 15 * time.Minute,
		PriceCeiling:         100,
		MaxClockSkew:         30 * time.Second,
	}, telemetry.Options{Store: st, Clock: clk, Logger: logger, Placements: reg})
	sent := &recordingTransport{ack: transport.Ack{Accepted: true}}
	tracker := commands.New(config.CommandsConfig{
		AckDeadline:  30 * time.Second,
		Deadline:     5 * time.Minute,
		MaxRetries:   1,
		RetryBackoff: time.Second,
		Policy:       "reject",
	}, commands.Options{Store: st, Transport: sent, Clock: clk, Logger: logger})
	sb := standby.NewManager(st, nil, clk, logger)
	mon := monitor.New(config.MonitorConfig{
		SoftThreshold: 0.5,
		HardThreshold: 0.8,
		Hysteresis:    3,
		Cooldown:      2 * time.Minute,
		MaxQuiet:      2 * time.Minute,
	}, monitor.Options{
		Agents:      reg,
		Snapshots:   gate,
		Features:    calc,
		Predictor:   scorer,
		Recommender: rules,
		Commands:    tracker,
		Standby:     sb,
		Catalog:     catalog,
		Store:       st,
		Clock:       clk,
		Logger:      logger,
	})

	cp := NewControlPlane(logger, Components{
		Registry: reg,
		Gate:     gate,
		Catalog:  catalog,
		Features: calc,
		Rules:    rules,
		Models:   scorer,
		Monitor:  mon,
		Commands: tracker,
		Standby:  sb,
	})
	return &plane{cp: cp, clock: clk, store: st, registry: reg, gate: gate, tracker: tracker, standby: sb, monitor: mon, sent: sent}
}

func (p *plane) online(t *testing.T, logicalID string, generation int64, pool string) registry.Identity {
	t.Helper()
	ctx := context.Background()
	id, err := p.cp.Register(ctx, registry.Descriptor{LogicalID: logicalID, Generation: generation, PoolID: pool})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := p.cp.Heartbeat(ctx, id.AgentID, registry.State{PoolID: pool, Healthy: true}); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	return id
}

func TestRegisterProvisionsStandbyInSiblingPool(t *testing.T) {
	p := newPlane(t)
	id := p.online(t, "node-1", 1, "p1")

	inst, ok := p.standby.Get(id.AgentID)
	if !ok {
		t.Fatalf("expected standby for %s", id.AgentID)
	}
	if inst.PoolID != "p2" || inst.State != models.StandbyReady {
		t.Fatalf("unexpected standby %+v", inst)
	}

	solo := p.online(t, "node-2", 1, "solo")
	inst, ok = p.standby.Get(solo.AgentID)
	if !ok || inst.PoolID != "solo" {
		t.Fatalf("expected standby in own pool without siblings, got %+v", inst)
	}
}

func TestSupersedeCancelsCommandAndRetiresStandby(t *testing.T) {
	p := newPlane(t)
	ctx := context.Background()
	old := p.online(t, "node-1", 1, "p1")

	cmd, err := p.cp.CreateCommand(ctx, commands.Request{AgentID: old.AgentID, Kind: models.CommandSwitchPool, TargetPoolID: "p2"})
	if err != nil {
		t.Fatalf("create command: %v", err)
	}
	if cmd.AgentGeneration != 1 || cmd.SourcePoolID != "p1" {
		t.Fatalf("expected generation and source filled from registry, got %+v", cmd)
	}

	next := p.online(t, "node-1", 2, "p1")
	if next.Superseded != old.AgentID {
		t.Fatalf("expected %s superseded, got %+v", old.AgentID, next)
	}

	got, err := p.cp.GetCommand(ctx, cmd.ID)
	if err != nil {
		t.Fatalf("get command: %v", err)
	}
	if got.State != models.CommandCancelled {
		t.Fatalf("expected Cancelled, got %s", got.State)
	}
	if _, ok := p.standby.Get(old.AgentID); ok {
		t.Fatalf("standby of superseded generation should be retired")
	}
	if _, ok := p.standby.Get(next.AgentID); !ok {
		t.Fatalf("new generation should get its own standby")
	}

	if _, err := p.cp.AcknowledgeCommand(ctx, cmd.ID, 1); err == nil {
		t.Fatalf("late ack for the superseded generation must be refused")
	}
}

func TestCompletedSwitchMovesPlacement(t *testing.T) {
	p := newPlane(t)
	ctx := context.Background()
	id := p.online(t, "node-1", 1, "p1")

	cmd, err := p.cp.CreateCommand(ctx, commands.Request{AgentID: id.AgentID, Kind: models.CommandSwitchPool, TargetPoolID: "p2"})
	if err != nil {
		t.Fatalf("create command: %v", err)
	}
	if cmd.State != models.CommandAcknowledged {
		t.Fatalf("expected transport ack to acknowledge, got %s", cmd.State)
	}
	if _, err := p.cp.ReportProgress(ctx, cmd.ID, 1, 0.5, "booting"); err != nil {
		t.Fatalf("progress: %v", err)
	}
	done, err := p.cp.ReportResult(ctx, commands.Result{
		CommandID:  cmd.ID,
		Generation: 1,
		Success:    true,
		Health:     &models.HealthConfirmation{BootSucceeded: true, HealthCheckPassed: true},
	})
	if err != nil {
		t.Fatalf("result: %v", err)
	}
	if done.State != models.CommandCompleted {
		t.Fatalf("expected Completed, got %s", done.State)
	}

	agent, err := p.cp.GetAgent(id.AgentID)
	if err != nil {
		t.Fatalf("get agent: %v", err)
	}
	if agent.CurrentPoolID != "p2" || agent.CurrentMode != models.ModePrimary {
		t.Fatalf("expected placement p2/primary, got %s/%s", agent.CurrentPoolID, agent.CurrentMode)
	}
	if st := p.cp.MonitorStatus(id.AgentID); st.Level != monitor.LevelNormal {
		t.Fatalf("expected monitor reset to Normal, got %s", st.Level)
	}
}

func TestSubmitReportEligibility(t *testing.T) {
	p := newPlane(t)
	ctx := context.Background()

	_, err := p.cp.SubmitReport(ctx, models.PricingReport{AgentID: "ghost", PoolID: "p1", Price: 0.03, CounterpartPrice: 0.1, ObservedAt: t0, SequenceNo: 1})
	if !errors.Is(err, utils.ErrNotFound) {
		t.Fatalf("expected not found for unknown agent, got %v", err)
	}

	id := p.online(t, "node-1", 1, "p1")
	p.clock.Advance(45 * time.Second)
	p.registry.Sweep(ctx, p.clock.Now())
	outcome, err := p.cp.SubmitReport(ctx, models.PricingReport{AgentID: id.AgentID, PoolID: "p1", Price: 0.03, CounterpartPrice: 0.1, ObservedAt: p.clock.Now(), SequenceNo: 1})
	if err != nil {
		t.Fatalf("stale agent report: %v", err)
	}
	if outcome != telemetry.OutcomeAccepted {
		t.Fatalf("expected accepted, got %s", outcome)
	}

	if err := p.cp.Deregister(ctx, id.AgentID); err != nil {
		t.Fatalf("deregister: %v", err)
	}
	_, err = p.cp.SubmitReport(ctx, models.PricingReport{AgentID: id.AgentID, PoolID: "p1", Price: 0.03, CounterpartPrice: 0.1, ObservedAt: p.clock.Now(), SequenceNo: 2})
	if !errors.Is(err, utils.ErrAgentOffline) {
		t.Fatalf("expected offline after deregister, got %v", err)
	}
}

func TestPredictScoresFinalizedPool(t *testing.T) {
	p := newPlane(t)
	ctx := context.Background()
	id := p.online(t, "node-1", 1, "p1")

	if _, err := p.cp.Predict(ctx, "p1"); !errors.Is(err, utils.ErrInterpolationHorizonExceeded) {
		t.Fatalf("expected missing snapshot before any report, got %v", err)
	}

	for i, pool := range []string{"p1", "p2"} {
		r := models.PricingReport{AgentID: id.AgentID, PoolID: pool, Price: 0.04, CounterpartPrice: 0.1, ObservedAt: t0.Add(10 * time.Second), SequenceNo: uint64(i + 1)}
		if _, err := p.cp.SubmitReport(ctx, r); err != nil {
			t.Fatalf("submit %s: %v", pool, err)
		}
	}
	p.clock.Advance(6*time.Minute + time.Second)
	if sealed := p.gate.FinalizeDue(ctx, p.clock.Now()); len(sealed) != 2 {
		t.Fatalf("expected two sealed buckets, got %d", len(sealed))
	}

	first, err := p.cp.Predict(ctx, "p1")
	if err != nil {
		t.Fatalf("predict: %v", err)
	}
	if first.Prediction.ModelVersion != inference.DefaultManifest().ModelVersion {
		t.Fatalf("unexpected model version %q", first.Prediction.ModelVersion)
	}
	if first.Features.FeatureVersion != engine.FeatureVersion {
		t.Fatalf("unexpected feature version %q", first.Features.FeatureVersion)
	}
	if first.Prediction.RiskScore < 0 || first.Prediction.RiskScore > 1 {
		t.Fatalf("risk out of range: %v", first.Prediction.RiskScore)
	}
	second, err := p.cp.Predict(ctx, "p1")
	if err != nil {
		t.Fatalf("predict again: %v", err)
	}
	if second.Prediction.RiskScore != first.Prediction.RiskScore || second.Features.PricePosition != first.Features.PricePosition {
		t.Fatalf("prediction is not deterministic: %+v vs %+v", first, second)
	}
}

func TestReportSignalValidation(t *testing.T) {
	p := newPlane(t)
	ctx := context.Background()
	if _, err := p.cp.ReportSignal(ctx, models.InterruptionSignal{Kind: models.SignalAdvisory}); !errors.Is(err, utils.ErrValidation) {
		t.Fatalf("expected validation error without agent, got %v", err)
	}
	if _, err := p.cp.ReportSignal(ctx, models.InterruptionSignal{AgentID: "a", Kind: "meteor"}); !errors.Is(err, utils.ErrValidation) {
		t.Fatalf("expected validation error for unknown kind, got %v", err)
	}
}

func TestHardSignalFailsOverToStandby(t *testing.T) {
	p := newPlane(t)
	ctx := context.Background()
	id := p.online(t, "node-1", 1, "p1")

	// No snapshots exist, so no switch target can be scored and the zero
	// emergency budget escalates straight to failover.
	ev, err := p.cp.ReportSignal(ctx, models.InterruptionSignal{AgentID: id.AgentID, PoolID: "p1", Kind: models.SignalImminentTermination, ReceivedAt: t0})
	if err != nil {
		t.Fatalf("signal: %v", err)
	}
	if ev.Level != monitor.LevelEmergency {
		t.Fatalf("expected Emergency, got %s", ev.Level)
	}
	if ev.Command == nil || ev.Command.Kind != models.CommandFailoverToStandby || ev.Command.TargetPoolID != "p2" {
		t.Fatalf("expected failover to standby pool p2, got %+v", ev.Command)
	}
	if inst, _ := p.standby.Get(id.AgentID); inst.State != models.StandbyPromoted {
		t.Fatalf("expected promoted standby, got %s", inst.State)
	}

	if _, err := p.cp.ReportResult(ctx, commands.Result{
		CommandID:  ev.Command.ID,
		Generation: 1,
		Success:    true,
		Health:     &models.HealthConfirmation{BootSucceeded: true, HealthCheckPassed: true},
	}); err != nil {
		t.Fatalf("result: %v", err)
	}
	agent, err := p.cp.GetAgent(id.AgentID)
	if err != nil {
		t.Fatalf("get agent: %v", err)
	}
	if agent.CurrentPoolID != "p2" {
		t.Fatalf("expected agent on standby pool p2, got %s", agent.CurrentPoolID)
	}
}

func TestActivateUnknownModel(t *testing.T) {
	p := newPlane(t)
	if err := p.cp.ActivateModel("nope"); !errors.Is(err, utils.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
