package monitor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/driftline/spotwatch/internal/clock"
	"github.com/driftline/spotwatch/internal/commands"
	"github.com/driftline/spotwatch/internal/config"
	"github.com/driftline/spotwatch/internal/engine"
	"github.com/driftline/spotwatch/internal/inference"
	"github.com/driftline/spotwatch/internal/models"
	"github.com/driftline/spotwatch/internal/standby"
	"github.com/driftline/spotwatch/internal/store"
	"github.com/driftline/spotwatch/internal/transport"
	"github.com/driftline/spotwatch/internal/utils"
)

var t0 = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

type fakeAgents struct {
	mu     sync.Mutex
	agents map[string]models.Agent
}

func (f *fakeAgents) Get(id string) (models.Agent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.agents[id]
	if !ok {
		return models.Agent{}, errors.New("unknown agent")
	}
	return a, nil
}

func (f *fakeAgents) Active() []models.Agent {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.Agent, 0, len(f.agents))
	for _, a := range f.agents {
		out = append(out, a)
	}
	return out
}

func (f *fakeAgents) Eligible(id string) error {
	a, err := f.Get(id)
	if err != nil {
		return err
	}
	switch {
	case !a.Eligible, a.Status == models.AgentOffline:
		return utils.ErrAgentOffline
	case a.Status == models.AgentStale:
		return utils.ErrAgentStale
	}
	return nil
}

func (f *fakeAgents) setStatus(id string, status models.AgentStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a := f.agents[id]
	a.Status = status
	f.agents[id] = a
}

func (f *fakeAgents) heartbeat(id string, at time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a := f.agents[id]
	a.LastHeartbeatAt = at
	f.agents[id] = a
}

type fakeSnapshots struct {
	mu    sync.Mutex
	snaps map[string]models.PricingSnapshot
}

func (f *fakeSnapshots) GetLatestSnapshot(_ context.Context, poolID string) (models.PricingSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.snaps[poolID]
	if !ok {
		return models.PricingSnapshot{}, utils.ErrInterpolationHorizonExceeded
	}
	return s, nil
}

func (f *fakeSnapshots) remove(poolID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.snaps, poolID)
}

// fixedRecommender returns the same recommendation for every pool.
type fixedRecommender struct{ rec models.Recommendation }

func (f fixedRecommender) Recommend(float64, models.FeatureVector) models.Recommendation { return f.rec }

// fakePredictor scores by pool id so tests control risk directly.
type fakePredictor struct {
	mu   sync.Mutex
	risk map[string]float64
}

func (f *fakePredictor) Predict(_ context.Context, fv models.FeatureVector) (inference.Prediction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return inference.Prediction{RiskScore: f.risk[fv.PoolID], ModelVersion: "test-model", FeatureVersion: fv.FeatureVersion}, nil
}

func (f *fakePredictor) set(pool string, risk float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.risk[pool] = risk
}

type ackTransport struct{ ack transport.Ack }

func (a ackTransport) Send(context.Context, models.Command) (transport.Ack, error) { return a.ack, nil }

type harness struct {
	monitor   *Monitor
	clock     *clock.FakeClock
	agents    *fakeAgents
	snaps     *fakeSnapshots
	predictor *fakePredictor
	tracker   *commands.Tracker
	standby   *standby.Manager
	store     store.Store
}

func newHarness(t *testing.T, ack transport.Ack, maxRetries int) *harness {
	t.Helper()
	clk := clock.NewFake(t0)
	st := store.NewMemory()
	logger := utils.DiscardLogger()

	catalog, err := engine.NewCatalog([]models.Pool{
		{ID: "p1", Family: "m5"}, {ID: "p2", Family: "m5"}, {ID: "p3", Family: "m5"},
	})
	require.NoError(t, err)
	calc, err := engine.NewCalculator(config.FeaturesConfig{}, catalog)
	require.NoError(t, err)

	agents := &fakeAgents{agents: map[string]models.Agent{
		"a1": {ID: "a1", LogicalID: "node-1", Generation: 1, Status: models.AgentOnline, Eligible: true, CurrentPoolID: "p1", LastHeartbeatAt: t0},
	}}
	snap := func(pool string) models.PricingSnapshot {
		return models.PricingSnapshot{PoolID: pool, BucketStart: t0.Add(-5 * time.Minute), Count: 3, MeanPrice: 0.03, MeanCounterpart: 0.1, Finalized: true}
	}
	snaps := &fakeSnapshots{snaps: map[string]models.PricingSnapshot{"p1": snap("p1"), "p2": snap("p2"), "p3": snap("p3")}}
	predictor := &fakePredictor{risk: map[string]float64{"p1": 0.1, "p2": 0.1, "p3": 0.3}}

	tracker := commands.New(config.CommandsConfig{
		AckDeadline:  30 * time.Second,
		Deadline:     5 * time.Minute,
		MaxRetries:   maxRetries,
		RetryBackoff: 2 * time.Second,
		Policy:       "reject",
	}, commands.Options{Store: st, Transport: ackTransport{ack: ack}, Clock: clk, Logger: logger})
	standbys := standby.NewManager(st, nil, clk, logger)

	mon := New(config.MonitorConfig{
		Interval:        15 * time.Second,
		SoftThreshold:   0.5,
		HardThreshold:   0.8,
		Hysteresis:      3,
		Cooldown:        2 * time.Minute,
		MaxQuiet:        2 * time.Minute,
		EmergencyBudget: time.Minute,
		Concurrency:     4,
	}, Options{
		Agents:    agents,
		Snapshots: snaps,
		Features:  calc,
		Predictor: predictor,
		Commands:  tracker,
		Standby:   standbys,
		Catalog:   catalog,
		Store:     st,
		Clock:     clk,
		Logger:    logger,
	})
	tracker.OnEscalate(mon.OnDeliveryFailure)
	tracker.OnComplete(mon.OnCommandCompleted)

	return &harness{monitor: mon, clock: clk, agents: agents, snaps: snaps, predictor: predictor, tracker: tracker, standby: standbys, store: st}
}

// advance moves time while the agent keeps heartbeating.
func (h *harness) advance(d time.Duration) {
	h.clock.Advance(d)
	h.agents.heartbeat("a1", h.clock.Now())
}

func hardSignal() models.InterruptionSignal {
	return models.InterruptionSignal{AgentID: "a1", PoolID: "p1", Kind: models.SignalImminentTermination}
}

func TestHysteresisEscalatesAfterConsecutiveBreaches(t *testing.T) {
	h := newHarness(t, transport.Ack{Accepted: true}, 3)
	h.predictor.set("p1", 0.9)
	ctx := context.Background()

	for i := 1; i <= 2; i++ {
		ev, err := h.monitor.Evaluate(ctx, "a1")
		require.NoError(t, err)
		require.Equal(t, LevelWatch, ev.Level, "evaluation %d", i)
		require.Nil(t, ev.Command)
	}

	ev, err := h.monitor.Evaluate(ctx, "a1")
	require.NoError(t, err)
	require.Equal(t, LevelWatch, ev.Previous)
	require.Equal(t, LevelCritical, ev.Level)
	require.NotNil(t, ev.Command)
	require.Equal(t, models.CommandSwitchPool, ev.Command.Kind)
	require.Equal(t, "p2", ev.Command.TargetPoolID, "least risky sibling wins")
	require.Equal(t, "p1", ev.Command.SourcePoolID)
}

func TestSoftBandRiskStaysInWatch(t *testing.T) {
	h := newHarness(t, transport.Ack{Accepted: true}, 3)
	h.predictor.set("p1", 0.6)
	ctx := context.Background()

	for i := 1; i <= 10; i++ {
		h.advance(15 * time.Second)
		ev, err := h.monitor.Evaluate(ctx, "a1")
		require.NoError(t, err)
		require.Equal(t, LevelWatch, ev.Level, "evaluation %d", i)
		require.Nil(t, ev.Command, "evaluation %d", i)
	}
	_, busy := h.tracker.Outstanding("a1")
	require.False(t, busy)
	require.Equal(t, 10, h.monitor.Status("a1").Breaches)
	require.Zero(t, h.monitor.Status("a1").HardBreaches)
}

func TestSoftEvaluationResetsHardStreak(t *testing.T) {
	h := newHarness(t, transport.Ack{Accepted: true}, 3)
	ctx := context.Background()

	for _, risk := range []float64{0.9, 0.9, 0.6, 0.9, 0.9} {
		h.predictor.set("p1", risk)
		ev, err := h.monitor.Evaluate(ctx, "a1")
		require.NoError(t, err)
		require.Equal(t, LevelWatch, ev.Level, "risk %.1f", risk)
		require.Nil(t, ev.Command)
	}
	ev, err := h.monitor.Evaluate(ctx, "a1")
	require.NoError(t, err)
	require.Equal(t, LevelCritical, ev.Level)
	require.NotNil(t, ev.Command)
}

func TestEmergencyRecommendationTriggersFailover(t *testing.T) {
	h := newHarness(t, transport.Ack{Accepted: true}, 3)
	h.monitor.opts.Recommender = fixedRecommender{rec: models.RecommendEmergencyFailover}
	h.predictor.set("p1", 0.97)
	ctx := context.Background()
	_, err := h.standby.Ensure(ctx, "a1", "p7")
	require.NoError(t, err)

	ev, err := h.monitor.Evaluate(ctx, "a1")
	require.NoError(t, err)
	require.Equal(t, LevelNormal, ev.Previous)
	require.Equal(t, LevelEmergency, ev.Level, "emergency recommendations skip hysteresis")
	require.NotNil(t, ev.Command)
	require.Equal(t, models.CommandFailoverToStandby, ev.Command.Kind)
	require.Equal(t, "p7", ev.Command.TargetPoolID)
}

func TestStaleAgentGetsNoSwitch(t *testing.T) {
	h := newHarness(t, transport.Ack{Accepted: true}, 3)
	h.agents.setStatus("a1", models.AgentStale)

	ev, err := h.monitor.HandleSignal(context.Background(), hardSignal())
	require.NoError(t, err)
	require.Equal(t, LevelCritical, ev.Level)
	require.Nil(t, ev.Command)
	_, busy := h.tracker.Outstanding("a1")
	require.False(t, busy)
}

func TestOfflineAgentFailsOverAtCritical(t *testing.T) {
	h := newHarness(t, transport.Ack{Accepted: true}, 3)
	ctx := context.Background()
	_, err := h.standby.Ensure(ctx, "a1", "p7")
	require.NoError(t, err)
	h.agents.setStatus("a1", models.AgentOffline)

	ev, err := h.monitor.HandleSignal(ctx, hardSignal())
	require.NoError(t, err)
	require.Equal(t, LevelEmergency, ev.Level)
	require.NotNil(t, ev.Command)
	require.Equal(t, models.CommandFailoverToStandby, ev.Command.Kind)
	require.Equal(t, "agent offline", ev.Command.Reason)

	inst, ok := h.standby.Get("a1")
	require.True(t, ok)
	require.Equal(t, models.StandbyPromoted, inst.State)
}

func TestHardSignalBypassesHysteresis(t *testing.T) {
	h := newHarness(t, transport.Ack{Accepted: true}, 3)

	ev, err := h.monitor.HandleSignal(context.Background(), hardSignal())
	require.NoError(t, err)
	require.Equal(t, LevelNormal, ev.Previous)
	require.Equal(t, LevelCritical, ev.Level)
	require.NotNil(t, ev.Command, "hard signal issues a command in the same evaluation")
	require.Contains(t, ev.Command.Reason, "imminent_termination")
}

func TestAdvisorySignalIsSoftBreach(t *testing.T) {
	h := newHarness(t, transport.Ack{Accepted: true}, 3)
	ev, err := h.monitor.HandleSignal(context.Background(), models.InterruptionSignal{AgentID: "a1", Kind: models.SignalAdvisory})
	require.NoError(t, err)
	require.Equal(t, LevelWatch, ev.Level)
	require.Nil(t, ev.Command)
}

func TestCalmEvaluationsRecover(t *testing.T) {
	h := newHarness(t, transport.Ack{Accepted: true}, 3)
	ctx := context.Background()
	h.predictor.set("p1", 0.6)
	_, err := h.monitor.Evaluate(ctx, "a1")
	require.NoError(t, err)

	h.predictor.set("p1", 0.2)
	for i := 0; i < 2; i++ {
		ev, err := h.monitor.Evaluate(ctx, "a1")
		require.NoError(t, err)
		require.Equal(t, LevelWatch, ev.Level)
	}
	ev, err := h.monitor.Evaluate(ctx, "a1")
	require.NoError(t, err)
	require.Equal(t, LevelNormal, ev.Level)
}

func TestCooldownBetweenCommands(t *testing.T) {
	h := newHarness(t, transport.Ack{Accepted: true}, 3)
	ctx := context.Background()
	h.predictor.set("p1", 0.9)

	ev, err := h.monitor.HandleSignal(ctx, hardSignal())
	require.NoError(t, err)
	require.NotNil(t, ev.Command)
	_, err = h.tracker.Cancel(ctx, ev.Command.ID, "operator")
	require.NoError(t, err)

	h.advance(time.Minute)
	ev, err = h.monitor.Evaluate(ctx, "a1")
	require.NoError(t, err)
	require.Equal(t, LevelCritical, ev.Level)
	require.Nil(t, ev.Command, "cool-down suppresses a second command")

	h.advance(time.Minute)
	ev, err = h.monitor.Evaluate(ctx, "a1")
	require.NoError(t, err)
	require.NotNil(t, ev.Command)
}

func TestEmergencyWhenNoTargetWithinBudget(t *testing.T) {
	h := newHarness(t, transport.Ack{Accepted: true}, 3)
	ctx := context.Background()
	for _, p := range []string{"p1", "p2", "p3"} {
		h.predictor.set(p, 0.9)
	}
	_, err := h.standby.Ensure(ctx, "a1", "p7")
	require.NoError(t, err)

	ev, err := h.monitor.HandleSignal(ctx, hardSignal())
	require.NoError(t, err)
	require.Equal(t, LevelCritical, ev.Level)
	require.Nil(t, ev.Command)

	h.advance(time.Minute)
	ev, err = h.monitor.Evaluate(ctx, "a1")
	require.NoError(t, err)
	require.Equal(t, LevelEmergency, ev.Level)
	require.NotNil(t, ev.Command)
	require.Equal(t, models.CommandFailoverToStandby, ev.Command.Kind)
	require.Equal(t, "p7", ev.Command.TargetPoolID)

	inst, ok := h.standby.Get("a1")
	require.True(t, ok)
	require.Equal(t, models.StandbyPromoted, inst.State)
}

func TestDeliveryFailurePromotesStandby(t *testing.T) {
	h := newHarness(t, transport.Ack{}, 0)
	ctx := context.Background()
	_, err := h.standby.Ensure(ctx, "a1", "p7")
	require.NoError(t, err)

	ev, err := h.monitor.HandleSignal(ctx, hardSignal())
	require.NoError(t, err)
	require.NotNil(t, ev.Command)

	h.advance(30 * time.Second)

	require.Equal(t, LevelEmergency, h.monitor.Status("a1").Level)
	out, ok := h.tracker.Outstanding("a1")
	require.True(t, ok)
	require.Equal(t, models.CommandFailoverToStandby, out.Kind)
	require.Equal(t, "p7", out.TargetPoolID)
	require.False(t, h.monitor.Status("a1").Unrecoverable)
}

func TestUnrecoverableWithoutStandby(t *testing.T) {
	h := newHarness(t, transport.Ack{}, 0)
	ctx := context.Background()

	_, err := h.monitor.HandleSignal(ctx, hardSignal())
	require.NoError(t, err)
	h.advance(30 * time.Second)

	status := h.monitor.Status("a1")
	require.Equal(t, LevelEmergency, status.Level)
	require.True(t, status.Unrecoverable)
	_, ok := h.tracker.Outstanding("a1")
	require.False(t, ok)

	h.predictor.set("p1", 0.1)
	for i := 0; i < 5; i++ {
		ev, err := h.monitor.Evaluate(ctx, "a1")
		require.NoError(t, err)
		require.Equal(t, LevelEmergency, ev.Level, "unrecoverable agents wait for an operator")
		require.Nil(t, ev.Command)
	}
}

func TestSignalSilenceEscalates(t *testing.T) {
	h := newHarness(t, transport.Ack{Accepted: true}, 3)
	ctx := context.Background()
	h.snaps.remove("p1")
	h.clock.Advance(3 * time.Minute)

	var ev Evaluation
	var err error
	for i := 0; i < 3; i++ {
		ev, err = h.monitor.Evaluate(ctx, "a1")
		require.NoError(t, err)
		require.True(t, ev.Degraded)
		require.Nil(t, ev.Assessment)
	}
	require.Equal(t, LevelCritical, ev.Level)
	require.NotNil(t, ev.Command)
	require.Equal(t, "signal silence", ev.Command.Reason)
}

func TestCompletedMigrationResetsToNormal(t *testing.T) {
	h := newHarness(t, transport.Ack{Accepted: true}, 3)
	ctx := context.Background()

	ev, err := h.monitor.HandleSignal(ctx, hardSignal())
	require.NoError(t, err)
	require.NotNil(t, ev.Command)

	_, err = h.tracker.ReportResult(ctx, commands.Result{
		CommandID: ev.Command.ID,
		Success:   true,
		Health:    &models.HealthConfirmation{BootSucceeded: true, HealthCheckPassed: true},
	})
	require.NoError(t, err)
	require.Equal(t, LevelNormal, h.monitor.Status("a1").Level)
}

func TestAssessmentsPersisted(t *testing.T) {
	h := newHarness(t, transport.Ack{Accepted: true}, 3)
	_, err := h.monitor.Evaluate(context.Background(), "a1")
	require.NoError(t, err)

	stored, err := h.store.ListAssessments(context.Background(), "a1", 10)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	require.Equal(t, "test-model", stored[0].ModelVersion)
	require.Equal(t, engine.FeatureVersion, stored[0].FeatureVersion)
	require.Equal(t, models.RecommendHold, stored[0].Recommendation)
}

func TestRunEvaluatesOnTicker(t *testing.T) {
	h := newHarness(t, transport.Ack{Accepted: true}, 3)
	h.predictor.set("p1", 0.6)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		h.monitor.Run(ctx)
		close(done)
	}()
	require.Eventually(t, func() bool { return h.clock.Pending() == 1 }, time.Second, time.Millisecond)

	h.clock.Advance(15 * time.Second)
	require.Eventually(t, func() bool { return h.monitor.Status("a1").Level == LevelWatch }, time.Second, time.Millisecond)

	cancel()
	<-done
}
