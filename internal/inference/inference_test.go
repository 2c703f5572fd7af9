package inference

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/driftline/spotwatch/internal/engine"
	"github.com/driftline/spotwatch/internal/models"
	"github.com/driftline/spotwatch/internal/utils"
)

// stubAdapter returns a fixed score, optionally blocking until release is closed.
type stubAdapter struct {
	version string
	score   float64
	entered chan struct{}
	release chan struct{}
}

func (s *stubAdapter) ModelVersion() string       { return s.version }
func (s *stubAdapter) FeatureVersion() string     { return engine.FeatureVersion }
func (s *stubAdapter) RequiredFeatures() []string { return []string{"price_position"} }

func (s *stubAdapter) Preprocess(fv models.FeatureVector) (Input, error) {
	return Input{FeatureVersion: fv.FeatureVersion, Names: s.RequiredFeatures(), Values: []float64{fv.PricePosition}}, nil
}

func (s *stubAdapter) Predict(ctx context.Context, _ Input) (float64, error) {
	if s.entered != nil {
		s.entered <- struct{}{}
	}
	if s.release != nil {
		select {
		case <-s.release:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
	return s.score, nil
}

func newTestRegistry(t *testing.T, adapters ...Adapter) *Registry {
	t.Helper()
	reg := NewRegistry(nil, utils.DiscardLogger())
	for _, a := range adapters {
		if err := reg.Register(a); err != nil {
			t.Fatalf("register %s: %v", a.ModelVersion(), err)
		}
	}
	return reg
}

func vector() models.FeatureVector {
	return models.FeatureVector{FeatureVersion: engine.FeatureVersion, PoolID: "p1", PricePosition: 0.7, FamilyStressMax: 0.7}
}

func TestPredictRejectsUnknownFeatureVersion(t *testing.T) {
	reg := newTestRegistry(t, &stubAdapter{version: "m1", score: 0.4})
	if _, err := reg.Activate("m1"); err != nil {
		t.Fatalf("activate: %v", err)
	}
	for _, fv := range []string{"", "fv1", "fv3"} {
		in := vector()
		in.FeatureVersion = fv
		_, err := reg.Predict(context.Background(), in)
		if !errors.Is(err, utils.ErrFeatureSchemaMismatch) || !errors.Is(err, ErrFeatureSchemaMismatch) {
			t.Fatalf("feature version %q: expected schema mismatch, got %v", fv, err)
		}
	}
}

func TestPredictCarriesVersions(t *testing.T) {
	reg := newTestRegistry(t, &stubAdapter{version: "m1", score: 0.4})
	if _, err := reg.Predict(context.Background(), vector()); !errors.Is(err, ErrNoActiveModel) {
		t.Fatalf("expected no active model, got %v", err)
	}
	if _, err := reg.Activate("m1"); err != nil {
		t.Fatalf("activate: %v", err)
	}
	p, err := reg.Predict(context.Background(), vector())
	if err != nil {
		t.Fatalf("predict: %v", err)
	}
	if p.RiskScore != 0.4 || p.ModelVersion != "m1" || p.FeatureVersion != engine.FeatureVersion {
		t.Fatalf("unexpected prediction %+v", p)
	}
}

func TestPredictClampsAndRejectsNaN(t *testing.T) {
	reg := newTestRegistry(t,
		&stubAdapter{version: "high", score: 3},
		&stubAdapter{version: "low", score: -1},
		&stubAdapter{version: "nan", score: math.NaN()},
	)
	cases := map[string]float64{"high": 1, "low": 0}
	for version, want := range cases {
		if _, err := reg.Activate(version); err != nil {
			t.Fatalf("activate: %v", err)
		}
		p, err := reg.Predict(context.Background(), vector())
		if err != nil || p.RiskScore != want {
			t.Fatalf("%s: got %v (%v), want %v", version, p.RiskScore, err, want)
		}
	}
	if _, err := reg.Activate("nan"); err != nil {
		t.Fatalf("activate: %v", err)
	}
	if _, err := reg.Predict(context.Background(), vector()); !errors.Is(err, ErrInvalidScore) {
		t.Fatalf("expected invalid score, got %v", err)
	}
}

func TestHotSwapPinsInFlightPrediction(t *testing.T) {
	slow := &stubAdapter{version: "old", score: 0.2, entered: make(chan struct{}, 1), release: make(chan struct{})}
	reg := newTestRegistry(t, slow, &stubAdapter{version: "new", score: 0.9})
	if _, err := reg.Activate("old"); err != nil {
		t.Fatalf("activate: %v", err)
	}

	type result struct {
		p   Prediction
		err error
	}
	done := make(chan result, 1)
	go func() {
		p, err := reg.Predict(context.Background(), vector())
		done <- result{p, err}
	}()
	<-slow.entered

	retired, err := reg.Activate("new")
	if err != nil {
		t.Fatalf("activate new: %v", err)
	}
	if reg.Active() != "new" {
		t.Fatalf("active = %s", reg.Active())
	}
	select {
	case <-retired:
		t.Fatalf("old model retired while a prediction still holds it")
	default:
	}

	p, err := reg.Predict(context.Background(), vector())
	if err != nil || p.ModelVersion != "new" {
		t.Fatalf("new prediction: %+v %v", p, err)
	}

	close(slow.release)
	r := <-done
	if r.err != nil || r.p.ModelVersion != "old" || r.p.RiskScore != 0.2 {
		t.Fatalf("in-flight prediction should finish on old model: %+v %v", r.p, r.err)
	}
	select {
	case <-retired:
	case <-time.After(time.Second):
		t.Fatalf("old model was not retired after draining")
	}
}

func TestRegisterRejectsDuplicateVersion(t *testing.T) {
	reg := newTestRegistry(t, &stubAdapter{version: "m1"})
	if err := reg.Register(&stubAdapter{version: "m1"}); !errors.Is(err, utils.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if _, err := reg.Activate("missing"); !errors.Is(err, utils.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestLogisticAdapterScoresInRange(t *testing.T) {
	a, err := NewLogisticAdapter(DefaultManifest())
	if err != nil {
		t.Fatalf("adapter: %v", err)
	}
	reg := newTestRegistry(t, a)
	if _, err := reg.Activate(a.ModelVersion()); err != nil {
		t.Fatalf("activate: %v", err)
	}
	calm := models.FeatureVector{FeatureVersion: engine.FeatureVersion, PricePosition: 0.2, DiscountDepth: 0.8, FamilyStressMean: 0.2, FamilyStressMax: 0.2}
	hot := models.FeatureVector{FeatureVersion: engine.FeatureVersion, PricePosition: 0.95, DiscountDepth: 0.05, FamilyStressMean: 0.9, FamilyStressMax: 0.95,
		BusinessHours: 1, StressXBusiness: 0.95, StressXShallowDiscount: 0.9, PositionXStress: 0.85}
	low, err := reg.Predict(context.Background(), calm)
	if err != nil {
		t.Fatalf("predict calm: %v", err)
	}
	high, err := reg.Predict(context.Background(), hot)
	if err != nil {
		t.Fatalf("predict hot: %v", err)
	}
	if !(low.RiskScore < 0.5 && high.RiskScore > 0.8) {
		t.Fatalf("unexpected scores calm=%v hot=%v", low.RiskScore, high.RiskScore)
	}
}

func TestLogisticAdapterValidatesManifest(t *testing.T) {
	m := DefaultManifest()
	m.Weights = m.Weights[:2]
	if _, err := NewLogisticAdapter(m); err == nil {
		t.Fatalf("expected weight count error")
	}
	m = DefaultManifest()
	m.Features[0] = "moon_phase"
	if _, err := NewLogisticAdapter(m); err == nil {
		t.Fatalf("expected unknown feature error")
	}
}

func TestLogisticAdapterPreprocessFollowsManifestOrder(t *testing.T) {
	m := DefaultManifest()
	m.Features = []string{"family_stress_max", "price_position"}
	m.Weights = []float64{1, 1}
	a, err := NewLogisticAdapter(m)
	if err != nil {
		t.Fatalf("adapter: %v", err)
	}
	in, err := a.Preprocess(models.FeatureVector{FeatureVersion: engine.FeatureVersion, PricePosition: 0.3, FamilyStressMax: 0.9})
	if err != nil {
		t.Fatalf("preprocess: %v", err)
	}
	if len(in.Values) != 2 || in.Values[0] != 0.9 || in.Values[1] != 0.3 {
		t.Fatalf("values = %v", in.Values)
	}

	// A layout change after construction surfaces as a schema mismatch.
	a.features = []string{"moon_phase", "price_position"}
	if _, err := a.Preprocess(vector()); !errors.Is(err, ErrFeatureSchemaMismatch) {
		t.Fatalf("expected schema mismatch, got %v", err)
	}
}

func TestArtifactStoreRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store, err := NewArtifactStore(dir, utils.DiscardLogger())
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	m := DefaultManifest()
	m.ModelVersion = "risk-2026-03"
	if err := store.Save(m); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := store.Load("risk-2026-03")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.ModelVersion != m.ModelVersion || got.Bias != m.Bias || len(got.Weights) != len(m.Weights) {
		t.Fatalf("unexpected manifest %+v", got)
	}

	reg := NewRegistry(nil, utils.DiscardLogger())
	n, err := store.LoadAll(reg)
	if err != nil || n != 1 {
		t.Fatalf("load all: %d %v", n, err)
	}
	if versions := reg.Versions(); len(versions) != 1 || versions[0] != "risk-2026-03" {
		t.Fatalf("versions = %v", versions)
	}
}

func TestArtifactStoreRejectsTamperedArtifact(t *testing.T) {
	dir := t.TempDir()
	store, err := NewArtifactStore(dir, utils.DiscardLogger())
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	m := DefaultManifest()
	if err := store.Save(m); err != nil {
		t.Fatalf("save: %v", err)
	}
	path := filepath.Join(dir, m.ModelVersion+".model")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	data[len(data)-1] ^= 0xff
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := store.Load(m.ModelVersion); !errors.Is(err, ErrArtifactDigest) {
		t.Fatalf("expected digest mismatch, got %v", err)
	}
	reg := NewRegistry(nil, utils.DiscardLogger())
	if n, _ := store.LoadAll(reg); n != 0 {
		t.Fatalf("tampered artifact should be skipped")
	}
}
