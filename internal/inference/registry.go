package inference

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/driftline/spotwatch/internal/clock"
	"github.com/driftline/spotwatch/internal/metrics"
	"github.com/driftline/spotwatch/internal/models"
	"github.com/driftline/spotwatch/internal/utils"
)

var (
	// ErrNoActiveModel is returned by Predict before any version is activated.
	ErrNoActiveModel = &utils.AppError{Code: utils.CodeFailedPrecondition, Op: "inference", Msg: "no active model"}
	// ErrUnknownModel is returned by Activate for an unregistered version.
	ErrUnknownModel = &utils.AppError{Code: utils.CodeNotFound, Op: "inference", Msg: "model version not registered"}
	// ErrInvalidScore is returned when an adapter produces NaN.
	ErrInvalidScore = &utils.AppError{Code: utils.CodeInternal, Op: "inference", Msg: "model produced a non-numeric score"}
)

// Prediction carries the versions that produced a score so it can be replayed.
type Prediction struct {
	RiskScore      float64   `json:"risk_score"`
	ModelVersion   string    `json:"model_version"`
	FeatureVersion string    `json:"feature_version"`
	ProducedAt     time.Time `json:"produced_at"`
}

// handle is one activation of an adapter. It is retired once it has been
// replaced and its last in-flight prediction has released it.
type handle struct {
	adapter  Adapter
	refs     int
	replaced bool
	retired  chan struct{}
}

// Registry holds every registered adapter and the active handle.
type Registry struct {
	clock  clock.Clock
	logger *slog.Logger

	mu       sync.Mutex
	adapters map[string]Adapter
	active   *handle
}

// NewRegistry creates an empty registry.
func NewRegistry(clk clock.Clock, logger *slog.Logger) *Registry {
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{clock: clk, logger: logger, adapters: make(map[string]Adapter)}
}

// Register adds an adapter. Versions are immutable once registered.
func (r *Registry) Register(a Adapter) error {
	if a == nil || a.ModelVersion() == "" || a.FeatureVersion() == "" {
		return utils.NewAppError(utils.CodeValidation, "inference.Register", "adapter must declare model and feature versions", nil)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.adapters[a.ModelVersion()]; exists {
		return utils.NewAppError(utils.CodeConflict, "inference.Register", "model "+a.ModelVersion()+" is already registered", nil)
	}
	r.adapters[a.ModelVersion()] = a
	r.logger.Info("model registered",
		slog.String("model_version", a.ModelVersion()),
		slog.String("feature_version", a.FeatureVersion()),
		slog.Int("features", len(a.RequiredFeatures())))
	return nil
}

// Activate publishes version as the active model. The returned channel closes
// once the previously active handle has no in-flight predictions left.
func (r *Registry) Activate(version string) (<-chan struct{}, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.adapters[version]
	if !ok {
		return nil, utils.NewAppError(utils.CodeNotFound, "inference.Activate", "model "+version+" is not registered", ErrUnknownModel)
	}
	old := r.active
	r.active = &handle{adapter: a, retired: make(chan struct{})}

	if old == nil {
		done := make(chan struct{})
		close(done)
		r.logger.Info("model activated", slog.String("model_version", version))
		return done, nil
	}
	old.replaced = true
	if old.refs == 0 {
		close(old.retired)
	}
	r.logger.Info("model activated",
		slog.String("model_version", version),
		slog.String("previous_version", old.adapter.ModelVersion()),
		slog.Int("previous_in_flight", old.refs))
	return old.retired, nil
}

// Active returns the active model version, or "" when none is active.
func (r *Registry) Active() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active == nil {
		return ""
	}
	return r.active.adapter.ModelVersion()
}

// Versions lists registered model versions.
func (r *Registry) Versions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.adapters))
	for v := range r.adapters {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

// Predict scores fv with the model active when the call starts. A swap during
// the call does not affect it.
func (r *Registry) Predict(ctx context.Context, fv models.FeatureVector) (Prediction, error) {
	h, err := r.acquire()
	if err != nil {
		return Prediction{}, err
	}
	defer r.release(h)

	a := h.adapter
	start := r.clock.Now()
	score, err := r.predict(ctx, a, fv)
	metrics.ObservePrediction(a.ModelVersion(), r.clock.Now().Sub(start), err)
	if err != nil {
		return Prediction{}, err
	}
	return Prediction{
		RiskScore:      score,
		ModelVersion:   a.ModelVersion(),
		FeatureVersion: a.FeatureVersion(),
		ProducedAt:     r.clock.Now(),
	}, nil
}

func (r *Registry) predict(ctx context.Context, a Adapter, fv models.FeatureVector) (float64, error) {
	if fv.FeatureVersion != a.FeatureVersion() {
		return 0, mismatch(a, fv.FeatureVersion)
	}
	in, err := a.Preprocess(fv)
	if err != nil {
		return 0, err
	}
	if in.FeatureVersion != a.FeatureVersion() {
		return 0, mismatch(a, in.FeatureVersion)
	}
	score, err := a.Predict(ctx, in)
	if err != nil {
		return 0, fmt.Errorf("model %s: %w", a.ModelVersion(), err)
	}
	if math.IsNaN(score) {
		return 0, ErrInvalidScore
	}
	return math.Max(0, math.Min(1, score)), nil
}

func (r *Registry) acquire() (*handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active == nil {
		return nil, ErrNoActiveModel
	}
	r.active.refs++
	return r.active, nil
}

func (r *Registry) release(h *handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h.refs--
	if h.replaced && h.refs == 0 {
		close(h.retired)
		r.logger.Info("model retired", slog.String("model_version", h.adapter.ModelVersion()))
	}
}
