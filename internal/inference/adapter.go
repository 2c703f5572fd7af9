// Package inference holds the model adapters that turn feature vectors into
// risk scores, and the registry that hot-swaps the active one.
package inference

import (
	"context"
	"fmt"
	"math"

	"github.com/driftline/spotwatch/internal/engine"
	"github.com/driftline/spotwatch/internal/models"
	"github.com/driftline/spotwatch/internal/utils"
)

// ErrFeatureSchemaMismatch is returned whenever the caller's feature version or
// layout differs from what the adapter declares. Inputs are never coerced.
var ErrFeatureSchemaMismatch = &utils.AppError{
	Code: utils.CodeFeatureSchemaMismatch,
	Op:   "inference",
	Msg:  "feature schema mismatch",
}

// Input is a preprocessed, ordered feature vector.
type Input struct {
	FeatureVersion string
	Names          []string
	Values         []float64
}

// Adapter is the fixed contract every model implements. Adapters are
// inference-only and must not have side effects.
type Adapter interface {
	ModelVersion() string
	FeatureVersion() string
	RequiredFeatures() []string
	Preprocess(fv models.FeatureVector) (Input, error)
	Predict(ctx context.Context, in Input) (float64, error)
}

// LogisticAdapter scores sigmoid(bias + sum(weight_i * feature_i)).
type LogisticAdapter struct {
	modelVersion   string
	featureVersion string
	features       []string
	weights        []float64
	bias           float64
}

// NewLogisticAdapter validates a manifest of kind "logistic".
func NewLogisticAdapter(m Manifest) (*LogisticAdapter, error) {
	if m.Kind != "" && m.Kind != KindLogistic {
		return nil, fmt.Errorf("model %s: unsupported kind %q", m.ModelVersion, m.Kind)
	}
	if m.ModelVersion == "" || m.FeatureVersion == "" {
		return nil, fmt.Errorf("model and feature versions are required")
	}
	if len(m.Features) == 0 || len(m.Features) != len(m.Weights) {
		return nil, fmt.Errorf("model %s: %d features but %d weights", m.ModelVersion, len(m.Features), len(m.Weights))
	}
	if _, err := engine.Vector(models.FeatureVector{}, m.Features); err != nil {
		return nil, fmt.Errorf("model %s: %w", m.ModelVersion, err)
	}
	for _, w := range append([]float64{m.Bias}, m.Weights...) {
		if math.IsNaN(w) || math.IsInf(w, 0) {
			return nil, fmt.Errorf("model %s: weights must be finite", m.ModelVersion)
		}
	}
	return &LogisticAdapter{
		modelVersion:   m.ModelVersion,
		featureVersion: m.FeatureVersion,
		features:       append([]string(nil), m.Features...),
		weights:        append([]float64(nil), m.Weights...),
		bias:           m.Bias,
	}, nil
}

func (a *LogisticAdapter) ModelVersion() string   { return a.modelVersion }
func (a *LogisticAdapter) FeatureVersion() string { return a.featureVersion }

func (a *LogisticAdapter) RequiredFeatures() []string {
	return append([]string(nil), a.features...)
}

// Preprocess orders the vector by the required feature names.
func (a *LogisticAdapter) Preprocess(fv models.FeatureVector) (Input, error) {
	if fv.FeatureVersion != a.featureVersion {
		return Input{}, mismatch(a, fv.FeatureVersion)
	}
	values, err := engine.Vector(fv, a.features)
	if err != nil {
		return Input{}, utils.NewAppError(utils.CodeFeatureSchemaMismatch, "inference.Preprocess", err.Error(), ErrFeatureSchemaMismatch)
	}
	return Input{FeatureVersion: a.featureVersion, Names: a.RequiredFeatures(), Values: values}, nil
}

// Predict returns the raw logistic score.
func (a *LogisticAdapter) Predict(ctx context.Context, in Input) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if in.FeatureVersion != a.featureVersion {
		return 0, mismatch(a, in.FeatureVersion)
	}
	if len(in.Values) != len(a.weights) {
		return 0, utils.NewAppError(utils.CodeFeatureSchemaMismatch, "inference.Predict",
			fmt.Sprintf("expected %d features, got %d", len(a.weights), len(in.Values)), ErrFeatureSchemaMismatch)
	}
	z := a.bias
	for i, w := range a.weights {
		z += w * in.Values[i]
	}
	return 1 / (1 + math.Exp(-z)), nil
}

func mismatch(a Adapter, got string) error {
	return utils.NewAppError(utils.CodeFeatureSchemaMismatch, "inference",
		fmt.Sprintf("model %s expects feature version %q, got %q", a.ModelVersion(), a.FeatureVersion(), got),
		ErrFeatureSchemaMismatch)
}
