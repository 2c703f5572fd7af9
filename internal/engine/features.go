package engine

import (
	"fmt"
	"math"
	"time"

	"github.com/driftline/spotwatch/internal/config"
	"github.com/driftline/spotwatch/internal/models"
	"github.com/driftline/spotwatch/internal/utils"
)

// FeatureVersion identifies the layout produced by ComputeFeatures.
const FeatureVersion = "fv2"

// FeatureNames is the ordered feature layout of FeatureVersion.
var FeatureNames = []string{
	"price_position",
	"discount_depth",
	"family_stress_mean",
	"family_stress_max",
	"business_hours",
	"stress_x_business",
	"stress_x_shallow_discount",
	"position_x_stress",
}

// ErrInvalidInput rejects snapshots whose counterpart price cannot anchor a ratio.
var ErrInvalidInput = &utils.AppError{Code: utils.CodeInvalidInput, Op: "engine.ComputeFeatures", Msg: "counterpart price must be positive"}

// FeatureInput is everything a feature vector is derived from.
type FeatureInput struct {
	Snapshot models.PricingSnapshot
	// Siblings are snapshots of the other pools in the same hardware family.
	Siblings []models.PricingSnapshot
	// Location overrides the pool's configured time zone when set.
	Location *time.Location
}

// Calculator turns snapshots into feature vectors. It holds configuration only.
type Calculator struct {
	startHour  int
	endHour    int
	defaultLoc *time.Location
	catalog    *Catalog
}

// NewCalculator builds a Calculator from the business-hours configuration.
func NewCalculator(cfg config.FeaturesConfig, catalog *Catalog) (*Calculator, error) {
	loc := time.UTC
	if cfg.DefaultLocation != "" {
		l, err := time.LoadLocation(cfg.DefaultLocation)
		if err != nil {
			return nil, fmt.Errorf("features default location: %w", err)
		}
		loc = l
	}
	start, end := cfg.BusinessHourStart, cfg.BusinessHourEnd
	if start == 0 && end == 0 {
		start, end = 9, 18
	}
	if start < 0 || end > 24 || start >= end {
		return nil, fmt.Errorf("business hours %d-%d are invalid", start, end)
	}
	return &Calculator{startHour: start, endHour: end, defaultLoc: loc, catalog: catalog}, nil
}

// ComputeFeatures is deterministic: the same input always yields the same vector.
func (c *Calculator) ComputeFeatures(in FeatureInput) (models.FeatureVector, error) {
	snap := in.Snapshot
	if snap.MeanCounterpart <= 0 || math.IsNaN(snap.MeanCounterpart) {
		return models.FeatureVector{}, ErrInvalidInput
	}
	position := PricePosition(snap.MeanPrice, snap.MeanCounterpart)

	sum, peak, n := position, position, 1.0
	for _, sib := range in.Siblings {
		if sib.PoolID == snap.PoolID || sib.MeanCounterpart <= 0 {
			continue
		}
		stress := PricePosition(sib.MeanPrice, sib.MeanCounterpart)
		sum += stress
		n++
		if stress > peak {
			peak = stress
		}
	}
	mean := sum / n

	loc := in.Location
	if loc == nil {
		loc = c.catalog.Location(snap.PoolID)
	}
	if loc == nil {
		loc = c.defaultLoc
	}
	business := c.BusinessHours(snap.BucketStart, loc)
	discount := 1 - position

	return models.FeatureVector{
		FeatureVersion:         FeatureVersion,
		PoolID:                 snap.PoolID,
		BucketStart:            snap.BucketStart,
		PricePosition:          position,
		DiscountDepth:          discount,
		FamilyStressMean:       mean,
		FamilyStressMax:        peak,
		BusinessHours:          business,
		StressXBusiness:        peak * business,
		StressXShallowDiscount: peak * (1 - discount),
		PositionXStress:        position * mean,
	}, nil
}

// PricePosition is price/counterpart clamped to [0, 1].
func PricePosition(price, counterpart float64) float64 {
	if counterpart <= 0 {
		return 0
	}
	return clamp01(price / counterpart)
}

// BusinessHours is 1 on weekdays inside [start, end) local time, else 0.
func (c *Calculator) BusinessHours(t time.Time, loc *time.Location) float64 {
	local := t.In(loc)
	switch local.Weekday() {
	case time.Saturday, time.Sunday:
		return 0
	}
	if h := local.Hour(); h >= c.startHour && h < c.endHour {
		return 1
	}
	return 0
}

// Vector returns the values of the named features in order. Model adapters
// use it to lay a vector out in their declared input order.
func Vector(fv models.FeatureVector, names []string) ([]float64, error) {
	out := make([]float64, len(names))
	for i, name := range names {
		v, ok := fv.Value(name)
		if !ok {
			return nil, fmt.Errorf("unknown feature %q", name)
		}
		out[i] = v
	}
	return out, nil
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v), v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
