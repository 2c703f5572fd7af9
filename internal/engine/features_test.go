package engine

import (
	"errors"
	"math"
	"reflect"
	"testing"
	"time"

	"github.com/driftline/spotwatch/internal/config"
	"github.com/driftline/spotwatch/internal/models"
	"github.com/driftline/spotwatch/internal/utils"
)

func testCalculator(t *testing.T) *Calculator {
	t.Helper()
	catalog, err := NewCatalog([]models.Pool{
		{ID: "p1", Family: "m5", Location: "America/New_York"},
		{ID: "p2", Family: "m5", Location: "America/New_York"},
		{ID: "p3", Family: "c6", Location: "Europe/Berlin"},
	})
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	calc, err := NewCalculator(config.FeaturesConfig{BusinessHourStart: 9, BusinessHourEnd: 18, DefaultLocation: "UTC"}, catalog)
	if err != nil {
		t.Fatalf("calculator: %v", err)
	}
	return calc
}

func snap(pool string, price, counterpart float64, at time.Time) models.PricingSnapshot {
	return models.PricingSnapshot{PoolID: pool, BucketStart: at, Count: 1, MeanPrice: price, MeanCounterpart: counterpart}
}

// Monday 2026-03-02 03:00 in New York.
var nightNY = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

// Monday 2026-03-02 11:00 in New York.
var noonNY = time.Date(2026, 3, 2, 16, 0, 0, 0, time.UTC)

func TestStressTimesBusinessSilencedAtNight(t *testing.T) {
	calc := testCalculator(t)
	fv, err := calc.ComputeFeatures(FeatureInput{
		Snapshot: snap("p1", 0.05, 0.1, nightNY),
		Siblings: []models.PricingSnapshot{snap("p2", 0.09, 0.1, nightNY)},
	})
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if math.Abs(fv.FamilyStressMax-0.9) > 1e-12 {
		t.Fatalf("family stress max = %v", fv.FamilyStressMax)
	}
	if fv.BusinessHours != 0 || fv.StressXBusiness != 0 {
		t.Fatalf("stress x business should be silenced outside business hours: %+v", fv)
	}

	fv, err = calc.ComputeFeatures(FeatureInput{
		Snapshot: snap("p1", 0.05, 0.1, noonNY),
		Siblings: []models.PricingSnapshot{snap("p2", 0.09, 0.1, noonNY)},
	})
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if fv.BusinessHours != 1 || math.Abs(fv.StressXBusiness-0.9) > 1e-12 {
		t.Fatalf("expected live interaction during business hours: %+v", fv)
	}
}

func TestShallowDiscountUnderStressRecommendsSwitch(t *testing.T) {
	calc := testCalculator(t)
	fv, err := calc.ComputeFeatures(FeatureInput{Snapshot: snap("p1", 0.09, 0.1, nightNY)})
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if math.Abs(fv.DiscountDepth-0.1) > 1e-9 || math.Abs(fv.FamilyStressMax-0.9) > 1e-9 {
		t.Fatalf("unexpected inputs: %+v", fv)
	}
	if fv.StressXShallowDiscount < 0.8 {
		t.Fatalf("stress x shallow discount = %v, want >= 0.8", fv.StressXShallowDiscount)
	}

	rules, err := NewRuleEngine("", utils.DiscardLogger())
	if err != nil {
		t.Fatalf("rules: %v", err)
	}
	got := rules.Recommend(0.1, fv)
	if got != models.RecommendSwitch && got != models.RecommendEmergencyFailover {
		t.Fatalf("expected switch or emergency_failover, got %s", got)
	}
}

func TestComputeFeaturesIsDeterministic(t *testing.T) {
	calc := testCalculator(t)
	in := FeatureInput{
		Snapshot: snap("p1", 0.031, 0.097, noonNY),
		Siblings: []models.PricingSnapshot{snap("p2", 0.044, 0.1, noonNY), snap("p2b", 0.02, 0.09, noonNY)},
	}
	first, err := calc.ComputeFeatures(in)
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	for i := 0; i < 50; i++ {
		again, err := calc.ComputeFeatures(in)
		if err != nil || !reflect.DeepEqual(first, again) {
			t.Fatalf("iteration %d differs: %+v vs %+v (%v)", i, first, again, err)
		}
	}
	if first.FeatureVersion != FeatureVersion {
		t.Fatalf("feature version = %q", first.FeatureVersion)
	}
}

func TestComputeFeaturesRejectsNonPositiveCounterpart(t *testing.T) {
	calc := testCalculator(t)
	for _, counterpart := range []float64{0, -0.5} {
		_, err := calc.ComputeFeatures(FeatureInput{Snapshot: snap("p1", 0.03, counterpart, noonNY)})
		if !errors.Is(err, ErrInvalidInput) || !errors.Is(err, utils.ErrInvalidInput) {
			t.Fatalf("counterpart %v: expected invalid input, got %v", counterpart, err)
		}
	}
}

func TestPricePositionClamps(t *testing.T) {
	calc := testCalculator(t)
	fv, err := calc.ComputeFeatures(FeatureInput{Snapshot: snap("p3", 0.3, 0.1, noonNY)})
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if fv.PricePosition != 1 || fv.DiscountDepth != 0 {
		t.Fatalf("position should clamp to 1: %+v", fv)
	}
}

func TestWeekendIsOutsideBusinessHours(t *testing.T) {
	calc := testCalculator(t)
	saturdayNoon := time.Date(2026, 3, 7, 11, 0, 0, 0, time.UTC)
	if got := calc.BusinessHours(saturdayNoon, time.UTC); got != 0 {
		t.Fatalf("saturday should not be business hours")
	}
}

func TestCatalogSiblings(t *testing.T) {
	catalog, err := NewCatalog([]models.Pool{{ID: "a", Family: "f"}, {ID: "b", Family: "f"}, {ID: "c", Family: "g"}})
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	sibs := catalog.Siblings("a")
	if len(sibs) != 1 || sibs[0].ID != "b" {
		t.Fatalf("unexpected siblings %+v", sibs)
	}
	if _, err := NewCatalog([]models.Pool{{ID: "a"}, {ID: "a"}}); err == nil {
		t.Fatalf("expected duplicate pool error")
	}
}

func TestVectorOrder(t *testing.T) {
	fv := models.FeatureVector{PricePosition: 0.4, DiscountDepth: 0.6, PositionXStress: 0.2}
	vec, err := Vector(fv, FeatureNames)
	if err != nil {
		t.Fatalf("vector: %v", err)
	}
	if vec[0] != 0.4 || vec[1] != 0.6 || vec[len(vec)-1] != 0.2 {
		t.Fatalf("unexpected vector %v", vec)
	}
}
