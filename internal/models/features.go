package models

import "time"

// Recommendation is the action suggested by a risk assessment.
type Recommendation string

const (
	RecommendHold              Recommendation = "hold"
	RecommendSwitch            Recommendation = "switch"
	RecommendEmergencyFailover Recommendation = "emergency_failover"
)

// FeatureVector is derived from a snapshot and its siblings; it is never stored
// as mutable state.
type FeatureVector struct {
	FeatureVersion         string    `json:"feature_version"`
	PoolID                 string    `json:"pool_id"`
	BucketStart            time.Time `json:"bucket_start"`
	PricePosition          float64   `json:"price_position"`
	DiscountDepth          float64   `json:"discount_depth"`
	FamilyStressMean       float64   `json:"family_stress_mean"`
	FamilyStressMax        float64   `json:"family_stress_max"`
	BusinessHours          float64   `json:"business_hours"`
	StressXBusiness        float64   `json:"stress_x_business"`
	StressXShallowDiscount float64   `json:"stress_x_shallow_discount"`
	PositionXStress        float64   `json:"position_x_stress"`
}

// Value returns the named feature and whether the name is known.
func (f FeatureVector) Value(name string) (float64, bool) {
	switch name {
	case "price_position":
		return f.PricePosition, true
	case "discount_depth":
		return f.DiscountDepth, true
	case "family_stress_mean":
		return f.FamilyStressMean, true
	case "family_stress_max":
		return f.FamilyStressMax, true
	case "business_hours":
		return f.BusinessHours, true
	case "stress_x_business":
		return f.StressXBusiness, true
	case "stress_x_shallow_discount":
		return f.StressXShallowDiscount, true
	case "position_x_stress":
		return f.PositionXStress, true
	default:
		return 0, false
	}
}

// RiskAssessment is the output of one monitor evaluation.
type RiskAssessment struct {
	AgentID        string         `json:"agent_id"`
	PoolID         string         `json:"pool_id"`
	RiskScore      float64        `json:"risk_score"`
	ModelVersion   string         `json:"model_version"`
	FeatureVersion string         `json:"feature_version"`
	Recommendation Recommendation `json:"recommendation"`
	ProducedAt     time.Time      `json:"produced_at"`
	Features       FeatureVector  `json:"features"`
}
