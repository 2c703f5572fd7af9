package telemetry

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/driftline/spotwatch/internal/models"
	"github.com/driftline/spotwatch/internal/utils"
)

// Reason codes carried by ValidationError.
const (
	ReasonMissingAgentID          = "missing_agent_id"
	ReasonMissingPoolID           = "missing_pool_id"
	ReasonNotFinite               = "not_finite"
	ReasonPriceNotPositive        = "price_not_positive"
	ReasonPriceAboveCeiling       = "price_above_ceiling"
	ReasonCounterpartNotPositive  = "counterpart_not_positive"
	ReasonCounterpartAboveCeiling = "counterpart_above_ceiling"
	ReasonMissingObservedAt       = "missing_observed_at"
	ReasonObservedInFuture        = "observed_in_future"
	ReasonBucketFinalized         = "bucket_finalized"
)

// ValidationError rejects a report at the boundary. It unwraps to a
// utils.AppError with CodeValidation so errors.Is(err, utils.ErrValidation) holds.
type ValidationError struct {
	Reason string
	Detail string
}

func (e *ValidationError) Error() string {
	if e.Detail == "" {
		return "invalid pricing report: " + e.Reason
	}
	return fmt.Sprintf("invalid pricing report: %s: %s", e.Reason, e.Detail)
}

func (e *ValidationError) Unwrap() error {
	return &utils.AppError{Code: utils.CodeValidation, Op: "telemetry.SubmitReport", Msg: e.Reason}
}

func invalid(reason, format string, args ...any) error {
	return &ValidationError{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

// validate checks a report's fields against the configured bounds. Bucket
// finality is checked separately under the pool lock.
func (g *Gate) validate(r models.PricingReport, now time.Time) error {
	if strings.TrimSpace(r.AgentID) == "" {
		return &ValidationError{Reason: ReasonMissingAgentID}
	}
	if strings.TrimSpace(r.PoolID) == "" {
		return &ValidationError{Reason: ReasonMissingPoolID}
	}
	if !finite(r.Price) || !finite(r.CounterpartPrice) {
		return &ValidationError{Reason: ReasonNotFinite}
	}
	ceiling := g.cfg.PriceCeiling
	switch {
	case r.Price <= 0:
		return invalid(ReasonPriceNotPositive, "price %g", r.Price)
	case r.Price >= ceiling:
		return invalid(ReasonPriceAboveCeiling, "price %g >= ceiling %g", r.Price, ceiling)
	case r.CounterpartPrice <= 0:
		return invalid(ReasonCounterpartNotPositive, "counterpart_price %g", r.CounterpartPrice)
	case r.CounterpartPrice >= ceiling:
		return invalid(ReasonCounterpartAboveCeiling, "counterpart_price %g >= ceiling %g", r.CounterpartPrice, ceiling)
	}
	if r.ObservedAt.IsZero() {
		return &ValidationError{Reason: ReasonMissingObservedAt}
	}
	if r.ObservedAt.After(now.Add(g.cfg.MaxClockSkew)) {
		return invalid(ReasonObservedInFuture, "observed_at %s is ahead of %s", r.ObservedAt.Format(time.RFC3339), now.Format(time.RFC3339))
	}
	return nil
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
