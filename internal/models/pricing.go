package models

import "time"

// PricingReport is a raw price observation submitted by an agent.
type PricingReport struct {
	AgentID          string    `json:"agent_id"`
	PoolID           string    `json:"pool_id"`
	Price            float64   `json:"price"`
	CounterpartPrice float64   `json:"counterpart_price"`
	ObservedAt       time.Time `json:"observed_at"`
	SequenceNo       uint64    `json:"sequence_no"`
}

// ReportKey identifies a report for deduplication.
type ReportKey struct {
	AgentID    string
	PoolID     string
	ObservedAt int64
	SequenceNo uint64
}

// Key returns the deduplication key of the report.
func (r PricingReport) Key() ReportKey {
	return ReportKey{
		AgentID:    r.AgentID,
		PoolID:     r.PoolID,
		ObservedAt: r.ObservedAt.UnixNano(),
		SequenceNo: r.SequenceNo,
	}
}

// PricingSnapshot is the aggregated price record of one pool bucket.
type PricingSnapshot struct {
	PoolID          string    `json:"pool_id" cbor:"pool_id"`
	BucketStart     time.Time `json:"bucket_start" cbor:"bucket_start"`
	Count           int64     `json:"count" cbor:"count"`
	MeanPrice       float64   `json:"mean_price" cbor:"mean_price"`
	MinPrice        float64   `json:"min_price" cbor:"min_price"`
	MaxPrice        float64   `json:"max_price" cbor:"max_price"`
	MeanCounterpart float64   `json:"mean_counterpart_price" cbor:"mean_counterpart_price"`
	LastObservedAt  time.Time `json:"last_observed_at" cbor:"last_observed_at"`
	Interpolated    bool      `json:"interpolated" cbor:"interpolated"`
	Finalized       bool      `json:"finalized" cbor:"finalized"`
}

// SeriesPoint is one bucket of a gap-filled series. Missing points carry no snapshot.
type SeriesPoint struct {
	BucketStart time.Time        `json:"bucket_start"`
	Snapshot    *PricingSnapshot `json:"snapshot,omitempty"`
	Missing     bool             `json:"missing"`
}

// Pool describes a class of interchangeable capacity.
type Pool struct {
	ID       string `json:"id" yaml:"id"`
	Family   string `json:"family" yaml:"family"`
	Location string `json:"location" yaml:"location"`
}
