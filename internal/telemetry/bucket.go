package telemetry

import (
	"math"
	"sync"
	"time"

	"github.com/driftline/spotwatch/internal/models"
)

const microsPerUnit = 1_000_000

// bucket accumulates prices as integer micro-units. Integer sums, min and max
// are order independent, so concurrent writers converge to identical bits.
type bucket struct {
	count        int64
	sumPrice     int64
	sumCounter   int64
	minPrice     int64
	maxPrice     int64
	lastObserved time.Time
	finalized    bool
}

func toMicros(v float64) int64 {
	return int64(math.Round(v * microsPerUnit))
}

func fromMicros(v int64) float64 {
	return float64(v) / microsPerUnit
}

func (b *bucket) add(r models.PricingReport) {
	price := toMicros(r.Price)
	if b.count == 0 || price < b.minPrice {
		b.minPrice = price
	}
	if b.count == 0 || price > b.maxPrice {
		b.maxPrice = price
	}
	b.count++
	b.sumPrice += price
	b.sumCounter += toMicros(r.CounterpartPrice)
	if r.ObservedAt.After(b.lastObserved) {
		b.lastObserved = r.ObservedAt.UTC()
	}
}

func (b *bucket) snapshot(poolID string, start time.Time) models.PricingSnapshot {
	snap := models.PricingSnapshot{
		PoolID:         poolID,
		BucketStart:    start,
		Count:          b.count,
		MinPrice:       fromMicros(b.minPrice),
		MaxPrice:       fromMicros(b.maxPrice),
		LastObservedAt: b.lastObserved,
		Finalized:      b.finalized,
	}
	if b.count > 0 {
		snap.MeanPrice = float64(b.sumPrice) / float64(b.count) / microsPerUnit
		snap.MeanCounterpart = float64(b.sumCounter) / float64(b.count) / microsPerUnit
	}
	return snap
}

// poolSeries holds the open and recently sealed buckets of one pool plus the
// dedup keys of reports merged into them.
type poolSeries struct {
	mu      sync.Mutex
	buckets map[int64]*bucket
	seen    map[models.ReportKey]int64
	// sealedThrough is exclusive: every bucket starting before it is immutable.
	sealedThrough time.Time
	// prunedThrough is exclusive: dedup keys of buckets before it are gone.
	prunedThrough time.Time
}

func newPoolSeries(sealedThrough time.Time) *poolSeries {
	return &poolSeries{
		buckets:       make(map[int64]*bucket),
		seen:          make(map[models.ReportKey]int64),
		sealedThrough: sealedThrough,
	}
}

// seal marks buckets before watermark finalized and returns their snapshots.
func (s *poolSeries) seal(poolID string, watermark time.Time) []models.PricingSnapshot {
	if !watermark.After(s.sealedThrough) {
		return nil
	}
	s.sealedThrough = watermark
	var sealed []models.PricingSnapshot
	for start, b := range s.buckets {
		if b.finalized || !time.Unix(0, start).Before(watermark) {
			continue
		}
		b.finalized = true
		sealed = append(sealed, b.snapshot(poolID, time.Unix(0, start).UTC()))
	}
	return sealed
}

// prune drops buckets and dedup keys older than cutoff. Finalized data lives on in the store.
func (s *poolSeries) prune(cutoff time.Time) {
	limit := cutoff.UnixNano()
	for start, b := range s.buckets {
		if start < limit && b.finalized {
			delete(s.buckets, start)
		}
	}
	for key, start := range s.seen {
		if start < limit {
			delete(s.seen, key)
		}
	}
	if cutoff.After(s.prunedThrough) {
		s.prunedThrough = cutoff
	}
}

// latestFinalized returns the newest sealed bucket held in memory.
func (s *poolSeries) latestFinalized(poolID string) (models.PricingSnapshot, bool) {
	var (
		best  int64
		found bool
	)
	for start, b := range s.buckets {
		if b.finalized && b.count > 0 && (!found || start > best) {
			best, found = start, true
		}
	}
	if !found {
		return models.PricingSnapshot{}, false
	}
	return s.buckets[best].snapshot(poolID, time.Unix(0, best).UTC()), true
}
