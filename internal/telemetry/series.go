package telemetry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/driftline/spotwatch/internal/cache"
	"github.com/driftline/spotwatch/internal/codec"
	"github.com/driftline/spotwatch/internal/metrics"
	"github.com/driftline/spotwatch/internal/models"
	"github.com/driftline/spotwatch/internal/utils"
)

// ErrSnapshotMissing is returned when no observed or interpolated value exists
// within the interpolation horizon.
var ErrSnapshotMissing = &utils.AppError{
	Code: utils.CodeInterpolationHorizonExceeded,
	Op:   "telemetry",
	Msg:  "no snapshot within interpolation horizon",
}

func latestKey(poolID string) string {
	return "snapshot:latest:" + poolID
}

// GetLatestSnapshot returns the newest finalized snapshot of a pool, served
// from the TTL cache when possible. A latest snapshot older than the
// interpolation horizon is reported missing.
func (g *Gate) GetLatestSnapshot(ctx context.Context, poolID string) (models.PricingSnapshot, error) {
	if raw, err := g.cache.Get(ctx, latestKey(poolID)); err == nil {
		var snap models.PricingSnapshot
		if decodeErr := codec.Unmarshal(raw, &snap); decodeErr == nil {
			metrics.SnapshotCacheLookup(true)
			return g.fresh(snap)
		}
		_ = g.cache.Del(ctx, latestKey(poolID))
	} else if !errors.Is(err, cache.ErrCacheMiss) {
		g.logger.Warn("snapshot cache read failed", slog.String("pool_id", poolID), slog.Any("error", err))
	}
	metrics.SnapshotCacheLookup(false)

	v, err, _ := g.flight.Do(poolID, func() (any, error) {
		gen := g.generation(poolID)
		snap, err := g.loadLatest(ctx, poolID)
		if err != nil {
			return models.PricingSnapshot{}, err
		}
		g.cacheLatest(ctx, poolID, snap, gen)
		return snap, nil
	})
	if err != nil {
		return models.PricingSnapshot{}, err
	}
	return g.fresh(v.(models.PricingSnapshot))
}

// cacheLatest writes snap unless a finalization ran since gen was read. A
// finalization that lands during the write is undone by deleting the entry.
func (g *Gate) cacheLatest(ctx context.Context, poolID string, snap models.PricingSnapshot, gen uint64) {
	if g.generation(poolID) != gen {
		return
	}
	raw, err := codec.Marshal(snap)
	if err != nil {
		return
	}
	if err := g.cache.Set(ctx, latestKey(poolID), raw, g.cacheTTL); err != nil {
		g.logger.Warn("snapshot cache write failed", slog.String("pool_id", poolID), slog.Any("error", err))
		return
	}
	if g.generation(poolID) != gen {
		_ = g.cache.Del(ctx, latestKey(poolID))
	}
}

func (g *Gate) fresh(snap models.PricingSnapshot) (models.PricingSnapshot, error) {
	age := g.clock.Now().Sub(snap.BucketStart.Add(g.cfg.BucketWidth))
	if age > g.cfg.InterpolationHorizon {
		return models.PricingSnapshot{}, utils.NewAppError(utils.CodeInterpolationHorizonExceeded,
			"telemetry.GetLatestSnapshot", "latest snapshot of "+snap.PoolID+" is older than the horizon", ErrSnapshotMissing)
	}
	return snap, nil
}

func (g *Gate) loadLatest(ctx context.Context, poolID string) (models.PricingSnapshot, error) {
	g.poolsMu.RLock()
	s, ok := g.pools[poolID]
	g.poolsMu.RUnlock()
	if ok {
		s.mu.Lock()
		snap, found := s.latestFinalized(poolID)
		s.mu.Unlock()
		if found {
			return snap, nil
		}
	}

	now := g.clock.Now()
	snaps, err := g.store.ListSnapshots(ctx, poolID, now.Add(-g.cfg.InterpolationHorizon-g.cfg.BucketWidth), now)
	if err != nil {
		return models.PricingSnapshot{}, err
	}
	for i := len(snaps) - 1; i >= 0; i-- {
		if snaps[i].Finalized && !snaps[i].Interpolated && snaps[i].Count > 0 {
			return snaps[i], nil
		}
	}
	return models.PricingSnapshot{}, ErrSnapshotMissing
}

// Series returns one point per bucket in [from, to]. Empty buckets are
// interpolated from their nearest observed neighbours when the neighbours lie
// within the interpolation horizon of each other; otherwise they are Missing.
func (g *Gate) Series(ctx context.Context, poolID string, from, to time.Time) ([]models.SeriesPoint, error) {
	width := g.cfg.BucketWidth
	horizon := g.cfg.InterpolationHorizon
	if n := utils.BucketCount(from, to, width); n > int64(g.cfg.MaxSeriesBuckets) {
		return nil, utils.NewAppError(utils.CodeValidation, "telemetry.Series",
			fmt.Sprintf("range covers more than %d buckets of %s", g.cfg.MaxSeriesBuckets, width), nil)
	}
	observed, err := g.observedSnapshots(ctx, poolID, from.Add(-horizon), to.Add(horizon))
	if err != nil {
		return nil, err
	}

	buckets := utils.BucketsBetween(from, to, width)
	points := make([]models.SeriesPoint, 0, len(buckets))
	for _, start := range buckets {
		points = append(points, fillPoint(poolID, start, observed, horizon))
	}
	return points, nil
}

// Snapshot returns the snapshot of a single bucket, interpolating when allowed.
func (g *Gate) Snapshot(ctx context.Context, poolID string, at time.Time) (models.PricingSnapshot, error) {
	points, err := g.Series(ctx, poolID, at, at)
	if err != nil {
		return models.PricingSnapshot{}, err
	}
	if len(points) == 0 || points[0].Missing {
		return models.PricingSnapshot{}, ErrSnapshotMissing
	}
	return *points[0].Snapshot, nil
}

// observedSnapshots merges persisted snapshots with in-memory buckets, preferring memory.
func (g *Gate) observedSnapshots(ctx context.Context, poolID string, from, to time.Time) ([]models.PricingSnapshot, error) {
	persisted, err := g.store.ListSnapshots(ctx, poolID, from, to)
	if err != nil {
		return nil, err
	}
	byStart := make(map[int64]models.PricingSnapshot, len(persisted))
	for _, snap := range persisted {
		if snap.Count > 0 && !snap.Interpolated {
			byStart[snap.BucketStart.UnixNano()] = snap
		}
	}

	g.poolsMu.RLock()
	s, ok := g.pools[poolID]
	g.poolsMu.RUnlock()
	if ok {
		lo, hi := from.UnixNano(), to.UnixNano()
		s.mu.Lock()
		for start, b := range s.buckets {
			if start >= lo && start <= hi && b.count > 0 {
				byStart[start] = b.snapshot(poolID, time.Unix(0, start).UTC())
			}
		}
		s.mu.Unlock()
	}

	out := make([]models.PricingSnapshot, 0, len(byStart))
	for _, snap := range byStart {
		out = append(out, snap)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BucketStart.Before(out[j].BucketStart) })
	return out, nil
}

// fillPoint resolves one bucket against the sorted observed snapshots.
func fillPoint(poolID string, start time.Time, observed []models.PricingSnapshot, horizon time.Duration) models.SeriesPoint {
	idx := sort.Search(len(observed), func(i int) bool { return !observed[i].BucketStart.Before(start) })
	if idx < len(observed) && observed[idx].BucketStart.Equal(start) {
		snap := observed[idx]
		return models.SeriesPoint{BucketStart: start, Snapshot: &snap}
	}
	if idx == 0 || idx == len(observed) {
		return models.SeriesPoint{BucketStart: start, Missing: true}
	}
	prev, next := observed[idx-1], observed[idx]
	span := next.BucketStart.Sub(prev.BucketStart)
	if span > horizon {
		return models.SeriesPoint{BucketStart: start, Missing: true}
	}

	frac := float64(start.Sub(prev.BucketStart)) / float64(span)
	mean := lerp(prev.MeanPrice, next.MeanPrice, frac)
	snap := models.PricingSnapshot{
		PoolID:          poolID,
		BucketStart:     start,
		MeanPrice:       mean,
		MinPrice:        mean,
		MaxPrice:        mean,
		MeanCounterpart: lerp(prev.MeanCounterpart, next.MeanCounterpart, frac),
		Interpolated:    true,
		Finalized:       prev.Finalized && next.Finalized,
	}
	return models.SeriesPoint{BucketStart: start, Snapshot: &snap}
}

func lerp(a, b, frac float64) float64 {
	return a + (b-a)*frac
}
