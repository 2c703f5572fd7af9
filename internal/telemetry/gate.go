// Package telemetry is the quality gate between agent price reports and
// everything that consumes snapshots.
package telemetry

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/driftline/spotwatch/internal/cache"
	"github.com/driftline/spotwatch/internal/clock"
	"github.com/driftline/spotwatch/internal/config"
	"github.com/driftline/spotwatch/internal/metrics"
	"github.com/driftline/spotwatch/internal/models"
	"github.com/driftline/spotwatch/internal/store"
	"github.com/driftline/spotwatch/internal/utils"
)

// Outcome is the non-error result of SubmitReport.
type Outcome string

const (
	OutcomeAccepted  Outcome = "accepted"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeDropped   Outcome = "dropped"
)

// PlacementSink receives agent placement changes. The registry implements it.
type PlacementSink interface {
	UpdatePlacement(ctx context.Context, agentID, poolID string, mode models.AgentMode) error
}

// Options bundles the collaborators of a Gate. Zero fields get in-process defaults.
type Options struct {
	Store      store.Store
	Cache      cache.Provider
	CacheTTL   time.Duration
	Clock      clock.Clock
	Logger     *slog.Logger
	Placements PlacementSink
}

// Gate validates, deduplicates, rate limits and aggregates pricing reports.
type Gate struct {
	cfg        config.TelemetryConfig
	store      store.Store
	cache      cache.Provider
	cacheTTL   time.Duration
	clock      clock.Clock
	logger     *slog.Logger
	placements PlacementSink

	poolsMu sync.RWMutex
	pools   map[string]*poolSeries

	limitersMu sync.Mutex
	limiters   map[string]*rate.Limiter
	drops      map[string]int64

	duplicates atomic.Int64
	flight     singleflight.Group

	// gens counts finalizations per pool so a slow loader cannot cache a
	// snapshot that a finalization has already superseded.
	gensMu sync.Mutex
	gens   map[string]uint64
}

// New constructs a Gate.
func New(cfg config.TelemetryConfig, opts Options) *Gate {
	if opts.Store == nil {
		opts.Store = store.NewMemory()
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Cache == nil {
		opts.Cache = cache.NewMemoryProvider(opts.Clock)
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if cfg.FinalizeInterval <= 0 {
		cfg.FinalizeInterval = cfg.BucketWidth / 4
	}
	if cfg.MaxSeriesBuckets <= 0 {
		cfg.MaxSeriesBuckets = 10000
	}
	return &Gate{
		cfg:        cfg,
		store:      opts.Store,
		cache:      opts.Cache,
		cacheTTL:   opts.CacheTTL,
		clock:      opts.Clock,
		logger:     opts.Logger,
		placements: opts.Placements,
		pools:      make(map[string]*poolSeries),
		limiters:   make(map[string]*rate.Limiter),
		drops:      make(map[string]int64),
		gens:       make(map[string]uint64),
	}
}

// SubmitReport runs a report through the gate. Duplicates and rate-limited
// reports are outcomes, not errors; only validation failures return an error.
func (g *Gate) SubmitReport(ctx context.Context, r models.PricingReport) (Outcome, error) {
	now := g.clock.Now()
	if err := g.validate(r, now); err != nil {
		g.reject(r, err)
		return "", err
	}

	key := r.Key()
	start := utils.BucketStart(r.ObservedAt, g.cfg.BucketWidth)
	series := g.series(r.PoolID, now)

	series.mu.Lock()
	_, seen := series.seen[key]
	// Keys of pruned buckets are gone; a report for one is a replay of sealed data.
	if seen || start.Before(series.prunedThrough) {
		series.mu.Unlock()
		g.duplicates.Add(1)
		metrics.ReportDuplicate()
		return OutcomeDuplicate, nil
	}
	if start.Before(series.sealedThrough) {
		series.mu.Unlock()
		err := invalid(ReasonBucketFinalized, "bucket %s of pool %s is sealed", start.Format(time.RFC3339), r.PoolID)
		g.reject(r, err)
		return "", err
	}
	if !g.allow(r.AgentID, now) {
		series.mu.Unlock()
		g.drop(r)
		return OutcomeDropped, nil
	}
	b, ok := series.buckets[start.UnixNano()]
	if !ok {
		b = &bucket{}
		series.buckets[start.UnixNano()] = b
	}
	b.add(r)
	series.seen[key] = start.UnixNano()
	series.mu.Unlock()

	metrics.ReportAccepted()
	return OutcomeAccepted, nil
}

// DuplicateCount is the number of idempotent resubmissions seen so far.
func (g *Gate) DuplicateCount() int64 {
	return g.duplicates.Load()
}

// DropCount is the number of reports from agentID dropped by the rate limit.
func (g *Gate) DropCount(agentID string) int64 {
	g.limitersMu.Lock()
	defer g.limitersMu.Unlock()
	return g.drops[agentID]
}

// UpdatePlacement records an agent's new pool after a completed migration.
func (g *Gate) UpdatePlacement(ctx context.Context, agentID, poolID string, mode models.AgentMode) error {
	g.logger.Info("agent placement updated",
		slog.String("agent_id", agentID),
		slog.String("pool_id", poolID),
		slog.String("mode", string(mode)))
	if g.placements == nil {
		return nil
	}
	return g.placements.UpdatePlacement(ctx, agentID, poolID, mode)
}

func (g *Gate) series(poolID string, now time.Time) *poolSeries {
	g.poolsMu.RLock()
	s, ok := g.pools[poolID]
	g.poolsMu.RUnlock()
	if ok {
		return s
	}

	g.poolsMu.Lock()
	defer g.poolsMu.Unlock()
	if s, ok = g.pools[poolID]; ok {
		return s
	}
	s = newPoolSeries(g.watermark(now))
	g.pools[poolID] = s
	return s
}

// watermark is the exclusive bucket start before which every bucket is due
// for finalization at now.
func (g *Gate) watermark(now time.Time) time.Time {
	return utils.BucketStart(now.Add(-g.cfg.BucketWidth-g.cfg.FinalizeGrace), g.cfg.BucketWidth).Add(g.cfg.BucketWidth)
}

func (g *Gate) allow(agentID string, now time.Time) bool {
	if g.cfg.RatePerSecond <= 0 {
		return true
	}
	g.limitersMu.Lock()
	limiter, ok := g.limiters[agentID]
	if !ok {
		burst := g.cfg.RateBurst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(g.cfg.RatePerSecond), burst)
		g.limiters[agentID] = limiter
	}
	g.limitersMu.Unlock()
	return limiter.AllowN(now, 1)
}

func (g *Gate) drop(r models.PricingReport) {
	g.limitersMu.Lock()
	g.drops[r.AgentID]++
	total := g.drops[r.AgentID]
	g.limitersMu.Unlock()

	metrics.ReportDropped()
	g.logger.Warn("pricing report dropped by rate limit",
		slog.String("agent_id", r.AgentID),
		slog.String("pool_id", r.PoolID),
		slog.Uint64("sequence_no", r.SequenceNo),
		slog.Int64("dropped_total", total))
}

func (g *Gate) reject(r models.PricingReport, err error) {
	reason := "unknown"
	var verr *ValidationError
	if errors.As(err, &verr) {
		reason = verr.Reason
	}
	metrics.ReportRejected(reason)
	g.logger.Debug("pricing report rejected",
		slog.String("agent_id", r.AgentID),
		slog.String("pool_id", r.PoolID),
		slog.String("reason", reason))
}

// FinalizeDue seals every bucket whose end plus grace has passed, persists the
// sealed snapshots and invalidates the pools' cached latest snapshot.
func (g *Gate) FinalizeDue(ctx context.Context, now time.Time) []models.PricingSnapshot {
	watermark := g.watermark(now)
	retain := watermark.Add(-g.cfg.InterpolationHorizon - g.cfg.BucketWidth)

	g.poolsMu.RLock()
	ids := make([]string, 0, len(g.pools))
	series := make([]*poolSeries, 0, len(g.pools))
	for id, s := range g.pools {
		ids = append(ids, id)
		series = append(series, s)
	}
	g.poolsMu.RUnlock()

	var all []models.PricingSnapshot
	for i, s := range series {
		s.mu.Lock()
		sealed := s.seal(ids[i], watermark)
		s.prune(retain)
		s.mu.Unlock()
		if len(sealed) == 0 {
			continue
		}

		for _, snap := range sealed {
			if err := g.store.UpsertSnapshot(ctx, snap); err != nil {
				g.logger.Error("persist snapshot failed",
					slog.String("pool_id", snap.PoolID),
					slog.Time("bucket_start", snap.BucketStart),
					slog.Any("error", err))
			}
			metrics.SnapshotFinalized()
		}
		g.bumpGeneration(ids[i])
		if err := g.cache.Del(ctx, latestKey(ids[i])); err != nil {
			g.logger.Warn("invalidate snapshot cache failed", slog.String("pool_id", ids[i]), slog.Any("error", err))
		}
		all = append(all, sealed...)
	}
	return all
}

func (g *Gate) bumpGeneration(poolID string) {
	g.gensMu.Lock()
	g.gens[poolID]++
	g.gensMu.Unlock()
}

func (g *Gate) generation(poolID string) uint64 {
	g.gensMu.Lock()
	defer g.gensMu.Unlock()
	return g.gens[poolID]
}

// Run finalizes buckets on a ticker until ctx is cancelled.
func (g *Gate) Run(ctx context.Context) {
	ticker := g.clock.NewTicker(g.cfg.FinalizeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.FinalizeDue(ctx, g.clock.Now())
		}
	}
}

// Restore warms the in-memory series of poolIDs with finalized snapshots
// inside the interpolation horizon.
func (g *Gate) Restore(ctx context.Context, poolIDs []string) error {
	now := g.clock.Now()
	from := now.Add(-g.cfg.InterpolationHorizon - 2*g.cfg.BucketWidth - g.cfg.FinalizeGrace)
	for _, poolID := range poolIDs {
		snaps, err := g.store.ListSnapshots(ctx, poolID, from, now)
		if err != nil {
			return err
		}
		s := g.series(poolID, now)
		s.mu.Lock()
		for _, snap := range snaps {
			if !snap.Finalized || snap.Interpolated {
				continue
			}
			s.buckets[snap.BucketStart.UnixNano()] = bucketFromSnapshot(snap)
		}
		s.mu.Unlock()
	}
	return nil
}

func bucketFromSnapshot(snap models.PricingSnapshot) *bucket {
	return &bucket{
		count:        snap.Count,
		sumPrice:     toMicros(snap.MeanPrice * float64(snap.Count)),
		sumCounter:   toMicros(snap.MeanCounterpart * float64(snap.Count)),
		minPrice:     toMicros(snap.MinPrice),
		maxPrice:     toMicros(snap.MaxPrice),
		lastObserved: snap.LastObservedAt,
		finalized:    true,
	}
}
