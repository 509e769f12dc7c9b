// Package stats collects per-tier hit, miss and eviction counters together
// with sampled memory usage, reports them periodically and raises hit-rate
// alarms. Statistics never influence cache behavior.
package stats

import (
	"context"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"

	"goflare.io/strata/internal/config"
	"goflare.io/strata/internal/models"
)

// TierCounters holds the monotonically increasing counters of one tier.
type TierCounters struct {
	Hits        atomic.Int64
	Misses      atomic.Int64
	Evictions   atomic.Int64
	Expirations atomic.Int64
	Promotions  atomic.Int64
	Errors      atomic.Int64
}

// TierStatistics is a point-in-time copy of one tier's counters.
type TierStatistics struct {
	Hits        int64   `json:"hits"`
	Misses      int64   `json:"misses"`
	Evictions   int64   `json:"evictions"`
	Expirations int64   `json:"expirations"`
	Promotions  int64   `json:"promotions"`
	Errors      int64   `json:"errors"`
	HitRate     float64 `json:"hit_rate"`
	Size        int     `json:"size"`
	Bytes       int64   `json:"bytes"`
}

// Statistics is a snapshot of every counter.
type Statistics struct {
	L1          TierStatistics `json:"l1"`
	L2          TierStatistics `json:"l2"`
	L3          TierStatistics `json:"l3"`
	Misses      int64          `json:"misses"`
	MemoryUsage uint64         `json:"memory_usage"`
	MemoryPeak  uint64         `json:"memory_peak"`
	TakenAt     time.Time      `json:"taken_at"`
}

// Tier returns the statistics of t.
func (s Statistics) Tier(t models.Tier) TierStatistics {
	switch t {
	case models.Tier2:
		return s.L2
	case models.Tier3:
		return s.L3
	default:
		return s.L1
	}
}

// SizeFunc reports the current entry count and payload bytes of a tier.
type SizeFunc func() (int, int64)

// Collector aggregates counters for the three tiers.
type Collector struct {
	tiers       map[models.Tier]*TierCounters
	sizes       map[models.Tier]SizeFunc
	misses      atomic.Int64
	memoryUsage atomic.Uint64
	memoryPeak  atomic.Uint64

	config config.StatsConfig
	logger *zap.Logger
}

// NewCollector creates a new Collector.
func NewCollector(cfg config.StatsConfig, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Collector{
		tiers:  make(map[models.Tier]*TierCounters, len(models.Tiers)),
		sizes:  make(map[models.Tier]SizeFunc, len(models.Tiers)),
		config: cfg,
		logger: logger,
	}
	for _, t := range models.Tiers {
		c.tiers[t] = &TierCounters{}
	}
	return c
}

// TrackSize registers the size source of a tier. It must be called before
// the collector is shared.
func (c *Collector) TrackSize(t models.Tier, fn SizeFunc) {
	c.sizes[t] = fn
}

// Tier returns the live counters of t.
func (c *Collector) Tier(t models.Tier) *TierCounters {
	return c.tiers[t]
}

func (c *Collector) Hit(t models.Tier) { c.tiers[t].Hits.Inc() }
func (c *Collector) Miss(t models.Tier) { c.tiers[t].Misses.Inc() }
func (c *Collector) Promoted(t models.Tier) { c.tiers[t].Promotions.Inc() }
func (c *Collector) Error(t models.Tier) { c.tiers[t].Errors.Inc() }
func (c *Collector) Evicted(t models.Tier, n int) { c.tiers[t].Evictions.Add(int64(n)) }
func (c *Collector) Expired(t models.Tier, n int) { c.tiers[t].Expirations.Add(int64(n)) }

// Missed records a lookup that missed every tier.
func (c *Collector) Missed() { c.misses.Inc() }

// RecordMemory stores a memory sample and raises the peak when exceeded.
func (c *Collector) RecordMemory(used uint64) {
	c.memoryUsage.Store(used)
	for {
		peak := c.memoryPeak.Load()
		if used <= peak || c.memoryPeak.CompareAndSwap(peak, used) {
			return
		}
	}
}

// HitRate returns hits / (hits + misses), or zero without traffic.
func HitRate(hits, misses int64) float64 {
	total := hits + misses
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total)
}

// Snapshot returns the current statistics.
func (c *Collector) Snapshot() Statistics {
	s := Statistics{
		L1:          c.tierSnapshot(models.Tier1),
		L2:          c.tierSnapshot(models.Tier2),
		L3:          c.tierSnapshot(models.Tier3),
		Misses:      c.misses.Load(),
		MemoryUsage: c.memoryUsage.Load(),
		MemoryPeak:  c.memoryPeak.Load(),
		TakenAt:     time.Now(),
	}
	return s
}

func (c *Collector) tierSnapshot(t models.Tier) TierStatistics {
	tc := c.tiers[t]
	ts := TierStatistics{
		Hits:        tc.Hits.Load(),
		Misses:      tc.Misses.Load(),
		Evictions:   tc.Evictions.Load(),
		Expirations: tc.Expirations.Load(),
		Promotions:  tc.Promotions.Load(),
		Errors:      tc.Errors.Load(),
	}
	ts.HitRate = HitRate(ts.Hits, ts.Misses)
	if fn, ok := c.sizes[t]; ok {
		ts.Size, ts.Bytes = fn()
	}
	return ts
}

// Alarm describes a tier whose hit rate fell below its threshold.
type Alarm struct {
	Tier      models.Tier
	HitRate   float64
	Threshold float64
}

// Report logs the snapshot and returns the alarms it raised. Tiers without
// traffic never alarm.
func (c *Collector) Report() (Statistics, []Alarm) {
	s := c.Snapshot()

	c.logger.Info("Cache statistics",
		zap.Int64("l1_hits", s.L1.Hits), zap.Int64("l1_misses", s.L1.Misses),
		zap.Int64("l1_evictions", s.L1.Evictions), zap.Int("l1_size", s.L1.Size),
		zap.Float64("l1_hit_rate", s.L1.HitRate),
		zap.Int64("l2_hits", s.L2.Hits), zap.Int64("l2_misses", s.L2.Misses),
		zap.Int64("l2_errors", s.L2.Errors), zap.Float64("l2_hit_rate", s.L2.HitRate),
		zap.Int64("l3_hits", s.L3.Hits), zap.Int64("l3_misses", s.L3.Misses),
		zap.Int64("l3_evictions", s.L3.Evictions), zap.Int("l3_size", s.L3.Size),
		zap.Int64("misses", s.Misses),
		zap.Uint64("memory_usage", s.MemoryUsage), zap.Uint64("memory_peak", s.MemoryPeak),
	)

	var alarms []Alarm
	check := func(t models.Tier, ts TierStatistics, threshold float64) {
		if ts.Hits+ts.Misses == 0 || ts.HitRate >= threshold {
			return
		}
		alarms = append(alarms, Alarm{Tier: t, HitRate: ts.HitRate, Threshold: threshold})
		c.logger.Warn("Cache hit rate below threshold",
			zap.Stringer("tier", t),
			zap.Float64("hit_rate", ts.HitRate),
			zap.Float64("threshold", threshold))
	}
	check(models.Tier1, s.L1, c.config.Tier1HitRateAlarm)
	check(models.Tier2, s.L2, c.config.Tier2HitRateAlarm)

	return s, alarms
}

// Run reports on every interval until ctx is done.
func (c *Collector) Run(ctx context.Context) {
	if c.config.ReportInterval <= 0 {
		return
	}
	ticker := time.NewTicker(c.config.ReportInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.Report()
		case <-ctx.Done():
			c.logger.Info("Stopping statistics reporter due to context cancellation")
			return
		}
	}
}
