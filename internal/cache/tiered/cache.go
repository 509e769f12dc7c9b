// Package tiered implements the tier orchestrator: cascade reads with
// promotion, fan-out writes, sliding TTL extension and the background passes
// that share the tiers with the request path.
package tiered

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"goflare.io/strata/internal/cache/local"
	"goflare.io/strata/internal/cache/remote"
	"goflare.io/strata/internal/config"
	"goflare.io/strata/internal/models"
	"goflare.io/strata/internal/stats"
)

var ErrNoSource = errors.New("no backing source configured")

// GetOptions tunes one lookup.
type GetOptions struct {
	// BypassCache reports absent without probing any tier.
	BypassCache bool
	// RefreshTTL extends the TTL of a hit based on its access count.
	RefreshTTL bool
}

// SetOptions tunes one write.
type SetOptions struct {
	// Tiers selects the target tiers. Zero means every tier.
	Tiers    models.TierMask
	Priority models.Priority
	// Category selects the base TTL when the write carries none.
	Category string
}

// Cache is the tier orchestrator. It is safe for concurrent use.
type Cache struct {
	config *config.Config
	tier1  *local.Store
	tier2  *remote.Store
	tier3  *local.Store

	stats  *stats.Collector
	ttl    *TTLManager
	memory *MemoryMonitor
	warmer *Warmer
	filter *BloomFilter

	sf     singleflight.Group
	tracer trace.Tracer
	logger *zap.Logger

	startOnce sync.Once
	closeOnce sync.Once
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// New creates a new Cache from cfg. The networked tier is built from
// cfg.RedisClient, or from cfg.Tier2 when no client is injected.
func New(cfg *config.Config) (*Cache, error) {
	collector := stats.NewCollector(cfg.Stats, cfg.Logger)

	tier1, err := local.New(local.Options{
		Name:             models.Tier1.String(),
		Capacity:         cfg.Tier1.Capacity,
		EvictionFraction: cfg.Tier1.EvictionFraction,
		Policy:           local.PriorityLRU{},
		Logger:           cfg.Logger,
		OnEvict:          func(n int) { collector.Evicted(models.Tier1, n) },
		OnExpire:         func(n int) { collector.Expired(models.Tier1, n) },
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create tier 1: %w", err)
	}

	tier3, err := local.New(local.Options{
		Name:             models.Tier3.String(),
		Capacity:         cfg.Tier3.Capacity,
		EvictionFraction: cfg.Tier3.EvictionFraction,
		Policy:           local.LRU{},
		Logger:           cfg.Logger,
		OnEvict:          func(n int) { collector.Evicted(models.Tier3, n) },
		OnExpire:         func(n int) { collector.Expired(models.Tier3, n) },
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create tier 3: %w", err)
	}

	collector.TrackSize(models.Tier1, func() (int, int64) { return tier1.Len(), tier1.Bytes() })
	collector.TrackSize(models.Tier3, func() (int, int64) { return tier3.Len(), tier3.Bytes() })

	c := &Cache{
		config: cfg,
		tier1:  tier1,
		tier3:  tier3,
		stats:  collector,
		tracer: otel.Tracer("strata"),
		logger: cfg.Logger,
	}

	var counter Counter
	if cfg.Tier2.Enabled {
		client := cfg.RedisClient
		if client == nil {
			client = remote.NewClient(cfg.Tier2)
		}
		c.tier2, err = remote.New(client, cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to create tier 2: %w", err)
		}
		counter = c.tier2
	}

	c.ttl, err = NewTTLManager(cfg, counter)
	if err != nil {
		return nil, err
	}
	c.memory = NewMemoryMonitor(cfg, tier1, tier3, collector, c.tracer)
	if cfg.Source != nil {
		c.warmer = newWarmer(cfg, c)
	}
	if cfg.BloomFilter.Enabled {
		c.filter = NewBloomFilter(cfg.BloomFilter, c.tier2, cfg.Logger)
	}

	return c, nil
}

// Get probes Tier 1, Tier 2 and Tier 3 in order and promotes a hit into every
// faster tier before returning. Networked tier failures read as misses. The
// returned slice is a copy the caller owns.
func (c *Cache) Get(ctx context.Context, key string, opts GetOptions) ([]byte, bool) {
	ctx, span := c.tracer.Start(ctx, "Cache.Get", trace.WithAttributes(attribute.String("key", key)))
	defer span.End()

	if opts.BypassCache {
		return nil, false
	}

	if entry, ok := c.tier1.Get(key); ok {
		c.stats.Hit(models.Tier1)
		span.SetAttributes(attribute.String("tier", models.Tier1.String()))
		if opts.RefreshTTL {
			c.refresh(ctx, models.Tier1, entry)
		}
		return bytes.Clone(entry.Value), true
	}
	c.stats.Miss(models.Tier1)

	if c.filter != nil && !c.filter.Test(key) {
		c.stats.Missed()
		c.logger.Debug("Cache miss", zap.String("key", key), zap.Bool("filtered", true))
		return nil, false
	}

	if entry, ok := c.getRemote(ctx, key); ok {
		c.stats.Hit(models.Tier2)
		span.SetAttributes(attribute.String("tier", models.Tier2.String()))
		c.promote(ctx, entry, models.Tier1)
		if opts.RefreshTTL {
			c.refresh(ctx, models.Tier2, entry)
		}
		return bytes.Clone(entry.Value), true
	}

	if entry, ok := c.tier3.Get(key); ok {
		c.stats.Hit(models.Tier3)
		span.SetAttributes(attribute.String("tier", models.Tier3.String()))
		c.promote(ctx, entry, models.Tier1, models.Tier2)
		if opts.RefreshTTL {
			c.refresh(ctx, models.Tier3, entry)
		}
		return bytes.Clone(entry.Value), true
	}
	c.stats.Miss(models.Tier3)

	c.stats.Missed()
	c.logger.Debug("Cache miss", zap.String("key", key))
	return nil, false
}

// getRemote probes Tier 2. It records the Tier 2 miss itself and skips the
// probe once ctx is done.
func (c *Cache) getRemote(ctx context.Context, key string) (*models.Entry, bool) {
	if c.tier2 == nil || ctx.Err() != nil {
		return nil, false
	}

	// callers share the fetch, so one caller cancelling must not fail the rest
	v, err, _ := c.sf.Do(key, func() (any, error) {
		return c.tier2.Get(context.WithoutCancel(ctx), key)
	})
	switch {
	case err == nil:
		entry := v.(*models.Envelope).ToEntry(key)
		if !entry.IsExpired() {
			return entry, true
		}
	case errors.Is(err, remote.ErrNotFound):
	default:
		c.stats.Error(models.Tier2)
		c.logger.Warn("Networked tier read failed, treating as miss", zap.String("key", key), zap.Error(err))
	}
	c.stats.Miss(models.Tier2)
	return nil, false
}

// promote copies a hit into faster tiers with its remaining lifetime.
// Failures are logged and never fail the read.
func (c *Cache) promote(ctx context.Context, src *models.Entry, targets ...models.Tier) {
	remaining := src.TTL()
	if remaining <= 0 {
		return
	}
	for _, t := range targets {
		if t == models.Tier2 && (c.tier2 == nil || ctx.Err() != nil) {
			continue
		}
		ttl := min(remaining, c.ttl.TierTTL(t, src.BaseTTL))
		if ttl <= 0 {
			ttl = remaining
		}
		if err := c.write(ctx, t, cloneEntry(src, ttl), ttl); err != nil {
			c.stats.Error(t)
			c.logger.Warn("Failed to promote entry",
				zap.String("key", src.Key), zap.Stringer("tier", t), zap.Error(err))
			continue
		}
		c.stats.Promoted(t)
	}
}

// refresh applies a sliding extension to the hit tier and every faster tier.
// The rewritten entries keep their base TTL so extensions do not compound.
func (c *Cache) refresh(ctx context.Context, hit models.Tier, entry *models.Entry) {
	if c.tier2 == nil || ctx.Err() != nil {
		// the access counter lives in tier 2
		return
	}
	multiplier, ok, err := c.ttl.Extend(ctx, entry.Key)
	if err != nil {
		c.logger.Warn("Failed to extend TTL", zap.String("key", entry.Key), zap.Error(err))
		return
	}
	if !ok {
		return
	}

	extended := time.Duration(float64(entry.BaseTTL) * multiplier)
	for _, t := range models.Tiers {
		if t > hit {
			break
		}
		if t == models.Tier2 && ctx.Err() != nil {
			continue
		}
		ttl := c.ttl.TierTTL(t, extended)
		next := cloneEntry(entry, ttl)
		if t == hit {
			// keep access metadata of the entry that was read
			next.LastAccessedAt = entry.LastAccessedAt
			next.AccessCount = entry.AccessCount
		}
		if err := c.write(ctx, t, next, ttl); err != nil {
			c.stats.Error(t)
			c.logger.Warn("Failed to extend TTL",
				zap.String("key", entry.Key), zap.Stringer("tier", t), zap.Error(err))
		}
	}
}

// Set writes a copy of value into every tier selected by opts. A zero ttl
// selects the category TTL. It reports whether at least one tier accepted
// the write.
func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration, opts SetOptions) bool {
	ctx, span := c.tracer.Start(ctx, "Cache.Set", trace.WithAttributes(attribute.String("key", key)))
	defer span.End()

	value = bytes.Clone(value)
	if ttl <= 0 {
		ttl = c.ttl.BaseTTL(opts.Category)
	}
	mask := opts.Tiers
	if mask == 0 {
		mask = models.MaskAll
	}

	var written bool
	for _, t := range models.Tiers {
		if !mask.Has(t) {
			continue
		}
		if t == models.Tier2 && c.tier2 == nil {
			continue
		}
		tierTTL := c.ttl.TierTTL(t, ttl)
		entry := models.NewEntry(key, value, tierTTL, opts.Priority)
		entry.BaseTTL = ttl
		if err := c.write(ctx, t, entry, tierTTL); err != nil {
			c.stats.Error(t)
			c.logger.Warn("Failed to write to tier",
				zap.String("key", key), zap.Stringer("tier", t), zap.Error(err))
			continue
		}
		written = true
	}

	if written && c.filter != nil {
		c.filter.Add(key)
	}
	if rate := c.config.OpportunisticEvictionRate; rate > 0 && rand.Float64() < rate {
		c.Cleanup()
	}
	return written
}

func (c *Cache) write(ctx context.Context, t models.Tier, entry *models.Entry, ttl time.Duration) error {
	switch t {
	case models.Tier1:
		c.tier1.Set(entry)
	case models.Tier3:
		c.tier3.Set(entry)
	case models.Tier2:
		if c.tier2 == nil {
			return remote.ErrDisabled
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		return c.tier2.SetEx(ctx, entry.Key, entry.ToEnvelope(), ttl)
	}
	return nil
}

func cloneEntry(src *models.Entry, ttl time.Duration) *models.Entry {
	e := models.NewEntry(src.Key, src.Value, ttl, src.Priority)
	e.BaseTTL = src.BaseTTL
	return e
}

// Delete removes key from every tier together with its access counter.
func (c *Cache) Delete(ctx context.Context, key string) error {
	c.tier1.Delete(key)
	c.tier3.Delete(key)
	c.ttl.Forget(key)
	if c.tier2 == nil {
		return nil
	}
	if err := c.tier2.Delete(ctx, key, AccessKey(key)); err != nil {
		c.stats.Error(models.Tier2)
		return fmt.Errorf("failed to delete %q from tier 2: %w", key, err)
	}
	return nil
}

// Clear empties every tier.
func (c *Cache) Clear(ctx context.Context) error {
	c.tier1.Clear()
	c.tier3.Clear()
	if c.filter != nil {
		c.filter.Reset()
	}
	if c.tier2 == nil {
		return nil
	}
	if err := c.tier2.Clear(ctx); err != nil {
		c.stats.Error(models.Tier2)
		return fmt.Errorf("failed to clear tier 2: %w", err)
	}
	return nil
}

// Cleanup sweeps expired entries from the local tiers and evicts a batch
// from any that is full.
func (c *Cache) Cleanup() {
	c.tier1.Cleanup()
	c.tier3.Cleanup()
}

// Statistics returns a snapshot of the counters.
func (c *Cache) Statistics() stats.Statistics {
	return c.stats.Snapshot()
}

// Collector returns the statistics collector.
func (c *Cache) Collector() *stats.Collector {
	return c.stats
}

// Ping checks the networked tier.
func (c *Cache) Ping(ctx context.Context) error {
	if c.tier2 == nil {
		return remote.ErrDisabled
	}
	return c.tier2.Ping(ctx)
}

// LoadFilter restores the persisted bloom filter.
func (c *Cache) LoadFilter(ctx context.Context) error {
	if c.filter == nil {
		return nil
	}
	return c.filter.Load(ctx)
}

// Reclaim runs an emergency reclamation with the current memory sample.
func (c *Cache) Reclaim(ctx context.Context) ReclaimReport {
	return c.memory.Reclaim(ctx, c.memory.Sample(), true)
}

// Warm runs a warming pass.
func (c *Cache) Warm(ctx context.Context) (WarmReport, error) {
	if c.warmer == nil {
		return WarmReport{}, ErrNoSource
	}
	return c.warmer.Warm(ctx)
}

func (c *Cache) localKeys() []string {
	return append(c.tier1.Keys(), c.tier3.Keys()...)
}

// Start launches the enabled background passes. It is a no-op after the
// first call.
func (c *Cache) Start(ctx context.Context) {
	c.startOnce.Do(func() {
		ctx, c.cancel = context.WithCancel(ctx)

		if c.config.CleanupInterval > 0 {
			c.goRun(ctx, c.runCleanup)
		}
		if c.config.Memory.Enabled {
			c.goRun(ctx, c.memory.Run)
		}
		if c.config.Stats.Enabled {
			c.goRun(ctx, c.stats.Run)
		}
		if c.filter != nil {
			c.goRun(ctx, func(ctx context.Context) { c.filter.Run(ctx, c.localKeys) })
		}
		if c.warmer != nil && c.config.Warmer.Enabled {
			c.goRun(ctx, c.warmer.Run)
		}
	})
}

func (c *Cache) goRun(ctx context.Context, fn func(context.Context)) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		fn(ctx)
	}()
}

func (c *Cache) runCleanup(ctx context.Context) {
	ticker := time.NewTicker(c.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.Cleanup()
		case <-ctx.Done():
			return
		}
	}
}

// Close stops the background passes and releases the networked tier. It is
// safe to call more than once.
func (c *Cache) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.startOnce.Do(func() {})
		if c.cancel != nil {
			c.cancel()
		}
		c.wg.Wait()
		if c.warmer != nil {
			c.warmer.Stop()
		}

		if c.filter != nil && c.tier2 != nil {
			ctx, cancel := context.WithTimeout(context.Background(), c.config.Tier2.CommandTimeout)
			err = multierr.Append(err, c.filter.Save(ctx))
			cancel()
		}
		c.ttl.Close()
		if c.tier2 != nil {
			err = multierr.Append(err, c.tier2.Close())
		}
	})
	return err
}
