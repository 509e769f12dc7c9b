package strata

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"

	"goflare.io/strata/internal/cache/tiered"
	"goflare.io/strata/internal/config"
	"goflare.io/strata/internal/models"
	"goflare.io/strata/internal/stats"
	"goflare.io/strata/pkg/serialization"
	"goflare.io/strata/pkg/source"
)

// Option 定義初始化 Engine 的選項
type Option = config.Option

// Priority weights an entry for eviction.
type Priority = models.Priority

const (
	PriorityLow    = models.PriorityLow
	PriorityNormal = models.PriorityNormal
	PriorityHigh   = models.PriorityHigh
)

type (
	Statistics     = stats.Statistics
	TierStatistics = stats.TierStatistics
	ReclaimReport  = tiered.ReclaimReport
	WarmReport     = tiered.WarmReport
)

// Configuration options.
var (
	WithLogger            = config.WithLogger
	WithTier1Capacity     = config.WithTier1Capacity
	WithTier3Capacity     = config.WithTier3Capacity
	WithEvictionFraction  = config.WithEvictionFraction
	WithRemote            = config.WithRemote
	WithRedisClient       = config.WithRedisClient
	WithoutRemote         = config.WithoutRemote
	WithDefaultExpiration = config.WithDefaultExpiration
	WithCategoryTTL       = config.WithCategoryTTL
	WithSerialization     = config.WithSerialization
	WithMemorySampler     = config.WithMemorySampler
	WithBloomFilter       = config.WithBloomFilter
	WithoutBackground     = config.WithoutBackground
	FromEnv               = config.FromEnv
	LoadFile              = config.LoadFile
)

// WithSource sets the backing store the warmer pre-populates the cache from.
func WithSource(src source.Source) Option {
	return config.WithSource(src)
}

// GetOption tunes one Get.
type GetOption func(*tiered.GetOptions)

// BypassCache reports absent without probing any tier, forcing the caller
// to refresh from its backing store.
func BypassCache() GetOption {
	return func(o *tiered.GetOptions) { o.BypassCache = true }
}

// RefreshTTL extends the TTL of a hit based on how often it is read.
func RefreshTTL() GetOption {
	return func(o *tiered.GetOptions) { o.RefreshTTL = true }
}

// SetOption tunes one Set.
type SetOption func(*tiered.SetOptions)

// WithPriority sets the eviction priority of the written entry.
func WithPriority(p Priority) SetOption {
	return func(o *tiered.SetOptions) { o.Priority = p }
}

// WithCategory selects the configured TTL of a data category when the write
// carries no TTL.
func WithCategory(category string) SetOption {
	return func(o *tiered.SetOptions) { o.Category = category }
}

// Tier1Only writes to the in-process fast tier only.
func Tier1Only() SetOption {
	return func(o *tiered.SetOptions) { o.Tiers = models.MaskTier1 }
}

// Tier2Only writes to the networked tier only.
func Tier2Only() SetOption {
	return func(o *tiered.SetOptions) { o.Tiers = models.MaskTier2 }
}

// Tier3Only writes to the extended tier only.
func Tier3Only() SetOption {
	return func(o *tiered.SetOptions) { o.Tiers = models.MaskTier3 }
}

// WithTiers writes to the given tiers (1, 2 or 3).
func WithTiers(tiers ...int) SetOption {
	return func(o *tiered.SetOptions) {
		o.Tiers = 0
		for _, t := range tiers {
			switch models.Tier(t) {
			case models.Tier1:
				o.Tiers |= models.MaskTier1
			case models.Tier2:
				o.Tiers |= models.MaskTier2
			case models.Tier3:
				o.Tiers |= models.MaskTier3
			}
		}
	}
}

// Engine 定義多層快取引擎
type Engine struct {
	cache  *tiered.Cache
	config *config.Config
	logger *zap.Logger

	initOnce     sync.Once
	shutdownOnce sync.Once
	closed       atomic.Bool
}

// New 初始化 Engine，接受多個配置選項。New does not touch the network;
// call Initialize to start the engine.
func New(opts ...Option) (*Engine, error) {
	cfg, err := config.NewConfig(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create config: %w", err)
	}

	cache, err := tiered.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize cache: %w", err)
	}

	return &Engine{
		cache:  cache,
		config: cfg,
		logger: cfg.Logger,
	}, nil
}

// Initialize checks the networked tier, restores the key filter and starts
// the background passes. An unreachable networked tier is logged and the
// engine runs degraded. Only the first call has an effect.
func (e *Engine) Initialize(ctx context.Context) error {
	if e.closed.Load() {
		return ErrClosed
	}

	e.initOnce.Do(func() {
		if e.config.Tier2.Enabled {
			if err := e.cache.Ping(ctx); err != nil {
				e.logger.Warn("Networked tier unreachable, running degraded", zap.Error(err))
			}
		}
		if err := e.cache.LoadFilter(ctx); err != nil {
			e.logger.Warn("Failed to load bloom filter", zap.Error(err))
		}
		e.cache.Start(context.WithoutCancel(ctx))
		e.logger.Info("Cache engine initialized",
			zap.Int("tier1_capacity", e.config.Tier1.Capacity),
			zap.Int("tier3_capacity", e.config.Tier3.Capacity),
			zap.Bool("tier2_enabled", e.config.Tier2.Enabled))
	})
	return nil
}

// Shutdown stops the background passes and releases the networked tier
// connections. It is idempotent.
func (e *Engine) Shutdown() error {
	var err error
	e.shutdownOnce.Do(func() {
		e.closed.Store(true)
		err = e.cache.Close()
		e.logger.Info("Cache engine shut down")
	})
	return err
}

// Get looks key up and decodes the value into dst. It reports whether the
// key was found; tier outages read as misses.
func (e *Engine) Get(ctx context.Context, key string, dst any, opts ...GetOption) (bool, error) {
	data, found, err := e.GetBytes(ctx, key, opts...)
	if err != nil || !found {
		return false, err
	}
	if err := serialization.Unmarshal(e.config.Serialization.Decoder, data, dst); err != nil {
		return false, fmt.Errorf("%w: failed to decode value: %w", ErrSerialization, err)
	}
	return true, nil
}

// GetBytes looks key up and returns a copy of the stored payload.
func (e *Engine) GetBytes(ctx context.Context, key string, opts ...GetOption) ([]byte, bool, error) {
	if e.closed.Load() {
		return nil, false, ErrClosed
	}
	if key == "" {
		return nil, false, ErrInvalidKey
	}

	var o tiered.GetOptions
	for _, opt := range opts {
		opt(&o)
	}
	data, found := e.cache.Get(ctx, key, o)
	return data, found, nil
}

// Set encodes value once and writes it to the selected tiers. A zero ttl
// selects the category or default TTL. It reports whether at least one tier
// accepted the write; only encoding failures return an error.
func (e *Engine) Set(ctx context.Context, key string, value any, ttl time.Duration, opts ...SetOption) (bool, error) {
	data, err := serialization.Marshal(e.config.Serialization.Encoder, value)
	if err != nil {
		return false, fmt.Errorf("%w: failed to encode value: %w", ErrSerialization, err)
	}
	return e.SetBytes(ctx, key, data, ttl, opts...)
}

// SetBytes writes an already serialized payload. The engine keeps its own
// copy, so data may be reused once SetBytes returns.
func (e *Engine) SetBytes(ctx context.Context, key string, data []byte, ttl time.Duration, opts ...SetOption) (bool, error) {
	if e.closed.Load() {
		return false, ErrClosed
	}
	if key == "" {
		return false, ErrInvalidKey
	}

	var o tiered.SetOptions
	for _, opt := range opts {
		opt(&o)
	}
	return e.cache.Set(ctx, key, data, ttl, o), nil
}

// Delete 刪除快取項目
func (e *Engine) Delete(ctx context.Context, key string) error {
	if e.closed.Load() {
		return ErrClosed
	}
	if key == "" {
		return ErrInvalidKey
	}
	return e.cache.Delete(ctx, key)
}

// Clear 清空所有快取
func (e *Engine) Clear(ctx context.Context) error {
	if e.closed.Load() {
		return ErrClosed
	}
	return e.cache.Clear(ctx)
}

// Statistics returns a snapshot of the per-tier counters and memory usage.
func (e *Engine) Statistics() Statistics {
	return e.cache.Statistics()
}

// Collector exposes the statistics as a prometheus.Collector.
func (e *Engine) Collector() *stats.Collector {
	return e.cache.Collector()
}

// EmergencyReclaim runs a reclamation pass now, regardless of pressure.
func (e *Engine) EmergencyReclaim(ctx context.Context) (ReclaimReport, error) {
	if e.closed.Load() {
		return ReclaimReport{}, ErrClosed
	}
	return e.cache.Reclaim(ctx), nil
}

// Warm runs a warming pass now.
func (e *Engine) Warm(ctx context.Context) (WarmReport, error) {
	if e.closed.Load() {
		return WarmReport{}, ErrClosed
	}
	return e.cache.Warm(ctx)
}
