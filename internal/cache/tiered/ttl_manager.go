package tiered

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/dgraph-io/ristretto"
	"go.uber.org/zap"

	"goflare.io/strata/internal/config"
	"goflare.io/strata/internal/models"
)

// accessKeyPrefix namespaces the access counters kept in the networked tier.
const accessKeyPrefix = "__access:"

var ErrNoCounter = errors.New("access counter unavailable")

// Counter counts accesses in a store shared by every process.
type Counter interface {
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)
}

// TTLManager computes admission TTLs and sliding extensions.
type TTLManager struct {
	config     config.TTLConfig
	defaultTTL time.Duration
	scales     map[models.Tier]float64
	counter    Counter
	cooldown   *ristretto.Cache
	logger     *zap.Logger
}

// NewTTLManager creates a new TTLManager. counter may be nil, in which case
// no extension ever happens.
func NewTTLManager(cfg *config.Config, counter Counter) (*TTLManager, error) {
	m := &TTLManager{
		config:     cfg.TTL,
		defaultTTL: cfg.DefaultExpiration,
		scales: map[models.Tier]float64{
			models.Tier1: cfg.Tier1.TTLScale,
			models.Tier2: cfg.Tier2.TTLScale,
			models.Tier3: cfg.Tier3.TTLScale,
		},
		counter: counter,
		logger:  cfg.Logger,
	}

	if cfg.TTL.ExtendCooldown > 0 {
		cooldown, err := ristretto.NewCache(&ristretto.Config{
			NumCounters: 1e5,
			MaxCost:     1e4,
			BufferItems: 64,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create extension cooldown cache: %w", err)
		}
		m.cooldown = cooldown
	}
	return m, nil
}

// BaseTTL returns the configured TTL of a category, or the default TTL.
func (m *TTLManager) BaseTTL(category string) time.Duration {
	if ttl, ok := m.config.Categories[category]; ok && ttl > 0 {
		return ttl
	}
	return m.defaultTTL
}

// TierTTL scales base for tier t.
func (m *TTLManager) TierTTL(t models.Tier, base time.Duration) time.Duration {
	scale := m.scales[t]
	if scale <= 0 {
		return base
	}
	return time.Duration(float64(base) * scale)
}

// Multiplier returns min(max, 1 + count*step).
func (m *TTLManager) Multiplier(count int64) float64 {
	return math.Min(m.config.MaxMultiplier, 1+float64(count)*m.config.SlidingStep)
}

// Extend records an access to key and returns the TTL multiplier to apply.
// ok is false when the key was extended within the cooldown window and
// should not be rewritten.
func (m *TTLManager) Extend(ctx context.Context, key string) (multiplier float64, ok bool, err error) {
	if m.counter == nil {
		return 0, false, ErrNoCounter
	}

	count, err := m.counter.Incr(ctx, accessKeyPrefix+key, m.config.AccessCounterTTL)
	if err != nil {
		return 0, false, fmt.Errorf("failed to count access: %w", err)
	}

	if m.cooldown != nil {
		if _, found := m.cooldown.Get(key); found {
			return 0, false, nil
		}
		m.cooldown.SetWithTTL(key, struct{}{}, 1, m.config.ExtendCooldown)
		m.cooldown.Wait()
	}

	multiplier = m.Multiplier(count)
	m.logger.Debug("Extending TTL",
		zap.String("key", key), zap.Int64("access_count", count), zap.Float64("multiplier", multiplier))
	return multiplier, true, nil
}

// Forget drops the cooldown of key.
func (m *TTLManager) Forget(key string) {
	if m.cooldown != nil {
		m.cooldown.Del(key)
	}
}

// Close releases the cooldown table.
func (m *TTLManager) Close() {
	if m.cooldown != nil {
		m.cooldown.Close()
	}
}

// AccessKey returns the networked tier key of key's access counter.
func AccessKey(key string) string {
	return accessKeyPrefix + key
}
