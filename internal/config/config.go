package config

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"goflare.io/strata/pkg/serialization"
	"goflare.io/strata/pkg/source"
)

// Config 用於 tiered cache 的配置
type Config struct {
	Tier1 TierConfig
	Tier2 RemoteConfig
	Tier3 TierConfig

	DefaultExpiration time.Duration
	// OpportunisticEvictionRate is the probability that a Set also runs a
	// cleanup pass on every local tier. Zero disables it.
	OpportunisticEvictionRate float64
	CleanupInterval           time.Duration

	TTL              TTLConfig
	Memory           MemoryConfig
	Warmer           WarmerConfig
	Stats            StatsConfig
	BloomFilter      BloomFilterConfig
	ResilienceConfig ResilienceConfig
	Serialization    SerializationConfig
	Logger           *zap.Logger

	// Source feeds the warmer. The warmer does not run without one.
	Source source.Source
	// RedisClient replaces the client built from Tier2 when set.
	RedisClient redis.Cmdable
	// MemorySampler replaces the runtime heap sampler when set.
	MemorySampler MemorySampler
}

// MemorySampler reports heap bytes in use and heap bytes obtained from the OS.
type MemorySampler func() (heapUsed, heapTotal uint64)

// TierConfig configures an in-process tier.
type TierConfig struct {
	Capacity         int
	EvictionFraction float64
	TTLScale         float64
}

// RemoteConfig configures the networked tier.
type RemoteConfig struct {
	Enabled         bool
	Addr            string
	Password        string
	DB              int
	PoolSize        int
	DialTimeout     time.Duration
	CommandTimeout  time.Duration
	MaxRetries      int
	MinRetryBackoff time.Duration
	MaxRetryBackoff time.Duration
	KeyPrefix       string
	TTLScale        float64
}

// TTLConfig 自適應 TTL 配置
type TTLConfig struct {
	Categories       map[string]time.Duration
	AccessCounterTTL time.Duration
	SlidingStep      float64
	MaxMultiplier    float64
	// ExtendCooldown suppresses repeated extensions of one key. Zero disables it.
	ExtendCooldown time.Duration
}

// MemoryConfig configures the memory monitor.
type MemoryConfig struct {
	Enabled             bool
	Interval            time.Duration
	PressureThreshold   float64
	Tier1FloorFraction  float64
	Tier3TargetFraction float64
	ReclaimBatch        int
	ForceGC             bool
}

// WarmerConfig configures the warmer.
type WarmerConfig struct {
	Enabled       bool
	StartDelay    time.Duration
	Interval      time.Duration
	Limit         int
	TTLMultiplier float64
}

// StatsConfig configures periodic statistics reports.
type StatsConfig struct {
	Enabled           bool
	ReportInterval    time.Duration
	Tier1HitRateAlarm float64
	Tier2HitRateAlarm float64
}

// BloomFilterConfig 用於布隆過濾器的配置
type BloomFilterConfig struct {
	Enabled           bool
	ExpectedItems     uint
	FalsePositiveRate float64
	RebuildInterval   time.Duration
	RedisKey          string
}

// ResilienceConfig 用於設置重試和熔斷器
type ResilienceConfig struct {
	GlobalCircuitBreaker gobreaker.Settings
	KeyCircuitBreaker    gobreaker.Settings
	ShardCount           uint64

	MaxRetries          int
	InitialInterval     time.Duration
	MaxInterval         time.Duration
	Multiplier          float64
	RandomizationFactor float64
}

// SerializationConfig 序列化相關配置
type SerializationConfig struct {
	Type    string
	Encoder func(io.Writer) serialization.Encoder
	Decoder func(io.Reader) serialization.Decoder
}

// Option 函數類型
type Option func(*Config) error

var (
	ErrInvalidCapacity  = errors.New("tier capacity must be at least 1")
	ErrInvalidFraction  = errors.New("fraction must be in (0, 1]")
	ErrInvalidThreshold = errors.New("threshold must be in (0, 1]")
	ErrInvalidTimeout   = errors.New("timeout must be positive")
	ErrShardCountZero   = errors.New("shard count must be at least 1")
)

// NewConfig 創建一個默認的 Config，允許覆蓋特定參數
func NewConfig(options ...Option) (*Config, error) {
	cfg := &Config{
		Tier1: TierConfig{
			Capacity:         10000,
			EvictionFraction: 0.1,
			TTLScale:         1.0,
		},
		Tier2: RemoteConfig{
			Enabled:         true,
			Addr:            "localhost:6379",
			PoolSize:        10,
			DialTimeout:     10 * time.Second,
			CommandTimeout:  5 * time.Second,
			MaxRetries:      3,
			MinRetryBackoff: 8 * time.Millisecond,
			MaxRetryBackoff: 512 * time.Millisecond,
			KeyPrefix:       "strata:",
			TTLScale:        1.0,
		},
		Tier3: TierConfig{
			Capacity:         50000,
			EvictionFraction: 0.1,
			TTLScale:         1.0,
		},
		DefaultExpiration:         5 * time.Minute,
		OpportunisticEvictionRate: 0.01,
		CleanupInterval:           1 * time.Minute,
		TTL: TTLConfig{
			Categories:       map[string]time.Duration{},
			AccessCounterTTL: 5 * time.Minute,
			SlidingStep:      0.1,
			MaxMultiplier:    2.0,
			ExtendCooldown:   10 * time.Second,
		},
		Memory: MemoryConfig{
			Enabled:             true,
			Interval:            30 * time.Second,
			PressureThreshold:   0.85,
			Tier1FloorFraction:  0.1,
			Tier3TargetFraction: 0.7,
			ReclaimBatch:        100,
			ForceGC:             true,
		},
		Warmer: WarmerConfig{
			Enabled:       true,
			StartDelay:    10 * time.Second,
			Interval:      30 * time.Minute,
			Limit:         100,
			TTLMultiplier: 2.0,
		},
		Stats: StatsConfig{
			Enabled:           true,
			ReportInterval:    5 * time.Minute,
			Tier1HitRateAlarm: 0.7,
			Tier2HitRateAlarm: 0.8,
		},
		BloomFilter: BloomFilterConfig{
			Enabled:           false,
			ExpectedItems:     100000,
			FalsePositiveRate: 0.01,
			RebuildInterval:   1 * time.Hour,
			RedisKey:          "__bloom_filter",
		},
		ResilienceConfig: ResilienceConfig{
			GlobalCircuitBreaker: gobreaker.Settings{
				Name:        "GlobalCircuitBreaker",
				MaxRequests: 3,
				Interval:    60 * time.Second,
				Timeout:     30 * time.Second,
				ReadyToTrip: func(counts gobreaker.Counts) bool {
					return counts.ConsecutiveFailures > 5
				},
			},
			KeyCircuitBreaker: gobreaker.Settings{
				Name:        "KeyCircuitBreaker",
				MaxRequests: 3,
				Interval:    60 * time.Second,
				Timeout:     30 * time.Second,
				ReadyToTrip: func(counts gobreaker.Counts) bool {
					return counts.ConsecutiveFailures > 3
				},
			},
			ShardCount:          16,
			MaxRetries:          2,
			InitialInterval:     50 * time.Millisecond,
			MaxInterval:         500 * time.Millisecond,
			Multiplier:          2,
			RandomizationFactor: 0.1,
		},
		Serialization: SerializationConfig{
			Type:    serialization.JSONType,
			Encoder: serialization.JSONEncoder,
			Decoder: serialization.JSONDecoder,
		},
		Logger: zap.NewNop(),
	}

	// 應用所有選項
	for _, option := range options {
		if err := option(cfg); err != nil {
			return nil, err
		}
	}

	// 最終檢查
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks the configuration for values the engine cannot run with.
func (c *Config) Validate() error {
	for name, tier := range map[string]TierConfig{"tier1": c.Tier1, "tier3": c.Tier3} {
		if tier.Capacity < 1 {
			return fmt.Errorf("%s: %w", name, ErrInvalidCapacity)
		}
		if !inUnitRange(tier.EvictionFraction) {
			return fmt.Errorf("%s eviction fraction: %w", name, ErrInvalidFraction)
		}
	}
	if c.OpportunisticEvictionRate < 0 || c.OpportunisticEvictionRate > 1 {
		return fmt.Errorf("opportunistic eviction rate: %w", ErrInvalidFraction)
	}
	if c.Tier2.Enabled && (c.Tier2.DialTimeout <= 0 || c.Tier2.CommandTimeout <= 0) {
		return fmt.Errorf("tier2: %w", ErrInvalidTimeout)
	}
	if !inUnitRange(c.Memory.PressureThreshold) {
		return fmt.Errorf("memory pressure: %w", ErrInvalidThreshold)
	}
	if !inUnitRange(c.Memory.Tier3TargetFraction) {
		return fmt.Errorf("tier3 target: %w", ErrInvalidFraction)
	}
	if c.Memory.Tier1FloorFraction < 0 || c.Memory.Tier1FloorFraction > 1 {
		return fmt.Errorf("tier1 floor: %w", ErrInvalidFraction)
	}
	if c.Stats.Tier1HitRateAlarm < 0 || c.Stats.Tier1HitRateAlarm > 1 ||
		c.Stats.Tier2HitRateAlarm < 0 || c.Stats.Tier2HitRateAlarm > 1 {
		return fmt.Errorf("hit rate alarm: %w", ErrInvalidThreshold)
	}
	if c.ResilienceConfig.ShardCount == 0 {
		return ErrShardCountZero
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return nil
}

func inUnitRange(f float64) bool {
	return f > 0 && f <= 1
}

// WithLogger 設置自定義 Logger
func WithLogger(logger *zap.Logger) Option {
	return func(c *Config) error {
		if logger != nil {
			c.Logger = logger
		}
		return nil
	}
}

// WithTier1Capacity sets the maximum entry count of Tier 1.
func WithTier1Capacity(capacity int) Option {
	return func(c *Config) error {
		if capacity < 1 {
			return ErrInvalidCapacity
		}
		c.Tier1.Capacity = capacity
		return nil
	}
}

// WithTier3Capacity sets the maximum entry count of Tier 3.
func WithTier3Capacity(capacity int) Option {
	return func(c *Config) error {
		if capacity < 1 {
			return ErrInvalidCapacity
		}
		c.Tier3.Capacity = capacity
		return nil
	}
}

// WithEvictionFraction sets the batch fraction evicted from a full local tier.
func WithEvictionFraction(fraction float64) Option {
	return func(c *Config) error {
		if !inUnitRange(fraction) {
			return ErrInvalidFraction
		}
		c.Tier1.EvictionFraction = fraction
		c.Tier3.EvictionFraction = fraction
		return nil
	}
}

// WithRemote configures the networked tier address and credentials.
func WithRemote(addr, password string, db int) Option {
	return func(c *Config) error {
		c.Tier2.Enabled = true
		c.Tier2.Addr = addr
		c.Tier2.Password = password
		c.Tier2.DB = db
		return nil
	}
}

// WithoutRemote runs the engine with the networked tier disabled.
func WithoutRemote() Option {
	return func(c *Config) error {
		c.Tier2.Enabled = false
		return nil
	}
}

// WithDefaultExpiration 設置默認的過期時間
func WithDefaultExpiration(ttl time.Duration) Option {
	return func(c *Config) error {
		if ttl <= 0 {
			return ErrInvalidTimeout
		}
		c.DefaultExpiration = ttl
		return nil
	}
}

// WithCategoryTTL registers the base TTL of a data category.
func WithCategoryTTL(category string, ttl time.Duration) Option {
	return func(c *Config) error {
		if ttl <= 0 {
			return ErrInvalidTimeout
		}
		if c.TTL.Categories == nil {
			c.TTL.Categories = map[string]time.Duration{}
		}
		c.TTL.Categories[category] = ttl
		return nil
	}
}

// WithSerialization 設置序列化方式
func WithSerialization(serializer string) Option {
	return func(c *Config) error {
		switch serializer {
		case serialization.JSONType:
			c.Serialization.Encoder = serialization.JSONEncoder
			c.Serialization.Decoder = serialization.JSONDecoder
		case serialization.GobType:
			c.Serialization.Encoder = serialization.GobEncoder
			c.Serialization.Decoder = serialization.GobDecoder
		default:
			return fmt.Errorf("unsupported serialization type: %s", serializer)
		}
		c.Serialization.Type = serializer
		return nil
	}
}

// WithSource sets the backing store the warmer reads from.
func WithSource(src source.Source) Option {
	return func(c *Config) error {
		c.Source = src
		return nil
	}
}

// WithRedisClient injects an existing client for the networked tier.
func WithRedisClient(client redis.Cmdable) Option {
	return func(c *Config) error {
		c.Tier2.Enabled = true
		c.RedisClient = client
		return nil
	}
}

// WithMemorySampler replaces the heap sampler used by the memory monitor.
func WithMemorySampler(sampler MemorySampler) Option {
	return func(c *Config) error {
		c.MemorySampler = sampler
		return nil
	}
}

// WithBloomFilter enables the key filter.
func WithBloomFilter(expectedItems uint, falsePositiveRate float64) Option {
	return func(c *Config) error {
		if expectedItems == 0 || !inUnitRange(falsePositiveRate) {
			return ErrInvalidFraction
		}
		c.BloomFilter.Enabled = true
		c.BloomFilter.ExpectedItems = expectedItems
		c.BloomFilter.FalsePositiveRate = falsePositiveRate
		return nil
	}
}

// WithoutBackground disables every periodic task. Passes can still be run
// on demand.
func WithoutBackground() Option {
	return func(c *Config) error {
		c.Memory.Enabled = false
		c.Warmer.Enabled = false
		c.Stats.Enabled = false
		c.CleanupInterval = 0
		c.BloomFilter.RebuildInterval = 0
		return nil
	}
}
