package tiered

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
	"go.uber.org/zap"

	"goflare.io/strata/internal/cache/remote"
	"goflare.io/strata/internal/config"
)

// internalKeyPrefix marks engine bookkeeping keys in the networked tier.
const internalKeyPrefix = "__"

// BloomFilter remembers every key written through the engine so lookups of
// unknown keys can skip the slower tiers.
type BloomFilter struct {
	mu     sync.RWMutex
	filter *bloom.BloomFilter
	// pending holds keys added while a rebuild is in progress; nil otherwise.
	pending map[string]struct{}

	rebuildMu sync.Mutex

	config config.BloomFilterConfig
	remote *remote.Store
	logger *zap.Logger
}

// NewBloomFilter creates a new BloomFilter. remote may be nil, in which case
// the filter is neither persisted nor rebuilt from the networked tier.
func NewBloomFilter(cfg config.BloomFilterConfig, rs *remote.Store, logger *zap.Logger) *BloomFilter {
	return &BloomFilter{
		filter: bloom.NewWithEstimates(cfg.ExpectedItems, cfg.FalsePositiveRate),
		config: cfg,
		remote: rs,
		logger: logger,
	}
}

// Add records key.
func (b *BloomFilter) Add(key string) {
	b.mu.Lock()
	b.filter.AddString(key)
	if b.pending != nil {
		b.pending[key] = struct{}{}
	}
	b.mu.Unlock()
}

// Test reports whether key may have been added.
func (b *BloomFilter) Test(key string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.filter.TestString(key)
}

// Reset forgets every key.
func (b *BloomFilter) Reset() {
	b.mu.Lock()
	b.filter.ClearAll()
	b.mu.Unlock()
}

// Save persists the filter to the networked tier.
func (b *BloomFilter) Save(ctx context.Context) error {
	if b.remote == nil {
		return nil
	}

	var buf bytes.Buffer
	b.mu.RLock()
	_, err := b.filter.WriteTo(&buf)
	b.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("failed to serialize bloom filter: %w", err)
	}

	if err := b.remote.SetRaw(ctx, b.config.RedisKey, buf.Bytes(), 0); err != nil {
		return fmt.Errorf("failed to save bloom filter: %w", err)
	}
	return nil
}

// Load merges the persisted filter, if any, into the current one.
func (b *BloomFilter) Load(ctx context.Context) error {
	if b.remote == nil {
		return nil
	}

	data, err := b.remote.GetRaw(ctx, b.config.RedisKey)
	if err != nil {
		if errors.Is(err, remote.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("failed to load bloom filter: %w", err)
	}

	loaded := &bloom.BloomFilter{}
	if _, err := loaded.ReadFrom(bytes.NewReader(data)); err != nil {
		return fmt.Errorf("failed to deserialize bloom filter: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.filter.Merge(loaded); err != nil {
		// sizing changed since it was saved
		b.logger.Warn("Discarding persisted bloom filter", zap.Error(err))
	}
	return nil
}

// Rebuild replaces the filter with one holding the local keys and every key
// of the networked tier, then persists it. Keys added while the rebuild runs
// are carried over into the new filter.
func (b *BloomFilter) Rebuild(ctx context.Context, localKeys func() []string) error {
	b.rebuildMu.Lock()
	defer b.rebuildMu.Unlock()

	b.mu.Lock()
	b.pending = make(map[string]struct{})
	b.mu.Unlock()

	filter := bloom.NewWithEstimates(b.config.ExpectedItems, b.config.FalsePositiveRate)
	for _, key := range localKeys() {
		filter.AddString(key)
	}

	if b.remote != nil {
		if err := b.remote.Scan(ctx, func(key string) {
			if !strings.HasPrefix(key, internalKeyPrefix) {
				filter.AddString(key)
			}
		}); err != nil {
			b.mu.Lock()
			b.pending = nil
			b.mu.Unlock()
			return fmt.Errorf("failed to rebuild bloom filter: %w", err)
		}
	}

	b.mu.Lock()
	for key := range b.pending {
		filter.AddString(key)
	}
	b.filter = filter
	b.pending = nil
	b.mu.Unlock()

	return b.Save(ctx)
}

// Run rebuilds the filter on every interval until ctx is done.
func (b *BloomFilter) Run(ctx context.Context, localKeys func() []string) {
	if b.config.RebuildInterval <= 0 {
		return
	}
	ticker := time.NewTicker(b.config.RebuildInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := b.Rebuild(ctx, localKeys); err != nil {
				b.logger.Warn("Failed to rebuild bloom filter", zap.Error(err))
			}
		case <-ctx.Done():
			b.logger.Info("Stopping bloom filter rebuild due to context cancellation")
			return
		}
	}
}
