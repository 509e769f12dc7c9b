package tiered

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goflare.io/strata/internal/config"
	"goflare.io/strata/internal/models"
)

type fakeCounter struct {
	counts map[string]int64
	err    error
}

func (f *fakeCounter) Incr(_ context.Context, key string, _ time.Duration) (int64, error) {
	if f.err != nil {
		return 0, f.err
	}
	f.counts[key]++
	return f.counts[key], nil
}

func newTTLManager(t *testing.T, counter Counter, opts ...config.Option) *TTLManager {
	t.Helper()
	cfg, err := config.NewConfig(opts...)
	require.NoError(t, err)
	m, err := NewTTLManager(cfg, counter)
	require.NoError(t, err)
	t.Cleanup(m.Close)
	return m
}

func TestTTLManager_Multiplier(t *testing.T) {
	m := newTTLManager(t, nil)

	tests := []struct {
		count int64
		want  float64
	}{
		{0, 1.0},
		{1, 1.1},
		{5, 1.5},
		{10, 2.0},
		{50, 2.0},
	}
	for _, tt := range tests {
		assert.InDelta(t, tt.want, m.Multiplier(tt.count), 1e-9, "count %d", tt.count)
	}
}

func TestTTLManager_BaseAndTierTTL(t *testing.T) {
	m := newTTLManager(t, nil,
		config.WithDefaultExpiration(time.Minute),
		config.WithCategoryTTL("session", 30*time.Minute),
		func(c *config.Config) error {
			c.Tier3.TTLScale = 3
			c.Tier1.TTLScale = 0
			return nil
		})

	assert.Equal(t, 30*time.Minute, m.BaseTTL("session"))
	assert.Equal(t, time.Minute, m.BaseTTL("unknown"))
	assert.Equal(t, time.Minute, m.BaseTTL(""))

	assert.Equal(t, 3*time.Minute, m.TierTTL(models.Tier3, time.Minute))
	assert.Equal(t, time.Minute, m.TierTTL(models.Tier1, time.Minute), "unset scale keeps the base")
}

func TestTTLManager_Extend(t *testing.T) {
	ctx := context.Background()

	t.Run("no counter", func(t *testing.T) {
		m := newTTLManager(t, nil)
		_, _, err := m.Extend(ctx, "k")
		assert.ErrorIs(t, err, ErrNoCounter)
	})

	t.Run("counter failure", func(t *testing.T) {
		boom := errors.New("boom")
		m := newTTLManager(t, &fakeCounter{err: boom})
		_, ok, err := m.Extend(ctx, "k")
		assert.ErrorIs(t, err, boom)
		assert.False(t, ok)
	})

	t.Run("counts every access under the access prefix", func(t *testing.T) {
		counter := &fakeCounter{counts: map[string]int64{}}
		m := newTTLManager(t, counter, func(c *config.Config) error {
			c.TTL.ExtendCooldown = 0
			return nil
		})

		for range 3 {
			_, ok, err := m.Extend(ctx, "k")
			require.NoError(t, err)
			assert.True(t, ok)
		}
		assert.Equal(t, int64(3), counter.counts[AccessKey("k")])
	})

	t.Run("cooldown suppresses rewrites", func(t *testing.T) {
		counter := &fakeCounter{counts: map[string]int64{}}
		m := newTTLManager(t, counter, func(c *config.Config) error {
			c.TTL.ExtendCooldown = time.Minute
			return nil
		})

		multiplier, ok, err := m.Extend(ctx, "k")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.InDelta(t, 1.1, multiplier, 1e-9)

		_, ok, err = m.Extend(ctx, "k")
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Equal(t, int64(2), counter.counts[AccessKey("k")], "suppressed accesses are still counted")

		m.Forget("k")
		multiplier, ok, err = m.Extend(ctx, "k")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.InDelta(t, 1.3, multiplier, 1e-9)
	})
}
