package stats

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"goflare.io/strata/internal/config"
	"goflare.io/strata/internal/models"
)

func newCollector(t *testing.T) (*Collector, *observer.ObservedLogs) {
	t.Helper()
	core, logs := observer.New(zapcore.InfoLevel)
	return NewCollector(config.StatsConfig{
		Enabled:           true,
		ReportInterval:    10 * time.Millisecond,
		Tier1HitRateAlarm: 0.7,
		Tier2HitRateAlarm: 0.8,
	}, zap.New(core)), logs
}

func TestHitRate(t *testing.T) {
	assert.Zero(t, HitRate(0, 0))
	assert.Equal(t, 0.75, HitRate(3, 1))
	assert.Equal(t, 1.0, HitRate(5, 0))
}

func TestCollector_Snapshot(t *testing.T) {
	c, _ := newCollector(t)
	c.TrackSize(models.Tier1, func() (int, int64) { return 7, 70 })

	c.Hit(models.Tier1)
	c.Hit(models.Tier1)
	c.Miss(models.Tier1)
	c.Hit(models.Tier3)
	c.Promoted(models.Tier1)
	c.Evicted(models.Tier3, 4)
	c.Expired(models.Tier3, 2)
	c.Error(models.Tier2)
	c.Missed()

	s := c.Snapshot()
	assert.Equal(t, int64(2), s.L1.Hits)
	assert.Equal(t, int64(1), s.L1.Misses)
	assert.InDelta(t, 2.0/3.0, s.L1.HitRate, 1e-9)
	assert.Equal(t, 7, s.L1.Size)
	assert.Equal(t, int64(70), s.L1.Bytes)
	assert.Equal(t, int64(1), s.L1.Promotions)
	assert.Equal(t, int64(4), s.L3.Evictions)
	assert.Equal(t, int64(2), s.L3.Expirations)
	assert.Equal(t, int64(1), s.L2.Errors)
	assert.Equal(t, int64(1), s.Misses)
	assert.Equal(t, s.L3, s.Tier(models.Tier3))
}

func TestCollector_RecordMemory(t *testing.T) {
	c, _ := newCollector(t)
	c.RecordMemory(100)
	c.RecordMemory(300)
	c.RecordMemory(200)

	s := c.Snapshot()
	assert.Equal(t, uint64(200), s.MemoryUsage)
	assert.Equal(t, uint64(300), s.MemoryPeak)
}

func TestCollector_ReportAlarms(t *testing.T) {
	t.Run("no traffic no alarm", func(t *testing.T) {
		c, logs := newCollector(t)
		_, alarms := c.Report()
		assert.Empty(t, alarms)
		assert.Equal(t, 1, logs.FilterMessage("Cache statistics").Len())
	})

	t.Run("low hit rates alarm", func(t *testing.T) {
		c, logs := newCollector(t)
		c.Hit(models.Tier1)
		c.Miss(models.Tier1)
		for range 9 {
			c.Hit(models.Tier2)
		}
		c.Miss(models.Tier2)
		c.Miss(models.Tier2)

		_, alarms := c.Report()
		require.Len(t, alarms, 1)
		assert.Equal(t, models.Tier1, alarms[0].Tier)
		assert.Equal(t, 0.5, alarms[0].HitRate)

		warnings := logs.FilterLevelExact(zapcore.WarnLevel)
		assert.Equal(t, 1, warnings.Len())
	})

	t.Run("tier 2 alarm", func(t *testing.T) {
		c, _ := newCollector(t)
		c.Hit(models.Tier2)
		c.Miss(models.Tier2)

		_, alarms := c.Report()
		require.Len(t, alarms, 1)
		assert.Equal(t, models.Tier2, alarms[0].Tier)
		assert.Equal(t, 0.8, alarms[0].Threshold)
	})
}

func TestCollector_Run(t *testing.T) {
	c, logs := newCollector(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		return logs.FilterMessage("Cache statistics").Len() >= 2
	}, time.Second, 5*time.Millisecond)
	cancel()
	<-done
}

func TestCollector_Prometheus(t *testing.T) {
	c, _ := newCollector(t)
	c.Hit(models.Tier1)
	c.Hit(models.Tier1)
	c.Missed()
	c.RecordMemory(1024)

	reg := prometheus.NewRegistry()
	require.NoError(t, reg.Register(c))

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make(map[string]bool, len(families))
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["strata_tier_hits_total"])
	assert.True(t, names["strata_tier_entries"])
	assert.True(t, names["strata_memory_peak_bytes"])

	// 3 tiers x 5 counters, 2 size gauges, 3 globals
	assert.Equal(t, 20, testutil.CollectAndCount(c))
}
