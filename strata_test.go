package strata

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"goflare.io/strata/internal/config"
	"goflare.io/strata/pkg/source"
)

type listing struct {
	ID    int    `json:"id"`
	Title string `json:"title"`
}

func fastRemote(c *config.Config) error {
	c.Tier2.CommandTimeout = 200 * time.Millisecond
	c.Tier2.DialTimeout = 200 * time.Millisecond
	c.ResilienceConfig.MaxRetries = 0
	c.TTL.ExtendCooldown = 0
	return nil
}

func setupTestEngine(t *testing.T, opts ...Option) (*Engine, *miniredis.Miniredis, *observer.ObservedLogs) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)

	core, logs := observer.New(zapcore.DebugLevel)
	base := []Option{
		WithRemote(mr.Addr(), "", 0),
		WithLogger(zap.New(core)),
		WithoutBackground(),
		fastRemote,
	}
	engine, err := New(append(base, opts...)...)
	require.NoError(t, err)
	require.NoError(t, engine.Initialize(context.Background()))

	t.Cleanup(func() {
		_ = engine.Shutdown()
		mr.Close()
	})
	return engine, mr, logs
}

func TestEngine_SetGet(t *testing.T) {
	engine, _, _ := setupTestEngine(t)
	ctx := context.Background()

	ok, err := engine.Set(ctx, "k1", "v1", 60*time.Second, WithPriority(PriorityHigh))
	require.NoError(t, err)
	require.True(t, ok)

	var got string
	found, err := engine.Get(ctx, "k1", &got)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "v1", got)
	assert.Equal(t, int64(1), engine.Statistics().L1.Hits)
}

func TestEngine_StructValues(t *testing.T) {
	for _, serializer := range []string{"json", "gob"} {
		t.Run(serializer, func(t *testing.T) {
			engine, _, _ := setupTestEngine(t, WithSerialization(serializer))
			ctx := context.Background()

			in := listing{ID: 42, Title: "bike"}
			ok, err := engine.Set(ctx, "listing:42", in, time.Minute, Tier3Only())
			require.NoError(t, err)
			require.True(t, ok)

			var out listing
			found, err := engine.Get(ctx, "listing:42", &out)
			require.NoError(t, err)
			require.True(t, found)
			assert.Equal(t, in, out)
			assert.Equal(t, int64(1), engine.Statistics().L3.Hits)
		})
	}
}

func TestEngine_Errors(t *testing.T) {
	engine, _, _ := setupTestEngine(t)
	ctx := context.Background()

	_, err := engine.Set(ctx, "", "v", time.Minute)
	assert.ErrorIs(t, err, ErrInvalidKey)

	_, err = engine.Get(ctx, "", new(string))
	assert.ErrorIs(t, err, ErrInvalidKey)

	ok, err := engine.Set(ctx, "ch", make(chan int), time.Minute)
	assert.ErrorIs(t, err, ErrSerialization)
	assert.False(t, ok)

	_, err = engine.SetBytes(ctx, "raw", []byte("not json"), time.Minute)
	require.NoError(t, err)
	_, err = engine.Get(ctx, "raw", new(int))
	assert.ErrorIs(t, err, ErrSerialization)

	found, err := engine.Get(ctx, "absent", new(string))
	require.NoError(t, err)
	assert.False(t, found)
}

func TestEngine_GetAndSetOptions(t *testing.T) {
	engine, mr, _ := setupTestEngine(t, WithCategoryTTL("search", 2*time.Minute))
	ctx := context.Background()

	ok, err := engine.Set(ctx, "q", "results", 0, WithCategory("search"), Tier2Only())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 2*time.Minute, mr.TTL("strata:q"))

	found, err := engine.Get(ctx, "q", new(string), BypassCache())
	require.NoError(t, err)
	assert.False(t, found)

	found, err = engine.Get(ctx, "q", new(string), RefreshTTL())
	require.NoError(t, err)
	assert.True(t, found)

	ok, err = engine.Set(ctx, "pair", 1, time.Minute, WithTiers(1, 3))
	require.NoError(t, err)
	require.True(t, ok)
	assert.False(t, mr.Exists("strata:pair"))

	data, found, err := engine.GetBytes(ctx, "pair")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "1\n", string(data))

	require.NoError(t, engine.Delete(ctx, "pair"))
	found, err = engine.Get(ctx, "pair", new(int))
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, engine.Clear(ctx))
	found, err = engine.Get(ctx, "q", new(string))
	require.NoError(t, err)
	assert.False(t, found)
}

func TestEngine_BytesAreCopied(t *testing.T) {
	engine, _, _ := setupTestEngine(t)
	ctx := context.Background()

	buf := []byte("payload")
	_, err := engine.SetBytes(ctx, "raw", buf, time.Minute)
	require.NoError(t, err)
	copy(buf, "XXXX")

	data, found, err := engine.GetBytes(ctx, "raw")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "payload", string(data))

	data[0] = 'Z'
	data, _, err = engine.GetBytes(ctx, "raw")
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))
}

func TestEngine_FailOpen(t *testing.T) {
	engine, mr, logs := setupTestEngine(t)
	ctx := context.Background()
	mr.Close()

	ok, err := engine.Set(ctx, "k", "v", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	var got string
	found, err := engine.Get(ctx, "k", &got)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "v", got)

	found, err = engine.Get(ctx, "missing", &got)
	require.NoError(t, err)
	assert.False(t, found)
	assert.Positive(t, logs.FilterLevelExact(zapcore.WarnLevel).Len())
}

func TestEngine_InitializeWithUnreachableRemote(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	addr := mr.Addr()
	mr.Close()

	core, logs := observer.New(zapcore.InfoLevel)
	engine, err := New(WithRemote(addr, "", 0), WithLogger(zap.New(core)), WithoutBackground(), fastRemote)
	require.NoError(t, err)

	require.NoError(t, engine.Initialize(context.Background()))
	assert.Equal(t, 1, logs.FilterMessage("Networked tier unreachable, running degraded").Len())
	require.NoError(t, engine.Shutdown())
}

func TestEngine_Lifecycle(t *testing.T) {
	engine, err := New(WithoutRemote(), WithoutBackground())
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, engine.Initialize(ctx))
	require.NoError(t, engine.Initialize(ctx))

	require.NoError(t, engine.Shutdown())
	require.NoError(t, engine.Shutdown())

	_, err = engine.Set(ctx, "k", "v", time.Minute)
	assert.ErrorIs(t, err, ErrClosed)
	_, err = engine.Get(ctx, "k", new(string))
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, engine.Initialize(ctx), ErrClosed)
}

func TestEngine_WarmAndReclaim(t *testing.T) {
	items := source.Static{
		{Key: "popular:1", Value: []byte(`"one"`)},
		{Key: "popular:2", Value: []byte(`"two"`)},
	}
	engine, _, _ := setupTestEngine(t,
		WithSource(items),
		WithMemorySampler(func() (uint64, uint64) { return 95, 100 }),
		func(c *config.Config) error {
			c.Memory.Tier1FloorFraction = 0
			c.Memory.ForceGC = false
			return nil
		})
	ctx := context.Background()

	report, err := engine.Warm(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Written)

	var got string
	found, err := engine.Get(ctx, "popular:2", &got)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "two", got)

	_, err = engine.Set(ctx, "cold", "c", time.Minute, WithPriority(PriorityLow))
	require.NoError(t, err)

	reclaim, err := engine.EmergencyReclaim(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, reclaim.Tier1Before)
	assert.Equal(t, 2, reclaim.Tier1After, "only the low priority entry is needed")
	assert.Equal(t, uint64(95), engine.Statistics().MemoryUsage)
}

func TestEngine_Collector(t *testing.T) {
	engine, _, _ := setupTestEngine(t)

	reg := prometheus.NewRegistry()
	require.NoError(t, reg.Register(engine.Collector()))
	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}
