package local

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"goflare.io/strata/internal/models"
)

func newStore(t *testing.T, capacity int, policy Policy) *Store {
	t.Helper()
	s, err := New(Options{
		Name:             "test",
		Capacity:         capacity,
		EvictionFraction: 0.1,
		Policy:           policy,
	})
	require.NoError(t, err)
	return s
}

func entryAt(key string, priority models.Priority, lastAccess time.Time) *models.Entry {
	e := models.NewEntry(key, []byte(key), time.Hour, priority)
	e.LastAccessedAt.Store(lastAccess)
	return e
}

func TestNew_InvalidCapacity(t *testing.T) {
	_, err := New(Options{Name: "l1", Capacity: 0})
	assert.ErrorIs(t, err, ErrInvalidCapacity)
}

func TestStore_SetGet(t *testing.T) {
	s := newStore(t, 10, PriorityLRU{})

	s.Set(models.NewEntry("k1", []byte("v1"), time.Minute, models.PriorityHigh))

	e, ok := s.Get("k1")
	require.True(t, ok)
	assert.Equal(t, []byte("v1"), e.Value)
	assert.Equal(t, 2, e.SizeBytes)
	assert.Equal(t, int64(1), e.AccessCount.Load())

	_, ok = s.Get("missing")
	assert.False(t, ok)
}

func TestStore_LazyExpiry(t *testing.T) {
	s := newStore(t, 10, LRU{})
	e := models.NewEntry("old", []byte("v"), time.Minute, models.PriorityNormal)
	e.ExpiresAt = time.Now().Add(-time.Second)
	s.Set(e)

	_, ok := s.Get("old")
	assert.False(t, ok, "expired entry must read as a miss")
	assert.Equal(t, 1, s.Len(), "expired entry stays until a sweep")

	assert.Equal(t, 1, s.Sweep())
	assert.Equal(t, 0, s.Len())
}

func TestStore_CapacityInvariant(t *testing.T) {
	s := newStore(t, 100, PriorityLRU{})

	for i := range 1000 {
		s.Set(models.NewEntry(fmt.Sprintf("k%d", i), []byte("v"), time.Minute, models.PriorityNormal))
		require.LessOrEqual(t, s.Len(), 100)
	}

	assert.GreaterOrEqual(t, s.Len(), 100-s.BatchSize())
	// the most recent write always survives
	_, ok := s.Get("k999")
	assert.True(t, ok)
}

func TestStore_ReplaceDoesNotEvict(t *testing.T) {
	s := newStore(t, 2, LRU{})
	s.Set(models.NewEntry("a", []byte("1"), time.Minute, models.PriorityNormal))
	s.Set(models.NewEntry("b", []byte("1"), time.Minute, models.PriorityNormal))

	assert.Zero(t, s.Set(models.NewEntry("a", []byte("2"), time.Minute, models.PriorityNormal)))
	assert.Equal(t, 2, s.Len())

	e, ok := s.Get("a")
	require.True(t, ok)
	assert.Equal(t, []byte("2"), e.Value)
}

func TestStore_ExpiredEntriesMakeRoomFirst(t *testing.T) {
	s := newStore(t, 3, PriorityLRU{})
	base := time.Now().Add(-time.Hour)
	s.Set(entryAt("a", models.PriorityLow, base))
	s.Set(entryAt("b", models.PriorityLow, base.Add(time.Minute)))
	stale := entryAt("c", models.PriorityHigh, base.Add(2*time.Minute))
	stale.ExpiresAt = time.Now().Add(-time.Second)
	s.Set(stale)

	s.Set(entryAt("d", models.PriorityNormal, time.Now()))

	_, ok := s.Peek("c")
	assert.False(t, ok)
	_, ok = s.Peek("a")
	assert.True(t, ok, "live entries are kept when expired ones free enough room")
}

func TestPriorityLRU_PriorityBeforeRecency(t *testing.T) {
	s, err := New(Options{Name: "l1", Capacity: 10, EvictionFraction: 0.3, Policy: PriorityLRU{}})
	require.NoError(t, err)

	now := time.Now()
	// high priority entries are the oldest, low ones the most recent
	for i := range 5 {
		s.Set(entryAt(fmt.Sprintf("high%d", i), models.PriorityHigh, now.Add(-time.Duration(100-i)*time.Minute)))
	}
	for i := range 5 {
		s.Set(entryAt(fmt.Sprintf("low%d", i), models.PriorityLow, now.Add(-time.Duration(5-i)*time.Second)))
	}

	s.Set(entryAt("new", models.PriorityNormal, now))

	for i := range 5 {
		_, ok := s.Peek(fmt.Sprintf("high%d", i))
		assert.True(t, ok, "high%d must survive while low entries remain", i)
	}
	for i := range 3 {
		_, ok := s.Peek(fmt.Sprintf("low%d", i))
		assert.False(t, ok, "low%d is among the oldest low entries", i)
	}
	for i := 3; i < 5; i++ {
		_, ok := s.Peek(fmt.Sprintf("low%d", i))
		assert.True(t, ok)
	}
}

func TestLRU_IgnoresPriority(t *testing.T) {
	s := newStore(t, 3, LRU{})
	now := time.Now()
	s.Set(entryAt("old-high", models.PriorityHigh, now.Add(-time.Hour)))
	s.Set(entryAt("mid-low", models.PriorityLow, now.Add(-time.Minute)))
	s.Set(entryAt("new-low", models.PriorityLow, now))

	s.Set(entryAt("next", models.PriorityLow, now))

	_, ok := s.Peek("old-high")
	assert.False(t, ok)
	_, ok = s.Peek("mid-low")
	assert.True(t, ok)
}

func TestStore_EvictMatchingAndShrink(t *testing.T) {
	s := newStore(t, 20, PriorityLRU{})
	now := time.Now()
	for i := range 10 {
		p := models.PriorityLow
		if i%2 == 0 {
			p = models.PriorityHigh
		}
		s.Set(entryAt(fmt.Sprintf("k%d", i), p, now.Add(time.Duration(i)*time.Second)))
	}

	isLow := func(e *models.Entry) bool { return e.Priority == models.PriorityLow }
	assert.Equal(t, 5, s.CountMatching(isLow))
	evicted, freed := s.EvictMatching(2, isLow)
	assert.Equal(t, 2, evicted)
	assert.Equal(t, int64(4+4), freed, "keys k1 and k3 with their two-byte values")
	assert.Equal(t, 3, s.CountMatching(isLow))
	_, ok := s.Peek("k1")
	assert.False(t, ok)

	assert.Equal(t, 4, s.ShrinkTo(4))
	assert.Equal(t, 4, s.Len())
	assert.Zero(t, s.ShrinkTo(10))
}

func TestStore_Callbacks(t *testing.T) {
	var evicted, expired atomic.Int64
	s, err := New(Options{
		Name:     "l3",
		Capacity: 5,
		Policy:   LRU{},
		OnEvict:  func(n int) { evicted.Add(int64(n)) },
		OnExpire: func(n int) { expired.Add(int64(n)) },
	})
	require.NoError(t, err)

	for i := range 6 {
		s.Set(models.NewEntry(fmt.Sprintf("k%d", i), nil, time.Minute, models.PriorityNormal))
	}
	assert.Equal(t, int64(1), evicted.Load())

	e := models.NewEntry("gone", nil, time.Minute, models.PriorityNormal)
	e.ExpiresAt = time.Now().Add(-time.Minute)
	s.Set(e)
	s.Sweep()
	assert.GreaterOrEqual(t, expired.Load(), int64(1))
}

func TestStore_ConcurrentAccess(t *testing.T) {
	s := newStore(t, 50, PriorityLRU{})

	var wg sync.WaitGroup
	for w := range 8 {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for i := range 500 {
				key := fmt.Sprintf("w%d-%d", worker, i%80)
				s.Set(models.NewEntry(key, []byte("v"), time.Minute, models.Priority(i%3)))
				s.Get(key)
				if i%50 == 0 {
					s.Cleanup()
				}
			}
		}(w)
	}
	wg.Wait()

	assert.LessOrEqual(t, s.Len(), 50)
}

func TestStore_DeleteClearBytes(t *testing.T) {
	s := newStore(t, 10, LRU{})
	s.Set(models.NewEntry("a", []byte("123"), time.Minute, models.PriorityNormal))
	s.Set(models.NewEntry("b", []byte("45"), time.Minute, models.PriorityNormal))

	assert.Equal(t, int64(5), s.Bytes())
	assert.ElementsMatch(t, []string{"a", "b"}, s.Keys())
	assert.True(t, s.Delete("a"))
	assert.False(t, s.Delete("a"))
	assert.Equal(t, 1, s.Clear())
	assert.Zero(t, s.Len())
}
