package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPriority(t *testing.T) {
	var zero Priority
	assert.Equal(t, PriorityNormal, zero)
	assert.Less(t, PriorityLow.Weight(), PriorityNormal.Weight())
	assert.Less(t, PriorityNormal.Weight(), PriorityHigh.Weight())

	for _, p := range []Priority{PriorityLow, PriorityNormal, PriorityHigh} {
		parsed, err := ParsePriority(p.String())
		require.NoError(t, err)
		assert.Equal(t, p, parsed)
	}
	_, err := ParsePriority("urgent")
	assert.Error(t, err)
}

func TestEntry_Expiry(t *testing.T) {
	e := NewEntry("k", []byte("abc"), time.Minute, PriorityHigh)
	assert.Equal(t, 3, e.SizeBytes)
	assert.False(t, e.IsExpired())
	assert.True(t, e.IsExpiredAt(e.ExpiresAt), "expired at the deadline itself")
	assert.InDelta(t, time.Minute, e.TTL(), float64(time.Second))

	e.ExpiresAt = time.Now().Add(-time.Second)
	assert.True(t, e.IsExpired())
	assert.Zero(t, e.TTL())
}

func TestEntry_Touch(t *testing.T) {
	e := NewEntry("k", nil, time.Minute, PriorityNormal)
	before := e.LastAccessedAt.Load()
	time.Sleep(time.Millisecond)
	e.Touch()
	assert.Equal(t, int64(1), e.AccessCount.Load())
	assert.True(t, e.LastAccessedAt.Load().After(before))
}

func TestEnvelope_KeepsAbsoluteExpiry(t *testing.T) {
	e := NewEntry("k", []byte("v"), time.Hour, PriorityLow)
	e.ExpiresAt = time.Now().Add(10 * time.Minute)

	data, err := e.ToEnvelope().MarshalBinary()
	require.NoError(t, err)

	var env Envelope
	require.NoError(t, env.UnmarshalBinary(data))
	back := env.ToEntry("k")
	assert.Equal(t, PriorityLow, back.Priority)
	assert.Equal(t, time.Hour, back.BaseTTL)
	assert.Equal(t, e.ExpiresAt.UnixNano(), back.ExpiresAt.UnixNano())
}

func TestTierMask(t *testing.T) {
	assert.True(t, MaskAll.Has(Tier2))
	assert.False(t, MaskTier1.Has(Tier3))
	assert.Equal(t, KindNetworked, Tier2.Kind())
	assert.Equal(t, "l3", Tier3.String())
}
