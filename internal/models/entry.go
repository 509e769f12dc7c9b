package models

import (
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/atomic"
)

// Priority weights an entry for eviction. The zero value is PriorityNormal.
type Priority int

const (
	PriorityNormal Priority = iota
	PriorityLow
	PriorityHigh
)

// Weight orders priorities for eviction: low < normal < high.
func (p Priority) Weight() int {
	switch p {
	case PriorityLow:
		return 0
	case PriorityHigh:
		return 2
	default:
		return 1
	}
}

// String implements fmt.Stringer.
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// ParsePriority maps a priority name to its value.
func ParsePriority(s string) (Priority, error) {
	switch s {
	case "low":
		return PriorityLow, nil
	case "", "normal":
		return PriorityNormal, nil
	case "high":
		return PriorityHigh, nil
	default:
		return PriorityNormal, fmt.Errorf("unknown priority %q", s)
	}
}

// Entry represents a cache entry held by an in-process tier.
type Entry struct {
	Key            string
	Value          []byte
	ExpiresAt      time.Time
	LastAccessedAt *atomic.Time
	AccessCount    *atomic.Int64
	Priority       Priority
	SizeBytes      int
	// BaseTTL is the admission TTL before per-tier scaling and extension.
	BaseTTL time.Duration
}

// NewEntry creates a new Entry.
func NewEntry(key string, value []byte, ttl time.Duration, priority Priority) *Entry {
	now := time.Now()
	return &Entry{
		Key:            key,
		Value:          value,
		ExpiresAt:      now.Add(ttl),
		LastAccessedAt: atomic.NewTime(now),
		AccessCount:    atomic.NewInt64(0),
		Priority:       priority,
		SizeBytes:      len(value),
		BaseTTL:        ttl,
	}
}

// IsExpired checks if the entry has expired.
func (e *Entry) IsExpired() bool {
	return e.IsExpiredAt(time.Now())
}

// IsExpiredAt reports whether the entry is past its expiry at t.
func (e *Entry) IsExpiredAt(t time.Time) bool {
	return !t.Before(e.ExpiresAt)
}

// TTL returns the remaining lifetime, zero once expired.
func (e *Entry) TTL() time.Duration {
	d := time.Until(e.ExpiresAt)
	if d < 0 {
		return 0
	}
	return d
}

// Touch increments the access count and updates the last access time.
func (e *Entry) Touch() {
	e.AccessCount.Inc()
	e.LastAccessedAt.Store(time.Now())
}

// Envelope is the form an entry takes in the networked tier, where only
// bytes and a TTL are stored.
type Envelope struct {
	Data      []byte        `json:"d"`
	Priority  Priority      `json:"p"`
	BaseTTL   time.Duration `json:"b"`
	ExpiresAt int64         `json:"e"`
}

// ToEnvelope converts the entry for the networked tier.
func (e *Entry) ToEnvelope() *Envelope {
	return &Envelope{
		Data:      e.Value,
		Priority:  e.Priority,
		BaseTTL:   e.BaseTTL,
		ExpiresAt: e.ExpiresAt.UnixNano(),
	}
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (v *Envelope) MarshalBinary() ([]byte, error) {
	return json.Marshal(v)
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (v *Envelope) UnmarshalBinary(data []byte) error {
	return json.Unmarshal(data, v)
}

// ToEntry rebuilds an entry from the envelope, keeping its absolute expiry.
func (v *Envelope) ToEntry(key string) *Entry {
	e := NewEntry(key, v.Data, v.BaseTTL, v.Priority)
	if v.ExpiresAt != 0 {
		e.ExpiresAt = time.Unix(0, v.ExpiresAt)
	}
	return e
}
