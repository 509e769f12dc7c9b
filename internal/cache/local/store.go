// Package local implements the bounded in-process entry stores backing
// Tier 1 and Tier 3.
package local

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"goflare.io/strata/internal/models"
)

var ErrInvalidCapacity = errors.New("capacity must be at least 1")

// Options configures a Store.
type Options struct {
	Name             string
	Capacity         int
	EvictionFraction float64
	Policy           Policy
	Logger           *zap.Logger

	// OnEvict and OnExpire receive the number of entries removed by a pass.
	// They are called without the store lock held.
	OnEvict  func(n int)
	OnExpire func(n int)
}

// Store is a bounded, concurrency-safe entry container. Its entry count
// never exceeds its capacity once a Set returns.
type Store struct {
	name     string
	capacity int
	fraction float64
	policy   Policy
	logger   *zap.Logger
	onEvict  func(n int)
	onExpire func(n int)

	mu      sync.RWMutex
	entries map[string]*models.Entry
}

// New creates a new Store instance.
func New(opts Options) (*Store, error) {
	if opts.Capacity < 1 {
		return nil, fmt.Errorf("store %s: %w", opts.Name, ErrInvalidCapacity)
	}
	if opts.EvictionFraction <= 0 || opts.EvictionFraction > 1 {
		opts.EvictionFraction = 0.1
	}
	if opts.Policy == nil {
		opts.Policy = LRU{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	return &Store{
		name:     opts.Name,
		capacity: opts.Capacity,
		fraction: opts.EvictionFraction,
		policy:   opts.Policy,
		logger:   opts.Logger.With(zap.String("tier", opts.Name)),
		onEvict:  opts.OnEvict,
		onExpire: opts.OnExpire,
		entries:  make(map[string]*models.Entry, opts.Capacity),
	}, nil
}

// Name returns the tier name.
func (s *Store) Name() string { return s.name }

// Capacity returns the maximum entry count.
func (s *Store) Capacity() int { return s.capacity }

// BatchSize returns the number of entries one capacity eviction removes.
func (s *Store) BatchSize() int {
	n := int(float64(s.capacity) * s.fraction)
	if n < 1 {
		n = 1
	}
	return n
}

// Get returns a live entry and records the access. Expired entries are
// reported as absent but stay in place until the next sweep.
func (s *Store) Get(key string) (*models.Entry, bool) {
	s.mu.RLock()
	entry, ok := s.entries[key]
	s.mu.RUnlock()

	if !ok || entry.IsExpired() {
		return nil, false
	}
	entry.Touch()
	return entry, true
}

// Set inserts or replaces an entry, evicting first when the store is full.
// It returns the number of entries evicted to make room.
func (s *Store) Set(entry *models.Entry) int {
	s.mu.Lock()
	var expired, evicted int
	if _, exists := s.entries[entry.Key]; !exists && len(s.entries) >= s.capacity {
		expired, evicted = s.makeRoomLocked()
	}
	s.entries[entry.Key] = entry
	s.mu.Unlock()

	s.report(expired, evicted)
	return expired + evicted
}

// makeRoomLocked drops expired entries and, if the store is still full,
// one policy-ordered batch.
func (s *Store) makeRoomLocked() (expired, evicted int) {
	expired = s.sweepLocked(time.Now())
	if len(s.entries) < s.capacity {
		return expired, 0
	}

	n := s.BatchSize()
	if need := len(s.entries) - s.capacity + 1; n < need {
		n = need
	}
	evicted, _ = s.removeLocked(selectVictims(s.entries, s.policy, n, nil))
	return expired, evicted
}

// Cleanup sweeps expired entries and evicts a batch when the store is full.
func (s *Store) Cleanup() int {
	s.mu.Lock()
	expired := s.sweepLocked(time.Now())
	var evicted int
	if len(s.entries) >= s.capacity {
		evicted, _ = s.removeLocked(selectVictims(s.entries, s.policy, s.BatchSize(), nil))
	}
	s.mu.Unlock()

	s.report(expired, evicted)
	return expired + evicted
}

func (s *Store) sweepLocked(now time.Time) int {
	var n int
	for key, entry := range s.entries {
		if entry.IsExpiredAt(now) {
			delete(s.entries, key)
			n++
		}
	}
	return n
}

// EvictMatching removes up to n entries accepted by match, in policy order.
// It returns the number of entries removed and the key and payload bytes
// they held.
func (s *Store) EvictMatching(n int, match func(*models.Entry) bool) (int, int64) {
	s.mu.Lock()
	evicted, freed := s.removeLocked(selectVictims(s.entries, s.policy, n, match))
	s.mu.Unlock()

	s.report(0, evicted)
	return evicted, freed
}

// ShrinkTo evicts in policy order until at most target entries remain.
func (s *Store) ShrinkTo(target int) int {
	if target < 0 {
		target = 0
	}
	s.mu.Lock()
	var evicted int
	if excess := len(s.entries) - target; excess > 0 {
		evicted, _ = s.removeLocked(selectVictims(s.entries, s.policy, excess, nil))
	}
	s.mu.Unlock()

	s.report(0, evicted)
	return evicted
}

func (s *Store) removeLocked(keys []string) (int, int64) {
	var freed int64
	for _, key := range keys {
		if e, ok := s.entries[key]; ok {
			freed += int64(len(key) + e.SizeBytes)
			delete(s.entries, key)
		}
	}
	return len(keys), freed
}

func (s *Store) report(expired, evicted int) {
	if expired > 0 && s.onExpire != nil {
		s.onExpire(expired)
	}
	if evicted > 0 {
		s.logger.Debug("Evicted entries", zap.Int("count", evicted), zap.String("policy", s.policy.Name()))
		if s.onEvict != nil {
			s.onEvict(evicted)
		}
	}
}

// Delete removes a key.
func (s *Store) Delete(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[key]
	delete(s.entries, key)
	return ok
}

// Clear removes every entry and returns how many were held.
func (s *Store) Clear() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.entries)
	s.entries = make(map[string]*models.Entry, s.capacity)
	return n
}

// Len returns the physical entry count, expired entries included.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Bytes returns the summed payload size of held entries.
func (s *Store) Bytes() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var total int64
	for _, e := range s.entries {
		total += int64(e.SizeBytes)
	}
	return total
}

// Keys returns a snapshot of the held keys.
func (s *Store) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.entries))
	for key := range s.entries {
		keys = append(keys, key)
	}
	return keys
}
