package local

import (
	"time"

	"goflare.io/strata/internal/models"
)

// Peek returns the entry without checking expiry or recording access.
func (s *Store) Peek(key string) (*models.Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.entries[key]
	return entry, ok
}

// Sweep removes every expired entry.
func (s *Store) Sweep() int {
	s.mu.Lock()
	n := s.sweepLocked(time.Now())
	s.mu.Unlock()

	s.report(n, 0)
	return n
}

func (s *Store) CountMatching(match func(*models.Entry) bool) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int
	for _, e := range s.entries {
		if match(e) {
			n++
		}
	}
	return n
}
