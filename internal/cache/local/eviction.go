package local

import (
	"slices"

	"goflare.io/strata/internal/models"
)

// Policy orders entries for eviction. Entries comparing lower are evicted first.
type Policy interface {
	Name() string
	Compare(a, b *models.Entry) int
}

// PriorityLRU evicts lower priority entries first and breaks ties by recency.
// It is the Tier 1 policy.
type PriorityLRU struct{}

// Name implements Policy.
func (PriorityLRU) Name() string { return "priority-lru" }

// Compare implements Policy.
func (PriorityLRU) Compare(a, b *models.Entry) int {
	if wa, wb := a.Priority.Weight(), b.Priority.Weight(); wa != wb {
		if wa < wb {
			return -1
		}
		return 1
	}
	return a.LastAccessedAt.Load().Compare(b.LastAccessedAt.Load())
}

// LRU evicts the least recently used entries first. It is the Tier 3 policy.
type LRU struct{}

// Name implements Policy.
func (LRU) Name() string { return "lru" }

// Compare implements Policy.
func (LRU) Compare(a, b *models.Entry) int {
	return a.LastAccessedAt.Load().Compare(b.LastAccessedAt.Load())
}

// selectVictims returns up to n keys in eviction order. When match is not nil
// only matching entries are candidates. The full candidate set is sorted on
// every call; eviction batches are rare next to reads.
func selectVictims(entries map[string]*models.Entry, policy Policy, n int, match func(*models.Entry) bool) []string {
	if n <= 0 {
		return nil
	}

	candidates := make([]*models.Entry, 0, len(entries))
	for _, e := range entries {
		if match == nil || match(e) {
			candidates = append(candidates, e)
		}
	}
	slices.SortFunc(candidates, policy.Compare)

	if n > len(candidates) {
		n = len(candidates)
	}
	keys := make([]string, n)
	for i := range n {
		keys[i] = candidates[i].Key
	}
	return keys
}
