// Package source defines the backing data store contract the warmer reads
// its popular working set from.
package source

import (
	"context"
	"time"
)

// Item is one key and its serialized value.
type Item struct {
	Key   string
	Value []byte
	// TTL overrides the admission TTL when positive.
	TTL time.Duration
	// Category selects a configured base TTL when TTL is zero.
	Category string
}

// Source supplies the popular working set. Implementations are read-only.
type Source interface {
	FetchPopular(ctx context.Context, limit int) ([]Item, error)
}

// Func adapts a function to Source.
type Func func(ctx context.Context, limit int) ([]Item, error)

// FetchPopular implements Source.
func (f Func) FetchPopular(ctx context.Context, limit int) ([]Item, error) {
	return f(ctx, limit)
}

// Static serves a fixed item list, truncated to the limit.
type Static []Item

// FetchPopular implements Source.
func (s Static) FetchPopular(_ context.Context, limit int) ([]Item, error) {
	if limit <= 0 || limit >= len(s) {
		return append([]Item(nil), s...), nil
	}
	return append([]Item(nil), s[:limit]...), nil
}
