// Package sqlsource reads the popular working set from any database/sql
// driver.
package sqlsource

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"goflare.io/strata/pkg/source"
)

// DefaultQuery selects key and value ordered by popularity. The single
// placeholder receives the limit.
const DefaultQuery = `SELECT cache_key, payload FROM popular_items ORDER BY hits DESC LIMIT ?`

var ErrNilDB = errors.New("sqlsource: nil database")

// Source runs a query returning (key, value[, category]) rows.
type Source struct {
	db       *sql.DB
	query    string
	category string
}

// Option configures a Source.
type Option func(*Source)

// WithQuery replaces DefaultQuery. The query must take the limit as its only
// argument and return two or three columns.
func WithQuery(query string) Option {
	return func(s *Source) { s.query = query }
}

// WithCategory tags every item with a TTL category.
func WithCategory(category string) Option {
	return func(s *Source) { s.category = category }
}

// New creates a new Source.
func New(db *sql.DB, opts ...Option) (*Source, error) {
	if db == nil {
		return nil, ErrNilDB
	}
	s := &Source{db: db, query: DefaultQuery}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// FetchPopular implements source.Source.
func (s *Source) FetchPopular(ctx context.Context, limit int) ([]source.Item, error) {
	rows, err := s.db.QueryContext(ctx, s.query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query popular items: %w", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("failed to read columns: %w", err)
	}
	if len(cols) < 2 || len(cols) > 3 {
		return nil, fmt.Errorf("popular items query returns %d columns, want 2 or 3", len(cols))
	}

	items := make([]source.Item, 0, max(limit, 0))
	for rows.Next() {
		item := source.Item{Category: s.category}
		var category sql.NullString
		dest := []any{&item.Key, &item.Value}
		if len(cols) == 3 {
			dest = append(dest, &category)
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("failed to scan popular item: %w", err)
		}
		if category.Valid {
			item.Category = category.String
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate popular items: %w", err)
	}
	return items, nil
}

var _ source.Source = (*Source)(nil)
