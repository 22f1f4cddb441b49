package postgres

import (
	"context"
	"fmt"

	"github.com/JakeFAU/webcrawl-indexer/internal/crawler"
)

const defaultPatternTable = "url_patterns"

// Pattern kinds stored in the kind column.
const (
	KindInclusion = "inclusion"
	KindExclusion = "exclusion"
)

// PatternStore reads inclusion and exclusion patterns from a table.
type PatternStore struct {
	pool  pool
	table string
}

var _ crawler.PatternStore = (*PatternStore)(nil)

// NewPatternStore creates a PatternStore. An empty table means "url_patterns".
func NewPatternStore(p pool, table string) (*PatternStore, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	table, err := checkTable(table, defaultPatternTable)
	if err != nil {
		return nil, err
	}
	return &PatternStore{pool: p, table: table}, nil
}

// EnsureSchema creates the pattern table when it does not exist.
func (s *PatternStore) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	kind     TEXT NOT NULL CHECK (kind IN ('inclusion', 'exclusion')),
	position INTEGER NOT NULL,
	pattern  TEXT NOT NULL,
	PRIMARY KEY (kind, position)
)`, s.table)
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create %s table: %w", s.table, err)
	}
	return nil
}

// Patterns returns both lists in position order.
func (s *PatternStore) Patterns(ctx context.Context) (inclusion, exclusion []string, err error) {
	query := fmt.Sprintf(`SELECT kind, pattern FROM %s ORDER BY kind, position`, s.table)
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, nil, fmt.Errorf("query patterns: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var kind, pattern string
		if err := rows.Scan(&kind, &pattern); err != nil {
			return nil, nil, fmt.Errorf("scan pattern row: %w", err)
		}
		switch kind {
		case KindInclusion:
			inclusion = append(inclusion, pattern)
		case KindExclusion:
			exclusion = append(exclusion, pattern)
		default:
			return nil, nil, fmt.Errorf("unknown pattern kind %q", kind)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate pattern rows: %w", err)
	}
	return inclusion, exclusion, nil
}
