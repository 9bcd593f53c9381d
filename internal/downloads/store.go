// Package downloads provides the persistent per-path download counter.
package downloads

import (
	"context"
	"database/sql"
	"fmt"
)

// Store counts downloads keyed by relative file path. Counters are
// consulted only for public listings and file serves; private paths are
// never recorded.
type Store struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS downloads (
	path TEXT PRIMARY KEY,
	count BIGINT NOT NULL DEFAULT 0,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`

// New creates a counter store on an existing connection.
func New(db *sql.DB) (*Store, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("ensure downloads table: %w", err)
	}
	return &Store{db: db}, nil
}

// Increment bumps the counter for a path, creating it at 1.
func (s *Store) Increment(ctx context.Context, path string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO downloads (path, count) VALUES ($1, 1)
		 ON CONFLICT (path) DO UPDATE SET
			count = downloads.count + 1,
			updated_at = NOW()`,
		path)
	if err != nil {
		return fmt.Errorf("increment downloads for %s: %w", path, err)
	}
	return nil
}

// Count returns the download count for a path, 0 when untracked.
func (s *Store) Count(ctx context.Context, path string) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx,
		`SELECT count FROM downloads WHERE path = $1`, path).Scan(&count)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get downloads for %s: %w", path, err)
	}
	return count, nil
}
