// Package store is the Postgres access layer: account ownership, aggregated
// holdings, transaction history, and the refresh rate limiter. The snapshot
// store builds on the same pool in the history package.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("store: not found")

// Store wraps the shared connection pool.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// Open connects, verifies the database is reachable, and returns the store.
func Open(ctx context.Context, url string, logger *slog.Logger) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &Store{pool: pool, logger: logger.With("component", "store")}, nil
}

// Pool exposes the underlying pool for sibling packages that share it.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

// Migrate executes the schema file. The schema is idempotent, so this runs
// on every boot; a missing file means the deployment manages schema
// externally and is not an error.
func (s *Store) Migrate(ctx context.Context, path string) error {
	ddl, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			s.logger.Info("no schema file, skipping migration", "path", path)
			return nil
		}
		return fmt.Errorf("read schema %s: %w", path, err)
	}
	if _, err := s.pool.Exec(ctx, string(ddl)); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	s.logger.Info("schema applied", "path", path)
	return nil
}

func (s *Store) Close() {
	s.pool.Close()
}
