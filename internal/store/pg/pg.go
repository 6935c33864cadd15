// Package pg is the managed-mode persistence tier: a Postgres-backed
// memory.Backend used instead of the flat-file internal/memory.Store when
// config.DatabaseConfig.Mode is "managed" (spec §6 "file-backed by default,
// a Postgres-backed store in managed deployments"). Grounded on the
// teacher's cmd/migrate.go connection idiom (pgx/v5 stdlib driver opened
// from the env-sourced DSN) generalized from database/sql to pgxpool for
// the concurrent per-request access pattern a live store needs.
package pg

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Open creates a connection pool and verifies connectivity with a ping.
func Open(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pg: open pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pg: ping: %w", err)
	}
	return pool, nil
}
