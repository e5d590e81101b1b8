// Package db wraps the pgxpool connection pool and the schema migration
// runner. Asset claim queries are hand-written raw SQL against the pool
// directly rather than codegen'd.
package db

import (
	"context"
	"fmt"
	"log"

	"mediaindex/config"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DB wraps the connection pool used by every repository.
type DB struct {
	Pool *pgxpool.Pool
}

// New opens a pooled connection and verifies it with a ping.
func New(ctx context.Context, cfg config.DatabaseConfig) (*DB, error) {
	pool, err := pgxpool.New(ctx, cfg.URL())
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	log.Printf("database connection established: %s:%s/%s", cfg.Host, cfg.Port, cfg.DBName)
	return &DB{Pool: pool}, nil
}

// Close releases the pool.
func (d *DB) Close() {
	if d.Pool != nil {
		d.Pool.Close()
	}
}

// WithTx runs fn inside a transaction, committing on success and rolling
// back on any error or panic recovery path.
func (d *DB) WithTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := d.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}
