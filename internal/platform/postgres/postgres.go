// Package postgres opens the PostgreSQL connection pool used by the record
// store.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"

	"enricher/internal/platform/config"
)

// DB exposes a pgx pool through database/sql.
type DB struct {
	*sql.DB
	pool *pgxpool.Pool
}

// Open parses cfg.URL, builds a pgx pool and verifies connectivity.
func Open(ctx context.Context, cfg config.DatabaseConfig) (*DB, error) {
	pc, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse database URL: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		pc.MaxConns = int32(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		pc.MinConns = int32(min(cfg.MaxIdleConns, cfg.MaxOpenConns))
	}
	if cfg.ConnMaxLifetime > 0 {
		pc.MaxConnLifetime = cfg.ConnMaxLifetime
	}
	pc.ConnConfig.RuntimeParams["application_name"] = "enricher"

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	pool, err := pgxpool.NewWithConfig(dialCtx, pc)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	if err := pool.Ping(dialCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &DB{DB: stdlib.OpenDBFromPool(pool), pool: pool}, nil
}

// Health pings the database.
func (d *DB) Health(ctx context.Context) error {
	return d.PingContext(ctx)
}

// Close releases the sql.DB wrapper and the underlying pool.
func (d *DB) Close() error {
	err := d.DB.Close()
	d.pool.Close()
	return err
}
