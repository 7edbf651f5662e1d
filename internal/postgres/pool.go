// Package postgres builds the shared pgx pool and the query tracer that
// logs, traces and measures every statement issued through it.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/exaring/otelpgx"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxvec "github.com/pgvector/pgvector-go/pgx"
)

// PoolOptions tune the pool returned by NewPool.
type PoolOptions struct {
	// MaxConns overrides the pool size when positive.
	MaxConns int32

	// SlowQuery is the threshold under which successful queries are not
	// logged. Zero logs every query.
	SlowQuery time.Duration

	// Observer receives the duration of every query.
	Observer QueryObserver
}

// NewPool parses databaseURL, installs the tracing/logging query tracer and
// the pgvector codecs, and verifies connectivity before returning.
func NewPool(ctx context.Context, databaseURL string, opts PoolOptions) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if opts.MaxConns > 0 {
		cfg.MaxConns = opts.MaxConns
	}
	cfg.ConnConfig.Tracer = newQueryTracer(otelpgx.NewTracer(), opts.SlowQuery, opts.Observer)
	cfg.AfterConnect = registerVectorTypes

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

// registerVectorTypes installs the pgvector codecs on a new connection. A
// database without the extension is left alone; connections opened after
// the extension is created pick the types up (see pgvector.New).
func registerVectorTypes(ctx context.Context, conn *pgx.Conn) error {
	var installed bool
	if err := conn.QueryRow(ctx, `SELECT to_regtype('vector') IS NOT NULL`).Scan(&installed); err != nil {
		return fmt.Errorf("lookup vector type: %w", err)
	}
	if !installed {
		return nil
	}
	if err := pgxvec.RegisterTypes(ctx, conn); err != nil {
		return fmt.Errorf("register vector types: %w", err)
	}
	return nil
}
