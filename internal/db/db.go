// Package db provides the PostgreSQL persistence layer: a pgx connection
// pool wrapper and raw-SQL stores for every persisted entity.
package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/quantfold/agentsim/internal/config"
	"github.com/quantfold/agentsim/internal/metrics"
)

// Querier is the subset of pgxpool.Pool the stores use. pgxmock satisfies
// it, so store methods are unit-testable without a live database.
type Querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
	Close()
}

// DB wraps the PostgreSQL connection pool.
type DB struct {
	pool Querier
	pgx  *pgxpool.Pool // nil when constructed from a mock
}

// New creates a connection pool from configuration and verifies it.
func New(ctx context.Context, cfg *config.DatabaseConfig) (*DB, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.GetDSN())
	if err != nil {
		return nil, fmt.Errorf("failed to parse database DSN: %w", err)
	}

	maxConns := int32(cfg.PoolSize)
	if maxConns <= 0 {
		maxConns = 10
	}
	poolCfg.MaxConns = maxConns
	poolCfg.MinConns = 2
	poolCfg.MaxConnLifetime = time.Hour
	poolCfg.MaxConnIdleTime = 30 * time.Minute
	poolCfg.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	log.Info().
		Str("host", cfg.Host).
		Str("database", cfg.Database).
		Int32("max_conns", maxConns).
		Msg("Database connection pool created")

	return &DB{pool: pool, pgx: pool}, nil
}

// NewFromPool wraps an existing pgx pool (testcontainers, shared pools).
func NewFromPool(pool *pgxpool.Pool) *DB {
	return &DB{pool: pool, pgx: pool}
}

// NewFromQuerier wraps a Querier. Used by unit tests with pgxmock.
func NewFromQuerier(q Querier) *DB {
	return &DB{pool: q}
}

// Close closes the connection pool.
func (db *DB) Close() {
	if db.pool != nil {
		db.pool.Close()
		log.Info().Msg("Database connection pool closed")
	}
}

// Pool returns the underlying pgx pool, or nil for mock-backed instances.
func (db *DB) Pool() *pgxpool.Pool {
	return db.pgx
}

// Health checks database connectivity.
func (db *DB) Health(ctx context.Context) error {
	return db.pool.Ping(ctx)
}

// track times a store operation into the query-duration histogram.
func track(op string) func() {
	began := time.Now()
	return func() {
		metrics.RecordDatabaseQuery(op, float64(time.Since(began).Microseconds())/1000.0)
	}
}
