// Package store is the sole owner of Antfarm's persistent state: runs,
// steps, stories, and active sessions (spec.md §3, §4.1). Every mutating
// operation that spans more than one table runs inside a single
// transaction acquired with withTransaction, so the Pipeline Engine, the
// Recovery Sweeper, and the Spawner never observe a partially-applied
// state change.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// dbtx is satisfied by both *pgxpool.Pool and pgx.Tx, letting accessor
// methods run identically whether called standalone or from inside
// withTransaction.
type dbtx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store wraps a pgx connection pool and exposes typed accessors for every
// table in the data model.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore connects to Postgres, applies any pending migrations, and
// returns a ready-to-use Store.
func NewStore(ctx context.Context, cfg Config) (*Store, error) {
	dsn := cfg.DSN()

	if err := runMigrations(dsn, cfg.Database); err != nil {
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}
	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.MinConns = cfg.MinConns
	poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &Store{pool: pool}, nil
}

// NewStoreFromPool wraps an already-connected pool, useful for tests that
// provision a database via testcontainers.
func NewStoreFromPool(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the pool's connections.
func (s *Store) Close() {
	s.pool.Close()
}

// Pool exposes the underlying pool for health checks and metrics.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

// HealthStatus is a connection-pool health snapshot built from pgxpool's
// stat type.
type HealthStatus struct {
	Status            string        `json:"status"`
	ResponseTime      time.Duration `json:"response_time_ms"`
	TotalConns        int32         `json:"total_conns"`
	AcquiredConns     int32         `json:"acquired_conns"`
	IdleConns         int32         `json:"idle_conns"`
	MaxConns          int32         `json:"max_conns"`
	NewConnsCount     int64         `json:"new_conns_count"`
	AcquireCount      int64         `json:"acquire_count"`
}

// Health pings the pool and reports its connection statistics.
func (s *Store) Health(ctx context.Context) (*HealthStatus, error) {
	start := time.Now()
	if err := s.pool.Ping(ctx); err != nil {
		return &HealthStatus{Status: "unhealthy", ResponseTime: time.Since(start)}, err
	}
	stat := s.pool.Stat()
	return &HealthStatus{
		Status:        "healthy",
		ResponseTime:  time.Since(start),
		TotalConns:    stat.TotalConns(),
		AcquiredConns: stat.AcquiredConns(),
		IdleConns:     stat.IdleConns(),
		MaxConns:      stat.MaxConns(),
		NewConnsCount: stat.NewConnsCount(),
		AcquireCount:  stat.AcquireCount(),
	}, nil
}

// withTransaction runs fn inside a single transaction, committing on
// success and rolling back on any returned error or panic. This is the
// mechanism by which the Pipeline Engine and Sweeper apply multi-table
// state transitions atomically (spec.md §4.4, §4.5, §7).
func (s *Store) withTransaction(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// WithTransaction exposes withTransaction to callers outside the package
// (the Pipeline Engine composes several accessor calls per transition).
func (s *Store) WithTransaction(ctx context.Context, fn func(tx pgx.Tx) error) error {
	return s.withTransaction(ctx, fn)
}
