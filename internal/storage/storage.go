// Package storage is the PostgreSQL persistence adapter: bars, positions,
// order references and the cleanup audit log.
//
// All access goes through a pgx connection pool with a bounded acquire
// budget and a per-query deadline. Exhaustion and timeouts surface as the
// package's sentinel errors so callers can tell "the database is busy"
// from "the query is wrong" without parsing driver errors.
package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Sentinel errors for the two operational failure modes callers branch on.
var (
	ErrPoolExhausted = errors.New("storage: connection pool exhausted")
	ErrQueryTimeout  = errors.New("storage: query deadline exceeded")
)

// Config tunes the pool and the per-query deadline.
type Config struct {
	DSN            string
	MinConns       int32
	MaxConns       int32
	AcquireTimeout time.Duration // budget to get a connection from the pool
	QueryTimeout   time.Duration // deadline applied to every statement
}

// DB wraps the pool and hands out repositories.
type DB struct {
	pool   *pgxpool.Pool
	cfg    Config
	logger *slog.Logger
}

// Connect builds the pool and verifies connectivity with one ping.
func Connect(ctx context.Context, cfg Config, logger *slog.Logger) (*DB, error) {
	pc, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("storage: parse dsn: %w", err)
	}
	pc.MinConns = cfg.MinConns
	pc.MaxConns = cfg.MaxConns

	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, fmt.Errorf("storage: create pool: %w", err)
	}

	pctx, cancel := context.WithTimeout(ctx, cfg.AcquireTimeout)
	defer cancel()
	if err := pool.Ping(pctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("storage: ping: %w", err)
	}

	logger.Info("database connected",
		"component", "storage", "min_conns", cfg.MinConns, "max_conns", cfg.MaxConns)
	return &DB{pool: pool, cfg: cfg, logger: logger.With("component", "storage")}, nil
}

// Close releases the pool.
func (db *DB) Close() { db.pool.Close() }

// Healthy pings the database within the acquire budget.
func (db *DB) Healthy(ctx context.Context) error {
	pctx, cancel := context.WithTimeout(ctx, db.cfg.AcquireTimeout)
	defer cancel()
	return db.pool.Ping(pctx)
}

// acquire checks a connection out of the pool under the acquire budget.
func (db *DB) acquire(ctx context.Context) (*pgxpool.Conn, error) {
	actx, cancel := context.WithTimeout(ctx, db.cfg.AcquireTimeout)
	defer cancel()

	conn, err := db.pool.Acquire(actx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, fmt.Errorf("%w: %v", ErrPoolExhausted, err)
		}
		return nil, err
	}
	return conn, nil
}

// queryCtx derives the per-statement deadline.
func (db *DB) queryCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, db.cfg.QueryTimeout)
}

// mapErr translates a statement error into the package sentinels where the
// failure is operational rather than logical.
func (db *DB) mapErr(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return fmt.Errorf("%w: %v", ErrQueryTimeout, err)
	}
	return err
}

// Bars returns the bar repository.
func (db *DB) Bars() *BarRepo { return &BarRepo{db: db} }

// Positions returns the position repository.
func (db *DB) Positions() *PositionRepo { return &PositionRepo{db: db} }

// Orders returns the order-reference repository.
func (db *DB) Orders() *OrderRepo { return &OrderRepo{db: db} }

// CleanupLog returns the cleanup audit-log repository.
func (db *DB) CleanupLog() *CleanupLogRepo { return &CleanupLogRepo{db: db} }
