// Package postgres implements the engine's durable storage on PostgreSQL: the
// point ledger with its per-user counters, versioned user aggregates and
// achievement unlocks.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ══════════════════════════════════════════════════════════════════════════════
// ERRORS
// ══════════════════════════════════════════════════════════════════════════════

var (
	// ErrConnectionClosed indicates the pool was closed.
	ErrConnectionClosed = errors.New("postgres: connection pool is closed")

	// ErrTransactionFailed indicates BEGIN failed.
	ErrTransactionFailed = errors.New("postgres: transaction failed")
)

// ══════════════════════════════════════════════════════════════════════════════
// CONNECTION POOL
// ══════════════════════════════════════════════════════════════════════════════

// Config holds pool settings. Zero values fall back to what the URL says, then
// to DefaultConfig.
type Config struct {
	MaxConns          int32
	MinConns          int32
	MaxConnLifetime   time.Duration
	MaxConnIdleTime   time.Duration
	HealthCheckPeriod time.Duration

	// PingTimeout bounds the connectivity check in Open.
	PingTimeout time.Duration
}

// DefaultConfig returns pool settings sized for one engine replica: every
// recordEvent holds a connection for the ledger transaction and again for the
// aggregate CAS.
func DefaultConfig() Config {
	return Config{
		MaxConns:          20,
		MinConns:          2,
		MaxConnLifetime:   time.Hour,
		MaxConnIdleTime:   30 * time.Minute,
		HealthCheckPeriod: time.Minute,
		PingTimeout:       10 * time.Second,
	}
}

// Connection owns the pool shared by the ledger, aggregate and unlock
// repositories.
type Connection struct {
	pool   *pgxpool.Pool
	mu     sync.RWMutex
	closed bool
}

// Open parses databaseURL, applies cfg and verifies connectivity.
func Open(ctx context.Context, databaseURL string, cfg Config) (*Connection, error) {
	poolConfig, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse database URL: %w", err)
	}

	defaults := DefaultConfig()
	poolConfig.MaxConns = firstNonZero(cfg.MaxConns, poolConfig.MaxConns, defaults.MaxConns)
	poolConfig.MinConns = firstNonZero(cfg.MinConns, poolConfig.MinConns, defaults.MinConns)
	poolConfig.MaxConnLifetime = firstNonZero(cfg.MaxConnLifetime, defaults.MaxConnLifetime)
	poolConfig.MaxConnIdleTime = firstNonZero(cfg.MaxConnIdleTime, defaults.MaxConnIdleTime)
	poolConfig.HealthCheckPeriod = firstNonZero(cfg.HealthCheckPeriod, defaults.HealthCheckPeriod)
	if poolConfig.MinConns > poolConfig.MaxConns {
		poolConfig.MinConns = poolConfig.MaxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("postgres: create pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, firstNonZero(cfg.PingTimeout, defaults.PingTimeout))
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}

	return &Connection{pool: pool}, nil
}

// Pool returns the pool for the repositories.
func (c *Connection) Pool() *pgxpool.Pool {
	return c.pool
}

// Close closes the pool. Safe to call twice.
func (c *Connection) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.pool.Close()
}

// Ping implements the readiness check.
func (c *Connection) Ping(ctx context.Context) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrConnectionClosed
	}
	return c.pool.Ping(ctx)
}

// PoolStats is a snapshot of pool usage.
type PoolStats struct {
	TotalConns        int32 `json:"total_conns"`
	IdleConns         int32 `json:"idle_conns"`
	AcquiredConns     int32 `json:"acquired_conns"`
	MaxConns          int32 `json:"max_conns"`
	EmptyAcquireCount int64 `json:"empty_acquire_count"`
}

// Stats reports pool usage. Empty acquires growing steadily mean MaxConns is
// too low for the ingest rate.
func (c *Connection) Stats() PoolStats {
	s := c.pool.Stat()
	return PoolStats{
		TotalConns:        s.TotalConns(),
		IdleConns:         s.IdleConns(),
		AcquiredConns:     s.AcquiredConns(),
		MaxConns:          s.MaxConns(),
		EmptyAcquireCount: s.EmptyAcquireCount(),
	}
}

// ErrPoolSaturated is reported while every connection is acquired.
var ErrPoolSaturated = errors.New("postgres: pool saturated")

// CheckSaturation is a non-critical readiness check.
func (c *Connection) CheckSaturation(context.Context) error {
	s := c.Stats()
	if s.MaxConns > 0 && s.AcquiredConns >= s.MaxConns {
		return fmt.Errorf("%w: %d/%d acquired", ErrPoolSaturated, s.AcquiredConns, s.MaxConns)
	}
	return nil
}

// ══════════════════════════════════════════════════════════════════════════════
// TRANSACTIONS
// ══════════════════════════════════════════════════════════════════════════════

// Querier is implemented by pools, connections and transactions.
type Querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// DB is what the repositories need: queries plus transactions. It is
// satisfied by *pgxpool.Pool and by pgxmock pools.
type DB interface {
	Querier
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
}

var _ DB = (*pgxpool.Pool)(nil)

// TxOptions holds transaction options.
type TxOptions struct {
	IsoLevel   pgx.TxIsoLevel
	AccessMode pgx.TxAccessMode
}

// DefaultTxOptions is read-committed read-write. Ledger appends rely on the
// per-user counters row lock, not on serializable isolation.
func DefaultTxOptions() TxOptions {
	return TxOptions{IsoLevel: pgx.ReadCommitted, AccessMode: pgx.ReadWrite}
}

// runInTx commits when fn returns nil and rolls back otherwise.
func runInTx(ctx context.Context, db DB, opts TxOptions, fn func(pgx.Tx) error) error {
	tx, err := db.BeginTx(ctx, pgx.TxOptions{IsoLevel: opts.IsoLevel, AccessMode: opts.AccessMode})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrTransactionFailed, err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback(ctx)
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			return fmt.Errorf("tx error: %v, rollback error: %w", err, rbErr)
		}
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit error: %w", err)
	}
	return nil
}

// ══════════════════════════════════════════════════════════════════════════════
// ERROR HELPERS
// ══════════════════════════════════════════════════════════════════════════════

// IsTransient reports errors worth retrying with the same input: serialization
// failures, deadlocks, connection loss and admin shutdowns.
func IsTransient(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "57P01", "57P03":
			return true
		}
		return strings.HasPrefix(pgErr.Code, "08")
	}
	return pgconn.SafeToRetry(err) || pgconn.Timeout(err) || errors.Is(err, ErrTransactionFailed)
}

// IsNoRows reports pgx.ErrNoRows.
func IsNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

func firstNonZero[T comparable](vals ...T) T {
	var zero T
	for _, v := range vals {
		if v != zero {
			return v
		}
	}
	return zero
}
