// Package target writes to the MAS database: connection pool, schema
// compatibility check, exclusive run lock, and the batched idempotent writer.
package target

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/matrix-tools/syn2mas/internal/config"
	"github.com/matrix-tools/syn2mas/internal/logging"
	"github.com/matrix-tools/syn2mas/internal/migerr"
	"github.com/matrix-tools/syn2mas/internal/stats"
)

// MAS applies its own schema with sqlx migrations; the engine requires at
// least this migration version (compat session tables in their current
// shape) and refuses to run against anything older.
const MinMigrationVersion = 20230527000000

// Advisory lock key so two engine instances cannot interleave against one
// MAS database.
const lockKey = int64(0x73796e326d6173) // "syn2mas"

// Pool manages read-write connections to the MAS database.
type Pool struct {
	pool     *pgxpool.Pool
	maxConns int
	lockConn *pgxpool.Conn
}

// NewPool connects to MAS and verifies reachability.
func NewPool(ctx context.Context, cfg *config.DatabaseConfig, maxConns int) (*Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.URI())
	if err != nil {
		return nil, fmt.Errorf("parsing mas dsn: %w", err)
	}

	poolCfg.MaxConns = int32(maxConns)
	poolCfg.MinConns = 1

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, migerr.New(migerr.ClassConnectivity, fmt.Errorf("creating mas pool: %w", err))
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, migerr.New(migerr.ClassConnectivity, fmt.Errorf("pinging mas database: %w", err))
	}

	logging.Info("Connected to MAS database (%d connections max)", maxConns)
	return &Pool{pool: pool, maxConns: maxConns}, nil
}

// Close releases the run lock (if held) and all connections.
func (p *Pool) Close() {
	if p.lockConn != nil {
		_, _ = p.lockConn.Exec(context.Background(), "SELECT pg_advisory_unlock($1)", lockKey)
		p.lockConn.Release()
		p.lockConn = nil
	}
	p.pool.Close()
}

// Ping tests connectivity.
func (p *Pool) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// Pool returns the underlying pgx pool.
func (p *Pool) Pool() *pgxpool.Pool {
	return p.pool
}

// MaxConns returns the configured maximum connections.
func (p *Pool) MaxConns() int {
	return p.maxConns
}

// Stats snapshots the pool counters for logging.
func (p *Pool) Stats() stats.PoolStats {
	st := p.pool.Stat()
	return stats.FromPgx("mas", st)
}

// MigrationVersion reads the latest applied MAS migration version.
func (p *Pool) MigrationVersion(ctx context.Context) (int64, error) {
	var version int64
	err := p.pool.QueryRow(ctx, `SELECT COALESCE(MAX(version), 0) FROM _sqlx_migrations WHERE success`).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("reading mas migration version: %w", err)
	}
	return version, nil
}

// CheckSchema verifies the MAS schema is recent enough for this engine.
func (p *Pool) CheckSchema(ctx context.Context) error {
	version, err := p.MigrationVersion(ctx)
	if err != nil {
		return migerr.New(migerr.ClassUnsupportedSchema, err)
	}
	if version < MinMigrationVersion {
		return migerr.Newf(migerr.ClassUnsupportedSchema,
			"mas migration version %d is older than the minimum supported %d (run mas-cli database migrate first)",
			version, MinMigrationVersion)
	}
	logging.Debug("MAS migration version %d OK", version)
	return nil
}

// AcquireLock takes the exclusive engine lock. The lock is held on a
// dedicated connection until Close. Returns false if another engine instance
// holds it.
func (p *Pool) AcquireLock(ctx context.Context) (bool, error) {
	if p.lockConn != nil {
		return true, nil
	}
	conn, err := p.pool.Acquire(ctx)
	if err != nil {
		return false, fmt.Errorf("acquiring lock connection: %w", err)
	}

	var locked bool
	if err := conn.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", lockKey).Scan(&locked); err != nil {
		conn.Release()
		return false, fmt.Errorf("taking advisory lock: %w", err)
	}
	if !locked {
		conn.Release()
		return false, nil
	}
	p.lockConn = conn
	return true, nil
}

// CountRows counts rows in a destination table.
func (p *Pool) CountRows(ctx context.Context, table string) (int64, error) {
	var n int64
	// Table names come from the engine's own record constructors, never from
	// external input.
	if err := p.pool.QueryRow(ctx, "SELECT COUNT(*) FROM "+table).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting %s: %w", table, err)
	}
	return n, nil
}
