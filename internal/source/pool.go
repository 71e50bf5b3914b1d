// Package source reads from the legacy Synapse database. The pool is
// read-only end to end: every connection forces read-only transactions at the
// session level, so a configuration or code error cannot corrupt the
// homeserver's data.
package source

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/matrix-tools/syn2mas/internal/config"
	"github.com/matrix-tools/syn2mas/internal/logging"
	"github.com/matrix-tools/syn2mas/internal/migerr"
	"github.com/matrix-tools/syn2mas/internal/stats"
)

// Supported Synapse schema versions. Below the minimum the token and device
// tables lack columns the readers need; above the maximum the schema has not
// been reviewed for this engine.
const (
	MinSchemaVersion = 84
	MaxSchemaVersion = 92
)

// Pool manages read-only connections to the Synapse database.
type Pool struct {
	pool     *pgxpool.Pool
	maxConns int
}

// NewPool connects to Synapse and verifies reachability.
func NewPool(ctx context.Context, cfg *config.DatabaseConfig, maxConns int) (*Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.URI())
	if err != nil {
		return nil, fmt.Errorf("parsing synapse dsn: %w", err)
	}

	poolCfg.MaxConns = int32(maxConns)
	poolCfg.MinConns = 1
	poolCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		// Defense in depth: the engine only ever SELECTs from Synapse, and
		// the session enforces it.
		_, err := conn.Exec(ctx, "SET default_transaction_read_only = on")
		return err
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, migerr.New(migerr.ClassConnectivity, fmt.Errorf("creating synapse pool: %w", err))
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, migerr.New(migerr.ClassConnectivity, fmt.Errorf("pinging synapse database: %w", err))
	}

	logging.Info("Connected to Synapse database (read-only, %d connections max)", maxConns)
	return &Pool{pool: pool, maxConns: maxConns}, nil
}

// Close closes all connections in the pool.
func (p *Pool) Close() {
	p.pool.Close()
}

// Ping tests connectivity.
func (p *Pool) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// MaxConns returns the configured maximum connections.
func (p *Pool) MaxConns() int {
	return p.maxConns
}

// Stats snapshots the pool counters for logging.
func (p *Pool) Stats() stats.PoolStats {
	st := p.pool.Stat()
	return stats.FromPgx("synapse", st)
}

// SchemaVersion reads the Synapse schema version marker.
func (p *Pool) SchemaVersion(ctx context.Context) (int, error) {
	var version int
	err := p.pool.QueryRow(ctx, `SELECT version FROM schema_version`).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("reading synapse schema version: %w", err)
	}
	return version, nil
}

// CheckSchema verifies the Synapse schema version is within the supported
// range. Runs once, before any data moves: a partial run against an
// incompatible schema is unrecoverable.
func (p *Pool) CheckSchema(ctx context.Context) error {
	version, err := p.SchemaVersion(ctx)
	if err != nil {
		return migerr.New(migerr.ClassUnsupportedSchema, err)
	}
	if version < MinSchemaVersion || version > MaxSchemaVersion {
		return migerr.Newf(migerr.ClassUnsupportedSchema,
			"synapse schema version %d is outside the supported range [%d, %d]",
			version, MinSchemaVersion, MaxSchemaVersion)
	}
	logging.Debug("Synapse schema version %d OK", version)
	return nil
}

// count runs a single-value COUNT query.
func (p *Pool) count(ctx context.Context, query string, args ...any) (int64, error) {
	var n int64
	if err := p.pool.QueryRow(ctx, query, args...).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}
