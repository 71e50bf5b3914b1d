// Package checkpoint persists the engine's resumability state: per-entity
// checkpoints and identity mappings in the MAS database (so a resumed run on
// another host sees identical state), plus a local SQLite run registry for
// status and history.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/matrix-tools/syn2mas/internal/idmap"
	"github.com/matrix-tools/syn2mas/internal/migerr"
)

// Checkpoint marks migration progress for one entity type. LastKey is the
// highest legacy ordering key whose batch has durably committed.
type Checkpoint struct {
	EntityType string
	LastKey    string
	RowsDone   int64
	UpdatedAt  time.Time
}

// Querier is the subset of the pgx pool the store needs outside of a
// transaction. *pgxpool.Pool satisfies it.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

var _ Querier = (*pgxpool.Pool)(nil)

// Store persists checkpoints and identity mappings in the MAS database.
// Writes run inside the caller's data transaction so that checkpoint
// advancement and data commit share one failure domain.
type Store struct {
	pool Querier
}

// NewStore creates a store over the MAS connection pool.
func NewStore(pool Querier) *Store {
	return &Store{pool: pool}
}

// SchemaPresent reports whether the engine's state tables exist. Read-only
// runs use it instead of EnsureSchema so they never issue DDL.
func (s *Store) SchemaPresent(ctx context.Context) (bool, error) {
	var present bool
	err := s.pool.QueryRow(ctx,
		`SELECT to_regclass('syn2mas_mappings') IS NOT NULL`).Scan(&present)
	if err != nil {
		return false, fmt.Errorf("checking for engine state tables: %w", err)
	}
	return present, nil
}

// EnsureSchema creates the engine's state tables if they do not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS syn2mas_checkpoints (
			entity_type TEXT PRIMARY KEY,
			last_key    TEXT NOT NULL,
			rows_done   BIGINT NOT NULL DEFAULT 0,
			updated_at  TIMESTAMPTZ NOT NULL
		)`)
	if err != nil {
		return fmt.Errorf("creating checkpoint table: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS syn2mas_mappings (
			entity_type TEXT NOT NULL,
			legacy_id   TEXT NOT NULL,
			mas_id      UUID NOT NULL,
			PRIMARY KEY (entity_type, legacy_id)
		)`)
	if err != nil {
		return fmt.Errorf("creating mapping table: %w", err)
	}
	return nil
}

// Load returns the checkpoint for an entity type, or nil if none exists.
func (s *Store) Load(ctx context.Context, entityType string) (*Checkpoint, error) {
	var cp Checkpoint
	cp.EntityType = entityType
	err := s.pool.QueryRow(ctx, `
		SELECT last_key, rows_done, updated_at
		FROM syn2mas_checkpoints
		WHERE entity_type = $1
	`, entityType).Scan(&cp.LastKey, &cp.RowsDone, &cp.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading checkpoint for %s: %w", entityType, err)
	}
	return &cp, nil
}

// SaveTx upserts a checkpoint inside the caller's transaction.
func (s *Store) SaveTx(ctx context.Context, tx pgx.Tx, cp Checkpoint) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO syn2mas_checkpoints (entity_type, last_key, rows_done, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (entity_type) DO UPDATE
		SET last_key = EXCLUDED.last_key,
		    rows_done = EXCLUDED.rows_done,
		    updated_at = EXCLUDED.updated_at
	`, cp.EntityType, cp.LastKey, cp.RowsDone, cp.UpdatedAt)
	if err != nil {
		return fmt.Errorf("saving checkpoint for %s: %w", cp.EntityType, err)
	}
	return nil
}

// FlushMappingsTx makes pending identity mappings durable inside the caller's
// transaction. A mapping that already exists with a different MAS identifier
// is a consistency violation: it means two runs allocated divergent
// identifiers for the same legacy row.
func (s *Store) FlushMappingsTx(ctx context.Context, tx pgx.Tx, entries []idmap.Entry) error {
	if len(entries) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, e := range entries {
		batch.Queue(`
			INSERT INTO syn2mas_mappings (entity_type, legacy_id, mas_id)
			VALUES ($1, $2, $3)
			ON CONFLICT (entity_type, legacy_id) DO NOTHING
		`, e.EntityType, e.LegacyID, e.MASID)
	}

	results := tx.SendBatch(ctx, batch)
	conflicted := make([]idmap.Entry, 0)
	for _, e := range entries {
		tag, err := results.Exec()
		if err != nil {
			results.Close()
			return fmt.Errorf("persisting mapping %s/%s: %w", e.EntityType, e.LegacyID, err)
		}
		if tag.RowsAffected() == 0 {
			conflicted = append(conflicted, e)
		}
	}
	if err := results.Close(); err != nil {
		return fmt.Errorf("flushing mappings: %w", err)
	}

	for _, e := range conflicted {
		var existing uuid.UUID
		err := tx.QueryRow(ctx, `
			SELECT mas_id FROM syn2mas_mappings
			WHERE entity_type = $1 AND legacy_id = $2
		`, e.EntityType, e.LegacyID).Scan(&existing)
		if err != nil {
			return fmt.Errorf("re-reading mapping %s/%s: %w", e.EntityType, e.LegacyID, err)
		}
		if existing != e.MASID {
			return migerr.Row(migerr.ClassConsistencyViolation, e.EntityType, e.LegacyID,
				fmt.Errorf("mapping already persisted as %s, this run allocated %s", existing, e.MASID))
		}
	}
	return nil
}

// LoadMappings streams every durable mapping into the mapper's cache.
// Called once at run start so resolve never re-allocates a persisted id.
func (s *Store) LoadMappings(ctx context.Context, m *idmap.Mapper) (int64, error) {
	rows, err := s.pool.Query(ctx, `SELECT entity_type, legacy_id, mas_id FROM syn2mas_mappings`)
	if err != nil {
		return 0, fmt.Errorf("loading mappings: %w", err)
	}
	defer rows.Close()

	var count int64
	buf := make([]idmap.Entry, 0, 4096)
	for rows.Next() {
		var e idmap.Entry
		if err := rows.Scan(&e.EntityType, &e.LegacyID, &e.MASID); err != nil {
			return count, fmt.Errorf("scanning mapping: %w", err)
		}
		buf = append(buf, e)
		count++
		if len(buf) == cap(buf) {
			m.Preload(buf)
			buf = buf[:0]
		}
	}
	m.Preload(buf)
	if err := rows.Err(); err != nil {
		return count, fmt.Errorf("loading mappings: %w", err)
	}
	return count, nil
}

// Clear removes all engine state from the MAS database. Only valid after a
// fully verified migration.
func (s *Store) Clear(ctx context.Context) error {
	for _, table := range []string{"syn2mas_checkpoints", "syn2mas_mappings"} {
		if _, err := s.pool.Exec(ctx, "DROP TABLE IF EXISTS "+table); err != nil {
			return fmt.Errorf("dropping %s: %w", table, err)
		}
	}
	return nil
}
