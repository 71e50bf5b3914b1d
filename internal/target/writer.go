package target

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/matrix-tools/syn2mas/internal/checkpoint"
	"github.com/matrix-tools/syn2mas/internal/idmap"
	"github.com/matrix-tools/syn2mas/internal/logging"
	"github.com/matrix-tools/syn2mas/internal/migerr"
	"github.com/matrix-tools/syn2mas/internal/retry"
)

// CommitResult summarizes one batch commit.
type CommitResult struct {
	// Written counts rows newly inserted.
	Written int64
	// AlreadyApplied counts rows that conflicted with identical stored
	// content, i.e. a previous run already migrated them.
	AlreadyApplied int64
	// RowErrors holds per-row failures that were isolated and skipped.
	RowErrors []*migerr.Error
}

// Committer applies a batch of records and advances the checkpoint atomically.
// The verifier provides a read-only implementation for dry runs.
type Committer interface {
	Commit(ctx context.Context, records []Record, pending []idmap.Entry, cp checkpoint.Checkpoint) (CommitResult, error)
}

// txBeginner is the transactional surface the writer needs. *pgxpool.Pool
// satisfies it; tests substitute a fake.
type txBeginner interface {
	BeginTx(ctx context.Context, opts pgx.TxOptions) (pgx.Tx, error)
}

// BatchWriter commits records to the MAS database. Each Commit is one
// transaction carrying the batch's inserts, its new identity mappings, and
// the checkpoint advance, so a crash leaves either all or none of them.
type BatchWriter struct {
	db     txBeginner
	store  *checkpoint.Store
	policy retry.Policy
	strict bool
}

// NewBatchWriter creates a writer. With strict set, the first row-level
// failure aborts the batch instead of being isolated and skipped.
func NewBatchWriter(pool *Pool, store *checkpoint.Store, policy retry.Policy, strict bool) *BatchWriter {
	return &BatchWriter{db: pool.pool, store: store, policy: policy, strict: strict}
}

// Commit writes the batch. The whole transaction retries on transient
// storage errors; a row-level constraint or validation failure triggers the
// row isolation path, which re-runs the batch one row at a time so the
// remaining rows still land.
func (w *BatchWriter) Commit(ctx context.Context, records []Record, pending []idmap.Entry, cp checkpoint.Checkpoint) (CommitResult, error) {
	var result CommitResult

	err := w.policy.Do(ctx, fmt.Sprintf("commit %s batch", cp.EntityType), func() error {
		r, err := w.commitOnce(ctx, records, pending, cp)
		if err != nil {
			return err
		}
		result = r
		return nil
	})
	if err == nil {
		return result, nil
	}

	// A row-level failure in the batched path tells us which row is bad but a
	// constraint violation poisons the whole transaction. Re-run row by row,
	// isolating failures, unless strict mode wants the hard stop.
	if migerr.IsRowLevel(err) && !w.strict {
		return w.commitIsolated(ctx, records, pending, cp)
	}
	return result, err
}

func (w *BatchWriter) commitOnce(ctx context.Context, records []Record, pending []idmap.Entry, cp checkpoint.Checkpoint) (CommitResult, error) {
	var result CommitResult

	tx, err := w.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return result, fmt.Errorf("beginning batch transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	batch := &pgx.Batch{}
	for i := range records {
		batch.Queue(records[i].InsertSQL(), records[i].Values...)
	}

	br := tx.SendBatch(ctx, batch)
	conflicted := make([]int, 0)
	for i := range records {
		tag, err := br.Exec()
		if err != nil {
			br.Close()
			return result, classifyRowError(&records[i], err)
		}
		if tag.RowsAffected() == 0 {
			conflicted = append(conflicted, i)
		} else {
			result.Written++
		}
	}
	if err := br.Close(); err != nil {
		return result, fmt.Errorf("closing batch: %w", err)
	}

	// Conflicted rows are fine only when the stored content matches what we
	// would have written: that is the re-run case. Divergent content means
	// the destination changed underneath us.
	for _, i := range conflicted {
		if err := w.verifyStored(ctx, tx, &records[i]); err != nil {
			return result, err
		}
		result.AlreadyApplied++
	}

	if err := w.store.FlushMappingsTx(ctx, tx, pending); err != nil {
		return result, err
	}
	cp.UpdatedAt = time.Now().UTC()
	if err := w.store.SaveTx(ctx, tx, cp); err != nil {
		return result, err
	}
	if err := tx.Commit(ctx); err != nil {
		return result, fmt.Errorf("committing batch: %w", err)
	}
	return result, nil
}

// commitIsolated re-runs the batch one row per transaction. The batch's
// identity mappings go durable first: a row may only be committed once the
// mapping behind its identifiers is persisted, otherwise a crash mid-batch
// would leave rows whose identifiers a resumed run cannot reproduce. With the
// mappings down, a crash between row commits just re-runs idempotent inserts.
// The checkpoint advances last.
func (w *BatchWriter) commitIsolated(ctx context.Context, records []Record, pending []idmap.Entry, cp checkpoint.Checkpoint) (CommitResult, error) {
	var result CommitResult

	err := w.policy.Do(ctx, fmt.Sprintf("commit %s mappings", cp.EntityType), func() error {
		tx, err := w.db.BeginTx(ctx, pgx.TxOptions{})
		if err != nil {
			return fmt.Errorf("beginning mapping transaction: %w", err)
		}
		defer tx.Rollback(ctx)

		if err := w.store.FlushMappingsTx(ctx, tx, pending); err != nil {
			return err
		}
		return tx.Commit(ctx)
	})
	if err != nil {
		return result, err
	}

	for i := range records {
		rec := &records[i]
		err := w.policy.Do(ctx, fmt.Sprintf("commit %s row %s", rec.EntityType, rec.LegacyKey), func() error {
			return w.commitRow(ctx, rec, &result)
		})
		if err == nil {
			continue
		}
		var rowErr *migerr.Error
		if errors.As(err, &rowErr) && migerr.IsRowLevel(rowErr) {
			logging.Warn("Skipping %s %s: %v", rec.EntityType, rec.LegacyKey, rowErr)
			result.RowErrors = append(result.RowErrors, rowErr)
			continue
		}
		return result, err
	}

	err = w.policy.Do(ctx, fmt.Sprintf("commit %s checkpoint", cp.EntityType), func() error {
		tx, err := w.db.BeginTx(ctx, pgx.TxOptions{})
		if err != nil {
			return fmt.Errorf("beginning checkpoint transaction: %w", err)
		}
		defer tx.Rollback(ctx)

		cp.UpdatedAt = time.Now().UTC()
		if err := w.store.SaveTx(ctx, tx, cp); err != nil {
			return err
		}
		return tx.Commit(ctx)
	})
	return result, err
}

func (w *BatchWriter) commitRow(ctx context.Context, rec *Record, result *CommitResult) error {
	tx, err := w.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("beginning row transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, rec.InsertSQL(), rec.Values...)
	if err != nil {
		return classifyRowError(rec, err)
	}
	if tag.RowsAffected() == 0 {
		if err := w.verifyStored(ctx, tx, rec); err != nil {
			return err
		}
		result.AlreadyApplied++
	} else {
		result.Written++
	}
	return tx.Commit(ctx)
}

// verifyStored reads the stored row that the insert conflicted with and
// compares content column by column.
func (w *BatchWriter) verifyStored(ctx context.Context, tx pgx.Tx, rec *Record) error {
	sql, args := rec.SelectSQL()
	rows, err := tx.Query(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("fetching stored %s row: %w", rec.Table, err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return fmt.Errorf("fetching stored %s row: %w", rec.Table, err)
		}
		// Conflict fired on a different unique constraint than the one we
		// key verification on. Treat as divergent content.
		return migerr.Row(migerr.ClassConsistencyViolation, rec.EntityType, rec.LegacyKey,
			fmt.Errorf("insert into %s conflicted but no row matched the expected key", rec.Table))
	}
	stored, err := rows.Values()
	if err != nil {
		return fmt.Errorf("scanning stored %s row: %w", rec.Table, err)
	}
	rows.Close()

	if diff := rec.Mismatch(stored); diff != "" {
		return migerr.Row(migerr.ClassConsistencyViolation, rec.EntityType, rec.LegacyKey,
			fmt.Errorf("stored %s row diverges from source: %s", rec.Table, diff))
	}
	return nil
}

// classifyRowError maps Postgres errors from a single insert to the engine's
// taxonomy. Integrity and data errors are row-level; everything else bubbles
// up for the retry layer to judge.
func classifyRowError(rec *Record, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		code := pgErr.Code
		switch {
		case code == "23503": // foreign_key_violation
			return migerr.Row(migerr.ClassDanglingReference, rec.EntityType, rec.LegacyKey,
				fmt.Errorf("inserting into %s: %w", rec.Table, err))
		case len(code) >= 2 && (code[:2] == "23" || code[:2] == "22"):
			return migerr.Row(migerr.ClassValidation, rec.EntityType, rec.LegacyKey,
				fmt.Errorf("inserting into %s: %w", rec.Table, err))
		}
	}
	return fmt.Errorf("inserting into %s for %s %s: %w", rec.Table, rec.EntityType, rec.LegacyKey, err)
}
