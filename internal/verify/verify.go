// Package verify implements the read-only halves of the engine: the dry-run
// committer, which runs the full extraction and transformation but probes the
// MAS database instead of writing, and the post-migration count checks.
package verify

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/matrix-tools/syn2mas/internal/checkpoint"
	"github.com/matrix-tools/syn2mas/internal/idmap"
	"github.com/matrix-tools/syn2mas/internal/migerr"
	"github.com/matrix-tools/syn2mas/internal/target"
)

// DryRunCommitter satisfies the pipeline's committer contract without
// writing. Each record is probed against MAS: absent rows would be written,
// present rows are content-compared. Checkpoints and mappings are discarded.
type DryRunCommitter struct {
	pool *target.Pool
}

// NewDryRunCommitter creates a read-only committer over the MAS pool.
func NewDryRunCommitter(pool *target.Pool) *DryRunCommitter {
	return &DryRunCommitter{pool: pool}
}

// Commit probes each record. Divergent stored content surfaces as a
// row-level consistency violation in the result rather than an error, so a
// verification pass reports every discrepancy instead of stopping at the
// first.
func (c *DryRunCommitter) Commit(ctx context.Context, records []target.Record, pending []idmap.Entry, cp checkpoint.Checkpoint) (target.CommitResult, error) {
	var result target.CommitResult

	tx, err := c.pool.Pool().BeginTx(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly})
	if err != nil {
		return result, fmt.Errorf("beginning probe transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	for i := range records {
		rec := &records[i]
		sql, args := rec.SelectSQL()
		rows, err := tx.Query(ctx, sql, args...)
		if err != nil {
			return result, fmt.Errorf("probing %s: %w", rec.Table, err)
		}

		if !rows.Next() {
			err := rows.Err()
			rows.Close()
			if err != nil {
				return result, fmt.Errorf("probing %s: %w", rec.Table, err)
			}
			result.Written++ // would be written
			continue
		}
		stored, err := rows.Values()
		rows.Close()
		if err != nil {
			return result, fmt.Errorf("scanning stored %s row: %w", rec.Table, err)
		}

		if diff := rec.Mismatch(stored); diff != "" {
			result.RowErrors = append(result.RowErrors,
				migerr.Row(migerr.ClassConsistencyViolation, rec.EntityType, rec.LegacyKey,
					fmt.Errorf("stored %s row diverges: %s", rec.Table, diff)))
			continue
		}
		result.AlreadyApplied++
	}

	return result, tx.Commit(ctx)
}
