package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/matrix-tools/syn2mas/internal/checkpoint"
	"github.com/matrix-tools/syn2mas/internal/logging"
)

// EntityStatus is one entity's durable progress, read from the MAS-side
// checkpoint table.
type EntityStatus struct {
	Entity    string `json:"entity"`
	RowsDone  int64  `json:"rows_done"`
	LastKey   string `json:"last_key"`
	UpdatedAt string `json:"updated_at"`
}

// Status describes the engine's current state: the most recent run from the
// local registry plus the durable checkpoints in the MAS database.
type Status struct {
	LastRun     *checkpoint.Run  `json:"last_run,omitempty"`
	LastReport  *MigrationReport `json:"last_report,omitempty"`
	Checkpoints []EntityStatus   `json:"checkpoints,omitempty"`
}

// Status reads the last run and, when MAS is reachable, the durable
// checkpoints. A missing checkpoint table just means no run has started.
func (o *Orchestrator) Status(ctx context.Context) (*Status, error) {
	st := &Status{}

	run, err := o.registry.LastRun()
	if err != nil {
		return nil, fmt.Errorf("reading run registry: %w", err)
	}
	st.LastRun = run
	if run != nil && run.Report != "" {
		var report MigrationReport
		if err := json.Unmarshal([]byte(run.Report), &report); err == nil {
			st.LastReport = &report
		}
	}

	checkpoints, err := o.loadCheckpoints(ctx)
	if err != nil {
		logging.Debug("Reading checkpoints: %v", err)
		return st, nil
	}
	st.Checkpoints = checkpoints
	return st, nil
}

func (o *Orchestrator) loadCheckpoints(ctx context.Context) ([]EntityStatus, error) {
	rows, err := o.mas.Pool().Query(ctx, `
		SELECT entity_type, last_key, rows_done, updated_at
		FROM syn2mas_checkpoints
		ORDER BY entity_type
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []EntityStatus
	for rows.Next() {
		var cp checkpoint.Checkpoint
		if err := rows.Scan(&cp.EntityType, &cp.LastKey, &cp.RowsDone, &cp.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, EntityStatus{
			Entity:    cp.EntityType,
			RowsDone:  cp.RowsDone,
			LastKey:   cp.LastKey,
			UpdatedAt: cp.UpdatedAt.Format("2006-01-02 15:04:05"),
		})
	}
	return out, rows.Err()
}

// History returns every recorded run, newest first.
func (o *Orchestrator) History() ([]checkpoint.Run, error) {
	return o.registry.AllRuns()
}
