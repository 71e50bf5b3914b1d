package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/matrix-tools/syn2mas/internal/entities"
	"github.com/matrix-tools/syn2mas/internal/exitcodes"
	"github.com/matrix-tools/syn2mas/internal/logging"
	"github.com/matrix-tools/syn2mas/internal/migerr"
	"github.com/matrix-tools/syn2mas/internal/pipeline"
	"github.com/matrix-tools/syn2mas/internal/progress"
	"github.com/matrix-tools/syn2mas/internal/target"
	"github.com/matrix-tools/syn2mas/internal/verify"
)

// MigrationReport is the run summary: per-entity results plus overall
// status. It is stored in the run registry and emitted as JSON.
type MigrationReport struct {
	RunID       string             `json:"run_id"`
	DryRun      bool               `json:"dry_run"`
	Resumed     bool               `json:"resumed"`
	StartedAt   time.Time          `json:"started_at"`
	CompletedAt time.Time          `json:"completed_at"`
	Duration    string             `json:"duration"`
	Status      string             `json:"status"`
	Error       string             `json:"error,omitempty"`
	Entities    []*pipeline.Result `json:"entities"`
	TotalRows   int64              `json:"total_rows"`
	SkippedRows int                `json:"skipped_rows"`
}

func (r *MigrationReport) finish(status string, err error) {
	r.CompletedAt = time.Now().UTC()
	r.Duration = r.CompletedAt.Sub(r.StartedAt).Round(time.Second).String()
	r.Status = status
	if err != nil {
		r.Error = err.Error()
	}
	for _, e := range r.Entities {
		r.TotalRows += e.Written + e.AlreadyApplied
		r.SkippedRows += len(e.Skipped)
	}
}

// ExitCode maps the report to the process exit code contract.
func (r *MigrationReport) ExitCode() int {
	switch r.Status {
	case "completed":
		return exitcodes.Success
	case "completed_with_skips":
		return exitcodes.PartialSuccess
	default:
		return exitcodes.MigrationError
	}
}

// preflight runs the checks every write run must pass before any data moves.
// The advisory lock and engine state tables are skipped for read-only runs.
func (o *Orchestrator) preflight(ctx context.Context, writeRun bool) (resumed bool, err error) {
	hc := o.HealthCheck(ctx)
	if !hc.Healthy {
		detail := hc.SynapseError
		if detail == "" {
			detail = hc.MASError
		}
		return false, migerr.Newf(migerr.ClassConnectivity, "database health check failed: %s", detail)
	}

	if err := o.src.CheckSchema(ctx); err != nil {
		return false, err
	}
	if err := o.mas.CheckSchema(ctx); err != nil {
		return false, err
	}

	if writeRun {
		locked, err := o.mas.AcquireLock(ctx)
		if err != nil {
			return false, exitcodes.NewExitError(err, exitcodes.StateError)
		}
		if !locked {
			return false, exitcodes.NewExitError(
				fmt.Errorf("another migration engine instance holds the MAS database lock"),
				exitcodes.StateError)
		}
	}

	if writeRun {
		if err := o.store.EnsureSchema(ctx); err != nil {
			return false, err
		}
	} else {
		// Read-only runs must not issue DDL against MAS. Without the state
		// tables there are no mappings to load either.
		present, err := o.store.SchemaPresent(ctx)
		if err != nil {
			return false, err
		}
		if !present {
			return false, nil
		}
	}

	n, err := o.store.LoadMappings(ctx, o.mapper)
	if err != nil {
		return false, err
	}
	resumed = n > 0
	if resumed {
		logging.Info("Loaded %d identity mappings from a previous run", n)
	} else if writeRun {
		// A fresh run must start against an empty MAS user set; anything
		// else risks interleaving with accounts created through MAS itself.
		users, err := o.mas.CountRows(ctx, "users")
		if err != nil {
			return false, err
		}
		if users > 0 {
			return false, exitcodes.NewExitError(
				fmt.Errorf("MAS database already has %d users and no previous run state; refusing to migrate into it", users),
				exitcodes.StateError)
		}
	}

	return resumed, nil
}

// Migrate executes a full migration run. Re-running after an interruption
// resumes from durable checkpoints.
func (o *Orchestrator) Migrate(ctx context.Context) (*MigrationReport, error) {
	return o.run(ctx, false)
}

// DryRun executes the full extraction and transformation but probes the MAS
// database read-only instead of writing.
func (o *Orchestrator) DryRun(ctx context.Context) (*MigrationReport, error) {
	return o.runWith(ctx, true, verify.NewDryRunCommitter(o.mas))
}

func (o *Orchestrator) run(ctx context.Context, dryRun bool) (*MigrationReport, error) {
	return o.runWith(ctx, dryRun, nil)
}

func (o *Orchestrator) runWith(ctx context.Context, dryRun bool, committer target.Committer) (*MigrationReport, error) {
	report := &MigrationReport{
		RunID:     newRunID(),
		DryRun:    dryRun,
		StartedAt: time.Now().UTC(),
	}

	if err := o.registry.CreateRun(report.RunID, o.config.Migration.Homeserver, dryRun); err != nil {
		return report, exitcodes.NewExitError(err, exitcodes.StateError)
	}

	resumed, err := o.preflight(ctx, !dryRun)
	if err != nil {
		o.completeRun(report, "failed", err)
		return report, err
	}
	report.Resumed = resumed

	mode := "migration"
	if dryRun {
		mode = "dry-run verification"
	}
	logging.Info("Starting %s run %s for %s (resumed=%v)", mode, report.RunID, o.config.Migration.Homeserver, resumed)

	if err := o.notifier.MigrationStarted(report.RunID, o.config.Migration.Homeserver, resumed); err != nil {
		logging.Warn("Start notification failed: %v", err)
	}

	all := o.filterEntities(entities.All(o.entityDeps()))
	tracker := progress.New(o.ShowProgressBar && !dryRun, 30*time.Second)
	if o.ProgressReporter != nil {
		tracker.SetReporter(o.ProgressReporter)
	}

	policy := o.retryPolicy()
	var total int64
	for _, e := range all {
		var n int64
		err := policy.Do(ctx, fmt.Sprintf("count %s", e.Name()), func() error {
			var cerr error
			n, cerr = e.Count(ctx)
			return cerr
		})
		if err != nil {
			o.completeRun(report, "failed", err)
			return report, err
		}
		total += n
	}
	tracker.SetTotal(total)

	err = o.runStages(ctx, all, dryRun, committer, tracker, report)
	tracker.Finish()

	if logging.IsDebug() {
		logging.Debug("Pool stats: %s; %s", o.src.Stats(), o.mas.Stats())
	}

	if err != nil {
		o.completeRun(report, "failed", err)
		if nerr := o.notifier.MigrationFailed(report.RunID, err, time.Since(report.StartedAt)); nerr != nil {
			logging.Warn("Failure notification failed: %v", nerr)
		}
		return report, err
	}

	status := "completed"
	if skips(report) > 0 {
		status = "completed_with_skips"
	}
	o.completeRun(report, status, nil)

	if nerr := o.notifier.MigrationCompleted(report.RunID, time.Since(report.StartedAt), report.TotalRows, report.SkippedRows); nerr != nil {
		logging.Warn("Completion notification failed: %v", nerr)
	}
	return report, nil
}

func skips(report *MigrationReport) int {
	n := 0
	for _, e := range report.Entities {
		n += len(e.Skipped)
	}
	return n
}

func (o *Orchestrator) completeRun(report *MigrationReport, status string, err error) {
	report.finish(status, err)
	errMsg := ""
	if err != nil {
		errMsg = err.Error()
	}
	if rerr := o.registry.CompleteRun(report.RunID, status, report, errMsg); rerr != nil {
		logging.Warn("Recording run completion: %v", rerr)
	}
}

// filterEntities applies the include/exclude configuration, keeping
// dependency order.
func (o *Orchestrator) filterEntities(all []pipeline.Entity) []pipeline.Entity {
	out := make([]pipeline.Entity, 0, len(all))
	for _, e := range all {
		if o.config.EntityEnabled(e.Name()) {
			out = append(out, e)
		} else {
			logging.Info("Entity %s disabled by configuration", e.Name())
		}
	}
	return out
}

// stages levels entities by their dependencies: everything in stage n+1
// depends only on entities from stages <= n. Disabled dependencies count as
// satisfied; their children then skip rows against an empty mapping set.
func stages(all []pipeline.Entity) [][]pipeline.Entity {
	enabled := make(map[string]bool, len(all))
	for _, e := range all {
		enabled[e.Name()] = true
	}

	placed := make(map[string]bool)
	var out [][]pipeline.Entity
	remaining := all

	for len(remaining) > 0 {
		var stage []pipeline.Entity
		var next []pipeline.Entity
		for _, e := range remaining {
			ready := true
			for _, dep := range e.DependsOn() {
				if enabled[dep] && !placed[dep] {
					ready = false
					break
				}
			}
			if ready {
				stage = append(stage, e)
			} else {
				next = append(next, e)
			}
		}
		if len(stage) == 0 {
			// Dependency cycle; cannot happen with the built-in entities.
			return append(out, remaining)
		}
		for _, e := range stage {
			placed[e.Name()] = true
		}
		out = append(out, stage)
		remaining = next
	}
	return out
}

// runStages executes the entity pipelines stage by stage. Pipelines within a
// stage run concurrently, bounded by the configured worker count; the first
// failure cancels the stage.
func (o *Orchestrator) runStages(ctx context.Context, all []pipeline.Entity, dryRun bool, committer target.Committer, tracker *progress.Tracker, report *MigrationReport) error {
	policy := o.retryPolicy()
	pipelineCfg := pipeline.Config{
		BatchSize:        o.config.Migration.BatchSize,
		TransformWorkers: o.config.Migration.Workers,
		Retry:            policy,
	}

	for _, stage := range stages(all) {
		stageCtx, cancel := context.WithCancel(ctx)

		sem := make(chan struct{}, o.config.Migration.Workers)
		var wg sync.WaitGroup
		var mu sync.Mutex
		var firstErr error

		for _, entity := range stage {
			wg.Add(1)
			go func(entity pipeline.Entity) {
				defer wg.Done()
				sem <- struct{}{}
				defer func() { <-sem }()

				if stageCtx.Err() != nil {
					return
				}

				cfg := pipelineCfg
				cfg.Strict = o.config.Strict(entity.Name())

				com := committer
				var loader pipeline.CheckpointLoader
				if !dryRun {
					com = target.NewBatchWriter(o.mas, o.store, policy, cfg.Strict)
					loader = o.store
				}

				p := pipeline.New(entity, com, loader, o.mapper.Session(), cfg)
				result, err := p.Run(stageCtx, tracker)

				mu.Lock()
				defer mu.Unlock()
				if result != nil {
					report.Entities = append(report.Entities, result)
				}
				if err != nil && firstErr == nil {
					firstErr = fmt.Errorf("migrating %s: %w", entity.Name(), err)
					cancel()
				}
			}(entity)
		}

		wg.Wait()
		cancel()
		if firstErr != nil {
			return firstErr
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
	return nil
}
