// Package orchestrator coordinates a migration run: preflight, staged
// dependency-ordered entity pipelines, reporting, and the check/verify/status
// operations the CLI exposes.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/matrix-tools/syn2mas/internal/checkpoint"
	"github.com/matrix-tools/syn2mas/internal/config"
	"github.com/matrix-tools/syn2mas/internal/entities"
	"github.com/matrix-tools/syn2mas/internal/idmap"
	"github.com/matrix-tools/syn2mas/internal/logging"
	"github.com/matrix-tools/syn2mas/internal/notify"
	"github.com/matrix-tools/syn2mas/internal/progress"
	"github.com/matrix-tools/syn2mas/internal/retry"
	"github.com/matrix-tools/syn2mas/internal/source"
	"github.com/matrix-tools/syn2mas/internal/target"
)

// Orchestrator coordinates the migration engine's components for one process
// lifetime.
type Orchestrator struct {
	config   *config.Config
	src      *source.Pool
	mas      *target.Pool
	store    *checkpoint.Store
	registry *checkpoint.Registry
	mapper   *idmap.Mapper
	notifier *notify.Notifier

	// migratedAt freezes the run's reference time: tombstone timestamps and
	// the token expiry cutoff derive from it.
	migratedAt time.Time

	// ShowProgressBar renders the terminal bar; off for JSON output.
	ShowProgressBar bool

	// ProgressReporter, when set, receives structured progress updates
	// during the run (for automation wrapping the engine).
	ProgressReporter progress.Reporter
}

// New connects both databases and opens the local run registry.
func New(ctx context.Context, cfg *config.Config) (*Orchestrator, error) {
	src, err := source.NewPool(ctx, &cfg.Synapse, cfg.Migration.SourceConnections)
	if err != nil {
		return nil, err
	}

	mas, err := target.NewPool(ctx, &cfg.MAS, cfg.Migration.TargetConnections)
	if err != nil {
		src.Close()
		return nil, err
	}

	registry, err := checkpoint.NewRegistry(cfg.Migration.DataDir)
	if err != nil {
		src.Close()
		mas.Close()
		return nil, fmt.Errorf("opening run registry: %w", err)
	}

	return &Orchestrator{
		config:     cfg,
		src:        src,
		mas:        mas,
		store:      checkpoint.NewStore(mas.Pool()),
		registry:   registry,
		mapper:     idmap.New(),
		notifier:   notify.New(&cfg.Notify),
		migratedAt: time.Now().UTC(),
	}, nil
}

// Close releases all resources, including the MAS advisory lock.
func (o *Orchestrator) Close() {
	o.src.Close()
	o.mas.Close()
	if err := o.registry.Close(); err != nil {
		logging.Warn("Closing run registry: %v", err)
	}
}

// retryPolicy builds the configured backoff policy.
func (o *Orchestrator) retryPolicy() retry.Policy {
	r := o.config.Migration.Retry
	return retry.Policy{
		MaxAttempts:    r.MaxAttempts,
		InitialBackoff: r.InitialBackoff(),
		MaxBackoff:     r.MaxBackoff(),
	}
}

// entityDeps builds the dependency bundle shared by all adapters.
func (o *Orchestrator) entityDeps() entities.Deps {
	return entities.Deps{
		Source:                o.src,
		Homeserver:            o.config.Migration.Homeserver,
		MigratedAt:            o.migratedAt,
		PasswordSchemeVersion: o.config.Migration.PasswordSchemeVersion,
		Providers:             o.config.Migration.UpstreamProviders,
	}
}

func newRunID() string {
	return uuid.New().String()[:8]
}
