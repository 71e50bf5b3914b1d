// Package pipeline moves one entity type from Synapse to MAS: a reader
// goroutine pages rows out of the source in stable key order, transform
// workers turn each row into destination records, and a single committer
// applies batches so checkpoints advance in order.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/matrix-tools/syn2mas/internal/checkpoint"
	"github.com/matrix-tools/syn2mas/internal/idmap"
	"github.com/matrix-tools/syn2mas/internal/logging"
	"github.com/matrix-tools/syn2mas/internal/migerr"
	"github.com/matrix-tools/syn2mas/internal/progress"
	"github.com/matrix-tools/syn2mas/internal/retry"
	"github.com/matrix-tools/syn2mas/internal/target"
)

// Item is one extracted legacy row with its stable ordering key. The key
// doubles as the checkpoint cursor for the entity.
type Item struct {
	Key  string
	Data any
}

// Entity adapts one legacy entity type to the engine: where its rows come
// from, what they depend on, and how they map onto destination records.
type Entity interface {
	// Name is the entity type identifier used in checkpoints, mappings, and
	// reports.
	Name() string
	// DependsOn lists entity types whose pipelines must complete first.
	DependsOn() []string
	// Count estimates the number of source rows, for progress reporting.
	Count(ctx context.Context) (int64, error)
	// Fetch returns up to limit rows with keys strictly greater than after,
	// in ascending key order. An empty result ends the pipeline.
	Fetch(ctx context.Context, after string, limit int) ([]Item, error)
	// Transform maps one legacy row to zero or more destination records,
	// resolving identities through the session. Row-level failures return a
	// migerr classified error.
	Transform(item Item, sess *idmap.Session) ([]target.Record, error)
}

// Config contains pipeline execution configuration.
type Config struct {
	// BatchSize is the number of source rows per fetch and per commit.
	BatchSize int

	// ReadAheadBatches is the number of fetched batches buffered ahead of
	// the transform stage.
	ReadAheadBatches int

	// TransformWorkers is the number of goroutines transforming rows within
	// a batch.
	TransformWorkers int

	// Strict aborts on the first row-level error instead of skipping.
	Strict bool

	// Retry wraps source count and page-fetch calls, so a connection blip
	// mid-extraction does not abort a long run. The write side carries its
	// own copy of the policy.
	Retry retry.Policy

	// FetchTimeout bounds each page fetch.
	FetchTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 1000
	}
	if c.ReadAheadBatches <= 0 {
		c.ReadAheadBatches = 4
	}
	if c.TransformWorkers < 1 {
		c.TransformWorkers = 1
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = 2 * time.Minute
	}
	return c
}

// Result summarizes one entity pipeline run.
type Result struct {
	Entity string `json:"entity"`

	// SourceRows is the estimated number of rows in the source.
	SourceRows int64 `json:"source_rows"`
	// Read counts rows fetched this run (excludes rows behind the resume
	// checkpoint).
	Read int64 `json:"read"`
	// Written counts destination rows newly inserted.
	Written int64 `json:"written"`
	// AlreadyApplied counts destination rows a previous run had inserted.
	AlreadyApplied int64 `json:"already_applied"`
	// Resumed is set when the run continued from a checkpoint.
	Resumed bool `json:"resumed"`

	// Skipped holds the row-level errors that were isolated per the error
	// policy.
	Skipped []*migerr.Error `json:"skipped,omitempty"`
}

// CheckpointLoader supplies the resume point for an entity. *checkpoint.Store
// implements it; dry runs pass nil to always start fresh.
type CheckpointLoader interface {
	Load(ctx context.Context, entityType string) (*checkpoint.Checkpoint, error)
}

// Pipeline executes one entity's migration.
type Pipeline struct {
	entity    Entity
	committer target.Committer
	store     CheckpointLoader
	sess      *idmap.Session
	config    Config
}

// New creates a pipeline for one entity.
func New(entity Entity, committer target.Committer, store CheckpointLoader, sess *idmap.Session, cfg Config) *Pipeline {
	return &Pipeline{
		entity:    entity,
		committer: committer,
		store:     store,
		sess:      sess,
		config:    cfg.withDefaults(),
	}
}

type fetchResult struct {
	items []Item
	err   error
}

// Run drains the entity's source rows into the destination, resuming from
// the durable checkpoint when one exists.
func (p *Pipeline) Run(ctx context.Context, prog *progress.Tracker) (*Result, error) {
	name := p.entity.Name()
	result := &Result{Entity: name}

	var total int64
	err := p.config.Retry.Do(ctx, fmt.Sprintf("count %s", name), func() error {
		var cerr error
		total, cerr = p.entity.Count(ctx)
		return cerr
	})
	if err != nil {
		return result, fmt.Errorf("counting %s: %w", name, err)
	}
	result.SourceRows = total

	cp := checkpoint.Checkpoint{EntityType: name}
	if p.store != nil {
		saved, err := p.store.Load(ctx, name)
		if err != nil {
			return result, err
		}
		if saved != nil {
			cp = *saved
			result.Resumed = true
			logging.Info("Resuming %s at %d rows (checkpoint key %q)", name, cp.RowsDone, cp.LastKey)
		}
	}

	prog.StartEntity(name, total, cp.RowsDone)
	defer prog.EndEntity(name)

	batches := make(chan fetchResult, p.config.ReadAheadBatches)
	fetchCtx, cancelFetch := context.WithCancel(ctx)
	defer cancelFetch()

	go func() {
		defer close(batches)
		after := cp.LastKey
		for {
			items, err := p.fetchPage(fetchCtx, after)
			if err != nil {
				select {
				case batches <- fetchResult{err: fmt.Errorf("fetching %s after %q: %w", name, after, err)}:
				case <-fetchCtx.Done():
				}
				return
			}
			if len(items) == 0 {
				return
			}
			after = items[len(items)-1].Key
			select {
			case batches <- fetchResult{items: items}:
			case <-fetchCtx.Done():
				return
			}
			if len(items) < p.config.BatchSize {
				return
			}
		}
	}()

	for fr := range batches {
		if fr.err != nil {
			return result, fr.err
		}
		if err := p.applyBatch(ctx, fr.items, &cp, result, prog); err != nil {
			cancelFetch()
			// drain the fetch goroutine so it can exit
			for range batches {
			}
			return result, err
		}
	}

	return result, ctx.Err()
}

// fetchPage reads one page with a timeout and retries transient failures. A
// timed-out page counts as transient: the cursor has not moved, so the fetch
// is safe to repeat.
func (p *Pipeline) fetchPage(ctx context.Context, after string) ([]Item, error) {
	var items []Item
	err := p.config.Retry.Do(ctx, fmt.Sprintf("fetch %s page", p.entity.Name()), func() error {
		pageCtx, cancel := context.WithTimeout(ctx, p.config.FetchTimeout)
		defer cancel()
		var ferr error
		items, ferr = p.entity.Fetch(pageCtx, after, p.config.BatchSize)
		return ferr
	})
	return items, err
}

// applyBatch transforms one batch concurrently, then commits the records,
// the new identity mappings, and the checkpoint advance in one transaction.
func (p *Pipeline) applyBatch(ctx context.Context, items []Item, cp *checkpoint.Checkpoint, result *Result, prog *progress.Tracker) error {
	name := p.entity.Name()

	transformed := make([][]target.Record, len(items))
	errs := make([]error, len(items))

	indexes := make(chan int)
	var wg sync.WaitGroup
	for w := 0; w < p.config.TransformWorkers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range indexes {
				transformed[i], errs[i] = p.entity.Transform(items[i], p.sess)
			}
		}()
	}
	for i := range items {
		indexes <- i
	}
	close(indexes)
	wg.Wait()

	records := make([]target.Record, 0, len(items))
	for i := range items {
		if err := errs[i]; err != nil {
			if !migerr.IsRowLevel(err) {
				return fmt.Errorf("transforming %s %s: %w", name, items[i].Key, err)
			}
			if p.config.Strict {
				return fmt.Errorf("transforming %s %s: %w", name, items[i].Key, err)
			}
			var rowErr *migerr.Error
			if !errors.As(err, &rowErr) {
				rowErr = migerr.Row(migerr.ClassValidation, name, items[i].Key, err)
			}
			logging.Warn("Skipping %s %s: %v", name, items[i].Key, err)
			result.Skipped = append(result.Skipped, rowErr)
			prog.AddSkipped(1)
			continue
		}
		records = append(records, transformed[i]...)
	}

	cp.LastKey = items[len(items)-1].Key
	cp.RowsDone += int64(len(items))

	cr, err := p.committer.Commit(ctx, records, p.sess.TakePending(), *cp)
	if err != nil {
		return err
	}

	result.Read += int64(len(items))
	result.Written += cr.Written
	result.AlreadyApplied += cr.AlreadyApplied
	result.Skipped = append(result.Skipped, cr.RowErrors...)
	prog.AddSkipped(int64(len(cr.RowErrors)))
	prog.Advance(name, int64(len(items)))
	return nil
}
