// Package progress tracks migration progress: a terminal progress bar, a
// periodic log line for non-interactive runs, and a JSON reporter for
// automation.
package progress

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/schollz/progressbar/v3"

	"github.com/matrix-tools/syn2mas/internal/logging"
)

// entityState holds per-entity counters.
type entityState struct {
	total int64
	done  atomic.Int64
}

// Tracker tracks migration progress across entity pipelines. Safe for
// concurrent use by pipelines running in the same stage.
type Tracker struct {
	bar       *progressbar.ProgressBar
	total     int64
	current   atomic.Int64
	startTime time.Time

	mu       sync.Mutex
	entities map[string]*entityState
	active   map[string]bool
	reporter Reporter
	skipped  atomic.Int64

	stopLogger chan struct{}
	loggerDone chan struct{}
}

// New creates a tracker. With showBar set it renders a terminal progress
// bar; either way a summary line is logged every logInterval (zero disables
// the periodic logger).
func New(showBar bool, logInterval time.Duration) *Tracker {
	t := &Tracker{
		startTime: time.Now(),
		entities:  make(map[string]*entityState),
		active:    make(map[string]bool),
	}
	if showBar {
		t.bar = progressbar.NewOptions64(
			-1,
			progressbar.OptionSetDescription("Migrating"),
			progressbar.OptionShowBytes(false),
			progressbar.OptionShowCount(),
			progressbar.OptionSetWidth(40),
			progressbar.OptionThrottle(100*time.Millisecond),
			progressbar.OptionShowIts(),
			progressbar.OptionSetItsString("rows"),
			progressbar.OptionSpinnerType(14),
			progressbar.OptionFullWidth(),
			progressbar.OptionSetRenderBlankState(true),
		)
	}
	if logInterval > 0 {
		t.stopLogger = make(chan struct{})
		t.loggerDone = make(chan struct{})
		go t.logPeriodically(logInterval)
	}
	return t
}

// SetReporter attaches a structured progress reporter. Must be called
// before the first entity starts.
func (t *Tracker) SetReporter(r Reporter) {
	t.reporter = r
}

// AddSkipped records rows skipped by row-level error policy, for reporting.
func (t *Tracker) AddSkipped(n int64) {
	t.skipped.Add(n)
}

// SetTotal sets the expected total row count across all entities.
func (t *Tracker) SetTotal(total int64) {
	t.total = total
	if t.bar != nil {
		t.bar.ChangeMax64(total)
	}
}

// StartEntity registers an entity pipeline that is starting, with its
// estimated source row count and the rows already done by previous runs.
func (t *Tracker) StartEntity(name string, total, done int64) {
	t.mu.Lock()
	st, ok := t.entities[name]
	if !ok {
		st = &entityState{}
		t.entities[name] = st
	}
	st.total = total
	st.done.Store(done)
	t.active[name] = true
	t.describeLocked()
	t.mu.Unlock()

	if t.reporter != nil {
		t.reporter.ReportImmediate(t.update("entity_started"))
	}
}

// Advance records n migrated rows for an entity.
func (t *Tracker) Advance(name string, n int64) {
	t.mu.Lock()
	st := t.entities[name]
	t.mu.Unlock()
	if st != nil {
		st.done.Add(n)
	}
	t.current.Add(n)
	if t.bar != nil {
		t.bar.Add64(n)
	}
	if t.reporter != nil {
		t.reporter.Report(t.update("migrating"))
	}
}

// EndEntity marks an entity pipeline as finished.
func (t *Tracker) EndEntity(name string) {
	t.mu.Lock()
	delete(t.active, name)
	t.describeLocked()
	t.mu.Unlock()

	if t.reporter != nil {
		t.reporter.ReportImmediate(t.update("entity_complete"))
	}
}

// update snapshots the current state as a structured progress update.
func (t *Tracker) update(phase string) Update {
	t.mu.Lock()
	complete := 0
	current := make([]string, 0, len(t.active))
	for name := range t.entities {
		if !t.active[name] {
			complete++
		}
	}
	for name := range t.active {
		current = append(current, name)
	}
	known := len(t.entities)
	t.mu.Unlock()

	migrated := t.current.Load()
	u := Update{
		Timestamp:        time.Now().UTC().Format(time.RFC3339),
		Phase:            phase,
		EntitiesComplete: complete,
		EntitiesTotal:    known,
		RowsMigrated:     migrated,
		RowsTotal:        t.total,
		CurrentEntities:  current,
		SkippedRows:      int(t.skipped.Load()),
	}
	if t.total > 0 {
		u.ProgressPct = 100 * float64(migrated) / float64(t.total)
	}
	if elapsed := time.Since(t.startTime).Seconds(); elapsed > 0 {
		u.RowsPerSecond = int64(float64(migrated) / elapsed)
	}
	return u
}

func (t *Tracker) describeLocked() {
	if t.bar == nil {
		return
	}
	switch len(t.active) {
	case 0:
	case 1:
		for name := range t.active {
			t.bar.Describe(fmt.Sprintf("Migrating %s", name))
		}
	default:
		t.bar.Describe(fmt.Sprintf("Migrating (%d entities)", len(t.active)))
	}
}

// Current returns the number of rows migrated so far this run.
func (t *Tracker) Current() int64 {
	return t.current.Load()
}

// Snapshot returns per-entity done counts for reporting.
func (t *Tracker) Snapshot() map[string]int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]int64, len(t.entities))
	for name, st := range t.entities {
		out[name] = st.done.Load()
	}
	return out
}

func (t *Tracker) logPeriodically(interval time.Duration) {
	defer close(t.loggerDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-t.stopLogger:
			return
		case <-ticker.C:
			t.logLine()
		}
	}
}

func (t *Tracker) logLine() {
	t.mu.Lock()
	var parts []string
	for name := range t.active {
		st := t.entities[name]
		if st.total > 0 {
			parts = append(parts, fmt.Sprintf("%s %d/%d", name, st.done.Load(), st.total))
		} else {
			parts = append(parts, fmt.Sprintf("%s %d", name, st.done.Load()))
		}
	}
	t.mu.Unlock()

	elapsed := time.Since(t.startTime)
	rate := float64(t.current.Load()) / elapsed.Seconds()
	if len(parts) == 0 {
		logging.Info("Progress: %d rows migrated (%.0f rows/sec)", t.current.Load(), rate)
		return
	}
	logging.Info("Progress: %d rows migrated (%.0f rows/sec): %s", t.current.Load(), rate, joinParts(parts))
}

func joinParts(parts []string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += ", "
		}
		out += p
	}
	return out
}

// Finish stops the periodic logger, completes the bar, and logs a summary.
func (t *Tracker) Finish() {
	if t.stopLogger != nil {
		close(t.stopLogger)
		<-t.loggerDone
		t.stopLogger = nil
	}
	if t.bar != nil {
		t.bar.Finish()
		fmt.Println()
	}
	if t.reporter != nil {
		t.reporter.ReportImmediate(t.update("complete"))
		t.reporter.Close()
	}

	elapsed := time.Since(t.startTime)
	rowsPerSec := float64(t.current.Load()) / elapsed.Seconds()
	logging.Info("Migration pass complete: %d rows in %s (%.0f rows/sec)",
		t.current.Load(), elapsed.Round(time.Second), rowsPerSec)
}
