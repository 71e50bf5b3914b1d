package progress

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/matrix-tools/syn2mas/internal/logging"
)

// Update is a JSON progress update for automation wrapping the engine.
type Update struct {
	Timestamp        string   `json:"timestamp"`
	Phase            string   `json:"phase"`
	EntitiesComplete int      `json:"entities_complete"`
	EntitiesTotal    int      `json:"entities_total"`
	RowsMigrated     int64    `json:"rows_migrated"`
	RowsTotal        int64    `json:"rows_total,omitempty"`
	ProgressPct      float64  `json:"progress_pct"`
	RowsPerSecond    int64    `json:"rows_per_second,omitempty"`
	CurrentEntities  []string `json:"current_entities,omitempty"`
	SkippedRows      int      `json:"skipped_rows,omitempty"`
}

// Reporter emits progress updates.
type Reporter interface {
	// Report emits a progress update (may be throttled).
	Report(update Update)
	// ReportImmediate emits a progress update immediately, bypassing
	// throttling. Used for phase transitions.
	ReportImmediate(update Update)
	// Close cleans up any resources.
	Close()
}

// JSONReporter outputs line-delimited JSON updates to a writer (typically
// stderr, so the bar on stdout stays usable).
type JSONReporter struct {
	writer     io.Writer
	mu         sync.Mutex
	interval   time.Duration
	lastReport time.Time
	closed     bool
}

// NewJSONReporter creates a JSON progress reporter. interval is the minimum
// time between throttled updates.
func NewJSONReporter(writer io.Writer, interval time.Duration) *JSONReporter {
	if writer == nil {
		writer = os.Stderr
	}
	return &JSONReporter{
		writer:   writer,
		interval: interval,
	}
}

// Report emits a JSON progress update, throttled to the configured interval.
func (r *JSONReporter) Report(update Update) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}

	now := time.Now()
	if r.interval > 0 && now.Sub(r.lastReport) < r.interval {
		return
	}
	r.emit(update, now)
}

// ReportImmediate emits an update bypassing throttling.
func (r *JSONReporter) ReportImmediate(update Update) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}
	r.emit(update, time.Now())
}

func (r *JSONReporter) emit(update Update, now time.Time) {
	if update.Timestamp == "" {
		update.Timestamp = now.Format(time.RFC3339)
	}
	data, err := json.Marshal(update)
	if err != nil {
		logging.Warn("Failed to marshal progress update: %v", err)
		return
	}
	fmt.Fprintln(r.writer, string(data))
	r.lastReport = now
}

// Close marks the reporter as closed.
func (r *JSONReporter) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
}

// NullReporter is a no-op reporter for when progress reporting is disabled.
type NullReporter struct{}

func (r *NullReporter) Report(update Update)          {}
func (r *NullReporter) ReportImmediate(update Update) {}
func (r *NullReporter) Close()                        {}
