package checkpoint

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Run represents one migration run in the local registry.
type Run struct {
	ID          string
	StartedAt   time.Time
	CompletedAt *time.Time
	Status      string
	Homeserver  string
	DryRun      bool
	Report      string
	Error       string
}

// Registry records run history in a local SQLite database. It is operator
// convenience state only; the resumability state lives in the MAS database.
type Registry struct {
	db *sql.DB
}

// NewRegistry opens (creating if needed) the registry in dataDir.
func NewRegistry(dataDir string) (*Registry, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("creating data dir: %w", err)
	}

	dbPath := filepath.Join(dataDir, "syn2mas.db")
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("opening registry: %w", err)
	}

	r := &Registry{db: db}
	if err := r.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating registry schema: %w", err)
	}
	return r, nil
}

func (r *Registry) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		started_at TEXT NOT NULL,
		completed_at TEXT,
		status TEXT NOT NULL DEFAULT 'running',
		homeserver TEXT NOT NULL,
		dry_run INTEGER NOT NULL DEFAULT 0,
		report TEXT,
		error_message TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
	`
	_, err := r.db.Exec(schema)
	return err
}

// Close closes the registry.
func (r *Registry) Close() error {
	return r.db.Close()
}

// CreateRun records the start of a run.
func (r *Registry) CreateRun(id, homeserver string, dryRun bool) error {
	_, err := r.db.Exec(`
		INSERT INTO runs (id, started_at, status, homeserver, dry_run)
		VALUES (?, datetime('now'), 'running', ?, ?)
	`, id, homeserver, boolToInt(dryRun))
	return err
}

// CompleteRun marks a run finished with its final status, report, and error.
func (r *Registry) CompleteRun(id, status string, report any, errMsg string) error {
	reportJSON := ""
	if report != nil {
		data, err := json.Marshal(report)
		if err == nil {
			reportJSON = string(data)
		}
	}
	_, err := r.db.Exec(`
		UPDATE runs SET status = ?, completed_at = datetime('now'), report = ?, error_message = ?
		WHERE id = ?
	`, status, reportJSON, errMsg, id)
	return err
}

// LastRun returns the most recent run, or nil if none exist.
func (r *Registry) LastRun() (*Run, error) {
	return r.scanRun(r.db.QueryRow(`
		SELECT id, started_at, completed_at, status, homeserver, dry_run, COALESCE(report, ''), COALESCE(error_message, '')
		FROM runs ORDER BY started_at DESC, id DESC LIMIT 1
	`))
}

// GetRun returns one run by id, or nil if not found.
func (r *Registry) GetRun(id string) (*Run, error) {
	return r.scanRun(r.db.QueryRow(`
		SELECT id, started_at, completed_at, status, homeserver, dry_run, COALESCE(report, ''), COALESCE(error_message, '')
		FROM runs WHERE id = ?
	`, id))
}

// AllRuns returns every recorded run, newest first.
func (r *Registry) AllRuns() ([]Run, error) {
	rows, err := r.db.Query(`
		SELECT id, started_at, completed_at, status, homeserver, dry_run, COALESCE(report, ''), COALESCE(error_message, '')
		FROM runs ORDER BY started_at DESC, id DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		run, err := scanRunRow(rows.Scan)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

type scanFunc func(dest ...any) error

func (r *Registry) scanRun(row *sql.Row) (*Run, error) {
	run, err := scanRunRow(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return run, err
}

func scanRunRow(scan scanFunc) (*Run, error) {
	var run Run
	var startedAt string
	var completedAt sql.NullString
	var dryRun int
	if err := scan(&run.ID, &startedAt, &completedAt, &run.Status, &run.Homeserver, &dryRun, &run.Report, &run.Error); err != nil {
		return nil, err
	}
	run.StartedAt, _ = time.Parse("2006-01-02 15:04:05", startedAt)
	if completedAt.Valid {
		t, err := time.Parse("2006-01-02 15:04:05", completedAt.String)
		if err == nil {
			run.CompletedAt = &t
		}
	}
	run.DryRun = dryRun != 0
	return &run, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
