package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/matrix-tools/syn2mas/internal/checkpoint"
	"github.com/matrix-tools/syn2mas/internal/idmap"
	"github.com/matrix-tools/syn2mas/internal/migerr"
	"github.com/matrix-tools/syn2mas/internal/progress"
	"github.com/matrix-tools/syn2mas/internal/retry"
	"github.com/matrix-tools/syn2mas/internal/target"
)

// fakeEntity serves items from a sorted in-memory slice.
type fakeEntity struct {
	name           string
	items          []Item
	failKeys       map[string]error
	fetchErr       error
	fetchFailFirst int // connection failures before fetches start succeeding
	fetchLog       []string
	transform      func(item Item, sess *idmap.Session) ([]target.Record, error)
}

func (e *fakeEntity) Name() string        { return e.name }
func (e *fakeEntity) DependsOn() []string { return nil }

func (e *fakeEntity) Count(ctx context.Context) (int64, error) {
	return int64(len(e.items)), nil
}

func (e *fakeEntity) Fetch(ctx context.Context, after string, limit int) ([]Item, error) {
	if e.fetchErr != nil {
		return nil, e.fetchErr
	}
	if e.fetchFailFirst > 0 {
		e.fetchFailFirst--
		return nil, &pgconn.PgError{Code: "08006"} // connection_failure
	}
	e.fetchLog = append(e.fetchLog, after)
	var out []Item
	for _, it := range e.items {
		if it.Key > after {
			out = append(out, it)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (e *fakeEntity) Transform(item Item, sess *idmap.Session) ([]target.Record, error) {
	if err, ok := e.failKeys[item.Key]; ok {
		return nil, err
	}
	if e.transform != nil {
		return e.transform(item, sess)
	}
	return []target.Record{{
		Table:      "dest",
		Columns:    []string{"id"},
		Values:     []any{item.Key},
		EntityType: e.name,
		LegacyKey:  item.Key,
	}}, nil
}

type commitCall struct {
	records []target.Record
	pending []idmap.Entry
	cp      checkpoint.Checkpoint
}

// fakeCommitter records every commit and reports all records as written.
type fakeCommitter struct {
	calls []commitCall
	err   error
}

func (c *fakeCommitter) Commit(ctx context.Context, records []target.Record, pending []idmap.Entry, cp checkpoint.Checkpoint) (target.CommitResult, error) {
	if c.err != nil {
		return target.CommitResult{}, c.err
	}
	c.calls = append(c.calls, commitCall{records: records, pending: pending, cp: cp})
	return target.CommitResult{Written: int64(len(records))}, nil
}

type fakeLoader struct {
	cp *checkpoint.Checkpoint
}

func (l *fakeLoader) Load(ctx context.Context, entityType string) (*checkpoint.Checkpoint, error) {
	return l.cp, nil
}

func makeItems(n int) []Item {
	items := make([]Item, n)
	for i := range items {
		items[i] = Item{Key: fmt.Sprintf("item-%04d", i)}
	}
	return items
}

func newTracker() *progress.Tracker {
	return progress.New(false, 0)
}

func TestRunMigratesAllBatches(t *testing.T) {
	entity := &fakeEntity{name: "users", items: makeItems(25)}
	committer := &fakeCommitter{}
	sess := idmap.New().Session()

	p := New(entity, committer, nil, sess, Config{BatchSize: 10})
	result, err := p.Run(context.Background(), newTracker())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if result.Read != 25 || result.Written != 25 {
		t.Errorf("result = read %d written %d, want 25/25", result.Read, result.Written)
	}
	if result.Resumed {
		t.Error("fresh run reported as resumed")
	}
	if len(committer.calls) != 3 {
		t.Fatalf("got %d commits, want 3", len(committer.calls))
	}

	// Checkpoints advance monotonically and carry cumulative row counts.
	wantKeys := []string{"item-0009", "item-0019", "item-0024"}
	wantDone := []int64{10, 20, 25}
	for i, call := range committer.calls {
		if call.cp.LastKey != wantKeys[i] {
			t.Errorf("commit %d checkpoint key = %q, want %q", i, call.cp.LastKey, wantKeys[i])
		}
		if call.cp.RowsDone != wantDone[i] {
			t.Errorf("commit %d rows done = %d, want %d", i, call.cp.RowsDone, wantDone[i])
		}
	}
}

func TestRunResumesFromCheckpoint(t *testing.T) {
	entity := &fakeEntity{name: "users", items: makeItems(25)}
	committer := &fakeCommitter{}
	loader := &fakeLoader{cp: &checkpoint.Checkpoint{EntityType: "users", LastKey: "item-0014", RowsDone: 15}}

	p := New(entity, committer, loader, idmap.New().Session(), Config{BatchSize: 10})
	result, err := p.Run(context.Background(), newTracker())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if !result.Resumed {
		t.Error("resumed run not flagged")
	}
	if result.Read != 10 {
		t.Errorf("read %d rows, want the 10 behind the checkpoint", result.Read)
	}
	if len(entity.fetchLog) == 0 || entity.fetchLog[0] != "item-0014" {
		t.Errorf("first fetch after %v, want after checkpoint key", entity.fetchLog)
	}
	last := committer.calls[len(committer.calls)-1].cp
	if last.RowsDone != 25 {
		t.Errorf("final checkpoint rows done = %d, want 25", last.RowsDone)
	}
}

func TestRunSkipsRowLevelErrors(t *testing.T) {
	entity := &fakeEntity{
		name:  "devices",
		items: makeItems(5),
		failKeys: map[string]error{
			"item-0002": migerr.Row(migerr.ClassDanglingReference, "devices", "item-0002", errors.New("no such user")),
		},
	}
	committer := &fakeCommitter{}

	p := New(entity, committer, nil, idmap.New().Session(), Config{BatchSize: 10})
	result, err := p.Run(context.Background(), newTracker())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if result.Written != 4 {
		t.Errorf("written = %d, want 4", result.Written)
	}
	if len(result.Skipped) != 1 || result.Skipped[0].LegacyKey != "item-0002" {
		t.Errorf("skipped = %v, want the dangling row", result.Skipped)
	}
	// The skipped row still advances the checkpoint.
	if cp := committer.calls[0].cp; cp.RowsDone != 5 {
		t.Errorf("checkpoint rows done = %d, want 5", cp.RowsDone)
	}
}

func TestRunStrictAbortsOnRowError(t *testing.T) {
	entity := &fakeEntity{
		name:  "devices",
		items: makeItems(5),
		failKeys: map[string]error{
			"item-0002": migerr.Row(migerr.ClassValidation, "devices", "item-0002", errors.New("bad row")),
		},
	}
	committer := &fakeCommitter{}

	p := New(entity, committer, nil, idmap.New().Session(), Config{BatchSize: 10, Strict: true})
	_, err := p.Run(context.Background(), newTracker())
	if err == nil {
		t.Fatal("strict run should fail on the first row error")
	}
	if !strings.Contains(err.Error(), "item-0002") {
		t.Errorf("error %q does not name the offending row", err)
	}
	if len(committer.calls) != 0 {
		t.Errorf("strict failure still committed %d batches", len(committer.calls))
	}
}

func TestRunFatalTransformError(t *testing.T) {
	entity := &fakeEntity{
		name:  "users",
		items: makeItems(5),
		failKeys: map[string]error{
			"item-0001": migerr.Newf(migerr.ClassConsistencyViolation, "divergent row"),
		},
	}

	p := New(entity, &fakeCommitter{}, nil, idmap.New().Session(), Config{BatchSize: 10})
	_, err := p.Run(context.Background(), newTracker())
	if !migerr.Is(err, migerr.ClassConsistencyViolation) {
		t.Fatalf("err = %v, want consistency violation to abort", err)
	}
}

func TestRunCommitErrorStops(t *testing.T) {
	entity := &fakeEntity{name: "users", items: makeItems(25)}
	committer := &fakeCommitter{err: errors.New("target down")}

	p := New(entity, committer, nil, idmap.New().Session(), Config{BatchSize: 10})
	_, err := p.Run(context.Background(), newTracker())
	if err == nil || !strings.Contains(err.Error(), "target down") {
		t.Fatalf("err = %v, want commit failure", err)
	}
}

func TestRunRetriesTransientFetch(t *testing.T) {
	entity := &fakeEntity{name: "users", items: makeItems(25), fetchFailFirst: 1}
	committer := &fakeCommitter{}

	cfg := Config{
		BatchSize: 10,
		Retry: retry.Policy{
			MaxAttempts:    3,
			InitialBackoff: time.Millisecond,
			MaxBackoff:     time.Millisecond,
		},
	}
	p := New(entity, committer, nil, idmap.New().Session(), cfg)
	result, err := p.Run(context.Background(), newTracker())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Read != 25 || result.Written != 25 {
		t.Errorf("result = read %d written %d, want 25/25 despite the dropped connection", result.Read, result.Written)
	}
}

func TestRunFetchErrorExhaustsRetries(t *testing.T) {
	entity := &fakeEntity{name: "users", items: makeItems(5), fetchFailFirst: 3}
	cfg := Config{
		BatchSize: 10,
		Retry: retry.Policy{
			MaxAttempts:    2,
			InitialBackoff: time.Millisecond,
			MaxBackoff:     time.Millisecond,
		},
	}
	p := New(entity, &fakeCommitter{}, nil, idmap.New().Session(), cfg)
	_, err := p.Run(context.Background(), newTracker())
	if !migerr.Is(err, migerr.ClassTransientStorage) {
		t.Fatalf("err = %v, want transient storage after exhausted retries", err)
	}
}

func TestRunCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	entity := &fakeEntity{name: "users", items: makeItems(25)}
	p := New(entity, &fakeCommitter{}, nil, idmap.New().Session(), Config{BatchSize: 10})
	_, err := p.Run(ctx, newTracker())
	if err == nil {
		t.Fatal("cancelled run returned nil error")
	}
}

func TestRunFlushesPendingMappings(t *testing.T) {
	n := 0
	mapper := idmap.NewWithGenerator(func() (uuid.UUID, error) {
		n++
		return uuid.MustParse(fmt.Sprintf("00000000-0000-7000-8000-%012d", n)), nil
	})
	sess := mapper.Session()

	entity := &fakeEntity{
		name:  "users",
		items: makeItems(4),
		transform: func(item Item, s *idmap.Session) ([]target.Record, error) {
			id, err := s.Resolve("users", item.Key)
			if err != nil {
				return nil, err
			}
			return []target.Record{{Table: "users", Columns: []string{"user_id"}, Values: []any{id}}}, nil
		},
	}
	committer := &fakeCommitter{}

	p := New(entity, committer, nil, sess, Config{BatchSize: 2})
	if _, err := p.Run(context.Background(), newTracker()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(committer.calls) != 2 {
		t.Fatalf("got %d commits, want 2", len(committer.calls))
	}
	for i, call := range committer.calls {
		if len(call.pending) != 2 {
			t.Errorf("commit %d carried %d pending mappings, want 2", i, len(call.pending))
		}
	}
	if rest := sess.TakePending(); len(rest) != 0 {
		t.Errorf("%d mappings left pending after run", len(rest))
	}
}
