package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/matrix-tools/syn2mas/internal/exitcodes"
	"github.com/matrix-tools/syn2mas/internal/idmap"
	"github.com/matrix-tools/syn2mas/internal/migerr"
	"github.com/matrix-tools/syn2mas/internal/pipeline"
	"github.com/matrix-tools/syn2mas/internal/target"
	"github.com/matrix-tools/syn2mas/internal/verify"
)

type stubEntity struct {
	name string
	deps []string
}

func (s stubEntity) Name() string                                { return s.name }
func (s stubEntity) DependsOn() []string                         { return s.deps }
func (s stubEntity) Count(context.Context) (int64, error)        { return 0, nil }
func (s stubEntity) Fetch(context.Context, string, int) ([]pipeline.Item, error) {
	return nil, nil
}
func (s stubEntity) Transform(pipeline.Item, *idmap.Session) ([]target.Record, error) {
	return nil, nil
}

func names(stage []pipeline.Entity) []string {
	out := make([]string, len(stage))
	for i, e := range stage {
		out[i] = e.Name()
	}
	return out
}

func TestStagesLevelsByDependency(t *testing.T) {
	all := []pipeline.Entity{
		stubEntity{name: "users"},
		stubEntity{name: "emails", deps: []string{"users"}},
		stubEntity{name: "external_ids", deps: []string{"users"}},
		stubEntity{name: "devices", deps: []string{"users"}},
		stubEntity{name: "access_tokens", deps: []string{"devices"}},
		stubEntity{name: "refresh_tokens", deps: []string{"access_tokens"}},
	}

	got := stages(all)
	if len(got) != 4 {
		t.Fatalf("got %d stages, want 4: %v", len(got), got)
	}
	if n := names(got[0]); len(n) != 1 || n[0] != "users" {
		t.Errorf("stage 0 = %v, want [users]", n)
	}
	if n := names(got[1]); len(n) != 3 {
		t.Errorf("stage 1 = %v, want emails/external_ids/devices", n)
	}
	if n := names(got[2]); len(n) != 1 || n[0] != "access_tokens" {
		t.Errorf("stage 2 = %v", n)
	}
	if n := names(got[3]); len(n) != 1 || n[0] != "refresh_tokens" {
		t.Errorf("stage 3 = %v", n)
	}
}

func TestStagesWithDisabledDependency(t *testing.T) {
	// With devices filtered out, access tokens are free to run in the first
	// stage; their rows will skip against the empty mapping set.
	all := []pipeline.Entity{
		stubEntity{name: "access_tokens", deps: []string{"devices"}},
		stubEntity{name: "refresh_tokens", deps: []string{"access_tokens"}},
	}
	got := stages(all)
	if len(got) != 2 {
		t.Fatalf("got %d stages, want 2", len(got))
	}
	if n := names(got[0]); n[0] != "access_tokens" {
		t.Errorf("stage 0 = %v", n)
	}
}

func TestReportStatusAndExitCode(t *testing.T) {
	report := &MigrationReport{
		RunID:     "abc",
		StartedAt: time.Now().Add(-time.Minute),
		Entities: []*pipeline.Result{
			{Entity: "users", Written: 10, AlreadyApplied: 2},
			{Entity: "devices", Written: 5, Skipped: []*migerr.Error{
				migerr.Row(migerr.ClassDanglingReference, "devices", "k", errors.New("x")),
			}},
		},
	}
	report.finish("completed_with_skips", nil)

	if report.TotalRows != 17 {
		t.Errorf("total rows = %d, want 17", report.TotalRows)
	}
	if report.SkippedRows != 1 {
		t.Errorf("skipped rows = %d, want 1", report.SkippedRows)
	}
	if code := report.ExitCode(); code != exitcodes.PartialSuccess {
		t.Errorf("exit code = %d, want partial success", code)
	}

	clean := &MigrationReport{StartedAt: time.Now()}
	clean.finish("completed", nil)
	if code := clean.ExitCode(); code != exitcodes.Success {
		t.Errorf("clean exit code = %d", code)
	}

	failed := &MigrationReport{StartedAt: time.Now()}
	failed.finish("failed", errors.New("boom"))
	if code := failed.ExitCode(); code != exitcodes.MigrationError {
		t.Errorf("failed exit code = %d", code)
	}
	if failed.Error != "boom" {
		t.Errorf("error = %q", failed.Error)
	}
}

func TestCountOK(t *testing.T) {
	cases := []struct {
		name    string
		check   verify.CountCheck
		skipped int64
		want    bool
	}{
		{"exact match", verify.CountCheck{Source: 10, Dest: 10, Match: true}, 0, true},
		{"shortfall covered by skips", verify.CountCheck{Source: 10, Dest: 7}, 3, true},
		{"unexplained shortfall", verify.CountCheck{Source: 10, Dest: 7}, 1, false},
		{"expired tokens since the run", verify.CountCheck{Source: 8, Dest: 10, SourceShrinks: true}, 0, true},
		{"shrinking source with skips", verify.CountCheck{Source: 10, Dest: 9, SourceShrinks: true}, 2, true},
		{"shrinking source still short", verify.CountCheck{Source: 10, Dest: 7, SourceShrinks: true}, 1, false},
		{"surplus without a shrinking source", verify.CountCheck{Source: 8, Dest: 10}, 0, false},
	}
	for _, tc := range cases {
		if got := countOK(tc.check, tc.skipped); got != tc.want {
			t.Errorf("%s: countOK = %v, want %v", tc.name, got, tc.want)
		}
	}
}
