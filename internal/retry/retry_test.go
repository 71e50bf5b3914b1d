package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/matrix-tools/syn2mas/internal/migerr"
)

func fastPolicy(attempts int) Policy {
	return Policy{
		MaxAttempts:    attempts,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
	}
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"deadlock", &pgconn.PgError{Code: "40P01"}, true},
		{"serialization failure", &pgconn.PgError{Code: "40001"}, true},
		{"connection exception", &pgconn.PgError{Code: "08006"}, true},
		{"unique violation", &pgconn.PgError{Code: "23505"}, false},
		{"foreign key violation", &pgconn.PgError{Code: "23503"}, false},
		{"context canceled", context.Canceled, false},
		{"connection reset", errors.New("read tcp: connection reset by peer"), true},
		{"plain error", errors.New("boom"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTransient(tt.err); got != tt.want {
				t.Errorf("IsTransient(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestDoRetriesTransient(t *testing.T) {
	calls := 0
	err := fastPolicy(5).Do(context.Background(), "test", func() error {
		calls++
		if calls < 3 {
			return &pgconn.PgError{Code: "40P01"}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestDoStopsOnPermanent(t *testing.T) {
	calls := 0
	permanent := errors.New("column does not exist")
	err := fastPolicy(5).Do(context.Background(), "test", func() error {
		calls++
		return permanent
	})
	if !errors.Is(err, permanent) {
		t.Fatalf("Do() error = %v, want %v", err, permanent)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1 (no retry for permanent errors)", calls)
	}
}

func TestDoExhaustsAttempts(t *testing.T) {
	calls := 0
	err := fastPolicy(3).Do(context.Background(), "test", func() error {
		calls++
		return &pgconn.PgError{Code: "40001"}
	})
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
	if !migerr.Is(err, migerr.ClassTransientStorage) {
		t.Errorf("exhausted error class = %v, want transient_storage", migerr.ClassOf(err))
	}
}

func TestDoRespectsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := fastPolicy(10).Do(ctx, "test", func() error {
		calls++
		cancel()
		return &pgconn.PgError{Code: "40P01"}
	})
	if err == nil {
		t.Fatal("Do() = nil, want error after cancellation")
	}
	if calls > 2 {
		t.Errorf("calls = %d, want prompt stop after cancel", calls)
	}
}
