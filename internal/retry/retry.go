// Package retry centralizes the retry/backoff policy applied at every
// database-call boundary. Transient storage errors (deadlocks, serialization
// failures, connection resets, timeouts) are retried with exponential backoff
// and jitter; anything else fails immediately.
package retry

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/matrix-tools/syn2mas/internal/logging"
	"github.com/matrix-tools/syn2mas/internal/migerr"
)

// Policy describes bounded exponential backoff. The zero value is not usable;
// call Default or build one from configuration.
type Policy struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int
	// InitialBackoff is the delay before the first retry.
	InitialBackoff time.Duration
	// MaxBackoff caps the delay between retries.
	MaxBackoff time.Duration
}

// Default returns the policy used when configuration does not override it.
func Default() Policy {
	return Policy{
		MaxAttempts:    5,
		InitialBackoff: 250 * time.Millisecond,
		MaxBackoff:     10 * time.Second,
	}
}

// Do runs fn, retrying transient failures per the policy. op names the
// operation for logging. Non-transient errors are returned as-is on the first
// occurrence; exhausted transient errors are classified as
// migerr.ClassTransientStorage.
func (p Policy) Do(ctx context.Context, op string, fn func() error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.InitialBackoff
	bo.MaxInterval = p.MaxBackoff
	bo.MaxElapsedTime = 0 // bounded by attempt count, not wall clock

	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		err := fn()
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		if !IsTransient(err) {
			return backoff.Permanent(err)
		}
		if attempt < attempts {
			logging.Warn("%s: transient error (attempt %d/%d), retrying: %v", op, attempt, attempts, err)
		}
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(bo, uint64(attempts-1)), ctx))

	if err == nil {
		return nil
	}
	if IsTransient(err) {
		return migerr.New(migerr.ClassTransientStorage, err)
	}
	return err
}

// Transient SQLSTATE classes and codes: connection exceptions (08xxx),
// serialization failure, deadlock detected, admin shutdown variants, and
// too-many-connections.
func transientPgCode(code string) bool {
	if strings.HasPrefix(code, "08") {
		return true
	}
	switch code {
	case "40001", // serialization_failure
		"40P01", // deadlock_detected
		"53300", // too_many_connections
		"57P03", // cannot_connect_now
		"55P03": // lock_not_available
		return true
	}
	return false
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return transientPgCode(pgErr.Code)
	}
	if pgconn.SafeToRetry(err) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return true
	}

	msg := err.Error()
	return strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "conn closed")
}
