// Package exitcodes defines standard exit codes for CLI operations, stable
// across releases so that Kubernetes jobs and other orchestration environments
// can branch on them.
package exitcodes

import (
	"context"
	"errors"
	"os"

	"github.com/matrix-tools/syn2mas/internal/migerr"
)

const (
	// Success - migration completed without errors
	Success = 0

	// ConfigError - configuration/YAML parsing errors (non-recoverable, don't retry)
	ConfigError = 1

	// ConnectionError - Synapse or MAS database connection errors (recoverable)
	ConnectionError = 2

	// SchemaError - a schema version check failed pre-flight (non-recoverable)
	SchemaError = 3

	// MigrationError - data migration failed (resumable after the cause is fixed)
	MigrationError = 4

	// Cancelled - user cancelled via SIGINT/SIGTERM (recoverable, resumable)
	Cancelled = 5

	// StateError - run registry or database lock errors (non-recoverable)
	StateError = 6

	// ConsistencyError - destination content disagrees with the transform
	// output on idempotent replay (non-recoverable, needs investigation)
	ConsistencyError = 7

	// PartialSuccess - migration completed but some rows were skipped and
	// reported; the report names them
	PartialSuccess = 8

	// CheckErrors - the check subcommand found issues preventing migration
	CheckErrors = 10

	// CheckWarnings - the check subcommand found issues worth reviewing
	CheckWarnings = 11
)

// ExitError wraps an error with an exit code.
type ExitError struct {
	Err  error
	Code int
}

func (e *ExitError) Error() string {
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// NewExitError creates a new ExitError with the given code.
func NewExitError(err error, code int) *ExitError {
	return &ExitError{Err: err, Code: code}
}

// FromError determines the appropriate exit code for an error.
func FromError(err error) int {
	if err == nil {
		return Success
	}

	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}

	switch migerr.ClassOf(err) {
	case migerr.ClassConnectivity:
		return ConnectionError
	case migerr.ClassUnsupportedSchema:
		return SchemaError
	case migerr.ClassConsistencyViolation:
		return ConsistencyError
	case migerr.ClassDanglingReference, migerr.ClassValidation:
		return MigrationError
	case migerr.ClassTransientStorage:
		// Only surfaces after retries are exhausted.
		return ConnectionError
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return Cancelled
	}

	var pathErr *os.PathError
	if errors.As(err, &pathErr) {
		return StateError
	}

	return MigrationError
}

// IsRecoverable returns true if a rerun may succeed without operator changes.
func IsRecoverable(code int) bool {
	switch code {
	case ConnectionError, Cancelled:
		return true
	default:
		return false
	}
}

// Description returns a human-readable description of the exit code.
func Description(code int) string {
	switch code {
	case Success:
		return "success"
	case ConfigError:
		return "configuration error"
	case ConnectionError:
		return "connection error (recoverable)"
	case SchemaError:
		return "unsupported schema version"
	case MigrationError:
		return "migration error"
	case Cancelled:
		return "cancelled (resumable)"
	case StateError:
		return "state error"
	case ConsistencyError:
		return "consistency violation"
	case PartialSuccess:
		return "completed with skipped rows"
	case CheckErrors:
		return "check found blocking errors"
	case CheckWarnings:
		return "check found warnings"
	default:
		return "unknown"
	}
}
