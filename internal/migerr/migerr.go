// Package migerr defines the error classes used throughout the migration
// engine. Each class maps to a distinct recovery behavior: some abort the run
// before any data moves, some are row-level and subject to the entity's error
// policy, and some are retried.
package migerr

import (
	"errors"
	"fmt"
)

// Class identifies a category of migration error.
type Class int

const (
	// ClassUnknown is the zero value for unclassified errors.
	ClassUnknown Class = iota

	// ClassConnectivity means a database is unreachable or credentials are
	// invalid. Fatal; surfaced before any data is touched.
	ClassConnectivity

	// ClassUnsupportedSchema means a schema version check failed pre-flight.
	ClassUnsupportedSchema

	// ClassDanglingReference means a child row references a parent with no
	// resolved identity mapping. Row-level, policy controlled.
	ClassDanglingReference

	// ClassValidation means a row fails destination constraints detectable
	// before or during the write. Row-level, policy controlled.
	ClassValidation

	// ClassConsistencyViolation means an idempotent-replay conflict resolved
	// to content that disagrees with the transform output. Always fatal for
	// the batch; never silently skipped.
	ClassConsistencyViolation

	// ClassTransientStorage covers timeouts, deadlocks, and connection
	// resets. Retried with backoff, promoted to fatal once retries are
	// exhausted.
	ClassTransientStorage
)

func (c Class) String() string {
	switch c {
	case ClassConnectivity:
		return "connectivity"
	case ClassUnsupportedSchema:
		return "unsupported_schema"
	case ClassDanglingReference:
		return "dangling_reference"
	case ClassValidation:
		return "validation"
	case ClassConsistencyViolation:
		return "consistency_violation"
	case ClassTransientStorage:
		return "transient_storage"
	default:
		return "unknown"
	}
}

// Error is a classified migration error. It wraps an underlying cause and
// optionally names the entity type and legacy row key it relates to.
type Error struct {
	Class      Class
	EntityType string
	LegacyKey  string
	Err        error
}

func (e *Error) Error() string {
	msg := e.Class.String()
	if e.EntityType != "" {
		msg += " [" + e.EntityType
		if e.LegacyKey != "" {
			msg += " " + e.LegacyKey
		}
		msg += "]"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a classified error wrapping err.
func New(class Class, err error) *Error {
	return &Error{Class: class, Err: err}
}

// Newf creates a classified error from a format string.
func Newf(class Class, format string, args ...any) *Error {
	return &Error{Class: class, Err: fmt.Errorf(format, args...)}
}

// Row creates a row-level classified error carrying the entity type and the
// legacy key of the offending row.
func Row(class Class, entityType, legacyKey string, err error) *Error {
	return &Error{Class: class, EntityType: entityType, LegacyKey: legacyKey, Err: err}
}

// ClassOf returns the class of err, or ClassUnknown if err carries none.
func ClassOf(err error) Class {
	var me *Error
	if errors.As(err, &me) {
		return me.Class
	}
	return ClassUnknown
}

// Is reports whether err belongs to the given class.
func Is(err error, class Class) bool {
	return ClassOf(err) == class
}

// IsRowLevel reports whether err is subject to the per-entity error policy
// rather than being fatal for the run.
func IsRowLevel(err error) bool {
	switch ClassOf(err) {
	case ClassDanglingReference, ClassValidation:
		return true
	}
	return false
}
