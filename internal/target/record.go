package target

import (
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Record is one destination row ready to insert. Entity adapters produce
// Records; the writer turns them into idempotent inserts.
type Record struct {
	// Table is the destination table name.
	Table string
	// Columns and Values are parallel slices describing the full row.
	Columns []string
	Values  []any
	// ConflictKey names the column(s) of the unique constraint used for
	// ON CONFLICT DO NOTHING. Usually the primary key.
	ConflictKey []string
	// VerifyColumns are the columns compared against the stored row when an
	// insert conflicts. Defaults to all columns except the conflict key when
	// empty. Volatile columns (e.g. last_active_at) are left out by adapters.
	VerifyColumns []string

	// EntityType and LegacyKey identify the originating legacy row for
	// error reporting and checkpointing.
	EntityType string
	LegacyKey  string
}

// InsertSQL builds the idempotent insert statement for this record.
func (r *Record) InsertSQL() string {
	var sb strings.Builder
	sb.WriteString("INSERT INTO ")
	sb.WriteString(r.Table)
	sb.WriteString(" (")
	sb.WriteString(strings.Join(r.Columns, ", "))
	sb.WriteString(") VALUES (")
	for i := range r.Values {
		if i > 0 {
			sb.WriteString(", ")
		}
		fmt.Fprintf(&sb, "$%d", i+1)
	}
	sb.WriteString(") ON CONFLICT (")
	sb.WriteString(strings.Join(r.ConflictKey, ", "))
	sb.WriteString(") DO NOTHING")
	return sb.String()
}

// SelectSQL builds the statement that fetches the stored row by conflict key
// for content verification. Returns the statement and the key values in
// placeholder order.
func (r *Record) SelectSQL() (string, []any) {
	cols := r.verifyColumns()
	var sb strings.Builder
	sb.WriteString("SELECT ")
	sb.WriteString(strings.Join(cols, ", "))
	sb.WriteString(" FROM ")
	sb.WriteString(r.Table)
	sb.WriteString(" WHERE ")

	args := make([]any, 0, len(r.ConflictKey))
	for i, key := range r.ConflictKey {
		if i > 0 {
			sb.WriteString(" AND ")
		}
		fmt.Fprintf(&sb, "%s = $%d", key, i+1)
		args = append(args, r.value(key))
	}
	return sb.String(), args
}

func (r *Record) verifyColumns() []string {
	if len(r.VerifyColumns) > 0 {
		return r.VerifyColumns
	}
	cols := make([]string, 0, len(r.Columns))
	for _, c := range r.Columns {
		if !contains(r.ConflictKey, c) {
			cols = append(cols, c)
		}
	}
	return cols
}

func (r *Record) value(column string) any {
	for i, c := range r.Columns {
		if c == column {
			return r.Values[i]
		}
	}
	return nil
}

// VerifyValues returns the expected values for verifyColumns, in order.
func (r *Record) VerifyValues() []any {
	cols := r.verifyColumns()
	vals := make([]any, len(cols))
	for i, c := range cols {
		vals[i] = r.value(c)
	}
	return vals
}

// Mismatch compares stored against expected values and describes the first
// differing column, or returns "" when the stored row matches.
func (r *Record) Mismatch(stored []any) string {
	cols := r.verifyColumns()
	expected := r.VerifyValues()
	for i := range cols {
		if i >= len(stored) {
			return fmt.Sprintf("column %s missing from stored row", cols[i])
		}
		if !valuesEqual(expected[i], stored[i]) {
			return fmt.Sprintf("column %s: expected %v, stored %v", cols[i], expected[i], stored[i])
		}
	}
	return ""
}

// valuesEqual compares an expected Go value against what pgx scanned back.
// The two sides rarely share a concrete type, so compare on normalized
// string forms after handling the common cases explicitly.
func valuesEqual(expected, stored any) bool {
	expected = normalize(expected)
	stored = normalize(stored)

	if expected == nil || stored == nil {
		return expected == nil && stored == nil
	}

	if et, ok := expected.(time.Time); ok {
		st, ok := stored.(time.Time)
		return ok && et.Equal(st)
	}

	return fmt.Sprint(expected) == fmt.Sprint(stored)
}

func normalize(v any) any {
	switch t := v.(type) {
	case nil:
		return nil
	case *string:
		if t == nil {
			return nil
		}
		return *t
	case *int64:
		if t == nil {
			return nil
		}
		return *t
	case *time.Time:
		if t == nil {
			return nil
		}
		return *t
	case uuid.UUID:
		return t.String()
	case [16]byte:
		return uuid.UUID(t).String()
	case netip.Prefix:
		// pgx scans inet columns as prefixes; a single-address prefix is
		// the same value as the bare address we inserted.
		if t.IsSingleIP() {
			return t.Addr().String()
		}
		return t.String()
	case netip.Addr:
		return t.String()
	case []byte:
		return string(t)
	default:
		return v
	}
}

func contains(xs []string, s string) bool {
	for _, x := range xs {
		if x == s {
			return true
		}
	}
	return false
}
