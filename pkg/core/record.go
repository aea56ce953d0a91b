package core

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Record is a row: column name to value. Column order is not semantic.
type Record map[string]Value

// Columns returns the record's column names in sorted order.
func (r Record) Columns() []string {
	cols := make([]string, 0, len(r))
	for c := range r {
		cols = append(cols, c)
	}
	sort.Strings(cols)
	return cols
}

// Get returns the value for col and whether the column is present.
func (r Record) Get(col string) (Value, bool) {
	v, ok := r[col]
	return v, ok
}

// Clone returns a shallow copy; values are immutable so this is a full copy.
func (r Record) Clone() Record {
	if r == nil {
		return nil
	}
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Project returns a record restricted to cols. Missing columns are skipped.
func (r Record) Project(cols []string) Record {
	out := make(Record, len(cols))
	for _, c := range cols {
		if v, ok := r[c]; ok {
			out[c] = v
		}
	}
	return out
}

// Plain returns a JSON-friendly map for display and audit payloads.
func (r Record) Plain() map[string]any {
	if r == nil {
		return nil
	}
	out := make(map[string]any, len(r))
	for k, v := range r {
		out[k] = v.Plain()
	}
	return out
}

// Equal reports whether both records hold the same columns and values.
func (r Record) Equal(o Record) bool {
	if len(r) != len(o) {
		return false
	}
	for k, v := range r {
		ov, ok := o[k]
		if !ok || v.Kind() != ov.Kind() || !Equal(v, ov) {
			return false
		}
	}
	return true
}

// RecordFromPlain converts decoded JSON (ideally decoded with UseNumber)
// into a Record.
func RecordFromPlain(m map[string]any) Record {
	out := make(Record, len(m))
	for k, v := range m {
		out[k] = FromAny(v)
	}
	return out
}

// Key is a primary-key tuple in declared key-column order.
type Key []Value

// KeyOf extracts the key for cols from r. Every key column must be present
// and non-null.
func KeyOf(r Record, cols []string) (Key, error) {
	if len(cols) == 0 {
		return nil, fmt.Errorf("no primary key columns declared")
	}
	k := make(Key, len(cols))
	for i, c := range cols {
		v, ok := r[c]
		if !ok || v.IsNull() {
			return nil, NewError(CodeRecordRejected, "key", fmt.Errorf("primary key column %q is missing or null", c))
		}
		k[i] = v
	}
	return k, nil
}

// IsZero reports whether k is the empty key, which sorts before all keys.
func (k Key) IsZero() bool { return len(k) == 0 }

// Compare orders keys lexicographically. The empty key sorts first.
func (k Key) Compare(o Key) int {
	for i := 0; i < len(k) && i < len(o); i++ {
		if c := Compare(k[i], o[i]); c != 0 {
			return c
		}
	}
	return cmpInt(len(k), len(o))
}

// Record returns the key as a record over cols.
func (k Key) Record(cols []string) Record {
	r := make(Record, len(cols))
	for i, c := range cols {
		if i < len(k) {
			r[c] = k[i]
		}
	}
	return r
}

// String renders the key as a tuple, e.g. (42, 'a').
func (k Key) String() string {
	parts := make([]string, len(k))
	for i, v := range k {
		if v.Kind() == KindString {
			parts[i] = "'" + strings.ReplaceAll(v.String(), "'", "''") + "'"
		} else {
			parts[i] = v.String()
		}
	}
	return "(" + strings.Join(parts, ", ") + ")"
}

// Plain returns the key as a JSON-friendly slice.
func (k Key) Plain() []any {
	out := make([]any, len(k))
	for i, v := range k {
		out[i] = v.Plain()
	}
	return out
}

// MarshalJSON encodes the key as an array of tagged values.
func (k Key) MarshalJSON() ([]byte, error) {
	if k == nil {
		return []byte("[]"), nil
	}
	return json.Marshal([]Value(k))
}
