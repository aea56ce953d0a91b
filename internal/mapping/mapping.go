// Package mapping loads declarative table mappings from JSON or YAML files.
//
// A mapping file has up to three transform sections, applied in order by the
// transformer: constants, field_mappings and complex_mappings. Two optional
// sections configure conflict handling (field_merge) and domain handlers for
// specialized columns (handlers).
//
//	{
//	  "field_mappings": {
//	    "owner_name": {"source_field": "owner", "target_type": "string", "transform": "uppercase"},
//	    "assessed":   {"source_field": "value", "target_type": "decimal", "default": 0}
//	  },
//	  "constants":        {"source_system": "county"},
//	  "complex_mappings": {"full_address": "street || ', ' || city"},
//	  "field_merge":      {"assessed": "target"},
//	  "handlers":         {"parcel_geom": "wkt"}
//	}
package mapping

import (
	"fmt"
	"sort"

	"github.com/leapstack-labs/leapsync/pkg/core"
)

// Side names the record that wins a field under field_merge.
type Side string

// Merge sides.
const (
	SideSource Side = "source"
	SideTarget Side = "target"
)

// FieldRule maps one target field from a source field.
type FieldRule struct {
	Target      string
	SourceField string
	// TargetType is empty when the value is passed through unconverted.
	TargetType string
	Kind       core.Kind
	Transforms []string
	Default    core.Value
	HasDefault bool
}

// ComplexRule computes one target field from an expression over the source
// record. Expressions beginning with "ai:" are delegated to the inference
// service.
type ComplexRule struct {
	Target     string
	Expression string
	TargetType string
	Kind       core.Kind
	Default    core.Value
	HasDefault bool
}

// IsAI reports whether the rule is delegated to the inference service.
func (r ComplexRule) IsAI() bool {
	return len(r.Expression) >= 3 && r.Expression[:3] == "ai:"
}

// Prompt returns the text after the ai: prefix.
func (r ComplexRule) Prompt() string {
	if !r.IsAI() {
		return ""
	}
	return r.Expression[3:]
}

// Mapping is a named declarative transform from a source table's records to
// a target table's records.
type Mapping struct {
	Name        string
	Description string
	Path        string
	Fields      []FieldRule
	Constants   core.Record
	Complex     []ComplexRule
	FieldMerge  map[string]Side
	Handlers    map[string]string
}

// TargetFields returns every target field the mapping produces, sorted.
func (m *Mapping) TargetFields() []string {
	seen := make(map[string]struct{})
	for c := range m.Constants {
		seen[c] = struct{}{}
	}
	for _, f := range m.Fields {
		seen[f.Target] = struct{}{}
	}
	for _, c := range m.Complex {
		seen[c.Target] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for f := range seen {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

// Produces reports whether the mapping writes target field name.
func (m *Mapping) Produces(name string) bool {
	if _, ok := m.Constants[name]; ok {
		return true
	}
	for _, f := range m.Fields {
		if f.Target == name {
			return true
		}
	}
	for _, c := range m.Complex {
		if c.Target == name {
			return true
		}
	}
	return false
}

// DeclaredKind returns the kind the mapping declares for a target field.
// The second result is false when the field is passed through untyped.
func (m *Mapping) DeclaredKind(name string) (core.Kind, bool) {
	for _, c := range m.Complex {
		if c.Target == name && c.TargetType != "" {
			return c.Kind, true
		}
	}
	for _, f := range m.Fields {
		if f.Target == name && f.TargetType != "" {
			return f.Kind, true
		}
	}
	if v, ok := m.Constants[name]; ok && !v.IsNull() {
		return v.Kind(), true
	}
	return core.KindNull, false
}

// SourceFields returns the source fields read by field rules, sorted.
func (m *Mapping) SourceFields() []string {
	seen := make(map[string]struct{})
	for _, f := range m.Fields {
		seen[f.SourceField] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for f := range seen {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

// MergeSide returns the side that wins field name under field_merge.
// Unlisted fields take the source side.
func (m *Mapping) MergeSide(name string) Side {
	if s, ok := m.FieldMerge[name]; ok {
		return s
	}
	return SideSource
}

// Identity is the mapping used for tables without a mapping file: every
// source column is copied unchanged.
func Identity(name string) *Mapping {
	return &Mapping{Name: name, Constants: core.Record{}}
}

// IsIdentity reports whether the mapping copies records unchanged.
func (m *Mapping) IsIdentity() bool {
	return len(m.Fields) == 0 && len(m.Constants) == 0 && len(m.Complex) == 0 && len(m.Handlers) == 0
}

func (m *Mapping) String() string {
	return fmt.Sprintf("mapping %s (%d fields, %d constants, %d complex)", m.Name, len(m.Fields), len(m.Constants), len(m.Complex))
}
