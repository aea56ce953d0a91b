// Package validate checks schema compatibility between a mapping's output
// and a target table, and integrity of individual records before apply.
package validate

import (
	"fmt"
	"math"
	"slices"
	"strings"
	"unicode/utf8"

	"github.com/leapstack-labs/leapsync/internal/mapping"
	"github.com/leapstack-labs/leapsync/pkg/core"
)

// Validator holds no state; the zero value is ready to use.
type Validator struct{}

// New returns a Validator.
func New() *Validator { return &Validator{} }

// produced describes one target field written by a mapping.
type produced struct {
	name string
	kind core.Kind
	// typed is false when the kind is unknown until run time.
	typed bool
	// source is the source column the value is copied from, if any.
	source *core.ColumnSchema
}

// ValidateSchema reports whether records produced by m from the source
// table can be written to the target table.
func (v *Validator) ValidateSchema(source, target *core.TableSchema, table core.TableDescriptor, m *mapping.Mapping) (bool, []string) {
	var issues []string
	add := func(format string, args ...any) {
		issues = append(issues, fmt.Sprintf(format, args...))
	}
	if source == nil || target == nil {
		add("table %s: schema unavailable", table.Name)
		return false, issues
	}
	if m == nil {
		m = mapping.Identity(table.Name)
	}

	targetKeys := table.TargetKeyColumns()
	if len(table.PrimaryKeys) == 0 {
		add("table %s: no primary key declared or discovered", table.Name)
	}
	for i, pk := range table.PrimaryKeys {
		sc, ok := source.Column(pk)
		if !ok {
			add("primary key %s is missing from source table %s", pk, source.Name)
			continue
		}
		if i >= len(targetKeys) {
			continue
		}
		tc, ok := target.Column(targetKeys[i])
		if !ok {
			add("primary key %s is missing from target table %s", targetKeys[i], target.Name)
			continue
		}
		if sc.Class != tc.Class && sc.Class != core.ClassUnknown && tc.Class != core.ClassUnknown {
			add("primary key %s: source type %s (%s) does not match target type %s (%s)", pk, sc.Type, sc.Class, tc.Type, tc.Class)
		}
	}

	fields := producedFields(source, table, m)
	for _, f := range fields {
		tc, ok := target.Column(f.name)
		if !ok {
			add("column %s is produced by mapping %s but does not exist in target table %s", f.name, m.Name, target.Name)
			continue
		}
		if !f.typed {
			continue
		}
		ok, why := widensColumn(f.source, f.kind, tc)
		if !ok {
			msg := fmt.Sprintf("column %s: %s values cannot be stored in %s", f.name, f.kind, tc.Type)
			if why != "" {
				msg += " (" + why + ")"
			}
			issues = append(issues, msg)
		}
	}

	for _, tc := range target.Columns {
		if tc.Nullable || tc.HasDefault {
			continue
		}
		if !slices.ContainsFunc(fields, func(f produced) bool { return strings.EqualFold(f.name, tc.Name) }) {
			add("target column %s is NOT NULL without a default and is not produced by mapping %s", tc.Name, m.Name)
		}
	}

	for col, name := range m.Handlers {
		if tc, ok := target.Column(col); ok {
			want := core.ClassString
			if name == "wkb" {
				want = core.ClassBytes
			}
			if tc.Class != want && tc.Class != core.ClassUnknown && !(name == "json" && tc.Class == core.ClassJSON) {
				add("column %s: handler %s produces %s but the target column is %s", col, name, want, tc.Type)
			}
		}
	}

	return len(issues) == 0, issues
}

func producedFields(source *core.TableSchema, table core.TableDescriptor, m *mapping.Mapping) []produced {
	var out []produced
	seen := make(map[string]int)
	put := func(p produced) {
		if i, ok := seen[p.name]; ok {
			out[i] = p
			return
		}
		seen[p.name] = len(out)
		out = append(out, p)
	}

	if m.IsIdentity() {
		for i := range source.Columns {
			sc := &source.Columns[i]
			if len(table.SyncFields) > 0 && !slices.Contains(table.SyncFields, sc.Name) {
				continue
			}
			put(produced{name: sc.Name, kind: sc.Class.Kind(), typed: sc.Class != core.ClassUnknown, source: sc})
		}
		renameKeys(table, out)
		return out
	}

	// Target keys are carried over from the source when the mapping does not
	// produce them.
	targetKeys := table.TargetKeyColumns()
	for i, pk := range table.PrimaryKeys {
		if i < len(targetKeys) && !m.Produces(targetKeys[i]) {
			sc, ok := source.Column(pk)
			p := produced{name: targetKeys[i]}
			if ok {
				p.kind, p.typed, p.source = sc.Class.Kind(), sc.Class != core.ClassUnknown, sc
			}
			put(p)
		}
	}

	for c, val := range m.Constants {
		put(produced{name: c, kind: val.Kind(), typed: !val.IsNull()})
	}
	for _, f := range m.Fields {
		sc, ok := source.Column(f.SourceField)
		p := produced{name: f.Target}
		switch {
		case f.TargetType != "":
			p.kind, p.typed = f.Kind, true
			if ok && sc.Class.Kind() == f.Kind {
				p.source = sc
			}
		case ok:
			p.kind, p.typed, p.source = sc.Class.Kind(), sc.Class != core.ClassUnknown, sc
		}
		put(p)
	}
	for _, c := range m.Complex {
		put(produced{name: c.Target, kind: c.Kind, typed: c.TargetType != ""})
	}
	return out
}

// renameKeys rewrites copied source key columns to their target names.
func renameKeys(table core.TableDescriptor, fields []produced) {
	targetKeys := table.TargetKeyColumns()
	for i := range fields {
		if j := slices.Index(table.PrimaryKeys, fields[i].name); j >= 0 && j < len(targetKeys) {
			fields[i].name = targetKeys[j]
		}
	}
}

// ValidateRecord checks one transformed record against the target schema:
// unknown columns, NOT NULL constraints, type acceptance, length bounds,
// numeric range and primary-key completeness. The record is not modified.
func (v *Validator) ValidateRecord(rec core.Record, target *core.TableSchema) (bool, []string) {
	var errs []string
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Sprintf(format, args...))
	}
	if target == nil {
		return false, []string{"target schema unavailable"}
	}

	for _, col := range rec.Columns() {
		if _, ok := target.Column(col); !ok {
			add("column %s does not exist in target table %s", col, target.Name)
		}
	}

	for i := range target.Columns {
		tc := &target.Columns[i]
		val, present := rec[tc.Name]
		if !present {
			val, present = lookupFold(rec, tc.Name)
		}

		if tc.PrimaryKey && (!present || val.IsNull()) {
			add("primary key column %s is missing or null", tc.Name)
			continue
		}
		if !present {
			if !tc.Nullable && !tc.HasDefault {
				add("column %s is required", tc.Name)
			}
			continue
		}
		if val.IsNull() {
			if !tc.Nullable {
				add("column %s must not be null", tc.Name)
			}
			continue
		}

		if !Widens(val.Kind(), tc.Class) && !(val.Kind() == core.KindDecimal && tc.Class == core.ClassInt) {
			add("column %s: %s value cannot be stored in %s", tc.Name, val.Kind(), tc.Type)
			continue
		}
		if msg := checkBounds(val, tc); msg != "" {
			add("column %s: %s", tc.Name, msg)
		}
	}
	return len(errs) == 0, errs
}

func lookupFold(rec core.Record, name string) (core.Value, bool) {
	for k, v := range rec {
		if strings.EqualFold(k, name) {
			return v, true
		}
	}
	return core.Value{}, false
}

func checkBounds(val core.Value, tc *core.ColumnSchema) string {
	switch tc.Class {
	case core.ClassString:
		if tc.Length <= 0 {
			return ""
		}
		s, err := core.Coerce(val, core.KindString)
		if err != nil {
			return err.Error()
		}
		text, _ := s.AsString()
		if n := utf8.RuneCountInString(text); int64(n) > tc.Length {
			return fmt.Sprintf("length %d exceeds %d", n, tc.Length)
		}
	case core.ClassInt:
		iv, err := core.Coerce(val, core.KindInt)
		if err != nil {
			return fmt.Sprintf("value %s is not an integer", val)
		}
		i, _ := iv.AsInt()
		lo, hi := core.IntBounds(tc.Type)
		if i < lo || i > hi {
			return fmt.Sprintf("value %d is out of range for %s", i, tc.Type)
		}
	case core.ClassDecimal:
		if tc.Precision <= 0 {
			return ""
		}
		d, err := val.ToDecimal()
		if err != nil {
			return err.Error()
		}
		intDigits := int64(d.NumDigits()) + int64(d.Exponent)
		if intDigits > tc.Precision-tc.Scale && !d.IsZero() {
			return fmt.Sprintf("value %s exceeds precision %d, scale %d", val, tc.Precision, tc.Scale)
		}
	case core.ClassFloat:
		if f, ok := val.AsFloat(); ok && (math.IsNaN(f) || math.IsInf(f, 0)) {
			return "non-finite float"
		}
	}
	return ""
}
