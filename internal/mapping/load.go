package mapping

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/leapstack-labs/leapsync/pkg/core"
)

// Format is a mapping file encoding.
type Format string

// Supported formats.
const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// FormatOf returns the format implied by a file extension. The second
// result is false for files that are not mapping files.
func FormatOf(path string) (Format, bool) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return FormatJSON, true
	case ".yaml", ".yml":
		return FormatYAML, true
	}
	return "", false
}

// Load reads and validates one mapping file. The mapping is named after the
// file unless the file sets name.
func Load(path string) (*Mapping, error) {
	format, ok := FormatOf(path)
	if !ok {
		return nil, core.Errorf(core.CodeConfiguration, "mapping", "unsupported mapping file %s", path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, core.Errorf(core.CodeConfiguration, "mapping", "mapping file not found: %s", path)
		}
		return nil, core.NewError(core.CodeConfiguration, "mapping", fmt.Errorf("failed to read %s: %w", path, err))
	}
	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	m, err := Parse(name, data, format)
	if err != nil {
		return nil, err
	}
	m.Path = path
	return m, nil
}

// LoadDir loads every mapping file in dir, keyed by mapping name. A missing
// directory yields an empty set.
func LoadDir(dir string) (map[string]*Mapping, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]*Mapping{}, nil
		}
		return nil, core.NewError(core.CodeConfiguration, "mapping", fmt.Errorf("failed to read mapping directory: %w", err))
	}

	out := make(map[string]*Mapping)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if _, ok := FormatOf(e.Name()); !ok {
			continue
		}
		m, err := Load(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		if prev, dup := out[m.Name]; dup {
			return nil, core.Errorf(core.CodeConfiguration, "mapping", "mapping %q defined by both %s and %s", m.Name, prev.Path, m.Path)
		}
		out[m.Name] = m
	}
	return out, nil
}

// Parse validates data against the mapping schema and decodes it.
func Parse(name string, data []byte, format Format) (*Mapping, error) {
	wrap := func(err error) error {
		return core.NewError(core.CodeConfiguration, "mapping", fmt.Errorf("mapping %s: %w", name, err))
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, wrap(fmt.Errorf("file is empty"))
	}
	if err := checkSchema(name+"."+string(format), data, format); err != nil {
		return nil, wrap(err)
	}

	var raw map[string]any
	switch format {
	case FormatYAML:
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, wrap(err)
		}
	default:
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.UseNumber()
		if err := dec.Decode(&raw); err != nil {
			return nil, wrap(err)
		}
	}

	m, err := decode(name, raw)
	if err != nil {
		return nil, wrap(err)
	}
	return m, nil
}

func decode(name string, raw map[string]any) (*Mapping, error) {
	m := &Mapping{Name: name, Constants: core.Record{}}
	if s, ok := raw["name"].(string); ok && s != "" {
		m.Name = s
	}
	m.Description, _ = raw["description"].(string)

	for target, v := range object(raw["constants"]) {
		m.Constants[target] = core.FromAny(v)
	}

	for _, target := range sortedKeys(object(raw["field_mappings"])) {
		rule := object(object(raw["field_mappings"])[target])
		f := FieldRule{Target: target, SourceField: target}
		if s, ok := rule["source_field"].(string); ok {
			f.SourceField = s
		}
		if t, ok := rule["target_type"].(string); ok {
			kind, err := core.ParseKind(t)
			if err != nil {
				return nil, fmt.Errorf("field %s: %w", target, err)
			}
			f.TargetType, f.Kind = t, kind
		}
		switch t := rule["transform"].(type) {
		case string:
			f.Transforms = []string{t}
		case []any:
			for _, s := range t {
				f.Transforms = append(f.Transforms, fmt.Sprint(s))
			}
		}
		if d, ok := rule["default"]; ok {
			f.Default, f.HasDefault = core.FromAny(d), true
		}
		m.Fields = append(m.Fields, f)
	}

	for _, target := range sortedKeys(object(raw["complex_mappings"])) {
		c := ComplexRule{Target: target}
		switch r := object(raw["complex_mappings"])[target].(type) {
		case string:
			c.Expression = r
		case map[string]any:
			c.Expression, _ = r["expression"].(string)
			if t, ok := r["target_type"].(string); ok {
				kind, err := core.ParseKind(t)
				if err != nil {
					return nil, fmt.Errorf("complex mapping %s: %w", target, err)
				}
				c.TargetType, c.Kind = t, kind
			}
			if d, ok := r["default"]; ok {
				c.Default, c.HasDefault = core.FromAny(d), true
			}
		}
		m.Complex = append(m.Complex, c)
	}

	if fm := object(raw["field_merge"]); len(fm) > 0 {
		m.FieldMerge = make(map[string]Side, len(fm))
		for col, side := range fm {
			m.FieldMerge[col] = Side(fmt.Sprint(side))
		}
	}
	if hs := object(raw["handlers"]); len(hs) > 0 {
		m.Handlers = make(map[string]string, len(hs))
		for col, h := range hs {
			m.Handlers[col] = fmt.Sprint(h)
		}
	}
	return m, nil
}

func object(v any) map[string]any {
	m, _ := v.(map[string]any)
	return m
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
