package mapping

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leapstack-labs/leapsync/pkg/core"
)

const parcelsJSON = `{
  "field_mappings": {
    "owner_name": {"source_field": "owner", "target_type": "string", "transform": ["trim", "uppercase"]},
    "assessed":   {"source_field": "value", "target_type": "decimal", "default": 0},
    "parcel_id":  {}
  },
  "constants": {"source_system": "county", "version": 2},
  "complex_mappings": {
    "full_address": "street || ', ' || city",
    "summary": {"expression": "ai:summarize the parcel", "target_type": "string", "default": "n/a"}
  },
  "field_merge": {"assessed": "target"},
  "handlers": {"geom": "wkt"}
}`

const parcelsYAML = `
name: parcels
field_mappings:
  owner_name:
    source_field: owner
    target_type: text
    transform: truncate:40
constants:
  source_system: county
complex_mappings:
  label: upper(owner)
`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_JSON(t *testing.T) {
	path := writeFile(t, t.TempDir(), "parcels.json", parcelsJSON)

	m, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "parcels", m.Name)
	assert.Equal(t, path, m.Path)
	require.Len(t, m.Fields, 3)

	// Rules are sorted by target field.
	assessed := m.Fields[0]
	assert.Equal(t, "assessed", assessed.Target)
	assert.Equal(t, "value", assessed.SourceField)
	assert.Equal(t, core.KindDecimal, assessed.Kind)
	assert.True(t, assessed.HasDefault)
	assert.Equal(t, "0", assessed.Default.String())

	owner := m.Fields[1]
	assert.Equal(t, []string{"trim", "uppercase"}, owner.Transforms)
	assert.False(t, owner.HasDefault)

	parcel := m.Fields[2]
	assert.Equal(t, "parcel_id", parcel.SourceField)
	assert.Empty(t, parcel.TargetType)

	assert.Equal(t, "county", m.Constants["source_system"].String())
	assert.Equal(t, core.KindInt, m.Constants["version"].Kind())

	require.Len(t, m.Complex, 2)
	assert.Equal(t, "full_address", m.Complex[0].Target)
	assert.False(t, m.Complex[0].IsAI())
	assert.True(t, m.Complex[1].IsAI())
	assert.Equal(t, "summarize the parcel", m.Complex[1].Prompt())
	assert.Equal(t, "n/a", m.Complex[1].Default.String())

	assert.Equal(t, SideTarget, m.MergeSide("assessed"))
	assert.Equal(t, SideSource, m.MergeSide("owner_name"))
	assert.Equal(t, "wkt", m.Handlers["geom"])

	assert.Equal(t, []string{"assessed", "full_address", "owner_name", "parcel_id", "source_system", "summary", "version"}, m.TargetFields())
	assert.True(t, m.Produces("version"))
	assert.False(t, m.Produces("missing"))

	kind, ok := m.DeclaredKind("summary")
	assert.True(t, ok)
	assert.Equal(t, core.KindString, kind)
	_, ok = m.DeclaredKind("parcel_id")
	assert.False(t, ok)
}

func TestLoad_YAML(t *testing.T) {
	path := writeFile(t, t.TempDir(), "p.yaml", parcelsYAML)

	m, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "parcels", m.Name)
	require.Len(t, m.Fields, 1)
	assert.Equal(t, core.KindString, m.Fields[0].Kind)
	assert.Equal(t, []string{"truncate:40"}, m.Fields[0].Transforms)
	assert.Equal(t, "upper(owner)", m.Complex[0].Expression)
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
		msg     string
	}{
		{"unknown section", "a.json", `{"fieldmappings": {}}`, "fieldmappings"},
		{"bad transform", "b.json", `{"field_mappings": {"x": {"transform": "reverse"}}}`, "mapping b"},
		{"bad type", "c.json", `{"field_mappings": {"x": {"target_type": "uuid"}}}`, "mapping c"},
		{"bad merge side", "d.yaml", "field_merge:\n  x: both\n", "mapping d"},
		{"not json", "e.json", `{"field_mappings":`, "mapping e"},
		{"empty", "f.json", "  ", "empty"},
	}

	dir := t.TempDir()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeFile(t, dir, tt.file, tt.content))
			require.Error(t, err)
			assert.Equal(t, core.CodeConfiguration, core.CodeOf(err))
			assert.Contains(t, err.Error(), tt.msg)
		})
	}
}

func TestLoad_Missing(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	require.Error(t, err)
	assert.Equal(t, core.CodeConfiguration, core.CodeOf(err))
	assert.Contains(t, err.Error(), "not found")

	_, err = Load("mapping.txt")
	require.Error(t, err)
}

func TestLoadDir(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "parcels.json", parcelsJSON)
	writeFile(t, dir, "owners.yml", "constants:\n  x: 1\n")
	writeFile(t, dir, "README.md", "ignored")

	set, err := LoadDir(dir)
	require.NoError(t, err)
	assert.Len(t, set, 2)
	assert.Contains(t, set, "parcels")
	assert.Contains(t, set, "owners")

	empty, err := LoadDir(filepath.Join(dir, "missing"))
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestLoadDir_DuplicateName(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.json", `{"name": "same"}`)
	writeFile(t, dir, "b.yaml", "name: same\n")

	_, err := LoadDir(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "defined by both")
}

func TestIdentity(t *testing.T) {
	m := Identity("t")
	assert.True(t, m.IsIdentity())
	assert.Empty(t, m.TargetFields())
}
