package core

import (
	"math"
	"regexp"
	"strings"
)

// TypeClass groups database types into the classes the validator reasons about.
type TypeClass string

// Type classes.
const (
	ClassBool      TypeClass = "bool"
	ClassInt       TypeClass = "int"
	ClassFloat     TypeClass = "float"
	ClassDecimal   TypeClass = "decimal"
	ClassString    TypeClass = "string"
	ClassTimestamp TypeClass = "timestamp"
	ClassBytes     TypeClass = "bytes"
	ClassJSON      TypeClass = "json"
	ClassUnknown   TypeClass = "unknown"
)

// ColumnSchema describes one column as declared in a database.
type ColumnSchema struct {
	Name       string    `json:"name"`
	Type       string    `json:"type"`
	Class      TypeClass `json:"class"`
	Nullable   bool      `json:"nullable"`
	HasDefault bool      `json:"has_default"`
	PrimaryKey bool      `json:"primary_key"`
	// Length bounds character columns; 0 means unbounded.
	Length    int64 `json:"length,omitempty"`
	Precision int64 `json:"precision,omitempty"`
	Scale     int64 `json:"scale,omitempty"`
	Position  int   `json:"position"`
}

// TableSchema describes a table's columns in ordinal order.
type TableSchema struct {
	Schema  string         `json:"schema,omitempty"`
	Name    string         `json:"name"`
	Columns []ColumnSchema `json:"columns"`
}

// Column returns the column named name.
func (s *TableSchema) Column(name string) (*ColumnSchema, bool) {
	for i := range s.Columns {
		if strings.EqualFold(s.Columns[i].Name, name) {
			return &s.Columns[i], true
		}
	}
	return nil, false
}

// ColumnNames returns the column names in ordinal order.
func (s *TableSchema) ColumnNames() []string {
	names := make([]string, len(s.Columns))
	for i, c := range s.Columns {
		names[i] = c.Name
	}
	return names
}

// PrimaryKeys returns the primary-key columns in ordinal order.
func (s *TableSchema) PrimaryKeys() []string {
	var pks []string
	for _, c := range s.Columns {
		if c.PrimaryKey {
			pks = append(pks, c.Name)
		}
	}
	return pks
}

var typeParams = regexp.MustCompile(`\s*\(.*\)`)

// ClassifyType maps a declared database type to a TypeClass.
func ClassifyType(dbType string) TypeClass {
	t := strings.ToLower(strings.TrimSpace(dbType))
	if t == "tinyint(1)" {
		return ClassBool
	}
	t = typeParams.ReplaceAllString(t, "")
	t = strings.TrimSuffix(t, " unsigned")
	t = strings.TrimSuffix(t, "[]")
	switch {
	case t == "bool" || t == "boolean" || t == "bit":
		return ClassBool
	case t == "point" || t == "geometry" || t == "geography" || t == "polygon":
		return ClassBytes
	case t == "interval":
		return ClassString
	case strings.Contains(t, "int") || strings.HasSuffix(t, "serial"):
		return ClassInt
	case t == "real" || strings.HasPrefix(t, "double") || strings.HasPrefix(t, "float"):
		return ClassFloat
	case t == "numeric" || t == "decimal" || t == "money" || t == "number":
		return ClassDecimal
	case strings.Contains(t, "char") || strings.Contains(t, "text") || strings.Contains(t, "clob") ||
		t == "string" || t == "uuid" || t == "enum" || t == "set" || t == "citext" || t == "name":
		return ClassString
	case strings.HasPrefix(t, "timestamp") || strings.HasPrefix(t, "datetime") || t == "date" || strings.HasPrefix(t, "time"):
		return ClassTimestamp
	case strings.Contains(t, "blob") || strings.Contains(t, "binary") || t == "bytea":
		return ClassBytes
	case t == "json" || t == "jsonb":
		return ClassJSON
	}
	return ClassUnknown
}

// Kind returns the value kind a column of class c naturally holds.
func (c TypeClass) Kind() Kind {
	switch c {
	case ClassBool:
		return KindBool
	case ClassInt:
		return KindInt
	case ClassFloat:
		return KindFloat
	case ClassDecimal:
		return KindDecimal
	case ClassTimestamp:
		return KindTimestamp
	case ClassBytes:
		return KindBytes
	}
	return KindString
}

// ClassOfKind returns the type class a value kind belongs to.
func ClassOfKind(k Kind) TypeClass {
	switch k {
	case KindBool:
		return ClassBool
	case KindInt:
		return ClassInt
	case KindFloat:
		return ClassFloat
	case KindDecimal:
		return ClassDecimal
	case KindString:
		return ClassString
	case KindTimestamp:
		return ClassTimestamp
	case KindBytes:
		return ClassBytes
	}
	return ClassUnknown
}

// IntBounds returns the representable range of an integer column type.
func IntBounds(dbType string) (lo, hi int64) {
	t := strings.ToLower(typeParams.ReplaceAllString(strings.TrimSpace(dbType), ""))
	unsigned := strings.HasSuffix(t, " unsigned")
	t = strings.TrimSuffix(t, " unsigned")
	switch t {
	case "tinyint", "int1":
		if unsigned {
			return 0, math.MaxUint8
		}
		return math.MinInt8, math.MaxInt8
	case "smallint", "int2", "smallserial":
		if unsigned {
			return 0, math.MaxUint16
		}
		return math.MinInt16, math.MaxInt16
	case "mediumint":
		if unsigned {
			return 0, 1<<24 - 1
		}
		return -1 << 23, 1<<23 - 1
	case "int", "integer", "int4", "serial":
		if unsigned {
			return 0, math.MaxUint32
		}
		return math.MinInt32, math.MaxInt32
	}
	if unsigned {
		return 0, math.MaxInt64
	}
	return math.MinInt64, math.MaxInt64
}
