package core

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/apd/v3"
)

// Kind identifies the primitive type held by a Value.
type Kind uint8

// Value kinds. The order defines cross-kind sort order.
const (
	KindNull Kind = iota
	KindBool
	KindInt
	KindFloat
	KindDecimal
	KindString
	KindTimestamp
	KindBytes
)

var kindNames = [...]string{
	KindNull:      "null",
	KindBool:      "bool",
	KindInt:       "int",
	KindFloat:     "float",
	KindDecimal:   "decimal",
	KindString:    "string",
	KindTimestamp: "timestamp",
	KindBytes:     "bytes",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", k)
}

// ParseKind maps a type name used in mapping files to a Kind.
// Common SQL spellings are accepted as aliases.
func ParseKind(name string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "null":
		return KindNull, nil
	case "bool", "boolean":
		return KindBool, nil
	case "int", "integer", "bigint", "smallint", "long":
		return KindInt, nil
	case "float", "double", "real":
		return KindFloat, nil
	case "decimal", "numeric", "money":
		return KindDecimal, nil
	case "string", "text", "varchar", "char":
		return KindString, nil
	case "timestamp", "datetime", "date", "time":
		return KindTimestamp, nil
	case "bytes", "binary", "blob", "bytea", "geometry":
		return KindBytes, nil
	}
	return KindNull, fmt.Errorf("unknown type %q", name)
}

// Value is a tagged union over the primitive types a column can hold.
// The zero Value is null.
type Value struct {
	kind Kind
	b    bool
	i    int64
	f    float64
	s    string // string payload or canonical decimal text
	t    time.Time
	raw  []byte
}

// NullValue returns the null value.
func NullValue() Value { return Value{} }

// BoolValue wraps a bool.
func BoolValue(b bool) Value { return Value{kind: KindBool, b: b} }

// IntValue wraps an int64.
func IntValue(i int64) Value { return Value{kind: KindInt, i: i} }

// FloatValue wraps a float64.
func FloatValue(f float64) Value { return Value{kind: KindFloat, f: f} }

// StringValue wraps a string.
func StringValue(s string) Value { return Value{kind: KindString, s: s} }

// TimeValue wraps a timestamp, normalized to UTC.
func TimeValue(t time.Time) Value { return Value{kind: KindTimestamp, t: t.UTC()} }

// BytesValue wraps a copy of b.
func BytesValue(b []byte) Value {
	if b == nil {
		b = []byte{}
	}
	return Value{kind: KindBytes, raw: bytes.Clone(b)}
}

// DecimalValue parses s as an arbitrary precision decimal.
func DecimalValue(s string) (Value, error) {
	d, _, err := apd.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return Value{}, fmt.Errorf("invalid decimal %q: %w", s, err)
	}
	return NewDecimal(d), nil
}

// MustDecimal is DecimalValue for literals known to be valid.
func MustDecimal(s string) Value {
	v, err := DecimalValue(s)
	if err != nil {
		panic(err)
	}
	return v
}

// NewDecimal wraps an apd decimal.
func NewDecimal(d *apd.Decimal) Value {
	return Value{kind: KindDecimal, s: d.Text('f')}
}

// Kind returns the kind of v.
func (v Value) Kind() Kind { return v.kind }

// IsNull reports whether v is null.
func (v Value) IsNull() bool { return v.kind == KindNull }

// AsBool returns the bool payload.
func (v Value) AsBool() (bool, bool) { return v.b, v.kind == KindBool }

// AsInt returns the int payload.
func (v Value) AsInt() (int64, bool) { return v.i, v.kind == KindInt }

// AsFloat returns the float payload.
func (v Value) AsFloat() (float64, bool) { return v.f, v.kind == KindFloat }

// AsString returns the string payload.
func (v Value) AsString() (string, bool) { return v.s, v.kind == KindString }

// AsTime returns the timestamp payload.
func (v Value) AsTime() (time.Time, bool) { return v.t, v.kind == KindTimestamp }

// AsBytes returns the bytes payload. The slice must not be modified.
func (v Value) AsBytes() ([]byte, bool) { return v.raw, v.kind == KindBytes }

// AsDecimal returns the decimal payload as a fresh apd.Decimal.
func (v Value) AsDecimal() (*apd.Decimal, bool) {
	if v.kind != KindDecimal {
		return nil, false
	}
	d, _, err := apd.NewFromString(v.s)
	if err != nil {
		return nil, false
	}
	return d, true
}

// DecimalText returns the canonical text of a decimal value.
func (v Value) DecimalText() string { return v.s }

// Numeric reports whether v is an int, float or decimal.
func (v Value) Numeric() bool {
	return v.kind == KindInt || v.kind == KindFloat || v.kind == KindDecimal
}

// ToDecimal converts a numeric value to an apd decimal.
func (v Value) ToDecimal() (*apd.Decimal, error) {
	switch v.kind {
	case KindInt:
		return apd.New(v.i, 0), nil
	case KindFloat:
		if math.IsNaN(v.f) || math.IsInf(v.f, 0) {
			return nil, fmt.Errorf("cannot represent %v as decimal", v.f)
		}
		d, _, err := apd.NewFromString(strconv.FormatFloat(v.f, 'f', -1, 64))
		return d, err
	case KindDecimal:
		d, _, err := apd.NewFromString(v.s)
		return d, err
	}
	return nil, fmt.Errorf("%s is not numeric", v.kind)
}

// Any returns a database/sql compatible representation of v.
func (v Value) Any() any {
	switch v.kind {
	case KindBool:
		return v.b
	case KindInt:
		return v.i
	case KindFloat:
		return v.f
	case KindDecimal, KindString:
		return v.s
	case KindTimestamp:
		return v.t
	case KindBytes:
		return v.raw
	}
	return nil
}

// Plain returns a JSON-friendly representation of v for display.
func (v Value) Plain() any {
	switch v.kind {
	case KindTimestamp:
		return v.t.Format(time.RFC3339Nano)
	case KindBytes:
		return base64.StdEncoding.EncodeToString(v.raw)
	}
	return v.Any()
}

// String renders v for logs and error messages.
func (v Value) String() string {
	switch v.kind {
	case KindNull:
		return "NULL"
	case KindBool:
		return strconv.FormatBool(v.b)
	case KindInt:
		return strconv.FormatInt(v.i, 10)
	case KindFloat:
		return strconv.FormatFloat(v.f, 'g', -1, 64)
	case KindDecimal, KindString:
		return v.s
	case KindTimestamp:
		return v.t.Format(time.RFC3339Nano)
	case KindBytes:
		return fmt.Sprintf("\\x%x", v.raw)
	}
	return ""
}

// FromAny converts a Go or driver value into a Value.
func FromAny(x any) Value {
	switch t := x.(type) {
	case nil:
		return NullValue()
	case Value:
		return t
	case bool:
		return BoolValue(t)
	case int:
		return IntValue(int64(t))
	case int8:
		return IntValue(int64(t))
	case int16:
		return IntValue(int64(t))
	case int32:
		return IntValue(int64(t))
	case int64:
		return IntValue(t)
	case uint8:
		return IntValue(int64(t))
	case uint16:
		return IntValue(int64(t))
	case uint32:
		return IntValue(int64(t))
	case uint64:
		if t > math.MaxInt64 {
			return MustDecimal(strconv.FormatUint(t, 10))
		}
		return IntValue(int64(t))
	case float32:
		return FloatValue(float64(t))
	case float64:
		return FloatValue(t)
	case string:
		return StringValue(t)
	case []byte:
		return BytesValue(t)
	case time.Time:
		return TimeValue(t)
	case *apd.Decimal:
		if t == nil {
			return NullValue()
		}
		return NewDecimal(t)
	case apd.Decimal:
		return NewDecimal(&t)
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return IntValue(i)
		}
		if d, err := DecimalValue(t.String()); err == nil {
			return d
		}
		return StringValue(t.String())
	case fmt.Stringer:
		return StringValue(t.String())
	}
	return StringValue(fmt.Sprint(x))
}

// Compare orders two values. Null sorts first; numeric kinds compare by
// magnitude; other mismatched kinds compare by kind.
func Compare(a, b Value) int {
	if a.kind == KindNull || b.kind == KindNull {
		return cmpInt(boolInt(a.kind != KindNull), boolInt(b.kind != KindNull))
	}
	if a.Numeric() && b.Numeric() {
		return compareNumeric(a, b)
	}
	if a.kind != b.kind {
		return cmpInt(int(a.kind), int(b.kind))
	}
	switch a.kind {
	case KindBool:
		return cmpInt(boolInt(a.b), boolInt(b.b))
	case KindString:
		return strings.Compare(a.s, b.s)
	case KindTimestamp:
		return a.t.Compare(b.t)
	case KindBytes:
		return bytes.Compare(a.raw, b.raw)
	}
	return 0
}

// Equal reports whether a and b hold the same value.
func Equal(a, b Value) bool { return Compare(a, b) == 0 }

func compareNumeric(a, b Value) int {
	if a.kind == KindInt && b.kind == KindInt {
		return cmpInt(a.i, b.i)
	}
	if a.kind == KindFloat && b.kind == KindFloat {
		return cmpFloat(a.f, b.f)
	}
	da, errA := a.ToDecimal()
	db, errB := b.ToDecimal()
	if errA != nil || errB != nil {
		fa, _ := toFloat(a)
		fb, _ := toFloat(b)
		return cmpFloat(fa, fb)
	}
	return da.Cmp(db)
}

func toFloat(v Value) (float64, bool) {
	switch v.kind {
	case KindInt:
		return float64(v.i), true
	case KindFloat:
		return v.f, true
	case KindDecimal:
		f, err := strconv.ParseFloat(v.s, 64)
		return f, err == nil
	}
	return 0, false
}

func cmpFloat(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func cmpInt[T int | int64](a, b T) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// MarshalJSON encodes v as a single-key object tagged with its kind so the
// kind survives persistence. Null encodes as JSON null.
func (v Value) MarshalJSON() ([]byte, error) {
	var payload any
	switch v.kind {
	case KindNull:
		return []byte("null"), nil
	case KindBool:
		payload = v.b
	case KindInt:
		payload = strconv.FormatInt(v.i, 10)
	case KindFloat:
		payload = strconv.FormatFloat(v.f, 'g', -1, 64)
	case KindDecimal, KindString:
		payload = v.s
	case KindTimestamp:
		payload = v.t.Format(time.RFC3339Nano)
	case KindBytes:
		payload = base64.StdEncoding.EncodeToString(v.raw)
	}
	return json.Marshal(map[string]any{v.kind.String(): payload})
}

// UnmarshalJSON decodes the tagged form written by MarshalJSON.
func (v *Value) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*v = NullValue()
		return nil
	}
	var tagged map[string]json.RawMessage
	if err := json.Unmarshal(data, &tagged); err != nil {
		return fmt.Errorf("invalid value encoding: %w", err)
	}
	if len(tagged) != 1 {
		return fmt.Errorf("invalid value encoding: expected one kind tag, got %d", len(tagged))
	}
	for tag, raw := range tagged {
		kind, err := ParseKind(tag)
		if err != nil {
			return err
		}
		if kind == KindBool {
			var b bool
			if err := json.Unmarshal(raw, &b); err != nil {
				return err
			}
			*v = BoolValue(b)
			return nil
		}
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return err
		}
		switch kind {
		case KindInt:
			i, err := strconv.ParseInt(s, 10, 64)
			if err != nil {
				return err
			}
			*v = IntValue(i)
		case KindFloat:
			f, err := strconv.ParseFloat(s, 64)
			if err != nil {
				return err
			}
			*v = FloatValue(f)
		case KindDecimal:
			d, err := DecimalValue(s)
			if err != nil {
				return err
			}
			*v = d
		case KindString:
			*v = StringValue(s)
		case KindTimestamp:
			t, err := time.Parse(time.RFC3339Nano, s)
			if err != nil {
				return err
			}
			*v = TimeValue(t)
		case KindBytes:
			b, err := base64.StdEncoding.DecodeString(s)
			if err != nil {
				return err
			}
			*v = BytesValue(b)
		default:
			*v = NullValue()
		}
	}
	return nil
}
