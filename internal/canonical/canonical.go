// Package canonical produces the deterministic JSON encoding used for record
// comparison and audit chain hashing.
//
// Encoding rules:
//  1. Object keys are sorted bytewise; no insignificant whitespace.
//  2. Strings are NFC normalized and HTML characters are not escaped.
//  3. Numbers of every kind are written as reduced decimal text, so 10,
//     10.0 and DECIMAL '10.00' encode identically.
//  4. Timestamps are UTC RFC 3339 with exactly microsecond precision.
//  5. Bytes are base64 (standard alphabet, padded) strings.
package canonical

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"time"

	"github.com/cockroachdb/apd/v3"
	"golang.org/x/text/unicode/norm"

	"github.com/leapstack-labs/leapsync/pkg/core"
)

// TimestampLayout is the canonical timestamp text.
const TimestampLayout = "2006-01-02T15:04:05.000000Z"

// Marshal encodes v canonically. It accepts core values, records and keys,
// JSON-like Go values, and falls back to encoding/json for anything else.
func Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := write(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// MarshalRecord encodes a record as a canonical object.
func MarshalRecord(r core.Record) ([]byte, error) {
	return Marshal(r)
}

func write(buf *bytes.Buffer, v any) error {
	switch x := v.(type) {
	case nil:
		buf.WriteString("null")
	case core.Value:
		return writeValue(buf, x)
	case core.Record:
		return writeObject(buf, sortedKeys(x), func(k string) error { return writeValue(buf, x[k]) })
	case core.Key:
		buf.WriteByte('[')
		for i, kv := range x {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeValue(buf, kv); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case string:
		return writeString(buf, x)
	case bool:
		buf.WriteString(strconv.FormatBool(x))
	case int:
		buf.WriteString(strconv.Itoa(x))
	case int32:
		buf.WriteString(strconv.FormatInt(int64(x), 10))
	case int64:
		buf.WriteString(strconv.FormatInt(x, 10))
	case uint64:
		buf.WriteString(strconv.FormatUint(x, 10))
	case float64:
		return writeFloat(buf, x)
	case json.Number:
		return writeNumberText(buf, x.String())
	case *apd.Decimal:
		buf.WriteString(NumberText(x))
	case time.Time:
		return writeString(buf, FormatTime(x))
	case []byte:
		return writeString(buf, base64.StdEncoding.EncodeToString(x))
	case []string:
		buf.WriteByte('[')
		for i, s := range x {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeString(buf, s); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case []any:
		buf.WriteByte('[')
		for i, e := range x {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := write(buf, e); err != nil {
				return fmt.Errorf("array[%d]: %w", i, err)
			}
		}
		buf.WriteByte(']')
	case map[string]any:
		return writeObject(buf, sortedKeys(x), func(k string) error { return write(buf, x[k]) })
	case map[string]string:
		return writeObject(buf, sortedKeys(x), func(k string) error { return writeString(buf, x[k]) })
	default:
		return writeViaJSON(buf, v)
	}
	return nil
}

// writeViaJSON round-trips structs and other types through encoding/json,
// keeping numbers as text.
func writeViaJSON(buf *bytes.Buffer, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("unsupported type for canonical JSON: %T: %w", v, err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return fmt.Errorf("failed to decode %T: %w", v, err)
	}
	return write(buf, generic)
}

func writeValue(buf *bytes.Buffer, v core.Value) error {
	switch v.Kind() {
	case core.KindNull:
		buf.WriteString("null")
	case core.KindBool:
		b, _ := v.AsBool()
		buf.WriteString(strconv.FormatBool(b))
	case core.KindInt:
		i, _ := v.AsInt()
		buf.WriteString(strconv.FormatInt(i, 10))
	case core.KindFloat:
		f, _ := v.AsFloat()
		return writeFloat(buf, f)
	case core.KindDecimal:
		return writeNumberText(buf, v.DecimalText())
	case core.KindString:
		s, _ := v.AsString()
		return writeString(buf, s)
	case core.KindTimestamp:
		t, _ := v.AsTime()
		return writeString(buf, FormatTime(t))
	case core.KindBytes:
		b, _ := v.AsBytes()
		return writeString(buf, base64.StdEncoding.EncodeToString(b))
	default:
		return fmt.Errorf("unsupported value kind %s", v.Kind())
	}
	return nil
}

func writeFloat(buf *bytes.Buffer, f float64) error {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return fmt.Errorf("non-finite number %v is not representable", f)
	}
	return writeNumberText(buf, strconv.FormatFloat(f, 'f', -1, 64))
}

func writeNumberText(buf *bytes.Buffer, s string) error {
	d, _, err := apd.NewFromString(s)
	if err != nil {
		return fmt.Errorf("invalid number %q: %w", s, err)
	}
	buf.WriteString(NumberText(d))
	return nil
}

// NumberText returns the reduced plain decimal text of d: no exponent,
// no trailing fractional zeros, and no negative zero.
func NumberText(d *apd.Decimal) string {
	var r apd.Decimal
	r.Reduce(d)
	if r.IsZero() {
		return "0"
	}
	return r.Text('f')
}

// FormatTime renders t in the canonical timestamp layout, truncated to
// microseconds.
func FormatTime(t time.Time) string {
	return t.UTC().Truncate(time.Microsecond).Format(TimestampLayout)
}

func writeString(buf *bytes.Buffer, s string) error {
	var tmp bytes.Buffer
	enc := json.NewEncoder(&tmp)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(norm.NFC.String(s)); err != nil {
		return err
	}
	buf.Write(bytes.TrimSuffix(tmp.Bytes(), []byte{'\n'}))
	return nil
}

func writeObject(buf *bytes.Buffer, keys []string, val func(string) error) error {
	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := writeString(buf, k); err != nil {
			return err
		}
		buf.WriteByte(':')
		if err := val(k); err != nil {
			return fmt.Errorf("object[%q]: %w", k, err)
		}
	}
	buf.WriteByte('}')
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
