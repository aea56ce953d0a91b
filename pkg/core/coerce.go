package core

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/cockroachdb/apd/v3"
)

// decimalCtx is the arithmetic context for conversions.
var decimalCtx = apd.BaseContext.WithPrecision(40)

// Coerce converts v to kind to. Null converts to null of any kind. Pairs
// without a lossless or conventional conversion return a CodeRecordRejected
// error.
func Coerce(v Value, to Kind) (Value, error) {
	if v.kind == KindNull || v.kind == to {
		return v, nil
	}
	out, err := coerce(v, to)
	if err != nil {
		return Value{}, NewError(CodeRecordRejected, "coerce", err)
	}
	return out, nil
}

func coerce(v Value, to Kind) (Value, error) {
	switch to {
	case KindBool:
		return toBool(v)
	case KindInt:
		return toInt(v)
	case KindFloat:
		return toFloatValue(v)
	case KindDecimal:
		return toDecimalValue(v)
	case KindString:
		return toStringValue(v)
	case KindTimestamp:
		return toTimestamp(v)
	case KindBytes:
		switch v.kind {
		case KindString:
			return BytesValue([]byte(v.s)), nil
		}
	}
	return Value{}, fmt.Errorf("cannot convert %s to %s", v.kind, to)
}

func toBool(v Value) (Value, error) {
	switch v.kind {
	case KindInt:
		return BoolValue(v.i != 0), nil
	case KindFloat:
		return BoolValue(v.f != 0), nil
	case KindDecimal:
		d, err := v.ToDecimal()
		if err != nil {
			return Value{}, err
		}
		return BoolValue(!d.IsZero()), nil
	case KindString:
		switch strings.ToLower(strings.TrimSpace(v.s)) {
		case "true", "t", "yes", "y", "1", "on":
			return BoolValue(true), nil
		case "false", "f", "no", "n", "0", "off":
			return BoolValue(false), nil
		}
		return Value{}, fmt.Errorf("invalid boolean %q", v.s)
	}
	return Value{}, fmt.Errorf("cannot convert %s to bool", v.kind)
}

func toInt(v Value) (Value, error) {
	switch v.kind {
	case KindBool:
		return IntValue(int64(boolInt(v.b))), nil
	case KindFloat:
		if v.f != math.Trunc(v.f) || math.Abs(v.f) >= math.MaxInt64 {
			return Value{}, fmt.Errorf("float %v is not an integer", v.f)
		}
		return IntValue(int64(v.f)), nil
	case KindDecimal:
		return decimalToInt(v.s)
	case KindString:
		s := strings.TrimSpace(v.s)
		if i, err := strconv.ParseInt(s, 10, 64); err == nil {
			return IntValue(i), nil
		}
		return decimalToInt(s)
	case KindTimestamp:
		return IntValue(v.t.Unix()), nil
	}
	return Value{}, fmt.Errorf("cannot convert %s to int", v.kind)
}

func decimalToInt(s string) (Value, error) {
	d, _, err := apd.NewFromString(s)
	if err != nil {
		return Value{}, fmt.Errorf("invalid integer %q", s)
	}
	var integral apd.Decimal
	if _, err := decimalCtx.RoundToIntegralExact(&integral, d); err != nil || integral.Cmp(d) != 0 {
		return Value{}, fmt.Errorf("%s is not an integer", s)
	}
	i, err := integral.Int64()
	if err != nil {
		return Value{}, fmt.Errorf("%s is out of integer range", s)
	}
	return IntValue(i), nil
}

func toFloatValue(v Value) (Value, error) {
	switch v.kind {
	case KindBool:
		return FloatValue(float64(boolInt(v.b))), nil
	case KindInt:
		return FloatValue(float64(v.i)), nil
	case KindDecimal, KindString:
		f, err := strconv.ParseFloat(strings.TrimSpace(v.s), 64)
		if err != nil {
			return Value{}, fmt.Errorf("invalid float %q", v.s)
		}
		return FloatValue(f), nil
	case KindTimestamp:
		return FloatValue(float64(v.t.UnixNano()) / 1e9), nil
	}
	return Value{}, fmt.Errorf("cannot convert %s to float", v.kind)
}

func toDecimalValue(v Value) (Value, error) {
	switch v.kind {
	case KindBool:
		return NewDecimal(apd.New(int64(boolInt(v.b)), 0)), nil
	case KindInt, KindFloat:
		d, err := v.ToDecimal()
		if err != nil {
			return Value{}, err
		}
		return NewDecimal(d), nil
	case KindString:
		return DecimalValue(v.s)
	case KindTimestamp:
		return NewDecimal(apd.New(v.t.UnixMicro(), -6)), nil
	}
	return Value{}, fmt.Errorf("cannot convert %s to decimal", v.kind)
}

func toStringValue(v Value) (Value, error) {
	switch v.kind {
	case KindBool:
		return StringValue(strconv.FormatBool(v.b)), nil
	case KindInt:
		return StringValue(strconv.FormatInt(v.i, 10)), nil
	case KindFloat:
		return StringValue(strconv.FormatFloat(v.f, 'f', -1, 64)), nil
	case KindDecimal:
		return StringValue(v.s), nil
	case KindTimestamp:
		return StringValue(v.t.Format(time.RFC3339Nano)), nil
	case KindBytes:
		if !utf8.Valid(v.raw) {
			return Value{}, fmt.Errorf("bytes are not valid UTF-8")
		}
		return StringValue(string(v.raw)), nil
	}
	return Value{}, fmt.Errorf("cannot convert %s to string", v.kind)
}

func toTimestamp(v Value) (Value, error) {
	switch v.kind {
	case KindInt:
		return TimeValue(time.Unix(v.i, 0)), nil
	case KindFloat:
		sec, frac := math.Modf(v.f)
		return TimeValue(time.Unix(int64(sec), int64(frac*1e9))), nil
	case KindString:
		t, err := ParseTimestamp(v.s)
		if err != nil {
			return Value{}, err
		}
		return TimeValue(t), nil
	}
	return Value{}, fmt.Errorf("cannot convert %s to timestamp", v.kind)
}
