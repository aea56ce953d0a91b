package core

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompare(t *testing.T) {
	ts := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	tests := []struct {
		name string
		a, b Value
		want int
	}{
		{"null before value", NullValue(), IntValue(0), -1},
		{"null equals null", NullValue(), NullValue(), 0},
		{"ints", IntValue(1), IntValue(2), -1},
		{"int vs float", IntValue(2), FloatValue(1.5), 1},
		{"int vs decimal equal", IntValue(10), MustDecimal("10.00"), 0},
		{"decimal precision", MustDecimal("0.1"), MustDecimal("0.10000000000000000001"), -1},
		{"strings bytewise", StringValue("B"), StringValue("a"), -1},
		{"bools", BoolValue(false), BoolValue(true), -1},
		{"timestamps", TimeValue(ts), TimeValue(ts.Add(time.Second)), -1},
		{"bytes", BytesValue([]byte{1}), BytesValue([]byte{1, 0}), -1},
		{"kind order", StringValue("z"), TimeValue(ts), -1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Compare(tt.a, tt.b))
			assert.Equal(t, -tt.want, Compare(tt.b, tt.a))
		})
	}
}

func TestValueJSONRoundTrip(t *testing.T) {
	ts := time.Date(2024, 5, 6, 7, 8, 9, 123456000, time.UTC)
	values := []Value{
		NullValue(),
		BoolValue(true),
		IntValue(-9007199254740993),
		FloatValue(3.25),
		MustDecimal("12345678901234567890.123"),
		StringValue("héllo"),
		TimeValue(ts),
		BytesValue([]byte{0xde, 0xad}),
	}
	for _, v := range values {
		t.Run(v.Kind().String(), func(t *testing.T) {
			data, err := json.Marshal(v)
			require.NoError(t, err)

			var got Value
			require.NoError(t, json.Unmarshal(data, &got))
			assert.Equal(t, v.Kind(), got.Kind())
			assert.True(t, Equal(v, got), "round trip changed %s to %s", v, got)
		})
	}
}

func TestFromAny(t *testing.T) {
	assert.Equal(t, KindInt, FromAny(int32(4)).Kind())
	assert.Equal(t, KindFloat, FromAny(float32(1.5)).Kind())
	assert.Equal(t, KindBytes, FromAny([]byte("x")).Kind())
	assert.Equal(t, KindNull, FromAny(nil).Kind())
	assert.Equal(t, KindInt, FromAny(json.Number("42")).Kind())
	assert.Equal(t, KindDecimal, FromAny(json.Number("4.20")).Kind())
	assert.Equal(t, KindDecimal, FromAny(uint64(1<<63)).Kind())
}

func TestDecimalValue_Invalid(t *testing.T) {
	_, err := DecimalValue("12.x")
	assert.Error(t, err)
}

func TestParseKind(t *testing.T) {
	for name, want := range map[string]Kind{
		"integer": KindInt, "TEXT": KindString, "numeric": KindDecimal,
		"datetime": KindTimestamp, "boolean": KindBool, "bytea": KindBytes,
	} {
		got, err := ParseKind(name)
		require.NoError(t, err, name)
		assert.Equal(t, want, got, name)
	}
	_, err := ParseKind("uuid[]")
	assert.Error(t, err)
}
