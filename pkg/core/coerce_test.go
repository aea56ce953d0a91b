package core

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCoerce(t *testing.T) {
	ts := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		in      Value
		to      Kind
		want    Value
		wantErr bool
	}{
		{"null stays null", NullValue(), KindTimestamp, NullValue(), false},
		{"same kind", IntValue(3), KindInt, IntValue(3), false},
		{"bool to int", BoolValue(true), KindInt, IntValue(1), false},
		{"int to bool", IntValue(0), KindBool, BoolValue(false), false},
		{"int to float", IntValue(2), KindFloat, FloatValue(2), false},
		{"int to decimal", IntValue(2), KindDecimal, MustDecimal("2"), false},
		{"int to string", IntValue(-7), KindString, StringValue("-7"), false},
		{"int to timestamp", IntValue(ts.Unix()), KindTimestamp, TimeValue(ts), false},
		{"integral float to int", FloatValue(4), KindInt, IntValue(4), false},
		{"fractional float to int", FloatValue(4.5), KindInt, Value{}, true},
		{"decimal to int", MustDecimal("12.00"), KindInt, IntValue(12), false},
		{"fractional decimal to int", MustDecimal("12.01"), KindInt, Value{}, true},
		{"decimal to float", MustDecimal("0.25"), KindFloat, FloatValue(0.25), false},
		{"string to bool", StringValue("yes"), KindBool, BoolValue(true), false},
		{"bad string to bool", StringValue("maybe"), KindBool, Value{}, true},
		{"string to int", StringValue(" 42 "), KindInt, IntValue(42), false},
		{"string to decimal", StringValue("19.99"), KindDecimal, MustDecimal("19.99"), false},
		{"string to timestamp", StringValue("2024-01-01T00:00:00Z"), KindTimestamp, TimeValue(ts), false},
		{"unparseable timestamp", StringValue("next tuesday"), KindTimestamp, Value{}, true},
		{"timestamp to string", TimeValue(ts), KindString, StringValue("2024-01-01T00:00:00Z"), false},
		{"timestamp to int", TimeValue(ts), KindInt, IntValue(ts.Unix()), false},
		{"bool to timestamp", BoolValue(true), KindTimestamp, Value{}, true},
		{"timestamp to bool", TimeValue(ts), KindBool, Value{}, true},
		{"string to bytes", StringValue("hi"), KindBytes, BytesValue([]byte("hi")), false},
		{"bytes to string", BytesValue([]byte("hi")), KindString, StringValue("hi"), false},
		{"invalid utf8 bytes", BytesValue([]byte{0xff}), KindString, Value{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Coerce(tt.in, tt.to)
			if tt.wantErr {
				require.Error(t, err)
				assert.Equal(t, CodeRecordRejected, CodeOf(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want.Kind(), got.Kind())
			assert.True(t, Equal(tt.want, got), "got %s want %s", got, tt.want)
		})
	}
}

func TestParseTimestamp(t *testing.T) {
	want := time.Date(2024, 3, 1, 12, 30, 0, 0, time.UTC)
	for _, s := range []string{
		"2024-03-01T12:30:00Z",
		"2024-03-01T13:30:00+01:00",
		"2024-03-01 12:30:00",
		"2024-03-01 12:30",
	} {
		got, err := ParseTimestamp(s)
		require.NoError(t, err, s)
		assert.True(t, want.Equal(got), s)
	}

	_, err := ParseTimestamp("yesterday")
	require.Error(t, err)
}
