package core

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyOf(t *testing.T) {
	rec := Record{"id": IntValue(7), "region": StringValue("n"), "name": NullValue()}

	key, err := KeyOf(rec, []string{"region", "id"})
	require.NoError(t, err)
	assert.Equal(t, "('n', 7)", key.String())

	_, err = KeyOf(rec, []string{"name"})
	require.Error(t, err)
	assert.Equal(t, CodeRecordRejected, CodeOf(err))

	_, err = KeyOf(rec, []string{"missing"})
	assert.Error(t, err)
}

func TestKeyCompare(t *testing.T) {
	tests := []struct {
		name string
		a, b Key
		want int
	}{
		{"empty first", nil, Key{IntValue(1)}, -1},
		{"first column decides", Key{IntValue(1), IntValue(9)}, Key{IntValue(2), IntValue(0)}, -1},
		{"second column", Key{IntValue(1), IntValue(1)}, Key{IntValue(1), IntValue(0)}, 1},
		{"equal", Key{StringValue("a")}, Key{StringValue("a")}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.a.Compare(tt.b))
		})
	}
}

func TestKeyJSON(t *testing.T) {
	key := Key{IntValue(3), StringValue("x")}
	data, err := json.Marshal(key)
	require.NoError(t, err)

	var got Key
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, 0, key.Compare(got))

	data, err = json.Marshal(Key(nil))
	require.NoError(t, err)
	assert.JSONEq(t, `[]`, string(data))
}

func TestRecordProjectAndEqual(t *testing.T) {
	rec := Record{"a": IntValue(1), "b": StringValue("x"), "c": NullValue()}
	p := rec.Project([]string{"a", "c", "zz"})
	assert.Equal(t, []string{"a", "c"}, p.Columns())
	assert.True(t, p.Equal(Record{"a": IntValue(1), "c": NullValue()}))
	assert.False(t, p.Equal(Record{"a": FloatValue(1), "c": NullValue()}), "kinds must match")
}

func TestTableDescriptor(t *testing.T) {
	td := TableDescriptor{Name: "parcels", PrimaryKeys: []string{"id"}, SyncFields: []string{"name"}}
	require.Error(t, td.Validate())

	td.Normalize()
	require.NoError(t, td.Validate())
	assert.Equal(t, []string{"id", "name"}, td.SyncFields)
	assert.Equal(t, "parcels", td.TargetName())
	assert.Equal(t, []string{"id"}, td.TargetKeyColumns())

	bad := TableDescriptor{Name: "x"}
	assert.Equal(t, CodeConfiguration, CodeOf(bad.Validate()))
}
