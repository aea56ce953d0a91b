package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leapstack-labs/leapsync/pkg/adapter"
	"github.com/leapstack-labs/leapsync/pkg/core"
)

func connect(t *testing.T) *Adapter {
	t.Helper()
	adp := New(nil)
	path := filepath.Join(t.TempDir(), "test.db")
	require.NoError(t, adp.Connect(context.Background(), core.AdapterConfig{Type: "sqlite", Path: path}))
	t.Cleanup(func() { _ = adp.Close() })
	return adp
}

func TestDSN(t *testing.T) {
	assert.Equal(t, ":memory:?_pragma=foreign_keys(1)", DSN(":memory:"))
	assert.Contains(t, DSN("/tmp/x.db"), "file:/tmp/x.db?")
	assert.Contains(t, DSN("/tmp/x.db"), "journal_mode(WAL)")
}

func TestAdapter_GetTableSchema(t *testing.T) {
	ctx := context.Background()
	adp := connect(t)

	_, err := adp.Handle().ExecContext(ctx, `
		CREATE TABLE customers (
			id INTEGER PRIMARY KEY,
			email VARCHAR(120) NOT NULL,
			balance DECIMAL(10, 2) DEFAULT 0,
			active BOOLEAN,
			updated_at TIMESTAMP
		)
	`)
	require.NoError(t, err)

	ts, err := adp.GetTableSchema(ctx, "customers")
	require.NoError(t, err)
	assert.Equal(t, "main", ts.Schema)
	assert.Equal(t, []string{"id", "email", "balance", "active", "updated_at"}, ts.ColumnNames())
	assert.Equal(t, []string{"id"}, ts.PrimaryKeys())

	id, _ := ts.Column("id")
	assert.True(t, id.HasDefault, "integer primary key aliases rowid")
	assert.False(t, id.Nullable)

	email, _ := ts.Column("email")
	assert.Equal(t, core.ClassString, email.Class)
	assert.Equal(t, int64(120), email.Length)
	assert.False(t, email.Nullable)

	balance, _ := ts.Column("balance")
	assert.Equal(t, core.ClassDecimal, balance.Class)
	assert.Equal(t, int64(10), balance.Precision)
	assert.Equal(t, int64(2), balance.Scale)
	assert.True(t, balance.HasDefault)

	_, err = adp.GetTableSchema(ctx, "missing")
	require.Error(t, err)
	assert.Equal(t, core.CodeNotFound, core.CodeOf(err))
}

func TestAdapter_RowHelpers(t *testing.T) {
	ctx := context.Background()
	adp := connect(t)
	d := adp.Dialect()

	_, err := adp.Handle().ExecContext(ctx,
		`CREATE TABLE events (id INTEGER PRIMARY KEY, name TEXT, at TIMESTAMP, score REAL)`)
	require.NoError(t, err)
	ts, err := adp.GetTableSchema(ctx, "events")
	require.NoError(t, err)

	at := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	for i := int64(1); i <= 3; i++ {
		rec := core.Record{
			"id":    core.IntValue(i),
			"name":  core.StringValue("e"),
			"at":    core.TimeValue(at),
			"score": core.FloatValue(1.5),
		}
		require.NoError(t, adapter.UpsertRecord(ctx, adp.Handle(), d, "events", []string{"id"}, rec))
	}

	cols := ts.ColumnNames()
	page, err := adapter.FetchPage(ctx, adp.Handle(), d, "events", cols, []string{"id"}, core.Key{core.IntValue(1)}, 10, ts)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, core.IntValue(2), page[0]["id"])
	assert.True(t, core.Equal(core.TimeValue(at), page[0]["at"]), "timestamp round trip: %s", page[0]["at"])
	assert.Equal(t, core.FloatValue(1.5), page[0]["score"])

	require.NoError(t, adapter.DeleteRecord(ctx, adp.Handle(), d, "events", []string{"id"}, core.Key{core.IntValue(2)}))
	found, err := adapter.FetchByKeys(ctx, adp.Handle(), d, "events", cols, []string{"id"},
		[]core.Key{{core.IntValue(2)}, {core.IntValue(3)}}, true, ts)
	require.NoError(t, err)
	assert.Len(t, found, 1)
}

func TestIsTransient(t *testing.T) {
	assert.False(t, IsTransient(assert.AnError))
	assert.False(t, New(nil).IsTransient(nil))
}

func TestAdapter_Registry(t *testing.T) {
	adp, err := adapter.NewAdapter(core.AdapterConfig{Type: "sqlite"}, nil)
	require.NoError(t, err)
	_, ok := adp.(*Adapter)
	assert.True(t, ok)
}
