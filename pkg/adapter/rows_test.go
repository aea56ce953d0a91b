package adapter

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leapstack-labs/leapsync/pkg/core"
	"github.com/leapstack-labs/leapsync/pkg/dialect"
)

func TestConvertValue(t *testing.T) {
	ts := time.Date(2024, 3, 1, 12, 30, 0, 0, time.UTC)

	tests := []struct {
		name    string
		in      any
		class   core.TypeClass
		want    core.Value
		wantErr bool
	}{
		{"nil", nil, core.ClassInt, core.NullValue(), false},
		{"int from bytes", []byte("42"), core.ClassInt, core.IntValue(42), false},
		{"int from whole float", float64(7), core.ClassInt, core.IntValue(7), false},
		{"int from fraction", 7.5, core.ClassInt, core.Value{}, true},
		{"bool from int", int64(1), core.ClassBool, core.BoolValue(true), false},
		{"bool from text", "false", core.ClassBool, core.BoolValue(false), false},
		{"decimal from text", []byte("10.50"), core.ClassDecimal, core.MustDecimal("10.50"), false},
		{"decimal from float", 2.25, core.ClassDecimal, core.MustDecimal("2.25"), false},
		{"string", "Alice", core.ClassString, core.StringValue("Alice"), false},
		{"timestamp", ts, core.ClassTimestamp, core.TimeValue(ts), false},
		{"timestamp from sqlite text", "2024-03-01 12:30:00", core.ClassTimestamp, core.TimeValue(ts), false},
		{"bytes", []byte{1, 2}, core.ClassBytes, core.BytesValue([]byte{1, 2}), false},
		{"unknown keeps driver type", int64(3), core.ClassUnknown, core.IntValue(3), false},
		{"bad int", "x", core.ClassInt, core.Value{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ConvertValue(tt.in, tt.class)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.True(t, core.Equal(tt.want, got), "got %s want %s", got, tt.want)
			assert.Equal(t, tt.want.Kind(), got.Kind())
		})
	}
}

func TestFetchPage(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT "id", "name" FROM "users" WHERE (("id" > $1)) ORDER BY "id" LIMIT 2`)).
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name"}).
			AddRow(int64(2), "Bob").
			AddRow(int64(3), "Carol"))

	schema := &core.TableSchema{Name: "users", Columns: []core.ColumnSchema{
		{Name: "id", Class: core.ClassInt},
		{Name: "name", Class: core.ClassString},
	}}
	recs, err := FetchPage(context.Background(), db, dialect.Postgres, "users",
		[]string{"id", "name"}, []string{"id"}, core.Key{core.IntValue(1)}, 2, schema)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, core.StringValue("Bob"), recs[0]["name"])
	assert.Equal(t, core.IntValue(3), recs[1]["id"])
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFetchByKeys(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mock.ExpectQuery(regexp.QuoteMeta(`WHERE "id" IN (?, ?)`)).
		WithArgs(int64(1), int64(2)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name"}).AddRow(int64(2), "Bob"))

	found, err := FetchByKeys(context.Background(), db, dialect.SQLite, "users",
		[]string{"id", "name"}, []string{"id"},
		[]core.Key{{core.IntValue(1)}, {core.IntValue(2)}}, false, nil)
	require.NoError(t, err)
	require.Len(t, found, 1)

	_, ok := found[core.Key{core.IntValue(2)}.String()]
	assert.True(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertAndDeleteRecord(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO "users" ("id", "name") VALUES ($1, $2) ON CONFLICT ("id")`)).
		WithArgs(int64(1), "Alice").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM "users" WHERE "id" = $1`)).
		WithArgs(int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	ctx := context.Background()
	rec := core.Record{"id": core.IntValue(1), "name": core.StringValue("Alice")}
	require.NoError(t, UpsertRecord(ctx, db, dialect.Postgres, "users", []string{"id"}, rec))
	require.NoError(t, DeleteRecord(ctx, db, dialect.Postgres, "users", []string{"id"}, core.Key{core.IntValue(1)}))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertRecord_Error(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mock.ExpectExec("INSERT INTO").WillReturnError(assert.AnError)

	rec := core.Record{"id": core.IntValue(1)}
	err = UpsertRecord(context.Background(), db, dialect.SQLite, "t", []string{"id"}, rec)
	require.Error(t, err)
	assert.ErrorIs(t, err, assert.AnError)
}
