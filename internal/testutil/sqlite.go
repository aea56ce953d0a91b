package testutil

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/leapstack-labs/leapsync/pkg/adapters/sqlite"
	"github.com/leapstack-labs/leapsync/pkg/core"
)

// SQLiteDB opens an in-memory SQLite database, runs stmts against it and
// closes it when the test ends.
func SQLiteDB(t testing.TB, stmts ...string) *sql.DB {
	t.Helper()
	db, err := sqlite.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	Exec(t, db, stmts...)
	return db
}

// Exec runs each statement and fails the test on the first error.
func Exec(t testing.TB, db *sql.DB, stmts ...string) {
	t.Helper()
	for _, s := range stmts {
		_, err := db.ExecContext(context.Background(), s)
		require.NoError(t, err, "exec %q", s)
	}
}

// TableSchema introspects table through the SQLite adapter.
func TableSchema(t testing.TB, db *sql.DB, table string) *core.TableSchema {
	t.Helper()
	a := sqlite.New(nil)
	a.DB = db
	ts, err := a.GetTableSchema(context.Background(), table)
	require.NoError(t, err)
	return ts
}

// Count returns SELECT COUNT(*) for the query suffix, e.g. "FROM users".
func Count(t testing.TB, db *sql.DB, from string, args ...any) int {
	t.Helper()
	var n int
	require.NoError(t, db.QueryRowContext(context.Background(), "SELECT COUNT(*) "+from, args...).Scan(&n))
	return n
}

// SQLiteFile creates a SQLite database file at path, runs stmts against it
// and closes it again so other connections can open the file.
func SQLiteFile(t testing.TB, path string, stmts ...string) {
	t.Helper()
	db, err := sqlite.Open(context.Background(), path)
	require.NoError(t, err)
	defer func() { require.NoError(t, db.Close()) }()
	Exec(t, db, stmts...)
}
