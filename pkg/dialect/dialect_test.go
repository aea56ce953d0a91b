package dialect

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leapstack-labs/leapsync/pkg/core"
)

func TestQuoteIdentifier(t *testing.T) {
	tests := []struct {
		name    string
		dialect *Dialect
		in      string
		want    string
	}{
		{"postgres", Postgres, "users", `"users"`},
		{"postgres escape", Postgres, `we"ird`, `"we""ird"`},
		{"mysql", MySQL, "users", "`users`"},
		{"mysql escape", MySQL, "we`ird", "`we``ird`"},
		{"sqlite", SQLite, "order", `"order"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.dialect.QuoteIdentifier(tt.in))
		})
	}
}

func TestQualifiedNameAndSplit(t *testing.T) {
	assert.Equal(t, `"public"."users"`, Postgres.QualifiedName("public.users"))

	schema, name := Postgres.SplitName("users")
	assert.Equal(t, "public", schema)
	assert.Equal(t, "users", name)

	schema, name = SQLite.SplitName("aux.items")
	assert.Equal(t, "aux", schema)
	assert.Equal(t, "items", name)
}

func TestFormatPlaceholder(t *testing.T) {
	assert.Equal(t, "$3", Postgres.FormatPlaceholder(3))
	assert.Equal(t, "?", MySQL.FormatPlaceholder(3))
}

func TestLookup(t *testing.T) {
	tests := []struct {
		name    string
		want    *Dialect
		wantErr string
	}{
		{"postgres", Postgres, ""},
		{"mysql", MySQL, ""},
		{"SQLite", SQLite, ""},
		{"duckdb", DuckDB, ""},
		{"", nil, "dialect is required"},
		{"oracle", nil, `unknown dialect "oracle" (supported: duckdb, mysql, postgres, sqlite)`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := Lookup(tt.name)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.EqualError(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Same(t, tt.want, d)
		})
	}

	_, err := Lookup("")
	assert.ErrorIs(t, err, ErrDialectRequired)
	assert.Equal(t, []string{"duckdb", "mysql", "postgres", "sqlite"}, Names())
}

func TestSelectAfter(t *testing.T) {
	t.Run("no cursor", func(t *testing.T) {
		q, err := Postgres.SelectAfter("users", []string{"id", "name"}, []string{"id"}, nil, 100)
		require.NoError(t, err)
		assert.Equal(t, `SELECT "id", "name" FROM "users" ORDER BY "id" LIMIT 100`, q.SQL)
		assert.Empty(t, q.Args)
	})

	t.Run("single key cursor", func(t *testing.T) {
		q, err := Postgres.SelectAfter("users", []string{"id"}, []string{"id"}, core.Key{core.IntValue(7)}, 10)
		require.NoError(t, err)
		assert.Equal(t, `SELECT "id" FROM "users" WHERE (("id" > $1)) ORDER BY "id" LIMIT 10`, q.SQL)
		assert.Equal(t, []any{int64(7)}, q.Args)
	})

	t.Run("composite key cursor", func(t *testing.T) {
		after := core.Key{core.StringValue("eu"), core.IntValue(3)}
		q, err := MySQL.SelectAfter("t", []string{"region", "id"}, []string{"region", "id"}, after, 0)
		require.NoError(t, err)
		assert.Equal(t,
			"SELECT `region`, `id` FROM `t` WHERE ((`region` > ?) OR (`region` = ? AND `id` > ?)) ORDER BY `region`, `id`",
			q.SQL)
		assert.Equal(t, []any{"eu", "eu", int64(3)}, q.Args)
	})

	t.Run("cursor arity mismatch", func(t *testing.T) {
		_, err := Postgres.SelectAfter("t", []string{"a"}, []string{"a", "b"}, core.Key{core.IntValue(1)}, 1)
		require.Error(t, err)
	})
}

func TestSelectByKeys(t *testing.T) {
	t.Run("single column uses IN", func(t *testing.T) {
		keys := []core.Key{{core.IntValue(1)}, {core.IntValue(2)}}
		q, err := Postgres.SelectByKeys("users", []string{"id", "email"}, []string{"id"}, keys, false)
		require.NoError(t, err)
		assert.Equal(t, `SELECT "id", "email" FROM "users" WHERE "id" IN ($1, $2) ORDER BY "id"`, q.SQL)
		assert.Equal(t, []any{int64(1), int64(2)}, q.Args)
	})

	t.Run("composite key with lock", func(t *testing.T) {
		keys := []core.Key{{core.IntValue(1), core.StringValue("a")}}
		q, err := Postgres.SelectByKeys("t", []string{"x"}, []string{"k1", "k2"}, keys, true)
		require.NoError(t, err)
		assert.Equal(t, `SELECT "x" FROM "t" WHERE ("k1" = $1 AND "k2" = $2) ORDER BY "k1", "k2" FOR UPDATE`, q.SQL)
	})

	t.Run("sqlite has no lock clause", func(t *testing.T) {
		q, err := SQLite.SelectByKeys("t", []string{"x"}, []string{"id"}, []core.Key{{core.IntValue(1)}}, true)
		require.NoError(t, err)
		assert.NotContains(t, q.SQL, "FOR UPDATE")
	})

	t.Run("no keys", func(t *testing.T) {
		_, err := SQLite.SelectByKeys("t", []string{"x"}, []string{"id"}, nil, false)
		require.Error(t, err)
	})
}

func TestUpsert(t *testing.T) {
	rec := core.Record{
		"id":    core.IntValue(1),
		"name":  core.StringValue("Alice"),
		"email": core.StringValue("a@x.io"),
	}

	t.Run("on conflict", func(t *testing.T) {
		q, err := Postgres.Upsert("users", []string{"id"}, rec)
		require.NoError(t, err)
		assert.Equal(t,
			`INSERT INTO "users" ("email", "id", "name") VALUES ($1, $2, $3) `+
				`ON CONFLICT ("id") DO UPDATE SET "email" = excluded."email", "name" = excluded."name"`,
			q.SQL)
		assert.Equal(t, []any{"a@x.io", int64(1), "Alice"}, q.Args)
	})

	t.Run("on duplicate key", func(t *testing.T) {
		q, err := MySQL.Upsert("users", []string{"id"}, rec)
		require.NoError(t, err)
		assert.Equal(t,
			"INSERT INTO `users` (`email`, `id`, `name`) VALUES (?, ?, ?) "+
				"ON DUPLICATE KEY UPDATE `email` = VALUES(`email`), `name` = VALUES(`name`)",
			q.SQL)
	})

	t.Run("key only row", func(t *testing.T) {
		q, err := SQLite.Upsert("tags", []string{"id"}, core.Record{"id": core.IntValue(1)})
		require.NoError(t, err)
		assert.Equal(t, `INSERT INTO "tags" ("id") VALUES (?) ON CONFLICT ("id") DO NOTHING`, q.SQL)

		q, err = MySQL.Upsert("tags", []string{"id"}, core.Record{"id": core.IntValue(1)})
		require.NoError(t, err)
		assert.Contains(t, q.SQL, "ON DUPLICATE KEY UPDATE `id` = `id`")
	})

	t.Run("missing key column", func(t *testing.T) {
		_, err := Postgres.Upsert("users", []string{"uid"}, rec)
		require.Error(t, err)
	})
}

func TestDelete(t *testing.T) {
	q, err := Postgres.Delete("users", []string{"id"}, core.Key{core.IntValue(9)})
	require.NoError(t, err)
	assert.Equal(t, `DELETE FROM "users" WHERE "id" = $1`, q.SQL)
	assert.Equal(t, []any{int64(9)}, q.Args)

	_, err = Postgres.Delete("users", []string{"id", "x"}, core.Key{core.IntValue(9)})
	require.Error(t, err)
}
