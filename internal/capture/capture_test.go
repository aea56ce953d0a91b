package capture

import (
	"context"
	"database/sql"
	"testing"

	"github.com/jackc/pglogrepl"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leapstack-labs/leapsync/internal/testutil"
	"github.com/leapstack-labs/leapsync/pkg/core"
	"github.com/leapstack-labs/leapsync/pkg/dialect"
)

const usersDDL = `CREATE TABLE users (id INTEGER PRIMARY KEY, name TEXT NOT NULL)`

func usersTarget(t *testing.T, db *sql.DB) Target {
	t.Helper()
	return Target{Table: "users", Keys: []string{"id"}, Schema: testutil.TableSchema(t, db, "users")}
}

type logRow struct {
	op string
	id int64
}

func logRows(t *testing.T, db *sql.DB) []logRow {
	t.Helper()
	rows, err := db.QueryContext(context.Background(), `SELECT _cdc_op, id FROM _cdc_users ORDER BY _cdc_seq`)
	require.NoError(t, err)
	defer func() { _ = rows.Close() }()
	var out []logRow
	for rows.Next() {
		var r logRow
		require.NoError(t, rows.Scan(&r.op, &r.id))
		out = append(out, r)
	}
	require.NoError(t, rows.Err())
	return out
}

func TestInstall_SQLite(t *testing.T) {
	ctx := context.Background()
	db := testutil.SQLiteDB(t, usersDDL)
	target := usersTarget(t, db)

	require.NoError(t, Install(ctx, db, dialect.SQLite, target))
	require.NoError(t, Install(ctx, db, dialect.SQLite, target), "install is repeatable")

	testutil.Exec(t, db,
		`INSERT INTO users (id, name) VALUES (1, 'ada'), (2, 'grace')`,
		`UPDATE users SET name = 'ada l' WHERE id = 1`,
		`UPDATE users SET id = 3 WHERE id = 2`,
		`DELETE FROM users WHERE id = 1`,
	)

	assert.Equal(t, []logRow{
		{"I", 1}, {"I", 2},
		{"U", 1},
		{"D", 2}, {"U", 3},
		{"D", 1},
	}, logRows(t, db))
	assert.Equal(t, 0, testutil.Count(t, db, "FROM _cdc_users WHERE _cdc_consumed <> 0"))

	require.NoError(t, Uninstall(ctx, db, dialect.SQLite, target, false))
	testutil.Exec(t, db, `INSERT INTO users (id, name) VALUES (9, 'linus')`)
	assert.Len(t, logRows(t, db), 6)

	require.NoError(t, Uninstall(ctx, db, dialect.SQLite, target, true))
	assert.Equal(t, 0, testutil.Count(t, db, "FROM sqlite_master WHERE name = '_cdc_users'"))
}

func TestCreateLog(t *testing.T) {
	ctx := context.Background()
	db := testutil.SQLiteDB(t, usersDDL)

	require.NoError(t, CreateLog(ctx, db, dialect.SQLite, usersTarget(t, db)))
	assert.Equal(t, 1, testutil.Count(t, db, "FROM sqlite_master WHERE type = 'table' AND name = '_cdc_users'"))
	assert.Equal(t, 0, testutil.Count(t, db, "FROM sqlite_master WHERE type = 'trigger'"))
}

func TestStatements(t *testing.T) {
	target := Target{
		Table: "public.users",
		Keys:  []string{"id"},
		Schema: &core.TableSchema{Name: "users", Columns: []core.ColumnSchema{
			{Name: "id", Type: "integer", PrimaryKey: true},
			{Name: "name", Type: "text"},
		}},
	}

	tests := []struct {
		name string
		d    *dialect.Dialect
		want []string
	}{
		{
			name: "postgres",
			d:    dialect.Postgres,
			want: []string{
				`CREATE TABLE IF NOT EXISTS "public"."_cdc_users"`,
				`"_cdc_seq" BIGSERIAL PRIMARY KEY`,
				`"id" integer NOT NULL`,
				`CREATE OR REPLACE FUNCTION "public"."_cdc_users_fn"()`,
				`OLD."id" IS DISTINCT FROM NEW."id"`,
				`AFTER INSERT OR UPDATE OR DELETE ON "public"."users" FOR EACH ROW EXECUTE FUNCTION "public"."_cdc_users_fn"()`,
			},
		},
		{
			name: "mysql",
			d:    dialect.MySQL,
			want: []string{
				"CREATE TABLE IF NOT EXISTS `public`.`_cdc_users`",
				"AUTO_INCREMENT PRIMARY KEY",
				"CREATE TRIGGER `public`.`_cdc_users_upd` AFTER UPDATE ON `public`.`users`",
				"NOT (OLD.`id` <=> NEW.`id`)",
			},
		},
		{
			name: "sqlite",
			d:    dialect.SQLite,
			want: []string{
				`CREATE TABLE IF NOT EXISTS "public"."_cdc_users"`,
				`CREATE TRIGGER IF NOT EXISTS "public"."_cdc_users_ins" AFTER INSERT ON "users"`,
				`INSERT INTO "_cdc_users" ("_cdc_op", "id") VALUES ('I', NEW."id")`,
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stmts, err := Statements(tt.d, target)
			require.NoError(t, err)
			var all string
			for _, s := range stmts {
				all += s + ";\n"
			}
			for _, w := range tt.want {
				assert.Contains(t, all, w)
			}
		})
	}
}

func TestStatements_Errors(t *testing.T) {
	schema := &core.TableSchema{Name: "users", Columns: []core.ColumnSchema{{Name: "id"}}}

	_, err := Statements(dialect.DuckDB, Target{Table: "users", Keys: []string{"id"}, Schema: schema})
	assert.True(t, core.HasCode(err, core.CodeConfiguration))

	_, err = Statements(dialect.SQLite, Target{Table: "users", Schema: schema})
	assert.True(t, core.HasCode(err, core.CodeConfiguration))

	_, err = Statements(dialect.SQLite, Target{Table: "users", Keys: []string{"uid"}, Schema: schema})
	assert.True(t, core.HasCode(err, core.CodeConfiguration))

	_, err = Statements(dialect.SQLite, Target{Table: "users", Keys: []string{"id"}})
	assert.True(t, core.HasCode(err, core.CodeConfiguration))

	_, err = Statements(nil, Target{Table: "users", Keys: []string{"id"}, Schema: schema})
	assert.True(t, core.HasCode(err, core.CodeConfiguration))
	assert.ErrorIs(t, err, dialect.ErrDialectRequired)

	err = Uninstall(context.Background(), nil, nil, Target{Table: "users"}, true)
	assert.ErrorIs(t, err, dialect.ErrDialectRequired)
}

func TestFollower_Handle(t *testing.T) {
	ctx := context.Background()
	db := testutil.SQLiteDB(t, usersDDL)
	target := usersTarget(t, db)
	require.NoError(t, Install(ctx, db, dialect.SQLite, target))
	require.NoError(t, Uninstall(ctx, db, dialect.SQLite, target, false))

	f := NewFollower(nil, db, dialect.SQLite, FollowerConfig{
		Targets: []Target{target},
		Logger:  testutil.NewTestLogger(t),
	})

	text := func(vals ...string) *pglogrepl.TupleData {
		td := &pglogrepl.TupleData{ColumnNum: uint16(len(vals))}
		for _, v := range vals {
			td.Columns = append(td.Columns, &pglogrepl.TupleDataColumn{DataType: pglogrepl.TupleDataTypeText, Data: []byte(v)})
		}
		return td
	}

	msgs := []pglogrepl.Message{
		&pglogrepl.RelationMessage{RelationID: 7, Namespace: "public", RelationName: "users", Columns: []*pglogrepl.RelationMessageColumn{
			{Flags: 1, Name: "id"}, {Name: "name"},
		}},
		&pglogrepl.RelationMessage{RelationID: 8, Namespace: "public", RelationName: "untracked", Columns: []*pglogrepl.RelationMessageColumn{
			{Flags: 1, Name: "id"},
		}},
		&pglogrepl.InsertMessage{RelationID: 7, Tuple: text("1", "ada")},
		&pglogrepl.InsertMessage{RelationID: 8, Tuple: text("99")},
		&pglogrepl.UpdateMessage{RelationID: 7, NewTuple: text("1", "ada l")},
		&pglogrepl.UpdateMessage{RelationID: 7, OldTuple: text("1", ""), NewTuple: text("4", "ada l")},
		&pglogrepl.DeleteMessage{RelationID: 7, OldTuple: text("4", "")},
	}
	for _, m := range msgs {
		require.NoError(t, f.Handle(ctx, m))
	}

	assert.Equal(t, []logRow{
		{"I", 1},
		{"U", 1},
		{"D", 1}, {"U", 4},
		{"D", 4},
	}, logRows(t, db))

	err := f.Handle(ctx, &pglogrepl.InsertMessage{RelationID: 42, Tuple: text("1")})
	assert.True(t, core.HasCode(err, core.CodeIntegrity))

	nullKey := &pglogrepl.TupleData{Columns: []*pglogrepl.TupleDataColumn{{DataType: pglogrepl.TupleDataTypeNull}}}
	err = f.Handle(ctx, &pglogrepl.InsertMessage{RelationID: 7, Tuple: nullKey})
	assert.True(t, core.HasCode(err, core.CodeIntegrity))
}

func TestRelationKey(t *testing.T) {
	assert.Equal(t, "public.users", relationKey("users"))
	assert.Equal(t, "sales.orders", relationKey("sales.orders"))
}
