// Package capture maintains the change-log tables consumed by the log
// detection strategy. Install creates a log table and the triggers that fill
// it on SQLite, Postgres and MySQL; Follower fills it from a Postgres
// logical-replication stream instead.
package capture

import (
	"context"
	"fmt"
	"strings"

	"github.com/leapstack-labs/leapsync/internal/detect"
	"github.com/leapstack-labs/leapsync/pkg/adapter"
	"github.com/leapstack-labs/leapsync/pkg/core"
	"github.com/leapstack-labs/leapsync/pkg/dialect"
)

// Target describes one captured source table.
type Target struct {
	Table  string
	Keys   []string
	Schema *core.TableSchema
	Prefix string
}

func (t Target) logTable() string { return detect.LogTable(t.Prefix, t.Table) }

// trigger names are derived from the unqualified log table name.
func (t Target) triggerName(suffix string) string {
	_, name := splitName(t.logTable())
	return name + "_" + suffix
}

func splitName(table string) (string, string) {
	if i := strings.LastIndex(table, "."); i >= 0 {
		return table[:i], table[i+1:]
	}
	return "", table
}

func (t Target) validate() error {
	if t.Schema == nil || len(t.Schema.Columns) == 0 {
		return core.Errorf(core.CodeConfiguration, "capture", "source table %s not found", t.Table)
	}
	if len(t.Keys) == 0 {
		return core.Errorf(core.CodeConfiguration, "capture", "table %s has no primary key", t.Table)
	}
	for _, k := range t.Keys {
		if _, ok := t.Schema.Column(k); !ok {
			return core.Errorf(core.CodeConfiguration, "capture", "key column %s is missing from %s", k, t.Table)
		}
	}
	return nil
}

func (t Target) keyType(name, fallback string) string {
	if c, ok := t.Schema.Column(name); ok && c.Type != "" {
		return c.Type
	}
	return fallback
}

// Statements returns the DDL that installs capture for t.
func Statements(d *dialect.Dialect, t Target) ([]string, error) {
	if d == nil {
		return nil, core.NewError(core.CodeConfiguration, "capture", dialect.ErrDialectRequired)
	}
	if err := t.validate(); err != nil {
		return nil, err
	}
	switch d.Name {
	case dialect.SQLite.Name:
		return sqliteStatements(d, t), nil
	case dialect.Postgres.Name:
		return postgresStatements(d, t), nil
	case dialect.MySQL.Name:
		return mysqlStatements(d, t), nil
	}
	return nil, core.Errorf(core.CodeConfiguration, "capture", "trigger capture is not supported for %s", d.Name)
}

// Install creates the change-log table and triggers for t. It is safe to
// run again.
func Install(ctx context.Context, q adapter.Querier, d *dialect.Dialect, t Target) error {
	stmts, err := Statements(d, t)
	if err != nil {
		return err
	}
	for _, s := range stmts {
		if _, err := q.ExecContext(ctx, s); err != nil {
			return fmt.Errorf("failed to install capture for %s: %w", t.Table, err)
		}
	}
	return nil
}

// CreateLog creates only the change-log table for t, for sources whose log
// is filled by a Follower.
func CreateLog(ctx context.Context, q adapter.Querier, d *dialect.Dialect, t Target) error {
	stmts, err := Statements(d, t)
	if err != nil {
		return err
	}
	if _, err := q.ExecContext(ctx, stmts[0]); err != nil {
		return fmt.Errorf("failed to create change log for %s: %w", t.Table, err)
	}
	return nil
}

// Uninstall drops the capture triggers for t, and the log table when
// dropLog is set.
func Uninstall(ctx context.Context, q adapter.Querier, d *dialect.Dialect, t Target, dropLog bool) error {
	if d == nil {
		return core.NewError(core.CodeConfiguration, "capture", dialect.ErrDialectRequired)
	}
	var stmts []string
	switch d.Name {
	case dialect.SQLite.Name, dialect.MySQL.Name:
		for _, s := range []string{"ins", "upd", "del"} {
			stmts = append(stmts, "DROP TRIGGER IF EXISTS "+qualify(d, t.logTable(), t.triggerName(s)))
		}
	case dialect.Postgres.Name:
		stmts = append(stmts,
			fmt.Sprintf("DROP TRIGGER IF EXISTS %s ON %s", d.QuoteIdentifier(t.triggerName("trg")), d.QualifiedName(t.Table)),
			"DROP FUNCTION IF EXISTS "+qualify(d, t.logTable(), t.triggerName("fn"))+"()")
	default:
		return core.Errorf(core.CodeConfiguration, "capture", "trigger capture is not supported for %s", d.Name)
	}
	if dropLog {
		stmts = append(stmts, "DROP TABLE IF EXISTS "+d.QualifiedName(t.logTable()))
	}
	for _, s := range stmts {
		if _, err := q.ExecContext(ctx, s); err != nil {
			return fmt.Errorf("failed to remove capture for %s: %w", t.Table, err)
		}
	}
	return nil
}

// qualify quotes name in the schema of table, if any.
func qualify(d *dialect.Dialect, table, name string) string {
	if schema, _ := splitName(table); schema != "" {
		return d.QuoteIdentifier(schema) + "." + d.QuoteIdentifier(name)
	}
	return d.QuoteIdentifier(name)
}

// logColumns returns the quoted log column list and the values taken from
// the OLD or NEW row for op.
func logColumns(d *dialect.Dialect, t Target, op, ref string) (string, string) {
	cols := []string{d.QuoteIdentifier(detect.ColOp)}
	vals := []string{"'" + op + "'"}
	for _, k := range t.Keys {
		cols = append(cols, d.QuoteIdentifier(k))
		vals = append(vals, ref+"."+d.QuoteIdentifier(k))
	}
	return strings.Join(cols, ", "), strings.Join(vals, ", ")
}

// logInsert writes INSERT INTO log (op, keys...) VALUES (op, <ref>.key...).
func logInsert(d *dialect.Dialect, t Target, op, ref string) string {
	cols, vals := logColumns(d, t, op, ref)
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", d.QualifiedName(t.logTable()), cols, vals)
}

// keyChanged is a predicate true when OLD and NEW keys differ.
func keyChanged(d *dialect.Dialect, t Target, distinct string) string {
	parts := make([]string, len(t.Keys))
	for i, k := range t.Keys {
		q := d.QuoteIdentifier(k)
		parts[i] = fmt.Sprintf(distinct, "OLD."+q, "NEW."+q)
	}
	return strings.Join(parts, " OR ")
}

func keyColumns(d *dialect.Dialect, t Target, fallback string) string {
	defs := make([]string, len(t.Keys))
	for i, k := range t.Keys {
		defs[i] = fmt.Sprintf("%s %s NOT NULL", d.QuoteIdentifier(k), t.keyType(k, fallback))
	}
	return strings.Join(defs, ", ")
}

// SQLite triggers live in the schema of their table and may not qualify
// the tables they name.
func sqliteStatements(d *dialect.Dialect, t Target) []string {
	schema, base := splitName(t.Table)
	t.Table = base
	log := d.QualifiedName(t.logTable())
	src := d.QuoteIdentifier(base)
	trigger := func(s string) string {
		if schema != "" {
			return d.QuoteIdentifier(schema) + "." + d.QuoteIdentifier(t.triggerName(s))
		}
		return d.QuoteIdentifier(t.triggerName(s))
	}
	if schema != "" {
		log = d.QuoteIdentifier(schema) + "." + log
	}
	create := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (%s INTEGER PRIMARY KEY AUTOINCREMENT, %s TEXT NOT NULL, %s TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP, %s INTEGER NOT NULL DEFAULT 0, %s)`,
		log, d.QuoteIdentifier(detect.ColSeq), d.QuoteIdentifier(detect.ColOp), d.QuoteIdentifier(detect.ColAt),
		d.QuoteIdentifier(detect.ColConsumed), keyColumns(d, t, "TEXT"))
	cols, vals := logColumns(d, t, detect.LogDelete, "OLD")
	deleteOld := fmt.Sprintf("INSERT INTO %s (%s) SELECT %s WHERE %s",
		d.QualifiedName(t.logTable()), cols, vals, keyChanged(d, t, "%s IS NOT %s"))

	return []string{
		create,
		fmt.Sprintf("CREATE TRIGGER IF NOT EXISTS %s AFTER INSERT ON %s BEGIN %s; END",
			trigger("ins"), src, logInsert(d, t, detect.LogInsert, "NEW")),
		fmt.Sprintf("CREATE TRIGGER IF NOT EXISTS %s AFTER UPDATE ON %s BEGIN %s; %s; END",
			trigger("upd"), src, deleteOld, logInsert(d, t, detect.LogUpdate, "NEW")),
		fmt.Sprintf("CREATE TRIGGER IF NOT EXISTS %s AFTER DELETE ON %s BEGIN %s; END",
			trigger("del"), src, logInsert(d, t, detect.LogDelete, "OLD")),
	}
}

func postgresStatements(d *dialect.Dialect, t Target) []string {
	log := d.QualifiedName(t.logTable())
	fn := qualify(d, t.logTable(), t.triggerName("fn"))
	create := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (%s BIGSERIAL PRIMARY KEY, %s CHAR(1) NOT NULL, %s TIMESTAMPTZ NOT NULL DEFAULT now(), %s SMALLINT NOT NULL DEFAULT 0, %s)`,
		log, d.QuoteIdentifier(detect.ColSeq), d.QuoteIdentifier(detect.ColOp), d.QuoteIdentifier(detect.ColAt),
		d.QuoteIdentifier(detect.ColConsumed), keyColumns(d, t, "text"))
	body := fmt.Sprintf(`CREATE OR REPLACE FUNCTION %s() RETURNS trigger LANGUAGE plpgsql AS $$
BEGIN
  IF TG_OP = 'DELETE' THEN
    %s;
    RETURN OLD;
  END IF;
  IF TG_OP = 'UPDATE' AND (%s) THEN
    %s;
  END IF;
  IF TG_OP = 'INSERT' THEN
    %s;
  ELSE
    %s;
  END IF;
  RETURN NEW;
END
$$`, fn,
		logInsert(d, t, detect.LogDelete, "OLD"),
		keyChanged(d, t, "%s IS DISTINCT FROM %s"),
		logInsert(d, t, detect.LogDelete, "OLD"),
		logInsert(d, t, detect.LogInsert, "NEW"),
		logInsert(d, t, detect.LogUpdate, "NEW"))
	trg := d.QuoteIdentifier(t.triggerName("trg"))
	src := d.QualifiedName(t.Table)
	return []string{
		create,
		body,
		fmt.Sprintf("DROP TRIGGER IF EXISTS %s ON %s", trg, src),
		fmt.Sprintf("CREATE TRIGGER %s AFTER INSERT OR UPDATE OR DELETE ON %s FOR EACH ROW EXECUTE FUNCTION %s()", trg, src, fn),
	}
}

func mysqlStatements(d *dialect.Dialect, t Target) []string {
	log := d.QualifiedName(t.logTable())
	create := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s BIGINT NOT NULL AUTO_INCREMENT PRIMARY KEY, %s CHAR(1) NOT NULL, %s TIMESTAMP(6) NOT NULL DEFAULT CURRENT_TIMESTAMP(6), %s TINYINT NOT NULL DEFAULT 0, %s)",
		log, d.QuoteIdentifier(detect.ColSeq), d.QuoteIdentifier(detect.ColOp), d.QuoteIdentifier(detect.ColAt),
		d.QuoteIdentifier(detect.ColConsumed), keyColumns(d, t, "VARCHAR(255)"))
	src := d.QualifiedName(t.Table)
	name := func(s string) string { return qualify(d, t.logTable(), t.triggerName(s)) }
	stmts := []string{create}
	for _, s := range []string{"ins", "upd", "del"} {
		stmts = append(stmts, "DROP TRIGGER IF EXISTS "+name(s))
	}
	return append(stmts,
		fmt.Sprintf("CREATE TRIGGER %s AFTER INSERT ON %s FOR EACH ROW %s",
			name("ins"), src, logInsert(d, t, detect.LogInsert, "NEW")),
		fmt.Sprintf("CREATE TRIGGER %s AFTER UPDATE ON %s FOR EACH ROW BEGIN IF %s THEN %s; END IF; %s; END",
			name("upd"), src, keyChanged(d, t, "NOT (%s <=> %s)"),
			logInsert(d, t, detect.LogDelete, "OLD"), logInsert(d, t, detect.LogUpdate, "NEW")),
		fmt.Sprintf("CREATE TRIGGER %s AFTER DELETE ON %s FOR EACH ROW %s",
			name("del"), src, logInsert(d, t, detect.LogDelete, "OLD")),
	)
}
