package dialect

import (
	"fmt"
	"strings"

	"github.com/leapstack-labs/leapsync/pkg/core"
)

// Query is a SQL statement with its bound arguments.
type Query struct {
	SQL  string
	Args []any
}

// query accumulates SQL text and numbered arguments.
type query struct {
	d    *Dialect
	sb   strings.Builder
	args []any
}

func (q *query) write(parts ...string) {
	for _, p := range parts {
		q.sb.WriteString(p)
	}
}

func (q *query) bind(v any) string {
	q.args = append(q.args, v)
	return q.d.FormatPlaceholder(len(q.args))
}

func (q *query) build() Query {
	return Query{SQL: q.sb.String(), Args: q.args}
}

func (d *Dialect) columnList(cols []string) string {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = d.QuoteIdentifier(c)
	}
	return strings.Join(quoted, ", ")
}

// keysetPredicate writes (k1 > a) OR (k1 = a AND k2 > b) ... for a cursor.
func (q *query) keysetPredicate(keyCols []string, after core.Key) {
	q.write("(")
	for i := range keyCols {
		if i > 0 {
			q.write(" OR ")
		}
		q.write("(")
		for j := 0; j < i; j++ {
			q.write(q.d.QuoteIdentifier(keyCols[j]), " = ", q.bind(after[j].Any()), " AND ")
		}
		q.write(q.d.QuoteIdentifier(keyCols[i]), " > ", q.bind(after[i].Any()), ")")
	}
	q.write(")")
}

// SelectAfter reads up to limit rows with a key greater than after, in key order.
// An empty cursor reads from the beginning.
func (d *Dialect) SelectAfter(table string, cols, keyCols []string, after core.Key, limit int) (Query, error) {
	if len(keyCols) == 0 {
		return Query{}, fmt.Errorf("select after: no key columns")
	}
	if !after.IsZero() && len(after) != len(keyCols) {
		return Query{}, fmt.Errorf("select after: cursor has %d values for %d key columns", len(after), len(keyCols))
	}
	q := &query{d: d}
	q.write("SELECT ", d.columnList(cols), " FROM ", d.QualifiedName(table))
	if !after.IsZero() {
		q.write(" WHERE ")
		q.keysetPredicate(keyCols, after)
	}
	q.write(" ORDER BY ", d.columnList(keyCols))
	if limit > 0 {
		q.write(fmt.Sprintf(" LIMIT %d", limit))
	}
	return q.build(), nil
}

// SelectByKeys reads the rows matching any of keys.
func (d *Dialect) SelectByKeys(table string, cols, keyCols []string, keys []core.Key, lock bool) (Query, error) {
	if len(keys) == 0 {
		return Query{}, fmt.Errorf("select by keys: no keys")
	}
	q := &query{d: d}
	q.write("SELECT ", d.columnList(cols), " FROM ", d.QualifiedName(table), " WHERE ")
	if len(keyCols) == 1 {
		q.write(d.QuoteIdentifier(keyCols[0]), " IN (")
		for i, k := range keys {
			if i > 0 {
				q.write(", ")
			}
			q.write(q.bind(k[0].Any()))
		}
		q.write(")")
	} else {
		for i, k := range keys {
			if len(k) != len(keyCols) {
				return Query{}, fmt.Errorf("select by keys: key %s does not match %d key columns", k, len(keyCols))
			}
			if i > 0 {
				q.write(" OR ")
			}
			q.write("(")
			for j, c := range keyCols {
				if j > 0 {
					q.write(" AND ")
				}
				q.write(d.QuoteIdentifier(c), " = ", q.bind(k[j].Any()))
			}
			q.write(")")
		}
	}
	q.write(" ORDER BY ", d.columnList(keyCols))
	if lock && d.LockClause != "" {
		q.write(" ", d.LockClause)
	}
	return q.build(), nil
}

// Upsert writes rec keyed by keyCols, inserting or overwriting the row.
// Applying the same upsert twice leaves the row unchanged.
func (d *Dialect) Upsert(table string, keyCols []string, rec core.Record) (Query, error) {
	cols := rec.Columns()
	if len(cols) == 0 {
		return Query{}, fmt.Errorf("upsert: empty record")
	}
	for _, k := range keyCols {
		if _, ok := rec[k]; !ok {
			return Query{}, fmt.Errorf("upsert: record is missing key column %q", k)
		}
	}
	q := &query{d: d}
	q.write("INSERT INTO ", d.QualifiedName(table), " (", d.columnList(cols), ") VALUES (")
	for i, c := range cols {
		if i > 0 {
			q.write(", ")
		}
		q.write(q.bind(rec[c].Any()))
	}
	q.write(")")

	var updates []string
	for _, c := range cols {
		if contains(keyCols, c) {
			continue
		}
		qc := d.QuoteIdentifier(c)
		switch d.UpsertSyntax {
		case UpsertOnDuplicateKey:
			updates = append(updates, fmt.Sprintf("%s = VALUES(%s)", qc, qc))
		default:
			updates = append(updates, fmt.Sprintf("%s = excluded.%s", qc, qc))
		}
	}

	switch d.UpsertSyntax {
	case UpsertOnDuplicateKey:
		if len(updates) == 0 {
			// MySQL has no DO NOTHING; a self-assignment keeps the statement idempotent.
			kc := d.QuoteIdentifier(keyCols[0])
			updates = append(updates, fmt.Sprintf("%s = %s", kc, kc))
		}
		q.write(" ON DUPLICATE KEY UPDATE ", strings.Join(updates, ", "))
	default:
		q.write(" ON CONFLICT (", d.columnList(keyCols), ")")
		if len(updates) == 0 {
			q.write(" DO NOTHING")
		} else {
			q.write(" DO UPDATE SET ", strings.Join(updates, ", "))
		}
	}
	return q.build(), nil
}

// Insert writes a plain INSERT for rec.
func (d *Dialect) Insert(table string, rec map[string]any, cols []string) Query {
	q := &query{d: d}
	q.write("INSERT INTO ", d.QualifiedName(table), " (", d.columnList(cols), ") VALUES (")
	for i, c := range cols {
		if i > 0 {
			q.write(", ")
		}
		q.write(q.bind(rec[c]))
	}
	q.write(")")
	return q.build()
}

// Delete removes the row with key.
func (d *Dialect) Delete(table string, keyCols []string, key core.Key) (Query, error) {
	if len(key) != len(keyCols) {
		return Query{}, fmt.Errorf("delete: key %s does not match %d key columns", key, len(keyCols))
	}
	q := &query{d: d}
	q.write("DELETE FROM ", d.QualifiedName(table), " WHERE ")
	for i, c := range keyCols {
		if i > 0 {
			q.write(" AND ")
		}
		q.write(d.QuoteIdentifier(c), " = ", q.bind(key[i].Any()))
	}
	return q.build(), nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
