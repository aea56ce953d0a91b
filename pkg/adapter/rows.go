package adapter

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/leapstack-labs/leapsync/pkg/core"
	"github.com/leapstack-labs/leapsync/pkg/dialect"
)

// ConvertValue turns a value returned by database/sql into a core.Value of
// the given class. ClassUnknown keeps the driver's own representation.
func ConvertValue(v any, class core.TypeClass) (core.Value, error) {
	if v == nil {
		return core.NullValue(), nil
	}
	v = normalizeDriverValue(v)
	if b, ok := v.([]byte); ok && class != core.ClassBytes {
		v = string(b)
	}

	switch class {
	case core.ClassBool:
		switch x := v.(type) {
		case bool:
			return core.BoolValue(x), nil
		case int64:
			return core.BoolValue(x != 0), nil
		case string:
			b, err := strconv.ParseBool(strings.TrimSpace(x))
			if err != nil {
				return core.Value{}, fmt.Errorf("invalid boolean %q", x)
			}
			return core.BoolValue(b), nil
		}
	case core.ClassInt:
		switch x := v.(type) {
		case int64:
			return core.IntValue(x), nil
		case float64:
			if x == math.Trunc(x) && math.Abs(x) < 1<<63 {
				return core.IntValue(int64(x)), nil
			}
		case string:
			i, err := strconv.ParseInt(strings.TrimSpace(x), 10, 64)
			if err != nil {
				return core.Value{}, fmt.Errorf("invalid integer %q", x)
			}
			return core.IntValue(i), nil
		}
	case core.ClassFloat:
		switch x := v.(type) {
		case float64:
			return core.FloatValue(x), nil
		case int64:
			return core.FloatValue(float64(x)), nil
		case string:
			f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
			if err != nil {
				return core.Value{}, fmt.Errorf("invalid float %q", x)
			}
			return core.FloatValue(f), nil
		}
	case core.ClassDecimal:
		switch x := v.(type) {
		case string:
			return core.DecimalValue(strings.TrimSpace(x))
		case int64:
			return core.DecimalValue(strconv.FormatInt(x, 10))
		case float64:
			return core.DecimalValue(strconv.FormatFloat(x, 'f', -1, 64))
		case fmt.Stringer:
			return core.DecimalValue(x.String())
		}
	case core.ClassString, core.ClassJSON:
		switch x := v.(type) {
		case string:
			return core.StringValue(x), nil
		case time.Time:
			return core.StringValue(x.UTC().Format(time.RFC3339Nano)), nil
		default:
			return core.StringValue(fmt.Sprint(x)), nil
		}
	case core.ClassTimestamp:
		switch x := v.(type) {
		case time.Time:
			return core.TimeValue(x), nil
		case string:
			t, err := core.ParseTimestamp(x)
			if err != nil {
				return core.Value{}, err
			}
			return core.TimeValue(t), nil
		case int64:
			return core.TimeValue(time.Unix(x, 0)), nil
		}
	case core.ClassBytes:
		switch x := v.(type) {
		case []byte:
			return core.BytesValue(x), nil
		case string:
			return core.BytesValue([]byte(x)), nil
		}
	default:
		return core.FromAny(v), nil
	}
	return core.Value{}, fmt.Errorf("cannot read %T as %s", v, class)
}

// normalizeDriverValue widens the narrower Go types some drivers return.
func normalizeDriverValue(v any) any {
	switch x := v.(type) {
	case int:
		return int64(x)
	case int8:
		return int64(x)
	case int16:
		return int64(x)
	case int32:
		return int64(x)
	case uint8:
		return int64(x)
	case uint16:
		return int64(x)
	case uint32:
		return int64(x)
	case uint64:
		if x <= math.MaxInt64 {
			return int64(x)
		}
		return strconv.FormatUint(x, 10)
	case float32:
		return float64(x)
	}
	return v
}

// ScanRecords reads every row into a core.Record. Column classes come from
// schema when it describes the column, otherwise from the driver's type name.
func ScanRecords(rows *sql.Rows, schema *core.TableSchema) ([]core.Record, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("failed to read columns: %w", err)
	}
	types, err := rows.ColumnTypes()
	if err != nil {
		return nil, fmt.Errorf("failed to read column types: %w", err)
	}

	classes := make([]core.TypeClass, len(cols))
	for i, c := range cols {
		classes[i] = core.ClassUnknown
		if schema != nil {
			if cs, ok := schema.Column(c); ok {
				classes[i] = cs.Class
				continue
			}
		}
		if i < len(types) && types[i] != nil {
			classes[i] = core.ClassifyType(types[i].DatabaseTypeName())
		}
	}

	var out []core.Record
	dest := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range dest {
		ptrs[i] = &dest[i]
	}
	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		rec := make(core.Record, len(cols))
		for i, c := range cols {
			v, err := ConvertValue(dest[i], classes[i])
			if err != nil {
				return nil, fmt.Errorf("column %s: %w", c, err)
			}
			rec[c] = v
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return out, nil
}

// FetchPage reads up to limit rows with keys after cursor, in key order.
func FetchPage(ctx context.Context, q Querier, d *dialect.Dialect, table string, cols, keyCols []string, after core.Key, limit int, schema *core.TableSchema) ([]core.Record, error) {
	stmt, err := d.SelectAfter(table, cols, keyCols, after, limit)
	if err != nil {
		return nil, err
	}
	rows, err := q.QueryContext(ctx, stmt.SQL, stmt.Args...)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", table, err)
	}
	defer func() { _ = rows.Close() }()
	return ScanRecords(rows, schema)
}

// lookupChunk bounds the number of keys per lookup statement.
const lookupChunk = 200

// FetchByKeys reads the rows matching keys and returns them indexed by
// Key.String(). With lock set the rows stay locked until the caller's
// transaction ends, where the dialect supports it.
func FetchByKeys(ctx context.Context, q Querier, d *dialect.Dialect, table string, cols, keyCols []string, keys []core.Key, lock bool, schema *core.TableSchema) (map[string]core.Record, error) {
	found := make(map[string]core.Record, len(keys))
	for start := 0; start < len(keys); start += lookupChunk {
		end := min(start+lookupChunk, len(keys))
		stmt, err := d.SelectByKeys(table, cols, keyCols, keys[start:end], lock)
		if err != nil {
			return nil, err
		}
		recs, err := queryRecords(ctx, q, stmt, schema)
		if err != nil {
			return nil, fmt.Errorf("failed to look up %s: %w", table, err)
		}
		for _, r := range recs {
			k, err := core.KeyOf(r, keyCols)
			if err != nil {
				return nil, err
			}
			found[k.String()] = r
		}
	}
	return found, nil
}

func queryRecords(ctx context.Context, q Querier, stmt dialect.Query, schema *core.TableSchema) ([]core.Record, error) {
	rows, err := q.QueryContext(ctx, stmt.SQL, stmt.Args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return ScanRecords(rows, schema)
}

// UpsertRecord inserts rec or overwrites the row with the same key.
func UpsertRecord(ctx context.Context, q Querier, d *dialect.Dialect, table string, keyCols []string, rec core.Record) error {
	stmt, err := d.Upsert(table, keyCols, rec)
	if err != nil {
		return err
	}
	if _, err := q.ExecContext(ctx, stmt.SQL, stmt.Args...); err != nil {
		return fmt.Errorf("failed to upsert into %s: %w", table, err)
	}
	return nil
}

// DeleteRecord removes the row with key. Deleting a missing row is not an error.
func DeleteRecord(ctx context.Context, q Querier, d *dialect.Dialect, table string, keyCols []string, key core.Key) error {
	stmt, err := d.Delete(table, keyCols, key)
	if err != nil {
		return err
	}
	if _, err := q.ExecContext(ctx, stmt.SQL, stmt.Args...); err != nil {
		return fmt.Errorf("failed to delete from %s: %w", table, err)
	}
	return nil
}
