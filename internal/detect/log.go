package detect

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/leapstack-labs/leapsync/pkg/adapter"
	"github.com/leapstack-labs/leapsync/pkg/core"
)

// DefaultLogPrefix prefixes change-log table names.
const DefaultLogPrefix = "_cdc"

// Change-log columns. The remaining columns of a log table are the source
// primary-key columns.
const (
	ColSeq      = "_cdc_seq"
	ColOp       = "_cdc_op"
	ColAt       = "_cdc_at"
	ColConsumed = "_cdc_consumed"
)

// Log operation codes.
const (
	LogInsert = "I"
	LogUpdate = "U"
	LogDelete = "D"
)

// LogTable returns the change-log table for a source table. A schema
// qualifier is kept in front of the prefixed name.
func LogTable(prefix, table string) string {
	if prefix == "" {
		prefix = DefaultLogPrefix
	}
	if i := strings.LastIndex(table, "."); i >= 0 {
		return table[:i+1] + prefix + "_" + table[i+1:]
	}
	return prefix + "_" + table
}

// LogDetector consumes the per-table change log in the source. The cursor is
// the last consumed log sequence number.
type LogDetector struct{}

// Name implements Detector.
func (LogDetector) Name() string { return Log }

type logEntry struct {
	seq int64
	key core.Key
}

// Detect implements Detector. Several log rows for one key collapse into a
// single change that reflects the current source row, so the logged
// operation only tells which keys to look at.
func (LogDetector) Detect(ctx context.Context, req Request) (*Batch, error) {
	t := req.Table
	entries, err := readLog(ctx, req)
	if err != nil {
		return nil, err
	}
	batch := &Batch{Cursor: req.Cursor, Done: req.Limit <= 0 || len(entries) < req.Limit}
	if len(entries) == 0 {
		return batch, nil
	}
	batch.Cursor = core.Key{core.IntValue(entries[len(entries)-1].seq)}

	latest := make(map[string]logEntry, len(entries))
	var keys []core.Key
	for _, e := range entries {
		if _, seen := latest[e.key.String()]; !seen {
			keys = append(keys, e.key)
		}
		latest[e.key.String()] = e
	}
	slices.SortFunc(keys, core.Key.Compare)

	sources, err := adapter.FetchByKeys(ctx, req.Source.DB, req.Source.Dialect, t.Descriptor.Name,
		t.SourceColumns, sourceKeys(t), keys, false, t.SourceSchema)
	if err != nil {
		return nil, err
	}
	targets, err := lookupTargets(ctx, req, keys)
	if err != nil {
		return nil, err
	}
	batch.Scanned = len(sources)

	for _, k := range keys {
		e := latest[k.String()]
		pos := core.Key{core.IntValue(e.seq)}
		src, inSource := sources[k.String()]
		dst := targets[k.String()]

		if !inSource {
			if dst == nil {
				continue
			}
			th, err := Fingerprint(dst, t.TargetColumns)
			if err != nil {
				return nil, err
			}
			batch.Changes = append(batch.Changes, core.Change{
				Table: t.Descriptor.Name, Operation: core.OpDelete, Key: k, TargetHash: th, Position: pos,
			})
			continue
		}
		ch, changed, err := change(ctx, t, k, src, dst)
		if err != nil {
			return nil, err
		}
		if changed {
			ch.Position = pos
			batch.Changes = append(batch.Changes, ch)
		}
	}
	return batch, nil
}

func readLog(ctx context.Context, req Request) ([]logEntry, error) {
	t := req.Table
	d := req.Source.Dialect
	pks := sourceKeys(t)

	cols := make([]string, 0, len(pks)+1)
	cols = append(cols, d.QuoteIdentifier(ColSeq))
	for _, pk := range pks {
		cols = append(cols, d.QuoteIdentifier(pk))
	}

	var args []any
	where := d.QuoteIdentifier(ColConsumed) + " = 0"
	if !req.Cursor.IsZero() {
		seq, ok := req.Cursor[0].AsInt()
		if !ok {
			return nil, core.Errorf(core.CodeInvalidState, "detect", "log cursor %s is not a sequence number", req.Cursor)
		}
		args = append(args, seq)
		where += fmt.Sprintf(" AND %s > %s", d.QuoteIdentifier(ColSeq), d.FormatPlaceholder(1))
	}
	//nolint:gosec // identifiers are quoted by the dialect
	stmt := fmt.Sprintf("SELECT %s FROM %s WHERE %s ORDER BY %s",
		strings.Join(cols, ", "), d.QualifiedName(LogTable(t.LogPrefix, t.Descriptor.Name)), where, d.QuoteIdentifier(ColSeq))
	if req.Limit > 0 {
		stmt += fmt.Sprintf(" LIMIT %d", req.Limit)
	}

	rows, err := req.Source.DB.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to read change log for %s: %w", t.Descriptor.Name, err)
	}
	defer func() { _ = rows.Close() }()

	recs, err := adapter.ScanRecords(rows, t.SourceSchema)
	if err != nil {
		return nil, err
	}
	out := make([]logEntry, 0, len(recs))
	for _, r := range recs {
		seqVal, err := core.Coerce(r[ColSeq], core.KindInt)
		if err != nil {
			return nil, core.Errorf(core.CodeIntegrity, "detect", "change log for %s has a malformed sequence: %v", t.Descriptor.Name, err)
		}
		seq, _ := seqVal.AsInt()
		key, err := core.KeyOf(r, pks)
		if err != nil {
			return nil, err
		}
		out = append(out, logEntry{seq: seq, key: key})
	}
	return out, nil
}

// Acknowledge marks the log rows up to the batch cursor consumed.
func (LogDetector) Acknowledge(ctx context.Context, req Request, batch *Batch) error {
	if batch.Cursor.IsZero() {
		return nil
	}
	seq, ok := batch.Cursor[0].AsInt()
	if !ok {
		return core.Errorf(core.CodeInvalidState, "detect", "log cursor %s is not a sequence number", batch.Cursor)
	}
	d := req.Source.Dialect
	//nolint:gosec // identifiers are quoted by the dialect
	stmt := fmt.Sprintf("UPDATE %s SET %s = 1 WHERE %s <= %s AND %s = 0",
		d.QualifiedName(LogTable(req.Table.LogPrefix, req.Table.Descriptor.Name)),
		d.QuoteIdentifier(ColConsumed), d.QuoteIdentifier(ColSeq), d.FormatPlaceholder(1), d.QuoteIdentifier(ColConsumed))
	if _, err := req.Source.DB.ExecContext(ctx, stmt, seq); err != nil {
		return fmt.Errorf("failed to mark change log consumed: %w", err)
	}
	return nil
}
