package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/leapstack-labs/leapsync/internal/canonical"
	"github.com/leapstack-labs/leapsync/pkg/core"
)

func (l *Log) selectEvents(ctx context.Context, jobID string, f core.EventFilter, limit, offset int) ([]stored, error) {
	if l.db == nil {
		return nil, fmt.Errorf("audit database not opened")
	}
	var (
		where []string
		args  []any
	)
	bind := func(col, op string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf("%s %s %s", l.q(col), op, l.dialect.FormatPlaceholder(len(args))))
	}
	bind("job_id", "=", jobID)
	if f.Table != "" {
		bind("table_name", "=", f.Table)
	}
	if len(f.Types) > 0 {
		ph := make([]string, len(f.Types))
		for i, t := range f.Types {
			args = append(args, string(t))
			ph[i] = l.dialect.FormatPlaceholder(len(args))
		}
		where = append(where, fmt.Sprintf("%s IN (%s)", l.q("event_type"), strings.Join(ph, ", ")))
	}
	if !f.Since.IsZero() {
		bind("occurred_at", ">=", canonical.FormatTime(f.Since))
	}
	if !f.Until.IsZero() {
		bind("occurred_at", "<", canonical.FormatTime(f.Until))
	}

	cols := make([]string, len(columns))
	for i, c := range columns {
		cols[i] = l.q(c)
	}
	stmt := fmt.Sprintf("SELECT %s FROM %s WHERE %s ORDER BY %s",
		strings.Join(cols, ", "), l.dialect.QualifiedName(l.cfg.Table), strings.Join(where, " AND "), l.q("seq"))
	if limit > 0 {
		stmt += fmt.Sprintf(" LIMIT %d", limit)
		if offset > 0 {
			stmt += fmt.Sprintf(" OFFSET %d", offset)
		}
	}

	rows, err := l.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []stored
	for rows.Next() {
		var (
			ev      core.AuditEvent
			typ, ts string
			payload string
		)
		if err := rows.Scan(&ev.JobID, &ev.ID, &ev.Seq, &ev.Table, &typ, &ts, &ev.Actor, &payload, &ev.PrevHash, &ev.Hash); err != nil {
			return nil, fmt.Errorf("failed to scan audit event: %w", err)
		}
		ev.Type = core.EventType(typ)
		if ev.Timestamp, err = time.Parse(canonical.TimestampLayout, ts); err != nil {
			return nil, core.Errorf(core.CodeIntegrity, "audit", "event %s has malformed timestamp %q", ev.ID, ts)
		}
		if ev.Payload, err = decodePayload(payload); err != nil {
			return nil, core.Errorf(core.CodeIntegrity, "audit", "event %s has malformed payload: %v", ev.ID, err)
		}
		out = append(out, stored{event: &ev, payload: payload})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read audit events: %w", err)
	}
	return out, nil
}

func decodePayload(s string) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader([]byte(s)))
	dec.UseNumber()
	var p map[string]any
	if err := dec.Decode(&p); err != nil {
		return nil, err
	}
	if len(p) == 0 {
		return nil, nil
	}
	return p, nil
}

// Events returns a job's events in seq order. A limit of zero returns all.
func (l *Log) Events(ctx context.Context, jobID string, f core.EventFilter, limit, offset int) ([]*core.AuditEvent, error) {
	rows, err := l.selectEvents(ctx, jobID, f, limit, offset)
	if err != nil {
		return nil, err
	}
	out := make([]*core.AuditEvent, len(rows))
	for i, s := range rows {
		out[i] = s.event
	}
	return out, nil
}

// Verify recomputes a job's chain. It returns a CodeIntegrity error
// wrapping a *ChainError at the first broken link.
func (l *Log) Verify(ctx context.Context, jobID string) error {
	rows, err := l.selectEvents(ctx, jobID, core.EventFilter{}, 0, 0)
	if err != nil {
		return err
	}
	return verifyChain(jobID, rows)
}

// Report aggregates a job's events and verifies its chain. Callers attach
// unresolved conflicts from the job store.
func (l *Log) Report(ctx context.Context, jobID string) (*core.AuditReport, error) {
	rows, err := l.selectEvents(ctx, jobID, core.EventFilter{}, 0, 0)
	if err != nil {
		return nil, err
	}
	r := &core.AuditReport{
		JobID:   jobID,
		ByType:  make(map[core.EventType]int64),
		ByTable: make(map[string]map[core.EventType]int64),
	}
	for _, s := range rows {
		ev := s.event
		r.TotalEvents++
		r.ByType[ev.Type]++
		if ev.Table != "" {
			m := r.ByTable[ev.Table]
			if m == nil {
				m = make(map[core.EventType]int64)
				r.ByTable[ev.Table] = m
			}
			m[ev.Type]++
		}
		ts := ev.Timestamp
		if r.FirstEvent == nil || ts.Before(*r.FirstEvent) {
			r.FirstEvent = &ts
		}
		if r.LastEvent == nil || ts.After(*r.LastEvent) {
			r.LastEvent = &ts
		}
	}
	if err := verifyChain(jobID, rows); err != nil {
		var ce *ChainError
		if !errors.As(err, &ce) {
			return nil, err
		}
		r.ChainError = ce.Error()
	} else {
		r.ChainValid = true
	}
	return r, nil
}

// Jobs lists the job ids present in the log.
func (l *Log) Jobs(ctx context.Context) ([]string, error) {
	if l.db == nil {
		return nil, fmt.Errorf("audit database not opened")
	}
	stmt := fmt.Sprintf("SELECT DISTINCT %s FROM %s ORDER BY %s", l.q("job_id"), l.dialect.QualifiedName(l.cfg.Table), l.q("job_id"))
	rows, err := l.db.QueryContext(ctx, stmt)
	if err != nil {
		return nil, fmt.Errorf("failed to list audited jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
