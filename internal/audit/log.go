// Package audit is the hash-chained, append-only audit log kept in the
// target database.
//
// Events for one job form a chain: each event stores the hash of the
// previous one and its own hash covers every other field. Record-level
// events are buffered on a Tx and written inside the same transaction as
// the rows they describe, so an event is durable exactly when its write is.
package audit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/leapstack-labs/leapsync/internal/canonical"
	"github.com/leapstack-labs/leapsync/pkg/adapter"
	"github.com/leapstack-labs/leapsync/pkg/core"
	"github.com/leapstack-labs/leapsync/pkg/dialect"
)

// Defaults.
const (
	DefaultTable   = "_sync_audit"
	DefaultTimeout = 5 * time.Second
)

// Config configures a Log.
type Config struct {
	Table       string
	Level       Level
	IncludeData bool
	// Timeout bounds a standalone event write.
	Timeout time.Duration
	Logger  *slog.Logger
	// Now is the clock; tests replace it.
	Now func() time.Time
}

type head struct {
	seq  int64
	hash string
}

// Log writes and reads audit events. It is safe for concurrent use.
type Log struct {
	db      *sql.DB
	dialect *dialect.Dialect
	cfg     Config
	logger  *slog.Logger

	// mu serializes chain extension: it is held from hash computation until
	// the surrounding transaction commits.
	mu    sync.Mutex
	heads map[string]head
}

// New returns a Log over the target database.
func New(db *sql.DB, d *dialect.Dialect, cfg Config) *Log {
	if cfg.Table == "" {
		cfg.Table = DefaultTable
	}
	if cfg.Level == "" {
		cfg.Level = LevelStandard
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Log{db: db, dialect: d, cfg: cfg, logger: logger, heads: make(map[string]head)}
}

// Level returns the configured level.
func (l *Log) Level() Level { return l.cfg.Level }

// IncludeData reports whether payloads may carry record values.
func (l *Log) IncludeData() bool { return l.cfg.IncludeData }

// Table returns the audit table name.
func (l *Log) Table() string { return l.cfg.Table }

// Init creates the audit table if it does not exist.
func (l *Log) Init(ctx context.Context) error {
	if l.db == nil {
		return fmt.Errorf("audit database not opened")
	}
	stmt := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	%s VARCHAR(64) NOT NULL,
	%s VARCHAR(64) NOT NULL,
	%s BIGINT NOT NULL,
	%s VARCHAR(255) NOT NULL,
	%s VARCHAR(32) NOT NULL,
	%s VARCHAR(32) NOT NULL,
	%s VARCHAR(255) NOT NULL,
	%s TEXT NOT NULL,
	%s VARCHAR(80) NOT NULL,
	%s VARCHAR(80) NOT NULL,
	PRIMARY KEY (%s, %s)
)`, l.dialect.QualifiedName(l.cfg.Table),
		l.q("job_id"), l.q("event_id"), l.q("seq"), l.q("table_name"), l.q("event_type"),
		l.q("occurred_at"), l.q("actor"), l.q("payload"), l.q("prev_hash"), l.q("hash"),
		l.q("job_id"), l.q("event_id"))
	if _, err := l.db.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("failed to create audit table: %w", err)
	}
	return nil
}

func (l *Log) q(col string) string { return l.dialect.QuoteIdentifier(col) }

var columns = []string{"job_id", "event_id", "seq", "table_name", "event_type", "occurred_at", "actor", "payload", "prev_hash", "hash"}

// NewEvent builds an unsealed event. Seq and hashes are assigned when the
// event is written.
func (l *Log) NewEvent(ctx context.Context, jobID, table string, typ core.EventType, payload map[string]any) *core.AuditEvent {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return &core.AuditEvent{
		ID:        id.String(),
		JobID:     jobID,
		Table:     table,
		Type:      typ,
		Timestamp: l.cfg.Now().UTC().Truncate(time.Microsecond),
		Actor:     ActorFrom(ctx),
		Payload:   payload,
	}
}

// Append writes one event in its own short transaction. Events the level
// filters out are dropped and reported as written.
func (l *Log) Append(ctx context.Context, ev *core.AuditEvent) error {
	if !l.cfg.Level.Allows(ev.Type) {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, l.cfg.Timeout)
	defer cancel()

	tx, err := l.Begin(ctx)
	if err != nil {
		return err
	}
	tx.Add(ev)
	return tx.Commit(ctx)
}

// Tx is a target transaction that buffers audit events and writes them
// just before commit.
type Tx struct {
	*sql.Tx
	log    *Log
	events []*core.AuditEvent
	done   bool
}

// Begin starts a target transaction.
func (l *Log) Begin(ctx context.Context) (*Tx, error) {
	if l.db == nil {
		return nil, fmt.Errorf("audit database not opened")
	}
	t, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	return &Tx{Tx: t, log: l}, nil
}

// Querier returns the transaction for row helpers.
func (t *Tx) Querier() adapter.Querier { return t.Tx }

// Add buffers an event. Events the level filters out are dropped.
func (t *Tx) Add(ev *core.AuditEvent) {
	if t.log.cfg.Level.Allows(ev.Type) {
		t.events = append(t.events, ev)
	}
}

// Pending returns the number of buffered events.
func (t *Tx) Pending() int { return len(t.events) }

// Commit seals and inserts the buffered events, then commits. The chain
// head advances only when the commit succeeds.
func (t *Tx) Commit(ctx context.Context) error {
	if t.done {
		return sql.ErrTxDone
	}
	t.done = true
	l := t.log

	l.mu.Lock()
	defer l.mu.Unlock()

	advanced := make(map[string]head)
	for _, ev := range t.events {
		h, ok := advanced[ev.JobID]
		if !ok {
			var err error
			if h, err = l.headLocked(ctx, t.Tx, ev.JobID); err != nil {
				_ = t.Tx.Rollback()
				return err
			}
		}
		payload, err := EncodePayload(ev.Payload)
		if err != nil {
			_ = t.Tx.Rollback()
			return err
		}
		ev.Seq = h.seq + 1
		ev.PrevHash = h.hash
		if ev.Hash, err = ComputeHash(ev, payload); err != nil {
			_ = t.Tx.Rollback()
			return err
		}
		row := map[string]any{
			"job_id": ev.JobID, "event_id": ev.ID, "seq": ev.Seq, "table_name": ev.Table,
			"event_type": string(ev.Type), "occurred_at": canonical.FormatTime(ev.Timestamp),
			"actor": ev.Actor, "payload": payload, "prev_hash": ev.PrevHash, "hash": ev.Hash,
		}
		stmt := l.dialect.Insert(l.cfg.Table, row, columns)
		if _, err := t.Tx.ExecContext(ctx, stmt.SQL, stmt.Args...); err != nil {
			_ = t.Tx.Rollback()
			return fmt.Errorf("failed to write audit event: %w", err)
		}
		advanced[ev.JobID] = head{seq: ev.Seq, hash: ev.Hash}
	}

	if err := t.Tx.Commit(); err != nil {
		// The rows never became durable; reload the head from storage next time.
		for job := range advanced {
			delete(l.heads, job)
		}
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	for job, h := range advanced {
		l.heads[job] = h
	}
	return nil
}

// Rollback discards the transaction and its buffered events.
func (t *Tx) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	t.events = nil
	err := t.Tx.Rollback()
	if errors.Is(err, sql.ErrTxDone) {
		return nil
	}
	return err
}

// headLocked returns the last sealed event of a job. l.mu must be held.
func (l *Log) headLocked(ctx context.Context, q adapter.Querier, jobID string) (head, error) {
	if h, ok := l.heads[jobID]; ok {
		return h, nil
	}
	stmt := fmt.Sprintf("SELECT %s, %s FROM %s WHERE %s = %s ORDER BY %s DESC LIMIT 1",
		l.q("seq"), l.q("hash"), l.dialect.QualifiedName(l.cfg.Table), l.q("job_id"), l.dialect.FormatPlaceholder(1), l.q("seq"))
	var h head
	err := q.QueryRowContext(ctx, stmt, jobID).Scan(&h.seq, &h.hash)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		h = head{hash: canonical.GenesisHash.String()}
	case err != nil:
		return head{}, fmt.Errorf("failed to read audit chain head: %w", err)
	}
	l.heads[jobID] = h
	return h, nil
}
