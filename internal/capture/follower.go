package capture

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgproto3"

	"github.com/leapstack-labs/leapsync/internal/detect"
	"github.com/leapstack-labs/leapsync/pkg/core"
	"github.com/leapstack-labs/leapsync/pkg/dialect"
)

const pgOutputPlugin = "pgoutput"

// Default replication names.
const (
	DefaultPublication = "leapsync_capture"
	DefaultSlot        = "leapsync_capture_slot"
)

const standbyMessageTimeout = 10 * time.Second

// FollowerConfig configures a Follower.
type FollowerConfig struct {
	// Publication and Slot default to DefaultPublication and DefaultSlot.
	Publication string
	Slot        string
	// Temporary slots are dropped when the connection closes and lose the
	// stream position.
	Temporary bool
	Targets   []Target
	Logger    *slog.Logger
}

// Follower reads a pgoutput logical-replication stream and appends one
// change-log row per changed key of every tracked table.
type Follower struct {
	conn   *pgconn.PgConn
	sink   *sql.DB
	d      *dialect.Dialect
	cfg    FollowerConfig
	logger *slog.Logger

	tracked   map[string]Target
	relations map[uint32]*pglogrepl.RelationMessage
}

// NewFollower creates a follower. conn must be opened with
// replication=database; log rows are written through sink using d.
func NewFollower(conn *pgconn.PgConn, sink *sql.DB, d *dialect.Dialect, cfg FollowerConfig) *Follower {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if cfg.Publication == "" {
		cfg.Publication = DefaultPublication
	}
	if cfg.Slot == "" {
		cfg.Slot = DefaultSlot
	}
	tracked := make(map[string]Target, len(cfg.Targets))
	for _, t := range cfg.Targets {
		tracked[relationKey(t.Table)] = t
	}
	return &Follower{
		conn:      conn,
		sink:      sink,
		d:         d,
		cfg:       cfg,
		logger:    logger,
		tracked:   tracked,
		relations: make(map[uint32]*pglogrepl.RelationMessage),
	}
}

// relationKey normalizes a table reference to schema.name.
func relationKey(table string) string {
	schema, name := splitName(table)
	if schema == "" {
		schema = "public"
	}
	return schema + "." + name
}

// Setup creates the publication over the tracked tables and the replication
// slot when they do not exist yet.
func (f *Follower) Setup(ctx context.Context) error {
	if len(f.cfg.Targets) == 0 {
		return core.Errorf(core.CodeConfiguration, "capture", "no tables to follow")
	}
	names := make([]string, len(f.cfg.Targets))
	for i, t := range f.cfg.Targets {
		names[i] = dialect.Postgres.QualifiedName(t.Table)
	}
	pub := dialect.Postgres.QuoteIdentifier(f.cfg.Publication)
	stmt := fmt.Sprintf("CREATE PUBLICATION %s FOR TABLE %s", pub, strings.Join(names, ", "))
	if _, err := f.conn.Exec(ctx, stmt).ReadAll(); err != nil && !duplicate(err) {
		return fmt.Errorf("failed to create publication: %w", err)
	}

	_, err := pglogrepl.CreateReplicationSlot(ctx, f.conn, f.cfg.Slot, pgOutputPlugin,
		pglogrepl.CreateReplicationSlotOptions{Temporary: f.cfg.Temporary})
	if err != nil && !duplicate(err) {
		return fmt.Errorf("failed to create replication slot: %w", err)
	}
	return nil
}

func duplicate(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "42710"
}

// Follow streams changes from startPos until ctx is cancelled. A zero
// startPos continues from the slot's confirmed position.
func (f *Follower) Follow(ctx context.Context, startPos pglogrepl.LSN) error {
	pluginArguments := []string{"proto_version '1'", fmt.Sprintf("publication_names '%s'", f.cfg.Publication)}
	if err := pglogrepl.StartReplication(ctx, f.conn, f.cfg.Slot, startPos,
		pglogrepl.StartReplicationOptions{PluginArgs: pluginArguments}); err != nil {
		return fmt.Errorf("failed to start replication: %w", err)
	}
	f.logger.Info("following replication stream", "slot", f.cfg.Slot, "publication", f.cfg.Publication, "start", startPos.String())

	clientXLogPos := startPos
	nextStandbyMessageDeadline := time.Now().Add(standbyMessageTimeout)
	for {
		if ctx.Err() != nil {
			return nil
		}
		if time.Now().After(nextStandbyMessageDeadline) {
			err := pglogrepl.SendStandbyStatusUpdate(ctx, f.conn, pglogrepl.StandbyStatusUpdate{WALWritePosition: clientXLogPos})
			if err != nil {
				return fmt.Errorf("failed to send standby status: %w", err)
			}
			nextStandbyMessageDeadline = time.Now().Add(standbyMessageTimeout)
		}

		rctx, cancel := context.WithDeadline(ctx, nextStandbyMessageDeadline)
		raw, err := f.conn.ReceiveMessage(rctx)
		cancel()
		if err != nil {
			if pgconn.Timeout(err) {
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("failed to receive replication message: %w", err)
		}

		switch msg := raw.(type) {
		case *pgproto3.CopyData:
			switch msg.Data[0] {
			case pglogrepl.PrimaryKeepaliveMessageByteID:
				pkm, err := pglogrepl.ParsePrimaryKeepaliveMessage(msg.Data[1:])
				if err != nil {
					return err
				}
				if pkm.ReplyRequested {
					nextStandbyMessageDeadline = time.Time{}
				}

			case pglogrepl.XLogDataByteID:
				xld, err := pglogrepl.ParseXLogData(msg.Data[1:])
				if err != nil {
					return err
				}
				logical, err := pglogrepl.Parse(xld.WALData)
				if err != nil {
					return fmt.Errorf("failed to parse logical message: %w", err)
				}
				if err := f.Handle(ctx, logical); err != nil {
					return err
				}
				clientXLogPos = xld.WALStart + pglogrepl.LSN(len(xld.WALData))
			}
		case *pgproto3.ErrorResponse:
			return fmt.Errorf("replication error: %s", msg.Message)
		default:
			f.logger.Warn("unexpected replication message", "type", fmt.Sprintf("%T", raw))
		}
	}
}

// Handle applies one decoded pgoutput message.
func (f *Follower) Handle(ctx context.Context, msg pglogrepl.Message) error {
	switch m := msg.(type) {
	case *pglogrepl.RelationMessage:
		f.relations[m.RelationID] = m
	case *pglogrepl.InsertMessage:
		return f.record(ctx, m.RelationID, detect.LogInsert, m.Tuple)
	case *pglogrepl.UpdateMessage:
		if m.OldTuple != nil {
			if err := f.record(ctx, m.RelationID, detect.LogDelete, m.OldTuple); err != nil {
				return err
			}
		}
		return f.record(ctx, m.RelationID, detect.LogUpdate, m.NewTuple)
	case *pglogrepl.DeleteMessage:
		return f.record(ctx, m.RelationID, detect.LogDelete, m.OldTuple)
	case *pglogrepl.TruncateMessage:
		f.logger.Warn("truncate is not captured; run a full sync", "relations", m.RelationIDs)
	}
	return nil
}

// record appends a log row for the key carried by tuple.
func (f *Follower) record(ctx context.Context, relationID uint32, op string, tuple *pglogrepl.TupleData) error {
	rel, ok := f.relations[relationID]
	if !ok {
		return core.Errorf(core.CodeIntegrity, "capture", "change for unknown relation %d", relationID)
	}
	t, ok := f.tracked[rel.Namespace+"."+rel.RelationName]
	if !ok || tuple == nil {
		return nil
	}

	values := make(map[string]any, len(t.Keys))
	for i, col := range rel.Columns {
		if i >= len(tuple.Columns) {
			break
		}
		for _, k := range t.Keys {
			if !strings.EqualFold(col.Name, k) {
				continue
			}
			c := tuple.Columns[i]
			switch c.DataType {
			case pglogrepl.TupleDataTypeText, pglogrepl.TupleDataTypeBinary:
				values[k] = string(c.Data)
			default:
				return core.Errorf(core.CodeIntegrity, "capture", "key column %s of %s is missing from the change", k, t.Table)
			}
		}
	}

	cols := make([]string, 0, len(t.Keys)+1)
	row := map[string]any{detect.ColOp: op}
	cols = append(cols, detect.ColOp)
	for _, k := range t.Keys {
		v, ok := values[k]
		if !ok {
			return core.Errorf(core.CodeIntegrity, "capture", "key column %s of %s is missing from the change", k, t.Table)
		}
		cols = append(cols, k)
		row[k] = v
	}

	q := f.d.Insert(t.logTable(), row, cols)
	if _, err := f.sink.ExecContext(ctx, q.SQL, q.Args...); err != nil {
		return fmt.Errorf("failed to append change log for %s: %w", t.Table, err)
	}
	f.logger.Debug("change captured", "table", t.Table, "operation", op)
	return nil
}
