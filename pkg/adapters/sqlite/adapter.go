// Package sqlite provides a SQLite database adapter for LeapSync built on
// the pure Go modernc.org/sqlite driver.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/leapstack-labs/leapsync/pkg/adapter"
	"github.com/leapstack-labs/leapsync/pkg/core"
	"github.com/leapstack-labs/leapsync/pkg/dialect"
)

// Adapter implements the adapter.Adapter interface for SQLite.
type Adapter struct {
	adapter.BaseSQLAdapter
}

// New creates a new SQLite adapter instance.
// If logger is nil, a discard logger is used.
func New(logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Adapter{
		BaseSQLAdapter: adapter.BaseSQLAdapter{Logger: logger},
	}
}

// DialectName returns the SQL dialect for this adapter.
func (a *Adapter) DialectName() string {
	return "sqlite"
}

// Dialect returns the SQLite dialect.
func (a *Adapter) Dialect() *dialect.Dialect {
	return dialect.SQLite
}

// DSN returns a modernc.org/sqlite connection string for path with WAL,
// a busy timeout and foreign keys enabled.
func DSN(path string) string {
	if path == "" || path == ":memory:" {
		return ":memory:?_pragma=foreign_keys(1)"
	}
	return fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
}

// Open opens a SQLite database at path. The pool holds a single connection
// so every writer is serialized through it.
func Open(ctx context.Context, path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", DSN(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping sqlite database: %w", err)
	}
	return db, nil
}

// Connect opens the database file named by cfg.Path.
func (a *Adapter) Connect(ctx context.Context, cfg adapter.Config) error {
	path := cfg.Path
	if path == "" {
		path = cfg.Database
	}

	a.Logger.Debug("connecting to sqlite", slog.String("path", path))

	db, err := Open(ctx, path)
	if err != nil {
		return err
	}
	a.DB = db
	a.Cfg = cfg
	return nil
}

var typeArgs = regexp.MustCompile(`\((\d+)(?:\s*,\s*(\d+))?\)`)

// GetTableSchema introspects a table with PRAGMA table_info.
func (a *Adapter) GetTableSchema(ctx context.Context, table string) (*core.TableSchema, error) {
	if a.DB == nil {
		return nil, fmt.Errorf("database connection not established")
	}

	schema, name := dialect.SQLite.SplitName(table)
	//nolint:gosec // identifiers are quoted by the dialect
	query := fmt.Sprintf("PRAGMA %s.table_info(%s)",
		dialect.SQLite.QuoteIdentifier(schema), dialect.SQLite.QuoteIdentifier(name))

	rows, err := a.DB.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query column metadata: %w", err)
	}
	defer func() { _ = rows.Close() }()

	ts := &core.TableSchema{Schema: schema, Name: name}
	var pks []string
	for rows.Next() {
		var (
			cid, notNull, pk int
			colName, colType string
			def              sql.NullString
		)
		if err := rows.Scan(&cid, &colName, &colType, &notNull, &def, &pk); err != nil {
			return nil, fmt.Errorf("failed to scan column metadata: %w", err)
		}
		col := core.ColumnSchema{
			Name:       colName,
			Type:       colType,
			Class:      core.ClassifyType(colType),
			Nullable:   notNull == 0 && pk == 0,
			HasDefault: def.Valid,
			PrimaryKey: pk > 0,
			Position:   cid + 1,
		}
		if m := typeArgs.FindStringSubmatch(colType); m != nil {
			first, _ := strconv.ParseInt(m[1], 10, 64)
			switch col.Class {
			case core.ClassDecimal:
				col.Precision = first
				if m[2] != "" {
					col.Scale, _ = strconv.ParseInt(m[2], 10, 64)
				}
			case core.ClassString:
				col.Length = first
			}
		}
		if pk > 0 {
			pks = append(pks, colName)
		}
		ts.Columns = append(ts.Columns, col)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating column metadata: %w", err)
	}
	if len(ts.Columns) == 0 {
		return nil, core.Errorf(core.CodeNotFound, "get table schema", "table %s not found", table)
	}

	// INTEGER PRIMARY KEY aliases rowid and is generated when omitted.
	if len(pks) == 1 {
		if c, ok := ts.Column(pks[0]); ok && strings.EqualFold(c.Type, "integer") {
			c.HasDefault = true
		}
	}
	return ts, nil
}

// IsTransient reports SQLITE_BUSY and SQLITE_LOCKED, including their
// extended result codes.
func (a *Adapter) IsTransient(err error) bool {
	return IsTransient(err)
}

// IsTransient is the SQLite transient-error classifier.
func IsTransient(err error) bool {
	var sErr *sqlite.Error
	if !errors.As(err, &sErr) {
		return false
	}
	switch sErr.Code() & 0xff {
	case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
		return true
	}
	return false
}

// Ensure Adapter implements adapter.Adapter interface
var _ adapter.Adapter = (*Adapter)(nil)
