// Package adapter provides the database adapter contract used by the sync
// engine on both sides of a sync.
//
// Concrete adapter implementations are in pkg/adapters/ subdirectories and
// register themselves from init().
package adapter

import (
	"context"
	"database/sql"

	"github.com/leapstack-labs/leapsync/pkg/core"
	"github.com/leapstack-labs/leapsync/pkg/dialect"
)

// Config is an alias for core.AdapterConfig.
type Config = core.AdapterConfig

// Querier is the subset of *sql.DB and *sql.Tx the row helpers need.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

var (
	_ Querier = (*sql.DB)(nil)
	_ Querier = (*sql.Tx)(nil)
)

// Adapter defines the interface that all database adapters must implement.
type Adapter interface {
	// Connect establishes a connection to the database using the provided config.
	Connect(ctx context.Context, cfg Config) error

	// Close closes the database connection and releases resources.
	Close() error

	// Ping verifies the connection is alive.
	Ping(ctx context.Context) error

	// Handle returns the underlying connection pool.
	Handle() *sql.DB

	// GetTableSchema introspects a table's columns and primary key.
	GetTableSchema(ctx context.Context, table string) (*core.TableSchema, error)

	// IsTransient reports whether err is a driver error worth retrying,
	// such as a serialization failure, deadlock or busy database.
	IsTransient(err error) bool

	// Dialect returns the SQL dialect configuration for this adapter.
	Dialect() *dialect.Dialect
}
