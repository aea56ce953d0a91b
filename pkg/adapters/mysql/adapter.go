// Package mysql provides a MySQL database adapter for LeapSync.
package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/leapstack-labs/leapsync/pkg/adapter"
	"github.com/leapstack-labs/leapsync/pkg/core"
	"github.com/leapstack-labs/leapsync/pkg/dialect"
)

// MySQL error numbers treated as transient.
const (
	errLockWaitTimeout = 1205
	errDeadlock        = 1213
)

// Adapter implements the adapter.Adapter interface for MySQL.
type Adapter struct {
	adapter.BaseSQLAdapter
}

// New creates a new MySQL adapter instance.
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
	return "mysql"
}

// Dialect returns the MySQL dialect.
func (a *Adapter) Dialect() *dialect.Dialect {
	return dialect.MySQL
}

// Connect establishes a connection to MySQL.
func (a *Adapter) Connect(ctx context.Context, cfg adapter.Config) error {
	dsn, err := buildMySQLDSN(cfg)
	if err != nil {
		return core.NewError(core.CodeConfiguration, "mysql dsn", err)
	}

	a.Logger.Debug("connecting to mysql", slog.String("host", cfg.Host), slog.String("database", cfg.Database))

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return fmt.Errorf("failed to open mysql connection: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping mysql: %w", err)
	}

	a.DB = db
	a.Cfg = cfg
	return nil
}

// buildMySQLDSN constructs a go-sql-driver DSN. Timestamps are always
// parsed into time.Time in UTC.
func buildMySQLDSN(cfg adapter.Config) (string, error) {
	var mc *mysql.Config
	if cfg.DSN != "" {
		parsed, err := mysql.ParseDSN(cfg.DSN)
		if err != nil {
			return "", err
		}
		mc = parsed
	} else {
		mc = mysql.NewConfig()
		host := cfg.Host
		if host == "" {
			host = "localhost"
		}
		port := cfg.Port
		if port == 0 {
			port = 3306
		}
		mc.Net = "tcp"
		mc.Addr = net.JoinHostPort(host, strconv.Itoa(port))
		mc.User = cfg.Username
		mc.Passwd = cfg.Password
		mc.DBName = cfg.Database
	}

	mc.ParseTime = true
	mc.Loc = time.UTC
	for k, v := range cfg.Options {
		if mc.Params == nil {
			mc.Params = map[string]string{}
		}
		mc.Params[k] = v
	}
	return mc.FormatDSN(), nil
}

// GetTableSchema introspects a table through information_schema. Unqualified
// names resolve against the connection's current database.
func (a *Adapter) GetTableSchema(ctx context.Context, table string) (*core.TableSchema, error) {
	opts := adapter.InformationSchemaOptions{TypeColumn: "column_type"}
	if schema, _ := dialect.MySQL.SplitName(table); schema == "" {
		opts.SchemaExpr = "DATABASE()"
	}
	return a.GetTableSchemaCommon(ctx, table, dialect.MySQL, opts)
}

// IsTransient reports lock wait timeouts, deadlocks and dropped connections.
func (a *Adapter) IsTransient(err error) bool {
	return IsTransient(err)
}

// IsTransient is the MySQL transient-error classifier.
func IsTransient(err error) bool {
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == errLockWaitTimeout || myErr.Number == errDeadlock
	}
	return errors.Is(err, mysql.ErrInvalidConn)
}

// Ensure Adapter implements adapter.Adapter interface
var _ adapter.Adapter = (*Adapter)(nil)
