package adapter

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/leapstack-labs/leapsync/pkg/core"
	"github.com/leapstack-labs/leapsync/pkg/dialect"
)

// BaseSQLAdapter provides common database/sql functionality for adapters.
// Embed this struct in concrete adapter implementations to get standard
// Close, Ping and Handle implementations.
type BaseSQLAdapter struct {
	DB     *sql.DB
	Cfg    core.AdapterConfig
	Logger *slog.Logger
}

// Close closes the database connection.
func (b *BaseSQLAdapter) Close() error {
	if b.DB != nil {
		if b.Logger != nil {
			b.Logger.Debug("closing database connection")
		}
		return b.DB.Close()
	}
	return nil
}

// Ping verifies the connection is alive.
func (b *BaseSQLAdapter) Ping(ctx context.Context) error {
	if b.DB == nil {
		return fmt.Errorf("database connection not established")
	}
	if err := b.DB.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}
	return nil
}

// Handle returns the underlying connection pool.
func (b *BaseSQLAdapter) Handle() *sql.DB {
	return b.DB
}

// IsConnected returns true if the database connection is established.
func (b *BaseSQLAdapter) IsConnected() bool {
	return b.DB != nil
}

// InformationSchemaOptions adjusts GetTableSchemaCommon for a database.
type InformationSchemaOptions struct {
	// TypeColumn is the information_schema.columns column holding the
	// declared type. MySQL uses column_type so tinyint(1) stays visible.
	TypeColumn string
	// SchemaExpr replaces the bound schema parameter, e.g. DATABASE().
	SchemaExpr string
}

// GetTableSchemaCommon provides a shared implementation of GetTableSchema
// over information_schema with dialect-appropriate placeholders.
func (b *BaseSQLAdapter) GetTableSchemaCommon(ctx context.Context, table string, d *dialect.Dialect, opts InformationSchemaOptions) (*core.TableSchema, error) {
	if b.DB == nil {
		return nil, fmt.Errorf("database connection not established")
	}

	schema, tableName := d.SplitName(table)
	if b.Cfg.Schema != "" && schema == d.DefaultSchema {
		schema = b.Cfg.Schema
	}

	typeCol := opts.TypeColumn
	if typeCol == "" {
		typeCol = "data_type"
	}

	args := []any{tableName}
	schemaCond := opts.SchemaExpr
	if schemaCond == "" {
		args = append(args, schema)
		schemaCond = d.FormatPlaceholder(2)
	}

	//nolint:gosec // Placeholders are safe - they come from dialect.FormatPlaceholder
	query := fmt.Sprintf(`
		SELECT
			column_name,
			%s,
			is_nullable,
			column_default,
			character_maximum_length,
			numeric_precision,
			numeric_scale,
			ordinal_position
		FROM information_schema.columns
		WHERE table_name = %s AND table_schema = %s
		ORDER BY ordinal_position
	`, typeCol, d.FormatPlaceholder(1), schemaCond)

	rows, err := b.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query column metadata: %w", err)
	}
	defer func() { _ = rows.Close() }()

	ts := &core.TableSchema{Schema: schema, Name: tableName}
	for rows.Next() {
		var (
			col                         core.ColumnSchema
			nullable                    string
			def                         sql.NullString
			length, precision, numScale sql.NullInt64
		)
		if err := rows.Scan(&col.Name, &col.Type, &nullable, &def, &length, &precision, &numScale, &col.Position); err != nil {
			return nil, fmt.Errorf("failed to scan column metadata: %w", err)
		}
		col.Nullable = nullable == "YES"
		col.HasDefault = def.Valid
		col.Length = length.Int64
		col.Precision = precision.Int64
		col.Scale = numScale.Int64
		col.Class = core.ClassifyType(col.Type)
		ts.Columns = append(ts.Columns, col)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating column metadata: %w", err)
	}
	if len(ts.Columns) == 0 {
		return nil, core.Errorf(core.CodeNotFound, "get table schema", "table %s not found", table)
	}

	pks, err := b.primaryKeys(ctx, d, tableName, args[1:], schemaCond)
	if err != nil {
		return nil, err
	}
	for _, pk := range pks {
		if c, ok := ts.Column(pk); ok {
			c.PrimaryKey = true
		}
	}
	return ts, nil
}

func (b *BaseSQLAdapter) primaryKeys(ctx context.Context, d *dialect.Dialect, table string, schemaArgs []any, schemaCond string) ([]string, error) {
	//nolint:gosec // Placeholders are safe - they come from dialect.FormatPlaceholder
	query := fmt.Sprintf(`
		SELECT kcu.column_name
		FROM information_schema.table_constraints tc
		JOIN information_schema.key_column_usage kcu
			ON tc.constraint_name = kcu.constraint_name
			AND tc.table_schema = kcu.table_schema
			AND tc.table_name = kcu.table_name
		WHERE tc.constraint_type = 'PRIMARY KEY'
			AND tc.table_name = %s AND tc.table_schema = %s
		ORDER BY kcu.ordinal_position
	`, d.FormatPlaceholder(1), schemaCond)

	args := append([]any{table}, schemaArgs...)
	rows, err := b.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query primary key: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var pks []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan primary key: %w", err)
		}
		pks = append(pks, name)
	}
	return pks, rows.Err()
}
