// Package dialect describes the SQL differences between supported databases:
// parameter placeholders, identifier quoting, upsert syntax and row locking.
// It also builds the keyset-paginated reads and idempotent writes the sync
// engine issues.
package dialect

import (
	"fmt"
	"strings"
)

// PlaceholderStyle is how query parameters are written.
type PlaceholderStyle int

// Placeholder styles.
const (
	PlaceholderQuestion PlaceholderStyle = iota // ?
	PlaceholderDollar                           // $1, $2
)

// UpsertStyle is how an insert-or-update is written.
type UpsertStyle int

// Upsert styles.
const (
	UpsertOnConflict     UpsertStyle = iota // INSERT ... ON CONFLICT (k) DO UPDATE SET c = excluded.c
	UpsertOnDuplicateKey                    // INSERT ... ON DUPLICATE KEY UPDATE c = VALUES(c)
)

// IdentifierConfig controls identifier quoting.
type IdentifierConfig struct {
	Quote    string // opening quote, e.g. `"`
	QuoteEnd string // closing quote, usually the same as Quote
	Escape   string // replacement for QuoteEnd inside an identifier
}

// Dialect represents a SQL dialect configuration.
type Dialect struct {
	Name        string
	Identifiers IdentifierConfig

	DefaultSchema string           // "public" for Postgres, "main" for SQLite and DuckDB
	Placeholder   PlaceholderStyle // How to format query parameters
	UpsertSyntax  UpsertStyle
	// LockClause is appended to reads that must hold the row until commit,
	// empty when the engine serializes writers itself.
	LockClause string
}

// FormatPlaceholder returns a placeholder for the given parameter index (1-based).
// Returns "?" for PlaceholderQuestion style, "$1", "$2" etc. for PlaceholderDollar style.
func (d *Dialect) FormatPlaceholder(index int) string {
	switch d.Placeholder {
	case PlaceholderDollar:
		return fmt.Sprintf("$%d", index)
	default: // PlaceholderQuestion
		return "?"
	}
}

// QuoteIdentifier quotes an identifier using the dialect's quote characters.
func (d *Dialect) QuoteIdentifier(name string) string {
	escaped := strings.ReplaceAll(name, d.Identifiers.QuoteEnd, d.Identifiers.Escape)
	return d.Identifiers.Quote + escaped + d.Identifiers.QuoteEnd
}

// QualifiedName quotes each dot-separated part of a table reference.
func (d *Dialect) QualifiedName(table string) string {
	parts := strings.Split(table, ".")
	for i, p := range parts {
		parts[i] = d.QuoteIdentifier(p)
	}
	return strings.Join(parts, ".")
}

// SplitName splits a table reference into schema and name, using the
// dialect's default schema when none is given.
func (d *Dialect) SplitName(table string) (schema, name string) {
	if i := strings.LastIndex(table, "."); i >= 0 {
		return table[:i], table[i+1:]
	}
	return d.DefaultSchema, table
}

// Builder constructs a Dialect.
type Builder struct {
	dialect *Dialect
}

// NewDialect starts a dialect definition with ANSI defaults.
func NewDialect(name string) *Builder {
	return &Builder{
		dialect: &Dialect{
			Name:         name,
			Identifiers:  IdentifierConfig{Quote: `"`, QuoteEnd: `"`, Escape: `""`},
			Placeholder:  PlaceholderQuestion,
			UpsertSyntax: UpsertOnConflict,
		},
	}
}

// Identifiers sets the identifier quoting characters.
func (b *Builder) Identifiers(quote, quoteEnd, escape string) *Builder {
	b.dialect.Identifiers = IdentifierConfig{Quote: quote, QuoteEnd: quoteEnd, Escape: escape}
	return b
}

// DefaultSchema sets the schema used for unqualified table names.
func (b *Builder) DefaultSchema(schema string) *Builder {
	b.dialect.DefaultSchema = schema
	return b
}

// PlaceholderStyle sets the placeholder style.
func (b *Builder) PlaceholderStyle(style PlaceholderStyle) *Builder {
	b.dialect.Placeholder = style
	return b
}

// UpsertStyle sets the upsert syntax.
func (b *Builder) UpsertStyle(style UpsertStyle) *Builder {
	b.dialect.UpsertSyntax = style
	return b
}

// LockClause sets the row-locking suffix for apply-time reads.
func (b *Builder) LockClause(clause string) *Builder {
	b.dialect.LockClause = clause
	return b
}

// Build returns the finished dialect.
func (b *Builder) Build() *Dialect {
	return b.dialect
}
