package dialect

// Built-in dialects for the supported adapters.
var (
	Postgres = NewDialect("postgres").
		DefaultSchema("public").
		PlaceholderStyle(PlaceholderDollar).
		LockClause("FOR UPDATE").
		Build()

	MySQL = NewDialect("mysql").
		Identifiers("`", "`", "``").
		PlaceholderStyle(PlaceholderQuestion).
		UpsertStyle(UpsertOnDuplicateKey).
		LockClause("FOR UPDATE").
		Build()

	SQLite = NewDialect("sqlite").
		DefaultSchema("main").
		Build()

	DuckDB = NewDialect("duckdb").
		DefaultSchema("main").
		Build()
)

func init() {
	register(Postgres, MySQL, SQLite, DuckDB)
}
