package store

import "strings"

// Opts holds configuration shared by the SQL stores.
type Opts struct {
	DSN string // database connection string or SQLite file path
}

// Option configures a store.
type Option func(*Opts)

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// DSN kinds recognised by DetectDSNType.
const (
	DSNTypeSQLite   = "sqlite3"
	DSNTypePostgres = "postgres"
)

// DetectDSNType guesses the driver for dsn. URLs and key=value strings are PostgreSQL,
// anything else is treated as a SQLite file path.
func DetectDSNType(dsn string) string {
	lower := strings.ToLower(strings.TrimSpace(dsn))
	switch {
	case strings.HasPrefix(lower, "postgres://"), strings.HasPrefix(lower, "postgresql://"):
		return DSNTypePostgres
	case strings.Contains(lower, "host=") || strings.Contains(lower, "dbname="):
		return DSNTypePostgres
	default:
		return DSNTypeSQLite
	}
}
