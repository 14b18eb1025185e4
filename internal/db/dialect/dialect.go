// Package dialect provides SQL fragment helpers for SQLite/PostgreSQL portability.
package dialect

import "fmt"

const (
	SQLite3 = "sqlite3"
	PGX     = "pgx"
)

// IsPostgres returns true if the driver is PostgreSQL (pgx).
func IsPostgres(driver string) bool {
	return driver == PGX
}

// Now returns the SQL expression for the current timestamp.
//
//	SQLite:   datetime('now')
//	Postgres: NOW()
func Now(driver string) string {
	if IsPostgres(driver) {
		return "NOW()"
	}
	return "datetime('now')"
}

// NowMinusMillis returns the SQL expression for "current time minus N
// milliseconds", where msExpr is a parameter placeholder for the count.
//
//	SQLite:   datetime('now', '-' || (? / 1000.0) || ' seconds')
//	Postgres: NOW() - (? || ' milliseconds')::interval
func NowMinusMillis(driver, msExpr string) string {
	if IsPostgres(driver) {
		return fmt.Sprintf("NOW() - (%s || ' milliseconds')::interval", msExpr)
	}
	return fmt.Sprintf("datetime('now', '-' || (%s / 1000.0) || ' seconds')", msExpr)
}

// BoolToInt converts a boolean to an integer for SQL storage.
func BoolToInt(value bool) int {
	if value {
		return 1
	}
	return 0
}
