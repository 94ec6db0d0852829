package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"

	"github.com/arelbir/quado-lite-sub003/internal/config"
)

func databaseType() string {
	return config.GetSystemSettingString(config.DATABASE_TYPE)
}

// placeholder returns the correct bind variable for the given index based on DB type.
// Postgres uses $1, $2... while MySQL and SQLite use ?
func placeholder(i int) string {
	if databaseType() == config.DATABASE_TYPE_POSTGRES {
		return fmt.Sprintf("$%d", i)
	}
	return "?"
}

// placeholders returns n comma separated bind variables starting at index from.
func placeholders(from, n int) string {
	pps := make([]string, 0, n)
	for i := 0; i < n; i++ {
		pps = append(pps, placeholder(from+i))
	}
	return strings.Join(pps, ", ")
}

func supportsReturning() bool {
	return databaseType() == config.DATABASE_TYPE_POSTGRES
}

// dateBefore returns a predicate checking that column is strictly before the bind variable at
// index i. SQLite stores timestamps as text so both sides go through julianday().
func dateBefore(column string, i int) string {
	if databaseType() == config.DATABASE_TYPE_SQLLITE {
		return fmt.Sprintf("julianday(%s) < julianday(%s)", column, placeholder(i))
	}
	return fmt.Sprintf("%s < %s", column, placeholder(i))
}

// dateAfter is the mirror of dateBefore.
func dateAfter(column string, i int) string {
	if databaseType() == config.DATABASE_TYPE_SQLLITE {
		return fmt.Sprintf("julianday(%s) > julianday(%s)", column, placeholder(i))
	}
	return fmt.Sprintf("%s > %s", column, placeholder(i))
}

// hoursBetween returns an expression for the number of hours from start to end.
func hoursBetween(start, end string) string {
	switch databaseType() {
	case config.DATABASE_TYPE_POSTGRES:
		return fmt.Sprintf("EXTRACT(EPOCH FROM (%s - %s)) / 3600.0", end, start)
	case config.DATABASE_TYPE_MYSQL:
		return fmt.Sprintf("TIMESTAMPDIFF(SECOND, %s, %s) / 3600.0", start, end)
	default:
		return fmt.Sprintf("(julianday(%s) - julianday(%s)) * 24.0", end, start)
	}
}

func formatDateInDatabase(t time.Time) string {
	switch databaseType() {
	case config.DATABASE_TYPE_SQLLITE:
		return t.UTC().Format("2006-01-02 15:04:05.000")
	case config.DATABASE_TYPE_MYSQL:
		return t.UTC().Format("2006-01-02 15:04:05.000000")
	}
	// PostgreSQL supports RFC3339
	return t.UTC().Format(time.RFC3339Nano)
}

func formatDateInDatabaseNull(t sql.NullTime) interface{} {
	if !t.Valid {
		return nil
	}
	return formatDateInDatabase(t.Time)
}

func nullInt64(v sql.NullInt64) interface{} {
	if !v.Valid {
		return nil
	}
	return v.Int64
}

func nullString(v sql.NullString) interface{} {
	if !v.Valid {
		return nil
	}
	return v.String
}

// queryRower is satisfied by both *sql.DB and *sql.Tx.
type queryRower interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// insertReturningID runs the insert and reports the generated id, using RETURNING where the
// dialect supports it and LastInsertId otherwise.
func insertReturningID(ctx context.Context, db queryRower, base string, vals ...any) (int64, error) {
	var id int64
	if supportsReturning() {
		if err := db.QueryRowContext(ctx, base+" RETURNING id", vals...).Scan(&id); err != nil {
			return 0, err
		}
		return id, nil
	}
	res, err := db.ExecContext(ctx, base, vals...)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// execAffectedOne runs an update guarded by an optimistic predicate and reports whether exactly
// one row matched.
func execAffectedOne(ctx context.Context, db queryRower, query string, vals ...any) (bool, error) {
	res, err := db.ExecContext(ctx, query, vals...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// isUniqueViolation recognises unique constraint errors of all three drivers.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == 1062
	}
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.ExtendedCode == sqlite3.ErrConstraintUnique || liteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}
