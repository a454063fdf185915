package storage

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
)

// Dialect captures the few SQL differences between the supported engines.
// Queries are written with '?' placeholders and rebound per dialect.
type Dialect string

const (
	Postgres Dialect = "postgres"
	MySQL    Dialect = "mysql"
)

// ErrUnknownDialect is returned by ParseDialect for unsupported engines.
var ErrUnknownDialect = errors.New("unknown sql dialect")

// ParseDialect accepts "postgres"/"pgx"/"postgresql" and "mysql".
func ParseDialect(s string) (Dialect, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "postgres", "postgresql", "pgx":
		return Postgres, nil
	case "mysql":
		return MySQL, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownDialect, s)
	}
}

// DriverName is the database/sql driver registered for the dialect.
func (d Dialect) DriverName() string {
	if d == MySQL {
		return "mysql"
	}
	return "pgx"
}

// Rebind converts '?' placeholders to '$n' for PostgreSQL.
func (d Dialect) Rebind(query string) string {
	if d != Postgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// InsertIgnore builds an insert that silently skips rows violating the
// unique key formed by conflictColumns.
func (d Dialect) InsertIgnore(table string, columns []string, conflictColumns []string) string {
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(columns)), ", ")
	cols := strings.Join(columns, ", ")
	if d == MySQL {
		return fmt.Sprintf("INSERT IGNORE INTO %s (%s) VALUES (%s)", table, cols, placeholders)
	}
	return d.Rebind(fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) DO NOTHING",
		table, cols, placeholders, strings.Join(conflictColumns, ", ")))
}

// TenantScopeStatement sets the tenant visible to row-level security for the
// rest of the current transaction.
func (d Dialect) TenantScopeStatement() string {
	if d == MySQL {
		return "SET @app_tenant_id = ?"
	}
	return "SELECT set_config('app.tenant_id', $1, true)"
}

// IsUniqueViolation reports duplicate-key errors from either driver.
func (d Dialect) IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	return false
}

// Now is the SQL expression for the current timestamp.
func (d Dialect) Now() string {
	if d == MySQL {
		return "CURRENT_TIMESTAMP(6)"
	}
	return "NOW()"
}
