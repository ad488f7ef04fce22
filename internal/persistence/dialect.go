package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/lib/pq"
)

// Dialect selects the SQL flavour of the ledger state database.
type Dialect string

const (
	Postgres Dialect = "postgres"
	MySQL    Dialect = "mysql"
)

// ParseDialect accepts "postgres" (alias "postgresql", "pg") or "mysql".
func ParseDialect(s string) (Dialect, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "postgres", "postgresql", "pg", "":
		return Postgres, nil
	case "mysql":
		return MySQL, nil
	default:
		return "", fmt.Errorf("unknown database dialect %q", s)
	}
}

// DriverName is the database/sql driver registered for the dialect.
func (d Dialect) DriverName() string {
	return string(d)
}

// Placeholder returns the n-th (1-based) bind parameter.
func (d Dialect) Placeholder(n int) string {
	if d == MySQL {
		return "?"
	}
	return "$" + strconv.Itoa(n)
}

// Table qualifies a vault table name. MySQL has no schemas inside a
// database, so the schema becomes a name prefix.
func (d Dialect) Table(name string) string {
	if d == MySQL {
		return "vault_" + name
	}
	return "vault." + name
}

// OwnerFilter renders "owner IN owners" starting at bind parameter n and
// returns the clause with its arguments. An empty owner list matches all.
func (d Dialect) OwnerFilter(column string, owners []string, n int) (string, []interface{}) {
	if len(owners) == 0 {
		return "", nil
	}
	if d == Postgres {
		return fmt.Sprintf("%s = ANY(%s)", column, d.Placeholder(n)), []interface{}{pq.Array(owners)}
	}
	marks := make([]string, len(owners))
	args := make([]interface{}, len(owners))
	for i, o := range owners {
		marks[i] = d.Placeholder(n + i)
		args[i] = o
	}
	return fmt.Sprintf("%s IN (%s)", column, strings.Join(marks, ", ")), args
}

// normalizeDSN adds the connection settings the vault queries rely on.
func (d Dialect) normalizeDSN(dsn string) (string, error) {
	if d != MySQL {
		return dsn, nil
	}
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return "", fmt.Errorf("parse mysql dsn: %w", err)
	}
	cfg.ParseTime = true
	cfg.MultiStatements = true
	cfg.Loc = time.UTC
	if cfg.Params == nil {
		cfg.Params = map[string]string{}
	}
	cfg.Params["sql_mode"] = "'STRICT_ALL_TABLES'"
	return cfg.FormatDSN(), nil
}

// Open connects to the database and verifies the connection.
func Open(ctx context.Context, d Dialect, dsn string, maxOpen int) (*sql.DB, error) {
	dsn, err := d.normalizeDSN(dsn)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(d.DriverName(), dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", d, err)
	}
	if maxOpen > 0 {
		db.SetMaxOpenConns(maxOpen)
		db.SetMaxIdleConns(maxOpen / 2)
	}
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", d, err)
	}
	return db, nil
}
