// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package driver selects and opens the two database/sql drivers the
// allocation engine supports: Postgres for production deployments and
// SQLite for local development, tests, and the historical store in
// small installations.
package driver

import (
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/spalloc/allocator-core/pkg/config"
)

// Open dials the driver named by kind against dsn. The returned *sql.DB
// is a pool; callers are expected to size it with SetMaxOpenConns as
// appropriate for their deployment.
func Open(kind config.StoreDriver, dsn string) (*sql.DB, error) {
	switch kind {
	case config.DriverPostgres:
		return sql.Open("postgres", dsn)
	case config.DriverSQLite3:
		return sql.Open("sqlite3", dsn)
	default:
		return nil, fmt.Errorf("unsupported store driver: %q", kind)
	}
}

// Rebind rewrites a query written with `?` placeholders into the form
// the given driver expects. SQLite accepts `?` directly; Postgres
// requires positional `$1`, `$2`, ... parameters.
func Rebind(kind config.StoreDriver, query string) string {
	if kind != config.DriverPostgres {
		return query
	}

	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// UpsertIgnoreClause returns the driver-specific SQL fragment that makes
// an insert a no-op when the row already exists, used by the tombstoner
// to make its historical-store copy idempotent.
func UpsertIgnoreClause(kind config.StoreDriver, conflictColumns string) string {
	if kind == config.DriverPostgres {
		return fmt.Sprintf("ON CONFLICT (%s) DO NOTHING", conflictColumns)
	}
	return "" // SQLite variant uses "INSERT OR IGNORE" at the statement head instead.
}

// InsertIgnorePrefix returns "INSERT OR IGNORE" for SQLite and plain
// "INSERT" for Postgres, where UpsertIgnoreClause supplies the trailing
// ON CONFLICT instead.
func InsertIgnorePrefix(kind config.StoreDriver) string {
	if kind == config.DriverSQLite3 {
		return "INSERT OR IGNORE"
	}
	return "INSERT"
}
