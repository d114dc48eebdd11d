// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package store is the State Store Adapter: a thin, typed wrapper over
// a persistent relational store exposing positional parameterised
// queries (written with `?` placeholders and rebound per driver),
// updates returning row counts or generated keys, and single-level
// transactions through WithTransaction (transactions do not nest),
// backed by either Postgres or SQLite.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/spalloc/allocator-core/internal/collab"
	"github.com/spalloc/allocator-core/internal/store/driver"
	"github.com/spalloc/allocator-core/internal/store/schema"
	"github.com/spalloc/allocator-core/pkg/config"
	allocerrors "github.com/spalloc/allocator-core/pkg/errors"
	"github.com/spalloc/allocator-core/pkg/logging"
)

// Store satisfies collab.Store; every domain package depends on that
// interface rather than this concrete type.
var _ collab.Store = (*Store)(nil)

// Store implements collab.Store plus the domain-specific queries the
// allocation engine, lifecycle controller, expiry sweeper, and
// tombstoner run against either the live or the historical connection.
type Store struct {
	db     *sql.DB
	driver config.StoreDriver
	log    logging.Logger
}

// Open dials driverKind/dsn, applies the embedded schema, and returns a
// ready-to-use Store.
func Open(ctx context.Context, driverKind config.StoreDriver, dsn string, log logging.Logger) (*Store, error) {
	if log == nil {
		log = logging.NoOpLogger{}
	}

	db, err := driver.Open(driverKind, dsn)
	if err != nil {
		return nil, allocerrors.Wrap(allocerrors.CodeStoreError, "open store connection", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, allocerrors.Wrap(allocerrors.CodeStoreError, "ping store connection", err)
	}

	if driverKind == config.DriverSQLite3 {
		// SQLite allows only one writer at a time; capping the pool at a
		// single connection also keeps an in-memory (":memory:") database
		// from silently fragmenting across multiple private connections.
		db.SetMaxOpenConns(1)
	}

	s := &Store{db: db, driver: driverKind, log: log}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	var ddl string
	switch s.driver {
	case config.DriverPostgres:
		ddl = schema.Postgres
	default:
		ddl = schema.SQLite
	}

	for _, stmt := range strings.Split(ddl, ";\n") {
		var lines []string
		for _, line := range strings.Split(stmt, "\n") {
			if !strings.HasPrefix(strings.TrimSpace(line), "--") {
				lines = append(lines, line)
			}
		}
		stmt = strings.TrimSpace(strings.Join(lines, "\n"))
		if stmt == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return allocerrors.Wrap(allocerrors.CodeStoreError, "apply schema", err)
		}
	}
	return nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// Driver reports which backend this Store was opened against, so
// callers (the tombstoner's upsert path, notably) can pick the matching
// SQL dialect fragment.
func (s *Store) Driver() config.StoreDriver {
	return s.driver
}

// WithTransaction runs fn inside a single transaction: serializable on
// Postgres (where the driver supports it), best-effort on SQLite, whose
// single-writer semantics make the isolation level moot. Exactly one of
// commit or rollback always runs; a panic inside fn is rolled back and
// re-thrown.
func (s *Store) WithTransaction(ctx context.Context, fn func(ctx context.Context, tx *sql.Tx) error) error {
	opts := &sql.TxOptions{}
	if s.driver == config.DriverPostgres {
		opts.Isolation = sql.LevelSerializable
	}

	tx, err := s.db.BeginTx(ctx, opts)
	if err != nil {
		return allocerrors.Wrap(allocerrors.CodeStoreError, "begin transaction", err)
	}

	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(ctx, tx); err != nil {
		tx.Rollback()
		return classifyTxError(err)
	}

	if err := tx.Commit(); err != nil {
		return allocerrors.Wrap(allocerrors.CodeStoreError, "commit transaction", err)
	}
	return nil
}

// classifyTxError passes AllocErrors through untouched (the caller
// already classified them) and wraps anything else as an unexpected
// store error.
func classifyTxError(err error) error {
	if allocerrors.CodeOf(err) != allocerrors.CodeUnknown {
		return err
	}
	return allocerrors.Wrap(allocerrors.CodeStoreError, "transaction failed", err)
}

func (s *Store) rebind(query string) string {
	return driver.Rebind(s.driver, query)
}

// insertIgnorePrefix and conflictClause compose the driver-specific
// idempotent-insert fragments the tombstoner's phase 2 needs.
func (s *Store) insertIgnorePrefix() string {
	return driver.InsertIgnorePrefix(s.driver)
}

func (s *Store) conflictClause(conflictColumns string) string {
	clause := driver.UpsertIgnoreClause(s.driver, conflictColumns)
	if clause == "" {
		return ""
	}
	return " " + clause
}

// ErrNoRows is returned by single-row lookups that found nothing; callers
// typically translate it to "no candidate" rather than an error.
var ErrNoRows = fmt.Errorf("store: %w", sql.ErrNoRows)
