// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package tombstone implements the Tombstoner: the cron-scheduled,
// two-phase archival copy of destroyed jobs from the live store into a
// historical store.
package tombstone

import (
	"context"
	"database/sql"
	"time"

	"github.com/spalloc/allocator-core/internal/store"
	"github.com/spalloc/allocator-core/pkg/logging"
)

// Batch is an alias for internal/store.TombstoneBatch, named locally so
// callers of this package don't need to import internal/store directly.
type Batch = store.TombstoneBatch

// LiveStore is the subset of internal/store.Store the Tombstoner reads
// from and deletes against on the live connection. It is declared here
// rather than folded into internal/collab.Store because the Tombstoner
// is the only component that straddles two independent Store instances
// with driver-specific upsert dialects; giving it its own narrow
// interface keeps collab.Store from carrying methods only one caller
// needs.
type LiveStore interface {
	WithTransaction(ctx context.Context, fn func(ctx context.Context, tx *sql.Tx) error) error
	ReadTombstoneCandidates(ctx context.Context, tx *sql.Tx, olderThan time.Time) (*Batch, error)
	DeleteLiveCopied(ctx context.Context, tx *sql.Tx, batch *Batch) error
}

// HistoricalStore is the subset needed on the historical connection.
type HistoricalStore interface {
	WithTransaction(ctx context.Context, fn func(ctx context.Context, tx *sql.Tx) error) error
	InsertHistorical(ctx context.Context, tx *sql.Tx, batch *Batch) error
}

// Tombstoner runs the two-phase archival copy on a cron schedule.
// A nil HistoricalStore makes Run a no-op, per spec §4.5.
type Tombstoner struct {
	live        LiveStore
	historical  HistoricalStore
	gracePeriod time.Duration
	log         logging.Logger
}

// New constructs a Tombstoner. historical may be nil, meaning no
// historical store is configured; Run then no-ops.
func New(live LiveStore, historical HistoricalStore, gracePeriod time.Duration, log logging.Logger) *Tombstoner {
	if log == nil {
		log = logging.NoOpLogger{}
	}
	return &Tombstoner{live: live, historical: historical, gracePeriod: gracePeriod, log: log}
}

// Run executes one archival pass, implementing spec §4.5's two-phase
// copy (phase 1 read, phase 2 historical insert, phase 3 live delete). Returns (numJobs, numAllocs). No-ops with (0, 0, nil) when no
// historical store is configured.
func (t *Tombstoner) Run(ctx context.Context) (numJobs, numAllocs int, err error) {
	if t.historical == nil {
		return 0, 0, nil
	}

	var batch *Batch
	err = t.live.WithTransaction(ctx, func(ctx context.Context, tx *sql.Tx) error {
		var err error
		batch, err = t.live.ReadTombstoneCandidates(ctx, tx, time.Now().Add(-t.gracePeriod))
		return err
	})
	if err != nil {
		return 0, 0, err
	}
	if batch == nil || len(batch.Jobs) == 0 {
		return 0, 0, nil
	}

	err = t.historical.WithTransaction(ctx, func(ctx context.Context, tx *sql.Tx) error {
		return t.historical.InsertHistorical(ctx, tx, batch)
	})
	if err != nil {
		// Phase 2 failed: phase 3 is skipped. The next run re-reads the
		// same candidates and retries the upsert, which tolerates the
		// duplicate rows any partially-applied insert left behind.
		t.log.Warn("tombstone phase 2 (historical insert) failed, skipping delete", "error", err)
		return 0, 0, err
	}

	err = t.live.WithTransaction(ctx, func(ctx context.Context, tx *sql.Tx) error {
		return t.live.DeleteLiveCopied(ctx, tx, batch)
	})
	if err != nil {
		// Phase 3 failed after phase 2 succeeded: the next run re-copies
		// (a no-op upsert) and retries the delete.
		t.log.Warn("tombstone phase 3 (live delete) failed, will retry next run", "error", err)
		return 0, 0, err
	}

	return len(batch.Jobs), len(batch.Allocs), nil
}
