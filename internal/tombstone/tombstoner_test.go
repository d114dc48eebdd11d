// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package tombstone

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	"github.com/spalloc/allocator-core/internal/store"
	"github.com/spalloc/allocator-core/pkg/config"
	"github.com/spalloc/allocator-core/pkg/logging"
	"github.com/stretchr/testify/require"
)

func newLiveAndHistorical(t *testing.T) (*store.Store, *store.Store) {
	t.Helper()
	liveDSN := fmt.Sprintf("file:%s-live?mode=memory&cache=shared", t.Name())
	histDSN := fmt.Sprintf("file:%s-hist?mode=memory&cache=shared", t.Name())

	live, err := store.Open(context.Background(), config.DriverSQLite3, liveDSN, logging.NoOpLogger{})
	require.NoError(t, err)
	t.Cleanup(func() { live.Close() })

	hist, err := store.Open(context.Background(), config.DriverSQLite3, histDSN, logging.NoOpLogger{})
	require.NoError(t, err)
	t.Cleanup(func() { hist.Close() })

	return live, hist
}

func seedDestroyedJob(t *testing.T, live *store.Store, jobID int64, deathAt time.Time, boardID int64) {
	t.Helper()
	now := time.Now()
	err := live.WithTransaction(context.Background(), func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO machines (id, name, max_width, max_height, tags) VALUES (1, 'm', 4, 4, '')`); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO jobs (id, machine_id, owner, "group", state, created_at, last_keepalive, keepalive_interval, importance, death_reason, death_at)
			VALUES (?, 1, 'alice', 'g', 'DESTROYED', ?, ?, 30, 0, 'done', ?)`, jobID, now, now, deathAt); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `INSERT INTO historical_allocs (job_id, board_id) VALUES (?, ?)`, jobID, boardID)
		return err
	})
	require.NoError(t, err)
}

func TestTombstoner_NoHistoricalStoreIsNoOp(t *testing.T) {
	live, _ := newLiveAndHistorical(t)
	tb := New(live, nil, time.Hour, logging.NoOpLogger{})

	numJobs, numAllocs, err := tb.Run(context.Background())
	require.NoError(t, err)
	require.Zero(t, numJobs)
	require.Zero(t, numAllocs)
}

func TestTombstoner_CopiesOldDestroyedJobsAndDeletesFromLive(t *testing.T) {
	live, hist := newLiveAndHistorical(t)
	seedDestroyedJob(t, live, 1, time.Now().Add(-48*time.Hour), 100)

	tb := New(live, hist, 24*time.Hour, logging.NoOpLogger{})
	numJobs, numAllocs, err := tb.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, numJobs)
	require.Equal(t, 1, numAllocs)

	err = live.WithTransaction(context.Background(), func(ctx context.Context, tx *sql.Tx) error {
		_, err := live.GetJob(ctx, tx, 1)
		require.ErrorIs(t, err, store.ErrNoRows)
		return nil
	})
	require.NoError(t, err)

	err = hist.WithTransaction(context.Background(), func(ctx context.Context, tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `SELECT id FROM historical_jobs WHERE id = ?`, 1)
		var id int64
		require.NoError(t, row.Scan(&id))
		return nil
	})
	require.NoError(t, err)
}

func TestTombstoner_GracePeriodExcludesRecentJobs(t *testing.T) {
	live, hist := newLiveAndHistorical(t)
	seedDestroyedJob(t, live, 1, time.Now(), 100)

	tb := New(live, hist, 24*time.Hour, logging.NoOpLogger{})
	numJobs, _, err := tb.Run(context.Background())
	require.NoError(t, err)
	require.Zero(t, numJobs)
}

func TestTombstoner_RetryAfterPhase3IsIdempotent(t *testing.T) {
	live, hist := newLiveAndHistorical(t)
	seedDestroyedJob(t, live, 1, time.Now().Add(-48*time.Hour), 100)

	tb := New(live, hist, 24*time.Hour, logging.NoOpLogger{})

	var batch *Batch
	err := live.WithTransaction(context.Background(), func(ctx context.Context, tx *sql.Tx) error {
		var err error
		batch, err = live.ReadTombstoneCandidates(ctx, tx, time.Now().Add(-24*time.Hour))
		return err
	})
	require.NoError(t, err)
	require.Len(t, batch.Jobs, 1)

	err = hist.WithTransaction(context.Background(), func(ctx context.Context, tx *sql.Tx) error {
		return hist.InsertHistorical(ctx, tx, batch)
	})
	require.NoError(t, err)

	// Re-run the full pass; phase 2's upsert on the already-copied row
	// must not error, and phase 3 should still delete the live rows.
	numJobs, _, err := tb.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, numJobs)
}
