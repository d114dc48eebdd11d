// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	"github.com/spalloc/allocator-core/internal/alloc"
	"github.com/spalloc/allocator-core/internal/collab"
	"github.com/spalloc/allocator-core/internal/epoch"
	"github.com/spalloc/allocator-core/internal/estop"
	"github.com/spalloc/allocator-core/internal/expiry"
	"github.com/spalloc/allocator-core/internal/lifecycle"
	"github.com/spalloc/allocator-core/internal/scheduler"
	"github.com/spalloc/allocator-core/internal/store"
	"github.com/spalloc/allocator-core/internal/store/model"
	"github.com/spalloc/allocator-core/internal/tombstone"
	"github.com/spalloc/allocator-core/pkg/config"
	"github.com/spalloc/allocator-core/pkg/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBMP struct {
	searched [][]int64
	stopped  int
}

func (f *fakeBMP) TriggerSearch(ctx context.Context, bmpIDs []int64) {
	f.searched = append(f.searched, bmpIDs)
}
func (f *fakeBMP) EmergencyStop(ctx context.Context) { f.stopped++ }

func newTestEngine(t *testing.T) (*Engine, *store.Store, *fakeBMP) {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	s, err := store.Open(context.Background(), config.DriverSQLite3, dsn, logging.NoOpLogger{})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	epochs := epoch.NewRegistry()
	lc := lifecycle.New(s, collab.NoOpQuotaManager{}, collab.NoOpSessionManager{}, epochs, logging.NoOpLogger{})
	allocEngine := alloc.New(s, lc, collab.NoOpSessionManager{}, epochs, 10, 3, logging.NoOpLogger{})
	sched := scheduler.New(logging.NoOpLogger{})
	bmp := &fakeBMP{}
	sweeper := expiry.New(s, lc, collab.NoOpQuotaManager{}, bmp, epochs, 1000, logging.NoOpLogger{})
	tomb := tombstone.New(s, nil, 7*24*time.Hour, logging.NoOpLogger{})
	estopCtrl := estop.New(s, lc, bmp, sched, logging.NoOpLogger{})

	e := New(s, lc, allocEngine, sweeper, tomb, estopCtrl, sched, bmp, epochs, logging.NoOpLogger{})
	return e, s, bmp
}

func seedJobWithBoard(t *testing.T, s *store.Store, jobID, boardID int64, state model.JobState) {
	t.Helper()
	err := s.WithTransaction(context.Background(), func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO machines (id, name, max_width, max_height, tags) VALUES (1, 'm', 4, 4, '')`); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO jobs (id, machine_id, owner, "group", state, created_at, last_keepalive, keepalive_interval, importance)
			VALUES (?, 1, 'alice', 'g', ?, ?, ?, 30, 0)`,
			jobID, state, time.Now(), time.Now()); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO boards (id, machine_id, x, y, z, ip_address, bmp_id, functioning, blacklisted, allocated_job)
			VALUES (?, 1, 0, 0, 0, '10.0.0.1', 5, 1, 0, ?)`, boardID, jobID)
		return err
	})
	require.NoError(t, err)
}

func TestSetPower_NotifiesEpochAndBMP(t *testing.T) {
	e, s, bmp := newTestEngine(t)
	seedJobWithBoard(t, s, 1, 10, model.JobQueued)

	require.NoError(t, e.SetPower(context.Background(), 1, model.PowerOn, model.JobPower))

	assert.Len(t, bmp.searched, 1)
	assert.Contains(t, bmp.searched[0], int64(5))
}

func TestDestroyJob_SetsDeathReasonAndNotifies(t *testing.T) {
	e, s, bmp := newTestEngine(t)
	seedJobWithBoard(t, s, 1, 10, model.JobReady)

	require.NoError(t, e.DestroyJob(context.Background(), 1, "client request"))

	err := s.WithTransaction(context.Background(), func(ctx context.Context, tx *sql.Tx) error {
		job, err := s.GetJob(ctx, tx, 1)
		require.NoError(t, err)
		require.NotNil(t, job.DeathReason)
		assert.Equal(t, "client request", *job.DeathReason)
		return nil
	})
	require.NoError(t, err)
	assert.Len(t, bmp.searched, 1)
}

func TestUpdateJob_ResultUpdated_SetsReadyWithoutBMPNotifyWhenNothingPending(t *testing.T) {
	e, s, bmp := newTestEngine(t)
	seedJobWithBoard(t, s, 1, 10, model.JobPower)

	require.NoError(t, e.UpdateJob(context.Background(), 1, model.JobQueued, model.JobReady))

	err := s.WithTransaction(context.Background(), func(ctx context.Context, tx *sql.Tx) error {
		job, err := s.GetJob(ctx, tx, 1)
		require.NoError(t, err)
		assert.Equal(t, model.JobReady, job.State)
		return nil
	})
	require.NoError(t, err)
	assert.Empty(t, bmp.searched, "no pending changes were left to notify about")
}

func TestUpdateJob_SuppressedDuringEmergencyStop(t *testing.T) {
	e, s, bmp := newTestEngine(t)
	seedJobWithBoard(t, s, 1, 10, model.JobPower)

	require.NoError(t, e.EmergencyStop(context.Background()))
	bmp.searched = nil

	require.NoError(t, e.UpdateJob(context.Background(), 1, model.JobQueued, model.JobReady))
	assert.Empty(t, bmp.searched, "updateJob must not touch the store once stopped")
	assert.EqualValues(t, 1, e.estop.SuppressedUpdateCount())
}

func TestEmergencyStop_DestroysLiveJobsAndStopsScheduler(t *testing.T) {
	e, s, bmp := newTestEngine(t)
	seedJobWithBoard(t, s, 1, 10, model.JobReady)

	require.NoError(t, e.EmergencyStop(context.Background()))

	assert.Equal(t, 1, bmp.stopped)
	err := s.WithTransaction(context.Background(), func(ctx context.Context, tx *sql.Tx) error {
		job, err := s.GetJob(ctx, tx, 1)
		require.NoError(t, err)
		assert.Equal(t, model.JobDestroyed, job.State)
		return nil
	})
	require.NoError(t, err)
}

func TestAllocate_NoQueuedTasksIsNoOp(t *testing.T) {
	e, _, bmp := newTestEngine(t)
	require.NoError(t, e.Allocate(context.Background()))
	assert.Empty(t, bmp.searched)
}

func TestExpireJobs_NoLiveJobsIsNoOp(t *testing.T) {
	e, _, _ := newTestEngine(t)
	require.NoError(t, e.ExpireJobs(context.Background()))
}

func TestTombstone_NoHistoricalStoreIsNoOp(t *testing.T) {
	e, _, _ := newTestEngine(t)
	require.NoError(t, e.Tombstone(context.Background()))
}

func TestScheduleAllocateNow_DoesNotPanicWithNoQueuedTasks(t *testing.T) {
	e, _, _ := newTestEngine(t)
	e.ScheduleAllocateNow(context.Background())
	time.Sleep(20 * time.Millisecond)
}
