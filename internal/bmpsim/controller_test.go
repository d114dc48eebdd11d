// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package bmpsim

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	"github.com/spalloc/allocator-core/internal/store"
	"github.com/spalloc/allocator-core/internal/store/model"
	"github.com/spalloc/allocator-core/pkg/config"
	"github.com/spalloc/allocator-core/pkg/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	s, err := store.Open(context.Background(), config.DriverSQLite3, dsn, logging.NoOpLogger{})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func seedPendingChange(t *testing.T, s *store.Store, jobID, boardID, bmpID int64, power model.PowerState, source, target model.JobState) {
	t.Helper()
	err := s.WithTransaction(context.Background(), func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO machines (id, name, max_width, max_height, tags) VALUES (1, 'm', 4, 4, '')`); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO jobs (id, machine_id, owner, "group", state, created_at, last_keepalive, keepalive_interval, importance)
			VALUES (?, 1, 'alice', 'g', ?, ?, ?, 30, 0)`,
			jobID, source, time.Now(), time.Now()); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO boards (id, machine_id, x, y, z, ip_address, bmp_id, functioning, blacklisted, allocated_job)
			VALUES (?, 1, 0, 0, 0, '10.0.0.1', ?, 1, 0, ?)`, boardID, bmpID, jobID); err != nil {
			return err
		}
		pc := model.PendingChange{
			JobID: jobID, BoardID: boardID, BMPID: bmpID, Power: power,
			Enables:     map[model.Direction]bool{},
			SourceState: source, TargetState: target,
		}
		_, err := s.InsertPendingChange(ctx, tx, pc)
		return err
	})
	require.NoError(t, err)
}

func TestTriggerSearch_ResolvesAllChangesAndCallsUpdateJob(t *testing.T) {
	s := newTestStore(t)
	seedPendingChange(t, s, 1, 10, 5, model.PowerOn, model.JobQueued, model.JobReady)

	called := make(chan struct{}, 1)
	var gotJobID int64
	var gotSource, gotTarget model.JobState
	ctrl := New(s, func(ctx context.Context, jobID int64, source, target model.JobState) error {
		gotJobID, gotSource, gotTarget = jobID, source, target
		called <- struct{}{}
		return nil
	}, nil, logging.NoOpLogger{})

	ctrl.TriggerSearch(context.Background(), []int64{5})

	select {
	case <-called:
	case <-time.After(time.Second):
		t.Fatal("updateJob callback was not invoked")
	}

	assert.EqualValues(t, 1, gotJobID)
	assert.Equal(t, model.JobQueued, gotSource)
	assert.Equal(t, model.JobReady, gotTarget)

	err := s.WithTransaction(context.Background(), func(ctx context.Context, tx *sql.Tx) error {
		nChanges, _, err := s.CountPendingChanges(ctx, tx, 1, model.JobQueued, model.JobReady)
		require.NoError(t, err)
		assert.Zero(t, nChanges)
		return nil
	})
	require.NoError(t, err)
}

func TestTriggerSearch_SimulatedFailureRecordsError(t *testing.T) {
	s := newTestStore(t)
	seedPendingChange(t, s, 1, 10, 5, model.PowerOn, model.JobQueued, model.JobReady)

	called := make(chan struct{}, 1)
	ctrl := New(s, func(ctx context.Context, jobID int64, source, target model.JobState) error {
		called <- struct{}{}
		return nil
	}, func(pc model.PendingChange) bool { return true }, logging.NoOpLogger{})

	ctrl.TriggerSearch(context.Background(), []int64{5})

	select {
	case <-called:
	case <-time.After(time.Second):
		t.Fatal("updateJob callback was not invoked")
	}

	err := s.WithTransaction(context.Background(), func(ctx context.Context, tx *sql.Tx) error {
		nChanges, nErrors, err := s.CountPendingChanges(ctx, tx, 1, model.JobQueued, model.JobReady)
		require.NoError(t, err)
		assert.Equal(t, 1, nChanges)
		assert.Equal(t, 1, nErrors)
		return nil
	})
	require.NoError(t, err)
}

func TestEmergencyStop_SetsStoppedFlag(t *testing.T) {
	s := newTestStore(t)
	ctrl := New(s, func(context.Context, int64, model.JobState, model.JobState) error { return nil }, nil, logging.NoOpLogger{})

	assert.False(t, ctrl.Stopped())
	ctrl.EmergencyStop(context.Background())
	assert.True(t, ctrl.Stopped())
}
