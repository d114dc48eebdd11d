// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package expiry

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	"github.com/spalloc/allocator-core/internal/collab"
	"github.com/spalloc/allocator-core/internal/epoch"
	"github.com/spalloc/allocator-core/internal/lifecycle"
	"github.com/spalloc/allocator-core/internal/store"
	"github.com/spalloc/allocator-core/internal/store/model"
	"github.com/spalloc/allocator-core/pkg/config"
	"github.com/spalloc/allocator-core/pkg/logging"
	"github.com/stretchr/testify/require"
)

type fakeQuota struct {
	kill map[int64]bool
}

func (f *fakeQuota) ShouldKillJob(ctx context.Context, jobID int64) (bool, error) {
	return f.kill[jobID], nil
}
func (f *fakeQuota) FinishJob(ctx context.Context, jobID int64) error { return nil }

type fakeBMP struct {
	triggered [][]int64
}

func (f *fakeBMP) TriggerSearch(ctx context.Context, bmpIDs []int64) {
	f.triggered = append(f.triggered, bmpIDs)
}
func (f *fakeBMP) EmergencyStop(ctx context.Context) {}

func newTestSweeper(t *testing.T, quota collab.QuotaManager) (*Sweeper, *store.Store, *fakeBMP) {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	s, err := store.Open(context.Background(), config.DriverSQLite3, dsn, logging.NoOpLogger{})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	epochs := epoch.NewRegistry()
	lc := lifecycle.New(s, quota, collab.NoOpSessionManager{}, epochs, logging.NoOpLogger{})
	bmp := &fakeBMP{}
	sw := New(s, lc, quota, bmp, epochs, 100000, logging.NoOpLogger{})
	return sw, s, bmp
}

func seedJobWithKeepalive(t *testing.T, s *store.Store, jobID int64, lastKeepalive time.Time, keepaliveSeconds int, boardIDs []int64) {
	t.Helper()
	err := s.WithTransaction(context.Background(), func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO machines (id, name, max_width, max_height, tags) VALUES (1, 'm', 4, 4, '')`); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO jobs (id, machine_id, owner, "group", state, created_at, last_keepalive, keepalive_interval, importance)
			VALUES (?, 1, 'alice', 'g', 'READY', ?, ?, ?, 0)`,
			jobID, time.Now(), lastKeepalive, keepaliveSeconds); err != nil {
			return err
		}
		for _, b := range boardIDs {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO boards (id, machine_id, x, y, z, ip_address, bmp_id, functioning, blacklisted, allocated_job)
				VALUES (?, 1, 0, 0, 0, '10.0.0.1', 5, 1, 0, ?)`, b, jobID); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)
}

func TestSweeper_DestroysExpiredJob(t *testing.T) {
	sw, s, bmp := newTestSweeper(t, &fakeQuota{})
	seedJobWithKeepalive(t, s, 1, time.Now().Add(-time.Hour), 30, []int64{10})

	require.NoError(t, sw.Run(context.Background()))

	err := s.WithTransaction(context.Background(), func(ctx context.Context, tx *sql.Tx) error {
		job, err := s.GetJob(ctx, tx, 1)
		require.NoError(t, err)
		require.Equal(t, model.JobDestroyed, job.State)
		require.NotNil(t, job.DeathReason)
		require.Equal(t, "keepalive expired", *job.DeathReason)
		return nil
	})
	require.NoError(t, err)
	require.NotEmpty(t, bmp.triggered)
}

func TestSweeper_LeavesFreshJobAlone(t *testing.T) {
	sw, s, _ := newTestSweeper(t, &fakeQuota{})
	seedJobWithKeepalive(t, s, 1, time.Now(), 30, []int64{10})

	require.NoError(t, sw.Run(context.Background()))

	err := s.WithTransaction(context.Background(), func(ctx context.Context, tx *sql.Tx) error {
		job, err := s.GetJob(ctx, tx, 1)
		require.NoError(t, err)
		require.Equal(t, model.JobReady, job.State)
		return nil
	})
	require.NoError(t, err)
}

func TestSweeper_DestroysOverQuotaJob(t *testing.T) {
	quota := &fakeQuota{kill: map[int64]bool{1: true}}
	sw, s, _ := newTestSweeper(t, quota)
	seedJobWithKeepalive(t, s, 1, time.Now(), 30, []int64{10})

	require.NoError(t, sw.Run(context.Background()))

	err := s.WithTransaction(context.Background(), func(ctx context.Context, tx *sql.Tx) error {
		job, err := s.GetJob(ctx, tx, 1)
		require.NoError(t, err)
		require.Equal(t, model.JobDestroyed, job.State)
		require.Equal(t, "quota exceeded", *job.DeathReason)
		return nil
	})
	require.NoError(t, err)
}
