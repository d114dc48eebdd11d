// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package alloc

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
	allocerrors "github.com/spalloc/allocator-core/pkg/errors"
	"github.com/spalloc/allocator-core/pkg/logging"
	"github.com/stretchr/testify/require"
)

func intPtr(v int) *int { return &v }

func TestClassify_NumBoards(t *testing.T) {
	shape, err := classify(model.AllocationTask{JobID: 1, NumBoards: intPtr(3)})
	require.NoError(t, err)
	require.Equal(t, shapeNumBoards{numBoards: 3}, shape)
}

func TestClassify_RectangleOneByOneWithTwoDeadClassifiesAsRectangle(t *testing.T) {
	shape, err := classify(model.AllocationTask{JobID: 1, Width: intPtr(1), Height: intPtr(1), MaxDeadBoards: 2})
	require.NoError(t, err)
	require.Equal(t, shapeRectangle{width: 1, height: 1, maxDeadBoards: 2}, shape)
}

func TestClassify_NoFieldsIsBadRequest(t *testing.T) {
	_, err := classify(model.AllocationTask{JobID: 1})
	require.True(t, allocerrors.IsBadRequest(err))
}

func TestDimensionEstimate(t *testing.T) {
	width, height, tolerance, err := dimensionEstimate(6, 10, 10)
	require.NoError(t, err)
	require.Equal(t, 2, width)
	require.Equal(t, 1, height)
	require.Equal(t, 0, tolerance)
}

func TestDimensionEstimate_ExceedsMachineFailsBadRequest(t *testing.T) {
	_, _, _, err := dimensionEstimate(1000, 2, 2)
	require.True(t, allocerrors.IsBadRequest(err))
}

func TestDimensionEstimateForRect_NegativeToleranceFails(t *testing.T) {
	_, err := dimensionEstimateForRect(10, 10, 2, 2)
	require.True(t, allocerrors.IsBadRequest(err))
}

func newTestEngine(t *testing.T) (*Engine, *store.Store) {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	s, err := store.Open(context.Background(), config.DriverSQLite3, dsn, logging.NoOpLogger{})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	epochs := epoch.NewRegistry()
	lc := lifecycle.New(s, collab.NoOpQuotaManager{}, collab.NoOpSessionManager{}, epochs, logging.NoOpLogger{})
	e := New(s, lc, collab.NoOpSessionManager{}, epochs, 10, 3, logging.NoOpLogger{})
	return e, s
}

func seedMachineWithBoard(t *testing.T, s *store.Store, machineID, boardID int64) {
	t.Helper()
	err := s.WithTransaction(context.Background(), func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `INSERT INTO machines (id, name, max_width, max_height, tags) VALUES (?, 'm', 4, 4, '')`, machineID); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO boards (id, machine_id, x, y, z, ip_address, bmp_id, functioning, blacklisted, allocated_job)
			VALUES (?, ?, 0, 0, 0, '10.0.0.1', 7, 1, 0, NULL)`, boardID, machineID)
		return err
	})
	require.NoError(t, err)
}

func seedQueuedJob(t *testing.T, s *store.Store, jobID, machineID int64, numBoards int) {
	t.Helper()
	now := time.Now()
	err := s.WithTransaction(context.Background(), func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO jobs (id, machine_id, owner, "group", state, created_at, last_keepalive, keepalive_interval, importance)
			VALUES (?, ?, 'alice', 'g', 'QUEUED', ?, ?, 30, 0)`, jobID, machineID, now, now); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO allocation_tasks (job_id, num_boards, max_dead_boards, importance)
			VALUES (?, ?, 0, 0)`, jobID, numBoards)
		return err
	})
	require.NoError(t, err)
}

func TestAllocate_PlacesSingleBoardJob(t *testing.T) {
	e, s := newTestEngine(t)
	seedMachineWithBoard(t, s, 1, 100)
	seedQueuedJob(t, s, 1, 1, 1)

	allocations, err := e.Allocate(context.Background())
	require.NoError(t, err)
	require.Contains(t, allocations.JobIDs, int64(1))
	require.Contains(t, allocations.BMPIDs, int64(7))

	err = s.WithTransaction(context.Background(), func(ctx context.Context, tx *sql.Tx) error {
		job, err := s.GetJob(ctx, tx, 1)
		require.NoError(t, err)
		require.Equal(t, model.JobPower, job.State)
		require.NotNil(t, job.Geometry)
		require.Equal(t, 1, job.Geometry.NumBoards)
		return nil
	})
	require.NoError(t, err)
}

func seedMachineWithTriad(t *testing.T, s *store.Store, machineID, firstBoardID int64) {
	t.Helper()
	err := s.WithTransaction(context.Background(), func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `INSERT INTO machines (id, name, max_width, max_height, tags) VALUES (?, 'm', 4, 4, '')`, machineID); err != nil {
			return err
		}
		for z := 0; z < 3; z++ {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO boards (id, machine_id, x, y, z, ip_address, bmp_id, functioning, blacklisted, allocated_job)
				VALUES (?, ?, 0, 0, ?, '10.0.0.1', 7, 1, 0, NULL)`, firstBoardID+int64(z), machineID, z); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)
}

// A single-board request on a machine whose (0,0) triad has all three
// z slots free must take exactly one board at depth 1, not sweep the
// whole column.
func TestAllocate_SingleBoardRequestDoesNotSweepTriadColumn(t *testing.T) {
	e, s := newTestEngine(t)
	seedMachineWithTriad(t, s, 1, 100)
	seedQueuedJob(t, s, 1, 1, 1)

	allocations, err := e.Allocate(context.Background())
	require.NoError(t, err)
	require.Contains(t, allocations.JobIDs, int64(1))

	err = s.WithTransaction(context.Background(), func(ctx context.Context, tx *sql.Tx) error {
		job, err := s.GetJob(ctx, tx, 1)
		require.NoError(t, err)
		require.NotNil(t, job.Geometry)
		require.Equal(t, 1, job.Geometry.Depth)
		require.Equal(t, 1, job.Geometry.NumBoards)

		var stillFree int
		row := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM boards WHERE machine_id = 1 AND allocated_job IS NULL`)
		require.NoError(t, row.Scan(&stillFree))
		require.Equal(t, 2, stillFree, "the other two boards in the triad must remain free")
		return nil
	})
	require.NoError(t, err)
}

func TestAllocate_NoFreeBoardsLeavesJobQueued(t *testing.T) {
	e, s := newTestEngine(t)
	seedMachineWithBoard(t, s, 1, 100)
	seedQueuedJob(t, s, 1, 1, 1)
	seedQueuedJob(t, s, 2, 1, 1)

	allocations, err := e.Allocate(context.Background())
	require.NoError(t, err)
	require.Len(t, allocations.JobIDs, 1)

	err = s.WithTransaction(context.Background(), func(ctx context.Context, tx *sql.Tx) error {
		job, err := s.GetJob(ctx, tx, 2)
		require.NoError(t, err)
		require.Equal(t, model.JobQueued, job.State)
		return nil
	})
	require.NoError(t, err)
}

func TestAllocate_BadRequestTaskIsDiscarded(t *testing.T) {
	e, s := newTestEngine(t)
	seedMachineWithBoard(t, s, 1, 100)

	now := time.Now()
	err := s.WithTransaction(context.Background(), func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO jobs (id, machine_id, owner, "group", state, created_at, last_keepalive, keepalive_interval, importance)
			VALUES (99, 1, 'alice', 'g', 'QUEUED', ?, ?, 30, 0)`, now, now); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `INSERT INTO allocation_tasks (job_id, max_dead_boards, importance) VALUES (99, 0, 0)`)
		return err
	})
	require.NoError(t, err)

	_, err = e.Allocate(context.Background())
	require.NoError(t, err)

	err = s.WithTransaction(context.Background(), func(ctx context.Context, tx *sql.Tx) error {
		tasks, err := s.GetQueuedTasks(ctx, tx, 1)
		require.NoError(t, err)
		require.Empty(t, tasks)
		return nil
	})
	require.NoError(t, err)
}
