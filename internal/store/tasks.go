// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"database/sql"

	"github.com/spalloc/allocator-core/internal/store/model"
	allocerrors "github.com/spalloc/allocator-core/pkg/errors"
)

// GetQueuedTasks returns every allocation task for a QUEUED job on
// machineID, ordered by descending importance (ties broken by job id for
// determinism, which is an arbitrary but stable tie-break).
func (s *Store) GetQueuedTasks(ctx context.Context, tx *sql.Tx, machineID int64) ([]model.AllocationTask, error) {
	rows, err := tx.QueryContext(ctx, s.rebind(`
		SELECT t.job_id, t.num_boards, t.width, t.height, t.root_board_id, t.max_dead_boards, t.importance
		FROM allocation_tasks t
		JOIN jobs j ON j.id = t.job_id
		WHERE j.machine_id = ? AND j.state = ?
		ORDER BY t.importance DESC, t.job_id ASC`), machineID, model.JobQueued)
	if err != nil {
		return nil, allocerrors.Wrap(allocerrors.CodeStoreError, "get queued tasks", err)
	}
	defer rows.Close()

	var tasks []model.AllocationTask
	for rows.Next() {
		var t model.AllocationTask
		var numBoards, width, height sql.NullInt64
		var rootBoard sql.NullInt64
		if err := rows.Scan(&t.JobID, &numBoards, &width, &height, &rootBoard, &t.MaxDeadBoards, &t.Importance); err != nil {
			return nil, allocerrors.Wrap(allocerrors.CodeStoreError, "scan allocation task", err)
		}
		if numBoards.Valid {
			v := int(numBoards.Int64)
			t.NumBoards = &v
		}
		if width.Valid {
			v := int(width.Int64)
			t.Width = &v
		}
		if height.Valid {
			v := int(height.Int64)
			t.Height = &v
		}
		if rootBoard.Valid {
			v := rootBoard.Int64
			t.RootBoard = &v
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, allocerrors.Wrap(allocerrors.CodeStoreError, "iterate allocation tasks", err)
	}
	return tasks, nil
}

// ListQueuedMachineIDs returns the distinct machines that currently have
// at least one QUEUED allocation task, so the Allocator can scope its
// per-machine importance scan (spec §4.2: each machine has its own
// maxImportance cutoff) without scanning machines with nothing queued.
func (s *Store) ListQueuedMachineIDs(ctx context.Context, tx *sql.Tx) ([]int64, error) {
	rows, err := tx.QueryContext(ctx, s.rebind(`
		SELECT DISTINCT j.machine_id
		FROM jobs j
		JOIN allocation_tasks t ON t.job_id = j.id
		WHERE j.state = ?`), model.JobQueued)
	if err != nil {
		return nil, allocerrors.Wrap(allocerrors.CodeStoreError, "list queued machines", err)
	}
	defer rows.Close()
	return scanInt64s(rows)
}

// DeleteTask removes a job's allocation task row, whether it completed,
// was discarded as a bad request, or the job left the queue some other way.
func (s *Store) DeleteTask(ctx context.Context, tx *sql.Tx, jobID int64) error {
	_, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM allocation_tasks WHERE job_id = ?`), jobID)
	if err != nil {
		return allocerrors.Wrap(allocerrors.CodeStoreError, "delete allocation task", err)
	}
	return nil
}

// BumpImportance increments the importance of every still-queued task on
// machineID by one, so unserved requests become more eligible next pass.
// Uncapped and never reset (see DESIGN.md's Open Question decision).
func (s *Store) BumpImportance(ctx context.Context, tx *sql.Tx, machineID int64) error {
	_, err := tx.ExecContext(ctx, s.rebind(`
		UPDATE allocation_tasks SET importance = importance + 1
		WHERE job_id IN (SELECT id FROM jobs WHERE machine_id = ? AND state = ?)`),
		machineID, model.JobQueued)
	if err != nil {
		return allocerrors.Wrap(allocerrors.CodeStoreError, "bump importance", err)
	}
	return nil
}
