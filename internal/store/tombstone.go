// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/spalloc/allocator-core/internal/store/model"
	allocerrors "github.com/spalloc/allocator-core/pkg/errors"
)

// TombstoneBatch is the in-memory payload read from the live store in
// phase 1 of the tombstoner's two-phase copy.
type TombstoneBatch struct {
	Jobs   []model.Job
	Allocs []JobBoardAlloc
}

// JobBoardAlloc is one (job, board) pair copied into historical_allocs.
type JobBoardAlloc struct {
	JobID   int64
	BoardID int64
}

// ReadTombstoneCandidates reads (phase 1) every destroyed job older than
// olderThan, along with the board ids it last held, without deleting
// anything.
func (s *Store) ReadTombstoneCandidates(ctx context.Context, tx *sql.Tx, olderThan time.Time) (*TombstoneBatch, error) {
	rows, err := tx.QueryContext(ctx, s.rebind(`
		SELECT id, machine_id, owner, "group", width, height, depth, root_board_id,
		       num_boards, state, created_at, last_keepalive, keepalive_interval,
		       keepalive_host, death_reason, death_at, request, importance, tags
		FROM jobs WHERE state = ? AND death_at IS NOT NULL AND death_at < ?`),
		model.JobDestroyed, olderThan)
	if err != nil {
		return nil, allocerrors.Wrap(allocerrors.CodeStoreError, "read tombstone candidates", err)
	}

	var batch TombstoneBatch
	var jobIDs []int64
	for rows.Next() {
		j, err := scanJobRows(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		batch.Jobs = append(batch.Jobs, *j)
		jobIDs = append(jobIDs, j.ID)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, allocerrors.Wrap(allocerrors.CodeStoreError, "iterate tombstone candidates", err)
	}
	rows.Close()

	for _, jobID := range jobIDs {
		allocRows, err := tx.QueryContext(ctx, s.rebind(`SELECT job_id, board_id FROM historical_allocs WHERE job_id = ?`), jobID)
		if err != nil {
			return nil, allocerrors.Wrap(allocerrors.CodeStoreError, "read historical allocs", err)
		}
		for allocRows.Next() {
			var a JobBoardAlloc
			if err := allocRows.Scan(&a.JobID, &a.BoardID); err != nil {
				allocRows.Close()
				return nil, allocerrors.Wrap(allocerrors.CodeStoreError, "scan historical alloc", err)
			}
			batch.Allocs = append(batch.Allocs, a)
		}
		if err := allocRows.Err(); err != nil {
			allocRows.Close()
			return nil, allocerrors.Wrap(allocerrors.CodeStoreError, "iterate historical allocs", err)
		}
		allocRows.Close()
	}

	return &batch, nil
}

// scanJobRows mirrors scanJob but reads from a *sql.Rows cursor instead
// of a single *sql.Row.
func scanJobRows(rows *sql.Rows) (*model.Job, error) {
	var j model.Job
	var width, height, depth, numBoards sql.NullInt64
	var rootBoard sql.NullInt64
	var deathReason sql.NullString
	var deathAt sql.NullTime
	var keepaliveSeconds int64
	var tags string

	err := rows.Scan(&j.ID, &j.MachineID, &j.Owner, &j.Group, &width, &height, &depth,
		&rootBoard, &numBoards, &j.State, &j.CreatedAt, &j.LastKeepalive,
		&keepaliveSeconds, &j.KeepaliveHost, &deathReason, &deathAt, &j.Request,
		&j.Importance, &tags)
	if err != nil {
		return nil, allocerrors.Wrap(allocerrors.CodeStoreError, "scan job row", err)
	}

	j.KeepaliveInterval = time.Duration(keepaliveSeconds) * time.Second
	if deathReason.Valid {
		j.DeathReason = &deathReason.String
	}
	if deathAt.Valid {
		j.DeathAt = &deathAt.Time
	}
	if tags != "" {
		j.Tags = strings.Split(tags, ",")
	}
	if width.Valid && height.Valid && depth.Valid && rootBoard.Valid {
		j.Geometry = &model.JobGeometry{
			Width: int(width.Int64), Height: int(height.Int64), Depth: int(depth.Int64),
			RootBoardID: rootBoard.Int64,
		}
		if numBoards.Valid {
			j.Geometry.NumBoards = int(numBoards.Int64)
		}
	}
	return &j, nil
}

// InsertHistorical writes (phase 2) a batch of jobs and allocations into
// the historical store's tables. Idempotent: a retried insert of a
// job/alloc already present is a no-op via the driver's upsert-ignore
// fragment, so a retry after a phase-3 failure does not error or
// duplicate rows.
func (s *Store) InsertHistorical(ctx context.Context, tx *sql.Tx, batch *TombstoneBatch) error {
	for _, j := range batch.Jobs {
		var width, height, depth, numBoards, rootBoard interface{}
		if j.Geometry != nil {
			width, height, depth = j.Geometry.Width, j.Geometry.Height, j.Geometry.Depth
			numBoards, rootBoard = j.Geometry.NumBoards, j.Geometry.RootBoardID
		}

		query := s.insertIgnorePrefix() + ` INTO historical_jobs
			(id, machine_id, owner, "group", width, height, depth, root_board_id, num_boards,
			 state, created_at, last_keepalive, keepalive_interval, keepalive_host,
			 death_reason, death_at, request, importance, tags)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)` + s.conflictClause("id")

		var deathReason, deathAt interface{}
		if j.DeathReason != nil {
			deathReason = *j.DeathReason
		}
		if j.DeathAt != nil {
			deathAt = *j.DeathAt
		}

		_, err := tx.ExecContext(ctx, s.rebind(query),
			j.ID, j.MachineID, j.Owner, j.Group, width, height, depth, rootBoard, numBoards,
			j.State, j.CreatedAt, j.LastKeepalive, int64(j.KeepaliveInterval/time.Second),
			j.KeepaliveHost, deathReason, deathAt, j.Request, j.Importance, strings.Join(j.Tags, ","))
		if err != nil {
			return allocerrors.Wrap(allocerrors.CodeStoreError, "insert historical job", err)
		}
	}

	for _, a := range batch.Allocs {
		query := s.insertIgnorePrefix() + ` INTO historical_allocs (job_id, board_id) VALUES (?, ?)` +
			s.conflictClause("job_id, board_id")
		if _, err := tx.ExecContext(ctx, s.rebind(query), a.JobID, a.BoardID); err != nil {
			return allocerrors.Wrap(allocerrors.CodeStoreError, "insert historical alloc", err)
		}
	}

	return nil
}

// DeleteLiveCopied removes (phase 3) the job, allocation, and pending-
// change rows for every job in batch from the live store, once they are
// safely copied to the historical store.
func (s *Store) DeleteLiveCopied(ctx context.Context, tx *sql.Tx, batch *TombstoneBatch) error {
	for _, j := range batch.Jobs {
		if _, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM pending_changes WHERE job_id = ?`), j.ID); err != nil {
			return allocerrors.Wrap(allocerrors.CodeStoreError, "delete live pending changes", err)
		}
		if _, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM allocation_tasks WHERE job_id = ?`), j.ID); err != nil {
			return allocerrors.Wrap(allocerrors.CodeStoreError, "delete live allocation task", err)
		}
		if _, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM jobs WHERE id = ?`), j.ID); err != nil {
			return allocerrors.Wrap(allocerrors.CodeStoreError, "delete live job", err)
		}
		if _, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM historical_allocs WHERE job_id = ?`), j.ID); err != nil {
			return allocerrors.Wrap(allocerrors.CodeStoreError, "delete live staged allocs", err)
		}
	}
	return nil
}
