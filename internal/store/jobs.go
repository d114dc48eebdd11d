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

// GetJob reads a single job row. Returns ErrNoRows if jobID does not exist.
func (s *Store) GetJob(ctx context.Context, tx *sql.Tx, jobID int64) (*model.Job, error) {
	row := tx.QueryRowContext(ctx, s.rebind(`
		SELECT id, machine_id, owner, "group", width, height, depth, root_board_id,
		       num_boards, state, created_at, last_keepalive, keepalive_interval,
		       keepalive_host, death_reason, death_at, request, importance, tags
		FROM jobs WHERE id = ?`), jobID)

	return scanJob(row)
}

func scanJob(row *sql.Row) (*model.Job, error) {
	var j model.Job
	var width, height, depth, numBoards sql.NullInt64
	var rootBoard sql.NullInt64
	var deathReason sql.NullString
	var deathAt sql.NullTime
	var keepaliveSeconds int64
	var tags string

	err := row.Scan(&j.ID, &j.MachineID, &j.Owner, &j.Group, &width, &height, &depth,
		&rootBoard, &numBoards, &j.State, &j.CreatedAt, &j.LastKeepalive,
		&keepaliveSeconds, &j.KeepaliveHost, &deathReason, &deathAt, &j.Request,
		&j.Importance, &tags)
	if err == sql.ErrNoRows {
		return nil, ErrNoRows
	}
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
			Width:       int(width.Int64),
			Height:      int(height.Int64),
			Depth:       int(depth.Int64),
			RootBoardID: rootBoard.Int64,
		}
		if numBoards.Valid {
			j.Geometry.NumBoards = int(numBoards.Int64)
		}
	}
	return &j, nil
}

// SetJobState updates only a job's state column.
func (s *Store) SetJobState(ctx context.Context, tx *sql.Tx, jobID int64, state model.JobState) error {
	_, err := tx.ExecContext(ctx, s.rebind(`UPDATE jobs SET state = ? WHERE id = ?`), state, jobID)
	if err != nil {
		return allocerrors.Wrap(allocerrors.CodeStoreError, "set job state", err)
	}
	return nil
}

// SetJobGeometry records a successful allocation's shape on the job row.
func (s *Store) SetJobGeometry(ctx context.Context, tx *sql.Tx, jobID int64, g model.JobGeometry) error {
	_, err := tx.ExecContext(ctx, s.rebind(`
		UPDATE jobs SET width = ?, height = ?, depth = ?, root_board_id = ?, num_boards = ?
		WHERE id = ?`), g.Width, g.Height, g.Depth, g.RootBoardID, g.NumBoards, jobID)
	if err != nil {
		return allocerrors.Wrap(allocerrors.CodeStoreError, "set job geometry", err)
	}
	return nil
}

// SetDeathReason records why a job died. Safe to call more than once;
// the latest call wins.
func (s *Store) SetDeathReason(ctx context.Context, tx *sql.Tx, jobID int64, reason string, at time.Time) error {
	_, err := tx.ExecContext(ctx, s.rebind(`
		UPDATE jobs SET death_reason = ?, death_at = ? WHERE id = ?`), reason, at, jobID)
	if err != nil {
		return allocerrors.Wrap(allocerrors.CodeStoreError, "set death reason", err)
	}
	return nil
}

// FindExpiredJobs returns the ids of all non-destroyed jobs whose
// keepalive has lapsed as of now. The expiry arithmetic (last_keepalive +
// keepalive_interval < now) is done in Go rather than in SQL so it reads
// identically regardless of which driver is backing the connection.
func (s *Store) FindExpiredJobs(ctx context.Context, tx *sql.Tx, now time.Time) ([]int64, error) {
	rows, err := tx.QueryContext(ctx, s.rebind(`
		SELECT id, last_keepalive, keepalive_interval FROM jobs WHERE state != ?`),
		model.JobDestroyed)
	if err != nil {
		return nil, allocerrors.Wrap(allocerrors.CodeStoreError, "find expired jobs", err)
	}
	defer rows.Close()

	var expired []int64
	for rows.Next() {
		var id int64
		var lastKeepalive time.Time
		var keepaliveSeconds int64
		if err := rows.Scan(&id, &lastKeepalive, &keepaliveSeconds); err != nil {
			return nil, allocerrors.Wrap(allocerrors.CodeStoreError, "scan expiry row", err)
		}
		if lastKeepalive.Add(time.Duration(keepaliveSeconds) * time.Second).Before(now) {
			expired = append(expired, id)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, allocerrors.Wrap(allocerrors.CodeStoreError, "iterate expiry rows", err)
	}
	return expired, nil
}

// GetLiveJobIDs returns up to limit ids of non-destroyed jobs, for the
// quota sweeper's bounded per-pass scan.
func (s *Store) GetLiveJobIDs(ctx context.Context, tx *sql.Tx, limit int) ([]int64, error) {
	rows, err := tx.QueryContext(ctx, s.rebind(`
		SELECT id FROM jobs WHERE state != ? LIMIT ?`), model.JobDestroyed, limit)
	if err != nil {
		return nil, allocerrors.Wrap(allocerrors.CodeStoreError, "get live job ids", err)
	}
	defer rows.Close()
	return scanInt64s(rows)
}

func scanInt64s(rows *sql.Rows) ([]int64, error) {
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, allocerrors.Wrap(allocerrors.CodeStoreError, "scan id", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, allocerrors.Wrap(allocerrors.CodeStoreError, "iterate rows", err)
	}
	return ids, nil
}
