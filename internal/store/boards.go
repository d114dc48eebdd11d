// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"database/sql"

	"github.com/spalloc/allocator-core/internal/store/model"
	allocerrors "github.com/spalloc/allocator-core/pkg/errors"
)

// GetBoard reads a single board row.
func (s *Store) GetBoard(ctx context.Context, tx *sql.Tx, boardID int64) (*model.Board, error) {
	row := tx.QueryRowContext(ctx, s.rebind(`
		SELECT id, machine_id, x, y, z, ip_address, bmp_id, functioning, blacklisted, allocated_job
		FROM boards WHERE id = ?`), boardID)
	return scanBoard(row)
}

func scanBoard(row *sql.Row) (*model.Board, error) {
	var b model.Board
	var allocatedJob sql.NullInt64
	err := row.Scan(&b.ID, &b.MachineID, &b.X, &b.Y, &b.Z, &b.IPAddress, &b.BMPID,
		&b.Functioning, &b.Blacklisted, &allocatedJob)
	if err == sql.ErrNoRows {
		return nil, ErrNoRows
	}
	if err != nil {
		return nil, allocerrors.Wrap(allocerrors.CodeStoreError, "scan board row", err)
	}
	if allocatedJob.Valid {
		id := allocatedJob.Int64
		b.AllocatedJob = &id
	}
	return &b, nil
}

// AllocateBoard marks a board as allocated to jobID, and records the
// (job, board) pairing in historical_allocs so the pairing survives
// FreeBoardsForJob clearing boards.allocated_job on destruction — the
// Tombstoner's ReadTombstoneCandidates has nothing else to read a dead
// job's former boards from.
func (s *Store) AllocateBoard(ctx context.Context, tx *sql.Tx, boardID, jobID int64) error {
	_, err := tx.ExecContext(ctx, s.rebind(`UPDATE boards SET allocated_job = ? WHERE id = ?`), jobID, boardID)
	if err != nil {
		return allocerrors.Wrap(allocerrors.CodeStoreError, "allocate board", err)
	}

	query := s.insertIgnorePrefix() + ` INTO historical_allocs (job_id, board_id) VALUES (?, ?)` +
		s.conflictClause("job_id, board_id")
	if _, err := tx.ExecContext(ctx, s.rebind(query), jobID, boardID); err != nil {
		return allocerrors.Wrap(allocerrors.CodeStoreError, "record historical alloc", err)
	}
	return nil
}

// FreeBoardsForJob clears allocated_job for every board held by jobID,
// the deallocation half of a destroy.
func (s *Store) FreeBoardsForJob(ctx context.Context, tx *sql.Tx, jobID int64) error {
	_, err := tx.ExecContext(ctx, s.rebind(`UPDATE boards SET allocated_job = NULL WHERE allocated_job = ?`), jobID)
	if err != nil {
		return allocerrors.Wrap(allocerrors.CodeStoreError, "free boards for job", err)
	}
	return nil
}

// BoardsForJob returns the ids of every board currently allocated to jobID.
func (s *Store) BoardsForJob(ctx context.Context, tx *sql.Tx, jobID int64) ([]int64, error) {
	rows, err := tx.QueryContext(ctx, s.rebind(`SELECT id FROM boards WHERE allocated_job = ?`), jobID)
	if err != nil {
		return nil, allocerrors.Wrap(allocerrors.CodeStoreError, "boards for job", err)
	}
	defer rows.Close()
	return scanInt64s(rows)
}

// SetBlacklisted toggles a board's operator blacklist flag. The caller
// is responsible for firing the Epoch Registry's blacklistChanged
// notification once the transaction commits.
func (s *Store) SetBlacklisted(ctx context.Context, tx *sql.Tx, boardID int64, blacklisted bool) error {
	_, err := tx.ExecContext(ctx, s.rebind(`UPDATE boards SET blacklisted = ? WHERE id = ?`), blacklisted, boardID)
	if err != nil {
		return allocerrors.Wrap(allocerrors.CodeStoreError, "set board blacklist", err)
	}
	return nil
}

// GetMachine reads a single machine row.
func (s *Store) GetMachine(ctx context.Context, tx *sql.Tx, machineID int64) (*model.Machine, error) {
	row := tx.QueryRowContext(ctx, s.rebind(`
		SELECT id, name, max_width, max_height, tags FROM machines WHERE id = ?`), machineID)

	var m model.Machine
	var tags string
	err := row.Scan(&m.ID, &m.Name, &m.MaxWidth, &m.MaxHeight, &tags)
	if err == sql.ErrNoRows {
		return nil, ErrNoRows
	}
	if err != nil {
		return nil, allocerrors.Wrap(allocerrors.CodeStoreError, "scan machine row", err)
	}
	return &m, nil
}
