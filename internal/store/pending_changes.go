// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"database/sql"

	"github.com/spalloc/allocator-core/internal/store/model"
	allocerrors "github.com/spalloc/allocator-core/pkg/errors"
)

// InsertPendingChange creates one row describing an in-flight power
// transition for a single board. Returns the BMP id touched, so the
// caller can accumulate the set to notify.
func (s *Store) InsertPendingChange(ctx context.Context, tx *sql.Tx, pc model.PendingChange) (bmpID int64, err error) {
	enables := make(map[model.Direction]bool, 6)
	for _, d := range model.AllDirections {
		enables[d] = pc.Enables[d]
	}

	_, execErr := tx.ExecContext(ctx, s.rebind(`
		INSERT INTO pending_changes
			(job_id, board_id, bmp_id, power, enable_n, enable_e, enable_se, enable_s, enable_w, enable_nw,
			 source_state, target_state, in_progress, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		pc.JobID, pc.BoardID, pc.BMPID, pc.Power,
		enables[model.DirN], enables[model.DirE], enables[model.DirSE],
		enables[model.DirS], enables[model.DirW], enables[model.DirNW],
		pc.SourceState, pc.TargetState, false, nil)
	if execErr != nil {
		return 0, allocerrors.Wrap(allocerrors.CodeStoreError, "insert pending change", execErr)
	}
	return pc.BMPID, nil
}

// CountPendingChanges returns the total pending changes and the subset
// recorded with an error for the (jobID, sourceState, targetState)
// triple, per the reconciliation algorithm in updateJob.
func (s *Store) CountPendingChanges(ctx context.Context, tx *sql.Tx, jobID int64, source, target model.JobState) (nChanges, nErrors int, err error) {
	row := tx.QueryRowContext(ctx, s.rebind(`
		SELECT COUNT(*), COUNT(error) FROM pending_changes
		WHERE job_id = ? AND source_state = ? AND target_state = ?`), jobID, source, target)
	if scanErr := row.Scan(&nChanges, &nErrors); scanErr != nil {
		return 0, 0, allocerrors.Wrap(allocerrors.CodeStoreError, "count pending changes", scanErr)
	}
	return nChanges, nErrors, nil
}

// DeletePendingChanges removes every pending-change row for the
// (jobID, sourceState, targetState) triple, once the transition has been
// resolved one way or another.
func (s *Store) DeletePendingChanges(ctx context.Context, tx *sql.Tx, jobID int64, source, target model.JobState) error {
	_, err := tx.ExecContext(ctx, s.rebind(`
		DELETE FROM pending_changes WHERE job_id = ? AND source_state = ? AND target_state = ?`),
		jobID, source, target)
	if err != nil {
		return allocerrors.Wrap(allocerrors.CodeStoreError, "delete pending changes", err)
	}
	return nil
}

// BMPIDsForJob returns the distinct BMP ids touched by jobID's currently
// pending changes, so a caller can notify the right set of controllers.
func (s *Store) BMPIDsForJob(ctx context.Context, tx *sql.Tx, jobID int64) ([]int64, error) {
	rows, err := tx.QueryContext(ctx, s.rebind(`
		SELECT DISTINCT bmp_id FROM pending_changes WHERE job_id = ?`), jobID)
	if err != nil {
		return nil, allocerrors.Wrap(allocerrors.CodeStoreError, "bmp ids for job", err)
	}
	defer rows.Close()
	return scanInt64s(rows)
}

// GetPendingChangesForBMP returns every not-yet-resolved change owned by
// bmpID, the set a BMP controller implementation polls or is notified
// about via TriggerSearch.
func (s *Store) GetPendingChangesForBMP(ctx context.Context, tx *sql.Tx, bmpID int64) ([]model.PendingChange, error) {
	rows, err := tx.QueryContext(ctx, s.rebind(`
		SELECT id, job_id, board_id, bmp_id, power,
			enable_n, enable_e, enable_se, enable_s, enable_w, enable_nw,
			source_state, target_state, in_progress, error
		FROM pending_changes WHERE bmp_id = ?`), bmpID)
	if err != nil {
		return nil, allocerrors.Wrap(allocerrors.CodeStoreError, "get pending changes for bmp", err)
	}
	defer rows.Close()

	var out []model.PendingChange
	for rows.Next() {
		var pc model.PendingChange
		var n, e, se, so, w, nw bool
		var errCol sql.NullString
		if err := rows.Scan(&pc.ID, &pc.JobID, &pc.BoardID, &pc.BMPID, &pc.Power,
			&n, &e, &se, &so, &w, &nw,
			&pc.SourceState, &pc.TargetState, &pc.InProgress, &errCol); err != nil {
			return nil, allocerrors.Wrap(allocerrors.CodeStoreError, "scan pending change", err)
		}
		if errCol.Valid {
			pc.Error = &errCol.String
		}
		pc.Enables = map[model.Direction]bool{
			model.DirN: n, model.DirE: e, model.DirSE: se,
			model.DirS: so, model.DirW: w, model.DirNW: nw,
		}
		out = append(out, pc)
	}
	if err := rows.Err(); err != nil {
		return nil, allocerrors.Wrap(allocerrors.CodeStoreError, "iterate pending changes", err)
	}
	return out, nil
}

// MarkPendingChangeInProgress flags a single row as being actively
// driven, so a poller does not pick the same row up twice concurrently.
func (s *Store) MarkPendingChangeInProgress(ctx context.Context, tx *sql.Tx, id int64) error {
	_, err := tx.ExecContext(ctx, s.rebind(`UPDATE pending_changes SET in_progress = ? WHERE id = ?`), true, id)
	if err != nil {
		return allocerrors.Wrap(allocerrors.CodeStoreError, "mark pending change in progress", err)
	}
	return nil
}

// ResolvePendingChangeSuccess deletes a single resolved-successfully row.
// CountPendingChanges will no longer see it; once every row for a
// (job, source, target) triple is gone, updateJob treats the transition
// as complete.
func (s *Store) ResolvePendingChangeSuccess(ctx context.Context, tx *sql.Tx, id int64) error {
	_, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM pending_changes WHERE id = ?`), id)
	if err != nil {
		return allocerrors.Wrap(allocerrors.CodeStoreError, "resolve pending change success", err)
	}
	return nil
}

// ResolvePendingChangeError records a failure reason against a single
// row, leaving it in place so CountPendingChanges' error tally reflects
// it until updateJob reconciles the whole (job, source, target) triple.
func (s *Store) ResolvePendingChangeError(ctx context.Context, tx *sql.Tx, id int64, reason string) error {
	_, err := tx.ExecContext(ctx, s.rebind(`UPDATE pending_changes SET in_progress = ?, error = ? WHERE id = ?`), false, reason, id)
	if err != nil {
		return allocerrors.Wrap(allocerrors.CodeStoreError, "resolve pending change error", err)
	}
	return nil
}
