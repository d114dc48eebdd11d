// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package lifecycle implements the job lifecycle state machine: issuing
// power changes, reconciling their completion, and destroying jobs.
package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/spalloc/allocator-core/internal/collab"
	"github.com/spalloc/allocator-core/internal/epoch"
	"github.com/spalloc/allocator-core/internal/store/model"
	allocerrors "github.com/spalloc/allocator-core/pkg/errors"
	"github.com/spalloc/allocator-core/pkg/logging"

	"database/sql"
)

// Result tags the outcome of UpdateJob, replacing exceptions-for-control-
// flow with an explicit sum type the caller switches over.
type Result int

const (
	// ResultUpdated means the job's epoch should be advanced and the
	// BMP controller notified of any newly-enqueued changes.
	ResultUpdated Result = iota
	// ResultNotUpdated means the transition is still in flight; take no
	// further action this call.
	ResultNotUpdated
	// ResultRequeueNeeded means the caller must schedule a one-shot
	// setPower(OFF, QUEUED) for the job.
	ResultRequeueNeeded
	// ResultDestroyNeeded means the caller must call DestroyJob for the
	// job, with the reason already attached to the returned error.
	ResultDestroyNeeded
)

func (r Result) String() string {
	switch r {
	case ResultUpdated:
		return "updated"
	case ResultNotUpdated:
		return "not_updated"
	case ResultRequeueNeeded:
		return "requeue_needed"
	case ResultDestroyNeeded:
		return "destroy_needed"
	default:
		return "unknown"
	}
}

// Controller is the job lifecycle state machine: SetPower issues power
// changes, UpdateJob reconciles their completion, DestroyJob tears a job
// down.
type Controller struct {
	store    collab.Store
	quota    collab.QuotaManager
	sessions collab.SessionManager
	epochs   *epoch.Registry
	log      logging.Logger
}

// New constructs a Controller. quota/sessions/epochs/log must be non-nil;
// use collab.NoOpQuotaManager{} / collab.NoOpSessionManager{} where the
// collaborator is not configured.
func New(store collab.Store, quota collab.QuotaManager, sessions collab.SessionManager, epochs *epoch.Registry, log logging.Logger) *Controller {
	if log == nil {
		log = logging.NoOpLogger{}
	}
	return &Controller{store: store, quota: quota, sessions: sessions, epochs: epochs, log: log}
}

// SetPower issues a power transition for job. When the job holds no
// allocated boards, the job's state moves to targetState immediately
// and no pending changes are created. Returns the set of BMP ids whose
// controllers the caller should notify via TriggerSearch.
func (c *Controller) SetPower(ctx context.Context, tx *sql.Tx, jobID int64, power model.PowerState, targetState model.JobState) ([]int64, error) {
	job, err := c.store.GetJob(ctx, tx, jobID)
	if err != nil {
		return nil, err
	}
	sourceState := job.State

	boardIDs, err := c.store.BoardsForJob(ctx, tx, jobID)
	if err != nil {
		return nil, err
	}
	if len(boardIDs) == 0 {
		if err := c.store.SetJobState(ctx, tx, jobID, targetState); err != nil {
			return nil, err
		}
		return nil, nil
	}

	enablesByBoard, err := c.enablesFor(ctx, tx, power, boardIDs)
	if err != nil {
		return nil, err
	}

	bmpIDs := make(map[int64]bool)
	for _, boardID := range boardIDs {
		board, err := c.store.GetBoard(ctx, tx, boardID)
		if err != nil {
			return nil, err
		}
		pc := model.PendingChange{
			JobID: jobID, BoardID: boardID, BMPID: board.BMPID,
			Power: power, Enables: enablesByBoard[boardID],
			SourceState: sourceState, TargetState: targetState,
		}
		bmpID, err := c.store.InsertPendingChange(ctx, tx, pc)
		if err != nil {
			return nil, err
		}
		bmpIDs[bmpID] = true
	}

	if targetState == model.JobDestroyed {
		if err := c.store.SetJobState(ctx, tx, jobID, model.JobDestroyed); err != nil {
			return nil, err
		}
	} else {
		if err := c.store.SetJobState(ctx, tx, jobID, model.JobPower); err != nil {
			return nil, err
		}
	}

	ids := make([]int64, 0, len(bmpIDs))
	for id := range bmpIDs {
		ids = append(ids, id)
	}
	return ids, nil
}

// enablesFor computes the per-board, per-direction enable flags for a
// power change. ON keeps every direction enabled except the perimeter
// (links leaving the job's board set); OFF disables every direction.
func (c *Controller) enablesFor(ctx context.Context, tx *sql.Tx, power model.PowerState, boardIDs []int64) (map[int64]map[model.Direction]bool, error) {
	result := make(map[int64]map[model.Direction]bool, len(boardIDs))

	if power == model.PowerOff {
		for _, id := range boardIDs {
			result[id] = allDisabled()
		}
		return result, nil
	}

	perimeter, err := c.store.PerimeterLinks(ctx, tx, boardIDs)
	if err != nil {
		return nil, err
	}
	for _, id := range boardIDs {
		result[id] = enablesExcludingPerimeter(perimeter[id])
	}
	return result, nil
}

func allDisabled() map[model.Direction]bool {
	m := make(map[model.Direction]bool, 6)
	for _, d := range model.AllDirections {
		m[d] = false
	}
	return m
}

// enablesExcludingPerimeter is the pure perimeter-link computation from
// the power-on path: enable every direction not in outward (a link
// leaving the job's board set stays off by default).
func enablesExcludingPerimeter(outward map[model.Direction]bool) map[model.Direction]bool {
	m := make(map[model.Direction]bool, 6)
	for _, d := range model.AllDirections {
		m[d] = !outward[d]
	}
	return m
}

// UpdateJob reconciles the completion of pending changes for
// (jobID, sourceState, targetState). The caller (the BMP controller's
// completion callback path) performs the side effect implied by the
// returned Result outside of this transaction.
func (c *Controller) UpdateJob(ctx context.Context, tx *sql.Tx, jobID int64, sourceState, targetState model.JobState) (Result, error) {
	nChanges, nErrors, err := c.store.CountPendingChanges(ctx, tx, jobID, sourceState, targetState)
	if err != nil {
		return ResultNotUpdated, err
	}

	if nErrors > 0 && nErrors == nChanges {
		if err := c.store.DeletePendingChanges(ctx, tx, jobID, sourceState, targetState); err != nil {
			return ResultNotUpdated, err
		}

		switch targetState {
		case model.JobDestroyed:
			if err := c.finalizeDestruction(ctx, tx, jobID); err != nil {
				return ResultNotUpdated, err
			}
			return ResultUpdated, nil
		case model.JobQueued:
			if err := c.store.SetJobState(ctx, tx, jobID, targetState); err != nil {
				return ResultNotUpdated, err
			}
			return ResultUpdated, nil
		}
		if sourceState == model.JobReady {
			return ResultDestroyNeeded, allocerrors.PowerError(fmt.Sprintf("job %d: power operation failed while live", jobID))
		}
		return ResultRequeueNeeded, nil
	}

	if nChanges > 0 {
		return ResultNotUpdated, nil
	}

	// No pending changes, no outstanding errors.
	switch targetState {
	case model.JobDestroyed:
		if err := c.finalizeDestruction(ctx, tx, jobID); err != nil {
			return ResultNotUpdated, err
		}
	case model.JobReady:
		if err := c.store.DeleteTask(ctx, tx, jobID); err != nil {
			return ResultNotUpdated, err
		}
		if err := c.store.SetJobState(ctx, tx, jobID, model.JobReady); err != nil {
			return ResultNotUpdated, err
		}
	default:
		if err := c.store.SetJobState(ctx, tx, jobID, targetState); err != nil {
			return ResultNotUpdated, err
		}
	}
	return ResultUpdated, nil
}

func (c *Controller) finalizeDestruction(ctx context.Context, tx *sql.Tx, jobID int64) error {
	if err := c.store.SetJobState(ctx, tx, jobID, model.JobDestroyed); err != nil {
		return err
	}
	return c.store.FreeBoardsForJob(ctx, tx, jobID)
}

// DestroyJob tears a job down: records the death reason, issues a
// power-OFF to DESTROYED, clears its allocation task, and always
// notifies the quota and session collaborators regardless of what else
// failed. Already-destroyed jobs are a silent no-op.
func (c *Controller) DestroyJob(ctx context.Context, tx *sql.Tx, jobID int64, reason string) ([]int64, error) {
	job, err := c.store.GetJob(ctx, tx, jobID)
	if err != nil {
		return nil, err
	}
	if job.State == model.JobDestroyed {
		return nil, nil
	}

	var bmpIDs []int64
	var destroyErr error

	if err := c.store.SetDeathReason(ctx, tx, jobID, reason, time.Now()); err != nil {
		destroyErr = err
	}
	if destroyErr == nil {
		bmpIDs, destroyErr = c.SetPower(ctx, tx, jobID, model.PowerOff, model.JobDestroyed)
	}
	if destroyErr == nil {
		destroyErr = c.store.DeleteTask(ctx, tx, jobID)
	}

	if qerr := c.quota.FinishJob(ctx, jobID); qerr != nil {
		c.log.Warn("quota finishJob failed during destroy", "job_id", jobID, "error", qerr)
	}
	if serr := c.sessions.CloseJob(ctx, jobID); serr != nil {
		c.log.Warn("session closeJob failed during destroy", "job_id", jobID, "error", serr)
	}

	if destroyErr != nil {
		return nil, destroyErr
	}
	return bmpIDs, nil
}

// DestroyJobWithoutPower tears a job down exactly like DestroyJob except
// it never enqueues a power-OFF change: it sets the job DESTROYED, frees
// its boards directly, clears its allocation task, and always notifies
// quota/session collaborators. Used by Emergency Stop (spec §4.7 step 4),
// where the BMP controller has already been told to stop driving boards
// and no further PendingChange rows should be created.
func (c *Controller) DestroyJobWithoutPower(ctx context.Context, tx *sql.Tx, jobID int64, reason string) error {
	job, err := c.store.GetJob(ctx, tx, jobID)
	if err != nil {
		return err
	}
	if job.State == model.JobDestroyed {
		return nil
	}

	var destroyErr error
	if err := c.store.SetDeathReason(ctx, tx, jobID, reason, time.Now()); err != nil {
		destroyErr = err
	}
	if destroyErr == nil {
		destroyErr = c.finalizeDestruction(ctx, tx, jobID)
	}
	if destroyErr == nil {
		destroyErr = c.store.DeleteTask(ctx, tx, jobID)
	}

	if qerr := c.quota.FinishJob(ctx, jobID); qerr != nil {
		c.log.Warn("quota finishJob failed during emergency destroy", "job_id", jobID, "error", qerr)
	}
	if serr := c.sessions.CloseJob(ctx, jobID); serr != nil {
		c.log.Warn("session closeJob failed during emergency destroy", "job_id", jobID, "error", serr)
	}

	return destroyErr
}
