// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package engine wires the allocation engine's components together
// behind the named operations a caller (a BMP controller's completion
// callback, the Scheduler, cmd/allocatord) invokes: destroyJob, setPower,
// updateJob, scheduleAllocateNow, emergencyStop, allocate, expireJobs,
// tombstone.
package engine

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/spalloc/allocator-core/internal/alloc"
	"github.com/spalloc/allocator-core/internal/collab"
	"github.com/spalloc/allocator-core/internal/epoch"
	"github.com/spalloc/allocator-core/internal/estop"
	"github.com/spalloc/allocator-core/internal/expiry"
	"github.com/spalloc/allocator-core/internal/lifecycle"
	"github.com/spalloc/allocator-core/internal/scheduler"
	"github.com/spalloc/allocator-core/internal/store/model"
	"github.com/spalloc/allocator-core/internal/tombstone"
	"github.com/spalloc/allocator-core/pkg/logging"
	"github.com/spalloc/allocator-core/pkg/retry"
)

// reasonTitleCaser renders a destroy reason in title case for the
// operator-facing log line DestroyJob emits, the same casing the
// teacher's analytics reports apply to free-text fields.
var reasonTitleCaser = cases.Title(language.English)

// Engine exposes the allocation engine's operations (spec §6.3) as plain
// Go methods. It holds no state of its own beyond its collaborators;
// every method runs its own transaction(s) and notifies the Epoch
// Registry and BMP controller as a side effect, outside that
// transaction, per spec §9's construction-order note.
type Engine struct {
	store     collab.Store
	lifecycle *lifecycle.Controller
	alloc     *alloc.Engine
	sweeper   *expiry.Sweeper
	tomb      *tombstone.Tombstoner
	estop     *estop.Controller
	scheduler *scheduler.Scheduler
	bmp       collab.BMPController
	epochs    *epoch.Registry
	log       logging.Logger

	// backoff governs retries of StoreBusy failures for the operations
	// below that are invoked directly (not on a Scheduler tick, which
	// already retries by simply waiting for its next tick per spec §5/§7).
	backoff retry.BackoffStrategy
}

// New constructs an Engine from its already-built collaborators. bmp may
// be nil only transiently, during the construction-order dance described
// in spec §9 (a placeholder collab.BMPController is wired first, then
// replaced via SetBMPController once the real controller exists).
func New(
	store collab.Store,
	lc *lifecycle.Controller,
	allocEngine *alloc.Engine,
	sweeper *expiry.Sweeper,
	tomb *tombstone.Tombstoner,
	estopCtrl *estop.Controller,
	sched *scheduler.Scheduler,
	bmp collab.BMPController,
	epochs *epoch.Registry,
	log logging.Logger,
) *Engine {
	if log == nil {
		log = logging.NoOpLogger{}
	}
	return &Engine{
		store: store, lifecycle: lc, alloc: allocEngine, sweeper: sweeper,
		tomb: tomb, estop: estopCtrl, scheduler: sched, bmp: bmp, epochs: epochs, log: log,
		backoff: retry.NewExponentialBackoff(),
	}
}

// SetBMPController replaces the BMP controller, used once the real
// controller has been constructed against this Engine (spec §9's
// circular-collaborator note: the Allocator is built before the BMP
// controller exists, so it starts with a placeholder).
func (e *Engine) SetBMPController(bmp collab.BMPController) {
	e.bmp = bmp
}

// DestroyJob implements the destroyJob(id, reason) exposed operation.
func (e *Engine) DestroyJob(ctx context.Context, jobID int64, reason string) error {
	var bmpIDs []int64
	err := retry.Store(ctx, e.backoff, func(ctx context.Context) error {
		return e.store.WithTransaction(ctx, func(ctx context.Context, tx *sql.Tx) error {
			var err error
			bmpIDs, err = e.lifecycle.DestroyJob(ctx, tx, jobID, reason)
			return err
		})
	})
	if err != nil {
		return err
	}
	e.log.Info("job destroyed", "job_id", jobID, "reason", reasonTitleCaser.String(reason))
	e.epochs.JobChanged(jobID)
	if len(bmpIDs) > 0 {
		e.bmp.TriggerSearch(ctx, bmpIDs)
	}
	return nil
}

// SetPower implements the setPower(jobId, powerState, targetState)
// exposed operation.
func (e *Engine) SetPower(ctx context.Context, jobID int64, power model.PowerState, targetState model.JobState) error {
	var bmpIDs []int64
	err := retry.Store(ctx, e.backoff, func(ctx context.Context) error {
		return e.store.WithTransaction(ctx, func(ctx context.Context, tx *sql.Tx) error {
			var err error
			bmpIDs, err = e.lifecycle.SetPower(ctx, tx, jobID, power, targetState)
			return err
		})
	})
	if err != nil {
		return err
	}
	e.epochs.JobChanged(jobID)
	if len(bmpIDs) > 0 {
		e.bmp.TriggerSearch(ctx, bmpIDs)
	}
	return nil
}

// UpdateJob implements the updateJob(jobId, sourceState, targetState)
// exposed operation: the BMP controller's completion callback. Per
// DESIGN.md's Open Question decision 3, a call arriving after
// EmergencyStop.Stop has run is logged and dropped without touching the
// store, and counted via estop.Controller.NoteSuppressedUpdate.
func (e *Engine) UpdateJob(ctx context.Context, jobID int64, sourceState, targetState model.JobState) error {
	if e.estop.Stopped() {
		e.log.Warn("updateJob received after emergency stop, ignoring", "job_id", jobID)
		e.estop.NoteSuppressedUpdate()
		return nil
	}

	var result lifecycle.Result
	var resultErr error
	err := retry.Store(ctx, e.backoff, func(ctx context.Context) error {
		return e.store.WithTransaction(ctx, func(ctx context.Context, tx *sql.Tx) error {
			var err error
			result, err = e.lifecycle.UpdateJob(ctx, tx, jobID, sourceState, targetState)
			if err != nil {
				// A ResultDestroyNeeded carries its reason as the returned
				// error but is not itself a transaction failure; only treat a
				// non-destroy error as one that should roll the tick back.
				if result == lifecycle.ResultDestroyNeeded {
					resultErr = err
					return nil
				}
				return err
			}
			return nil
		})
	})
	if err != nil {
		return err
	}

	switch result {
	case lifecycle.ResultUpdated:
		e.epochs.JobChanged(jobID)
		if bmpIDs, err := e.bmpIDsForJob(ctx, jobID); err == nil && len(bmpIDs) > 0 {
			e.bmp.TriggerSearch(ctx, bmpIDs)
		}
	case lifecycle.ResultRequeueNeeded:
		e.scheduler.ScheduleOnce(ctx, fmt.Sprintf("requeue-job-%d", jobID), 0, func(ctx context.Context) error {
			return e.SetPower(ctx, jobID, model.PowerOff, model.JobQueued)
		})
	case lifecycle.ResultDestroyNeeded:
		reason := "power operation failed"
		if resultErr != nil {
			reason = resultErr.Error()
		}
		if err := e.DestroyJob(ctx, jobID, reason); err != nil {
			return err
		}
	case lifecycle.ResultNotUpdated:
		// Still in flight; nothing to do until the remaining rows resolve.
	}
	return nil
}

func (e *Engine) bmpIDsForJob(ctx context.Context, jobID int64) ([]int64, error) {
	var ids []int64
	err := e.store.WithTransaction(ctx, func(ctx context.Context, tx *sql.Tx) error {
		var err error
		ids, err = e.store.BMPIDsForJob(ctx, tx, jobID)
		return err
	})
	return ids, err
}

// ScheduleAllocateNow implements scheduleAllocateNow(): an immediate
// one-shot allocate pass, used when a client action (submit, destroy,
// keepalive) may have freed or queued work worth reconsidering right away
// rather than waiting for the next periodic tick.
func (e *Engine) ScheduleAllocateNow(ctx context.Context) {
	e.scheduler.ScheduleOnce(ctx, "allocate-now", 0, func(ctx context.Context) error {
		return e.Allocate(ctx)
	})
}

// EmergencyStop implements emergencyStop().
func (e *Engine) EmergencyStop(ctx context.Context) error {
	return e.estop.Stop(ctx)
}

// Allocate implements allocate(): one allocator pass, notifying every
// touched job, machine, and BMP controller.
func (e *Engine) Allocate(ctx context.Context) error {
	result, err := e.alloc.Allocate(ctx)
	if err != nil {
		return err
	}
	if len(result.BMPIDs) > 0 {
		e.bmp.TriggerSearch(ctx, result.BMPIDs)
	}
	return nil
}

// ExpireJobs implements expireJobs(): one Expiry/Quota Sweeper pass.
func (e *Engine) ExpireJobs(ctx context.Context) error {
	return e.sweeper.Run(ctx)
}

// Tombstone implements tombstone(): one Tombstoner archival pass.
func (e *Engine) Tombstone(ctx context.Context) error {
	_, _, err := e.tomb.Run(ctx)
	return err
}

// StartScheduled wires allocate/expireJobs/tombstone onto the Scheduler
// using the periods in cfg, matching spec §4.6's task list. Called once
// at process start, after SetBMPController has been used to install the
// real BMP controller.
func (e *Engine) StartScheduled(ctx context.Context, allocatorPeriod, keepaliveExpiryPeriod time.Duration, historySchedule string) error {
	e.scheduler.ScheduleAtFixedRate(ctx, "allocate", allocatorPeriod, func(ctx context.Context) error {
		return e.Allocate(ctx)
	})
	e.scheduler.ScheduleAtFixedRate(ctx, "expireJobs", keepaliveExpiryPeriod, func(ctx context.Context) error {
		return e.ExpireJobs(ctx)
	})
	return e.scheduler.ScheduleCron(ctx, "tombstone", historySchedule, func(ctx context.Context) error {
		return e.Tombstone(ctx)
	})
}
