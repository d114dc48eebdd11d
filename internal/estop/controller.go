// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package estop implements the Emergency Stop controller: an idempotent,
// last-resort shutdown that halts all scheduled work, tells the BMP
// controller to stop driving boards, and tears down every live job
// without issuing further power changes.
package estop

import (
	"context"
	"database/sql"
	"math"
	"sync/atomic"

	"github.com/spalloc/allocator-core/internal/collab"
	"github.com/spalloc/allocator-core/internal/lifecycle"
	"github.com/spalloc/allocator-core/pkg/logging"
)

// allLiveJobs is passed as GetLiveJobIDs' limit when every live job must
// be found, since a limit of 0 means "return zero rows", not "unbounded".
const allLiveJobs = math.MaxInt32

// Scheduler is the subset of internal/scheduler.Scheduler the Emergency
// Stop controller needs: halt every future and refuse new ones.
type Scheduler interface {
	Stop()
}

// Controller is the Emergency Stop controller (spec §4.7).
type Controller struct {
	store     collab.Store
	lifecycle *lifecycle.Controller
	bmp       collab.BMPController
	scheduler Scheduler
	log       logging.Logger

	stopped           atomic.Bool
	suppressedUpdates atomic.Int64
}

// New constructs a Controller.
func New(store collab.Store, lc *lifecycle.Controller, bmp collab.BMPController, scheduler Scheduler, log logging.Logger) *Controller {
	if log == nil {
		log = logging.NoOpLogger{}
	}
	return &Controller{store: store, lifecycle: lc, bmp: bmp, scheduler: scheduler, log: log}
}

// SetBMPController replaces the BMP controller, used once the real
// controller has been constructed against this process's Engine (spec
// §9's circular-collaborator note: the Controller is built before the
// BMP controller exists, so it starts with a placeholder).
func (c *Controller) SetBMPController(bmp collab.BMPController) {
	c.bmp = bmp
}

// Stopped reports whether Stop has already run.
func (c *Controller) Stopped() bool {
	return c.stopped.Load()
}

// SuppressedUpdateCount returns the number of updateJob calls that were
// silently dropped because the controller had already stopped (spec §9's
// ask to surface a counter for this).
func (c *Controller) SuppressedUpdateCount() int64 {
	return c.suppressedUpdates.Load()
}

// NoteSuppressedUpdate increments SuppressedUpdateCount. Called by the
// BMP controller's updateJob completion path when it observes the
// controller has already stopped and discards the call instead of
// invoking lifecycle.UpdateJob.
func (c *Controller) NoteSuppressedUpdate() {
	c.suppressedUpdates.Add(1)
}

// Stop executes the emergency stop sequence (spec §4.7), idempotently:
// only the first call does anything; subsequent calls are no-ops.
func (c *Controller) Stop(ctx context.Context) error {
	if !c.stopped.CompareAndSwap(false, true) {
		return nil
	}

	c.scheduler.Stop()
	c.bmp.EmergencyStop(ctx)

	liveIDs, err := c.findLiveJobs(ctx)
	if err != nil {
		return err
	}

	for _, jobID := range liveIDs {
		if err := c.destroyWithoutPower(ctx, jobID); err != nil {
			c.log.Error("emergency stop failed to destroy job", "job_id", jobID, "error", err)
		}
	}
	return nil
}

func (c *Controller) findLiveJobs(ctx context.Context) ([]int64, error) {
	var ids []int64
	err := c.store.WithTransaction(ctx, func(ctx context.Context, tx *sql.Tx) error {
		var err error
		ids, err = c.store.GetLiveJobIDs(ctx, tx, allLiveJobs)
		return err
	})
	return ids, err
}

func (c *Controller) destroyWithoutPower(ctx context.Context, jobID int64) error {
	return c.store.WithTransaction(ctx, func(ctx context.Context, tx *sql.Tx) error {
		return c.lifecycle.DestroyJobWithoutPower(ctx, tx, jobID, "emergency stop")
	})
}
