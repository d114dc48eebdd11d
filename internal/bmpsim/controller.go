// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package bmpsim provides a reference/test implementation of
// collab.BMPController: it drives pending_changes rows to completion
// immediately (optionally simulating failures) instead of talking to real
// Board Management Processor hardware, and reports completion back
// through the same updateJob callback the production wire protocol would
// use. It is explicitly not the production BMP protocol (spec §6.1).
package bmpsim

import (
	"context"
	"database/sql"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/spalloc/allocator-core/internal/collab"
	"github.com/spalloc/allocator-core/internal/store/model"
	"github.com/spalloc/allocator-core/pkg/logging"
)

// UpdateJobFunc is the completion callback the Controller reports
// through once it has resolved every pending change in a (job, source,
// target) group — normally internal/engine.Engine.UpdateJob, injected
// rather than imported directly to avoid a dependency cycle (cmd/allocatord
// wires this controller in after constructing the Engine).
type UpdateJobFunc func(ctx context.Context, jobID int64, sourceState, targetState model.JobState) error

// FailureFunc decides whether a given pending change should be reported
// as a simulated power failure. The default always succeeds.
type FailureFunc func(pc model.PendingChange) bool

// Event is emitted on the event channel (and, if a server is attached,
// broadcast over its WebSocket stream) each time a pending change is
// resolved, for observability in local/manual runs. TraceID is shared by
// every Event a single TriggerSearch-triggered drive pass publishes, so
// a client watching the stream can correlate which resolutions came from
// the same BMP sweep.
type Event struct {
	TraceID string
	JobID   int64
	BoardID int64
	BMPID   int64
	Success bool
	Reason  string
}

// Controller is the reference BMPController.
type Controller struct {
	store      collab.Store
	updateJob  UpdateJobFunc
	shouldFail FailureFunc
	log        logging.Logger

	stopped atomic.Bool

	mu     sync.Mutex
	events chan Event
}

// New constructs a Controller. shouldFail may be nil (every change
// succeeds).
func New(store collab.Store, updateJob UpdateJobFunc, shouldFail FailureFunc, log logging.Logger) *Controller {
	if log == nil {
		log = logging.NoOpLogger{}
	}
	if shouldFail == nil {
		shouldFail = func(model.PendingChange) bool { return false }
	}
	return &Controller{
		store: store, updateJob: updateJob, shouldFail: shouldFail, log: log,
		events: make(chan Event, 64),
	}
}

// Events returns the channel Event values are published on. Reading from
// it is optional; publishing never blocks (the channel is drained by
// dropping the oldest event if a reader isn't keeping up).
func (c *Controller) Events() <-chan Event {
	return c.events
}

func (c *Controller) publish(ev Event) {
	select {
	case c.events <- ev:
	default:
		select {
		case <-c.events:
		default:
		}
		select {
		case c.events <- ev:
		default:
		}
	}
}

// TriggerSearch drives every pending change owned by each bmpID to
// completion in its own goroutine, matching the non-blocking contract
// collab.BMPController documents.
func (c *Controller) TriggerSearch(ctx context.Context, bmpIDs []int64) {
	for _, id := range bmpIDs {
		id := id
		go c.drive(ctx, id)
	}
}

// EmergencyStop sets the stopped flag; any drive loop still running
// checks it between rows and abandons the rest of its batch.
func (c *Controller) EmergencyStop(ctx context.Context) {
	c.stopped.Store(true)
}

// Stopped reports whether EmergencyStop has been called.
func (c *Controller) Stopped() bool {
	return c.stopped.Load()
}

type groupKey struct {
	jobID          int64
	source, target model.JobState
}

func (c *Controller) drive(ctx context.Context, bmpID int64) {
	if c.Stopped() {
		return
	}

	traceID := uuid.NewString()

	var changes []model.PendingChange
	err := c.store.WithTransaction(ctx, func(ctx context.Context, tx *sql.Tx) error {
		var err error
		changes, err = c.store.GetPendingChangesForBMP(ctx, tx, bmpID)
		return err
	})
	if err != nil {
		c.log.Warn("bmpsim: failed to read pending changes", "trace_id", traceID, "bmp_id", bmpID, "error", err)
		return
	}

	touched := make(map[groupKey]bool)
	for _, pc := range changes {
		if c.Stopped() {
			return
		}

		fail := c.shouldFail(pc)
		err := c.store.WithTransaction(ctx, func(ctx context.Context, tx *sql.Tx) error {
			if err := c.store.MarkPendingChangeInProgress(ctx, tx, pc.ID); err != nil {
				return err
			}
			if fail {
				return c.store.ResolvePendingChangeError(ctx, tx, pc.ID, "simulated power failure")
			}
			return c.store.ResolvePendingChangeSuccess(ctx, tx, pc.ID)
		})
		if err != nil {
			c.log.Warn("bmpsim: failed to resolve pending change", "trace_id", traceID, "id", pc.ID, "error", err)
			continue
		}

		reason := ""
		if fail {
			reason = "simulated power failure"
		}
		c.publish(Event{TraceID: traceID, JobID: pc.JobID, BoardID: pc.BoardID, BMPID: pc.BMPID, Success: !fail, Reason: reason})
		touched[groupKey{pc.JobID, pc.SourceState, pc.TargetState}] = true
	}

	for g := range touched {
		if err := c.updateJob(ctx, g.jobID, g.source, g.target); err != nil {
			c.log.Warn("bmpsim: updateJob callback failed", "trace_id", traceID, "job_id", g.jobID, "error", err)
		}
	}
}
