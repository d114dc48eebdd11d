// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package scheduler drives the allocation engine's periodic and one-shot
// work: fixed-rate allocate/expire loops, a cron-scheduled tombstone
// sweep, and cancellable one-shot callbacks for updateJob and on-demand
// allocation.
package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	allocerrors "github.com/spalloc/allocator-core/pkg/errors"
	"github.com/spalloc/allocator-core/pkg/logging"
)

// Task is a unit of scheduled work; it returns an error classified via
// pkg/errors so the scheduler can decide how to react (skip the tick on
// StoreBusy, log and continue on anything else).
type Task func(ctx context.Context) error

// Scheduler owns every periodic, cron, and one-shot task registered
// against the allocation engine. It refuses new one-shots and stops
// admitting ticks once Stop is called (spec §4.6, §4.7's "new one-shots
// are refused" requirement).
type Scheduler struct {
	log logging.Logger

	mu       sync.Mutex
	tickers  []*time.Ticker
	timers   []*time.Timer
	cronJobs *cron.Cron

	cancelFns []context.CancelFunc

	stopped atomic.Bool
}

// New constructs a Scheduler. The returned Scheduler owns no goroutines
// until ScheduleAtFixedRate/ScheduleCron/ScheduleOnce is called.
func New(log logging.Logger) *Scheduler {
	if log == nil {
		log = logging.NoOpLogger{}
	}
	return &Scheduler{log: log, cronJobs: cron.New()}
}

// Unschedulable reports whether the Scheduler has been stopped (spec
// §6.3's AllocatorUnschedulable condition).
func (s *Scheduler) Unschedulable() bool {
	return s.stopped.Load()
}

// ScheduleAtFixedRate runs task every period in its own goroutine, one
// store transaction per tick (spec §5: periodic tasks do not nest). A
// panic inside task is recovered and logged; a returned StoreBusy error
// is logged at info level and the tick is simply skipped; any other
// error is logged as a warning.
func (s *Scheduler) ScheduleAtFixedRate(ctx context.Context, name string, period time.Duration, task Task) {
	if s.Unschedulable() {
		s.log.Warn("refusing to schedule periodic task: scheduler stopped", "task", name)
		return
	}

	ticker := time.NewTicker(period)
	runCtx, cancel := context.WithCancel(ctx)

	s.mu.Lock()
	s.tickers = append(s.tickers, ticker)
	s.cancelFns = append(s.cancelFns, cancel)
	s.mu.Unlock()

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				if s.Unschedulable() {
					return
				}
				s.runGuarded(runCtx, name, task)
			}
		}
	}()
}

// ScheduleCron runs task on every firing of cronExpr (standard 5-field
// cron syntax), used for the tombstone task on history.schedule.
func (s *Scheduler) ScheduleCron(ctx context.Context, name, cronExpr string, task Task) error {
	if s.Unschedulable() {
		s.log.Warn("refusing to schedule cron task: scheduler stopped", "task", name)
		return allocerrors.New(allocerrors.CodeAllocatorUnschedulable, "scheduler stopped")
	}

	_, err := s.cronJobs.AddFunc(cronExpr, func() {
		if s.Unschedulable() {
			return
		}
		s.runGuarded(ctx, name, task)
	})
	if err != nil {
		return allocerrors.Wrap(allocerrors.CodeBadRequest, "parse cron expression", err)
	}

	s.mu.Lock()
	started := len(s.cronJobs.Entries()) == 1
	s.mu.Unlock()
	if started {
		s.cronJobs.Start()
	}
	return nil
}

// ScheduleOnce runs task once after delay, cancellable via the returned
// function. Used for updateJob, on-demand "allocate now", and the §4.3.2
// re-queue path. Refused (task never runs) once the Scheduler is stopped.
func (s *Scheduler) ScheduleOnce(ctx context.Context, name string, delay time.Duration, task Task) (cancel func()) {
	if s.Unschedulable() {
		s.log.Warn("refusing to schedule one-shot task: scheduler stopped", "task", name)
		return func() {}
	}

	timer := time.AfterFunc(delay, func() {
		if s.Unschedulable() {
			return
		}
		s.runGuarded(ctx, name, task)
	})

	s.mu.Lock()
	s.timers = append(s.timers, timer)
	s.mu.Unlock()

	return func() { timer.Stop() }
}

// runGuarded executes task with panic recovery and StoreBusy-aware
// logging (spec §5, §7).
func (s *Scheduler) runGuarded(ctx context.Context, name string, task Task) {
	defer func() {
		if p := recover(); p != nil {
			s.log.Error("scheduled task panicked", "task", name, "panic", p)
		}
	}()

	if err := task(ctx); err != nil {
		if allocerrors.CodeOf(err) == allocerrors.CodeStoreBusy {
			s.log.Info("scheduled task skipped tick: store busy", "task", name)
			return
		}
		s.log.Warn("scheduled task failed", "task", name, "error", err)
	}
}

// Stop cancels every periodic and cron future and refuses all further
// scheduling (spec §4.7 step 2). One-shot timers already fired are left
// alone; pending ones are stopped.
func (s *Scheduler) Stop() {
	if !s.stopped.CompareAndSwap(false, true) {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, cancel := range s.cancelFns {
		cancel()
	}
	for _, ticker := range s.tickers {
		ticker.Stop()
	}
	for _, timer := range s.timers {
		timer.Stop()
	}
	s.cronJobs.Stop()
}
