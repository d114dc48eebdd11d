// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package expiry implements the Expiry/Quota Sweeper: it destroys jobs
// whose keepalive has lapsed and jobs a quota collaborator reports as
// over allowance.
package expiry

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/spalloc/allocator-core/internal/collab"
	"github.com/spalloc/allocator-core/internal/epoch"
	"github.com/spalloc/allocator-core/internal/lifecycle"
	"github.com/spalloc/allocator-core/pkg/logging"
)

// Sweeper is the Expiry/Quota Sweeper.
type Sweeper struct {
	store         collab.Store
	lifecycle     *lifecycle.Controller
	quota         collab.QuotaManager
	bmp           collab.BMPController
	epochs        *epoch.Registry
	maxQuotaCheck int
	log           logging.Logger
}

// New constructs a Sweeper. maxQuotaCheck comes from
// pkg/config.Config.MaxQuotaCheckBatch (default 100000).
func New(store collab.Store, lc *lifecycle.Controller, quota collab.QuotaManager, bmp collab.BMPController, epochs *epoch.Registry, maxQuotaCheck int, log logging.Logger) *Sweeper {
	if log == nil {
		log = logging.NoOpLogger{}
	}
	if quota == nil {
		quota = collab.NoOpQuotaManager{}
	}
	return &Sweeper{store: store, lifecycle: lc, quota: quota, bmp: bmp, epochs: epochs, maxQuotaCheck: maxQuotaCheck, log: log}
}

// SetBMPController replaces the BMP controller, used once the real
// controller has been constructed against this process's Engine (spec
// §9's circular-collaborator note: the Sweeper is built before the BMP
// controller exists, so it starts with a placeholder).
func (sw *Sweeper) SetBMPController(bmp collab.BMPController) {
	sw.bmp = bmp
}

// Run executes one sweep pass: expired-keepalive jobs first, then
// quota-exceeded jobs, per spec §4.4. Each destroy runs in its own
// transaction so one bad job cannot block the rest of the sweep; any
// per-job failures are combined into a single returned error so the
// caller sees all of them, not just the last.
func (sw *Sweeper) Run(ctx context.Context) error {
	var result *multierror.Error

	expiredIDs, err := sw.findExpired(ctx)
	if err != nil {
		return err
	}
	for _, jobID := range expiredIDs {
		if err := sw.destroy(ctx, jobID, "keepalive expired"); err != nil {
			sw.log.Warn("failed to destroy expired job", "job_id", jobID, "error", err)
			result = multierror.Append(result, fmt.Errorf("job %d: %w", jobID, err))
		}
	}

	liveIDs, err := sw.findLive(ctx)
	if err != nil {
		return err
	}
	for _, jobID := range liveIDs {
		kill, err := sw.quota.ShouldKillJob(ctx, jobID)
		if err != nil {
			sw.log.Warn("quota check failed", "job_id", jobID, "error", err)
			result = multierror.Append(result, fmt.Errorf("job %d quota check: %w", jobID, err))
			continue
		}
		if !kill {
			continue
		}
		if err := sw.destroy(ctx, jobID, "quota exceeded"); err != nil {
			sw.log.Warn("failed to destroy over-quota job", "job_id", jobID, "error", err)
			result = multierror.Append(result, fmt.Errorf("job %d: %w", jobID, err))
		}
	}
	return result.ErrorOrNil()
}

func (sw *Sweeper) findExpired(ctx context.Context) ([]int64, error) {
	var ids []int64
	err := sw.store.WithTransaction(ctx, func(ctx context.Context, tx *sql.Tx) error {
		var err error
		ids, err = sw.store.FindExpiredJobs(ctx, tx, time.Now())
		return err
	})
	return ids, err
}

func (sw *Sweeper) findLive(ctx context.Context) ([]int64, error) {
	var ids []int64
	err := sw.store.WithTransaction(ctx, func(ctx context.Context, tx *sql.Tx) error {
		var err error
		ids, err = sw.store.GetLiveJobIDs(ctx, tx, sw.maxQuotaCheck)
		return err
	})
	return ids, err
}

func (sw *Sweeper) destroy(ctx context.Context, jobID int64, reason string) error {
	var bmpIDs []int64
	err := sw.store.WithTransaction(ctx, func(ctx context.Context, tx *sql.Tx) error {
		var err error
		bmpIDs, err = sw.lifecycle.DestroyJob(ctx, tx, jobID, reason)
		return err
	})
	if err != nil {
		return err
	}
	sw.epochs.JobChanged(jobID)
	if len(bmpIDs) > 0 && sw.bmp != nil {
		sw.bmp.TriggerSearch(ctx, bmpIDs)
	}
	return nil
}
