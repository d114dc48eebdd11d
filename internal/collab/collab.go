// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package collab declares the abstract boundaries the allocation engine
// calls out to but does not implement itself: the board management
// processor, quota accounting, and session/proxy bookkeeping. Each is
// named and narrow, matching only the methods the engine actually calls
// (triggerSearch/emergencyStop, shouldKillJob/finishJob, closeJob) rather
// than the full surface of the system each one fronts.
package collab

import (
	"context"
	"database/sql"
	"time"

	"github.com/spalloc/allocator-core/internal/store/model"
	"github.com/spalloc/allocator-core/pkg/config"
)

// BMPController drives the external Board Management Processors that
// physically power boards on and off and (dis)able their inter-board
// links. The engine only ever notifies it that work is waiting and, in
// an emergency, tells it to stop; the controller reports completion
// asynchronously through the Lifecycle Controller's updateJob callback.
type BMPController interface {
	// TriggerSearch is a non-blocking notification that one or more rows
	// now exist in pending_changes for the given BMP identifiers. The
	// controller decides when and how to act; the call must not block
	// on the transition itself completing.
	TriggerSearch(ctx context.Context, bmpIDs []int64)

	// EmergencyStop tells every BMP under management to stop driving
	// boards immediately. It does not wait for in-flight transitions to
	// finish.
	EmergencyStop(ctx context.Context)
}

// QuotaManager answers keepalive/quota questions about a job. The engine
// does no accounting of its own; it asks this collaborator whether a
// job has exceeded its allowance and tells it when a job finishes so it
// can release whatever it was tracking.
type QuotaManager interface {
	// ShouldKillJob reports whether jobID has exceeded its resource
	// quota and should be destroyed by the expiry sweeper.
	ShouldKillJob(ctx context.Context, jobID int64) (bool, error)

	// FinishJob releases any quota accounting held against jobID. Called
	// once a job reaches a terminal state.
	FinishJob(ctx context.Context, jobID int64) error
}

// SessionManager closes out whatever proxy or job-object state a client
// session held for a job once that job is gone (ProxyRememberer /
// JobObjectRememberer in the original system).
type SessionManager interface {
	// CloseJob releases session-side state associated with jobID.
	CloseJob(ctx context.Context, jobID int64) error
}

// NoOpQuotaManager never kills a job and tracks nothing; it is useful
// wherever quota enforcement is not configured.
type NoOpQuotaManager struct{}

func (NoOpQuotaManager) ShouldKillJob(ctx context.Context, jobID int64) (bool, error) {
	return false, nil
}

func (NoOpQuotaManager) FinishJob(ctx context.Context, jobID int64) error {
	return nil
}

// NoOpSessionManager has no session state to close.
type NoOpSessionManager struct{}

func (NoOpSessionManager) CloseJob(ctx context.Context, jobID int64) error {
	return nil
}

// Store is the transactional boundary every component in this module
// uses to read and mutate machine, board, job, and pending-change rows.
// WithTransaction is the only way to obtain write access: every
// read-modify-write sequence in the engine runs inside one call so the
// underlying driver's isolation guarantees hold across it. The query and
// mutation methods below all take the *sql.Tx handed to fn, so callers
// compose several of them inside a single WithTransaction call.
//
// internal/store.Store is the concrete implementation; packages outside
// internal/store depend only on this interface.
type Store interface {
	// WithTransaction runs fn inside a single database transaction,
	// committing on a nil return and rolling back otherwise (including
	// on panic, which is re-thrown after rollback).
	WithTransaction(ctx context.Context, fn func(ctx context.Context, tx *sql.Tx) error) error

	// Close releases the underlying connection pool.
	Close() error

	// Driver reports which backend this Store was opened against.
	Driver() config.StoreDriver

	GetJob(ctx context.Context, tx *sql.Tx, jobID int64) (*model.Job, error)
	SetJobState(ctx context.Context, tx *sql.Tx, jobID int64, state model.JobState) error
	SetJobGeometry(ctx context.Context, tx *sql.Tx, jobID int64, g model.JobGeometry) error
	SetDeathReason(ctx context.Context, tx *sql.Tx, jobID int64, reason string, at time.Time) error
	FindExpiredJobs(ctx context.Context, tx *sql.Tx, now time.Time) ([]int64, error)
	GetLiveJobIDs(ctx context.Context, tx *sql.Tx, limit int) ([]int64, error)

	GetBoard(ctx context.Context, tx *sql.Tx, boardID int64) (*model.Board, error)
	AllocateBoard(ctx context.Context, tx *sql.Tx, boardID, jobID int64) error
	FreeBoardsForJob(ctx context.Context, tx *sql.Tx, jobID int64) error
	BoardsForJob(ctx context.Context, tx *sql.Tx, jobID int64) ([]int64, error)
	SetBlacklisted(ctx context.Context, tx *sql.Tx, boardID int64, blacklisted bool) error
	GetMachine(ctx context.Context, tx *sql.Tx, machineID int64) (*model.Machine, error)

	GetQueuedTasks(ctx context.Context, tx *sql.Tx, machineID int64) ([]model.AllocationTask, error)
	ListQueuedMachineIDs(ctx context.Context, tx *sql.Tx) ([]int64, error)
	DeleteTask(ctx context.Context, tx *sql.Tx, jobID int64) error
	BumpImportance(ctx context.Context, tx *sql.Tx, machineID int64) error

	InsertPendingChange(ctx context.Context, tx *sql.Tx, pc model.PendingChange) (bmpID int64, err error)
	CountPendingChanges(ctx context.Context, tx *sql.Tx, jobID int64, source, target model.JobState) (nChanges, nErrors int, err error)
	DeletePendingChanges(ctx context.Context, tx *sql.Tx, jobID int64, source, target model.JobState) error
	BMPIDsForJob(ctx context.Context, tx *sql.Tx, jobID int64) ([]int64, error)
	GetPendingChangesForBMP(ctx context.Context, tx *sql.Tx, bmpID int64) ([]model.PendingChange, error)
	MarkPendingChangeInProgress(ctx context.Context, tx *sql.Tx, id int64) error
	ResolvePendingChangeSuccess(ctx context.Context, tx *sql.Tx, id int64) error
	ResolvePendingChangeError(ctx context.Context, tx *sql.Tx, id int64, reason string) error

	FindFreeBoard(ctx context.Context, tx *sql.Tx, machineID int64) (*model.TriadCoords, error)
	FindRectangle(ctx context.Context, tx *sql.Tx, machineID int64, width, height, depth, tolerance int) ([]model.TriadCoords, error)
	FindRectangleAt(ctx context.Context, tx *sql.Tx, machineID int64, root model.TriadCoords, width, height, depth, maxDead int) (*model.TriadCoords, error)
	CountConnected(ctx context.Context, tx *sql.Tx, machineID int64, root model.TriadCoords, width, height, depth int) (int, error)
	GetConnectedBoardIDs(ctx context.Context, tx *sql.Tx, machineID int64, root model.TriadCoords, width, height, depth int) ([]int64, error)
	PerimeterLinks(ctx context.Context, tx *sql.Tx, boardIDs []int64) (map[int64]map[model.Direction]bool, error)
}
