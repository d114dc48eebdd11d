// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package alloc implements the Allocator Engine: it reads queued
// allocation tasks, classifies each one's requested shape, searches the
// store for a satisfying rectangle of boards, and commits the winning
// candidate.
package alloc

import (
	"context"
	"database/sql"
	"math"

	"github.com/spalloc/allocator-core/internal/collab"
	"github.com/spalloc/allocator-core/internal/epoch"
	"github.com/spalloc/allocator-core/internal/lifecycle"
	"github.com/spalloc/allocator-core/internal/store/model"
	allocerrors "github.com/spalloc/allocator-core/pkg/errors"
	"github.com/spalloc/allocator-core/pkg/logging"
)

// Allocations is the result of one Allocate pass: the jobs that were
// placed this round, the machines they belong to, and the BMP ids whose
// controllers the caller must notify.
type Allocations struct {
	JobIDs     []int64
	MachineIDs []int64
	BMPIDs     []int64
}

// Engine is the Allocator Engine.
type Engine struct {
	store          collab.Store
	lifecycle      *lifecycle.Controller
	sessions       collab.SessionManager
	epochs         *epoch.Registry
	importanceSpan int
	triadDepth     int
	log            logging.Logger
}

// New constructs an Engine. importanceSpan and triadDepth come from
// pkg/config.Config (ImportanceSpan, TriadDepth).
func New(store collab.Store, lc *lifecycle.Controller, sessions collab.SessionManager, epochs *epoch.Registry, importanceSpan, triadDepth int, log logging.Logger) *Engine {
	if log == nil {
		log = logging.NoOpLogger{}
	}
	if sessions == nil {
		sessions = collab.NoOpSessionManager{}
	}
	return &Engine{store: store, lifecycle: lc, sessions: sessions, epochs: epochs, importanceSpan: importanceSpan, triadDepth: triadDepth, log: log}
}

// triadCoordsOf resolves a board id to its TriadCoords, used when a task
// names a specific root board rather than a free-search request.
func (e *Engine) triadCoordsOf(ctx context.Context, tx *sql.Tx, boardID int64) (model.TriadCoords, error) {
	board, err := e.store.GetBoard(ctx, tx, boardID)
	if err != nil {
		return model.TriadCoords{}, err
	}
	return model.TriadCoords{X: board.X, Y: board.Y, Z: board.Z}, nil
}

// taskShape is the classification result for one AllocationTask (spec
// §4.2's numbered list), turning the dispatch into a single switch over
// a sum type instead of repeated nil-checks on the task's fields.
type taskShape interface {
	isTaskShape()
}

// shapeNumBoards is task-classification case 1: a board count, searched
// either as a single board (count == 1) or a dimension-estimated
// rectangle.
type shapeNumBoards struct {
	numBoards     int
	maxDeadBoards int
}

// shapeRectangleAt is case 2: an explicit width/height at a specific root.
type shapeRectangleAt struct {
	width, height int
	rootBoardID   int64
	maxDeadBoards int
}

// shapeRectangle is case 3: an explicit width/height searched anywhere
// on the machine.
type shapeRectangle struct {
	width, height int
	maxDeadBoards int
}

// shapeSpecificBoard is case 4: a single specific board, ignoring
// maxDeadBoards.
type shapeSpecificBoard struct {
	rootBoardID int64
}

func (shapeNumBoards) isTaskShape()     {}
func (shapeRectangleAt) isTaskShape()   {}
func (shapeRectangle) isTaskShape()     {}
func (shapeSpecificBoard) isTaskShape() {}

// classify implements spec §4.2's first-match-wins task classification.
func classify(t model.AllocationTask) (taskShape, error) {
	if t.NumBoards != nil && *t.NumBoards > 0 {
		return shapeNumBoards{numBoards: *t.NumBoards, maxDeadBoards: t.MaxDeadBoards}, nil
	}
	if t.Width != nil && t.Height != nil && t.RootBoard != nil {
		return shapeRectangleAt{
			width: *t.Width, height: *t.Height,
			rootBoardID:   *t.RootBoard,
			maxDeadBoards: t.MaxDeadBoards,
		}, nil
	}
	if t.Width != nil && t.Height != nil && *t.Width > 0 && *t.Height > 0 {
		return shapeRectangle{width: *t.Width, height: *t.Height, maxDeadBoards: t.MaxDeadBoards}, nil
	}
	if t.RootBoard != nil {
		return shapeSpecificBoard{rootBoardID: *t.RootBoard}, nil
	}
	return nil, allocerrors.BadRequest("allocation task has no recognizable shape")
}

// dimensionEstimate implements spec §4.2.1 for a numBoards request.
func dimensionEstimate(numBoards, maxWidth, maxHeight int) (width, height, tolerance int, err error) {
	numTriads := int(math.Ceil(float64(numBoards) / 3))
	width = minInt(int(math.Ceil(math.Sqrt(float64(numTriads)))), maxWidth)
	height = minInt(int(math.Ceil(float64(numTriads)/float64(width))), maxHeight)
	tolerance = width*height*3 - numBoards
	if width < 1 || height < 1 || tolerance < 0 {
		return 0, 0, 0, allocerrors.BadRequest("cannot satisfy requested board count on this machine")
	}
	return width, height, tolerance, nil
}

// dimensionEstimateForRect implements the explicit-(w,h) tolerance
// computation from spec §4.2.1's second paragraph.
func dimensionEstimateForRect(width, height, maxWidth, maxHeight int) (tolerance int, err error) {
	clampedW := minInt(width, maxWidth)
	clampedH := minInt(height, maxHeight)
	tolerance = clampedW*clampedH*3 - width*height*3
	if tolerance < 0 {
		return 0, allocerrors.BadRequest("requested rectangle does not fit the machine")
	}
	return tolerance, nil
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// Allocate runs one allocation pass inside a single transaction,
// implementing spec §4.2 end to end: selection by importance, task
// classification, spatial search, and commit.
func (e *Engine) Allocate(ctx context.Context) (Allocations, error) {
	var result Allocations

	err := e.store.WithTransaction(ctx, func(ctx context.Context, tx *sql.Tx) error {
		// Selection is scoped per machine because tasks from different
		// machines are independent selection pools (each machine has its
		// own maxImportance cutoff).
		machineIDs, err := e.store.ListQueuedMachineIDs(ctx, tx)
		if err != nil {
			return err
		}

		touchedJobs := make(map[int64]bool)
		touchedMachines := make(map[int64]bool)
		touchedBMPs := make(map[int64]bool)

		for _, machineID := range machineIDs {
			if err := e.allocateForMachine(ctx, tx, machineID, touchedJobs, touchedMachines, touchedBMPs); err != nil {
				return err
			}
		}

		for id := range touchedJobs {
			result.JobIDs = append(result.JobIDs, id)
		}
		for id := range touchedMachines {
			result.MachineIDs = append(result.MachineIDs, id)
		}
		for id := range touchedBMPs {
			result.BMPIDs = append(result.BMPIDs, id)
		}
		return nil
	})
	if err != nil {
		return Allocations{}, err
	}

	for _, id := range result.JobIDs {
		e.epochs.JobChanged(id)
	}
	for _, id := range result.MachineIDs {
		e.epochs.MachineChanged(id)
	}
	return result, nil
}

func (e *Engine) allocateForMachine(ctx context.Context, tx *sql.Tx, machineID int64, touchedJobs, touchedMachines, touchedBMPs map[int64]bool) error {
	machine, err := e.store.GetMachine(ctx, tx, machineID)
	if err != nil {
		return err
	}

	tasks, err := e.store.GetQueuedTasks(ctx, tx, machineID)
	if err != nil {
		return err
	}

	var maxImportance int64
	for i, t := range tasks {
		if i == 0 {
			maxImportance = t.Importance
		}
		if t.Importance < maxImportance-int64(e.importanceSpan) {
			break
		}

		placed, bmpIDs, err := e.tryPlace(ctx, tx, machine, t)
		if err != nil {
			if allocerrors.IsBadRequest(err) {
				e.log.Warn("discarding malformed allocation task", "job_id", t.JobID, "error", err)
				if derr := e.store.DeleteTask(ctx, tx, t.JobID); derr != nil {
					return derr
				}
				continue
			}
			return err
		}
		if placed {
			touchedJobs[t.JobID] = true
			touchedMachines[machineID] = true
			for _, id := range bmpIDs {
				touchedBMPs[id] = true
			}
		}
	}

	return e.store.BumpImportance(ctx, tx, machineID)
}

// tryPlace classifies and searches for one task, committing it if a
// candidate is found. Returns placed=false (no error) when no candidate
// currently satisfies the request, so the task remains queued.
func (e *Engine) tryPlace(ctx context.Context, tx *sql.Tx, machine *model.Machine, t model.AllocationTask) (placed bool, bmpIDs []int64, err error) {
	shape, err := classify(t)
	if err != nil {
		return false, nil, err
	}

	var root *model.TriadCoords
	var width, height, depth int

	switch s := shape.(type) {
	case shapeNumBoards:
		if s.numBoards == 1 {
			root, err = e.store.FindFreeBoard(ctx, tx, machine.ID)
			if err != nil {
				return false, nil, err
			}
			if root == nil {
				return false, nil, nil
			}
			width, height, depth = 1, 1, 1
		} else {
			w, h, tol, err := dimensionEstimate(s.numBoards, machine.MaxWidth, machine.MaxHeight)
			if err != nil {
				return false, nil, err
			}
			width, height, depth = w, h, e.triadDepth
			root, err = e.searchRectangle(ctx, tx, machine.ID, w, h, depth, s.maxDeadBoards+tol)
			if err != nil {
				return false, nil, err
			}
		}

	case shapeRectangleAt:
		depth = e.triadDepth
		rootCoords, err := e.triadCoordsOf(ctx, tx, s.rootBoardID)
		if err != nil {
			return false, nil, err
		}
		root, err = e.store.FindRectangleAt(ctx, tx, machine.ID, rootCoords, s.width, s.height, depth, s.maxDeadBoards)
		if err != nil {
			return false, nil, err
		}
		width, height = s.width, s.height

	case shapeRectangle:
		if s.width == 1 && s.height == 1 && s.maxDeadBoards == 2 {
			root, err = e.store.FindFreeBoard(ctx, tx, machine.ID)
			if err != nil {
				return false, nil, err
			}
			width, height, depth = 1, 1, 1
		} else {
			depth = e.triadDepth
			tol, err := dimensionEstimateForRect(s.width, s.height, machine.MaxWidth, machine.MaxHeight)
			if err != nil {
				return false, nil, err
			}
			width, height = s.width, s.height
			root, err = e.searchRectangle(ctx, tx, machine.ID, s.width, s.height, depth, s.maxDeadBoards+tol)
			if err != nil {
				return false, nil, err
			}
		}

	case shapeSpecificBoard:
		width, height, depth = 1, 1, 1
		rootCoords, err := e.triadCoordsOf(ctx, tx, s.rootBoardID)
		if err != nil {
			return false, nil, err
		}
		root, err = e.store.FindRectangleAt(ctx, tx, machine.ID, rootCoords, 1, 1, depth, math.MaxInt32)
		if err != nil {
			return false, nil, err
		}

	default:
		return false, nil, allocerrors.BadRequest("unrecognized allocation task shape")
	}

	if root == nil {
		return false, nil, nil
	}

	return e.commit(ctx, tx, t.JobID, machine.ID, *root, width, height, depth)
}

// searchRectangle implements spec §4.2.2's candidate loop: for each
// findRectangle candidate (preference-ordered by the store), require
// countConnected to meet the tolerance-adjusted minimum area, skipping
// the check entirely when that minimum is 1 (trivial).
func (e *Engine) searchRectangle(ctx context.Context, tx *sql.Tx, machineID int64, width, height, depth, tolerance int) (*model.TriadCoords, error) {
	candidates, err := e.store.FindRectangle(ctx, tx, machineID, width, height, depth, tolerance)
	if err != nil {
		return nil, err
	}

	minArea := width*height*depth - tolerance
	for _, candidate := range candidates {
		if minArea <= 1 {
			c := candidate
			return &c, nil
		}
		connected, err := e.store.CountConnected(ctx, tx, machineID, candidate, width, height, depth)
		if err != nil {
			return nil, err
		}
		if connected >= minArea {
			c := candidate
			return &c, nil
		}
	}
	return nil, nil
}

// commit implements spec §4.2.3.
func (e *Engine) commit(ctx context.Context, tx *sql.Tx, jobID, machineID int64, root model.TriadCoords, width, height, depth int) (bool, []int64, error) {
	boardIDs, err := e.store.GetConnectedBoardIDs(ctx, tx, machineID, root, width, height, depth)
	if err != nil {
		return false, nil, err
	}
	if len(boardIDs) == 0 {
		return false, nil, nil
	}

	for _, boardID := range boardIDs {
		if err := e.store.AllocateBoard(ctx, tx, boardID, jobID); err != nil {
			return false, nil, err
		}
	}

	geometry := model.JobGeometry{
		Width: width, Height: height, Depth: depth,
		RootBoardID: boardIDs[0], NumBoards: len(boardIDs),
	}
	if err := e.store.SetJobGeometry(ctx, tx, jobID, geometry); err != nil {
		return false, nil, err
	}
	if err := e.store.DeleteTask(ctx, tx, jobID); err != nil {
		return false, nil, err
	}
	if err := e.sessions.CloseJob(ctx, jobID); err != nil {
		return false, nil, err
	}

	bmpIDs, err := e.lifecycle.SetPower(ctx, tx, jobID, model.PowerOn, model.JobReady)
	if err != nil {
		return false, nil, err
	}

	return true, bmpIDs, nil
}
