// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"database/sql"
	"sort"

	"github.com/spalloc/allocator-core/internal/store/model"
	allocerrors "github.com/spalloc/allocator-core/pkg/errors"
)

// FindFreeBoard returns the coordinates of any free, functioning,
// non-blacklisted board on machineID, or (nil, nil) if none exist.
func (s *Store) FindFreeBoard(ctx context.Context, tx *sql.Tx, machineID int64) (*model.TriadCoords, error) {
	row := tx.QueryRowContext(ctx, s.rebind(`
		SELECT x, y, z FROM boards
		WHERE machine_id = ? AND allocated_job IS NULL AND functioning = ? AND blacklisted = ?
		ORDER BY id ASC LIMIT 1`), machineID, true, false)

	var c model.TriadCoords
	err := row.Scan(&c.X, &c.Y, &c.Z)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, allocerrors.Wrap(allocerrors.CodeStoreError, "find free board", err)
	}
	return &c, nil
}

// rectCandidate is a rectangle root under consideration, carrying the
// free-board count used to order candidates (spec §4.2.2: "free area
// descending, then deterministic").
type rectCandidate struct {
	root     model.TriadCoords
	freeArea int
}

// FindRectangle returns candidate roots for a width x height x depth
// rectangle on machineID, ordered by free area descending (ties broken
// by (x, y) ascending), restricted to roots whose rectangle has no more
// than tolerance dead (non-free) board slots.
func (s *Store) FindRectangle(ctx context.Context, tx *sql.Tx, machineID int64, width, height, depth, tolerance int) ([]model.TriadCoords, error) {
	machine, err := s.GetMachine(ctx, tx, machineID)
	if err != nil {
		return nil, err
	}

	var candidates []rectCandidate
	for x := 0; x+width <= machine.MaxWidth; x++ {
		for y := 0; y+height <= machine.MaxHeight; y++ {
			free, total, err := s.countFreeInRectangle(ctx, tx, machineID, x, y, 0, width, height, depth)
			if err != nil {
				return nil, err
			}
			dead := total - free
			if dead <= tolerance {
				candidates = append(candidates, rectCandidate{root: model.TriadCoords{X: x, Y: y, Z: 0}, freeArea: free})
			}
		}
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].freeArea != candidates[j].freeArea {
			return candidates[i].freeArea > candidates[j].freeArea
		}
		if candidates[i].root.X != candidates[j].root.X {
			return candidates[i].root.X < candidates[j].root.X
		}
		return candidates[i].root.Y < candidates[j].root.Y
	})

	roots := make([]model.TriadCoords, len(candidates))
	for i, c := range candidates {
		roots[i] = c.root
	}
	return roots, nil
}

// FindRectangleAt tests a single specific root, returning it back if its
// rectangle's dead-board count is within maxDead, else (nil, nil).
func (s *Store) FindRectangleAt(ctx context.Context, tx *sql.Tx, machineID int64, root model.TriadCoords, width, height, depth, maxDead int) (*model.TriadCoords, error) {
	free, total, err := s.countFreeInRectangle(ctx, tx, machineID, root.X, root.Y, root.Z, width, height, depth)
	if err != nil {
		return nil, err
	}
	if total-free > maxDead {
		return nil, nil
	}
	r := root
	return &r, nil
}

// countFreeInRectangle returns the number of free, functioning,
// non-blacklisted, unallocated boards in the given footprint, and the
// total number of board slots the footprint should contain
// (width*height*depth); any slot with no matching row, or whose row is
// non-functioning/blacklisted/allocated, counts against the free total.
// The z range runs [rootZ, rootZ+depth), not always from 0, so a
// footprint rooted at a non-zero triad slot (a single free board found
// anywhere in a triad column, or a caller-named board) is counted
// correctly.
func (s *Store) countFreeInRectangle(ctx context.Context, tx *sql.Tx, machineID int64, rootX, rootY, rootZ, width, height, depth int) (free, total int, err error) {
	total = width * height * depth

	row := tx.QueryRowContext(ctx, s.rebind(`
		SELECT COUNT(*) FROM boards
		WHERE machine_id = ? AND x >= ? AND x < ? AND y >= ? AND y < ? AND z >= ? AND z < ?
		  AND allocated_job IS NULL AND functioning = ? AND blacklisted = ?`),
		machineID, rootX, rootX+width, rootY, rootY+height, rootZ, rootZ+depth, true, false)
	if scanErr := row.Scan(&free); scanErr != nil {
		return 0, 0, allocerrors.Wrap(allocerrors.CodeStoreError, "count free in rectangle", scanErr)
	}
	return free, total, nil
}

// boardIDsInRectangle returns the ids of the free, functioning,
// non-blacklisted boards in the footprint, used as the allowed-set for BFS
// reachability. The root board is the one at (rootX, rootY, rootZ), not
// always z==0, for the same reason as countFreeInRectangle.
func (s *Store) boardIDsInRectangle(ctx context.Context, tx *sql.Tx, machineID int64, rootX, rootY, rootZ, width, height, depth int) (map[int64]bool, int64, error) {
	rows, err := tx.QueryContext(ctx, s.rebind(`
		SELECT id, x, y, z FROM boards
		WHERE machine_id = ? AND x >= ? AND x < ? AND y >= ? AND y < ? AND z >= ? AND z < ?
		  AND allocated_job IS NULL AND functioning = ? AND blacklisted = ?`),
		machineID, rootX, rootX+width, rootY, rootY+height, rootZ, rootZ+depth, true, false)
	if err != nil {
		return nil, 0, allocerrors.Wrap(allocerrors.CodeStoreError, "board ids in rectangle", err)
	}
	defer rows.Close()

	allowed := make(map[int64]bool)
	var rootID int64
	for rows.Next() {
		var id int64
		var x, y, z int
		if err := rows.Scan(&id, &x, &y, &z); err != nil {
			return nil, 0, allocerrors.Wrap(allocerrors.CodeStoreError, "scan board in rectangle", err)
		}
		allowed[id] = true
		if x == rootX && y == rootY && z == rootZ {
			rootID = id
		}
	}
	if err := rows.Err(); err != nil {
		return nil, 0, allocerrors.Wrap(allocerrors.CodeStoreError, "iterate board ids in rectangle", err)
	}
	return allowed, rootID, nil
}

// CountConnected returns the number of boards inside the (root, width,
// height, depth) rectangle reachable from root via enabled links.
func (s *Store) CountConnected(ctx context.Context, tx *sql.Tx, machineID int64, root model.TriadCoords, width, height, depth int) (int, error) {
	reached, err := s.connectedBoardIDs(ctx, tx, machineID, root, width, height, depth)
	if err != nil {
		return 0, err
	}
	return len(reached), nil
}

// GetConnectedBoardIDs returns the ids of every board inside the
// rectangle reachable from root, for use by the allocation commit path.
func (s *Store) GetConnectedBoardIDs(ctx context.Context, tx *sql.Tx, machineID int64, root model.TriadCoords, width, height, depth int) ([]int64, error) {
	reached, err := s.connectedBoardIDs(ctx, tx, machineID, root, width, height, depth)
	if err != nil {
		return nil, err
	}
	ids := make([]int64, 0, len(reached))
	for id := range reached {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (s *Store) connectedBoardIDs(ctx context.Context, tx *sql.Tx, machineID int64, root model.TriadCoords, width, height, depth int) (map[int64]bool, error) {
	allowed, rootID, err := s.boardIDsInRectangle(ctx, tx, machineID, root.X, root.Y, root.Z, width, height, depth)
	if err != nil {
		return nil, err
	}
	if rootID == 0 {
		return map[int64]bool{}, nil
	}

	reached := map[int64]bool{rootID: true}
	queue := []int64{rootID}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]

		rows, err := tx.QueryContext(ctx, s.rebind(`
			SELECT target_board_id FROM links WHERE source_board_id = ? AND enabled = ?`), cur, true)
		if err != nil {
			return nil, allocerrors.Wrap(allocerrors.CodeStoreError, "query links", err)
		}
		var neighbours []int64
		for rows.Next() {
			var next int64
			if err := rows.Scan(&next); err != nil {
				rows.Close()
				return nil, allocerrors.Wrap(allocerrors.CodeStoreError, "scan link target", err)
			}
			neighbours = append(neighbours, next)
		}
		rows.Close()

		for _, next := range neighbours {
			if !allowed[next] || reached[next] {
				continue
			}
			reached[next] = true
			queue = append(queue, next)
		}
	}
	return reached, nil
}

// PerimeterLinks returns, for each board in boardIDs, the set of link
// directions that lead outside boardIDs (the job's allocation) — the
// directions the power-on path must leave disabled so the job's boards
// do not talk to boards outside its allocation.
func (s *Store) PerimeterLinks(ctx context.Context, tx *sql.Tx, boardIDs []int64) (map[int64]map[model.Direction]bool, error) {
	inSet := make(map[int64]bool, len(boardIDs))
	for _, id := range boardIDs {
		inSet[id] = true
	}

	perimeter := make(map[int64]map[model.Direction]bool, len(boardIDs))
	for _, id := range boardIDs {
		rows, err := tx.QueryContext(ctx, s.rebind(`
			SELECT target_board_id, direction FROM links WHERE source_board_id = ?`), id)
		if err != nil {
			return nil, allocerrors.Wrap(allocerrors.CodeStoreError, "query links for perimeter", err)
		}
		dirs := make(map[model.Direction]bool)
		for rows.Next() {
			var target int64
			var dir model.Direction
			if err := rows.Scan(&target, &dir); err != nil {
				rows.Close()
				return nil, allocerrors.Wrap(allocerrors.CodeStoreError, "scan perimeter link", err)
			}
			if !inSet[target] {
				dirs[dir] = true
			}
		}
		rows.Close()
		perimeter[id] = dirs
	}
	return perimeter, nil
}
