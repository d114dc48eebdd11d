// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package model defines the persistent entities the allocation engine
// reads and mutates: machines, boards, links, jobs, allocation tasks,
// and pending power changes.
package model

import "time"

// JobState is a job's position in the lifecycle state machine.
type JobState string

const (
	JobQueued    JobState = "QUEUED"
	JobPower     JobState = "POWER"
	JobReady     JobState = "READY"
	JobDestroyed JobState = "DESTROYED"
)

// PowerState is the power target of a PendingChange.
type PowerState string

const (
	PowerOn  PowerState = "ON"
	PowerOff PowerState = "OFF"
)

// Direction is one of the six inter-board link directions within a triad
// lattice.
type Direction string

const (
	DirN  Direction = "N"
	DirE  Direction = "E"
	DirSE Direction = "SE"
	DirS  Direction = "S"
	DirW  Direction = "W"
	DirNW Direction = "NW"
)

// AllDirections lists the six link directions in a stable order, used
// wherever per-direction enable flags must be iterated deterministically.
var AllDirections = [6]Direction{DirN, DirE, DirSE, DirS, DirW, DirNW}

// Machine is a physical board lattice. Static after provisioning; the
// core allocation engine never mutates a Machine row.
type Machine struct {
	ID       int64
	Name     string
	MaxWidth int
	MaxHeight int
	Tags     []string
}

// Board is a single physical board owned by a Machine.
type Board struct {
	ID            int64
	MachineID     int64
	X, Y, Z       int
	IPAddress     string
	BMPID         int64
	Functioning   bool
	Blacklisted   bool
	AllocatedJob  *int64
}

// TriadCoords identifies a board's position within a machine's lattice.
type TriadCoords struct {
	X, Y, Z int
}

// Rectangle is an axis-aligned region of triads.
type Rectangle struct {
	Width, Height, Depth int
}

// Link is a directed, possibly-disabled adjacency between two boards.
type Link struct {
	SourceBoardID int64
	TargetBoardID int64
	Direction     Direction
	Enabled       bool
}

// Job is a client's resource reservation, tracked through the lifecycle
// state machine described in the allocation engine's design.
type Job struct {
	ID        int64
	MachineID int64
	Owner     string
	Group     string

	// Geometry is non-nil only once the job has been allocated boards
	// (state POWER or READY).
	Geometry *JobGeometry

	State JobState

	CreatedAt        time.Time
	LastKeepalive    time.Time
	KeepaliveInterval time.Duration
	KeepaliveHost    string

	DeathReason *string
	DeathAt     *time.Time

	Request    []byte
	Importance int64

	Tags []string
}

// JobGeometry is the board layout allocated to a job.
type JobGeometry struct {
	Width, Height, Depth int
	RootBoardID          int64
	NumBoards            int
}

// AllocationTask describes a queued job's desired shape. Exactly one of
// NumBoards, (Width,Height), (Width,Height,RootBoardID), or RootBoardID
// is set, matching spec's classification order.
type AllocationTask struct {
	JobID int64

	NumBoards *int
	Width     *int
	Height    *int
	RootBoard *int64

	MaxDeadBoards int
	Importance    int64
}

// PendingChange is one row per board per in-flight power transition.
type PendingChange struct {
	ID          int64
	JobID       int64
	BoardID     int64
	BMPID       int64
	Power       PowerState
	Enables     map[Direction]bool
	SourceState JobState
	TargetState JobState
	InProgress  bool
	Error       *string
}
