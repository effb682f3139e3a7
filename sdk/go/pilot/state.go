// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package pilot

// PilotState is a position in the pilot job state machine:
//
//	New -> Starting -> Running -> Canceling -> Canceled
//	            \           \
//	             -> Failed   -> Failed
type PilotState string

const (
	PilotNew       PilotState = "New"
	PilotStarting  PilotState = "Starting"
	PilotRunning   PilotState = "Running"
	PilotCanceling PilotState = "Canceling"
	PilotCanceled  PilotState = "Canceled"
	PilotFailed    PilotState = "Failed"
)

var pilotTransitions = map[PilotState]map[PilotState]bool{
	// New -> Canceled is used when a pilot that never started is
	// canceled: there is nothing to release.
	PilotNew:       {PilotStarting: true, PilotCanceled: true},
	PilotStarting:  {PilotRunning: true, PilotFailed: true},
	PilotRunning:   {PilotCanceling: true, PilotFailed: true},
	PilotCanceling: {PilotCanceled: true},
}

// IsTerminal returns true for Canceled and Failed.
func (s PilotState) IsTerminal() bool {
	return s == PilotCanceled || s == PilotFailed
}

// CanTransition returns true if the state machine allows moving from
// s to next.
func (s PilotState) CanTransition(next PilotState) bool {
	return pilotTransitions[s][next]
}

// SubJobState is the last known state of a sub-job.
type SubJobState string

const (
	SubJobNew      SubJobState = "New"
	SubJobQueued   SubJobState = "Queued"
	SubJobRunning  SubJobState = "Running"
	SubJobDone     SubJobState = "Done"
	SubJobFailed   SubJobState = "Failed"
	SubJobCanceled SubJobState = "Canceled"
	// Orphaned marks a sub-job whose pilot was removed before the
	// sub-job finished. Callers can detect it and resubmit.
	SubJobOrphaned SubJobState = "Orphaned"
	// Unknown is what an unrecognized backend status translates
	// to. It is never stored in a record.
	SubJobUnknown SubJobState = "Unknown"
)

// AllSubJobStates lists every storable sub-job state, in rank order.
var AllSubJobStates = []SubJobState{
	SubJobNew,
	SubJobQueued,
	SubJobRunning,
	SubJobDone,
	SubJobFailed,
	SubJobCanceled,
	SubJobOrphaned,
}

// AllPilotStates lists every pilot state.
var AllPilotStates = []PilotState{
	PilotNew,
	PilotStarting,
	PilotRunning,
	PilotCanceling,
	PilotCanceled,
	PilotFailed,
}

var subJobRank = map[SubJobState]int{
	SubJobNew:      1,
	SubJobQueued:   2,
	SubJobRunning:  3,
	SubJobDone:     4,
	SubJobFailed:   4,
	SubJobCanceled: 4,
	SubJobOrphaned: 4,
}

// IsTerminal returns true for Done, Failed, Canceled, and Orphaned.
func (s SubJobState) IsTerminal() bool {
	return subJobRank[s] == 4
}

// Valid returns true if s can be stored in a sub-job record.
func (s SubJobState) Valid() bool {
	return subJobRank[s] > 0
}

// CanTransition returns true if a record in state s may be updated to
// next. Transitions are monotonic: a record never moves back to an
// earlier state, never leaves a terminal state, and never becomes
// Unknown. Updating to the current state is allowed (and is a no-op).
func (s SubJobState) CanTransition(next SubJobState) bool {
	if !s.Valid() || !next.Valid() {
		return false
	}
	if s == next {
		return true
	}
	if s.IsTerminal() {
		return false
	}
	return subJobRank[next] > subJobRank[s]
}
