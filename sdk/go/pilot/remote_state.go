// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package pilot

// RemoteState is a status string as reported by a backend.
type RemoteState string

// Status strings reported by each backend kind. Pending and held
// states map to Queued rather than New, so a record that has already
// been acknowledged never appears to move backward.
var translationTables = map[BackendKind]map[RemoteState]SubJobState{
	BackendLocalGlidein: {
		"Idle":         SubJobQueued,
		"Held":         SubJobQueued,
		"Running":      SubJobRunning,
		"Transferring": SubJobRunning,
		"Completed":    SubJobDone,
		"Failed":       SubJobFailed,
		"Removed":      SubJobCanceled,
	},
	BackendGridResourceManager: {
		// LSF
		"PEND":  SubJobQueued,
		"PSUSP": SubJobQueued,
		"WAIT":  SubJobQueued,
		"RUN":   SubJobRunning,
		"USUSP": SubJobRunning,
		"SSUSP": SubJobRunning,
		"PROV":  SubJobRunning,
		"DONE":  SubJobDone,
		"EXIT":  SubJobFailed,
		// SLURM
		"PENDING":       SubJobQueued,
		"CONFIGURING":   SubJobQueued,
		"RUNNING":       SubJobRunning,
		"COMPLETING":    SubJobRunning,
		"SUSPENDED":     SubJobRunning,
		"COMPLETED":     SubJobDone,
		"FAILED":        SubJobFailed,
		"TIMEOUT":       SubJobFailed,
		"NODE_FAIL":     SubJobFailed,
		"OUT_OF_MEMORY": SubJobFailed,
		"CANCELLED":     SubJobCanceled,
	},
	BackendCloudWorkerRole: {
		"New":      SubJobNew,
		"Pending":  SubJobQueued,
		"Running":  SubJobRunning,
		"Done":     SubJobDone,
		"Failed":   SubJobFailed,
		"Canceled": SubJobCanceled,
	},
}

// Translate maps a backend-reported status onto a SubJobState.
// Unrecognized strings (including LSF "UNKWN" and "ZOMBI") map to
// SubJobUnknown, never to a terminal state.
func Translate(kind BackendKind, remote RemoteState) SubJobState {
	if s, ok := translationTables[kind][remote]; ok {
		return s
	}
	return SubJobUnknown
}
