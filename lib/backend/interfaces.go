// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package backend defines the capability surface the pilot-job core
// uses to acquire resources and run sub-jobs on them. Concrete
// backends live in subpackages.
package backend

import (
	"context"
	"time"

	"github.com/all3bar/saga-cpp-legacy-projects/sdk/go/pilot"
	"github.com/sirupsen/logrus"
)

// A RateLimitError should be returned by a Handle when the backend
// indicates it is rejecting all calls for some time interval.
type RateLimitError interface {
	// Time before which the caller should expect requests to
	// fail.
	EarliestRetry() time.Time
	error
}

// JobRef is a backend-specific reference to a dispatched sub-job,
// e.g., a batch system job id or a local process handle key.
type JobRef string

// Signal is a best-effort request sent to a running sub-job.
type Signal string

const (
	// Ask the sub-job to stop.
	SignalTerminate Signal = "TERM"
	// Stop the sub-job without a grace period.
	SignalKill Signal = "KILL"
)

// ProvisionResult describes the capacity a backend acquired.
type ProvisionResult struct {
	// Backend-specific identifier of the acquired resource, e.g.,
	// the batch job id of the pilot, or a deployment id.
	RemoteID string
	// Number of sub-jobs that can run concurrently.
	Slots int
	// Free-form diagnostic text.
	Detail string
}

// ResourceStatus is a snapshot of an acquired resource.
type ResourceStatus struct {
	// False if the resource has disappeared (wall time expired,
	// job killed outside our control, deployment deleted).
	Alive bool
	// Opaque diagnostic text, shown as the pilot's state detail.
	Detail string
}

// A Handle is the uniform interface to one acquired resource. Each
// PilotJob owns exactly one Handle, obtained from Driver.NewHandle;
// handles are never shared.
//
// Every method must return promptly once its context is done. Call
// returns a timeout to the caller as soon as the deadline passes,
// without waiting for the method: work the method completes after
// that point is not seen by the caller, and is only cleaned up by a
// later Release.
type Handle interface {
	// Acquire the resources described by spec. Called exactly
	// once, before any other method. If Acquire fails after
	// allocating something (a submitted batch job, a created
	// deployment), it must remember enough for Release to clean
	// it up.
	Acquire(context.Context, pilot.PilotJobSpec, Credential) (ProvisionResult, error)

	// Release everything acquired by Acquire, including partial
	// allocations of a failed Acquire. Release is also called
	// when Acquire failed before allocating anything, and must be
	// safe to call again after it fails.
	Release(context.Context) error

	// Status reports whether the acquired resource is still
	// usable.
	Status(context.Context) (ResourceStatus, error)

	// Dispatch starts (or queues) a sub-job on the acquired
	// resource. The subJobID is the caller's identifier and may
	// be used to name the remote job.
	Dispatch(ctx context.Context, subJobID string, spec pilot.SubJobSpec) (JobRef, error)

	// PollStatus returns the backend's current status string
	// for a dispatched sub-job. See pilot.Translate.
	PollStatus(context.Context, JobRef) (pilot.RemoteState, error)

	// Signal sends a best-effort signal to a dispatched
	// sub-job. Signalling a sub-job that has already finished is
	// not an error.
	Signal(context.Context, JobRef, Signal) error
}

// A Driver returns new Handles for one backend kind.
type Driver interface {
	NewHandle(logrus.FieldLogger) (Handle, error)
}

// DriverFunc makes a Driver using the provided function as its
// NewHandle method. This is similar to http.HandlerFunc.
func DriverFunc(fn func(logrus.FieldLogger) (Handle, error)) Driver {
	return driverFunc(fn)
}

type driverFunc func(logrus.FieldLogger) (Handle, error)

func (df driverFunc) NewHandle(logger logrus.FieldLogger) (Handle, error) {
	return df(logger)
}

// Drivers maps backend kinds to drivers.
type Drivers map[pilot.BackendKind]Driver
