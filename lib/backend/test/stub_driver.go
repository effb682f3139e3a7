// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package test provides an in-memory backend for testing the
// pilot-job core.
package test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/all3bar/saga-cpp-legacy-projects/lib/backend"
	"github.com/all3bar/saga-cpp-legacy-projects/sdk/go/pilot"
	"github.com/sirupsen/logrus"
)

// A StubDriver implements backend.Driver by returning StubHandles
// that keep all state in memory. Failures and delays can be
// injected by setting the exported fields before the handles are
// used.
type StubDriver struct {
	// Returned by NewHandle, if non-nil.
	NewHandleError error
	// Returned by Acquire, if non-nil.
	AcquireError error
	// Acquire waits this long before returning, or until its
	// context is done.
	AcquireDelay time.Duration
	// The first ReleaseFailures calls to Release fail.
	ReleaseFailures int
	// Returned by Dispatch, if non-nil.
	DispatchError error
	// Dispatch sleeps this long before returning.
	DispatchDelay time.Duration
	// Remote state of a newly dispatched sub-job. Default
	// "Idle".
	DispatchState pilot.RemoteState
	// Remote state of a sub-job after it receives a signal.
	// Default "Removed".
	SignalState pilot.RemoteState
	// Returned by Status and PollStatus, if non-nil.
	StatusError error
	// Slots reported by Acquire. Default spec.Slots().
	Slots int

	handles []*StubHandle
	mtx     sync.Mutex
}

// NewHandle returns a new *StubHandle.
func (sd *StubDriver) NewHandle(logger logrus.FieldLogger) (backend.Handle, error) {
	if sd.NewHandleError != nil {
		return nil, sd.NewHandleError
	}
	sh := &StubHandle{
		driver: sd,
		logger: logger,
		jobs:   map[backend.JobRef]*stubJob{},
	}
	sd.mtx.Lock()
	sd.handles = append(sd.handles, sh)
	sd.mtx.Unlock()
	return sh, nil
}

// Handles returns all handles that have been created by the driver.
func (sd *StubDriver) Handles() []*StubHandle {
	sd.mtx.Lock()
	defer sd.mtx.Unlock()
	return append([]*StubHandle(nil), sd.handles...)
}

// SignalRecord is a Signal call received by a StubHandle.
type SignalRecord struct {
	Ref    backend.JobRef
	Signal backend.Signal
}

type stubJob struct {
	subJobID string
	spec     pilot.SubJobSpec
	state    pilot.RemoteState
}

// StubHandle implements backend.Handle.
type StubHandle struct {
	driver *StubDriver
	logger logrus.FieldLogger

	mtx          sync.Mutex
	spec         pilot.PilotJobSpec
	cred         backend.Credential
	acquiring    bool
	acquired     bool
	released     bool
	releaseCalls int
	gone         bool
	nextID       int
	jobs         map[backend.JobRef]*stubJob
	signals      []SignalRecord
}

func (sh *StubHandle) Acquire(ctx context.Context, spec pilot.PilotJobSpec, cred backend.Credential) (backend.ProvisionResult, error) {
	sh.setAcquiring(true)
	defer sh.setAcquiring(false)
	if d := sh.driver.AcquireDelay; d > 0 {
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return backend.ProvisionResult{}, ctx.Err()
		}
	}
	sh.mtx.Lock()
	defer sh.mtx.Unlock()
	if sh.acquired {
		return backend.ProvisionResult{}, errors.New("StubHandle: Acquire called twice")
	}
	sh.spec, sh.cred = spec, cred
	if err := sh.driver.AcquireError; err != nil {
		return backend.ProvisionResult{}, err
	}
	sh.acquired = true
	slots := sh.driver.Slots
	if slots == 0 {
		slots = spec.Slots()
	}
	return backend.ProvisionResult{
		RemoteID: fmt.Sprintf("stub-%p", sh),
		Slots:    slots,
		Detail:   "stub resource " + spec.Resource,
	}, nil
}

func (sh *StubHandle) Release(ctx context.Context) error {
	sh.mtx.Lock()
	defer sh.mtx.Unlock()
	sh.releaseCalls++
	if sh.releaseCalls <= sh.driver.ReleaseFailures {
		return fmt.Errorf("StubHandle: injected release failure %d", sh.releaseCalls)
	}
	sh.released = true
	return nil
}

func (sh *StubHandle) Status(ctx context.Context) (backend.ResourceStatus, error) {
	if err := sh.driver.StatusError; err != nil {
		return backend.ResourceStatus{}, err
	}
	sh.mtx.Lock()
	defer sh.mtx.Unlock()
	switch {
	case sh.gone:
		return backend.ResourceStatus{Alive: false, Detail: "resource vanished"}, nil
	case sh.released:
		return backend.ResourceStatus{Alive: false, Detail: "released"}, nil
	default:
		return backend.ResourceStatus{Alive: sh.acquired, Detail: fmt.Sprintf("%d sub-jobs", len(sh.jobs))}, nil
	}
}

func (sh *StubHandle) Dispatch(ctx context.Context, subJobID string, spec pilot.SubJobSpec) (backend.JobRef, error) {
	if d := sh.driver.DispatchDelay; d > 0 {
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if err := sh.driver.DispatchError; err != nil {
		return "", err
	}
	sh.mtx.Lock()
	defer sh.mtx.Unlock()
	if !sh.acquired || sh.released {
		return "", errors.New("StubHandle: Dispatch called without an acquired resource")
	}
	sh.nextID++
	ref := backend.JobRef(fmt.Sprintf("%d", sh.nextID))
	state := sh.driver.DispatchState
	if state == "" {
		state = "Idle"
	}
	sh.jobs[ref] = &stubJob{subJobID: subJobID, spec: spec, state: state}
	return ref, nil
}

func (sh *StubHandle) PollStatus(ctx context.Context, ref backend.JobRef) (pilot.RemoteState, error) {
	if err := sh.driver.StatusError; err != nil {
		return "", err
	}
	sh.mtx.Lock()
	defer sh.mtx.Unlock()
	job, ok := sh.jobs[ref]
	if !ok {
		return "", fmt.Errorf("StubHandle: no such job %q", ref)
	}
	return job.state, nil
}

func (sh *StubHandle) Signal(ctx context.Context, ref backend.JobRef, sig backend.Signal) error {
	sh.mtx.Lock()
	defer sh.mtx.Unlock()
	job, ok := sh.jobs[ref]
	if !ok {
		return fmt.Errorf("StubHandle: no such job %q", ref)
	}
	sh.signals = append(sh.signals, SignalRecord{Ref: ref, Signal: sig})
	state := sh.driver.SignalState
	if state == "" {
		state = "Removed"
	}
	job.state = state
	return nil
}

// SetRemoteState changes the status PollStatus reports for the
// given job, or for every job if ref is "".
func (sh *StubHandle) SetRemoteState(ref backend.JobRef, state pilot.RemoteState) {
	sh.mtx.Lock()
	defer sh.mtx.Unlock()
	for r, job := range sh.jobs {
		if ref == "" || r == ref {
			job.state = state
		}
	}
}

// Vanish makes Status report that the resource has disappeared.
func (sh *StubHandle) Vanish() {
	sh.mtx.Lock()
	defer sh.mtx.Unlock()
	sh.gone = true
}

// Spec returns the spec passed to Acquire.
func (sh *StubHandle) Spec() pilot.PilotJobSpec {
	sh.mtx.Lock()
	defer sh.mtx.Unlock()
	return sh.spec
}

// Credential returns the credential passed to Acquire.
func (sh *StubHandle) Credential() backend.Credential {
	sh.mtx.Lock()
	defer sh.mtx.Unlock()
	return sh.cred
}

// Acquiring returns true if Acquire has been called and has not
// returned yet.
func (sh *StubHandle) Acquiring() bool {
	sh.mtx.Lock()
	defer sh.mtx.Unlock()
	return sh.acquiring
}

func (sh *StubHandle) setAcquiring(v bool) {
	sh.mtx.Lock()
	defer sh.mtx.Unlock()
	sh.acquiring = v
}

// Released returns true if Release has succeeded.
func (sh *StubHandle) Released() bool {
	sh.mtx.Lock()
	defer sh.mtx.Unlock()
	return sh.released
}

// ReleaseCalls returns the number of times Release was called.
func (sh *StubHandle) ReleaseCalls() int {
	sh.mtx.Lock()
	defer sh.mtx.Unlock()
	return sh.releaseCalls
}

// Dispatched returns the number of sub-jobs dispatched so far.
func (sh *StubHandle) Dispatched() int {
	sh.mtx.Lock()
	defer sh.mtx.Unlock()
	return len(sh.jobs)
}

// Signals returns the Signal calls received so far.
func (sh *StubHandle) Signals() []SignalRecord {
	sh.mtx.Lock()
	defer sh.mtx.Unlock()
	return append([]SignalRecord(nil), sh.signals...)
}
