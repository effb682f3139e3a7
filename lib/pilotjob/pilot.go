// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package pilotjob

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/all3bar/saga-cpp-legacy-projects/lib/backend"
	"github.com/all3bar/saga-cpp-legacy-projects/sdk/go/pilot"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
)

// PilotJob owns one backend handle and multiplexes sub-jobs onto the
// resource it acquires.
//
// State transitions are linearized by mtx. A SubmitJob that observes
// Running registers its record and joins the in-flight group before
// releasing mtx; Cancel sets Canceling under mtx and then waits for
// the group, so every accepted sub-job is dispatched before Cancel
// signals sub-jobs and releases the resource.
type PilotJob struct {
	id          string
	spec        pilot.PilotJobSpec
	handle      backend.Handle
	registry    *Registry
	credentials backend.CredentialProvider
	logger      logrus.FieldLogger
	metrics     *metrics

	backendTimeout time.Duration
	startTimeout   time.Duration

	mtx       sync.Mutex
	state     pilot.PilotState
	detail    string
	err       error
	provision backend.ProvisionResult
	inflight  sync.WaitGroup
	// Set while a release is running (Cancel, including a retry
	// from Canceling after a failed release, or the cleanup of a
	// Failed pilot).
	canceling bool
	// True from the first Acquire call until a Release succeeds.
	needRelease bool
	// Why the pilot is Failed.
	failure error
	// While Starting: abortStart interrupts Acquire, and
	// startDone is closed when Start has finished.
	abortStart      context.CancelFunc
	startDone       chan struct{}
	cancelRequested bool
	// Terminal state for records still active when canceled:
	// Canceled, or Orphaned when the pilot is being removed from
	// a service.
	cancelState pilot.SubJobState
}

// PilotOptions are optional settings for NewPilotJob.
type PilotOptions struct {
	// Shared registry. Default: a new private registry.
	Registry *Registry
	// Required if spec.CredentialRef is not empty.
	Credentials backend.CredentialProvider
	// Default: logrus standard logger.
	Logger logrus.FieldLogger
	// Default 1 minute.
	BackendTimeout time.Duration
	// Default 10 minutes.
	StartTimeout time.Duration

	metrics *metrics
}

// NewPilotJob returns a PilotJob in state New. The handle must not
// be used by anything else.
func NewPilotJob(spec pilot.PilotJobSpec, handle backend.Handle, opts PilotOptions) *PilotJob {
	id := pilot.NewPilotID()
	if opts.Registry == nil {
		opts.Registry = NewRegistry()
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.BackendTimeout <= 0 {
		opts.BackendTimeout = time.Minute
	}
	if opts.StartTimeout <= 0 {
		opts.StartTimeout = 10 * time.Minute
	}
	opts.metrics.pilotAdded()
	return &PilotJob{
		id:             id,
		spec:           spec,
		handle:         handle,
		registry:       opts.Registry,
		credentials:    opts.Credentials,
		metrics:        opts.metrics,
		backendTimeout: opts.BackendTimeout,
		startTimeout:   opts.StartTimeout,
		state:          pilot.PilotNew,
		cancelState:    pilot.SubJobCanceled,
		logger: opts.Logger.WithFields(logrus.Fields{
			"PilotID": id,
			"Backend": spec.Backend,
		}),
	}
}

// newFailedPilotJob returns a PilotJob that is already Failed, for
// specs that could not get a backend handle at all.
func newFailedPilotJob(spec pilot.PilotJobSpec, cause error, opts PilotOptions) *PilotJob {
	pj := NewPilotJob(spec, nil, opts)
	pj.setState(pilot.PilotFailed)
	pj.err = pilot.NewError(pilot.ErrNoSuccess, "start", pj.id, cause)
	pj.failure = pj.err
	pj.detail = pj.err.Error()
	return pj
}

// ID returns the pilot job's identifier ("pj-...").
func (pj *PilotJob) ID() string { return pj.id }

// Spec returns the spec the pilot job was created with.
func (pj *PilotJob) Spec() pilot.PilotJobSpec { return pj.spec }

// State returns the current lifecycle state.
func (pj *PilotJob) State() pilot.PilotState {
	pj.mtx.Lock()
	defer pj.mtx.Unlock()
	return pj.state
}

// StateDetail returns backend-specific diagnostic text.
func (pj *PilotJob) StateDetail() string {
	pj.mtx.Lock()
	defer pj.mtx.Unlock()
	return pj.detail
}

// Err returns the most recent start or cancel failure, or nil.
func (pj *PilotJob) Err() error {
	pj.mtx.Lock()
	defer pj.mtx.Unlock()
	return pj.err
}

// Provision returns the result of a successful acquire.
func (pj *PilotJob) Provision() backend.ProvisionResult {
	pj.mtx.Lock()
	defer pj.mtx.Unlock()
	return pj.provision
}

// Slots returns the number of concurrent sub-jobs the pilot can
// run, or 0 if it is not Running.
func (pj *PilotJob) Slots() int {
	pj.mtx.Lock()
	defer pj.mtx.Unlock()
	if pj.state != pilot.PilotRunning {
		return 0
	}
	if pj.provision.Slots > 0 {
		return pj.provision.Slots
	}
	return pj.spec.Slots()
}

// setState must be called with mtx held.
func (pj *PilotJob) setState(next pilot.PilotState) {
	prev := pj.state
	pj.state = next
	pj.logger.WithFields(logrus.Fields{
		"State":     next,
		"PrevState": prev,
	}).Info("pilot job state changed")
	pj.metrics.pilotStateChanged(prev, next)
}

// Start acquires the backend resource. On success the pilot is
// Running. On failure the pilot is Failed, whatever the backend may
// have allocated is released, and the error is both returned and
// retained (see Err and StateDetail).
//
// If Cancel is called while Start is waiting for the backend, the
// acquire is interrupted and the pilot ends up Failed.
func (pj *PilotJob) Start(ctx context.Context) error {
	pj.mtx.Lock()
	if !pj.state.CanTransition(pilot.PilotStarting) {
		state := pj.state
		pj.mtx.Unlock()
		return pilot.Errorf(pilot.ErrIncorrectState, "start", pj.id, "cannot start pilot in state %s", state)
	}
	pj.setState(pilot.PilotStarting)
	done := make(chan struct{})
	defer close(done)
	parent := ctx
	ctx, abort := context.WithCancel(ctx)
	defer abort()
	pj.abortStart, pj.startDone = abort, done
	pj.mtx.Unlock()

	var cred backend.Credential
	var err error
	if ref := pj.spec.CredentialRef; ref != "" {
		if pj.credentials == nil {
			err = pilot.Errorf(pilot.ErrNoSuccess, "start", pj.id, "credential %q requested but no credential provider configured", ref)
		} else {
			cred, err = pj.credentials.Resolve(ctx, ref)
			if err != nil && pilot.KindOf(err) == nil {
				err = pilot.NewError(pilot.ErrNoSuccess, "start", pj.id, err)
			}
		}
	}
	var prov backend.ProvisionResult
	if err == nil {
		pj.mtx.Lock()
		pj.needRelease = true
		pj.mtx.Unlock()
		err = backend.Call(ctx, pj.startTimeout, "start", pj.id, func(ctx context.Context) error {
			var err error
			prov, err = pj.handle.Acquire(ctx, pj.spec, cred)
			return err
		})
	}

	pj.mtx.Lock()
	if pj.cancelRequested {
		err = pilot.NewError(pilot.ErrNoSuccess, "start", pj.id, multierr.Append(errors.New("canceled while starting"), err))
	}
	if err == nil {
		pj.provision = prov
		pj.detail = prov.Detail
		pj.setState(pilot.PilotRunning)
		pj.mtx.Unlock()
		return nil
	}
	pj.err = err
	pj.failure = err
	pj.detail = err.Error()
	pj.setState(pilot.PilotFailed)
	pj.logger.WithError(err).Warn("pilot job failed to start")
	pj.mtx.Unlock()
	// A partial allocation (a submitted batch job, a created
	// deployment) is released even though the caller's context
	// may be done. A release error is retained, and Cancel
	// retries it.
	pj.releaseFailed(context.WithoutCancel(parent))
	return err
}

// SubmitJob registers a new sub-job and dispatches it to the
// backend. It fails with ErrIncorrectState, without registering
// anything, unless the pilot is Running.
//
// The record is registered (state New) before the backend call
// starts. If dispatch fails, the record is marked Failed and the
// error (ErrTimeout or ErrNoSuccess) is returned along with the
// record's id.
func (pj *PilotJob) SubmitJob(ctx context.Context, spec pilot.SubJobSpec) (*SubJobHandle, error) {
	id := pilot.NewSubJobID()
	pj.mtx.Lock()
	if pj.state != pilot.PilotRunning {
		state := pj.state
		pj.mtx.Unlock()
		return nil, pilot.Errorf(pilot.ErrIncorrectState, "submit_job", pj.id, "pilot is %s", state)
	}
	err := pj.registry.Put(SubJobRecord{
		ID:      id,
		PilotID: pj.id,
		Spec:    spec,
		State:   pilot.SubJobNew,
	})
	if err != nil {
		pj.mtx.Unlock()
		return nil, err
	}
	pj.inflight.Add(1)
	pj.mtx.Unlock()
	defer pj.inflight.Done()

	logger := pj.logger.WithField("SubJobID", id)
	var ref backend.JobRef
	err = spec.Validate()
	if err != nil {
		err = pilot.NewError(pilot.ErrNoSuccess, "submit_job", id, err)
	} else {
		err = backend.Call(ctx, pj.backendTimeout, "submit_job", id, func(ctx context.Context) error {
			var err error
			ref, err = pj.handle.Dispatch(ctx, id, spec)
			return err
		})
	}
	if err != nil {
		logger.WithError(err).Warn("sub-job dispatch failed")
		pj.updateSubJob(id, pilot.SubJobFailed, err.Error())
		return &SubJobHandle{id: id, pilotID: pj.id, registry: pj.registry, pilot: pj}, err
	}
	pj.registry.SetRef(id, ref)
	pj.updateSubJob(id, pilot.SubJobQueued, "")
	logger.WithField("JobRef", ref).Debug("sub-job dispatched")
	return &SubJobHandle{id: id, pilotID: pj.id, registry: pj.registry, pilot: pj}, nil
}

// updateSubJob updates a record. Invalid transitions are logged and
// otherwise ignored.
func (pj *PilotJob) updateSubJob(id string, state pilot.SubJobState, detail string) {
	rec, err := pj.registry.UpdateState(id, state, detail)
	if errors.Is(err, pilot.ErrInvalidTransition) {
		pj.logger.WithFields(logrus.Fields{
			"SubJobID": id,
			"State":    rec.State,
			"NewState": state,
		}).Warn("ignoring invalid sub-job state transition")
	}
}

// Cancel stops the pilot job: it signals every sub-job that has not
// finished, releases the backend resource, and marks the pilot
// Canceled.
//
// Cancel is idempotent. Canceling a pilot that is already Canceled,
// or being canceled by another goroutine, returns nil. A pilot that
// never started goes straight to Canceled. Canceling a pilot that
// is still Starting interrupts the acquire, waits for Start to
// return (the pilot is then Failed), and releases whatever was
// allocated.
//
// If release fails, the pilot stays Canceling (or Failed), the error
// is returned and retained, and a later Cancel retries the release.
func (pj *PilotJob) Cancel(ctx context.Context) error {
	return pj.cancel(ctx, pilot.SubJobCanceled)
}

func (pj *PilotJob) cancel(ctx context.Context, subJobState pilot.SubJobState) error {
	pj.mtx.Lock()
	switch {
	case pj.state == pilot.PilotNew:
		pj.setState(pilot.PilotCanceled)
		pj.mtx.Unlock()
		return nil
	case pj.state == pilot.PilotStarting:
		pj.cancelRequested = true
		abort, done := pj.abortStart, pj.startDone
		pj.mtx.Unlock()
		abort()
		select {
		case <-done:
		case <-ctx.Done():
			kind := pilot.ErrNoSuccess
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				kind = pilot.ErrTimeout
			}
			return pilot.NewError(kind, "cancel", pj.id, ctx.Err())
		}
		return pj.cancel(ctx, subJobState)
	case pj.state == pilot.PilotFailed:
		pj.mtx.Unlock()
		return pj.releaseFailed(ctx)
	case pj.state.IsTerminal(), pj.canceling:
		pj.mtx.Unlock()
		return nil
	case pj.state == pilot.PilotRunning:
		pj.setState(pilot.PilotCanceling)
	}
	pj.canceling = true
	if subJobState == pilot.SubJobOrphaned {
		pj.cancelState = subJobState
	}
	subJobState = pj.cancelState
	pj.mtx.Unlock()

	// Wait for submits that were accepted before we set
	// Canceling.
	pj.inflight.Wait()

	pj.signalSubJobs(ctx, subJobState)

	err := backend.Call(ctx, pj.backendTimeout, "cancel", pj.id, func(ctx context.Context) error {
		return pj.handle.Release(ctx)
	})

	pj.mtx.Lock()
	defer pj.mtx.Unlock()
	pj.canceling = false
	if err != nil {
		pj.err = err
		pj.detail = err.Error()
		pj.logger.WithError(err).Warn("release failed, pilot remains Canceling")
		return err
	}
	pj.needRelease = false
	pj.setState(pilot.PilotCanceled)
	return nil
}

// releaseFailed releases the backend resource of a Failed pilot, if
// anything might still be allocated. A release error is added to
// the retained error, and returned.
func (pj *PilotJob) releaseFailed(ctx context.Context) error {
	pj.mtx.Lock()
	if !pj.needRelease || pj.canceling {
		pj.mtx.Unlock()
		return nil
	}
	pj.canceling = true
	pj.mtx.Unlock()

	err := backend.Call(ctx, pj.backendTimeout, "release", pj.id, func(ctx context.Context) error {
		return pj.handle.Release(ctx)
	})

	pj.mtx.Lock()
	defer pj.mtx.Unlock()
	pj.canceling = false
	if err != nil {
		pj.err = multierr.Append(pj.failure, err)
		pj.detail = pj.err.Error()
		pj.logger.WithError(err).Warn("failed to release resources of failed pilot job")
		return err
	}
	pj.needRelease = false
	pj.err = pj.failure
	pj.detail = pj.failure.Error()
	pj.logger.Info("released resources of failed pilot job")
	return nil
}

// signalSubJobs sends a terminate signal to every non-terminal
// sub-job that reached the backend, then moves every non-terminal
// record to the given state.
func (pj *PilotJob) signalSubJobs(ctx context.Context, state pilot.SubJobState) {
	for _, rec := range pj.registry.ListByPilot(pj.id) {
		if rec.State.IsTerminal() {
			continue
		}
		if rec.Ref != "" {
			err := backend.Call(ctx, pj.backendTimeout, "signal", rec.ID, func(ctx context.Context) error {
				return pj.handle.Signal(ctx, rec.Ref, backend.SignalTerminate)
			})
			if err != nil {
				pj.logger.WithError(err).WithField("SubJobID", rec.ID).Warn("failed to signal sub-job")
			}
		}
		pj.updateSubJob(rec.ID, state, "pilot canceled")
	}
}

// cancelSubJob signals one sub-job and marks it Canceled.
func (pj *PilotJob) cancelSubJob(ctx context.Context, id string) error {
	rec, err := pj.registry.Get(id)
	if err != nil {
		return err
	}
	if rec.State.IsTerminal() {
		return nil
	}
	if rec.Ref != "" && pj.handle != nil {
		err = backend.Call(ctx, pj.backendTimeout, "cancel_subjob", id, func(ctx context.Context) error {
			return pj.handle.Signal(ctx, rec.Ref, backend.SignalTerminate)
		})
		if err != nil {
			return err
		}
	}
	pj.updateSubJob(id, pilot.SubJobCanceled, "canceled by client")
	return nil
}

// Poll refreshes the state of the pilot's resource and of every
// non-terminal sub-job. It does nothing unless the pilot is Running.
//
// If the backend reports the resource is gone, the pilot becomes
// Failed, its unfinished sub-jobs become Failed, and whatever is
// left of the resource is released. Errors from
// individual sub-job queries are logged and skipped; the returned
// error is the first one encountered, for the caller's
// information.
func (pj *PilotJob) Poll(ctx context.Context) error {
	if pj.State() != pilot.PilotRunning {
		return nil
	}
	var status backend.ResourceStatus
	err := backend.Call(ctx, pj.backendTimeout, "status", pj.id, func(ctx context.Context) error {
		var err error
		status, err = pj.handle.Status(ctx)
		return err
	})
	if err != nil {
		return err
	}
	if !status.Alive {
		pj.mtx.Lock()
		if pj.state != pilot.PilotRunning {
			pj.mtx.Unlock()
			return nil
		}
		pj.detail = status.Detail
		pj.err = pilot.Errorf(pilot.ErrNoSuccess, "poll", pj.id, "backend resource disappeared: %s", status.Detail)
		pj.failure = pj.err
		pj.setState(pilot.PilotFailed)
		pj.mtx.Unlock()
		for _, rec := range pj.registry.ListByPilot(pj.id) {
			if !rec.State.IsTerminal() {
				pj.updateSubJob(rec.ID, pilot.SubJobFailed, "pilot resource disappeared")
			}
		}
		return pj.releaseFailed(ctx)
	}
	pj.mtx.Lock()
	pj.detail = status.Detail
	pj.mtx.Unlock()

	var firstErr error
	for _, rec := range pj.registry.ListByPilot(pj.id) {
		if rec.State.IsTerminal() || rec.Ref == "" {
			continue
		}
		var remote pilot.RemoteState
		err := backend.Call(ctx, pj.backendTimeout, "poll_status", rec.ID, func(ctx context.Context) error {
			var err error
			remote, err = pj.handle.PollStatus(ctx, rec.Ref)
			return err
		})
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			pj.logger.WithError(err).WithField("SubJobID", rec.ID).Warn("sub-job status query failed")
			continue
		}
		state := pilot.Translate(pj.spec.Backend, remote)
		if state == pilot.SubJobNew {
			// Not yet picked up remotely; the record is already
			// Queued.
			continue
		}
		if state == pilot.SubJobUnknown {
			pj.logger.WithFields(logrus.Fields{
				"SubJobID":    rec.ID,
				"RemoteState": remote,
			}).Debug("unrecognized remote state")
			continue
		}
		if state != rec.State {
			pj.updateSubJob(rec.ID, state, string(remote))
		}
	}
	return firstErr
}
