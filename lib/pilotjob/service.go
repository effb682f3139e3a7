// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package pilotjob

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/all3bar/saga-cpp-legacy-projects/lib/backend"
	"github.com/all3bar/saga-cpp-legacy-projects/sdk/go/pilot"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
)

// Options configure a Service.
type Options struct {
	// Backend drivers by kind. Required.
	Drivers backend.Drivers
	// Resolves PilotJobSpec.CredentialRef.
	Credentials backend.CredentialProvider
	// Metrics are registered here. Default: a private registry.
	Registry *prometheus.Registry
	// Default: logrus standard logger.
	Logger logrus.FieldLogger
	// If true, no background poller is started. The caller can
	// use Poller().PollOnce instead.
	ManualPoll bool
}

// StartError reports a pilot job that failed to start.
type StartError struct {
	// Position of the spec in the list given to CreateService.
	Index   int
	Spec    pilot.PilotJobSpec
	PilotID string
	Err     error
}

func (se StartError) Error() string {
	return fmt.Sprintf("resource %d (%s %s, %s): %s", se.Index, se.Spec.Backend, se.Spec.Resource, se.PilotID, se.Err)
}

func (se StartError) Unwrap() error { return se.Err }

// StartErrors lists the pilots that failed during CreateService, in
// spec order. A nil StartErrors means every pilot started.
type StartErrors []StartError

func (errs StartErrors) Error() string {
	var msgs []string
	for _, err := range errs {
		msgs = append(msgs, err.Error())
	}
	return fmt.Sprintf("%d pilot job(s) failed to start: %s", len(errs), strings.Join(msgs, "; "))
}

// Service manages a pool of pilot jobs and places sub-jobs on them.
//
// Callers must call Close (or use WithService) when done: pilot
// resources are not released implicitly.
type Service struct {
	id       string
	cfg      *pilot.Config
	opts     Options
	logger   logrus.FieldLogger
	registry *Registry
	metrics  *metrics
	poller   *StatePoller

	mtx sync.Mutex
	// Routing pool, in the order resources were added.
	pool []*PilotJob
	// Pilots removed from the pool. Kept for lookups and so
	// Close can retry failed releases.
	retired []*PilotJob
	cursor  int
	closed  bool
}

// CreateService starts one pilot job per spec, concurrently, and
// returns a Service once every start has finished (each start is
// bounded by cfg.StartTimeout). The service is usable even if some
// pilots failed; those are returned in StartErrors and appear in
// ListResources in state Failed.
func CreateService(ctx context.Context, cfg *pilot.Config, opts Options, specs []pilot.PilotJobSpec) (*Service, StartErrors) {
	if cfg == nil {
		cfg = pilot.DefaultConfig()
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	id := pilot.NewServiceID()
	s := &Service{
		id:       id,
		cfg:      cfg,
		opts:     opts,
		logger:   opts.Logger.WithField("ServiceID", id),
		registry: NewRegistry(),
		metrics:  newMetrics(opts.Registry),
	}
	s.poller = newStatePoller(s.ListResources, s.registry, cfg.PollIntervalOrDefault(), s.logger, s.metrics)

	pilots := make([]*PilotJob, len(specs))
	for i, spec := range specs {
		pilots[i] = s.newPilotJob(spec)
	}
	s.pool = append(s.pool, pilots...)

	errs := make([]error, len(pilots))
	var wg sync.WaitGroup
	for i, pj := range pilots {
		if pj.State() != pilot.PilotNew {
			errs[i] = pj.Err()
			continue
		}
		wg.Add(1)
		go func(i int, pj *PilotJob) {
			defer wg.Done()
			errs[i] = pj.Start(ctx)
		}(i, pj)
	}
	wg.Wait()

	var startErrs StartErrors
	for i, err := range errs {
		if err != nil {
			startErrs = append(startErrs, StartError{Index: i, Spec: specs[i], PilotID: pilots[i].ID(), Err: err})
		}
	}
	s.logger.WithFields(logrus.Fields{
		"Pilots": len(pilots),
		"Failed": len(startErrs),
	}).Info("pilot job service created")
	s.metrics.setSlots(s.Capacity())
	if !opts.ManualPoll {
		s.poller.Start()
	}
	return s, startErrs
}

// WithService creates a service, calls fn, and closes the service
// regardless of fn's outcome. The returned error combines fn's error
// and any error from Close.
func WithService(ctx context.Context, cfg *pilot.Config, opts Options, specs []pilot.PilotJobSpec, fn func(*Service, StartErrors) error) error {
	s, startErrs := CreateService(ctx, cfg, opts, specs)
	err := fn(s, startErrs)
	return multierr.Append(err, s.Close(context.WithoutCancel(ctx)))
}

func (s *Service) newPilotJob(spec pilot.PilotJobSpec) *PilotJob {
	popts := PilotOptions{
		Registry:       s.registry,
		Credentials:    s.opts.Credentials,
		Logger:         s.logger,
		BackendTimeout: s.cfg.BackendTimeoutOrDefault(),
		StartTimeout:   s.cfg.StartTimeoutOrDefault(),
		metrics:        s.metrics,
	}
	if err := spec.Validate(); err != nil {
		return newFailedPilotJob(spec, err, popts)
	}
	driver, ok := s.opts.Drivers[spec.Backend]
	if !ok {
		return newFailedPilotJob(spec, fmt.Errorf("no driver for backend kind %q", spec.Backend), popts)
	}
	handle, err := driver.NewHandle(s.logger.WithField("Backend", spec.Backend))
	if err != nil {
		return newFailedPilotJob(spec, err, popts)
	}
	return NewPilotJob(spec, handle, popts)
}

// ID returns the service id ("pjs-...").
func (s *Service) ID() string { return s.id }

// Poller returns the service's state poller.
func (s *Service) Poller() *StatePoller { return s.poller }

// Registry returns the sub-job registry shared by the service's
// pilots.
func (s *Service) Registry() *Registry { return s.registry }

// Submit places a sub-job on a Running pilot, choosing pilots
// round-robin. If the chosen pilot stops Running before the
// sub-job is registered, another pilot is chosen. Submit fails with
// ErrNoCapacity if no pilot is Running.
func (s *Service) Submit(ctx context.Context, spec pilot.SubJobSpec) (*SubJobHandle, error) {
	s.mtx.Lock()
	attempts := 2*len(s.pool) + 1
	closed := s.closed
	s.mtx.Unlock()
	if closed {
		return nil, pilot.Errorf(pilot.ErrIncorrectState, "submit", s.id, "service is closed")
	}
	for i := 0; i < attempts; i++ {
		pj := s.nextRunning()
		if pj == nil {
			break
		}
		h, err := pj.SubmitJob(ctx, spec)
		if h == nil && errors.Is(err, pilot.ErrIncorrectState) {
			s.logger.WithField("PilotID", pj.ID()).Debug("pilot left Running state after selection, retrying placement")
			continue
		}
		if err != nil {
			s.metrics.submitted("error")
		} else {
			s.metrics.submitted("ok")
		}
		return h, err
	}
	s.metrics.submitted("no_capacity")
	return nil, pilot.Errorf(pilot.ErrNoCapacity, "submit", s.id, "no pilot job is Running")
}

func (s *Service) nextRunning() *PilotJob {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	n := len(s.pool)
	for i := 0; i < n; i++ {
		idx := (s.cursor + i) % n
		if s.pool[idx].State() == pilot.PilotRunning {
			s.cursor = idx + 1
			return s.pool[idx]
		}
	}
	return nil
}

// AddResource starts a new pilot job and adds it to the pool. The
// pilot is visible in ListResources while it starts, and receives
// sub-jobs once it is Running. If it fails to start, it stays in the
// pool in state Failed and the start error is returned.
func (s *Service) AddResource(ctx context.Context, spec pilot.PilotJobSpec) (*PilotJob, error) {
	pj := s.newPilotJob(spec)
	s.mtx.Lock()
	if s.closed {
		s.mtx.Unlock()
		pj.Cancel(ctx)
		return nil, pilot.Errorf(pilot.ErrIncorrectState, "add_resource", s.id, "service is closed")
	}
	s.pool = append(s.pool, pj)
	s.mtx.Unlock()

	var err error
	if pj.State() == pilot.PilotFailed {
		err = pj.Err()
	} else {
		// Fails with ErrIncorrectState if Close has already
		// canceled the new pilot.
		err = pj.Start(ctx)
	}
	s.metrics.setSlots(s.Capacity())
	return pj, err
}

// RemoveResource takes a pilot out of the pool, so it receives no
// more sub-jobs, and cancels it. Its unfinished sub-jobs become
// Orphaned; their records remain in the registry.
//
// A pilot that is still starting cannot be removed
// (ErrIncorrectState). If the release fails, the pilot is out of the
// pool anyway, and Close retries the release.
func (s *Service) RemoveResource(ctx context.Context, pilotID string) error {
	s.mtx.Lock()
	idx := -1
	for i, pj := range s.pool {
		if pj.ID() == pilotID {
			idx = i
			break
		}
	}
	if idx < 0 {
		s.mtx.Unlock()
		return pilot.NewError(pilot.ErrDoesNotExist, "remove_resource", pilotID, nil)
	}
	pj := s.pool[idx]
	if pj.State() == pilot.PilotStarting {
		s.mtx.Unlock()
		return pilot.Errorf(pilot.ErrIncorrectState, "remove_resource", pilotID, "pilot is still starting")
	}
	s.pool = append(s.pool[:idx:idx], s.pool[idx+1:]...)
	if s.cursor > idx {
		s.cursor--
	}
	s.retired = append(s.retired, pj)
	s.mtx.Unlock()

	err := pj.cancel(ctx, pilot.SubJobOrphaned)
	n := s.registry.MarkOrphanedForPilot(pilotID)
	s.logger.WithFields(logrus.Fields{
		"PilotID":  pilotID,
		"Orphaned": n,
	}).Info("removed pilot job from pool")
	s.metrics.setSlots(s.Capacity())
	s.metrics.updateSubJobs(s.registry.Counts())
	return err
}

// CancelAll cancels every pilot job, concurrently. All pilots are
// attempted even if some fail; the returned error combines every
// failure.
func (s *Service) CancelAll(ctx context.Context) error {
	s.mtx.Lock()
	pilots := append(append([]*PilotJob(nil), s.pool...), s.retired...)
	s.mtx.Unlock()

	errs := make([]error, len(pilots))
	var wg sync.WaitGroup
	for i, pj := range pilots {
		wg.Add(1)
		go func(i int, pj *PilotJob) {
			defer wg.Done()
			errs[i] = pj.Cancel(ctx)
		}(i, pj)
	}
	wg.Wait()
	s.metrics.setSlots(s.Capacity())
	s.metrics.updateSubJobs(s.registry.Counts())
	return multierr.Combine(errs...)
}

// Close stops the poller and cancels every pilot job. After Close,
// Submit and AddResource fail. Close can be called again to retry
// failed releases.
func (s *Service) Close(ctx context.Context) error {
	s.mtx.Lock()
	s.closed = true
	s.mtx.Unlock()
	s.poller.Stop()
	return s.CancelAll(ctx)
}

// ListResources returns the pilots in the pool, in the order they
// were added.
func (s *Service) ListResources() []*PilotJob {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return append([]*PilotJob(nil), s.pool...)
}

// Pilot returns the pilot job with the given id, including pilots
// that have been removed from the pool.
func (s *Service) Pilot(id string) (*PilotJob, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	for _, list := range [][]*PilotJob{s.pool, s.retired} {
		for _, pj := range list {
			if pj.ID() == id {
				return pj, nil
			}
		}
	}
	return nil, pilot.NewError(pilot.ErrDoesNotExist, "get_pilot", id, nil)
}

// SubJob returns a handle for a previously submitted sub-job.
func (s *Service) SubJob(id string) (*SubJobHandle, error) {
	rec, err := s.registry.Get(id)
	if err != nil {
		return nil, err
	}
	pj, err := s.Pilot(rec.PilotID)
	if err != nil {
		return nil, err
	}
	return &SubJobHandle{id: id, pilotID: rec.PilotID, registry: s.registry, pilot: pj}, nil
}

// ListByPilot returns the sub-job records of the given pilot,
// including pilots that have been removed.
func (s *Service) ListByPilot(pilotID string) []SubJobRecord {
	return s.registry.ListByPilot(pilotID)
}

// Capacity returns the total number of slots of Running pilots.
func (s *Service) Capacity() int {
	n := 0
	for _, pj := range s.ListResources() {
		n += pj.Slots()
	}
	return n
}

// Summary returns the number of sub-jobs in each state.
func (s *Service) Summary() map[pilot.SubJobState]int {
	return s.registry.Counts()
}

// Wait blocks until every registered sub-job is in a terminal state,
// or ctx is done.
func (s *Service) Wait(ctx context.Context) error {
	ch := s.registry.Subscribe()
	defer s.registry.Unsubscribe(ch)
	// Wake up periodically in case the caller polls manually.
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		done := true
		for _, rec := range s.registry.List() {
			if !rec.State.IsTerminal() {
				done = false
				break
			}
		}
		if done {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		case <-ticker.C:
		}
	}
}
