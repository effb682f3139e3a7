// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package pilotjob

import (
	"context"
	"sync"
	"time"

	"github.com/all3bar/saga-cpp-legacy-projects/sdk/go/pilot"
	"github.com/sirupsen/logrus"
)

// StatePoller periodically refreshes the state of every Running
// pilot job and its sub-jobs.
type StatePoller struct {
	pilots   func() []*PilotJob
	registry *Registry
	interval time.Duration
	logger   logrus.FieldLogger
	metrics  *metrics

	mtx     sync.Mutex
	started bool
	stopped bool
	stop    chan struct{}
	done    chan struct{}
}

func newStatePoller(pilots func() []*PilotJob, registry *Registry, interval time.Duration, logger logrus.FieldLogger, m *metrics) *StatePoller {
	return &StatePoller{
		pilots:   pilots,
		registry: registry,
		interval: interval,
		logger:   logger,
		metrics:  m,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start starts the polling loop in a new goroutine. Calling Start
// more than once, or after Stop, has no effect.
func (sp *StatePoller) Start() {
	sp.mtx.Lock()
	defer sp.mtx.Unlock()
	if sp.started || sp.stopped {
		return
	}
	sp.started = true
	go sp.run()
}

// Stop ends the polling loop and waits for the current cycle to
// finish. It is safe to call Stop without Start, and more than
// once.
func (sp *StatePoller) Stop() {
	sp.mtx.Lock()
	if !sp.stopped {
		sp.stopped = true
		close(sp.stop)
	}
	started := sp.started
	sp.mtx.Unlock()
	if started {
		<-sp.done
	}
}

func (sp *StatePoller) run() {
	defer close(sp.done)
	ticker := time.NewTicker(sp.interval)
	defer ticker.Stop()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-sp.stop:
			cancel()
		case <-ctx.Done():
		}
	}()
	for {
		select {
		case <-sp.stop:
			return
		case <-ticker.C:
			sp.PollOnce(ctx)
		}
	}
}

// PollOnce polls every Running pilot concurrently and returns when
// all polls have finished. Errors are logged, never returned: a
// pilot whose backend cannot be reached is tried again next cycle.
func (sp *StatePoller) PollOnce(ctx context.Context) {
	t0 := time.Now()
	var wg sync.WaitGroup
	for _, pj := range sp.pilots() {
		if pj.State() != pilot.PilotRunning {
			continue
		}
		wg.Add(1)
		go func(pj *PilotJob) {
			defer wg.Done()
			err := pj.Poll(ctx)
			if err != nil {
				sp.metrics.pollFailed()
				sp.logger.WithError(err).WithField("PilotID", pj.ID()).Warn("poll failed, will retry next cycle")
			}
		}(pj)
	}
	wg.Wait()
	slots := 0
	for _, pj := range sp.pilots() {
		slots += pj.Slots()
	}
	sp.metrics.setSlots(slots)
	sp.metrics.updateSubJobs(sp.registry.Counts())
	sp.metrics.pollDuration(time.Since(t0).Seconds())
}
