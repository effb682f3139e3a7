// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package glidein implements the local-glidein backend: a pool of
// slots on the local host, each running one sub-job process at a
// time.
package glidein

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/all3bar/saga-cpp-legacy-projects/lib/backend"
	"github.com/all3bar/saga-cpp-legacy-projects/sdk/go/pilot"
	"github.com/sirupsen/logrus"
)

// Remote states reported by PollStatus.
const (
	StateIdle      pilot.RemoteState = "Idle"
	StateRunning   pilot.RemoteState = "Running"
	StateCompleted pilot.RemoteState = "Completed"
	StateFailed    pilot.RemoteState = "Failed"
	StateRemoved   pilot.RemoteState = "Removed"
)

// NewDriver returns a driver for local glidein pools.
func NewDriver(cfg pilot.GlideinConfig) backend.Driver {
	return backend.DriverFunc(func(logger logrus.FieldLogger) (backend.Handle, error) {
		return &pool{
			cfg:    cfg,
			logger: logger,
			jobs:   map[backend.JobRef]*localJob{},
		}, nil
	})
}

type localJob struct {
	ref      backend.JobRef
	subJobID string
	spec     pilot.SubJobSpec
	cost     int
	state    pilot.RemoteState
	cmd      *exec.Cmd
	signaled bool
	detail   string
}

type pool struct {
	cfg    pilot.GlideinConfig
	logger logrus.FieldLogger

	mtx      sync.Mutex
	wd       string
	tempDir  bool
	slots    int
	busy     int
	deadline time.Time
	acquired bool
	released bool
	nextID   int
	jobs     map[backend.JobRef]*localJob
	queue    []*localJob
	procs    sync.WaitGroup
}

func (p *pool) Acquire(ctx context.Context, spec pilot.PilotJobSpec, cred backend.Credential) (backend.ProvisionResult, error) {
	if !strings.HasPrefix(spec.Resource, "fork://") && !strings.HasPrefix(spec.Resource, "local://") {
		return backend.ProvisionResult{}, fmt.Errorf("unsupported resource %q (expected fork://localhost)", spec.Resource)
	}
	p.mtx.Lock()
	defer p.mtx.Unlock()
	if p.acquired {
		return backend.ProvisionResult{}, errors.New("already acquired")
	}
	wd := spec.WorkingDirectory
	if wd == "" {
		dir, err := os.MkdirTemp("", "glidein-")
		if err != nil {
			return backend.ProvisionResult{}, err
		}
		wd, p.tempDir = dir, true
	} else if err := os.MkdirAll(wd, 0755); err != nil {
		return backend.ProvisionResult{}, err
	}
	p.wd = wd
	p.slots = spec.Slots()
	if wt := spec.WallTime.Duration(0); wt > 0 {
		p.deadline = time.Now().Add(wt)
		time.AfterFunc(wt, p.expire)
	}
	p.acquired = true
	p.logger.WithFields(logrus.Fields{
		"WorkingDirectory": wd,
		"Slots":            p.slots,
	}).Info("glidein pool started")
	return backend.ProvisionResult{
		RemoteID: fmt.Sprintf("glidein-%d", os.Getpid()),
		Slots:    p.slots,
		Detail:   fmt.Sprintf("%d local slots in %s", p.slots, wd),
	}, nil
}

// expire stops everything when the wall time runs out.
func (p *pool) expire() {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	if p.released {
		return
	}
	p.logger.Info("glidein wall time expired, stopping sub-jobs")
	p.stopAllLocked(syscall.SIGTERM)
}

func (p *pool) expired() bool {
	return !p.deadline.IsZero() && !time.Now().Before(p.deadline)
}

func (p *pool) Status(ctx context.Context) (backend.ResourceStatus, error) {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	detail := fmt.Sprintf("%d/%d slots busy, %d queued", p.busy, p.slots, len(p.queue))
	switch {
	case !p.acquired:
		return backend.ResourceStatus{Detail: "not started"}, nil
	case p.released:
		return backend.ResourceStatus{Detail: "released"}, nil
	case p.expired():
		return backend.ResourceStatus{Detail: "wall time expired; " + detail}, nil
	}
	return backend.ResourceStatus{Alive: true, Detail: detail}, nil
}

func (p *pool) Dispatch(ctx context.Context, subJobID string, spec pilot.SubJobSpec) (backend.JobRef, error) {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	if !p.acquired || p.released || p.expired() {
		return "", errors.New("glidein pool is not running")
	}
	p.nextID++
	job := &localJob{
		ref:      backend.JobRef(fmt.Sprintf("%d", p.nextID)),
		subJobID: subJobID,
		spec:     spec,
		cost:     spec.Processes(),
		state:    StateIdle,
	}
	if job.cost > p.slots {
		job.cost = p.slots
	}
	p.jobs[job.ref] = job
	p.queue = append(p.queue, job)
	p.scheduleLocked()
	return job.ref, nil
}

// scheduleLocked starts queued jobs, in order, while there are free
// slots.
func (p *pool) scheduleLocked() {
	for len(p.queue) > 0 && !p.released {
		job := p.queue[0]
		if p.busy+job.cost > p.slots {
			return
		}
		p.queue = p.queue[1:]
		p.startLocked(job)
	}
}

func (p *pool) startLocked(job *localJob) {
	logger := p.logger.WithField("SubJobID", job.subJobID)
	cmd, files, err := p.command(job)
	if err == nil {
		err = cmd.Start()
	}
	if err != nil {
		for _, f := range files {
			f.Close()
		}
		job.state, job.detail = StateFailed, err.Error()
		logger.WithError(err).Warn("failed to start sub-job")
		return
	}
	job.cmd = cmd
	job.state = StateRunning
	p.busy += job.cost
	p.procs.Add(1)
	logger.WithField("PID", cmd.Process.Pid).Debug("sub-job started")
	go func() {
		defer p.procs.Done()
		err := cmd.Wait()
		for _, f := range files {
			f.Close()
		}
		p.mtx.Lock()
		defer p.mtx.Unlock()
		p.busy -= job.cost
		switch {
		case job.signaled:
			job.state = StateRemoved
		case err == nil:
			job.state = StateCompleted
		default:
			job.state, job.detail = StateFailed, err.Error()
		}
		logger.WithFields(logrus.Fields{
			"State": job.state,
			"Error": err,
		}).Debug("sub-job exited")
		p.scheduleLocked()
	}()
}

// command returns the exec.Cmd for a job, and the files opened for
// its stdout/stderr.
func (p *pool) command(job *localJob) (*exec.Cmd, []*os.File, error) {
	spec := job.spec
	var cmd *exec.Cmd
	if len(spec.Arguments) == 0 && strings.ContainsAny(spec.Executable, " \t;|&<>$`") {
		cmd = exec.Command(p.cfg.Shell, "-c", spec.Executable)
	} else {
		cmd = exec.Command(spec.Executable, spec.Arguments...)
	}
	cmd.Dir = p.resolve(p.wd, spec.WorkingDirectory)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Env = os.Environ()
	var keys []string
	for k := range spec.Environment {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		cmd.Env = append(cmd.Env, k+"="+spec.Environment[k])
	}
	cmd.Env = append(cmd.Env, "PILOTJOB_SUBJOB_ID="+job.subJobID)
	if err := os.MkdirAll(cmd.Dir, 0755); err != nil {
		return nil, nil, err
	}
	var files []*os.File
	open := func(name string) (io.Writer, error) {
		if name == "" {
			return nil, nil
		}
		f, err := os.OpenFile(p.resolve(cmd.Dir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, err
		}
		files = append(files, f)
		return f, nil
	}
	stdout, err := open(spec.Output)
	if err != nil {
		return nil, files, err
	}
	stderr, err := open(spec.Error)
	if err != nil {
		return nil, files, err
	}
	if stdout != nil {
		cmd.Stdout = stdout
	}
	if stderr != nil {
		cmd.Stderr = stderr
	}
	return cmd, files, nil
}

func (p *pool) resolve(base, path string) string {
	if path == "" {
		return base
	}
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(base, path)
}

func (p *pool) PollStatus(ctx context.Context, ref backend.JobRef) (pilot.RemoteState, error) {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	job, ok := p.jobs[ref]
	if !ok {
		return "", fmt.Errorf("no such job %q", ref)
	}
	return job.state, nil
}

func (p *pool) Signal(ctx context.Context, ref backend.JobRef, sig backend.Signal) error {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	job, ok := p.jobs[ref]
	if !ok {
		return fmt.Errorf("no such job %q", ref)
	}
	return p.signalLocked(job, sysSignal(sig))
}

func sysSignal(sig backend.Signal) syscall.Signal {
	if sig == backend.SignalKill {
		return syscall.SIGKILL
	}
	return syscall.SIGTERM
}

func (p *pool) signalLocked(job *localJob, sig syscall.Signal) error {
	switch job.state {
	case StateIdle:
		for i, q := range p.queue {
			if q == job {
				p.queue = append(p.queue[:i:i], p.queue[i+1:]...)
				break
			}
		}
		job.state = StateRemoved
	case StateRunning:
		job.signaled = true
		// Signal the whole process group, so shell pipelines
		// stop too.
		err := syscall.Kill(-job.cmd.Process.Pid, sig)
		if err != nil && !errors.Is(err, syscall.ESRCH) {
			return err
		}
	}
	return nil
}

func (p *pool) stopAllLocked(sig syscall.Signal) {
	for _, job := range p.jobs {
		if err := p.signalLocked(job, sig); err != nil {
			p.logger.WithError(err).WithField("SubJobID", job.subJobID).Warn("failed to signal sub-job")
		}
	}
}

// Release removes queued sub-jobs, sends SIGTERM to running ones,
// and waits for them to exit. Processes still running after
// KillTimeout get SIGKILL.
func (p *pool) Release(ctx context.Context) error {
	p.mtx.Lock()
	p.released = true
	p.stopAllLocked(syscall.SIGTERM)
	p.mtx.Unlock()

	exited := make(chan struct{})
	go func() {
		p.procs.Wait()
		close(exited)
	}()
	select {
	case <-exited:
	case <-time.After(p.cfg.KillTimeout.Duration(10 * time.Second)):
		p.mtx.Lock()
		p.stopAllLocked(syscall.SIGKILL)
		p.mtx.Unlock()
		select {
		case <-exited:
		case <-ctx.Done():
			return fmt.Errorf("sub-jobs still running after SIGKILL: %w", ctx.Err())
		}
	case <-ctx.Done():
		return fmt.Errorf("waiting for sub-jobs to exit: %w", ctx.Err())
	}
	p.mtx.Lock()
	defer p.mtx.Unlock()
	if p.tempDir && p.wd != "" {
		if err := os.RemoveAll(p.wd); err != nil {
			p.logger.WithError(err).Warn("failed to remove temporary working directory")
		}
		p.tempDir = false
	}
	return nil
}
