// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package gridrm implements the grid-resource-manager backend. The
// pilot job is a batch job (submitted with bsub or an equivalent
// command) that holds an allocation.
//
// By default the pilot job is an agent script that runs sub-jobs
// inside the allocation, taking them from a spool directory under
// the pilot's working directory (see spool). If SubJobArguments is
// configured, each sub-job is instead submitted with that command,
// which should use %J to place it in the pilot's allocation.
//
// Command line arguments are configurable, with these substitutions:
//
//	%N  job name (pilot name, or sub-job id)
//	%C  cores (pilot) or processes (sub-job)
//	%n  nodes (pilot)
//	%W  wall time in minutes (pilot)
//	%D  working directory
//	%Q  queue (pilot)
//	%P  project (pilot)
//	%J  pilot job id (sub-job)
//	%O  stdout file (sub-job)
//	%E  stderr file (sub-job)
//	%%  literal %
package gridrm

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/all3bar/saga-cpp-legacy-projects/lib/backend"
	"github.com/all3bar/saga-cpp-legacy-projects/sdk/go/pilot"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// NewDriver returns a driver for the grid resource manager backend.
func NewDriver(cfg pilot.GridRMConfig) backend.Driver {
	return backend.DriverFunc(func(logger logrus.FieldLogger) (backend.Handle, error) {
		return newHandle(cfg, logger), nil
	})
}

type handle struct {
	cfg    pilot.GridRMConfig
	logger logrus.FieldLogger
	cli    *cli
	queue  *queue

	mtx     sync.Mutex
	spec    pilot.PilotJobSpec
	name    string
	jobID   string
	spool   *spool
	seq     int
	subJobs map[backend.JobRef]*subJob
}

type subJob struct {
	jobID     string
	submitted time.Time
	// Last time the job was seen in the queue.
	lastSeen time.Time
	// Spool entry name, if the pilot agent runs the job.
	entry string
}

// A job that has been missing from the queue this many refresh
// periods is assumed to have been purged after it ended.
const vanishedPeriods = 10

func newHandle(cfg pilot.GridRMConfig, logger logrus.FieldLogger) *handle {
	rm := &cli{logger: logger, sudoUser: cfg.SudoUser}
	return &handle{
		cfg:    cfg,
		logger: logger,
		cli:    rm,
		queue: &queue{
			cli:    rm,
			args:   cfg.StatusCommand,
			period: cfg.QueueRefresh.Duration(time.Second),
		},
		subJobs: map[backend.JobRef]*subJob{},
	}
}

func (h *handle) Acquire(ctx context.Context, spec pilot.PilotJobSpec, cred backend.Credential) (backend.ProvisionResult, error) {
	if len(h.cfg.SubmitArguments) == 0 || len(h.cfg.StatusCommand) == 0 || len(h.cfg.KillCommand) == 0 {
		return backend.ProvisionResult{}, errors.New("submit, status, and kill commands must be configured")
	}
	if u := cred.Get("sudo_user"); u != "" {
		h.cli.sudoUser = u
	}
	if proxy := cred.Get("proxy"); proxy != "" {
		h.cli.env = append(h.cli.env, "X509_USER_PROXY="+proxy)
	}
	name := "pilot-" + uuid.NewString()
	walltime := spec.WallTime.Duration(time.Hour)
	nodes := spec.Nodes
	if nodes < 1 {
		nodes = 1
	}
	wd := spec.WorkingDirectory
	if wd == "" {
		wd = "."
	}
	var sp *spool
	if len(h.cfg.SubJobArguments) == 0 {
		abs, err := filepath.Abs(wd)
		if err != nil {
			return backend.ProvisionResult{}, err
		}
		sp = &spool{dir: filepath.Join(abs, ".pilotjob", name)}
		if err := sp.create(h.cli.sudoUser != ""); err != nil {
			return backend.ProvisionResult{}, fmt.Errorf("spool: %w", err)
		}
		h.mtx.Lock()
		h.spool = sp
		h.mtx.Unlock()
	}
	args, err := substitute(h.cfg.SubmitArguments, map[string]string{
		"%%": "%",
		"%N": name,
		"%C": fmt.Sprintf("%d", spec.Slots()),
		"%n": fmt.Sprintf("%d", nodes),
		"%W": fmt.Sprintf("%d", int(math.Ceil(walltime.Minutes()))),
		"%D": wd,
		"%Q": spec.Queue,
		"%P": spec.Project,
	})
	if err != nil {
		return backend.ProvisionResult{}, err
	}
	var script []byte
	if sp != nil {
		script = sp.agentScript(name, spec.Slots(), int(walltime.Seconds()))
	} else {
		script = []byte(fmt.Sprintf("#!/bin/sh\n# pilot job %s: hold the allocation until released\nexec sleep %d\n", name, int(walltime.Seconds())))
	}
	submitted := time.Now()
	jobID, err := h.cli.Submit(ctx, args, script)
	if err != nil {
		return backend.ProvisionResult{}, fmt.Errorf("submit: %w", err)
	}
	h.mtx.Lock()
	h.spec, h.name, h.jobID = spec, name, jobID
	h.mtx.Unlock()
	h.logger.WithFields(logrus.Fields{
		"JobName": name,
		"JobID":   jobID,
	}).Info("pilot job submitted, waiting for it to start")

	// Wait for the allocation to start running.
	for {
		if err := ctx.Err(); err != nil {
			return backend.ProvisionResult{}, err
		}
		q, err := h.queue.Get(ctx, submitted)
		if err != nil {
			if ctx.Err() != nil {
				return backend.ProvisionResult{}, err
			}
			// Transient status command failures are retried
			// until the deadline.
			select {
			case <-time.After(h.queue.period):
			case <-ctx.Done():
				return backend.ProvisionResult{}, ctx.Err()
			}
			submitted = time.Now()
			continue
		}
		ent, ok := q[name]
		if ok && ent.ID != "" && jobID == "" {
			jobID = ent.ID
			h.mtx.Lock()
			h.jobID = jobID
			h.mtx.Unlock()
		}
		switch {
		case ok && ent.Stat == "RUN":
			return backend.ProvisionResult{
				RemoteID: jobID,
				Slots:    spec.Slots(),
				Detail:   fmt.Sprintf("job %s (%s) running", jobID, name),
			}, nil
		case ok && (ent.Stat == "EXIT" || ent.Stat == "DONE"):
			return backend.ProvisionResult{}, fmt.Errorf("pilot job %s ended before it started running (%s)", jobID, ent.Stat)
		case !ok && time.Since(submitted) > 10*h.queue.period && jobID != "":
			return backend.ProvisionResult{}, fmt.Errorf("pilot job %s disappeared from the queue", jobID)
		}
		submitted = time.Now()
	}
}

func (h *handle) Status(ctx context.Context) (backend.ResourceStatus, error) {
	h.mtx.Lock()
	name, jobID := h.name, h.jobID
	h.mtx.Unlock()
	if name == "" {
		return backend.ResourceStatus{Detail: "not submitted"}, nil
	}
	q, err := h.queue.Get(ctx, time.Time{})
	if err != nil {
		return backend.ResourceStatus{}, err
	}
	ent, ok := q[name]
	switch {
	case !ok:
		return backend.ResourceStatus{Detail: fmt.Sprintf("job %s is no longer in the queue", jobID)}, nil
	case ent.Stat == "RUN":
		return backend.ResourceStatus{Alive: true, Detail: fmt.Sprintf("job %s RUN", jobID)}, nil
	case pilot.Translate(pilot.BackendGridResourceManager, pilot.RemoteState(ent.Stat)).IsTerminal():
		return backend.ResourceStatus{Detail: fmt.Sprintf("job %s %s", jobID, ent.Stat)}, nil
	default:
		// Suspended, or an unrecognized status: keep it alive
		// and report what we see.
		return backend.ResourceStatus{Alive: true, Detail: fmt.Sprintf("job %s %s", jobID, ent.Stat)}, nil
	}
}

func (h *handle) Dispatch(ctx context.Context, subJobID string, spec pilot.SubJobSpec) (backend.JobRef, error) {
	h.mtx.Lock()
	name, pilotJobID, pilotSpec, sp := h.name, h.jobID, h.spec, h.spool
	h.mtx.Unlock()
	if name == "" {
		return "", errors.New("pilot job has not been submitted")
	}
	wd := spec.WorkingDirectory
	if wd == "" {
		wd = pilotSpec.WorkingDirectory
	}
	if wd == "" {
		wd = "."
	}
	ref := backend.JobRef(subJobID)
	if sp != nil {
		abs, err := filepath.Abs(wd)
		if err != nil {
			return "", err
		}
		h.mtx.Lock()
		h.seq++
		entry := fmt.Sprintf("%06d-%s", h.seq, subJobID)
		h.mtx.Unlock()
		if err := sp.queue(entry, abs, spec); err != nil {
			return "", fmt.Errorf("spool: %w", err)
		}
		h.mtx.Lock()
		h.subJobs[ref] = &subJob{entry: entry, submitted: time.Now()}
		h.mtx.Unlock()
		return ref, nil
	}
	stdout, stderr := spec.Output, spec.Error
	if stdout == "" {
		stdout = "/dev/null"
	}
	if stderr == "" {
		stderr = "/dev/null"
	}
	args, err := substitute(h.cfg.SubJobArguments, map[string]string{
		"%%": "%",
		"%N": subJobID,
		"%J": pilotJobID,
		"%C": fmt.Sprintf("%d", spec.Processes()),
		"%D": wd,
		"%O": stdout,
		"%E": stderr,
	})
	if err != nil {
		return "", err
	}
	submitted := time.Now()
	jobID, err := h.cli.Submit(ctx, args, execScript(spec))
	if err != nil {
		return "", fmt.Errorf("submit: %w", err)
	}
	h.mtx.Lock()
	h.subJobs[ref] = &subJob{jobID: jobID, submitted: submitted, lastSeen: submitted}
	h.mtx.Unlock()
	return ref, nil
}

func (h *handle) PollStatus(ctx context.Context, ref backend.JobRef) (pilot.RemoteState, error) {
	h.mtx.Lock()
	sj, ok := h.subJobs[ref]
	sp := h.spool
	h.mtx.Unlock()
	if !ok {
		return "", fmt.Errorf("no such sub-job %q", ref)
	}
	if sp != nil {
		return sp.status(sj.entry)
	}
	q, err := h.queue.Get(ctx, sj.submitted)
	if err != nil {
		return "", err
	}
	ent, ok := q[string(ref)]
	h.mtx.Lock()
	defer h.mtx.Unlock()
	if !ok {
		// Finished jobs are eventually purged from the queue,
		// and then we cannot tell how they ended.
		if missing := time.Since(sj.lastSeen); missing > vanishedPeriods*h.queue.period {
			h.logger.WithFields(logrus.Fields{
				"SubJobID": ref,
				"JobID":    sj.jobID,
				"Missing":  missing,
			}).Warn("sub-job disappeared from the queue, assuming it failed")
			return "EXIT", nil
		}
		return "", nil
	}
	sj.lastSeen = time.Now()
	if sj.jobID == "" {
		sj.jobID = ent.ID
	}
	return pilot.RemoteState(ent.Stat), nil
}

func (h *handle) Signal(ctx context.Context, ref backend.JobRef, sig backend.Signal) error {
	h.mtx.Lock()
	sj, ok := h.subJobs[ref]
	var jobID string
	if ok {
		jobID = sj.jobID
	}
	sp := h.spool
	h.mtx.Unlock()
	if !ok {
		return fmt.Errorf("no such sub-job %q", ref)
	}
	if sp != nil {
		return sp.cancel(sj.entry, sig)
	}
	if jobID == "" {
		q, err := h.queue.Get(ctx, sj.submitted)
		if err != nil {
			return err
		}
		ent, ok := q[string(ref)]
		if !ok {
			return nil
		}
		jobID = ent.ID
	}
	args := h.cfg.KillCommand
	if sig == backend.SignalKill {
		args = append(append([]string(nil), args...), "-s", "KILL")
	}
	return h.cli.Kill(ctx, args, jobID)
}

// Release stops the pilot agent and kills the pilot job, which ends
// the allocation and everything running in it. Then it removes the
// spool directory.
func (h *handle) Release(ctx context.Context) error {
	h.mtx.Lock()
	name, jobID, sp := h.name, h.jobID, h.spool
	h.mtx.Unlock()
	if sp != nil {
		if err := sp.stop(); err != nil && !errors.Is(err, os.ErrNotExist) {
			h.logger.WithError(err).Warn("could not write spool stop file")
		}
	}
	if name != "" && jobID == "" {
		q, err := h.queue.Get(ctx, time.Time{})
		if err != nil {
			return err
		}
		if ent, ok := q[name]; ok {
			jobID = ent.ID
		}
	}
	if jobID != "" {
		if err := h.cli.Kill(ctx, h.cfg.KillCommand, jobID); err != nil {
			return err
		}
	}
	if sp != nil {
		return sp.remove()
	}
	return nil
}

var substitutionParam = regexp.MustCompile(`%.`)

func substitute(template []string, repl map[string]string) ([]string, error) {
	var args []string
	var substitutionErrors []string
	for _, a := range template {
		args = append(args, substitutionParam.ReplaceAllStringFunc(a, func(s string) string {
			subst, ok := repl[s]
			if !ok {
				substitutionErrors = append(substitutionErrors, fmt.Sprintf("unknown substitution parameter %s", s))
			}
			return subst
		}))
	}
	if len(substitutionErrors) > 0 {
		return nil, errors.New(strings.Join(substitutionErrors, ", "))
	}
	return args, nil
}

// execScript returns a shell script that sets the sub-job's
// environment and execs its command line.
func execScript(spec pilot.SubJobSpec) []byte {
	s := "#!/bin/sh\n"
	var keys []string
	for k := range spec.Environment {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		s += "export " + k + "=" + shellQuote(spec.Environment[k]) + "\n"
	}
	s += "exec " + shellQuote(spec.Executable)
	for _, w := range spec.Arguments {
		s += " " + shellQuote(w)
	}
	return []byte(s + "\n")
}

func shellQuote(s string) string {
	return `'` + strings.Replace(s, `'`, `'\''`, -1) + `'`
}
