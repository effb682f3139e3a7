// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package workerrole

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Agent is the worker side of a deployment. It takes messages from
// its own queue, runs the sub-jobs they name, and records their
// progress in the sub-job descriptions.
type Agent struct {
	Store Store
	App   string
	// Position of this agent's instance in the deployment, which
	// selects its queue.
	Index  int
	Slots  int
	Logger logrus.FieldLogger
	// Interval between queue checks when the queue is empty.
	PollInterval time.Duration

	queue   *Queue
	pending []string
	mtx     sync.Mutex
	running map[string]context.CancelFunc
	wg      sync.WaitGroup
}

// Run processes messages until a STOP message arrives or ctx is
// done. Running sub-jobs are killed before Run returns.
func (agt *Agent) Run(ctx context.Context) error {
	agt.queue = NewQueue(agt.Store, agt.App, agt.Index)
	agt.running = map[string]context.CancelFunc{}
	if agt.Slots < 1 {
		agt.Slots = 1
	}
	if agt.PollInterval <= 0 {
		agt.PollInterval = time.Second
	}
	defer agt.stopAll()
	for {
		msg, ok, err := agt.queue.Pop(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			agt.Logger.WithError(err).Warn("error reading queue")
		}
		if !ok {
			agt.startPending(ctx)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(agt.PollInterval):
			}
			continue
		}
		cmd, id := parseMessage(msg)
		switch cmd {
		case stopMessage:
			agt.Logger.Info("stop requested")
			agt.stopAll()
			return agt.Store.Put(ctx, agt.App+"/"+stateBlob, []byte(pilotStateDone))
		case "CANCEL":
			agt.cancel(ctx, id)
		default:
			agt.pending = append(agt.pending, id)
		}
		agt.startPending(ctx)
	}
}

func (agt *Agent) stopAll() {
	agt.mtx.Lock()
	for _, cancel := range agt.running {
		cancel()
	}
	agt.mtx.Unlock()
	agt.wg.Wait()
}

func (agt *Agent) cancel(ctx context.Context, id string) {
	agt.mtx.Lock()
	cancel, ok := agt.running[id]
	agt.mtx.Unlock()
	if ok {
		cancel()
		return
	}
	for i, p := range agt.pending {
		if p == id {
			agt.pending = append(agt.pending[:i], agt.pending[i+1:]...)
			break
		}
	}
	agt.update(ctx, id, func(desc *Description) bool {
		if desc.State != "New" && desc.State != "Pending" {
			return false
		}
		desc.State = "Canceled"
		return true
	})
}

func (agt *Agent) startPending(ctx context.Context) {
	for len(agt.pending) > 0 {
		agt.mtx.Lock()
		full := len(agt.running) >= agt.Slots
		agt.mtx.Unlock()
		if full {
			return
		}
		id := agt.pending[0]
		agt.pending = agt.pending[1:]
		agt.start(ctx, id)
	}
}

func (agt *Agent) start(ctx context.Context, id string) {
	key := agt.App + "/" + subJobPrefix + id
	logger := agt.Logger.WithField("SubJobID", id)
	desc, err := loadDescription(ctx, agt.Store, key)
	if err != nil {
		logger.WithError(err).Warn("cannot load sub-job description")
		return
	}
	if desc.State != "New" {
		logger.WithField("State", desc.State).Info("skipping sub-job")
		return
	}
	desc.State = "Running"
	if err := agt.save(ctx, key, desc); err != nil {
		logger.WithError(err).Warn("cannot update sub-job description")
		return
	}
	jctx, cancel := context.WithCancel(ctx)
	agt.mtx.Lock()
	agt.running[id] = cancel
	agt.mtx.Unlock()
	agt.wg.Add(1)
	go func() {
		defer agt.wg.Done()
		defer func() {
			agt.mtx.Lock()
			delete(agt.running, id)
			agt.mtx.Unlock()
			cancel()
		}()
		err := agt.exec(jctx, desc)
		switch {
		case jctx.Err() != nil:
			desc.State = "Canceled"
		case err != nil:
			desc.State = "Failed"
			desc.Detail = err.Error()
			var exiterr *exec.ExitError
			if errors.As(err, &exiterr) {
				code := exiterr.ExitCode()
				desc.ExitCode = &code
			}
		default:
			desc.State = "Done"
			code := 0
			desc.ExitCode = &code
		}
		logger.WithField("State", desc.State).Info("sub-job finished")
		// Record the outcome even if ctx was canceled by STOP.
		if err := agt.save(context.WithoutCancel(ctx), key, desc); err != nil {
			logger.WithError(err).Warn("cannot update sub-job description")
		}
	}()
}

func (agt *Agent) exec(ctx context.Context, desc Description) error {
	cmd := exec.CommandContext(ctx, desc.Executable, desc.Arguments...)
	cmd.Dir = desc.WorkingDirectory
	cmd.Env = os.Environ()
	for k, v := range desc.Environment {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	cmd.Env = append(cmd.Env, "PILOTJOB_SUBJOB_ID="+desc.ID, fmt.Sprintf("PILOTJOB_AGENT_INDEX=%d", agt.Index))
	var err error
	if cmd.Stdout, err = openOutput(desc.WorkingDirectory, desc.Output); err != nil {
		return err
	}
	defer closeOutput(cmd.Stdout)
	if cmd.Stderr, err = openOutput(desc.WorkingDirectory, desc.Error); err != nil {
		return err
	}
	defer closeOutput(cmd.Stderr)
	return cmd.Run()
}

// openOutput opens path (relative to dir) for writing. An empty path
// means discard, and returns a nil writer.
func openOutput(dir, path string) (io.Writer, error) {
	if path == "" {
		return nil, nil
	}
	if !filepath.IsAbs(path) && dir != "" {
		path = filepath.Join(dir, path)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0666)
	if err != nil {
		return nil, err
	}
	return f, nil
}

func closeOutput(w io.Writer) {
	if f, ok := w.(*os.File); ok {
		f.Close()
	}
}

func (agt *Agent) update(ctx context.Context, id string, fn func(*Description) bool) {
	key := agt.App + "/" + subJobPrefix + id
	desc, err := loadDescription(ctx, agt.Store, key)
	if err != nil {
		agt.Logger.WithError(err).WithField("SubJobID", id).Warn("cannot load sub-job description")
		return
	}
	if fn(&desc) {
		if err := agt.save(ctx, key, desc); err != nil {
			agt.Logger.WithError(err).WithField("SubJobID", id).Warn("cannot update sub-job description")
		}
	}
}

func (agt *Agent) save(ctx context.Context, key string, desc Description) error {
	buf, err := json.Marshal(desc)
	if err != nil {
		return err
	}
	return agt.Store.Put(ctx, key, buf)
}
