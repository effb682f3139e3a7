// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package workerrole runs pilot jobs as a deployment of cloud worker
// instances. The pilot and its worker agents communicate only
// through a blob store: sub-job descriptions and state are blobs, and
// each agent has a queue of messages telling it what to run or
// cancel. Sub-jobs are assigned to agents round-robin.
package workerrole

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/all3bar/saga-cpp-legacy-projects/lib/backend"
	"github.com/all3bar/saga-cpp-legacy-projects/sdk/go/pilot"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Blob names under "<app>/".
const (
	stateBlob    = "state"
	subJobPrefix = "subjob/"
)

// Pilot states stored in the state blob.
const (
	pilotStateUnknown = "Unknown"
	pilotStateRunning = "Running"
	pilotStateDone    = "Done"
)

// Description is the JSON document stored for each sub-job. The
// pilot writes it with State "New"; worker agents update State as
// the sub-job progresses.
type Description struct {
	ID    string `json:"id"`
	State string `json:"state"`
	pilot.SubJobSpec
	ExitCode *int   `json:"exit_code,omitempty"`
	Detail   string `json:"detail,omitempty"`
}

// StoreFunc and DeployerFunc construct the clients a handle uses. A
// credential, if any, is passed through so per-resource keys can
// override the configured ones.
type (
	StoreFunc    func(context.Context, pilot.WorkerRoleConfig, backend.Credential) (Store, error)
	DeployerFunc func(context.Context, pilot.WorkerRoleConfig, backend.Credential) (Deployer, error)
)

// Driver creates handles for the cloud-worker-role backend.
type Driver struct {
	Config      pilot.WorkerRoleConfig
	NewStore    StoreFunc
	NewDeployer DeployerFunc
}

// NewDriver returns a driver that uses S3 for storage and EC2 for
// deployments.
func NewDriver(cfg pilot.WorkerRoleConfig) *Driver {
	return &Driver{
		Config: cfg,
		NewStore: func(ctx context.Context, cfg pilot.WorkerRoleConfig, cred backend.Credential) (Store, error) {
			return NewS3Store(ctx, cfg, cred)
		},
		NewDeployer: func(ctx context.Context, cfg pilot.WorkerRoleConfig, cred backend.Credential) (Deployer, error) {
			return NewEC2Deployer(ctx, cfg.EC2, cred)
		},
	}
}

// NewHandle implements backend.Driver. Dispatch and PollStatus are
// suspended for a while after the cloud APIs report a rate limit.
func (drv *Driver) NewHandle(logger logrus.FieldLogger) (backend.Handle, error) {
	if drv.NewStore == nil || drv.NewDeployer == nil {
		return nil, errors.New("workerrole driver is missing a store or deployer constructor")
	}
	return &backend.ThrottledHandle{
		Handle: &handle{drv: drv, logger: logger},
		Logger: logger,
	}, nil
}

type handle struct {
	drv    *Driver
	logger logrus.FieldLogger

	mtx          sync.Mutex
	app          string
	store        Store
	queues       []*Queue
	next         int
	assigned     map[backend.JobRef]*Queue
	deployer     Deployer
	deploymentID string
	released     bool
}

func (h *handle) Acquire(ctx context.Context, spec pilot.PilotJobSpec, cred backend.Credential) (backend.ProvisionResult, error) {
	cfg := h.drv.Config
	store, err := h.drv.NewStore(ctx, cfg, cred)
	if err != nil {
		return backend.ProvisionResult{}, err
	}
	deployer, err := h.drv.NewDeployer(ctx, cfg, cred)
	if err != nil {
		return backend.ProvisionResult{}, err
	}
	app := "pilot-" + uuid.NewString()
	nodes := spec.Nodes
	if nodes < 1 {
		nodes = 1
	}
	queues := make([]*Queue, nodes)
	for i := range queues {
		queues[i] = NewQueue(store, app, i)
	}
	h.mtx.Lock()
	h.app, h.store, h.deployer = app, store, deployer
	h.queues, h.assigned = queues, map[backend.JobRef]*Queue{}
	h.mtx.Unlock()
	logger := h.logger.WithField("App", app)

	if err := h.putState(ctx, pilotStateUnknown); err != nil {
		return backend.ProvisionResult{}, err
	}
	id, err := deployer.Create(ctx, DeploymentSpec{
		Name:      app,
		Instances: nodes,
		UserData:  bootstrapScript(cfg, app, (spec.Slots()+nodes-1)/nodes),
	})
	if err != nil {
		return backend.ProvisionResult{}, err
	}
	h.mtx.Lock()
	h.deploymentID = id
	h.mtx.Unlock()
	logger.WithFields(logrus.Fields{
		"Deployment": id,
		"Instances":  nodes,
	}).Info("created deployment")

	interval := cfg.DeployPollInterval.Duration(5 * time.Second)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		status, err := deployer.Describe(ctx, id)
		if err != nil {
			logger.WithError(err).Warn("error checking deployment status")
		} else {
			switch status.State {
			case DeploymentRunning:
				if err := h.putState(ctx, pilotStateRunning); err != nil {
					return backend.ProvisionResult{}, err
				}
				return backend.ProvisionResult{
					RemoteID: id,
					Slots:    spec.Slots(),
					Detail:   "deployment " + status.String(),
				}, nil
			case DeploymentFailed, DeploymentDeleted:
				return backend.ProvisionResult{}, fmt.Errorf("deployment %s: %s", id, status)
			}
		}
		select {
		case <-ctx.Done():
			return backend.ProvisionResult{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

// bootstrapScript returns the user data for every instance of the
// deployment. Each agent finds its own queue from the instance's
// launch index.
func bootstrapScript(cfg pilot.WorkerRoleConfig, app string, slots int) string {
	var b strings.Builder
	b.WriteString("#!/bin/sh\n")
	fmt.Fprintf(&b, "export PILOTJOB_BUCKET=%s\n", cfg.Bucket)
	if cfg.Region != "" {
		fmt.Fprintf(&b, "export AWS_REGION=%s\n", cfg.Region)
	}
	fmt.Fprintf(&b, "exec pilotjob worker-agent -app %s -slots %d\n", app, slots)
	return b.String()
}

func (h *handle) putState(ctx context.Context, state string) error {
	return h.store.Put(ctx, h.app+"/"+stateBlob, []byte(state))
}

func (h *handle) Release(ctx context.Context) error {
	h.mtx.Lock()
	app, store, deployer, id, queues := h.app, h.store, h.deployer, h.deploymentID, h.queues
	released := h.released
	h.mtx.Unlock()
	if app == "" {
		// Acquire never got far enough to create anything.
		return nil
	}
	if !released {
		for _, q := range queues {
			if err := q.Put(ctx, stopMessage); err != nil {
				h.logger.WithError(err).Warn("error queueing stop message")
			}
		}
		h.mtx.Lock()
		h.released = true
		h.mtx.Unlock()
	}
	if id != "" {
		if err := deployer.Delete(ctx, id); err != nil {
			return fmt.Errorf("delete deployment %s: %w", id, err)
		}
	}
	keys, err := store.List(ctx, app+"/")
	if err != nil {
		return err
	}
	for _, key := range keys {
		if err := store.Delete(ctx, key); err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
	}
	return nil
}

func (h *handle) Status(ctx context.Context) (backend.ResourceStatus, error) {
	h.mtx.Lock()
	id, deployer, released := h.deploymentID, h.deployer, h.released
	h.mtx.Unlock()
	if released || deployer == nil {
		return backend.ResourceStatus{Alive: false, Detail: "released"}, nil
	}
	status, err := deployer.Describe(ctx, id)
	if err != nil {
		return backend.ResourceStatus{}, err
	}
	state := "?"
	if buf, err := h.store.Get(ctx, h.app+"/"+stateBlob); err == nil {
		state = string(buf)
	} else if !errors.Is(err, ErrNotFound) {
		return backend.ResourceStatus{}, err
	}
	detail := fmt.Sprintf("deployment %s; pilot state %s", status, state)
	alive := status.State == DeploymentRunning && state != pilotStateDone
	return backend.ResourceStatus{Alive: alive, Detail: detail}, nil
}

func (h *handle) descriptionKey(id string) string {
	return h.app + "/" + subJobPrefix + id
}

func (h *handle) Dispatch(ctx context.Context, subJobID string, spec pilot.SubJobSpec) (backend.JobRef, error) {
	h.mtx.Lock()
	nqueues := len(h.queues)
	h.mtx.Unlock()
	if nqueues == 0 {
		return "", errors.New("pilot job has not been deployed")
	}
	buf, err := json.Marshal(Description{
		ID:         subJobID,
		State:      "New",
		SubJobSpec: spec,
	})
	if err != nil {
		return "", err
	}
	if err := h.store.Put(ctx, h.descriptionKey(subJobID), buf); err != nil {
		return "", err
	}
	ref := backend.JobRef(subJobID)
	h.mtx.Lock()
	q := h.queues[h.next%len(h.queues)]
	h.next++
	h.mtx.Unlock()
	if err := q.Put(ctx, subJobID); err != nil {
		return "", err
	}
	h.mtx.Lock()
	h.assigned[ref] = q
	h.mtx.Unlock()
	return ref, nil
}

func (h *handle) PollStatus(ctx context.Context, ref backend.JobRef) (pilot.RemoteState, error) {
	desc, err := loadDescription(ctx, h.store, h.descriptionKey(string(ref)))
	if errors.Is(err, ErrNotFound) {
		return "", nil
	} else if err != nil {
		return "", err
	}
	return pilot.RemoteState(desc.State), nil
}

// Signal queues a cancel request for the agent the sub-job was
// assigned to. Worker agents do not distinguish TERM from KILL.
func (h *handle) Signal(ctx context.Context, ref backend.JobRef, sig backend.Signal) error {
	h.mtx.Lock()
	q, ok := h.assigned[ref]
	h.mtx.Unlock()
	if !ok {
		return fmt.Errorf("no such sub-job %q", ref)
	}
	return q.Put(ctx, cancelMessage(string(ref)))
}

func loadDescription(ctx context.Context, store Store, key string) (Description, error) {
	var desc Description
	buf, err := store.Get(ctx, key)
	if err != nil {
		return desc, err
	}
	err = json.Unmarshal(buf, &desc)
	if err != nil {
		return desc, fmt.Errorf("%s: %w", key, err)
	}
	return desc, nil
}
