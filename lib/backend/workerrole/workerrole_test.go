// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package workerrole

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/all3bar/saga-cpp-legacy-projects/lib/backend"
	"github.com/all3bar/saga-cpp-legacy-projects/sdk/go/ctxlog"
	"github.com/all3bar/saga-cpp-legacy-projects/sdk/go/pilot"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/johannesboyne/gofakes3"
	"github.com/johannesboyne/gofakes3/backend/s3mem"
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&handleSuite{})

type memStore struct {
	mtx   sync.Mutex
	blobs map[string][]byte
}

func newMemStore() *memStore {
	return &memStore{blobs: map[string][]byte{}}
}

func (st *memStore) Put(ctx context.Context, key string, data []byte) error {
	st.mtx.Lock()
	defer st.mtx.Unlock()
	st.blobs[key] = append([]byte(nil), data...)
	return nil
}

func (st *memStore) Get(ctx context.Context, key string) ([]byte, error) {
	st.mtx.Lock()
	defer st.mtx.Unlock()
	buf, ok := st.blobs[key]
	if !ok {
		return nil, ErrNotFound
	}
	return buf, nil
}

func (st *memStore) Delete(ctx context.Context, key string) error {
	st.mtx.Lock()
	defer st.mtx.Unlock()
	delete(st.blobs, key)
	return nil
}

func (st *memStore) List(ctx context.Context, prefix string) ([]string, error) {
	st.mtx.Lock()
	defer st.mtx.Unlock()
	var keys []string
	for key := range st.blobs {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

type stubDeployer struct {
	mtx sync.Mutex
	// States returned by successive Describe calls; the last one
	// repeats.
	states    []string
	described int
	created   []DeploymentSpec
	deleted   []string
	deleteErr error
}

func (d *stubDeployer) Create(ctx context.Context, spec DeploymentSpec) (string, error) {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	d.created = append(d.created, spec)
	return "dep-" + spec.Name, nil
}

func (d *stubDeployer) Describe(ctx context.Context, id string) (DeploymentStatus, error) {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	i := d.described
	if i >= len(d.states) {
		i = len(d.states) - 1
	}
	d.described++
	return DeploymentStatus{State: d.states[i], Total: 1}, nil
}

func (d *stubDeployer) Delete(ctx context.Context, id string) error {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	if d.deleteErr != nil {
		return d.deleteErr
	}
	d.deleted = append(d.deleted, id)
	return nil
}

type handleSuite struct {
	store    *memStore
	deployer *stubDeployer
	h        *handle
}

func (s *handleSuite) SetUpTest(c *check.C) {
	s.store = newMemStore()
	s.deployer = &stubDeployer{states: []string{DeploymentPending, DeploymentPending, DeploymentRunning}}
	drv := &Driver{
		Config: pilot.WorkerRoleConfig{
			Bucket:             "pilots",
			DeployPollInterval: pilot.Duration(time.Millisecond),
		},
		NewStore: func(context.Context, pilot.WorkerRoleConfig, backend.Credential) (Store, error) {
			return s.store, nil
		},
		NewDeployer: func(context.Context, pilot.WorkerRoleConfig, backend.Credential) (Deployer, error) {
			return s.deployer, nil
		},
	}
	bh, err := drv.NewHandle(ctxlog.TestLogger(c))
	c.Assert(err, check.IsNil)
	s.h = bh.(*backend.ThrottledHandle).Handle.(*handle)
}

func (s *handleSuite) acquire(c *check.C) backend.ProvisionResult {
	res, err := s.h.Acquire(context.Background(), pilot.PilotJobSpec{
		Backend:  pilot.BackendCloudWorkerRole,
		Resource: "ec2://us-east-1",
		Nodes:    2,
		Cores:    8,
	}, backend.Credential{})
	c.Assert(err, check.IsNil)
	return res
}

func (s *handleSuite) TestAcquire(c *check.C) {
	res := s.acquire(c)
	c.Check(res.Slots, check.Equals, 8)
	c.Check(res.RemoteID, check.Equals, "dep-"+s.h.app)
	c.Check(s.deployer.described, check.Equals, 3)
	c.Assert(s.deployer.created, check.HasLen, 1)
	c.Check(s.deployer.created[0].Instances, check.Equals, 2)
	// Each of the two agents runs half of the slots.
	c.Check(s.deployer.created[0].UserData, check.Matches, `(?s).*PILOTJOB_BUCKET=pilots\n.*worker-agent -app `+s.h.app+` -slots 4\n`)
	c.Check(s.h.queues, check.HasLen, 2)

	buf, err := s.store.Get(context.Background(), s.h.app+"/state")
	c.Assert(err, check.IsNil)
	c.Check(string(buf), check.Equals, "Running")

	st, err := s.h.Status(context.Background())
	c.Assert(err, check.IsNil)
	c.Check(st.Alive, check.Equals, true)
	c.Check(st.Detail, check.Matches, `deployment Running .*; pilot state Running`)
}

func (s *handleSuite) TestAcquireDeploymentFails(c *check.C) {
	s.deployer.states = []string{DeploymentPending, DeploymentFailed}
	_, err := s.h.Acquire(context.Background(), pilot.PilotJobSpec{Resource: "ec2://x"}, backend.Credential{})
	c.Check(err, check.ErrorMatches, `deployment dep-pilot-.*: Failed .*`)
	// Release cleans up what was created.
	c.Check(s.h.Release(context.Background()), check.IsNil)
	c.Check(s.deployer.deleted, check.HasLen, 1)
	c.Check(s.store.blobs, check.HasLen, 0)
}

func (s *handleSuite) TestAcquireTimeout(c *check.C) {
	s.deployer.states = []string{DeploymentPending}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := s.h.Acquire(ctx, pilot.PilotJobSpec{Resource: "ec2://x"}, backend.Credential{})
	c.Check(errors.Is(err, context.DeadlineExceeded), check.Equals, true)
	buf, err := s.store.Get(context.Background(), s.h.app+"/state")
	c.Assert(err, check.IsNil)
	c.Check(string(buf), check.Equals, "Unknown")
}

func (s *handleSuite) TestDispatchPollSignal(c *check.C) {
	ctx := context.Background()
	s.acquire(c)
	ref, err := s.h.Dispatch(ctx, "sj-1", pilot.SubJobSpec{Executable: "/bin/date", Arguments: []string{"-u"}})
	c.Assert(err, check.IsNil)
	c.Check(ref, check.Equals, backend.JobRef("sj-1"))

	var desc map[string]interface{}
	c.Assert(json.Unmarshal(s.store.blobs[s.h.app+"/subjob/sj-1"], &desc), check.IsNil)
	c.Check(desc["id"], check.Equals, "sj-1")
	c.Check(desc["state"], check.Equals, "New")
	c.Check(desc["executable"], check.Equals, "/bin/date")

	remote, err := s.h.PollStatus(ctx, ref)
	c.Check(err, check.IsNil)
	c.Check(remote, check.Equals, pilot.RemoteState("New"))
	c.Check(pilot.Translate(pilot.BackendCloudWorkerRole, remote), check.Equals, pilot.SubJobNew)

	remote, err = s.h.PollStatus(ctx, "nonexistent")
	c.Check(err, check.IsNil)
	c.Check(remote, check.Equals, pilot.RemoteState(""))

	ref2, err := s.h.Dispatch(ctx, "sj-2", pilot.SubJobSpec{Executable: "/bin/date"})
	c.Assert(err, check.IsNil)
	c.Assert(s.h.Signal(ctx, ref, backend.SignalTerminate), check.IsNil)
	c.Assert(s.h.Signal(ctx, ref2, backend.SignalTerminate), check.IsNil)
	c.Check(s.h.Signal(ctx, "nonexistent", backend.SignalTerminate), check.ErrorMatches, `no such sub-job.*`)

	// Each sub-job, and its cancel request, goes to one agent.
	for i, expect := range [][]string{
		{"sj-1", "CANCEL sj-1"},
		{"sj-2", "CANCEL sj-2"},
	} {
		var msgs []string
		for {
			msg, ok, err := s.h.queues[i].Pop(ctx)
			c.Assert(err, check.IsNil)
			if !ok {
				break
			}
			msgs = append(msgs, msg)
		}
		c.Check(msgs, check.DeepEquals, expect)
	}
}

func (s *handleSuite) TestDispatchBeforeAcquire(c *check.C) {
	_, err := s.h.Dispatch(context.Background(), "sj-1", pilot.SubJobSpec{Executable: "/bin/date"})
	c.Check(err, check.ErrorMatches, `pilot job has not been deployed`)
}

func (s *handleSuite) TestRelease(c *check.C) {
	ctx := context.Background()
	s.acquire(c)
	_, err := s.h.Dispatch(ctx, "sj-1", pilot.SubJobSpec{Executable: "/bin/true"})
	c.Assert(err, check.IsNil)

	s.deployer.deleteErr = errors.New("service unavailable")
	c.Check(s.h.Release(ctx), check.ErrorMatches, `delete deployment .*: service unavailable`)
	// Every agent is told to stop.
	keys, _ := s.store.List(ctx, s.h.app+"/queue/0/")
	c.Assert(keys, check.HasLen, 2)
	c.Check(string(s.store.blobs[keys[1]]), check.Equals, "STOP")
	keys, _ = s.store.List(ctx, s.h.app+"/queue/1/")
	c.Assert(keys, check.HasLen, 1)
	c.Check(string(s.store.blobs[keys[0]]), check.Equals, "STOP")

	// Retry succeeds, without queueing STOP again.
	s.deployer.deleteErr = nil
	c.Check(s.h.Release(ctx), check.IsNil)
	c.Check(s.deployer.deleted, check.DeepEquals, []string{"dep-" + s.h.app})
	c.Check(s.store.blobs, check.HasLen, 0)

	st, err := s.h.Status(ctx)
	c.Check(err, check.IsNil)
	c.Check(st.Alive, check.Equals, false)
}

func (s *handleSuite) TestReleaseBeforeAcquire(c *check.C) {
	c.Check(s.h.Release(context.Background()), check.IsNil)
	st, err := s.h.Status(context.Background())
	c.Check(err, check.IsNil)
	c.Check(st.Alive, check.Equals, false)
}

var _ = check.Suite(&agentSuite{})

// agentSuite runs a handle and a worker agent against an in-memory
// S3 server and a stub EC2 API.
type agentSuite struct {
	srv *httptest.Server
	ec2 *stubEC2
	drv *Driver
	h   backend.Handle
	wr  *handle
}

func (s *agentSuite) SetUpTest(c *check.C) {
	mem := s3mem.New()
	c.Assert(mem.CreateBucket("pilots"), check.IsNil)
	s.srv = httptest.NewServer(gofakes3.New(mem).Server())
	s.ec2 = &stubEC2{launchState: types.InstanceStateNameRunning}
	s.drv = NewDriver(pilot.WorkerRoleConfig{
		Bucket:             "pilots",
		Region:             "us-east-1",
		Endpoint:           s.srv.URL,
		ForcePathStyle:     true,
		AccessKeyID:        "key",
		SecretAccessKey:    "secret",
		DeployPollInterval: pilot.Duration(time.Millisecond),
	})
	s.drv.NewDeployer = func(context.Context, pilot.WorkerRoleConfig, backend.Credential) (Deployer, error) {
		return &EC2Deployer{client: s.ec2, cfg: pilot.EC2Config{ImageID: "ami-1"}}, nil
	}
	var err error
	s.h, err = s.drv.NewHandle(ctxlog.TestLogger(c))
	c.Assert(err, check.IsNil)
	s.wr = s.h.(*backend.ThrottledHandle).Handle.(*handle)
	_, err = s.h.Acquire(context.Background(), pilot.PilotJobSpec{Resource: "ec2://us-east-1", Cores: 2}, backend.Credential{})
	c.Assert(err, check.IsNil)
}

func (s *agentSuite) TearDownTest(c *check.C) {
	s.srv.Close()
}

func (s *agentSuite) agent(c *check.C) *Agent {
	return &Agent{
		Store:        s.wr.store,
		App:          s.wr.app,
		Slots:        2,
		Logger:       ctxlog.TestLogger(c),
		PollInterval: 10 * time.Millisecond,
	}
}

func (s *agentSuite) waitFor(c *check.C, ref backend.JobRef, want pilot.SubJobState) {
	deadline := time.Now().Add(10 * time.Second)
	for {
		remote, err := s.h.PollStatus(context.Background(), ref)
		c.Assert(err, check.IsNil)
		got := pilot.Translate(pilot.BackendCloudWorkerRole, remote)
		if got == want {
			return
		}
		if time.Now().After(deadline) {
			c.Fatalf("timed out waiting for %s to reach %s (last %q)", ref, want, remote)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func (s *agentSuite) TestRunSubJobs(c *check.C) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	dir := c.MkDir()
	done := make(chan error, 1)
	go func() { done <- s.agent(c).Run(ctx) }()

	okRef, err := s.h.Dispatch(ctx, "sj-ok", pilot.SubJobSpec{
		Executable:       "/bin/sh",
		Arguments:        []string{"-c", "echo $GREETING $PILOTJOB_SUBJOB_ID"},
		WorkingDirectory: dir,
		Output:           "out.txt",
		Environment:      map[string]string{"GREETING": "hello"},
	})
	c.Assert(err, check.IsNil)
	failRef, err := s.h.Dispatch(ctx, "sj-fail", pilot.SubJobSpec{Executable: "/bin/false"})
	c.Assert(err, check.IsNil)
	sleepRef, err := s.h.Dispatch(ctx, "sj-sleep", pilot.SubJobSpec{Executable: "/bin/sleep", Arguments: []string{"30"}})
	c.Assert(err, check.IsNil)

	s.waitFor(c, okRef, pilot.SubJobDone)
	s.waitFor(c, failRef, pilot.SubJobFailed)
	s.waitFor(c, sleepRef, pilot.SubJobRunning)
	out, err := os.ReadFile(filepath.Join(dir, "out.txt"))
	c.Check(err, check.IsNil)
	c.Check(string(out), check.Equals, "hello sj-ok\n")

	c.Assert(s.h.Signal(ctx, sleepRef, backend.SignalTerminate), check.IsNil)
	s.waitFor(c, sleepRef, pilot.SubJobCanceled)

	desc, err := loadDescription(ctx, s.wr.store, s.wr.descriptionKey("sj-fail"))
	c.Assert(err, check.IsNil)
	c.Assert(desc.ExitCode, check.NotNil)
	c.Check(*desc.ExitCode, check.Equals, 1)

	// Stop the agent through the queue, the way Release does.
	c.Assert(s.wr.queues[0].Put(ctx, stopMessage), check.IsNil)
	select {
	case err := <-done:
		c.Check(err, check.IsNil)
	case <-time.After(10 * time.Second):
		c.Fatal("agent did not stop")
	}
	st, err := s.h.Status(ctx)
	c.Assert(err, check.IsNil)
	c.Check(st.Alive, check.Equals, false)
	c.Check(st.Detail, check.Matches, `.*pilot state Done`)

	c.Check(s.h.Release(ctx), check.IsNil)
	keys, err := s.wr.store.List(ctx, s.wr.app+"/")
	c.Check(err, check.IsNil)
	c.Check(keys, check.HasLen, 0)
	c.Check(s.ec2.instances[0].State.Name, check.Equals, types.InstanceStateNameTerminated)
}

func (s *agentSuite) TestCancelQueued(c *check.C) {
	ctx := context.Background()
	ref, err := s.h.Dispatch(ctx, "sj-1", pilot.SubJobSpec{Executable: "/bin/true"})
	c.Assert(err, check.IsNil)
	c.Assert(s.h.Signal(ctx, ref, backend.SignalKill), check.IsNil)
	c.Assert(s.wr.queues[0].Put(ctx, stopMessage), check.IsNil)

	// The run message is taken first, then the cancel arrives
	// before the agent has picked up the job.
	agt := s.agent(c)
	agt.Slots = 1
	agt.running = map[string]context.CancelFunc{"busy": func() {}}
	agt.queue = NewQueue(agt.Store, agt.App, 0)
	msg, _, err := agt.queue.Pop(ctx)
	c.Assert(err, check.IsNil)
	agt.pending = append(agt.pending, msg)
	msg, _, err = agt.queue.Pop(ctx)
	c.Assert(err, check.IsNil)
	cmd, id := parseMessage(msg)
	c.Assert(cmd, check.Equals, "CANCEL")
	agt.cancel(ctx, id)
	c.Check(agt.pending, check.HasLen, 0)

	remote, err := s.h.PollStatus(ctx, ref)
	c.Check(err, check.IsNil)
	c.Check(remote, check.Equals, pilot.RemoteState("Canceled"))
}

// With two worker agents, every sub-job runs exactly once, and a
// cancel request reaches the agent that is running the sub-job.
func (s *agentSuite) TestTwoAgents(c *check.C) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h, err := s.drv.NewHandle(ctxlog.TestLogger(c))
	c.Assert(err, check.IsNil)
	_, err = h.Acquire(ctx, pilot.PilotJobSpec{Resource: "ec2://us-east-1", Nodes: 2, Cores: 4}, backend.Credential{})
	c.Assert(err, check.IsNil)
	wr := h.(*backend.ThrottledHandle).Handle.(*handle)

	done := make(chan error, 2)
	for i := 0; i < 2; i++ {
		agt := &Agent{
			Store:        wr.store,
			App:          wr.app,
			Index:        i,
			Slots:        2,
			Logger:       ctxlog.TestLogger(c).WithField("Index", i),
			PollInterval: 10 * time.Millisecond,
		}
		go func() { done <- agt.Run(ctx) }()
	}

	dir := c.MkDir()
	var refs []backend.JobRef
	for i := 0; i < 6; i++ {
		ref, err := h.Dispatch(ctx, fmt.Sprintf("sj-%d", i), pilot.SubJobSpec{
			Executable:       "/bin/sh",
			Arguments:        []string{"-c", `echo $PILOTJOB_AGENT_INDEX >>$PILOTJOB_SUBJOB_ID.ran`},
			WorkingDirectory: dir,
		})
		c.Assert(err, check.IsNil)
		refs = append(refs, ref)
	}
	var sleepers []backend.JobRef
	for i := 0; i < 2; i++ {
		ref, err := h.Dispatch(ctx, fmt.Sprintf("sj-sleep-%d", i), pilot.SubJobSpec{Executable: "/bin/sleep", Arguments: []string{"30"}})
		c.Assert(err, check.IsNil)
		sleepers = append(sleepers, ref)
	}

	waitFor := func(ref backend.JobRef, want pilot.SubJobState) {
		for deadline := time.Now().Add(10 * time.Second); ; time.Sleep(10 * time.Millisecond) {
			remote, err := h.PollStatus(ctx, ref)
			c.Assert(err, check.IsNil)
			if pilot.Translate(pilot.BackendCloudWorkerRole, remote) == want {
				return
			}
			if time.Now().After(deadline) {
				c.Fatalf("timed out waiting for %s to reach %s (last %q)", ref, want, remote)
			}
		}
	}
	for i, ref := range refs {
		waitFor(ref, pilot.SubJobDone)
		buf, err := os.ReadFile(filepath.Join(dir, string(ref)+".ran"))
		c.Assert(err, check.IsNil)
		c.Check(string(buf), check.Equals, fmt.Sprintf("%d\n", i%2), check.Commentf("%s", ref))
	}
	for _, ref := range sleepers {
		waitFor(ref, pilot.SubJobRunning)
		c.Assert(h.Signal(ctx, ref, backend.SignalTerminate), check.IsNil)
	}
	for _, ref := range sleepers {
		waitFor(ref, pilot.SubJobCanceled)
	}

	for _, q := range wr.queues {
		c.Assert(q.Put(ctx, stopMessage), check.IsNil)
	}
	for i := 0; i < 2; i++ {
		select {
		case err := <-done:
			c.Check(err, check.IsNil)
		case <-time.After(10 * time.Second):
			c.Fatal("agent did not stop")
		}
	}
	c.Check(h.Release(ctx), check.IsNil)
}
