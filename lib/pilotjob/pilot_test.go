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
	"github.com/all3bar/saga-cpp-legacy-projects/lib/backend/test"
	"github.com/all3bar/saga-cpp-legacy-projects/sdk/go/ctxlog"
	"github.com/all3bar/saga-cpp-legacy-projects/sdk/go/pilot"
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&PilotSuite{})

type PilotSuite struct {
	ctx    context.Context
	driver *test.StubDriver
	spec   pilot.PilotJobSpec
}

func (s *PilotSuite) SetUpTest(c *check.C) {
	s.ctx = context.Background()
	s.driver = &test.StubDriver{}
	s.spec = pilot.PilotJobSpec{
		Backend:  pilot.BackendLocalGlidein,
		Resource: "fork://localhost",
		Cores:    4,
	}
}

func (s *PilotSuite) newPilot(c *check.C, opts PilotOptions) (*PilotJob, *test.StubHandle) {
	h, err := s.driver.NewHandle(ctxlog.TestLogger(c))
	c.Assert(err, check.IsNil)
	opts.Logger = ctxlog.TestLogger(c)
	return NewPilotJob(s.spec, h, opts), h.(*test.StubHandle)
}

func (s *PilotSuite) TestStartSuccess(c *check.C) {
	pj, h := s.newPilot(c, PilotOptions{})
	c.Check(pj.State(), check.Equals, pilot.PilotNew)
	c.Check(pilot.IsPilotID(pj.ID()), check.Equals, true)
	c.Assert(pj.Start(s.ctx), check.IsNil)
	c.Check(pj.State(), check.Equals, pilot.PilotRunning)
	c.Check(pj.Slots(), check.Equals, 4)
	c.Check(pj.StateDetail(), check.Equals, "stub resource fork://localhost")
	c.Check(h.Spec(), check.DeepEquals, s.spec)

	err := pj.Start(s.ctx)
	c.Check(errors.Is(err, pilot.ErrIncorrectState), check.Equals, true)
}

func (s *PilotSuite) TestStartFailure(c *check.C) {
	s.driver.AcquireError = errors.New("queue disabled")
	pj, h := s.newPilot(c, PilotOptions{})
	err := pj.Start(s.ctx)
	c.Check(errors.Is(err, pilot.ErrNoSuccess), check.Equals, true)
	c.Check(pj.State(), check.Equals, pilot.PilotFailed)
	c.Check(pj.Err(), check.Equals, err)
	c.Check(pj.StateDetail(), check.Matches, `.*queue disabled.*`)
	c.Check(pj.Slots(), check.Equals, 0)
	// The backend may have allocated something before failing.
	c.Check(h.ReleaseCalls(), check.Equals, 1)
	c.Check(h.Released(), check.Equals, true)
}

func (s *PilotSuite) TestStartFailureReleaseRetried(c *check.C) {
	s.driver.AcquireError = errors.New("queue disabled")
	s.driver.ReleaseFailures = 1
	pj, h := s.newPilot(c, PilotOptions{})
	err := pj.Start(s.ctx)
	c.Check(errors.Is(err, pilot.ErrNoSuccess), check.Equals, true)
	c.Check(pj.State(), check.Equals, pilot.PilotFailed)
	c.Check(pj.StateDetail(), check.Matches, `.*queue disabled.*injected release failure 1.*`)
	c.Check(h.Released(), check.Equals, false)

	c.Check(pj.Cancel(s.ctx), check.IsNil)
	c.Check(pj.State(), check.Equals, pilot.PilotFailed)
	c.Check(h.ReleaseCalls(), check.Equals, 2)
	c.Check(h.Released(), check.Equals, true)
	c.Check(pj.Err(), check.Equals, err)

	c.Check(pj.Cancel(s.ctx), check.IsNil)
	c.Check(h.ReleaseCalls(), check.Equals, 2)
}

func (s *PilotSuite) TestStartTimeout(c *check.C) {
	s.driver.AcquireDelay = time.Second
	pj, h := s.newPilot(c, PilotOptions{StartTimeout: 20 * time.Millisecond})
	err := pj.Start(s.ctx)
	c.Check(errors.Is(err, pilot.ErrTimeout), check.Equals, true)
	c.Check(pj.State(), check.Equals, pilot.PilotFailed)
	c.Check(h.ReleaseCalls(), check.Equals, 1)
	c.Check(h.Released(), check.Equals, true)
}

func (s *PilotSuite) TestCancelWhileStarting(c *check.C) {
	s.driver.AcquireDelay = time.Minute
	pj, h := s.newPilot(c, PilotOptions{})
	started := make(chan error, 1)
	go func() { started <- pj.Start(s.ctx) }()
	for deadline := time.Now().Add(10 * time.Second); !h.Acquiring(); time.Sleep(time.Millisecond) {
		c.Assert(time.Now().Before(deadline), check.Equals, true)
	}
	c.Check(pj.State(), check.Equals, pilot.PilotStarting)

	t0 := time.Now()
	c.Check(pj.Cancel(s.ctx), check.IsNil)
	c.Check(time.Since(t0) < 10*time.Second, check.Equals, true)
	err := <-started
	c.Check(errors.Is(err, pilot.ErrNoSuccess), check.Equals, true)
	c.Check(err, check.ErrorMatches, `.*canceled while starting.*`)
	c.Check(pj.State(), check.Equals, pilot.PilotFailed)
	c.Check(h.ReleaseCalls(), check.Equals, 1)
	c.Check(h.Released(), check.Equals, true)

	// The pilot never becomes usable.
	_, err = pj.SubmitJob(s.ctx, pilot.SubJobSpec{Executable: "/bin/date"})
	c.Check(errors.Is(err, pilot.ErrIncorrectState), check.Equals, true)
}

func (s *PilotSuite) TestCancelWhileStartingContextDone(c *check.C) {
	s.driver.AcquireDelay = time.Minute
	pj, h := s.newPilot(c, PilotOptions{})
	go pj.Start(s.ctx)
	for deadline := time.Now().Add(10 * time.Second); !h.Acquiring(); time.Sleep(time.Millisecond) {
		c.Assert(time.Now().Before(deadline), check.Equals, true)
	}
	ctx, cancel := context.WithCancel(s.ctx)
	cancel()
	// Cancel may give up before Start returns, but the acquire is
	// interrupted either way.
	err := pj.Cancel(ctx)
	if err != nil {
		c.Check(errors.Is(err, pilot.ErrNoSuccess), check.Equals, true)
	}
	c.Check(pj.Cancel(s.ctx), check.IsNil)
	c.Check(pj.State(), check.Equals, pilot.PilotFailed)
	c.Check(h.Released(), check.Equals, true)
}

func (s *PilotSuite) TestStartCredential(c *check.C) {
	s.spec.CredentialRef = "loni"
	pj, h := s.newPilot(c, PilotOptions{Credentials: backend.StaticCredentials{"loni": {"proxy": "/tmp/x509"}}})
	c.Assert(pj.Start(s.ctx), check.IsNil)
	c.Check(h.Credential().Get("proxy"), check.Equals, "/tmp/x509")

	pj, _ = s.newPilot(c, PilotOptions{Credentials: backend.StaticCredentials{}})
	err := pj.Start(s.ctx)
	c.Check(errors.Is(err, pilot.ErrDoesNotExist), check.Equals, true)
	c.Check(pj.State(), check.Equals, pilot.PilotFailed)

	pj, _ = s.newPilot(c, PilotOptions{})
	err = pj.Start(s.ctx)
	c.Check(errors.Is(err, pilot.ErrNoSuccess), check.Equals, true)
}

func (s *PilotSuite) TestSubmitRequiresRunning(c *check.C) {
	reg := NewRegistry()
	pj, _ := s.newPilot(c, PilotOptions{Registry: reg})
	_, err := pj.SubmitJob(s.ctx, pilot.SubJobSpec{Executable: "/bin/date"})
	c.Check(errors.Is(err, pilot.ErrIncorrectState), check.Equals, true)

	s.driver.AcquireError = errors.New("nope")
	pj2, _ := s.newPilot(c, PilotOptions{Registry: reg})
	pj2.Start(s.ctx)
	_, err = pj2.SubmitJob(s.ctx, pilot.SubJobSpec{Executable: "/bin/date"})
	c.Check(errors.Is(err, pilot.ErrIncorrectState), check.Equals, true)
	c.Check(reg.List(), check.HasLen, 0)
}

func (s *PilotSuite) TestSubmitAndPoll(c *check.C) {
	pj, h := s.newPilot(c, PilotOptions{})
	c.Assert(pj.Start(s.ctx), check.IsNil)
	sj, err := pj.SubmitJob(s.ctx, pilot.SubJobSpec{Executable: "/bin/date"})
	c.Assert(err, check.IsNil)
	c.Check(pilot.IsSubJobID(sj.ID()), check.Equals, true)
	c.Check(sj.PilotID(), check.Equals, pj.ID())
	st, err := sj.GetState()
	c.Check(err, check.IsNil)
	c.Check(st, check.Equals, pilot.SubJobQueued)
	rec, _ := sj.Record()
	c.Check(rec.Ref, check.Not(check.Equals), backend.JobRef(""))

	h.SetRemoteState("", "Running")
	c.Check(pj.Poll(s.ctx), check.IsNil)
	st, _ = sj.GetState()
	c.Check(st, check.Equals, pilot.SubJobRunning)

	// Unrecognized status leaves the record alone.
	h.SetRemoteState("", "Vacating")
	c.Check(pj.Poll(s.ctx), check.IsNil)
	st, _ = sj.GetState()
	c.Check(st, check.Equals, pilot.SubJobRunning)

	// Backend reporting a backward move is ignored.
	h.SetRemoteState("", "Idle")
	c.Check(pj.Poll(s.ctx), check.IsNil)
	st, _ = sj.GetState()
	c.Check(st, check.Equals, pilot.SubJobRunning)

	h.SetRemoteState("", "Completed")
	c.Check(pj.Poll(s.ctx), check.IsNil)
	st, _ = sj.GetState()
	c.Check(st, check.Equals, pilot.SubJobDone)
}

func (s *PilotSuite) TestSubmitDispatchFailure(c *check.C) {
	s.driver.DispatchError = errors.New("bsub: too many jobs")
	pj, _ := s.newPilot(c, PilotOptions{})
	c.Assert(pj.Start(s.ctx), check.IsNil)
	sj, err := pj.SubmitJob(s.ctx, pilot.SubJobSpec{Executable: "/bin/date"})
	c.Check(errors.Is(err, pilot.ErrNoSuccess), check.Equals, true)
	c.Assert(sj, check.NotNil)
	st, _ := sj.GetState()
	c.Check(st, check.Equals, pilot.SubJobFailed)
}

func (s *PilotSuite) TestSubmitDispatchTimeout(c *check.C) {
	s.driver.DispatchDelay = time.Second
	pj, _ := s.newPilot(c, PilotOptions{BackendTimeout: 20 * time.Millisecond})
	c.Assert(pj.Start(s.ctx), check.IsNil)
	sj, err := pj.SubmitJob(s.ctx, pilot.SubJobSpec{Executable: "/bin/date"})
	c.Check(errors.Is(err, pilot.ErrTimeout), check.Equals, true)
	st, _ := sj.GetState()
	c.Check(st, check.Equals, pilot.SubJobFailed)
}

func (s *PilotSuite) TestSubmitInvalidSpec(c *check.C) {
	pj, h := s.newPilot(c, PilotOptions{})
	c.Assert(pj.Start(s.ctx), check.IsNil)
	sj, err := pj.SubmitJob(s.ctx, pilot.SubJobSpec{})
	c.Check(errors.Is(err, pilot.ErrNoSuccess), check.Equals, true)
	st, _ := sj.GetState()
	c.Check(st, check.Equals, pilot.SubJobFailed)
	c.Check(h.Dispatched(), check.Equals, 0)
}

func (s *PilotSuite) TestCancel(c *check.C) {
	pj, h := s.newPilot(c, PilotOptions{})
	c.Assert(pj.Start(s.ctx), check.IsNil)
	sj1, err := pj.SubmitJob(s.ctx, pilot.SubJobSpec{Executable: "/bin/date"})
	c.Assert(err, check.IsNil)
	sj2, err := pj.SubmitJob(s.ctx, pilot.SubJobSpec{Executable: "/bin/date"})
	c.Assert(err, check.IsNil)
	rec2, _ := sj2.Record()
	h.SetRemoteState(rec2.Ref, "Completed")
	c.Assert(pj.Poll(s.ctx), check.IsNil)

	c.Check(pj.Cancel(s.ctx), check.IsNil)
	c.Check(pj.State(), check.Equals, pilot.PilotCanceled)
	c.Check(h.Released(), check.Equals, true)
	st, _ := sj1.GetState()
	c.Check(st, check.Equals, pilot.SubJobCanceled)
	st, _ = sj2.GetState()
	c.Check(st, check.Equals, pilot.SubJobDone)
	c.Check(h.Signals(), check.HasLen, 1)

	// Second cancel is a no-op with the same outcome.
	c.Check(pj.Cancel(s.ctx), check.IsNil)
	c.Check(pj.State(), check.Equals, pilot.PilotCanceled)
	c.Check(h.ReleaseCalls(), check.Equals, 1)

	_, err = pj.SubmitJob(s.ctx, pilot.SubJobSpec{Executable: "/bin/date"})
	c.Check(errors.Is(err, pilot.ErrIncorrectState), check.Equals, true)
}

func (s *PilotSuite) TestCancelNewAndFailed(c *check.C) {
	pj, h := s.newPilot(c, PilotOptions{})
	c.Check(pj.Cancel(s.ctx), check.IsNil)
	c.Check(pj.State(), check.Equals, pilot.PilotCanceled)
	c.Check(h.ReleaseCalls(), check.Equals, 0)
	c.Check(errors.Is(pj.Start(s.ctx), pilot.ErrIncorrectState), check.Equals, true)

	s.driver.AcquireError = errors.New("nope")
	pj, h = s.newPilot(c, PilotOptions{})
	pj.Start(s.ctx)
	c.Check(pj.Cancel(s.ctx), check.IsNil)
	c.Check(pj.State(), check.Equals, pilot.PilotFailed)
	c.Check(h.ReleaseCalls(), check.Equals, 1)
}

func (s *PilotSuite) TestCancelReleaseFailure(c *check.C) {
	s.driver.ReleaseFailures = 1
	pj, h := s.newPilot(c, PilotOptions{})
	c.Assert(pj.Start(s.ctx), check.IsNil)
	err := pj.Cancel(s.ctx)
	c.Check(errors.Is(err, pilot.ErrNoSuccess), check.Equals, true)
	c.Check(pj.State(), check.Equals, pilot.PilotCanceling)
	c.Check(pj.Err(), check.Equals, err)
	c.Check(h.Released(), check.Equals, false)

	// Retry succeeds.
	c.Check(pj.Cancel(s.ctx), check.IsNil)
	c.Check(pj.State(), check.Equals, pilot.PilotCanceled)
	c.Check(h.ReleaseCalls(), check.Equals, 2)
}

func (s *PilotSuite) TestResourceVanishes(c *check.C) {
	pj, h := s.newPilot(c, PilotOptions{})
	c.Assert(pj.Start(s.ctx), check.IsNil)
	sj, err := pj.SubmitJob(s.ctx, pilot.SubJobSpec{Executable: "/bin/date"})
	c.Assert(err, check.IsNil)
	h.Vanish()
	c.Check(pj.Poll(s.ctx), check.IsNil)
	c.Check(pj.State(), check.Equals, pilot.PilotFailed)
	c.Check(pj.StateDetail(), check.Equals, "resource vanished")
	st, _ := sj.GetState()
	c.Check(st, check.Equals, pilot.SubJobFailed)
	c.Check(h.ReleaseCalls(), check.Equals, 1)

	c.Check(pj.Poll(s.ctx), check.IsNil)
	c.Check(pj.Cancel(s.ctx), check.IsNil)
	c.Check(h.ReleaseCalls(), check.Equals, 1)
}

func (s *PilotSuite) TestPollErrorKeepsState(c *check.C) {
	pj, _ := s.newPilot(c, PilotOptions{})
	c.Assert(pj.Start(s.ctx), check.IsNil)
	sj, err := pj.SubmitJob(s.ctx, pilot.SubJobSpec{Executable: "/bin/date"})
	c.Assert(err, check.IsNil)
	s.driver.StatusError = errors.New("bjobs: connection refused")
	c.Check(errors.Is(pj.Poll(s.ctx), pilot.ErrNoSuccess), check.Equals, true)
	c.Check(pj.State(), check.Equals, pilot.PilotRunning)
	st, _ := sj.GetState()
	c.Check(st, check.Equals, pilot.SubJobQueued)
}

func (s *PilotSuite) TestSubJobHandleCancelDelete(c *check.C) {
	pj, h := s.newPilot(c, PilotOptions{})
	c.Assert(pj.Start(s.ctx), check.IsNil)
	sj, err := pj.SubmitJob(s.ctx, pilot.SubJobSpec{Executable: "/bin/date"})
	c.Assert(err, check.IsNil)
	c.Check(sj.Cancel(s.ctx), check.IsNil)
	st, _ := sj.GetState()
	c.Check(st, check.Equals, pilot.SubJobCanceled)
	c.Check(sj.Cancel(s.ctx), check.IsNil)
	c.Check(h.Signals(), check.HasLen, 1)

	sj2, err := pj.SubmitJob(s.ctx, pilot.SubJobSpec{Executable: "/bin/date"})
	c.Assert(err, check.IsNil)
	c.Check(sj2.Delete(s.ctx), check.IsNil)
	c.Check(h.Signals(), check.HasLen, 2)
	st, err = sj2.GetState()
	c.Check(st, check.Equals, pilot.SubJobUnknown)
	c.Check(errors.Is(err, pilot.ErrDoesNotExist), check.Equals, true)
	c.Check(errors.Is(sj2.Delete(s.ctx), pilot.ErrDoesNotExist), check.Equals, true)
}

// Concurrent submits racing a cancel: every submit either fails
// with IncorrectState and leaves no record, or its record ends up
// terminal with a backend reference.
func (s *PilotSuite) TestSubmitRacingCancel(c *check.C) {
	s.driver.DispatchDelay = time.Millisecond
	reg := NewRegistry()
	pj, h := s.newPilot(c, PilotOptions{Registry: reg})
	c.Assert(pj.Start(s.ctx), check.IsNil)

	var wg sync.WaitGroup
	var mtx sync.Mutex
	accepted, rejected := 0, 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := pj.SubmitJob(s.ctx, pilot.SubJobSpec{Executable: "/bin/date"})
			mtx.Lock()
			defer mtx.Unlock()
			if err == nil {
				accepted++
			} else {
				c.Check(errors.Is(err, pilot.ErrIncorrectState), check.Equals, true, check.Commentf("%s", err))
				rejected++
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		time.Sleep(time.Millisecond)
		c.Check(pj.Cancel(s.ctx), check.IsNil)
	}()
	wg.Wait()

	c.Check(accepted+rejected, check.Equals, 10)
	c.Check(pj.State(), check.Equals, pilot.PilotCanceled)
	recs := reg.ListByPilot(pj.ID())
	c.Check(recs, check.HasLen, accepted)
	c.Check(h.Dispatched(), check.Equals, accepted)
	for _, rec := range recs {
		c.Check(rec.State, check.Equals, pilot.SubJobCanceled)
		c.Check(rec.Ref, check.Not(check.Equals), backend.JobRef(""))
	}
}
