// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package manyjob

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"

	"github.com/all3bar/saga-cpp-legacy-projects/lib/backend"
	"github.com/all3bar/saga-cpp-legacy-projects/lib/backend/test"
	"github.com/all3bar/saga-cpp-legacy-projects/lib/pilotjob"
	"github.com/all3bar/saga-cpp-legacy-projects/sdk/go/ctxlog"
	"github.com/all3bar/saga-cpp-legacy-projects/sdk/go/pilot"
	"github.com/prometheus/client_golang/prometheus"
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&ServerSuite{})

type ServerSuite struct {
	reg     *prometheus.Registry
	service *pilotjob.Service
	handler http.Handler
}

func (s *ServerSuite) SetUpTest(c *check.C) {
	s.reg = prometheus.NewRegistry()
	s.service, _ = pilotjob.CreateService(context.Background(), pilot.DefaultConfig(), pilotjob.Options{
		Drivers: backend.Drivers{
			pilot.BackendLocalGlidein:        &test.StubDriver{},
			pilot.BackendGridResourceManager: &test.StubDriver{AcquireError: errors.New("queue closed")},
		},
		Registry:   s.reg,
		Logger:     ctxlog.TestLogger(c),
		ManualPoll: true,
	}, []pilot.PilotJobSpec{
		{Backend: pilot.BackendLocalGlidein, Resource: "fork://localhost", Cores: 3},
		{Backend: pilot.BackendGridResourceManager, Resource: "lsf://head/normal"},
	})
	_, err := s.service.Submit(context.Background(), pilot.SubJobSpec{Executable: "/bin/date"})
	c.Assert(err, check.IsNil)
	s.handler = NewHandler(s.service, s.reg, "secret", ctxlog.TestLogger(c))
}

func (s *ServerSuite) TearDownTest(c *check.C) {
	s.service.Close(context.Background())
}

func (s *ServerSuite) get(path, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest("GET", path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp := httptest.NewRecorder()
	s.handler.ServeHTTP(resp, req)
	return resp
}

func (s *ServerSuite) TestSummary(c *check.C) {
	resp := s.get("/_health/summary", "secret")
	c.Assert(resp.Code, check.Equals, http.StatusOK)
	var body struct {
		Health string
		Report Report
	}
	c.Assert(json.Unmarshal(resp.Body.Bytes(), &body), check.IsNil)
	c.Check(body.Health, check.Equals, "OK")
	c.Check(body.Report.ServiceID, check.Equals, s.service.ID())
	c.Check(body.Report.Capacity, check.Equals, 3)
	c.Check(body.Report.SubJobs["Queued"], check.Equals, 1)
	c.Assert(body.Report.Pilots, check.HasLen, 2)
	states := map[string]string{}
	for _, pr := range body.Report.Pilots {
		states[pr.Backend] = pr.State
		if pr.State == "Failed" {
			c.Check(pr.Error, check.Matches, `.*queue closed.*`)
		}
	}
	c.Check(states, check.DeepEquals, map[string]string{
		"local-glidein":         "Running",
		"grid-resource-manager": "Failed",
	})
}

func (s *ServerSuite) TestHealthChecks(c *check.C) {
	c.Check(s.get("/_health/ping", "secret").Body.String(), check.Equals, `{"health":"OK"}`+"\n")
	c.Check(s.get("/_health/capacity", "secret").Body.String(), check.Equals, `{"health":"OK"}`+"\n")
	c.Check(s.get("/_health/ping", "").Code, check.Equals, http.StatusUnauthorized)
	c.Check(s.get("/_health/ping", "wrong").Code, check.Equals, http.StatusForbidden)
	c.Check(s.get("/_health/bogus", "secret").Code, check.Equals, http.StatusNotFound)

	c.Assert(s.service.CancelAll(context.Background()), check.IsNil)
	var body map[string]string
	c.Assert(json.Unmarshal(s.get("/_health/capacity", "secret").Body.Bytes(), &body), check.IsNil)
	c.Check(body, check.DeepEquals, map[string]string{"health": "ERROR", "error": "no running pilot jobs"})
}

func (s *ServerSuite) TestMetrics(c *check.C) {
	c.Check(s.get("/metrics", "").Code, check.Equals, http.StatusUnauthorized)
	resp := s.get("/metrics", "secret")
	c.Assert(resp.Code, check.Equals, http.StatusOK)
	c.Check(resp.Body.String(), check.Matches, `(?ms).*^pilotjob_pilots{state="Running"} 1$.*`)
	c.Check(resp.Body.String(), check.Matches, `(?ms).*^pilotjob_pilots{state="Failed"} 1$.*`)
	c.Check(resp.Body.String(), check.Matches, `(?ms).*^pilotjob_submit_total{result="ok"} 1$.*`)
	c.Check(s.get("/nonexistent", "secret").Code, check.Equals, http.StatusNotFound)
}
