// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package manyjob

import (
	"errors"
	"net/http"
	"sort"

	"github.com/all3bar/saga-cpp-legacy-projects/lib/pilotjob"
	"github.com/all3bar/saga-cpp-legacy-projects/sdk/go/health"
	"github.com/all3bar/saga-cpp-legacy-projects/sdk/go/httpserver"
	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// PilotReport is the management view of one pilot job.
type PilotReport struct {
	ID       string `json:"id"`
	Backend  string `json:"backend"`
	Resource string `json:"resource"`
	State    string `json:"state"`
	Detail   string `json:"detail,omitempty"`
	Slots    int    `json:"slots"`
	Error    string `json:"error,omitempty"`
}

// Report is served at /_health/summary.
type Report struct {
	ServiceID string         `json:"service_id"`
	Capacity  int            `json:"capacity"`
	Pilots    []PilotReport  `json:"pilots"`
	SubJobs   map[string]int `json:"subjobs"`
}

func report(svc *pilotjob.Service) Report {
	rpt := Report{
		ServiceID: svc.ID(),
		Capacity:  svc.Capacity(),
		SubJobs:   map[string]int{},
	}
	for _, pj := range svc.ListResources() {
		pr := PilotReport{
			ID:       pj.ID(),
			Backend:  string(pj.Spec().Backend),
			Resource: pj.Spec().Resource,
			State:    string(pj.State()),
			Detail:   pj.StateDetail(),
			Slots:    pj.Slots(),
		}
		if err := pj.Err(); err != nil {
			pr.Error = err.Error()
		}
		rpt.Pilots = append(rpt.Pilots, pr)
	}
	sort.Slice(rpt.Pilots, func(i, j int) bool { return rpt.Pilots[i].ID < rpt.Pilots[j].ID })
	for state, n := range svc.Summary() {
		rpt.SubJobs[string(state)] = n
	}
	return rpt
}

// NewHandler returns the management API for svc: Prometheus metrics
// at /metrics, and health checks under /_health/. Both require the
// management token.
func NewHandler(svc *pilotjob.Service, reg *prometheus.Registry, token string, logger logrus.FieldLogger) http.Handler {
	hh := &health.Handler{
		Token:  token,
		Prefix: "/_health/",
		Routes: health.Routes{
			"capacity": func() error {
				if svc.Capacity() == 0 {
					return errors.New("no running pilot jobs")
				}
				return nil
			},
		},
		Reports: map[string]health.ReportFunc{
			"summary": func() interface{} { return report(svc) },
		},
		Log: func(req *http.Request, err error) {
			if err != nil {
				logger.WithError(err).WithField("reqPath", req.URL.Path).Info("health check request rejected")
			}
		},
	}
	router := httprouter.New()
	router.Handler(http.MethodGet, "/metrics", httpserver.MetricsHandler(reg, token, logger))
	router.Handler(http.MethodGet, "/_health/:check", hh)
	return httpserver.AddRequestIDs(httpserver.LogRequests(logger, httpserver.Instrument(reg, router)))
}
