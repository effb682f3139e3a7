// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package pilotjob

import (
	"github.com/all3bar/saga-cpp-legacy-projects/sdk/go/pilot"
	"github.com/prometheus/client_golang/prometheus"
)

// metrics methods are safe to call on a nil *metrics.
type metrics struct {
	pilots      *prometheus.GaugeVec
	subJobs     *prometheus.GaugeVec
	slots       prometheus.Gauge
	submits     *prometheus.CounterVec
	pollErrors  prometheus.Counter
	pollSeconds prometheus.Summary
}

func newMetrics(reg *prometheus.Registry) *metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &metrics{
		pilots: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "pilotjob",
			Name:      "pilots",
			Help:      "Number of pilot jobs in each state.",
		}, []string{"state"}),
		subJobs: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "pilotjob",
			Name:      "subjobs",
			Help:      "Number of registered sub-jobs in each state.",
		}, []string{"state"}),
		slots: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "pilotjob",
			Name:      "slots_total",
			Help:      "Total concurrent sub-job capacity of Running pilot jobs.",
		}),
		submits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pilotjob",
			Name:      "submit_total",
			Help:      "Sub-job submissions by result.",
		}, []string{"result"}),
		pollErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pilotjob",
			Name:      "poll_errors_total",
			Help:      "Failed backend status queries.",
		}),
		pollSeconds: prometheus.NewSummary(prometheus.SummaryOpts{
			Namespace:  "pilotjob",
			Name:       "poll_duration_seconds",
			Help:       "Time taken by each state poller cycle.",
			Objectives: map[float64]float64{0.5: 0.05, 0.9: 0.01, 0.99: 0.001},
		}),
	}
	m.pilots = register(reg, m.pilots)
	m.subJobs = register(reg, m.subJobs)
	m.slots = register(reg, m.slots)
	m.submits = register(reg, m.submits)
	m.pollErrors = register(reg, m.pollErrors)
	m.pollSeconds = register(reg, m.pollSeconds)
	for _, st := range pilot.AllPilotStates {
		m.pilots.WithLabelValues(string(st))
	}
	for _, st := range pilot.AllSubJobStates {
		m.subJobs.WithLabelValues(string(st))
	}
	return m
}

// register adds c to reg, or returns the equivalent collector if one
// is already registered (e.g., by an earlier service using the same
// registry).
func register[T prometheus.Collector](reg *prometheus.Registry, c T) T {
	err := reg.Register(c)
	if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
		if existing, ok := are.ExistingCollector.(T); ok {
			return existing
		}
	}
	if err != nil {
		panic(err)
	}
	return c
}

func (m *metrics) pilotAdded() {
	if m == nil {
		return
	}
	m.pilots.WithLabelValues(string(pilot.PilotNew)).Inc()
}

func (m *metrics) pilotStateChanged(prev, next pilot.PilotState) {
	if m == nil {
		return
	}
	m.pilots.WithLabelValues(string(prev)).Dec()
	m.pilots.WithLabelValues(string(next)).Inc()
}

// updateSubJobs sets the sub-job gauges from registry counts.
func (m *metrics) updateSubJobs(counts map[pilot.SubJobState]int) {
	if m == nil {
		return
	}
	for st, n := range counts {
		m.subJobs.WithLabelValues(string(st)).Set(float64(n))
	}
}

func (m *metrics) setSlots(n int) {
	if m == nil {
		return
	}
	m.slots.Set(float64(n))
}

func (m *metrics) submitted(result string) {
	if m == nil {
		return
	}
	m.submits.WithLabelValues(result).Inc()
}

func (m *metrics) pollFailed() {
	if m == nil {
		return
	}
	m.pollErrors.Inc()
}

func (m *metrics) pollDuration(seconds float64) {
	if m == nil {
		return
	}
	m.pollSeconds.Observe(seconds)
}
