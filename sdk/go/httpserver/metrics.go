// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package httpserver

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// Instrument returns a handler that passes requests through to next
// and records their durations in registry.
//
// If registry is nil, a new registry is created.
func Instrument(registry *prometheus.Registry, next http.Handler) http.Handler {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	reqDuration := prometheus.NewSummaryVec(prometheus.SummaryOpts{
		Namespace: "pilotjob",
		Subsystem: "management",
		Name:      "request_duration_seconds",
		Help:      "Summary of management request duration.",
	}, []string{"code", "method"})
	if err := registry.Register(reqDuration); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			reqDuration = are.ExistingCollector.(*prometheus.SummaryVec)
		} else {
			panic(err)
		}
	}
	return promhttp.InstrumentHandlerDuration(reqDuration, next)
}

// MetricsHandler returns a handler that serves the metrics in
// registry in Prometheus text format, to clients that supply the
// given token.
func MetricsHandler(registry *prometheus.Registry, token string, logger logrus.FieldLogger) http.Handler {
	return RequireToken(token, promhttp.HandlerFor(registry, promhttp.HandlerOpts{
		ErrorLog: promLogger{logger},
	}))
}

type promLogger struct {
	logrus.FieldLogger
}

func (l promLogger) Println(v ...interface{}) {
	l.FieldLogger.Warnln(v...)
}
