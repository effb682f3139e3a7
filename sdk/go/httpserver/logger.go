// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package httpserver

import (
	"net/http"
	"time"

	"github.com/all3bar/saga-cpp-legacy-projects/sdk/go/ctxlog"
	"github.com/sirupsen/logrus"
)

// LogRequests wraps an http.Handler, logging each response via
// logger. The request context carries a logger with the request's
// fields, available to h via ctxlog.FromContext.
func LogRequests(logger logrus.FieldLogger, h http.Handler) http.Handler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return http.HandlerFunc(func(wrapped http.ResponseWriter, req *http.Request) {
		w := WrapResponseWriter(wrapped)
		lgr := logger.WithFields(logrus.Fields{
			"RequestID":  req.Header.Get("X-Request-Id"),
			"remoteAddr": req.RemoteAddr,
			"reqMethod":  req.Method,
			"reqPath":    req.URL.Path,
			"reqQuery":   req.URL.RawQuery,
		})
		req = req.WithContext(ctxlog.Context(req.Context(), lgr))
		t0 := time.Now()
		h.ServeHTTP(w, req)
		code := w.WroteStatus()
		if code == 0 {
			code = http.StatusOK
		}
		lgr = lgr.WithFields(logrus.Fields{
			"timeTotal":      time.Since(t0).Seconds(),
			"respStatusCode": code,
			"respStatus":     http.StatusText(code),
			"respBytes":      w.WroteBodyBytes(),
		})
		if code >= 500 {
			lgr.Warn("response")
		} else {
			lgr.Debug("response")
		}
	})
}
