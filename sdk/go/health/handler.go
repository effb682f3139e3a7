// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package health serves authenticated health checks for the
// pilot-job management listener.
package health

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"

	"github.com/julienschmidt/httprouter"
)

// Func is a health-check function: it returns nil when healthy, an
// error when not.
type Func func() error

// ReportFunc returns a JSON-encodable snapshot (e.g., per-state
// counts) to include in a healthy response.
type ReportFunc func() interface{}

// Routes is a map of check name to health-check function.
type Routes map[string]Func

// Handler is an http.Handler that responds to authenticated
// health-check requests with JSON responses like {"health":"OK"} or
// {"health":"ERROR","error":"error text"}.
//
// Fields of a Handler should not be changed after the Handler is
// first used.
type Handler struct {
	setupOnce sync.Once
	router    *httprouter.Router

	// Authentication token. If empty, all requests will return 404.
	Token string

	// Route prefix, typically "/_health/".
	Prefix string

	// Routes["foo"] is the health check invoked by a request to
	// "{Prefix}foo". If "ping" is not listed here, it is added
	// automatically and always returns a healthy response.
	Routes Routes

	// Reports["foo"] is served at "{Prefix}foo" as
	// {"health":"OK","report":...}.
	Reports map[string]ReportFunc

	// If non-nil, Log is called after handling each request. The
	// error argument is nil if the request was successfully
	// authenticated and served, even if the health check itself
	// failed.
	Log func(*http.Request, error)
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.setupOnce.Do(h.setup)
	h.router.ServeHTTP(w, r)
}

func (h *Handler) setup() {
	h.router = httprouter.New()
	h.router.RedirectTrailingSlash = false
	h.router.RedirectFixedPath = false
	h.router.HandleMethodNotAllowed = false
	prefix := h.Prefix
	if !strings.HasSuffix(prefix, "/") {
		prefix = prefix + "/"
	}
	for name, fn := range h.Routes {
		fn := fn
		h.router.Handler(http.MethodGet, prefix+name, h.authenticated(func(w http.ResponseWriter) error {
			return writeCheck(w, fn())
		}))
	}
	if _, ok := h.Routes["ping"]; !ok {
		h.router.Handler(http.MethodGet, prefix+"ping", h.authenticated(func(w http.ResponseWriter) error {
			return writeCheck(w, nil)
		}))
	}
	for name, fn := range h.Reports {
		if _, dup := h.Routes[name]; dup || name == "ping" {
			continue
		}
		fn := fn
		h.router.Handler(http.MethodGet, prefix+name, h.authenticated(func(w http.ResponseWriter) error {
			w.Header().Set("Content-Type", "application/json")
			return json.NewEncoder(w).Encode(map[string]interface{}{
				"health": "OK",
				"report": fn(),
			})
		}))
	}
}

var (
	healthyBody     = []byte(`{"health":"OK"}` + "\n")
	errNotFound     = errors.New(http.StatusText(http.StatusNotFound))
	errUnauthorized = errors.New(http.StatusText(http.StatusUnauthorized))
	errForbidden    = errors.New(http.StatusText(http.StatusForbidden))
)

func (h *Handler) authenticated(serve func(http.ResponseWriter) error) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var err error
		defer func() {
			if h.Log != nil {
				h.Log(r, err)
			}
		}()
		if h.Token == "" {
			http.Error(w, "disabled", http.StatusNotFound)
			err = errNotFound
		} else if ah := r.Header.Get("Authorization"); ah == "" {
			http.Error(w, "authorization required", http.StatusUnauthorized)
			err = errUnauthorized
		} else if ah != "Bearer "+h.Token {
			http.Error(w, "authorization error", http.StatusForbidden)
			err = errForbidden
		} else {
			err = serve(w)
		}
	})
}

func writeCheck(w http.ResponseWriter, checkErr error) error {
	w.Header().Set("Content-Type", "application/json")
	if checkErr == nil {
		_, err := w.Write(healthyBody)
		return err
	}
	return json.NewEncoder(w).Encode(map[string]string{
		"health": "ERROR",
		"error":  checkErr.Error(),
	})
}
