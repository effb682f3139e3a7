// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package httpserver provides the plumbing for the pilot-job
// management listener: a restartable server, request IDs, request
// logging, and token-protected metrics.
package httpserver

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Server is an http.Server whose listening address is known as soon
// as Start returns, which makes listening on ":0" useful in tests.
type Server struct {
	http.Server
	Addr string // host:port where the server is listening.

	mtx      sync.Mutex
	listener net.Listener
	done     chan struct{}
	err      error
}

// Start listens on srv.Addr and serves requests in a background
// goroutine. On return, srv.Addr is the actual listening address.
func (srv *Server) Start() error {
	ln, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		return err
	}
	srv.mtx.Lock()
	srv.listener = ln
	srv.Addr = ln.Addr().String()
	srv.done = make(chan struct{})
	srv.mtx.Unlock()
	go func() {
		err := srv.Serve(ln)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		srv.mtx.Lock()
		srv.err = err
		srv.mtx.Unlock()
		close(srv.done)
	}()
	return nil
}

// Close stops accepting connections, waits up to the given grace
// period for active requests to finish, and returns when the server
// has stopped.
func (srv *Server) Close(grace time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		srv.Server.Close()
	}
	return srv.Wait()
}

// Wait returns when the server has shut down. It returns nil if
// Start was never called.
func (srv *Server) Wait() error {
	srv.mtx.Lock()
	done := srv.done
	srv.mtx.Unlock()
	if done == nil {
		return nil
	}
	<-done
	srv.mtx.Lock()
	defer srv.mtx.Unlock()
	return srv.err
}

// AddRequestIDs wraps an http.Handler, adding an X-Request-Id header
// to each request that doesn't already have one.
func AddRequestIDs(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.Header.Get("X-Request-Id") == "" {
			req.Header.Set("X-Request-Id", "req-"+uuid.NewString())
		}
		h.ServeHTTP(w, req)
	})
}
