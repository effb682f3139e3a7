// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package backend

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/all3bar/saga-cpp-legacy-projects/sdk/go/pilot"
	"github.com/sirupsen/logrus"
)

// Throttle suspends calls of one kind after a backend returns a
// RateLimitError. The zero value is ready to use.
type Throttle struct {
	err   error
	until time.Time
	mtx   sync.Mutex
}

// CheckRateLimitError checks whether the given error is a
// RateLimitError, and if so, ensures Error() returns a non-nil error
// until the rate limiting holdoff period expires.
func (thr *Throttle) CheckRateLimitError(err error, logger logrus.FieldLogger, callType string) {
	var rle RateLimitError
	if !errors.As(err, &rle) {
		return
	}
	until := rle.EarliestRetry()
	if !until.After(time.Now()) {
		return
	}
	dur := time.Until(until)
	logger.WithFields(logrus.Fields{
		"CallType": callType,
		"Duration": dur,
		"ResumeAt": until,
	}).Info("suspending backend calls due to rate-limit error")
	thr.ErrorUntil(fmt.Errorf("backend calls are suspended for %s, until %s", dur, until), until)
}

// ErrorUntil makes Error() return err until the given time.
func (thr *Throttle) ErrorUntil(err error, until time.Time) {
	thr.mtx.Lock()
	defer thr.mtx.Unlock()
	thr.err, thr.until = err, until
}

// Error returns the current suspension error, or nil.
func (thr *Throttle) Error() error {
	thr.mtx.Lock()
	defer thr.mtx.Unlock()
	if thr.err != nil && time.Now().After(thr.until) {
		thr.err = nil
	}
	return thr.err
}

// ThrottledHandle wraps a Handle so Dispatch and PollStatus calls
// fail fast with ErrNoSuccess while the backend is rate-limiting
// them. Acquire, Release, and Signal are never suppressed.
type ThrottledHandle struct {
	Handle
	Logger logrus.FieldLogger

	throttleDispatch Throttle
	throttlePoll     Throttle
}

func (th *ThrottledHandle) Dispatch(ctx context.Context, subJobID string, spec pilot.SubJobSpec) (JobRef, error) {
	if err := th.throttleDispatch.Error(); err != nil {
		return "", pilot.NewError(pilot.ErrNoSuccess, "dispatch", subJobID, err)
	}
	ref, err := th.Handle.Dispatch(ctx, subJobID, spec)
	th.throttleDispatch.CheckRateLimitError(err, th.logger(), "Dispatch")
	return ref, err
}

func (th *ThrottledHandle) PollStatus(ctx context.Context, ref JobRef) (pilot.RemoteState, error) {
	if err := th.throttlePoll.Error(); err != nil {
		return "", pilot.NewError(pilot.ErrNoSuccess, "poll_status", string(ref), err)
	}
	st, err := th.Handle.PollStatus(ctx, ref)
	th.throttlePoll.CheckRateLimitError(err, th.logger(), "PollStatus")
	return st, err
}

func (th *ThrottledHandle) logger() logrus.FieldLogger {
	if th.Logger == nil {
		return logrus.StandardLogger()
	}
	return th.Logger
}
