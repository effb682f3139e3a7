// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package backend

import (
	"context"
	"errors"
	"time"

	"github.com/all3bar/saga-cpp-legacy-projects/sdk/go/pilot"
)

// Call runs fn with a context that expires after timeout (if
// timeout > 0) and returns fn's error, classified:
//
// If the deadline passes before fn returns, Call returns an
// ErrTimeout error immediately, without waiting for fn. Any other
// failure is returned as ErrNoSuccess with fn's error as the
// cause. Errors that already carry a pilot error kind are returned
// unchanged.
func Call(ctx context.Context, timeout time.Duration, op, id string, fn func(context.Context) error) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	done := make(chan error, 1)
	go func() {
		done <- fn(ctx)
	}()
	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		// fn might have finished at the same moment.
		select {
		case err = <-done:
		default:
			err = ctx.Err()
		}
	}
	return classify(err, op, id)
}

func classify(err error, op, id string) error {
	switch {
	case err == nil:
		return nil
	case pilot.KindOf(err) != nil:
		return err
	case errors.Is(err, context.DeadlineExceeded):
		return pilot.NewError(pilot.ErrTimeout, op, id, err)
	default:
		return pilot.NewError(pilot.ErrNoSuccess, op, id, err)
	}
}
