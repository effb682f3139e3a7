// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package pilot

import (
	"errors"
	"fmt"
)

// Error kinds. Use errors.Is to test for them; the concrete error is
// usually an *Error carrying the failed operation and its cause.
var (
	// A backend call exceeded its deadline. Retryable.
	ErrTimeout = errors.New("timeout")
	// A backend reported failure. Not automatically retryable.
	ErrNoSuccess = errors.New("no success")
	// The operation is not valid in the current state.
	ErrIncorrectState = errors.New("incorrect state")
	// No pilot is Running. Back off, or add resources.
	ErrNoCapacity = errors.New("no capacity")
	// The registry rejected a non-monotonic state update.
	ErrInvalidTransition = errors.New("invalid transition")
	// Lookup miss.
	ErrDoesNotExist = errors.New("does not exist")
)

var errorKinds = []error{
	ErrTimeout,
	ErrNoSuccess,
	ErrIncorrectState,
	ErrNoCapacity,
	ErrInvalidTransition,
	ErrDoesNotExist,
}

// Error is returned by pilot-job operations.
type Error struct {
	Kind error  // one of the Err* kinds above
	Op   string // e.g., "start", "submit_job"
	ID   string // pilot or sub-job id, if applicable
	Err  error  // underlying cause, if any
}

func (e *Error) Error() string {
	s := e.Op
	if e.ID != "" {
		s += " " + e.ID
	}
	s += ": " + e.Kind.Error()
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

// Is reports whether target is e's kind.
func (e *Error) Is(target error) bool {
	return target == e.Kind
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// NewError returns an *Error of the given kind.
func NewError(kind error, op, id string, cause error) *Error {
	return &Error{Kind: kind, Op: op, ID: id, Err: cause}
}

// Errorf returns an *Error of the given kind whose cause is a
// formatted message.
func Errorf(kind error, op, id string, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Op: op, ID: id, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the error kind of err, or nil if err does not match
// any known kind.
func KindOf(err error) error {
	for _, kind := range errorKinds {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return nil
}
