// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package pilot

import (
	"context"
	"errors"
	"fmt"

	check "gopkg.in/check.v1"
)

var _ = check.Suite(&ErrorSuite{})

type ErrorSuite struct{}

func (*ErrorSuite) TestIsAndUnwrap(c *check.C) {
	err := NewError(ErrTimeout, "start", "pj-x", context.DeadlineExceeded)
	c.Check(errors.Is(err, ErrTimeout), check.Equals, true)
	c.Check(errors.Is(err, ErrNoSuccess), check.Equals, false)
	c.Check(errors.Is(err, context.DeadlineExceeded), check.Equals, true)
	c.Check(err.Error(), check.Equals, "start pj-x: timeout: context deadline exceeded")

	wrapped := fmt.Errorf("while doing things: %w", err)
	c.Check(errors.Is(wrapped, ErrTimeout), check.Equals, true)
	var perr *Error
	c.Check(errors.As(wrapped, &perr), check.Equals, true)
	c.Check(perr.Op, check.Equals, "start")
}

func (*ErrorSuite) TestKindOf(c *check.C) {
	c.Check(KindOf(Errorf(ErrNoCapacity, "submit", "", "no running pilots")), check.Equals, ErrNoCapacity)
	c.Check(KindOf(errors.New("plain")), check.IsNil)
	c.Check(KindOf(nil), check.IsNil)
}

func (*ErrorSuite) TestIDs(c *check.C) {
	pid, sid := NewPilotID(), NewSubJobID()
	c.Check(IsPilotID(pid), check.Equals, true)
	c.Check(IsSubJobID(sid), check.Equals, true)
	c.Check(IsPilotID(sid), check.Equals, false)
	c.Check(IsSubJobID(pid), check.Equals, false)
	c.Check(IsPilotID(NewServiceID()), check.Equals, false)
	c.Check(NewSubJobID(), check.Not(check.Equals), sid)
}
