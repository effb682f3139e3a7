// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package pilotjob

import (
	"context"

	"github.com/all3bar/saga-cpp-legacy-projects/sdk/go/pilot"
)

// Stateful is implemented by objects that report a lifecycle state
// and diagnostic text.
type Stateful interface {
	State() pilot.PilotState
	StateDetail() string
}

// Cancelable is implemented by objects that can be canceled
// explicitly.
type Cancelable interface {
	Cancel(context.Context) error
}

var (
	_ Stateful   = (*PilotJob)(nil)
	_ Cancelable = (*PilotJob)(nil)
	_ Cancelable = (*SubJobHandle)(nil)
)
