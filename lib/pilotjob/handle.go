// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package pilotjob

import (
	"context"

	"github.com/all3bar/saga-cpp-legacy-projects/sdk/go/pilot"
)

// SubJobHandle is the client's reference to a submitted sub-job.
type SubJobHandle struct {
	id       string
	pilotID  string
	registry *Registry
	pilot    *PilotJob
}

// ID returns the sub-job id ("sj-...").
func (h *SubJobHandle) ID() string { return h.id }

// PilotID returns the id of the pilot job the sub-job was placed on.
func (h *SubJobHandle) PilotID() string { return h.pilotID }

// GetState returns the last known state. It returns
// SubJobUnknown and an ErrDoesNotExist error after Delete.
func (h *SubJobHandle) GetState() (pilot.SubJobState, error) {
	rec, err := h.registry.Get(h.id)
	if err != nil {
		return pilot.SubJobUnknown, err
	}
	return rec.State, nil
}

// Record returns a copy of the registry record.
func (h *SubJobHandle) Record() (SubJobRecord, error) {
	return h.registry.Get(h.id)
}

// Cancel sends a best-effort stop signal to the sub-job and marks it
// Canceled. Canceling a finished sub-job is a no-op.
func (h *SubJobHandle) Cancel(ctx context.Context) error {
	return h.pilot.cancelSubJob(ctx, h.id)
}

// Delete cancels the sub-job if it has not finished, then removes
// its record from the registry. If the cancel fails, the record is
// kept and the error is returned.
func (h *SubJobHandle) Delete(ctx context.Context) error {
	rec, err := h.registry.Get(h.id)
	if err != nil {
		return err
	}
	if !rec.State.IsTerminal() {
		if err := h.Cancel(ctx); err != nil {
			return err
		}
	}
	return h.registry.Remove(h.id)
}
