// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package pilotjob

import (
	"sort"
	"sync"
	"time"

	"github.com/all3bar/saga-cpp-legacy-projects/lib/backend"
	"github.com/all3bar/saga-cpp-legacy-projects/sdk/go/pilot"
)

// SubJobRecord is the registry's view of one sub-job.
type SubJobRecord struct {
	ID        string
	PilotID   string
	Spec      pilot.SubJobSpec
	State     pilot.SubJobState
	Ref       backend.JobRef
	CreatedAt time.Time
	UpdatedAt time.Time
	// Most recent remote status string or failure message.
	Detail string
}

// Registry maps sub-job ids to records. All methods are safe for
// concurrent use; records are returned by value, so callers cannot
// modify registry state except through Registry methods.
type Registry struct {
	mtx     sync.Mutex
	records map[string]*SubJobRecord
	notify  []chan struct{}
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{records: map[string]*SubJobRecord{}}
}

// Put adds a new record. It is an error to Put an id that is
// already present, or a record in an invalid state.
func (reg *Registry) Put(rec SubJobRecord) error {
	if !rec.State.Valid() {
		return pilot.Errorf(pilot.ErrInvalidTransition, "put", rec.ID, "cannot store state %q", rec.State)
	}
	now := time.Now()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = rec.CreatedAt
	}
	reg.mtx.Lock()
	defer reg.mtx.Unlock()
	if _, exists := reg.records[rec.ID]; exists {
		return pilot.Errorf(pilot.ErrIncorrectState, "put", rec.ID, "already registered")
	}
	reg.records[rec.ID] = &rec
	reg.notifyLocked()
	return nil
}

// Get returns the record with the given id.
func (reg *Registry) Get(id string) (SubJobRecord, error) {
	reg.mtx.Lock()
	defer reg.mtx.Unlock()
	rec, ok := reg.records[id]
	if !ok {
		return SubJobRecord{}, pilot.NewError(pilot.ErrDoesNotExist, "get", id, nil)
	}
	return *rec, nil
}

// UpdateState moves a record to a new state. It returns an
// ErrInvalidTransition error, and leaves the record unchanged, if
// the move is not allowed (see pilot.SubJobState.CanTransition).
// Updating to the current state only refreshes detail.
func (reg *Registry) UpdateState(id string, state pilot.SubJobState, detail string) (SubJobRecord, error) {
	reg.mtx.Lock()
	defer reg.mtx.Unlock()
	rec, ok := reg.records[id]
	if !ok {
		return SubJobRecord{}, pilot.NewError(pilot.ErrDoesNotExist, "update_state", id, nil)
	}
	if !rec.State.CanTransition(state) {
		return *rec, pilot.Errorf(pilot.ErrInvalidTransition, "update_state", id, "%s -> %s", rec.State, state)
	}
	if detail != "" {
		rec.Detail = detail
	}
	if rec.State != state {
		rec.State = state
		rec.UpdatedAt = time.Now()
		reg.notifyLocked()
	}
	return *rec, nil
}

// SetRef records the backend reference of a dispatched sub-job.
func (reg *Registry) SetRef(id string, ref backend.JobRef) error {
	reg.mtx.Lock()
	defer reg.mtx.Unlock()
	rec, ok := reg.records[id]
	if !ok {
		return pilot.NewError(pilot.ErrDoesNotExist, "set_ref", id, nil)
	}
	rec.Ref = ref
	return nil
}

// Remove deletes a record.
func (reg *Registry) Remove(id string) error {
	reg.mtx.Lock()
	defer reg.mtx.Unlock()
	if _, ok := reg.records[id]; !ok {
		return pilot.NewError(pilot.ErrDoesNotExist, "remove", id, nil)
	}
	delete(reg.records, id)
	reg.notifyLocked()
	return nil
}

// ListByPilot returns the records owned by the given pilot, oldest
// first.
func (reg *Registry) ListByPilot(pilotID string) []SubJobRecord {
	return reg.list(func(rec *SubJobRecord) bool { return rec.PilotID == pilotID })
}

// List returns all records, oldest first.
func (reg *Registry) List() []SubJobRecord {
	return reg.list(func(*SubJobRecord) bool { return true })
}

func (reg *Registry) list(match func(*SubJobRecord) bool) []SubJobRecord {
	reg.mtx.Lock()
	var recs []SubJobRecord
	for _, rec := range reg.records {
		if match(rec) {
			recs = append(recs, *rec)
		}
	}
	reg.mtx.Unlock()
	sort.Slice(recs, func(i, j int) bool {
		if recs[i].CreatedAt.Equal(recs[j].CreatedAt) {
			return recs[i].ID < recs[j].ID
		}
		return recs[i].CreatedAt.Before(recs[j].CreatedAt)
	})
	return recs
}

// MarkOrphanedForPilot moves every non-terminal record owned by the
// given pilot to Orphaned, and returns the number of records
// changed.
func (reg *Registry) MarkOrphanedForPilot(pilotID string) int {
	reg.mtx.Lock()
	defer reg.mtx.Unlock()
	n := 0
	now := time.Now()
	for _, rec := range reg.records {
		if rec.PilotID != pilotID || rec.State.IsTerminal() {
			continue
		}
		rec.State = pilot.SubJobOrphaned
		rec.UpdatedAt = now
		rec.Detail = "pilot removed before sub-job finished"
		n++
	}
	if n > 0 {
		reg.notifyLocked()
	}
	return n
}

// Counts returns the number of records in each state.
func (reg *Registry) Counts() map[pilot.SubJobState]int {
	reg.mtx.Lock()
	defer reg.mtx.Unlock()
	counts := make(map[pilot.SubJobState]int, len(pilot.AllSubJobStates))
	for _, st := range pilot.AllSubJobStates {
		counts[st] = 0
	}
	for _, rec := range reg.records {
		counts[rec.State]++
	}
	return counts
}

// Subscribe returns a buffered channel that becomes ready after any
// change to the registry.
func (reg *Registry) Subscribe() <-chan struct{} {
	ch := make(chan struct{}, 1)
	reg.mtx.Lock()
	reg.notify = append(reg.notify, ch)
	reg.mtx.Unlock()
	return ch
}

// Unsubscribe stops sending updates to the given channel.
func (reg *Registry) Unsubscribe(ch <-chan struct{}) {
	reg.mtx.Lock()
	defer reg.mtx.Unlock()
	for i, c := range reg.notify {
		if c == ch {
			reg.notify = append(reg.notify[:i], reg.notify[i+1:]...)
			return
		}
	}
}

func (reg *Registry) notifyLocked() {
	for _, ch := range reg.notify {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
