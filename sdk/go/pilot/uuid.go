// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package pilot

import (
	"strings"

	"github.com/google/uuid"
)

// Identifier prefixes. Pilot jobs and sub-jobs live in different
// namespaces so an id of one can never be mistaken for the other.
const (
	ServicePrefix = "pjs-"
	PilotPrefix   = "pj-"
	SubJobPrefix  = "sj-"
)

// NewServiceID returns a new random pilot-job service id.
func NewServiceID() string { return ServicePrefix + uuid.NewString() }

// NewPilotID returns a new random pilot job id.
func NewPilotID() string { return PilotPrefix + uuid.NewString() }

// NewSubJobID returns a new random sub-job id.
func NewSubJobID() string { return SubJobPrefix + uuid.NewString() }

// IsSubJobID returns true if id has the sub-job prefix and a
// well-formed uuid.
func IsSubJobID(id string) bool {
	return hasUUIDSuffix(id, SubJobPrefix)
}

// IsPilotID returns true if id has the pilot job prefix and a
// well-formed uuid.
func IsPilotID(id string) bool {
	return hasUUIDSuffix(id, PilotPrefix)
}

func hasUUIDSuffix(id, prefix string) bool {
	if !strings.HasPrefix(id, prefix) {
		return false
	}
	_, err := uuid.Parse(id[len(prefix):])
	return err == nil
}
