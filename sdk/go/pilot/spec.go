// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package pilot

import (
	"fmt"
	"strings"
)

// BackendKind identifies a resource-provisioning mechanism.
type BackendKind string

const (
	BackendLocalGlidein        BackendKind = "local-glidein"
	BackendCloudWorkerRole     BackendKind = "cloud-worker-role"
	BackendGridResourceManager BackendKind = "grid-resource-manager"
)

var validBackendKind = map[BackendKind]bool{
	BackendLocalGlidein:        true,
	BackendCloudWorkerRole:     true,
	BackendGridResourceManager: true,
}

// Valid returns true if k is one of the known backend kinds.
func (k BackendKind) Valid() bool {
	return validBackendKind[k]
}

// PilotJobSpec describes the capacity requested from a backend. It is
// passed by value and never modified after submission.
type PilotJobSpec struct {
	Backend BackendKind

	// Target resource, e.g., "lsf://login1.example/normal" or
	// "fork://localhost".
	Resource string

	Nodes            int
	Cores            int
	WorkingDirectory string
	WallTime         Duration

	// Passed through to backends that understand them (grid
	// resource managers).
	Queue   string
	Project string

	// Name of a credential to resolve through a
	// CredentialProvider. Empty means no credential.
	CredentialRef string
}

// Validate checks the fields the pilot-job core relies on. It does
// not attempt backend-specific validation.
func (spec PilotJobSpec) Validate() error {
	if !spec.Backend.Valid() {
		return fmt.Errorf("unsupported backend kind %q", spec.Backend)
	}
	if strings.TrimSpace(spec.Resource) == "" {
		return fmt.Errorf("resource identifier is required")
	}
	if spec.Nodes < 0 || spec.Cores < 0 {
		return fmt.Errorf("negative node/core count (nodes=%d, cores=%d)", spec.Nodes, spec.Cores)
	}
	if spec.WallTime < 0 {
		return fmt.Errorf("negative wall time %s", spec.WallTime)
	}
	return nil
}

// Slots returns the number of sub-jobs the pilot is expected to run
// concurrently: Cores if given, otherwise Nodes, and at least 1.
func (spec PilotJobSpec) Slots() int {
	if spec.Cores > 0 {
		return spec.Cores
	}
	if spec.Nodes > 0 {
		return spec.Nodes
	}
	return 1
}

// SubJobSpec describes one unit of work to run on a pilot job.
type SubJobSpec struct {
	Executable       string            `json:"executable"`
	Arguments        []string          `json:"arguments,omitempty"`
	WorkingDirectory string            `json:"working_directory,omitempty"`
	Output           string            `json:"output,omitempty"`
	Error            string            `json:"error,omitempty"`
	Environment      map[string]string `json:"environment,omitempty"`

	// Resource hints.
	NumberOfProcesses int    `json:"number_of_processes,omitempty"`
	SPMDVariation     string `json:"spmd_variation,omitempty"`
}

// Validate returns an error if the sub-job cannot be dispatched at
// all.
func (spec SubJobSpec) Validate() error {
	if strings.TrimSpace(spec.Executable) == "" {
		return fmt.Errorf("executable is required")
	}
	if spec.NumberOfProcesses < 0 {
		return fmt.Errorf("negative process count %d", spec.NumberOfProcesses)
	}
	return nil
}

// Processes returns NumberOfProcesses, or 1 if it is not set.
func (spec SubJobSpec) Processes() int {
	if spec.NumberOfProcesses > 0 {
		return spec.NumberOfProcesses
	}
	return 1
}
