// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package pilotjob

import (
	"github.com/all3bar/saga-cpp-legacy-projects/lib/backend"
	"github.com/all3bar/saga-cpp-legacy-projects/lib/backend/glidein"
	"github.com/all3bar/saga-cpp-legacy-projects/lib/backend/gridrm"
	"github.com/all3bar/saga-cpp-legacy-projects/lib/backend/workerrole"
	"github.com/all3bar/saga-cpp-legacy-projects/sdk/go/pilot"
)

// DefaultDrivers returns the built-in backend drivers, configured
// from cfg.
func DefaultDrivers(cfg *pilot.Config) backend.Drivers {
	return backend.Drivers{
		pilot.BackendLocalGlidein:        glidein.NewDriver(cfg.Glidein),
		pilot.BackendGridResourceManager: gridrm.NewDriver(cfg.GridRM),
		pilot.BackendCloudWorkerRole:     workerrole.NewDriver(cfg.WorkerRole),
	}
}

// DefaultCredentials returns a provider that looks up credentials in
// cfg.Credentials first, then in PILOTJOB_CRED_* environment
// variables.
func DefaultCredentials(cfg *pilot.Config) backend.CredentialProvider {
	return backend.ChainCredentials{
		backend.StaticCredentials(cfg.Credentials),
		backend.EnvCredentials{},
	}
}
