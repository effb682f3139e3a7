// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package pilot holds the types shared by pilot-job services,
// backends, and clients: pilot and sub-job descriptions, their state
// machines, the translation from backend-reported states, the error
// taxonomy, and service configuration.
//
// A pilot job is a long-lived reservation of compute capacity on a
// backend (a local glidein pool, a cloud worker-role deployment, or a
// grid resource manager allocation). Many sub-jobs are multiplexed
// onto a pilot job without going back to the underlying scheduler for
// each one.
package pilot
