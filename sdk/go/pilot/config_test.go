// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package pilot

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	check "gopkg.in/check.v1"
)

var _ = check.Suite(&ConfigSuite{})

type ConfigSuite struct{}

func (*ConfigSuite) TestDefaults(c *check.C) {
	cfg := DefaultConfig()
	c.Check(cfg.PollIntervalOrDefault(), check.Equals, 5*time.Second)
	c.Check(cfg.BackendTimeoutOrDefault(), check.Equals, time.Minute)
	c.Check(cfg.StartTimeoutOrDefault(), check.Equals, 10*time.Minute)
	c.Check(cfg.Glidein.Shell, check.Equals, "/bin/sh")
	c.Check(cfg.GridRM.KillCommand, check.DeepEquals, []string{"bkill"})
	c.Check(cfg.GridRM.SubmitArguments[0], check.Equals, "bsub")
	c.Check(cfg.GridRM.SubJobArguments, check.HasLen, 0)
	c.Check(cfg.GridRM.StatusCommand[:2], check.DeepEquals, []string{"bjobs", "-a"})
	c.Check(cfg.Resources, check.HasLen, 0)
}

func (*ConfigSuite) TestLoadOverrides(c *check.C) {
	cfg, err := Load(strings.NewReader(`
PollInterval: 250ms
GridRM:
  KillCommand: [scancel]
Credentials:
  loni:
    proxy: /tmp/x509up_u1000
Resources:
  - Backend: grid-resource-manager
    Resource: lsf://qb1.loni.org/workq
    Cores: 64
    WallTime: 1h
    Queue: workq
    CredentialRef: loni
  - Backend: local-glidein
    Resource: fork://localhost
    Cores: 4
    WorkingDirectory: /tmp/pilot
`))
	c.Assert(err, check.IsNil)
	c.Check(cfg.PollIntervalOrDefault(), check.Equals, 250*time.Millisecond)
	c.Check(cfg.BackendTimeoutOrDefault(), check.Equals, time.Minute)
	c.Check(cfg.GridRM.KillCommand, check.DeepEquals, []string{"scancel"})
	c.Check(cfg.GridRM.StatusCommand[0], check.Equals, "bjobs")
	c.Check(cfg.Credentials["loni"]["proxy"], check.Equals, "/tmp/x509up_u1000")
	c.Assert(cfg.Resources, check.HasLen, 2)
	c.Check(cfg.Resources[0].Backend, check.Equals, BackendGridResourceManager)
	c.Check(cfg.Resources[0].WallTime.Duration(0), check.Equals, time.Hour)
	c.Check(cfg.Resources[0].Slots(), check.Equals, 64)
	c.Check(cfg.Resources[1].WorkingDirectory, check.Equals, "/tmp/pilot")
}

func (*ConfigSuite) TestLoadErrors(c *check.C) {
	_, err := Load(strings.NewReader("PollInterval: 5\n"))
	c.Check(err, check.ErrorMatches, `.*duration must be given as a string.*`)

	_, err = Load(strings.NewReader("Resources:\n  - Backend: carrier-pigeon\n    Resource: x\n"))
	c.Check(err, check.ErrorMatches, `Resources\[0\]: unsupported backend kind "carrier-pigeon"`)

	_, err = Load(strings.NewReader("Resources:\n  - Backend: local-glidein\n"))
	c.Check(err, check.ErrorMatches, `Resources\[0\]: resource identifier is required`)
}

func (*ConfigSuite) TestLoadFile(c *check.C) {
	path := filepath.Join(c.MkDir(), "config.yml")
	c.Assert(os.WriteFile(path, []byte("StartTimeout: 2s\n"), 0600), check.IsNil)
	cfg, err := LoadFile(path)
	c.Assert(err, check.IsNil)
	c.Check(cfg.StartTimeoutOrDefault(), check.Equals, 2*time.Second)

	_, err = LoadFile(filepath.Join(c.MkDir(), "missing.yml"))
	c.Check(err, check.NotNil)
}
