// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package main

import (
	"os"

	"github.com/all3bar/saga-cpp-legacy-projects/lib/backend/workerrole"
	"github.com/all3bar/saga-cpp-legacy-projects/lib/cmd"
	"github.com/all3bar/saga-cpp-legacy-projects/lib/manyjob"
)

var handler = cmd.Multi(map[string]cmd.Handler{
	"version":      cmd.Version,
	"check-config": manyjob.CheckConfigCommand,
	"manyjob":      manyjob.Command,
	"worker-agent": workerrole.AgentCommand,
})

func main() {
	os.Exit(cmd.WithLateSubcommand(handler, []string{"config"}, nil).RunCommand(os.Args[0], os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}
