// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package workerrole

import (
	"context"
	"flag"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/all3bar/saga-cpp-legacy-projects/lib/backend"
	"github.com/all3bar/saga-cpp-legacy-projects/lib/cmd"
	"github.com/all3bar/saga-cpp-legacy-projects/sdk/go/ctxlog"
	"github.com/all3bar/saga-cpp-legacy-projects/sdk/go/pilot"
	"github.com/aws/aws-sdk-go-v2/feature/ec2/imds"
	"github.com/sirupsen/logrus"
)

// AgentCommand runs a worker agent on a deployed instance. It is
// the program started by the bootstrap script that Acquire passes
// to each instance.
var AgentCommand cmd.Handler = agentCommand{}

type agentCommand struct{}

func (agentCommand) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	logger := ctxlog.New(stderr, "json", "info")
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	configPath := flags.String("config", "", "config file `path` with WorkerRole storage settings (optional)")
	app := flags.String("app", "", "application (pilot job) name")
	slots := flags.Int("slots", 1, "number of sub-jobs to run concurrently")
	index := flags.Int("index", -1, "this agent's position in the deployment (default: instance launch index)")
	bucket := flags.String("bucket", os.Getenv("PILOTJOB_BUCKET"), "storage bucket")
	pollInterval := flags.Duration("poll-interval", time.Second, "queue polling interval")
	if ok, code := cmd.ParseFlags(flags, prog, args, "", stderr); !ok {
		return code
	}
	if *app == "" {
		logger.Error("-app is required")
		return 2
	}
	cfg := pilot.DefaultConfig()
	if *configPath != "" {
		var err error
		cfg, err = pilot.LoadFile(*configPath)
		if err != nil {
			logger.WithError(err).Error("cannot load config")
			return 1
		}
		logger = ctxlog.New(stderr, cfg.Logging.Format, cfg.Logging.Level)
	}
	if *bucket != "" {
		cfg.WorkerRole.Bucket = *bucket
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	store, err := NewS3Store(ctx, cfg.WorkerRole, backend.Credential{})
	if err != nil {
		logger.WithError(err).Error("cannot set up storage")
		return 1
	}
	if *index < 0 {
		*index, err = launchIndex(ctx, imds.New(imds.Options{}))
		if err != nil {
			logger.WithError(err).Error("cannot get launch index from instance metadata")
			return 1
		}
	}
	agt := &Agent{
		Store:        store,
		App:          *app,
		Index:        *index,
		Slots:        *slots,
		PollInterval: *pollInterval,
		Logger: logger.WithFields(logrus.Fields{
			"App":    *app,
			"Index":  *index,
			"Bucket": cfg.WorkerRole.Bucket,
		}),
	}
	agt.Logger.Info("worker agent starting")
	if err := agt.Run(ctx); err != nil {
		agt.Logger.WithError(err).Error("worker agent stopped")
		return 1
	}
	return 0
}

// launchIndex returns the instance's launch index, which numbers
// the instances started by one RunInstances call from 0.
func launchIndex(ctx context.Context, client *imds.Client) (int, error) {
	out, err := client.GetMetadata(ctx, &imds.GetMetadataInput{Path: "ami-launch-index"})
	if err != nil {
		return 0, err
	}
	defer out.Content.Close()
	buf, err := io.ReadAll(out.Content)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(buf)))
}
