// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package manyjob implements the pilotjob command line tools: a
// config checker, and a driver that runs many copies of one sub-job
// across the pilot jobs listed in the config file.
package manyjob

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/all3bar/saga-cpp-legacy-projects/lib/cmd"
	"github.com/all3bar/saga-cpp-legacy-projects/lib/pilotjob"
	"github.com/all3bar/saga-cpp-legacy-projects/sdk/go/ctxlog"
	"github.com/all3bar/saga-cpp-legacy-projects/sdk/go/httpserver"
	"github.com/all3bar/saga-cpp-legacy-projects/sdk/go/pilot"
	"github.com/ghodss/yaml"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

const defaultConfigPath = "/etc/pilotjob/config.yml"

// CheckConfigCommand loads a config file, reports any problems, and
// (with -dump) prints the effective config.
var CheckConfigCommand cmd.Handler = checkConfigCommand{}

type checkConfigCommand struct{}

func (checkConfigCommand) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	configPath := flags.String("config", defaultConfigPath, "config file `path` (\"-\" for stdin)")
	dump := flags.Bool("dump", false, "print the effective config, including defaults")
	if ok, code := cmd.ParseFlags(flags, prog, args, "", stderr); !ok {
		return code
	}
	cfg, err := loadConfig(*configPath, stdin)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	for kind := range usedBackends(cfg) {
		if _, ok := pilotjob.DefaultDrivers(cfg)[kind]; !ok {
			fmt.Fprintf(stderr, "no driver for backend %q\n", kind)
			return 1
		}
	}
	if *dump {
		buf, err := yaml.Marshal(cfg)
		if err != nil {
			fmt.Fprintln(stderr, err)
			return 1
		}
		stdout.Write(buf)
	}
	return 0
}

func usedBackends(cfg *pilot.Config) map[pilot.BackendKind]bool {
	kinds := map[pilot.BackendKind]bool{}
	for _, spec := range cfg.Resources {
		kinds[spec.Backend] = true
	}
	return kinds
}

func loadConfig(path string, stdin io.Reader) (*pilot.Config, error) {
	if path == "-" {
		return pilot.Load(stdin)
	}
	return pilot.LoadFile(path)
}

// Command runs N copies of a sub-job on the pilot jobs listed in the
// config file's Resources, waits for them to finish (logging the
// number of sub-jobs in each state along the way), and cancels all
// pilot jobs before exiting.
var Command cmd.Handler = command{}

type command struct{}

type options struct {
	n               int
	executable      string
	arguments       []string
	outputPattern   string
	listen          string
	summaryInterval time.Duration
	timeout         time.Duration
}

func (command) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	logger := ctxlog.New(stderr, "text", "info")
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	configPath := flags.String("config", defaultConfigPath, "config file `path` (\"-\" for stdin)")
	var opts options
	flags.IntVar(&opts.n, "n", 8, "number of sub-jobs to run")
	flags.StringVar(&opts.executable, "executable", "/bin/date", "sub-job `program`")
	flags.StringVar(&opts.outputPattern, "output", "", "write each sub-job's stdout to this file; %d is replaced by the sub-job number")
	flags.StringVar(&opts.listen, "listen", "", "serve metrics and health checks at `[addr]:port` (default: config Listen)")
	flags.DurationVar(&opts.summaryInterval, "summary-interval", 10*time.Second, "interval between state summaries")
	flags.DurationVar(&opts.timeout, "timeout", 0, "give up waiting for sub-jobs after this long (0 means no limit)")
	if ok, code := cmd.ParseFlags(flags, prog, args, "[args...]", stderr); !ok {
		return code
	}
	opts.arguments = flags.Args()

	cfg, err := loadConfig(*configPath, stdin)
	if err != nil {
		logger.WithError(err).Error("cannot load config")
		return 1
	}
	logger = ctxlog.New(stderr, cfg.Logging.Format, cfg.Logging.Level)
	if opts.listen == "" {
		opts.listen = cfg.Listen
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	ctx = ctxlog.Context(ctx, logger)
	err = run(ctx, cfg, opts, stdout)
	if err != nil {
		logger.WithError(err).Error("manyjob failed")
		return 1
	}
	return 0
}

func run(ctx context.Context, cfg *pilot.Config, opts options, stdout io.Writer) error {
	logger := ctxlog.FromContext(ctx)
	if len(cfg.Resources) == 0 {
		return errors.New("no Resources in config")
	}
	reg := prometheus.NewRegistry()
	svcOpts := pilotjob.Options{
		Drivers:     pilotjob.DefaultDrivers(cfg),
		Credentials: pilotjob.DefaultCredentials(cfg),
		Registry:    reg,
		Logger:      logger,
	}
	t0 := time.Now()
	return pilotjob.WithService(ctx, cfg, svcOpts, cfg.Resources, func(svc *pilotjob.Service, startErrs pilotjob.StartErrors) error {
		for _, se := range startErrs {
			logger.WithError(se.Err).WithFields(logrus.Fields{
				"PilotID":  se.PilotID,
				"Backend":  se.Spec.Backend,
				"Resource": se.Spec.Resource,
			}).Warn("pilot job failed to start")
		}
		if svc.Capacity() == 0 {
			return fmt.Errorf("no pilot job is running: %w", startErrs)
		}
		logger.WithFields(logrus.Fields{
			"Capacity": svc.Capacity(),
			"Elapsed":  time.Since(t0).Seconds(),
		}).Info("pilot jobs started")

		if opts.listen != "" {
			srv := &httpserver.Server{Addr: opts.listen}
			srv.Handler = NewHandler(svc, reg, cfg.ManagementToken, logger)
			if err := srv.Start(); err != nil {
				return fmt.Errorf("management listener: %w", err)
			}
			logger.WithField("Listen", srv.Addr).Info("serving metrics and health checks")
			defer srv.Close(time.Second)
		}

		submitted, failed := submitAll(ctx, svc, opts)
		logger.WithFields(logrus.Fields{
			"Submitted": submitted,
			"Failed":    failed,
			"Elapsed":   time.Since(t0).Seconds(),
		}).Info("sub-jobs submitted")

		err := wait(ctx, svc, opts)
		summary := svc.Summary()
		fmt.Fprintf(stdout, "%s\n", formatSummary(summary))
		logger.WithField("Elapsed", time.Since(t0).Seconds()).Info("done")
		if err != nil {
			return err
		}
		if n := summary[pilot.SubJobFailed] + failed; n > 0 {
			return fmt.Errorf("%d of %d sub-jobs failed", n, opts.n)
		}
		return nil
	})
}

func submitAll(ctx context.Context, svc *pilotjob.Service, opts options) (submitted, failed int) {
	logger := ctxlog.FromContext(ctx)
	for i := 0; i < opts.n; i++ {
		spec := pilot.SubJobSpec{
			Executable:  opts.executable,
			Arguments:   opts.arguments,
			Environment: map[string]string{"PILOTJOB_SUBJOB_INDEX": fmt.Sprint(i)},
		}
		if opts.outputPattern != "" {
			spec.Output = strings.ReplaceAll(opts.outputPattern, "%d", fmt.Sprint(i))
		}
		h, err := svc.Submit(ctx, spec)
		if err != nil {
			failed++
			logger.WithError(err).WithField("Index", i).Warn("submit failed")
			continue
		}
		submitted++
		logger.WithFields(logrus.Fields{
			"Index":    i,
			"SubJobID": h.ID(),
			"PilotID":  h.PilotID(),
		}).Debug("submitted")
	}
	return
}

func wait(ctx context.Context, svc *pilotjob.Service, opts options) error {
	logger := ctxlog.FromContext(ctx)
	if opts.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.timeout)
		defer cancel()
	}
	done := make(chan error, 1)
	go func() { done <- svc.Wait(ctx) }()
	interval := opts.summaryInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case err := <-done:
			return err
		case <-ticker.C:
			logger.WithField("States", formatSummary(svc.Summary())).Info("current states")
		}
	}
}

// formatSummary returns counts like "Done=3 Running=2", in state name
// order.
func formatSummary(counts map[pilot.SubJobState]int) string {
	var parts []string
	for state, n := range counts {
		if n > 0 {
			parts = append(parts, fmt.Sprintf("%s=%d", state, n))
		}
	}
	sort.Strings(parts)
	return strings.Join(parts, " ")
}
