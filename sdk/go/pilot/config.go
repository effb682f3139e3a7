// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package pilot

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/ghodss/yaml"
)

// Config is the configuration of a pilot-job service and of the
// backends it can drive. Each call to Load returns a new Config;
// there is no process-wide default instance.
type Config struct {
	// Interval between state poller cycles.
	PollInterval Duration
	// Default deadline for a single backend call.
	BackendTimeout Duration
	// Deadline for acquiring a pilot's resources.
	StartTimeout Duration

	// Address for the management (metrics/health) listener, and
	// the token required to use it.
	Listen          string
	ManagementToken string

	Logging    LoggingConfig
	Glidein    GlideinConfig
	GridRM     GridRMConfig
	WorkerRole WorkerRoleConfig

	// Static credentials, keyed by CredentialRef.
	Credentials map[string]map[string]string

	// Resource list used when creating a service from a config
	// file.
	Resources []PilotJobSpec
}

type LoggingConfig struct {
	Level  string
	Format string
}

type GlideinConfig struct {
	// Shell used to run sub-jobs whose executable is a script.
	Shell string
	// Grace period between SIGTERM and SIGKILL on release.
	KillTimeout Duration
}

type GridRMConfig struct {
	// Command line used to submit the pilot job. "%" sequences
	// are substituted, see gridrm package docs.
	SubmitArguments []string
	// Command line used to submit a sub-job into a pilot's
	// allocation (use %J for the pilot's job id). If empty, the
	// pilot job runs sub-jobs itself, taking them from a spool
	// directory under the pilot's working directory, which must
	// be on a filesystem shared with the service host.
	SubJobArguments []string
	// Command that prints the queue as JSON. It should include
	// recently finished jobs.
	StatusCommand []string
	// Command used to kill/signal jobs; the job id (and "-s SIG"
	// for signals) are appended.
	KillCommand []string
	// Minimum interval between queue refreshes.
	QueueRefresh Duration
	// Run commands as this user via "sudo -E -u".
	SudoUser string
}

type WorkerRoleConfig struct {
	// Blob/queue storage.
	Bucket          string
	Region          string
	Endpoint        string
	ForcePathStyle  bool
	AccessKeyID     string
	SecretAccessKey string

	// Deployment control plane.
	EC2 EC2Config

	// Interval between deployment status checks while starting.
	DeployPollInterval Duration
}

type EC2Config struct {
	Region          string
	Endpoint        string
	ImageID         string
	InstanceType    string
	SubnetID        string
	SecurityGroupID string
	KeyPairName     string
	AccessKeyID     string
	SecretAccessKey string
}

// DefaultYAML is loaded before any user-supplied configuration.
var DefaultYAML = []byte(`
PollInterval: 5s
BackendTimeout: 1m
StartTimeout: 10m
Listen: ""
ManagementToken: ""
Logging:
  Level: info
  Format: text
Glidein:
  Shell: /bin/sh
  KillTimeout: 10s
GridRM:
  SubmitArguments: [bsub, -J, "%N", -n, "%C", -W, "%W", -cwd, "%D"]
  SubJobArguments: []
  StatusCommand: [bjobs, -a, -u, all, -o, "jobid stat job_name", -json]
  KillCommand: [bkill]
  QueueRefresh: 1s
  SudoUser: ""
WorkerRole:
  Bucket: ""
  Region: ""
  Endpoint: ""
  ForcePathStyle: false
  DeployPollInterval: 5s
  EC2:
    InstanceType: t3.small
Credentials: {}
Resources: []
`)

// DefaultConfig returns a Config with default values.
func DefaultConfig() *Config {
	cfg, err := Load(bytes.NewReader(nil))
	if err != nil {
		panic(fmt.Sprintf("error loading default config: %s", err))
	}
	return cfg
}

// Load reads YAML configuration from rdr and applies it on top of
// DefaultYAML.
func Load(rdr io.Reader) (*Config, error) {
	buf, err := io.ReadAll(rdr)
	if err != nil {
		return nil, err
	}
	var cfg Config
	err = yaml.Unmarshal(DefaultYAML, &cfg)
	if err != nil {
		return nil, fmt.Errorf("loading defaults: %s", err)
	}
	if len(bytes.TrimSpace(buf)) > 0 {
		err = yaml.Unmarshal(buf, &cfg)
		if err != nil {
			return nil, err
		}
	}
	err = cfg.Check()
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadFile loads configuration from the given path.
func LoadFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	cfg, err := Load(f)
	if err != nil {
		return nil, fmt.Errorf("error loading config %q: %w", path, err)
	}
	return cfg, nil
}

// Check returns an error if the configuration is unusable.
func (cfg *Config) Check() error {
	if cfg.PollInterval < 0 || cfg.BackendTimeout < 0 || cfg.StartTimeout < 0 {
		return fmt.Errorf("PollInterval, BackendTimeout, and StartTimeout must not be negative")
	}
	for i, spec := range cfg.Resources {
		if err := spec.Validate(); err != nil {
			return fmt.Errorf("Resources[%d]: %s", i, err)
		}
	}
	return nil
}

// PollIntervalOrDefault returns the configured poll interval, or 5s.
func (cfg *Config) PollIntervalOrDefault() time.Duration {
	return cfg.PollInterval.Duration(5 * time.Second)
}

// BackendTimeoutOrDefault returns the configured per-call timeout,
// or 1 minute.
func (cfg *Config) BackendTimeoutOrDefault() time.Duration {
	return cfg.BackendTimeout.Duration(time.Minute)
}

// StartTimeoutOrDefault returns the configured acquire timeout, or 10
// minutes.
func (cfg *Config) StartTimeoutOrDefault() time.Duration {
	return cfg.StartTimeout.Duration(10 * time.Minute)
}
