// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package gridrm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"

	"github.com/sirupsen/logrus"
)

type queueEntry struct {
	ID   string `json:"JOBID"`
	Name string `json:"JOB_NAME"`
	Stat string `json:"STAT"`
}

// cli runs the resource manager's command line programs.
type cli struct {
	logger   logrus.FieldLogger
	sudoUser string
	env      []string
	// (for testing) if non-nil, call stubCommand() instead of
	// exec.CommandContext() when running command line programs.
	stubCommand func(string, ...string) *exec.Cmd
}

func (rm *cli) command(ctx context.Context, args []string) *exec.Cmd {
	if rm.sudoUser != "" {
		args = append([]string{"sudo", "-E", "-u", rm.sudoUser}, args...)
	}
	var cmd *exec.Cmd
	if f := rm.stubCommand; f != nil {
		cmd = f(args[0], args[1:]...)
	} else {
		cmd = exec.CommandContext(ctx, args[0], args[1:]...)
	}
	cmd.Env = append(append([]string(nil), os.Environ()...), rm.env...)
	return cmd
}

var submittedJobID = regexp.MustCompile(`Job <(\d+)>`)

// Submit runs a submit command with the given script on stdin, and
// returns the job id printed by the resource manager, if any.
func (rm *cli) Submit(ctx context.Context, args []string, script []byte) (string, error) {
	rm.logger.Debugf("submit command %q script %q", args, script)
	cmd := rm.command(ctx, args)
	cmd.Stdin = bytes.NewReader(script)
	out, err := cmd.Output()
	rm.logger.WithField("stdout", string(out)).Debug("submit finished")
	if err != nil {
		return "", errWithStderr(err)
	}
	if m := submittedJobID.FindSubmatch(out); m != nil {
		return string(m[1]), nil
	}
	return "", nil
}

// Queue runs the status command and returns the entries it reports.
func (rm *cli) Queue(ctx context.Context, args []string) ([]queueEntry, error) {
	cmd := rm.command(ctx, args)
	buf, err := cmd.Output()
	if err != nil {
		return nil, errWithStderr(err)
	}
	var resp struct {
		Records []queueEntry `json:"RECORDS"`
	}
	err = json.Unmarshal(buf, &resp)
	return resp.Records, err
}

// Kill runs the kill command for the given job id. A job that has
// already finished, or is no longer known, is not an error.
func (rm *cli) Kill(ctx context.Context, args []string, id string) error {
	rm.logger.Infof("kill %q %s", args, id)
	cmd := rm.command(ctx, append(append([]string(nil), args...), id))
	buf, err := cmd.CombinedOutput()
	if err == nil || strings.Contains(string(buf), "already finished") || strings.Contains(string(buf), "No matching job") {
		return nil
	}
	return fmt.Errorf("%s (%q)", err, buf)
}

func errWithStderr(err error) error {
	if err, ok := err.(*exec.ExitError); ok {
		return fmt.Errorf("%s (%q)", err, err.Stderr)
	}
	return err
}
