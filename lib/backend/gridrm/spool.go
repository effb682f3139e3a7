// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package gridrm

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/all3bar/saga-cpp-legacy-projects/lib/backend"
	"github.com/all3bar/saga-cpp-legacy-projects/sdk/go/pilot"
)

// A spool is the directory a pilot agent takes its sub-jobs from.
//
// Each sub-job is a set of files named after its entry:
//
//	<entry>.sh        queued
//	<entry>.run       claimed by the agent (renamed from .sh)
//	<entry>.pid       process id, once started
//	<entry>.exit      exit code, once finished
//	<entry>.canceled  canceled before the agent claimed it
//	<entry>.cancel    signal (TERM or KILL) for the agent to deliver
//
// The agent exits when the file "stop" appears, when the directory
// is removed, or when the pilot's wall time is used up. Files are
// created under a temporary name and renamed, so neither side sees a
// partial file.
type spool struct {
	dir string
}

// agentScript is the pilot job. It runs queued sub-jobs, at most
// @SLOTS@ at a time, until stopped.
const agentScript = `#!/bin/sh
# pilot job @NAME@: run sub-jobs from the spool directory
spool=@SPOOL@
cd "$spool" || exit 1
slots=@SLOTS@
deadline=$(( $(date +%s) + @WALLTIME@ ))
while [ -d "$spool" ] && [ ! -e stop ] && [ "$(date +%s)" -lt "$deadline" ]; do
	for f in *.cancel; do
		[ -e "$f" ] || continue
		id=${f%.cancel}
		if [ -e "$id.exit" ] || [ ! -e "$id.run" ]; then
			rm -f "$f"
		elif [ -e "$id.pid" ]; then
			sig=$(cat "$f")
			kill -s "${sig:-TERM}" "$(cat "$id.pid")" 2>/dev/null
			rm -f "$f"
		fi
	done
	n=0
	for f in *.run; do
		[ -e "$f" ] || continue
		[ -e "${f%.run}.exit" ] || n=$((n+1))
	done
	for f in *.sh; do
		[ -e "$f" ] || continue
		[ "$n" -lt "$slots" ] || break
		id=${f%.sh}
		mv "$f" "$id.run" 2>/dev/null || continue
		(
			sh "$id.run" </dev/null &
			echo $! >"$id.pid.tmp" && mv "$id.pid.tmp" "$id.pid"
			wait $!
			echo $? >"$id.exit.tmp" && mv "$id.exit.tmp" "$id.exit"
		) &
		n=$((n+1))
	done
	sleep 1
done
for f in *.pid; do
	[ -e "$f" ] || continue
	[ -e "${f%.pid}.exit" ] || kill "$(cat "$f")" 2>/dev/null
done
wait
`

func (sp spool) agentScript(name string, slots, walltime int) []byte {
	return []byte(strings.NewReplacer(
		"@NAME@", name,
		"@SPOOL@", shellQuote(sp.dir),
		"@SLOTS@", fmt.Sprintf("%d", slots),
		"@WALLTIME@", fmt.Sprintf("%d", walltime),
	).Replace(agentScript))
}

// create makes the spool directory. If shared is true, it is made
// writable by everyone, so an agent running as another user can
// claim entries.
func (sp spool) create(shared bool) error {
	if err := os.MkdirAll(sp.dir, 0755); err != nil {
		return err
	}
	if shared {
		for _, dir := range []string{filepath.Dir(sp.dir), sp.dir} {
			if err := os.Chmod(dir, 0777); err != nil {
				return err
			}
		}
	}
	return nil
}

func (sp spool) path(entry, ext string) string {
	return filepath.Join(sp.dir, entry+ext)
}

func (sp spool) writeFile(name string, data []byte) error {
	tmp := name + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, name)
}

// queue adds a sub-job to the spool.
func (sp spool) queue(entry, wd string, spec pilot.SubJobSpec) error {
	stdout, stderr := spec.Output, spec.Error
	if stdout == "" {
		stdout = "/dev/null"
	}
	if stderr == "" {
		stderr = "/dev/null"
	}
	script := "#!/bin/sh\n" +
		"cd " + shellQuote(wd) + " || exit 1\n" +
		"exec >" + shellQuote(stdout) + " 2>" + shellQuote(stderr) + "\n" +
		strings.TrimPrefix(string(execScript(spec)), "#!/bin/sh\n")
	return sp.writeFile(sp.path(entry, ".sh"), []byte(script))
}

// status reports a sub-job's state using the same status words as
// the resource manager. The checks follow the order in which the
// files appear, so a concurrent rename by the agent cannot make an
// entry look missing.
func (sp spool) status(entry string) (pilot.RemoteState, error) {
	if exists(sp.path(entry, ".sh")) {
		return "PEND", nil
	}
	if exists(sp.path(entry, ".canceled")) {
		return "EXIT", nil
	}
	if !exists(sp.path(entry, ".run")) {
		return "", fmt.Errorf("sub-job %s is missing from spool %s", entry, sp.dir)
	}
	buf, err := os.ReadFile(sp.path(entry, ".exit"))
	if errors.Is(err, os.ErrNotExist) {
		return "RUN", nil
	} else if err != nil {
		return "", err
	}
	if strings.TrimSpace(string(buf)) == "0" {
		return "DONE", nil
	}
	return "EXIT", nil
}

// cancel withdraws a queued sub-job, or asks the agent to signal a
// running one.
func (sp spool) cancel(entry string, sig backend.Signal) error {
	err := os.Rename(sp.path(entry, ".sh"), sp.path(entry, ".canceled"))
	if err == nil || !errors.Is(err, os.ErrNotExist) {
		return err
	}
	if exists(sp.path(entry, ".exit")) || exists(sp.path(entry, ".canceled")) {
		return nil
	}
	name := "TERM"
	if sig == backend.SignalKill {
		name = "KILL"
	}
	return sp.writeFile(sp.path(entry, ".cancel"), []byte(name+"\n"))
}

// stop tells the agent to exit.
func (sp spool) stop() error {
	return sp.writeFile(filepath.Join(sp.dir, "stop"), nil)
}

func (sp spool) remove() error {
	return os.RemoveAll(sp.dir)
}

func exists(name string) bool {
	_, err := os.Stat(name)
	return err == nil
}
