// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"flag"
	"fmt"
	"io"
)

// FlagSet is the subset of *flag.FlagSet used by ParseFlags.
type FlagSet interface {
	Init(string, flag.ErrorHandling)
	Args() []string
	NArg() int
	Parse([]string) error
	SetOutput(io.Writer)
	PrintDefaults()
}

// ParseFlags parses args into f. Usage errors and -help output go to
// stderr.
//
// positional names the accepted positional arguments for the usage
// line ("Usage: {prog} [options] {positional}"). If it is empty, any
// positional argument is a usage error.
//
// If ok is false the caller should exit with exitCode: 0 after
// -help, 2 after a usage error.
func ParseFlags(f FlagSet, prog string, args []string, positional string, stderr io.Writer) (ok bool, exitCode int) {
	f.Init(prog, flag.ContinueOnError)
	f.SetOutput(io.Discard)
	switch err := f.Parse(args); {
	case err == flag.ErrHelp:
		f.SetOutput(stderr)
		if fs, isFlagSet := f.(*flag.FlagSet); isFlagSet && fs.Usage != nil {
			fs.Usage()
		} else {
			fmt.Fprintf(stderr, "Usage: %s [options] %s\n", prog, positional)
			f.PrintDefaults()
		}
		return false, 0
	case err != nil:
		fmt.Fprintf(stderr, "error parsing command line arguments: %s (try -help)\n", err)
		return false, 2
	case f.NArg() > 0 && positional == "":
		fmt.Fprintf(stderr, "unrecognized command line arguments: %v (try -help)\n", f.Args())
		return false, 2
	}
	return true, 0
}
