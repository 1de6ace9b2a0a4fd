// Copyright 2026 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package cli is the main entrypoint for rstctl.
package cli

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"runtime"
	"strconv"
	"time"

	"github.com/google/subcommands"
	"gvisor.dev/rst/pkg/log"
	"gvisor.dev/rst/pkg/refs"
	"gvisor.dev/rst/rstctl/cmd"
)

var (
	debug       = flag.Bool("debug", false, "enable debug logging.")
	logPattern  = flag.String("log", "", "file path where logs are written, %PID% and %COMMAND% are replaced. Logs go to stderr if empty.")
	logFormat   = flag.String("log-format", "text", "log format: text (default) or json.")
	alsoStderr  = flag.Bool("alsologtostderr", false, "send log messages to stderr as well as to the --log file.")
	refLeakMode = flag.String("ref-leak-mode", "disabled", "reference leak check mode: disabled, log-names or panic.")
)

// Main is the main entrypoint.
func Main() {
	// Help and flags commands are generated automatically.
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(subcommands.CommandsCommand(), "")

	subcommands.Register(new(cmd.Restore), "")
	subcommands.Register(new(cmd.Inspect), "")

	// All subcommands must be registered before flag parsing.
	flag.Parse()

	mode, err := parseLeakMode(*refLeakMode)
	if err != nil {
		cmd.Fatalf("%v", err)
	}
	refs.SetLeakMode(mode)

	if *debug {
		log.SetLevel(log.Debug)
	}

	var (
		out  io.Writer = os.Stderr
		also io.Writer
	)
	if *logPattern != "" {
		f, err := log.OpenFile(*logPattern, os.O_WRONLY|os.O_CREATE|os.O_APPEND, log.FileVars{
			"PID":     strconv.Itoa(os.Getpid()),
			"COMMAND": flag.CommandLine.Arg(0),
		})
		if err != nil {
			cmd.Fatalf("%v", err)
		}
		out = f
		if *alsoStderr {
			also = os.Stderr
		}
	}
	e, err := targetEmitter(*logFormat, out, also)
	if err != nil {
		cmd.Fatalf("%v", err)
	}
	log.SetTarget(e)

	// Force time zone initialization before the first log line.
	_ = time.Local.String()

	log.Infof("rstctl %s, %s, PID %d, UID %d, GID %d", runtime.Version(), runtime.GOARCH, os.Getpid(), os.Getuid(), os.Getgid())
	log.Debugf("Page size: 0x%x (%d bytes)", os.Getpagesize(), os.Getpagesize())
	log.Infof("Args: %v", os.Args)

	code := subcommands.Execute(context.Background())
	refs.DoRepeatedLeakCheck()
	if code != subcommands.ExitSuccess {
		log.Warningf("Failure to execute command, status: %v", code)
	}
	os.Exit(int(code))
}

func newEmitter(format string, w io.Writer) (log.Emitter, error) {
	switch format {
	case "text":
		return log.GoogleEmitter{Writer: &log.Writer{Next: w}}, nil
	case "json":
		return log.JSONEmitter{Writer: &log.Writer{Next: w}}, nil
	}
	return nil, fmt.Errorf("invalid log format %q, must be 'text' or 'json'", format)
}

// targetEmitter returns the emitter for w, also copying to also if it is not
// nil.
func targetEmitter(format string, w, also io.Writer) (log.Emitter, error) {
	e, err := newEmitter(format, w)
	if err != nil || also == nil {
		return e, err
	}
	ae, err := newEmitter(format, also)
	if err != nil {
		return nil, err
	}
	return &log.MultiEmitter{e, ae}, nil
}

func parseLeakMode(s string) (refs.LeakMode, error) {
	switch s {
	case "disabled":
		return refs.NoLeakChecking, nil
	case "log-names":
		return refs.LeaksLogWarning, nil
	case "panic":
		return refs.LeaksPanic, nil
	}
	return 0, fmt.Errorf("invalid ref leak mode %q, must be 'disabled', 'log-names' or 'panic'", s)
}
