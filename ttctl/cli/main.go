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

// Package cli is the main entrypoint for ttctl.
package cli

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"runtime"

	"github.com/google/subcommands"

	"gvisor.dev/armtt/pkg/log"
	"gvisor.dev/armtt/ttctl/cmd"
)

var (
	debug     = flag.Bool("debug", false, "enable debug logging.")
	logFormat = flag.String("log-format", "text", "log format: text (default) or json.")
	logFile   = flag.String("log", "", "file path where logs are written, default is stderr. %TIMESTAMP%, %PID% and %COMMAND% are expanded.")
)

// Main is the main entrypoint.
func Main() {
	// Register all commands.
	forEachCmd(subcommands.Register)

	// All subcommands must be registered before flag parsing.
	flag.Parse()

	subcommand := flag.CommandLine.Arg(0)

	var w io.Writer = os.Stderr
	if *logFile != "" {
		f, err := log.OpenFile(*logFile, os.O_WRONLY|os.O_CREATE|os.O_APPEND, log.CommandFileOpts{Command: subcommand})
		if err != nil {
			cmd.Fatalf("error opening log file %q: %v", *logFile, err)
		}
		defer f.Close()
		w = f
	}
	e, err := newEmitter(*logFormat, w)
	if err != nil {
		cmd.Fatalf("%v", err)
	}
	log.SetTarget(e)
	if *debug {
		log.SetLevel(log.Debug)
	} else {
		log.SetLevel(log.Warning)
	}
	log.Infof("ttctl %s, %s/%s, PID %d", runtime.Version(), runtime.GOOS, runtime.GOARCH, os.Getpid())
	log.Infof("Args: %v", os.Args)

	// Call the subcommand and pass in the configuration.
	status := subcommands.Execute(context.Background())
	log.Infof("Exiting with status: %v", status)
	os.Exit(int(status))
}

// forEachCmd invokes the passed callback for each command supported by
// ttctl.
func forEachCmd(cb func(cmd subcommands.Command, group string)) {
	cb(subcommands.HelpCommand(), "")
	cb(subcommands.FlagsCommand(), "")
	cb(subcommands.CommandsCommand(), "")

	const group = "tables"
	cb(new(cmd.Map), group)
	cb(new(cmd.Lookup), group)
	cb(new(cmd.Dump), group)
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
