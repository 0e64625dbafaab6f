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

// Package cmd holds implementations of the ttctl commands.
package cmd

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"golang.org/x/term"

	"gvisor.dev/armtt/pkg/cleanup"
	"gvisor.dev/armtt/pkg/log"
	"gvisor.dev/armtt/pkg/ring0"
	"gvisor.dev/armtt/pkg/ring0/pagetables"
	"gvisor.dev/armtt/ttctl/config"
)

// exit is replaced in tests.
var exit = os.Exit

// Fatalf logs to stderr and exits with a failure status code.
func Fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "ttctl: "+format+"\n", args...)
	log.Warningf(format, args...)
	exit(128)
}

// Built is a translation context built from a configuration on a simulated
// CPU.
type Built struct {
	Config *config.Config
	Tables *pagetables.PageTables
	CPU    *ring0.Recorder

	cu cleanup.Cleanup
}

// Close uninstalls and releases the tables and unmaps their memory. Calling
// it again does nothing.
func (b *Built) Close() {
	b.cu.Clean()
}

// Fatalf closes b and exits through Fatalf. Deferred calls do not run on
// exit, so commands use this once b exists.
func (b *Built) Fatalf(format string, args ...any) {
	b.Close()
	Fatalf(format, args...)
}

// Build creates the context described by conf and maps its regions. On
// failure the partially built tables are returned along with the error, so
// that callers can show how far mapping got.
func Build(conf *config.Config) (*Built, error) {
	regions, err := conf.ToRegions()
	if err != nil {
		return nil, err
	}
	b := &Built{Config: conf, CPU: ring0.NewRecorder(0)}

	aopts := pagetables.ArenaOpts{MaxTables: conf.MaxTables}
	if conf.SourceName() == config.SourceMmap {
		src, closeFn, err := newMmapSource(conf.MaxTables)
		if err != nil {
			return nil, err
		}
		aopts.Source = src
		b.cu.Add(closeFn)
	}
	b.Tables, err = pagetables.New(pagetables.NewArena(aopts), b.CPU, conf.Opts())
	if err != nil {
		b.Close()
		return nil, err
	}
	b.cu.Add(func() {
		if err := b.Tables.Release(); err != nil {
			log.Warningf("releasing tables: %v", err)
		}
	})

	var prev uint64
	if conf.Live {
		prev = b.Tables.Install()
		b.cu.Add(func() { b.Tables.Uninstall(prev) })
	}
	if err := b.Tables.MapRegions(regions); err != nil {
		return b, err
	}
	return b, nil
}

// loadAndBuild loads the configuration at path, applies the overrides set
// on f and builds it.
func loadAndBuild(f *flag.FlagSet, path string) (*Built, error) {
	conf, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	conf, err = conf.Override(f)
	if err != nil {
		return nil, err
	}
	conf.Log()
	return Build(conf)
}

// outputFunc writes v in one output format.
type outputFunc func(w io.Writer, v any, table func(*tabwriter.Writer)) error

var outputs = map[string]outputFunc{
	"table": outputTable,
	"json":  outputJSON,
}

func outputTable(w io.Writer, _ any, table func(*tabwriter.Writer)) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	table(tw)
	return tw.Flush()
}

func outputJSON(w io.Writer, v any, _ func(*tabwriter.Writer)) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// output looks up the output format or exits. "auto" selects table when
// stdout is a terminal and json otherwise.
func output(name string) outputFunc {
	if name == "auto" {
		name = "json"
		if term.IsTerminal(int(os.Stdout.Fd())) {
			name = "table"
		}
	}
	out, ok := outputs[name]
	if !ok {
		Fatalf("unsupported output format %q", name)
	}
	return out
}
