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

package cmd

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/google/subcommands"

	"gvisor.dev/armtt/pkg/hostarch"
	"gvisor.dev/armtt/pkg/ring0/pagetables"
	"gvisor.dev/armtt/ttctl/config"
)

// Map implements subcommands.Command for the "map" command.
type Map struct {
	output string
	ops    bool
}

// Name implements subcommands.Command.Name.
func (*Map) Name() string {
	return "map"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Map) Synopsis() string {
	return "build translation tables from a region list and print the mappings"
}

// Usage implements subcommands.Command.Usage.
func (*Map) Usage() string {
	return `map [flags] <config> - build translation tables and print every leaf mapping.

The config file is TOML (.toml) or YAML (.yaml, .yml). If mapping runs out of
table memory part way, the mappings written so far are printed before the
error.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (m *Map) SetFlags(f *flag.FlagSet) {
	f.StringVar(&m.output, "o", "auto", "output format (auto, table, json). auto is table on a terminal and json otherwise.")
	f.BoolVar(&m.ops, "ops", false, "also print the CPU maintenance operations issued.")
	config.RegisterFlags(f)
}

// mapping is the printed form of a leaf.
type mapping struct {
	Virtual  string `json:"virtual"`
	End      string `json:"end"`
	Physical string `json:"physical"`
	Level    int    `json:"level"`
	Kind     string `json:"kind"`
	Access   string `json:"access"`
	Memory   string `json:"memory"`
	Share    string `json:"shareability"`
	User     bool   `json:"user"`
	Global   bool   `json:"global"`
}

func newMapping(m pagetables.Mapping) mapping {
	return mapping{
		Virtual:  m.Range.Start.String(),
		End:      m.Range.End.String(),
		Physical: fmt.Sprintf("%#x", m.Physical),
		Level:    m.Level,
		Kind:     m.Kind.String(),
		Access:   m.Opts.AccessType.String(),
		Memory:   m.Opts.MemoryType.ShortString(),
		Share:    m.Opts.Shareability.String(),
		User:     m.Opts.User,
		Global:   m.Opts.Global,
	}
}

// mapResult is the json output of the map command.
type mapResult struct {
	Mappings []mapping             `json:"mappings"`
	Stats    pagetables.ArenaStats `json:"stats"`
	TTBR     string                `json:"ttbr"`
	TCR      string                `json:"tcr"`
	MAIR     string                `json:"mair"`
	Ops      []string              `json:"ops,omitempty"`
	Error    string                `json:"error,omitempty"`
}

// Execute implements subcommands.Command.Execute.
func (m *Map) Execute(_ context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	out := output(m.output)

	b, err := loadAndBuild(f, f.Arg(0))
	if b == nil {
		Fatalf("%v", err)
	}
	defer b.Close()
	if err != nil && !errors.Is(err, pagetables.ErrOutOfMemory) {
		b.Fatalf("%v", err)
	}

	res := mapResult{
		Stats: b.Tables.Allocator.Stats(),
		TTBR:  fmt.Sprintf("%#x", b.Tables.TTBR()),
		TCR:   fmt.Sprintf("%#x", b.Tables.TCR()),
		MAIR:  fmt.Sprintf("%#x", uint64(pagetables.MAIR)),
	}
	b.Tables.Walk(0, ^hostarch.Addr(0), func(pm pagetables.Mapping) bool {
		res.Mappings = append(res.Mappings, newMapping(pm))
		return true
	})
	if m.ops {
		for _, op := range b.CPU.Ops() {
			res.Ops = append(res.Ops, op.String())
		}
	}
	if err != nil {
		res.Error = err.Error()
	}

	werr := out(os.Stdout, res, func(tw *tabwriter.Writer) {
		fmt.Fprintf(tw, "VIRTUAL\tEND\tPHYSICAL\tLEVEL\tKIND\tACCESS\tMEMORY\tSH\tUSER\tGLOBAL\n")
		for _, pm := range res.Mappings {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\t%s\t%s\t%t\t%t\n", pm.Virtual, pm.End, pm.Physical, pm.Level, pm.Kind, pm.Access, pm.Memory, pm.Share, pm.User, pm.Global)
		}
		fmt.Fprintf(tw, "\nttbr0 %s tcr %s mair %s\n", res.TTBR, res.TCR, res.MAIR)
		fmt.Fprintf(tw, "tables: %d live, %d allocated, %d released\n", res.Stats.Live, res.Stats.Allocated, res.Stats.Released)
		for _, op := range res.Ops {
			fmt.Fprintf(tw, "%s\n", op)
		}
	})
	if werr != nil {
		b.Fatalf("writing output: %v", werr)
	}
	if err != nil {
		b.Fatalf("%v", err)
	}
	return subcommands.ExitSuccess
}
