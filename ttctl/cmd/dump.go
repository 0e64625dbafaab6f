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
	"flag"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/google/subcommands"

	"gvisor.dev/armtt/pkg/ring0/pagetables"
	"gvisor.dev/armtt/ttctl/config"
)

// Dump implements subcommands.Command for the "dump" command.
type Dump struct {
	output string
	all    bool
}

// Name implements subcommands.Command.Name.
func (*Dump) Name() string {
	return "dump"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Dump) Synopsis() string {
	return "print the raw descriptors of every table built from a region list"
}

// Usage implements subcommands.Command.Usage.
func (*Dump) Usage() string {
	return `dump [flags] <config> - print raw table entries, parents before children.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (d *Dump) SetFlags(f *flag.FlagSet) {
	f.StringVar(&d.output, "o", "auto", "output format (auto, table, json). auto is table on a terminal and json otherwise.")
	f.BoolVar(&d.all, "all", false, "include invalid entries.")
	config.RegisterFlags(f)
}

type dumpEntry struct {
	Index      int    `json:"index"`
	Raw        string `json:"raw"`
	Descriptor string `json:"descriptor"`
}

type dumpTable struct {
	ID       pagetables.TableID `json:"id"`
	Level    int                `json:"level"`
	Base     string             `json:"base"`
	Physical string             `json:"physical"`
	Entries  []dumpEntry        `json:"entries"`
}

// Execute implements subcommands.Command.Execute.
func (d *Dump) Execute(_ context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	out := output(d.output)

	b, err := loadAndBuild(f, f.Arg(0))
	if err != nil {
		Fatalf("%v", err)
	}
	defer b.Close()

	var tables []dumpTable
	b.Tables.VisitTables(func(ti pagetables.TableInfo) bool {
		t := dumpTable{
			ID:       ti.ID,
			Level:    ti.Level,
			Base:     ti.Base.String(),
			Physical: fmt.Sprintf("%#x", ti.Physical),
		}
		for i := range ti.PTEs {
			pte := ti.PTEs[i].Load()
			if pte == 0 && !d.all {
				continue
			}
			t.Entries = append(t.Entries, dumpEntry{
				Index:      i,
				Raw:        fmt.Sprintf("%#016x", uint64(pte)),
				Descriptor: pagetables.Decode(ti.Level, pte).String(),
			})
		}
		tables = append(tables, t)
		return true
	})

	werr := out(os.Stdout, tables, func(tw *tabwriter.Writer) {
		for _, t := range tables {
			fmt.Fprintf(tw, "table %d level %d base %s at %s\n", t.ID, t.Level, t.Base, t.Physical)
			for _, e := range t.Entries {
				fmt.Fprintf(tw, "  [%d]\t%s\t%s\n", e.Index, e.Raw, e.Descriptor)
			}
		}
	})
	if werr != nil {
		b.Fatalf("writing output: %v", werr)
	}
	return subcommands.ExitSuccess
}
