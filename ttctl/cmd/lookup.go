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
	"strconv"
	"text/tabwriter"

	"github.com/google/subcommands"

	"gvisor.dev/armtt/pkg/hostarch"
	"gvisor.dev/armtt/pkg/ring0/pagetables"
	"gvisor.dev/armtt/ttctl/config"
)

// Lookup implements subcommands.Command for the "lookup" command.
type Lookup struct {
	output string
}

// Name implements subcommands.Command.Name.
func (*Lookup) Name() string {
	return "lookup"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Lookup) Synopsis() string {
	return "translate virtual addresses through tables built from a region list"
}

// Usage implements subcommands.Command.Usage.
func (*Lookup) Usage() string {
	return `lookup [flags] <config> <address>... - translate addresses.

Addresses are parsed with Go integer syntax, so 0x prefixes are accepted.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (l *Lookup) SetFlags(f *flag.FlagSet) {
	f.StringVar(&l.output, "o", "auto", "output format (auto, table, json). auto is table on a terminal and json otherwise.")
	config.RegisterFlags(f)
}

// translation is the printed result of one lookup.
type translation struct {
	Virtual  string `json:"virtual"`
	Physical string `json:"physical,omitempty"`
	Access   string `json:"access,omitempty"`
	Memory   string `json:"memory,omitempty"`
	User     bool   `json:"user"`
	Global   bool   `json:"global"`
	Mapped   bool   `json:"mapped"`
}

// Execute implements subcommands.Command.Execute.
func (l *Lookup) Execute(_ context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	if f.NArg() < 2 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	out := output(l.output)

	var addrs []hostarch.Addr
	for _, arg := range f.Args()[1:] {
		v, err := strconv.ParseUint(arg, 0, 64)
		if err != nil {
			Fatalf("invalid address %q: %v", arg, err)
		}
		addrs = append(addrs, hostarch.Addr(v))
	}

	b, err := loadAndBuild(f, f.Arg(0))
	if err != nil {
		Fatalf("%v", err)
	}
	defer b.Close()

	var res []translation
	for _, addr := range addrs {
		t := translation{Virtual: addr.String()}
		pa, opts, err := b.Tables.Lookup(addr)
		switch {
		case err == nil:
			t.Mapped = true
			t.Physical = fmt.Sprintf("%#x", pa)
			t.Access = opts.AccessType.String()
			t.Memory = opts.MemoryType.ShortString()
			t.User = opts.User
			t.Global = opts.Global
		case errors.Is(err, pagetables.ErrNotMapped):
		default:
			b.Fatalf("%v", err)
		}
		res = append(res, t)
	}

	werr := out(os.Stdout, res, func(tw *tabwriter.Writer) {
		fmt.Fprintf(tw, "VIRTUAL\tPHYSICAL\tACCESS\tMEMORY\tUSER\tGLOBAL\n")
		for _, t := range res {
			if !t.Mapped {
				fmt.Fprintf(tw, "%s\tnot mapped\t\t\t\t\n", t.Virtual)
				continue
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%t\t%t\n", t.Virtual, t.Physical, t.Access, t.Memory, t.User, t.Global)
		}
	})
	if werr != nil {
		b.Fatalf("writing output: %v", werr)
	}
	return subcommands.ExitSuccess
}
