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
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"runtime"
	"testing"
	"text/tabwriter"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/term"

	"gvisor.dev/armtt/pkg/ring0"
	"gvisor.dev/armtt/pkg/ring0/pagetables"
	"gvisor.dev/armtt/ttctl/config"
)

func testConfig() *config.Config {
	return &config.Config{
		VABits: 39,
		ASID:   2,
		Regions: []config.RegionConfig{
			{Name: "ram", Physical: 0x4000_0000, Virtual: 0x4000_0000, Length: 0x4000_0000, Access: "rwx"},
			{Name: "uart", Physical: 0x900_0000, Virtual: 0x900_0000, Length: 0x1000, Memory: "device", Access: "rw"},
		},
	}
}

func TestBuild(t *testing.T) {
	b, err := Build(testConfig())
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	defer b.Close()

	if got := b.Tables.RootLevel(); got != 1 {
		t.Errorf("RootLevel got %d, want 1", got)
	}
	pa, _, err := b.Tables.Lookup(0x900_0010)
	if err != nil || pa != 0x900_0010 {
		t.Errorf("Lookup got (%#x, %v), want (0x9000010, nil)", pa, err)
	}
	for _, op := range b.CPU.Ops() {
		if op.Kind != ring0.OpCleanInvalidateDataCache {
			t.Errorf("building tables that are not live issued %v", op)
		}
	}
}

func TestBuildLive(t *testing.T) {
	conf := testConfig()
	conf.Live = true
	b, err := Build(conf)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if b.CPU.TTBR() != b.Tables.TTBR() {
		t.Errorf("TTBR got %#x, want %#x", b.CPU.TTBR(), b.Tables.TTBR())
	}
	var tlbis int
	for _, op := range b.CPU.Ops() {
		if op.Kind == ring0.OpInvalidateTLB {
			tlbis++
		}
	}
	if tlbis == 0 {
		t.Errorf("live build issued no TLB invalidation")
	}
	b.Close()
	if b.CPU.TTBR() != 0 || b.Tables.Live() {
		t.Errorf("Close left tables installed")
	}
	if got := b.Tables.Allocator.Stats().Live; got != 0 {
		t.Errorf("Close left %d tables", got)
	}
}

func TestBuiltFatalf(t *testing.T) {
	conf := testConfig()
	conf.Live = true
	b, err := Build(conf)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	var code int
	var liveAtExit int
	exit = func(c int) {
		code = c
		liveAtExit = b.Tables.Allocator.Stats().Live
	}
	defer func() { exit = os.Exit }()

	b.Fatalf("writing output: %v", errors.New("broken pipe"))
	if code != 128 {
		t.Errorf("exit code got %d, want 128", code)
	}
	if liveAtExit != 0 || b.Tables.Live() || b.CPU.TTBR() != 0 {
		t.Errorf("at exit: %d live tables, installed %t, ttbr %#x; want everything torn down", liveAtExit, b.Tables.Live(), b.CPU.TTBR())
	}
	if _, _, err := b.Tables.Lookup(0x4000_0000); !errors.Is(err, pagetables.ErrReleased) {
		t.Errorf("Lookup after Fatalf got err %v, want %v", err, pagetables.ErrReleased)
	}
	// A later deferred Close finds nothing left to do.
	b.Close()
}

func TestBuildPartial(t *testing.T) {
	conf := testConfig()
	conf.MaxTables = 2
	if runtime.GOOS == "linux" {
		conf.Source = config.SourceMmap
	}
	b, err := Build(conf)
	if !errors.Is(err, pagetables.ErrOutOfMemory) {
		t.Fatalf("Build got err %v, want %v", err, pagetables.ErrOutOfMemory)
	}
	defer b.Close()
	// The 1 GiB block needs no table below level 1; the UART page does.
	if _, _, err := b.Tables.Lookup(0x4000_0000); err != nil {
		t.Errorf("Lookup of RAM failed: %v", err)
	}
}

func TestOutputs(t *testing.T) {
	v := []translation{{Virtual: "0x1000", Physical: "0x2000", Access: "rw-", Memory: "WB", Global: true, Mapped: true}}
	var buf bytes.Buffer
	if err := output("json")(&buf, v, nil); err != nil {
		t.Fatalf("json output failed: %v", err)
	}
	var got []translation
	if err := json.Unmarshal(buf.Bytes(), &got); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if diff := cmp.Diff(v, got); diff != "" {
		t.Errorf("json output mismatch (-want +got):\n%s", diff)
	}

	buf.Reset()
	if err := output("table")(&buf, v, func(tw *tabwriter.Writer) {
		tw.Write([]byte("a\tb\n"))
	}); err != nil {
		t.Fatalf("table output failed: %v", err)
	}
	if got, want := buf.String(), "a  b\n"; got != want {
		t.Errorf("table output got %q, want %q", got, want)
	}

	if term.IsTerminal(int(os.Stdout.Fd())) {
		return
	}
	buf.Reset()
	if err := output("auto")(&buf, v, nil); err != nil {
		t.Fatalf("auto output failed: %v", err)
	}
	if !json.Valid(buf.Bytes()) {
		t.Errorf("auto output is not json: %q", buf.String())
	}
}
