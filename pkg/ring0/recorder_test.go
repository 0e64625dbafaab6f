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

package ring0

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"gvisor.dev/armtt/pkg/hostarch"
)

func TestRecorderOrder(t *testing.T) {
	r := NewRecorder(0x1000)
	var hooked []OpKind
	r.Hook = func(op Op) { hooked = append(hooked, op.Kind) }

	ar := hostarch.AddrRange{Start: 0x40000000, End: 0x40001000}
	r.DataSyncBarrier(InnerShareable)
	r.InvalidateTLB(ar, 3, false, InnerShareable)
	r.InstructionSyncBarrier()
	if prev := r.InstallTranslationTable(0x2000); prev != 0x1000 {
		t.Errorf("InstallTranslationTable returned %#x, want 0x1000", prev)
	}

	want := []Op{
		{Kind: OpDataSyncBarrier, Scope: InnerShareable},
		{Kind: OpInvalidateTLB, Scope: InnerShareable, Range: ar, ASID: 3},
		{Kind: OpInstructionSyncBarrier},
		{Kind: OpInstallTranslationTable, TTBR: 0x2000},
	}
	if diff := cmp.Diff(want, r.Ops()); diff != "" {
		t.Errorf("Ops mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]OpKind{OpDataSyncBarrier, OpInvalidateTLB, OpInstructionSyncBarrier, OpInstallTranslationTable}, hooked); diff != "" {
		t.Errorf("hook mismatch (-want +got):\n%s", diff)
	}
	if got := r.TTBR(); got != 0x2000 {
		t.Errorf("TTBR = %#x, want 0x2000", got)
	}

	r.Reset()
	if ops := r.Ops(); len(ops) != 0 {
		t.Errorf("Ops after Reset = %v", ops)
	}
}

func TestParseScope(t *testing.T) {
	for sc := Scope(0); sc < numScopes; sc++ {
		got, err := ParseScope(sc.String())
		if err != nil || got != sc {
			t.Errorf("ParseScope(%q) = (%v, %v), want %v", sc.String(), got, err, sc)
		}
	}
	if _, err := ParseScope("bogus"); err == nil {
		t.Errorf("ParseScope(bogus) succeeded")
	}
}

func TestRecorderTLB(t *testing.T) {
	r := NewRecorder(0)
	table := map[hostarch.Addr]TLBEntry{
		0x1000: {Physical: 0x8000_1000, Attrs: "rw"},
		0x2000: {Physical: 0x8000_2000, Global: true, Attrs: "rx"},
	}
	walks := 0
	walk := func(va hostarch.Addr) (TLBEntry, bool) {
		walks++
		e, ok := table[va.RoundDown()]
		return e, ok
	}

	for _, va := range []hostarch.Addr{0x1008, 0x2010} {
		if _, ok := r.Translate(va, 7, walk); !ok {
			t.Fatalf("Translate(%v) missed", va)
		}
	}
	if _, ok := r.Translate(0x3000, 7, walk); ok {
		t.Errorf("Translate(0x3000) hit an unmapped page")
	}

	// The tables change; cached translations do not.
	table[0x1000] = TLBEntry{Physical: 0x9000_1000, Attrs: "r"}
	if e, _ := r.Translate(0x1000, 7, walk); e.Physical != 0x8000_1000 {
		t.Errorf("Translate(0x1000) got %#x, want the cached 0x80001000", e.Physical)
	}
	if walks != 3 {
		t.Errorf("got %d walks, want 3", walks)
	}
	if _, ok := r.Cached(0x1000, 8); ok {
		t.Errorf("non-global entry for asid 7 visible to asid 8")
	}
	if _, ok := r.Cached(0x2000, 8); !ok {
		t.Errorf("global entry not visible to asid 8")
	}

	// Another ASID leaves the entry alone.
	r.InvalidateTLB(hostarch.AddrRange{Start: 0, End: 0x2000}, 8, false, InnerShareable)
	if _, ok := r.Cached(0x1000, 7); !ok {
		t.Errorf("invalidating asid 8 dropped an asid 7 entry")
	}
	r.InvalidateTLB(hostarch.AddrRange{Start: 0, End: 0x2000}, 7, false, InnerShareable)
	if _, ok := r.Cached(0x1000, 7); ok {
		t.Errorf("entry for 0x1000 survived its invalidation")
	}
	if _, ok := r.Cached(0x2000, 7); !ok {
		t.Errorf("invalidation outside the range dropped 0x2000")
	}
	if e, _ := r.Translate(0x1000, 7, walk); e.Physical != 0x9000_1000 {
		t.Errorf("Translate(0x1000) after invalidation got %#x, want 0x90001000", e.Physical)
	}

	// A global entry goes with any ASID's invalidation of its page.
	r.InvalidateTLB(hostarch.AddrRange{Start: 0x2000, End: 0x3000}, 9, false, InnerShareable)
	if _, ok := r.Cached(0x2000, 7); ok {
		t.Errorf("global entry survived invalidation of its page")
	}
}
