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

package pagetables

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"gvisor.dev/armtt/pkg/hostarch"
	"gvisor.dev/armtt/pkg/ring0"
)

const (
	gib = 1 << 30
	mib = 1 << 20
)

var (
	kernelRW = MapOpts{
		AccessType:   hostarch.ReadWrite,
		Global:       true,
		MemoryType:   hostarch.MemoryTypeWriteBack,
		Shareability: InnerShareable,
	}
	kernelRX = MapOpts{
		AccessType:   hostarch.ReadExecute,
		Global:       true,
		MemoryType:   hostarch.MemoryTypeWriteBack,
		Shareability: InnerShareable,
	}
)

func newRecorder() *ring0.Recorder {
	return ring0.NewRecorder(0)
}

func newTestTables(t *testing.T, aopts ArenaOpts, opts Opts) (*PageTables, *ring0.Recorder) {
	t.Helper()
	rec := newRecorder()
	p, err := New(NewArena(aopts), rec, opts)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return p, rec
}

func ram(name string, va hostarch.Addr, pa, length uint64) Region {
	return Region{
		Name:       name,
		Physical:   pa,
		Virtual:    va,
		Length:     length,
		MemoryType: hostarch.MemoryTypeWriteBack,
		AccessType: hostarch.ReadWrite,
	}
}

// leaves returns every leaf of p in address order.
func leaves(p *PageTables) []Mapping {
	var ms []Mapping
	p.Walk(0, p.inputLimit(), func(m Mapping) bool {
		ms = append(ms, m)
		return true
	})
	return ms
}

// checkMappings verifies the leaves of p against want.
func checkMappings(t *testing.T, p *PageTables, want []Mapping) {
	t.Helper()
	if diff := cmp.Diff(want, leaves(p)); diff != "" {
		t.Errorf("mappings mismatch (-want +got):\n%s", diff)
	}
}

func leaf(start hostarch.Addr, level int, pa uint64, opts MapOpts) Mapping {
	return Mapping{
		Range:    hostarch.AddrRange{Start: start, End: start + hostarch.Addr(levelSize(level))},
		Physical: pa,
		Opts:     opts,
		Level:    level,
		Kind:     leafKind(level),
	}
}

func TestStartLevel(t *testing.T) {
	for _, tc := range []struct {
		vaBits uint
		level  int
	}{
		{0, 0},
		{48, 0},
		{40, 0},
		{39, 1},
		{31, 1},
		{30, 2},
		{25, 2},
	} {
		p, _ := newTestTables(t, ArenaOpts{}, Opts{VABits: tc.vaBits})
		if got := p.RootLevel(); got != tc.level {
			t.Errorf("VABits %d: RootLevel got %d, want %d", tc.vaBits, got, tc.level)
		}
	}
	for _, bits := range []uint{24, 49} {
		if _, err := New(NewArena(ArenaOpts{}), newRecorder(), Opts{VABits: bits}); !errors.Is(err, ErrInvalidRegion) {
			t.Errorf("New with VABits %d got err %v, want %v", bits, err, ErrInvalidRegion)
		}
	}
}

func TestTTBR(t *testing.T) {
	p, _ := newTestTables(t, ArenaOpts{}, Opts{ASID: 7})
	want := uint64(p.Allocator.Physical(p.Root())) | 7<<48
	if got := p.TTBR(); got != want {
		t.Errorf("TTBR got %#x, want %#x", got, want)
	}
	if got, want := p.TCR()&0x3f, uint64(16); got != want {
		t.Errorf("TCR T0SZ got %d, want %d", got, want)
	}
}

func TestMapLargestLeaves(t *testing.T) {
	p, _ := newTestTables(t, ArenaOpts{}, Opts{})
	r := ram("ram", gib, gib, gib+2*mib+hostarch.PageSize)
	if err := p.Map(r); err != nil {
		t.Fatalf("Map failed: %v", err)
	}
	checkMappings(t, p, []Mapping{
		leaf(gib, 1, gib, kernelRW),
		leaf(2*gib, 2, 2*gib, kernelRW),
		leaf(2*gib+2*mib, 3, 2*gib+2*mib, kernelRW),
	})
}

func TestMapMisalignedPhysical(t *testing.T) {
	p, _ := newTestTables(t, ArenaOpts{}, Opts{})
	// The input range is block aligned but the output is not, so only pages
	// can be used.
	if err := p.Map(ram("ram", 2*mib, 2*mib+hostarch.PageSize, 2*mib)); err != nil {
		t.Fatalf("Map failed: %v", err)
	}
	ms := leaves(p)
	if len(ms) != entriesPerPage {
		t.Fatalf("got %d leaves, want %d", len(ms), entriesPerPage)
	}
	for i, m := range ms {
		want := leaf(2*mib+hostarch.Addr(i*hostarch.PageSize), 3, 2*mib+uint64(i+1)*hostarch.PageSize, kernelRW)
		if m != want {
			t.Fatalf("leaf %d got %v, want %v", i, m, want)
		}
	}
}

func TestCoverage(t *testing.T) {
	p, _ := newTestTables(t, ArenaOpts{}, Opts{ASID: 3})
	regions := []Region{
		ram("low", 0x1000, 0x8000_0000, 3*mib),
		{
			Name:       "uart",
			Physical:   0x900_0000,
			Virtual:    0x900_0000,
			Length:     hostarch.PageSize,
			MemoryType: hostarch.MemoryTypeDevice,
			AccessType: hostarch.ReadWrite,
		},
		{
			Name:       "user",
			Physical:   0x1_0000_0000,
			Virtual:    0x40_0000_0000,
			Length:     gib + 4*mib,
			MemoryType: hostarch.MemoryTypeWriteBack,
			AccessType: hostarch.AnyAccess,
			User:       true,
		},
	}
	if err := p.MapRegions(regions); err != nil {
		t.Fatalf("MapRegions failed: %v", err)
	}
	for i := range regions {
		r := &regions[i]
		for _, off := range []uint64{0, hostarch.PageSize, r.Length / 2 &^ (hostarch.PageSize - 1), r.Length - 1} {
			va := r.Virtual + hostarch.Addr(off)
			pa, opts, err := p.Lookup(va)
			if err != nil {
				t.Errorf("Lookup(%v) failed: %v", va, err)
				continue
			}
			if pa != r.Physical+off {
				t.Errorf("Lookup(%v) got %#x, want %#x", va, pa, r.Physical+off)
			}
			if diff := cmp.Diff(r.Opts(), opts); diff != "" {
				t.Errorf("Lookup(%v) opts mismatch (-want +got):\n%s", va, diff)
			}
		}
		// Neighbours outside every region are untouched.
		for _, va := range []hostarch.Addr{r.Virtual - hostarch.PageSize, r.Virtual + hostarch.Addr(r.Length)} {
			if _, _, err := p.Lookup(va); !errors.Is(err, ErrNotMapped) {
				t.Errorf("Lookup(%v) outside regions got err %v, want %v", va, err, ErrNotMapped)
			}
		}
	}
}

func TestNonOverlap(t *testing.T) {
	p, _ := newTestTables(t, ArenaOpts{}, Opts{})
	regions := []Region{
		ram("a", 0x1000, 0x1000, gib),
		ram("b", 3*gib+hostarch.PageSize, 5*gib+hostarch.PageSize, 3*mib),
		ram("c", 2*gib, 2*gib, 5*mib),
	}
	if err := p.MapRegions(regions); err != nil {
		t.Fatalf("MapRegions failed: %v", err)
	}
	var total uint64
	var prev hostarch.Addr
	for i, m := range leaves(p) {
		if i > 0 && m.Range.Start < prev {
			t.Errorf("leaf %v overlaps previous leaf ending at %v", m, prev)
		}
		prev = m.Range.End
		total += m.Range.Length()
	}
	var want uint64
	for _, r := range regions {
		want += r.Length
	}
	if total != want {
		t.Errorf("leaves cover %#x bytes, want %#x", total, want)
	}
}

func TestRemapIdentical(t *testing.T) {
	p, rec := newTestTables(t, ArenaOpts{}, Opts{})
	r := ram("ram", 0x20_0000, 0x20_0000, 3*mib+hostarch.PageSize)
	if err := p.Map(r); err != nil {
		t.Fatalf("Map failed: %v", err)
	}
	before := leaves(p)
	stats := p.Allocator.Stats()
	rec.Reset()
	if err := p.Map(r); err != nil {
		t.Fatalf("second Map failed: %v", err)
	}
	if diff := cmp.Diff(before, leaves(p)); diff != "" {
		t.Errorf("mappings changed (-before +after):\n%s", diff)
	}
	if diff := cmp.Diff(stats, p.Allocator.Stats()); diff != "" {
		t.Errorf("Stats changed (-before +after):\n%s", diff)
	}
	if ops := rec.Ops(); len(ops) != 0 {
		t.Errorf("identical remap issued CPU operations: %v", ops)
	}
}

// TestRefinePermissions maps a 1 GiB block and then a single page inside
// it with different permissions.
func TestRefinePermissions(t *testing.T) {
	p, _ := newTestTables(t, ArenaOpts{}, Opts{})
	if err := p.Map(ram("ram", gib, 4*gib, gib)); err != nil {
		t.Fatalf("Map failed: %v", err)
	}
	checkMappings(t, p, []Mapping{leaf(gib, 1, 4*gib, kernelRW)})

	text := Region{
		Name:       "text",
		Physical:   4*gib + 0x5000,
		Virtual:    gib + 0x5000,
		Length:     hostarch.PageSize,
		MemoryType: hostarch.MemoryTypeWriteBack,
		AccessType: hostarch.ReadExecute,
	}
	if err := p.Map(text); err != nil {
		t.Fatalf("Map failed: %v", err)
	}

	ms := leaves(p)
	if want := (entriesPerPage - 1) + entriesPerPage; len(ms) != want {
		t.Fatalf("got %d leaves, want %d", len(ms), want)
	}
	differ := 0
	for _, m := range ms {
		if want := 4*gib + uint64(m.Range.Start-gib); m.Physical != want {
			t.Errorf("leaf %v has output %#x, want %#x", m, m.Physical, want)
		}
		switch {
		case m.Range.Start == text.Virtual:
			differ++
			if diff := cmp.Diff(leaf(text.Virtual, 3, text.Physical, kernelRX), m); diff != "" {
				t.Errorf("refined page mismatch (-want +got):\n%s", diff)
			}
		case m.Opts != kernelRW:
			t.Errorf("sibling %v changed attributes", m)
		}
	}
	if differ != 1 {
		t.Errorf("%d leaves cover the refined page, want 1", differ)
	}
}

func TestOutOfMemoryPartial(t *testing.T) {
	// Root, level 1 and level 2 tables, plus the first of two level 3
	// tables.
	p, _ := newTestTables(t, ArenaOpts{MaxTables: 4}, Opts{})
	err := p.Map(ram("ram", hostarch.PageSize, hostarch.PageSize, 2*mib))
	if !errors.Is(err, ErrOutOfMemory) {
		t.Fatalf("Map got err %v, want %v", err, ErrOutOfMemory)
	}
	for _, va := range []hostarch.Addr{hostarch.PageSize, 2*mib - hostarch.PageSize} {
		if pa, _, err := p.Lookup(va); err != nil || pa != uint64(va) {
			t.Errorf("Lookup(%v) got (%#x, %v), want (%#x, nil)", va, pa, err, uint64(va))
		}
	}
	if _, _, err := p.Lookup(2 * mib); !errors.Is(err, ErrNotMapped) {
		t.Errorf("Lookup(%#x) got err %v, want %v", 2*mib, err, ErrNotMapped)
	}
}

func TestRegionConflict(t *testing.T) {
	p, rec := newTestTables(t, ArenaOpts{}, Opts{})
	rec.Reset()
	err := p.MapRegions([]Region{
		ram("a", 0x10_0000, 0x10_0000, mib),
		ram("c", 0x40_0000, 0x40_0000, mib),
		ram("b", 0x1f_f000, 0x8000_0000, 2*hostarch.PageSize),
	})
	if !errors.Is(err, ErrRegionConflict) {
		t.Fatalf("MapRegions got err %v, want %v", err, ErrRegionConflict)
	}
	if ms := leaves(p); len(ms) != 0 {
		t.Errorf("conflict wrote mappings: %v", ms)
	}
	for i, pte := range p.Allocator.PTEs(p.Root()) {
		if pte != 0 {
			t.Errorf("root entry %d is %#x, want zero", i, uint64(pte))
		}
	}
	if got := p.Allocator.Stats().Live; got != 1 {
		t.Errorf("live tables got %d, want 1", got)
	}
	if ops := rec.Ops(); len(ops) != 0 {
		t.Errorf("conflict issued CPU operations: %v", ops)
	}
}

func TestInvalidRegion(t *testing.T) {
	for _, tc := range []struct {
		name string
		r    Region
		want error
	}{
		{"empty", ram("r", 0, 0, 0), ErrInvalidRegion},
		{"unaligned virtual", ram("r", 0x1800, 0, hostarch.PageSize), ErrInvalidRegion},
		{"unaligned physical", ram("r", 0, 0x10, hostarch.PageSize), ErrInvalidRegion},
		{"unaligned length", ram("r", 0, 0, 0x1800), ErrInvalidRegion},
		{"virtual overflow", ram("r", ^hostarch.Addr(0)&^(hostarch.PageSize-1), 0, 2*hostarch.PageSize), ErrInvalidRegion},
		{"physical overflow", ram("r", 0, ^uint64(0)&^(hostarch.PageSize-1), 2*hostarch.PageSize), ErrInvalidRegion},
		{"beyond input size", ram("r", 1<<39-hostarch.PageSize, 0, 2*hostarch.PageSize), ErrInvalidRegion},
		{"beyond output size", ram("r", 0, 1<<48-hostarch.PageSize, 2*hostarch.PageSize), ErrInvalidRegion},
		{"no read", Region{Name: "r", Length: hostarch.PageSize, AccessType: hostarch.Write}, ErrInvalidAttributeCombination},
		{"executable device", Region{Name: "r", Length: hostarch.PageSize, AccessType: hostarch.ReadExecute, MemoryType: hostarch.MemoryTypeDevice}, ErrInvalidAttributeCombination},
	} {
		t.Run(tc.name, func(t *testing.T) {
			p, _ := newTestTables(t, ArenaOpts{}, Opts{VABits: 39})
			if err := p.MapRegions([]Region{ram("ok", gib, gib, mib), tc.r}); !errors.Is(err, tc.want) {
				t.Fatalf("MapRegions got err %v, want %v", err, tc.want)
			}
			if ms := leaves(p); len(ms) != 0 {
				t.Errorf("invalid region list wrote mappings: %v", ms)
			}
		})
	}
}

func TestInstallUninstall(t *testing.T) {
	p, rec := newTestTables(t, ArenaOpts{}, Opts{ASID: 5, Scope: ring0.InnerShareable})
	if err := p.Map(ram("ram", 0, 0, 4*mib)); err != nil {
		t.Fatalf("Map failed: %v", err)
	}
	rec.Reset()

	prev := p.Install()
	if prev != 0 {
		t.Errorf("Install got previous %#x, want 0", prev)
	}
	if !p.Live() || rec.TTBR() != p.TTBR() {
		t.Errorf("after Install: live %t, ttbr %#x, want true, %#x", p.Live(), rec.TTBR(), p.TTBR())
	}
	want := []ring0.Op{
		{Kind: ring0.OpDataSyncBarrier, Scope: ring0.InnerShareable},
		{Kind: ring0.OpInstallTranslationTable, TTBR: p.TTBR()},
		{Kind: ring0.OpInstructionSyncBarrier},
	}
	if diff := cmp.Diff(want, rec.Ops()); diff != "" {
		t.Errorf("Install ops mismatch (-want +got):\n%s", diff)
	}

	if err := p.Release(); !errors.Is(err, ErrLive) {
		t.Errorf("Release of live tables got err %v, want %v", err, ErrLive)
	}

	rec.Reset()
	p.Uninstall(prev)
	want = []ring0.Op{
		{Kind: ring0.OpInstallTranslationTable, TTBR: prev},
		{Kind: ring0.OpDataSyncBarrier, Scope: ring0.InnerShareable},
		{Kind: ring0.OpInvalidateTLB, Scope: ring0.InnerShareable, Range: hostarch.AddrRange{End: 1 << 48}, ASID: 5, Global: true},
		{Kind: ring0.OpDataSyncBarrier, Scope: ring0.InnerShareable},
		{Kind: ring0.OpInstructionSyncBarrier},
	}
	if diff := cmp.Diff(want, rec.Ops()); diff != "" {
		t.Errorf("Uninstall ops mismatch (-want +got):\n%s", diff)
	}
	if p.Live() {
		t.Errorf("Live after Uninstall")
	}

	if err := p.Release(); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if got := p.Allocator.Stats().Live; got != 0 {
		t.Errorf("live tables after Release got %d, want 0", got)
	}
}

func TestUnmap(t *testing.T) {
	p, _ := newTestTables(t, ArenaOpts{}, Opts{})
	if err := p.Map(ram("ram", gib, gib, gib)); err != nil {
		t.Fatalf("Map failed: %v", err)
	}
	hole := hostarch.Addr(gib + 3*mib)
	if err := p.Unmap(hole, hostarch.PageSize); err != nil {
		t.Fatalf("Unmap failed: %v", err)
	}
	if _, _, err := p.Lookup(hole); !errors.Is(err, ErrNotMapped) {
		t.Errorf("Lookup(%v) got err %v, want %v", hole, err, ErrNotMapped)
	}
	for _, va := range []hostarch.Addr{hole - hostarch.PageSize, hole + hostarch.PageSize, gib, 2*gib - hostarch.PageSize} {
		if pa, _, err := p.Lookup(va); err != nil || pa != uint64(va) {
			t.Errorf("Lookup(%v) got (%#x, %v), want (%#x, nil)", va, pa, err, uint64(va))
		}
	}
	if got := len(leaves(p)); got != (entriesPerPage-1)+(entriesPerPage-1) {
		t.Errorf("got %d leaves after unmap, want %d", got, 2*(entriesPerPage-1))
	}

	// Removing everything else frees the tables below the root.
	if err := p.Unmap(gib, gib); err != nil {
		t.Fatalf("Unmap failed: %v", err)
	}
	if ms := leaves(p); len(ms) != 0 {
		t.Errorf("mappings left after unmap: %v", ms)
	}
	if got := p.Allocator.Stats().Live; got != 1 {
		t.Errorf("live tables got %d, want 1", got)
	}

	for _, length := range []uint64{0, 0x800} {
		if err := p.Unmap(gib, length); !errors.Is(err, ErrInvalidRegion) {
			t.Errorf("Unmap(%#x) got err %v, want %v", length, err, ErrInvalidRegion)
		}
	}
}

func TestSharedArena(t *testing.T) {
	a := NewArena(ArenaOpts{})
	p1, err := New(a, newRecorder(), Opts{ASID: 1})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	p2, err := New(a, newRecorder(), Opts{ASID: 2})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := p1.Map(ram("one", 0, gib, 2*mib)); err != nil {
		t.Fatalf("Map failed: %v", err)
	}
	if err := p2.Map(ram("two", 0, 2*gib, hostarch.PageSize)); err != nil {
		t.Fatalf("Map failed: %v", err)
	}
	if pa, _, err := p1.Lookup(0); err != nil || pa != gib {
		t.Errorf("p1.Lookup(0) got (%#x, %v), want (%#x, nil)", pa, err, gib)
	}
	if pa, _, err := p2.Lookup(0); err != nil || pa != 2*gib {
		t.Errorf("p2.Lookup(0) got (%#x, %v), want (%#x, nil)", pa, err, 2*gib)
	}
	if err := p1.Release(); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if pa, _, err := p2.Lookup(0); err != nil || pa != 2*gib {
		t.Errorf("p2.Lookup(0) after p1.Release got (%#x, %v), want (%#x, nil)", pa, err, 2*gib)
	}
}

func TestReleasedContext(t *testing.T) {
	a := NewArena(ArenaOpts{})
	p1, err := New(a, newRecorder(), Opts{ASID: 1})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := p1.Map(ram("one", 0, gib, 2*mib)); err != nil {
		t.Fatalf("Map failed: %v", err)
	}
	root := p1.Root()
	if err := p1.Release(); err != nil {
		t.Fatalf("Release failed: %v", err)
	}

	// The freed root slot is handed to the next context.
	p2, err := New(a, newRecorder(), Opts{ASID: 2})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if p2.Root() != root {
		t.Fatalf("p2 root got table %d, want reused table %d", p2.Root(), root)
	}

	if err := p1.Map(ram("stale", 0, 0x4000_0000, 2*mib)); !errors.Is(err, ErrReleased) {
		t.Errorf("Map after Release got err %v, want %v", err, ErrReleased)
	}
	if err := p1.MapRegions([]Region{ram("stale", 0, 0x4000_0000, 2*mib)}); !errors.Is(err, ErrReleased) {
		t.Errorf("MapRegions after Release got err %v, want %v", err, ErrReleased)
	}
	if err := p1.Unmap(0, 2*mib); !errors.Is(err, ErrReleased) {
		t.Errorf("Unmap after Release got err %v, want %v", err, ErrReleased)
	}
	if _, _, err := p1.Lookup(0); !errors.Is(err, ErrReleased) {
		t.Errorf("Lookup after Release got err %v, want %v", err, ErrReleased)
	}
	if _, err := p1.Split(root, 0); !errors.Is(err, ErrReleased) {
		t.Errorf("Split after Release got err %v, want %v", err, ErrReleased)
	}
	if err := p1.Replace(root, 0, Descriptor{}); !errors.Is(err, ErrReleased) {
		t.Errorf("Replace after Release got err %v, want %v", err, ErrReleased)
	}
	p1.Walk(0, hostarch.Addr(gib), func(m Mapping) bool {
		t.Errorf("Walk after Release reported %v", m)
		return true
	})
	p1.VisitTables(func(ti TableInfo) bool {
		t.Errorf("VisitTables after Release reported table %d", ti.ID)
		return true
	})

	if _, _, err := p2.Lookup(0); !errors.Is(err, ErrNotMapped) {
		t.Errorf("p2.Lookup(0) got err %v, want %v", err, ErrNotMapped)
	}
	if err := p1.Release(); err != nil {
		t.Errorf("second Release got err %v, want nil", err)
	}
}
