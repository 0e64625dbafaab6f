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

// Package pagetables builds and mutates AArch64 stage 1 translation tables.
//
// Tables use the 4K granule and live in an Arena. A PageTables value is one
// translation context: a root table, an ASID and the CPU used for
// maintenance. Every operation takes the context explicitly.
//
// While a context is not live its tables are written with plain stores.
// Once installed, every entry update goes through the live replacement
// protocol in replace.go.
//
// Callers must serialize all calls against the same context.
package pagetables

import (
	"fmt"
	"time"

	"gvisor.dev/armtt/pkg/hostarch"
	"gvisor.dev/armtt/pkg/log"
	"gvisor.dev/armtt/pkg/ring0"
)

// Input address size limits. The 4K granule supports T0SZ values from 16
// to 39.
const (
	MinVABits     = 25
	MaxVABits     = 48
	DefaultVABits = MaxVABits
)

// ttbrASIDShift is the position of the ASID in TTBR0_EL1.
const ttbrASIDShift = 48

// Opts are context options.
type Opts struct {
	// VABits is the input address size. Zero means DefaultVABits.
	VABits uint

	// ASID tags non-global translations.
	ASID uint16

	// Scope is the domain for barriers and TLB maintenance while live.
	Scope ring0.Scope
}

// PageTables is a translation context.
type PageTables struct {
	// Allocator holds this context's tables.
	Allocator *Arena

	cpu       ring0.CPU
	root      TableID
	rootLevel int
	vaBits    uint
	asid      uint16
	scope     ring0.Scope

	// live is set while the context is installed.
	live bool

	// released is set by Release. root is noTable afterwards.
	released bool

	// splitLog reports splits without flooding the log when a large
	// region is refined.
	splitLog log.Logger
}

// startLevel returns the initial lookup level for an input address size.
func startLevel(vaBits uint) int {
	switch {
	case vaBits > 39:
		return 0
	case vaBits > 30:
		return 1
	default:
		return 2
	}
}

// New returns a new context with an empty root table.
func New(a *Arena, cpu ring0.CPU, opts Opts) (*PageTables, error) {
	if opts.VABits == 0 {
		opts.VABits = DefaultVABits
	}
	if opts.VABits < MinVABits || opts.VABits > MaxVABits {
		return nil, fmt.Errorf("input address size %d not in [%d, %d]: %w", opts.VABits, MinVABits, MaxVABits, ErrInvalidRegion)
	}
	p := &PageTables{
		Allocator: a,
		cpu:       cpu,
		rootLevel: startLevel(opts.VABits),
		vaBits:    opts.VABits,
		asid:      opts.ASID,
		scope:     opts.Scope,
		splitLog:  log.BasicRateLimitedLogger(time.Second),
	}
	h, err := a.Allocate(p.rootLevel)
	if err != nil {
		return nil, fmt.Errorf("allocating root table: %w", err)
	}
	cpu.CleanInvalidateDataCache(h.Physical(), tableBytes())
	p.root = a.linkRoot(h)
	log.Infof("pagetables: new context asid=%d va-bits=%d root level %d at %#x", p.asid, p.vaBits, p.rootLevel, a.Physical(p.root))
	return p, nil
}

// Root returns the root table.
func (p *PageTables) Root() TableID {
	return p.root
}

// RootLevel returns the initial lookup level.
func (p *PageTables) RootLevel() int {
	return p.rootLevel
}

// VABits returns the input address size.
func (p *PageTables) VABits() uint {
	return p.vaBits
}

// ASID returns the context's address space identifier.
func (p *PageTables) ASID() uint16 {
	return p.asid
}

// Live returns true while the context is installed.
func (p *PageTables) Live() bool {
	return p.live
}

// inputLimit returns the end of the input address space.
func (p *PageTables) inputLimit() hostarch.Addr {
	return hostarch.Addr(1) << p.vaBits
}

// TTBR returns the TTBR0_EL1 value selecting this context. It panics after
// Release.
func (p *PageTables) TTBR() uint64 {
	if p.released {
		panic("TTBR of released page tables")
	}
	return uint64(p.Allocator.Physical(p.root)) | uint64(p.asid)<<ttbrASIDShift
}

// TCR returns the TTBR0 half of TCR_EL1 for this context: T0SZ, 4K granule,
// inner shareable write-back walks. IPS and the TTBR1 fields are left to the
// caller.
func (p *PageTables) TCR() uint64 {
	const (
		irgn0WriteBack = 1 << 8
		orgn0WriteBack = 1 << 10
		sh0Inner       = 3 << 12
		tg0Granule4K   = 0 << 14
	)
	return uint64(64-p.vaBits) | irgn0WriteBack | orgn0WriteBack | sh0Inner | tg0Granule4K
}

// Install makes this context the one used for translation by the executing
// processor and returns the previous TTBR0_EL1 value. From this point all
// mutations use the live replacement protocol.
func (p *PageTables) Install() uint64 {
	if p.released {
		panic("Install of released page tables")
	}
	// Table writes must be complete before the walker can observe them.
	p.cpu.DataSyncBarrier(p.scope)
	prev := p.cpu.InstallTranslationTable(p.TTBR())
	p.cpu.InstructionSyncBarrier()
	p.live = true
	log.Infof("pagetables: installed asid=%d ttbr=%#x (previous %#x)", p.asid, p.TTBR(), prev)
	return prev
}

// Uninstall switches the processor back to previous and discards this
// context's cached translations. The context is no longer live afterwards.
func (p *PageTables) Uninstall(previous uint64) {
	if !p.live {
		return
	}
	p.cpu.InstallTranslationTable(previous)
	p.cpu.DataSyncBarrier(p.scope)
	p.cpu.InvalidateTLB(hostarch.AddrRange{Start: 0, End: p.inputLimit()}, p.asid, true, p.scope)
	p.cpu.DataSyncBarrier(p.scope)
	p.cpu.InstructionSyncBarrier()
	p.live = false
	log.Infof("pagetables: uninstalled asid=%d, restored ttbr=%#x", p.asid, previous)
}

// Release tears down every table of the context. It fails with ErrLive
// while the context is installed.
func (p *PageTables) Release() error {
	if p.live {
		return fmt.Errorf("releasing asid %d: %w", p.asid, ErrLive)
	}
	if p.released {
		return nil
	}
	n := p.freeSubtree(p.root)
	p.root = noTable
	p.released = true
	log.Infof("pagetables: released asid=%d (%d tables)", p.asid, n)
	return nil
}

// freeSubtree frees id and every table below it, returning the number of
// tables freed. The caller must have made id unreachable.
func (p *PageTables) freeSubtree(id TableID) int {
	level := p.Allocator.Level(id)
	ptes := p.Allocator.PTEs(id)
	n := 1
	if level < maxLevel {
		for i := range ptes {
			d := Decode(level, ptes[i].Load())
			if d.Kind != Table {
				continue
			}
			child, ok := p.Allocator.LookupPTEs(uintptr(d.Address))
			if !ok {
				panic(fmt.Sprintf("table %d entry %d points to unknown table %#x", id, i, d.Address))
			}
			n += p.freeSubtree(child)
		}
	}
	p.Allocator.free(id)
	return n
}

// checkReleased returns a wrapped ErrReleased once the context's tables
// have been handed back to the arena.
func (p *PageTables) checkReleased(op string) error {
	if p.released {
		return fmt.Errorf("%s on asid %d: %w", op, p.asid, ErrReleased)
	}
	return nil
}

// owns returns true if table id belongs to this context.
func (p *PageTables) owns(id TableID) bool {
	return !p.released && p.Allocator.contains(id) && p.Allocator.rootOf(id) == p.root
}

// child returns the table referenced by a Table descriptor.
func (p *PageTables) child(d Descriptor) TableID {
	id, ok := p.Allocator.LookupPTEs(uintptr(d.Address))
	if !ok {
		panic(fmt.Sprintf("table descriptor points to unknown table %#x", d.Address))
	}
	return id
}
