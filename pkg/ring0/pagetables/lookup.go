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
	"fmt"

	"gvisor.dev/armtt/pkg/hostarch"
)

// Mapping is one leaf translation.
type Mapping struct {
	// Range is the input range translated by the leaf.
	Range hostarch.AddrRange

	// Physical is the output address of Range.Start.
	Physical uint64

	// Opts are the leaf attributes.
	Opts MapOpts

	// Level and Kind identify the leaf.
	Level int
	Kind  Kind
}

// String implements fmt.Stringer.String.
func (m Mapping) String() string {
	return fmt.Sprintf("%v -> %#x %s L%d %s", m.Range, m.Physical, m.Kind, m.Level, m.Opts)
}

// Walk calls fn for every leaf translating an address in [start, end), in
// address order, until fn returns false. Leaves that extend past either
// bound are reported whole. A released context has no leaves.
//
// Entries are read with single-copy atomic loads.
func (p *PageTables) Walk(start, end hostarch.Addr, fn func(Mapping) bool) {
	if end > p.inputLimit() {
		end = p.inputLimit()
	}
	if p.released || start >= end {
		return
	}
	p.walk(p.root, start, end, fn)
}

func (p *PageTables) walk(id TableID, start, end hostarch.Addr, fn func(Mapping) bool) bool {
	level := p.Allocator.Level(id)
	size := levelSize(level)
	ptes := p.Allocator.PTEs(id)
	base := p.Allocator.Base(id)

	for addr := start; addr < end; {
		i := indexOf(addr, level)
		entryStart := base + hostarch.Addr(uint64(i)*size)
		entryEnd := entryStart + hostarch.Addr(size)
		segEnd := end
		if entryEnd < segEnd {
			segEnd = entryEnd
		}

		d := Decode(level, ptes[i].Load())
		switch d.Kind {
		case Invalid:
		case Table:
			if !p.walk(p.child(d), addr, segEnd, fn) {
				return false
			}
		default:
			m := Mapping{
				Range:    hostarch.AddrRange{Start: entryStart, End: entryEnd},
				Physical: d.Address,
				Opts:     d.Opts,
				Level:    level,
				Kind:     d.Kind,
			}
			if !fn(m) {
				return false
			}
		}
		addr = segEnd
	}
	return true
}

// Lookup returns the output address and attributes for addr. It returns an
// error wrapping ErrNotMapped if addr has no valid translation.
func (p *PageTables) Lookup(addr hostarch.Addr) (uint64, MapOpts, error) {
	if err := p.checkReleased("lookup"); err != nil {
		return 0, MapOpts{}, err
	}
	if addr >= p.inputLimit() {
		return 0, MapOpts{}, fmt.Errorf("lookup %v: beyond %d-bit input addresses: %w", addr, p.vaBits, ErrNotMapped)
	}
	id := p.root
	for {
		level := p.Allocator.Level(id)
		d := Decode(level, p.Allocator.PTEs(id)[indexOf(addr, level)].Load())
		switch d.Kind {
		case Invalid:
			return 0, MapOpts{}, fmt.Errorf("lookup %v: %w", addr, ErrNotMapped)
		case Table:
			id = p.child(d)
		default:
			return d.Address + uint64(addr)&(levelSize(level)-1), d.Opts, nil
		}
	}
}

// TableInfo describes one table of a context.
type TableInfo struct {
	ID       TableID
	Level    int
	Base     hostarch.Addr
	Physical uintptr
	PTEs     *PTEs
}

// VisitTables calls fn for every table of the context, parents before
// children, until fn returns false. A released context has no tables.
func (p *PageTables) VisitTables(fn func(TableInfo) bool) {
	if p.released {
		return
	}
	p.visitTables(p.root, fn)
}

func (p *PageTables) visitTables(id TableID, fn func(TableInfo) bool) bool {
	t := p.Allocator.info(id)
	if !fn(TableInfo{ID: id, Level: t.level, Base: t.base, Physical: t.physical, PTEs: t.ptes}) {
		return false
	}
	if t.level == maxLevel {
		return true
	}
	for i := range t.ptes {
		d := Decode(t.level, t.ptes[i].Load())
		if d.Kind != Table {
			continue
		}
		if !p.visitTables(p.child(d), fn) {
			return false
		}
	}
	return true
}
