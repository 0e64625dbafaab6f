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

// mapRange maps [start, end) within table id so that each address va
// translates to va+offset (modulo 2^64) with opts.
//
// Entries are filled with the largest leaf that fits: the entry must be
// wholly covered, its output address aligned to the entry size, and a
// leaf legal at the level. Existing Table entries are descended into and
// never merged. Existing leaves that already translate consistently are
// left alone; other leaves are overwritten when the new leaf fits and
// split otherwise.
func (p *PageTables) mapRange(id TableID, start, end hostarch.Addr, offset uint64, opts MapOpts) error {
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
		pa := uint64(entryStart) + offset
		fits := addr == entryStart && segEnd == entryEnd && leafAllowed(level) && pa&(size-1) == 0

		d := Decode(level, ptes[i].Load())
		switch {
		case d.Kind == Invalid && fits, d.Kind.IsLeaf() && fits && !(d.Address == pa && d.Opts == opts):
			v, err := Encode(level, Descriptor{Kind: leafKind(level), Address: pa, Opts: opts})
			if err != nil {
				return err
			}
			p.store(id, i, v)
		case d.Kind == Invalid:
			child, err := p.newChild(id, i)
			if err != nil {
				return err
			}
			if err := p.mapRange(child, addr, segEnd, offset, opts); err != nil {
				return err
			}
		case d.Kind == Table:
			if err := p.mapRange(p.child(d), addr, segEnd, offset, opts); err != nil {
				return err
			}
		case d.Address == pa && d.Opts == opts:
			// Already translates as requested.
		case d.Kind == Block:
			child, err := p.Split(id, i)
			if err != nil {
				return err
			}
			if err := p.mapRange(child, addr, segEnd, offset, opts); err != nil {
				return err
			}
		default:
			panic(fmt.Sprintf("unexpected %v at level %d covering %#x", d, level, addr))
		}
		addr = segEnd
	}
	return nil
}

// newChild allocates a next-level table, links it to entry index of id and
// writes the Table descriptor.
func (p *PageTables) newChild(id TableID, index int) (TableID, error) {
	level := p.Allocator.Level(id)
	h, err := p.Allocator.Allocate(level + 1)
	if err != nil {
		return 0, fmt.Errorf("table for %v: %w", p.entryRange(id, index), err)
	}
	v, err := Encode(level, Descriptor{Kind: Table, Address: uint64(h.Physical())})
	if err != nil {
		p.Allocator.Release(h)
		return 0, err
	}
	p.cpu.CleanInvalidateDataCache(h.Physical(), tableBytes())
	child := p.Allocator.linkChild(h, id, index)
	p.store(id, index, v)
	return child, nil
}

// Unmap removes all translations for [addr, addr+length). Blocks that are
// only partly covered are split first.
//
// Tables that become empty are freed only while the context is not live;
// a live context keeps them, since a walker may still hold them.
func (p *PageTables) Unmap(addr hostarch.Addr, length uint64) error {
	if err := p.checkReleased("unmap"); err != nil {
		return err
	}
	r, ok := addr.ToRange(length)
	if !ok || length == 0 || !addr.IsPageAligned() || !hostarch.Addr(length).IsPageAligned() || r.End > p.inputLimit() {
		return fmt.Errorf("unmap [%#x, +%#x): %w", addr, length, ErrInvalidRegion)
	}
	if err := p.unmapRange(p.root, r.Start, r.End); err != nil {
		return fmt.Errorf("unmap %v: %w", r, err)
	}
	return nil
}

// unmapRange clears [start, end) within table id.
func (p *PageTables) unmapRange(id TableID, start, end hostarch.Addr) error {
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
		whole := addr == entryStart && segEnd == entryEnd

		d := Decode(level, ptes[i].Load())
		switch {
		case d.Kind == Invalid:
		case d.Kind.IsLeaf() && whole:
			p.store(id, i, 0)
		case d.Kind == Block:
			child, err := p.Split(id, i)
			if err != nil {
				return err
			}
			if err := p.unmapRange(child, addr, segEnd); err != nil {
				return err
			}
		case d.Kind == Table:
			child := p.child(d)
			if err := p.unmapRange(child, addr, segEnd); err != nil {
				return err
			}
			if !p.live && p.empty(child) {
				p.store(id, i, 0)
				p.freeSubtree(child)
			}
		default:
			panic(fmt.Sprintf("unexpected %v at level %d covering %#x", d, level, addr))
		}
		addr = segEnd
	}
	return nil
}

// empty returns true if table id has no valid entries.
func (p *PageTables) empty(id TableID) bool {
	ptes := p.Allocator.PTEs(id)
	for i := range ptes {
		if ptes[i].Load().Valid() {
			return false
		}
	}
	return true
}
