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
	"gvisor.dev/armtt/pkg/log"
)

// entryRange returns the input range translated by entry index of table id.
func (p *PageTables) entryRange(id TableID, index int) hostarch.AddrRange {
	size := levelSize(p.Allocator.Level(id))
	start := p.Allocator.Base(id) + hostarch.Addr(uint64(index)*size)
	return hostarch.AddrRange{Start: start, End: start + hostarch.Addr(size)}
}

// Replace atomically changes a valid-or-invalid leaf entry of a live
// context and removes any stale cached translation for it. Processors
// observe either the old or the new translation for every address in the
// entry's range, never a mix and never a fault that neither would produce.
//
// Replacing a Table entry, or installing one, is not supported: the
// subtree it points to would become unreachable while walkers may still be
// using it. Use Split to refine a Block.
//
// If the context is not live the entry is simply stored.
func (p *PageTables) Replace(table TableID, index int, d Descriptor) error {
	if index < 0 || index >= entriesPerPage {
		return fmt.Errorf("index %d: %w", index, ErrInvalidRegion)
	}
	if err := p.checkReleased("replace"); err != nil {
		return err
	}
	if !p.owns(table) {
		return fmt.Errorf("table %d is not part of asid %d: %w", table, p.asid, ErrUnsupportedReplacement)
	}
	level := p.Allocator.Level(table)
	pte := &p.Allocator.PTEs(table)[index]
	old := Decode(level, pte.Load())
	if old.Kind == Table {
		return fmt.Errorf("replacing table entry %d of level %d table %d: %w", index, level, table, ErrUnsupportedReplacement)
	}
	if d.Kind == Table {
		return fmt.Errorf("installing table entry %d of level %d table %d: %w", index, level, table, ErrUnsupportedReplacement)
	}
	v, err := Encode(level, d)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUnsupportedReplacement, err)
	}
	p.store(table, index, v)
	return nil
}

// store writes entry index of table id. Live contexts go through
// replaceEntry; otherwise the store is plain.
func (p *PageTables) store(id TableID, index int, v PTE) {
	pte := &p.Allocator.PTEs(id)[index]
	if !p.live {
		pte.Store(v)
		return
	}
	p.replaceEntry(pte, p.Allocator.Level(id), p.entryRange(id, index), v)
}

// replaceEntry runs the live update sequence for one entry:
//
//  1. single-copy atomic store of the new value;
//  2. DSB, so the store is visible to walkers in the scope;
//  3. TLBI over the entry's range, for this ASID or for all ASIDs if either
//     the old or the new mapping is global;
//  4. DSB, so the invalidation has completed, then ISB.
//
// No step may be reordered or dropped.
func (p *PageTables) replaceEntry(pte *PTE, level int, r hostarch.AddrRange, v PTE) {
	old := pte.Load()
	global := isGlobal(level, old) || isGlobal(level, v)

	pte.Store(v)
	p.cpu.DataSyncBarrier(p.scope)
	p.cpu.InvalidateTLB(r, p.asid, global, p.scope)
	p.cpu.DataSyncBarrier(p.scope)
	p.cpu.InstructionSyncBarrier()

	if log.IsLogging(log.Debug) {
		log.Debugf("pagetables: replaced level %d entry for %v: %#x -> %#x", level, r, uint64(old), uint64(v))
	}
}

// isGlobal returns true if pte is a global leaf at level.
func isGlobal(level int, pte PTE) bool {
	d := Decode(level, pte)
	return d.Kind.IsLeaf() && d.Opts.Global
}
