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

	"gvisor.dev/armtt/pkg/cleanup"
)

// Split replaces the Block at entry index of table with a Table entry
// pointing to a new next-level table of 512 leaves. Leaf i maps the
// block's output address plus i times the child entry size with the
// block's attributes, so every address in the block translates exactly as
// before.
//
// The child table is fully written and cleaned to the point of coherency
// before the parent entry is changed. If the context is live the parent is
// updated with the live replacement sequence.
//
// It returns the new table. On error nothing is written.
func (p *PageTables) Split(table TableID, index int) (TableID, error) {
	if index < 0 || index >= entriesPerPage {
		return 0, fmt.Errorf("index %d: %w", index, ErrInvalidRegion)
	}
	if err := p.checkReleased("split"); err != nil {
		return 0, err
	}
	if !p.owns(table) {
		return 0, fmt.Errorf("table %d is not part of asid %d: %w", table, p.asid, ErrUnsupportedSplit)
	}
	level := p.Allocator.Level(table)
	old := Decode(level, p.Allocator.PTEs(table)[index].Load())
	if old.Kind != Block {
		return 0, fmt.Errorf("level %d table %d entry %d is %v: %w", level, table, index, old.Kind, ErrUnsupportedSplit)
	}

	h, err := p.Allocator.Allocate(level + 1)
	if err != nil {
		return 0, fmt.Errorf("splitting %v: %w", p.entryRange(table, index), err)
	}
	cu := cleanup.Make(func() { p.Allocator.Release(h) })
	defer cu.Clean()

	childLevel := level + 1
	step := levelSize(childLevel)
	ptes := h.PTEs()
	for i := range ptes {
		v, err := Encode(childLevel, Descriptor{
			Kind:    leafKind(childLevel),
			Address: old.Address + uint64(i)*step,
			Opts:    old.Opts,
		})
		if err != nil {
			return 0, err
		}
		ptes[i].Store(v)
	}
	tv, err := Encode(level, Descriptor{Kind: Table, Address: uint64(h.Physical())})
	if err != nil {
		return 0, err
	}
	p.cpu.CleanInvalidateDataCache(h.Physical(), tableBytes())

	cu.Release()
	child := p.Allocator.linkChild(h, table, index)
	p.store(table, index, tv)

	p.splitLog.Infof("pagetables: split %s at %v into level %d table %d", old.Kind, p.entryRange(table, index), childLevel, child)
	return child, nil
}
