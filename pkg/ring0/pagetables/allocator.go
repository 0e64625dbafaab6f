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

	"gvisor.dev/armtt/pkg/bitmap"
	"gvisor.dev/armtt/pkg/hostarch"
	"gvisor.dev/armtt/pkg/log"
)

// Source provides the memory backing translation tables.
//
// Note that sources are not called concurrently; the arena serializes.
type Source interface {
	// Alloc returns a zeroed, page-aligned table. It returns an error
	// wrapping ErrOutOfMemory when exhausted.
	Alloc() (*PTEs, error)

	// PhysicalFor gives the physical address for a set of PTEs.
	PhysicalFor(ptes *PTEs) uintptr

	// Free returns a table previously returned by Alloc.
	Free(ptes *PTEs)
}

// TableID names a table in an Arena.
type TableID uint32

// noTable is the parent of root tables.
const noTable = ^TableID(0)

// tableInfo is the arena's record of one table.
type tableInfo struct {
	ptes     *PTEs
	physical uintptr
	level    int

	// base is the first input address covered by the table. It is set
	// when the table is linked.
	base hostarch.Addr

	// parent and index identify the entry that owns the table. parent is
	// noTable for roots and for tables still owned by a Handle.
	parent TableID
	index  int
	linked bool
}

// Arena holds every translation table of one or more contexts and tracks
// which entry owns each of them.
//
// Arenas are not safe for concurrent use; callers serialize all writers.
type Arena struct {
	source    Source
	maxTables int

	tables     []tableInfo
	used       bitmap.Bitmap
	byPhysical map[uintptr]TableID

	allocs   uint64
	releases uint64
}

// ArenaOpts are arena options.
type ArenaOpts struct {
	// Source backs the tables. If nil, a HeapSource is used.
	Source Source

	// MaxTables bounds the number of live tables. Zero means unbounded.
	MaxTables int
}

// NewArena returns a new, empty arena.
func NewArena(opts ArenaOpts) *Arena {
	if opts.Source == nil {
		opts.Source = NewHeapSource()
	}
	return &Arena{
		source:     opts.Source,
		maxTables:  opts.MaxTables,
		used:       bitmap.New(64),
		byPhysical: make(map[uintptr]TableID),
	}
}

// Handle is the exclusive owner of a table that is not linked into any
// hierarchy. Linking consumes it.
type Handle struct {
	arena *Arena
	id    TableID
	level int
	done  bool
}

// ID returns the table's identifier.
func (h *Handle) ID() TableID {
	return h.id
}

// Level returns the lookup level the table was allocated for.
func (h *Handle) Level() int {
	return h.level
}

// PTEs returns the table. Entries may be written with plain stores while
// the handle owns the table.
func (h *Handle) PTEs() *PTEs {
	h.check()
	return h.arena.tables[h.id].ptes
}

// Physical returns the table's physical address.
func (h *Handle) Physical() uintptr {
	h.check()
	return h.arena.tables[h.id].physical
}

func (h *Handle) check() {
	if h.done {
		panic(fmt.Sprintf("use of consumed handle for table %d", h.id))
	}
}

// Allocate returns an owning handle to a zeroed, aligned table for the given
// level. Nothing points at the table until it is linked.
func (a *Arena) Allocate(level int) (*Handle, error) {
	if level < minLevel || level > maxLevel {
		panic(fmt.Sprintf("invalid table level %d", level))
	}
	if a.maxTables > 0 && a.used.Used() >= a.maxTables {
		return nil, fmt.Errorf("arena limit of %d tables reached: %w", a.maxTables, ErrOutOfMemory)
	}
	ptes, err := a.source.Alloc()
	if err != nil {
		return nil, err
	}

	slot := a.used.Take()
	id := TableID(slot)
	info := tableInfo{
		ptes:     ptes,
		physical: a.source.PhysicalFor(ptes),
		level:    level,
		parent:   noTable,
	}
	if int(id) < len(a.tables) {
		a.tables[id] = info
	} else {
		a.tables = append(a.tables, info)
	}
	a.byPhysical[info.physical] = id
	a.allocs++
	if log.IsLogging(log.Debug) {
		log.Debugf("pagetables: allocated level %d table %d at %#x", level, id, info.physical)
	}
	return &Handle{arena: a, id: id, level: level}, nil
}

// Release returns an unlinked table to the source. The handle is consumed.
func (a *Arena) Release(h *Handle) {
	h.check()
	h.done = true
	a.free(h.id)
}

// linkRoot transfers ownership of h to a context as its root table.
func (a *Arena) linkRoot(h *Handle) TableID {
	h.check()
	h.done = true
	t := &a.tables[h.id]
	t.linked = true
	t.base = 0
	return h.id
}

// linkChild transfers ownership of h to entry index of parent. The caller
// writes the table descriptor afterwards.
func (a *Arena) linkChild(h *Handle, parent TableID, index int) TableID {
	h.check()
	p := &a.tables[parent]
	if h.level != p.level+1 {
		panic(fmt.Sprintf("linking level %d table %d under level %d table %d", h.level, h.id, p.level, parent))
	}
	h.done = true
	t := &a.tables[h.id]
	t.parent = parent
	t.index = index
	t.linked = true
	t.base = p.base + hostarch.Addr(uint64(index)*levelSize(p.level))
	return h.id
}

// free releases a table regardless of ownership. It is used by Release and
// by teardown, which first clears the owning entry.
func (a *Arena) free(id TableID) {
	t := a.tables[id]
	if t.ptes == nil {
		panic(fmt.Sprintf("double free of table %d", id))
	}
	delete(a.byPhysical, t.physical)
	a.source.Free(t.ptes)
	a.tables[id] = tableInfo{}
	a.used.Put(uint32(id))
	a.releases++
	if log.IsLogging(log.Debug) {
		log.Debugf("pagetables: released table %d at %#x", id, t.physical)
	}
}

func (a *Arena) info(id TableID) *tableInfo {
	if int(id) >= len(a.tables) || a.tables[id].ptes == nil {
		panic(fmt.Sprintf("unknown table %d", id))
	}
	return &a.tables[id]
}

// PTEs returns the entries of table id.
func (a *Arena) PTEs(id TableID) *PTEs {
	return a.info(id).ptes
}

// Physical returns the physical address of table id.
func (a *Arena) Physical(id TableID) uintptr {
	return a.info(id).physical
}

// Level returns the lookup level of table id.
func (a *Arena) Level(id TableID) int {
	return a.info(id).level
}

// Base returns the first input address covered by table id.
func (a *Arena) Base(id TableID) hostarch.Addr {
	return a.info(id).base
}

// LookupPTEs looks up a table by physical address, as found in a Table
// descriptor.
func (a *Arena) LookupPTEs(physical uintptr) (TableID, bool) {
	id, ok := a.byPhysical[physical]
	return id, ok
}

// contains returns true if id is a live table.
func (a *Arena) contains(id TableID) bool {
	return int(id) < len(a.tables) && a.tables[id].ptes != nil
}

// rootOf follows ownership links from id to its root table.
func (a *Arena) rootOf(id TableID) TableID {
	for {
		t := a.info(id)
		if t.parent == noTable {
			return id
		}
		id = t.parent
	}
}

// ArenaStats are arena counters.
type ArenaStats struct {
	// Live is the number of tables currently allocated.
	Live int

	// Allocated and Released count operations since creation.
	Allocated uint64
	Released  uint64
}

// Stats returns the arena counters.
func (a *Arena) Stats() ArenaStats {
	return ArenaStats{
		Live:      a.used.Used(),
		Allocated: a.allocs,
		Released:  a.releases,
	}
}
