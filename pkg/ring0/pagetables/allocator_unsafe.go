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
	"unsafe"

	"gvisor.dev/armtt/pkg/hostarch"
)

// tablesPerSlab is the number of tables carved from one heap slab.
const tablesPerSlab = 16

// HeapSource is a Source backed by the Go heap. Physical addresses are host
// addresses, which matches identity-mapped firmware and host-side tests.
type HeapSource struct {
	// slabs keeps the backing arrays reachable.
	slabs [][]byte

	// freed is a list of tables available for reuse.
	freed []*PTEs
}

// NewHeapSource returns a new HeapSource.
func NewHeapSource() *HeapSource {
	return &HeapSource{}
}

// Alloc implements Source.Alloc.
func (s *HeapSource) Alloc() (*PTEs, error) {
	if len(s.freed) == 0 {
		s.grow()
	}
	ptes := s.freed[len(s.freed)-1]
	s.freed = s.freed[:len(s.freed)-1]
	*ptes = PTEs{}
	return ptes, nil
}

// grow carves a new slab into aligned tables. The slab is one page larger
// than needed so that every table can be aligned to its own size.
func (s *HeapSource) grow() {
	slab := make([]byte, (tablesPerSlab+1)*hostarch.PageSize)
	start := uintptr(unsafe.Pointer(&slab[0]))
	offset := int((hostarch.PageSize - start%hostarch.PageSize) % hostarch.PageSize)
	s.slabs = append(s.slabs, slab)
	for i := tablesPerSlab - 1; i >= 0; i-- {
		s.freed = append(s.freed, (*PTEs)(unsafe.Pointer(&slab[offset+i*hostarch.PageSize])))
	}
}

// PhysicalFor implements Source.PhysicalFor.
func (s *HeapSource) PhysicalFor(ptes *PTEs) uintptr {
	return uintptr(unsafe.Pointer(ptes))
}

// Free implements Source.Free.
func (s *HeapSource) Free(ptes *PTEs) {
	s.freed = append(s.freed, ptes)
}

// tableBytes returns the size of a table in bytes.
func tableBytes() uintptr {
	return unsafe.Sizeof(PTEs{})
}
