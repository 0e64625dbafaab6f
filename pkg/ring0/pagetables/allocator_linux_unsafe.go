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

//go:build linux
// +build linux

package pagetables

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
	"gvisor.dev/armtt/pkg/hostarch"
)

// MmapSource is a Source backed by a fixed anonymous mapping. It models a
// firmware memory pool reserved for translation tables: once the mapping is
// exhausted, Alloc fails with ErrOutOfMemory.
type MmapSource struct {
	mem   []byte
	next  int
	freed []*PTEs
}

// NewMmapSource maps room for n tables.
func NewMmapSource(n int) (*MmapSource, error) {
	if n <= 0 {
		return nil, fmt.Errorf("invalid table count %d", n)
	}
	mem, err := unix.Mmap(-1, 0, n*hostarch.PageSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("mmap of %d tables failed: %w", n, err)
	}
	return &MmapSource{mem: mem}, nil
}

// Alloc implements Source.Alloc.
func (s *MmapSource) Alloc() (*PTEs, error) {
	if n := len(s.freed); n > 0 {
		ptes := s.freed[n-1]
		s.freed = s.freed[:n-1]
		*ptes = PTEs{}
		return ptes, nil
	}
	if s.next+hostarch.PageSize > len(s.mem) {
		return nil, fmt.Errorf("mmap pool of %d tables exhausted: %w", len(s.mem)/hostarch.PageSize, ErrOutOfMemory)
	}
	// Fresh anonymous memory is already zero.
	ptes := (*PTEs)(unsafe.Pointer(&s.mem[s.next]))
	s.next += hostarch.PageSize
	return ptes, nil
}

// PhysicalFor implements Source.PhysicalFor.
func (s *MmapSource) PhysicalFor(ptes *PTEs) uintptr {
	return uintptr(unsafe.Pointer(ptes))
}

// Free implements Source.Free.
func (s *MmapSource) Free(ptes *PTEs) {
	s.freed = append(s.freed, ptes)
}

// Close unmaps the pool. No table from it may be in use.
func (s *MmapSource) Close() error {
	if s.mem == nil {
		return nil
	}
	err := unix.Munmap(s.mem)
	s.mem = nil
	return err
}
