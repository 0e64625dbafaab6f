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

	"github.com/google/btree"

	"gvisor.dev/armtt/pkg/hostarch"
	"gvisor.dev/armtt/pkg/log"
)

// Region is one entry of the caller's memory map.
type Region struct {
	// Name identifies the region in errors and logs.
	Name string

	// Physical is the first output address.
	Physical uint64

	// Virtual is the first input address.
	Virtual hostarch.Addr

	// Length is the size in bytes.
	Length uint64

	// MemoryType selects cacheability.
	MemoryType hostarch.MemoryType

	// AccessType gives permissions; Execute marks the region executable.
	AccessType hostarch.AccessType

	// User makes the region accessible at EL0. User regions are tagged
	// with the context's ASID; others are global.
	User bool
}

// Range returns the input range of r. r must be valid.
func (r *Region) Range() hostarch.AddrRange {
	return hostarch.AddrRange{Start: r.Virtual, End: r.Virtual + hostarch.Addr(r.Length)}
}

// Opts returns the leaf attributes used to map r.
func (r *Region) Opts() MapOpts {
	o := MapOpts{
		AccessType: r.AccessType,
		User:       r.User,
		Global:     !r.User,
		MemoryType: r.MemoryType,
	}
	switch r.MemoryType {
	case hostarch.MemoryTypeWriteBack, hostarch.MemoryTypeWriteThrough:
		o.Shareability = InnerShareable
	case hostarch.MemoryTypeWriteCombine:
		o.Shareability = OuterShareable
	default:
		// Device memory is treated as outer shareable whatever SH says.
		o.Shareability = NonShareable
	}
	return o
}

// String implements fmt.Stringer.String.
func (r *Region) String() string {
	return fmt.Sprintf("%q %#x-%#x -> %#x %s", r.Name, uint64(r.Virtual), uint64(r.Virtual)+r.Length, r.Physical, r.Opts())
}

// validate checks r against the context's input address space.
func (p *PageTables) validate(r *Region) error {
	if r.Length == 0 {
		return fmt.Errorf("region %q is empty: %w", r.Name, ErrInvalidRegion)
	}
	if !r.Virtual.IsPageAligned() || !hostarch.Addr(r.Physical).IsPageAligned() || !hostarch.Addr(r.Length).IsPageAligned() {
		return fmt.Errorf("region %v is not page aligned: %w", r, ErrInvalidRegion)
	}
	vr, ok := r.Virtual.ToRange(r.Length)
	if !ok || r.Physical+r.Length < r.Physical {
		return fmt.Errorf("region %v overflows: %w", r, ErrInvalidRegion)
	}
	if vr.End > p.inputLimit() {
		return fmt.Errorf("region %v exceeds %d-bit input addresses: %w", r, p.vaBits, ErrInvalidRegion)
	}
	if r.Physical+r.Length > 1<<outputAddressBits {
		return fmt.Errorf("region %v exceeds %d-bit output addresses: %w", r, outputAddressBits, ErrInvalidRegion)
	}
	if err := checkOpts(r.Opts()); err != nil {
		return fmt.Errorf("region %q: %w", r.Name, err)
	}
	return nil
}

// checkConflicts returns ErrRegionConflict if any two regions overlap in
// input address.
func checkConflicts(regions []Region) error {
	set := btree.NewG(8, func(a, b *Region) bool {
		return a.Virtual < b.Virtual
	})
	for i := range regions {
		r := &regions[i]
		rr := r.Range()
		var conflict *Region
		set.DescendLessOrEqual(r, func(o *Region) bool {
			if o.Range().Overlaps(rr) {
				conflict = o
			}
			return false
		})
		if conflict == nil {
			set.AscendGreaterOrEqual(r, func(o *Region) bool {
				if o.Range().Overlaps(rr) {
					conflict = o
				}
				return false
			})
		}
		if conflict != nil {
			log.Warningf("pagetables: region %v overlaps %v", r, conflict)
			return fmt.Errorf("region %q %v overlaps %q %v: %w", r.Name, rr, conflict.Name, conflict.Range(), ErrRegionConflict)
		}
		set.ReplaceOrInsert(r)
	}
	return nil
}

// Map maps a single region. Entries already present that translate the
// same way are kept; others are overwritten or split.
//
// If allocation fails part way, the entries written for lower addresses of
// the region stay in place and the error wraps ErrOutOfMemory.
func (p *PageTables) Map(r Region) error {
	if err := p.checkReleased("map " + r.Name); err != nil {
		return err
	}
	if err := p.validate(&r); err != nil {
		return err
	}
	return p.mapRegion(&r)
}

// MapRegions maps a list of regions. Every region is validated and checked
// for overlap before anything is written, so a conflict or invalid region
// leaves the tables untouched.
func (p *PageTables) MapRegions(regions []Region) error {
	if err := p.checkReleased("map regions"); err != nil {
		return err
	}
	for i := range regions {
		if err := p.validate(&regions[i]); err != nil {
			return err
		}
	}
	if err := checkConflicts(regions); err != nil {
		return err
	}
	for i := range regions {
		if err := p.mapRegion(&regions[i]); err != nil {
			return err
		}
	}
	return nil
}

func (p *PageTables) mapRegion(r *Region) error {
	rr := r.Range()
	offset := r.Physical - uint64(rr.Start)
	if err := p.mapRange(p.root, rr.Start, rr.End, offset, r.Opts()); err != nil {
		log.Warningf("pagetables: mapping region %v failed: %v", r, err)
		return fmt.Errorf("mapping region %q: %w", r.Name, err)
	}
	log.Debugf("pagetables: mapped region %v", r)
	return nil
}
