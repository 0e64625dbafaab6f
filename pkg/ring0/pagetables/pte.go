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
	"sync/atomic"

	"gvisor.dev/armtt/pkg/hostarch"
)

// Translation regime constants for the 4K granule.
const (
	entriesPerPage = 512
	levelBits      = 9

	// minLevel and maxLevel bound the lookup levels. Level 0 tables cover
	// 512 GiB per entry and cannot hold blocks; level 3 holds pages.
	minLevel = 0
	maxLevel = 3

	pteSize = hostarch.PageSize
	pmdSize = hostarch.HugePageSize
	pudSize = hostarch.JumboPageSize
)

// levelShift returns the binary log of the input range covered by one entry
// at the given level.
func levelShift(level int) uint {
	return hostarch.PageShift + levelBits*uint(maxLevel-level)
}

// levelSize returns the input range covered by one entry at the given level.
func levelSize(level int) uint64 {
	return 1 << levelShift(level)
}

// indexOf returns the index of the entry covering addr at the given level.
func indexOf(addr hostarch.Addr, level int) int {
	return int((uint64(addr) >> levelShift(level)) & (entriesPerPage - 1))
}

// leafAllowed returns true if a Block or Page may be written at level.
func leafAllowed(level int) bool {
	return level >= 1 && level <= maxLevel
}

// leafKind returns the leaf kind used at level.
func leafKind(level int) Kind {
	if level == maxLevel {
		return Page
	}
	return Block
}

// Bits in translation table descriptors (VMSAv8-64, stage 1).
const (
	validBit      = 1 << 0
	tableBit      = 1 << 1 // Table at levels 0-2, Page at level 3.
	attrIndxShift = 2
	attrIndxMask  = 0x7 << attrIndxShift
	apUser        = 1 << 6 // AP[1]: accessible at EL0.
	apReadOnly    = 1 << 7 // AP[2]
	shShift       = 8
	shMask        = 0x3 << shShift
	accessFlag    = 1 << 10
	notGlobal     = 1 << 11
	pxn           = 1 << 53
	uxn           = 1 << 54

	outputAddressBits = hostarch.PhysicalAddressBits
	addressMask       = (1<<outputAddressBits - 1) &^ (hostarch.PageSize - 1)
)

// MAIR is the MAIR_EL1 value matching the attribute indexes written by this
// package. It must be installed before any table produced here is used.
//
//	Attr0 0xff normal, inner/outer write-back non-transient, rw-allocate
//	Attr1 0x00 device nGnRnE
//	Attr2 0x44 normal, inner/outer non-cacheable
//	Attr3 0xbb normal, inner/outer write-through non-transient, r-allocate
//	Attr4 0x04 device nGnRE
const MAIR = 0xff | 0x00<<8 | 0x44<<16 | 0xbb<<24 | 0x04<<32

// attrIndex maps memory types to MAIR slots.
var attrIndex = [hostarch.NumMemoryTypes]uint64{
	hostarch.MemoryTypeWriteBack:    0,
	hostarch.MemoryTypeUncached:     1,
	hostarch.MemoryTypeWriteCombine: 2,
	hostarch.MemoryTypeWriteThrough: 3,
	hostarch.MemoryTypeDevice:       4,
}

// memoryTypeOf is the inverse of attrIndex. Unused slots decode as the
// strongest device type.
var memoryTypeOf = [8]hostarch.MemoryType{
	0: hostarch.MemoryTypeWriteBack,
	1: hostarch.MemoryTypeUncached,
	2: hostarch.MemoryTypeWriteCombine,
	3: hostarch.MemoryTypeWriteThrough,
	4: hostarch.MemoryTypeDevice,
	5: hostarch.MemoryTypeUncached,
	6: hostarch.MemoryTypeUncached,
	7: hostarch.MemoryTypeUncached,
}

// Kind is the type of a descriptor. The set of kinds is fixed by the
// hardware format.
type Kind uint8

const (
	// Invalid entries fault on access.
	Invalid Kind = iota

	// Block entries map an aligned 1 GiB (level 1) or 2 MiB (level 2)
	// region directly.
	Block

	// Page entries map a single 4 KiB granule at level 3.
	Page

	// Table entries point to a next-level table.
	Table
)

// String implements fmt.Stringer.String.
func (k Kind) String() string {
	switch k {
	case Invalid:
		return "invalid"
	case Block:
		return "block"
	case Page:
		return "page"
	case Table:
		return "table"
	default:
		return fmt.Sprintf("Kind(%d)", k)
	}
}

// IsLeaf returns true for Block and Page.
func (k Kind) IsLeaf() bool {
	return k == Block || k == Page
}

// Shareability is the SH field of a leaf descriptor.
type Shareability uint8

const (
	// NonShareable memory is coherent only for the local processor.
	NonShareable Shareability = 0

	// OuterShareable memory is coherent in the outer shareable domain.
	OuterShareable Shareability = 2

	// InnerShareable memory is coherent in the inner shareable domain.
	InnerShareable Shareability = 3
)

// String implements fmt.Stringer.String.
func (s Shareability) String() string {
	switch s {
	case NonShareable:
		return "non-shareable"
	case OuterShareable:
		return "outer"
	case InnerShareable:
		return "inner"
	default:
		return fmt.Sprintf("Shareability(%d)", s)
	}
}

// MapOpts are the attributes of a leaf mapping.
type MapOpts struct {
	// AccessType defines permissions. Read must be set for any valid
	// mapping; Execute clears the execute-never bit for the privilege
	// level selected by User.
	AccessType hostarch.AccessType

	// User indicates the mapping is accessible at EL0.
	User bool

	// Global indicates the mapping is not tagged with an ASID.
	Global bool

	// MemoryType selects the MAIR slot.
	MemoryType hostarch.MemoryType

	// Shareability is written to the SH field.
	Shareability Shareability
}

// String implements fmt.Stringer.String.
func (o MapOpts) String() string {
	s := fmt.Sprintf("%s %s %s", o.AccessType, o.MemoryType.ShortString(), o.Shareability)
	if o.User {
		s += " user"
	}
	if o.Global {
		s += " global"
	}
	return s
}

// Descriptor is the decoded form of a PTE.
type Descriptor struct {
	// Kind is the descriptor type.
	Kind Kind

	// Address is the output address for leaves and the physical address
	// of the next-level table for Table entries. It is zero for Invalid.
	Address uint64

	// Opts are the leaf attributes. They are zero for Invalid and Table.
	Opts MapOpts
}

// String implements fmt.Stringer.String.
func (d Descriptor) String() string {
	switch d.Kind {
	case Invalid:
		return "invalid"
	case Table:
		return fmt.Sprintf("table %#x", d.Address)
	default:
		return fmt.Sprintf("%s %#x %s", d.Kind, d.Address, d.Opts)
	}
}

// PTE is a raw translation table entry.
type PTE uint64

// PTEs is a collection of entries.
type PTEs [entriesPerPage]PTE

// Load atomically reads the entry. Other processors may be walking the
// table concurrently.
//
//go:nosplit
func (p *PTE) Load() PTE {
	return PTE(atomic.LoadUint64((*uint64)(p)))
}

// Store atomically writes the entry as a single 64-bit access.
//
//go:nosplit
func (p *PTE) Store(v PTE) {
	atomic.StoreUint64((*uint64)(p), uint64(v))
}

// Valid returns true iff the valid bit is set.
func (p PTE) Valid() bool {
	return p&validBit != 0
}

// Address extracts the output address bits.
func (p PTE) Address() uint64 {
	return uint64(p) & addressMask
}

func invalidCombination(format string, v ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, v...), ErrInvalidAttributeCombination)
}

// checkOpts validates leaf attributes.
func checkOpts(o MapOpts) error {
	if !o.AccessType.Read {
		return invalidCombination("access %s without read", o.AccessType)
	}
	if o.MemoryType >= hostarch.NumMemoryTypes {
		return invalidCombination("unknown memory type %v", o.MemoryType)
	}
	if o.MemoryType.IsDevice() && o.AccessType.Execute {
		return invalidCombination("executable %v memory", o.MemoryType)
	}
	switch o.Shareability {
	case NonShareable, OuterShareable, InnerShareable:
	default:
		return invalidCombination("reserved shareability %d", o.Shareability)
	}
	return nil
}

// Encode returns the raw entry for d at the given level.
//
// It is pure and total over legal inputs; Decode(level, pte) returns d for
// every (level, d) that Encode accepts.
func Encode(level int, d Descriptor) (PTE, error) {
	if level < minLevel || level > maxLevel {
		return 0, invalidCombination("level %d", level)
	}
	if d.Address&^addressMask != 0 {
		return 0, invalidCombination("address %#x is not a %d-bit page address", d.Address, outputAddressBits)
	}
	switch d.Kind {
	case Invalid:
		if d.Address != 0 || d.Opts != (MapOpts{}) {
			return 0, invalidCombination("invalid descriptor with address or attributes")
		}
		return 0, nil
	case Table:
		if level == maxLevel {
			return 0, invalidCombination("table descriptor at level %d", level)
		}
		if d.Opts != (MapOpts{}) {
			return 0, invalidCombination("table descriptor with leaf attributes")
		}
		return PTE(d.Address | validBit | tableBit), nil
	case Block:
		if level == minLevel || level == maxLevel {
			return 0, invalidCombination("block descriptor at level %d", level)
		}
	case Page:
		if level != maxLevel {
			return 0, invalidCombination("page descriptor at level %d", level)
		}
	default:
		return 0, invalidCombination("unknown kind %v", d.Kind)
	}

	if d.Address&(levelSize(level)-1) != 0 {
		return 0, invalidCombination("%v address %#x not aligned to %#x", d.Kind, d.Address, levelSize(level))
	}
	if err := checkOpts(d.Opts); err != nil {
		return 0, err
	}

	v := d.Address | validBit | accessFlag
	if d.Kind == Page {
		v |= tableBit
	}
	v |= attrIndex[d.Opts.MemoryType] << attrIndxShift
	v |= uint64(d.Opts.Shareability) << shShift
	if d.Opts.User {
		v |= apUser
	}
	if !d.Opts.AccessType.Write {
		v |= apReadOnly
	}
	if !d.Opts.Global {
		v |= notGlobal
	}
	switch {
	case !d.Opts.AccessType.Execute:
		v |= pxn | uxn
	case d.Opts.User:
		// Never executable at EL1 if writable or executable at EL0.
		v |= pxn
	default:
		v |= uxn
	}
	return PTE(v), nil
}

// Decode returns the descriptor held by pte at the given level. Encodings
// that the hardware treats as faults (blocks at level 0, the reserved level
// 3 encoding) decode as Invalid.
func Decode(level int, pte PTE) Descriptor {
	if !pte.Valid() || level < minLevel || level > maxLevel {
		return Descriptor{}
	}
	isTable := pte&tableBit != 0
	switch {
	case level < maxLevel && isTable:
		return Descriptor{Kind: Table, Address: pte.Address()}
	case level == minLevel, level == maxLevel && !isTable:
		return Descriptor{}
	}

	d := Descriptor{
		Kind:    leafKind(level),
		Address: pte.Address(),
		Opts: MapOpts{
			User:         pte&apUser != 0,
			Global:       pte&notGlobal == 0,
			MemoryType:   memoryTypeOf[(pte&attrIndxMask)>>attrIndxShift],
			Shareability: Shareability((pte & shMask) >> shShift),
		},
	}
	d.Opts.AccessType = hostarch.AccessType{
		Read:  true,
		Write: pte&apReadOnly == 0,
	}
	if d.Opts.User {
		d.Opts.AccessType.Execute = pte&uxn == 0
	} else {
		d.Opts.AccessType.Execute = pte&pxn == 0
	}
	return d
}
