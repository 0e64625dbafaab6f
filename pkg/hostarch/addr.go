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

package hostarch

import "fmt"

// Addr is an input (virtual) address.
type Addr uint64

// ToRange returns [v, v+length). ok is false if the end wraps past the top
// of the address space; a range ending exactly at 2^64 is reported as
// wrapping too.
func (v Addr) ToRange(length uint64) (r AddrRange, ok bool) {
	end := v + Addr(length)
	return AddrRange{Start: v, End: end}, end >= v
}

// RoundDown returns the address rounded down to a page boundary.
func (v Addr) RoundDown() Addr {
	return v &^ (PageSize - 1)
}

// IsPageAligned returns true if v is on a page boundary.
func (v Addr) IsPageAligned() bool {
	return v&(PageSize-1) == 0
}

// String implements fmt.Stringer.String.
func (v Addr) String() string {
	return fmt.Sprintf("%#x", uint64(v))
}

// AddrRange is the half-open range [Start, End). Start <= End always holds
// for ranges built by ToRange.
type AddrRange struct {
	Start Addr
	End   Addr
}

// Length returns the length of the range.
func (r AddrRange) Length() uint64 {
	return uint64(r.End - r.Start)
}

// Contains returns true if r contains x.
func (r AddrRange) Contains(x Addr) bool {
	return r.Start <= x && x < r.End
}

// Overlaps returns true if r and r2 share an address.
func (r AddrRange) Overlaps(r2 AddrRange) bool {
	return r.Start < r2.End && r2.Start < r.End
}

// String implements fmt.Stringer.String.
func (r AddrRange) String() string {
	return fmt.Sprintf("[%#x, %#x)", uint64(r.Start), uint64(r.End))
}
