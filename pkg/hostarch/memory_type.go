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

// MemoryType specifies CPU memory access behavior.
type MemoryType uint8

const (
	// MemoryTypeWriteBack is Normal memory, inner and outer write-back
	// cacheable, read and write allocate.
	//
	// This memory type is appropriate for RAM and must be the zero value for
	// MemoryType.
	MemoryTypeWriteBack MemoryType = iota

	// MemoryTypeWriteThrough is Normal memory, inner and outer write-through
	// cacheable, read allocate.
	MemoryTypeWriteThrough

	// MemoryTypeWriteCombine is Normal memory, inner and outer
	// non-cacheable. Frame buffers are typically mapped this way.
	MemoryTypeWriteCombine

	// MemoryTypeUncached is Device-nGnRnE: no gathering, no reordering, no
	// early write acknowledgement. This is the strongest ordering and is the
	// default for MMIO that is not explicitly described.
	MemoryTypeUncached

	// MemoryTypeDevice is Device-nGnRE. Early write acknowledgement is
	// permitted, which suits most PCIe MMIO.
	MemoryTypeDevice

	// NumMemoryTypes is the number of memory types.
	NumMemoryTypes
)

// IsDevice returns true for the Device memory types. Device memory is never
// executable and ignores shareability.
func (mt MemoryType) IsDevice() bool {
	return mt == MemoryTypeUncached || mt == MemoryTypeDevice
}

// String implements fmt.Stringer.String.
func (mt MemoryType) String() string {
	switch mt {
	case MemoryTypeWriteBack:
		return "WriteBack"
	case MemoryTypeWriteThrough:
		return "WriteThrough"
	case MemoryTypeWriteCombine:
		return "WriteCombine"
	case MemoryTypeUncached:
		return "Uncached"
	case MemoryTypeDevice:
		return "Device"
	default:
		return fmt.Sprintf("%d", mt)
	}
}

// ShortString returns a two-character string compactly representing the
// MemoryType.
func (mt MemoryType) ShortString() string {
	switch mt {
	case MemoryTypeWriteBack:
		return "WB"
	case MemoryTypeWriteThrough:
		return "WT"
	case MemoryTypeWriteCombine:
		return "WC"
	case MemoryTypeUncached:
		return "UC"
	case MemoryTypeDevice:
		return "DV"
	default:
		return fmt.Sprintf("%02d", mt)
	}
}
