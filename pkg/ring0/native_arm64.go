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

//go:build arm64
// +build arm64

package ring0

import (
	"gvisor.dev/armtt/pkg/hostarch"
)

// maxTLBIPages is the largest range invalidated entry by entry. Larger
// ranges (1 GiB blocks, context switches) invalidate the whole stage 1 TLB.
const maxTLBIPages = 512

// Native is the CPU of the executing processor. It must run at EL1; every
// method traps at EL0.
type Native struct{}

// DataSyncBarrier implements CPU.DataSyncBarrier.
//
//go:nosplit
func (Native) DataSyncBarrier(scope Scope) {
	switch scope {
	case Local:
		dsbNSH()
	case InnerShareable:
		dsbISH()
	case OuterShareable:
		dsbOSH()
	default:
		dsbSY()
	}
}

// InstructionSyncBarrier implements CPU.InstructionSyncBarrier.
//
//go:nosplit
func (Native) InstructionSyncBarrier() {
	isb()
}

// InvalidateTLB implements CPU.InvalidateTLB.
//
//go:nosplit
func (Native) InvalidateTLB(r hostarch.AddrRange, asid uint16, global bool, scope Scope) {
	local := scope == Local
	if r.Length()>>hostarch.PageShift > maxTLBIPages {
		if local {
			tlbiVMALLE1()
		} else {
			tlbiVMALLE1IS()
		}
		return
	}
	for va := r.Start; va < r.End; va += hostarch.PageSize {
		// The operand holds VA[55:12] in bits 43:0 and the ASID in 63:48.
		arg := (uint64(va) >> hostarch.PageShift) & (1<<44 - 1)
		switch {
		case global && local:
			tlbiVAAE1(arg)
		case global:
			tlbiVAAE1IS(arg)
		case local:
			tlbiVAE1(arg | uint64(asid)<<48)
		default:
			tlbiVAE1IS(arg | uint64(asid)<<48)
		}
	}
}

// CleanInvalidateDataCache implements CPU.CleanInvalidateDataCache.
//
//go:nosplit
func (Native) CleanInvalidateDataCache(start, length uintptr) {
	// CTR_EL0.DminLine is log2 of the smallest data cache line in words.
	line := uintptr(4) << ((readCTR() >> 16) & 0xf)
	end := start + length
	for addr := start &^ (line - 1); addr < end; addr += line {
		dcCIVAC(addr)
	}
	dsbSY()
}

// InstallTranslationTable implements CPU.InstallTranslationTable.
//
//go:nosplit
func (Native) InstallTranslationTable(ttbr uint64) uint64 {
	prev := readTTBR0()
	writeTTBR0(ttbr)
	isb()
	return prev
}

// Assembly stubs; see native_arm64.s.
func dsbNSH()
func dsbISH()
func dsbOSH()
func dsbSY()
func isb()
func tlbiVAE1(arg uint64)
func tlbiVAE1IS(arg uint64)
func tlbiVAAE1(arg uint64)
func tlbiVAAE1IS(arg uint64)
func tlbiVMALLE1()
func tlbiVMALLE1IS()
func dcCIVAC(addr uintptr)
func readCTR() uint64
func readTTBR0() uint64
func writeTTBR0(ttbr uint64)

var _ CPU = Native{}
