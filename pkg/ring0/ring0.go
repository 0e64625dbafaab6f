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

// Package ring0 is the boundary between the translation-table core and the
// processor.
//
// The core never issues barrier, cache or TLB maintenance instructions
// itself. It calls a CPU, which is either the native implementation (arm64,
// EL1 only) or a Recorder used on the host.
package ring0

import (
	"fmt"

	"gvisor.dev/armtt/pkg/hostarch"
)

// Scope is the shareability domain of a barrier or TLB maintenance
// operation.
type Scope uint8

const (
	// InnerShareable affects all processors in the inner shareable domain
	// (ISH). This is the normal scope for an SMP system and must be the
	// zero value for Scope.
	InnerShareable Scope = iota

	// Local affects only the executing processor (NSH).
	Local

	// OuterShareable affects the outer shareable domain (OSH).
	OuterShareable

	// System affects the full system (SY).
	System

	numScopes
)

// String implements fmt.Stringer.String.
func (s Scope) String() string {
	switch s {
	case Local:
		return "nsh"
	case InnerShareable:
		return "ish"
	case OuterShareable:
		return "osh"
	case System:
		return "sy"
	default:
		return fmt.Sprintf("Scope(%d)", s)
	}
}

// ParseScope parses the String form of a Scope.
func ParseScope(s string) (Scope, error) {
	for sc := Scope(0); sc < numScopes; sc++ {
		if sc.String() == s {
			return sc, nil
		}
	}
	return 0, fmt.Errorf("invalid scope %q, must be one of nsh, ish, osh, sy", s)
}

// CPU is the set of processor primitives the translation-table core relies
// on. Implementations must execute each call as exactly one architectural
// operation (or a loop of the same operation); the core depends on the
// order in which it issues them.
type CPU interface {
	// DataSyncBarrier completes all outstanding memory accesses and
	// maintenance operations in the given scope (DSB).
	DataSyncBarrier(scope Scope)

	// InstructionSyncBarrier flushes the pipeline of the executing
	// processor (ISB).
	InstructionSyncBarrier()

	// InvalidateTLB invalidates cached translations for the input range.
	// If global is true, entries for every ASID are invalidated; otherwise
	// only those tagged with asid.
	InvalidateTLB(r hostarch.AddrRange, asid uint16, global bool, scope Scope)

	// CleanInvalidateDataCache cleans and invalidates the data cache by
	// address to the point of coherency for [start, start+length).
	CleanInvalidateDataCache(start, length uintptr)

	// InstallTranslationTable writes the translation table base register
	// and returns its previous value.
	InstallTranslationTable(ttbr uint64) uint64
}
