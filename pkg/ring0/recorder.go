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

package ring0

import (
	"fmt"
	"sync"

	"gvisor.dev/armtt/pkg/hostarch"
	"gvisor.dev/armtt/pkg/log"
)

// OpKind identifies a recorded CPU operation.
type OpKind uint8

// Recorded operation kinds.
const (
	OpDataSyncBarrier OpKind = iota
	OpInstructionSyncBarrier
	OpInvalidateTLB
	OpCleanInvalidateDataCache
	OpInstallTranslationTable
)

// String implements fmt.Stringer.String.
func (k OpKind) String() string {
	switch k {
	case OpDataSyncBarrier:
		return "dsb"
	case OpInstructionSyncBarrier:
		return "isb"
	case OpInvalidateTLB:
		return "tlbi"
	case OpCleanInvalidateDataCache:
		return "dc civac"
	case OpInstallTranslationTable:
		return "msr ttbr0"
	default:
		return fmt.Sprintf("OpKind(%d)", k)
	}
}

// Op is one recorded operation. Only the fields relevant to Kind are set.
type Op struct {
	Kind   OpKind
	Scope  Scope
	Range  hostarch.AddrRange
	ASID   uint16
	Global bool
	Start  uintptr
	Length uintptr
	TTBR   uint64
}

// String implements fmt.Stringer.String.
func (o Op) String() string {
	switch o.Kind {
	case OpDataSyncBarrier:
		return fmt.Sprintf("dsb %s", o.Scope)
	case OpInvalidateTLB:
		if o.Global {
			return fmt.Sprintf("tlbi %s %v all-asid", o.Scope, o.Range)
		}
		return fmt.Sprintf("tlbi %s %v asid=%d", o.Scope, o.Range, o.ASID)
	case OpCleanInvalidateDataCache:
		return fmt.Sprintf("dc civac [%#x, %#x)", o.Start, o.Start+o.Length)
	case OpInstallTranslationTable:
		return fmt.Sprintf("msr ttbr0 %#x", o.TTBR)
	default:
		return o.Kind.String()
	}
}

// TLBEntry is a cached translation of one page.
type TLBEntry struct {
	Physical uint64
	Global   bool

	// Attrs are the attributes of the translation, opaque to the Recorder.
	Attrs any
}

// tlbKey identifies a cached page. Global entries use asid 0.
type tlbKey struct {
	page hostarch.Addr
	asid uint16
}

// Recorder is a CPU that performs no maintenance and records every
// operation in order. It is suitable for building tables on the host and
// for tests.
//
// Translations looked up with Translate are cached per page and only
// InvalidateTLB drops them, so a test can see what a processor would use
// between a table store and the TLB maintenance that follows it.
type Recorder struct {
	// Hook, if set, is called after each operation is recorded. Tests use it
	// to observe the tables between the steps of a protocol.
	Hook func(Op)

	mu   sync.Mutex
	ops  []Op
	ttbr uint64
	tlb  map[tlbKey]TLBEntry
}

// NewRecorder returns a Recorder whose translation table base register
// holds ttbr.
func NewRecorder(ttbr uint64) *Recorder {
	return &Recorder{ttbr: ttbr}
}

func (r *Recorder) record(op Op) {
	r.mu.Lock()
	r.ops = append(r.ops, op)
	hook := r.Hook
	r.mu.Unlock()
	if log.IsLogging(log.Debug) {
		log.Debugf("cpu: %v", op)
	}
	if hook != nil {
		hook(op)
	}
}

// Ops returns a copy of the operations recorded so far.
func (r *Recorder) Ops() []Op {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Op(nil), r.ops...)
}

// Reset discards all recorded operations.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ops = nil
}

// TTBR returns the current translation table base register value.
func (r *Recorder) TTBR() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ttbr
}

// DataSyncBarrier implements CPU.DataSyncBarrier.
func (r *Recorder) DataSyncBarrier(scope Scope) {
	r.record(Op{Kind: OpDataSyncBarrier, Scope: scope})
}

// InstructionSyncBarrier implements CPU.InstructionSyncBarrier.
func (r *Recorder) InstructionSyncBarrier() {
	r.record(Op{Kind: OpInstructionSyncBarrier})
}

// Translate returns the cached translation of va for asid, calling walk and
// caching its result on a miss. walk returns false for an address with no
// translation, which is not cached.
func (r *Recorder) Translate(va hostarch.Addr, asid uint16, walk func(hostarch.Addr) (TLBEntry, bool)) (TLBEntry, bool) {
	if e, ok := r.Cached(va, asid); ok {
		return e, true
	}
	e, ok := walk(va)
	if !ok {
		return TLBEntry{}, false
	}
	key := tlbKey{page: va.RoundDown(), asid: asid}
	if e.Global {
		key.asid = 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.tlb == nil {
		r.tlb = make(map[tlbKey]TLBEntry)
	}
	r.tlb[key] = e
	return e, true
}

// Cached returns the cached translation of va for asid without walking.
func (r *Recorder) Cached(va hostarch.Addr, asid uint16) (TLBEntry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	page := va.RoundDown()
	if e, ok := r.tlb[tlbKey{page: page, asid: asid}]; ok && !e.Global {
		return e, true
	}
	if e, ok := r.tlb[tlbKey{page: page}]; ok && e.Global {
		return e, true
	}
	return TLBEntry{}, false
}

// InvalidateTLB implements CPU.InvalidateTLB. Cached pages in ar are
// dropped for asid, global ones included. If global is set they are
// dropped for every ASID.
func (r *Recorder) InvalidateTLB(ar hostarch.AddrRange, asid uint16, global bool, scope Scope) {
	r.mu.Lock()
	for k, e := range r.tlb {
		if !ar.Contains(k.page) {
			continue
		}
		if global || e.Global || k.asid == asid {
			delete(r.tlb, k)
		}
	}
	r.mu.Unlock()
	r.record(Op{Kind: OpInvalidateTLB, Scope: scope, Range: ar, ASID: asid, Global: global})
}

// CleanInvalidateDataCache implements CPU.CleanInvalidateDataCache.
func (r *Recorder) CleanInvalidateDataCache(start, length uintptr) {
	r.record(Op{Kind: OpCleanInvalidateDataCache, Start: start, Length: length})
}

// InstallTranslationTable implements CPU.InstallTranslationTable.
func (r *Recorder) InstallTranslationTable(ttbr uint64) uint64 {
	r.mu.Lock()
	prev := r.ttbr
	r.ttbr = ttbr
	r.mu.Unlock()
	r.record(Op{Kind: OpInstallTranslationTable, TTBR: ttbr})
	return prev
}

var _ CPU = (*Recorder)(nil)
