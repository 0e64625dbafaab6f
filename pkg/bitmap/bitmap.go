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

// Package bitmap tracks which slots of a table arena are in use.
//
// Slots are handed out lowest first so freed table IDs are reused before
// the arena grows. The arena relies on that to keep its table slice dense.
package bitmap

import (
	"fmt"
	"math/bits"
)

// Bitmap is a set of used slots. The zero value tracks no slots and grows
// on the first Take.
type Bitmap struct {
	words []uint64
	used  int
}

// New returns a bitmap tracking at least size slots, all free.
func New(size uint32) Bitmap {
	return Bitmap{words: make([]uint64, (size+63)/64)}
}

// Len returns the number of slots tracked.
func (b *Bitmap) Len() int {
	return len(b.words) * 64
}

// Used returns the number of slots in use.
func (b *Bitmap) Used() int {
	return b.used
}

// Take marks the lowest free slot used and returns it, growing the bitmap
// by 64 slots when none is free.
func (b *Bitmap) Take() uint32 {
	for i, w := range b.words {
		if w != ^uint64(0) {
			bit := bits.TrailingZeros64(^w)
			b.words[i] |= 1 << bit
			b.used++
			return uint32(i*64 + bit)
		}
	}
	b.words = append(b.words, 1)
	b.used++
	return uint32((len(b.words) - 1) * 64)
}

// Put frees slot i. It panics if i is not in use.
func (b *Bitmap) Put(i uint32) {
	if !b.InUse(i) {
		panic(fmt.Sprintf("bitmap: slot %d is not in use", i))
	}
	b.words[i/64] &^= 1 << (i % 64)
	b.used--
}

// InUse returns true if slot i has been taken and not put back.
func (b *Bitmap) InUse(i uint32) bool {
	w := int(i / 64)
	return w < len(b.words) && b.words[w]&(1<<(i%64)) != 0
}
