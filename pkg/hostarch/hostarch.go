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

// Package hostarch describes the address and memory model shared by the
// translation-table core and its callers.
package hostarch

const (
	// PageShift is the binary log of the translation granule.
	PageShift = 12

	// PageSize is the translation granule size.
	PageSize = 1 << PageShift

	// HugePageShift is the binary log of a level 2 block.
	HugePageShift = 21

	// HugePageSize is the size of a level 2 block.
	HugePageSize = 1 << HugePageShift

	// JumboPageShift is the binary log of a level 1 block.
	JumboPageShift = 30

	// JumboPageSize is the size of a level 1 block.
	JumboPageSize = 1 << JumboPageShift

	// PhysicalAddressBits is the output address size of a descriptor.
	PhysicalAddressBits = 48
)
