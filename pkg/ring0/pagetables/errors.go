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
	"gvisor.dev/armtt/pkg/errors"
)

// Errors returned by this package. They are always wrapped with context;
// compare with errors.Is.
var (
	// ErrOutOfMemory is returned when no table can be allocated. Entries
	// written before the failure remain in place.
	ErrOutOfMemory = errors.New(errors.OutOfResources, "out of memory for translation tables")

	// ErrRegionConflict is returned when submitted regions overlap in
	// virtual address. Nothing is written.
	ErrRegionConflict = errors.New(errors.AccessDenied, "overlapping regions")

	// ErrInvalidAttributeCombination is returned when a descriptor cannot
	// be encoded. Nothing is written.
	ErrInvalidAttributeCombination = errors.New(errors.InvalidParameter, "invalid attribute combination")

	// ErrInvalidRegion is returned for regions that are empty, unaligned,
	// overflow, or fall outside the input address space.
	ErrInvalidRegion = errors.New(errors.InvalidParameter, "invalid region")

	// ErrUnsupportedSplit is returned when asked to split an entry that is
	// not a Block.
	ErrUnsupportedSplit = errors.New(errors.Unsupported, "entry cannot be split")

	// ErrUnsupportedReplacement is returned when a live replacement would
	// change an entry in a way the architecture does not make safe.
	ErrUnsupportedReplacement = errors.New(errors.Unsupported, "unsupported live replacement")

	// ErrNotMapped is returned by lookups of addresses with no valid
	// translation.
	ErrNotMapped = errors.New(errors.NotFound, "address not mapped")

	// ErrLive is returned when tearing down tables still in use.
	ErrLive = errors.New(errors.AccessDenied, "translation tables are live")

	// ErrReleased is returned by every operation on a context after
	// Release. Its table slots may already belong to another context.
	ErrReleased = errors.New(errors.AccessDenied, "translation tables released")
)
