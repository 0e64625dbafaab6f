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

// Package cleanup unwinds partially built state on error paths.
//
// A table split allocates a child before it can fail, and ttctl stacks
// munmap, release and uninstall as it builds a context:
//
//	cu := cleanup.Make(func() { arena.Release(h) })
//	defer cu.Clean()
//	... fill the child, return on error ...
//	cu.Release() // the child is linked; keep it.
package cleanup

// Cleanup is a stack of functions run by Clean in reverse order of
// registration. The zero value is an empty stack.
type Cleanup struct {
	cleaners []func()
}

// Make returns a Cleanup that will run f.
func Make(f func()) Cleanup {
	return Cleanup{cleaners: []func(){f}}
}

// Add pushes f. It runs before every function added earlier.
func (c *Cleanup) Add(f func()) {
	c.cleaners = append(c.cleaners, f)
}

// Clean runs the stack, last added first, and empties it. Calling Clean
// again does nothing.
func (c *Cleanup) Clean() {
	for i := len(c.cleaners) - 1; i >= 0; i-- {
		c.cleaners[i]()
	}
	c.cleaners = nil
}

// Release empties the stack without running it, once everything it guarded
// has been handed to its owner.
func (c *Cleanup) Release() {
	c.cleaners = nil
}
