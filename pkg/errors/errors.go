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

// Package errors holds the standardized error definition for the
// translation-table core.
//
// Every error carries a firmware Status so that a driver entry point can
// return it to its caller without inspecting the message.
package errors

// Error represents a firmware status with a descriptive message.
type Error struct {
	status  Status
	message string
}

// New creates a new *Error.
func New(status Status, message string) *Error {
	return &Error{
		status:  status,
		message: message,
	}
}

// Error implements error.Error.
func (e *Error) Error() string { return e.message }

// Status returns the underlying Status value.
func (e *Error) Status() Status { return e.status }
