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

package errors

import (
	stderrors "errors"
	"fmt"
)

// Status is a firmware status code. Error codes have the high bit set, as in
// the UEFI calling convention.
type Status uint64

const errorBit = Status(1) << 63

// Status codes.
const (
	Success          Status = 0
	InvalidParameter        = errorBit | 2
	Unsupported             = errorBit | 3
	OutOfResources          = errorBit | 9
	NotFound                = errorBit | 14
	AccessDenied            = errorBit | 15
)

// IsError returns true if s reports a failure.
func (s Status) IsError() bool {
	return s&errorBit != 0
}

// String implements fmt.Stringer.String.
func (s Status) String() string {
	switch s {
	case Success:
		return "Success"
	case InvalidParameter:
		return "Invalid Parameter"
	case Unsupported:
		return "Unsupported"
	case OutOfResources:
		return "Out of Resources"
	case NotFound:
		return "Not Found"
	case AccessDenied:
		return "Access Denied"
	default:
		return fmt.Sprintf("Status(%#x)", uint64(s))
	}
}

// StatusOf returns the Status carried by err or by any error it wraps. A nil
// error is Success; an error that carries no Status is Unsupported.
func StatusOf(err error) Status {
	if err == nil {
		return Success
	}
	var e *Error
	if stderrors.As(err, &e) {
		return e.Status()
	}
	return Unsupported
}
