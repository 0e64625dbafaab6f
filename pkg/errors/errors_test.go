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
	"testing"
)

func TestStatusOf(t *testing.T) {
	errOOM := New(OutOfResources, "out of memory")
	for _, tc := range []struct {
		name string
		err  error
		want Status
	}{
		{"nil", nil, Success},
		{"direct", errOOM, OutOfResources},
		{"wrapped", fmt.Errorf("mapping [0x1000, 0x2000): %w", errOOM), OutOfResources},
		{"foreign", stderrors.New("boom"), Unsupported},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if got := StatusOf(tc.err); got != tc.want {
				t.Errorf("StatusOf(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}

func TestIsError(t *testing.T) {
	if Success.IsError() {
		t.Errorf("Success.IsError() = true")
	}
	for _, s := range []Status{InvalidParameter, Unsupported, OutOfResources, NotFound, AccessDenied} {
		if !s.IsError() {
			t.Errorf("%v.IsError() = false", s)
		}
	}
}
