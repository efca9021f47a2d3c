// Copyright 2024 The TinyOS Authors.
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

package errno

import (
	"errors"
	"testing"
)

func TestErrnoIs(t *testing.T) {
	var err error = ECHILD
	if !errors.Is(err, ECHILD) {
		t.Fatalf("errors.Is(ECHILD, ECHILD) = false, want true")
	}
	if errors.Is(err, EINVAL) {
		t.Fatalf("errors.Is(ECHILD, EINVAL) = true, want false")
	}
}

func TestErrnoMessages(t *testing.T) {
	for e := EPERM; e <= ENOENT; e++ {
		if e.Error() == "unknown error" {
			t.Errorf("Errno(%d) has no message", e)
		}
	}
}
