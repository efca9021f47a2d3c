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

package cpuctx

import (
	"testing"
	"time"
)

// TestPingPong switches control back and forth between two contexts a
// fixed number of times, verifying both that control alternates and that
// writes made before a switch are visible after the corresponding resume
// (the acquire-fence contract).
func TestPingPong(t *testing.T) {
	const rounds = 1000
	var shared int
	done := make(chan struct{})

	var a, b *Context
	a = New(4096, func() {
		for i := 0; i < rounds; i++ {
			shared++
			SwitchTo(a, b)
		}
		close(done)
	})
	b = New(4096, func() {
		for {
			SwitchTo(b, a)
		}
	})

	Start(a)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("ping-pong did not complete in time")
	}
	if shared != rounds {
		t.Fatalf("shared = %d, want %d", shared, rounds)
	}
}

func TestExitTo(t *testing.T) {
	reached := make(chan struct{})
	var a, idle *Context
	idle = New(4096, func() {
		close(reached)
	})
	a = New(4096, func() {
		ExitTo(idle)
		t.Error("a's entry resumed after ExitTo; it must never return")
	})

	Start(a)

	select {
	case <-reached:
	case <-time.After(2 * time.Second):
		t.Fatal("idle context was never entered")
	}
}
