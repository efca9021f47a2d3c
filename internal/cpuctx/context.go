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

// Package cpuctx implements component B of the kernel substrate: a
// minimal machine-context object supporting cooperative switching
// within one simulated core.
//
// The source system saves and restores raw CPU register state onto a
// manually allocated stack (see the teacher's pkg/sentry/arch,
// Context64.Fork/IP/Stack) and swaps between them with a
// makecontext/swapcontext-style primitive. A safe hosted language has
// no business doing that: per spec.md §9 ("Cooperative context switch
// → lightweight fibers"), each Context here is backed by exactly one
// goroutine that blocks on a channel whenever it is not the logically
// running thread for its core, and is resumed by a channel send from
// whichever Context is switching away. The public contract — init,
// transfer, one-way exit-transfer — is unchanged.
package cpuctx

import (
	"fmt"
	"runtime"
)

// Context is one thread's suspended/resumable point of execution. The
// zero value is not usable; construct with New.
type Context struct {
	entry  func()
	resume chan struct{}
	launch chan struct{}
}

// New builds a Context for a fresh "stack" of the given size (informational
// only — Go manages goroutine stacks itself and grows them on demand, so
// stackSize is only checked to be positive; it is neither stored nor used
// to size anything) whose entry point is the given nullary function.
func New(stackSize int, entry func()) *Context {
	if stackSize <= 0 {
		panic(fmt.Sprintf("cpuctx: invalid stack size %d", stackSize))
	}
	if entry == nil {
		panic("cpuctx: nil entry")
	}
	return &Context{
		entry:  entry,
		resume: make(chan struct{}, 1),
		launch: make(chan struct{}),
	}
}

// ensureStarted lazily spins up the backing goroutine for c. It must be called
// by whoever is about to send c its first resume signal.
func (c *Context) ensureStarted() {
	select {
	case <-c.launch:
		return
	default:
	}
	close(c.launch)
	go func() {
		<-c.resume
		c.entry()
	}()
}

// SwitchTo transfers control from the calling goroutine's context (from)
// to target. The call saves from's position by blocking its goroutine on
// from's resume channel; it returns only once some later SwitchTo or
// ExitTo names from as its target again. By Go's memory model, a channel
// receive happens after the corresponding send completes, so the resumer
// observes every write the switching-away side made before the send —
// the acquire-fence guarantee the spec requires of Transfer.
func SwitchTo(from, to *Context) {
	if from == to {
		return
	}
	to.ensureStarted()
	to.resume <- struct{}{}
	<-from.resume
}

// ExitTo performs a one-way transfer to target and never returns: the
// calling goroutine (from's backing goroutine) terminates immediately
// after handing off, the way a thread's context is abandoned at exit.
func ExitTo(to *Context) {
	to.ensureStarted()
	to.resume <- struct{}{}
	runtime.Goexit()
}

// Start makes c the first context to run on its simulated core, without
// an outgoing context to save (used once per core, at boot, to enter the
// core's idle thread).
func Start(to *Context) {
	to.ensureStarted()
	to.resume <- struct{}{}
}
