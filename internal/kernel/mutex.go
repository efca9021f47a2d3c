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

package kernel

import (
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff"
)

// spinAttempts is how many bare test-and-set attempts a Mutex makes
// before it starts backing off and, if preemption is on, yielding.
const spinAttempts = 64

// Mutex is the preemption-aware spin-yield lock of §4.C: a single
// atomic flag, no owner, no recursion, no wait queue. The same
// primitive protects both the preemptive kernel (where it is safe to
// yield off the core while contended) and the non-preemptive
// scheduler/interrupt paths (where it must never block, only spin).
type Mutex struct {
	locked atomic.Bool
}

// Lock acquires m. cs identifies the calling core/thread context
// (explicit, per the design notes' "global mutable state → explicit
// context" rule — there is no thread-local "current core"); pass nil
// only from contexts with no scheduler identity yet (early boot),
// where Lock degrades to pure spinning.
func (m *Mutex) Lock(cs *CoreState) {
	if m.locked.CompareAndSwap(false, true) {
		return
	}
	attempts := 0
	var b *backoff.ExponentialBackOff
	for {
		if m.locked.CompareAndSwap(false, true) {
			return
		}
		attempts++
		if attempts <= spinAttempts {
			continue
		}
		if b == nil {
			b = backoff.NewExponentialBackOff()
			b.InitialInterval = 10 * time.Microsecond
			b.MaxInterval = time.Millisecond
			b.MaxElapsedTime = 0
		}
		if cs != nil && cs.PreemptionOn() {
			Yield(cs, CauseMutex)
			attempts = 0
			continue
		}
		time.Sleep(b.NextBackOff())
	}
}

// TryLock attempts a single test-and-set without spinning or
// yielding, returning whether it succeeded.
func (m *Mutex) TryLock() bool {
	return m.locked.CompareAndSwap(false, true)
}

// Unlock releases m: a plain release store, per §4.C.
func (m *Mutex) Unlock() {
	m.locked.Store(false)
}

// PreemptOff atomically disables interrupt delivery on cs's core and
// then clears its preemption flag, returning the flag's prior value so
// a matching PreemptOn can restore it — nested preempt_off/preempt_on
// sections are supported by threading that returned value through.
func PreemptOff(cs *CoreState) bool {
	cs.vmCore.DisableInterrupts()
	return cs.preempt.Swap(false)
}

// PreemptOn restores cs's preemption flag to prev and, only if that
// restores it to "on" (the outermost preempt_off/preempt_on pair),
// re-enables interrupt delivery — an inner restore within a still-off
// outer section must not prematurely re-enable interrupts.
func PreemptOn(cs *CoreState, prev bool) {
	cs.preempt.Store(prev)
	if prev {
		cs.vmCore.EnableInterrupts()
	}
}
