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
	"testing"
	"time"
)

// TestKernelLockMutualExclusion drives several threads through
// KernelLock.Lock/Unlock guarding a shared counter, mirroring
// TestManyThreadsContendMutex but against the counting-semaphore-backed
// lock of §4.F instead of the bare spin Mutex of §4.C.
func TestKernelLockMutualExclusion(t *testing.T) {
	const threads = 20
	const perThread = 500

	type outcome struct {
		counter int
		err     error
	}
	result := make(chan outcome, 1)

	runInit(t, 4, func(p *Proc, argl int, args []string) int {
		kl := NewKernelLock()
		counter := 0
		tids := make([]int, threads)
		for i := 0; i < threads; i++ {
			entry := func(wp *Proc, argl int, args []string) {
				for j := 0; j < perThread; j++ {
					kl.Lock(wp.K, wp.CS())
					counter++
					kl.Unlock(wp.K, wp.CS())
				}
			}
			tid, err := CreateThread(p.K, p.CS(), p.Self, entry, 0, nil)
			if err != nil {
				result <- outcome{err: err}
				return 1
			}
			tids[i] = tid
		}
		for _, tid := range tids {
			if _, err := ThreadJoin(p.K, p.CS(), p.Self, tid); err != nil {
				result <- outcome{err: err}
				return 1
			}
		}
		result <- outcome{counter: counter}
		return 0
	})

	o := awaitResult(t, result)
	if o.err != nil {
		t.Fatalf("unexpected error: %v", o.err)
	}
	if want := threads * perThread; o.counter != want {
		t.Fatalf("counter = %d, want %d", o.counter, want)
	}
}

// TestKernelLockTimedWaitSignalVsTimeout exercises TimedWait's two
// outcomes and confirms preemption is restored to its prior value
// after the wait regardless of which one happened, per §4.F.
func TestKernelLockTimedWaitSignalVsTimeout(t *testing.T) {
	const wait = 80 * time.Millisecond

	type outcome struct {
		timedOut, signalled bool
		preemptAfterTimeout bool
		preemptAfterSignal  bool
	}
	result := make(chan outcome, 1)

	runInit(t, 2, func(p *Proc, argl int, args []string) int {
		kl := NewKernelLock()
		q := newWaitQueue(WaitChannel{Cause: CauseUser, Name: "test-queue"})

		cs := p.CS()
		cs.preempt.Store(false)
		kl.Lock(p.K, cs)
		gotSignal := kl.TimedWait(p.K, cs, q, wait)
		kl.Unlock(p.K, cs)

		var o outcome
		o.timedOut = !gotSignal
		o.preemptAfterTimeout = cs.PreemptionOn()

		cs.preempt.Store(false)
		done := make(chan struct{})
		entry := func(wp *Proc, argl int, args []string) {
			time.Sleep(wait / 4)
			kl.Signal(wp.K, q)
			close(done)
		}
		if _, err := CreateThread(p.K, p.CS(), p.Self, entry, 0, nil); err != nil {
			result <- o
			return 1
		}
		kl.Lock(p.K, cs)
		o.signalled = kl.TimedWait(p.K, cs, q, wait)
		kl.Unlock(p.K, cs)
		o.preemptAfterSignal = cs.PreemptionOn()
		<-done

		result <- o
		return 0
	})

	o := awaitResult(t, result)
	if !o.timedOut {
		t.Fatal("expected unsignalled TimedWait to time out")
	}
	if !o.signalled {
		t.Fatal("expected racing TimedWait to observe the signal")
	}
	if o.preemptAfterTimeout {
		t.Fatal("preemption flag left forced-on after a timed-out TimedWait")
	}
	if o.preemptAfterSignal {
		t.Fatal("preemption flag left forced-on after a signalled TimedWait")
	}
}
