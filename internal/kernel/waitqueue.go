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
	"container/list"
	"time"
)

// WaitChannel names the reason threads block on a WaitQueue, for
// diagnostics and to tag the scheduling cause applied to waiters (§3).
type WaitChannel struct {
	Cause YieldCause
	Name  string
}

// WaitQueue is the FIFO of blocked threads of §4.E. Every operation on
// a WaitQueue is called with the Kernel's scheduler spinlock
// (Kernel.readyMu) already held by the caller — the same lock that
// protects the ready queue — so a thread's removal from a WaitQueue and
// its READY-state transition are always one atomic step. That also
// means Signal's "keep signalling until a real wake happened or the
// queue emptied" rule from §4.E can never actually observe the timeout
// race it guards against: under one global lock, a TCB that a timeout
// already woke is also already unlinked. The loop is kept anyway so the
// code reads as a direct statement of that invariant rather than
// relying on lock granularity the reader cannot see from this file.
type WaitQueue struct {
	Channel WaitChannel
	waiters list.List
}

func newWaitQueue(ch WaitChannel) *WaitQueue {
	return &WaitQueue{Channel: ch}
}

// Len reports the number of threads currently queued. Caller must hold
// the scheduler lock.
func (q *WaitQueue) Len() int { return q.waiters.Len() }

// enqueueWaitLocked links t at the tail of q.
func enqueueWaitLocked(q *WaitQueue, t *TCB) {
	e := q.waiters.PushBack(t)
	t.waitQueue = q
	t.waitElem = e
	t.WaitSignalled = false
}

// removeFromWaitQueueLocked unlinks t from whatever WaitQueue it is on,
// if any. Safe to call on a t that is not queued.
func removeFromWaitQueueLocked(t *TCB) {
	if t.waitQueue == nil {
		return
	}
	t.waitQueue.waiters.Remove(t.waitElem)
	t.waitQueue = nil
	t.waitElem = nil
}

// signalLocked removes and wakes the head of q, if any, per §4.E's
// signal(); see the WaitQueue doc comment for why this never actually
// loops more than once under this package's single-lock design.
func signalLocked(k *Kernel, q *WaitQueue) bool {
	for q.waiters.Len() > 0 {
		front := q.waiters.Front()
		t := front.Value.(*TCB)
		removeFromWaitQueueLocked(t)
		t.WaitSignalled = true
		if wakeupLocked(k, t) {
			return true
		}
	}
	return false
}

// broadcastLocked repeats signalLocked until q is empty, per §4.E.
func broadcastLocked(k *Kernel, q *WaitQueue) {
	for signalLocked(k, q) {
	}
}

// wait implements §4.E's wait(queue, mutex, timeout): link self at the
// tail of q, release mutex (if non-nil) and block, then reacquire mutex
// before returning. Reports true if woken by signal/broadcast, false if
// by timeout or cancellation. cs identifies the calling core.
func wait(k *Kernel, cs *CoreState, self *TCB, q *WaitQueue, mutex *Mutex, timeout time.Duration) bool {
	k.readyMu.Lock()
	enqueueWaitLocked(q, self)
	sleepReleasingLocked(k, cs, self, Stopped, mutex, q.Channel.Cause, timeout)
	// sleepReleasingLocked unlocks k.readyMu and blocks; by the time
	// control returns here the thread has been woken one way or
	// another and self.WaitSignalled reflects how.
	if mutex != nil {
		mutex.Lock(cs)
	}
	// Every blocking call's return is a suspension point per §5, and
	// so doubles as a safe point: this is how a Kill targeting a
	// thread parked indefinitely in a wait actually takes effect,
	// since nothing else would otherwise run this thread's code again
	// to observe the pending-kill bit. A forced exit here never
	// returns to the caller.
	SafePoint(k, cs, self)
	if self.cancelled() {
		return false
	}
	return self.WaitSignalled
}
