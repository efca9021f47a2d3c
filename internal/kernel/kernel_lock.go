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

import "time"

// ksemChannel names the kernel lock's own internal wait queue, used by
// KernelLock.Lock/Unlock (via Semaphore) and visible in diagnostics.
var ksemChannel = WaitChannel{Cause: CauseUser, Name: "ksem_queue"}

// KernelLock is the single logical big-kernel-lock of §4.F: a counting
// semaphore with initial value 1, protected by a mutex + wait queue.
// Kernel code runs in the "preemptive domain" under this lock; it is
// held for short critical sections and released-and-reacquired around
// any blocking wait so cores can be handed to other work (§5).
type KernelLock struct {
	sem *Semaphore
}

// NewKernelLock builds a KernelLock in its unlocked (available) state.
func NewKernelLock() *KernelLock {
	return &KernelLock{sem: NewSemaphore(1, ksemChannel)}
}

// Lock implements kernel_lock(): grab the internal mutex, wait on the
// ksem queue while the counter is <= 0, decrement, release the mutex.
func (kl *KernelLock) Lock(k *Kernel, cs *CoreState) {
	kl.sem.P(k, cs)
}

// Unlock implements kernel_unlock(): grab the mutex, increment, signal
// the ksem queue, release the mutex.
func (kl *KernelLock) Unlock(k *Kernel, cs *CoreState) {
	kl.sem.V(k, cs)
}

// TimedWait implements kernel_timedwait(queue, timeout): while holding
// the kernel lock, atomically release it (increment + signal the ksem
// queue), wait on q with timeout, then reacquire the kernel lock.
// Preemption is forced on across the wait even if it was off at entry,
// per §4.F, and restored to its prior value afterward.
func (kl *KernelLock) TimedWait(k *Kernel, cs *CoreState, q *WaitQueue, timeout time.Duration) bool {
	prevPreempt := cs.preempt.Swap(true)
	kl.Unlock(k, cs)

	signalled := wait(k, cs, cs.current(), q, nil, timeout)

	kl.Lock(k, cs)
	cs.preempt.Store(prevPreempt)
	return signalled
}

// Signal and Broadcast let code holding the kernel lock wake waiters on
// an arbitrary queue without reaching into scheduler internals
// directly; §4.F describes these as delegating straight to the
// underlying wait queue operations of §4.E.
func (kl *KernelLock) Signal(k *Kernel, q *WaitQueue) {
	k.readyMu.Lock()
	defer k.readyMu.Unlock()
	signalLocked(k, q)
}

func (kl *KernelLock) Broadcast(k *Kernel, q *WaitQueue) {
	k.readyMu.Lock()
	defer k.readyMu.Unlock()
	broadcastLocked(k, q)
}
