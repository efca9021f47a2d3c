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

// Semaphore is the counting semaphore built trivially atop a WaitQueue
// per §4.E: P decrements or waits, V increments and signals one
// waiter. Fairness follows the wait queue's FIFO discipline. The
// kernel lock (kernel_lock.go) is the one instance of this pattern
// named directly by the spec; Semaphore generalizes it for reuse
// anywhere else a counting semaphore is useful.
type Semaphore struct {
	mu      Mutex
	q       *WaitQueue
	counter int
}

// NewSemaphore builds a semaphore with the given initial count and
// wait channel.
func NewSemaphore(initial int, ch WaitChannel) *Semaphore {
	return &Semaphore{q: newWaitQueue(ch), counter: initial}
}

// P decrements the semaphore, blocking while its counter is not
// positive.
func (s *Semaphore) P(k *Kernel, cs *CoreState) {
	s.mu.Lock(cs)
	for s.counter <= 0 {
		// wait() releases s.mu for the duration of the block and
		// reacquires it before returning, so the loop re-checks
		// counter under the lock without locking again here.
		wait(k, cs, cs.current(), s.q, &s.mu, infiniteWait)
	}
	s.counter--
	s.mu.Unlock()
}

// V increments the semaphore and wakes one waiter.
func (s *Semaphore) V(k *Kernel, cs *CoreState) {
	s.mu.Lock(cs)
	s.counter++
	k.readyMu.Lock()
	signalLocked(k, s.q)
	k.readyMu.Unlock()
	s.mu.Unlock()
}
