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
	"sync"
	"time"
)

// defaultCondChannel is the channel a CondVar reports under until first
// use, per §4.E ("first use chooses a default channel {USER, "cv"}").
var defaultCondChannel = WaitChannel{Cause: CauseUser, Name: "cv"}

// CondVar is a condition variable: a lazily-initialised WaitQueue with
// the default channel above, sharing the WaitQueue's memory layout per
// §3.
type CondVar struct {
	once sync.Once
	q    *WaitQueue
}

func (c *CondVar) queue() *WaitQueue {
	c.once.Do(func() { c.q = newWaitQueue(defaultCondChannel) })
	return c.q
}

// Wait implements Cond_Wait(mutex, cv): atomically releases mutex and
// blocks self on cv, reacquiring mutex before returning. For any mutex
// m and CondVar c, a Cond_Wait(m, c) is atomic with respect to other
// holders of m calling Cond_Signal(c) because both run with the
// scheduler spinlock held across the mutex release (§5).
func (c *CondVar) Wait(k *Kernel, cs *CoreState, self *TCB, mutex *Mutex) {
	wait(k, cs, self, c.queue(), mutex, infiniteWait)
}

// TimedWait is Cond_Wait bounded by timeout; returns true if woken by a
// signal/broadcast, false if the timeout elapsed first. A timeout of 0
// returns immediately with false (§8 boundary behavior).
func (c *CondVar) TimedWait(k *Kernel, cs *CoreState, self *TCB, mutex *Mutex, timeout time.Duration) bool {
	if timeout <= 0 {
		return false
	}
	return wait(k, cs, self, c.queue(), mutex, timeout)
}

// Signal wakes one waiter, if any.
func (c *CondVar) Signal(k *Kernel) {
	k.readyMu.Lock()
	defer k.readyMu.Unlock()
	signalLocked(k, c.queue())
}

// Broadcast wakes every waiter.
func (c *CondVar) Broadcast(k *Kernel) {
	k.readyMu.Lock()
	defer k.readyMu.Unlock()
	broadcastLocked(k, c.queue())
}
