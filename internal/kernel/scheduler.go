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
	"context"
	"sync/atomic"
	"time"

	"github.com/tinyos3/tinyos/internal/cpuctx"
	vmpkg "github.com/tinyos3/tinyos/internal/vm"
)

// DefaultQuantum is the default scheduling quantum of §4.D.
const DefaultQuantum = 10 * time.Millisecond

// infiniteWait is the sentinel timeout meaning "no timeout", i.e. ∞ in
// §3's wakeup_time terms.
const infiniteWait time.Duration = -1

// CoreState is this package's per-core scheduling state: the simulated
// core it drives, the preemption flag toggled by preempt_off/on, which
// TCB is currently running on it, and its idle thread. It is the
// explicit "current core" identity threaded through every scheduler
// call, per the design notes' rejection of thread-local globals.
type CoreState struct {
	k      *Kernel
	vmCore *vmpkg.Core

	preempt atomic.Bool

	currentTCB *TCB
	idle       *TCB

	quantumExpired atomic.Bool
}

// current returns the TCB presently running on this core.
func (cs *CoreState) current() *TCB { return cs.currentTCB }

// PreemptionOn reports this core's current preemption flag.
func (cs *CoreState) PreemptionOn() bool { return cs.preempt.Load() }

// CoreID returns the identity of the underlying simulated core.
func (cs *CoreState) CoreID() int { return cs.vmCore.ID() }

// enqueueReadyLocked links t at the tail of the ready queue. t must be
// State==Ready, Phase==CtxClean, and Type!=Idle — the core invariant of
// §3 and §8.
func enqueueReadyLocked(k *Kernel, t *TCB) {
	t.readyElem = k.readyQueue.PushBack(t)
}

// popReadyLocked removes and returns the head of the ready queue, or
// nil if it is empty.
func popReadyLocked(k *Kernel) *TCB {
	front := k.readyQueue.Front()
	if front == nil {
		return nil
	}
	k.readyQueue.Remove(front)
	t := front.Value.(*TCB)
	t.readyElem = nil
	return t
}

// schedule performs the context switch algorithm of §4.D. The caller
// must hold k.readyMu and must already have updated cs.currentTCB's
// State to reflect why it is giving up the core (Ready for a voluntary
// yield or quantum expiry, Stopped for a blocking wait, Exited for
// thread termination); schedule releases k.readyMu before returning.
//
// Outgoing is marked CtxDirty only nominally here: in this translation
// the "save" step is the cpuctx.SwitchTo call below blocking the
// outgoing goroutine on its own buffered resume channel, which can
// never lose a concurrently-arriving resume (see cpuctx.Context). It is
// therefore safe to flip straight to CtxClean and make the thread
// selectable before that blocking call actually happens, instead of
// deferring selectability until some later confirmation — there is no
// window in which another core could observe and resume a context that
// is not yet ready to be resumed.
func schedule(k *Kernel, cs *CoreState) {
	out := cs.currentTCB
	out.Phase = CtxDirty
	exiting := out.State == Exited

	switch {
	case out.Type == Idle:
		// Idle is never queued; it becomes selectable again purely
		// by virtue of being select's fallback.
		out.Phase = CtxClean
	case out.State == Ready:
		out.Phase = CtxClean
		enqueueReadyLocked(k, out)
	case exiting:
		out.Phase = CtxClean
		releaseThreadLocked(k, out)
	default: // Stopped: already linked on some wait queue, or on none.
		out.Phase = CtxClean
	}

	next := popReadyLocked(k)
	if next == nil {
		next = cs.idle
	}
	next.InitialSlice = k.quantum
	next.RemainingSlice = k.quantum
	next.State = Running
	next.Phase = CtxClean
	next.core = cs
	cs.currentTCB = next

	cs.vmCore.Timer.Set(next.InitialSlice)

	k.readyMu.Unlock()

	if next == out {
		return
	}
	if exiting {
		// out's goroutine never runs again after this hand-off — its
		// slot has already been released (or is pinned awaiting a
		// join) and nothing will ever SwitchTo/ExitTo its Context
		// again — so this is ExitTo's one-way "call then never
		// return" transfer (§4.B), not a SwitchTo that would block
		// this goroutine forever on a resume that never comes.
		cpuctx.ExitTo(next.ctx)
		return
	}
	cpuctx.SwitchTo(out.ctx, next.ctx)
}

// Yield implements yield(cause): the calling thread voluntarily gives
// up the core. If it is still runnable (not about to block or exit) it
// is re-enqueued at the tail of the ready queue.
func Yield(cs *CoreState, cause YieldCause) {
	k := cs.k
	k.readyMu.Lock()
	self := cs.currentTCB
	self.CurrentCause = cause
	self.LastCause = cause
	if self.Type != Idle && self.State == Running {
		self.State = Ready
	}
	schedule(k, cs)
}

// sleepReleasing implements §4.D's sleep_releasing, acquiring the
// scheduler lock itself. See sleepReleasingLocked for callers that
// already hold it.
func sleepReleasing(k *Kernel, cs *CoreState, self *TCB, newState State, mutex *Mutex, cause YieldCause, timeout time.Duration) {
	k.readyMu.Lock()
	sleepReleasingLocked(k, cs, self, newState, mutex, cause, timeout)
}

// sleepReleasingLocked atomically unlocks mutex (if non-nil) and
// transitions self to newState (Stopped or Exited), registering a
// timeout with the scheduler's timeout wheel if timeout is finite, then
// switches away from self. The mutex release and the state change are
// atomic with respect to any signaller because both happen while
// k.readyMu is held (§5). Caller must hold k.readyMu; it is released
// internally by schedule.
func sleepReleasingLocked(k *Kernel, cs *CoreState, self *TCB, newState State, mutex *Mutex, cause YieldCause, timeout time.Duration) {
	self.State = newState
	self.CurrentCause = cause
	if mutex != nil {
		mutex.Unlock()
	}
	if timeout >= 0 {
		k.wheel.add(self, timeNow().Add(timeout))
	}
	schedule(k, cs)
}

// wakeupLocked implements §4.D's wakeup(tcb): INIT/STOPPED -> READY,
// removing any pending timeout and any wait-queue membership, then
// enqueuing the thread and nudging a halted core. Reports whether a
// transition actually happened.
func wakeupLocked(k *Kernel, t *TCB) bool {
	if t.State != Init && t.State != Stopped {
		return false
	}
	if t.inWheel {
		k.wheel.remove(t)
	}
	removeFromWaitQueueLocked(t)
	t.State = Ready
	t.Phase = CtxClean
	enqueueReadyLocked(k, t)
	k.vm.RestartOne()
	return true
}

// Wakeup is the exported form of wakeupLocked for callers outside this
// package's own wait/signal machinery (e.g. spawn_thread's caller
// making a freshly initialised thread runnable for the first time).
func Wakeup(k *Kernel, t *TCB) bool {
	k.readyMu.Lock()
	defer k.readyMu.Unlock()
	return wakeupLocked(k, t)
}

// onAlarm is installed as the ALARM handler on every core. It scans the
// timeout wheel for expired timed waits (§4.D: "the scheduler's
// per-core alarm handler additionally scans the timeout structure") and
// marks this core's quantum as expired for the next safe point to
// observe — see the ALARM/quantum design note in DESIGN.md for why this
// is checked at safe points rather than acted on immediately from
// inside the handler.
func onAlarm(k *Kernel, cs *CoreState) {
	k.readyMu.Lock()
	now := timeNow()
	expired := k.wheel.popExpired(now)
	for _, t := range expired {
		t.WaitSignalled = false
		wakeupLocked(k, t)
	}
	k.readyMu.Unlock()
	cs.quantumExpired.Store(true)
}

// SafePoint is the cooperative preemption/cancellation point described
// by §4.H ("kernel entry, kernel exit, return from interrupt") and
// extended per this repository's design decision to also cover quantum
// expiry. It is called by wait() on return from every blocking wait and
// by the idle loop after every halt; syscall entry and exit points do
// not call it, and it does not itself dispatch pending interrupts.
func SafePoint(k *Kernel, cs *CoreState, self *TCB) {
	if self.PCB != nil {
		if self.PCB.pendingKill.Swap(false) {
			Exit(k, cs, self, -1)
			return
		}
		if self.PCB.status == Zombie && self.State != Exited {
			exitThread(k, cs, self, self.PCB.ExitValue)
			return
		}
	}
	if cs.quantumExpired.Swap(false) {
		Yield(cs, CauseQuantum)
	}
}

// idleEntry builds the nullary function a core's idle TCB context runs:
// the halt/dispatch/yield loop of §4.D's "Idle thread".
func idleEntry(cs *CoreState) func() {
	return func() {
		for {
			cs.vmCore.Halt()
			SafePoint(cs.k, cs, cs.idle)
			Yield(cs, CauseIdle)
		}
	}
}

// bootCore wires up one simulated core's scheduling state: its idle
// thread, ALARM handler, and the initial transfer into the idle loop.
// It blocks until ctx is cancelled, at which point it returns so
// vm.Boot's errgroup sees this worker exit (the "graceful VM shutdown"
// path of SPEC_FULL.md §12).
func bootCore(k *Kernel, vmCore *vmpkg.Core, ctx context.Context) {
	cs := &CoreState{k: k, vmCore: vmCore}
	cs.preempt.Store(true)

	idleID, idleGen := k.threads.reserveIdleSlot()
	idle := newTCB(idleID, idleGen, nil, Idle)
	idle.setEntry(idleEntry(cs))
	idle.State = Running
	cs.idle = idle
	cs.currentTCB = idle
	k.threads.installIdle(idle)

	vmCore.InstallHandler(vmpkg.Alarm, func(core *vmpkg.Core, port int) { onAlarm(k, cs) })

	k.registerCore(cs)

	// Start launches the idle loop on its own goroutine without
	// blocking this one — there is no outgoing context to save at
	// boot, unlike an ordinary Yield/SwitchTo. bootCore's own
	// goroutine then just waits for shutdown so vm.Boot's errgroup
	// blocks until told to stop (SPEC_FULL.md §12).
	cpuctx.Start(idle.ctx)

	<-ctx.Done()
}

// timeNow exists so scheduler code has one seam to stub wall-clock time
// from tests without touching package-level state used elsewhere.
var timeNow = time.Now
