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
	"sync/atomic"
	"time"

	"github.com/tinyos3/tinyos/internal/cpuctx"
	"github.com/tinyos3/tinyos/internal/errno"
)

// DefaultStackSize is the minimum per-thread stack region size required
// by §3 ("a stack region sized ≥ 128 KiB"). Go goroutines grow their
// own stacks on demand, so this value is recorded on the TCB purely for
// parity with that requirement; it does not size anything and is not
// included in Kernel.Snapshot().
const DefaultStackSize = 128 * 1024

// ThreadType distinguishes the one idle thread per core from ordinary
// threads; idle threads never enter the ready queue.
type ThreadType int

const (
	Normal ThreadType = iota
	Idle
)

// State is a TCB's position in the thread lifecycle (§3).
type State int

const (
	Init State = iota
	Ready
	Running
	Stopped
	Exited
)

func (s State) String() string {
	switch s {
	case Init:
		return "INIT"
	case Ready:
		return "READY"
	case Running:
		return "RUNNING"
	case Stopped:
		return "STOPPED"
	case Exited:
		return "EXITED"
	default:
		return "UNKNOWN"
	}
}

// Phase records whether a TCB's saved context is safe to resume on any
// core (CtxClean) or is still being saved by the core that was running
// it (CtxDirty). The core invariant of §3 ties ready-queue membership
// to state == Ready && phase == CtxClean.
type Phase int

const (
	CtxClean Phase = iota
	CtxDirty
)

// YieldCause records why a thread gave up the core, per §4.D.
type YieldCause int

const (
	CauseQuantum YieldCause = iota
	CauseUser
	CauseMutex
	CauseJoin
	CauseIO
	CausePipe
	CausePoll
	CauseIdle
	CauseInit
	CauseExit
)

func (c YieldCause) String() string {
	switch c {
	case CauseQuantum:
		return "QUANTUM"
	case CauseUser:
		return "USER"
	case CauseMutex:
		return "MUTEX"
	case CauseJoin:
		return "JOIN"
	case CauseIO:
		return "IO"
	case CausePipe:
		return "PIPE"
	case CausePoll:
		return "POLL"
	case CauseIdle:
		return "IDLE"
	case CauseInit:
		return "INIT"
	case CauseExit:
		return "EXIT"
	default:
		return "UNKNOWN"
	}
}

// TCB is a thread control block (§3). Fields mutated only under the
// scheduler's ready-queue spinlock (see scheduler.go) are documented as
// such; fields also touched from interrupt/timeout context are atomic.
type TCB struct {
	ID  int // stable index into the Kernel's thread table
	Gen int // generation, to detect stale references after slot reuse

	PCB *PCB // nil for idle threads
	ctx *cpuctx.Context

	StackSize int
	Type      ThreadType

	// Scheduler-owned fields; read/written only while holding the
	// scheduler's readyMu.
	State State
	Phase Phase

	WakeupTime time.Time // zero means no timeout pending
	inWheel    bool

	readyElem *list.Element // non-nil iff linked in the ready queue
	waitQueue *WaitQueue     // non-nil iff linked on a wait queue
	waitElem  *list.Element
	WaitSignalled bool

	InitialSlice   time.Duration
	RemainingSlice time.Duration
	CurrentCause   YieldCause
	LastCause      YieldCause

	ExitValue int

	cancel   atomic.Bool
	detached atomic.Bool
	refcount atomic.Int32

	joinQueue *WaitQueue // threads blocked in ThreadJoin(this)

	core *CoreState // core this TCB is assigned to run on, if any
}

// newTCB allocates a TCB in State Init, Phase CtxClean, not yet linked
// anywhere and without a backing context — callers attach one with
// setEntry once they can build a closure that captures the TCB itself
// (e.g. a process's main thread needs to call Exit on its own TCB).
func newTCB(id, gen int, pcb *PCB, typ ThreadType) *TCB {
	t := &TCB{
		ID:        id,
		Gen:       gen,
		PCB:       pcb,
		Type:      typ,
		State:     Init,
		Phase:     CtxClean,
		StackSize: DefaultStackSize,
		joinQueue: newWaitQueue(WaitChannel{Cause: CauseJoin, Name: "join"}),
	}
	t.refcount.Store(1)
	return t
}

// setEntry attaches the backing context now that a closure over t can
// be built. Must be called exactly once, before the TCB is ever woken.
func (t *TCB) setEntry(entry func()) {
	t.ctx = cpuctx.New(DefaultStackSize, entry)
}

// Cancel sets the forcible-wakeup bit consulted by timed waits.
func (t *TCB) Cancel() { t.cancel.Store(true) }

// cancelled reports and clears the forcible-wakeup bit.
func (t *TCB) cancelled() bool { return t.cancel.Swap(false) }

// Detached reports whether ThreadDetach(t) has been called.
func (t *TCB) Detached() bool { return t.detached.Load() }

// exitThread implements §4.G's exit_thread: record the exit value,
// drop the owner process's live-thread count (triggering process
// termination at zero, §4.H), then block forever in state Exited. On
// the context switch away from it, schedule() passes the TCB to
// releaseThreadLocked, which frees the slot of a detached thread; the
// refcount field is not decremented anywhere.
//
// The process-already-Zombie guard below matters because Exit (pcb.go)
// already ran exit_process unconditionally before calling here for the
// thread that called Exit itself; without it, that thread being coincidentally
// also the last live thread would run exit_process a second time —
// double-closing files and double-appending this pid to the parent's
// zombie list.
func exitThread(k *Kernel, cs *CoreState, t *TCB, value int) {
	k.klock.Lock(k, cs)
	t.ExitValue = value
	last := false
	if t.PCB != nil {
		last = t.PCB.removeThread(t)
	}
	if last && t.PCB.status != Zombie {
		exitProcess(k, cs, t.PCB, t.ExitValue)
	}
	wakeAllJoiners(k, t)
	// The kernel lock must be dropped here, not deferred: the thread
	// never runs again after sleepReleasing below hands this core to
	// schedule()'s cpuctx.ExitTo path (scheduler.go), so a deferred
	// Unlock would never execute and the lock would be held forever.
	k.klock.Unlock(k, cs)
	sleepReleasing(k, cs, t, Exited, nil, CauseExit, infiniteWait)
}

func wakeAllJoiners(k *Kernel, t *TCB) {
	k.readyMu.Lock()
	defer k.readyMu.Unlock()
	broadcastLocked(k, t.joinQueue)
}

// releaseThreadLocked is schedule()'s hook for an outgoing Exited thread:
// a detached thread has no future joiner, so its slot is reclaimed right
// away; otherwise the TCB is left allocated for ThreadJoin to read the
// exit value from and free in turn. Caller must hold k.readyMu.
func releaseThreadLocked(k *Kernel, t *TCB) {
	if t.Detached() {
		k.threads.free(t)
	}
}

// joinThread implements ThreadJoin: wait until target is Exited, then
// copy its exit value and drop the caller's reference. Errors per §4.G:
// joining self, a detached thread, or a thread of another process. Runs
// under the kernel lock (§4.F), released across the blocking wait per
// the kernel_timedwait pattern (mirrors KernelLock.TimedWait exactly,
// including its same release-then-wait gap — see DESIGN.md).
func joinThread(k *Kernel, cs *CoreState, self, target *TCB) (int, error) {
	if target == self {
		return 0, errno.EINVAL
	}
	if self.PCB != nil && target.PCB != self.PCB {
		return 0, errno.EINVAL
	}
	k.klock.Lock(k, cs)
	for {
		if target.Detached() {
			k.klock.Unlock(k, cs)
			return 0, errno.EINVAL
		}
		k.readyMu.Lock()
		exited := target.State == Exited
		k.readyMu.Unlock()
		if exited {
			break
		}
		k.klock.Unlock(k, cs)
		wait(k, cs, self, target.joinQueue, nil, infiniteWait)
		// wait() re-takes k.readyMu itself and keeps its own
		// enqueue-and-sleep atomic under it; by the time it returns,
		// re-check target's state from the top of the loop.
		k.klock.Lock(k, cs)
	}
	v := target.ExitValue
	k.threads.free(target)
	k.klock.Unlock(k, cs)
	return v, nil
}

// detachThread implements ThreadDetach: mark detached, wake every
// current joiner with an error (they observe Detached() and return
// EINVAL), and mark the thread to self-reclaim its TCB at exit rather
// than waiting for a join.
func detachThread(k *Kernel, cs *CoreState, t *TCB) error {
	k.klock.Lock(k, cs)
	defer k.klock.Unlock(k, cs)

	if t.State == Exited {
		return errno.EINVAL
	}
	t.detached.Store(true)
	k.readyMu.Lock()
	broadcastLocked(k, t.joinQueue)
	k.readyMu.Unlock()
	return nil
}
