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

	"github.com/mohae/deepcopy"

	"github.com/tinyos3/tinyos/internal/errno"
)

// NoProc is pid 0, reserved per §4.H.
const NoProc = 0

// InitPid is pid 1, the ancestor of every process and the reparent
// target of every orphan.
const InitPid = 1

// ProcStatus is a PCB's lifecycle position (§3).
type ProcStatus int

const (
	Alive ProcStatus = iota
	Zombie
)

// Proc is the explicit-context handle a running task or thread entry
// receives in place of a thread-local "current task" pointer (the
// design notes' rejection of globals, §9): it is a task's only way to
// reach back into kernel operations (Exec, CreateThread, MutexLock,
// WaitChild, ...) from inside its own body.
type Proc struct {
	K    *Kernel
	Self *TCB
}

// CS returns the CoreState this task is presently running on. self.core
// is kept current by schedule() immediately before a thread is resumed,
// so this is always accurate even across a thread's migration between
// cores.
func (p *Proc) CS() *CoreState { return p.Self.core }

// Task is the entry point signature Exec spawns a process's main
// thread with.
type Task func(p *Proc, argl int, args []string) int

// zombieChild records what a reaper needs from a child that has
// already exited: its pid and exit value.
type zombieChild struct {
	pid   int
	value int
}

// PCB is a process control block (§3). Like TCB, it is mutated only
// under Kernel.readyMu (the spec's "kernel lock... PCB/TCB tables
// mutated only under kernel lock" maps onto this package's single
// scheduler spinlock, since splitting PCB/TCB mutation onto the
// separate KernelLock would mean two locks protecting the same ready-
// queue-adjacent state), except for pendingKill which interrupt-style
// callers (Kill) must be able to set without acquiring it.
type PCB struct {
	Pid       int
	ParentPid int
	status    ProcStatus

	liveThreads int32
	mainTID     int
	threads     []*TCB

	ExitValue int
	Argl      int
	Args      []string

	children map[int]*PCB
	zombies  []zombieChild

	waitAny      *WaitQueue
	waitSpecific *WaitQueue

	pendingKill atomic.Bool

	files FileTable
}

func newPCB(pid, parent int) *PCB {
	return &PCB{
		Pid:          pid,
		ParentPid:    parent,
		status:       Alive,
		children:     make(map[int]*PCB),
		waitAny:      newWaitQueue(WaitChannel{Cause: CauseUser, Name: "wait-any"}),
		waitSpecific: newWaitQueue(WaitChannel{Cause: CauseUser, Name: "wait-specific"}),
	}
}

func (p *PCB) addThread(t *TCB) {
	p.threads = append(p.threads, t)
	atomic.AddInt32(&p.liveThreads, 1)
}

// removeThread drops t from p's thread list and decrements the live
// count, reporting whether that was the last live thread.
func (p *PCB) removeThread(t *TCB) bool {
	for i, o := range p.threads {
		if o == t {
			p.threads = append(p.threads[:i], p.threads[i+1:]...)
			break
		}
	}
	return atomic.AddInt32(&p.liveThreads, -1) == 0
}

// Exec implements §4.H's Exec(task, argl, args): allocate a free PCB,
// deep-copy args into a buffer owned by the new PCB (github.com/mohae/deepcopy,
// matching SPEC_FULL.md §11's wiring for this exact step), set parent =
// caller, and spawn a main thread that runs task(argl, args) and calls
// Exit with its return value. The caller's file table is inherited per
// the stream-layer contract of §6.
func Exec(k *Kernel, cs *CoreState, caller *TCB, task Task, argl int, args []string) (int, error) {
	k.klock.Lock(k, cs)
	defer k.klock.Unlock(k, cs)

	child, err := k.procs.alloc(caller.PCB.Pid)
	if err != nil {
		return 0, err
	}
	child.Argl = argl
	if args != nil {
		child.Args = deepcopy.Copy(args).([]string)
	}
	if caller.PCB != nil && caller.PCB.files != nil {
		child.files = caller.PCB.files.CloneForExec()
	}

	k.readyMu.Lock()
	caller.PCB.children[child.Pid] = child
	k.readyMu.Unlock()

	main := k.threads.alloc(child, Normal)
	if main == nil {
		k.procs.free(child.Pid)
		return 0, errno.EINVAL
	}
	child.addThread(main)
	child.mainTID = main.ID

	// The launcher of §4.H: run task(argl, args), then Exit with its
	// return value. main.core is set by schedule() before this ever
	// runs, since the thread cannot be selected to run before then.
	main.setEntry(func() {
		ret := 0
		if task != nil {
			ret = task(&Proc{K: k, Self: main}, child.Argl, child.Args)
		}
		Exit(k, main.core, main, ret)
	})

	Wakeup(k, main)
	return child.Pid, nil
}

// Exit implements the public Exit(value) syscall: unconditionally runs
// exit_process(value) for the calling thread's process, then terminates
// the calling thread. Distinct from ThreadExit, which only ends the
// calling thread and leaves the process alive until its last thread
// exits.
func Exit(k *Kernel, cs *CoreState, self *TCB, value int) {
	k.klock.Lock(k, cs)
	if self.PCB != nil && self.PCB.status != Zombie {
		exitProcess(k, cs, self.PCB, value)
	}
	// Unlocked here, not deferred: exitThread below takes the kernel
	// lock again itself and, for the calling thread, never returns.
	k.klock.Unlock(k, cs)
	exitThread(k, cs, self, value)
}

// exitProcess implements §4.H's exit_process: close the process's
// files, reparent ALIVE children to init and migrate ZOMBIE children's
// reap entries to init, mark this PCB ZOMBIE, and signal the parent.
func exitProcess(k *Kernel, cs *CoreState, p *PCB, value int) {
	if p.files != nil {
		p.files.CloseAll()
	}

	k.readyMu.Lock()
	initPCB := k.procs.get(InitPid)
	for pid, c := range p.children {
		c.ParentPid = InitPid
		if initPCB != nil {
			initPCB.children[pid] = c
		}
		delete(p.children, pid)
	}
	for _, z := range p.zombies {
		if initPCB != nil {
			initPCB.zombies = append(initPCB.zombies, z)
		}
	}
	p.zombies = nil
	if initPCB != nil && initPCB != p {
		signalLocked(k, initPCB.waitAny)
		broadcastLocked(k, initPCB.waitSpecific)
	}

	p.status = Zombie
	p.ExitValue = value
	if parent := k.procs.get(p.ParentPid); parent != nil && parent != p {
		parent.zombies = append(parent.zombies, zombieChild{pid: p.Pid, value: value})
		signalLocked(k, parent.waitAny)
		broadcastLocked(k, parent.waitSpecific)
	}
	k.readyMu.Unlock()
}

// WaitChild implements §4.H's WaitChild(pid, *exitval).
func WaitChild(k *Kernel, cs *CoreState, self *TCB) (int, int, error) {
	caller := self.PCB
	return waitChildImpl(k, cs, self, caller, NoProc)
}

// WaitChildPid implements the specific-pid form of WaitChild.
func WaitChildPid(k *Kernel, cs *CoreState, self *TCB, pid int) (int, int, error) {
	if pid == self.PCB.Pid {
		return 0, 0, errno.EINVAL
	}
	return waitChildImpl(k, cs, self, self.PCB, pid)
}

// waitChildImpl runs under the kernel lock (§4.F), released across each
// blocking retry per the kernel_timedwait pattern: the lock is dropped
// before wait() and reacquired once it returns, mirroring
// KernelLock.TimedWait (and joinThread in tcb.go) rather than holding it
// through an indefinite block.
func waitChildImpl(k *Kernel, cs *CoreState, self *TCB, caller *PCB, pid int) (int, int, error) {
	k.klock.Lock(k, cs)
	for {
		k.readyMu.Lock()
		if pid == NoProc {
			if len(caller.children) == 0 && len(caller.zombies) == 0 {
				k.readyMu.Unlock()
				k.klock.Unlock(k, cs)
				return 0, 0, errno.ECHILD
			}
			if len(caller.zombies) > 0 {
				z := caller.zombies[0]
				caller.zombies = caller.zombies[1:]
				delete(caller.children, z.pid)
				k.readyMu.Unlock()
				k.klock.Unlock(k, cs)
				k.procs.free(z.pid)
				return z.pid, z.value, nil
			}
			k.readyMu.Unlock()
			k.klock.Unlock(k, cs)
			wait(k, cs, self, caller.waitAny, nil, infiniteWait)
			k.klock.Lock(k, cs)
			continue
		}

		if _, ok := caller.children[pid]; !ok {
			found := false
			for _, z := range caller.zombies {
				if z.pid == pid {
					found = true
					break
				}
			}
			if !found {
				k.readyMu.Unlock()
				k.klock.Unlock(k, cs)
				return 0, 0, errno.ECHILD
			}
		}
		for i, z := range caller.zombies {
			if z.pid == pid {
				caller.zombies = append(caller.zombies[:i], caller.zombies[i+1:]...)
				delete(caller.children, pid)
				k.readyMu.Unlock()
				k.klock.Unlock(k, cs)
				k.procs.free(pid)
				return pid, z.value, nil
			}
		}
		k.readyMu.Unlock()
		k.klock.Unlock(k, cs)
		wait(k, cs, self, caller.waitSpecific, nil, infiniteWait)
		k.klock.Lock(k, cs)
	}
}

// Kill implements §4.H's Kill(pid): posts a pending-kill bit on the
// target and actively wakes any of its threads currently parked in a
// wait, so a thread blocked indefinitely (e.g. in Cond_Wait with no
// signaller) still observes the kill promptly rather than only the
// next time it happens to run. Cannot kill pid 1.
func Kill(k *Kernel, cs *CoreState, pid int) error {
	if pid == InitPid {
		return errno.EPERM
	}

	k.klock.Lock(k, cs)
	defer k.klock.Unlock(k, cs)

	target := k.procs.get(pid)
	if target == nil || target.status == Zombie {
		return errno.EINVAL
	}
	target.pendingKill.Store(true)

	k.readyMu.Lock()
	defer k.readyMu.Unlock()
	for _, t := range target.threads {
		if t.State == Stopped {
			t.Cancel()
			t.WaitSignalled = false
			wakeupLocked(k, t)
		}
	}
	return nil
}
