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
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tinyos3/tinyos/internal/errno"
	vmpkg "github.com/tinyos3/tinyos/internal/vm"
)

// MaxProc bounds the PCB table, per §3's pid ∈ [1, MAX_PROC].
const MaxProc = 1024

// MaxThreads bounds the TCB table.
const MaxThreads = 4096

// Kernel owns the VM and every table the scheduler and process
// lifecycle mutate: the ready queue, the timeout wheel, the PCB table,
// and the TCB table. Per the design notes ("a single owned Kernel
// value"), there is exactly one of these per boot and no package-level
// mutable state.
type Kernel struct {
	log *logrus.Logger
	vm  *vmpkg.VM

	readyMu   sync.Mutex
	readyQueue list.List
	wheel     *timeoutWheel

	cores   []*CoreState
	coresMu sync.Mutex

	threads *threadTable
	procs   *procTable

	klock *KernelLock

	quantum time.Duration
}

// Config parameterizes Boot.
type Config struct {
	Log    *logrus.Logger
	Cores  int
	Serial int
	// Quantum is the scheduling quantum handed to every thread on each
	// context switch (§4.D). Zero means DefaultQuantum.
	Quantum time.Duration
	// Init is the program init (pid 1) runs.
	Init Task
	Argl int
	Args []string
}

// setVMOnce records the booted VM the first time any core observes it.
// Every core's entry closure calls this with the same pointer, so a
// racing assignment after the first is harmless; coresMu just avoids a
// data race flag on the plain pointer write.
func (k *Kernel) setVMOnce(v *vmpkg.VM) {
	k.coresMu.Lock()
	defer k.coresMu.Unlock()
	if k.vm == nil {
		k.vm = v
	}
}

// Boot brings up the simulated machine, installs a kernel on top of
// it, creates pid 1 running cfg.Init, and blocks until ctx is
// cancelled or every core has otherwise stopped (mirrors vm.Boot's own
// contract, since this is a thin layer above it).
func Boot(ctx context.Context, cfg Config) (*Kernel, error) {
	log := cfg.Log
	if log == nil {
		log = logrus.New()
	}

	quantum := cfg.Quantum
	if quantum <= 0 {
		quantum = DefaultQuantum
	}

	k := &Kernel{
		log:     log,
		wheel:   newTimeoutWheel(),
		threads: newThreadTable(MaxThreads, cfg.Cores, log),
		procs:   newProcTable(MaxProc, log),
		klock:   NewKernelLock(),
		quantum: quantum,
	}

	var bootErr error
	vmCfg := vmpkg.Config{
		Log:    log,
		Cores:  cfg.Cores,
		Serial: cfg.Serial,
		Entry: func(core *vmpkg.Core, cctx context.Context) {
			// core.VM() is available the instant a core's entry point
			// runs, long before vmpkg.Boot itself returns — unlike the
			// *vmpkg.VM that Boot hands back, which bootInit below
			// needs immediately to wake pid 1's main thread.
			k.setVMOnce(core.VM())
			if core.ID() == 0 {
				if err := k.bootInit(cfg); err != nil {
					bootErr = err
				}
			}
			bootCore(k, core, cctx)
		},
	}

	v, err := vmpkg.Boot(ctx, vmCfg)
	if err != nil {
		return k, err
	}
	k.setVMOnce(v)
	if bootErr != nil {
		return k, bootErr
	}
	return k, nil
}

// bootInit creates pid 1, the init process, running cfg.Init. Logged
// at info per SPEC_FULL.md §12's boot-diagnostics supplement.
func (k *Kernel) bootInit(cfg Config) error {
	pcb, err := k.procs.alloc(NoProc)
	if err != nil {
		return err
	}
	if pcb.Pid != InitPid {
		return errno.EINVAL
	}
	pcb.Argl = cfg.Argl
	pcb.Args = cfg.Args

	main := k.threads.alloc(pcb, Normal)
	if main == nil {
		return errno.EINVAL
	}
	pcb.addThread(main)
	pcb.mainTID = main.ID
	main.setEntry(func() {
		ret := 0
		if cfg.Init != nil {
			ret = cfg.Init(&Proc{K: k, Self: main}, pcb.Argl, pcb.Args)
		}
		Exit(k, main.core, main, ret)
	})

	k.log.WithField("pid", InitPid).Info("tinyos: init process created")
	Wakeup(k, main)
	return nil
}

func (k *Kernel) registerCore(cs *CoreState) {
	k.coresMu.Lock()
	defer k.coresMu.Unlock()
	k.cores = append(k.cores, cs)
	k.log.WithField("core", cs.CoreID()).Info("tinyos: core online")
}

// --- Public thread syscalls (component G) ---

// ThreadEntry is the entry point signature CreateThread spawns a new
// thread with; it receives the same Proc handle a Task does so it can
// call back into kernel operations from its own body.
type ThreadEntry func(p *Proc, argl int, args []string)

// CreateThread implements CreateThread(entry, argl, args): spawn a new
// thread in the caller's process running entry(argl, args). ThreadEntry
// has no return value (threads report exit through ThreadExit, not a
// function return, mirroring the C source's void entry convention);
// when entry returns, the thread exits with value 0 unless entry itself
// called ThreadExit first.
func CreateThread(k *Kernel, cs *CoreState, caller *TCB, entry ThreadEntry, argl int, args []string) (int, error) {
	k.klock.Lock(k, cs)
	defer k.klock.Unlock(k, cs)

	if caller.PCB == nil {
		return 0, errno.EINVAL
	}
	t := k.threads.alloc(caller.PCB, Normal)
	if t == nil {
		return 0, errno.EINVAL
	}
	caller.PCB.addThread(t)
	t.setEntry(func() {
		if entry != nil {
			entry(&Proc{K: k, Self: t}, argl, args)
		}
		ThreadExit(k, t.core, t, 0)
	})
	Wakeup(k, t)
	return makeTID(t.ID, t.Gen), nil
}

// ThreadSelf returns self's tid — kept as an explicit pass-through
// rather than a global lookup, per the design notes. Idle threads sit
// outside the generation scheme entirely, so their tid is their raw
// table index.
func ThreadSelf(self *TCB) int {
	if self.Type == Idle {
		return self.ID
	}
	return makeTID(self.ID, self.Gen)
}

// ThreadJoin implements ThreadJoin(tid, *exitval).
func ThreadJoin(k *Kernel, cs *CoreState, self *TCB, tid int) (int, error) {
	target := k.threads.lookup(tid)
	if target == nil {
		return 0, errno.EINVAL
	}
	return joinThread(k, cs, self, target)
}

// ThreadDetach implements ThreadDetach(tid).
func ThreadDetach(k *Kernel, cs *CoreState, tid int) error {
	target := k.threads.lookup(tid)
	if target == nil {
		return errno.EINVAL
	}
	return detachThread(k, cs, target)
}

// ThreadExit implements ThreadExit(value) — noreturn.
func ThreadExit(k *Kernel, cs *CoreState, self *TCB, value int) {
	exitThread(k, cs, self, value)
}

// GetPid and GetPPid are plain field reads on the caller's own PCB,
// passed explicitly rather than discovered via a global.
func GetPid(self *TCB) int {
	if self.PCB == nil {
		return NoProc
	}
	return self.PCB.Pid
}

func GetPPid(self *TCB) int {
	if self.PCB == nil {
		return NoProc
	}
	return self.PCB.ParentPid
}

// --- Public locking/condvar syscalls (components C, E) ---

func MutexLock(cs *CoreState, m *Mutex)   { m.Lock(cs) }
func MutexUnlock(m *Mutex)                { m.Unlock() }
func CondWait(k *Kernel, cs *CoreState, self *TCB, m *Mutex, c *CondVar) {
	c.Wait(k, cs, self, m)
}
func CondTimedWait(k *Kernel, cs *CoreState, self *TCB, m *Mutex, c *CondVar, timeout time.Duration) bool {
	return c.TimedWait(k, cs, self, m, timeout)
}
func CondSignal(k *Kernel, c *CondVar)    { c.Signal(k) }
func CondBroadcast(k *Kernel, c *CondVar) { c.Broadcast(k) }

// --- Diagnostics ---

// ThreadSnapshot and ProcSnapshot are the JSON-friendly views
// Kernel.Snapshot exposes; see cmd/tinyos's dump subcommand.
type ThreadSnapshot struct {
	ID    int    `json:"id"`
	Pid   int    `json:"pid"`
	Type  string `json:"type"`
	State string `json:"state"`
	Cause string `json:"cause"`
}

type ProcSnapshot struct {
	Pid       int    `json:"pid"`
	ParentPid int    `json:"parent_pid"`
	Status    string `json:"status"`
	Live      int32  `json:"live_threads"`
}

// Snapshot implements SPEC_FULL.md §12's supplemented /dev/procinfo
// readout: a point-in-time dump of every PCB and TCB.
func (k *Kernel) Snapshot() ([]ProcSnapshot, []ThreadSnapshot) {
	k.readyMu.Lock()
	defer k.readyMu.Unlock()

	procs := k.procs.snapshotLocked()
	threads := k.threads.snapshotLocked()
	return procs, threads
}

func (s ProcStatus) String() string {
	if s == Zombie {
		return "ZOMBIE"
	}
	return "ALIVE"
}
