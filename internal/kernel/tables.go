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
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/tinyos3/tinyos/internal/errno"
	vmpkg "github.com/tinyos3/tinyos/internal/vm"
)

// tidIDBits is the width of the slot-index field packed into a public
// tid by makeTID; MaxThreads comfortably fits in it with room to spare
// for the generation count in the high bits.
const tidIDBits = 20

// makeTID and splitTID pack/unpack a threadTable slot index and its
// generation at the moment of allocation into the single int handed
// back across the public syscall boundary (CreateThread, ThreadSelf),
// so a tid from a since-reused slot can be told apart from the slot's
// new occupant in lookup instead of silently aliasing it.
func makeTID(id, gen int) int {
	return (gen << tidIDBits) | (id & (1<<tidIDBits - 1))
}

func splitTID(tid int) (id, gen int) {
	return tid & (1<<tidIDBits - 1), tid >> tidIDBits
}

// threadTable is the fixed-size TCB pool of §3, indexed by tid with a
// generation counter per slot so a stale tid from before a slot was
// reused can be told apart from the live occupant (the "arena index +
// generation" scheme of the design notes). Idle threads live outside
// the regular slot range, one per core, since they belong to the VM's
// lifetime rather than any process's.
type threadTable struct {
	mu    sync.Mutex
	slots []*TCB
	gens  []int
	free  []int
	used  int

	idles      []*TCB
	idleCursor int

	log *logrus.Logger
}

func newThreadTable(maxThreads, cores int, log *logrus.Logger) *threadTable {
	return &threadTable{
		slots: make([]*TCB, maxThreads),
		gens:  make([]int, maxThreads),
		idles: make([]*TCB, 0, cores),
		log:   log,
	}
}

// alloc reserves a slot for a new ordinary thread, or returns nil if
// the table is full (§7's resource-exhaustion error kind; mapped to
// EINVAL at the syscall boundary — see DESIGN.md, since §6's fixed
// errno list has no dedicated "table full" code).
func (tt *threadTable) alloc(pcb *PCB, typ ThreadType) *TCB {
	tt.mu.Lock()
	defer tt.mu.Unlock()

	var idx int
	if n := len(tt.free); n > 0 {
		idx = tt.free[n-1]
		tt.free = tt.free[:n-1]
	} else {
		if tt.used >= len(tt.slots) {
			return nil
		}
		idx = tt.used
		tt.used++
	}
	t := newTCB(idx, tt.gens[idx], pcb, typ)
	tt.slots[idx] = t
	return t
}

// reserveIdleSlot hands out a tid for a core's idle thread, outside the
// ordinary slot range.
func (tt *threadTable) reserveIdleSlot() (id, gen int) {
	tt.mu.Lock()
	defer tt.mu.Unlock()
	id = len(tt.slots) + tt.idleCursor
	tt.idleCursor++
	return id, 0
}

func (tt *threadTable) installIdle(idle *TCB) {
	tt.mu.Lock()
	defer tt.mu.Unlock()
	tt.idles = append(tt.idles, idle)
}

// free returns t's slot to the pool and bumps its generation. A no-op
// for idle threads, which are never freed. Freeing a slot that is
// already empty would mean some caller freed the same TCB twice — a
// corrupt-table bug rather than a recoverable error — so it escalates
// to vm.Fatal instead of silently double-bumping the generation.
func (tt *threadTable) free(t *TCB) {
	tt.mu.Lock()
	defer tt.mu.Unlock()
	if t.ID < 0 || t.ID >= len(tt.slots) {
		return
	}
	if tt.slots[t.ID] == nil {
		vmpkg.Fatal(tt.log, fmt.Sprintf("threadTable: double free of tid %d", t.ID), nil)
		return
	}
	tt.slots[t.ID] = nil
	tt.gens[t.ID]++
	tt.free = append(tt.free, t.ID)
}

// lookup finds a thread by tid. Ordinary tids are (id,gen) pairs packed
// by makeTID; lookup rejects a tid whose generation doesn't match the
// slot's current occupant, so a stale tid from an already-freed and
// reused thread reports "no such tid" instead of aliasing whatever
// thread now lives in that slot. Idle tids are raw, unencoded slot
// indices outside the ordinary range and are matched directly.
func (tt *threadTable) lookup(tid int) *TCB {
	tt.mu.Lock()
	defer tt.mu.Unlock()
	id, gen := splitTID(tid)
	if id >= 0 && id < len(tt.slots) {
		t := tt.slots[id]
		if t == nil || tt.gens[id] != gen {
			return nil
		}
		return t
	}
	for _, idle := range tt.idles {
		if idle.ID == tid {
			return idle
		}
	}
	return nil
}

func (tt *threadTable) snapshotLocked() []ThreadSnapshot {
	tt.mu.Lock()
	defer tt.mu.Unlock()
	out := make([]ThreadSnapshot, 0, tt.used+len(tt.idles))
	for _, t := range tt.slots {
		if t == nil {
			continue
		}
		out = append(out, threadSnapshotOf(t))
	}
	for _, t := range tt.idles {
		out = append(out, threadSnapshotOf(t))
	}
	return out
}

func threadSnapshotOf(t *TCB) ThreadSnapshot {
	pid := NoProc
	if t.PCB != nil {
		pid = t.PCB.Pid
	}
	typ := "NORMAL"
	if t.Type == Idle {
		typ = "IDLE"
	}
	return ThreadSnapshot{ID: t.ID, Pid: pid, Type: typ, State: t.State.String(), Cause: t.CurrentCause.String()}
}

// procTable is the fixed-size PCB table of §4.H, indexed directly by
// pid; slot 0 (NoProc) is never allocated.
type procTable struct {
	mu    sync.Mutex
	slots []*PCB

	log *logrus.Logger
}

func newProcTable(maxProc int, log *logrus.Logger) *procTable {
	return &procTable{slots: make([]*PCB, maxProc), log: log}
}

// alloc returns a fresh PCB with the next free pid, or an error if the
// table is full.
func (pt *procTable) alloc(parent int) (*PCB, error) {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	for pid := 1; pid < len(pt.slots); pid++ {
		if pt.slots[pid] == nil {
			p := newPCB(pid, parent)
			pt.slots[pid] = p
			return p, nil
		}
	}
	return nil, errno.EINVAL
}

func (pt *procTable) get(pid int) *PCB {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	if pid <= 0 || pid >= len(pt.slots) {
		return nil
	}
	return pt.slots[pid]
}

// free releases pid's slot. Freeing a pid that is already empty is a
// double free of a PCB and escalates to vm.Fatal, same as
// threadTable.free.
func (pt *procTable) free(pid int) {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	if pid <= 0 || pid >= len(pt.slots) {
		return
	}
	if pt.slots[pid] == nil {
		vmpkg.Fatal(pt.log, fmt.Sprintf("procTable: double free of pid %d", pid), nil)
		return
	}
	pt.slots[pid] = nil
}

func (pt *procTable) snapshotLocked() []ProcSnapshot {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	out := make([]ProcSnapshot, 0)
	for _, p := range pt.slots {
		if p == nil {
			continue
		}
		out = append(out, ProcSnapshot{Pid: p.Pid, ParentPid: p.ParentPid, Status: p.status.String(), Live: p.liveThreads})
	}
	return out
}
