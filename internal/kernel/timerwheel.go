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
	"math"
	"time"

	"github.com/google/btree"
)

// timeoutEntry is one node of the timeout-ordered structure of §4.D,
// keyed on (wakeup_time, tcb id) so entries with an identical deadline
// still order deterministically.
type timeoutEntry struct {
	wakeup time.Time
	tcbID  int
	t      *TCB
}

// Less implements btree.Item.
func (e *timeoutEntry) Less(than btree.Item) bool {
	o := than.(*timeoutEntry)
	if e.wakeup.Equal(o.wakeup) {
		return e.tcbID < o.tcbID
	}
	return e.wakeup.Before(o.wakeup)
}

// timeoutWheel backs timed waits with a google/btree-ordered tree
// rather than a delta list, per §4.D's "a delta list or priority heap
// keyed on absolute wakeup_time" — a balanced tree gives the same
// ordered-scan behavior with straightforward insert/remove-by-key.
// Every method requires the caller to already hold Kernel.readyMu.
type timeoutWheel struct {
	tree *btree.BTree
	byID map[int]*timeoutEntry
}

func newTimeoutWheel() *timeoutWheel {
	return &timeoutWheel{tree: btree.New(32), byID: make(map[int]*timeoutEntry)}
}

// add registers t to be woken at wakeup. t must not already be in the
// wheel.
func (w *timeoutWheel) add(t *TCB, wakeup time.Time) {
	e := &timeoutEntry{wakeup: wakeup, tcbID: t.ID, t: t}
	w.tree.ReplaceOrInsert(e)
	w.byID[t.ID] = e
	t.inWheel = true
	t.WakeupTime = wakeup
}

// remove unregisters t, if present; a no-op otherwise.
func (w *timeoutWheel) remove(t *TCB) {
	e, ok := w.byID[t.ID]
	if !ok {
		return
	}
	w.tree.Delete(e)
	delete(w.byID, t.ID)
	t.inWheel = false
	t.WakeupTime = time.Time{}
}

// popExpired removes and returns every TCB whose wakeup time is at or
// before now.
func (w *timeoutWheel) popExpired(now time.Time) []*TCB {
	pivot := &timeoutEntry{wakeup: now, tcbID: math.MaxInt64}
	var expired []*timeoutEntry
	w.tree.AscendLessThan(pivot, func(item btree.Item) bool {
		expired = append(expired, item.(*timeoutEntry))
		return true
	})
	out := make([]*TCB, 0, len(expired))
	for _, e := range expired {
		w.tree.Delete(e)
		delete(w.byID, e.tcbID)
		e.t.inWheel = false
		e.t.WakeupTime = time.Time{}
		out = append(out, e.t)
	}
	return out
}

// nextDeadline reports the earliest pending wakeup time and whether one
// exists.
func (w *timeoutWheel) nextDeadline() (time.Time, bool) {
	item := w.tree.Min()
	if item == nil {
		return time.Time{}, false
	}
	return item.(*timeoutEntry).wakeup, true
}
