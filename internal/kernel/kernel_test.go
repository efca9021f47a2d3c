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
	"testing"
	"time"

	"github.com/tinyos3/tinyos/internal/errno"
)

// runInit boots a kernel with the given Init task and arranges for it
// to shut down at test cleanup. Init runs on pid 1's main thread once
// scheduled; it is the test's only way to reach a live *Proc, since
// Boot itself doesn't return until the machine is told to shut down.
func runInit(t *testing.T, cores int, init Task) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	bootDone := make(chan error, 1)
	go func() {
		_, err := Boot(ctx, Config{Cores: cores, Init: init})
		bootDone <- err
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-bootDone:
			if err != nil {
				t.Errorf("Boot returned error: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Error("kernel did not shut down within 5s of cancel")
		}
	})
}

func awaitResult[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for init task to report a result")
		var zero T
		return zero
	}
}

func TestInitProcessIsPidOne(t *testing.T) {
	result := make(chan int, 1)
	runInit(t, 1, func(p *Proc, argl int, args []string) int {
		result <- GetPid(p.Self)
		return 0
	})
	if pid := awaitResult(t, result); pid != InitPid {
		t.Fatalf("init pid = %d, want %d", pid, InitPid)
	}
}

func TestExecAndWaitChildExitValue(t *testing.T) {
	type outcome struct {
		pid int
		val int
		err error
	}
	result := make(chan outcome, 1)

	child := func(p *Proc, argl int, args []string) int { return 42 }

	runInit(t, 2, func(p *Proc, argl int, args []string) int {
		cpid, err := Exec(p.K, p.CS(), p.Self, child, 0, nil)
		if err != nil {
			result <- outcome{err: err}
			return 1
		}
		rpid, val, err := WaitChild(p.K, p.CS(), p.Self)
		result <- outcome{pid: rpid, val: val, err: err}
		if rpid != cpid {
			t.Errorf("WaitChild pid = %d, want %d", rpid, cpid)
		}
		return 0
	})

	o := awaitResult(t, result)
	if o.err != nil {
		t.Fatalf("unexpected error: %v", o.err)
	}
	if o.val != 42 {
		t.Fatalf("exit value = %d, want 42", o.val)
	}
}

func TestExecWithNilArgs(t *testing.T) {
	result := make(chan error, 1)
	child := func(p *Proc, argl int, args []string) int { return 0 }
	runInit(t, 1, func(p *Proc, argl int, args []string) int {
		_, err := Exec(p.K, p.CS(), p.Self, child, 0, nil)
		result <- err
		return 0
	})
	if err := awaitResult(t, result); err != nil {
		t.Fatalf("Exec(argl=0, args=nil) failed: %v", err)
	}
}

func TestWaitChildPidSpecific(t *testing.T) {
	type outcome struct {
		firstPid, secondPid int
		firstVal, secondVal int
		err                 error
	}
	result := make(chan outcome, 1)

	mkChild := func(v int) Task {
		return func(p *Proc, argl int, args []string) int { return v }
	}

	runInit(t, 2, func(p *Proc, argl int, args []string) int {
		pidA, err := Exec(p.K, p.CS(), p.Self, mkChild(1), 0, nil)
		if err != nil {
			result <- outcome{err: err}
			return 1
		}
		pidB, err := Exec(p.K, p.CS(), p.Self, mkChild(2), 0, nil)
		if err != nil {
			result <- outcome{err: err}
			return 1
		}

		// Wait specifically for B first, out of spawn order.
		rpid, rval, err := WaitChildPid(p.K, p.CS(), p.Self, pidB)
		if err != nil {
			result <- outcome{err: err}
			return 1
		}
		apid, aval, err := WaitChild(p.K, p.CS(), p.Self)
		if err != nil {
			result <- outcome{err: err}
			return 1
		}
		_ = pidA
		result <- outcome{firstPid: rpid, firstVal: rval, secondPid: apid, secondVal: aval}
		return 0
	})

	o := awaitResult(t, result)
	if o.err != nil {
		t.Fatalf("unexpected error: %v", o.err)
	}
	if o.firstVal != 2 {
		t.Fatalf("specific-wait value = %d, want 2", o.firstVal)
	}
	if o.secondVal != 1 {
		t.Fatalf("remaining-wait value = %d, want 1", o.secondVal)
	}
}

func TestWaitChildNoChildrenIsECHILD(t *testing.T) {
	result := make(chan error, 1)
	runInit(t, 1, func(p *Proc, argl int, args []string) int {
		_, _, err := WaitChild(p.K, p.CS(), p.Self)
		result <- err
		return 0
	})
	if err := awaitResult(t, result); err != errno.ECHILD {
		t.Fatalf("err = %v, want ECHILD", err)
	}
}

func TestWaitChildPidRejectsSelf(t *testing.T) {
	result := make(chan error, 1)
	runInit(t, 1, func(p *Proc, argl int, args []string) int {
		_, _, err := WaitChildPid(p.K, p.CS(), p.Self, GetPid(p.Self))
		result <- err
		return 0
	})
	if err := awaitResult(t, result); err != errno.EINVAL {
		t.Fatalf("err = %v, want EINVAL", err)
	}
}

// TestOrphanReparenting spawns a process P which itself spawns a
// grandchild G and exits immediately without reaping it. G is
// reparented to init at P's exit; init's two WaitChild calls must reap
// both P and G exactly once each, per §4.H's orphan-reparenting rule.
func TestOrphanReparenting(t *testing.T) {
	type reaps struct {
		vals [2]int
		err  error
	}
	result := make(chan reaps, 1)

	grandchild := func(p *Proc, argl int, args []string) int { return 7 }
	middle := func(p *Proc, argl int, args []string) int {
		if _, err := Exec(p.K, p.CS(), p.Self, grandchild, 0, nil); err != nil {
			return -1
		}
		return 3 // exits without waiting on the grandchild
	}

	runInit(t, 1, func(p *Proc, argl int, args []string) int {
		if _, err := Exec(p.K, p.CS(), p.Self, middle, 0, nil); err != nil {
			result <- reaps{err: err}
			return 1
		}
		var r reaps
		for i := 0; i < 2; i++ {
			_, val, err := WaitChild(p.K, p.CS(), p.Self)
			if err != nil {
				result <- reaps{err: err}
				return 1
			}
			r.vals[i] = val
		}
		result <- r
		return 0
	})

	r := awaitResult(t, result)
	if r.err != nil {
		t.Fatalf("unexpected error: %v", r.err)
	}
	sum := r.vals[0] + r.vals[1]
	if sum != 3+7 {
		t.Fatalf("reaped values %v, want values summing to 10 (one 3, one 7)", r.vals)
	}
}

func TestKillInitIsEPERM(t *testing.T) {
	result := make(chan error, 1)
	runInit(t, 1, func(p *Proc, argl int, args []string) int {
		result <- Kill(p.K, p.CS(), InitPid)
		return 0
	})
	if err := awaitResult(t, result); err != errno.EPERM {
		t.Fatalf("Kill(1) = %v, want EPERM", err)
	}
}

// TestKillForcesExitValueNegativeOne kills a child blocked indefinitely
// in Cond_Wait; its eventual exit value must be -1 per SafePoint's
// pending-kill handling (pcb.go's Kill doc comment).
func TestKillForcesExitValueNegativeOne(t *testing.T) {
	type outcome struct {
		val          int
		blockedPid   int
		childPid     int
		killErr      error
		waitChildErr error
	}
	result := make(chan outcome, 1)

	var cv CondVar
	var mu Mutex
	blocked := make(chan int, 1)

	child := func(p *Proc, argl int, args []string) int {
		MutexLock(p.CS(), &mu)
		blocked <- GetPid(p.Self)
		CondWait(p.K, p.CS(), p.Self, &mu, &cv)
		MutexUnlock(&mu)
		return 0 // never reached: Kill forces exit before CondWait returns normally
	}

	runInit(t, 2, func(p *Proc, argl int, args []string) int {
		cpid, err := Exec(p.K, p.CS(), p.Self, child, 0, nil)
		if err != nil {
			result <- outcome{killErr: err}
			return 1
		}
		var o outcome
		o.childPid = cpid
		select {
		case o.blockedPid = <-blocked:
		case <-time.After(5 * time.Second):
			result <- o
			return 1
		}
		o.killErr = Kill(p.K, p.CS(), cpid)
		_, val, err := WaitChild(p.K, p.CS(), p.Self)
		o.val, o.waitChildErr = val, err
		result <- o
		return 0
	})

	o := awaitResult(t, result)
	if o.killErr != nil {
		t.Fatalf("Kill: %v", o.killErr)
	}
	if o.waitChildErr != nil {
		t.Fatalf("WaitChild after Kill: %v", o.waitChildErr)
	}
	if o.blockedPid != o.childPid {
		t.Fatalf("blocked pid = %d, want %d", o.blockedPid, o.childPid)
	}
	if o.val != -1 {
		t.Fatalf("killed child's exit value = %d, want -1", o.val)
	}
}
