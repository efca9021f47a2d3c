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

package main

import (
	"fmt"

	"github.com/tinyos3/tinyos/internal/kernel"
)

// There is no stream/file layer or loader in scope (SPEC_FULL.md §13),
// so pid 1 can't exec an on-disk binary the way runsc's boot process
// execs the container's entrypoint. Instead "init" names one of a
// handful of built-in demo programs exercising the kernel's own
// public syscalls, the pedagogical stand-in for a real userland.
var initTasks = map[string]kernel.Task{
	"noop":     noopTask,
	"selftest": selftestTask,
}

func lookupInitTask(name string) (kernel.Task, error) {
	t, ok := initTasks[name]
	if !ok {
		return nil, fmt.Errorf("tinyos: unknown init task %q (want one of: noop, selftest)", name)
	}
	return t, nil
}

// noopTask exits immediately, useful for timing pure boot/shutdown
// overhead with cmd/tinyos boot.
func noopTask(p *kernel.Proc, argl int, args []string) int {
	return 0
}

// selftestTask exercises the thread, mutex and process syscalls from one
// running process: it spawns worker threads contending a Mutex, joins
// them, forks a child via Exec and reaps it with WaitChild. Its exit
// value is the child's exit value (1) when the shared counter reached
// workers*perWorker, and -1 if any step failed.
func selftestTask(p *kernel.Proc, argl int, args []string) int {
	const workers = 8
	const perWorker = 1000

	var mu kernel.Mutex
	counter := 0
	tids := make([]int, 0, workers)
	for i := 0; i < workers; i++ {
		entry := func(wp *kernel.Proc, argl int, args []string) {
			for j := 0; j < perWorker; j++ {
				kernel.MutexLock(wp.CS(), &mu)
				counter++
				kernel.MutexUnlock(&mu)
			}
		}
		tid, err := kernel.CreateThread(p.K, p.CS(), p.Self, entry, 0, nil)
		if err != nil {
			return -1
		}
		tids = append(tids, tid)
	}
	for _, tid := range tids {
		if _, err := kernel.ThreadJoin(p.K, p.CS(), p.Self, tid); err != nil {
			return -1
		}
	}

	child := func(cp *kernel.Proc, argl int, args []string) int { return 1 }
	if _, err := kernel.Exec(p.K, p.CS(), p.Self, child, 0, nil); err != nil {
		return -1
	}
	_, childVal, err := kernel.WaitChild(p.K, p.CS(), p.Self)
	if err != nil {
		return -1
	}

	if counter != workers*perWorker {
		return -1
	}
	return childVal
}
