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

// Package kernel implements components C through H of the kernel
// substrate on top of internal/vm and internal/cpuctx: the
// preemption-aware mutex, the scheduler and its timeout wheel, wait
// queues and condition variables, the kernel lock, and thread/process
// lifecycle. These are kept as one package the way the teacher keeps
// tasks, thread groups, and their timers in a single
// pkg/sentry/kernel — the pieces share enough internal state (the
// ready queue, the TCB table) that splitting them into separate
// packages would mean exporting internals that have no business being
// public.
package kernel
