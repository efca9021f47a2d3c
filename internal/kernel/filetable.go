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

// FileTable is the PCB's side of the stream/file layer's contract with
// the core (§6): a per-process table of open streams that Exec clones
// into a child process and exit_process closes. The stream layer itself
// is out of scope for this repository (SPEC_FULL.md §13); FileTable
// exists only so PCB has somewhere to hold a collaborator that supplies
// one, the same way Kernel.Config accepts a caller-supplied logger
// rather than constructing its own.
type FileTable interface {
	// CloneForExec returns the table a child process inherits at Exec.
	CloneForExec() FileTable

	// CloseAll releases every open stream, called once by exit_process.
	CloseAll()
}
