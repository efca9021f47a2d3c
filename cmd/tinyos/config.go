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
	"time"

	"github.com/BurntSushi/toml"
)

// bootFile is the shape of the TOML boot file cmd/tinyos boot reads,
// the way runsc/config centralizes sandbox configuration into one
// structure before boot (SPEC_FULL.md §10.3). Command-line flags
// override whatever the file sets.
type bootFile struct {
	Cores     int    `toml:"cores"`
	Serial    int    `toml:"serial"`
	QuantumMS int    `toml:"quantum_ms"`
	Init      string `toml:"init"`
	StateDir  string `toml:"state_dir"`
}

// bootConfig is the resolved configuration a boot actually runs with,
// after the file has been read and flags applied on top of it.
type bootConfig struct {
	cores    int
	serial   int
	quantum  time.Duration
	init     string
	stateDir string
}

func defaultBootFile() bootFile {
	return bootFile{
		Cores:     1,
		Serial:    0,
		QuantumMS: 10,
		Init:      "selftest",
		StateDir:  "",
	}
}

// loadBootFile decodes path into a bootFile seeded with defaults, so a
// file that only sets one field leaves the rest at their defaults
// instead of zeroing them.
func loadBootFile(path string) (bootFile, error) {
	bf := defaultBootFile()
	if path == "" {
		return bf, nil
	}
	if _, err := toml.DecodeFile(path, &bf); err != nil {
		return bootFile{}, fmt.Errorf("tinyos: decoding boot file %q: %w", path, err)
	}
	return bf, nil
}

func (bf bootFile) resolve() bootConfig {
	return bootConfig{
		cores:    bf.Cores,
		serial:   bf.Serial,
		quantum:  time.Duration(bf.QuantumMS) * time.Millisecond,
		init:     bf.Init,
		stateDir: bf.StateDir,
	}
}
