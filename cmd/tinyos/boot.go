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
	"context"
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/gofrs/flock"
	"github.com/google/subcommands"
	"github.com/sirupsen/logrus"

	"github.com/tinyos3/tinyos/internal/kernel"
)

// Boot implements subcommands.Command for the "boot" command: the only
// command that actually brings up a machine.
type Boot struct {
	configPath string
	cores      int
	serial     int
	quantumMS  int
	init       string
	stateDir   string
}

// Name implements subcommands.Command.Name.
func (*Boot) Name() string { return "boot" }

// Synopsis implements subcommands.Command.Synopsis.
func (*Boot) Synopsis() string { return "boot the simulated machine and run its init process" }

// Usage implements subcommands.Command.Usage.
func (*Boot) Usage() string {
	return `boot [flags] - boot the simulated machine and block until it is shut down.
`
}

// SetFlags implements subcommands.Command.SetFlags. A flag left at its
// default here (0, -1 for -serial, or empty) means "not set": Execute
// overrides the boot file's value only when a flag holds something
// other than that default.
func (b *Boot) SetFlags(f *flag.FlagSet) {
	f.StringVar(&b.configPath, "config", "", "path to a TOML boot file (SPEC_FULL.md §10.3)")
	f.IntVar(&b.cores, "cores", 0, "override: number of simulated cores")
	f.IntVar(&b.serial, "serial", -1, "override: number of serial ports")
	f.IntVar(&b.quantumMS, "quantum-ms", 0, "override: scheduling quantum in milliseconds")
	f.StringVar(&b.init, "init", "", "override: name of the built-in init task to run as pid 1")
	f.StringVar(&b.stateDir, "state-dir", "", "override: directory to hold the single-instance boot lock")
}

// Execute implements subcommands.Command.Execute.
func (b *Boot) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	log := args[0].(*logrus.Logger)

	bf, err := loadBootFile(b.configPath)
	if err != nil {
		log.WithError(err).Error("tinyos: boot")
		return subcommands.ExitFailure
	}
	cfg := bf.resolve()
	if b.cores > 0 {
		cfg.cores = b.cores
	}
	if b.serial >= 0 {
		cfg.serial = b.serial
	}
	if b.quantumMS > 0 {
		cfg.quantum = durationMS(b.quantumMS)
	}
	if b.init != "" {
		cfg.init = b.init
	}
	if b.stateDir != "" {
		cfg.stateDir = b.stateDir
	}

	init, err := lookupInitTask(cfg.init)
	if err != nil {
		log.WithError(err).Error("tinyos: boot")
		return subcommands.ExitFailure
	}

	release, err := acquireStateLock(cfg.stateDir)
	if err != nil {
		log.WithError(err).Error("tinyos: boot")
		return subcommands.ExitFailure
	}
	defer release()

	log.WithFields(logrus.Fields{
		"cores":   cfg.cores,
		"serial":  cfg.serial,
		"quantum": cfg.quantum,
		"init":    cfg.init,
	}).Info("tinyos: booting")

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case s := <-sig:
			log.WithField("signal", s).Info("tinyos: shutdown requested")
			cancel()
		case <-runCtx.Done():
		}
	}()
	defer signal.Stop(sig)

	_, err = kernel.Boot(runCtx, kernel.Config{
		Log:     log,
		Cores:   cfg.cores,
		Serial:  cfg.serial,
		Quantum: cfg.quantum,
		Init:    init,
	})
	if err != nil {
		log.WithError(err).Error("tinyos: boot exited with an error")
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

// acquireStateLock takes a single-instance advisory lock on dir, the
// way runsc's sandbox package serializes access to a container's state
// directory, so two `tinyos boot` invocations against the same
// state-dir don't race. An empty dir means no locking is requested.
func acquireStateLock(dir string) (release func(), err error) {
	if dir == "" {
		return func() {}, nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	fl := flock.New(filepath.Join(dir, "tinyos.lock"))
	locked, err := fl.TryLock()
	if err != nil {
		return nil, err
	}
	if !locked {
		return nil, errAlreadyRunning(dir)
	}
	return func() { fl.Unlock() }, nil
}
