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

// Package vm implements component A of the kernel substrate: the
// simulated multicore machine ("the BIOS/VM") — N cores hosted as
// goroutines, a programmable interrupt controller, and the serial
// ports it exposes to code running on those cores.
package vm

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// MaxCores and MaxTerminals bound vm_boot's ncores/nserial arguments,
// per spec.md §6.
const (
	MaxCores     = 64
	MaxTerminals = 16
)

// VM owns every Core and SerialPort for the lifetime of one boot, and
// runs the PIC multiplexer.
type VM struct {
	cores  []*Core
	serial []*SerialPort
	log    *logrus.Logger
	pic    *pic
}

// Config parameterizes vm_boot. Entry is run on every core's worker
// goroutine with that core's identity and a context that is cancelled
// when the VM is asked to shut down (spec.md §12's graceful-shutdown
// addition); Boot returns once every Entry call has returned.
type Config struct {
	Log    *logrus.Logger
	Cores  int
	Serial int
	Entry  func(core *Core, ctx context.Context)
}

// Cores returns the machine's cores, indexed by id.
func (v *VM) Cores() []*Core { return v.cores }

// Core returns the core with the given id, or nil if out of range.
func (v *VM) Core(id int) *Core {
	if id < 0 || id >= len(v.cores) {
		return nil
	}
	return v.cores[id]
}

// Serial returns the machine's serial ports, indexed by id.
func (v *VM) Serial() []*SerialPort { return v.serial }

// Log returns the VM's logger.
func (v *VM) Log() *logrus.Logger { return v.log }

// Ticks reports how many PIC ticks have elapsed, for tests and
// diagnostics.
func (v *VM) Ticks() int64 { return v.pic.Ticks() }

// RaiseICI raises an inter-core interrupt on peer, to be delivered the
// next time peer dispatches pending interrupts.
func (v *VM) RaiseICI(peer int) error {
	c := v.Core(peer)
	if c == nil {
		return fmt.Errorf("tinyos/vm: no such core %d", peer)
	}
	c.raise(ICI, 0)
	return nil
}

// RestartCore makes a halted peer resume even without a pending
// interrupt.
func (v *VM) RestartCore(id int) error {
	c := v.Core(id)
	if c == nil {
		return fmt.Errorf("tinyos/vm: no such core %d", id)
	}
	c.Restart()
	return nil
}

// RestartOne resumes an arbitrary halted core, used by idle-thread
// wakeup to ensure a newly-readied thread gets a core promptly.
func (v *VM) RestartOne() {
	for _, c := range v.cores {
		if c.isHalted() {
			c.Restart()
			return
		}
	}
}

// Boot starts cfg.Cores worker goroutines, each running cfg.Entry with
// its own core identity, opens cfg.Serial serial devices, and runs the
// PIC multiplexer until every worker has returned. It is the Go
// rendering of vm_boot(entry, ncores, nserial): the call blocks for the
// machine's whole lifetime and returns the first worker error, if any
// (ordinary Go error return; a Fatal internal error aborts the process
// directly and never reaches here, per spec.md §7).
func Boot(ctx context.Context, cfg Config) (*VM, error) {
	if cfg.Cores < 1 || cfg.Cores > MaxCores {
		return nil, fmt.Errorf("tinyos/vm: ncores %d out of range [1,%d]", cfg.Cores, MaxCores)
	}
	if cfg.Serial < 0 || cfg.Serial > MaxTerminals {
		return nil, fmt.Errorf("tinyos/vm: nserial %d out of range [0,%d]", cfg.Serial, MaxTerminals)
	}
	if cfg.Entry == nil {
		return nil, fmt.Errorf("tinyos/vm: nil entry function")
	}
	log := cfg.Log
	if log == nil {
		log = logrus.New()
	}

	v := &VM{log: log}
	v.cores = make([]*Core, cfg.Cores)
	for i := range v.cores {
		v.cores[i] = newCore(i, v)
	}
	v.serial = make([]*SerialPort, cfg.Serial)
	for i := range v.serial {
		p, err := newSerialPort(i)
		if err != nil {
			v.closeSerial()
			return nil, fmt.Errorf("tinyos/vm: opening serial port %d: %w", i, err)
		}
		v.serial[i] = p
	}
	v.pic = newPIC(v)

	log.WithFields(logrus.Fields{"cores": cfg.Cores, "serial": cfg.Serial}).Info("tinyos: booting")

	innerCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(innerCtx)
	for _, core := range v.cores {
		core := core
		g.Go(func() error {
			cfg.Entry(core, gctx)
			return nil
		})
	}

	picDone := make(chan struct{})
	go func() {
		v.pic.Run(gctx)
		close(picDone)
	}()

	err := g.Wait()
	cancel()
	<-picDone
	v.closeSerial()

	log.Info("tinyos: all cores exited, VM halted")
	return v, err
}

func (v *VM) closeSerial() {
	for _, p := range v.serial {
		if p != nil {
			p.Close()
		}
	}
}
