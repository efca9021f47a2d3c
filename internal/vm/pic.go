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

package vm

import (
	"context"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// picTickInterval is the PIC multiplexer's clock resolution. spec.md
// §9 notes the source uses a coarser 100ms clock for serial timeouts
// and that this is a choice, not a requirement, provided no wakeup is
// lost; 10ms matches the default scheduling quantum.
const picTickInterval = 10 * time.Millisecond

// graceInterval bounds how often a port that stays ready without
// producing a fresh edge gets re-announced, so a reader that missed
// the original edge is never left waiting forever.
const graceInterval = 100 * time.Millisecond

// pic is the single loop that multiplexes per-core timers (handled
// directly by OneShotTimer's own callback — see timer.go) and serial
// port readiness onto core interrupts. Exactly one pic runs per VM, on
// a goroutine of its own that Boot starts and waits for before
// returning.
type pic struct {
	vm          *VM
	ticks       atomic.Int64
	portRX      []portEdge
	portTX      []portEdge
}

type portEdge struct {
	ready   bool
	limiter *rate.Limiter
}

func newPIC(v *VM) *pic {
	p := &pic{vm: v}
	p.portRX = make([]portEdge, len(v.serial))
	p.portTX = make([]portEdge, len(v.serial))
	for i := range v.serial {
		p.portRX[i].limiter = rate.NewLimiter(rate.Every(graceInterval), 1)
		p.portTX[i].limiter = rate.NewLimiter(rate.Every(graceInterval), 1)
	}
	return p
}

// Run advances the coarse clock and polls serial readiness every tick
// until ctx is cancelled.
func (p *pic) Run(ctx context.Context) {
	ticker := time.NewTicker(picTickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.ticks.Add(1)
			p.pollSerial()
		}
	}
}

// Ticks returns the number of coarse clock ticks observed so far.
func (p *pic) Ticks() int64 { return p.ticks.Load() }

func (p *pic) pollSerial() {
	for i, port := range p.vm.serial {
		readable, writable := port.pollReady()
		p.announce(port, SerialRX, readable, &p.portRX[i])
		p.announce(port, SerialTX, writable, &p.portTX[i])
	}
}

// announce raises k on port's routed core when readiness transitions
// not-ready -> ready (the primary path), and re-raises at a bounded
// rate while it stays ready without a target having consumed it (the
// grace-period re-announce that guards against lost wakeups).
func (p *pic) announce(port *SerialPort, k Kind, ready bool, edge *portEdge) {
	target := port.target(k)
	if !ready {
		edge.ready = false
		return
	}
	becameReady := !edge.ready
	edge.ready = true
	if target < 0 || target >= len(p.vm.cores) {
		return
	}
	if becameReady || edge.limiter.Allow() {
		p.vm.cores[target].raise(k, port.id)
	}
}
