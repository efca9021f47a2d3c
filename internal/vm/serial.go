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
	"sync/atomic"

	"github.com/containerd/console"
	"golang.org/x/sys/unix"
)

// noCore marks a serial interrupt kind as not routed to any core.
const noCore = -1

// SerialPort is one of the nserial simulated terminals: two named byte
// streams (an input/keyboard end and an output/console end) backed by a
// single real PTY pair — the kernel side holds the master, and anything
// acting as "the user at the terminal" (a test harness, a shell driven
// over the wire) opens SlavePath(). This is the same primitive
// runsc/sandbox uses to give a container a controlling terminal.
type SerialPort struct {
	id        int
	master    console.Console
	slavePath string

	rxTarget atomic.Int64
	txTarget atomic.Int64
}

func newSerialPort(id int) (*SerialPort, error) {
	c, slavePath, err := console.NewPty()
	if err != nil {
		return nil, err
	}
	if err := unix.SetNonblock(int(c.Fd()), true); err != nil {
		c.Close()
		return nil, err
	}
	p := &SerialPort{id: id, master: c, slavePath: slavePath}
	p.rxTarget.Store(noCore)
	p.txTarget.Store(noCore)
	return p, nil
}

// ID returns the port's index.
func (p *SerialPort) ID() int { return p.id }

// SlavePath is the path of the PTY slave device representing the far
// end of this serial line.
func (p *SerialPort) SlavePath() string { return p.slavePath }

// Route sets which core receives this port's interrupt of kind k.
// Passing a negative core id un-routes it.
func (p *SerialPort) Route(k Kind, core int) {
	switch k {
	case SerialRX:
		p.rxTarget.Store(int64(core))
	case SerialTX:
		p.txTarget.Store(int64(core))
	}
}

func (p *SerialPort) target(k Kind) int {
	switch k {
	case SerialRX:
		return int(p.rxTarget.Load())
	case SerialTX:
		return int(p.txTarget.Load())
	default:
		return noCore
	}
}

// ReadByte performs a non-blocking single-byte read. ok is false if no
// byte was available (the port is not ready). A failed read changes no
// readiness state and does not prompt the PIC; the PIC learns of the
// port's readiness only from its own periodic poll.
func (p *SerialPort) ReadByte() (b byte, ok bool) {
	var buf [1]byte
	n, err := p.master.Read(buf[:])
	if n == 1 && err == nil {
		return buf[0], true
	}
	return 0, false
}

// WriteByte performs a non-blocking single-byte write, returning false
// on a short write (the port is not ready for more output).
func (p *SerialPort) WriteByte(b byte) bool {
	n, err := p.master.Write([]byte{b})
	return n == 1 && err == nil
}

// pollReady reports, without consuming any data, whether the port is
// currently readable and/or writable.
func (p *SerialPort) pollReady() (readable, writable bool) {
	fds := []unix.PollFd{{Fd: int32(p.master.Fd()), Events: unix.POLLIN | unix.POLLOUT}}
	n, err := unix.Poll(fds, 0)
	if err != nil || n == 0 {
		return false, false
	}
	re := fds[0].Revents
	return re&unix.POLLIN != 0, re&unix.POLLOUT != 0
}

// Close releases the underlying PTY pair.
func (p *SerialPort) Close() error {
	return p.master.Close()
}
