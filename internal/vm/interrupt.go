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

// Kind identifies one of the small closed set of interrupts the
// simulated machine can deliver, per spec.md §3. SERIAL_RX_READY and
// SERIAL_TX_READY additionally carry a port number, tracked separately
// from Kind as a per-core bitmap (see Core.pendingRX/pendingTX).
type Kind int

const (
	// Alarm fires when a core's one-shot timer expires.
	Alarm Kind = iota
	// ICI is an inter-core interrupt raised by a peer core.
	ICI
	// SerialRX fires when a serial port becomes readable.
	SerialRX
	// SerialTX fires when a serial port becomes writable.
	SerialTX
)

// dispatchOrder is the fixed order in which pending interrupt kinds are
// inspected and dispatched on enable, per spec.md §4.A.
var dispatchOrder = [...]Kind{Alarm, ICI, SerialRX, SerialTX}

func (k Kind) String() string {
	switch k {
	case Alarm:
		return "ALARM"
	case ICI:
		return "ICI"
	case SerialRX:
		return "SERIAL_RX_READY"
	case SerialTX:
		return "SERIAL_TX_READY"
	default:
		return "UNKNOWN"
	}
}

// Handler is a function installed on a core to service one interrupt
// kind. For SerialRX/SerialTX, port identifies which port became ready;
// it is always 0 for Alarm/ICI.
type Handler func(core *Core, port int)
