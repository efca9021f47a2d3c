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
	"testing"
	"time"
)

func TestBootAndGracefulShutdown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	entered := make(chan int, 2)

	go func() {
		v, err := Boot(ctx, Config{
			Cores: 2,
			Entry: func(c *Core, cctx context.Context) {
				entered <- c.ID()
				<-cctx.Done()
			},
		})
		if err != nil {
			t.Errorf("Boot returned error: %v", err)
		}
		if len(v.Cores()) != 2 {
			t.Errorf("got %d cores, want 2", len(v.Cores()))
		}
	}()

	seen := map[int]bool{}
	for i := 0; i < 2; i++ {
		select {
		case id := <-entered:
			seen[id] = true
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for cores to enter")
		}
	}
	if !seen[0] || !seen[1] {
		t.Fatalf("expected both core ids to enter, saw %v", seen)
	}
	cancel()
}

func TestBootRejectsBadConfig(t *testing.T) {
	ctx := context.Background()
	cases := []Config{
		{Cores: 0, Entry: func(*Core, context.Context) {}},
		{Cores: MaxCores + 1, Entry: func(*Core, context.Context) {}},
		{Cores: 1, Serial: MaxTerminals + 1, Entry: func(*Core, context.Context) {}},
		{Cores: 1},
	}
	for i, cfg := range cases {
		if _, err := Boot(ctx, cfg); err == nil {
			t.Errorf("case %d: expected error, got nil", i)
		}
	}
}

func TestInterruptDispatchOrder(t *testing.T) {
	var got []Kind
	c := newCore(0, &VM{log: nil})
	record := func(k Kind) Handler {
		return func(core *Core, port int) { got = append(got, k) }
	}
	c.InstallHandler(SerialTX, record(SerialTX))
	c.InstallHandler(SerialRX, record(SerialRX))
	c.InstallHandler(ICI, record(ICI))
	c.InstallHandler(Alarm, record(Alarm))

	c.raise(SerialTX, 0)
	c.raise(SerialRX, 0)
	c.raise(ICI, 0)
	c.raise(Alarm, 0)

	c.Dispatch()

	want := []Kind{Alarm, ICI, SerialRX, SerialTX}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestDispatchClearsPendingBeforeHandler(t *testing.T) {
	c := newCore(0, &VM{log: nil})
	var reentries atomic.Int32
	fired := make(chan struct{}, 1)
	c.InstallHandler(Alarm, func(core *Core, port int) {
		if core.pendingAlarm.Load() {
			t.Error("pending bit still set while handler runs")
		}
		reentries.Add(1)
		select {
		case fired <- struct{}{}:
		default:
		}
	})
	c.raise(Alarm, 0)
	c.Dispatch()
	select {
	case <-fired:
	default:
		t.Fatal("handler never ran")
	}
}

func TestHandlerMayReRaiseOwnKind(t *testing.T) {
	c := newCore(0, &VM{log: nil})
	var calls int
	c.InstallHandler(ICI, func(core *Core, port int) {
		calls++
		if calls == 1 {
			core.raise(ICI, 0)
		}
	})
	c.raise(ICI, 0)
	c.Dispatch()
	if calls != 1 {
		t.Fatalf("got %d calls in first dispatch, want 1", calls)
	}
	c.Dispatch()
	if calls != 2 {
		t.Fatalf("got %d calls after second dispatch, want 2", calls)
	}
}

func TestHaltWakesOnInterrupt(t *testing.T) {
	c := newCore(0, &VM{log: nil})
	done := make(chan struct{})
	handled := make(chan struct{})
	c.InstallHandler(ICI, func(core *Core, port int) { close(handled) })

	go func() {
		c.Halt()
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	if !c.isHalted() {
		t.Fatal("core never reported halted")
	}
	c.raise(ICI, 0)

	select {
	case <-handled:
	case <-time.After(2 * time.Second):
		t.Fatal("handler never ran after wake")
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Halt never returned")
	}
}

func TestRestartWakesHaltedCoreWithoutInterrupt(t *testing.T) {
	c := newCore(0, &VM{log: nil})
	done := make(chan struct{})
	go func() {
		c.Halt()
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)
	c.Restart()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Halt never returned after Restart")
	}
}

func TestDisableInterruptsQueuesDispatch(t *testing.T) {
	c := newCore(0, &VM{log: nil})
	var fired atomic.Bool
	c.InstallHandler(Alarm, func(core *Core, port int) { fired.Store(true) })

	prev := c.DisableInterrupts()
	if prev {
		t.Fatal("core started with interrupts disabled")
	}
	c.raise(Alarm, 0)
	c.Dispatch()
	if fired.Load() {
		t.Fatal("handler ran while interrupts disabled")
	}
	c.EnableInterrupts()
	if !fired.Load() {
		t.Fatal("handler did not run once interrupts were re-enabled")
	}
}

func TestOneShotTimerRoundTrip(t *testing.T) {
	fired := make(chan struct{}, 1)
	timer := newOneShotTimer(func() { fired <- struct{}{} })

	timer.Set(50 * time.Millisecond)
	remaining := timer.Remaining()
	if remaining <= 0 || remaining > 50*time.Millisecond {
		t.Fatalf("remaining = %v, want in (0, 50ms]", remaining)
	}

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("timer never fired")
	}
}

func TestOneShotTimerCancel(t *testing.T) {
	fired := make(chan struct{}, 1)
	timer := newOneShotTimer(func() { fired <- struct{}{} })
	timer.Set(100 * time.Millisecond)
	left := timer.Cancel()
	if left <= 0 {
		t.Fatalf("Cancel reported %v remaining, want > 0", left)
	}
	select {
	case <-fired:
		t.Fatal("cancelled timer fired anyway")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestOneShotTimerResetCancelsPrevious(t *testing.T) {
	fired := make(chan int, 2)
	timer := newOneShotTimer(func() { fired <- 1 })
	timer.Set(500 * time.Millisecond)
	timer.Set(30 * time.Millisecond)

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("second programming never fired")
	}
	select {
	case <-fired:
		t.Fatal("first programming fired despite being superseded")
	case <-time.After(600 * time.Millisecond):
	}
}

func TestKindString(t *testing.T) {
	cases := map[Kind]string{
		Alarm:    "ALARM",
		ICI:      "ICI",
		SerialRX: "SERIAL_RX_READY",
		SerialTX: "SERIAL_TX_READY",
		Kind(99): "UNKNOWN",
	}
	for k, want := range cases {
		if got := k.String(); got != want {
			t.Errorf("Kind(%d).String() = %q, want %q", k, got, want)
		}
	}
}
