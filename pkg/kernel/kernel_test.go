// Copyright 2026 The rpi4os Authors.
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

import (
	"testing"
	"time"

	"rpi4os.dev/rpi4os/pkg/hw"
	"rpi4os.dev/rpi4os/pkg/kernel/vectors"
	"rpi4os.dev/rpi4os/pkg/timer"
)

// shellSP is an arbitrary stack pointer standing in for the interrupted
// shell context when driving ScheduleIRQ by hand.
const shellSP = 0x7F000

func withScheduler(t *testing.T, body func(c *hw.Core, s *Scheduler, tmr *timer.Timer)) {
	t.Helper()
	m := hw.NewMachine(hw.Config{})
	t.Cleanup(m.Shutdown)
	tmr := timer.New(100)
	s := NewScheduler(m, tmr)
	done := make(chan struct{})
	m.Start(func(c *hw.Core) {
		defer close(done)
		tmr.Init(c)
		s.Init(c)
		body(c, s, tmr)
	})
	select {
	case <-done:
	case <-time.After(30 * time.Second):
		t.Fatal("scheduler test did not finish")
	}
}

func idle(c *hw.Core) {}

func TestInitAdoptsShell(t *testing.T) {
	withScheduler(t, func(c *hw.Core, s *Scheduler, _ *timer.Timer) {
		cur := s.Current()
		if cur == nil {
			t.Error("no current task after Init")
			return
		}
		if cur.id != 0 || cur.name != "shell" || cur.state != Running {
			t.Errorf("adopted task = id %d name %q state %v", cur.id, cur.name, cur.state)
		}
		if cur.sp != 0 {
			t.Errorf("adopted task sp = %#x, want 0 (no saved frame yet)", cur.sp)
		}
	})
}

func TestTrapframeSynthesis(t *testing.T) {
	withScheduler(t, func(c *hw.Core, s *Scheduler, _ *timer.Timer) {
		if err := s.Create(c, idle, "worker"); err != nil {
			t.Errorf("Create: %v", err)
			return
		}
		task := &s.tasks[1]
		if task.sp%16 != 0 {
			t.Errorf("frame sp %#x not 16-byte aligned", task.sp)
		}
		if got := task.stackTop - task.sp; got != vectors.FrameSize {
			t.Errorf("frame occupies %d bytes at stack top, want %d", got, vectors.FrameSize)
		}
		for i := 0; i < vectors.SlotLR; i++ {
			if v := c.Read64(task.sp + uint64(i)*8); v != 0 {
				t.Errorf("x%d = %#x, want 0", i, v)
			}
		}
		lr := c.Read64(task.sp + vectors.SlotLR*8)
		if c.Machine().TextFunc(lr) == nil {
			t.Errorf("LR %#x is not the exit trampoline", lr)
		}
		elr := c.Read64(task.sp + vectors.SlotELR*8)
		if c.Machine().TextFunc(elr) == nil {
			t.Errorf("ELR %#x does not resolve to the entry", elr)
		}
		spsr := c.Read64(task.sp + vectors.SlotSPSR*8)
		if spsr != hw.PSRModeEL1h {
			t.Errorf("SPSR = %#x, want EL1h with IRQs unmasked", spsr)
		}
	})
}

// tickOnce advances time by one quantum and delivers one scheduling
// decision, as the IRQ path would.
func tickOnce(c *hw.Core, s *Scheduler, tmr *timer.Timer, oldSP uint64) uint64 {
	tmr.HandleIRQ(c)
	return s.ScheduleIRQ(c, oldSP)
}

func TestRoundRobinFairness(t *testing.T) {
	withScheduler(t, func(c *hw.Core, s *Scheduler, tmr *timer.Timer) {
		names := []string{"a", "b", "c"}
		for _, n := range names {
			if err := s.Create(c, idle, n); err != nil {
				t.Errorf("Create(%q): %v", n, err)
				return
			}
		}

		// Over 2k consecutive ticks every task runs at least once (and
		// with strict FIFO, exactly its fair share).
		const k = 4 // shell + 3 workers
		runs := map[string]int{}
		sp := uint64(shellSP)
		for i := 0; i < 2*k; i++ {
			sp = tickOnce(c, s, tmr, sp)
			runs[s.Current().name]++
		}
		for _, n := range append(names, "shell") {
			if runs[n] < 1 {
				t.Errorf("task %q never ran in %d ticks: %v", n, 2*k, runs)
			}
		}
	})
}

func TestFIFOOrder(t *testing.T) {
	withScheduler(t, func(c *hw.Core, s *Scheduler, tmr *timer.Timer) {
		for _, n := range []string{"a", "b"} {
			if err := s.Create(c, idle, n); err != nil {
				t.Errorf("Create(%q): %v", n, err)
				return
			}
		}
		var order []string
		sp := uint64(shellSP)
		for i := 0; i < 6; i++ {
			sp = tickOnce(c, s, tmr, sp)
			order = append(order, s.Current().name)
		}
		want := []string{"a", "b", "shell", "a", "b", "shell"}
		for i := range want {
			if order[i] != want[i] {
				t.Errorf("dispatch order = %v, want %v", order, want)
				break
			}
		}
	})
}

func TestEmptyQueueKeepsCurrent(t *testing.T) {
	withScheduler(t, func(c *hw.Core, s *Scheduler, tmr *timer.Timer) {
		sp := tickOnce(c, s, tmr, shellSP)
		if sp != shellSP {
			t.Errorf("lone task resumed at %#x, want its own %#x", sp, uint64(shellSP))
		}
		if cur := s.Current(); cur.state != Running || cur.name != "shell" {
			t.Errorf("current = %q/%v", cur.name, cur.state)
		}
	})
}

func TestSleepWakesOnDeadline(t *testing.T) {
	withScheduler(t, func(c *hw.Core, s *Scheduler, tmr *timer.Timer) {
		if err := s.Create(c, idle, "sleeper"); err != nil {
			t.Errorf("Create: %v", err)
			return
		}
		sleeper := &s.tasks[1]

		// Dispatch until the sleeper runs, then block it for 3 ticks,
		// the way Sleep's masked section does.
		sp := uint64(shellSP)
		for s.Current() != sleeper {
			sp = tickOnce(c, s, tmr, sp)
		}
		deadline := tmr.Ticks() + 3
		sleeper.sleepUntil = deadline
		sleeper.state = Blocked

		for i := 0; i < 10; i++ {
			sp = tickOnce(c, s, tmr, sp)
			if s.Current() == sleeper {
				if got := tmr.Ticks(); got < deadline {
					t.Errorf("sleeper dispatched at tick %d, before deadline %d", got, deadline)
				}
				if got := tmr.Ticks(); got > deadline+1 {
					t.Errorf("sleeper dispatched at tick %d, after deadline %d + one quantum", got, deadline)
				}
				if sleeper.state != Running {
					t.Errorf("woken sleeper state = %v", sleeper.state)
				}
				return
			}
		}
		t.Error("sleeper never woke")
	})
}

func TestKill(t *testing.T) {
	withScheduler(t, func(c *hw.Core, s *Scheduler, tmr *timer.Timer) {
		if err := s.Kill(c, 0); err != ErrRefused {
			t.Errorf("Kill(0) = %v, want ErrRefused", err)
		}
		if cur := s.Current(); cur.state != Running {
			t.Errorf("shell state after refused kill = %v", cur.state)
		}

		if err := s.Create(c, idle, "victim"); err != nil {
			t.Errorf("Create: %v", err)
			return
		}
		victim := &s.tasks[1]
		id := victim.id

		if err := s.Kill(c, id); err != nil {
			t.Errorf("Kill(%d) = %v", id, err)
		}
		if victim.state != Dead {
			t.Errorf("victim state = %v, want Dead", victim.state)
		}
		for q := s.readyHead; q != nil; q = q.next {
			if q == victim {
				t.Error("killed task still on the ready queue")
			}
		}

		if err := s.Kill(c, 99); err != ErrNotFound {
			t.Errorf("Kill(99) = %v, want ErrNotFound", err)
		}
	})
}

func TestKillSelfRefused(t *testing.T) {
	withScheduler(t, func(c *hw.Core, s *Scheduler, tmr *timer.Timer) {
		if err := s.Create(c, idle, "other"); err != nil {
			t.Errorf("Create: %v", err)
			return
		}
		sp := uint64(shellSP)
		for s.Current().name != "other" {
			sp = tickOnce(c, s, tmr, sp)
		}
		if err := s.Kill(c, s.Current().id); err != ErrRefused {
			t.Errorf("Kill(self) = %v, want ErrRefused", err)
		}
	})
}

func TestPoolExhaustion(t *testing.T) {
	withScheduler(t, func(c *hw.Core, s *Scheduler, _ *timer.Timer) {
		for i := 0; i < MaxTasks-1; i++ {
			if err := s.Create(c, idle, "filler"); err != nil {
				t.Errorf("Create %d: %v", i, err)
				return
			}
		}
		if err := s.Create(c, idle, "overflow"); err != ErrNoSlot {
			t.Errorf("Create past pool = %v, want ErrNoSlot", err)
		}
	})
}

func TestSlotReuseAssignsFreshID(t *testing.T) {
	withScheduler(t, func(c *hw.Core, s *Scheduler, _ *timer.Timer) {
		if err := s.Create(c, idle, "first"); err != nil {
			t.Errorf("Create: %v", err)
			return
		}
		first := s.tasks[1].id
		if err := s.Kill(c, first); err != nil {
			t.Errorf("Kill: %v", err)
			return
		}
		if err := s.Create(c, idle, "second"); err != nil {
			t.Errorf("Create: %v", err)
			return
		}
		second := s.tasks[1].id
		if second <= first {
			t.Errorf("reused slot id = %d, want > %d", second, first)
		}
		if s.tasks[1].name != "second" {
			t.Errorf("reused slot name = %q", s.tasks[1].name)
		}
	})
}

func TestNameTruncation(t *testing.T) {
	withScheduler(t, func(c *hw.Core, s *Scheduler, _ *timer.Timer) {
		long := "a-task-name-well-beyond-the-thirty-one-byte-limit"
		if err := s.Create(c, idle, long); err != nil {
			t.Errorf("Create: %v", err)
			return
		}
		if got := s.tasks[1].name; len(got) != NameMax {
			t.Errorf("name length = %d, want %d", len(got), NameMax)
		}
	})
}
