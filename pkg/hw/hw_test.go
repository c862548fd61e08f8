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

package hw

import (
	"testing"
	"time"
)

// onCore powers the machine on and runs body on the primary core,
// failing the test if it does not complete.
func onCore(t *testing.T, m *Machine, body func(c *Core)) {
	t.Helper()
	done := make(chan struct{})
	m.Start(func(c *Core) {
		body(c)
		close(done)
	})
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("core did not finish")
	}
}

func TestResetState(t *testing.T) {
	m := NewMachine(Config{})
	defer m.Shutdown()
	onCore(t, m, func(c *Core) {
		if el := c.MRS(CurrentEL) >> 2; el != 2 {
			t.Errorf("reset EL = %d, want 2", el)
		}
		if !c.IRQsMasked() {
			t.Error("interrupts unmasked at reset")
		}
		if c.MRS(MPIDR_EL1) != 0 {
			t.Errorf("primary core MPIDR = %d, want 0", c.MRS(MPIDR_EL1))
		}
	})
}

func TestMemoryAccess(t *testing.T) {
	m := NewMachine(Config{})
	defer m.Shutdown()
	onCore(t, m, func(c *Core) {
		c.Write64(0x1000, 0x1122334455667788)
		if got := c.Read64(0x1000); got != 0x1122334455667788 {
			t.Errorf("Read64 = %#x", got)
		}
		if got := c.Read8(0x1000); got != 0x88 {
			t.Errorf("little-endian low byte = %#x, want 0x88", got)
		}
		c.Write32(0x2000, 0xCAFEBABE)
		if got := c.Read32(0x2000); got != 0xCAFEBABE {
			t.Errorf("Read32 = %#x", got)
		}
		c.WriteBytes(0x3000, []byte("hello"))
		if got := string(c.ReadBytes(0x3000, 5)); got != "hello" {
			t.Errorf("ReadBytes = %q", got)
		}
		c.ZeroRange(0x3000, 5)
		if got := c.Read8(0x3002); got != 0 {
			t.Errorf("ZeroRange left %#x", got)
		}
	})
}

func TestCompareAndSwap(t *testing.T) {
	m := NewMachine(Config{})
	defer m.Shutdown()
	onCore(t, m, func(c *Core) {
		if !c.CompareAndSwapAcquire32(0x4000, 0, 1) {
			t.Error("CAS on zero word failed")
		}
		if c.CompareAndSwapAcquire32(0x4000, 0, 2) {
			t.Error("CAS succeeded against stale value")
		}
		c.StoreRelease32(0x4000, 0)
		if got := c.LoadAcquire32(0x4000); got != 0 {
			t.Errorf("after release, word = %d", got)
		}
	})
}

func TestTimerRegisters(t *testing.T) {
	m := NewMachine(Config{Clock: NewRealClock(CounterFrequency, 1000)})
	defer m.Shutdown()
	onCore(t, m, func(c *Core) {
		if got := c.MRS(CNTFRQ_EL0); got != CounterFrequency {
			t.Errorf("CNTFRQ = %d", got)
		}
		before := c.MRS(CNTPCT_EL0)
		time.Sleep(time.Millisecond)
		if after := c.MRS(CNTPCT_EL0); after <= before {
			t.Errorf("counter did not advance: %d -> %d", before, after)
		}

		// A huge countdown keeps ISTATUS clear.
		c.MSR(CNTP_TVAL_EL0, CounterFrequency*3600)
		c.MSR(CNTP_CTL_EL0, CNTPCTLEnable)
		if c.MRS(CNTP_CTL_EL0)&CNTPCTLIStatus != 0 {
			t.Error("ISTATUS set with a distant deadline")
		}

		// A zero countdown asserts immediately.
		c.MSR(CNTP_TVAL_EL0, 0)
		if c.MRS(CNTP_CTL_EL0)&CNTPCTLIStatus == 0 {
			t.Error("ISTATUS clear after expiry")
		}
		if !c.TimerAsserted() {
			t.Error("timer line low after expiry")
		}
	})
}

func TestTextSymbols(t *testing.T) {
	m := NewMachine(Config{})
	defer m.Shutdown()
	called := false
	addr := m.RegisterText(func(c *Core) { called = true })
	if fn := m.TextFunc(addr); fn == nil {
		t.Fatal("registered symbol did not resolve")
	} else {
		fn(m.Core(0))
	}
	if !called {
		t.Error("text body did not run")
	}
	if m.TextFunc(addr+4) != nil {
		t.Error("unregistered address resolved")
	}
}

func TestSpinTableRelease(t *testing.T) {
	m := NewMachine(Config{})
	defer m.Shutdown()

	woke := make(chan int, NumCores)
	entry := m.RegisterText(func(c *Core) {
		woke <- c.ID()
	})

	onCore(t, m, func(c *Core) {
		c.Write64(SpinTableBase+1*SpinTableStride, entry)
		m.SendEvent()
	})

	select {
	case id := <-woke:
		if id != 1 {
			t.Errorf("core %d woke, want 1", id)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("core 1 never left the spin table")
	}
}

func TestMMIODispatch(t *testing.T) {
	m := NewMachine(Config{})
	defer m.Shutdown()
	dev := &recordingDevice{}
	m.MapDevice(0xFE201000, 0x1000, dev)
	onCore(t, m, func(c *Core) {
		c.Write32(0xFE201018, 42)
		if got := c.Read32(0xFE201018); got != 42 {
			t.Errorf("device read = %d", got)
		}
	})
	if dev.lastOff != 0x18 {
		t.Errorf("device saw offset %#x, want 0x18", dev.lastOff)
	}
}

type recordingDevice struct {
	lastOff uint64
	regs    [0x1000 / 4]uint64
}

func (d *recordingDevice) ReadReg(off uint64, size int) uint64 {
	d.lastOff = off
	return d.regs[off/4]
}

func (d *recordingDevice) WriteReg(off uint64, size int, v uint64) {
	d.lastOff = off
	d.regs[off/4] = v
}
