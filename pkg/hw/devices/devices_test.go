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

package devices

import (
	"bytes"
	"testing"

	"rpi4os.dev/rpi4os/pkg/hw"
)

func TestUARTTransmit(t *testing.T) {
	m := hw.NewMachine(hw.Config{})
	defer m.Shutdown()
	var out bytes.Buffer
	u := NewUART(m, &out)
	for _, b := range []byte("ok") {
		u.WriteReg(0x00, 4, uint64(b))
	}
	if out.String() != "ok" {
		t.Errorf("transmitted %q", out.String())
	}
}

func TestUARTReceive(t *testing.T) {
	m := hw.NewMachine(hw.Config{})
	defer m.Shutdown()
	u := NewUART(m, nil)

	if fr := u.ReadReg(0x18, 4); fr&(1<<4) == 0 {
		t.Error("RXFE clear on empty FIFO")
	}
	u.Feed([]byte{'a', 'b'})
	if fr := u.ReadReg(0x18, 4); fr&(1<<4) != 0 {
		t.Error("RXFE set with data queued")
	}
	if got := u.ReadReg(0x00, 4); got != 'a' {
		t.Errorf("DR = %c", rune(got))
	}
	if got := u.ReadReg(0x00, 4); got != 'b' {
		t.Errorf("DR = %c", rune(got))
	}
	if fr := u.ReadReg(0x18, 4); fr&(1<<4) == 0 {
		t.Error("RXFE clear after draining")
	}
}

func TestGICForwarding(t *testing.T) {
	g := NewGIC()
	line := false
	g.SetLineProbe(func(id uint32, core int) bool {
		return id == 30 && core == 0 && line
	})

	enable := func() {
		g.WriteReg(gicdCTLR, 4, 1)
		g.WriteReg(giccCTLR, 4, 1)
		g.WriteReg(giccPMR, 4, 0xFF)
		// Priority 0xA0 and target core 0 for id 30.
		g.WriteReg(gicdIPRIORITYR+28, 4, 0xA0<<16)
		g.WriteReg(gicdITARGETSR+28, 4, 0x01<<16)
		g.WriteReg(gicdISENABLER+0, 4, 1<<30)
	}
	enable()

	if g.Forwards(30, 0) {
		t.Error("forwarded with line low")
	}
	line = true
	if !g.Forwards(30, 0) {
		t.Error("not forwarded with everything enabled")
	}
	if g.Forwards(30, 1) {
		t.Error("forwarded to untargeted core")
	}

	// Acknowledge claims it; EOI releases it.
	if got := g.ReadReg(giccIAR, 4); got != 30 {
		t.Errorf("IAR = %d, want 30", got)
	}
	if g.Forwards(30, 0) {
		t.Error("forwarded while active")
	}
	if got := g.ReadReg(giccIAR, 4); got != SpuriousIntID {
		t.Errorf("second IAR = %d, want spurious", got)
	}
	g.WriteReg(giccEOIR, 4, 30)
	if !g.Forwards(30, 0) {
		t.Error("not forwarded after EOI with line still high")
	}
}

func TestGICDisabledDistributor(t *testing.T) {
	g := NewGIC()
	g.SetLineProbe(func(id uint32, core int) bool { return true })
	g.WriteReg(giccCTLR, 4, 1)
	g.WriteReg(giccPMR, 4, 0xFF)
	g.WriteReg(gicdISENABLER+0, 4, 1<<30)
	g.WriteReg(gicdITARGETSR+28, 4, 0x01<<16)
	if g.Forwards(30, 0) {
		t.Error("forwarded with distributor disabled")
	}
}

func TestLocalRouting(t *testing.T) {
	l := NewLocal()
	fired := false
	l.SetTimerProbe(func(core int) bool { return core == 2 && fired })

	if l.TimerRouted(2) {
		t.Error("routed before write")
	}
	l.WriteReg(LocalTimerRouting+8, 4, LocalTimerIRQBit)
	if !l.TimerRouted(2) {
		t.Error("not routed after write")
	}

	if got := l.ReadReg(LocalIRQSource+8, 4); got != 0 {
		t.Errorf("IRQ source = %#x with timer idle", got)
	}
	fired = true
	if got := l.ReadReg(LocalIRQSource+8, 4); got != LocalTimerIRQBit {
		t.Errorf("IRQ source = %#x, want timer bit", got)
	}
	// Other cores stay quiet.
	if got := l.ReadReg(LocalIRQSource+0, 4); got != 0 {
		t.Errorf("core 0 IRQ source = %#x", got)
	}
}
