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

package boot_test

import (
	"bytes"
	"strings"
	"sync"
	"testing"
	"time"

	"rpi4os.dev/rpi4os/pkg/boot"
	"rpi4os.dev/rpi4os/pkg/hw"
	"rpi4os.dev/rpi4os/pkg/memlayout"
	"rpi4os.dev/rpi4os/pkg/pagetables"
)

// consoleBuffer collects UART output across goroutines.
type consoleBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (cb *consoleBuffer) Write(p []byte) (int, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.b.Write(p)
}

// String returns the output so far with CRLF normalised to LF.
func (cb *consoleBuffer) String() string {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return strings.ReplaceAll(cb.b.String(), "\r\n", "\n")
}

func waitFor(t *testing.T, cb *consoleBuffer, substr string) {
	t.Helper()
	deadline := time.Now().Add(30 * time.Second)
	for time.Now().Before(deadline) {
		if strings.Contains(cb.String(), substr) {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("console never showed %q; output:\n%s", substr, cb.String())
}

// bootState is what the adopted task observes once init completes.
type bootState struct {
	vbar      uint64
	sctlr     uint64
	ttbr0     uint64
	irqMasked bool
	el        uint64
}

func bootAndInspect(t *testing.T) (*boot.Kernel, *consoleBuffer, bootState) {
	t.Helper()
	out := &consoleBuffer{}
	k := boot.New(boot.Options{
		ConsoleOut:      out,
		TimerIntervalMS: 100,
		Clock:           hw.NewRealClock(hw.CounterFrequency, 100),
	})
	t.Cleanup(k.Machine.Shutdown)

	states := make(chan bootState, 1)
	k.Start(func(k *boot.Kernel, c *hw.Core) {
		states <- bootState{
			vbar:      c.MRS(hw.VBAR_EL1),
			sctlr:     c.MRS(hw.SCTLR_EL1),
			ttbr0:     c.MRS(hw.TTBR0_EL1),
			irqMasked: c.IRQsMasked(),
			el:        c.MRS(hw.CurrentEL) >> 2,
		}
		for {
			c.WaitForInterrupt()
		}
	})

	select {
	case st := <-states:
		return k, out, st
	case <-time.After(30 * time.Second):
		t.Fatalf("boot did not reach the adopted task; output:\n%s", out.String())
		return nil, nil, bootState{}
	}
}

func TestBootInvariants(t *testing.T) {
	_, out, st := bootAndInspect(t)

	if st.el != 1 {
		t.Errorf("adopted task runs at EL%d, want EL1", st.el)
	}
	if st.vbar != memlayout.VectorBase {
		t.Errorf("VBAR = %#x, want %#x", st.vbar, uint64(memlayout.VectorBase))
	}
	if st.vbar%hw.VectorTableAlign != 0 {
		t.Errorf("VBAR %#x not 2KB aligned", st.vbar)
	}
	if st.irqMasked {
		t.Error("interrupts still masked after scheduler init")
	}

	waitFor(t, out, "System ready!")
	for _, banner := range []string{
		"Raspberry Pi 4 OS",
		"MMU enabled! Identity-mapped with caches on.",
		"cores online",
		"Type 'help' for available commands.",
	} {
		if !strings.Contains(out.String(), banner) {
			t.Errorf("boot output missing %q", banner)
		}
	}
}

func TestMMUInvariants(t *testing.T) {
	k, _, st := bootAndInspect(t)

	for _, bit := range []struct {
		name string
		mask uint64
	}{
		{"M", pagetables.SCTLRM},
		{"C", pagetables.SCTLRC},
		{"I", pagetables.SCTLRI},
	} {
		if st.sctlr&bit.mask == 0 {
			t.Errorf("SCTLR bit %s clear after boot", bit.name)
		}
	}
	if st.ttbr0 != memlayout.L0Table {
		t.Errorf("TTBR0 = %#x, want %#x", st.ttbr0, uint64(memlayout.L0Table))
	}

	m := k.Machine
	for _, va := range []uint64{0, 0x80000, 1<<30 - 1} {
		pa, mt, ok := pagetables.Walk(m, st.ttbr0, va)
		if !ok || pa != va || mt != pagetables.MemoryNormal {
			t.Errorf("va %#x: pa %#x type %d ok %v, want identity normal", va, pa, mt, ok)
		}
	}
	for _, va := range []uint64{3 << 30, 0xFE201000, 0xFFFFFFFF} {
		pa, mt, ok := pagetables.Walk(m, st.ttbr0, va)
		if !ok || pa != va || mt != pagetables.MemoryDevice {
			t.Errorf("va %#x: pa %#x type %d ok %v, want identity device", va, pa, mt, ok)
		}
	}
}

func TestSecondaryCoresQuiesce(t *testing.T) {
	_, out, _ := bootAndInspect(t)
	waitFor(t, out, "4/4 cores online")
}

func TestTicksAdvance(t *testing.T) {
	k, out, _ := bootAndInspect(t)
	waitFor(t, out, "System ready!")
	start := k.Timer.Ticks()
	deadline := time.Now().Add(30 * time.Second)
	for time.Now().Before(deadline) {
		if k.Timer.Ticks() >= start+3 {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("ticks stuck at %d", k.Timer.Ticks())
}
