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

package boot

import (
	"time"

	"rpi4os.dev/rpi4os/pkg/gic"
	"rpi4os.dev/rpi4os/pkg/hw"
	"rpi4os.dev/rpi4os/pkg/memlayout"
	"rpi4os.dev/rpi4os/pkg/pagetables"
)

const logEvery = 5 * time.Second

// Shared SMP block layout, relative to memlayout.SMPBlock. The primary
// core publishes; secondaries consume.
const (
	// Per-core info records, 32 bytes apiece.
	smpInfoStride   = 32
	smpInfoOnline   = 0  // u32
	smpInfoTicks    = 8  // u64
	smpInfoTasksRun = 16 // u64

	// Published MMU state.
	smpTTBR0 = 0x80
	smpTCR   = 0x88
	smpMAIR  = 0x90

	// Per-core EL1 stack tops.
	smpStacks = 0xA0
)

func smpInfo(core int, field uint64) uint64 {
	return memlayout.SMPBlock + uint64(core)*smpInfoStride + field
}

// smpInit publishes the primary core's MMU configuration and per-core
// stacks, then releases the secondary cores through the spin table and
// waits up to 200ms for them to come online.
func (k *Kernel) smpInit(c *hw.Core) {
	con := k.Console

	c.Write32(smpInfo(0, smpInfoOnline), 1)

	// Stack tops for cores 1-3; core 0 already has its stack.
	c.Write64(memlayout.SMPBlock+smpStacks, 0)
	for i := 1; i < hw.NumCores; i++ {
		top := uint64(memlayout.CoreStacksBase) + uint64(i)*memlayout.CoreStackSize
		c.Write64(memlayout.SMPBlock+smpStacks+uint64(i)*8, top)
	}

	c.Write64(memlayout.SMPBlock+smpTTBR0, c.MRS(hw.TTBR0_EL1))
	c.Write64(memlayout.SMPBlock+smpTCR, c.MRS(hw.TCR_EL1))
	c.Write64(memlayout.SMPBlock+smpMAIR, c.MRS(hw.MAIR_EL1))

	// Everything above must be visible before any core wakes.
	c.DSB()

	m := c.Machine()
	names := []string{"  Waking core 1...", " core 2...", " core 3..."}
	for i := 1; i < hw.NumCores; i++ {
		con.Puts(c, names[i-1])
		c.Write64(hw.SpinTableBase+uint64(i)*hw.SpinTableStride, k.secondaryEntry)
		m.SendEvent()
	}

	// Poll for the cores, bounded at 200ms of counter time.
	freq := c.MRS(hw.CNTFRQ_EL0)
	deadline := c.MRS(hw.CNTPCT_EL0) + freq/5
	for c.MRS(hw.CNTPCT_EL0) < deadline {
		if k.onlineCores(c) == hw.NumCores {
			break
		}
		c.Yield()
	}

	con.Puts(c, "\n  ")
	con.PutDec(c, uint64(k.onlineCores(c)))
	con.Puts(c, "/")
	con.PutDec(c, hw.NumCores)
	con.Puts(c, " cores online\n")
}

func (k *Kernel) onlineCores(c *hw.Core) int {
	n := 0
	for i := 0; i < hw.NumCores; i++ {
		if c.Read32(smpInfo(i, smpInfoOnline)) != 0 {
			n++
		}
	}
	return n
}

// secondaryReset is what a spin-table release branches to, still at EL2:
// repeat the exception-level transition and continue at EL1.
func (k *Kernel) secondaryReset(c *hw.Core) {
	c.MSR(hw.HCR_EL2, c.MRS(hw.HCR_EL2)|hw.HCRRW)
	c.MSR(hw.CNTHCTL_EL2, c.MRS(hw.CNTHCTL_EL2)|hw.CNTHCTLEL1PCEN|hw.CNTHCTLEL1PCTEN)
	c.MSR(hw.SPSR_EL2, hw.SPSREL2Boot)
	c.MSR(hw.ELR_EL2, c.Machine().RegisterText(k.secondaryMain))
	c.Eret()
}

// secondaryMain brings one secondary core to quiescence: adopt the shared
// translation state, take the published stack, arm the local timer, and
// idle.
//
// The platform delivers the forwarded timer interrupt only to core 0, so
// secondaries poll their own ISTATUS each iteration and re-arm locally.
func (k *Kernel) secondaryMain(c *hw.Core) {
	id := int(c.MRS(hw.MPIDR_EL1) & 0x3)

	ttbr0 := c.Read64(memlayout.SMPBlock + smpTTBR0)
	tcr := c.Read64(memlayout.SMPBlock + smpTCR)
	mair := c.Read64(memlayout.SMPBlock + smpMAIR)
	pagetables.EnableShared(c, ttbr0, tcr, mair)

	c.SetSP(c.Read64(memlayout.SMPBlock + smpStacks + uint64(id)*8))

	k.Timer.Init(c)
	gic.RouteTimerIRQ(c, id)
	gic.InitCore(c)

	c.Write32(smpInfo(id, smpInfoOnline), 1)

	for {
		c.WaitForInterrupt()
		if k.Timer.Expired(c) {
			k.Timer.Rearm(c)
			c.Write64(smpInfo(id, smpInfoTicks), c.Read64(smpInfo(id, smpInfoTicks))+1)
		}
	}
}

// CoreStat is one row of the top command's per-core table.
type CoreStat struct {
	Online   bool
	Ticks    uint64
	TasksRun uint64
}

// CoreStats reads the per-core records. Core 0 counts through the shared
// tick counter and the scheduler's dispatch count rather than the block.
func (k *Kernel) CoreStats(c *hw.Core) [hw.NumCores]CoreStat {
	var out [hw.NumCores]CoreStat
	for i := 0; i < hw.NumCores; i++ {
		out[i] = CoreStat{
			Online:   c.Read32(smpInfo(i, smpInfoOnline)) != 0,
			Ticks:    c.Read64(smpInfo(i, smpInfoTicks)),
			TasksRun: c.Read64(smpInfo(i, smpInfoTasksRun)),
		}
	}
	out[0].Ticks = k.Timer.Ticks()
	out[0].TasksRun = k.Sched.Dispatches(0)
	return out
}
