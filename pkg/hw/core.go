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
	"time"
)

// SysReg names the system registers the kernel programs.
type SysReg int

// System registers. Only the ones the kernel actually touches are
// modelled; reading anything else is a machine fault.
const (
	MPIDR_EL1 SysReg = iota
	CurrentEL
	SCTLR_EL1
	TCR_EL1
	MAIR_EL1
	TTBR0_EL1
	TTBR1_EL1
	VBAR_EL1
	SPSR_EL1
	ELR_EL1
	HCR_EL2
	CNTHCTL_EL2
	SPSR_EL2
	ELR_EL2
	CNTFRQ_EL0
	CNTPCT_EL0
	CNTP_TVAL_EL0
	CNTP_CTL_EL0
)

// PSTATE/SPSR encoding.
const (
	// PSRModeEL1h selects EL1 with the EL1 stack pointer.
	PSRModeEL1h = 0x5

	// PSRIRQMasked is the I bit.
	PSRIRQMasked = 1 << 7

	// SPSREL2Boot is the EL2 exception-return state used by boot: EL1h
	// with all of DAIF masked.
	SPSREL2Boot = 0x3C5
)

// CNTP_CTL bits.
const (
	CNTPCTLEnable  = 1 << 0
	CNTPCTLIMask   = 1 << 1
	CNTPCTLIStatus = 1 << 2
)

// HCR_EL2 / CNTHCTL_EL2 bits the boot path sets.
const (
	HCRRW           = 1 << 31 // EL1 is AArch64
	CNTHCTLEL1PCEN  = 1 << 1  // EL1 may access the physical timer
	CNTHCTLEL1PCTEN = 1 << 0  // EL1 may access the physical counter
)

// Exception vector layout. The table is 2KB-aligned; each entry is 0x80
// bytes. The kernel takes interrupts only from the current EL with SPx.
const (
	VectorTableAlign = 0x800
	VectorSize       = 0x80

	VecSyncCurrentSP0 = 0x000
	VecIRQCurrentSP0  = 0x080
	VecFIQCurrentSP0  = 0x100
	VecErrCurrentSP0  = 0x180
	VecSyncCurrentSPx = 0x200
	VecIRQCurrentSPx  = 0x280
	VecFIQCurrentSPx  = 0x300
	VecErrCurrentSPx  = 0x380
	VecSyncLower64    = 0x400
	VecIRQLower64     = 0x480
	VecFIQLower64     = 0x500
	VecErrLower64     = 0x580
	VecSyncLower32    = 0x600
	VecIRQLower32     = 0x680
	VecFIQLower32     = 0x700
	VecErrLower32     = 0x780
)

// Core is one Cortex-A72 core. Its register state is owned by whichever
// goroutine is currently executing on it; handoff happens only through the
// trapframe suspension points, so no locking is needed.
type Core struct {
	m  *Machine
	id int

	// el is the current exception level, 1 or 2. Cores reset at EL2.
	el int

	// irqMasked is PSTATE.I.
	irqMasked bool

	// sp is the selected stack pointer (SP_EL1 once at EL1).
	sp uint64

	sctlr, tcr, mair, ttbr0, ttbr1 uint64
	vbar                           uint64
	spsrEL1, elrEL1                uint64
	hcr, cnthctl                   uint64
	spsrEL2, elrEL2                uint64

	// cntpDeadline is the absolute counter value the timer fires at;
	// cntpCtl holds the enable/mask bits. ISTATUS is computed.
	cntpDeadline uint64
	cntpCtl      uint64
}

func newCore(m *Machine, id int) *Core {
	return &Core{m: m, id: id, el: 2, irqMasked: true}
}

// ID returns the core number, 0-3.
func (c *Core) ID() int { return c.id }

// Machine returns the owning machine.
func (c *Core) Machine() *Machine { return c.m }

// MRS reads a system register.
func (c *Core) MRS(r SysReg) uint64 {
	switch r {
	case MPIDR_EL1:
		return uint64(c.id)
	case CurrentEL:
		return uint64(c.el) << 2
	case SCTLR_EL1:
		return c.sctlr
	case TCR_EL1:
		return c.tcr
	case MAIR_EL1:
		return c.mair
	case TTBR0_EL1:
		return c.ttbr0
	case TTBR1_EL1:
		return c.ttbr1
	case VBAR_EL1:
		return c.vbar
	case SPSR_EL1:
		return c.spsrEL1
	case ELR_EL1:
		return c.elrEL1
	case HCR_EL2:
		return c.hcr
	case CNTHCTL_EL2:
		return c.cnthctl
	case SPSR_EL2:
		return c.spsrEL2
	case ELR_EL2:
		return c.elrEL2
	case CNTFRQ_EL0:
		return c.m.clock.Frequency()
	case CNTPCT_EL0:
		return c.m.clock.Counter()
	case CNTP_TVAL_EL0:
		now := c.m.clock.Counter()
		if c.cntpDeadline >= now {
			return c.cntpDeadline - now
		}
		return 0
	case CNTP_CTL_EL0:
		ctl := c.cntpCtl
		if ctl&CNTPCTLEnable != 0 && c.m.clock.Counter() >= c.cntpDeadline {
			ctl |= CNTPCTLIStatus
		}
		return ctl
	}
	c.m.fault(c, "MRS of unmodelled system register %d", r)
	return 0
}

// MSR writes a system register.
func (c *Core) MSR(r SysReg, v uint64) {
	switch r {
	case SCTLR_EL1:
		c.sctlr = v
	case TCR_EL1:
		c.tcr = v
	case MAIR_EL1:
		c.mair = v
	case TTBR0_EL1:
		c.ttbr0 = v
	case TTBR1_EL1:
		c.ttbr1 = v
	case VBAR_EL1:
		c.vbar = v
	case SPSR_EL1:
		c.spsrEL1 = v
	case ELR_EL1:
		c.elrEL1 = v
	case HCR_EL2:
		c.hcr = v
	case CNTHCTL_EL2:
		c.cnthctl = v
	case SPSR_EL2:
		c.spsrEL2 = v
	case ELR_EL2:
		c.elrEL2 = v
	case CNTP_TVAL_EL0:
		c.cntpDeadline = c.m.clock.Counter() + v
	case CNTP_CTL_EL0:
		c.cntpCtl = v & (CNTPCTLEnable | CNTPCTLIMask)
	default:
		c.m.fault(c, "MSR of unmodelled system register %d", r)
	}
}

// SP returns the selected stack pointer.
func (c *Core) SP() uint64 { return c.sp }

// SetSP sets the selected stack pointer.
func (c *Core) SetSP(sp uint64) { c.sp = sp }

// MaskIRQs is `msr daifset, #2`.
func (c *Core) MaskIRQs() { c.irqMasked = true }

// UnmaskIRQs is `msr daifclr, #2`. A pending interrupt is taken before
// execution continues.
func (c *Core) UnmaskIRQs() {
	c.irqMasked = false
	c.maybeTakeIRQ()
}

// IRQsMasked returns PSTATE.I.
func (c *Core) IRQsMasked() bool { return c.irqMasked }

// PSTATE returns the current processor state in SPSR encoding.
func (c *Core) PSTATE() uint64 {
	v := uint64(PSRModeEL1h)
	if c.irqMasked {
		v |= PSRIRQMasked
	}
	return v
}

// SetPSTATE restores processor state from an SPSR-encoded value.
func (c *Core) SetPSTATE(spsr uint64) {
	c.irqMasked = spsr&PSRIRQMasked != 0
}

// Eret performs an exception return at EL2, dropping to the state held in
// SPSR_EL2 and branching to ELR_EL2. It does not return.
func (c *Core) Eret() {
	if c.el != 2 {
		c.m.fault(c, "EL2 eret at EL%d", c.el)
	}
	fn := c.m.TextFunc(c.elrEL2)
	if fn == nil {
		c.m.fault(c, "eret to non-text address %#x", c.elrEL2)
	}
	c.el = 1
	c.SetPSTATE(c.spsrEL2)
	fn(c)
}

// TimerAsserted returns whether the physical timer's interrupt line is
// high: enabled, unmasked at the timer, and expired.
func (c *Core) TimerAsserted() bool {
	return c.cntpCtl&CNTPCTLEnable != 0 &&
		c.cntpCtl&CNTPCTLIMask == 0 &&
		c.m.clock.Counter() >= c.cntpDeadline
}

// irqPending reports whether an interrupt is wired through to this core.
// The routing fabric (GIC + local peripherals) is installed by the
// platform setup.
func (c *Core) irqPending() bool {
	probe := c.m.irqProbe
	return probe != nil && probe(c)
}

// maybeTakeIRQ takes a pending interrupt if PSTATE.I allows. This is the
// preemption point: it runs at every memory access and at every unmask.
func (c *Core) maybeTakeIRQ() {
	if c.irqMasked || !c.irqPending() {
		return
	}
	// Hardware exception entry: save PSTATE, mask interrupts, vector.
	c.spsrEL1 = c.PSTATE()
	c.irqMasked = true
	h := c.m.TextFunc(c.vbar + VecIRQCurrentSPx)
	if h == nil {
		c.m.fault(c, "IRQ with no vector installed (VBAR=%#x)", c.vbar)
	}
	h(c)
}

// WaitForInterrupt is WFI: a low-power wait that completes when an
// interrupt becomes pending (even if masked), an event is sent, or the
// timer deadline arrives. A pending unmasked interrupt is taken before
// returning.
func (c *Core) WaitForInterrupt() {
	c.m.checkStopped()
	if c.irqPending() || c.TimerAsserted() {
		c.maybeTakeIRQ()
		return
	}
	ch := c.m.ev.wait()
	var fire <-chan time.Time
	if c.cntpCtl&CNTPCTLEnable != 0 {
		now := c.m.clock.Counter()
		if c.cntpDeadline > now {
			fire = c.m.clock.After(c.cntpDeadline - now)
		}
	}
	select {
	case <-ch:
	case <-fire:
	case <-c.m.stop:
		panic(machineStopped{})
	}
	c.maybeTakeIRQ()
}

// WaitForEvent is WFE: parks until the next SEV or device event.
func (c *Core) WaitForEvent() {
	c.m.checkStopped()
	ch := c.m.ev.wait()
	select {
	case <-ch:
	case <-c.m.stop:
		panic(machineStopped{})
	}
}

// Yield is the `yield` hint.
func (c *Core) Yield() {
	c.m.checkStopped()
	c.maybeTakeIRQ()
}

// DSB and ISB are barriers. The emulated bus is sequentially consistent,
// so they are preemption points only.
func (c *Core) DSB() { c.maybeTakeIRQ() }

// ISB is an instruction-synchronisation barrier.
func (c *Core) ISB() { c.maybeTakeIRQ() }

// haltForever parks the core until shutdown. Used for fatal conditions.
func (c *Core) haltForever() {
	<-c.m.stop
	panic(machineStopped{})
}

// Halt parks the core in a wait-for-interrupt that nothing will ever
// complete. It never returns.
func (c *Core) Halt() {
	c.haltForever()
}

// spinWait is the firmware spin-table loop secondary cores reset into:
// wait for an event, then branch to a published entry address.
func (c *Core) spinWait() {
	mbox := uint64(SpinTableBase + SpinTableStride*c.id)
	for {
		addr := c.m.physRead(mbox, 8)
		if addr != 0 {
			fn := c.m.TextFunc(addr)
			if fn == nil {
				c.m.fault(c, "spin-table release to non-text address %#x", addr)
			}
			fn(c)
			return
		}
		c.WaitForEvent()
	}
}
