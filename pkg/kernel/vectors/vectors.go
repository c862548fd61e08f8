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

// Package vectors is the architecture-specific exception plumbing: the
// vector table and the trapframe format.
//
// The contract the scheduler builds on: given a pointer to a trapframe
// and the rest of the task's stack, ExceptionReturn resumes that task;
// given a freshly synthesised frame, ExceptionReturn starts a new task at
// the frame's ELR with the frame's SPSR, falling through to the frame's
// saved LR when the entry returns.
package vectors

import (
	"time"

	"rpi4os.dev/rpi4os/pkg/hw"
	"rpi4os.dev/rpi4os/pkg/log"
)

// Trapframe layout: 34 doublewords pushed on the interrupted task's own
// stack. x0..x30, then the exception-return address, the saved processor
// state, and one padding slot keeping the frame 16-byte aligned.
const (
	FrameWords = 34
	FrameSize  = FrameWords * 8

	// Frame slot indices.
	SlotLR   = 30
	SlotELR  = 31
	SlotSPSR = 32
	SlotPad  = 33
)

// Dispatcher decides which task to resume. It receives the stack pointer
// holding the just-pushed trapframe and returns the stack pointer of the
// trapframe to resume (possibly the same one).
type Dispatcher func(c *hw.Core, sp uint64) uint64

var unhandled = log.BasicRateLimitedLogger(5 * time.Second)

// Install places the vector table at base (2KB aligned) and programs
// VBAR_EL1. Only the IRQ-from-current-EL-with-SPx slot has a real
// handler; every other origin halts.
func Install(c *hw.Core, base uint64, d Dispatcher) {
	m := c.Machine()
	for off := uint64(0); off < 16*hw.VectorSize; off += hw.VectorSize {
		if off == hw.VecIRQCurrentSPx {
			continue
		}
		slot := off
		m.RegisterTextAt(base+slot, func(c *hw.Core) {
			unhandled.Warningf("unhandled exception vector %#x on core %d", slot, c.ID())
			c.Halt()
		})
	}
	m.RegisterTextAt(base+hw.VecIRQCurrentSPx, func(c *hw.Core) {
		irqEntry(c, d)
	})
	c.MSR(hw.VBAR_EL1, base)
}

// irqEntry is the IRQ-from-current-EL path: push the full register state
// as a trapframe on the task's own stack, hand the stack pointer to the
// dispatcher, and exception-return to whatever it picks. PSTATE has
// already been saved to SPSR_EL1 and interrupts masked by the exception
// entry itself.
func irqEntry(c *hw.Core, d Dispatcher) {
	old := c.SP()
	sp := old - FrameSize
	for i := 0; i < SlotELR; i++ {
		c.Write64(sp+uint64(i)*8, 0)
	}
	// The resumption context is carried by the frame binding; the ELR
	// slot is left zero.
	c.Write64(sp+SlotELR*8, 0)
	c.Write64(sp+SlotSPSR*8, c.MRS(hw.SPSR_EL1))
	c.Write64(sp+SlotPad*8, 0)
	c.SetSP(sp)

	next := d(c, sp)

	if next == sp {
		pop(c, sp)
		return
	}
	s := c.Machine().BindFrame(sp)
	ExceptionReturn(c, next)
	s.Wait()
	pop(c, sp)
}

// pop unwinds a trapframe on the calling goroutine's own stack: restore
// the saved processor state and drop the frame.
func pop(c *hw.Core, sp uint64) {
	spsr := c.Read64(sp + SlotSPSR*8)
	c.SetSP(sp + FrameSize)
	c.SetPSTATE(spsr)
}

// ExceptionReturn transfers execution to the trapframe at sp. A suspended
// execution bound to the frame is resumed in place; otherwise the frame
// is a synthesised one and a fresh execution starts at its ELR. The
// caller must immediately suspend or exit.
func ExceptionReturn(c *hw.Core, sp uint64) {
	m := c.Machine()
	if m.WakeFrame(sp) {
		return
	}
	elr := c.Read64(sp + SlotELR*8)
	lr := c.Read64(sp + SlotLR*8)
	spsr := c.Read64(sp + SlotSPSR*8)
	entry := m.TextFunc(elr)
	if entry == nil {
		log.Warningf("exception return to non-text address %#x", elr)
		c.Halt()
	}
	exit := m.TextFunc(lr)
	m.Go(c, func(c *hw.Core) {
		c.SetSP(sp + FrameSize)
		c.SetPSTATE(spsr)
		entry(c)
		if exit == nil {
			log.Warningf("task returned to non-text LR %#x", lr)
			c.Halt()
		}
		exit(c)
	})
}

// BuildFrame synthesises a trapframe for a new task at the top of its
// stack. General registers are zero, LR is the exit trampoline, ELR is
// the entry point, and SPSR selects EL1h with interrupts unmasked.
// Returns the stack-pointer value to store in the task's record.
func BuildFrame(c *hw.Core, stackTop, entry, exitTrampoline uint64) uint64 {
	top := stackTop &^ 0xF
	sp := top - FrameSize
	for i := 0; i < FrameWords; i++ {
		c.Write64(sp+uint64(i)*8, 0)
	}
	c.Write64(sp+SlotLR*8, exitTrampoline)
	c.Write64(sp+SlotELR*8, entry)
	c.Write64(sp+SlotSPSR*8, hw.PSRModeEL1h)
	return sp
}
