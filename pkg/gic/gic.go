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

// Package gic drives the GIC-400 interrupt controller and the ARM-local
// per-core timer interrupt routing.
package gic

import (
	"rpi4os.dev/rpi4os/pkg/hw"
)

// Register map.
const (
	GICBase = 0xFF840000

	gicdBase       = GICBase + 0x1000
	gicdCTLR       = gicdBase + 0x000
	gicdISENABLER  = gicdBase + 0x100
	gicdIPRIORITYR = gicdBase + 0x400
	gicdITARGETSR  = gicdBase + 0x800

	giccBase = GICBase + 0x2000
	giccCTLR = giccBase + 0x000
	giccPMR  = giccBase + 0x004
	giccIAR  = giccBase + 0x00C
	giccEOIR = giccBase + 0x010

	// ARM-local peripheral block: per-core timer interrupt routing and
	// interrupt source.
	localBase         = 0xFF800000
	localTimerRouting = localBase + 0x40
	localIRQSource    = localBase + 0x60

	// TimerIRQBit is bit 1 in both local registers: the non-secure
	// physical timer.
	TimerIRQBit = 1 << 1
)

// TimerIRQ is the PPI id of the architected physical timer.
const TimerIRQ = 30

// SpuriousIntID is what acknowledge returns when nothing is pending.
const SpuriousIntID = 1023

// Init brings up the distributor and this core's CPU interface:
// disable, configure the priority mask to pass everything, re-enable.
func Init(c *hw.Core) {
	c.Write32(gicdCTLR, 0)
	c.Write32(giccCTLR, 0)
	c.Write32(giccPMR, 0xFF)
	c.Write32(gicdCTLR, 1)
	c.Write32(giccCTLR, 1)
}

// InitCore enables the CPU interface on a secondary core.
func InitCore(c *hw.Core) {
	c.Write32(giccPMR, 0xFF)
	c.Write32(giccCTLR, 1)
}

// EnableInterrupt routes interrupt id to core 0 at a middle priority and
// enables it.
func EnableInterrupt(c *hw.Core, id uint32) {
	// Priority 0xA0, one byte per interrupt.
	prio := gicdIPRIORITYR + uint64(id&^3)
	v := c.Read32(prio)
	shift := (id % 4) * 8
	v &^= 0xFF << shift
	v |= 0xA0 << shift
	c.Write32(prio, v)

	// Target core 0.
	tgt := gicdITARGETSR + uint64(id&^3)
	v = c.Read32(tgt)
	v &^= 0xFF << shift
	v |= 0x01 << shift
	c.Write32(tgt, v)

	c.Write32(gicdISENABLER+uint64(id/32)*4, 1<<(id%32))
}

// Acknowledge reads the interrupt-identification register.
func Acknowledge(c *hw.Core) uint32 {
	return c.Read32(giccIAR) & 0x3FF
}

// EndInterrupt signals end-of-interrupt for id.
func EndInterrupt(c *hw.Core, id uint32) {
	c.Write32(giccEOIR, id)
}

// RouteTimerIRQ routes the physical timer interrupt to the given core
// through the local peripheral block.
func RouteTimerIRQ(c *hw.Core, core int) {
	c.Write32(localTimerRouting+uint64(core)*4, TimerIRQBit)
}

// TimerIRQRaised reads the core's local interrupt-source register and
// reports whether the timer line is up.
func TimerIRQRaised(c *hw.Core, core int) bool {
	return c.Read32(localIRQSource+uint64(core)*4)&TimerIRQBit != 0
}
