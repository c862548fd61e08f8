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

// Package pagetables builds the kernel's identity-mapping translation
// hierarchy and turns translation on.
//
// The layout is fixed: a 4KB granule with 48-bit VAs, one L0 table, one L1
// table, and two fully-populated L2 tables of 2MB block descriptors. The
// first gigabyte (RAM) maps normal-cacheable inner-shareable; the fourth
// gigabyte (peripherals) maps Device-nGnRnE outer-shareable. All four
// tables live in statically reserved, page-aligned memory.
package pagetables

import (
	"rpi4os.dev/rpi4os/pkg/hw"
)

// Descriptor bits.
const (
	ptValid = 1 << 0
	ptTable = 1 << 1 // L0/L1: points to next-level table
	ptBlock = 0 << 1 // L1/L2: block mapping

	// Access flag; without it every access faults.
	ptAF = 1 << 10

	// Shareability.
	ptISH = 3 << 8 // inner shareable
	ptOSH = 2 << 8 // outer shareable

	// Access permissions.
	ptAPRWEL1 = 0 << 6 // EL1 read/write, EL0 no access

	tableAddrMask = 0x0000FFFFFFFFF000
	blockAddrMask = 0x0000FFFFFFE00000
)

// MAIR attribute indices. Index 0 is Device-nGnRnE (0x00), index 1 is
// Normal write-back read/write-allocate (0xFF).
const (
	MTDevice = 0
	MTNormal = 1

	// MAIRValue is the packed MAIR_EL1 contents.
	MAIRValue = (0x00 << (MTDevice * 8)) | (0xFF << (MTNormal * 8))
)

// Block descriptor templates.
const (
	BlockNormal = ptValid | ptBlock | ptAF | (MTNormal << 2) | ptISH | ptAPRWEL1
	BlockDevice = ptValid | ptBlock | ptAF | (MTDevice << 2) | ptOSH | ptAPRWEL1
	TableEntry  = ptValid | ptTable
)

// TCRValue configures a 48-bit lower-half VA space with a 4KB granule,
// write-back cacheable walks, inner-shareable, and a 40-bit PA ceiling.
const TCRValue = (16 << 0) | // T0SZ = 16
	(1 << 8) | // IRGN0 = write-back
	(1 << 10) | // ORGN0 = write-back
	(3 << 12) | // SH0 = inner shareable
	(0 << 14) | // TG0 = 4KB
	(16 << 16) | // T1SZ = 16
	(2 << 32) // IPS = 40-bit PA

// SCTLR_EL1 bits set when translation goes live.
const (
	SCTLRM = 1 << 0
	SCTLRC = 1 << 2
	SCTLRI = 1 << 12
)

// Geometry.
const (
	entriesPerTable = 512
	blockSize       = 2 << 20

	// DeviceBase is the start of the gigabyte the device table covers.
	DeviceBase = 0xC0000000
)

// Config fixes the physical addresses of the four tables. Each must be
// page-aligned.
type Config struct {
	L0, L1, L2RAM, L2Dev uint64
}

// PageTables is the kernel's translation hierarchy.
type PageTables struct {
	cfg Config
}

// New returns a PageTables over statically reserved table memory.
func New(cfg Config) *PageTables {
	return &PageTables{cfg: cfg}
}

// Root returns the physical address of the L0 table, the TTBR0 value.
func (p *PageTables) Root() uint64 { return p.cfg.L0 }

// Build populates the four tables. The core must still be running with
// translation off.
func (p *PageTables) Build(c *hw.Core) {
	for _, t := range []uint64{p.cfg.L0, p.cfg.L1, p.cfg.L2RAM, p.cfg.L2Dev} {
		c.ZeroRange(t, entriesPerTable*8)
	}

	// L2 RAM table: 512 x 2MB = the first gigabyte, normal memory.
	for i := uint64(0); i < entriesPerTable; i++ {
		c.Write64(p.cfg.L2RAM+i*8, i*blockSize|BlockNormal)
	}

	// L2 device table: the fourth gigabyte, all BCM2711 peripherals,
	// the ARM-local block and the GIC.
	for i := uint64(0); i < entriesPerTable; i++ {
		c.Write64(p.cfg.L2Dev+i*8, DeviceBase+i*blockSize|BlockDevice)
	}

	// L1: entry 0 covers 0-1GB, entry 3 covers 3-4GB.
	c.Write64(p.cfg.L1+0*8, p.cfg.L2RAM|TableEntry)
	c.Write64(p.cfg.L1+3*8, p.cfg.L2Dev|TableEntry)

	// L0: entry 0 covers the first 512GB.
	c.Write64(p.cfg.L0+0*8, p.cfg.L1|TableEntry)
}

// Enable programs the translation registers and switches the MMU and both
// caches on.
func (p *PageTables) Enable(c *hw.Core) {
	c.MSR(hw.MAIR_EL1, MAIRValue)
	c.MSR(hw.TCR_EL1, TCRValue)
	c.MSR(hw.TTBR0_EL1, p.cfg.L0)
	c.MSR(hw.TTBR1_EL1, 0)

	// Table writes must complete before the walk can start using them.
	c.DSB()
	c.ISB()

	sctlr := c.MRS(hw.SCTLR_EL1)
	sctlr |= SCTLRM | SCTLRC | SCTLRI
	c.MSR(hw.SCTLR_EL1, sctlr)
	c.ISB()
}

// EnableShared adopts translation state published by another core and
// switches this core's MMU and caches on. Secondary cores never rebuild
// tables.
func EnableShared(c *hw.Core, ttbr0, tcr, mair uint64) {
	c.MSR(hw.MAIR_EL1, mair)
	c.MSR(hw.TCR_EL1, tcr)
	c.MSR(hw.TTBR0_EL1, ttbr0)
	c.MSR(hw.TTBR1_EL1, 0)
	c.DSB()
	c.ISB()
	sctlr := c.MRS(hw.SCTLR_EL1)
	sctlr |= SCTLRM | SCTLRC | SCTLRI
	c.MSR(hw.SCTLR_EL1, sctlr)
	c.ISB()
}

// Enabled reports whether translation is on for the core.
func Enabled(c *hw.Core) bool {
	return c.MRS(hw.SCTLR_EL1)&SCTLRM != 0
}

// MemoryType classifies a mapping.
type MemoryType int

// Mapping classes returned by Walk.
const (
	MemoryNone MemoryType = iota
	MemoryNormal
	MemoryDevice
)

// Walk performs a software table walk from the given root, mirroring what
// the hardware walker does. It reports the physical address and memory
// type for va, with ok false for unmapped addresses.
func Walk(m *hw.Machine, root, va uint64) (pa uint64, mt MemoryType, ok bool) {
	d0 := m.PhysRead64(root&tableAddrMask + 8*(va>>39&0x1FF))
	if d0&ptValid == 0 || d0&ptTable == 0 {
		return 0, MemoryNone, false
	}
	d1 := m.PhysRead64(d0&tableAddrMask + 8*(va>>30&0x1FF))
	if d1&ptValid == 0 || d1&ptTable == 0 {
		return 0, MemoryNone, false
	}
	d2 := m.PhysRead64(d1&tableAddrMask + 8*(va>>21&0x1FF))
	if d2&ptValid == 0 || d2&ptTable != 0 || d2&ptAF == 0 {
		return 0, MemoryNone, false
	}
	mt = MemoryDevice
	if (d2>>2)&0x7 == MTNormal {
		mt = MemoryNormal
	}
	return d2&blockAddrMask | va&(blockSize-1), mt, true
}
