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
	"encoding/binary"
)

// Translation descriptor bits, shared with the table builder in
// pkg/pagetables. The walker here is the "hardware" table walk; the
// builder writes what this walker reads.
const (
	descValid = 1 << 0
	descTable = 1 << 1
	descAF    = 1 << 10

	sctlrM = 1 << 0

	tableAddrMask   = 0x0000FFFFFFFFF000
	block2MAddrMask = 0x0000FFFFFFE00000
	block1GAddrMask = 0x0000FFFFC0000000
)

// SetIRQProbe installs the interrupt routing fabric: probe reports whether
// an IRQ is wired through to the given core. Installed once by platform
// setup, before interrupts are unmasked anywhere.
func (m *Machine) SetIRQProbe(probe func(*Core) bool) {
	m.irqProbe = probe
}

// translate resolves va under the core's current translation regime. With
// the MMU off addresses are physical. With it on, the walker performs the
// architectural L0→L1→L2 walk through the tables at TTBR0_EL1. Any
// malformed descriptor is a machine fault.
func (c *Core) translate(va uint64) uint64 {
	if c.sctlr&sctlrM == 0 {
		return va
	}
	root := c.ttbr0 & tableAddrMask
	d0 := c.m.physRead(root+8*(va>>39&0x1FF), 8)
	if d0&descValid == 0 || d0&descTable == 0 {
		c.m.fault(c, "translation fault at L0 for va %#x (desc %#x)", va, d0)
	}
	d1 := c.m.physRead((d0&tableAddrMask)+8*(va>>30&0x1FF), 8)
	if d1&descValid == 0 {
		c.m.fault(c, "translation fault at L1 for va %#x (desc %#x)", va, d1)
	}
	if d1&descTable == 0 {
		// 1GB block.
		if d1&descAF == 0 {
			c.m.fault(c, "access flag fault for va %#x", va)
		}
		return d1&block1GAddrMask | va&(1<<30-1)
	}
	d2 := c.m.physRead((d1&tableAddrMask)+8*(va>>21&0x1FF), 8)
	if d2&descValid == 0 {
		c.m.fault(c, "translation fault at L2 for va %#x (desc %#x)", va, d2)
	}
	if d2&descTable != 0 {
		c.m.fault(c, "unexpected L3 table for va %#x (desc %#x)", va, d2)
	}
	if d2&descAF == 0 {
		c.m.fault(c, "access flag fault for va %#x", va)
	}
	return d2&block2MAddrMask | va&(1<<21-1)
}

// access performs a single load or store of the given size at va. It is a
// preemption point.
func (c *Core) access(va uint64, size int, v uint64, write bool) uint64 {
	c.maybeTakeIRQ()
	pa := c.translate(va)
	if pa+uint64(size) <= uint64(len(c.m.ram)) {
		if write {
			c.m.physWrite(pa, size, v)
			return 0
		}
		return c.m.physRead(pa, size)
	}
	if dev, base := c.m.lookupDevice(pa); dev != nil {
		if write {
			dev.WriteReg(pa-base, size, v)
			return 0
		}
		return dev.ReadReg(pa-base, size)
	}
	c.m.fault(c, "access to unbacked physical address %#x", pa)
	return 0
}

// Read8 loads a byte.
func (c *Core) Read8(va uint64) uint8 { return uint8(c.access(va, 1, 0, false)) }

// Read32 loads a word.
func (c *Core) Read32(va uint64) uint32 { return uint32(c.access(va, 4, 0, false)) }

// Read64 loads a doubleword.
func (c *Core) Read64(va uint64) uint64 { return c.access(va, 8, 0, false) }

// Write8 stores a byte.
func (c *Core) Write8(va uint64, v uint8) { c.access(va, 1, uint64(v), true) }

// Write32 stores a word.
func (c *Core) Write32(va uint64, v uint32) { c.access(va, 4, uint64(v), true) }

// Write64 stores a doubleword.
func (c *Core) Write64(va uint64, v uint64) { c.access(va, 8, uint64(v), true) }

// ReadBytes copies n bytes starting at va.
func (c *Core) ReadBytes(va uint64, n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = c.Read8(va + uint64(i))
	}
	return b
}

// WriteBytes copies b to memory starting at va.
func (c *Core) WriteBytes(va uint64, b []byte) {
	for i, v := range b {
		c.Write8(va+uint64(i), v)
	}
}

// ZeroRange clears [va, va+n).
func (c *Core) ZeroRange(va, n uint64) {
	for off := uint64(0); off+8 <= n; off += 8 {
		c.Write64(va+off, 0)
	}
	for off := n &^ 7; off < n; off++ {
		c.Write8(va+off, 0)
	}
}

// CompareAndSwapAcquire32 is the LDAXR/STXR sequence: atomically replaces
// the word at va if it equals old. Acquire ordering.
func (c *Core) CompareAndSwapAcquire32(va uint64, old, new uint32) bool {
	c.maybeTakeIRQ()
	pa := c.translate(va)
	if pa+4 > uint64(len(c.m.ram)) {
		c.m.fault(c, "atomic access to unbacked physical address %#x", pa)
	}
	c.m.memMu.Lock()
	defer c.m.memMu.Unlock()
	cur := binary.LittleEndian.Uint32(c.m.ram[pa:])
	if cur != old {
		return false
	}
	binary.LittleEndian.PutUint32(c.m.ram[pa:], new)
	return true
}

// StoreRelease32 is STLR: a store with release ordering.
func (c *Core) StoreRelease32(va uint64, v uint32) {
	c.Write32(va, v)
}

// LoadAcquire32 is LDAR: a load with acquire ordering.
func (c *Core) LoadAcquire32(va uint64) uint32 {
	return c.Read32(va)
}

// lookupDevice finds the device mapped at pa, if any.
func (m *Machine) lookupDevice(pa uint64) (Device, uint64) {
	m.memMu.Lock()
	defer m.memMu.Unlock()
	for _, r := range m.bus {
		if pa >= r.base && pa < r.base+r.size {
			return r.dev, r.base
		}
	}
	return nil, 0
}

// physRead performs a raw physical read, bypassing translation. Reads
// beyond the DRAM window return zero; the bus is not consulted.
func (m *Machine) physRead(pa uint64, size int) uint64 {
	m.memMu.Lock()
	defer m.memMu.Unlock()
	if pa+uint64(size) > uint64(len(m.ram)) {
		return 0
	}
	switch size {
	case 1:
		return uint64(m.ram[pa])
	case 2:
		return uint64(binary.LittleEndian.Uint16(m.ram[pa:]))
	case 4:
		return uint64(binary.LittleEndian.Uint32(m.ram[pa:]))
	default:
		return binary.LittleEndian.Uint64(m.ram[pa:])
	}
}

// physWrite performs a raw physical write, bypassing translation.
func (m *Machine) physWrite(pa uint64, size int, v uint64) {
	m.memMu.Lock()
	defer m.memMu.Unlock()
	if pa+uint64(size) > uint64(len(m.ram)) {
		return
	}
	switch size {
	case 1:
		m.ram[pa] = byte(v)
	case 2:
		binary.LittleEndian.PutUint16(m.ram[pa:], uint16(v))
	case 4:
		binary.LittleEndian.PutUint32(m.ram[pa:], uint32(v))
	default:
		binary.LittleEndian.PutUint64(m.ram[pa:], v)
	}
}

// PhysRead64 reads a doubleword at a physical address. Test and debug
// surface; kernel code goes through a core.
func (m *Machine) PhysRead64(pa uint64) uint64 { return m.physRead(pa, 8) }

// PhysWrite64 writes a doubleword at a physical address.
func (m *Machine) PhysWrite64(pa uint64, v uint64) { m.physWrite(pa, 8, v) }
