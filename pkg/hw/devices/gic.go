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
	"sync"
)

// GIC-400 layout: the distributor sits at GICBase+0x1000, the CPU
// interface at GICBase+0x2000. The device is mapped over both.
const (
	GICDistOffset = 0x1000
	GICCPUOffset  = 0x2000

	gicdCTLR       = GICDistOffset + 0x000
	gicdISENABLER  = GICDistOffset + 0x100
	gicdIPRIORITYR = GICDistOffset + 0x400
	gicdITARGETSR  = GICDistOffset + 0x800
	gicdICFGR      = GICDistOffset + 0xC00

	giccCTLR = GICCPUOffset + 0x000
	giccPMR  = GICCPUOffset + 0x004
	giccIAR  = GICCPUOffset + 0x00C
	giccEOIR = GICCPUOffset + 0x010

	// SpuriousIntID is returned from IAR when nothing is pending.
	SpuriousIntID = 1023

	maxIntID = 256
)

// LineProbe reports whether interrupt id's line is currently asserted for
// the given core. Wired up by platform setup.
type LineProbe func(id uint32, core int) bool

// GIC is an emulated GIC-400: distributor plus CPU interface. Interrupt
// lines are level-sensitive and sampled through a LineProbe.
type GIC struct {
	mu sync.Mutex

	distEnabled  bool
	ifaceEnabled bool
	pmr          uint64

	enable   [maxIntID / 32]uint32
	priority [maxIntID]uint8
	target   [maxIntID]uint8
	cfg      [maxIntID / 16]uint32

	// active records interrupts acknowledged but not yet EOI'd.
	active map[uint32]bool

	probe LineProbe
}

// NewGIC returns a GIC with all interrupts disabled.
func NewGIC() *GIC {
	return &GIC{active: make(map[uint32]bool)}
}

// SetLineProbe installs the interrupt-line sampler.
func (g *GIC) SetLineProbe(p LineProbe) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.probe = p
}

// Forwards reports whether the GIC would forward interrupt id to the given
// core right now: both halves enabled, the id enabled and targeted at the
// core, priority passing the mask, line asserted, and not already
// acknowledged.
func (g *GIC) Forwards(id uint32, core int) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.forwardsLocked(id, core)
}

func (g *GIC) forwardsLocked(id uint32, core int) bool {
	if !g.distEnabled || !g.ifaceEnabled || id >= maxIntID {
		return false
	}
	if g.enable[id/32]&(1<<(id%32)) == 0 {
		return false
	}
	if g.target[id]&(1<<core) == 0 {
		return false
	}
	if uint64(g.priority[id]) >= g.pmr {
		return false
	}
	if g.active[id] {
		return false
	}
	return g.probe != nil && g.probe(id, core)
}

// ReadReg implements hw.Device.ReadReg.
func (g *GIC) ReadReg(off uint64, size int) uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	switch {
	case off == gicdCTLR:
		if g.distEnabled {
			return 1
		}
		return 0
	case off == giccCTLR:
		if g.ifaceEnabled {
			return 1
		}
		return 0
	case off == giccPMR:
		return g.pmr
	case off == giccIAR:
		// Acknowledge: scan for the highest-priority forwarded
		// interrupt. Only core 0 takes IRQs on this platform.
		best := uint32(SpuriousIntID)
		bestPri := uint64(1 << 8)
		for id := uint32(0); id < maxIntID; id++ {
			if g.forwardsLocked(id, 0) && uint64(g.priority[id]) < bestPri {
				best, bestPri = id, uint64(g.priority[id])
			}
		}
		if best != SpuriousIntID {
			g.active[best] = true
		}
		return uint64(best)
	case off >= gicdISENABLER && off < gicdISENABLER+uint64(len(g.enable))*4:
		return uint64(g.enable[(off-gicdISENABLER)/4])
	case off >= gicdIPRIORITYR && off+4 <= gicdIPRIORITYR+maxIntID:
		i := off - gicdIPRIORITYR
		return uint64(g.priority[i]) | uint64(g.priority[i+1])<<8 |
			uint64(g.priority[i+2])<<16 | uint64(g.priority[i+3])<<24
	case off >= gicdITARGETSR && off+4 <= gicdITARGETSR+maxIntID:
		i := off - gicdITARGETSR
		return uint64(g.target[i]) | uint64(g.target[i+1])<<8 |
			uint64(g.target[i+2])<<16 | uint64(g.target[i+3])<<24
	case off >= gicdICFGR && off < gicdICFGR+uint64(len(g.cfg))*4:
		return uint64(g.cfg[(off-gicdICFGR)/4])
	}
	return 0
}

// WriteReg implements hw.Device.WriteReg.
func (g *GIC) WriteReg(off uint64, size int, v uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	switch {
	case off == gicdCTLR:
		g.distEnabled = v&1 != 0
	case off == giccCTLR:
		g.ifaceEnabled = v&1 != 0
	case off == giccPMR:
		g.pmr = v & 0xFF
	case off == giccEOIR:
		delete(g.active, uint32(v&0x3FF))
	case off >= gicdISENABLER && off < gicdISENABLER+uint64(len(g.enable))*4:
		// Set-enable semantics: writing 1 bits enables.
		g.enable[(off-gicdISENABLER)/4] |= uint32(v)
	case off >= gicdIPRIORITYR && off+4 <= gicdIPRIORITYR+maxIntID:
		i := off - gicdIPRIORITYR
		g.priority[i] = uint8(v)
		g.priority[i+1] = uint8(v >> 8)
		g.priority[i+2] = uint8(v >> 16)
		g.priority[i+3] = uint8(v >> 24)
	case off >= gicdITARGETSR && off+4 <= gicdITARGETSR+maxIntID:
		i := off - gicdITARGETSR
		g.target[i] = uint8(v)
		g.target[i+1] = uint8(v >> 8)
		g.target[i+2] = uint8(v >> 16)
		g.target[i+3] = uint8(v >> 24)
	case off >= gicdICFGR && off < gicdICFGR+uint64(len(g.cfg))*4:
		g.cfg[(off-gicdICFGR)/4] = uint32(v)
	}
}
