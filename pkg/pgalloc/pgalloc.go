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

// Package pgalloc is the physical page-frame allocator: one bit per 4KB
// page over a 64MB managed region, with contiguous multi-page allocation.
// The bitmap itself lives in kernel memory at a fixed address.
package pgalloc

import (
	"errors"
	"time"

	"rpi4os.dev/rpi4os/pkg/hw"
	"rpi4os.dev/rpi4os/pkg/log"
	"rpi4os.dev/rpi4os/pkg/memlayout"
	"rpi4os.dev/rpi4os/pkg/spinlock"
)

// Geometry.
const (
	// ManagedPages is the number of pages tracked by the bitmap.
	ManagedPages = memlayout.ManagedSize / hw.PageSize

	bitmapSize = ManagedPages / 8
)

// ErrBadRegion is returned by New when the bitmap or page region does not
// accept writes.
var ErrBadRegion = errors.New("pgalloc: managed region not writable")

// Allocator is the page-frame allocator. All methods take the core the
// caller runs on; mutation is serialised by the coarse kernel spinlock
// with interrupts masked.
type Allocator struct {
	lock spinlock.Lock

	// firstPage is the frame number of the first managed page, directly
	// after the bitmap.
	firstPage uint64

	total uint64
	used  uint64

	// doubleFree rate-limits the double-free diagnostic; clearing a
	// clear bit stays idempotent.
	doubleFree log.Logger
}

// New initialises the allocator with an empty bitmap. The bitmap and the
// start of the page region are probed with a test write first.
func New(c *hw.Core) (*Allocator, error) {
	pagesStart := (uint64(memlayout.BitmapAddr) + bitmapSize + hw.PageSize - 1) &^ (hw.PageSize - 1)

	for _, probe := range []uint64{memlayout.BitmapAddr, pagesStart} {
		c.Write8(probe, 0xAA)
		if c.Read8(probe) != 0xAA {
			return nil, ErrBadRegion
		}
		c.Write8(probe, 0)
	}

	c.ZeroRange(memlayout.BitmapAddr, bitmapSize)

	return &Allocator{
		lock:       spinlock.At(memlayout.SchedulerLock),
		firstPage:  pagesStart / hw.PageSize,
		total:      ManagedPages,
		doubleFree: log.BasicRateLimitedLogger(5 * time.Second),
	}, nil
}

// Base returns the physical address of the first managed page.
func (a *Allocator) Base() uint64 { return a.firstPage * hw.PageSize }

func (a *Allocator) bitTest(c *hw.Core, page uint64) bool {
	if page >= ManagedPages {
		return true
	}
	return c.Read8(memlayout.BitmapAddr+page/8)&(1<<(page%8)) != 0
}

func (a *Allocator) bitSet(c *hw.Core, page uint64) {
	if page < ManagedPages {
		addr := uint64(memlayout.BitmapAddr) + page/8
		c.Write8(addr, c.Read8(addr)|1<<(page%8))
	}
}

func (a *Allocator) bitClear(c *hw.Core, page uint64) {
	if page < ManagedPages {
		addr := uint64(memlayout.BitmapAddr) + page/8
		c.Write8(addr, c.Read8(addr)&^(1<<(page%8)))
	}
}

// Alloc allocates one page. Returns 0 when none is free.
func (a *Allocator) Alloc(c *hw.Core) uint64 {
	return a.AllocN(c, 1)
}

// AllocN allocates count contiguous pages and returns the physical
// address of the first, or 0 when no run of that length exists or count
// is zero.
func (a *Allocator) AllocN(c *hw.Core, count uint64) uint64 {
	if count == 0 {
		return 0
	}
	was := a.lock.LockIRQSave(c)
	defer a.lock.UnlockIRQRestore(c, was)

	for i := uint64(0); i+count <= a.total; {
		run := true
		for j := uint64(0); j < count; j++ {
			if a.bitTest(c, i+j) {
				i = i + j + 1
				run = false
				break
			}
		}
		if run {
			for j := uint64(0); j < count; j++ {
				a.bitSet(c, i+j)
				a.used++
			}
			return (a.firstPage + i) * hw.PageSize
		}
	}
	return 0
}

// Free frees one page.
func (a *Allocator) Free(c *hw.Core, addr uint64) {
	a.FreeN(c, addr, 1)
}

// FreeN frees count pages starting at addr. Addresses below the managed
// base are rejected silently; clearing an already-clear bit is a no-op
// apart from a rate-limited diagnostic.
func (a *Allocator) FreeN(c *hw.Core, addr uint64, count uint64) {
	page := addr / hw.PageSize
	if page < a.firstPage {
		return
	}
	local := page - a.firstPage

	was := a.lock.LockIRQSave(c)
	defer a.lock.UnlockIRQRestore(c, was)

	for i := uint64(0); i < count; i++ {
		if a.bitTest(c, local+i) {
			a.bitClear(c, local+i)
			a.used--
		} else {
			a.doubleFree.Warningf("pgalloc: double free of page %#x", (a.firstPage+local+i)*hw.PageSize)
		}
	}
}

// TotalPages returns the number of managed pages.
func (a *Allocator) TotalPages(c *hw.Core) uint64 {
	return a.total
}

// FreePages returns the number of free pages.
func (a *Allocator) FreePages(c *hw.Core) uint64 {
	was := a.lock.LockIRQSave(c)
	defer a.lock.UnlockIRQRestore(c, was)
	return a.total - a.used
}

// UsedPages returns the number of allocated pages.
func (a *Allocator) UsedPages(c *hw.Core) uint64 {
	was := a.lock.LockIRQSave(c)
	defer a.lock.UnlockIRQRestore(c, was)
	return a.used
}
