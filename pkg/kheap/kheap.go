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

// Package kheap is the kernel's small-object allocator: a bump pointer
// plus free list carved out of a fixed arena of pages, with a transparent
// page-allocator fallback for large requests. Blocks carry an in-memory
// header with a magic word checked on free. There is no coalescing; the
// kernel's allocation pattern is few, small, long-lived blocks.
package kheap

import (
	"rpi4os.dev/rpi4os/pkg/hw"
	"rpi4os.dev/rpi4os/pkg/log"
	"rpi4os.dev/rpi4os/pkg/memlayout"
	"rpi4os.dev/rpi4os/pkg/pgalloc"
	"rpi4os.dev/rpi4os/pkg/spinlock"
)

// Arena geometry and block header layout. The header immediately precedes
// the user pointer; user pointers stay 16-byte aligned.
const (
	// HeapPages is the size of the primary arena.
	HeapPages = 64

	// BlockMagic marks a live or free heap block.
	BlockMagic = 0xDEADBEEF

	// HeaderSize is the size of the block header.
	HeaderSize = 32

	hdrSize  = 0  // uint64: usable size
	hdrNext  = 8  // uint64: next free block, valid on the free list
	hdrPages = 16 // uint32: page count for page-allocated fallbacks
	hdrMagic = 24 // uint64: BlockMagic, the word just before the user pointer
)

// Heap is the small-object allocator.
type Heap struct {
	lock  spinlock.Lock
	pages *pgalloc.Allocator

	start uint64
	end   uint64
	brk   uint64

	// freeList is the address of the first free block header, 0 when
	// empty.
	freeList uint64
}

// New carves the primary arena out of the page allocator.
func New(c *hw.Core, pages *pgalloc.Allocator) *Heap {
	start := pages.AllocN(c, HeapPages)
	if start == 0 {
		return nil
	}
	return &Heap{
		lock:  spinlock.At(memlayout.SchedulerLock),
		pages: pages,
		start: start,
		end:   start + HeapPages*hw.PageSize,
		brk:   start,
	}
}

// allocPages services a request straight from the page allocator and
// stamps the header with the page count so Free can return them. Called
// without the heap lock held: the page allocator takes the same coarse
// lock, and the fresh pages are exclusively owned until handed back.
func (h *Heap) allocPages(c *hw.Core, size, total uint64) uint64 {
	n := (total + hw.PageSize - 1) / hw.PageSize
	p := h.pages.AllocN(c, n)
	if p == 0 {
		return 0
	}
	c.Write64(p+hdrSize, size)
	c.Write64(p+hdrMagic, BlockMagic)
	c.Write64(p+hdrNext, 0)
	c.Write32(p+hdrPages, uint32(n))
	return p + HeaderSize
}

// Alloc returns the address of a zero-offset usable region of at least
// size bytes, or 0 on exhaustion or a zero size.
func (h *Heap) Alloc(c *hw.Core, size uint64) uint64 {
	if size == 0 {
		return 0
	}
	size = (size + 15) &^ 15
	total := size + HeaderSize

	if size > hw.PageSize/2 {
		return h.allocPages(c, size, total)
	}

	was := h.lock.LockIRQSave(c)

	// First fit on the free list.
	prev := uint64(0)
	for blk := h.freeList; blk != 0; blk = c.Read64(blk + hdrNext) {
		if c.Read64(blk+hdrSize) >= size {
			next := c.Read64(blk + hdrNext)
			if prev != 0 {
				c.Write64(prev+hdrNext, next)
			} else {
				h.freeList = next
			}
			c.Write64(blk+hdrNext, 0)
			c.Write64(blk+hdrMagic, BlockMagic)
			h.lock.UnlockIRQRestore(c, was)
			return blk + HeaderSize
		}
		prev = blk
	}

	if h.brk+total > h.end {
		h.lock.UnlockIRQRestore(c, was)
		return h.allocPages(c, size, total)
	}

	blk := h.brk
	h.brk += total
	c.Write64(blk+hdrSize, size)
	c.Write64(blk+hdrMagic, BlockMagic)
	c.Write64(blk+hdrNext, 0)
	c.Write32(blk+hdrPages, 0)
	h.lock.UnlockIRQRestore(c, was)
	return blk + HeaderSize
}

// Free returns a block. A pointer whose header fails the magic check is
// logged and leaked.
func (h *Heap) Free(c *hw.Core, ptr uint64) {
	if ptr == 0 {
		return
	}
	hdr := ptr - HeaderSize

	was := h.lock.LockIRQSave(c)

	if c.Read64(hdr+hdrMagic) != BlockMagic {
		h.lock.UnlockIRQRestore(c, was)
		log.Warningf("kheap: bad magic freeing %#x", ptr)
		return
	}
	c.Write64(hdr+hdrMagic, 0)

	if n := c.Read32(hdr + hdrPages); n > 0 {
		h.lock.UnlockIRQRestore(c, was)
		h.pages.FreeN(c, hdr, uint64(n))
		return
	}
	c.Write64(hdr+hdrNext, h.freeList)
	h.freeList = hdr
	h.lock.UnlockIRQRestore(c, was)
}

// Stats reports the bump pointer, arena end, and free-list length.
func (h *Heap) Stats(c *hw.Core) (brk, end uint64, freeBlocks int) {
	was := h.lock.LockIRQSave(c)
	defer h.lock.UnlockIRQRestore(c, was)
	for blk := h.freeList; blk != 0; blk = c.Read64(blk + hdrNext) {
		freeBlocks++
	}
	return h.brk, h.end, freeBlocks
}
