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

package kheap

import (
	"testing"
	"time"

	"rpi4os.dev/rpi4os/pkg/hw"
	"rpi4os.dev/rpi4os/pkg/pgalloc"
)

func withHeap(t *testing.T, body func(c *hw.Core, h *Heap, pages *pgalloc.Allocator)) {
	t.Helper()
	m := hw.NewMachine(hw.Config{})
	t.Cleanup(m.Shutdown)
	done := make(chan struct{})
	m.Start(func(c *hw.Core) {
		defer close(done)
		pages, err := pgalloc.New(c)
		if err != nil {
			t.Errorf("pgalloc.New: %v", err)
			return
		}
		h := New(c, pages)
		if h == nil {
			t.Error("kheap.New failed")
			return
		}
		body(c, h, pages)
	})
	select {
	case <-done:
	case <-time.After(30 * time.Second):
		t.Fatal("heap test did not finish")
	}
}

func TestMagicPrecedesPointer(t *testing.T) {
	withHeap(t, func(c *hw.Core, h *Heap, _ *pgalloc.Allocator) {
		for _, size := range []uint64{1, 16, 100, 2048, 3000} {
			p := h.Alloc(c, size)
			if p == 0 {
				t.Errorf("Alloc(%d) failed", size)
				return
			}
			if got := c.Read64(p - 8); got != BlockMagic {
				t.Errorf("Alloc(%d): word before pointer = %#x, want magic", size, got)
			}
			if p%16 != 0 {
				t.Errorf("Alloc(%d) = %#x, not 16-byte aligned", size, p)
			}
		}
	})
}

func TestFreeListReuse(t *testing.T) {
	withHeap(t, func(c *hw.Core, h *Heap, _ *pgalloc.Allocator) {
		p := h.Alloc(c, 64)
		h.Free(c, p)
		q := h.Alloc(c, 64)
		if q != p {
			t.Errorf("free-list reuse: got %#x, want %#x", q, p)
		}
	})
}

func TestLargeAllocUsesPages(t *testing.T) {
	withHeap(t, func(c *hw.Core, h *Heap, pages *pgalloc.Allocator) {
		before := pages.UsedPages(c)
		p := h.Alloc(c, 3*hw.PageSize)
		if p == 0 {
			t.Error("large Alloc failed")
			return
		}
		if used := pages.UsedPages(c); used <= before {
			t.Errorf("large alloc did not consume pages: %d -> %d", before, used)
		}
		h.Free(c, p)
		if used := pages.UsedPages(c); used != before {
			t.Errorf("large free did not return pages: want %d, got %d", before, used)
		}
	})
}

func TestBadMagicRejected(t *testing.T) {
	withHeap(t, func(c *hw.Core, h *Heap, _ *pgalloc.Allocator) {
		p := h.Alloc(c, 64)
		q := h.Alloc(c, 64)

		// Freeing a pointer with no header behind it must leave the
		// free list intact.
		h.Free(c, p+16)

		h.Free(c, p)
		h.Free(c, q)
		_, _, free := h.Stats(c)
		if free != 2 {
			t.Errorf("free list has %d blocks, want 2", free)
		}
		// Both blocks come back out.
		if r := h.Alloc(c, 64); r == 0 {
			t.Error("realloc after bad free failed")
		}
		if r := h.Alloc(c, 64); r == 0 {
			t.Error("second realloc after bad free failed")
		}
	})
}

func TestDoubleFreeDetected(t *testing.T) {
	withHeap(t, func(c *hw.Core, h *Heap, _ *pgalloc.Allocator) {
		p := h.Alloc(c, 32)
		h.Free(c, p)
		// The magic is cleared by the first free, so the second is
		// rejected and the free list keeps a single entry.
		h.Free(c, p)
		_, _, free := h.Stats(c)
		if free != 1 {
			t.Errorf("free list has %d blocks after double free, want 1", free)
		}
	})
}

func TestZeroSize(t *testing.T) {
	withHeap(t, func(c *hw.Core, h *Heap, _ *pgalloc.Allocator) {
		if p := h.Alloc(c, 0); p != 0 {
			t.Errorf("Alloc(0) = %#x, want 0", p)
		}
	})
}

func TestContentSurvives(t *testing.T) {
	withHeap(t, func(c *hw.Core, h *Heap, _ *pgalloc.Allocator) {
		a := h.Alloc(c, 100)
		b := h.Alloc(c, 100)
		c.WriteBytes(a, []byte("first block"))
		c.WriteBytes(b, []byte("second block"))
		if got := string(c.ReadBytes(a, 11)); got != "first block" {
			t.Errorf("block a = %q", got)
		}
		if got := string(c.ReadBytes(b, 12)); got != "second block" {
			t.Errorf("block b = %q", got)
		}
	})
}

func TestBrkExhaustionFallsBack(t *testing.T) {
	withHeap(t, func(c *hw.Core, h *Heap, pages *pgalloc.Allocator) {
		// Burn through the arena with 2KB blocks (the largest size
		// that stays on the heap path), then keep allocating: the
		// fallback must deliver page-backed blocks.
		arena := uint64(HeapPages * hw.PageSize)
		perBlock := uint64(2048 + HeaderSize)
		n := int(arena/perBlock) + 8
		failed := 0
		for i := 0; i < n; i++ {
			if h.Alloc(c, 2048) == 0 {
				failed++
			}
		}
		if failed > 0 {
			t.Errorf("%d allocations failed; fallback should have covered them", failed)
		}
	})
}
