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

// Package memlayout fixes the kernel's physical memory map. These are the
// addresses a linker script would pin on real hardware.
//
//	0x00000000 - 0x0007FFFF  reserved (firmware, spin table at 0xD8)
//	0x00080000 - kernel end  kernel text, vectors, static data
//	0x00100000 - 0x00100800  page-frame bitmap
//	0x00101000+              managed pages (heap arena first)
//	0x3FFFFFFF               end of the mapped gigabyte
package memlayout

// Kernel image and statically reserved data. Stacks grow down.
const (
	// KernelBase is the load address; synthetic text symbols are handed
	// out from here.
	KernelBase = 0x80000

	// VectorBase is the exception vector table, 2KB aligned.
	VectorBase = 0x84000

	// Translation tables, one page each, page-aligned.
	L0Table    = 0x90000
	L1Table    = 0x91000
	L2RAMTable = 0x92000
	L2DevTable = 0x93000

	// BootStackTop is the primary core's EL1 stack, growing down below
	// the kernel image.
	BootStackTop = KernelBase

	// TaskStacksBase holds MaxTasks contiguous 8KB task stacks.
	TaskStacksBase = 0xA0000
	TaskStackSize  = 8 << 10

	// CoreStacksBase holds one 16KB stack per secondary core.
	CoreStacksBase = 0xC0000
	CoreStackSize  = 16 << 10

	// SchedulerLock is the word the coarse scheduler/allocator spinlock
	// lives in.
	SchedulerLock = 0xCC000

	// SMPBlock is the small shared block the primary core publishes MMU
	// state and per-core info through; see pkg/boot.
	SMPBlock = 0xCC100

	// BSSStart/BSSEnd bound the statically reserved data the boot path
	// zeroes. Text and the boot stack are not part of it.
	BSSStart = 0x90000
	BSSEnd   = 0xD0000
)

// Page-frame allocator region.
const (
	// BitmapAddr is the fixed, known-safe address of the page bitmap.
	BitmapAddr = 0x100000

	// ManagedSize is the size of the physical region the page allocator
	// owns.
	ManagedSize = 64 << 20
)
