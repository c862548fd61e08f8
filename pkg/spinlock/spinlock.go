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

// Package spinlock provides the kernel's spinlock: a word in memory taken
// with an acquire compare-and-swap and released with a store-release,
// backing off on contention with wait-for-event.
package spinlock

import (
	"rpi4os.dev/rpi4os/pkg/hw"
)

// Lock is a spinlock at a fixed memory address. The zero word is
// unlocked.
type Lock struct {
	addr uint64
}

// At returns the lock stored at addr.
func At(addr uint64) Lock {
	return Lock{addr: addr}
}

// Lock acquires the lock, parking in WFE while contended.
func (l Lock) Lock(c *hw.Core) {
	for !c.CompareAndSwapAcquire32(l.addr, 0, 1) {
		c.WaitForEvent()
	}
}

// Unlock releases the lock and signals waiters.
func (l Lock) Unlock(c *hw.Core) {
	c.StoreRelease32(l.addr, 0)
	c.Machine().SendEvent()
}

// LockIRQSave masks interrupts on the core, then acquires the lock.
// Returns whether interrupts were masked before, for UnlockIRQRestore.
// Critical sections under the lock must not wait for interrupts.
func (l Lock) LockIRQSave(c *hw.Core) bool {
	was := c.IRQsMasked()
	c.MaskIRQs()
	l.Lock(c)
	return was
}

// UnlockIRQRestore releases the lock and restores the interrupt mask.
func (l Lock) UnlockIRQRestore(c *hw.Core, wasMasked bool) {
	l.Unlock(c)
	if !wasMasked {
		c.UnmaskIRQs()
	}
}
