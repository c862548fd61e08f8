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

// Package timer drives the per-core architected countdown timer and keeps
// the process-wide tick count.
package timer

import (
	"sync/atomic"

	"rpi4os.dev/rpi4os/pkg/hw"
)

// DefaultIntervalMS is the scheduling quantum.
const DefaultIntervalMS = 100

// Timer is the generic-timer driver. One instance serves all cores; the
// tick counter is process-wide and only ever incremented from the
// preempting core's IRQ path.
type Timer struct {
	intervalMS uint64
	ticks      atomic.Uint64
}

// New returns a driver with the given re-arm interval.
func New(intervalMS uint64) *Timer {
	if intervalMS == 0 {
		intervalMS = DefaultIntervalMS
	}
	return &Timer{intervalMS: intervalMS}
}

// IntervalMS returns the quantum in milliseconds.
func (t *Timer) IntervalMS() uint64 { return t.intervalMS }

// Frequency returns the counter frequency from CNTFRQ_EL0.
func (t *Timer) Frequency(c *hw.Core) uint64 {
	return c.MRS(hw.CNTFRQ_EL0)
}

// Counter returns the current CNTPCT_EL0 value.
func (t *Timer) Counter(c *hw.Core) uint64 {
	return c.MRS(hw.CNTPCT_EL0)
}

// Init programs this core's countdown register for one interval and
// enables the timer with its interrupt unmasked.
func (t *Timer) Init(c *hw.Core) {
	c.MSR(hw.CNTP_TVAL_EL0, t.interval(c))
	c.MSR(hw.CNTP_CTL_EL0, hw.CNTPCTLEnable)
}

func (t *Timer) interval(c *hw.Core) uint64 {
	return c.MRS(hw.CNTFRQ_EL0) / 1000 * t.intervalMS
}

// HandleIRQ advances the tick count and re-arms the countdown. Re-arming
// happens on every expiry whether or not the scheduler runs.
func (t *Timer) HandleIRQ(c *hw.Core) {
	t.ticks.Add(1)
	c.MSR(hw.CNTP_TVAL_EL0, t.interval(c))
}

// Rearm rewrites the countdown without advancing the shared tick count.
// Secondary cores use it on their polling path.
func (t *Timer) Rearm(c *hw.Core) {
	c.MSR(hw.CNTP_TVAL_EL0, t.interval(c))
}

// Expired reads ISTATUS from the control register.
func (t *Timer) Expired(c *hw.Core) bool {
	return c.MRS(hw.CNTP_CTL_EL0)&hw.CNTPCTLIStatus != 0
}

// Ticks returns the process-wide tick count.
func (t *Timer) Ticks() uint64 {
	return t.ticks.Load()
}

// DelayMS busy-waits on the counter, without interrupts.
func (t *Timer) DelayMS(c *hw.Core, ms uint64) {
	freq := c.MRS(hw.CNTFRQ_EL0)
	start := c.MRS(hw.CNTPCT_EL0)
	wait := freq / 1000 * ms
	for c.MRS(hw.CNTPCT_EL0)-start < wait {
		c.Yield()
	}
}
