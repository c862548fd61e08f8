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
	"time"
)

// CounterFrequency is the BCM2711's generic-timer frequency: 54 MHz.
const CounterFrequency = 54_000_000

// Clock drives CNTPCT_EL0. Implementations must be safe for concurrent
// use by all cores.
type Clock interface {
	// Frequency returns CNTFRQ_EL0.
	Frequency() uint64

	// Counter returns the current CNTPCT_EL0 value.
	Counter() uint64

	// After returns a channel that fires once the counter has advanced
	// by at least ticks.
	After(ticks uint64) <-chan time.Time
}

// RealClock derives the counter from the host monotonic clock, optionally
// scaled. A scale of N makes emulated time run N times faster than host
// time, which keeps tests with 100ms quanta fast without changing any
// guest-visible interval arithmetic.
type RealClock struct {
	freq  uint64
	scale uint64
	start time.Time
}

// NewRealClock returns a RealClock at the given frequency and scale.
// A zero scale means 1.
func NewRealClock(freq, scale uint64) *RealClock {
	if scale == 0 {
		scale = 1
	}
	return &RealClock{freq: freq, scale: scale, start: time.Now()}
}

// Frequency implements Clock.Frequency.
func (r *RealClock) Frequency() uint64 { return r.freq }

// Counter implements Clock.Counter.
func (r *RealClock) Counter() uint64 {
	elapsed := uint64(time.Since(r.start))
	// 54M ticks/s fits alongside nanosecond spans without overflow for
	// any realistic session length when split this way.
	return elapsed/uint64(time.Second)*r.freq*r.scale +
		elapsed%uint64(time.Second)*r.freq*r.scale/uint64(time.Second)
}

// After implements Clock.After.
func (r *RealClock) After(ticks uint64) <-chan time.Time {
	d := time.Duration(ticks * uint64(time.Second) / (r.freq * r.scale))
	if d <= 0 {
		d = time.Nanosecond
	}
	return time.After(d)
}
