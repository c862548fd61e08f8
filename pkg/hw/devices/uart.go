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
	"io"
	"sync"

	"rpi4os.dev/rpi4os/pkg/hw"
)

// PL011 register offsets.
const (
	uartDR   = 0x00
	uartFR   = 0x18
	uartIBRD = 0x24
	uartFBRD = 0x28
	uartLCRH = 0x2C
	uartCR   = 0x30
	uartICR  = 0x44

	uartFRRXFE = 1 << 4
	uartFRTXFF = 1 << 5
)

// UART is an emulated PL011. Transmitted bytes go to w; received bytes are
// queued with Feed. The transmit FIFO never fills.
type UART struct {
	m *hw.Machine

	mu sync.Mutex
	w  io.Writer
	rx []byte

	// Plain register file for the divisor/control registers; the values
	// are stored and readable but have no behaviour.
	ibrd, fbrd, lcrh, cr uint64
}

// NewUART returns a UART transmitting to w.
func NewUART(m *hw.Machine, w io.Writer) *UART {
	return &UART{m: m, w: w}
}

// Feed queues received bytes and wakes any core waiting on the event
// stream for input.
func (u *UART) Feed(b []byte) {
	u.mu.Lock()
	u.rx = append(u.rx, b...)
	u.mu.Unlock()
	u.m.SendEvent()
}

// ReadReg implements hw.Device.ReadReg.
func (u *UART) ReadReg(off uint64, size int) uint64 {
	u.mu.Lock()
	defer u.mu.Unlock()
	switch off {
	case uartDR:
		if len(u.rx) == 0 {
			return 0
		}
		b := u.rx[0]
		u.rx = u.rx[1:]
		return uint64(b)
	case uartFR:
		var fr uint64
		if len(u.rx) == 0 {
			fr |= uartFRRXFE
		}
		return fr
	case uartIBRD:
		return u.ibrd
	case uartFBRD:
		return u.fbrd
	case uartLCRH:
		return u.lcrh
	case uartCR:
		return u.cr
	}
	return 0
}

// WriteReg implements hw.Device.WriteReg.
func (u *UART) WriteReg(off uint64, size int, v uint64) {
	u.mu.Lock()
	defer u.mu.Unlock()
	switch off {
	case uartDR:
		if u.w != nil {
			u.w.Write([]byte{byte(v)})
		}
	case uartIBRD:
		u.ibrd = v
	case uartFBRD:
		u.fbrd = v
	case uartLCRH:
		u.lcrh = v
	case uartCR:
		u.cr = v
	case uartICR:
		// Interrupt clear; the emulated UART raises none.
	}
}

// GPIO is the BCM2711 GPIO register file. The UART driver muxes pins 14
// and 15 through it at init; the values are stored and otherwise inert.
type GPIO struct {
	mu   sync.Mutex
	regs map[uint64]uint64
}

// NewGPIO returns an empty GPIO register file.
func NewGPIO() *GPIO {
	return &GPIO{regs: make(map[uint64]uint64)}
}

// ReadReg implements hw.Device.ReadReg.
func (g *GPIO) ReadReg(off uint64, size int) uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.regs[off]
}

// WriteReg implements hw.Device.WriteReg.
func (g *GPIO) WriteReg(off uint64, size int, v uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.regs[off] = v
}
