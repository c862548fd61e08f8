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

// Package serial drives the PL011 UART: byte-oriented console output,
// blocking and non-blocking input, and the numeric formatting helpers the
// kernel prints with.
package serial

import (
	"rpi4os.dev/rpi4os/pkg/hw"
)

// Register map.
const (
	mmioBase = 0xFE000000

	uartDR   = mmioBase + 0x201000
	uartFR   = mmioBase + 0x201018
	uartIBRD = mmioBase + 0x201024
	uartFBRD = mmioBase + 0x201028
	uartLCRH = mmioBase + 0x20102C
	uartCR   = mmioBase + 0x201030
	uartICR  = mmioBase + 0x201044

	gpfsel1   = mmioBase + 0x200004
	gppud     = mmioBase + 0x200094
	gppudclk0 = mmioBase + 0x200098

	frRXFE = 1 << 4
	frTXFF = 1 << 5
)

// Console is the serial console.
type Console struct{}

// NewConsole returns the console. Init must run before any IO.
func NewConsole() *Console {
	return &Console{}
}

// Init configures the UART: pin mux for GPIO 14/15, 115200 8N1, FIFOs
// on.
func (con *Console) Init(c *hw.Core) {
	c.Write32(uartCR, 0)

	sel := c.Read32(gpfsel1)
	sel &^= 7 << 12
	sel |= 4 << 12
	sel &^= 7 << 15
	sel |= 4 << 15
	c.Write32(gpfsel1, sel)

	c.Write32(gppud, 0)
	delay(c, 150)
	c.Write32(gppudclk0, 1<<14|1<<15)
	delay(c, 150)
	c.Write32(gppudclk0, 0)

	c.Write32(uartICR, 0x7FF)

	// 48MHz UART clock / (16 * 115200).
	c.Write32(uartIBRD, 26)
	c.Write32(uartFBRD, 3)

	// FIFOs on, 8-bit.
	c.Write32(uartLCRH, 1<<4|1<<5|1<<6)

	// Enable, with receive and transmit.
	c.Write32(uartCR, 1<<0|1<<8|1<<9)
}

func delay(c *hw.Core, count int) {
	for ; count > 0; count-- {
		c.Yield()
	}
}

// Putc transmits one byte.
func (con *Console) Putc(c *hw.Core, b byte) {
	for c.Read32(uartFR)&frTXFF != 0 {
	}
	c.Write32(uartDR, uint32(b))
}

// Puts transmits a string, expanding newlines to CRLF.
func (con *Console) Puts(c *hw.Core, s string) {
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			con.Putc(c, '\r')
		}
		con.Putc(c, s[i])
	}
}

// PutHex prints a 64-bit value as 0x-prefixed hexadecimal.
func (con *Console) PutHex(c *hw.Core, v uint64) {
	const digits = "0123456789ABCDEF"
	con.Puts(c, "0x")
	for shift := 60; shift >= 0; shift -= 4 {
		con.Putc(c, digits[v>>uint(shift)&0xF])
	}
}

// PutDec prints a value in decimal.
func (con *Console) PutDec(c *hw.Core, v uint64) {
	if v == 0 {
		con.Putc(c, '0')
		return
	}
	var buf [20]byte
	i := 0
	for v > 0 {
		buf[i] = byte('0' + v%10)
		i++
		v /= 10
	}
	for i > 0 {
		i--
		con.Putc(c, buf[i])
	}
}

// HasData reports whether a received byte is waiting.
func (con *Console) HasData(c *hw.Core) bool {
	return c.Read32(uartFR)&frRXFE == 0
}

// Getc blocks until a byte arrives. The wait is interruptible: timer
// interrupts preempt as usual while the console idles.
func (con *Console) Getc(c *hw.Core) byte {
	for {
		if con.HasData(c) {
			return byte(c.Read32(uartDR))
		}
		c.WaitForInterrupt()
	}
}

// GetcNonblock returns the next received byte, or -1 when none is
// waiting.
func (con *Console) GetcNonblock(c *hw.Core) int {
	if !con.HasData(c) {
		return -1
	}
	return int(c.Read32(uartDR) & 0xFF)
}

// Gets reads a line with echo: backspace erases, Ctrl-C abandons the line
// (returning it empty), Ctrl-U erases to the start.
func (con *Console) Gets(c *hw.Core, maxLen int) string {
	buf := make([]byte, 0, maxLen)
	for {
		b := con.Getc(c)
		switch {
		case b == '\r' || b == '\n':
			con.Puts(c, "\n")
			return string(buf)
		case b == 0x7F || b == 0x08:
			if len(buf) > 0 {
				buf = buf[:len(buf)-1]
				con.Puts(c, "\b \b")
			}
		case b == 0x03:
			con.Puts(c, "^C\n")
			return ""
		case b == 0x15:
			for len(buf) > 0 {
				buf = buf[:len(buf)-1]
				con.Puts(c, "\b \b")
			}
		case b >= 32 && b < 127 && len(buf) < maxLen-1:
			buf = append(buf, b)
			con.Putc(c, b)
		}
	}
}
