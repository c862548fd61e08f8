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

package shell

import (
	"strings"

	"rpi4os.dev/rpi4os/pkg/hw"
)

// Control bytes the editor understands.
const (
	ctrlA = 0x01
	ctrlC = 0x03
	ctrlD = 0x04
	ctrlL = 0x0C
	ctrlU = 0x15
	esc   = 0x1B
	del   = 0x7F
	bs    = 0x08
	tab   = 0x09
)

const lineMax = 128

// readLine reads one edited line: echo, backspace, Ctrl-A/C/L/U, tab
// completion over the command names, and Up/Down history via CSI
// sequences.
func (sh *Shell) readLine(c *hw.Core) string {
	con := sh.k.Console
	var buf []byte
	pos := 0

	// histIdx == len(history) is the live edit; walking up stashes it.
	histIdx := len(sh.history)
	var stash string

	redrawTail := func() {
		// Repaint from the cursor and come back.
		tail := string(buf[pos:])
		con.Puts(c, tail)
		con.Putc(c, ' ')
		for i := 0; i < len(tail)+1; i++ {
			con.Puts(c, "\b")
		}
	}
	setLine := func(s string) {
		// Wipe the current line and replace it.
		for pos > 0 {
			con.Puts(c, "\b")
			pos--
		}
		blank := len(buf)
		buf = append(buf[:0], s...)
		con.Puts(c, s)
		for i := len(s); i < blank; i++ {
			con.Putc(c, ' ')
		}
		for i := len(s); i < blank; i++ {
			con.Puts(c, "\b")
		}
		pos = len(buf)
	}

	for {
		b := con.Getc(c)
		switch {
		case b == '\r' || b == '\n':
			con.Puts(c, "\n")
			return string(buf)

		case b == ctrlC:
			con.Puts(c, "^C\n")
			return ""

		case b == del || b == bs:
			if pos > 0 {
				pos--
				buf = append(buf[:pos], buf[pos+1:]...)
				con.Puts(c, "\b")
				redrawTail()
			}

		case b == ctrlU:
			for pos > 0 {
				con.Puts(c, "\b")
				pos--
			}
			n := len(buf)
			buf = buf[:0]
			for i := 0; i < n; i++ {
				con.Putc(c, ' ')
			}
			for i := 0; i < n; i++ {
				con.Puts(c, "\b")
			}

		case b == ctrlA:
			for pos > 0 {
				con.Puts(c, "\b")
				pos--
			}

		case b == ctrlL:
			con.Puts(c, "\033[2J\033[H")
			sh.prompt(c)
			con.Puts(c, string(buf))
			pos = len(buf)

		case b == tab:
			buf, pos = sh.completeLine(c, buf, pos)

		case b == esc:
			if con.Getc(c) != '[' {
				continue
			}
			switch con.Getc(c) {
			case 'A': // up
				if histIdx > 0 {
					if histIdx == len(sh.history) {
						stash = string(buf)
					}
					histIdx--
					setLine(sh.history[histIdx])
				}
			case 'B': // down
				if histIdx < len(sh.history) {
					histIdx++
					if histIdx == len(sh.history) {
						setLine(stash)
					} else {
						setLine(sh.history[histIdx])
					}
				}
			case 'C': // right
				if pos < len(buf) {
					con.Putc(c, buf[pos])
					pos++
				}
			case 'D': // left
				if pos > 0 {
					con.Puts(c, "\b")
					pos--
				}
			}

		case b >= 32 && b < 127 && len(buf) < lineMax-1:
			buf = append(buf, 0)
			copy(buf[pos+1:], buf[pos:])
			buf[pos] = b
			con.Putc(c, b)
			pos++
			if pos < len(buf) {
				redrawTail()
			}
		}
	}
}

// completeLine completes the command word. A unique match is filled in; an
// ambiguous one lists the candidates and repaints the line.
func (sh *Shell) completeLine(c *hw.Core, buf []byte, pos int) ([]byte, int) {
	con := sh.k.Console
	line := string(buf)
	if strings.ContainsRune(strings.TrimSpace(line), ' ') || pos != len(buf) {
		return buf, pos
	}
	prefix := strings.TrimLeft(line, " ")
	matches := sh.complete(prefix)
	switch len(matches) {
	case 0:
		return buf, pos
	case 1:
		rest := matches[0][len(prefix):] + " "
		buf = append(buf, rest...)
		con.Puts(c, rest)
		return buf, len(buf)
	default:
		con.Puts(c, "\n")
		for i, m := range matches {
			if i > 0 {
				con.Puts(c, "  ")
			}
			con.Puts(c, m)
		}
		con.Puts(c, "\n")
		sh.prompt(c)
		con.Puts(c, line)
		return buf, len(buf)
	}
}
