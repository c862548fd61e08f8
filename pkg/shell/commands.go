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
	"strconv"
	"strings"

	"rpi4os.dev/rpi4os/pkg/fs"
	"rpi4os.dev/rpi4os/pkg/hw"
	"rpi4os.dev/rpi4os/pkg/kernel"
	"rpi4os.dev/rpi4os/pkg/pagetables"
)

func (sh *Shell) cmdHelp(c *hw.Core, args []string) {
	con := sh.k.Console
	con.Puts(c, "Available commands:\n")
	sh.commands.Ascend(func(cmd *command) bool {
		con.Puts(c, "  ")
		con.Puts(c, cmd.name)
		for i := len(cmd.name); i < 10; i++ {
			con.Putc(c, ' ')
		}
		con.Puts(c, "- ")
		con.Puts(c, cmd.help)
		con.Puts(c, "\n")
		return true
	})
}

func (sh *Shell) cmdInfo(c *hw.Core, args []string) {
	con := sh.k.Console
	con.Puts(c, "Raspberry Pi 4 Bare Metal OS\n")
	con.Puts(c, "CPU: ARM Cortex-A72 (ARMv8-A)\n")
	con.Puts(c, "Timer: ")
	con.PutDec(c, sh.k.Timer.Frequency(c))
	con.Puts(c, " Hz\n")
	stats := sh.k.CoreStats(c)
	online := 0
	for _, s := range stats {
		if s.Online {
			online++
		}
	}
	con.Puts(c, "Cores: ")
	con.PutDec(c, uint64(online))
	con.Puts(c, "/")
	con.PutDec(c, hw.NumCores)
	con.Puts(c, " online\n")
	con.Puts(c, "Features: UART I/O, Timer Interrupts, GIC-400, MMU, SMP\n")
}

func (sh *Shell) cmdTime(c *hw.Core, args []string) {
	con := sh.k.Console
	ticks := sh.k.Timer.Ticks()
	interval := sh.k.Timer.IntervalMS()
	con.Puts(c, "Uptime: ")
	con.PutDec(c, ticks*interval/1000)
	con.Puts(c, " seconds (")
	con.PutDec(c, ticks)
	con.Puts(c, " ticks)\n")
}

func (sh *Shell) cmdClear(c *hw.Core, args []string) {
	sh.k.Console.Puts(c, "\033[2J\033[H")
}

func (sh *Shell) cmdHello(c *hw.Core, args []string) {
	con := sh.k.Console
	con.Puts(c, "Hello from bare metal!\n")
	con.Puts(c, "Welcome to Raspberry Pi 4 OS\n")
}

func (sh *Shell) cmdEcho(c *hw.Core, args []string) {
	con := sh.k.Console
	if len(args) > 0 {
		con.Puts(c, strings.Join(args, " "))
		con.Puts(c, "\n")
		return
	}
	con.Puts(c, "Echo mode - type something and press Enter:\n> ")
	line := con.Gets(c, lineMax)
	con.Puts(c, "You typed: ")
	con.Puts(c, line)
	con.Puts(c, "\n")
}

func (sh *Shell) cmdPs(c *hw.Core, args []string) {
	con := sh.k.Console
	con.Puts(c, "  ID  STATE     NAME\n")
	for _, t := range sh.k.Sched.Snapshot(c) {
		con.Puts(c, "  ")
		con.PutDec(c, uint64(t.ID))
		con.Puts(c, "   ")
		con.Puts(c, t.State.String())
		for i := len(t.State.String()); i < 9; i++ {
			con.Putc(c, ' ')
		}
		con.Puts(c, t.Name)
		con.Puts(c, "\n")
	}
}

func (sh *Shell) cmdSpawn(c *hw.Core, args []string) {
	con := sh.k.Console
	con.Puts(c, "Spawning 'counter' and 'spinner'...\n")
	if err := sh.k.Sched.Create(c, sh.counterTask, "counter"); err != nil {
		con.Puts(c, "spawn: no free task slots\n")
		return
	}
	if err := sh.k.Sched.Create(c, sh.spinnerTask, "spinner"); err != nil {
		con.Puts(c, "spawn: no free task slots\n")
	}
}

func (sh *Shell) cmdKill(c *hw.Core, args []string) {
	con := sh.k.Console
	if len(args) != 1 {
		con.Puts(c, "usage: kill <id>\n")
		return
	}
	id, err := strconv.ParseUint(args[0], 10, 32)
	if err != nil {
		con.Puts(c, "kill: bad task id: ")
		con.Puts(c, args[0])
		con.Puts(c, "\n")
		return
	}
	switch sh.k.Sched.Kill(c, uint32(id)) {
	case nil:
		con.Puts(c, "Killed task ")
		con.PutDec(c, id)
		con.Puts(c, "\n")
	case kernel.ErrRefused:
		if id == 0 {
			con.Puts(c, "Cannot kill the shell (task 0)\n")
		} else {
			con.Puts(c, "Cannot kill the current task\n")
		}
	default:
		con.Puts(c, "kill: no such task: ")
		con.PutDec(c, id)
		con.Puts(c, "\n")
	}
}

func (sh *Shell) cmdTop(c *hw.Core, args []string) {
	con := sh.k.Console
	con.Puts(c, "  CORE  ONLINE  TICKS      TASKS RUN\n")
	stats := sh.k.CoreStats(c)
	for i, s := range stats {
		con.Puts(c, "  ")
		con.PutDec(c, uint64(i))
		con.Puts(c, "     ")
		if s.Online {
			con.Puts(c, "yes     ")
		} else {
			con.Puts(c, "no      ")
		}
		con.PutDec(c, s.Ticks)
		con.Puts(c, "        ")
		con.PutDec(c, s.TasksRun)
		con.Puts(c, "\n")
	}
	con.Puts(c, "\n")
	sh.cmdPs(c, nil)
}

func (sh *Shell) cmdMem(c *hw.Core, args []string) {
	con := sh.k.Console
	pages := sh.k.Pages
	con.Puts(c, "Total pages: ")
	con.PutDec(c, pages.TotalPages(c))
	con.Puts(c, "\nUsed pages:  ")
	con.PutDec(c, pages.UsedPages(c))
	con.Puts(c, "\nFree pages:  ")
	con.PutDec(c, pages.FreePages(c))
	brk, end, free := sh.k.Heap.Stats(c)
	con.Puts(c, "\nHeap brk:    ")
	con.PutHex(c, brk)
	con.Puts(c, "\nHeap end:    ")
	con.PutHex(c, end)
	con.Puts(c, "\nFree blocks: ")
	con.PutDec(c, uint64(free))
	con.Puts(c, "\n")
}

func (sh *Shell) cmdMemtest(c *hw.Core, args []string) {
	con := sh.k.Console
	heap := sh.k.Heap
	pages := sh.k.Pages
	ok := true

	// Heap blocks with a pattern round-trip.
	var ptrs []uint64
	for i, size := range []uint64{16, 100, 1000, 3000} {
		p := heap.Alloc(c, size)
		if p == 0 {
			ok = false
			break
		}
		pattern := make([]byte, size)
		for j := range pattern {
			pattern[j] = byte(i*31 + j)
		}
		c.WriteBytes(p, pattern)
		got := c.ReadBytes(p, len(pattern))
		for j := range pattern {
			if got[j] != pattern[j] {
				ok = false
			}
		}
		ptrs = append(ptrs, p)
	}
	for _, p := range ptrs {
		heap.Free(c, p)
	}

	// Page run round-trip.
	before := pages.FreePages(c)
	if p := pages.AllocN(c, 4); p != 0 {
		c.Write64(p, 0x1122334455667788)
		if c.Read64(p) != 0x1122334455667788 {
			ok = false
		}
		pages.FreeN(c, p, 4)
	} else {
		ok = false
	}
	if pages.FreePages(c) != before {
		ok = false
	}

	if ok {
		con.Puts(c, "memtest: PASS\n")
	} else {
		con.Puts(c, "memtest: FAIL\n")
	}
}

func (sh *Shell) cmdAlloc(c *hw.Core, args []string) {
	con := sh.k.Console
	if len(args) != 1 {
		con.Puts(c, "usage: alloc <bytes>\n")
		return
	}
	n, err := strconv.ParseUint(args[0], 10, 64)
	if err != nil || n == 0 {
		con.Puts(c, "alloc: bad size\n")
		return
	}
	p := sh.k.Heap.Alloc(c, n)
	if p == 0 {
		con.Puts(c, "alloc: allocation failed\n")
		return
	}
	con.Puts(c, "Allocated ")
	con.PutDec(c, n)
	con.Puts(c, " bytes at ")
	con.PutHex(c, p)
	con.Puts(c, "\n")
	sh.k.Heap.Free(c, p)
	con.Puts(c, "Freed\n")
}

func (sh *Shell) cmdPgalloc(c *hw.Core, args []string) {
	con := sh.k.Console
	p := sh.k.Pages.Alloc(c)
	if p == 0 {
		con.Puts(c, "pgalloc: allocation failed\n")
		return
	}
	con.Puts(c, "Page at ")
	con.PutHex(c, p)
	con.Puts(c, "\n")
}

func (sh *Shell) cmdPgfree(c *hw.Core, args []string) {
	con := sh.k.Console
	if len(args) != 1 {
		con.Puts(c, "usage: pgfree <hex addr>\n")
		return
	}
	s := strings.TrimPrefix(strings.ToLower(args[0]), "0x")
	addr, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		con.Puts(c, "pgfree: bad address\n")
		return
	}
	sh.k.Pages.Free(c, addr)
	con.Puts(c, "Freed page at ")
	con.PutHex(c, addr)
	con.Puts(c, "\n")
}

func (sh *Shell) cmdHistory(c *hw.Core, args []string) {
	con := sh.k.Console
	for i, line := range sh.history {
		con.Puts(c, "  ")
		con.PutDec(c, uint64(i+1))
		con.Puts(c, "  ")
		con.Puts(c, line)
		con.Puts(c, "\n")
	}
}

func (sh *Shell) cmdMMU(c *hw.Core, args []string) {
	con := sh.k.Console
	sctlr := c.MRS(hw.SCTLR_EL1)
	tcr := c.MRS(hw.TCR_EL1)
	mair := c.MRS(hw.MAIR_EL1)
	ttbr0 := c.MRS(hw.TTBR0_EL1)

	onOff := func(set bool) string {
		if set {
			return "ON"
		}
		return "OFF"
	}

	con.Puts(c, "MMU Configuration:\n")
	con.Puts(c, "  SCTLR_EL1: ")
	con.PutHex(c, sctlr)
	con.Puts(c, "\n    MMU:     ")
	con.Puts(c, onOff(sctlr&pagetables.SCTLRM != 0))
	con.Puts(c, "\n    D-Cache: ")
	con.Puts(c, onOff(sctlr&pagetables.SCTLRC != 0))
	con.Puts(c, "\n    I-Cache: ")
	con.Puts(c, onOff(sctlr&pagetables.SCTLRI != 0))
	con.Puts(c, "\n")

	con.Puts(c, "  TCR_EL1:   ")
	con.PutHex(c, tcr)
	con.Puts(c, "\n    T0SZ:   ")
	con.PutDec(c, tcr&0x3F)
	con.Puts(c, " (")
	con.PutDec(c, 64-tcr&0x3F)
	con.Puts(c, "-bit VA)\n")

	ipsNames := []string{
		"32-bit (4GB)", "36-bit (64GB)", "40-bit (1TB)",
		"42-bit (4TB)", "44-bit (16TB)", "48-bit (256TB)",
	}
	ips := tcr >> 32 & 0x7
	con.Puts(c, "    IPS:    ")
	if ips < uint64(len(ipsNames)) {
		con.Puts(c, ipsNames[ips])
	} else {
		con.PutDec(c, ips)
	}
	con.Puts(c, "\n")

	con.Puts(c, "  MAIR_EL1:  ")
	con.PutHex(c, mair)
	con.Puts(c, "\n    Attr0:  ")
	con.PutHex(c, mair&0xFF)
	con.Puts(c, " (Device)\n    Attr1:  ")
	con.PutHex(c, mair>>8&0xFF)
	con.Puts(c, " (Normal)\n")

	con.Puts(c, "  TTBR0_EL1: ")
	con.PutHex(c, ttbr0)
	con.Puts(c, "\n")

	con.Puts(c, "\nMemory map:\n")
	con.Puts(c, "  0x00000000-0x3FFFFFFF  1GB RAM    (Normal, cacheable)\n")
	con.Puts(c, "  0xC0000000-0xFFFFFFFF  1GB Device (UART, GIC, timers)\n")
}

func (sh *Shell) fsError(c *hw.Core, verb string, err error) {
	con := sh.k.Console
	con.Puts(c, verb)
	con.Puts(c, ": ")
	switch err {
	case fs.ErrNotFound:
		con.Puts(c, "not found")
	case fs.ErrExists:
		con.Puts(c, "already exists")
	case fs.ErrNotDir:
		con.Puts(c, "not a directory")
	case fs.ErrNotFile:
		con.Puts(c, "not a file")
	case fs.ErrNotEmpty:
		con.Puts(c, "directory not empty")
	case fs.ErrFull:
		con.Puts(c, "node pool full")
	case fs.ErrTooBig:
		con.Puts(c, "file too large")
	case fs.ErrNoMemory:
		con.Puts(c, "allocation failed")
	default:
		con.Puts(c, "bad path")
	}
	con.Puts(c, "\n")
}

func (sh *Shell) cmdLs(c *hw.Core, args []string) {
	con := sh.k.Console
	path := "."
	if len(args) > 0 {
		path = args[0]
	}
	entries, err := sh.k.FS.Ls(path)
	if err != nil {
		sh.fsError(c, "ls", err)
		return
	}
	for _, e := range entries {
		if e.Type == fs.Dir {
			con.Puts(c, "  ")
			con.Puts(c, e.Name)
			con.Puts(c, "/\n")
		} else {
			con.Puts(c, "  ")
			con.Puts(c, e.Name)
			con.Puts(c, "  (")
			con.PutDec(c, e.Size)
			con.Puts(c, " bytes)\n")
		}
	}
}

func (sh *Shell) cmdCd(c *hw.Core, args []string) {
	path := "/"
	if len(args) > 0 {
		path = args[0]
	}
	if err := sh.k.FS.SetCwd(path); err != nil {
		sh.fsError(c, "cd", err)
	}
}

func (sh *Shell) cmdPwd(c *hw.Core, args []string) {
	con := sh.k.Console
	con.Puts(c, sh.k.FS.CwdPath())
	con.Puts(c, "\n")
}

func (sh *Shell) cmdMkdir(c *hw.Core, args []string) {
	if len(args) != 1 {
		sh.k.Console.Puts(c, "usage: mkdir <path>\n")
		return
	}
	if err := sh.k.FS.Mkdir(args[0]); err != nil {
		sh.fsError(c, "mkdir", err)
	}
}

func (sh *Shell) cmdRmdir(c *hw.Core, args []string) {
	if len(args) != 1 {
		sh.k.Console.Puts(c, "usage: rmdir <path>\n")
		return
	}
	if err := sh.k.FS.Rmdir(c, args[0]); err != nil {
		sh.fsError(c, "rmdir", err)
	}
}

func (sh *Shell) cmdTouch(c *hw.Core, args []string) {
	if len(args) != 1 {
		sh.k.Console.Puts(c, "usage: touch <path>\n")
		return
	}
	if err := sh.k.FS.Touch(args[0]); err != nil {
		sh.fsError(c, "touch", err)
	}
}

func (sh *Shell) cmdCat(c *hw.Core, args []string) {
	con := sh.k.Console
	if len(args) != 1 {
		con.Puts(c, "usage: cat <path>\n")
		return
	}
	content, err := sh.k.FS.ReadFile(c, args[0])
	if err == fs.ErrNotFound {
		con.Puts(c, "cat: not found: ")
		con.Puts(c, args[0])
		con.Puts(c, "\n")
		return
	}
	if err != nil {
		sh.fsError(c, "cat", err)
		return
	}
	con.Puts(c, string(content))
	if len(content) > 0 && content[len(content)-1] != '\n' {
		con.Puts(c, "\n")
	}
}

// cmdWrite collects lines until Ctrl-D on an empty line and replaces the
// file's content with them.
func (sh *Shell) cmdWrite(c *hw.Core, args []string) {
	con := sh.k.Console
	if len(args) != 1 {
		con.Puts(c, "usage: write <path>\n")
		return
	}
	con.Puts(c, "Enter content, Ctrl-D on an empty line to finish:\n")

	var content []byte
	var line []byte
	for {
		b := con.Getc(c)
		switch {
		case b == ctrlD && len(line) == 0:
			con.Puts(c, "\n")
			if err := sh.k.FS.WriteFile(c, args[0], content); err != nil {
				sh.fsError(c, "write", err)
			}
			return
		case b == '\r' || b == '\n':
			con.Puts(c, "\n")
			content = append(content, line...)
			content = append(content, '\n')
			line = line[:0]
		case b == del || b == bs:
			if len(line) > 0 {
				line = line[:len(line)-1]
				con.Puts(c, "\b \b")
			}
		case b >= 32 && b < 127:
			line = append(line, b)
			con.Putc(c, b)
		}
	}
}

func (sh *Shell) cmdRm(c *hw.Core, args []string) {
	if len(args) != 1 {
		sh.k.Console.Puts(c, "usage: rm <path>\n")
		return
	}
	if err := sh.k.FS.Rm(c, args[0]); err != nil {
		sh.fsError(c, "rm", err)
	}
}
