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

// Package shell is the interactive console: a line editor with history
// and completion in front of a command table.
package shell

import (
	"strings"

	"github.com/google/btree"

	"rpi4os.dev/rpi4os/pkg/boot"
	"rpi4os.dev/rpi4os/pkg/hw"
)

// HistorySize bounds the command history.
const HistorySize = 16

type command struct {
	name string
	help string
	run  func(sh *Shell, c *hw.Core, args []string)
}

func cmdLess(a, b *command) bool { return a.name < b.name }

// Shell is the interactive shell, run as task 0.
type Shell struct {
	k *boot.Kernel

	// commands is ordered by name; help listing and tab completion both
	// iterate it in order.
	commands *btree.BTreeG[*command]

	history []string
}

// New returns a shell over the booted kernel.
func New(k *boot.Kernel) *Shell {
	sh := &Shell{
		k:        k,
		commands: btree.NewG[*command](2, cmdLess),
	}
	sh.register()
	return sh
}

// Run is the command loop: prompt with the working directory, read an
// edited line, dispatch. It never returns.
func Run(k *boot.Kernel, c *hw.Core) {
	sh := New(k)
	for {
		sh.prompt(c)
		line := sh.readLine(c)
		sh.Dispatch(c, line)
	}
}

func (sh *Shell) prompt(c *hw.Core) {
	con := sh.k.Console
	con.Puts(c, sh.k.FS.CwdPath())
	con.Puts(c, "> ")
}

// Dispatch parses and executes one command line.
func (sh *Shell) Dispatch(c *hw.Core, line string) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return
	}
	sh.remember(line)

	name, args := fields[0], fields[1:]
	if cmd, ok := sh.commands.Get(&command{name: name}); ok {
		cmd.run(sh, c, args)
		return
	}
	con := sh.k.Console
	con.Puts(c, "Unknown command: ")
	con.Puts(c, name)
	con.Puts(c, "\nType 'help' for available commands.\n")
}

func (sh *Shell) remember(line string) {
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}
	if n := len(sh.history); n > 0 && sh.history[n-1] == line {
		return
	}
	sh.history = append(sh.history, line)
	if len(sh.history) > HistorySize {
		sh.history = sh.history[len(sh.history)-HistorySize:]
	}
}

// complete returns the commands starting with prefix, in order.
func (sh *Shell) complete(prefix string) []string {
	var out []string
	sh.commands.AscendGreaterOrEqual(&command{name: prefix}, func(cmd *command) bool {
		if !strings.HasPrefix(cmd.name, prefix) {
			return false
		}
		out = append(out, cmd.name)
		return true
	})
	return out
}

func (sh *Shell) add(name, help string, run func(*Shell, *hw.Core, []string)) {
	sh.commands.ReplaceOrInsert(&command{name: name, help: help, run: run})
}

func (sh *Shell) register() {
	sh.add("help", "Show this help message", (*Shell).cmdHelp)
	sh.add("info", "Show system information", (*Shell).cmdInfo)
	sh.add("time", "Show current tick count", (*Shell).cmdTime)
	sh.add("clear", "Clear screen", (*Shell).cmdClear)
	sh.add("hello", "Print a greeting", (*Shell).cmdHello)
	sh.add("echo", "Echo back what you type", (*Shell).cmdEcho)
	sh.add("ps", "List tasks", (*Shell).cmdPs)
	sh.add("spawn", "Spawn the demo tasks", (*Shell).cmdSpawn)
	sh.add("kill", "Kill a task: kill <id>", (*Shell).cmdKill)
	sh.add("top", "Per-core and task statistics", (*Shell).cmdTop)
	sh.add("mem", "Memory statistics", (*Shell).cmdMem)
	sh.add("memtest", "Exercise the allocators", (*Shell).cmdMemtest)
	sh.add("alloc", "Allocate and free: alloc <bytes>", (*Shell).cmdAlloc)
	sh.add("pgalloc", "Allocate one page", (*Shell).cmdPgalloc)
	sh.add("pgfree", "Free a page: pgfree <hex addr>", (*Shell).cmdPgfree)
	sh.add("history", "Show command history", (*Shell).cmdHistory)
	sh.add("mmu", "Dump MMU configuration", (*Shell).cmdMMU)
	sh.add("ls", "List directory", (*Shell).cmdLs)
	sh.add("cd", "Change directory", (*Shell).cmdCd)
	sh.add("pwd", "Print working directory", (*Shell).cmdPwd)
	sh.add("mkdir", "Create directory", (*Shell).cmdMkdir)
	sh.add("rmdir", "Remove empty directory", (*Shell).cmdRmdir)
	sh.add("touch", "Create empty file", (*Shell).cmdTouch)
	sh.add("cat", "Print file content", (*Shell).cmdCat)
	sh.add("write", "Write lines to a file: write <name>", (*Shell).cmdWrite)
	sh.add("rm", "Remove file", (*Shell).cmdRm)
}
