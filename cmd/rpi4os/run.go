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

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"

	"github.com/google/subcommands"
	"golang.org/x/sys/unix"
	"golang.org/x/term"

	"rpi4os.dev/rpi4os/pkg/boot"
	"rpi4os.dev/rpi4os/pkg/hw"
	"rpi4os.dev/rpi4os/pkg/log"
	"rpi4os.dev/rpi4os/pkg/shell"
)

// escapeByte detaches the terminal: Ctrl-], as QEMU's monitor does.
const escapeByte = 0x1D

// runCmd boots the machine and attaches the console.
type runCmd struct {
	configPath string
	tickMS     uint64
	timeScale  uint64
	ramMB      uint64
}

// Name implements subcommands.Command.Name.
func (*runCmd) Name() string { return "run" }

// Synopsis implements subcommands.Command.Synopsis.
func (*runCmd) Synopsis() string { return "boot the kernel and attach the terminal" }

// Usage implements subcommands.Command.Usage.
func (*runCmd) Usage() string {
	return `run [-config file] [-tick ms] [-timescale n] [-ram mb]: boot and attach.

Detach with Ctrl-].
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (r *runCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&r.configPath, "config", "", "TOML machine config")
	f.Uint64Var(&r.tickMS, "tick", 0, "scheduling quantum in ms (overrides config)")
	f.Uint64Var(&r.timeScale, "timescale", 0, "emulated time speedup (overrides config)")
	f.Uint64Var(&r.ramMB, "ram", 0, "DRAM window in MB (overrides config)")
}

// Execute implements subcommands.Command.Execute.
func (r *runCmd) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	cfg, err := loadConfig(r.configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitUsageError
	}
	if r.tickMS != 0 {
		cfg.TickMS = r.tickMS
	}
	if r.timeScale != 0 {
		cfg.TimeScale = r.timeScale
	}
	if r.ramMB != 0 {
		cfg.RAMMB = r.ramMB
	}
	if cfg.LogPath != "" {
		lf, err := os.OpenFile(cfg.LogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return subcommands.ExitFailure
		}
		defer lf.Close()
		log.SetTarget(log.TextEmitter{Writer: &log.Writer{Next: lf}})
	}

	k := boot.New(boot.Options{
		ConsoleOut:      os.Stdout,
		TimerIntervalMS: cfg.TickMS,
		RAMSize:         cfg.RAMMB << 20,
		Clock:           hw.NewRealClock(hw.CounterFrequency, cfg.TimeScale),
	})

	stdin := int(os.Stdin.Fd())
	if term.IsTerminal(stdin) {
		old, err := term.MakeRaw(stdin)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return subcommands.ExitFailure
		}
		defer term.Restore(stdin, old)
	}

	k.Start(shell.Run)
	defer k.Machine.Shutdown()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, unix.SIGINT, unix.SIGTERM)

	input := make(chan byte, 64)
	go func() {
		var b [1]byte
		for {
			n, err := os.Stdin.Read(b[:])
			if err != nil {
				close(input)
				return
			}
			if n == 1 {
				input <- b[0]
			}
		}
	}()

	for {
		select {
		case <-sig:
			return subcommands.ExitSuccess
		case b, ok := <-input:
			if !ok || b == escapeByte {
				return subcommands.ExitSuccess
			}
			k.FeedInput([]byte{b})
		}
	}
}
