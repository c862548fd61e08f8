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

// Package boot assembles the machine and takes it from reset to the shell
// prompt: exception-level transition, vectors, MMU, allocators,
// interrupt controller, timer, scheduler, and secondary cores, in that
// order.
package boot

import (
	"io"

	"rpi4os.dev/rpi4os/pkg/fs"
	"rpi4os.dev/rpi4os/pkg/gic"
	"rpi4os.dev/rpi4os/pkg/hw"
	"rpi4os.dev/rpi4os/pkg/hw/devices"
	"rpi4os.dev/rpi4os/pkg/kernel"
	"rpi4os.dev/rpi4os/pkg/kernel/vectors"
	"rpi4os.dev/rpi4os/pkg/kheap"
	"rpi4os.dev/rpi4os/pkg/log"
	"rpi4os.dev/rpi4os/pkg/memlayout"
	"rpi4os.dev/rpi4os/pkg/pagetables"
	"rpi4os.dev/rpi4os/pkg/pgalloc"
	"rpi4os.dev/rpi4os/pkg/serial"
	"rpi4os.dev/rpi4os/pkg/timer"
)

// Options configures a boot.
type Options struct {
	// ConsoleOut receives everything the kernel transmits on the UART.
	ConsoleOut io.Writer

	// TimerIntervalMS is the scheduling quantum. Zero means 100ms.
	TimerIntervalMS uint64

	// Clock overrides the machine's counter clock.
	Clock hw.Clock

	// RAMSize overrides the backed DRAM window.
	RAMSize uint64
}

// Kernel aggregates the booted system.
type Kernel struct {
	Machine *hw.Machine
	Console *serial.Console
	PT      *pagetables.PageTables
	Pages   *pgalloc.Allocator
	Heap    *kheap.Heap
	FS      *fs.FileSystem
	Timer   *timer.Timer
	Sched   *kernel.Scheduler

	uart     *devices.UART
	gicDev   *devices.GIC
	localDev *devices.Local

	secondaryEntry uint64

	spurious log.Logger
}

// New wires up the machine: DRAM, devices, interrupt routing, and the
// driver/kernel objects. Nothing runs until Start.
func New(opts Options) *Kernel {
	m := hw.NewMachine(hw.Config{RAMSize: opts.RAMSize, Clock: opts.Clock})

	k := &Kernel{
		Machine: m,
		Console: serial.NewConsole(),
		PT: pagetables.New(pagetables.Config{
			L0:    memlayout.L0Table,
			L1:    memlayout.L1Table,
			L2RAM: memlayout.L2RAMTable,
			L2Dev: memlayout.L2DevTable,
		}),
		Timer:    timer.New(opts.TimerIntervalMS),
		uart:     devices.NewUART(m, opts.ConsoleOut),
		gicDev:   devices.NewGIC(),
		localDev: devices.NewLocal(),
		spurious: log.BasicRateLimitedLogger(logEvery),
	}
	k.Sched = kernel.NewScheduler(m, k.Timer)

	m.MapDevice(devices.GPIOBase, 0x1000, devices.NewGPIO())
	m.MapDevice(devices.UARTBase, 0x1000, k.uart)
	m.MapDevice(devices.GICBase, 0x3000, k.gicDev)
	m.MapDevice(devices.LocalBase, 0x100, k.localDev)

	// Interrupt fabric: the timer line runs through the local routing
	// register into the GIC. The emulated platform, like the real one
	// under QEMU, only delivers the forwarded interrupt to core 0;
	// secondary cores poll ISTATUS instead.
	k.localDev.SetTimerProbe(func(core int) bool {
		return m.Core(core).TimerAsserted()
	})
	k.gicDev.SetLineProbe(func(id uint32, core int) bool {
		return id == gic.TimerIRQ &&
			k.localDev.TimerRouted(core) &&
			m.Core(core).TimerAsserted()
	})
	m.SetIRQProbe(func(c *hw.Core) bool {
		return c.ID() == 0 && k.gicDev.Forwards(gic.TimerIRQ, 0)
	})

	k.secondaryEntry = m.RegisterText(k.secondaryReset)

	return k
}

// FeedInput queues bytes on the UART receiver, as a connected terminal
// would.
func (k *Kernel) FeedInput(b []byte) {
	k.uart.Feed(b)
}

// Start powers the machine on. The primary core boots and runs main as
// task 0 (the shell); secondary cores park in the spin table until
// released. Start returns immediately.
func (k *Kernel) Start(main func(*Kernel, *hw.Core)) {
	k.Machine.Start(func(c *hw.Core) {
		k.primaryReset(c, main)
	})
}

// primaryReset is the primary core's reset path: verify the exception
// level, configure the EL2 registers for 64-bit EL1 with timer access,
// and exception-return into the EL1 entry.
func (k *Kernel) primaryReset(c *hw.Core, main func(*Kernel, *hw.Core)) {
	if c.MRS(hw.CurrentEL)>>2 < 2 {
		// Firmware did not leave us at EL2; nothing sane to do.
		c.Halt()
	}

	c.MSR(hw.HCR_EL2, c.MRS(hw.HCR_EL2)|hw.HCRRW)
	c.MSR(hw.CNTHCTL_EL2, c.MRS(hw.CNTHCTL_EL2)|hw.CNTHCTLEL1PCEN|hw.CNTHCTLEL1PCTEN)

	c.MSR(hw.SPSR_EL2, hw.SPSREL2Boot)
	c.MSR(hw.ELR_EL2, c.Machine().RegisterText(func(c *hw.Core) {
		k.el1Entry(c, main)
	}))
	c.SetSP(memlayout.BootStackTop)
	c.Eret()
}

// el1Entry runs at EL1 with interrupts masked: install the vector table,
// zero the statically reserved data, and enter the kernel proper.
func (k *Kernel) el1Entry(c *hw.Core, main func(*Kernel, *hw.Core)) {
	vectors.Install(c, memlayout.VectorBase, k.dispatchIRQ)
	c.ZeroRange(memlayout.BSSStart, memlayout.BSSEnd-memlayout.BSSStart)
	k.kernelMain(c, main)
}

// kernelMain is the init chain, in boot order. It ends by unmasking
// interrupts and handing the core to main, which becomes task 0.
func (k *Kernel) kernelMain(c *hw.Core, main func(*Kernel, *hw.Core)) {
	con := k.Console
	con.Init(c)

	con.Puts(c, "\033[2J\033[H")
	con.Puts(c, "\n")
	con.Puts(c, "========================================\n")
	con.Puts(c, "  Raspberry Pi 4 OS\n")
	con.Puts(c, "========================================\n")
	con.Puts(c, "\n")
	con.Puts(c, "Initializing system...\n")

	con.Puts(c, "Setting up MMU...\n")
	con.Puts(c, "  Setting up page tables...\n")
	k.PT.Build(c)
	con.Puts(c, "  L0 table at ")
	con.PutHex(c, k.PT.Root())
	con.Puts(c, "\n  Enabling MMU...\n")
	k.PT.Enable(c)
	con.Puts(c, "  MMU enabled! Identity-mapped with caches on.\n")

	con.Puts(c, "Setting up memory allocator...\n")
	pages, err := pgalloc.New(c)
	if err != nil {
		con.Puts(c, "  ERROR: managed memory region not writable\n")
		c.Halt()
	}
	k.Pages = pages

	k.Heap = kheap.New(c, pages)
	if k.Heap == nil {
		con.Puts(c, "  ERROR: heap arena allocation failed\n")
		c.Halt()
	}
	con.Puts(c, "  ")
	con.PutDec(c, pages.FreePages(c))
	con.Puts(c, " pages free\n")

	k.FS = fs.New(k.Heap)

	con.Puts(c, "Setting up GIC interrupt controller...\n")
	gic.Init(c)

	freq := k.Timer.Frequency(c)
	con.Puts(c, "Timer frequency: ")
	con.PutDec(c, freq)
	con.Puts(c, " Hz\n")

	con.Puts(c, "Setting up timer interrupts (")
	con.PutDec(c, k.Timer.IntervalMS())
	con.Puts(c, "ms interval)...\n")
	k.Timer.Init(c)
	gic.EnableInterrupt(c, gic.TimerIRQ)
	gic.RouteTimerIRQ(c, 0)

	k.Sched.Init(c)

	k.smpInit(c)

	con.Puts(c, "System ready!\n")
	con.Puts(c, "\nType 'help' for available commands.\n\n")

	c.UnmaskIRQs()
	main(k, c)
}

// dispatchIRQ is the dispatcher behind the IRQ vector: acknowledge,
// service the timer, let the scheduler pick what to resume, signal end of
// interrupt.
func (k *Kernel) dispatchIRQ(c *hw.Core, sp uint64) uint64 {
	id := gic.Acknowledge(c)
	newSP := sp
	switch id {
	case gic.TimerIRQ:
		k.Timer.HandleIRQ(c)
		ticks := k.Timer.Ticks()
		if ticks%100 == 0 {
			k.Console.Puts(c, "[Timer: ")
			k.Console.PutDec(c, ticks*k.Timer.IntervalMS()/1000)
			k.Console.Puts(c, "s]\n")
		}
		newSP = k.Sched.ScheduleIRQ(c, sp)
	case gic.SpuriousIntID:
		// Nothing pending; fall through to EOI, which the GIC
		// tolerates for the spurious id.
	default:
		k.spurious.Warningf("IRQ from source %d with no handler", id)
	}
	gic.EndInterrupt(c, id)
	return newSP
}
