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

// Package hw emulates the machine the kernel runs on: a quad-core
// Cortex-A72 with a byte-addressable DRAM, per-core system registers, the
// architected generic timer, and an MMIO bus.
//
// The model is execution-faithful rather than instruction-faithful. Kernel
// code is ordinary Go, but it runs "on" a core: every memory access goes
// through the core's translation regime, every core has real SCTLR/TCR/
// MAIR/TTBR/DAIF/SPSR/ELR state, and control transfer between tasks happens
// only by the trapframe contract — given a pointer to a trapframe on a
// task's stack, ExceptionReturn resumes that task; given a freshly
// synthesised frame, it starts one. At most one goroutine executes on a
// given core at any instant; all others are suspended inside their own
// trapframes.
package hw

import (
	"fmt"
	"sync"

	"rpi4os.dev/rpi4os/pkg/log"
)

const (
	// NumCores is the number of Cortex-A72 cores on the BCM2711.
	NumCores = 4

	// PageSize is the translation granule.
	PageSize = 4096

	// PageShift is log2(PageSize).
	PageShift = 12
)

// Spin-table mailboxes used by the platform firmware to park secondary
// cores. Writing an entry address and issuing SEV releases the core.
const (
	SpinTableBase   = 0xD8
	SpinTableStride = 8
)

// TextBase is where synthetic text symbols are handed out. It matches the
// kernel load address, so addresses stored in trapframes and spin-table
// mailboxes look like kernel text addresses.
const TextBase = 0x80000

// Config describes the machine to construct.
type Config struct {
	// RAMSize is the size of the backed DRAM window starting at physical
	// address 0. Addresses in [RAMSize, 1GB) are mapped by the kernel's
	// tables but have no backing; touching them is a machine fault.
	RAMSize uint64

	// Clock drives the generic-timer counter. Nil selects a real-time
	// clock at the SoC's 54 MHz.
	Clock Clock
}

// Machine is the emulated board.
type Machine struct {
	clock Clock

	// memMu serialises all physical memory and MMIO access. It stands in
	// for the memory bus; accesses are small and the lock is never held
	// across a suspension.
	memMu sync.Mutex
	ram   []byte
	bus   []busRange

	// textMu guards the synthetic text-symbol table.
	textMu   sync.Mutex
	text     map[uint64]TextFunc
	nextText uint64

	// bindMu guards suspended execution bindings, keyed by trapframe
	// address.
	bindMu   sync.Mutex
	bindings map[uint64]*binding

	// ev is the event stream backing WFE/SEV and device wakeups.
	ev event

	// irqProbe is the interrupt routing fabric; see SetIRQProbe.
	irqProbe func(*Core) bool

	// stop is closed on Shutdown; every suspension point watches it.
	stop     chan struct{}
	stopOnce sync.Once

	cores [NumCores]*Core
}

// TextFunc is the body bound to a synthetic text address. It runs on the
// core that branched to the address.
type TextFunc func(c *Core)

type busRange struct {
	base uint64
	size uint64
	dev  Device
}

// Device is an MMIO peripheral. Offsets are relative to the mapped base.
// Devices must be safe for concurrent access; the bus does not serialise
// beyond a single register operation.
type Device interface {
	ReadReg(off uint64, size int) uint64
	WriteReg(off uint64, size int, v uint64)
}

// NewMachine constructs a powered-off machine.
func NewMachine(cfg Config) *Machine {
	if cfg.RAMSize == 0 {
		cfg.RAMSize = 128 << 20
	}
	if cfg.Clock == nil {
		cfg.Clock = NewRealClock(CounterFrequency, 1)
	}
	m := &Machine{
		clock:    cfg.Clock,
		ram:      make([]byte, cfg.RAMSize),
		text:     make(map[uint64]TextFunc),
		nextText: TextBase,
		bindings: make(map[uint64]*binding),
		stop:     make(chan struct{}),
	}
	m.ev.init()
	for i := 0; i < NumCores; i++ {
		m.cores[i] = newCore(m, i)
	}
	return m
}

// Clock returns the counter clock.
func (m *Machine) Clock() Clock { return m.clock }

// Core returns the core with the given id.
func (m *Machine) Core(id int) *Core { return m.cores[id] }

// RAMSize returns the size of the backed DRAM window.
func (m *Machine) RAMSize() uint64 { return uint64(len(m.ram)) }

// MapDevice maps dev at [base, base+size) on the MMIO bus.
func (m *Machine) MapDevice(base, size uint64, dev Device) {
	m.memMu.Lock()
	defer m.memMu.Unlock()
	m.bus = append(m.bus, busRange{base: base, size: size, dev: dev})
}

// RegisterText binds fn to a fresh synthetic text address. The address can
// be stored in trapframe ELR/LR slots and spin-table mailboxes; branching
// to it calls fn.
func (m *Machine) RegisterText(fn TextFunc) uint64 {
	m.textMu.Lock()
	defer m.textMu.Unlock()
	addr := m.nextText
	m.nextText += 4
	m.text[addr] = fn
	return addr
}

// RegisterTextAt binds fn at a fixed address, as the linker would for the
// exception vector table. Faults are not possible here; colliding with an
// earlier registration is a caller bug and panics.
func (m *Machine) RegisterTextAt(addr uint64, fn TextFunc) {
	m.textMu.Lock()
	defer m.textMu.Unlock()
	if _, ok := m.text[addr]; ok {
		panic(fmt.Sprintf("hw: text address %#x registered twice", addr))
	}
	m.text[addr] = fn
}

// TextFunc resolves a synthetic text address. Returns nil for addresses
// that hold no code.
func (m *Machine) TextFunc(addr uint64) TextFunc {
	m.textMu.Lock()
	defer m.textMu.Unlock()
	return m.text[addr]
}

// Start powers on the machine. The primary core enters entry at EL2; the
// secondary cores enter the firmware spin loop, waiting for a spin-table
// release. Start returns immediately.
func (m *Machine) Start(entry TextFunc) {
	go m.run(m.cores[0], func(c *Core) { entry(c) })
	for i := 1; i < NumCores; i++ {
		go m.run(m.cores[i], (*Core).spinWait)
	}
}

// Shutdown stops the machine. Core goroutines parked at suspension points
// unwind; the machine must not be used afterwards.
func (m *Machine) Shutdown() {
	m.stopOnce.Do(func() { close(m.stop) })
	m.ev.send()
}

// machineStopped is panicked out of suspension points after Shutdown and
// recovered at the top of every core goroutine.
type machineStopped struct{}

// run is the top of every goroutine that executes on a core.
func (m *Machine) run(c *Core, body func(*Core)) {
	defer func() {
		if r := recover(); r != nil {
			switch r.(type) {
			case machineStopped, frameDiscarded:
				return
			}
			panic(r)
		}
	}()
	body(c)
}

// checkStopped unwinds the calling goroutine if the machine is shutting
// down.
func (m *Machine) checkStopped() {
	select {
	case <-m.stop:
		panic(machineStopped{})
	default:
	}
}

type binding struct {
	ch        chan struct{}
	discarded bool
}

// frameDiscarded unwinds a suspension whose stack was reclaimed; the
// goroutine simply exits.
type frameDiscarded struct{}

// Suspension is a parked execution, bound to the trapframe it pushed.
type Suspension struct {
	m *Machine
	b *binding
}

// BindFrame registers the calling goroutine's trapframe at addr for later
// resumption. The returned Suspension must be Waited on after control has
// been handed off.
func (m *Machine) BindFrame(addr uint64) Suspension {
	m.bindMu.Lock()
	defer m.bindMu.Unlock()
	b := &binding{ch: make(chan struct{})}
	m.bindings[addr] = b
	return Suspension{m: m, b: b}
}

// Wait parks until the bound frame is resumed by WakeFrame. If the frame
// was discarded instead, the calling goroutine unwinds: the execution it
// carried no longer exists.
func (s Suspension) Wait() {
	select {
	case <-s.b.ch:
		if s.b.discarded {
			panic(frameDiscarded{})
		}
	case <-s.m.stop:
		panic(machineStopped{})
	}
}

// WakeFrame resumes the suspension bound to the trapframe at addr.
// Returns false if no execution is bound there (the frame was synthesised,
// never suspended into).
func (m *Machine) WakeFrame(addr uint64) bool {
	m.bindMu.Lock()
	b, ok := m.bindings[addr]
	if ok {
		delete(m.bindings, addr)
	}
	m.bindMu.Unlock()
	if ok {
		close(b.ch)
	}
	return ok
}

// DiscardFrames drops any suspension whose trapframe lies in [lo, hi).
// Used when a stack region is reclaimed for a new task: executions parked
// on the old stack cease to exist.
func (m *Machine) DiscardFrames(lo, hi uint64) {
	m.bindMu.Lock()
	var dropped []*binding
	for addr, b := range m.bindings {
		if addr >= lo && addr < hi {
			b.discarded = true
			dropped = append(dropped, b)
			delete(m.bindings, addr)
		}
	}
	m.bindMu.Unlock()
	for _, b := range dropped {
		close(b.ch)
	}
}

// Go starts body on a fresh goroutine executing on core c, with machine
// shutdown handled. The caller must guarantee the single-runner-per-core
// discipline: it is about to suspend or exit itself.
func (m *Machine) Go(c *Core, body func(*Core)) {
	go m.run(c, body)
}

// event is a broadcast wakeup channel, recycled on every send. It models
// the event stream that SEV/WFE ride on, and doubles as the device-input
// wakeup (UART receive).
type event struct {
	mu sync.Mutex
	ch chan struct{}
}

func (e *event) init() {
	e.ch = make(chan struct{})
}

// wait returns a channel that is closed at the next send.
func (e *event) wait() <-chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ch
}

func (e *event) send() {
	e.mu.Lock()
	close(e.ch)
	e.ch = make(chan struct{})
	e.mu.Unlock()
}

// SendEvent broadcasts an event to all cores (SEV), waking any core parked
// in WFE or WFI.
func (m *Machine) SendEvent() { m.ev.send() }

// fault reports an unrecoverable machine fault on the given core and halts
// it. It never returns.
func (m *Machine) fault(c *Core, format string, v ...any) {
	log.Warningf("core %d: machine fault: %s", c.id, fmt.Sprintf(format, v...))
	c.haltForever()
}
