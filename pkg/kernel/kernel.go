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

// Package kernel implements the task model and the preemptive round-robin
// scheduler.
//
// Tasks live in a fixed pool of control blocks, each owning an 8KB stack.
// The only preemption point is the timer IRQ: the exception path pushes
// the interrupted register state as a trapframe on the current task's
// stack and asks ScheduleIRQ for the stack pointer to resume. A new
// task's first dispatch is an ordinary exception return into a
// synthesised frame, so voluntary and involuntary switches share one
// mechanism.
package kernel

import (
	"errors"
	"sync/atomic"

	"rpi4os.dev/rpi4os/pkg/hw"
	"rpi4os.dev/rpi4os/pkg/kernel/vectors"
	"rpi4os.dev/rpi4os/pkg/memlayout"
	"rpi4os.dev/rpi4os/pkg/spinlock"
	"rpi4os.dev/rpi4os/pkg/timer"
)

// MaxTasks is the size of the task pool.
const MaxTasks = 16

// NameMax bounds task names, terminator excluded.
const NameMax = 31

// State is a task's scheduling state.
type State int

// Task states.
const (
	Dead State = iota
	Ready
	Running
	Blocked
)

func (s State) String() string {
	switch s {
	case Ready:
		return "READY"
	case Running:
		return "RUNNING"
	case Blocked:
		return "BLOCKED"
	case Dead:
		return "DEAD"
	}
	return "UNKNOWN"
}

// Task is a task control block.
type Task struct {
	id    uint32
	state State
	name  string

	// stackBase/stackTop bound the task's stack region, exclusively
	// owned by the task for its lifetime.
	stackBase uint64
	stackTop  uint64

	// sp is the saved stack pointer; when the task is not running it
	// points at the top of a trapframe on the task's own stack.
	sp uint64

	// sleepUntil is the absolute tick a Blocked task wakes at.
	sleepUntil uint64

	// next links the ready queue. A task is linked iff its state is
	// Ready or Blocked.
	next *Task
}

// ErrNoSlot is returned by Create when the pool is exhausted.
var ErrNoSlot = errors.New("kernel: no free task slots")

// ErrNotFound is returned by Kill for ids that name no live task.
var ErrNotFound = errors.New("kernel: no such task")

// ErrRefused is returned by Kill for the shell and the calling task.
var ErrRefused = errors.New("kernel: refusing to kill")

// Scheduler owns the task pool and ready queue. Mutation is serialised
// against the timer IRQ by masking interrupts on the preempting core and
// by the coarse kernel spinlock across cores.
type Scheduler struct {
	m     *hw.Machine
	timer *timer.Timer
	lock  spinlock.Lock

	tasks     [MaxTasks]Task
	current   *Task
	readyHead *Task
	nextID    uint32

	// exitTrampoline is the text address new-task LRs point at.
	exitTrampoline uint64

	// dispatches counts dispatches per core, for top.
	dispatches [hw.NumCores]atomic.Uint64
}

// NewScheduler returns a scheduler whose exit trampoline is registered
// with the machine. Init must run before any other method.
func NewScheduler(m *hw.Machine, t *timer.Timer) *Scheduler {
	s := &Scheduler{
		m:     m,
		timer: t,
		lock:  spinlock.At(memlayout.SchedulerLock),
	}
	s.exitTrampoline = m.RegisterText(s.exitTrampolineBody)
	return s
}

// exitTrampolineBody runs when a task's entry function returns: mark the
// task dead and wait for the next interrupt to schedule something else.
func (s *Scheduler) exitTrampolineBody(c *hw.Core) {
	s.Exit(c)
}

// Init adopts the current execution context as task 0, the shell. It has
// no saved frame; the first preempting interrupt builds one on its stack.
// Every other pool entry starts dead.
func (s *Scheduler) Init(c *hw.Core) {
	for i := range s.tasks {
		t := &s.tasks[i]
		t.state = Dead
		t.next = nil
		t.stackBase = memlayout.TaskStacksBase + uint64(i)*memlayout.TaskStackSize
		t.stackTop = t.stackBase + memlayout.TaskStackSize
	}
	s.readyHead = nil
	s.nextID = 0

	shell := &s.tasks[0]
	shell.id = s.nextID
	s.nextID++
	shell.state = Running
	shell.name = "shell"
	shell.sleepUntil = 0
	shell.sp = 0
	s.current = shell
}

// Current returns the running task's control block.
func (s *Scheduler) Current() *Task {
	return s.current
}

// enqueue appends t to the ready-queue tail.
func (s *Scheduler) enqueue(t *Task) {
	t.next = nil
	if s.readyHead == nil {
		s.readyHead = t
		return
	}
	q := s.readyHead
	for q.next != nil {
		q = q.next
	}
	q.next = t
}

// dequeueReady unlinks and returns the first runnable task, waking any
// blocked task whose deadline has passed along the way.
func (s *Scheduler) dequeueReady() *Task {
	now := s.timer.Ticks()
	var prev *Task
	for t := s.readyHead; t != nil; t = t.next {
		if t.state == Blocked && now >= t.sleepUntil {
			t.state = Ready
		}
		if t.state == Ready {
			if prev != nil {
				prev.next = t.next
			} else {
				s.readyHead = t.next
			}
			t.next = nil
			return t
		}
		prev = t
	}
	return nil
}

// unlink removes t from the ready queue if present.
func (s *Scheduler) unlink(t *Task) {
	var prev *Task
	for q := s.readyHead; q != nil; q = q.next {
		if q == t {
			if prev != nil {
				prev.next = q.next
			} else {
				s.readyHead = q.next
			}
			t.next = nil
			return
		}
		prev = q
	}
}

// Create allocates a dead pool slot for a new task, synthesises its first
// trapframe, and appends it to the ready queue.
func (s *Scheduler) Create(c *hw.Core, entry func(*hw.Core), name string) error {
	entryAddr := s.m.RegisterText(entry)

	was := s.lock.LockIRQSave(c)
	defer s.lock.UnlockIRQRestore(c, was)

	var task *Task
	for i := range s.tasks {
		if s.tasks[i].state == Dead {
			task = &s.tasks[i]
			break
		}
	}
	if task == nil {
		return ErrNoSlot
	}

	// The slot's previous life may have left a parked execution on this
	// stack; it ceases to exist here.
	s.m.DiscardFrames(task.stackBase, task.stackTop)

	if len(name) > NameMax {
		name = name[:NameMax]
	}
	task.id = s.nextID
	s.nextID++
	task.state = Ready
	task.name = name
	task.sleepUntil = 0
	task.sp = vectors.BuildFrame(c, task.stackTop, entryAddr, s.exitTrampoline)
	s.enqueue(task)
	return nil
}

// ScheduleIRQ is the dispatch routine the IRQ vector calls: given the
// stack pointer of the just-interrupted context, pick what runs next and
// return its stack pointer. Runs with interrupts masked.
func (s *Scheduler) ScheduleIRQ(c *hw.Core, oldSP uint64) uint64 {
	s.lock.Lock(c)
	defer s.lock.Unlock(c)

	if s.current == nil {
		return oldSP
	}
	s.current.sp = oldSP

	prev := s.current
	switch prev.state {
	case Running:
		prev.state = Ready
		s.enqueue(prev)
	case Blocked:
		// Stays linked so the dequeue scan can wake it at its
		// deadline.
		s.enqueue(prev)
	}

	next := s.dequeueReady()
	if next == nil {
		// Nothing else is runnable; keep the previous task.
		s.unlink(prev)
		prev.state = Running
		s.current = prev
		return prev.sp
	}

	next.state = Running
	s.current = next
	s.dispatches[c.ID()].Add(1)
	return next.sp
}

// Sleep blocks the current task for approximately ms milliseconds,
// rounded up to whole quanta. The task parks in wait-for-interrupt until
// the dispatch scan flips it runnable again.
func (s *Scheduler) Sleep(c *hw.Core, ms uint64) {
	me := s.current
	if me == nil {
		return
	}
	interval := s.timer.IntervalMS()
	ticks := (ms + interval - 1) / interval

	c.MaskIRQs()
	me.sleepUntil = s.timer.Ticks() + ticks
	me.state = Blocked
	c.UnmaskIRQs()

	for me.state == Blocked {
		c.WaitForInterrupt()
	}
}

// Yield gives up the CPU voluntarily. Preemption arrives at the next tick
// boundary; nothing to do.
func (s *Scheduler) Yield(c *hw.Core) {
	c.Yield()
}

// Exit terminates the calling task. The slot becomes reusable; the next
// interrupt schedules something else and never comes back here.
func (s *Scheduler) Exit(c *hw.Core) {
	me := s.current
	if me == nil {
		return
	}
	c.MaskIRQs()
	me.state = Dead
	c.UnmaskIRQs()

	for {
		c.WaitForInterrupt()
	}
}

// Kill marks the task with the given id dead and unlinks it from the
// ready queue. The shell (task 0) and the calling task are refused.
func (s *Scheduler) Kill(c *hw.Core, id uint32) error {
	if id == 0 {
		return ErrRefused
	}

	was := s.lock.LockIRQSave(c)
	defer s.lock.UnlockIRQRestore(c, was)

	if s.current != nil && s.current.id == id {
		return ErrRefused
	}
	for i := range s.tasks {
		t := &s.tasks[i]
		if t.state != Dead && t.id == id {
			s.unlink(t)
			t.state = Dead
			// Its parked execution, if any, is gone.
			s.m.DiscardFrames(t.stackBase, t.stackTop)
			return nil
		}
	}
	return ErrNotFound
}

// TaskInfo is a point-in-time snapshot of one pool slot, for ps and top.
type TaskInfo struct {
	ID         uint32
	Name       string
	State      State
	SleepUntil uint64
	StackBase  uint64
}

// Snapshot copies the pool under the scheduler lock. Dead slots that
// never held a task are skipped.
func (s *Scheduler) Snapshot(c *hw.Core) []TaskInfo {
	was := s.lock.LockIRQSave(c)
	defer s.lock.UnlockIRQRestore(c, was)

	var out []TaskInfo
	for i := range s.tasks {
		t := &s.tasks[i]
		if t.state == Dead && t.name == "" {
			continue
		}
		out = append(out, TaskInfo{
			ID:         t.id,
			Name:       t.name,
			State:      t.state,
			SleepUntil: t.sleepUntil,
			StackBase:  t.stackBase,
		})
	}
	return out
}

// Dispatches returns the number of dispatches performed on the given
// core.
func (s *Scheduler) Dispatches(core int) uint64 {
	return s.dispatches[core].Load()
}

// Ticks exposes the scheduler's time base.
func (s *Scheduler) Ticks() uint64 {
	return s.timer.Ticks()
}
