// Cooperative task scheduler
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package sched implements a fixed-capacity cooperative round-robin task
// scheduler for a single-processor kernel.
//
// There is no preemption: a task runs until it calls Yield. Device
// interrupts may execute between any two instructions but only set the
// reschedule flag; the actual context switch happens at the next
// voluntary Yield from kernel code.
package sched

import (
	"sync/atomic"
	"unsafe"

	"github.com/core-kernel/corekernel/kernerr"
)

// MaxTasks bounds the task table.
const MaxTasks = 32

// StackSize is the size of each task's in-line kernel stack.
const StackSize = 16 * 1024

// State tracks a task slot's lifecycle.
type State int

const (
	Unused State = iota
	Ready
	Running
	Blocked
)

func (s State) String() string {
	switch s {
	case Unused:
		return "Unused"
	case Ready:
		return "Ready"
	case Running:
		return "Running"
	case Blocked:
		return "Blocked"
	default:
		return "Invalid"
	}
}

// Task is one slot in the scheduler's fixed array. The slot owns its
// stack; it is live from AddTask until its entry function returns or it
// is killed.
type Task struct {
	state State
	sp    uint64
	entry func(arg any)
	arg   any
	pid   int

	stack [StackSize]byte
}

// PID returns the task's process identifier.
func (t *Task) PID() int { return t.pid }

// State returns the task's current state.
func (t *Task) State() State { return t.state }

// Scheduler owns the task table. The zero value is ready to use; Mask
// and Unmask may be set to the platform's interrupt disable/enable
// primitives to protect table mutation from IRQ context (they default
// to no-ops, the single-task configuration every test runs under).
type Scheduler struct {
	// Mask disables interrupt delivery around table mutation.
	Mask func()
	// Unmask restores interrupt delivery.
	Unmask func()

	tasks   [MaxTasks]Task
	current int
	nextPID int

	// needResched is set from IRQ context by TimerTick and acted upon
	// at the next voluntary Yield.
	needResched uint32

	started bool
}

// scheduler is the single instance the trampoline reaches on a task's
// first dispatch, when no Go-visible context exists yet.
var scheduler *Scheduler

func (s *Scheduler) mask() {
	if s.Mask != nil {
		s.Mask()
	}
}

func (s *Scheduler) unmask() {
	if s.Unmask != nil {
		s.Unmask()
	}
}

// New returns an initialized scheduler and installs it as the instance
// task trampolines dispatch through.
func New() *Scheduler {
	s := &Scheduler{
		current: -1,
		nextPID: 1,
	}

	scheduler = s

	return s
}

// initStack prepares a fresh task stack so that the first context switch
// into it pops zeroed callee-saved registers and returns straight into
// the task trampoline, which invokes the entry function.
func (t *Task) initStack() {
	top := uintptr(unsafe.Pointer(&t.stack[0])) + StackSize

	// 16-byte alignment, one slot for the trampoline return address,
	// calleeSaved zeroed slots below it.
	top &^= 0xf

	sp := top - (calleeSaved+1)*8

	for i := 0; i < calleeSaved; i++ {
		*(*uint64)(unsafe.Pointer(sp + uintptr(i)*8)) = 0
	}

	*(*uint64)(unsafe.Pointer(sp + calleeSaved*8)) = uint64(taskStartAddr())

	t.sp = uint64(sp)
}

// AddTask places entry in the first Unused slot and marks it Ready. PIDs
// are monotone increasing and never reused while the kernel is alive.
func (s *Scheduler) AddTask(entry func(arg any), arg any) (pid int, err error) {
	if entry == nil {
		return 0, kernerr.ErrInvalidArgument
	}

	s.mask()
	defer s.unmask()

	for i := range s.tasks {
		t := &s.tasks[i]

		if t.state != Unused {
			continue
		}

		t.entry = entry
		t.arg = arg
		t.pid = s.nextPID
		s.nextPID++

		t.initStack()
		t.state = Ready

		return t.pid, nil
	}

	return 0, kernerr.ErrOutOfMemory
}

// pickNext returns the index of the next Ready slot in round-robin order
// starting after the current index, or -1 if none is runnable.
func (s *Scheduler) pickNext() int {
	start := s.current

	for off := 1; off <= MaxTasks; off++ {
		i := (start + off + MaxTasks) % MaxTasks

		if s.tasks[i].state == Ready {
			return i
		}
	}

	return -1
}

// TimerTick is meant to be registered as the timer IRQ handler. It only
// flags that a reschedule is wanted; the switch itself happens at the
// next voluntary Yield.
func (s *Scheduler) TimerTick() {
	atomic.StoreUint32(&s.needResched, 1)
}

// NeedResched reports whether a timer tick has requested a reschedule
// since the last Yield.
func (s *Scheduler) NeedResched() bool {
	return atomic.LoadUint32(&s.needResched) != 0
}

// Yield saves the calling task's context and switches to the next Ready
// task. If no other task is runnable it returns immediately.
//
// Until Run has dispatched the first task there is no outgoing context
// to save: a caller that reaches Yield before then must not expect to
// return.
func (s *Scheduler) Yield() {
	s.mask()

	atomic.StoreUint32(&s.needResched, 0)

	next := s.pickNext()

	if next < 0 {
		s.unmask()
		return
	}

	prev := s.current

	if s.tasks[next].state == Ready {
		if prev >= 0 && s.tasks[prev].state == Running {
			s.tasks[prev].state = Ready
		}

		s.tasks[next].state = Running
		s.current = next

		s.unmask()

		if prev < 0 {
			// First-time dispatch: nothing to save, jump via ret.
			contextJump(s.tasks[next].sp)
			return
		}

		contextSwitch(&s.tasks[prev].sp, s.tasks[next].sp)
		return
	}

	s.unmask()
}

// Run dispatches the first Ready task, never returning to the caller's
// context. It is the bring-up path's final call.
func (s *Scheduler) Run() {
	s.started = true
	s.Yield()

	// No task was ever Ready.
	for {
	}
}

// Kill marks the task with the given pid Unused. If that task is
// currently running the call does not return to it, forcing an
// immediate reschedule instead.
func (s *Scheduler) Kill(pid int) error {
	s.mask()

	for i := range s.tasks {
		t := &s.tasks[i]

		if t.state == Unused || t.pid != pid {
			continue
		}

		running := t.state == Running

		t.state = Unused
		t.entry = nil
		t.arg = nil

		s.unmask()

		if running {
			s.Yield()

			// The killed slot is Unused, Yield cannot come back here.
			for {
			}
		}

		return nil
	}

	s.unmask()

	return kernerr.ErrInvalidArgument
}

// Task returns the slot for pid, or nil.
func (s *Scheduler) Task(pid int) *Task {
	for i := range s.tasks {
		if s.tasks[i].state != Unused && s.tasks[i].pid == pid {
			return &s.tasks[i]
		}
	}

	return nil
}

// Current returns the running task, or nil before the first dispatch.
func (s *Scheduler) Current() *Task {
	if s.current < 0 {
		return nil
	}

	return &s.tasks[s.current]
}

// taskMain is reached from the trampoline on a task's first dispatch. It
// runs the entry function, releases the slot and yields forever.
//
//go:nosplit
func taskMain() {
	s := scheduler
	t := s.Current()

	t.entry(t.arg)

	s.mask()
	t.state = Unused
	t.entry = nil
	t.arg = nil
	s.unmask()

	for {
		s.Yield()
	}
}
