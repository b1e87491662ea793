// Unified input event layer
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package input implements the kernel's unified input event queue: a
// single bounded ring buffer of typed events raised by input drivers
// (USB HID, and whatever fallback drivers the platform carries) and
// consumed by upper layers such as a shell or installer.
package input

import (
	"sync"

	"github.com/core-kernel/corekernel/klog"
)

// QueueSize is the fixed event queue capacity.
const QueueSize = 256

// Kind discriminates the event payload.
type Kind int

const (
	KeyPress Kind = iota + 1
	KeyRelease
	KeyChar
	MouseMove
	MouseButton
	MouseScroll
)

func (k Kind) String() string {
	switch k {
	case KeyPress:
		return "KeyPress"
	case KeyRelease:
		return "KeyRelease"
	case KeyChar:
		return "KeyChar"
	case MouseMove:
		return "MouseMove"
	case MouseButton:
		return "MouseButton"
	case MouseScroll:
		return "MouseScroll"
	default:
		return "Invalid"
	}
}

// Mouse button bits in Event.Buttons.
const (
	ButtonLeft   = 1 << 0
	ButtonRight  = 1 << 1
	ButtonMiddle = 1 << 2
)

// Event is one queued input event. Kind selects which fields are
// meaningful:
//
//	KeyPress    Code, Mods
//	KeyRelease  Code
//	KeyChar     Char
//	MouseMove   X, Y, DX, DY, Buttons
//	MouseButton Buttons (the button), Pressed
//	MouseScroll Delta
type Event struct {
	Kind Kind

	Code uint8
	Mods uint8
	Char byte

	X, Y    int32
	DX, DY  int32
	Buttons uint8
	Pressed bool
	Delta   int8
}

// Queue is a fixed-capacity event ring. The zero value is ready to use.
// On overflow the oldest event is dropped and a warning is logged.
type Queue struct {
	mu    sync.Mutex
	buf   [QueueSize]Event
	head  int
	tail  int
	count int

	dropped int
}

// Push queues an event, dropping the oldest entry if the queue is full.
func (q *Queue) Push(ev Event) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.count == QueueSize {
		q.head = (q.head + 1) % QueueSize
		q.count--
		q.dropped++

		klog.Default.Warnf("input: queue overflow, dropped oldest event (%d total)", q.dropped)
	}

	q.buf[q.tail] = ev
	q.tail = (q.tail + 1) % QueueSize
	q.count++
}

// Poll dequeues the oldest pending event into out, reporting whether one
// was available.
func (q *Queue) Poll(out *Event) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.count == 0 {
		return false
	}

	*out = q.buf[q.head]
	q.head = (q.head + 1) % QueueSize
	q.count--

	return true
}

// Pending returns the number of queued events.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

// Dropped returns the number of events lost to overflow since boot.
func (q *Queue) Dropped() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// Default is the kernel-wide event queue drivers push into.
var Default Queue
