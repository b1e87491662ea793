// xHCI host controller driver
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package xhci

import (
	"fmt"

	"github.com/core-kernel/corekernel/dma"
	"github.com/core-kernel/corekernel/internal/reg"
	"github.com/core-kernel/corekernel/kernerr"
)

// EventRing is the controller-to-software TRB ring plus its one-segment
// Event Ring Segment Table. Software is the consumer here: it holds a
// dequeue index and a cycle state that toggles each time the dequeue
// position wraps.
type EventRing struct {
	base uint64
	size int

	// erst is the physical address of the segment table.
	erst uint64

	dequeue int
	cycle   uint32
}

// NewEventRing allocates a zeroed event ring and its segment table,
// both 64-byte aligned.
func NewEventRing(mem *dma.Region, size int) (*EventRing, error) {
	addr, buf := mem.Reserve(size*TRBSize, 64)

	if addr == 0 {
		return nil, fmt.Errorf("%w: event ring allocation", kernerr.ErrOutOfMemory)
	}

	clear(buf)

	// one segment entry: {base, size, 0, 0}
	erstAddr, erst := mem.Reserve(16, 64)

	if erstAddr == 0 {
		return nil, fmt.Errorf("%w: segment table allocation", kernerr.ErrOutOfMemory)
	}

	clear(erst)
	put64(erst[0:], uint64(addr))
	put32(erst[8:], uint32(size))

	return &EventRing{
		base:  uint64(addr),
		size:  size,
		erst:  uint64(erstAddr),
		cycle: 1,
	}, nil
}

// dequeueAddr returns the physical address of the current dequeue slot.
func (e *EventRing) dequeueAddr() uint64 {
	return e.base + uint64(e.dequeue)*TRBSize
}

// Next returns the next pending event TRB, if any. An event is pending
// when its cycle bit matches the ring cycle state; the control word is
// read before the payload so that a matching cycle guarantees fully
// written parameter and status fields.
func (e *EventRing) Next() (TRB, bool) {
	addr := e.dequeueAddr()

	control := reg.Read32(addr + 12)

	if control&1 != e.cycle&1 {
		return TRB{}, false
	}

	trb := TRB{
		Parameter: reg.Read64(addr),
		Status:    reg.Read32(addr + 8),
		Control:   control,
	}

	e.dequeue++

	if e.dequeue == e.size {
		e.dequeue = 0
		e.cycle ^= 1
	}

	return trb, true
}
