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

// TRB types (p512, Table 6-91, xHCI1.2)
const (
	TRB_NORMAL        = 1
	TRB_SETUP_STAGE   = 2
	TRB_DATA_STAGE    = 3
	TRB_STATUS_STAGE  = 4
	TRB_LINK          = 6
	TRB_ENABLE_SLOT   = 9
	TRB_DISABLE_SLOT  = 10
	TRB_ADDRESS_DEV   = 11
	TRB_CONFIG_EP     = 12
	TRB_NOOP_CMD      = 23
	TRB_TRANSFER_EV   = 32
	TRB_CMD_COMPLETE  = 33
	TRB_PORT_STATUS   = 34
)

// TRB control word bits
const (
	TRB_C    = 0  // cycle
	TRB_TC   = 1  // toggle cycle (Link)
	TRB_ENT  = 2  // evaluate next TRB
	TRB_ISP  = 2  // interrupt on short packet (transfer TRBs)
	TRB_CH   = 4  // chain
	TRB_IOC  = 5  // interrupt on completion
	TRB_IDT  = 6  // immediate data
	TRB_BEI  = 9  // block event interrupt
	TRB_TYPE = 10 // TRB type field, 6 bits

	// Data/Status stage direction
	TRB_DIR = 16
	// Setup stage transfer type: 1 = no data, 2 = IN data, 3 = OUT data
	TRB_TRT = 16

	// slot id field in command and event TRBs
	TRB_SLOT = 24
)

// Completion codes (p507, Table 6-90, xHCI1.2)
const (
	CC_INVALID       = 0
	CC_SUCCESS       = 1
	CC_DATA_BUFFER   = 2
	CC_BABBLE        = 3
	CC_USB_ERROR     = 4
	CC_TRB_ERROR     = 5
	CC_STALL         = 6
	CC_SHORT_PACKET  = 13
	CC_RING_UNDERRUN = 14
	CC_RING_OVERRUN  = 15
)

// TRBSize is the byte size of every Transfer Request Block.
const TRBSize = 16

// RingSize is the number of TRBs per allocated ring.
const RingSize = 256

// TRB is a single Transfer Request Block: a 16-byte parameter/status/
// control tuple shared by command, transfer and event rings.
type TRB struct {
	Parameter uint64
	Status    uint32
	Control   uint32
}

// Type returns the TRB type field.
func (t *TRB) Type() int {
	return int(t.Control >> TRB_TYPE & 0x3f)
}

// SetType sets the TRB type field.
func (t *TRB) SetType(typ int) {
	t.Control = t.Control&^uint32(0x3f<<TRB_TYPE) | uint32(typ)<<TRB_TYPE
}

// Cycle returns the TRB cycle bit.
func (t *TRB) Cycle() uint32 {
	return t.Control & 1
}

// CompletionCode returns the completion code of an event TRB.
func (t *TRB) CompletionCode() uint8 {
	return uint8(t.Status >> 24)
}

// TransferLength returns the residual transfer length of a Transfer
// Event TRB.
func (t *TRB) TransferLength() int {
	return int(t.Status & 0xffffff)
}

// SlotID returns the slot id field of command completion and transfer
// events.
func (t *TRB) SlotID() uint8 {
	return uint8(t.Control >> TRB_SLOT)
}

// Ring is a command or transfer TRB ring: a 64-byte aligned TRB array
// whose last entry is a Link TRB, with toggle cycle set, pointing back
// to the ring base.
//
// The ring is a single-producer (software) single-consumer (controller)
// queue disciplined by the cycle bit: the enqueue routine writes the
// parameter and status fields, fences, and only then writes the control
// word carrying the cycle bit, so the consumer never observes a
// half-written TRB as valid.
type Ring struct {
	base uint64
	size int

	enqueue int

	// cycle is the ring cycle state the enqueue routine stamps into
	// every TRB. Software never toggles it; the controller keeps its
	// own view synchronized through the Link TRB's toggle cycle bit.
	cycle uint32
}

// NewRing allocates a zeroed TRB ring with its trailing Link TRB
// installed.
func NewRing(mem *dma.Region, size int) (*Ring, error) {
	if size < 2 {
		return nil, kernerr.ErrInvalidArgument
	}

	addr, buf := mem.Reserve(size*TRBSize, 64)

	if addr == 0 {
		return nil, fmt.Errorf("%w: ring allocation", kernerr.ErrOutOfMemory)
	}

	clear(buf)

	r := &Ring{
		base:  uint64(addr),
		size:  size,
		cycle: 1,
	}

	link := TRB{
		Parameter: r.base,
		Control:   1<<TRB_TC | 1<<TRB_C,
	}
	link.SetType(TRB_LINK)

	r.write(size-1, &link)

	return r, nil
}

// Base returns the ring's physical base address.
func (r *Ring) Base() uint64 {
	return r.base
}

// CycleState returns the ring cycle state.
func (r *Ring) CycleState() uint32 {
	return r.cycle
}

// slotAddr returns the physical address of the TRB at index i.
func (r *Ring) slotAddr(i int) uint64 {
	return r.base + uint64(i)*TRBSize
}

// write stores a TRB at index i, parameter and status before the
// control word.
func (r *Ring) write(i int, trb *TRB) {
	addr := r.slotAddr(i)

	reg.Write64(addr, trb.Parameter)
	reg.Write32(addr+8, trb.Status)
	reg.Fence()
	reg.Write32(addr+12, trb.Control)
}

// read loads the TRB at index i.
func (r *Ring) read(i int) (trb TRB) {
	addr := r.slotAddr(i)

	trb.Parameter = reg.Read64(addr)
	trb.Status = reg.Read32(addr + 8)
	trb.Control = reg.Read32(addr + 12)

	return
}

// Enqueue stamps the ring cycle state into the TRB's cycle bit, stores
// it at the enqueue position and advances, skipping over the Link TRB
// slot, which is never overwritten. It returns the physical address of
// the slot the TRB landed in, the key completion events are matched by.
func (r *Ring) Enqueue(trb *TRB) uint64 {
	trb.Control = trb.Control&^uint32(1) | r.cycle&1

	i := r.enqueue

	r.write(i, trb)
	reg.Fence()

	r.enqueue++

	if r.enqueue == r.size-1 {
		r.enqueue = 0
	}

	return r.slotAddr(i)
}
