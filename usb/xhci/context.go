// xHCI host controller driver
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package xhci

import (
	"fmt"

	"github.com/core-kernel/corekernel/dma"
	"github.com/core-kernel/corekernel/kernerr"
)

// Context sizes (p442, 6.2, xHCI1.2): every context entry is 32 bytes,
// an Input Context is the Input Control Context plus the Slot Context
// plus 31 Endpoint Contexts, a Device Context omits the control entry.
const (
	contextSize       = 32
	inputContextSize  = contextSize * 33
	deviceContextSize = contextSize * 32
)

// Endpoint Context type field values (p453, Table 6-9, xHCI1.2)
const (
	EP_TYPE_ISOCH_OUT = 1
	EP_TYPE_BULK_OUT  = 2
	EP_TYPE_INTR_OUT  = 3
	EP_TYPE_CONTROL   = 4
	EP_TYPE_ISOCH_IN  = 5
	EP_TYPE_BULK_IN   = 6
	EP_TYPE_INTR_IN   = 7
)

// Slot Context field positions
const (
	SLOT_CTX_ROUTE   = 0
	SLOT_CTX_SPEED   = 20
	SLOT_CTX_HUB     = 26
	SLOT_CTX_ENTRIES = 27
	SLOT_CTX_PORT    = 16
)

// Endpoint Context field positions
const (
	EP_CTX_INTERVAL   = 16
	EP_CTX_TYPE       = 3
	EP_CTX_MAX_PACKET = 16
	EP_CTX_DCS        = 0
)

// Add Context flag for the Slot Context; endpoint contexts use
// AddFlagEP.
const AddFlagSlot = 1 << 0

// AddFlagEP returns the Add Context flag for a device context index.
func AddFlagEP(dci int) uint32 {
	return 1 << dci
}

// InputContext is the parameter block of Address Device and Configure
// Endpoint commands: the Input Control Context declaring which entries
// are valid, followed by the Slot Context and the endpoint contexts.
type InputContext struct {
	addr uint64
	buf  []byte
}

// NewInputContext allocates a zeroed, 64-byte aligned Input Context.
func NewInputContext(mem *dma.Region) (*InputContext, error) {
	addr, buf := mem.Reserve(inputContextSize, 64)

	if addr == 0 {
		return nil, fmt.Errorf("%w: input context allocation", kernerr.ErrOutOfMemory)
	}

	clear(buf)

	return &InputContext{
		addr: uint64(addr),
		buf:  buf,
	}, nil
}

// Addr returns the context's physical address.
func (c *InputContext) Addr() uint64 {
	return c.addr
}

// word returns the byte offset of word w within context entry ctx,
// where entry 0 is the Input Control Context and entry 1 the Slot
// Context.
func word(ctx int, w int) int {
	return ctx*contextSize + w*4
}

func (c *InputContext) set(ctx int, w int, val uint32) {
	put32(c.buf[word(ctx, w):], val)
}

func (c *InputContext) get(ctx int, w int) uint32 {
	return get32(c.buf[word(ctx, w):])
}

// SetDropFlags sets the Drop Context flags word.
func (c *InputContext) SetDropFlags(mask uint32) {
	c.set(0, 0, mask)
}

// SetAddFlags sets the Add Context flags word, declaring which of the
// following contexts the command consumes.
func (c *InputContext) SetAddFlags(mask uint32) {
	c.set(0, 1, mask)
}

// AddFlags returns the Add Context flags word.
func (c *InputContext) AddFlags() uint32 {
	return c.get(0, 1)
}

// SetSlot fills the Slot Context: route string, port speed, root hub
// port and the number of valid endpoint context entries.
func (c *InputContext) SetSlot(route uint32, speed uint8, rootPort uint8, entries uint8) {
	c.set(1, 0, route&0xfffff|uint32(speed&0xf)<<SLOT_CTX_SPEED|uint32(entries&0x1f)<<SLOT_CTX_ENTRIES)
	c.set(1, 1, uint32(rootPort)<<SLOT_CTX_PORT)
	c.set(1, 2, 0)
	c.set(1, 3, 0)
}

// SlotSpeed returns the speed field of the Slot Context.
func (c *InputContext) SlotSpeed() uint8 {
	return uint8(c.get(1, 0) >> SLOT_CTX_SPEED & 0xf)
}

// SetEndpoint fills the endpoint context for a device context index:
// endpoint type, maximum packet size, polling interval and the transfer
// ring dequeue pointer with its cycle state.
func (c *InputContext) SetEndpoint(dci int, epType int, maxPacket uint16, interval uint8, dequeue uint64, dcs uint32) {
	ctx := 1 + dci

	c.set(ctx, 0, uint32(interval)<<EP_CTX_INTERVAL)
	c.set(ctx, 1, uint32(epType&0x7)<<EP_CTX_TYPE|uint32(maxPacket)<<EP_CTX_MAX_PACKET)
	c.set(ctx, 2, uint32(dequeue&0xffffffff)|dcs&1)
	c.set(ctx, 3, uint32(dequeue>>32))
	c.set(ctx, 4, 0)
}

// EndpointMaxPacket returns the maximum packet size programmed for a
// device context index.
func (c *InputContext) EndpointMaxPacket(dci int) uint16 {
	return uint16(c.get(1+dci, 1) >> EP_CTX_MAX_PACKET)
}

// EndpointDequeue returns the transfer ring dequeue pointer programmed
// for a device context index, without its cycle state bit.
func (c *InputContext) EndpointDequeue(dci int) uint64 {
	lo := uint64(c.get(1+dci, 2))
	hi := uint64(c.get(1+dci, 3))

	return (hi<<32 | lo) &^ 0xf
}

// NewDeviceContext allocates a zeroed, 64-byte aligned Output Device
// Context. The controller owns it once its address is installed in the
// device context base address array.
func NewDeviceContext(mem *dma.Region) (uint64, error) {
	addr, buf := mem.Reserve(deviceContextSize, 64)

	if addr == 0 {
		return 0, fmt.Errorf("%w: device context allocation", kernerr.ErrOutOfMemory)
	}

	clear(buf)

	return uint64(addr), nil
}
