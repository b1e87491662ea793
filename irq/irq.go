// Package irq brings up the IDT, the Local and I/O APICs, and dispatches
// CPU exceptions and device interrupts through a fixed per-vector
// handler table invoked directly from the ISR trampolines.
package irq

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/core-kernel/corekernel/dma"
	"github.com/core-kernel/corekernel/kernerr"
	"github.com/core-kernel/corekernel/klog"
	"github.com/core-kernel/corekernel/mm/vmm"
	"github.com/core-kernel/corekernel/soc/intel/apic"
)

// Interrupt Gate Descriptor Attributes.
const (
	InterruptGate = 0b10001110
	TrapGate      = 0b10001111
)

const vectors = 256

// PageFault is the CPU exception vector forwarded to the VMM's lazy
// allocator.
const PageFault = 14

// IRQBase is the first vector legacy PIC lines are remapped to, clear of
// the CPU's reserved 0-31 exception range.
const IRQBase = 32

// IRQCount is the number of legacy 8259 lines this kernel remaps and
// dispatches, on vectors 32-47.
const IRQCount = 16

// GateDescriptor represents an IDT Gate descriptor
// (Intel® 64 and IA-32 Architectures Software Developer's Manual
// Volume 3A - 6.14.1 64-Bit Mode IDT).
type GateDescriptor struct {
	Offset1         uint16
	SegmentSelector uint16
	IST             uint8
	Attributes      uint8
	Offset2         uint16
	Offset3         uint32
	Reserved        uint32
}

// Bytes converts the descriptor structure to byte array format.
func (d *GateDescriptor) Bytes() []byte {
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.LittleEndian, d)
	return buf.Bytes()
}

// SetOffset sets the address of the handling procedure entry point.
func (d *GateDescriptor) SetOffset(addr uintptr) {
	d.Offset1 = uint16(addr & 0xffff)
	d.Offset2 = uint16(addr >> 16 & 0xffff)
	d.Offset3 = uint32(addr >> 32)
}

// Handler is invoked for a device interrupt on a remapped IRQ line.
type Handler func()

// Controller owns the IDT, the Local/IO APIC pair and the IRQ handler
// table. The zero value is not usable; construct with New.
type Controller struct {
	mu       sync.Mutex
	lapic    *apic.LAPIC
	ioapics  []*apic.IOAPIC
	vmm      *vmm.Manager
	handlers [IRQCount]Handler
	region   *dma.Region
	idtBase  uint64
	idtAddr  uint64

	// UnhandledException, if set, is called for any exception vector
	// without a more specific handler (everything except PageFault).
	UnhandledException func(vector int, errorCode uint64)
}

// controller is the single package-level instance dispatch reaches;
// only the bootstrap processor is ever brought up, so one IDT and one
// handler table suffice.
var controller *Controller

// New constructs a Controller. lapicBase/ioapicBase are the addresses
// the LAPIC and first IOAPIC registers are accessed at (this kernel's
// init sequence passes their physical addresses, reached through the
// identity map). idtBase
// is a 16-byte aligned virtual address range, at least 4096 bytes, the
// caller has already reserved for exclusive use as the IDT's backing
// memory (this kernel's init sequence carves it from the heap's large
// allocation path before Init runs).
func New(lapicBase uint32, ioapicBase uint32, vmm *vmm.Manager, idtBase uint64) *Controller {
	c := &Controller{
		lapic:   &apic.LAPIC{Base: lapicBase},
		ioapics: []*apic.IOAPIC{{Index: 0, Base: ioapicBase}},
		vmm:     vmm,
		idtBase: idtBase,
	}

	controller = c

	return c
}

// buildIDT allocates a DMA region for the 256-entry IDT, fills every
// installed vector's gate with its trampoline's address, and loads it.
func (c *Controller) buildIDT() error {
	desc := &GateDescriptor{
		SegmentSelector: 1 << 3,
		Attributes:      InterruptGate,
	}

	gateSize := len(desc.Bytes())
	idtSize := gateSize * vectors

	r, err := dma.NewRegion(uint(c.idtBase), idtSize, true)
	if err != nil {
		return fmt.Errorf("%w: idt region: %v", kernerr.ErrFatal, err)
	}

	addr, idt := r.Reserve(idtSize, 0)

	for vector, stub := range exceptionStubs {
		desc.SetOffset(stubAddr(stub))
		copy(idt[vector*gateSize:], desc.Bytes())
	}

	for vector, stub := range irqStubs {
		desc.SetOffset(stubAddr(stub))
		copy(idt[vector*gateSize:], desc.Bytes())
	}

	c.region = r
	c.idtAddr = uint64(addr)

	lidt(c.idtAddr, uint16(idtSize-1))

	return nil
}

// Init brings up the IDT and the Local/IO APIC pair: builds
// and loads the IDT, masks the legacy PIC, enables the Local APIC with
// the spurious vector set to the last vector (0xff), masks every legacy
// line's IOAPIC redirection table entry and enables interrupt delivery.
// A line stays masked until RegisterHandler points it at its IDT vector
// and unmasks it.
func (c *Controller) Init() error {
	if err := c.buildIDT(); err != nil {
		return err
	}

	maskPIC()

	c.lapic.Enable(0xff)

	for _, io := range c.ioapics {
		io.Init()
	}

	for line := 0; line < IRQCount; line++ {
		c.MaskLine(line)
	}

	enableInterrupts()

	return nil
}

// RegisterHandler installs h for legacy IRQ line (0-15) and unmasks its
// IOAPIC redirection table entry, targeting this kernel's single LAPIC.
func (c *Controller) RegisterHandler(line int, h Handler) error {
	if line < 0 || line >= IRQCount {
		return kernerr.ErrInvalidArgument
	}

	c.mu.Lock()
	c.handlers[line] = h
	c.mu.Unlock()

	c.ioapics[0].EnableInterrupt(line, IRQBase+line, c.lapic.ID())

	return nil
}

// MaskLine masks a legacy IRQ line at the IOAPIC without touching its
// registered handler.
func (c *Controller) MaskLine(line int) {
	if line < 0 || line >= IRQCount {
		return
	}

	c.ioapics[0].MaskInterrupt(line)
}

// dispatch is called by commonStub (idt_amd64.s) for every vector:
// exceptions route to a fixed handler (page faults to the VMM, everything
// else to UnhandledException), and IRQs route through the registered
// handler table followed by a LAPIC EOI.
//
//go:nosplit
func dispatch(vector uint64, errorCode uint64, cr2 uint64) {
	v := int(vector)

	if v >= IRQBase && v < IRQBase+IRQCount {
		line := v - IRQBase

		controller.mu.Lock()
		h := controller.handlers[line]
		controller.mu.Unlock()

		if h != nil {
			h()
		}

		controller.lapic.ClearInterrupt()
		return
	}

	if v == PageFault {
		if err := controller.vmm.HandlePageFault(cr2); err != nil {
			kernerr.Panic(kernerr.Context{
				Reason:    "irq: unrecoverable page fault: " + err.Error(),
				CR2:       cr2,
				ErrorCode: errorCode,
			})
		}
		return
	}

	if controller.UnhandledException != nil {
		controller.UnhandledException(v, errorCode)
		return
	}

	klog.Default.Fatalf("irq: unhandled exception vector %d errorCode %#x", v, errorCode)
}

// lidt, enableInterrupts and disableInterrupts are implemented in
// idt_amd64.s.
func lidt(base uint64, limit uint16)
func enableInterrupts()
func disableInterrupts()

// Disable masks all interrupt delivery, used by callers entering a
// critical section the scheduler must not preempt.
func Disable() {
	disableInterrupts()
}

// Enable unmasks interrupt delivery.
func Enable() {
	enableInterrupts()
}
