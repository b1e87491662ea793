// xHCI host controller driver
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package xhci implements a driver for eXtensible Host Controller
// Interface USB controllers adopting the following specifications:
//   - xHCI1.2 - eXtensible Host Controller Interface for USB - Rev 1.2 May 2019
//   - USB2.0  - USB Specification Revision 2.0
//
// The controller realizes the usb.HostController operation set along
// with the slot addressing (usb.Addresser) and endpoint configuration
// (usb.Configurer) capabilities of the host stack.
package xhci

import (
	"fmt"
	"sync"

	"github.com/core-kernel/corekernel/dma"
	"github.com/core-kernel/corekernel/internal/reg"
	"github.com/core-kernel/corekernel/kernerr"
	"github.com/core-kernel/corekernel/klog"
	"github.com/core-kernel/corekernel/usb"
)

// Capability registers
const (
	XHCI_CAPLENGTH  = 0x00
	XHCI_HCIVERSION = 0x02
	XHCI_HCSPARAMS1 = 0x04
	XHCI_HCSPARAMS2 = 0x08
	XHCI_HCCPARAMS1 = 0x10
	XHCI_DBOFF      = 0x14
	XHCI_RTSOFF     = 0x18

	HCSPARAMS1_SLOTS  = 0
	HCSPARAMS1_INTRS  = 8
	HCSPARAMS1_PORTS  = 24
	HCCPARAMS1_AC64   = 0
	HCSPARAMS2_SPB_HI = 21
	HCSPARAMS2_SPB_LO = 27
)

// Operational registers
const (
	XHCI_USBCMD = 0x00
	USBCMD_RS   = 0
	USBCMD_HCRST = 1
	USBCMD_INTE = 2

	XHCI_USBSTS = 0x04
	USBSTS_HCH  = 0
	USBSTS_HSE  = 2
	USBSTS_EINT = 3
	USBSTS_PCD  = 4
	USBSTS_CNR  = 11

	XHCI_DNCTRL = 0x14

	XHCI_CRCR = 0x18
	CRCR_RCS  = 0
	CRCR_CSS  = 1
	CRCR_CA   = 2
	CRCR_CRR  = 3

	XHCI_DCBAAP = 0x30
	XHCI_CONFIG = 0x38

	XHCI_PORTSC   = 0x400
	PORTSC_CCS    = 0
	PORTSC_PED    = 1
	PORTSC_PR     = 4
	PORTSC_PP     = 9
	PORTSC_SPEED  = 10
	PORTSC_CSC    = 17
	PORTSC_PRC    = 21
)

// Interrupter register set, starting at the runtime base
const (
	XHCI_IRS0 = 0x20

	XHCI_IMAN = 0x00
	IMAN_IP   = 0
	IMAN_IE   = 1

	XHCI_IMOD   = 0x04
	XHCI_ERSTSZ = 0x08
	XHCI_ERSTBA = 0x10
	XHCI_ERDP   = 0x18
	ERDP_EHB    = 3
)

// imodInterval is the interrupt moderation value programmed at
// initialization.
const imodInterval = 4000

// maxSlots bounds the slot table independently of HCSPARAMS1; slot 0 is
// reserved.
const maxSlots = 256

// State tracks the controller lifecycle.
type State int

const (
	Unconfigured State = iota
	Reset
	Running
	Halted
)

// timeout bounds, in busy-wait iterations rather than wall time.
const (
	resetTimeout   = 1000000
	commandTimeout = 5000000
)

// slot carries the controller-private state of one enabled device slot.
type slot struct {
	dev *usb.Device

	// outputCtx is the Device Context the controller owns after
	// Address Device; the OS may not write it.
	outputCtx uint64
	// inputCtx is retained across Address Device and Configure
	// Endpoint commands.
	inputCtx *InputContext

	// rings holds one transfer ring per device context index (1-31).
	rings [32]*Ring
}

// Controller is an xHCI host controller instance.
type Controller struct {
	sync.Mutex

	// Base is the MMIO base address of the capability registers.
	Base uint64
	// Memory is the DMA region rings, contexts and transfer buffers
	// are carved from; it must be reachable by the controller at its
	// own addresses (identity or HHDM mapped).
	Memory *dma.Region
	// IRQ is the interrupt vector assigned by MSI-X, or the PCI line.
	IRQ int

	// derived register bases
	op uint64
	rt uint64
	db uint64
	irs uint64

	// capability parameters
	hciVersion  uint16
	numSlots    int
	numPorts    int
	numIntrs    int
	ac64        bool
	scratchpads int

	dcbaa uint64

	cmd    *Ring
	events *EventRing

	slots [maxSlots]*slot

	// completions tracks issued commands keyed by the physical address
	// of the originating command TRB.
	completions map[uint64]*completion
	// transfers tracks submitted transfer TRBs the same way.
	transfers map[uint64]*transferEvent

	state State
}

// capability register helpers

func (hc *Controller) capRead(off uint64) uint32 {
	return reg.Read32(hc.Base + off)
}

func (hc *Controller) opRead(off uint64) uint32 {
	return reg.Read32(hc.op + off)
}

func (hc *Controller) opWrite(off uint64, val uint32) {
	reg.Write32(hc.op+off, val)
	reg.Fence()
}

func (hc *Controller) rtRead(off uint64) uint32 {
	return reg.Read32(hc.irs + off)
}

func (hc *Controller) rtWrite(off uint64, val uint32) {
	reg.Write32(hc.irs+off, val)
	reg.Fence()
}

// waitBit spins until the named register bit reads val, bounded by the
// given iteration count. It reports whether the condition was met.
func waitBit(addr uint64, pos int, val uint32, iterations int) bool {
	for i := 0; i < iterations; i++ {
		if reg.Get32(addr, pos, 1) == val {
			return true
		}

		spin()
	}

	return false
}

// Init brings the controller from Unconfigured to Running: capability
// discovery, reset, DMA structure allocation, operational register
// programming and run. Any failure unwinds so that no half-initialized
// controller is left installed.
func (hc *Controller) Init() (err error) {
	hc.Lock()
	defer hc.Unlock()

	if hc.Base == 0 || hc.Memory == nil {
		return fmt.Errorf("%w: invalid controller instance", kernerr.ErrInvalidArgument)
	}

	defer func() {
		if err != nil {
			hc.unwind()
		}
	}()

	if err = hc.discover(); err != nil {
		return
	}

	if err = hc.reset(); err != nil {
		return
	}

	hc.state = Reset

	if err = hc.allocate(); err != nil {
		return
	}

	if err = hc.program(); err != nil {
		return
	}

	if err = hc.run(); err != nil {
		return
	}

	hc.state = Running

	klog.Default.Infof("xhci: version %04x running, slots=%d ports=%d interrupters=%d",
		hc.hciVersion, hc.numSlots, hc.numPorts, hc.numIntrs)

	return
}

// discover reads the capability registers and derives the operational,
// runtime and doorbell register bases.
func (hc *Controller) discover() error {
	capLength := hc.capRead(XHCI_CAPLENGTH) & 0xff

	if capLength < 0x20 {
		return fmt.Errorf("%w: invalid CAPLENGTH %#x", kernerr.ErrFatal, capLength)
	}

	hc.op = hc.Base + uint64(capLength)
	hc.rt = hc.Base + uint64(hc.capRead(XHCI_RTSOFF)&^uint32(0x1f))
	hc.db = hc.Base + uint64(hc.capRead(XHCI_DBOFF)&^uint32(0x3))
	hc.irs = hc.rt + XHCI_IRS0

	hc.hciVersion = uint16(hc.capRead(XHCI_CAPLENGTH) >> 16)

	hcsparams1 := hc.capRead(XHCI_HCSPARAMS1)
	hc.numSlots = int(hcsparams1 >> HCSPARAMS1_SLOTS & 0xff)
	hc.numIntrs = int(hcsparams1 >> HCSPARAMS1_INTRS & 0x7ff)
	hc.numPorts = int(hcsparams1 >> HCSPARAMS1_PORTS & 0xff)

	hccparams1 := hc.capRead(XHCI_HCCPARAMS1)
	hc.ac64 = hccparams1&(1<<HCCPARAMS1_AC64) != 0

	hcsparams2 := hc.capRead(XHCI_HCSPARAMS2)
	hc.scratchpads = int(hcsparams2>>HCSPARAMS2_SPB_HI&0x1f)<<5 |
		int(hcsparams2>>HCSPARAMS2_SPB_LO&0x1f)

	return nil
}

// reset halts and resets the controller, waiting out Controller Not
// Ready.
func (hc *Controller) reset() error {
	cmd := hc.opRead(XHCI_USBCMD)
	hc.opWrite(XHCI_USBCMD, cmd&^uint32(1<<USBCMD_RS))

	if !waitBit(hc.op+XHCI_USBSTS, USBSTS_HCH, 1, resetTimeout) {
		return fmt.Errorf("%w: controller failed to halt", kernerr.ErrFatal)
	}

	cmd = hc.opRead(XHCI_USBCMD)
	hc.opWrite(XHCI_USBCMD, cmd|1<<USBCMD_HCRST)

	if !waitBit(hc.op+XHCI_USBCMD, USBCMD_HCRST, 0, resetTimeout) {
		return fmt.Errorf("%w: controller reset did not complete", kernerr.ErrFatal)
	}

	if !waitBit(hc.op+XHCI_USBSTS, USBSTS_CNR, 0, resetTimeout) {
		return fmt.Errorf("%w: controller not ready after reset", kernerr.ErrFatal)
	}

	return nil
}

// allocate builds the DCBAA, scratchpad buffers, command ring and event
// ring.
func (hc *Controller) allocate() error {
	// DCBAA: (num_slots+1) pointer slots, 64-byte aligned, zeroed.
	size := (hc.numSlots + 1) * 8

	addr, buf := hc.Memory.Reserve(size, 64)
	clear(buf)
	hc.dcbaa = uint64(addr)

	if hc.scratchpads > 0 {
		arrayAddr, array := hc.Memory.Reserve(hc.scratchpads*8, 64)
		clear(array)

		for i := 0; i < hc.scratchpads; i++ {
			pageAddr, page := hc.Memory.Reserve(4096, 4096)
			clear(page)

			put64(array[i*8:], uint64(pageAddr))
		}

		put64(buf[0:], uint64(arrayAddr))
	}

	var err error

	if hc.cmd, err = NewRing(hc.Memory, RingSize); err != nil {
		return err
	}

	if hc.events, err = NewEventRing(hc.Memory, RingSize); err != nil {
		return err
	}

	hc.completions = make(map[uint64]*completion)
	hc.transfers = make(map[uint64]*transferEvent)

	return nil
}

// program writes the operational and runtime registers in the one order
// that the controller accepts, each write followed by a fence.
func (hc *Controller) program() error {
	// 1. DCBAAP
	hc.writeOp64(XHCI_DCBAAP, hc.dcbaa)

	// 2. CONFIG: number of enabled device slots
	hc.opWrite(XHCI_CONFIG, uint32(hc.numSlots))

	// 3. ERSTSZ
	hc.rtWrite(XHCI_ERSTSZ, 1)

	// 4. ERSTBA
	hc.writeRt64(XHCI_ERSTBA, hc.events.erst)

	// 5. ERDP, EHB clear
	hc.writeRt64(XHCI_ERDP, hc.events.base)

	// 6. CRCR: read, clear CRR/CS/CA/RCS preserving the address field,
	// then install the command ring with RCS set.
	crcr := hc.readOp64(XHCI_CRCR)
	hc.writeOp64(XHCI_CRCR, crcr&^uint64(0x3f))
	hc.writeOp64(XHCI_CRCR, hc.cmd.base|1<<CRCR_RCS)

	if !waitBit(hc.op+XHCI_CRCR, CRCR_CSS, 1, resetTimeout) {
		return fmt.Errorf("%w: command ring cycle state did not synchronize", kernerr.ErrFatal)
	}

	return nil
}

// run enables interrupter 0 and starts the controller.
func (hc *Controller) run() error {
	iman := hc.rtRead(XHCI_IMAN)
	hc.rtWrite(XHCI_IMAN, iman|1<<IMAN_IE|1<<IMAN_IP)

	hc.rtWrite(XHCI_IMOD, imodInterval)

	cmd := hc.opRead(XHCI_USBCMD)
	hc.opWrite(XHCI_USBCMD, cmd|1<<USBCMD_RS|1<<USBCMD_INTE)

	if !waitBit(hc.op+XHCI_USBSTS, USBSTS_HCH, 0, resetTimeout) {
		return fmt.Errorf("%w: controller did not leave halted state", kernerr.ErrFatal)
	}

	return nil
}

func (hc *Controller) readOp64(off uint64) uint64 {
	return reg.Read64(hc.op + off)
}

func (hc *Controller) writeOp64(off uint64, val uint64) {
	reg.Write64(hc.op+off, val)
	reg.Fence()
}

func (hc *Controller) writeRt64(off uint64, val uint64) {
	reg.Write64(hc.irs+off, val)
	reg.Fence()
}

// unwind releases controller state after a failed initialization.
func (hc *Controller) unwind() {
	hc.cmd = nil
	hc.events = nil
	hc.completions = nil
	hc.transfers = nil
	hc.dcbaa = 0
	hc.state = Unconfigured
}

// Reset halts and resets a running controller.
func (hc *Controller) Reset() error {
	hc.Lock()
	defer hc.Unlock()

	if err := hc.reset(); err != nil {
		return err
	}

	hc.state = Reset

	return nil
}

// Ports returns the number of root hub ports.
func (hc *Controller) Ports() int {
	return hc.numPorts
}

// CurrentState returns the controller lifecycle state.
func (hc *Controller) CurrentState() State {
	hc.Lock()
	defer hc.Unlock()
	return hc.state
}

// Cleanup stops the controller and drops all slot state.
func (hc *Controller) Cleanup() {
	hc.Lock()
	defer hc.Unlock()

	if hc.state == Running {
		cmd := hc.opRead(XHCI_USBCMD)
		hc.opWrite(XHCI_USBCMD, cmd&^uint32(1<<USBCMD_RS))
	}

	for i := range hc.slots {
		hc.slots[i] = nil
	}

	hc.unwind()
}

// ReleaseDevice drops the slot state of a single device after a failed
// enumeration or a disconnect, leaving the controller live.
func (hc *Controller) ReleaseDevice(dev *usb.Device) {
	hc.Lock()
	defer hc.Unlock()

	if dev.Slot == 0 || hc.dcbaa == 0 {
		return
	}

	if s := hc.slots[dev.Slot]; s != nil && s.dev == dev {
		hc.slots[dev.Slot] = nil
		put64at(hc.dcbaa+uint64(dev.Slot)*8, 0)
		reg.Fence()
	}

	dev.Slot = 0
}
