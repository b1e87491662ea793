package xhci

import (
	"encoding/binary"
	"runtime"
	"sync/atomic"
	"unsafe"

	"github.com/core-kernel/corekernel/dma"
	"github.com/core-kernel/corekernel/internal/reg"
)

// Register file layout of the simulated controller, relative to the
// MMIO base.
const (
	simCapLength = 0x20
	simRTSOff    = 0x600
	simDBOff     = 0x800
	simMMIOSize  = 0x1000
)

// simulated capability parameters
const (
	simSlots = 32
	simPorts = 4
)

// doorbell sentinel: a register write is detected by the value changing
// away from it, which a real doorbell write of zero would not allow.
const dbSentinel = 0xffffffff

// trPointer tracks the simulator's consumer view of one transfer ring.
type trPointer struct {
	base    uint64
	dequeue int
}

// sim models the hardware side of an xHCI controller over a plain
// memory register file: a goroutine polls the registers the way the
// silicon would latch writes, consumes command and transfer rings by
// the cycle-bit discipline, and produces completion events on the event
// ring.
type sim struct {
	mmio []byte
	base uint64

	op  uint64
	rt  uint64
	irs uint64
	db  uint64

	// command ring consumer state
	cmdBase    uint64
	cmdDequeue int

	// event ring producer state
	evBase  uint64
	evSize  int
	evEnq   int
	evCycle uint32

	// transfer ring consumer state per slot and device context index
	tr [simSlots + 1][32]*trPointer

	// nextSlot feeds Enable Slot completions.
	nextSlot uint8

	// last setup packet seen on any endpoint zero ring
	lastSetup [8]byte

	// canned device responses
	deviceDesc []byte
	configDesc []byte
	report     []byte

	stop uint32
	done chan struct{}
}

func newSim() *sim {
	s := &sim{
		mmio:     make([]byte, simMMIOSize),
		nextSlot: 1,
		done:     make(chan struct{}),
	}

	s.base = uint64(uintptr(unsafe.Pointer(&s.mmio[0])))
	s.op = s.base + simCapLength
	s.rt = s.base + simRTSOff
	s.irs = s.rt + XHCI_IRS0
	s.db = s.base + simDBOff

	// CAPLENGTH | HCIVERSION<<16
	reg.Write32(s.base+XHCI_CAPLENGTH, simCapLength|0x0110<<16)
	// slots | interrupters<<8 | ports<<24
	reg.Write32(s.base+XHCI_HCSPARAMS1, simSlots|1<<8|simPorts<<24)
	reg.Write32(s.base+XHCI_HCSPARAMS2, 0)
	// 64-bit addressing
	reg.Write32(s.base+XHCI_HCCPARAMS1, 0x1)
	reg.Write32(s.base+XHCI_DBOFF, simDBOff)
	reg.Write32(s.base+XHCI_RTSOFF, simRTSOff)

	// halted until run
	reg.Write32(s.op+XHCI_USBSTS, 1<<USBSTS_HCH)

	for i := 0; i <= simSlots; i++ {
		reg.Write32(s.db+uint64(i)*4, dbSentinel)
	}

	go s.run()

	return s
}

func (s *sim) close() {
	atomic.StoreUint32(&s.stop, 1)
	<-s.done
}

// connect makes a port report a connected device at the given speed.
func (s *sim) connect(port int, speed uint32) {
	addr := s.op + XHCI_PORTSC + uint64(port-1)*0x10
	reg.Write32(addr, 1<<PORTSC_CCS|speed<<PORTSC_SPEED)
}

func (s *sim) run() {
	defer close(s.done)

	for atomic.LoadUint32(&s.stop) == 0 {
		s.step()
		runtime.Gosched()
	}
}

func (s *sim) step() {
	cmd := reg.Read32(s.op + XHCI_USBCMD)
	sts := reg.Read32(s.op + XHCI_USBSTS)

	// HCRST self-clears, leaving the controller halted and ready.
	if cmd&(1<<USBCMD_HCRST) != 0 {
		reg.Write32(s.op+XHCI_USBCMD, cmd&^uint32(1<<USBCMD_HCRST))
		reg.Write32(s.op+XHCI_USBSTS, 1<<USBSTS_HCH)
		return
	}

	// HCH mirrors the inverse of run/stop.
	if cmd&(1<<USBCMD_RS) != 0 {
		reg.Write32(s.op+XHCI_USBSTS, sts&^uint32(1<<USBSTS_HCH))
	} else {
		reg.Write32(s.op+XHCI_USBSTS, sts|1<<USBSTS_HCH)
	}

	// CRCR with the ring cycle state set latches the command ring and
	// synchronizes the readable cycle state.
	crcr := reg.Read64(s.op + XHCI_CRCR)

	if crcr&(1<<CRCR_RCS) != 0 && crcr&(1<<CRCR_CSS) == 0 {
		s.cmdBase = crcr &^ uint64(0x3f)
		s.cmdDequeue = 0
		reg.Write64(s.op+XHCI_CRCR, crcr|1<<CRCR_CSS)
	}

	// port resets complete immediately, enabling the port
	for port := 1; port <= simPorts; port++ {
		addr := s.op + XHCI_PORTSC + uint64(port-1)*0x10
		portsc := reg.Read32(addr)

		if portsc&(1<<PORTSC_PR) != 0 {
			portsc &^= 1 << PORTSC_PR
			portsc |= 1 << PORTSC_PED
			reg.Write32(addr, portsc)
		}
	}

	// doorbells
	if reg.Read32(s.db) != dbSentinel {
		reg.Write32(s.db, dbSentinel)
		s.consumeCommands()
	}

	for slot := 1; slot <= simSlots; slot++ {
		addr := s.db + uint64(slot)*4
		val := reg.Read32(addr)

		if val == dbSentinel {
			continue
		}

		reg.Write32(addr, dbSentinel)
		s.consumeTransfers(uint8(slot), int(val))
	}
}

// eventRing reads the segment table the driver programmed to locate the
// event ring.
func (s *sim) eventRing() bool {
	if s.evBase != 0 {
		return true
	}

	erst := reg.Read64(s.irs + XHCI_ERSTBA)

	if erst == 0 {
		return false
	}

	s.evBase = reg.Read64(erst)
	s.evSize = int(reg.Read32(erst+8) & 0xffff)
	s.evCycle = 1

	return s.evBase != 0
}

// postEvent produces one event TRB, payload before the cycle-carrying
// control word.
func (s *sim) postEvent(param uint64, status uint32, control uint32) {
	if !s.eventRing() {
		return
	}

	addr := s.evBase + uint64(s.evEnq)*TRBSize

	reg.Write64(addr, param)
	reg.Write32(addr+8, status)
	reg.Fence()
	reg.Write32(addr+12, control&^uint32(1)|s.evCycle)

	s.evEnq++

	if s.evEnq == s.evSize {
		s.evEnq = 0
		s.evCycle ^= 1
	}
}

func (s *sim) readTRB(base uint64, i int) (trb TRB) {
	addr := base + uint64(i)*TRBSize

	trb.Parameter = reg.Read64(addr)
	trb.Status = reg.Read32(addr + 8)
	trb.Control = reg.Read32(addr + 12)

	return
}

// consumeCommands drains the command ring, completing every pending
// command successfully.
func (s *sim) consumeCommands() {
	if s.cmdBase == 0 {
		return
	}

	for {
		trb := s.readTRB(s.cmdBase, s.cmdDequeue)

		if trb.Cycle() != 1 {
			return
		}

		if trb.Type() == TRB_LINK {
			s.cmdDequeue = 0
			continue
		}

		addr := s.cmdBase + uint64(s.cmdDequeue)*TRBSize
		s.cmdDequeue++

		var slot uint8

		switch trb.Type() {
		case TRB_ENABLE_SLOT:
			slot = s.nextSlot
			s.nextSlot++
		case TRB_ADDRESS_DEV:
			slot = uint8(trb.Control >> TRB_SLOT)
			s.learnEndpoints(slot, trb.Parameter)
		case TRB_CONFIG_EP:
			slot = uint8(trb.Control >> TRB_SLOT)
			s.learnEndpoints(slot, trb.Parameter)
		default:
			slot = uint8(trb.Control >> TRB_SLOT)
		}

		control := uint32(TRB_CMD_COMPLETE)<<TRB_TYPE | uint32(slot)<<TRB_SLOT

		s.postEvent(addr, uint32(CC_SUCCESS)<<24, control)
	}
}

// learnEndpoints decodes an Input Context to find the transfer rings
// declared by its add flags.
func (s *sim) learnEndpoints(slot uint8, inputCtx uint64) {
	if slot == 0 || int(slot) > simSlots {
		return
	}

	addFlags := reg.Read32(inputCtx + 4)

	for index := 1; index < 32; index++ {
		if addFlags&(1<<index) == 0 {
			continue
		}

		ctx := inputCtx + uint64(1+index)*contextSize

		lo := uint64(reg.Read32(ctx + 8))
		hi := uint64(reg.Read32(ctx + 12))
		base := (hi<<32 | lo) &^ uint64(0xf)

		if base == 0 {
			continue
		}

		if s.tr[slot][index] == nil || s.tr[slot][index].base != base {
			s.tr[slot][index] = &trPointer{base: base}
		}
	}
}

// consumeTransfers drains a transfer ring, emulating the attached
// device's responses.
func (s *sim) consumeTransfers(slot uint8, index int) {
	if int(slot) > simSlots || index < 1 || index >= 32 {
		return
	}

	tp := s.tr[slot][index]

	if tp == nil {
		return
	}

	for {
		trb := s.readTRB(tp.base, tp.dequeue)

		if trb.Cycle() != 1 {
			return
		}

		if trb.Type() == TRB_LINK {
			tp.dequeue = 0
			continue
		}

		addr := tp.base + uint64(tp.dequeue)*TRBSize
		tp.dequeue++

		residual := 0

		switch trb.Type() {
		case TRB_SETUP_STAGE:
			binary.LittleEndian.PutUint64(s.lastSetup[:], trb.Parameter)
		case TRB_DATA_STAGE:
			if trb.Control&(1<<TRB_DIR) != 0 {
				residual = s.deviceRead(trb.Parameter, int(trb.Status&0xffffff))
			}
		case TRB_NORMAL:
			residual = s.interruptRead(trb.Parameter, int(trb.Status&0xffffff))
		}

		control := uint32(TRB_TRANSFER_EV)<<TRB_TYPE | uint32(slot)<<TRB_SLOT

		s.postEvent(addr, uint32(CC_SUCCESS)<<24|uint32(residual&0xffffff), control)
	}
}

// deviceRead answers an IN data stage from the canned descriptor set,
// returning the residual length.
func (s *sim) deviceRead(buf uint64, length int) int {
	request := s.lastSetup[1]
	descType := s.lastSetup[3]

	var src []byte

	if request == 6 { // GET_DESCRIPTOR
		switch descType {
		case 1: // DEVICE
			src = s.deviceDesc
		case 2: // CONFIGURATION
			src = s.configDesc
		}
	}

	n := len(src)

	if n > length {
		n = length
	}

	for i := 0; i < n; i++ {
		*(*byte)(unsafe.Pointer(uintptr(buf) + uintptr(i))) = src[i]
	}

	return length - n
}

// interruptRead answers an interrupt IN transfer with the canned
// report.
func (s *sim) interruptRead(buf uint64, length int) int {
	n := len(s.report)

	if n > length {
		n = length
	}

	for i := 0; i < n; i++ {
		*(*byte)(unsafe.Pointer(uintptr(buf) + uintptr(i))) = s.report[i]
	}

	return length - n
}

// testMemory returns a DMA region backed by ordinary memory, standing
// in for the identity-mapped region the controller uses at runtime.
func testMemory(size int) *dma.Region {
	buf := make([]byte, size)
	addr := uint(uintptr(unsafe.Pointer(&buf[0])))

	// keep the backing alive for the life of the region
	regions = append(regions, buf)

	r, _ := dma.NewRegion(addr, size, false)

	return r
}

var regions [][]byte
