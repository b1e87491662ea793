package xhci

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/core-kernel/corekernel/internal/reg"
	"github.com/core-kernel/corekernel/usb"
)

func testDeviceDescriptor() []byte {
	return []byte{
		18, 1, 0x00, 0x02,
		0x00, 0x00, 0x00, 0x40,
		0x81, 0x07, 0x5e, 0x00,
		0x00, 0x01,
		0x01, 0x02, 0x03, 0x01,
	}
}

func testConfigDescriptor() []byte {
	return []byte{
		0x09, 0x02, 0x22, 0x00, 0x01, 0x01, 0x00, 0xa0, 0x32,
		0x09, 0x04, 0x00, 0x00, 0x01, 0x03, 0x01, 0x01, 0x00,
		0x09, 0x21, 0x11, 0x01, 0x00, 0x01, 0x22, 0x3f, 0x00,
		0x07, 0x05, 0x81, 0x03, 0x08, 0x00, 0x0a,
	}
}

func testController(t *testing.T) (*Controller, *sim) {
	t.Helper()

	s := newSim()
	t.Cleanup(s.close)

	s.deviceDesc = testDeviceDescriptor()
	s.configDesc = testConfigDescriptor()

	hc := &Controller{
		Base:   s.base,
		Memory: testMemory(1 << 20),
	}

	return hc, s
}

func TestInit(t *testing.T) {
	hc, _ := testController(t)

	require.NoError(t, hc.Init())

	assert.Equal(t, Running, hc.CurrentState())
	assert.Equal(t, simSlots, hc.numSlots)
	assert.Equal(t, simPorts, hc.Ports())
	assert.Equal(t, uint16(0x0110), hc.hciVersion)

	// run/interrupt enable set, controller out of halt
	usbcmd := reg.Read32(hc.op + XHCI_USBCMD)
	assert.NotZero(t, usbcmd&(1<<USBCMD_RS))
	assert.NotZero(t, usbcmd&(1<<USBCMD_INTE))
	assert.Zero(t, reg.Read32(hc.op+XHCI_USBSTS)&(1<<USBSTS_HCH))

	// command ring installed with both cycle state views set, not yet
	// running
	crcr := reg.Read64(hc.op + XHCI_CRCR)
	assert.NotZero(t, crcr&(1<<CRCR_RCS))
	assert.NotZero(t, crcr&(1<<CRCR_CSS))
	assert.Zero(t, crcr&(1<<CRCR_CRR))
	assert.Equal(t, hc.cmd.Base(), crcr&^uint64(0x3f))

	// interrupter 0 enabled and moderated
	assert.NotZero(t, reg.Read32(hc.irs+XHCI_IMAN)&(1<<IMAN_IE))
	assert.Equal(t, uint32(imodInterval), reg.Read32(hc.irs+XHCI_IMOD))

	// DCBAAP points at the 64-byte aligned array
	dcbaap := reg.Read64(hc.op + XHCI_DCBAAP)
	assert.Equal(t, hc.dcbaa, dcbaap)
	assert.Zero(t, dcbaap&0x3f)
}

func TestInitRejectsShortCapLength(t *testing.T) {
	s := newSim()
	t.Cleanup(s.close)

	reg.Write32(s.base+XHCI_CAPLENGTH, 0x10)

	hc := &Controller{
		Base:   s.base,
		Memory: testMemory(1 << 20),
	}

	assert.Error(t, hc.Init())
	assert.Equal(t, Unconfigured, hc.CurrentState())
}

func TestNoOpCommand(t *testing.T) {
	hc, _ := testController(t)

	require.NoError(t, hc.Init())
	assert.NoError(t, hc.NoOp())
}

func TestCommandRingCycleStateConstant(t *testing.T) {
	hc, _ := testController(t)

	require.NoError(t, hc.Init())

	initial := hc.cmd.CycleState()

	for i := 0; i < 8; i++ {
		require.NoError(t, hc.NoOp())
	}

	assert.Equal(t, initial, hc.cmd.CycleState())
	assert.Equal(t, uint32(1), hc.cmd.CycleState())
}

func TestAssignAddress(t *testing.T) {
	hc, _ := testController(t)

	require.NoError(t, hc.Init())

	dev := &usb.Device{
		Port:       1,
		Speed:      usb.HighSpeed,
		Controller: hc,
	}

	require.NoError(t, hc.AssignAddress(dev))
	assert.Equal(t, uint8(1), dev.Slot)

	s := hc.slots[dev.Slot]
	require.NotNil(t, s)

	// endpoint zero's ring exists and the slot's device context is
	// installed, 64-byte aligned, before any transfer
	require.NotNil(t, s.rings[1])
	assert.NotZero(t, s.outputCtx)
	assert.Zero(t, s.outputCtx&0x3f)
	assert.Equal(t, s.outputCtx, read64at(hc.dcbaa+uint64(dev.Slot)*8))

	// the input context names the port speed and endpoint zero's ring
	assert.Equal(t, uint8(usb.HighSpeed), s.inputCtx.SlotSpeed())
	assert.Equal(t, uint16(64), s.inputCtx.EndpointMaxPacket(1))
	assert.Equal(t, s.rings[1].Base(), s.inputCtx.EndpointDequeue(1))
	assert.Equal(t, uint32(AddFlagSlot|AddFlagEP(1)), s.inputCtx.AddFlags())
}

func TestControlTransfer(t *testing.T) {
	hc, _ := testController(t)

	require.NoError(t, hc.Init())

	dev := &usb.Device{
		Port:       1,
		Speed:      usb.HighSpeed,
		Controller: hc,
	}

	require.NoError(t, hc.AssignAddress(dev))

	buf := make([]byte, 18)

	n, err := dev.GetDescriptor(1, 0, 0, buf)
	require.NoError(t, err)

	assert.Equal(t, 18, n)
	assert.Equal(t, testDeviceDescriptor(), buf)

	// exactly three TRBs in order: Setup, Data IN, Status OUT
	ring := hc.slots[dev.Slot].rings[1]

	setup := ring.read(0)
	assert.Equal(t, TRB_SETUP_STAGE, setup.Type())
	assert.NotZero(t, setup.Control&(1<<TRB_IDT))
	assert.Equal(t, uint32(TRT_IN_DATA), setup.Control>>TRB_TRT&0x3)

	data := ring.read(1)
	assert.Equal(t, TRB_DATA_STAGE, data.Type())
	assert.NotZero(t, data.Control&(1<<TRB_DIR))
	assert.Equal(t, uint32(18), data.Status&0xffffff)

	status := ring.read(2)
	assert.Equal(t, TRB_STATUS_STAGE, status.Type())
	assert.Zero(t, status.Control&(1<<TRB_DIR))

	assert.Equal(t, TRB{}, ring.read(3))
}

func TestControlTransferNoData(t *testing.T) {
	hc, _ := testController(t)

	require.NoError(t, hc.Init())

	dev := &usb.Device{
		Port:       1,
		Speed:      usb.FullSpeed,
		Controller: hc,
	}

	require.NoError(t, hc.AssignAddress(dev))
	require.NoError(t, dev.SetConfiguration(1))

	ring := hc.slots[dev.Slot].rings[1]

	setup := ring.read(0)
	assert.Equal(t, uint32(TRT_NO_DATA), setup.Control>>TRB_TRT&0x3)

	// no data stage: the status stage follows the setup directly, IN
	status := ring.read(1)
	assert.Equal(t, TRB_STATUS_STAGE, status.Type())
	assert.NotZero(t, status.Control&(1<<TRB_DIR))
}

func TestTransferRingCycleBits(t *testing.T) {
	hc, _ := testController(t)

	require.NoError(t, hc.Init())

	dev := &usb.Device{
		Port:       1,
		Speed:      usb.HighSpeed,
		Controller: hc,
	}

	require.NoError(t, hc.AssignAddress(dev))

	buf := make([]byte, 18)
	_, err := dev.GetDescriptor(1, 0, 0, buf)
	require.NoError(t, err)

	ring := hc.slots[dev.Slot].rings[1]

	// every software-written TRB carries the ring cycle state of the
	// moment it was enqueued
	for i := 0; i < 3; i++ {
		assert.Equal(t, ring.CycleState(), ring.read(i).Cycle())
	}

	// the trailing Link TRB is never overwritten and keeps toggle
	// cycle with the starting cycle state
	link := ring.read(RingSize - 1)
	assert.Equal(t, TRB_LINK, link.Type())
	assert.NotZero(t, link.Control&(1<<TRB_TC))
	assert.Equal(t, uint32(1), link.Cycle())
	assert.Equal(t, ring.Base(), link.Parameter)
}

func TestEventRingDequeueDiscipline(t *testing.T) {
	hc, _ := testController(t)

	require.NoError(t, hc.Init())

	// several commands produce several events; after every drain the
	// dequeue pointer register tracks the ring position with the busy
	// bit clear
	for i := 0; i < 5; i++ {
		require.NoError(t, hc.NoOp())

		erdp := reg.Read64(hc.irs + XHCI_ERDP)
		assert.Equal(t, hc.events.dequeueAddr(), erdp&^uint64(0xf))
		assert.Zero(t, erdp&(1<<ERDP_EHB))
	}
}

func TestConfigureEndpointsAndInterruptTransfer(t *testing.T) {
	hc, s := testController(t)

	require.NoError(t, hc.Init())

	dev := &usb.Device{
		Port:       1,
		Speed:      usb.FullSpeed,
		Controller: hc,
	}

	require.NoError(t, hc.AssignAddress(dev))

	ep := &usb.Endpoint{
		Address:       0x81,
		Type:          usb.Interrupt,
		MaxPacketSize: 8,
		Interval:      10,
	}

	dev.AddEndpoint(ep)

	require.NoError(t, hc.ConfigureEndpoints(dev))

	// endpoint 1 IN lives at device context index 3
	require.NotNil(t, hc.slots[dev.Slot].rings[3])

	s.report = []byte{0x00, 0x00, 0x04, 0x00, 0x00, 0x00, 0x00, 0x00}

	buf := make([]byte, 8)

	n, err := dev.Interrupt(ep, buf)
	require.NoError(t, err)

	assert.Equal(t, 8, n)
	assert.Equal(t, s.report, buf)
}

func TestScanPortsEnumerates(t *testing.T) {
	hc, s := testController(t)

	require.NoError(t, hc.Init())

	s.connect(1, uint32(usb.HighSpeed))

	stack := usb.New()
	hc.ScanPorts(stack)

	devices := stack.Devices()
	require.Len(t, devices, 1)

	dev := devices[0]
	assert.Equal(t, usb.Configured, dev.State)
	assert.Equal(t, uint16(0x0781), dev.VendorID)
	assert.Equal(t, 1, dev.Port)
	assert.Equal(t, uint8(1), dev.Slot)
	require.Len(t, dev.Endpoints, 1)
}

func TestResetPortNoDevice(t *testing.T) {
	hc, _ := testController(t)

	require.NoError(t, hc.Init())

	assert.Error(t, hc.ResetPort(2))
	assert.False(t, hc.Connected(2))
}
