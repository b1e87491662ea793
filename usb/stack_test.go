package usb

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/core-kernel/corekernel/kernerr"
)

// mockController answers control transfers from canned descriptors, the
// way a simulated device would.
type mockController struct {
	device []byte
	config []byte

	addressed uint8
	configured uint8
}

func (m *mockController) Init() error            { return nil }
func (m *mockController) Reset() error           { return nil }
func (m *mockController) ResetPort(int) error    { return nil }
func (m *mockController) TransferBulk(*Transfer) error  { return kernerr.ErrUnsupported }
func (m *mockController) TransferIsoch(*Transfer) error { return kernerr.ErrUnsupported }
func (m *mockController) TransferInterrupt(*Transfer) error {
	return kernerr.ErrUnsupported
}
func (m *mockController) Poll() error { return nil }
func (m *mockController) Cleanup()    {}

func (m *mockController) TransferControl(xfer *Transfer) error {
	setup := xfer.Setup

	switch setup.Request {
	case SET_ADDRESS:
		m.addressed = uint8(setup.Value)
	case SET_CONFIGURATION:
		m.configured = uint8(setup.Value)
	case GET_DESCRIPTOR:
		var src []byte

		switch uint8(setup.Value >> 8) {
		case DEVICE:
			src = m.device
		case CONFIGURATION:
			src = m.config
		default:
			xfer.Status = TransferError
			return nil
		}

		n := copy(xfer.Data, src)
		xfer.ActualLength = n
	}

	xfer.Status = TransferSuccess

	return nil
}

func mockDeviceDescriptor() []byte {
	return []byte{
		18, DEVICE, 0x00, 0x02,
		0x00, 0x00, 0x00, 0x40,
		0x81, 0x07, 0x5e, 0x00,
		0x00, 0x01,
		0x01, 0x02, 0x03, 0x01,
	}
}

type recordingDriver struct {
	name    string
	match   uint8
	probed  int
	inited  int
	removed int
}

func (d *recordingDriver) Name() string { return d.name }

func (d *recordingDriver) Probe(dev *Device) error {
	d.probed++

	if dev.Config != nil && len(dev.Config.Interfaces) > 0 &&
		dev.Config.Interfaces[0].InterfaceClass == d.match {
		return nil
	}

	return errors.New("no match")
}

func (d *recordingDriver) Init(*Device) error { d.inited++; return nil }
func (d *recordingDriver) Remove(*Device)     { d.removed++ }

func TestEnumerateBindsFirstMatchingDriver(t *testing.T) {
	s := New()

	hub := &recordingDriver{name: "hub", match: CLASS_HUB}
	hid := &recordingDriver{name: "hid", match: CLASS_HID}

	require.NoError(t, s.RegisterDriver(hub))
	require.NoError(t, s.RegisterDriver(hid))

	hc := &mockController{
		device: mockDeviceDescriptor(),
		config: bootKeyboardConfig(),
	}

	dev := &Device{
		Port:       1,
		Speed:      FullSpeed,
		Controller: hc,
	}

	require.NoError(t, s.Enumerate(dev))

	assert.Equal(t, Configured, dev.State)
	assert.Equal(t, uint16(0x0781), dev.VendorID)
	assert.Equal(t, uint8(64), dev.MaxPacketSize0)
	assert.NotZero(t, hc.addressed)
	assert.Equal(t, uint8(1), hc.configured)

	require.Len(t, dev.Endpoints, 1)
	assert.Equal(t, Interrupt, dev.Endpoints[0].Type)

	assert.Equal(t, 1, hub.probed)
	assert.Zero(t, hub.inited)
	assert.Equal(t, 1, hid.inited)
	require.NotNil(t, dev.Driver)
	assert.Equal(t, "hid", dev.Driver.Name())

	require.Len(t, s.Devices(), 1)
}

func TestDriverTableBounded(t *testing.T) {
	s := New()

	for i := 0; i < MaxDrivers; i++ {
		require.NoError(t, s.RegisterDriver(&recordingDriver{name: "d"}))
	}

	assert.ErrorIs(t, s.RegisterDriver(&recordingDriver{name: "overflow"}), kernerr.ErrOutOfMemory)
}

func TestAllocateAddressWraps(t *testing.T) {
	s := New()

	first := s.AllocateAddress()
	assert.Equal(t, uint8(1), first)

	var last uint8

	for i := 0; i < MaxDeviceAddress; i++ {
		last = s.AllocateAddress()
	}

	// After 127 further allocations the counter has wrapped past 127
	// back to 1, never returning 0.
	assert.Equal(t, uint8(1), last)
}

func TestRemoveDeviceDetachesDriver(t *testing.T) {
	s := New()

	drv := &recordingDriver{name: "hid", match: CLASS_HID}
	dev := &Device{Driver: drv, State: Configured}

	s.AddDevice(dev)
	s.RemoveDevice(dev)

	assert.Equal(t, 1, drv.removed)
	assert.Equal(t, Disconnected, dev.State)
	assert.Empty(t, s.Devices())
}
