package hub

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/core-kernel/corekernel/usb"
)

// hubController emulates a hub with one connected child device behind
// port 1.
type hubController struct {
	hub *usb.Device

	resetIssued  bool
	resetCleared bool
}

func (m *hubController) Init() error                        { return nil }
func (m *hubController) Reset() error                       { return nil }
func (m *hubController) ResetPort(int) error                { return nil }
func (m *hubController) TransferInterrupt(*usb.Transfer) error { return nil }
func (m *hubController) TransferBulk(*usb.Transfer) error      { return nil }
func (m *hubController) TransferIsoch(*usb.Transfer) error     { return nil }
func (m *hubController) Poll() error                        { return nil }
func (m *hubController) Cleanup()                           {}

func (m *hubController) TransferControl(xfer *usb.Transfer) error {
	setup := xfer.Setup
	xfer.Status = usb.TransferSuccess

	if xfer.Device == m.hub {
		return m.hubRequest(xfer, setup)
	}

	return m.childRequest(xfer, setup)
}

func (m *hubController) hubRequest(xfer *usb.Transfer, setup *usb.SetupData) error {
	switch {
	case setup.Request == GET_DESCRIPTOR && setup.RequestType&usb.REQUEST_TYPE_CLASS != 0:
		// hub descriptor: 2 ports
		copy(xfer.Data, []byte{9, usb.HUB, 2, 0x00, 0x00, 50, 100, 0x00, 0xff})
		xfer.ActualLength = len(xfer.Data)
	case setup.Request == GET_STATUS && setup.RequestType&usb.REQUEST_RECIPIENT_OTHER != 0:
		var status uint16

		if setup.Index == 1 {
			status = STATUS_CONNECTION | STATUS_ENABLE

			if m.resetIssued && !m.resetCleared {
				// reset completes on the first poll after the request
				m.resetCleared = true
			}
		}

		binary.LittleEndian.PutUint16(xfer.Data[0:], status)
		binary.LittleEndian.PutUint16(xfer.Data[2:], 0)
		xfer.ActualLength = 4
	case setup.Request == SET_FEATURE && setup.Value == PORT_RESET:
		m.resetIssued = true
	}

	return nil
}

func (m *hubController) childRequest(xfer *usb.Transfer, setup *usb.SetupData) error {
	if setup.Request != usb.GET_DESCRIPTOR {
		return nil
	}

	var src []byte

	switch uint8(setup.Value >> 8) {
	case usb.DEVICE:
		src = []byte{
			18, usb.DEVICE, 0x00, 0x02,
			0xff, 0x00, 0x00, 0x40,
			0x34, 0x12, 0x78, 0x56,
			0x00, 0x01,
			0x00, 0x00, 0x00, 0x01,
		}
	case usb.CONFIGURATION:
		src = []byte{
			0x09, usb.CONFIGURATION, 0x12, 0x00, 0x01, 0x01, 0x00, 0xa0, 0x32,
			0x09, usb.INTERFACE, 0x00, 0x00, 0x00, 0xff, 0x00, 0x00, 0x00,
		}
	}

	xfer.ActualLength = copy(xfer.Data, src)

	return nil
}

func TestHubScanEnumeratesChild(t *testing.T) {
	stack := usb.New()

	hc := &hubController{}

	hub := &usb.Device{
		Port:       1,
		Speed:      usb.HighSpeed,
		Class:      usb.CLASS_HUB,
		Controller: hc,
	}
	hc.hub = hub

	drv := New(stack)
	require.NoError(t, stack.RegisterDriver(drv))

	require.NoError(t, drv.Probe(hub))
	require.NoError(t, drv.Init(hub))

	assert.True(t, hc.resetIssued)

	devices := stack.Devices()
	require.Len(t, devices, 1)

	child := devices[0]
	assert.Equal(t, uint16(0x1234), child.VendorID)
	assert.Equal(t, uint16(0x5678), child.ProductID)
	assert.Equal(t, 1, child.Port)
	assert.Equal(t, hub, child.Parent)
	assert.Equal(t, usb.FullSpeed, child.Speed)
	assert.Equal(t, usb.Configured, child.State)
}

func TestProbeRejectsNonHub(t *testing.T) {
	drv := New(usb.New())

	dev := &usb.Device{Class: usb.CLASS_HID}
	assert.Error(t, drv.Probe(dev))
}
