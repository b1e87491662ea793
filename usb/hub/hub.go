// USB hub class driver
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package hub implements a USB hub class driver adopting the following
// specifications:
//   - USB2.0 - USB Specification Revision 2.0 - Chapter 11
//
// Devices attached behind a hub are discovered by scanning its ports
// with class requests and handed to the host stack's enumeration path,
// which recurses naturally through nested hubs.
package hub

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/core-kernel/corekernel/kernerr"
	"github.com/core-kernel/corekernel/klog"
	"github.com/core-kernel/corekernel/usb"
)

// Hub class request codes (p421, Table 11-16, USB2.0)
const (
	GET_STATUS     = 0
	CLEAR_FEATURE  = 1
	SET_FEATURE    = 3
	GET_DESCRIPTOR = 6
)

// Hub class feature selectors (p421, Table 11-17, USB2.0)
const (
	PORT_CONNECTION   = 0
	PORT_ENABLE       = 1
	PORT_RESET        = 4
	PORT_POWER        = 8
	C_PORT_CONNECTION = 16
	C_PORT_RESET      = 20
)

// wPortStatus bits (p427, Table 11-21, USB2.0)
const (
	STATUS_CONNECTION = 1 << 0
	STATUS_ENABLE     = 1 << 1
	STATUS_RESET      = 1 << 4
	STATUS_LOW_SPEED  = 1 << 9
	STATUS_HIGH_SPEED = 1 << 10
)

// resetPolls bounds the port reset completion wait.
const resetPolls = 1000

// state is the per-hub bookkeeping of a bound device.
type state struct {
	dev      *usb.Device
	numPorts int
}

// Driver is the hub class driver; one instance serves every hub bound
// through the host stack's driver table.
type Driver struct {
	// Stack is the host stack child devices are enumerated through.
	Stack *usb.Stack

	mu   sync.Mutex
	hubs map[*usb.Device]*state
}

// New returns a hub driver bound to the given host stack.
func New(stack *usb.Stack) *Driver {
	return &Driver{
		Stack: stack,
		hubs:  make(map[*usb.Device]*state),
	}
}

// Name identifies the driver.
func (d *Driver) Name() string {
	return "hub"
}

// Probe accepts hub class devices.
func (d *Driver) Probe(dev *usb.Device) error {
	if dev.Class == usb.CLASS_HUB {
		return nil
	}

	if dev.Config != nil {
		for _, iface := range dev.Config.Interfaces {
			if iface.InterfaceClass == usb.CLASS_HUB {
				return nil
			}
		}
	}

	return kernerr.ErrUnsupported
}

// Init fetches the hub class descriptor to learn the port count, then
// scans every port for attached devices.
func (d *Driver) Init(dev *usb.Device) error {
	buf := make([]byte, 9)

	setup := &usb.SetupData{
		RequestType: usb.REQUEST_DIR_IN | usb.REQUEST_TYPE_CLASS | usb.REQUEST_RECIPIENT_DEVICE,
		Request:     GET_DESCRIPTOR,
		Value:       uint16(usb.HUB) << 8,
		Length:      uint16(len(buf)),
	}

	n, err := dev.Control(setup, buf)
	if err != nil {
		return fmt.Errorf("hub descriptor: %w", err)
	}

	if n < 3 {
		return fmt.Errorf("%w: short hub descriptor (%d bytes)", kernerr.ErrProtocolError, n)
	}

	s := &state{
		dev:      dev,
		numPorts: int(buf[2]),
	}

	d.mu.Lock()
	d.hubs[dev] = s
	d.mu.Unlock()

	klog.Default.Infof("hub: %04x:%04x with %d ports", dev.VendorID, dev.ProductID, s.numPorts)

	d.scanPorts(s)

	return nil
}

// Remove drops the hub's bookkeeping.
func (d *Driver) Remove(dev *usb.Device) {
	d.mu.Lock()
	defer d.mu.Unlock()

	delete(d.hubs, dev)
}

// portStatus issues GET_STATUS for a port, returning wPortStatus and
// wPortChange.
func (d *Driver) portStatus(dev *usb.Device, port int) (status uint16, change uint16, err error) {
	buf := make([]byte, 4)

	setup := &usb.SetupData{
		RequestType: usb.REQUEST_DIR_IN | usb.REQUEST_TYPE_CLASS | usb.REQUEST_RECIPIENT_OTHER,
		Request:     GET_STATUS,
		Index:       uint16(port),
		Length:      4,
	}

	if _, err = dev.Control(setup, buf); err != nil {
		return
	}

	status = binary.LittleEndian.Uint16(buf[0:])
	change = binary.LittleEndian.Uint16(buf[2:])

	return
}

// portFeature issues SET_FEATURE or CLEAR_FEATURE for a port.
func (d *Driver) portFeature(dev *usb.Device, request uint8, feature uint16, port int) error {
	setup := &usb.SetupData{
		RequestType: usb.REQUEST_DIR_OUT | usb.REQUEST_TYPE_CLASS | usb.REQUEST_RECIPIENT_OTHER,
		Request:     request,
		Value:       feature,
		Index:       uint16(port),
	}

	_, err := dev.Control(setup, nil)

	return err
}

// resetPort resets a hub port and waits for the reset to complete.
func (d *Driver) resetPort(dev *usb.Device, port int) error {
	if err := d.portFeature(dev, SET_FEATURE, PORT_RESET, port); err != nil {
		return fmt.Errorf("port %d reset: %w", port, err)
	}

	for i := 0; i < resetPolls; i++ {
		status, _, err := d.portStatus(dev, port)
		if err != nil {
			return err
		}

		if status&STATUS_RESET == 0 {
			return d.portFeature(dev, CLEAR_FEATURE, C_PORT_RESET, port)
		}
	}

	return fmt.Errorf("%w: port %d reset", kernerr.ErrTimeout, port)
}

// portSpeed maps wPortStatus speed bits to the core's speed values.
func portSpeed(status uint16) usb.Speed {
	switch {
	case status&STATUS_LOW_SPEED != 0:
		return usb.LowSpeed
	case status&STATUS_HIGH_SPEED != 0:
		return usb.HighSpeed
	default:
		return usb.FullSpeed
	}
}

// scanPorts walks the hub's ports, resetting and enumerating every
// connected device. A failure on one port unwinds that device only.
func (d *Driver) scanPorts(s *state) {
	for port := 1; port <= s.numPorts; port++ {
		status, _, err := d.portStatus(s.dev, port)
		if err != nil {
			klog.Default.Warnf("hub: port %d status, %v", port, err)
			continue
		}

		if status&STATUS_CONNECTION == 0 {
			continue
		}

		if err = d.resetPort(s.dev, port); err != nil {
			klog.Default.Warnf("hub: %v", err)
			continue
		}

		if status, _, err = d.portStatus(s.dev, port); err != nil {
			continue
		}

		if status&STATUS_ENABLE == 0 {
			klog.Default.Warnf("hub: port %d not enabled after reset", port)
			continue
		}

		child := &usb.Device{
			Port:       port,
			Speed:      portSpeed(status),
			Parent:     s.dev,
			Controller: s.dev.Controller,
		}

		if err = d.Stack.Enumerate(child); err != nil {
			continue
		}

		klog.Default.Infof("hub: port %d: %04x:%04x enumerated", port, child.VendorID, child.ProductID)
	}
}
