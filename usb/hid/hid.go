// USB HID class driver
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package hid implements a USB HID class driver for boot protocol
// keyboards and mice, adopting the following specification:
//   - HID1.11 - Device Class Definition for HID 1.11
//
// Bound devices are switched to the boot protocol and polled through
// interrupt transfers; decoded reports are raised as events on the
// kernel input queue.
package hid

import (
	"fmt"
	"sync"

	"github.com/core-kernel/corekernel/input"
	"github.com/core-kernel/corekernel/kernerr"
	"github.com/core-kernel/corekernel/klog"
	"github.com/core-kernel/corekernel/usb"
)

// HID subclass and protocol codes (p9, 4.2/4.3, HID1.11)
const (
	SubclassBoot     = 1
	ProtocolKeyboard = 1
	ProtocolMouse    = 2
)

// SET_PROTOCOL values (p54, 7.2.6, HID1.11)
const (
	BootProtocol   = 0
	ReportProtocol = 1
)

// poller decodes one device's pending report into input events.
type poller interface {
	poll()
}

// Driver is the HID class driver; one instance serves every HID device
// bound through the host stack's driver table.
type Driver struct {
	// Queue is the input event queue decoded reports are raised on.
	Queue *input.Queue

	mu      sync.Mutex
	devices map[*usb.Device]poller
}

// New returns a HID driver raising events on the given queue.
func New(queue *input.Queue) *Driver {
	return &Driver{
		Queue:   queue,
		devices: make(map[*usb.Device]poller),
	}
}

// Name identifies the driver.
func (d *Driver) Name() string {
	return "hid"
}

// bootInterface returns the device's HID interface, preferring a strict
// boot subclass/protocol match and falling back to any HID interface
// whose subclass and protocol fields are zero.
func bootInterface(dev *usb.Device) *usb.InterfaceDescriptor {
	if dev.Config == nil {
		return nil
	}

	for _, iface := range dev.Config.Interfaces {
		if iface.InterfaceClass != usb.CLASS_HID {
			continue
		}

		if iface.InterfaceSubClass == SubclassBoot &&
			(iface.InterfaceProtocol == ProtocolKeyboard || iface.InterfaceProtocol == ProtocolMouse) {
			return iface
		}
	}

	for _, iface := range dev.Config.Interfaces {
		if iface.InterfaceClass == usb.CLASS_HID &&
			iface.InterfaceSubClass == 0 && iface.InterfaceProtocol == 0 {
			return iface
		}
	}

	return nil
}

// Probe accepts HID class devices exposing a boot keyboard or mouse
// interface, or any HID interface whose subclass and protocol fields are
// zero as a flexible fallback.
func (d *Driver) Probe(dev *usb.Device) error {
	if dev.Class == usb.CLASS_HID {
		if dev.SubClass == SubclassBoot &&
			(dev.Protocol == ProtocolKeyboard || dev.Protocol == ProtocolMouse) {
			return nil
		}

		if dev.SubClass == 0 && dev.Protocol == 0 {
			return nil
		}
	}

	if bootInterface(dev) != nil {
		return nil
	}

	return kernerr.ErrUnsupported
}

// setIdle issues SET_IDLE(0) so the device reports only on change or
// indefinitely on poll.
func setIdle(dev *usb.Device, iface uint8) error {
	setup := &usb.SetupData{
		RequestType: usb.REQUEST_DIR_OUT | usb.REQUEST_TYPE_CLASS | usb.REQUEST_RECIPIENT_INTERFACE,
		Request:     usb.SET_IDLE,
		Index:       uint16(iface),
	}

	_, err := dev.Control(setup, nil)

	return err
}

// setProtocol selects the boot or report protocol.
func setProtocol(dev *usb.Device, iface uint8, protocol uint16) error {
	setup := &usb.SetupData{
		RequestType: usb.REQUEST_DIR_OUT | usb.REQUEST_TYPE_CLASS | usb.REQUEST_RECIPIENT_INTERFACE,
		Request:     usb.SET_PROTOCOL,
		Value:       protocol,
		Index:       uint16(iface),
	}

	_, err := dev.Control(setup, nil)

	return err
}

// Init binds a keyboard or mouse handler to the device: it selects the
// interrupt IN endpoint, puts the interface into the boot protocol and
// initializes the last-report state release detection runs against.
func (d *Driver) Init(dev *usb.Device) error {
	ep := dev.InterruptIn()

	if ep == nil {
		return fmt.Errorf("%w: no interrupt IN endpoint", kernerr.ErrUnsupported)
	}

	var ifaceNum uint8
	protocol := dev.Protocol

	if iface := bootInterface(dev); iface != nil {
		ifaceNum = iface.InterfaceNumber
		protocol = iface.InterfaceProtocol
	}

	if err := setIdle(dev, ifaceNum); err != nil {
		klog.Default.Warnf("hid: SET_IDLE failed for %04x:%04x, %v", dev.VendorID, dev.ProductID, err)
	}

	if err := setProtocol(dev, ifaceNum, BootProtocol); err != nil {
		return fmt.Errorf("SET_PROTOCOL: %w", err)
	}

	var p poller

	switch protocol {
	case ProtocolMouse:
		p = newMouse(dev, ep, d.Queue)
		klog.Default.Infof("hid: boot mouse %04x:%04x", dev.VendorID, dev.ProductID)
	default:
		p = newKeyboard(dev, ep, d.Queue)
		klog.Default.Infof("hid: boot keyboard %04x:%04x", dev.VendorID, dev.ProductID)
	}

	d.mu.Lock()
	d.devices[dev] = p
	d.mu.Unlock()

	return nil
}

// Remove detaches the device's handler.
func (d *Driver) Remove(dev *usb.Device) {
	d.mu.Lock()
	defer d.mu.Unlock()

	delete(d.devices, dev)
}

// Poll submits one interrupt transfer per bound device, decoding any
// completed report into input events. Transfer errors are dropped; the
// next tick retries.
func (d *Driver) Poll() {
	d.mu.Lock()
	pollers := make([]poller, 0, len(d.devices))

	for _, p := range d.devices {
		pollers = append(pollers, p)
	}
	d.mu.Unlock()

	for _, p := range pollers {
		p.poll()
	}
}
