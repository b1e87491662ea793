// xHCI host controller driver
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package xhci

import (
	"fmt"

	"github.com/core-kernel/corekernel/internal/reg"
	"github.com/core-kernel/corekernel/kernerr"
	"github.com/core-kernel/corekernel/klog"
	"github.com/core-kernel/corekernel/usb"
)

// portsc returns the address of a root hub port's status and control
// register (1-based port numbering).
func (hc *Controller) portsc(port int) uint64 {
	return hc.op + XHCI_PORTSC + uint64(port-1)*0x10
}

// Connected reports whether a device is present on a root hub port.
func (hc *Controller) Connected(port int) bool {
	if port < 1 || port > hc.numPorts {
		return false
	}

	return reg.Get32(hc.portsc(port), PORTSC_CCS, 1) == 1
}

// PortSpeed returns the protocol speed of the device on a port.
func (hc *Controller) PortSpeed(port int) usb.Speed {
	return usb.Speed(reg.Get32(hc.portsc(port), PORTSC_SPEED, 0xf))
}

// ResetPort resets a root hub port and waits for the reset to complete,
// leaving the port enabled when a device is present.
func (hc *Controller) ResetPort(port int) error {
	if port < 1 || port > hc.numPorts {
		return kernerr.ErrInvalidArgument
	}

	addr := hc.portsc(port)

	if reg.Get32(addr, PORTSC_CCS, 1) == 0 {
		return fmt.Errorf("%w: no device on port %d", kernerr.ErrInvalidArgument, port)
	}

	reg.Set32(addr, PORTSC_PR)
	reg.Fence()

	if !waitBit(addr, PORTSC_PR, 0, resetTimeout) {
		return fmt.Errorf("%w: port %d reset", kernerr.ErrTimeout, port)
	}

	// acknowledge the reset change
	reg.Set32(addr, PORTSC_PRC)

	if reg.Get32(addr, PORTSC_PED, 1) == 0 {
		return fmt.Errorf("%w: port %d not enabled after reset", kernerr.ErrDeviceError, port)
	}

	return nil
}

// ScanPorts walks every root hub port, resetting and enumerating each
// connected device through the host stack. A failure on one port
// unwinds that device only.
func (hc *Controller) ScanPorts(stack *usb.Stack) {
	for port := 1; port <= hc.numPorts; port++ {
		if !hc.Connected(port) {
			continue
		}

		if err := hc.ResetPort(port); err != nil {
			klog.Default.Warnf("xhci: %v", err)
			continue
		}

		dev := &usb.Device{
			Port:       port,
			Speed:      hc.PortSpeed(port),
			Controller: hc,
		}

		if err := stack.Enumerate(dev); err != nil {
			continue
		}

		klog.Default.Infof("xhci: port %d: %04x:%04x enumerated (slot %d, %s speed)",
			port, dev.VendorID, dev.ProductID, dev.Slot, dev.Speed)
	}
}
