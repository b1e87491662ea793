// USB host stack
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package usb implements the host-side core of the kernel's USB stack:
// the attached-device tree, class-driver registration and binding, and
// the transfer objects submitted to host controllers, adopting the
// following specifications:
//   - USB2.0 - USB Specification Revision 2.0
//   - USB3.2 - USB 3.2 Specification Revision 1.1
package usb

import (
	"fmt"
	"sync"

	"github.com/core-kernel/corekernel/kernerr"
	"github.com/core-kernel/corekernel/klog"
)

// MaxDrivers bounds the class-driver registration table.
const MaxDrivers = 16

// MaxDeviceAddress is the highest assignable USB device address.
const MaxDeviceAddress = 127

// HostController is the operation set every host controller
// implementation exports to the core.
type HostController interface {
	// Init brings the controller up; a failed Init must leave no
	// half-initialized controller behind.
	Init() error
	// Reset returns the controller to its halted, post-reset state.
	Reset() error
	// ResetPort resets the given root-hub port (1-based).
	ResetPort(port int) error

	TransferControl(xfer *Transfer) error
	TransferInterrupt(xfer *Transfer) error
	TransferBulk(xfer *Transfer) error
	TransferIsoch(xfer *Transfer) error

	// Poll drains controller completion events.
	Poll() error
	// Cleanup releases all controller resources.
	Cleanup()
}

// Addresser is implemented by controllers that assign device addresses
// through controller commands instead of a SET_ADDRESS request (xHCI
// slots); the core prefers it over the default addressing path when
// present.
type Addresser interface {
	AssignAddress(dev *Device) error
}

// Configurer is implemented by controllers that must be told about a
// device's non-control endpoints after SET_CONFIGURATION (xHCI endpoint
// contexts).
type Configurer interface {
	ConfigureEndpoints(dev *Device) error
}

// Unwinder is implemented by controllers that hold per-device resources
// (slots, rings, contexts) to release when enumeration of a single
// device fails or the device goes away.
type Unwinder interface {
	ReleaseDevice(dev *Device)
}

// Driver is a USB class driver.
type Driver interface {
	// Name identifies the driver in logs.
	Name() string
	// Probe reports nil if the driver can serve the device.
	Probe(dev *Device) error
	// Init binds the driver to the device.
	Init(dev *Device) error
	// Remove detaches the driver from the device.
	Remove(dev *Device)
}

// Stack is the USB core instance: the registered host controllers, the
// attached-device list and the class-driver table.
type Stack struct {
	mu sync.Mutex

	controllers []HostController
	devices     []*Device

	drivers    [MaxDrivers]Driver
	numDrivers int

	// nextAddress implements the monotone device-address counter,
	// wrapping at MaxDeviceAddress.
	nextAddress uint8
}

// New returns an empty USB stack.
func New() *Stack {
	return &Stack{}
}

// RegisterController adds a host controller to the stack and initializes
// it.
func (s *Stack) RegisterController(hc HostController) error {
	if err := hc.Init(); err != nil {
		return fmt.Errorf("usb: controller init: %w", err)
	}

	s.mu.Lock()
	s.controllers = append(s.controllers, hc)
	s.mu.Unlock()

	return nil
}

// Controllers returns the registered host controllers.
func (s *Stack) Controllers() []HostController {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]HostController(nil), s.controllers...)
}

// RegisterDriver adds a class driver to the bounded driver table.
func (s *Stack) RegisterDriver(drv Driver) error {
	if drv == nil {
		return kernerr.ErrInvalidArgument
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.numDrivers == MaxDrivers {
		return fmt.Errorf("%w: driver table full", kernerr.ErrOutOfMemory)
	}

	s.drivers[s.numDrivers] = drv
	s.numDrivers++

	return nil
}

// BindDriver walks the driver table, calling Probe then Init on the
// first driver that accepts the device.
func (s *Stack) BindDriver(dev *Device) error {
	s.mu.Lock()
	drivers := s.drivers
	n := s.numDrivers
	s.mu.Unlock()

	for i := 0; i < n; i++ {
		drv := drivers[i]

		if err := drv.Probe(dev); err != nil {
			continue
		}

		if err := drv.Init(dev); err != nil {
			klog.Default.Warnf("usb: driver %s init failed for %04x:%04x, %v",
				drv.Name(), dev.VendorID, dev.ProductID, err)
			continue
		}

		dev.Driver = drv
		klog.Default.Infof("usb: bound %s to %04x:%04x", drv.Name(), dev.VendorID, dev.ProductID)

		return nil
	}

	return fmt.Errorf("%w: no driver for device %04x:%04x class %02x",
		kernerr.ErrUnsupported, dev.VendorID, dev.ProductID, dev.Class)
}

// AllocateAddress returns the next device address from the monotone
// counter, wrapping past MaxDeviceAddress and never returning 0.
func (s *Stack) AllocateAddress() uint8 {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextAddress++

	if s.nextAddress > MaxDeviceAddress {
		s.nextAddress = 1
	}

	return s.nextAddress
}

// AddDevice appends a device to the attached-device list.
func (s *Stack) AddDevice(dev *Device) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.devices = append(s.devices, dev)
}

// RemoveDevice drops a device from the attached-device list, detaching
// its driver and releasing its controller resources.
func (s *Stack) RemoveDevice(dev *Device) {
	if dev.Driver != nil {
		dev.Driver.Remove(dev)
		dev.Driver = nil
	}

	if u, ok := dev.Controller.(Unwinder); ok {
		u.ReleaseDevice(dev)
	}

	dev.State = Disconnected

	s.mu.Lock()
	defer s.mu.Unlock()

	for i, d := range s.devices {
		if d == dev {
			s.devices = append(s.devices[:i], s.devices[i+1:]...)
			return
		}
	}
}

// Devices returns a snapshot of the attached-device list.
func (s *Stack) Devices() []*Device {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]*Device(nil), s.devices...)
}
