// USB host stack
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package usb

// Speed enumerates port speeds using the xHCI protocol speed ID values
// reported in PORTSC.
type Speed int

const (
	FullSpeed  Speed = 1
	LowSpeed   Speed = 2
	HighSpeed  Speed = 3
	SuperSpeed Speed = 4
)

func (s Speed) String() string {
	switch s {
	case FullSpeed:
		return "full"
	case LowSpeed:
		return "low"
	case HighSpeed:
		return "high"
	case SuperSpeed:
		return "super"
	default:
		return "invalid"
	}
}

// DefaultMaxPacket returns the endpoint-zero maximum packet size implied
// by the port speed, used to address a device before its device
// descriptor has been read.
func (s Speed) DefaultMaxPacket() uint16 {
	switch s {
	case LowSpeed, FullSpeed:
		return 8
	case HighSpeed:
		return 64
	case SuperSpeed:
		return 512
	default:
		return 8
	}
}

// DeviceState tracks a device through enumeration.
type DeviceState int

const (
	Disconnected DeviceState = iota
	Default
	Address
	Configured
	Suspended
)

func (s DeviceState) String() string {
	switch s {
	case Disconnected:
		return "Disconnected"
	case Default:
		return "Default"
	case Address:
		return "Address"
	case Configured:
		return "Configured"
	case Suspended:
		return "Suspended"
	default:
		return "Invalid"
	}
}

// TransferType enumerates endpoint transfer types, matching the
// bmAttributes field of the endpoint descriptor.
type TransferType int

const (
	Control TransferType = iota
	Isochronous
	Bulk
	Interrupt
)

// Endpoint direction bit in the endpoint address.
const DirectionIn = 0x80

// MaxEndpoints bounds the per-device endpoint table. Endpoint zero is
// implicit and always bidirectional control.
const MaxEndpoints = 32

// Endpoint describes one device endpoint learned from its endpoint
// descriptor.
type Endpoint struct {
	// Address is the endpoint address; bit 7 is the direction.
	Address uint8
	// Type is the transfer type from bmAttributes.
	Type TransferType
	// MaxPacketSize is the endpoint's maximum packet size.
	MaxPacketSize uint16
	// Interval is the polling interval from the descriptor.
	Interval uint8
	// Toggle is the data toggle state for controllers that track it in
	// software.
	Toggle bool
}

// Number returns the endpoint number without the direction bit.
func (e *Endpoint) Number() int {
	return int(e.Address & 0x0f)
}

// In reports whether the endpoint direction is device-to-host.
func (e *Endpoint) In() bool {
	return e.Address&DirectionIn != 0
}

// Device represents one attached USB device.
type Device struct {
	// Address is the assigned USB address (0 until set).
	Address uint8
	// Slot is the controller slot ID for slot-based controllers (0
	// until enabled).
	Slot uint8
	// Port is the 1-based port the device is attached to, on the root
	// hub or on Parent.
	Port int
	// Speed is the port speed at attach time.
	Speed Speed
	// Parent is the hub the device hangs off, nil for root-hub ports.
	Parent *Device

	VendorID  uint16
	ProductID uint16

	Class    uint8
	SubClass uint8
	Protocol uint8

	// MaxPacketSize0 is bMaxPacketSize0 from the device descriptor,
	// learned during enumeration.
	MaxPacketSize0 uint8

	// Endpoints are the non-control endpoints of the active
	// configuration.
	Endpoints []*Endpoint

	// Config is the parsed active configuration.
	Config *ConfigurationDescriptor

	// State tracks the enumeration state machine.
	State DeviceState

	// Controller is the host controller the device is reachable
	// through.
	Controller HostController

	// Driver is the bound class driver, nil until BindDriver succeeds.
	Driver Driver
}

// AddEndpoint records an endpoint in the device's bounded endpoint
// table.
func (d *Device) AddEndpoint(ep *Endpoint) bool {
	if len(d.Endpoints) >= MaxEndpoints {
		return false
	}

	d.Endpoints = append(d.Endpoints, ep)

	return true
}

// EndpointByAddress returns the endpoint with the given address, or nil.
func (d *Device) EndpointByAddress(addr uint8) *Endpoint {
	for _, ep := range d.Endpoints {
		if ep.Address == addr {
			return ep
		}
	}

	return nil
}

// InterruptIn returns the first interrupt-IN endpoint, or nil.
func (d *Device) InterruptIn() *Endpoint {
	for _, ep := range d.Endpoints {
		if ep.Type == Interrupt && ep.In() {
			return ep
		}
	}

	return nil
}
