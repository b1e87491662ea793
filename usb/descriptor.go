// USB descriptor support
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package usb

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"unicode/utf16"

	"github.com/core-kernel/corekernel/kernerr"
)

const (
	DEVICE_LENGTH        = 18
	CONFIGURATION_LENGTH = 9
	INTERFACE_LENGTH     = 9
	ENDPOINT_LENGTH      = 7
	HID_LENGTH           = 9
)

// Descriptor types (p279, Table 9-5, USB2.0)
const (
	DEVICE                    = 1
	CONFIGURATION             = 2
	STRING                    = 3
	INTERFACE                 = 4
	ENDPOINT                  = 5
	DEVICE_QUALIFIER          = 6
	OTHER_SPEED_CONFIGURATION = 7
	INTERFACE_POWER           = 8

	// HID class descriptor types (p49, 7.1, HID1.11)
	HID        = 0x21
	HID_REPORT = 0x22

	// Hub class descriptor type (p417, Table 11-13, USB2.0)
	HUB = 0x29
)

// Device classes
const (
	CLASS_HID = 0x03
	CLASS_HUB = 0x09
)

// DeviceDescriptor implements
// p290, Table 9-8. Standard Device Descriptor, USB Specification Revision 2.0.
type DeviceDescriptor struct {
	Length            uint8
	DescriptorType    uint8
	BcdUSB            uint16
	DeviceClass       uint8
	DeviceSubClass    uint8
	DeviceProtocol    uint8
	MaxPacketSize     uint8
	VendorId          uint16
	ProductId         uint16
	Device            uint16
	Manufacturer      uint8
	Product           uint8
	SerialNumber      uint8
	NumConfigurations uint8
}

// ParseDeviceDescriptor deserializes a device descriptor received from
// an attached device. A short buffer of at least 8 bytes is accepted, as
// enumeration first fetches only the descriptor head to learn
// bMaxPacketSize0.
func ParseDeviceDescriptor(buf []byte) (*DeviceDescriptor, error) {
	if len(buf) < 8 {
		return nil, fmt.Errorf("%w: device descriptor truncated (%d bytes)", kernerr.ErrProtocolError, len(buf))
	}

	if buf[1] != DEVICE {
		return nil, fmt.Errorf("%w: not a device descriptor (type %#x)", kernerr.ErrProtocolError, buf[1])
	}

	d := &DeviceDescriptor{}

	if len(buf) < DEVICE_LENGTH {
		head := make([]byte, DEVICE_LENGTH)
		copy(head, buf)
		buf = head
	}

	if err := binary.Read(bytes.NewReader(buf[:DEVICE_LENGTH]), binary.LittleEndian, d); err != nil {
		return nil, fmt.Errorf("%w: %v", kernerr.ErrProtocolError, err)
	}

	return d, nil
}

// EndpointDescriptor implements
// p297, Table 9-13. Standard Endpoint Descriptor, USB Specification Revision 2.0.
type EndpointDescriptor struct {
	Length          uint8
	DescriptorType  uint8
	EndpointAddress uint8
	Attributes      uint8
	MaxPacketSize   uint16
	Interval        uint8
}

// TransferType returns the endpoint transfer type from bmAttributes.
func (d *EndpointDescriptor) TransferType() TransferType {
	return TransferType(d.Attributes & 0b11)
}

// Endpoint converts the descriptor into the core's endpoint
// representation.
func (d *EndpointDescriptor) Endpoint() *Endpoint {
	return &Endpoint{
		Address:       d.EndpointAddress,
		Type:          d.TransferType(),
		MaxPacketSize: d.MaxPacketSize & 0x7ff,
		Interval:      d.Interval,
	}
}

// HIDDescriptor implements
// p22, 6.2.1 HID Descriptor, Device Class Definition for HID 1.11.
type HIDDescriptor struct {
	Length               uint8
	DescriptorType       uint8
	BcdHID               uint16
	CountryCode          uint8
	NumDescriptors       uint8
	ReportDescriptorType uint8
	ReportLength         uint16
}

// InterfaceDescriptor implements
// p296, Table 9-12. Standard Interface Descriptor, USB Specification Revision 2.0.
type InterfaceDescriptor struct {
	Length            uint8
	DescriptorType    uint8
	InterfaceNumber   uint8
	AlternateSetting  uint8
	NumEndpoints      uint8
	InterfaceClass    uint8
	InterfaceSubClass uint8
	InterfaceProtocol uint8
	Interface         uint8

	Endpoints []*EndpointDescriptor
	HID       *HIDDescriptor
}

// ConfigurationDescriptor implements
// p293, Table 9-10. Standard Configuration Descriptor, USB Specification Revision 2.0.
type ConfigurationDescriptor struct {
	Length             uint8
	DescriptorType     uint8
	TotalLength        uint16
	NumInterfaces      uint8
	ConfigurationValue uint8
	Configuration      uint8
	Attributes         uint8
	MaxPower           uint8

	Interfaces []*InterfaceDescriptor
}

// ParseConfiguration deserializes a full configuration descriptor blob,
// walking the interface, endpoint and class descriptors concatenated
// after the configuration header.
func ParseConfiguration(buf []byte) (*ConfigurationDescriptor, error) {
	if len(buf) < CONFIGURATION_LENGTH {
		return nil, fmt.Errorf("%w: configuration descriptor truncated", kernerr.ErrProtocolError)
	}

	if buf[1] != CONFIGURATION {
		return nil, fmt.Errorf("%w: not a configuration descriptor (type %#x)", kernerr.ErrProtocolError, buf[1])
	}

	c := &ConfigurationDescriptor{
		Length:             buf[0],
		DescriptorType:     buf[1],
		TotalLength:        binary.LittleEndian.Uint16(buf[2:]),
		NumInterfaces:      buf[4],
		ConfigurationValue: buf[5],
		Configuration:      buf[6],
		Attributes:         buf[7],
		MaxPower:           buf[8],
	}

	if int(c.TotalLength) < len(buf) {
		buf = buf[:c.TotalLength]
	}

	var iface *InterfaceDescriptor

	off := int(c.Length)

	for off+2 <= len(buf) {
		length := int(buf[off])
		descType := buf[off+1]

		if length < 2 || off+length > len(buf) {
			return nil, fmt.Errorf("%w: descriptor overruns configuration at offset %d", kernerr.ErrProtocolError, off)
		}

		switch descType {
		case INTERFACE:
			if length < INTERFACE_LENGTH {
				return nil, fmt.Errorf("%w: short interface descriptor", kernerr.ErrProtocolError)
			}

			iface = &InterfaceDescriptor{
				Length:            buf[off],
				DescriptorType:    buf[off+1],
				InterfaceNumber:   buf[off+2],
				AlternateSetting:  buf[off+3],
				NumEndpoints:      buf[off+4],
				InterfaceClass:    buf[off+5],
				InterfaceSubClass: buf[off+6],
				InterfaceProtocol: buf[off+7],
				Interface:         buf[off+8],
			}

			c.Interfaces = append(c.Interfaces, iface)
		case ENDPOINT:
			if length < ENDPOINT_LENGTH {
				return nil, fmt.Errorf("%w: short endpoint descriptor", kernerr.ErrProtocolError)
			}

			if iface == nil {
				return nil, fmt.Errorf("%w: endpoint descriptor before any interface", kernerr.ErrProtocolError)
			}

			iface.Endpoints = append(iface.Endpoints, &EndpointDescriptor{
				Length:          buf[off],
				DescriptorType:  buf[off+1],
				EndpointAddress: buf[off+2],
				Attributes:      buf[off+3],
				MaxPacketSize:   binary.LittleEndian.Uint16(buf[off+4:]),
				Interval:        buf[off+6],
			})
		case HID:
			if length < HID_LENGTH || iface == nil {
				break
			}

			iface.HID = &HIDDescriptor{
				Length:               buf[off],
				DescriptorType:       buf[off+1],
				BcdHID:               binary.LittleEndian.Uint16(buf[off+2:]),
				CountryCode:          buf[off+4],
				NumDescriptors:       buf[off+5],
				ReportDescriptorType: buf[off+6],
				ReportLength:         binary.LittleEndian.Uint16(buf[off+7:]),
			}
		}

		off += length
	}

	return c, nil
}

// ParseString decodes a string descriptor's UTF-16LE bString payload.
func ParseString(buf []byte) (string, error) {
	if len(buf) < 2 || buf[1] != STRING {
		return "", fmt.Errorf("%w: not a string descriptor", kernerr.ErrProtocolError)
	}

	length := int(buf[0])
	if length > len(buf) {
		length = len(buf)
	}

	payload := buf[2:length]

	codes := make([]uint16, 0, len(payload)/2)

	for i := 0; i+1 < len(payload); i += 2 {
		codes = append(codes, binary.LittleEndian.Uint16(payload[i:]))
	}

	return string(utf16.Decode(codes)), nil
}
