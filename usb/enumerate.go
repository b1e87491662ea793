// USB host stack
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package usb

import (
	"fmt"

	"github.com/core-kernel/corekernel/klog"
)

// Enumerate drives a freshly attached device through addressing,
// descriptor fetch and configuration, then binds a class driver. On any
// failure the single device is unwound (controller resources released,
// a warning logged) and the controller stays live.
func (s *Stack) Enumerate(dev *Device) error {
	dev.State = Default

	err := s.enumerate(dev)
	if err != nil {
		klog.Default.Warnf("usb: enumeration failed on port %d, %v", dev.Port, err)
		s.RemoveDevice(dev)
	}

	return err
}

func (s *Stack) enumerate(dev *Device) error {
	// Slot-based controllers assign the address through controller
	// commands; everything else gets SET_ADDRESS with the next address
	// from the monotone counter.
	if a, ok := dev.Controller.(Addresser); ok {
		if err := a.AssignAddress(dev); err != nil {
			return fmt.Errorf("address assignment: %w", err)
		}
	} else {
		addr := s.AllocateAddress()

		setup := &SetupData{
			RequestType: REQUEST_DIR_OUT | REQUEST_TYPE_STANDARD | REQUEST_RECIPIENT_DEVICE,
			Request:     SET_ADDRESS,
			Value:       uint16(addr),
		}

		if _, err := dev.Control(setup, nil); err != nil {
			return fmt.Errorf("SET_ADDRESS: %w", err)
		}

		dev.Address = addr
	}

	// The first fetch is limited to the descriptor head so that
	// bMaxPacketSize0 is known before any full-length transfer.
	head := make([]byte, 8)

	if _, err := dev.GetDescriptor(DEVICE, 0, 0, head); err != nil {
		return fmt.Errorf("device descriptor head: %w", err)
	}

	desc, err := ParseDeviceDescriptor(head)
	if err != nil {
		return err
	}

	dev.MaxPacketSize0 = desc.MaxPacketSize
	dev.State = Address

	full := make([]byte, DEVICE_LENGTH)

	if _, err := dev.GetDescriptor(DEVICE, 0, 0, full); err != nil {
		return fmt.Errorf("device descriptor: %w", err)
	}

	if desc, err = ParseDeviceDescriptor(full); err != nil {
		return err
	}

	dev.VendorID = desc.VendorId
	dev.ProductID = desc.ProductId
	dev.Class = desc.DeviceClass
	dev.SubClass = desc.DeviceSubClass
	dev.Protocol = desc.DeviceProtocol

	klog.Default.Infof("usb: device %04x:%04x class %02x:%02x:%02x at address %d",
		dev.VendorID, dev.ProductID, dev.Class, dev.SubClass, dev.Protocol, dev.Address)

	// Configuration header first, then the full blob at its advertised
	// total length.
	hdr := make([]byte, CONFIGURATION_LENGTH)

	if _, err := dev.GetDescriptor(CONFIGURATION, 0, 0, hdr); err != nil {
		return fmt.Errorf("configuration header: %w", err)
	}

	cfg, err := ParseConfiguration(hdr)
	if err != nil {
		return err
	}

	blob := make([]byte, cfg.TotalLength)

	if _, err := dev.GetDescriptor(CONFIGURATION, 0, 0, blob); err != nil {
		return fmt.Errorf("configuration descriptor: %w", err)
	}

	if cfg, err = ParseConfiguration(blob); err != nil {
		return err
	}

	dev.Config = cfg

	for _, iface := range cfg.Interfaces {
		for _, epd := range iface.Endpoints {
			if !dev.AddEndpoint(epd.Endpoint()) {
				klog.Default.Warnf("usb: endpoint table full for %04x:%04x", dev.VendorID, dev.ProductID)
			}
		}
	}

	if err := dev.SetConfiguration(cfg.ConfigurationValue); err != nil {
		return fmt.Errorf("SET_CONFIGURATION: %w", err)
	}

	if c, ok := dev.Controller.(Configurer); ok {
		if err := c.ConfigureEndpoints(dev); err != nil {
			return fmt.Errorf("endpoint configuration: %w", err)
		}
	}

	dev.State = Configured

	s.AddDevice(dev)

	if err := s.BindDriver(dev); err != nil {
		klog.Default.Warnf("usb: %v", err)
	}

	return nil
}
