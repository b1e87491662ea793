// xHCI host controller driver
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package xhci

import (
	"fmt"

	"github.com/core-kernel/corekernel/internal/reg"
	"github.com/core-kernel/corekernel/kernerr"
	"github.com/core-kernel/corekernel/usb"
)

// dci returns the device context index of an endpoint: endpoint number
// times two plus the direction bit, with the bidirectional control
// endpoint zero at index one.
func dci(ep *usb.Endpoint) int {
	if ep == nil || ep.Number() == 0 {
		return 1
	}

	d := ep.Number() * 2

	if ep.In() {
		d++
	}

	return d
}

// epContextType maps an endpoint's transfer type and direction onto the
// endpoint context type field.
func epContextType(ep *usb.Endpoint) int {
	switch ep.Type {
	case usb.Control:
		return EP_TYPE_CONTROL
	case usb.Isochronous:
		if ep.In() {
			return EP_TYPE_ISOCH_IN
		}
		return EP_TYPE_ISOCH_OUT
	case usb.Bulk:
		if ep.In() {
			return EP_TYPE_BULK_IN
		}
		return EP_TYPE_BULK_OUT
	default:
		if ep.In() {
			return EP_TYPE_INTR_IN
		}
		return EP_TYPE_INTR_OUT
	}
}

// ring returns the transfer ring for a slot's device context index,
// allocating it on first use.
func (hc *Controller) ring(s *slot, index int) (*Ring, error) {
	if index < 1 || index >= len(s.rings) {
		return nil, kernerr.ErrInvalidArgument
	}

	if s.rings[index] != nil {
		return s.rings[index], nil
	}

	r, err := NewRing(hc.Memory, RingSize)
	if err != nil {
		return nil, err
	}

	s.rings[index] = r

	return r, nil
}

// AssignAddress realizes the usb.Addresser capability: it obtains a
// device slot, installs the slot's Output Device Context, prepares the
// Input Context for endpoint zero and issues the Address Device
// command, leaving the slot in the Addressed state.
func (hc *Controller) AssignAddress(dev *usb.Device) error {
	hc.Lock()
	defer hc.Unlock()

	if hc.state != Running {
		return fmt.Errorf("%w: controller not running", kernerr.ErrInvalidArgument)
	}

	// The Output Device Context must exist before Enable Slot so that
	// the slot can be installed as soon as it is granted.
	outputCtx, err := NewDeviceContext(hc.Memory)
	if err != nil {
		return err
	}

	if outputCtx&0x3f != 0 {
		return fmt.Errorf("%w: misaligned device context", kernerr.ErrFatal)
	}

	slotID, err := hc.enableSlot()
	if err != nil {
		return err
	}

	s := &slot{
		dev:       dev,
		outputCtx: outputCtx,
	}

	hc.slots[slotID] = s

	// Install the Output Device Context and verify the write landed.
	entry := hc.dcbaa + uint64(slotID)*8
	put64at(entry, outputCtx)
	reg.Fence()

	if read64at(entry) != outputCtx {
		hc.slots[slotID] = nil
		return fmt.Errorf("%w: device context installation readback", kernerr.ErrFatal)
	}

	ep0, err := hc.ring(s, 1)
	if err != nil {
		hc.slots[slotID] = nil
		return err
	}

	inputCtx, err := NewInputContext(hc.Memory)
	if err != nil {
		hc.slots[slotID] = nil
		return err
	}

	s.inputCtx = inputCtx

	inputCtx.SetAddFlags(AddFlagSlot | AddFlagEP(1))
	inputCtx.SetSlot(0, uint8(dev.Speed), uint8(dev.Port), 1)
	inputCtx.SetEndpoint(1, EP_TYPE_CONTROL, dev.Speed.DefaultMaxPacket(), 0, ep0.Base(), ep0.CycleState())

	if err = hc.addressDevice(slotID, inputCtx); err != nil {
		hc.slots[slotID] = nil
		put64at(entry, 0)
		return err
	}

	dev.Slot = slotID
	dev.Address = slotID

	return nil
}

// ConfigureEndpoints realizes the usb.Configurer capability: after the
// device has been configured it declares every non-control endpoint's
// context to the controller, allocating the transfer rings the
// endpoints run on.
func (hc *Controller) ConfigureEndpoints(dev *usb.Device) error {
	hc.Lock()
	defer hc.Unlock()

	s := hc.slots[dev.Slot]

	if s == nil || s.inputCtx == nil {
		return fmt.Errorf("%w: device has no slot", kernerr.ErrInvalidArgument)
	}

	if len(dev.Endpoints) == 0 {
		return nil
	}

	flags := uint32(AddFlagSlot)
	entries := 1

	for _, ep := range dev.Endpoints {
		if ep.Type == usb.Isochronous {
			// Isochronous endpoints are not supported.
			continue
		}

		index := dci(ep)

		r, err := hc.ring(s, index)
		if err != nil {
			return err
		}

		s.inputCtx.SetEndpoint(index, epContextType(ep), ep.MaxPacketSize, ep.Interval, r.Base(), r.CycleState())

		flags |= AddFlagEP(index)

		if index > entries {
			entries = index
		}
	}

	s.inputCtx.SetAddFlags(flags)
	s.inputCtx.SetSlot(0, uint8(dev.Speed), uint8(dev.Port), uint8(entries))

	return hc.configureEndpoint(dev.Slot, s.inputCtx)
}
