// USB host stack
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package usb

import (
	"fmt"
	"sync/atomic"

	"github.com/core-kernel/corekernel/kernerr"
)

// TransferStatus is the completion state of a submitted transfer.
type TransferStatus int

const (
	TransferPending TransferStatus = iota
	TransferSuccess
	TransferError
	TransferTimeout
	TransferCancelled
)

func (s TransferStatus) String() string {
	switch s {
	case TransferPending:
		return "Pending"
	case TransferSuccess:
		return "Success"
	case TransferError:
		return "Error"
	case TransferTimeout:
		return "Timeout"
	case TransferCancelled:
		return "Cancelled"
	default:
		return "Invalid"
	}
}

// Transfer is one unit of work submitted to a host controller. Control
// transfers carry a Setup packet and use endpoint zero (Endpoint nil);
// all other types name the target Endpoint.
type Transfer struct {
	Device   *Device
	Endpoint *Endpoint

	// Setup is the control request, nil for non-control transfers.
	Setup *SetupData

	// Data is the transfer buffer; controllers copy through their own
	// DMA-capable memory, so any Go slice is acceptable here.
	Data []byte

	// ActualLength is the number of bytes transferred, updated on
	// completion.
	ActualLength int

	// Status is the completion state.
	Status TransferStatus

	// cancelled is checked by controller event loops between polls.
	cancelled uint32
}

// Cancel flags the transfer for abandonment; controllers check the flag
// in their completion loops. TRBs already posted to hardware are not
// torn down.
func (x *Transfer) Cancel() {
	atomic.StoreUint32(&x.cancelled, 1)
}

// Cancelled reports whether Cancel has been called.
func (x *Transfer) Cancelled() bool {
	return atomic.LoadUint32(&x.cancelled) != 0
}

// Control performs a control transfer on endpoint zero and returns the
// number of bytes transferred in the data stage.
func (d *Device) Control(setup *SetupData, data []byte) (int, error) {
	xfer := &Transfer{
		Device: d,
		Setup:  setup,
		Data:   data,
	}

	if err := d.Controller.TransferControl(xfer); err != nil {
		return 0, err
	}

	if xfer.Status != TransferSuccess {
		return xfer.ActualLength, fmt.Errorf("%w: control transfer status %v",
			kernerr.ErrDeviceError, xfer.Status)
	}

	return xfer.ActualLength, nil
}

// GetDescriptor reads a standard descriptor into data.
func (d *Device) GetDescriptor(descType uint8, index uint8, wIndex uint16, data []byte) (int, error) {
	setup := &SetupData{
		RequestType: REQUEST_DIR_IN | REQUEST_TYPE_STANDARD | REQUEST_RECIPIENT_DEVICE,
		Request:     GET_DESCRIPTOR,
		Value:       uint16(descType)<<8 | uint16(index),
		Index:       wIndex,
		Length:      uint16(len(data)),
	}

	return d.Control(setup, data)
}

// SetConfiguration selects the device configuration.
func (d *Device) SetConfiguration(value uint8) error {
	setup := &SetupData{
		RequestType: REQUEST_DIR_OUT | REQUEST_TYPE_STANDARD | REQUEST_RECIPIENT_DEVICE,
		Request:     SET_CONFIGURATION,
		Value:       uint16(value),
	}

	_, err := d.Control(setup, nil)

	return err
}

// Interrupt performs one interrupt transfer on the given endpoint and
// returns the number of bytes transferred.
func (d *Device) Interrupt(ep *Endpoint, data []byte) (int, error) {
	xfer := &Transfer{
		Device:   d,
		Endpoint: ep,
		Data:     data,
	}

	if err := d.Controller.TransferInterrupt(xfer); err != nil {
		return 0, err
	}

	if xfer.Status != TransferSuccess {
		return xfer.ActualLength, fmt.Errorf("%w: interrupt transfer status %v",
			kernerr.ErrDeviceError, xfer.Status)
	}

	return xfer.ActualLength, nil
}

// Bulk performs one bulk transfer on the given endpoint and returns the
// number of bytes transferred. Retry on error is the caller's choice.
func (d *Device) Bulk(ep *Endpoint, data []byte) (int, error) {
	xfer := &Transfer{
		Device:   d,
		Endpoint: ep,
		Data:     data,
	}

	if err := d.Controller.TransferBulk(xfer); err != nil {
		return 0, err
	}

	if xfer.Status != TransferSuccess {
		return xfer.ActualLength, fmt.Errorf("%w: bulk transfer status %v",
			kernerr.ErrDeviceError, xfer.Status)
	}

	return xfer.ActualLength, nil
}
