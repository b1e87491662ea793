// xHCI host controller driver
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package xhci

import (
	"fmt"

	"github.com/core-kernel/corekernel/kernerr"
	"github.com/core-kernel/corekernel/klog"
	"github.com/core-kernel/corekernel/usb"
)

// Setup Stage transfer types
const (
	TRT_NO_DATA  = 1
	TRT_IN_DATA  = 2
	TRT_OUT_DATA = 3
)

// postTransfer enqueues a transfer TRB on a ring and registers its
// completion record.
func (hc *Controller) postTransfer(r *Ring, trb *TRB) *transferEvent {
	addr := r.Enqueue(trb)

	t := &transferEvent{}
	hc.transfers[addr] = t

	return t
}

// waitForTransfer polls events until the transfer TRB completes, the
// submitting transfer is cancelled, a host system error asserts, or the
// bounded wait expires.
func (hc *Controller) waitForTransfer(xfer *usb.Transfer, t *transferEvent) error {
	for i := 0; i < commandTimeout; i++ {
		hc.processEvents()

		if t.done {
			if t.code != CC_SUCCESS && t.code != CC_SHORT_PACKET {
				xfer.Status = usb.TransferError
				return fmt.Errorf("%w: transfer completion code %d", kernerr.ErrDeviceError, t.code)
			}

			return nil
		}

		if xfer.Cancelled() {
			xfer.Status = usb.TransferCancelled
			return fmt.Errorf("%w: transfer cancelled", kernerr.ErrDeviceError)
		}

		if hc.hostSystemError() {
			hc.state = Halted
			xfer.Status = usb.TransferError
			return fmt.Errorf("%w: host system error", kernerr.ErrFatal)
		}

		spin()
	}

	xfer.Status = usb.TransferTimeout

	return fmt.Errorf("%w: transfer", kernerr.ErrTimeout)
}

// TransferControl submits a three-stage control transfer on endpoint
// zero: a Setup Stage TRB carrying the request as immediate data, a
// Data Stage TRB when the request moves data, and a Status Stage TRB in
// the opposite direction, each awaited through the event ring.
func (hc *Controller) TransferControl(xfer *usb.Transfer) error {
	hc.Lock()
	defer hc.Unlock()

	if xfer.Setup == nil {
		return kernerr.ErrInvalidArgument
	}

	s := hc.slots[xfer.Device.Slot]

	if s == nil {
		return fmt.Errorf("%w: device has no slot", kernerr.ErrInvalidArgument)
	}

	r, err := hc.ring(s, 1)
	if err != nil {
		return err
	}

	setup := xfer.Setup
	length := int(setup.Length)
	in := setup.In()

	trt := TRT_NO_DATA

	if length > 0 {
		if in {
			trt = TRT_IN_DATA
		} else {
			trt = TRT_OUT_DATA
		}
	}

	// Setup Stage: the 8 setup bytes travel in the TRB parameter
	// itself.
	setupTRB := &TRB{
		Parameter: setup.Word(),
		Status:    8,
		Control:   1<<TRB_IDT | 1<<TRB_IOC | uint32(trt)<<TRB_TRT,
	}
	setupTRB.SetType(TRB_SETUP_STAGE)

	t := hc.postTransfer(r, setupTRB)
	hc.ringDoorbell(xfer.Device.Slot, 1)

	if err = hc.waitForTransfer(xfer, t); err != nil {
		return fmt.Errorf("setup stage: %w", err)
	}

	// Data Stage, only when the request moves data.
	if length > 0 {
		addr, buf := hc.Memory.Reserve(length, 64)

		if addr == 0 {
			return fmt.Errorf("%w: transfer buffer", kernerr.ErrOutOfMemory)
		}

		defer hc.Memory.Release(addr)

		if !in {
			copy(buf, xfer.Data)
		}

		dataTRB := &TRB{
			Parameter: uint64(addr),
			Status:    uint32(length),
			Control:   1 << TRB_IOC,
		}
		dataTRB.SetType(TRB_DATA_STAGE)

		if in {
			dataTRB.Control |= 1 << TRB_DIR
		} else {
			dataTRB.Control |= 1 << TRB_ISP
		}

		t = hc.postTransfer(r, dataTRB)
		hc.ringDoorbell(xfer.Device.Slot, 1)

		if err = hc.waitForTransfer(xfer, t); err != nil {
			return fmt.Errorf("data stage: %w", err)
		}

		xfer.ActualLength = length - t.residual

		if in {
			copy(xfer.Data, buf[:xfer.ActualLength])
		}
	}

	// Status Stage: opposite direction of the data stage, IN when
	// there was none.
	statusTRB := &TRB{
		Control: 1 << TRB_IOC,
	}
	statusTRB.SetType(TRB_STATUS_STAGE)

	if length == 0 || !in {
		statusTRB.Control |= 1 << TRB_DIR
	}

	t = hc.postTransfer(r, statusTRB)
	hc.ringDoorbell(xfer.Device.Slot, 1)

	if err = hc.waitForTransfer(xfer, t); err != nil {
		return fmt.Errorf("status stage: %w", err)
	}

	xfer.Status = usb.TransferSuccess

	return nil
}

// normalTransfer submits a single Normal TRB on the endpoint's transfer
// ring and awaits its completion, the shared path of interrupt and bulk
// transfers.
func (hc *Controller) normalTransfer(xfer *usb.Transfer) error {
	hc.Lock()
	defer hc.Unlock()

	if xfer.Endpoint == nil {
		return kernerr.ErrInvalidArgument
	}

	s := hc.slots[xfer.Device.Slot]

	if s == nil {
		return fmt.Errorf("%w: device has no slot", kernerr.ErrInvalidArgument)
	}

	index := dci(xfer.Endpoint)

	r, err := hc.ring(s, index)
	if err != nil {
		return err
	}

	length := len(xfer.Data)

	if length == 0 {
		return kernerr.ErrInvalidArgument
	}

	addr, buf := hc.Memory.Reserve(length, 64)

	if addr == 0 {
		return fmt.Errorf("%w: transfer buffer", kernerr.ErrOutOfMemory)
	}

	defer hc.Memory.Release(addr)

	in := xfer.Endpoint.In()

	if !in {
		copy(buf, xfer.Data)
	}

	trb := &TRB{
		Parameter: uint64(addr),
		Status:    uint32(length),
		Control:   1 << TRB_IOC,
	}
	trb.SetType(TRB_NORMAL)

	if !in {
		trb.Control |= 1 << TRB_ISP
	}

	t := hc.postTransfer(r, trb)
	hc.ringDoorbell(xfer.Device.Slot, index)

	if err = hc.waitForTransfer(xfer, t); err != nil {
		return err
	}

	xfer.ActualLength = length - t.residual

	if in {
		copy(xfer.Data, buf[:xfer.ActualLength])
	}

	xfer.Status = usb.TransferSuccess

	return nil
}

// TransferInterrupt submits one interrupt transfer.
func (hc *Controller) TransferInterrupt(xfer *usb.Transfer) error {
	return hc.normalTransfer(xfer)
}

// TransferBulk submits one bulk transfer.
func (hc *Controller) TransferBulk(xfer *usb.Transfer) error {
	return hc.normalTransfer(xfer)
}

// TransferIsoch rejects isochronous transfers, which this driver does
// not implement.
func (hc *Controller) TransferIsoch(xfer *usb.Transfer) error {
	xfer.Status = usb.TransferError

	klog.Default.Warnf("xhci: isochronous transfers not supported")

	return kernerr.ErrUnsupported
}
