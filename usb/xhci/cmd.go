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
)

// completion records the outcome of one posted command, keyed in the
// controller's completion table by the physical address of the command
// TRB.
type completion struct {
	done bool
	code uint8
	slot uint8
}

// transferEvent records the outcome of one transfer TRB the same way.
type transferEvent struct {
	done     bool
	code     uint8
	residual int
}

// postCommand enqueues a command TRB, stamping the ring cycle state
// into it, and registers a completion record for it. The caller rings
// the command doorbell afterwards.
func (hc *Controller) postCommand(trb *TRB) *completion {
	addr := hc.cmd.Enqueue(trb)

	c := &completion{}
	hc.completions[addr] = c

	return c
}

// ringCommandDoorbell notifies the controller that command ring content
// is pending.
func (hc *Controller) ringCommandDoorbell() {
	reg.Write32(hc.db, 0)
	reg.Fence()
}

// ringDoorbell notifies the controller of pending work on a device
// slot's transfer ring, identified by device context index.
func (hc *Controller) ringDoorbell(slotID uint8, dci int) {
	reg.Write32(hc.db+uint64(slotID)*4, uint32(dci))
	reg.Fence()
}

// processEvents dequeues every pending event TRB, updating the command
// and transfer completion tables, and writes the new dequeue position
// to ERDP with the event handler busy bit cleared after every event.
// Pending interrupts are acknowledged after the drain.
func (hc *Controller) processEvents() int {
	processed := 0

	for {
		trb, ok := hc.events.Next()
		if !ok {
			break
		}

		processed++

		switch trb.Type() {
		case TRB_CMD_COMPLETE:
			if c, ok := hc.completions[trb.Parameter &^ 0xf]; ok {
				c.code = trb.CompletionCode()
				c.slot = trb.SlotID()
				c.done = true
			}
		case TRB_TRANSFER_EV:
			if t, ok := hc.transfers[trb.Parameter &^ 0xf]; ok {
				t.code = trb.CompletionCode()
				t.residual = trb.TransferLength()
				t.done = true
			}
		case TRB_PORT_STATUS:
			// Port number is in parameter bits 24-31; the root hub
			// scan picks the change up from PORTSC.
			klog.Default.Debugf("xhci: port status change, port %d", uint8(trb.Parameter>>24))
		default:
			klog.Default.Debugf("xhci: unhandled event type %d code %d", trb.Type(), trb.CompletionCode())
		}

		hc.writeRt64(XHCI_ERDP, hc.events.dequeueAddr())
	}

	if processed > 0 {
		iman := hc.rtRead(XHCI_IMAN)
		hc.rtWrite(XHCI_IMAN, iman|1<<IMAN_IP)
	}

	return processed
}

// hostSystemError reports whether the controller has signalled an
// unrecoverable error.
func (hc *Controller) hostSystemError() bool {
	return hc.opRead(XHCI_USBSTS)&(1<<USBSTS_HSE) != 0
}

// waitForCompletion polls events until the command completes, a host
// system error asserts, or the bounded wait expires. A timeout dumps
// the controller's command state for diagnosis.
func (hc *Controller) waitForCompletion(c *completion, first *TRB) error {
	for i := 0; i < commandTimeout; i++ {
		hc.processEvents()

		if c.done {
			if c.code != CC_SUCCESS {
				return fmt.Errorf("%w: command completion code %d", kernerr.ErrDeviceError, c.code)
			}

			return nil
		}

		if hc.hostSystemError() {
			hc.state = Halted
			return fmt.Errorf("%w: host system error", kernerr.ErrFatal)
		}

		spin()
	}

	klog.Default.Errorf("xhci: command timeout, CRCR=%#x ERDP=%#x USBSTS=%#x IMAN=%#x TRB={%#x %#x %#x}",
		hc.readOp64(XHCI_CRCR), reg.Read64(hc.irs+XHCI_ERDP), hc.opRead(XHCI_USBSTS),
		hc.rtRead(XHCI_IMAN), first.Parameter, first.Status, first.Control)

	return fmt.Errorf("%w: command ring", kernerr.ErrTimeout)
}

// command posts a TRB, rings the command doorbell and waits for its
// completion event.
func (hc *Controller) command(trb *TRB) (*completion, error) {
	c := hc.postCommand(trb)
	hc.ringCommandDoorbell()

	if err := hc.waitForCompletion(c, trb); err != nil {
		return nil, err
	}

	return c, nil
}

// enableSlot obtains a device slot from the controller.
func (hc *Controller) enableSlot() (uint8, error) {
	trb := &TRB{}
	trb.SetType(TRB_ENABLE_SLOT)

	c, err := hc.command(trb)
	if err != nil {
		return 0, fmt.Errorf("enable slot: %w", err)
	}

	if c.slot == 0 {
		return 0, fmt.Errorf("%w: enable slot returned slot 0", kernerr.ErrProtocolError)
	}

	return c.slot, nil
}

// addressDevice issues the Address Device command for a slot whose
// Input Context has been prepared.
func (hc *Controller) addressDevice(slotID uint8, inputCtx *InputContext) error {
	trb := &TRB{
		Parameter: inputCtx.Addr(),
	}
	trb.SetType(TRB_ADDRESS_DEV)
	trb.Control |= uint32(slotID) << TRB_SLOT

	if _, err := hc.command(trb); err != nil {
		return fmt.Errorf("address device: %w", err)
	}

	return nil
}

// configureEndpoint issues the Configure Endpoint command for a slot
// whose Input Context declares the endpoint contexts being added.
func (hc *Controller) configureEndpoint(slotID uint8, inputCtx *InputContext) error {
	trb := &TRB{
		Parameter: inputCtx.Addr(),
	}
	trb.SetType(TRB_CONFIG_EP)
	trb.Control |= uint32(slotID) << TRB_SLOT

	if _, err := hc.command(trb); err != nil {
		return fmt.Errorf("configure endpoint: %w", err)
	}

	return nil
}

// NoOp issues a No Op command, a liveness check of the command and
// event rings.
func (hc *Controller) NoOp() error {
	hc.Lock()
	defer hc.Unlock()

	trb := &TRB{}
	trb.SetType(TRB_NOOP_CMD)

	_, err := hc.command(trb)

	return err
}

// Poll drains controller events outside of any blocking wait.
func (hc *Controller) Poll() error {
	hc.Lock()
	defer hc.Unlock()

	if hc.state != Running {
		return kernerr.ErrInvalidArgument
	}

	hc.processEvents()

	if hc.hostSystemError() {
		hc.state = Halted
		return fmt.Errorf("%w: host system error", kernerr.ErrFatal)
	}

	return nil
}
