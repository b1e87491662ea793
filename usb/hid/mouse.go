// USB HID class driver
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package hid

import (
	"github.com/core-kernel/corekernel/input"
	"github.com/core-kernel/corekernel/usb"
)

// bootMouseReportSize is the boot protocol mouse report layout:
// buttons, dx, dy, plus an optional wheel byte.
const bootMouseReportSize = 4

// mouse decodes boot protocol mouse reports, tracking button state for
// edge detection.
type mouse struct {
	dev   *usb.Device
	ep    *usb.Endpoint
	queue *input.Queue

	buf     []byte
	buttons uint8
}

func newMouse(dev *usb.Device, ep *usb.Endpoint, queue *input.Queue) *mouse {
	return &mouse{
		dev:   dev,
		ep:    ep,
		queue: queue,
		buf:   make([]byte, bootMouseReportSize),
	}
}

// poll submits one interrupt transfer and decodes a completed report.
func (m *mouse) poll() {
	n, err := m.dev.Interrupt(m.ep, m.buf)

	if err != nil || n < 3 {
		return
	}

	m.report(m.buf[:n])
}

// report raises events for one boot mouse report: a move for any
// nonzero displacement, a scroll for any wheel motion, and a button
// event for every changed button.
func (m *mouse) report(buf []byte) {
	buttons := buf[0]
	dx := int8(buf[1])
	dy := int8(buf[2])

	var wheel int8

	if len(buf) >= 4 {
		wheel = int8(buf[3])
	}

	if dx != 0 || dy != 0 {
		m.queue.Push(input.Event{
			Kind:    input.MouseMove,
			DX:      int32(dx),
			DY:      int32(dy),
			Buttons: buttons,
		})
	}

	if wheel != 0 {
		m.queue.Push(input.Event{
			Kind:  input.MouseScroll,
			Delta: wheel,
		})
	}

	changed := buttons ^ m.buttons

	for _, button := range []uint8{input.ButtonLeft, input.ButtonRight, input.ButtonMiddle} {
		if changed&button == 0 {
			continue
		}

		m.queue.Push(input.Event{
			Kind:    input.MouseButton,
			Buttons: button,
			Pressed: buttons&button != 0,
		})
	}

	m.buttons = buttons
}
