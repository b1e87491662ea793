// USB HID class driver
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package hid

import (
	"github.com/core-kernel/corekernel/input"
	"github.com/core-kernel/corekernel/usb"
)

// Boot keyboard modifier bits (p56, 8.3, HID1.11)
const (
	ModLeftCtrl   = 1 << 0
	ModLeftShift  = 1 << 1
	ModLeftAlt    = 1 << 2
	ModLeftGUI    = 1 << 3
	ModRightCtrl  = 1 << 4
	ModRightShift = 1 << 5
	ModRightAlt   = 1 << 6
	ModRightGUI   = 1 << 7
)

// ModShift masks both shift keys.
const ModShift = ModLeftShift | ModRightShift

// bootKeyboardReportSize is the fixed boot protocol keyboard report
// layout: modifier byte, reserved byte, six key slots.
const bootKeyboardReportSize = 8

// keyboard decodes boot protocol keyboard reports, tracking the last
// report for key release detection.
type keyboard struct {
	dev   *usb.Device
	ep    *usb.Endpoint
	queue *input.Queue

	buf  []byte
	last [6]uint8
}

func newKeyboard(dev *usb.Device, ep *usb.Endpoint, queue *input.Queue) *keyboard {
	return &keyboard{
		dev:   dev,
		ep:    ep,
		queue: queue,
		buf:   make([]byte, bootKeyboardReportSize),
	}
}

// poll submits one interrupt transfer and decodes a completed report.
func (k *keyboard) poll() {
	n, err := k.dev.Interrupt(k.ep, k.buf)

	if err != nil || n < bootKeyboardReportSize {
		return
	}

	k.report(k.buf)
}

// report raises events for one boot keyboard report: a release for
// every key present in the last report but absent now, then a press
// (and a character, for mappable usages) for every newly present key.
func (k *keyboard) report(buf []byte) {
	modifiers := buf[0]

	var keys [6]uint8
	copy(keys[:], buf[2:8])

	for _, prev := range k.last {
		if prev == 0 || pressed(keys, prev) {
			continue
		}

		k.queue.Push(input.Event{
			Kind: input.KeyRelease,
			Code: prev,
		})
	}

	for _, code := range keys {
		if code == 0 || pressed(k.last, code) {
			continue
		}

		k.queue.Push(input.Event{
			Kind: input.KeyPress,
			Code: code,
			Mods: modifiers,
		})

		if ch, ok := keyChar(code, modifiers&ModShift != 0); ok {
			k.queue.Push(input.Event{
				Kind: input.KeyChar,
				Char: ch,
			})
		}
	}

	k.last = keys
}

// pressed reports whether a key code appears in a report's key slots.
func pressed(keys [6]uint8, code uint8) bool {
	for _, k := range keys {
		if k == code {
			return true
		}
	}

	return false
}
