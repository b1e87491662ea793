package hid

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/core-kernel/corekernel/input"
	"github.com/core-kernel/corekernel/usb"
)

func drain(q *input.Queue) (events []input.Event) {
	var ev input.Event

	for q.Poll(&ev) {
		events = append(events, ev)
	}

	return
}

func TestKeyboardReportSequence(t *testing.T) {
	q := &input.Queue{}
	k := newKeyboard(nil, nil, q)

	// press 'a'
	k.report([]byte{0x00, 0x00, 0x04, 0x00, 0x00, 0x00, 0x00, 0x00})
	// right shift held, 'a' still down, press 'b'
	k.report([]byte{0x22, 0x00, 0x04, 0x05, 0x00, 0x00, 0x00, 0x00})
	// everything released
	k.report([]byte{0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00})

	events := drain(q)
	require.Len(t, events, 6)

	assert.Equal(t, input.KeyPress, events[0].Kind)
	assert.Equal(t, uint8(0x04), events[0].Code)

	assert.Equal(t, input.KeyChar, events[1].Kind)
	assert.Equal(t, byte('a'), events[1].Char)

	assert.Equal(t, input.KeyPress, events[2].Kind)
	assert.Equal(t, uint8(0x05), events[2].Code)
	assert.Equal(t, uint8(0x22), events[2].Mods)

	// shifted by the right shift bit
	assert.Equal(t, input.KeyChar, events[3].Kind)
	assert.Equal(t, byte('B'), events[3].Char)

	assert.Equal(t, input.KeyRelease, events[4].Kind)
	assert.Equal(t, uint8(0x04), events[4].Code)

	assert.Equal(t, input.KeyRelease, events[5].Kind)
	assert.Equal(t, uint8(0x05), events[5].Code)
}

func TestKeyboardReleaseBeforePress(t *testing.T) {
	q := &input.Queue{}
	k := newKeyboard(nil, nil, q)

	k.report([]byte{0x00, 0x00, 0x04, 0x00, 0x00, 0x00, 0x00, 0x00})
	drain(q)

	// 'a' released and 'c' pressed in the same report
	k.report([]byte{0x00, 0x00, 0x06, 0x00, 0x00, 0x00, 0x00, 0x00})

	events := drain(q)
	require.Len(t, events, 3)

	assert.Equal(t, input.KeyRelease, events[0].Kind)
	assert.Equal(t, uint8(0x04), events[0].Code)
	assert.Equal(t, input.KeyPress, events[1].Kind)
	assert.Equal(t, uint8(0x06), events[1].Code)
}

func TestKeyboardHeldKeyNotRepeated(t *testing.T) {
	q := &input.Queue{}
	k := newKeyboard(nil, nil, q)

	report := []byte{0x00, 0x00, 0x04, 0x00, 0x00, 0x00, 0x00, 0x00}

	k.report(report)
	drain(q)

	// identical report: no edges, no events
	k.report(report)
	assert.Empty(t, drain(q))
}

func TestKeyChar(t *testing.T) {
	tests := []struct {
		code  uint8
		shift bool
		char  byte
		ok    bool
	}{
		{0x04, false, 'a', true},
		{0x04, true, 'A', true},
		{0x1d, false, 'z', true},
		{0x1e, false, '1', true},
		{0x1e, true, '!', true},
		{0x27, false, '0', true},
		{0x27, true, ')', true},
		{0x28, false, '\n', true},
		{0x2c, false, ' ', true},
		{0x2d, true, '_', true},
		{0x38, false, '/', true},
		{0x39, false, 0, false}, // caps lock has no character
		{0xe1, false, 0, false}, // modifiers have no character
	}

	for _, tt := range tests {
		ch, ok := keyChar(tt.code, tt.shift)
		assert.Equal(t, tt.ok, ok, "code %#x", tt.code)

		if tt.ok {
			assert.Equal(t, tt.char, ch, "code %#x shift %v", tt.code, tt.shift)
		}
	}
}

func TestMouseMoveAndScroll(t *testing.T) {
	q := &input.Queue{}
	m := newMouse(nil, nil, q)

	m.report([]byte{0x00, 0x05, 0xfb, 0x01})

	events := drain(q)
	require.Len(t, events, 2)

	assert.Equal(t, input.MouseMove, events[0].Kind)
	assert.Equal(t, int32(5), events[0].DX)
	assert.Equal(t, int32(-5), events[0].DY)

	assert.Equal(t, input.MouseScroll, events[1].Kind)
	assert.Equal(t, int8(1), events[1].Delta)
}

func TestMouseButtonEdges(t *testing.T) {
	q := &input.Queue{}
	m := newMouse(nil, nil, q)

	// left press
	m.report([]byte{0x01, 0x00, 0x00, 0x00})

	events := drain(q)
	require.Len(t, events, 1)
	assert.Equal(t, input.MouseButton, events[0].Kind)
	assert.Equal(t, uint8(input.ButtonLeft), events[0].Buttons)
	assert.True(t, events[0].Pressed)

	// still held: no event
	m.report([]byte{0x01, 0x00, 0x00, 0x00})
	assert.Empty(t, drain(q))

	// left release, right press
	m.report([]byte{0x02, 0x00, 0x00, 0x00})

	events = drain(q)
	require.Len(t, events, 2)

	assert.Equal(t, uint8(input.ButtonLeft), events[0].Buttons)
	assert.False(t, events[0].Pressed)
	assert.Equal(t, uint8(input.ButtonRight), events[1].Buttons)
	assert.True(t, events[1].Pressed)
}

func TestMouseThreeByteReport(t *testing.T) {
	q := &input.Queue{}
	m := newMouse(nil, nil, q)

	// wheel-less mice report three bytes
	m.report([]byte{0x00, 0x01, 0x01})

	events := drain(q)
	require.Len(t, events, 1)
	assert.Equal(t, input.MouseMove, events[0].Kind)
}

func hidConfig(subclass uint8, protocol uint8) *usb.ConfigurationDescriptor {
	return &usb.ConfigurationDescriptor{
		Interfaces: []*usb.InterfaceDescriptor{
			{
				InterfaceClass:    usb.CLASS_HID,
				InterfaceSubClass: subclass,
				InterfaceProtocol: protocol,
			},
		},
	}
}

func TestProbe(t *testing.T) {
	d := New(&input.Queue{})

	keyboard := &usb.Device{Config: hidConfig(SubclassBoot, ProtocolKeyboard)}
	assert.NoError(t, d.Probe(keyboard))

	mouse := &usb.Device{Config: hidConfig(SubclassBoot, ProtocolMouse)}
	assert.NoError(t, d.Probe(mouse))

	// flexible fallback: HID interface with zeroed subclass/protocol
	flexible := &usb.Device{Config: hidConfig(0, 0)}
	assert.NoError(t, d.Probe(flexible))

	// device-level class match
	byClass := &usb.Device{Class: usb.CLASS_HID, SubClass: SubclassBoot, Protocol: ProtocolKeyboard}
	assert.NoError(t, d.Probe(byClass))

	storage := &usb.Device{
		Config: &usb.ConfigurationDescriptor{
			Interfaces: []*usb.InterfaceDescriptor{
				{InterfaceClass: 0x08},
			},
		},
	}
	assert.Error(t, d.Probe(storage))
}
