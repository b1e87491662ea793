package report

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// bootMouseDescriptor is the canonical 3-button boot mouse report
// descriptor.
func bootMouseDescriptor() []byte {
	return []byte{
		0x05, 0x01, // Usage Page (Generic Desktop)
		0x09, 0x02, // Usage (Mouse)
		0xa1, 0x01, // Collection (Application)
		0x09, 0x01, //   Usage (Pointer)
		0xa1, 0x00, //   Collection (Physical)
		0x05, 0x09, //     Usage Page (Buttons)
		0x19, 0x01, //     Usage Minimum (1)
		0x29, 0x03, //     Usage Maximum (3)
		0x15, 0x00, //     Logical Minimum (0)
		0x25, 0x01, //     Logical Maximum (1)
		0x95, 0x03, //     Report Count (3)
		0x75, 0x01, //     Report Size (1)
		0x81, 0x02, //     Input (Data, Variable, Absolute)
		0x95, 0x01, //     Report Count (1)
		0x75, 0x05, //     Report Size (5)
		0x81, 0x01, //     Input (Constant)
		0x05, 0x01, //     Usage Page (Generic Desktop)
		0x09, 0x30, //     Usage (X)
		0x09, 0x31, //     Usage (Y)
		0x15, 0x81, //     Logical Minimum (-127)
		0x25, 0x7f, //     Logical Maximum (127)
		0x75, 0x08, //     Report Size (8)
		0x95, 0x02, //     Report Count (2)
		0x81, 0x06, //     Input (Data, Variable, Relative)
		0xc0, //   End Collection
		0xc0, // End Collection
	}
}

func TestParseBootMouse(t *testing.T) {
	d, err := Parse(bootMouseDescriptor())
	require.NoError(t, err)

	fields := d.Fields()
	require.Len(t, fields, 3)

	buttons := fields[0]
	assert.Equal(t, uint32(1), buttons.UsageMin)
	assert.Equal(t, uint32(3), buttons.UsageMax)
	assert.Equal(t, uint32(1), buttons.Size)
	assert.Equal(t, uint32(3), buttons.Count)
	assert.Zero(t, buttons.BitOffset)
	assert.NotZero(t, buttons.Flags&FlagVariable)

	padding := fields[1]
	assert.Equal(t, uint32(3), padding.BitOffset)
	assert.NotZero(t, padding.Flags&FlagConstant)

	axes := fields[2]
	assert.Equal(t, uint32(8), axes.BitOffset)
	assert.Equal(t, int32(-127), axes.LogicalMin)
	assert.Equal(t, int32(127), axes.LogicalMax)
	assert.NotZero(t, axes.Flags&FlagRelative)

	// buttons + padding + two 8-bit axes = 3 bytes
	assert.Equal(t, 3, d.Size(0, Input))

	// collection tree: Application > Physical
	require.Len(t, d.Root.Children, 1)
	app := d.Root.Children[0]
	assert.Equal(t, uint8(CollectionApplication), app.Type)
	assert.Equal(t, uint32(0x02), app.Usage)

	require.Len(t, app.Children, 1)
	phys := app.Children[0]
	assert.Equal(t, uint8(CollectionPhysical), phys.Type)
	require.Len(t, phys.Fields[Input], 3)
}

func TestPushPopRevertsGlobalState(t *testing.T) {
	// UsagePage(GenDesk), Usage(Mouse), Collection(App), Push,
	// ReportSize=8, ReportCount=2, Input(data,var,abs), Pop,
	// EndCollection
	desc := []byte{
		0x05, 0x01,
		0x09, 0x02,
		0xa1, 0x01,
		0xa4,
		0x75, 0x08,
		0x95, 0x02,
		0x81, 0x02,
		0xb4,
		0xc0,
	}

	p := NewParser()

	d, err := p.Parse(desc)
	require.NoError(t, err)

	fields := d.Fields()
	require.Len(t, fields, 1)

	assert.Equal(t, uint32(8), fields[0].Size)
	assert.Equal(t, uint32(2), fields[0].Count)
	assert.Zero(t, fields[0].BitOffset)

	// Pop restored the pre-Push (zero) values
	assert.Zero(t, p.Global.ReportSize)
	assert.Zero(t, p.Global.ReportCount)

	// the usage page survives, it was set before the Push
	assert.Equal(t, uint16(0x01), p.Global.UsagePage)
}

func TestPopWithoutPush(t *testing.T) {
	_, err := Parse([]byte{0xb4})
	assert.Error(t, err)
}

func TestCollectionDepthBounded(t *testing.T) {
	var desc []byte

	for i := 0; i < StackDepth; i++ {
		desc = append(desc, 0xa1, 0x00)
	}

	_, err := Parse(desc)
	assert.Error(t, err)
}

func TestEndCollectionUnderflow(t *testing.T) {
	_, err := Parse([]byte{0xc0})
	assert.Error(t, err)
}

func TestLongItemSkipped(t *testing.T) {
	// a long item carrying 2 data bytes between two global items
	desc := []byte{
		0x75, 0x08, // Report Size (8)
		0xfe, 0x02, 0x00, 0xaa, 0xbb, // long item, skipped
		0x95, 0x01, // Report Count (1)
		0x81, 0x02, // Input
	}

	d, err := Parse(desc)
	require.NoError(t, err)

	fields := d.Fields()
	require.Len(t, fields, 1)
	assert.Equal(t, uint32(8), fields[0].Size)
	assert.Equal(t, uint32(1), fields[0].Count)
}

func TestReportIDOffsets(t *testing.T) {
	// two reports with distinct ids; each id's bit offsets start at
	// zero
	desc := []byte{
		0x85, 0x01, // Report ID (1)
		0x75, 0x08, 0x95, 0x02, 0x81, 0x02, // 2 bytes input
		0x85, 0x02, // Report ID (2)
		0x75, 0x08, 0x95, 0x04, 0x81, 0x02, // 4 bytes input
	}

	d, err := Parse(desc)
	require.NoError(t, err)

	fields := d.Fields()
	require.Len(t, fields, 2)

	assert.Zero(t, fields[0].BitOffset)
	assert.Zero(t, fields[1].BitOffset)

	assert.Equal(t, 2, d.Size(1, Input))
	assert.Equal(t, 4, d.Size(2, Input))
}

func TestSignedLogicalBounds(t *testing.T) {
	desc := []byte{
		0x16, 0x00, 0x80, // Logical Minimum (-32768), 2-byte
		0x26, 0xff, 0x7f, // Logical Maximum (32767), 2-byte
		0x75, 0x10,
		0x95, 0x01,
		0x81, 0x02,
	}

	d, err := Parse(desc)
	require.NoError(t, err)

	fields := d.Fields()
	require.Len(t, fields, 1)
	assert.Equal(t, int32(-32768), fields[0].LogicalMin)
	assert.Equal(t, int32(32767), fields[0].LogicalMax)
}
