// HID report descriptor parser
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package report implements a USB HID report descriptor parser adopting
// the following specification:
//   - HID1.11 - Device Class Definition for HID 1.11 - 6.2.2 Report Descriptor
//
// Short items are parsed in full; long items are skipped. Global item
// state honors Push/Pop through a bounded state stack, and Collection/
// End Collection maintain a bounded collection stack rooted at an
// implicit top-level collection.
package report

import (
	"fmt"

	"github.com/core-kernel/corekernel/kernerr"
)

// Item types (p26, 6.2.2.2, HID1.11)
const (
	itemMain   = 0
	itemGlobal = 1
	itemLocal  = 2
)

// Main item tags (p28, 6.2.2.4, HID1.11)
const (
	tagInput         = 0x8
	tagOutput        = 0x9
	tagCollection    = 0xa
	tagFeature       = 0xb
	tagEndCollection = 0xc
)

// Global item tags (p35, 6.2.2.7, HID1.11)
const (
	tagUsagePage    = 0x0
	tagLogicalMin   = 0x1
	tagLogicalMax   = 0x2
	tagPhysicalMin  = 0x3
	tagPhysicalMax  = 0x4
	tagUnitExponent = 0x5
	tagUnit         = 0x6
	tagReportSize   = 0x7
	tagReportID     = 0x8
	tagReportCount  = 0x9
	tagPush         = 0xa
	tagPop          = 0xb
)

// Local item tags (p39, 6.2.2.8, HID1.11)
const (
	tagUsage    = 0x0
	tagUsageMin = 0x1
	tagUsageMax = 0x2
)

// longItemPrefix introduces a long item, which this parser skips.
const longItemPrefix = 0xfe

// StackDepth bounds both the Push/Pop global state stack and the
// collection nesting depth.
const StackDepth = 16

// Report types, indexing per-type field lists.
type Type int

const (
	Input Type = iota
	Output
	Feature
	numTypes
)

func (t Type) String() string {
	switch t {
	case Input:
		return "Input"
	case Output:
		return "Output"
	case Feature:
		return "Feature"
	default:
		return "Invalid"
	}
}

// Main item flag bits (p28, 6.2.2.4, HID1.11)
const (
	FlagConstant = 1 << 0
	FlagVariable = 1 << 1
	FlagRelative = 1 << 2
)

// Collection types (p33, 6.2.2.6, HID1.11)
const (
	CollectionPhysical    = 0x00
	CollectionApplication = 0x01
	CollectionLogical     = 0x02
)

// GlobalState is the global item state, subject to Push/Pop.
type GlobalState struct {
	UsagePage    uint16
	LogicalMin   int32
	LogicalMax   int32
	PhysicalMin  int32
	PhysicalMax  int32
	Unit         uint32
	UnitExponent int32
	ReportSize   uint32
	ReportCount  uint32
	ReportID     uint8
}

// localState is the local item state, reset after every Main item.
type localState struct {
	usages   []uint32
	usageMin uint32
	usageMax uint32
}

// Field is one report field emitted by an Input, Output or Feature
// item.
type Field struct {
	UsageMin   uint32
	UsageMax   uint32
	LogicalMin int32
	LogicalMax int32
	Size       uint32
	Count      uint32
	BitOffset  uint32
	Flags      uint32
	ReportID   uint8
	Type       Type
}

// Collection is one node of the collection tree; the root is implicit.
type Collection struct {
	// Type is the collection type of the opening item.
	Type uint8
	// Usage is the usage local to the opening item.
	Usage uint32

	Children []*Collection

	// Fields holds the emitted field records per report type.
	Fields [numTypes][]*Field
}

// Descriptor is a parsed report descriptor.
type Descriptor struct {
	// Root is the implicit top-level collection.
	Root *Collection

	fields []*Field
}

// Fields returns every emitted field record across the collection
// tree, in emission order.
func (d *Descriptor) Fields() []*Field {
	return d.fields
}

// Size returns the byte size of the report with the given id and type:
// the highest bit consumed by any matching field, rounded up to whole
// bytes.
func (d *Descriptor) Size(reportID uint8, typ Type) int {
	var bits uint32

	for _, f := range d.fields {
		if f.ReportID != reportID || f.Type != typ {
			continue
		}

		if end := f.BitOffset + f.Size*f.Count; end > bits {
			bits = end
		}
	}

	return int((bits + 7) / 8)
}

// Parser holds the item state machine. Global exposes the global state
// as of the last parsed item.
type Parser struct {
	Global GlobalState

	local localState

	globalStack []GlobalState
	collections []*Collection

	// bit offsets per report type and report id
	offsets map[offsetKey]uint32
}

type offsetKey struct {
	typ Type
	id  uint8
}

// NewParser returns a parser with zeroed state.
func NewParser() *Parser {
	return &Parser{
		offsets: make(map[offsetKey]uint32),
	}
}

// Parse walks the descriptor's items and returns the resulting
// collection tree and field records.
func Parse(data []byte) (*Descriptor, error) {
	return NewParser().Parse(data)
}

// Parse walks the descriptor's items.
func (p *Parser) Parse(data []byte) (*Descriptor, error) {
	root := &Collection{Type: CollectionApplication}

	d := &Descriptor{Root: root}

	p.collections = p.collections[:0]
	p.collections = append(p.collections, root)

	off := 0

	for off < len(data) {
		prefix := data[off]

		// long item: one size byte, one tag byte, data
		if prefix == longItemPrefix {
			if off+2 >= len(data) {
				return nil, fmt.Errorf("%w: truncated long item", kernerr.ErrProtocolError)
			}

			off += 3 + int(data[off+1])
			continue
		}

		size := int(prefix & 0x3)
		if size == 3 {
			size = 4
		}

		if off+1+size > len(data) {
			return nil, fmt.Errorf("%w: truncated item at offset %d", kernerr.ErrProtocolError, off)
		}

		var value uint32

		for i := 0; i < size; i++ {
			value |= uint32(data[off+1+i]) << (8 * i)
		}

		typ := int(prefix >> 2 & 0x3)
		tag := int(prefix >> 4 & 0xf)

		var err error

		switch typ {
		case itemMain:
			err = p.mainItem(d, tag, value)
		case itemGlobal:
			err = p.globalItem(tag, value, size)
		case itemLocal:
			p.localItem(tag, value)
		}

		if err != nil {
			return nil, err
		}

		off += 1 + size
	}

	return d, nil
}

// signed sign-extends an item value by its encoded size.
func signed(value uint32, size int) int32 {
	switch size {
	case 1:
		return int32(int8(value))
	case 2:
		return int32(int16(value))
	default:
		return int32(value)
	}
}

func (p *Parser) current() *Collection {
	return p.collections[len(p.collections)-1]
}

func (p *Parser) mainItem(d *Descriptor, tag int, value uint32) error {
	switch tag {
	case tagInput:
		p.emit(d, Input, value)
	case tagOutput:
		p.emit(d, Output, value)
	case tagFeature:
		p.emit(d, Feature, value)
	case tagCollection:
		if len(p.collections) == StackDepth {
			return fmt.Errorf("%w: collection nesting exceeds %d", kernerr.ErrProtocolError, StackDepth)
		}

		c := &Collection{
			Type:  uint8(value),
			Usage: p.firstUsage(),
		}

		p.current().Children = append(p.current().Children, c)
		p.collections = append(p.collections, c)

		p.local = localState{}
	case tagEndCollection:
		if len(p.collections) == 1 {
			return fmt.Errorf("%w: end collection without collection", kernerr.ErrProtocolError)
		}

		p.collections = p.collections[:len(p.collections)-1]
		p.local = localState{}
	}

	return nil
}

func (p *Parser) globalItem(tag int, value uint32, size int) error {
	switch tag {
	case tagUsagePage:
		p.Global.UsagePage = uint16(value)
	case tagLogicalMin:
		p.Global.LogicalMin = signed(value, size)
	case tagLogicalMax:
		p.Global.LogicalMax = signed(value, size)
	case tagPhysicalMin:
		p.Global.PhysicalMin = signed(value, size)
	case tagPhysicalMax:
		p.Global.PhysicalMax = signed(value, size)
	case tagUnitExponent:
		p.Global.UnitExponent = signed(value, size)
	case tagUnit:
		p.Global.Unit = value
	case tagReportSize:
		p.Global.ReportSize = value
	case tagReportID:
		p.Global.ReportID = uint8(value)
	case tagReportCount:
		p.Global.ReportCount = value
	case tagPush:
		if len(p.globalStack) == StackDepth {
			return fmt.Errorf("%w: global state stack exceeds %d", kernerr.ErrProtocolError, StackDepth)
		}

		p.globalStack = append(p.globalStack, p.Global)
	case tagPop:
		if len(p.globalStack) == 0 {
			return fmt.Errorf("%w: pop without push", kernerr.ErrProtocolError)
		}

		p.Global = p.globalStack[len(p.globalStack)-1]
		p.globalStack = p.globalStack[:len(p.globalStack)-1]
	}

	return nil
}

func (p *Parser) localItem(tag int, value uint32) {
	switch tag {
	case tagUsage:
		p.local.usages = append(p.local.usages, value)
	case tagUsageMin:
		p.local.usageMin = value
	case tagUsageMax:
		p.local.usageMax = value
	}
}

// firstUsage returns the usage naming the next collection, preferring
// the usage list over a range.
func (p *Parser) firstUsage() uint32 {
	if len(p.local.usages) > 0 {
		return p.local.usages[0]
	}

	return p.local.usageMin
}

// emit appends a field record for a Main item to the current
// collection, advances the report's bit offset and resets local state.
func (p *Parser) emit(d *Descriptor, typ Type, flags uint32) {
	usageMin := p.local.usageMin
	usageMax := p.local.usageMax

	if len(p.local.usages) > 0 {
		usageMin = p.local.usages[0]
		usageMax = p.local.usages[len(p.local.usages)-1]
	}

	key := offsetKey{typ: typ, id: p.Global.ReportID}

	f := &Field{
		UsageMin:   usageMin,
		UsageMax:   usageMax,
		LogicalMin: p.Global.LogicalMin,
		LogicalMax: p.Global.LogicalMax,
		Size:       p.Global.ReportSize,
		Count:      p.Global.ReportCount,
		BitOffset:  p.offsets[key],
		Flags:      flags,
		ReportID:   p.Global.ReportID,
		Type:       typ,
	}

	p.offsets[key] += f.Size * f.Count

	c := p.current()
	c.Fields[typ] = append(c.Fields[typ], f)

	d.fields = append(d.fields, f)

	p.local = localState{}
}
