// Interrupt controller support
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package irq

import (
	"github.com/core-kernel/corekernel/internal/reg"
)

// Legacy 8259 programmable interrupt controller ports
const (
	PIC1_CMD  = 0x20
	PIC1_DATA = 0x21
	PIC2_CMD  = 0xa0
	PIC2_DATA = 0xa1

	ICW1_INIT = 0x10
	ICW1_ICW4 = 0x01
	ICW4_8086 = 0x01
)

// maskPIC re-bases both legacy 8259 controllers away from the CPU
// exception range and masks every line, leaving interrupt delivery to
// the IOAPIC. A spurious PIC interrupt, should one still fire, lands on
// a vector with a present gate rather than a fault vector.
func maskPIC() {
	// start the initialization sequence in cascade mode
	reg.Out8(PIC1_CMD, ICW1_INIT|ICW1_ICW4)
	reg.Out8(PIC2_CMD, ICW1_INIT|ICW1_ICW4)

	// vector offsets clear of exceptions
	reg.Out8(PIC1_DATA, IRQBase)
	reg.Out8(PIC2_DATA, IRQBase+8)

	// master/slave wiring on IRQ2
	reg.Out8(PIC1_DATA, 1<<2)
	reg.Out8(PIC2_DATA, 2)

	reg.Out8(PIC1_DATA, ICW4_8086)
	reg.Out8(PIC2_DATA, ICW4_8086)

	// mask every line on both controllers
	reg.Out8(PIC1_DATA, 0xff)
	reg.Out8(PIC2_DATA, 0xff)
}
