// xHCI host controller driver
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package xhci

import (
	"fmt"

	"github.com/core-kernel/corekernel/dma"
	"github.com/core-kernel/corekernel/kernerr"
	"github.com/core-kernel/corekernel/soc/intel/pci"
)

// PCI class code of a USB3 xHCI host controller
const (
	classSerialBus = 0x0c
	subclassUSB    = 0x03
	progIfXHCI     = 0x30
)

// lapicBase is the default local APIC address MSI-X messages target.
const lapicBase = 0xfee00000

// Detect scans the PCI buses for the first xHCI host controller,
// enables memory access and bus mastering for it, and returns a
// Controller bound to its MMIO base address register.
//
// The returned controller still requires Init; vector, when an MSI-X
// capability is present, is the IDT vector its interrupter 0 is routed
// to.
func Detect(mem *dma.Region, vector int) (*Controller, error) {
	for bus := 0; bus < 256; bus++ {
		for _, d := range pci.Devices(bus) {
			class, subclass, progIF := d.ClassCode()

			if class != classSerialBus || subclass != subclassUSB || progIF != progIfXHCI {
				continue
			}

			base := d.BaseAddress(0)

			if base == 0 {
				return nil, fmt.Errorf("%w: xHCI controller %04x:%04x has no MMIO BAR",
					kernerr.ErrFatal, d.Vendor, d.Device)
			}

			d.EnableMaster()

			hc := &Controller{
				Base:   uint64(base),
				Memory: mem,
				IRQ:    vector,
			}

			enableMSIX(d, vector)

			return hc, nil
		}
	}

	return nil, fmt.Errorf("%w: no xHCI controller found", kernerr.ErrUnsupported)
}

// enableMSIX routes the controller's MSI-X table entry 0 to the given
// IDT vector, when the capability is present; controllers without it
// fall back to their PCI interrupt line.
func enableMSIX(d *pci.Device, vector int) {
	for off, hdr := range d.Capabilities() {
		if hdr.Vendor != pci.MSIX {
			continue
		}

		msix := &pci.CapabilityMSIX{}

		if err := msix.Unmarshal(d, off); err != nil {
			return
		}

		msix.EnableInterrupt(0, lapicBase, uint32(vector))

		return
	}
}
