// Kernel bring-up
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// The corekernel command is the freestanding kernel image entry point:
// it consumes the loader hand-off, brings up memory management,
// interrupts and the cooperative scheduler, then starts the USB stack
// and hands control to the task switcher.
package main

import (
	"log"

	"github.com/core-kernel/corekernel/amd64"
	"github.com/core-kernel/corekernel/boot"
	"github.com/core-kernel/corekernel/dma"
	"github.com/core-kernel/corekernel/input"
	"github.com/core-kernel/corekernel/irq"
	"github.com/core-kernel/corekernel/kernerr"
	"github.com/core-kernel/corekernel/klog"
	"github.com/core-kernel/corekernel/mm/heap"
	"github.com/core-kernel/corekernel/mm/pmm"
	"github.com/core-kernel/corekernel/mm/vmm"
	"github.com/core-kernel/corekernel/sched"
	"github.com/core-kernel/corekernel/soc/intel/uart"
	"github.com/core-kernel/corekernel/usb"
	"github.com/core-kernel/corekernel/usb/hid"
	"github.com/core-kernel/corekernel/usb/hub"
	"github.com/core-kernel/corekernel/usb/xhci"
)

// LoaderConfig is populated by the platform entry stub from the boot
// loader's hand-off structures before main runs.
var LoaderConfig = &boot.Config{}

// COM1 is the legacy serial console port.
const COM1 = 0x3f8

// dmaSize is the size of the global DMA region carved below 4 GiB for
// controller-visible structures.
const dmaSize = 8 << 20

// xhciLine is the legacy IRQ line the xHCI interrupter is routed to
// when MSI-X is unavailable; its MSI-X vector is derived from the same
// line.
const xhciLine = 10

var (
	cpu     = &amd64.CPU{}
	console = &uart.UART{Index: 1, Base: COM1}
)

func fatal(reason string, err error) {
	kernerr.Panic(kernerr.Context{
		Reason: reason + ": " + err.Error(),
	})
}

func main() {
	console.Init()

	klog.Default.SetOutput(console)
	log.SetOutput(&klog.Default)
	log.SetFlags(0)

	kernerr.Halt = cpu.Halt

	cfg := LoaderConfig

	// physical and virtual memory
	frames := pmm.New(cfg)

	mmu, err := vmm.Init(frames, cfg)
	if err != nil {
		fatal("vmm", err)
	}

	cpu.SetAddressSpace(mmu.PML4())
	cpu.Init()

	kmem := heap.New(frames, cfg.HHDMOffset)

	// the DMA region backing rings, contexts and transfer buffers must
	// be physically contiguous and reachable by 32-bit capable
	// controllers
	frame, err := frames.AllocDMA32(dmaSize/pmm.PageSize, 1)
	if err != nil {
		fatal("dma region", err)
	}

	dma.Init(uint(frame.Addr()), dmaSize)

	// interrupts
	idt, err := kmem.AllocLarge(pmm.PageSize)
	if err != nil {
		fatal("idt", err)
	}

	intc := irq.New(0xfee00000, 0xfec00000, mmu, idt)

	if err := intc.Init(); err != nil {
		fatal("irq", err)
	}

	// cooperative scheduler, rescheduling flagged by the timer line
	tasks := sched.New()
	tasks.Mask = irq.Disable
	tasks.Unmask = irq.Enable

	if err := intc.RegisterHandler(0, tasks.TimerTick); err != nil {
		fatal("timer irq", err)
	}

	// USB stack
	stack := usb.New()
	hidDriver := hid.New(&input.Default)

	if err := stack.RegisterDriver(hub.New(stack)); err != nil {
		fatal("hub driver", err)
	}

	if err := stack.RegisterDriver(hidDriver); err != nil {
		fatal("hid driver", err)
	}

	hc, err := xhci.Detect(dma.Default(), irq.IRQBase+xhciLine)

	switch {
	case err != nil:
		klog.Default.Warnf("usb: %v", err)
	default:
		if err = stack.RegisterController(hc); err != nil {
			fatal("xhci", err)
		}

		if err = intc.RegisterHandler(xhciLine, func() { hc.Poll() }); err != nil {
			fatal("xhci irq", err)
		}

		hc.ScanPorts(stack)

		if _, err = tasks.AddTask(func(any) {
			for {
				hidDriver.Poll()
				tasks.Yield()
			}
		}, nil); err != nil {
			fatal("usb poll task", err)
		}
	}

	klog.Default.Infof("core: %s at %d MHz, %d free frames",
		cpu.Name(), cpu.Freq()/1e6, frames.FreeFrames())

	tasks.Run()
}
