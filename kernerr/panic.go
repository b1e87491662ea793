// Kernel error vocabulary
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package kernerr

import (
	"github.com/core-kernel/corekernel/klog"
)

// Context carries the machine state printed by a fatal diagnostic.
// Zero-valued fields are omitted from the output.
type Context struct {
	// Reason is the one-line cause.
	Reason string

	// RIP is the faulting instruction pointer, when known.
	RIP uint64
	// CR2 is the faulting address of a page fault.
	CR2 uint64
	// ErrorCode is the exception error code, when the fault pushes
	// one.
	ErrorCode uint64

	// Controller state of an xHCI diagnostic.
	USBSTS uint64
	CRCR   uint64
	ERDP   uint64
}

// Halt is installed at boot with the platform's halt primitive; a
// diagnostic with no halt installed spins forever instead.
var Halt func()

// Panic prints a structured fatal diagnostic through the kernel log and
// halts the processor. It never returns and performs no unwinding.
func Panic(ctx Context) {
	klog.Default.Fatalf("panic: %s", ctx.Reason)

	if ctx.RIP != 0 {
		klog.Default.Fatalf("panic: RIP=%#016x", ctx.RIP)
	}

	if ctx.CR2 != 0 || ctx.ErrorCode != 0 {
		klog.Default.Fatalf("panic: CR2=%#016x error=%#x", ctx.CR2, ctx.ErrorCode)
	}

	if ctx.USBSTS != 0 || ctx.CRCR != 0 || ctx.ERDP != 0 {
		klog.Default.Fatalf("panic: USBSTS=%#x CRCR=%#x ERDP=%#x", ctx.USBSTS, ctx.CRCR, ctx.ERDP)
	}

	if Halt != nil {
		Halt()
	}

	for {
	}
}
