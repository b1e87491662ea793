// xHCI host controller driver
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package xhci

import (
	"encoding/binary"
	"runtime"

	"github.com/core-kernel/corekernel/internal/reg"
)

func put32(b []byte, val uint32) {
	binary.LittleEndian.PutUint32(b, val)
}

func get32(b []byte) uint32 {
	return binary.LittleEndian.Uint32(b)
}

func put64(b []byte, val uint64) {
	binary.LittleEndian.PutUint64(b, val)
}

// put64at stores a 64-bit value at a physical address in DMA-reachable
// memory.
func put64at(addr uint64, val uint64) {
	reg.Write64(addr, val)
}

// read64at loads a 64-bit value from a physical address.
func read64at(addr uint64) uint64 {
	return reg.Read64(addr)
}

// spin is one iteration of a bounded busy-wait; on a cooperative
// kernel it gives other runnable contexts a chance.
func spin() {
	runtime.Gosched()
}
