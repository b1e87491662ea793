// https://github.com/usbarmory/tamago
//
// Copyright (c) The TamaGo Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package reg

import (
	"unsafe"
)

// Read8 and Write8 give byte-granular MMIO access alongside Read64/Write64,
// for callers copying a tail shorter than one 64-bit word (e.g. heap.Realloc).
//
// As sync/atomic does not provide 8-bit support, note that these functions do
// not necessarily enforce memory ordering.

func Read8(addr uint64) uint8 {
	reg := (*uint8)(unsafe.Pointer(uintptr(addr)))
	return *reg
}

func Write8(addr uint64, val uint8) {
	reg := (*uint8)(unsafe.Pointer(uintptr(addr)))
	*reg = val
}
