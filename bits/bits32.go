// https://github.com/usbarmory/tamago
//
// Copyright (c) The TamaGo Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package bits

// IsSet returns whether an individual bit is set within the pointed
// value.
func IsSet(addr *uint32, pos int) bool {
	return (*addr>>pos)&1 == 1
}

// SetTo modifies the pointed value by setting an individual bit at the
// position argument.
func SetTo(addr *uint32, pos int, val bool) {
	if val {
		Set(addr, pos)
	} else {
		Clear(addr, pos)
	}
}

// GetN returns the pointed value at a specific bit position and with a bitmask
// applied. Equivalent to Get.
func GetN(addr *uint32, pos int, mask int) uint32 {
	return Get(addr, pos, mask)
}
