// https://github.com/usbarmory/tamago
//
// Copyright (c) The TamaGo Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package reg

// defined in msr_amd64.s
func Msr(addr uint32) (val uint32)

// Rdmsr64 reads a full 64-bit model-specific register.
func Rdmsr64(addr uint32) (val uint64)

// Wrmsr64 writes a full 64-bit model-specific register.
func Wrmsr64(addr uint32, val uint64)
