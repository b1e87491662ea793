// Intel Advanced Programmable Interrupt Controller (APIC) driver
// https://github.com/usbarmory/tamago
//
// Copyright (c) WithSecure Corporation
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package apic implements a driver for Intel Local (LAPIC) and I/O (IOAPIC)
// Advanced Programmable Interrupt Controllers adopting the following reference
// specifications:
//   - Intel® 64 and IA-32 Architectures Software Developer’s Manual - Volume 3A - Chapter 10
//
// Driven directly by this kernel's irq package rather than a patched Go
// runtime: LAPIC.Enable/ClearInterrupt and IOAPIC.EnableInterrupt are
// called from irq.Init, irq.dispatch and irq.RegisterHandler instead of a
// ServiceInterrupts goroutine loop.
package apic

const (
	// LAPIC and IOAPICs supported vectors
	MinVector = 16
	MaxVector = 255

	// VER_ENTRIES is the bit offset of the maximum redirection entry
	// field shared by the LAPIC and IOAPIC version registers.
	VER_ENTRIES = 16
)
