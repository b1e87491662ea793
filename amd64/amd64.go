// x86-64 processor support
// https://github.com/usbarmory/tamago
//
// Copyright (c) The TamaGo Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package amd64 provides support for AMD64 architecture specific
// operations: CPUID feature detection, Time Stamp Counter access and
// the control register operations the memory manager depends on.
package amd64

import (
	"github.com/core-kernel/corekernel/internal/reg"
)

// CPU instance
type CPU struct {
	// TimerMultiplier is the fixed TSC to nanoseconds conversion
	// factor.
	TimerMultiplier float64
	// TimerOffset is the calibrated time offset in nanoseconds.
	TimerOffset int64

	// core frequency in Hz
	freq uint32

	features Features
}

// defined in amd64.s
func halt()
func read_cr2() uint64
func read_cr3() uint64
func write_cr3(addr uint64)
func invlpg(addr uint64)

// Init performs initialization of an AMD64 core instance: feature
// detection and timer calibration.
func (cpu *CPU) Init() {
	cpu.initFeatures()
	cpu.initTimers()
}

// Name returns the CPU identifier.
func (cpu *CPU) Name() string {
	return "AMD64"
}

// Halt stops instruction execution permanently: it re-enters HLT after
// every interrupt and never returns.
func (cpu *CPU) Halt() {
	for {
		halt()
	}
}

// FaultAddress returns the faulting address of the most recent page
// fault exception.
func (cpu *CPU) FaultAddress() uint64 {
	return read_cr2()
}

// AddressSpace returns the physical address of the active top-level
// page table.
func (cpu *CPU) AddressSpace() uint64 {
	return read_cr3()
}

// SetAddressSpace loads a top-level page table, flushing all non-global
// translations.
func (cpu *CPU) SetAddressSpace(pml4 uint64) {
	reg.Fence()
	write_cr3(pml4)
}

// FlushAddress invalidates the translation cached for a single virtual
// address.
func (cpu *CPU) FlushAddress(virt uint64) {
	reg.Fence()
	invlpg(virt)
}
