// Intel Advanced Programmable Interrupt Controller (APIC) driver
// https://github.com/usbarmory/tamago
//
// Copyright (c) WithSecure Corporation
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package apic

import (
	"github.com/core-kernel/corekernel/internal/reg"
)

// LAPIC registers
const (
	LAPICID  = 0x20
	LAPICVER = 0x30
	LAPICEOI = 0xb0

	LAPICSVR   = 0xf0
	SVR_ENABLE = 8

	// IA32_APIC_BASE model-specific register.
	IA32_APIC_BASE = 0x1b
	APIC_BASE_EN   = 11

	LAPICICRL = 0x300
	LAPICICRH = 0x310

	ICR_DLV_STATUS = 12
	ICR_DLV_FIXED  = 0b000 << 8
	ICR_DLV_NMI    = 0b100 << 8

	LAPICLVTTIMER = 0x320
	TIMER_MODE    = 17

	TimerOneShot  = 0b00
	TimerPeriodic = 0b01
)

// LAPIC represents a Local APIC instance.
type LAPIC struct {
	// Base register
	Base uint32
}

// ID returns the LAPIC identification register.
func (io *LAPIC) ID() uint32 {
	return reg.Get(io.Base+LAPICID, 24, 0xf)
}

// Version returns the LAPIC version register.
func (io *LAPIC) Version() uint32 {
	return reg.Read(io.Base + LAPICVER)
}

// Entries returns the size of the LAPIC local vector table.
func (io *LAPIC) Entries() int {
	maxIndex := reg.Get(io.Base+LAPICVER, VER_ENTRIES, 0xff)
	return int(maxIndex) + 1
}

// Enable enables the Local APIC: the APIC-base MSR global
// enable bit followed by a spurious-interrupt-vector write that both sets
// the software-enable bit and programs the spurious vector number.
func (io *LAPIC) Enable(spuriousVector uint32) {
	base := reg.Rdmsr64(IA32_APIC_BASE)
	base |= 1 << APIC_BASE_EN
	reg.Wrmsr64(IA32_APIC_BASE, base)

	reg.SetN(io.Base+LAPICSVR, 0, 0xff, spuriousVector)
	reg.Set(io.Base+LAPICSVR, SVR_ENABLE)
}

// Disable disables the Local APIC.
func (io *LAPIC) Disable() {
	reg.Clear(io.Base+LAPICSVR, SVR_ENABLE)
}

// ClearInterrupt signals the end of an interrupt handling routine.
func (io *LAPIC) ClearInterrupt() {
	reg.Write(io.Base+LAPICEOI, 0)
}

// SetTimer configures the LAPIC LVT Timer with the argument vector and mode
// (TimerOneShot/TimerPeriodic).
func (io *LAPIC) SetTimer(vector int, mode int) {
	var val uint32

	val = uint32(vector) & 0xff
	val |= uint32(mode&0b11) << TIMER_MODE

	reg.Write(io.Base+LAPICLVTTIMER, val)
}

// IPI sends an Inter-Processor Interrupt and spins until the ICR delivery
// status bit clears.
func (io *LAPIC) IPI(apicID int, vector int, deliveryMode uint32) {
	reg.SetN(io.Base+LAPICICRH, 24, 0xff, uint32(apicID))
	reg.Write(io.Base+LAPICICRL, deliveryMode|uint32(vector&0xff))

	for reg.Get(io.Base+LAPICICRL, ICR_DLV_STATUS, 1) == 1 {
	}
}
