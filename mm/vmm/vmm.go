// Package vmm implements the kernel's 4-level x86_64 page-table
// manager: identity + HHDM + kernel-image mappings, mixed 4 KiB/2 MiB
// leaves, and the page-fault handler's lazy kernel-range allocation
// path. Tables are grown on demand from the physical frame allocator;
// the kernel owns CR3 for its whole lifetime.
package vmm

import (
	"fmt"
	"sync"

	"github.com/core-kernel/corekernel/boot"
	"github.com/core-kernel/corekernel/internal/reg"
	"github.com/core-kernel/corekernel/kernerr"
	"github.com/core-kernel/corekernel/mm/pmm"
)

const (
	PageSize = 4096
	HugeSize = 2 << 20

	// AMD64 Architecture Programmer's Manual, Figure 5-17: 4-Kbyte Page
	// Translation, 4-level paging.
	indexPML4    = 39
	indexPDPT    = 30
	indexPD      = 21
	indexPT      = 12
	indexMask    = 0x1ff
	addrMask     = 0x000ffffffffff000
	tableEntries = 512
)

// Flags mirror the x86_64 page-table entry bits.
type Flags uint64

const (
	PAGE_PRESENT       Flags = 1 << 0
	PAGE_WRITE         Flags = 1 << 1
	PAGE_CACHE_DISABLE Flags = 1 << 4
	PAGE_HUGE          Flags = 1 << 7 // valid at PD level only
	PAGE_GLOBAL        Flags = 1 << 8
)

// KernelRangeStart/End bound the virtual addresses the page-fault handler
// is permitted to lazily back with a fresh zeroed frame.
var (
	KernelRangeStart uint64
	KernelRangeEnd   uint64
)

// Manager owns one PML4 and the frame allocator used to grow it.
type Manager struct {
	mu    sync.Mutex
	pml4  uint64 // physical address
	pmm   *pmm.Bitmap
	hhdm  uint64
}

var active *Manager

// Active returns the manager installed by the most recent Init/Switch call,
// used by the page-fault gate in package irq.
func Active() *Manager { return active }

func zero(phys uint64, hhdm uint64) {
	ptr := phys + hhdm
	for i := uint64(0); i < PageSize; i += 8 {
		reg.Write64(ptr+i, 0)
	}
}

// New creates an empty address space backed by a freshly allocated,
// zeroed PML4.
func New(alloc *pmm.Bitmap, hhdmOffset uint64) (*Manager, error) {
	f, err := alloc.Alloc(1, 1)
	if err != nil {
		return nil, fmt.Errorf("vmm: allocate pml4: %w", err)
	}

	phys := f.Addr()
	zero(phys, hhdmOffset)

	return &Manager{pml4: phys, pmm: alloc, hhdm: hhdmOffset}, nil
}

// entryAddr returns the HHDM virtual address of entry idx within the table
// physically based at tableAddr.
func (m *Manager) entryAddr(tableAddr uint64, idx uint64) uint64 {
	return tableAddr + m.hhdm + idx*8
}

// ensureTable returns the physical address of the child table at index idx
// within the table based at tableAddr, allocating and zeroing one if the
// entry is absent. It always unions PAGE_WRITE into the parent entry's
// flags so that writable leaves further down remain reachable.
func (m *Manager) ensureTable(tableAddr uint64, idx uint64) (uint64, error) {
	addr := m.entryAddr(tableAddr, idx)
	entry := reg.Read64(addr)

	if entry&uint64(PAGE_PRESENT) != 0 {
		if entry&uint64(PAGE_WRITE) == 0 {
			reg.Write64(addr, entry|uint64(PAGE_WRITE))
		}
		return entry & addrMask, nil
	}

	f, err := m.pmm.Alloc(1, 1)
	if err != nil {
		return 0, fmt.Errorf("vmm: allocate page table: %w", err)
	}

	child := f.Addr()
	zero(child, m.hhdm)

	reg.Write64(addr, child|uint64(PAGE_PRESENT)|uint64(PAGE_WRITE))

	return child, nil
}

func indices(virt uint64) (pml4, pdpt, pd, pt uint64) {
	return (virt >> indexPML4) & indexMask,
		(virt >> indexPDPT) & indexMask,
		(virt >> indexPD) & indexMask,
		(virt >> indexPT) & indexMask
}

// splitHuge replaces a 2 MiB PD leaf with a newly allocated PT containing
// 512 4 KiB entries that preserve the original mapping's contiguity and
// flags.
func (m *Manager) splitHuge(pdAddr uint64, pdIdx uint64) (uint64, error) {
	pdEntryAddr := m.entryAddr(pdAddr, pdIdx)
	pdEntry := reg.Read64(pdEntryAddr)

	basePhys := pdEntry & addrMask
	flags := pdEntry &^ addrMask &^ uint64(PAGE_HUGE)

	f, err := m.pmm.Alloc(1, 1)
	if err != nil {
		return 0, fmt.Errorf("vmm: allocate split page table: %w", err)
	}

	pt := f.Addr()
	zero(pt, m.hhdm)

	for i := uint64(0); i < tableEntries; i++ {
		leaf := (basePhys + i*PageSize) | flags | uint64(PAGE_PRESENT)
		reg.Write64(m.entryAddr(pt, i), leaf)
	}

	reg.Write64(pdEntryAddr, pt|uint64(PAGE_PRESENT)|uint64(PAGE_WRITE))

	return pt, nil
}

// Map installs a mapping from virt to phys with the given flags. A request
// with PAGE_HUGE set maps a 2 MiB page at the PD level, replacing any prior
// 4 KiB PT in its place; a request without PAGE_HUGE over an existing huge
// mapping transparently splits it first.
func (m *Manager) Map(virt, phys uint64, flags Flags) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	i4, i3, i2, i1 := indices(virt)

	pdpt, err := m.ensureTable(m.pml4, i4)
	if err != nil {
		return err
	}

	pd, err := m.ensureTable(pdpt, i3)
	if err != nil {
		return err
	}

	if flags&PAGE_HUGE != 0 {
		leaf := (phys &^ (HugeSize - 1)) | uint64(flags) | uint64(PAGE_PRESENT)
		reg.Write64(m.entryAddr(pd, i2), leaf)
		return nil
	}

	pdEntryAddr := m.entryAddr(pd, i2)
	pdEntry := reg.Read64(pdEntryAddr)

	var pt uint64

	if pdEntry&uint64(PAGE_PRESENT) != 0 && pdEntry&uint64(PAGE_HUGE) != 0 {
		pt, err = m.splitHuge(pd, i2)
	} else {
		pt, err = m.ensureTable(pd, i2)
	}

	if err != nil {
		return err
	}

	leaf := (phys &^ (PageSize - 1)) | uint64(flags) | uint64(PAGE_PRESENT)
	reg.Write64(m.entryAddr(pt, i1), leaf)

	return nil
}

// MapRange maps a contiguous [virt, virt+size) range in steps of 2 MiB
// where both virt and phys are huge-aligned and the remaining size allows
// it, falling back to 4 KiB steps otherwise, used by Init to build the
// identity and HHDM mappings.
func (m *Manager) MapRange(virt, phys, size uint64, flags Flags) error {
	var mapped uint64

	for mapped < size {
		remaining := size - mapped
		hugeAligned := (virt+mapped)%HugeSize == 0 && (phys+mapped)%HugeSize == 0

		if hugeAligned && remaining >= HugeSize {
			if err := m.Map(virt+mapped, phys+mapped, flags|PAGE_HUGE); err != nil {
				return err
			}
			mapped += HugeSize
			continue
		}

		if err := m.Map(virt+mapped, phys+mapped, flags&^PAGE_HUGE); err != nil {
			return err
		}
		mapped += PageSize
	}

	return nil
}

// Unmap clears whatever mapping (huge or normal) covers virt.
func (m *Manager) Unmap(virt uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	i4, i3, i2, i1 := indices(virt)

	pml4e := reg.Read64(m.entryAddr(m.pml4, i4))
	if pml4e&uint64(PAGE_PRESENT) == 0 {
		return nil
	}

	pdpt := pml4e & addrMask
	pdpte := reg.Read64(m.entryAddr(pdpt, i3))
	if pdpte&uint64(PAGE_PRESENT) == 0 {
		return nil
	}

	pd := pdpte & addrMask
	pdEntryAddr := m.entryAddr(pd, i2)
	pdEntry := reg.Read64(pdEntryAddr)
	if pdEntry&uint64(PAGE_PRESENT) == 0 {
		return nil
	}

	if pdEntry&uint64(PAGE_HUGE) != 0 {
		reg.Write64(pdEntryAddr, 0)
		return nil
	}

	pt := pdEntry & addrMask
	reg.Write64(m.entryAddr(pt, i1), 0)

	return nil
}

// Translate returns the physical address mapped by virt, or 0 if
// unmapped.
func (m *Manager) Translate(virt uint64) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	i4, i3, i2, i1 := indices(virt)

	pml4e := reg.Read64(m.entryAddr(m.pml4, i4))
	if pml4e&uint64(PAGE_PRESENT) == 0 {
		return 0
	}

	pdpte := reg.Read64(m.entryAddr(pml4e&addrMask, i3))
	if pdpte&uint64(PAGE_PRESENT) == 0 {
		return 0
	}

	pdEntryAddr := m.entryAddr(pdpte&addrMask, i2)
	pdEntry := reg.Read64(pdEntryAddr)
	if pdEntry&uint64(PAGE_PRESENT) == 0 {
		return 0
	}

	if pdEntry&uint64(PAGE_HUGE) != 0 {
		return (pdEntry & addrMask) + (virt & (HugeSize - 1))
	}

	pte := reg.Read64(m.entryAddr(pdEntry&addrMask, i1))
	if pte&uint64(PAGE_PRESENT) == 0 {
		return 0
	}

	return (pte & addrMask) + (virt & (PageSize - 1))
}

// PML4 returns the physical address of the manager's top-level table, for
// loading into CR3.
func (m *Manager) PML4() uint64 { return m.pml4 }

// Init constructs the kernel address space: identity-maps
// [0, 4 GiB) with 2 MiB pages (split to 4 KiB where the framebuffer
// overlaps), maps every memmap entry into the HHDM (framebuffer
// uncached), maps the kernel image at its link-time virtual base, and
// maps LAPIC/IOAPIC uncached in the HHDM. It does not switch CR3; callers
// load CR3 themselves through amd64.CPU.SetAddressSpace once satisfied with the result (kept
// out of this package since CR3 loads are architecture-asm, not MMU
// policy).
func Init(alloc *pmm.Bitmap, cfg *boot.Config) (*Manager, error) {
	m, err := New(alloc, cfg.HHDMOffset)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", kernerr.ErrFatal, err)
	}

	const identityTop = 4 << 30 // 4 GiB

	fbStart, fbEnd := uint64(0), uint64(0)
	if cfg.Framebuffer.Present() {
		fbStart = cfg.Framebuffer.Base &^ (PageSize - 1)
		fbEnd = (cfg.Framebuffer.Base + cfg.Framebuffer.Pitch*cfg.Framebuffer.Height + PageSize - 1) &^ (PageSize - 1)
	}

	// (a) identity map [0, 4GiB) with 2 MiB pages, 4 KiB where the
	// framebuffer overlaps.
	for addr := uint64(0); addr < identityTop; {
		if addr%HugeSize != 0 || (fbEnd > fbStart && addr < fbEnd && addr+HugeSize > fbStart) {
			if err := m.Map(addr, addr, PAGE_WRITE); err != nil {
				return nil, fmt.Errorf("%w: identity 4k: %v", kernerr.ErrFatal, err)
			}
			addr += PageSize
			continue
		}

		if err := m.Map(addr, addr, PAGE_WRITE|PAGE_HUGE); err != nil {
			return nil, fmt.Errorf("%w: identity 2m: %v", kernerr.ErrFatal, err)
		}
		addr += HugeSize
	}

	// (b) HHDM: every RAM/ACPI/reclaimable/framebuffer memmap entry,
	// linearly mapped at cfg.HHDMOffset (framebuffer uncached).
	for _, e := range cfg.MemoryMap {
		flags := PAGE_WRITE

		if e.Type == boot.Framebuffer {
			flags |= PAGE_CACHE_DISABLE
		}

		if err := m.MapRange(cfg.HHDMOffset+e.Base, e.Base, e.Length, flags); err != nil {
			return nil, fmt.Errorf("%w: hhdm: %v", kernerr.ErrFatal, err)
		}
	}

	// (c) kernel image at its link-time virtual base.
	if cfg.KernelSize > 0 {
		if err := m.MapRange(cfg.KernelVirtBase, cfg.KernelPhysBase, cfg.KernelSize, PAGE_WRITE|PAGE_GLOBAL); err != nil {
			return nil, fmt.Errorf("%w: kernel image: %v", kernerr.ErrFatal, err)
		}
	}

	// (d) LAPIC/IOAPIC mapped uncached in HHDM.
	const lapicBase = 0xFEE00000
	const ioapicBase = 0xFEC00000

	if err := m.Map(cfg.HHDMOffset+lapicBase, lapicBase, PAGE_WRITE|PAGE_CACHE_DISABLE|PAGE_GLOBAL); err != nil {
		return nil, fmt.Errorf("%w: lapic map: %v", kernerr.ErrFatal, err)
	}

	if err := m.Map(cfg.HHDMOffset+ioapicBase, ioapicBase, PAGE_WRITE|PAGE_CACHE_DISABLE|PAGE_GLOBAL); err != nil {
		return nil, fmt.Errorf("%w: ioapic map: %v", kernerr.ErrFatal, err)
	}

	KernelRangeStart = cfg.KernelVirtBase
	KernelRangeEnd = cfg.KernelVirtBase + cfg.KernelSize + (256 << 20)

	active = m

	return m, nil
}

// HandlePageFault services a page fault: if the faulting address lies
// in the kernel range and has no mapping, lazily allocate a zeroed
// frame and map it writable; otherwise the caller (irq's vector-14
// gate) must treat the fault as fatal.
func (m *Manager) HandlePageFault(cr2 uint64) error {
	if cr2 < KernelRangeStart || cr2 >= KernelRangeEnd {
		return fmt.Errorf("%w: page fault outside kernel range at %#x", kernerr.ErrFatal, cr2)
	}

	if m.Translate(cr2) != 0 {
		return fmt.Errorf("%w: page fault on mapped address %#x", kernerr.ErrFatal, cr2)
	}

	f, err := m.pmm.Alloc(1, 1)
	if err != nil {
		return fmt.Errorf("%w: lazy page fault allocation: %v", kernerr.ErrOutOfMemory, err)
	}

	phys := f.Addr()
	zero(phys, m.hhdm)

	page := cr2 &^ (PageSize - 1)

	return m.Map(page, phys, PAGE_WRITE)
}
