package vmm

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"

	"github.com/core-kernel/corekernel/boot"
	"github.com/core-kernel/corekernel/mm/pmm"
)

// backing simulates physical RAM: every physical address this test hands
// the manager is really an offset into this Go-owned buffer, reached
// through hhdmOffset exactly the way real HHDM addressing works.
func newBacking(t *testing.T, size int) uint64 {
	t.Helper()
	buf := make([]byte, size)
	return uint64(uintptr(unsafe.Pointer(&buf[0])))
}

func testSetup(t *testing.T) (*Manager, *pmm.Bitmap) {
	t.Helper()

	hhdm := newBacking(t, 8<<20)

	cfg := &boot.Config{
		MemoryMap: []boot.MemoryMapEntry{
			{Base: 0x0, Length: 4 << 20, Type: boot.Usable},
		},
		HHDMOffset:     hhdm,
		KernelPhysBase: 0,
		KernelSize:     0,
	}

	b := pmm.New(cfg)
	m, err := New(b, hhdm)
	require.NoError(t, err)

	return m, b
}

func TestMapTranslateRoundTrip(t *testing.T) {
	m, _ := testSetup(t)

	const virt = 0x2000
	const phys = 0x3000

	require.NoError(t, m.Map(virt, phys, PAGE_WRITE))
	require.Equal(t, uint64(phys), m.Translate(virt))
}

func TestTranslateUnmappedIsZero(t *testing.T) {
	m, _ := testSetup(t)
	require.Zero(t, m.Translate(0x123000))
}

func TestUnmapClearsTranslation(t *testing.T) {
	m, _ := testSetup(t)

	require.NoError(t, m.Map(0x4000, 0x5000, PAGE_WRITE))
	require.NoError(t, m.Unmap(0x4000))
	require.Zero(t, m.Translate(0x4000))
}

func TestHugeMapping(t *testing.T) {
	m, _ := testSetup(t)

	require.NoError(t, m.Map(0, 0, PAGE_WRITE|PAGE_HUGE))
	require.Equal(t, uint64(0x1000), m.Translate(0x1000))
	require.Equal(t, uint64(HugeSize-PageSize), m.Translate(HugeSize-PageSize))
}

// TestSplitHugePreservesContiguity: mapping a 4 KiB page inside an
// existing 2 MiB mapping must split it while every untouched 4 KiB slot
// keeps translating to its original contiguous physical address.
func TestSplitHugePreservesContiguity(t *testing.T) {
	m, _ := testSetup(t)

	require.NoError(t, m.Map(0, 0, PAGE_WRITE|PAGE_HUGE))

	// Split by remapping one page with different flags (still same phys
	// target, to isolate the split from a value change).
	require.NoError(t, m.Map(PageSize, PageSize, PAGE_WRITE))

	for off := uint64(0); off < HugeSize; off += PageSize {
		require.Equal(t, off, m.Translate(off), "offset %#x must still translate contiguously after split", off)
	}
}

func TestPageFaultLazyAllocatesInKernelRange(t *testing.T) {
	m, _ := testSetup(t)

	KernelRangeStart = 0x100000
	KernelRangeEnd = 0x200000

	addr := uint64(0x100500)
	require.Zero(t, m.Translate(addr&^(PageSize-1)))

	require.NoError(t, m.HandlePageFault(addr))
	require.NotZero(t, m.Translate(addr&^(PageSize-1)))
}

func TestPageFaultOutsideKernelRangeIsFatal(t *testing.T) {
	m, _ := testSetup(t)

	KernelRangeStart = 0x100000
	KernelRangeEnd = 0x200000

	err := m.HandlePageFault(0x900000)
	require.Error(t, err)
}

// TestInitBuildsBootAddressSpace builds the full boot address space over
// simulated RAM and checks the three canonical translations: a direct
// map address, its identity-mapped twin, and the kernel image at its
// link-time virtual base.
func TestInitBuildsBootAddressSpace(t *testing.T) {
	hhdm := newBacking(t, 32<<20)

	cfg := &boot.Config{
		MemoryMap: []boot.MemoryMapEntry{
			{Base: 0x0, Length: 0x1000, Type: boot.Reserved},
			{Base: 0x1000, Length: 16 << 20, Type: boot.Usable},
		},
		HHDMOffset:     hhdm,
		KernelPhysBase: 0x100000,
		KernelVirtBase: 0xffffffff80000000,
		KernelSize:     0x100000,
	}

	b := pmm.New(cfg)

	m, err := Init(b, cfg)
	require.NoError(t, err)

	require.Equal(t, uint64(0x2000), m.Translate(hhdm+0x2000))
	require.Equal(t, uint64(0x2000), m.Translate(0x2000))
	require.Equal(t, uint64(0x100000), m.Translate(cfg.KernelVirtBase))

	// the LAPIC and IOAPIC are reachable through the direct map
	require.Equal(t, uint64(0xfee00000), m.Translate(hhdm+0xfee00000))
	require.Equal(t, uint64(0xfec00000), m.Translate(hhdm+0xfec00000))
}
