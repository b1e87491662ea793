// Package pmm implements the kernel's physical frame allocator: a
// bitmap over all usable RAM reported by the boot loader, first-fit
// over free runs with page-granular alignment. Bit-level accounting,
// rather than free-list merging, keeps multi-page frees trivial for the
// heap's large-allocation path.
package pmm

import (
	"sync"

	"github.com/core-kernel/corekernel/boot"
	"github.com/core-kernel/corekernel/kernerr"
)

// PageSize is the unit of physical allocation.
const PageSize = 4096

// DMA32Limit bounds the AllocDMA32 search to physical addresses below 4
// GiB, for controllers (like xHCI command/event rings before 64-bit
// addressing is confirmed) that need DMA-capable memory.
const DMA32Limit = 4 << 30

// FrameIndex addresses one physical frame (frame N covers
// [N*PageSize, (N+1)*PageSize)).
type FrameIndex uint64

// Addr returns the physical base address of the frame.
func (f FrameIndex) Addr() uint64 {
	return uint64(f) * PageSize
}

// FrameOf returns the frame index containing a physical address.
func FrameOf(addr uint64) FrameIndex {
	return FrameIndex(addr / PageSize)
}

// Bitmap is the physical frame allocator. The zero value is not usable;
// construct with New.
type Bitmap struct {
	mu        sync.Mutex
	bits      []byte
	maxFrames FrameIndex
	free      int
}

func (b *Bitmap) used(f FrameIndex) bool {
	if f >= b.maxFrames {
		return true
	}

	return b.bits[f/8]&(1<<(f%8)) != 0
}

func (b *Bitmap) mark(f FrameIndex, used bool) {
	if f >= b.maxFrames {
		return
	}

	wasUsed := b.bits[f/8]&(1<<(f%8)) != 0

	if used {
		b.bits[f/8] |= 1 << (f % 8)
	} else {
		b.bits[f/8] &^= 1 << (f % 8)
	}

	switch {
	case wasUsed && !used:
		b.free++
	case !wasUsed && used:
		b.free--
	}
}

// New builds the allocator bitmap: size it to cover the
// highest physical address, mark everything used, then clear bits for
// every Usable region, then re-mark the kernel image as used. The
// bitmap's own backing storage is not marked used.
func New(cfg *boot.Config) *Bitmap {
	top := cfg.HighestAddress()
	maxFrames := FrameIndex((top + PageSize - 1) / PageSize)

	b := &Bitmap{
		bits:      make([]byte, (maxFrames+7)/8),
		maxFrames: maxFrames,
	}

	// (a) everything outside usable ranges remains used forever: start
	// all-used.
	for i := range b.bits {
		b.bits[i] = 0xff
	}

	for _, e := range cfg.MemoryMap {
		if e.Type != boot.Usable {
			continue
		}

		first := FrameOf(e.Base)
		last := FrameOf(e.End() - 1)

		for f := first; f <= last && f < maxFrames; f++ {
			b.mark(f, false)
		}
	}

	// (b) the kernel image is marked used at init.
	b.reserve(cfg.KernelPhysBase, cfg.KernelSize)

	// The bitmap's own backing pages cannot be expressed as a physical
	// range until the caller knows where they were placed (this kernel
	// allocates the bitmap from the kernel's BSS/heap, not from a frame
	// it must self-track); callers that place the bitmap in frame-backed
	// memory should additionally call Reserve with that range.

	return b
}

// reserve marks every frame covered by [base, base+length) used,
// regardless of the region's prior state.
func (b *Bitmap) reserve(base, length uint64) {
	if length == 0 {
		return
	}

	first := FrameOf(base)
	last := FrameOf(base + length - 1)

	for f := first; f <= last && f < b.maxFrames; f++ {
		b.mark(f, true)
	}
}

// Reserve marks a physical range used without affecting the free count
// accounting of an already-allocated run (used by callers placing
// boot-time structures after New has run).
func (b *Bitmap) Reserve(base, length uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reserve(base, length)
}

// findRun returns the first frame of a free run of n frames satisfying
// align (in frames), restricted to frames below limit (0 means
// unrestricted).
func (b *Bitmap) findRun(n int, align int, limit FrameIndex) (FrameIndex, bool) {
	if align < 1 {
		align = 1
	}

	bound := b.maxFrames
	if limit != 0 && limit < bound {
		bound = limit
	}

	var run int
	var start FrameIndex

	for f := FrameIndex(0); f < bound; f++ {
		if b.used(f) {
			run = 0
			continue
		}

		if run == 0 {
			if int(f)%align != 0 {
				continue
			}
			start = f
		}

		run++

		if run == n {
			return start, true
		}
	}

	return 0, false
}

// Alloc finds and marks used a run of n contiguous frames meeting the
// given alignment (in frames, not bytes).
func (b *Bitmap) Alloc(n int, align int) (FrameIndex, error) {
	return b.alloc(n, align, 0)
}

// AllocDMA32 is the bounded variant restricted to frames addressable
// below 4 GiB, for DMA-capable allocations.
func (b *Bitmap) AllocDMA32(n int, align int) (FrameIndex, error) {
	return b.alloc(n, align, FrameOf(DMA32Limit))
}

func (b *Bitmap) alloc(n int, align int, limit FrameIndex) (FrameIndex, error) {
	if n <= 0 {
		return 0, kernerr.ErrInvalidArgument
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	start, ok := b.findRun(n, align, limit)
	if !ok {
		return 0, kernerr.ErrOutOfMemory
	}

	for f := start; f < start+FrameIndex(n); f++ {
		b.mark(f, true)
	}

	return start, nil
}

// Free clears n frames starting at first. The caller supplies the size
// since a single bit-clear has no notion of an allocation's extent.
func (b *Bitmap) Free(first FrameIndex, n int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for f := first; f < first+FrameIndex(n); f++ {
		b.mark(f, false)
	}
}

// FreeFrames returns the number of currently free frames, letting
// callers assert that alloc/free sequences conserve the free count.
func (b *Bitmap) FreeFrames() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.free
}

// MaxFrame returns one past the highest frame index the bitmap tracks.
func (b *Bitmap) MaxFrame() FrameIndex {
	return b.maxFrames
}
