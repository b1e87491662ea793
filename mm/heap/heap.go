// Package heap implements the kernel's bucket allocator: eight
// power-of-two segregated free lists (32..4096 B) backed by pages drawn
// from mm/pmm, plus a direct multi-page path for large requests. A
// bucket refill claims one page and slices it into header-linked
// blocks; free validates the header magic before returning a block to
// its list. Free blocks store their link as a plain uint64 "next"
// address at their own base.
package heap

import (
	"fmt"
	"sync"

	"github.com/core-kernel/corekernel/internal/reg"
	"github.com/core-kernel/corekernel/kernerr"
	"github.com/core-kernel/corekernel/mm/pmm"
)

const (
	pageSize = 4096
	magic    = 0xCAFEB10C

	// headerSize is the on-wire size of a Header: magic(4) + bucket(4)
	// + size(4) + pages(4), with no padding. A free block's link word
	// is stored at the block base, over the header.
	headerSize = 16

	// largeSentinel marks a header as a direct multi-page allocation
	// rather than a bucket slot.
	largeSentinel = -1
)

// bucketSizes are the eight power-of-two size classes, as total block
// sizes with the header included; a block's usable payload is its class
// size minus headerSize.
var bucketSizes = [8]int{32, 64, 128, 256, 512, 1024, 2048, 4096}

// largeThreshold is the largest request still served by a bucket;
// anything above goes through the direct multi-page path.
const largeThreshold = 4032

// Header precedes every pointer the allocator hands out.
type Header struct {
	Magic  uint32
	Bucket int32
	Size   int32
	Pages  int32
}

// Heap is a bucket allocator. The zero value is not usable; construct
// with New.
type Heap struct {
	mu     sync.Mutex
	pmm    *pmm.Bitmap
	hhdm uint64
	free [8]uint64 // head of each bucket's free list, 0 = empty
}

// New constructs a heap that grows by claiming frames from the physical
// allocator, addressed through the higher-half direct map.
func New(p *pmm.Bitmap, hhdmOffset uint64) *Heap {
	return &Heap{pmm: p, hhdm: hhdmOffset}
}

// bucketFor returns the smallest class whose block fits size plus its
// header.
func bucketFor(size int) (idx int, ok bool) {
	for i, b := range bucketSizes {
		if size+headerSize <= b {
			return i, true
		}
	}

	return 0, false
}

func writeHeader(blockVA uint64, h Header) {
	reg.Write64(blockVA, uint64(h.Magic)|uint64(uint32(h.Bucket))<<32)
	reg.Write64(blockVA+8, uint64(uint32(h.Size))|uint64(uint32(h.Pages))<<32)
}

func readHeader(blockVA uint64) Header {
	w0 := reg.Read64(blockVA)
	w1 := reg.Read64(blockVA + 8)

	return Header{
		Magic:  uint32(w0),
		Bucket: int32(w0 >> 32),
		Size:   int32(w1),
		Pages:  int32(w1 >> 32),
	}
}

// mapPage allocates one physical frame and returns its virtual address
// in the direct map.
func (h *Heap) mapPage() (uint64, error) {
	f, err := h.pmm.Alloc(1, 1)
	if err != nil {
		return 0, fmt.Errorf("%w: heap page refill", kernerr.ErrOutOfMemory)
	}

	return h.hhdm + f.Addr(), nil
}

// refill claims one page for bucket idx and slices it into N blocks
// linked into that bucket's free list.
func (h *Heap) refill(idx int) error {
	va, err := h.mapPage()
	if err != nil {
		return err
	}

	blockSize := uint64(bucketSizes[idx])
	count := pageSize / blockSize

	for i := uint64(0); i < count; i++ {
		h.pushFree(idx, va+i*blockSize)
	}

	return nil
}

// pushFree links blockVA onto the head of bucket idx's free list, storing
// the previous head as blockVA's first 8 bytes.
func (h *Heap) pushFree(idx int, blockVA uint64) {
	reg.Write64(blockVA, h.free[idx])
	h.free[idx] = blockVA
}

// popFree removes and returns the head of bucket idx's free list.
func (h *Heap) popFree(idx int) uint64 {
	blockVA := h.free[idx]
	h.free[idx] = reg.Read64(blockVA)

	return blockVA
}

// Alloc selects the smallest bucket >= size+header and returns a pointer
// to size usable bytes immediately following a populated Header. Requests
// larger than largeThreshold go through AllocLarge instead.
func (h *Heap) Alloc(size int) (uint64, error) {
	if size <= 0 {
		return 0, kernerr.ErrInvalidArgument
	}

	if size > largeThreshold {
		return h.AllocLarge(size)
	}

	idx, ok := bucketFor(size)
	if !ok {
		return h.AllocLarge(size)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.free[idx] == 0 {
		if err := h.refill(idx); err != nil {
			return 0, err
		}
	}

	blockVA := h.popFree(idx)

	writeHeader(blockVA, Header{Magic: magic, Bucket: int32(idx), Size: int32(size)})

	return blockVA + headerSize, nil
}

// AllocLarge carves size+header bytes worth of whole pages directly from
// the frame allocator, recording the page count in the header so Free
// knows how much to return.
func (h *Heap) AllocLarge(size int) (uint64, error) {
	total := size + headerSize
	pages := (total + pageSize - 1) / pageSize

	h.mu.Lock()
	defer h.mu.Unlock()

	f, err := h.pmm.Alloc(pages, 1)
	if err != nil {
		return 0, fmt.Errorf("%w: large allocation of %d pages", kernerr.ErrOutOfMemory, pages)
	}

	va := h.hhdm + f.Addr()

	writeHeader(va, Header{Magic: magic, Bucket: largeSentinel, Size: int32(size), Pages: int32(pages)})

	return va + headerSize, nil
}

func (h *Heap) headerOf(ptr uint64) (Header, uint64, error) {
	blockVA := ptr - headerSize
	hdr := readHeader(blockVA)

	if hdr.Magic != magic {
		return Header{}, 0, fmt.Errorf("%w: corrupt heap header at %#x", kernerr.ErrInvalidArgument, ptr)
	}

	return hdr, blockVA, nil
}

// Free validates the header magic and either pushes the block back onto
// its bucket's free list or returns its pages to the PMM.
func (h *Heap) Free(ptr uint64) error {
	hdr, blockVA, err := h.headerOf(ptr)
	if err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if hdr.Bucket == largeSentinel {
		firstFrame := pmm.FrameOf(blockVA - h.hhdm)
		h.pmm.Free(firstFrame, int(hdr.Pages))
		return nil
	}

	h.pushFree(int(hdr.Bucket), blockVA)

	return nil
}

// Realloc grows in place if the existing bucket still fits the new size,
// otherwise allocates new, copies min(old,new) bytes, and frees old.
func (h *Heap) Realloc(ptr uint64, newSize int) (uint64, error) {
	hdr, _, err := h.headerOf(ptr)
	if err != nil {
		return 0, err
	}

	if hdr.Bucket != largeSentinel && newSize+headerSize <= bucketSizes[hdr.Bucket] {
		h.mu.Lock()
		writeHeader(ptr-headerSize, Header{Magic: magic, Bucket: hdr.Bucket, Size: int32(newSize)})
		h.mu.Unlock()
		return ptr, nil
	}

	newPtr, err := h.Alloc(newSize)
	if err != nil {
		return 0, err
	}

	n := int(hdr.Size)
	if newSize < n {
		n = newSize
	}

	copied := 0
	for ; copied+8 <= n; copied += 8 {
		reg.Write64(newPtr+uint64(copied), reg.Read64(ptr+uint64(copied)))
	}

	for ; copied < n; copied++ {
		reg.Write8(newPtr+uint64(copied), reg.Read8(ptr+uint64(copied)))
	}

	if err := h.Free(ptr); err != nil {
		return 0, err
	}

	return newPtr, nil
}
