package pmm

import (
	"github.com/sarchlab/shiba/mem"
)

// regionHeaderBytes is the footprint of a region header as laid out in region
// memory. The header and the in-use bitmap occupy the leading pages of every
// region; the usable range starts after that carve-out.
const regionHeaderBytes = 5*8 + mem.MaxOrder*8

// A freeBlock is one free block on a region's order buckets. Blocks sit on
// doubly-linked per-order lists and are additionally indexed by address, so a
// buddy lookup does not walk the list.
type freeBlock struct {
	addr  uint64
	order int
	prev  *freeBlock
	next  *freeBlock
}

// A Region is one contiguous range of general-purpose physical memory under
// buddy management. Regions are carved from the boot memory map once and are
// never destroyed.
type Region struct {
	next *Region
	lock mem.SpinLock

	start     uint64 // first usable page, after the bookkeeping carve-out
	pageCount uint64 // usable pages

	buckets [mem.MaxOrder]*freeBlock
	blocks  map[uint64]*freeBlock
	bitmap  []uint64 // one bit per usable page, set = in use
}

// newRegion carves a buddy region out of one general-purpose memory range.
// It returns nil if the range is too small to hold its own bookkeeping.
func newRegion(start, pageCount uint64) *Region {
	if start < mem.FirstUsablePhysAddr {
		skipped := (mem.FirstUsablePhysAddr - start) / mem.PageSize
		if skipped >= pageCount {
			return nil
		}
		start = mem.FirstUsablePhysAddr
		pageCount -= skipped
	}

	bitmapBytes := (pageCount + 7) / 8
	bookkeepingPages := mem.PageCountForBytes(regionHeaderBytes + bitmapBytes)
	if bookkeepingPages >= pageCount {
		return nil
	}

	r := &Region{
		start:     start + bookkeepingPages*mem.PageSize,
		pageCount: pageCount - bookkeepingPages,
		blocks:    make(map[uint64]*freeBlock),
	}
	r.bitmap = make([]uint64, (r.pageCount+63)/64)
	r.insertFreeRun(r.start, r.pageCount)

	return r
}

// contains reports whether the whole block lies in the region's usable range.
func (r *Region) contains(addr, pageCount uint64) bool {
	return addr >= r.start &&
		addr+pageCount*mem.PageSize <= r.start+r.pageCount*mem.PageSize
}

// buddyOf returns the address of a block's buddy at the given order. The XOR
// runs on region-relative offsets so that the pairing matches how blocks are
// split.
func (r *Region) buddyOf(addr uint64, order int) uint64 {
	return ((addr - r.start) ^ (mem.PageCountOfOrder(order) * mem.PageSize)) +
		r.start
}

// insertFreeRun covers [addr, addr+pageCount*PageSize) with free blocks,
// choosing at every step the largest order that both fits the remaining run
// and keeps the block aligned to its own size within the region.
func (r *Region) insertFreeRun(addr, pageCount uint64) {
	for pageCount > 0 {
		order := mem.MaxOrderForPageCount(pageCount)
		offset := (addr - r.start) / mem.PageSize
		if a := mem.OrderOfAlignment(offset); a < order {
			order = a
		}

		r.insertFreeBlock(addr, order)

		addr += mem.PageCountOfOrder(order) * mem.PageSize
		pageCount -= mem.PageCountOfOrder(order)
	}
}

func (r *Region) insertFreeBlock(addr uint64, order int) {
	b := &freeBlock{addr: addr, order: order}

	b.next = r.buckets[order]
	if b.next != nil {
		b.next.prev = b
	}
	r.buckets[order] = b
	r.blocks[addr] = b
}

func (r *Region) removeFreeBlock(b *freeBlock) {
	if b.prev == nil {
		r.buckets[b.order] = b.next
	} else {
		b.prev.next = b.next
	}
	if b.next != nil {
		b.next.prev = b.prev
	}

	delete(r.blocks, b.addr)
}

// freeBlockAt returns the free block that starts at addr with exactly the
// given order, or nil.
func (r *Region) freeBlockAt(addr uint64, order int) *freeBlock {
	b := r.blocks[addr]
	if b == nil || b.order != order {
		return nil
	}
	return b
}

func (r *Region) setInUse(addr, pageCount uint64) {
	page := (addr - r.start) / mem.PageSize
	for i := uint64(0); i < pageCount; i++ {
		r.bitmap[(page+i)/64] |= 1 << ((page + i) % 64)
	}
}

func (r *Region) clearInUse(addr, pageCount uint64) {
	page := (addr - r.start) / mem.PageSize
	for i := uint64(0); i < pageCount; i++ {
		r.bitmap[(page+i)/64] &^= 1 << ((page + i) % 64)
	}
}

// take removes block b from the buckets and allocates 2^minOrder pages out
// of it starting at alignedStart. Leading and trailing remainders go back on
// the buckets as free runs. The region lock must be held.
func (r *Region) take(
	b *freeBlock,
	alignedStart uint64,
	minOrder int,
) (addr, allocated uint64) {
	r.removeFreeBlock(b)

	blockEnd := b.addr + mem.PageCountOfOrder(b.order)*mem.PageSize
	allocated = mem.PageCountOfOrder(minOrder)
	end := alignedStart + allocated*mem.PageSize

	if alignedStart > b.addr {
		r.insertFreeRun(b.addr, (alignedStart-b.addr)/mem.PageSize)
	}
	if end < blockEnd {
		r.insertFreeRun(end, (blockEnd-end)/mem.PageSize)
	}

	r.setInUse(alignedStart, allocated)

	return alignedStart, allocated
}

// alignedStartIn returns the lowest address inside block b that is aligned
// to 2^alignmentPower bytes and still leaves room for 2^minOrder pages. The
// second return value reports whether such an address exists.
func alignedStartIn(
	b *freeBlock,
	minOrder int,
	alignmentPower uint8,
) (uint64, bool) {
	alignMask := uint64(1)<<alignmentPower - 1
	start := (b.addr + alignMask) &^ alignMask
	end := b.addr + mem.PageCountOfOrder(b.order)*mem.PageSize
	need := mem.PageCountOfOrder(minOrder) * mem.PageSize

	if start < b.addr || start > end || end-start < need {
		return 0, false
	}

	return start, true
}
