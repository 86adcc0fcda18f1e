// Package mem provides the modeled physical memory that the rest of the
// module operates on, together with the page-size constants and the
// block-order math shared by the physical and virtual allocators.
package mem

import "math/bits"

// Common byte-size units.
const (
	// KB is 1 kibibyte.
	KB uint64 = 1 << 10
	// MB is 1 mebibyte.
	MB uint64 = 1 << 20
	// GB is 1 gibibyte.
	GB uint64 = 1 << 30
)

// Page sizes supported by the modeled translation hardware.
const (
	// PageSize is the size of a regular page.
	PageSize uint64 = 4 * KB
	// PageSizeBits is the width of the in-page offset, log2(PageSize).
	PageSizeBits = 12
	// LargePageSize is the size of a large page.
	LargePageSize uint64 = 2 * MB
	// VeryLargePageSize is the size of a very large page.
	VeryLargePageSize uint64 = 1 * GB
)

// Page counts of the larger page sizes, in regular pages.
const (
	LargePageCount     = LargePageSize / PageSize
	VeryLargePageCount = VeryLargePageSize / PageSize
)

// MaxOrder is the number of block orders the buddy allocators maintain. The
// largest block holds 2^(MaxOrder-1) pages.
const MaxOrder = 32

// FirstUsablePhysAddr is the lowest physical address the frame allocator
// hands out. Everything below it is reserved for firmware-owned structures.
const FirstUsablePhysAddr uint64 = 0x10000

// RoundDownToPage returns the largest page-aligned address that is not
// greater than addr.
func RoundDownToPage(addr uint64) uint64 {
	return addr &^ (PageSize - 1)
}

// RoundUpToPage returns the smallest page-aligned address that is not less
// than addr.
func RoundUpToPage(addr uint64) uint64 {
	return (addr + PageSize - 1) &^ (PageSize - 1)
}

// PageCountForBytes returns the number of pages needed to hold n bytes.
func PageCountForBytes(n uint64) uint64 {
	return (n + PageSize - 1) / PageSize
}

// IsPageAligned reports whether addr sits on a regular page boundary.
func IsPageAligned(addr uint64) bool {
	return addr&(PageSize-1) == 0
}

// IsAlignedToPower reports whether addr is aligned to 2^power bytes.
func IsAlignedToPower(addr uint64, power uint8) bool {
	return addr&(1<<power-1) == 0
}

// MinOrderForPageCount returns the smallest order whose block is large enough
// to hold pageCount pages.
func MinOrderForPageCount(pageCount uint64) int {
	if pageCount <= 1 {
		return 0
	}
	return bits.Len64(pageCount - 1)
}

// MaxOrderForPageCount returns the largest order whose block still fits in
// pageCount pages.
func MaxOrderForPageCount(pageCount uint64) int {
	if pageCount == 0 {
		return 0
	}
	return bits.Len64(pageCount) - 1
}

// PageCountOfOrder returns the number of pages in a block of the given order.
func PageCountOfOrder(order int) uint64 {
	return 1 << order
}

// OrderOfAlignment returns the largest order such that a block of that order
// may start at the given page offset without breaking block alignment. A zero
// offset supports any order.
func OrderOfAlignment(pageOffset uint64) int {
	if pageOffset == 0 {
		return MaxOrder - 1
	}
	order := bits.TrailingZeros64(pageOffset)
	if order > MaxOrder-1 {
		return MaxOrder - 1
	}
	return order
}
