package vm

import (
	"github.com/sarchlab/shiba/mem"
)

// TableEntryCount is the number of entries in a table at every level.
const TableEntryCount = 512

const (
	l1Shift = 12
	l2Shift = 21
	l3Shift = 30
	l4Shift = 39

	indexMask = TableEntryCount - 1
)

// Page counts spanned by one entry at each interior level.
const (
	l4SlotPages = uint64(TableEntryCount) * mem.VeryLargePageCount
	l4SlotBytes = l4SlotPages * mem.PageSize
)

// L4Index returns the root-table index of vaddr.
func L4Index(vaddr uint64) int {
	return int(vaddr >> l4Shift & indexMask)
}

// L3Index returns the level-3 table index of vaddr.
func L3Index(vaddr uint64) int {
	return int(vaddr >> l3Shift & indexMask)
}

// L2Index returns the level-2 table index of vaddr.
func L2Index(vaddr uint64) int {
	return int(vaddr >> l2Shift & indexMask)
}

// L1Index returns the level-1 table index of vaddr.
func L1Index(vaddr uint64) int {
	return int(vaddr >> l1Shift & indexMask)
}

// PageOffset returns the offset of vaddr within its regular page.
func PageOffset(vaddr uint64) uint64 {
	return vaddr & (mem.PageSize - 1)
}

func largeOffset(vaddr uint64) uint64 {
	return vaddr & (mem.LargePageSize - 1)
}

func veryLargeOffset(vaddr uint64) uint64 {
	return vaddr & (mem.VeryLargePageSize - 1)
}

// MakeVirtAddr assembles a canonical virtual address from the four
// table indices and a byte offset. Bit 47 is sign-extended through the
// upper bits.
func MakeVirtAddr(l4, l3, l2, l1 int, offset uint64) uint64 {
	vaddr := uint64(l4)<<l4Shift |
		uint64(l3)<<l3Shift |
		uint64(l2)<<l2Shift |
		uint64(l1)<<l1Shift |
		offset
	if vaddr&(1<<47) != 0 {
		vaddr |= 0xffff << 48
	}
	return vaddr
}

// IsCanonical reports whether bits 48 through 63 of vaddr replicate
// bit 47.
func IsCanonical(vaddr uint64) bool {
	upper := vaddr >> 47
	return upper == 0 || upper == 1<<17-1
}
