// Package vm models 4-level hardware page tables the way the paging
// hardware sees them: entries live in physical frames, the live root is
// aliased into itself through a recursive entry, and a fixed-offset
// window near the top of the address space exposes all of physical
// memory. A TLB sits in front of translations against the live root.
package vm

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/sarchlab/shiba/mem"
	"github.com/sarchlab/shiba/vm/tlb"
)

// A FrameSource hands out and takes back physical frames. It is how the
// page-table manager obtains frames for tables and releases frames of
// torn-down mappings.
type FrameSource interface {
	Allocate(pageCount uint64) (addr uint64, allocatedCount uint64, err error)
	Free(addr, pageCount uint64)
}

// MapFlags select the attributes of the leaves MapFrameFixed installs.
type MapFlags uint32

const (
	// MapNoCache disables caching on the installed leaves.
	MapNoCache MapFlags = 1 << iota
	// MapUnprivileged opens the leaves to unprivileged code.
	MapUnprivileged
	// MapGlobal keeps the translations across address-space switches.
	MapGlobal
	// MapOnDemand installs on-demand promises instead of live
	// translations; the physical address argument is ignored.
	MapOnDemand
	// MapRepeatPhysical maps every page to the same physical frame.
	MapRepeatPhysical
)

// FlushOptions control what FlushMapping does to the entries it visits.
type FlushOptions struct {
	// Invalidate issues TLB invalidations for the flushed addresses.
	Invalidate bool
	// Break clears the present bit of visited leaves and rewrites
	// on-demand promises to plain unmapped entries.
	Break bool
	// Free returns the frames of present leaves to the frame source.
	Free bool
}

// PageTables owns the live root table and performs every structural
// operation on page-table trees: translation, mapping, flushing, and
// teardown. Trees other than the live one are reached through their
// root's physical address.
//
// PageTables is not self-locking; callers serialize per tree the way
// address spaces hold their own locks.
type PageTables struct {
	phys   *PhysAccess
	frames FrameSource
	tlb    *tlb.TLB

	rootPhys       uint64
	recursiveIndex int
	offsetIndex    int
	windowBase     uint64
	windowBytes    uint64

	fullFlushFallback bool

	syncCount atomic.Uint64
}

// Root returns the physical address of the live root table.
func (pt *PageTables) Root() uint64 {
	return pt.rootPhys
}

// Phys returns the accessor for the modeled physical memory the tables
// live in.
func (pt *PageTables) Phys() *PhysAccess {
	return pt.phys
}

// RecursiveIndex returns the root slot holding the recursive entry.
func (pt *PageTables) RecursiveIndex() int {
	return pt.recursiveIndex
}

// OffsetIndex returns the root slot holding the physical-offset window.
func (pt *PageTables) OffsetIndex() int {
	return pt.offsetIndex
}

// WindowAddr returns the virtual address that aliases phys inside the
// fixed physical-offset window.
func (pt *PageTables) WindowAddr(phys uint64) uint64 {
	if phys >= pt.windowBytes {
		panic(fmt.Sprintf(
			"vm: physical address 0x%x is beyond the offset window", phys))
	}
	return pt.windowBase + phys
}

// WindowBase returns the lowest virtual address of the offset window.
func (pt *PageTables) WindowBase() uint64 {
	return pt.windowBase
}

// SyncCount returns the number of ordering points issued after table
// stores.
func (pt *PageTables) SyncCount() uint64 {
	return pt.syncCount.Load()
}

func (pt *PageTables) readEntry(tablePhys uint64, index int) Entry {
	return Entry(pt.phys.ReadU64(tablePhys + uint64(index)*8))
}

func (pt *PageTables) writeEntry(tablePhys uint64, index int, e Entry) {
	pt.phys.WriteU64(tablePhys+uint64(index)*8, uint64(e))
}

// sync models the memory-ordering point the hardware requires after a
// table modification.
func (pt *PageTables) sync() {
	pt.syncCount.Add(1)
}

func (pt *PageTables) invalidateRange(start, end uint64) {
	if pt.tlb != nil {
		pt.tlb.InvalidateRange(start, end)
	}
}

func (pt *PageTables) invalidatePage(vaddr uint64) {
	if pt.tlb != nil {
		pt.tlb.InvalidatePage(vaddr)
	}
}

// FullFlush discards every cached translation.
func (pt *PageTables) FullFlush() {
	if pt.tlb != nil {
		pt.tlb.InvalidateAll()
	}
}

// Translate resolves vaddr through the tree rooted at root. A
// translation against the live root takes the hardware path: the TLB is
// consulted first and filled on a miss. Walks of other roots never
// touch the TLB.
func (pt *PageTables) Translate(root, vaddr uint64) (uint64, bool) {
	if !IsCanonical(vaddr) {
		return 0, false
	}

	live := root == pt.rootPhys
	if live && pt.tlb != nil {
		if frame, ok := pt.tlb.Lookup(vaddr); ok {
			return frame + PageOffset(vaddr), true
		}
	}

	phys, ok := pt.walk(root, vaddr)
	if !ok {
		return 0, false
	}
	if live && pt.tlb != nil {
		pt.tlb.Fill(vaddr, phys-PageOffset(vaddr))
	}
	return phys, true
}

func (pt *PageTables) walk(root, vaddr uint64) (uint64, bool) {
	entry := pt.readEntry(root, L4Index(vaddr))
	if !entry.IsPresent() {
		return 0, false
	}

	entry = pt.readEntry(entry.Address(), L3Index(vaddr))
	if !entry.IsPresent() {
		return 0, false
	}
	if entry.IsHuge() {
		return entry.Address() | veryLargeOffset(vaddr), true
	}

	entry = pt.readEntry(entry.Address(), L2Index(vaddr))
	if !entry.IsPresent() {
		return 0, false
	}
	if entry.IsHuge() {
		return entry.Address() | largeOffset(vaddr), true
	}

	entry = pt.readEntry(entry.Address(), L1Index(vaddr))
	if !entry.IsPresent() {
		return 0, false
	}
	return entry.Address() | PageOffset(vaddr), true
}

// LeafStateAt classifies the leaf covering vaddr in the tree rooted at
// root: mapped, promised on demand, or plain unmapped. An absent
// interior table counts as unmapped; only leaf positions can carry an
// on-demand promise.
func (pt *PageTables) LeafStateAt(root, vaddr uint64) LeafState {
	if !IsCanonical(vaddr) {
		return LeafUnmapped
	}

	entry := pt.readEntry(root, L4Index(vaddr))
	if !entry.IsPresent() {
		return LeafUnmapped
	}

	entry = pt.readEntry(entry.Address(), L3Index(vaddr))
	if !entry.IsPresent() {
		return entry.Leaf()
	}
	if entry.IsHuge() {
		return LeafPresent
	}

	entry = pt.readEntry(entry.Address(), L2Index(vaddr))
	if !entry.IsPresent() {
		return entry.Leaf()
	}
	if entry.IsHuge() {
		return LeafPresent
	}

	entry = pt.readEntry(entry.Address(), L1Index(vaddr))
	if !entry.IsPresent() {
		return entry.Leaf()
	}
	return LeafPresent
}

// recursiveAddr builds the virtual address through which the live
// tables alias themselves. levels selects the depth: 1 addresses an
// entry of the root table, 4 an entry of a level-1 table.
func (pt *PageTables) recursiveAddr(levels, i4, i3, i2, i1 int) uint64 {
	r := pt.recursiveIndex
	switch levels {
	case 1:
		return MakeVirtAddr(r, r, r, r, uint64(i4)*8)
	case 2:
		return MakeVirtAddr(r, r, r, i4, uint64(i3)*8)
	case 3:
		return MakeVirtAddr(r, r, i4, i3, uint64(i2)*8)
	case 4:
		return MakeVirtAddr(r, i4, i3, i2, uint64(i1)*8)
	}
	panic(fmt.Sprintf("vm: invalid table depth %d", levels))
}

// TableLoad reads a live-tree table entry through the recursive
// mapping, taking the same translation path the hardware would.
func (pt *PageTables) TableLoad(levels, i4, i3, i2, i1 int) Entry {
	slot := pt.entrySlotPhys(levels, i4, i3, i2, i1)
	return Entry(pt.phys.ReadU64(slot))
}

// TableStore writes a live-tree table entry through the recursive
// mapping.
func (pt *PageTables) TableStore(levels, i4, i3, i2, i1 int, e Entry) {
	slot := pt.entrySlotPhys(levels, i4, i3, i2, i1)
	pt.phys.WriteU64(slot, uint64(e))
}

func (pt *PageTables) entrySlotPhys(levels, i4, i3, i2, i1 int) uint64 {
	vaddr := pt.recursiveAddr(levels, i4, i3, i2, i1)
	phys, ok := pt.Translate(pt.rootPhys, vaddr)
	if !ok {
		panic(fmt.Sprintf(
			"vm: recursive access through an absent table, depth %d slot (%d, %d, %d, %d)",
			levels, i4, i3, i2, i1))
	}
	return phys
}

// allocTableFrame returns a zeroed frame for a new page table. Running
// out of table frames mid-operation would leave the tree half built, so
// it is fatal.
func (pt *PageTables) allocTableFrame() uint64 {
	addr, _, err := pt.frames.Allocate(1)
	if err != nil {
		panic(fmt.Sprintf("vm: failed to allocate a page-table frame: %s", err))
	}
	pt.phys.Zero(addr, mem.PageSize)
	return addr
}

// IterateTable visits every present leaf under root in address order,
// reporting the virtual base, physical base, and page count of each
// mapping entry. The recursive slot and the offset window of the live
// root are not real mappings and are skipped. The visitor returns false
// to stop early.
func (pt *PageTables) IterateTable(
	root uint64,
	visit func(virt, phys, pageCount uint64) bool,
) {
	err := pt.iterateTableLevel(root, 0, 0, 0, 0, visit)
	if err != nil && !errors.Is(err, mem.ErrCancelled) {
		panic(err)
	}
}

func (pt *PageTables) iterateTableLevel(
	tablePhys uint64,
	level, i4, i3, i2 int,
	visit func(virt, phys, pageCount uint64) bool,
) error {
	for i := 0; i < TableEntryCount; i++ {
		if level == 0 && tablePhys == pt.rootPhys &&
			(i == pt.recursiveIndex || i == pt.offsetIndex) {
			continue
		}

		entry := pt.readEntry(tablePhys, i)
		if !entry.IsPresent() {
			continue
		}

		switch level {
		case 0:
			err := pt.iterateTableLevel(entry.Address(), 1, i, 0, 0, visit)
			if err != nil {
				return err
			}
		case 1:
			if entry.IsHuge() {
				virt := MakeVirtAddr(i4, i, 0, 0, 0)
				if !visit(virt, entry.Address(), mem.VeryLargePageCount) {
					return mem.ErrCancelled
				}
				continue
			}
			err := pt.iterateTableLevel(entry.Address(), 2, i4, i, 0, visit)
			if err != nil {
				return err
			}
		case 2:
			if entry.IsHuge() {
				virt := MakeVirtAddr(i4, i3, i, 0, 0)
				if !visit(virt, entry.Address(), mem.LargePageCount) {
					return mem.ErrCancelled
				}
				continue
			}
			err := pt.iterateTableLevel(entry.Address(), 3, i4, i3, i, visit)
			if err != nil {
				return err
			}
		case 3:
			virt := MakeVirtAddr(i4, i3, i2, i, 0)
			if !visit(virt, entry.Address(), 1) {
				return mem.ErrCancelled
			}
		}
	}
	return nil
}

// FindFirstPhysical returns the lowest virtual address under root that
// translates to phys, if any.
func (pt *PageTables) FindFirstPhysical(root, phys uint64) (uint64, bool) {
	var found uint64
	ok := false
	pt.IterateTable(root, func(virt, base, pageCount uint64) bool {
		if phys >= base && phys < base+pageCount*mem.PageSize {
			found = virt + (phys - base)
			ok = true
			return false
		}
		return true
	})
	return found, ok
}
