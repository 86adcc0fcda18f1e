package vm

import (
	"github.com/sarchlab/shiba/mem"
)

// skipSpan advances virt to the end of its enclosing span of spanBytes,
// consuming at most pageCount pages. Spans are power-of-two sized and
// naturally aligned, so a walk entering a span mid-way must not step a
// full span ahead.
func skipSpan(virt, pageCount, spanBytes uint64) (uint64, uint64) {
	skip := (spanBytes - virt&(spanBytes-1)) / mem.PageSize
	if skip > pageCount {
		skip = pageCount
	}
	return virt + skip*mem.PageSize, pageCount - skip
}

// FlushMapping walks the pageCount pages at virt in the tree rooted at
// root and applies opts to every covered entry. Unmapped subtrees are
// skipped one level span at a time. Breaking clears the present bit of
// live leaves and rewrites on-demand promises to plain unmapped
// entries; freeing returns live leaf frames to the frame source.
//
// A large or very large page only partially covered by the range
// panics: callers never tear mappings at a finer grain than they
// installed them.
func (pt *PageTables) FlushMapping(root uint64, virt, pageCount uint64, opts FlushOptions) {
	for pageCount > 0 {
		i4 := L4Index(virt)
		i3 := L3Index(virt)
		i2 := L2Index(virt)
		i1 := L1Index(virt)

		entry := pt.readEntry(root, i4)
		if !entry.IsPresent() {
			virt, pageCount = skipSpan(virt, pageCount, l4SlotBytes)
			continue
		}

		l3Table := entry.Address()
		entry = pt.readEntry(l3Table, i3)
		if !entry.IsPresent() {
			if opts.Break && entry.Leaf() == LeafOnDemand {
				pt.writeEntry(l3Table, i3,
					VeryLargePageEntry(0, false).MarkPresent(false))
			}
			virt, pageCount = skipSpan(virt, pageCount, mem.VeryLargePageSize)
			continue
		}
		if entry.IsHuge() {
			if pageCount < mem.VeryLargePageCount ||
				virt&(mem.VeryLargePageSize-1) != 0 {
				panic("vm: very large page covers only part of the flush range")
			}
			if opts.Break {
				pt.writeEntry(l3Table, i3, entry.MarkPresent(false))
			}
			if opts.Invalidate {
				start := MakeVirtAddr(i4, i3, 0, 0, 0)
				pt.invalidateRange(start, start+mem.VeryLargePageSize)
			}
			if opts.Free {
				pt.frames.Free(entry.Address(), mem.VeryLargePageCount)
			}
			pageCount -= mem.VeryLargePageCount
			virt += mem.VeryLargePageSize
			continue
		}

		l2Table := entry.Address()
		entry = pt.readEntry(l2Table, i2)
		if !entry.IsPresent() {
			if opts.Break && entry.Leaf() == LeafOnDemand {
				pt.writeEntry(l2Table, i2,
					LargePageEntry(0, false).MarkPresent(false))
			}
			virt, pageCount = skipSpan(virt, pageCount, mem.LargePageSize)
			continue
		}
		if entry.IsHuge() {
			if pageCount < mem.LargePageCount ||
				virt&(mem.LargePageSize-1) != 0 {
				panic("vm: large page covers only part of the flush range")
			}
			if opts.Break {
				pt.writeEntry(l2Table, i2, entry.MarkPresent(false))
			}
			if opts.Invalidate {
				start := MakeVirtAddr(i4, i3, i2, 0, 0)
				pt.invalidateRange(start, start+mem.LargePageSize)
			}
			if opts.Free {
				pt.frames.Free(entry.Address(), mem.LargePageCount)
			}
			pageCount -= mem.LargePageCount
			virt += mem.LargePageSize
			continue
		}

		l1Table := entry.Address()
		entry = pt.readEntry(l1Table, i1)
		if !entry.IsPresent() {
			if opts.Break && entry.Leaf() == LeafOnDemand {
				pt.writeEntry(l1Table, i1,
					PageEntry(0, false).MarkPresent(false))
			}
			pageCount--
			virt += mem.PageSize
			continue
		}

		if opts.Break {
			pt.writeEntry(l1Table, i1, entry.MarkPresent(false))
		}
		if opts.Invalidate {
			start := MakeVirtAddr(i4, i3, i2, i1, 0)
			pt.invalidateRange(start, start+mem.PageSize)
		}
		if opts.Free {
			pt.frames.Free(entry.Address(), 1)
		}
		pageCount--
		virt += mem.PageSize
	}

	// The precise invalidations above should be enough, but mapping
	// changes have been observed to linger without a trailing full
	// flush. Kept behind a policy switch until the precise path is
	// proven out.
	if opts.Invalidate && pt.fullFlushFallback {
		pt.FullFlush()
	}
}

// FlushTable tears down the whole tree under root one table at a time,
// deepest first. The root frame itself is left for the caller. Breaking
// and freeing work as in FlushMapping, except that freeing here also
// returns the table frames themselves. When the tree is the active one,
// leaves are invalidated precisely and a full flush closes the
// teardown.
func (pt *PageTables) FlushTable(root uint64, active bool, breakEntries, freeFrames bool) {
	pt.flushTableLevel(root, 0, 0, 0, 0, active, breakEntries, freeFrames)
	if active {
		pt.FullFlush()
	}
}

func (pt *PageTables) flushTableLevel(
	tablePhys uint64,
	level, i4, i3, i2 int,
	invalidate, breakEntries, freeFrames bool,
) {
	for i := 0; i < TableEntryCount; i++ {
		entry := pt.readEntry(tablePhys, i)

		if !entry.IsPresent() {
			// Stale on-demand promises must not survive as dangling
			// address patterns.
			if breakEntries && entry.Address() != 0 {
				switch level {
				case 1:
					pt.writeEntry(tablePhys, i,
						VeryLargePageEntry(0, false).MarkPresent(false))
				case 2:
					pt.writeEntry(tablePhys, i,
						LargePageEntry(0, false).MarkPresent(false))
				case 3:
					pt.writeEntry(tablePhys, i,
						PageEntry(0, false).MarkPresent(false))
				}
			}
			continue
		}

		if breakEntries {
			pt.writeEntry(tablePhys, i, entry.MarkPresent(false))
		}

		pageCount := uint64(1)
		switch level {
		case 0:
			pt.flushTableLevel(entry.Address(), 1, i, 0, 0,
				invalidate, breakEntries, freeFrames)
		case 1:
			if entry.IsHuge() {
				if invalidate {
					start := MakeVirtAddr(i4, i, 0, 0, 0)
					pt.invalidateRange(start, start+mem.VeryLargePageSize)
				}
				pageCount = mem.VeryLargePageCount
			} else {
				pt.flushTableLevel(entry.Address(), 2, i4, i, 0,
					invalidate, breakEntries, freeFrames)
			}
		case 2:
			if entry.IsHuge() {
				if invalidate {
					start := MakeVirtAddr(i4, i3, i, 0, 0)
					pt.invalidateRange(start, start+mem.LargePageSize)
				}
				pageCount = mem.LargePageCount
			} else {
				pt.flushTableLevel(entry.Address(), 3, i4, i3, i,
					invalidate, breakEntries, freeFrames)
			}
		case 3:
			if invalidate {
				start := MakeVirtAddr(i4, i3, i2, i, 0)
				pt.invalidateRange(start, start+mem.PageSize)
			}
		}

		if freeFrames {
			pt.frames.Free(entry.Address(), pageCount)
		}
	}
}

// RegionIsFree reports whether no page in the pageCount pages at virt
// is mapped or bound on demand in the tree rooted at root.
func (pt *PageTables) RegionIsFree(root uint64, virt, pageCount uint64) bool {
	for pageCount > 0 {
		entry := pt.readEntry(root, L4Index(virt))
		if !entry.IsPresent() {
			virt, pageCount = skipSpan(virt, pageCount, l4SlotBytes)
			continue
		}

		entry = pt.readEntry(entry.Address(), L3Index(virt))
		if !entry.IsPresent() {
			if entry.Leaf() == LeafOnDemand {
				return false
			}
			virt, pageCount = skipSpan(virt, pageCount, mem.VeryLargePageSize)
			continue
		}
		if entry.IsHuge() {
			return false
		}

		entry = pt.readEntry(entry.Address(), L2Index(virt))
		if !entry.IsPresent() {
			if entry.Leaf() == LeafOnDemand {
				return false
			}
			virt, pageCount = skipSpan(virt, pageCount, mem.LargePageSize)
			continue
		}
		if entry.IsHuge() {
			return false
		}

		entry = pt.readEntry(entry.Address(), L1Index(virt))
		if entry.Leaf() != LeafUnmapped {
			return false
		}
		pageCount--
		virt += mem.PageSize
	}
	return true
}
