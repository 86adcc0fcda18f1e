package vm

import (
	"github.com/sarchlab/shiba/mem"
)

// ensureTable returns the child table under the given slot, creating a
// zeroed one if the slot holds nothing usable. Table entries are marked
// unprivileged so that both privileged and unprivileged leaves can live
// underneath; the leaves carry the real privilege. A slot created in
// the root of an active tree other than the live one is mirrored into
// the live root.
func (pt *PageTables) ensureTable(root uint64, active bool, tablePhys uint64, index int) uint64 {
	entry := pt.readEntry(tablePhys, index)
	if entry.IsPresent() {
		return entry.Address()
	}

	child := pt.allocTableFrame()
	e := TableEntry(child).MarkPrivileged(false)
	pt.writeEntry(tablePhys, index, e)
	pt.sync()

	if active && tablePhys == root && root != pt.rootPhys {
		pt.writeEntry(pt.rootPhys, index, e)
	}
	return child
}

// breakEntry zeroes a live-tree entry through the recursive mapping and
// invalidates every address the entry could have translated. levels
// selects the depth the same way TableStore does.
func (pt *PageTables) breakEntry(levels, i4, i3, i2, i1 int) {
	var start, end uint64
	switch levels {
	case 1:
		start = MakeVirtAddr(i4, 0, 0, 0, 0)
		end = start + l4SlotBytes
	case 2:
		start = MakeVirtAddr(i4, i3, 0, 0, 0)
		end = start + mem.VeryLargePageSize
	case 3:
		start = MakeVirtAddr(i4, i3, i2, 0, 0)
		end = start + mem.LargePageSize
	case 4:
		start = MakeVirtAddr(i4, i3, i2, i1, 0)
		end = start + mem.PageSize
	}

	pt.TableStore(levels, i4, i3, i2, i1, 0)
	pt.sync()

	pt.invalidateRange(start, end)
	pt.sync()
}

// MapFrameFixed installs translations for pageCount pages from virt to
// phys in the tree rooted at root, overwriting whatever is in the way.
// Runs where both addresses share large or very large alignment take
// one entry per run. Replacing a child table with a huge entry frees
// the immediate table frame only; deeper structures are not reclaimed.
//
// Table frames come from the frame source; exhausting it mid-map is
// fatal.
func (pt *PageTables) MapFrameFixed(
	root uint64,
	active bool,
	phys, virt uint64,
	pageCount uint64,
	flags MapFlags,
) {
	onDemand := flags&MapOnDemand != 0
	repeat := flags&MapRepeatPhysical != 0

	for pageCount > 0 {
		i4 := L4Index(virt)
		i3 := L3Index(virt)
		i2 := L2Index(virt)
		i1 := L1Index(virt)

		table := pt.ensureTable(root, active, root, i4)

		entry := pt.readEntry(table, i3)
		if !onDemand &&
			mem.IsAlignedToPower(phys, l3Shift) &&
			mem.IsAlignedToPower(virt, l3Shift) &&
			pageCount >= mem.VeryLargePageCount {
			if entry.IsPresent() && !entry.IsHuge() {
				pt.frames.Free(entry.Address(), 1)
			}
			if active {
				pt.breakEntry(2, i4, i3, 0, 0)
			}

			pt.writeEntry(table, i3,
				applyMapFlags(VeryLargePageEntry(phys, true), flags))
			pt.sync()

			pageCount -= mem.VeryLargePageCount
			if !repeat {
				phys += mem.VeryLargePageSize
			}
			virt += mem.VeryLargePageSize
			continue
		}
		if entry.IsHuge() {
			// A huge entry sits where a child table must go. Inactive
			// trees only need the slot emptied so ensureTable will not
			// mistake the huge frame for a table.
			if active {
				pt.breakEntry(2, i4, i3, 0, 0)
			} else {
				pt.writeEntry(table, i3, 0)
				pt.sync()
			}
		}
		table = pt.ensureTable(root, active, table, i3)

		entry = pt.readEntry(table, i2)
		if !onDemand &&
			mem.IsAlignedToPower(phys, l2Shift) &&
			mem.IsAlignedToPower(virt, l2Shift) &&
			pageCount >= mem.LargePageCount {
			if entry.IsPresent() && !entry.IsHuge() {
				pt.frames.Free(entry.Address(), 1)
			}
			if active {
				pt.breakEntry(3, i4, i3, i2, 0)
			}

			pt.writeEntry(table, i2,
				applyMapFlags(LargePageEntry(phys, true), flags))
			pt.sync()

			pageCount -= mem.LargePageCount
			if !repeat {
				phys += mem.LargePageSize
			}
			virt += mem.LargePageSize
			continue
		}
		if entry.IsHuge() {
			if active {
				pt.breakEntry(3, i4, i3, i2, 0)
			} else {
				pt.writeEntry(table, i2, 0)
				pt.sync()
			}
		}
		table = pt.ensureTable(root, active, table, i2)

		entry = pt.readEntry(table, i1)
		if entry != 0 && active {
			pt.breakEntry(4, i4, i3, i2, i1)
		}

		leaf := PageEntry(phys, true)
		if onDemand {
			leaf = OnDemandEntry(true)
		}
		pt.writeEntry(table, i1, applyMapFlags(leaf, flags))
		pt.sync()

		pageCount--
		if !repeat {
			phys += mem.PageSize
		}
		virt += mem.PageSize
	}
}

func applyMapFlags(e Entry, flags MapFlags) Entry {
	if flags&MapNoCache != 0 {
		e = e.DisableCaching()
	}
	if flags&MapUnprivileged != 0 {
		e = e.MarkPrivileged(false)
	}
	if flags&MapGlobal != 0 {
		e = e.MarkGlobal(true)
	}
	return e
}
