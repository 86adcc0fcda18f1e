package vm

import (
	"fmt"

	"github.com/sarchlab/shiba/mem"
	"github.com/sarchlab/shiba/vm/tlb"
)

// A Builder can build page-table managers.
type Builder struct {
	phys              *PhysAccess
	frames            FrameSource
	tlb               *tlb.TLB
	fullFlushFallback bool
}

// MakeBuilder returns a Builder with default parameters.
func MakeBuilder() Builder {
	return Builder{
		fullFlushFallback: true,
	}
}

// WithPhysAccess sets the physical-memory accessor to use.
func (b Builder) WithPhysAccess(phys *PhysAccess) Builder {
	b.phys = phys
	return b
}

// WithFrameSource sets where table frames come from and freed frames
// go.
func (b Builder) WithFrameSource(frames FrameSource) Builder {
	b.frames = frames
	return b
}

// WithTLB sets the TLB fronting live-root translations. Without one,
// every translation walks the tables.
func (b Builder) WithTLB(t *tlb.TLB) Builder {
	b.tlb = t
	return b
}

// WithFullFlushFallback controls the trailing full TLB flush after a
// bulk mapping flush. It is on by default; tests exercising the precise
// invalidation path alone turn it off.
func (b Builder) WithFullFlushFallback(on bool) Builder {
	b.fullFlushFallback = on
	return b
}

// Build creates the page-table manager: it allocates and zeroes the
// live root, claims the top free root slot for the recursive entry and
// the next one down for the physical-offset window, and maps the whole
// modeled physical memory through that window with very large global
// entries.
func (b Builder) Build() *PageTables {
	if b.phys == nil {
		panic("vm: builder needs a physical-memory accessor")
	}
	if b.frames == nil {
		panic("vm: builder needs a frame source")
	}

	pt := &PageTables{
		phys:              b.phys,
		frames:            b.frames,
		tlb:               b.tlb,
		fullFlushFallback: b.fullFlushFallback,
	}

	root, _, err := b.frames.Allocate(1)
	if err != nil {
		panic(fmt.Sprintf("vm: failed to allocate the root table: %s", err))
	}
	b.phys.Zero(root, mem.PageSize)
	pt.rootPhys = root

	pt.recursiveIndex = pt.findFreeRootSlot(TableEntryCount - 1)
	pt.writeEntry(root, pt.recursiveIndex, TableEntry(root).DisableCaching())

	pt.offsetIndex = pt.findFreeRootSlot(pt.recursiveIndex - 1)
	pt.buildOffsetWindow()

	return pt
}

func (pt *PageTables) findFreeRootSlot(from int) int {
	for index := from; index >= 0; index-- {
		if !pt.readEntry(pt.rootPhys, index).IsPresent() {
			return index
		}
	}
	panic("vm: no free root slot")
}

// buildOffsetWindow installs one level-3 table of very large global
// entries covering the modeled physical memory, so that any physical
// address is reachable at a fixed virtual offset.
func (pt *PageTables) buildOffsetWindow() {
	physBytes := pt.phys.Capacity()
	entryCount := (physBytes + mem.VeryLargePageSize - 1) / mem.VeryLargePageSize
	if entryCount == 0 {
		panic("vm: modeled physical memory is empty")
	}
	if entryCount > TableEntryCount {
		panic(fmt.Sprintf(
			"vm: %d bytes of physical memory exceed one offset-window table",
			physBytes))
	}

	table := pt.allocTableFrame()
	for i := uint64(0); i < entryCount; i++ {
		e := VeryLargePageEntry(i*mem.VeryLargePageSize, true).
			MarkGlobal(true).
			DisableCaching()
		pt.writeEntry(table, int(i), e)
	}
	pt.writeEntry(pt.rootPhys, pt.offsetIndex, TableEntry(table))

	pt.windowBase = MakeVirtAddr(pt.offsetIndex, 0, 0, 0, 0)
	pt.windowBytes = physBytes
}
