// Package pmm implements the physical frame allocator.
//
// Physical memory is split into regions, one per general-purpose range of
// the boot memory map. Each region runs a buddy allocator: free blocks of
// 2^order pages sit on per-order bucket lists, and an in-use bitmap carries
// one bit per page. An allocation rounds its page count up to the next power
// of two and splits a larger block when no exact fit exists; a free merges
// the block with its buddy for as long as the buddy is free at the same
// order.
package pmm

import (
	"math"
	"sync/atomic"

	"github.com/sarchlab/shiba/hooking"
	"github.com/sarchlab/shiba/mem"
)

// HookPosFrameAlloc is the hook position triggered after frames are
// allocated.
var HookPosFrameAlloc = &hooking.HookPos{Name: "FrameAlloc"}

// HookPosFrameFree is the hook position triggered after frames are freed.
var HookPosFrameFree = &hooking.HookPos{Name: "FrameFree"}

// A FrameOp describes one completed allocator operation. It is the hook item
// delivered at HookPosFrameAlloc and HookPosFrameFree.
type FrameOp struct {
	Op          string
	Addr        uint64
	PageCount   uint64
	Order       int
	RegionStart uint64
}

// RegionKind classifies one entry of the boot memory map.
type RegionKind int

const (
	// RegionKindGeneral marks memory the frame allocator may manage.
	RegionKindGeneral RegionKind = iota
	// RegionKindReserved marks memory owned by firmware or hardware.
	RegionKindReserved
	// RegionKindKernelImage marks memory occupied by the kernel image.
	RegionKindKernelImage
)

// A MemoryRegion is one entry of the boot memory map.
type MemoryRegion struct {
	Kind      RegionKind
	Start     uint64
	PageCount uint64
}

// An Allocator hands out physical frames from a list of buddy regions.
//
// Region traversal is hand-over-hand: a region's lock is acquired before the
// previous region's lock is released, with the list-head lock standing in as
// the link before the first region. All other state mutates only under the
// owning region's lock.
type Allocator struct {
	*hooking.HookableBase
	name string

	headLock mem.SpinLock
	head     *Region

	totalPageCount uint64
	framesInUse    atomic.Int64
}

// NewAllocator builds an allocator over the general-purpose entries of the
// boot memory map. Pages below mem.FirstUsablePhysAddr never enter a region,
// and ranges too small to hold their own bookkeeping are dropped.
func NewAllocator(name string, memoryMap []MemoryRegion) *Allocator {
	a := &Allocator{
		HookableBase: hooking.NewHookableBase(),
		name:         name,
	}

	var tail *Region
	for _, mr := range memoryMap {
		if mr.Kind != RegionKindGeneral {
			continue
		}

		r := newRegion(mr.Start, mr.PageCount)
		if r == nil {
			continue
		}

		if tail == nil {
			a.head = r
		} else {
			tail.next = r
		}
		tail = r

		a.totalPageCount += r.pageCount
	}

	return a
}

// Name returns the name of the allocator.
func (a *Allocator) Name() string {
	return a.name
}

// TotalPageCount returns the number of usable pages across all regions.
func (a *Allocator) TotalPageCount() uint64 {
	return a.totalPageCount
}

// FramesInUse returns the number of pages currently allocated.
func (a *Allocator) FramesInUse() uint64 {
	return uint64(a.framesInUse.Load())
}

// Allocate hands out a block of at least pageCount pages. The block is
// always 2^ceil(log2(pageCount)) pages; the actual count is returned through
// allocated. Exhaustion reports mem.ErrTemporaryOutage.
func (a *Allocator) Allocate(pageCount uint64) (
	addr, allocated uint64,
	err error,
) {
	return a.AllocateAligned(pageCount, 0)
}

// AllocateAligned behaves like Allocate but the block's start address is
// aligned to 2^alignmentPower bytes. Alignments below the page size round up
// to the page size.
func (a *Allocator) AllocateAligned(pageCount uint64, alignmentPower uint8) (
	addr, allocated uint64,
	err error,
) {
	if pageCount == 0 || pageCount == math.MaxUint64 {
		return 0, 0, mem.ErrInvalidArgument
	}
	if alignmentPower < mem.PageSizeBits {
		alignmentPower = mem.PageSizeBits
	}

	minOrder := mem.MinOrderForPageCount(pageCount)
	if minOrder > mem.MaxOrder-1 {
		return 0, 0, mem.ErrTemporaryOutage
	}

	candidateRegion, candidate, candidateStart :=
		a.findCandidate(minOrder, alignmentPower)
	if candidate == nil {
		return 0, 0, mem.ErrTemporaryOutage
	}

	addr, allocated = candidateRegion.take(candidate, candidateStart, minOrder)
	regionStart := candidateRegion.start
	candidateRegion.lock.Unlock()

	a.framesInUse.Add(int64(allocated))

	a.InvokeHook(hooking.HookCtx{
		Domain: a,
		Pos:    HookPosFrameAlloc,
		Item: FrameOp{
			Op:          "allocate",
			Addr:        addr,
			PageCount:   allocated,
			Order:       minOrder,
			RegionStart: regionStart,
		},
	})

	return addr, allocated, nil
}

// findCandidate scans every region for the globally smallest block that can
// satisfy an allocation at minOrder with the given alignment. The scan stops
// early as soon as some region offers a block at exactly minOrder; ties on
// the order go to the earlier region. On success the winning region's lock
// is still held.
func (a *Allocator) findCandidate(minOrder int, alignmentPower uint8) (
	candidateRegion *Region,
	candidate *freeBlock,
	candidateStart uint64,
) {
	candidateOrder := mem.MaxOrder

	for r := a.firstRegion(); r != nil; r = a.nextRegion(r, candidateRegion) {
		for order := minOrder; order < candidateOrder; order++ {
			b, start := findInBucket(r.buckets[order], minOrder, alignmentPower)
			if b == nil {
				continue
			}

			if candidateRegion != nil && candidateRegion != r {
				candidateRegion.lock.Unlock()
			}
			candidateRegion = r
			candidate = b
			candidateStart = start
			candidateOrder = order
			break
		}

		if candidateOrder == minOrder {
			break
		}
	}

	return candidateRegion, candidate, candidateStart
}

func findInBucket(head *freeBlock, minOrder int, alignmentPower uint8) (
	*freeBlock, uint64,
) {
	for b := head; b != nil; b = b.next {
		if start, ok := alignedStartIn(b, minOrder, alignmentPower); ok {
			return b, start
		}
	}
	return nil, 0
}

// Free returns a block obtained from Allocate or AllocateAligned. The page
// count must match the one the block was requested with; it rounds up to the
// block's power-of-two size the same way. Addresses that fall outside every
// region are ignored.
func (a *Allocator) Free(addr, pageCount uint64) {
	if pageCount == 0 {
		return
	}

	minOrder := mem.MinOrderForPageCount(pageCount)
	blockPages := mem.PageCountOfOrder(minOrder)

	for r := a.firstRegion(); r != nil; r = a.nextRegion(r, nil) {
		if !r.contains(addr, blockPages) {
			continue
		}

		r.clearInUse(addr, blockPages)

		block, order := addr, minOrder
		for order < mem.MaxOrder-1 {
			buddy := r.buddyOf(block, order)
			if !r.contains(buddy, mem.PageCountOfOrder(order)) {
				break
			}

			b := r.freeBlockAt(buddy, order)
			if b == nil {
				break
			}

			r.removeFreeBlock(b)
			if buddy < block {
				block = buddy
			}
			order++
		}
		r.insertFreeBlock(block, order)

		regionStart := r.start
		r.lock.Unlock()

		a.framesInUse.Add(-int64(blockPages))

		a.InvokeHook(hooking.HookCtx{
			Domain: a,
			Pos:    HookPosFrameFree,
			Item: FrameOp{
				Op:          "free",
				Addr:        addr,
				PageCount:   blockPages,
				Order:       minOrder,
				RegionStart: regionStart,
			},
		})

		return
	}
}

// firstRegion returns the first region with its lock held, or nil when the
// allocator has no regions.
func (a *Allocator) firstRegion() *Region {
	a.headLock.Lock()
	r := a.head
	if r != nil {
		r.lock.Lock()
	}
	a.headLock.Unlock()

	return r
}

// nextRegion steps from r to its successor, acquiring the successor's lock
// before releasing r's. The keep region's lock is never released; pass nil
// when no region needs to stay locked.
func (a *Allocator) nextRegion(r, keep *Region) *Region {
	n := r.next
	if n != nil {
		n.lock.Lock()
	}
	if r != keep {
		r.lock.Unlock()
	}

	return n
}
