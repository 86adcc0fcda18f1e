package space

import (
	"fmt"

	"github.com/sarchlab/shiba/mem"
	"github.com/sarchlab/shiba/vm"
)

// The zone's free blocks are tracked the way the frame allocator tracks
// physical ones, except that the bookkeeping lives inside the zone
// itself: each free block's node is a frame mapped at the block's own
// starting address. The allocator therefore occupies only free memory
// and its state dies with the space's tree. The zero address never
// falls inside a zone and doubles as the nil link.
//
// All of these require the space lock.

const (
	nodeNextOffset = 0
	nodePrevOffset = 8
)

func (s *Space) nodeField(virt, fieldOffset uint64) uint64 {
	phys, ok := s.pt.Translate(s.root, virt)
	if !ok {
		panic(fmt.Sprintf(
			"space: free-block node at 0x%x is not mapped", virt))
	}
	return s.pt.Phys().ReadU64(phys + fieldOffset)
}

func (s *Space) setNodeField(virt, fieldOffset, value uint64) {
	phys, ok := s.pt.Translate(s.root, virt)
	if !ok {
		panic(fmt.Sprintf(
			"space: free-block node at 0x%x is not mapped", virt))
	}
	s.pt.Phys().WriteU64(phys+fieldOffset, value)
}

// insertFreeBlock maps a fresh bookkeeping frame at the block start and
// pushes the block onto its order bucket.
func (s *Space) insertFreeBlock(virt uint64, order int) {
	frame, _, err := s.frames.Allocate(1)
	if err != nil {
		panic("space: out of frames for allocator bookkeeping")
	}
	s.pt.MapFrameFixed(s.root, s.Active(), frame, virt, 1, 0)

	head := s.buckets[order]
	s.setNodeField(virt, nodeNextOffset, head)
	s.setNodeField(virt, nodePrevOffset, 0)
	if head != 0 {
		s.setNodeField(head, nodePrevOffset, virt)
	}
	s.buckets[order] = virt
}

// removeFreeBlock unlinks the block and returns its node frame to the
// frame allocator.
func (s *Space) removeFreeBlock(virt uint64, order int) {
	next := s.nodeField(virt, nodeNextOffset)
	prev := s.nodeField(virt, nodePrevOffset)

	if prev == 0 {
		s.buckets[order] = next
	} else {
		s.setNodeField(prev, nodeNextOffset, next)
	}
	if next != 0 {
		s.setNodeField(next, nodePrevOffset, prev)
	}

	s.pt.FlushMapping(s.root, virt, 1, vm.FlushOptions{
		Invalidate: s.Active(),
		Break:      true,
		Free:       true,
	})
}

func (s *Space) bucketHas(order int, virt uint64) bool {
	for b := s.buckets[order]; b != 0; b = s.nodeField(b, nodeNextOffset) {
		if b == virt {
			return true
		}
	}
	return false
}

// virtualBuddyOf returns the zone address of the buddy of the given
// block, or zero when the buddy would fall outside the zone.
func (s *Space) virtualBuddyOf(virt uint64, order int) uint64 {
	span := mem.PageCountOfOrder(order) * mem.PageSize
	buddy := s.vmmStart + ((virt - s.vmmStart) ^ span)
	if buddy+span > s.vmmStart+s.vmmPageCount*mem.PageSize {
		return 0
	}
	return buddy
}

// insertFreeRun covers an arbitrary free run with the largest blocks
// that stay aligned to their own size within the zone.
func (s *Space) insertFreeRun(virt, pageCount uint64) {
	for pageCount > 0 {
		order := mem.MaxOrderForPageCount(pageCount)
		offset := (virt - s.vmmStart) / mem.PageSize
		if a := mem.OrderOfAlignment(offset); a < order {
			order = a
		}

		s.insertFreeBlock(virt, order)

		n := mem.PageCountOfOrder(order)
		virt += n * mem.PageSize
		pageCount -= n
	}
}

// allocateVirtual carves pageCount pages out of the zone, rounded up to
// a power of two and honoring the requested alignment. It returns the
// start and the rounded count, or zero when the zone cannot satisfy the
// request.
func (s *Space) allocateVirtual(pageCount uint64, alignmentPower uint8) (uint64, uint64) {
	if pageCount == 0 {
		return 0, 0
	}
	if alignmentPower < mem.PageSizeBits {
		alignmentPower = mem.PageSizeBits
	}
	minOrder := mem.MinOrderForPageCount(pageCount)
	if minOrder > mem.MaxOrder-1 {
		return 0, 0
	}

	for order := minOrder; order < mem.MaxOrder; order++ {
		for b := s.buckets[order]; b != 0; b = s.nodeField(b, nodeNextOffset) {
			start, ok := alignedStartIn(b, order, minOrder, alignmentPower)
			if !ok {
				continue
			}

			s.removeFreeBlock(b, order)

			allocated := mem.PageCountOfOrder(minOrder)
			end := start + allocated*mem.PageSize
			blockEnd := b + mem.PageCountOfOrder(order)*mem.PageSize
			if start > b {
				s.insertFreeRun(b, (start-b)/mem.PageSize)
			}
			if end < blockEnd {
				s.insertFreeRun(end, (blockEnd-end)/mem.PageSize)
			}

			return start, allocated
		}
	}

	return 0, 0
}

// alignedStartIn finds the first aligned address inside the block that
// still leaves room for 2^minOrder pages before the block ends.
func alignedStartIn(block uint64, order, minOrder int, alignmentPower uint8) (uint64, bool) {
	alignMask := uint64(1)<<alignmentPower - 1
	start := (block + alignMask) &^ alignMask
	end := block + mem.PageCountOfOrder(order)*mem.PageSize
	need := mem.PageCountOfOrder(minOrder) * mem.PageSize

	if start < block || start > end || end-start < need {
		return 0, false
	}
	return start, true
}

// freeVirtual returns a block to the zone, merging with free buddies as
// far as possible. Addresses outside the zone are ignored.
func (s *Space) freeVirtual(virt, pageCount uint64) bool {
	zoneEnd := s.vmmStart + s.vmmPageCount*mem.PageSize
	if virt < s.vmmStart || virt >= zoneEnd {
		return false
	}

	order := mem.MinOrderForPageCount(pageCount)
	block := virt

	for order < mem.MaxOrder-1 {
		buddy := s.virtualBuddyOf(block, order)
		if buddy == 0 || !s.bucketHas(order, buddy) {
			break
		}

		s.removeFreeBlock(buddy, order)
		if buddy < block {
			block = buddy
		}
		order++
	}

	s.insertFreeBlock(block, order)
	return true
}
