package space

import (
	"math"

	"github.com/sarchlab/shiba/mem"
	"github.com/sarchlab/shiba/vm"
)

// MapAny maps a physical range at an address of the space's choosing.
func (s *Space) MapAny(phys, pageCount uint64, flags Flags) (uint64, error) {
	return s.MapAligned(phys, pageCount, 0, flags)
}

// MapAligned is MapAny with a minimum alignment of 2^alignmentPower
// bytes on the chosen virtual address.
func (s *Space) MapAligned(
	phys, pageCount uint64,
	alignmentPower uint8,
	flags Flags,
) (uint64, error) {
	if phys == 0 || pageCount == 0 || pageCount == math.MaxUint64 ||
		!mem.IsPageAligned(phys) {
		return 0, mem.ErrInvalidArgument
	}

	s.lock.Lock()

	virt, _ := s.allocateVirtual(pageCount, alignmentPower)
	if virt == 0 {
		s.lock.Unlock()
		return 0, mem.ErrTemporaryOutage
	}
	s.pt.MapFrameFixed(s.root, s.Active(), phys, virt, pageCount,
		flags.mapFlags())

	s.lock.Unlock()
	s.invokeOp("map", virt, pageCount)

	return virt, nil
}

// MapFixed maps a physical range at a caller-chosen virtual address in
// the half of the address space the space owns. The caller owns the
// address; no reservation or occupancy check is made.
func (s *Space) MapFixed(phys, virt, pageCount uint64, flags Flags) error {
	if phys == 0 || virt == 0 || pageCount == 0 ||
		pageCount == math.MaxUint64 ||
		!mem.IsPageAligned(phys) || !mem.IsPageAligned(virt) ||
		!s.ownsRange(virt, pageCount) {
		return mem.ErrInvalidArgument
	}

	s.lock.Lock()
	s.pt.MapFrameFixed(s.root, s.Active(), phys, virt, pageCount,
		flags.mapFlags())
	s.lock.Unlock()

	s.invokeOp("map_fixed", virt, pageCount)

	return nil
}

// Unmap removes a mapped range without touching the frames behind it.
func (s *Space) Unmap(virt, pageCount uint64) error {
	if virt == 0 || pageCount == 0 || pageCount == math.MaxUint64 ||
		!mem.IsPageAligned(virt) {
		return mem.ErrInvalidArgument
	}

	s.lock.Lock()

	s.pt.FlushMapping(s.root, virt, pageCount, vm.FlushOptions{
		Invalidate: s.Active(),
		Break:      true,
	})
	s.freeVirtual(virt, pageCount)

	s.lock.Unlock()
	s.invokeOp("unmap", virt, pageCount)

	return nil
}

// ReserveAny carves a virtual range out of the allocator zone without
// mapping anything at it.
func (s *Space) ReserveAny(pageCount uint64) (uint64, error) {
	if pageCount == 0 || pageCount == math.MaxUint64 {
		return 0, mem.ErrInvalidArgument
	}

	s.lock.Lock()
	virt, _ := s.allocateVirtual(pageCount, 0)
	s.lock.Unlock()

	if virt == 0 {
		return 0, mem.ErrTemporaryOutage
	}

	s.invokeOp("reserve", virt, pageCount)

	return virt, nil
}
