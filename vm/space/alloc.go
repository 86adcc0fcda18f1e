package space

import (
	"math"

	"github.com/sarchlab/shiba/mem"
	"github.com/sarchlab/shiba/vm"
)

// Flags adjust how a space allocates and maps memory.
type Flags uint32

const (
	// FlagNoCache maps the range with caching disabled.
	FlagNoCache Flags = 1 << iota

	// FlagUnprivileged makes the range reachable from unprivileged
	// code.
	FlagUnprivileged

	// FlagPrebound backs every page with a frame immediately instead
	// of on first touch.
	FlagPrebound

	// FlagZero hands the memory out zeroed.
	FlagZero
)

func (f Flags) mapFlags() vm.MapFlags {
	var mf vm.MapFlags
	if f&FlagNoCache != 0 {
		mf |= vm.MapNoCache
	}
	if f&FlagUnprivileged != 0 {
		mf |= vm.MapUnprivileged
	}
	return mf
}

// Allocate reserves pageCount pages of anonymous memory at an address
// of the space's choosing.
func (s *Space) Allocate(pageCount uint64, flags Flags) (uint64, error) {
	return s.AllocateAligned(pageCount, 0, flags)
}

// AllocateAligned is Allocate with a minimum alignment of
// 2^alignmentPower bytes. Unless FlagPrebound is given, the range is a
// promise: no frame backs it until the first touch faults one in.
func (s *Space) AllocateAligned(
	pageCount uint64,
	alignmentPower uint8,
	flags Flags,
) (uint64, error) {
	if pageCount == 0 || pageCount == math.MaxUint64 {
		return 0, mem.ErrInvalidArgument
	}

	s.lock.Lock()

	virt, _ := s.allocateVirtual(pageCount, alignmentPower)
	if virt == 0 {
		s.lock.Unlock()
		return 0, mem.ErrTemporaryOutage
	}

	if err := s.populateLocked(virt, pageCount, flags); err != nil {
		s.freeVirtual(virt, pageCount)
		s.lock.Unlock()
		return 0, err
	}

	s.lock.Unlock()
	s.invokeOp("allocate", virt, pageCount)

	return virt, nil
}

// AllocateFixed places an anonymous allocation at a caller-chosen
// address. The address must lie in the half of the address space the
// space owns; ranges that overlap the allocator zone or that are
// already occupied report mem.ErrTemporaryOutage.
func (s *Space) AllocateFixed(virt, pageCount uint64, flags Flags) error {
	if virt == 0 || pageCount == 0 || pageCount == math.MaxUint64 ||
		!mem.IsPageAligned(virt) || !s.ownsRange(virt, pageCount) {
		return mem.ErrInvalidArgument
	}

	s.lock.Lock()

	if s.overlapsZone(virt, pageCount) {
		s.lock.Unlock()
		return mem.ErrTemporaryOutage
	}
	if !s.pt.RegionIsFree(s.root, virt, pageCount) {
		s.lock.Unlock()
		return mem.ErrTemporaryOutage
	}

	if err := s.populateLocked(virt, pageCount, flags); err != nil {
		s.lock.Unlock()
		return err
	}

	s.lock.Unlock()
	s.invokeOp("allocate_fixed", virt, pageCount)

	return nil
}

func (s *Space) overlapsZone(virt, pageCount uint64) bool {
	end := virt + pageCount*mem.PageSize
	zoneEnd := s.vmmStart + s.vmmPageCount*mem.PageSize
	return virt < zoneEnd && end > s.vmmStart
}

// ownsRange reports whether a caller-chosen range lies entirely in the
// half of the address space this space owns. User-space root slots are
// copied into the live root wholesale on activation and cleared again
// on deactivation, so a user placement under an upper-half slot would
// clobber the permanent kernel entries there.
func (s *Space) ownsRange(virt, pageCount uint64) bool {
	last := virt + (pageCount-1)*mem.PageSize
	if last < virt || !vm.IsCanonical(virt) || !vm.IsCanonical(last) {
		return false
	}
	if s.isKernel {
		return true
	}
	return vm.L4Index(virt) < vm.TableEntryCount/2 &&
		vm.L4Index(last) < vm.TableEntryCount/2
}

// populateLocked installs an allocation over an already-reserved range
// and records it. On-demand ranges get a single promise entry per page;
// prebound ranges get real frames, with full rollback when the frame
// allocator runs dry.
func (s *Space) populateLocked(virt, pageCount uint64, flags Flags) error {
	if flags&FlagPrebound != 0 {
		return s.preboundLocked(virt, pageCount, flags)
	}

	s.pt.MapFrameFixed(s.root, s.Active(), 0, virt, pageCount,
		flags.mapFlags()|vm.MapOnDemand)
	s.recordLocked(&spaceMapping{
		virt:      virt,
		pageCount: pageCount,
		flags:     flags,
	})

	return nil
}

func (s *Space) preboundLocked(virt, pageCount uint64, flags Flags) error {
	mf := flags.mapFlags()

	for i := uint64(0); i < pageCount; i++ {
		frame, _, err := s.frames.Allocate(1)
		if err != nil {
			for ; i > 0; i-- {
				page := virt + (i-1)*mem.PageSize
				if phys, ok := s.pt.Translate(s.root, page); ok {
					s.frames.Free(phys, 1)
				}
				s.pt.FlushMapping(s.root, page, 1, vm.FlushOptions{
					Invalidate: s.Active(),
					Break:      true,
				})
			}
			return mem.ErrTemporaryOutage
		}
		s.pt.MapFrameFixed(s.root, s.Active(), frame,
			virt+i*mem.PageSize, 1, mf)
	}

	if flags&FlagZero != 0 {
		for i := uint64(0); i < pageCount; i++ {
			phys, _ := s.pt.Translate(s.root, virt+i*mem.PageSize)
			s.pt.Phys().Zero(phys, mem.PageSize)
		}
	}

	s.recordLocked(&spaceMapping{
		virt:      virt,
		pageCount: pageCount,
		flags:     flags,
	})

	return nil
}

// Free releases an allocation made by the Allocate family. The range
// must match a recorded anonymous allocation exactly; freeing shared
// ranges or fragments of an allocation reports mem.ErrInvalidArgument.
func (s *Space) Free(virt, pageCount uint64) error {
	if virt == 0 || pageCount == 0 || pageCount == math.MaxUint64 {
		return mem.ErrInvalidArgument
	}

	s.lock.Lock()

	e := s.findRecordContaining(virt, pageCount)
	if e == nil {
		s.lock.Unlock()
		return mem.ErrInvalidArgument
	}
	rec := e.Value.(*spaceMapping)
	if rec.virt != virt || rec.pageCount != pageCount || rec.mapping != nil {
		s.lock.Unlock()
		return mem.ErrInvalidArgument
	}
	s.mappings.Remove(e)

	s.pt.FlushMapping(s.root, virt, pageCount, vm.FlushOptions{
		Invalidate: s.Active(),
		Break:      true,
		Free:       true,
	})
	s.freeVirtual(virt, pageCount)

	s.lock.Unlock()
	s.invokeOp("free", virt, pageCount)

	return nil
}
