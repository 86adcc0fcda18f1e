package space

import (
	"container/list"

	"github.com/sarchlab/shiba/mem"
	"github.com/sarchlab/shiba/vm"
)

// A spaceMapping ties one virtual range of the space to what backs it:
// nil for anonymous allocations, or a window onto a shareable mapping.
// The struct is comparable so the fault path can re-validate a record
// after dropping the space lock.
type spaceMapping struct {
	mapping    *Mapping
	virt       uint64
	pageCount  uint64
	pageOffset uint64
	flags      Flags
}

func (s *Space) recordLocked(rec *spaceMapping) {
	s.mappings.PushFront(rec)
}

// findRecordContaining returns the record whose range contains
// [virt, virt+pageCount), or nil. The caller must hold the space lock.
func (s *Space) findRecordContaining(virt, pageCount uint64) *list.Element {
	end := virt + pageCount*mem.PageSize
	for e := s.mappings.Front(); e != nil; e = e.Next() {
		rec := e.Value.(*spaceMapping)
		if rec.virt <= virt && rec.virt+rec.pageCount*mem.PageSize >= end {
			return e
		}
	}
	return nil
}

// InsertMapping attaches a window of pageCount pages starting at
// pageOffset within m to this space and retains m for the record's
// lifetime. A zero virt lets the space choose the address; otherwise
// the caller-chosen address must be in the space's own half of the
// address space, outside the allocator zone, and unoccupied. Pages are
// promises that bind against the mapping at fault time.
func (s *Space) InsertMapping(
	m *Mapping,
	pageOffset, pageCount uint64,
	alignmentPower uint8,
	virt uint64,
	flags Flags,
) (uint64, error) {
	if m == nil || pageCount == 0 || pageOffset+pageCount > m.PageCount() {
		return 0, mem.ErrInvalidArgument
	}
	if virt != 0 && (!mem.IsPageAligned(virt) || !s.ownsRange(virt, pageCount)) {
		return 0, mem.ErrInvalidArgument
	}

	m.Retain()
	s.lock.Lock()

	target := virt
	if virt != 0 {
		if s.overlapsZone(virt, pageCount) ||
			!s.pt.RegionIsFree(s.root, virt, pageCount) {
			s.lock.Unlock()
			m.Release()
			return 0, mem.ErrTemporaryOutage
		}
	} else {
		target, _ = s.allocateVirtual(pageCount, alignmentPower)
		if target == 0 {
			s.lock.Unlock()
			m.Release()
			return 0, mem.ErrTemporaryOutage
		}
	}

	s.recordLocked(&spaceMapping{
		mapping:    m,
		virt:       target,
		pageCount:  pageCount,
		pageOffset: pageOffset,
		flags:      flags,
	})
	s.pt.MapFrameFixed(s.root, s.Active(), 0, target, pageCount,
		flags.mapFlags()|vm.MapOnDemand)

	s.lock.Unlock()
	s.invokeOp("insert_mapping", target, pageCount)

	return target, nil
}

// RemoveMapping detaches the window that starts exactly at virt. The
// window's pages disappear from the space; the mapping keeps its frames
// and loses one reference.
func (s *Space) RemoveMapping(virt uint64) error {
	s.lock.Lock()

	var e *list.Element
	for e = s.mappings.Front(); e != nil; e = e.Next() {
		rec := e.Value.(*spaceMapping)
		if rec.mapping != nil && rec.virt == virt {
			break
		}
	}
	if e == nil {
		s.lock.Unlock()
		return mem.ErrNoSuchResource
	}

	rec := e.Value.(*spaceMapping)
	s.mappings.Remove(e)

	s.pt.FlushMapping(s.root, rec.virt, rec.pageCount, vm.FlushOptions{
		Invalidate: s.Active(),
		Break:      true,
	})
	s.freeVirtual(rec.virt, rec.pageCount)

	s.lock.Unlock()

	rec.mapping.Release()
	s.invokeOp("remove_mapping", rec.virt, rec.pageCount)

	return nil
}

// LookupMapping finds the window whose range contains addr and returns
// the mapping with the window's offset and length. With retain set the
// mapping is retained on the caller's behalf.
func (s *Space) LookupMapping(addr uint64, retain bool) (*Mapping, uint64, uint64, error) {
	s.lock.Lock()

	for e := s.mappings.Front(); e != nil; e = e.Next() {
		rec := e.Value.(*spaceMapping)
		if rec.mapping == nil {
			continue
		}
		if rec.virt <= addr && addr < rec.virt+rec.pageCount*mem.PageSize {
			if retain {
				rec.mapping.Retain()
			}
			m, off, n := rec.mapping, rec.pageOffset, rec.pageCount
			s.lock.Unlock()
			return m, off, n, nil
		}
	}

	s.lock.Unlock()
	return nil, 0, 0, mem.ErrNoSuchResource
}

// MoveIntoMapping hands an anonymous range over to a mapping: the
// record at virt starts windowing m at pageOffset, and every resident
// page is transferred to m as a bound portion. Pages not yet faulted in
// stay promises, now against the mapping. When no record exists at virt
// one is created, so a raw mapped range can be adopted as well.
func (s *Space) MoveIntoMapping(
	virt, pageCount, pageOffset uint64,
	m *Mapping,
) error {
	if m == nil || virt == 0 || pageCount == 0 ||
		!mem.IsPageAligned(virt) ||
		pageOffset+pageCount > m.PageCount() {
		return mem.ErrInvalidArgument
	}

	s.lock.Lock()
	defer s.lock.Unlock()

	var rec *spaceMapping
	for e := s.mappings.Front(); e != nil; e = e.Next() {
		r := e.Value.(*spaceMapping)
		if r.virt != virt {
			continue
		}
		if r.mapping != nil || r.pageCount != pageCount {
			return mem.ErrInvalidArgument
		}
		rec = r
		break
	}
	// Collect the resident pages as physically contiguous runs and
	// hand them over in one step, so a clash with an already-bound
	// range leaves the record untouched.
	var runs []frameRun
	for i := uint64(0); i < pageCount; i++ {
		phys, ok := s.pt.Translate(s.root, virt+i*mem.PageSize)
		if !ok {
			continue
		}

		run := uint64(1)
		for i+run < pageCount {
			next, ok := s.pt.Translate(s.root, virt+(i+run)*mem.PageSize)
			if !ok || next != phys+run*mem.PageSize {
				break
			}
			run++
		}

		runs = append(runs, frameRun{
			pageOffset:      pageOffset + i,
			pageCount:       run,
			physicalAddress: phys,
		})
		i += run - 1
	}

	if err := m.bindTransferredRuns(runs); err != nil {
		return err
	}

	m.Retain()
	if rec == nil {
		rec = &spaceMapping{virt: virt, pageCount: pageCount}
		s.recordLocked(rec)
	}
	rec.mapping = m
	rec.pageOffset = pageOffset

	return nil
}

// Permissions describe the access allowed on a mapped range.
type Permissions uint32

const (
	PermRead Permissions = 1 << iota
	PermWrite
	PermExecute
)

// ChangePermissions is recognized but not implemented: a range covered
// by a record reports mem.ErrUnsupported, anything else
// mem.ErrNoSuchResource.
func (s *Space) ChangePermissions(addr, pageCount uint64, perms Permissions) error {
	if pageCount == 0 {
		return mem.ErrInvalidArgument
	}

	s.lock.Lock()
	defer s.lock.Unlock()

	if s.findRecordContaining(mem.RoundDownToPage(addr), pageCount) == nil {
		return mem.ErrNoSuchResource
	}
	return mem.ErrUnsupported
}
