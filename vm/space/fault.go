package space

import (
	"github.com/sarchlab/shiba/mem"
	"github.com/sarchlab/shiba/vm"
)

// ResolveFault tries to resolve a page fault at addr using only this
// space. A page that already translates means the live root lost the
// space's slot, so it is refreshed; an on-demand promise is bound to a
// frame, consulting the backing mapping when the record has one. It
// reports whether the fault was handled; the caller escalates anything
// else.
func (s *Space) ResolveFault(addr uint64) bool {
	faultPage := mem.RoundDownToPage(addr)

	s.lock.Lock()
	defer s.lock.Unlock()

	if _, ok := s.pt.Translate(s.root, faultPage); ok {
		s.refreshMappingLocked(faultPage, 1)
		return true
	}

	if s.pt.LeafStateAt(s.root, faultPage) != vm.LeafOnDemand {
		return false
	}

	e := s.findRecordContaining(faultPage, 1)
	if e == nil {
		return false
	}
	rec := *e.Value.(*spaceMapping)
	if rec.mapping != nil {
		rec.mapping.Retain()
	}

	for {
		if rec.mapping == nil {
			frame, _, err := s.frames.Allocate(1)
			if err != nil {
				return false
			}
			if rec.flags&FlagZero != 0 {
				s.pt.Phys().Zero(frame, mem.PageSize)
			}
			s.pt.MapFrameFixed(s.root, s.Active(), frame, faultPage, 1,
				rec.flags.mapFlags())
			return true
		}

		pageOffset := rec.pageOffset + (faultPage-rec.virt)/mem.PageSize

		// The mapping has its own lock and may fan out to other
		// mappings, so the space lock cannot be held across the
		// resolution.
		s.lock.Unlock()
		phys, ok := resolvePortion(rec.mapping, pageOffset)
		s.lock.Lock()

		if !ok {
			return false
		}

		// The space was unlocked; anything may have happened to the
		// faulting page in the meantime.
		if _, ok := s.pt.Translate(s.root, faultPage); ok {
			s.refreshMappingLocked(faultPage, 1)
			return true
		}

		e := s.findRecordContaining(faultPage, 1)
		if e == nil {
			return false
		}
		cur := *e.Value.(*spaceMapping)
		if cur != rec {
			rec = cur
			if rec.mapping != nil {
				rec.mapping.Retain()
			}
			continue
		}

		s.pt.MapFrameFixed(s.root, s.Active(), phys, faultPage, 1,
			rec.flags.mapFlags())
		return true
	}
}

// resolvePortion finds the frame backing one page of m, chasing windows
// through their backing mappings and binding a fresh single-page
// portion when nothing covers the offset. It consumes the caller's
// reference on m.
func resolvePortion(m *Mapping, pageOffset uint64) (uint64, bool) {
	target, offset := m, pageOffset
	target.lock.Lock()

scan:
	for {
		for _, p := range target.portions {
			if offset < p.pageOffset || offset >= p.pageOffset+p.pageCount {
				continue
			}

			if p.flags&portionBackedByMapping != 0 {
				backing := p.backingMapping
				backing.Retain()
				rebased := p.backingOffset + (offset - p.pageOffset)

				target.lock.Unlock()
				target.Release()
				target, offset = backing, rebased
				target.lock.Lock()
				continue scan
			}

			phys := p.physicalAddress + (offset-p.pageOffset)*mem.PageSize
			target.lock.Unlock()
			target.Release()
			return phys, true
		}

		p, err := target.bindLocked(offset, 1, 0, nil, 0, 0)
		if err != nil {
			target.lock.Unlock()
			target.Release()
			return 0, false
		}

		phys := p.physicalAddress
		target.lock.Unlock()
		target.Release()
		return phys, true
	}
}
