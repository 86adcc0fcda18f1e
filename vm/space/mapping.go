package space

import (
	"math"
	"sync/atomic"

	"github.com/sarchlab/shiba/mem"
	"github.com/sarchlab/shiba/vm"
)

// MappingFlags adjust shareable-mapping behavior.
type MappingFlags uint32

const (
	// MappingZero zeroes portions whose frames the mapping allocates
	// itself. Frames bound with explicit addresses are never zeroed.
	MappingZero MappingFlags = 1 << 0
)

// BindFlags adjust a single bind operation.
type BindFlags uint32

const (
	// BindTransfer moves ownership of the given frames to the mapping:
	// they are freed when the mapping dies.
	BindTransfer BindFlags = 1 << 0
)

type portionFlags uint8

const (
	// portionAllocated marks frames the mapping allocated as one block
	// for this portion.
	portionAllocated portionFlags = 1 << iota

	// portionTransferred marks frames handed over page by page, with
	// no block structure to rely on when freeing.
	portionTransferred

	// portionBackedByMapping marks a window onto another mapping.
	portionBackedByMapping
)

// A portion covers one offset range of a mapping: a physical run, owned
// or borrowed, or a window onto another mapping.
type portion struct {
	pageOffset uint64
	pageCount  uint64
	flags      portionFlags

	physicalAddress uint64

	backingMapping *Mapping
	backingOffset  uint64
}

// A Mapping is a shareable, reference-counted set of frames. Spaces
// attach windows onto it with InsertMapping; offsets nobody bound get
// frames lazily when a fault first reaches them.
type Mapping struct {
	frames vm.FrameSource
	phys   *vm.PhysAccess

	lock      mem.SpinLock
	refs      atomic.Int32
	pageCount uint64
	flags     MappingFlags
	portions  []*portion
}

// NewMapping creates a mapping of pageCount pages with one reference
// and no frames bound.
func NewMapping(
	frames vm.FrameSource,
	phys *vm.PhysAccess,
	pageCount uint64,
	flags MappingFlags,
) (*Mapping, error) {
	if pageCount > math.MaxUint32 {
		return nil, mem.ErrInvalidArgument
	}

	m := &Mapping{
		frames:    frames,
		phys:      phys,
		pageCount: pageCount,
		flags:     flags,
	}
	m.refs.Store(1)

	return m, nil
}

// PageCount returns the length of the mapping in pages.
func (m *Mapping) PageCount() uint64 {
	return m.pageCount
}

// Retain takes one more reference.
func (m *Mapping) Retain() {
	if m.refs.Add(1) <= 1 {
		panic("space: retain of a destroyed mapping")
	}
}

// Release drops one reference. The last release destroys the mapping:
// owned frames go back to the frame allocator and backing mappings lose
// the reference this one held.
func (m *Mapping) Release() {
	if m.refs.Add(-1) != 0 {
		return
	}
	m.destroy()
}

func (m *Mapping) destroy() {
	m.lock.Lock()
	portions := m.portions
	m.portions = nil
	m.lock.Unlock()

	for _, p := range portions {
		switch {
		case p.flags&portionAllocated != 0:
			m.frames.Free(p.physicalAddress, p.pageCount)
		case p.flags&portionTransferred != 0:
			for i := uint64(0); i < p.pageCount; i++ {
				m.frames.Free(p.physicalAddress+i*mem.PageSize, 1)
			}
		case p.flags&portionBackedByMapping != 0:
			p.backingMapping.Release()
		}
	}
}

// Bind backs [pageOffset, pageOffset+pageCount) with frames. A zero
// physicalAddress makes the mapping allocate them itself; an explicit
// address borrows the frames, or moves their ownership in with
// BindTransfer. Overlapping an already-bound range reports
// mem.ErrAlreadyInProgress.
func (m *Mapping) Bind(
	pageOffset, pageCount, physicalAddress uint64,
	flags BindFlags,
) error {
	if pageCount == 0 || pageOffset+pageCount > m.pageCount {
		return mem.ErrInvalidArgument
	}

	m.lock.Lock()
	defer m.lock.Unlock()

	if m.overlapsLocked(pageOffset, pageCount) {
		return mem.ErrAlreadyInProgress
	}
	_, err := m.bindLocked(pageOffset, pageCount, physicalAddress, nil, 0, flags)
	return err
}

// BindIndirect backs a range of this mapping with a range of another.
// The target is retained for as long as the portion lives. Faults
// reaching the range chase through to the target's frames.
func (m *Mapping) BindIndirect(
	pageOffset, pageCount uint64,
	target *Mapping,
	targetOffset uint64,
) error {
	if target == nil || pageCount == 0 ||
		pageOffset+pageCount > m.pageCount ||
		targetOffset+pageCount > target.pageCount {
		return mem.ErrInvalidArgument
	}

	target.Retain()
	m.lock.Lock()

	if m.overlapsLocked(pageOffset, pageCount) {
		m.lock.Unlock()
		target.Release()
		return mem.ErrAlreadyInProgress
	}
	_, err := m.bindLocked(pageOffset, pageCount, 0, target, targetOffset, 0)

	m.lock.Unlock()
	if err != nil {
		target.Release()
	}
	return err
}

// A frameRun is one physically contiguous stretch of pages headed into
// a mapping.
type frameRun struct {
	pageOffset      uint64
	pageCount       uint64
	physicalAddress uint64
}

// bindTransferredRuns moves the ownership of several disjoint runs into
// the mapping in one step. When any run overlaps an already-bound range
// nothing is bound and mem.ErrAlreadyInProgress is reported.
func (m *Mapping) bindTransferredRuns(runs []frameRun) error {
	m.lock.Lock()
	defer m.lock.Unlock()

	for _, r := range runs {
		if m.overlapsLocked(r.pageOffset, r.pageCount) {
			return mem.ErrAlreadyInProgress
		}
	}
	for _, r := range runs {
		m.bindLocked(r.pageOffset, r.pageCount, r.physicalAddress,
			nil, 0, BindTransfer)
	}
	return nil
}

func (m *Mapping) overlapsLocked(pageOffset, pageCount uint64) bool {
	end := pageOffset + pageCount
	for _, p := range m.portions {
		if p.pageOffset < end && p.pageOffset+p.pageCount > pageOffset {
			return true
		}
	}
	return false
}

// bindLocked creates the portion. Frames are allocated only for an
// anonymous direct bind, and zeroed only when the mapping asks for
// zeroed memory; explicit frames arrive with whatever they hold.
func (m *Mapping) bindLocked(
	pageOffset, pageCount, physicalAddress uint64,
	target *Mapping,
	targetOffset uint64,
	flags BindFlags,
) (*portion, error) {
	p := &portion{
		pageOffset: pageOffset,
		pageCount:  pageCount,
	}

	switch {
	case target != nil:
		p.backingMapping = target
		p.backingOffset = targetOffset
		p.flags |= portionBackedByMapping
	case physicalAddress == 0:
		phys, _, err := m.frames.Allocate(pageCount)
		if err != nil {
			return nil, mem.ErrTemporaryOutage
		}
		if m.flags&MappingZero != 0 {
			m.phys.Zero(phys, pageCount*mem.PageSize)
		}
		p.physicalAddress = phys
		p.flags |= portionAllocated
	default:
		p.physicalAddress = physicalAddress
		if flags&BindTransfer != 0 {
			p.flags |= portionTransferred
		}
	}

	m.portions = append(m.portions, p)
	return p, nil
}
