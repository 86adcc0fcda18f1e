// Package space implements address spaces on top of the hardware page
// tables.
//
// A Space owns one root table and a zone of virtual addresses managed
// by a buddy allocator whose bookkeeping lives inside the space itself.
// Anonymous memory is handed out on demand by default and bound to
// frames at fault time; shareable mappings let several spaces attach
// windows onto the same frames. The kernel space wraps the permanent
// live root; user spaces hold only their own entries and are copied
// into the live root on activation.
package space

import (
	"container/list"
	"sync/atomic"

	"github.com/sarchlab/shiba/hooking"
	"github.com/sarchlab/shiba/mem"
	"github.com/sarchlab/shiba/vm"
)

// HookPosOp is the hook position triggered after a space operation
// completes.
var HookPosOp = &hooking.HookPos{Name: "SpaceOp"}

// An Op describes one completed space operation. It is the hook item
// delivered at HookPosOp.
type Op struct {
	Op        string
	Space     string
	Virt      uint64
	PageCount uint64
}

// userZoneIndex is the root slot of the allocator zone of user spaces,
// the top slot of the canonical lower half.
const userZoneIndex = 255

// A Space is one address space. All operations serialize on the space
// lock; the buddy allocator and the mapping records never move without
// it.
type Space struct {
	*hooking.HookableBase
	name string

	pt     *vm.PageTables
	frames vm.FrameSource

	root     uint64
	isKernel bool
	active   atomic.Bool

	lock mem.SpinLock

	vmmStart     uint64
	vmmPageCount uint64
	buckets      [mem.MaxOrder]uint64

	mappings *list.List

	destroyed chan struct{}
}

// New creates an empty user space. The allocator zone covers the top
// root slot of the canonical lower half; everything else starts
// unmapped. Frame exhaustion reports mem.ErrTemporaryOutage.
func New(name string, pt *vm.PageTables, frames vm.FrameSource) (*Space, error) {
	root, _, err := frames.Allocate(1)
	if err != nil {
		return nil, mem.ErrTemporaryOutage
	}
	pt.Phys().Zero(root, mem.PageSize)

	s := &Space{
		HookableBase: hooking.NewHookableBase(),
		name:         name,
		pt:           pt,
		frames:       frames,
		root:         root,
		vmmStart:     vm.MakeVirtAddr(userZoneIndex, 0, 0, 0, 0),
		vmmPageCount: uint64(vm.TableEntryCount) * mem.VeryLargePageCount,
		mappings:     list.New(),
		destroyed:    make(chan struct{}),
	}

	// The zone's initial free block maps the first bookkeeping node
	// into the fresh tree.
	s.insertFreeRun(s.vmmStart, s.vmmPageCount)

	return s, nil
}

// NewKernel wraps the live root as the permanent kernel space. Its
// allocator zone is the kernel heap; the space is always active and can
// never be destroyed.
func NewKernel(
	name string,
	pt *vm.PageTables,
	frames vm.FrameSource,
	heapStart, heapPageCount uint64,
) *Space {
	if heapPageCount == 0 {
		panic("space: the kernel heap zone is empty")
	}
	if !mem.IsPageAligned(heapStart) || !vm.IsCanonical(heapStart) {
		panic("space: the kernel heap zone start is not a usable address")
	}

	s := &Space{
		HookableBase: hooking.NewHookableBase(),
		name:         name,
		pt:           pt,
		frames:       frames,
		root:         pt.Root(),
		isKernel:     true,
		vmmStart:     heapStart,
		vmmPageCount: heapPageCount,
		mappings:     list.New(),
		destroyed:    make(chan struct{}),
	}
	s.insertFreeRun(s.vmmStart, s.vmmPageCount)

	return s
}

// Name returns the name of the space.
func (s *Space) Name() string {
	return s.name
}

// Root returns the physical address of the space's root table. For the
// kernel space this is the live root.
func (s *Space) Root() uint64 {
	return s.root
}

// IsKernel reports whether this is the permanent kernel space.
func (s *Space) IsKernel() bool {
	return s.isKernel
}

// Active reports whether the space's entries are installed in the live
// root. The kernel space is always active.
func (s *Space) Active() bool {
	return s.isKernel || s.active.Load()
}

// Destroyed returns a channel that is closed when the space's
// destruction begins.
func (s *Space) Destroyed() <-chan struct{} {
	return s.destroyed
}

// Zone returns the start and page count of the space's allocator zone.
func (s *Space) Zone() (start, pageCount uint64) {
	return s.vmmStart, s.vmmPageCount
}

// MappingCount returns the number of recorded ranges, anonymous and
// shared.
func (s *Space) MappingCount() int {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.mappings.Len()
}

// VirtualToPhysical translates an address through the space's own root.
func (s *Space) VirtualToPhysical(vaddr uint64) (uint64, bool) {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.pt.Translate(s.root, vaddr)
}

// Activate copies the space's populated root slots into the live root.
// A user half only ever carries the space's own entries, so the copy
// never collides with the recursive slot, the offset window, or the
// kernel heap.
func (s *Space) Activate() {
	if s.isKernel || s.active.Load() {
		return
	}

	s.lock.Lock()
	phys := s.pt.Phys()
	for i := 0; i < vm.TableEntryCount; i++ {
		entry := vm.Entry(phys.ReadU64(s.root + uint64(i)*8))
		if !entry.IsPresent() {
			continue
		}
		s.pt.TableStore(1, i, 0, 0, 0, entry)
	}
	s.active.Store(true)
	s.lock.Unlock()
}

// Deactivate clears the space's slots out of the live root and flushes
// the whole TLB.
func (s *Space) Deactivate() {
	if s.isKernel {
		return
	}

	s.lock.Lock()
	s.deactivateLocked()
	s.lock.Unlock()
}

func (s *Space) deactivateLocked() {
	if !s.active.Load() {
		return
	}

	phys := s.pt.Phys()
	for i := 0; i < vm.TableEntryCount; i++ {
		entry := vm.Entry(phys.ReadU64(s.root + uint64(i)*8))
		if !entry.IsPresent() {
			continue
		}
		s.pt.TableStore(1, i, 0, 0, 0, 0)
	}
	s.active.Store(false)
	s.pt.FullFlush()
}

// Destroy tears the space down: waiters are notified first, shared
// ranges are broken so the table teardown cannot free mapping-owned
// frames, the live root is cleaned up if the space was active, and the
// whole tree including the allocator's node frames goes back to the
// frame allocator.
func (s *Space) Destroy() {
	if s.isKernel {
		panic("space: the kernel space cannot be destroyed")
	}

	close(s.destroyed)

	s.lock.Lock()

	for e := s.mappings.Front(); e != nil; e = e.Next() {
		rec := e.Value.(*spaceMapping)
		if rec.mapping == nil {
			continue
		}
		s.pt.FlushMapping(s.root, rec.virt, rec.pageCount,
			vm.FlushOptions{Break: true})
		rec.mapping.Release()
	}
	s.mappings.Init()

	s.deactivateLocked()

	s.pt.FlushTable(s.root, false, true, true)
	s.frames.Free(s.root, 1)

	s.buckets = [mem.MaxOrder]uint64{}
	s.vmmStart, s.vmmPageCount = 0, 0

	s.lock.Unlock()

	s.invokeOp("destroy", 0, 0)
}

// refreshMappingLocked re-points the live root at the space's current
// slot for the range and flushes the stale translations. The caller
// must hold the space lock.
func (s *Space) refreshMappingLocked(virt, pageCount uint64) {
	active := s.Active()

	if active {
		i4 := vm.L4Index(virt)
		spaceEntry := vm.Entry(s.pt.Phys().ReadU64(s.root + uint64(i4)*8))
		currentEntry := s.pt.TableLoad(1, i4, 0, 0, 0)

		if spaceEntry != currentEntry {
			s.pt.TableStore(1, i4, 0, 0, 0, spaceEntry)
			if currentEntry.IsPresent() {
				s.pt.FullFlush()
			}
		}
	}

	s.pt.FlushMapping(s.root, virt, pageCount,
		vm.FlushOptions{Invalidate: active})
}

func (s *Space) invokeOp(op string, virt, pageCount uint64) {
	s.InvokeHook(hooking.HookCtx{
		Domain: s,
		Pos:    HookPosOp,
		Item: Op{
			Op:        op,
			Space:     s.name,
			Virt:      virt,
			PageCount: pageCount,
		},
	})
}
