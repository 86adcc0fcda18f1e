// Package kernel assembles the memory-management model into one context
// object: simulated physical memory, the frame allocator, the hardware
// page-table manager with its TLB, the permanent kernel space, and the
// fault resolver. A Kernel also owns the user spaces it creates and the
// notion of which space is currently loaded.
package kernel

import (
	"fmt"
	"sync/atomic"

	"github.com/sarchlab/shiba/datarecording"
	"github.com/sarchlab/shiba/hooking"
	"github.com/sarchlab/shiba/mem"
	"github.com/sarchlab/shiba/pmm"
	"github.com/sarchlab/shiba/tracing"
	"github.com/sarchlab/shiba/vm"
	"github.com/sarchlab/shiba/vm/fault"
	"github.com/sarchlab/shiba/vm/space"
	"github.com/sarchlab/shiba/vm/tlb"
)

// HookPosSwap is the hook position triggered after a space swap completes.
var HookPosSwap = &hooking.HookPos{Name: "Swap"}

// A SwapOp describes one completed swap. It is the hook item at HookPosSwap.
type SwapOp struct {
	From string
	To   string
}

// A Kernel is the context object of the modeled memory-management
// subsystem. All state that the original system kept in file-level
// statics lives here.
type Kernel struct {
	*hooking.HookableBase
	name string

	storage *mem.Storage
	phys    *vm.PhysAccess
	frames  *pmm.Allocator
	tlb     *tlb.TLB
	pt      *vm.PageTables

	kernelSpace *space.Space
	registry    *fault.Registry
	resolver    *fault.Resolver

	recorder   datarecording.DataRecorder
	timeTeller tracing.TimeTeller

	swapLock mem.SpinLock
	current  *space.Space

	spacesLock mem.SpinLock
	spaces     []*space.Space
	spacesMade int

	faultDepth atomic.Int32
}

// Name returns the name of the kernel.
func (k *Kernel) Name() string {
	return k.name
}

// Storage returns the simulated physical memory.
func (k *Kernel) Storage() *mem.Storage {
	return k.storage
}

// Phys returns the kernel's physical-memory accessor.
func (k *Kernel) Phys() *vm.PhysAccess {
	return k.phys
}

// Frames returns the physical frame allocator.
func (k *Kernel) Frames() *pmm.Allocator {
	return k.frames
}

// TLB returns the TLB model.
func (k *Kernel) TLB() *tlb.TLB {
	return k.tlb
}

// PageTables returns the hardware page-table manager.
func (k *Kernel) PageTables() *vm.PageTables {
	return k.pt
}

// KernelSpace returns the permanent kernel address space.
func (k *Kernel) KernelSpace() *space.Space {
	return k.kernelSpace
}

// Resolver returns the page-fault resolver.
func (k *Kernel) Resolver() *fault.Resolver {
	return k.resolver
}

// Registry returns the fault-hook registry.
func (k *Kernel) Registry() *fault.Registry {
	return k.registry
}

// DataRecorder returns the attached recorder, or nil if none was set.
func (k *Kernel) DataRecorder() datarecording.DataRecorder {
	return k.recorder
}

// CurrentSpace returns the space whose entries are loaded in the live
// root.
func (k *Kernel) CurrentSpace() *space.Space {
	k.swapLock.Lock()
	s := k.current
	k.swapLock.Unlock()
	return s
}

// Swap loads the given space, or the kernel space when nil. Swapping to
// the space that is already loaded is a no-op. The outgoing space's
// root slots are torn out of the live root and the incoming space's
// slots are installed; the kernel half never moves. The whole exchange
// holds the swap lock, standing in for the interrupt masking of the
// original. Swap returns the previously loaded space.
func (k *Kernel) Swap(s *space.Space) *space.Space {
	if s == nil {
		s = k.kernelSpace
	}

	k.swapLock.Lock()
	prev := k.current
	if s == prev {
		k.swapLock.Unlock()
		return prev
	}

	prev.Deactivate()
	s.Activate()
	k.current = s
	k.swapLock.Unlock()

	k.InvokeHook(hooking.HookCtx{
		Domain: k,
		Pos:    HookPosSwap,
		Item:   SwapOp{From: prev.Name(), To: s.Name()},
	})

	return prev
}

// NewSpace creates an empty user space owned by this kernel. Frame
// exhaustion reports mem.ErrTemporaryOutage.
func (k *Kernel) NewSpace() (*space.Space, error) {
	k.spacesLock.Lock()
	defer k.spacesLock.Unlock()

	name := fmt.Sprintf("%s.Space[%d]", k.name, k.spacesMade+1)
	s, err := space.New(name, k.pt, k.frames)
	if err != nil {
		return nil, err
	}
	k.spacesMade++

	if k.recorder != nil {
		s.AcceptHook(&spaceOpCollector{
			recorder:   k.recorder,
			timeTeller: k.timeTeller,
		})
	}

	k.spaces = append(k.spaces, s)

	return s, nil
}

// DestroySpace tears a user space down and releases every resource it
// owns. Destroying the space that is currently loaded swaps back to the
// kernel space first.
func (k *Kernel) DestroySpace(s *space.Space) error {
	if s == nil {
		return fmt.Errorf("kernel: no space given: %w", mem.ErrInvalidArgument)
	}
	if s.IsKernel() {
		return fmt.Errorf(
			"kernel: the kernel space cannot be destroyed: %w",
			mem.ErrInvalidArgument)
	}

	if !k.disown(s) {
		return fmt.Errorf("kernel: space %s is not owned by this kernel: %w",
			s.Name(), mem.ErrNoSuchResource)
	}

	if k.CurrentSpace() == s {
		k.Swap(nil)
	}

	s.Destroy()

	return nil
}

func (k *Kernel) disown(s *space.Space) bool {
	k.spacesLock.Lock()
	defer k.spacesLock.Unlock()

	for i, owned := range k.spaces {
		if owned == s {
			k.spaces = append(k.spaces[:i], k.spaces[i+1:]...)
			return true
		}
	}

	return false
}

// Spaces returns a snapshot of the live user spaces, in creation order.
func (k *Kernel) Spaces() []*space.Space {
	k.spacesLock.Lock()
	defer k.spacesLock.Unlock()

	spaces := make([]*space.Space, len(k.spaces))
	copy(spaces, k.spaces)

	return spaces
}
