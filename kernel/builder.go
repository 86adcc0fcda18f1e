package kernel

import (
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

// kernelHeapIndex is the root slot of the kernel heap zone. The two
// slots above it belong to the page-table manager's recursive entry and
// physical-offset window.
const kernelHeapIndex = 509

// A Builder can build kernels.
type Builder struct {
	name              string
	memoryBytes       uint64
	memoryMap         []pmm.MemoryRegion
	heapPageCount     uint64
	tlbSets           int
	tlbWays           int
	fullFlushFallback bool
	recorder          datarecording.DataRecorder
	timeTeller        tracing.TimeTeller
}

// MakeBuilder returns a Builder with default parameters: 64 MiB of
// physical memory in one region and a 65536-page kernel heap zone.
func MakeBuilder() Builder {
	return Builder{
		name:              "Kernel",
		heapPageCount:     65536,
		fullFlushFallback: true,
	}
}

// WithName sets the name of the kernel to build. Every owned component
// is named under it.
func (b Builder) WithName(name string) Builder {
	b.name = name
	return b
}

// WithMemorySize sets the modeled physical memory to one general
// region of the given byte size.
func (b Builder) WithMemorySize(byteSize uint64) Builder {
	b.memoryBytes = byteSize
	return b
}

// WithMemoryMap sets an explicit boot memory map instead of a single
// region.
func (b Builder) WithMemoryMap(memoryMap []pmm.MemoryRegion) Builder {
	b.memoryMap = memoryMap
	return b
}

// WithKernelHeapPageCount sets the page count of the kernel heap zone.
func (b Builder) WithKernelHeapPageCount(pageCount uint64) Builder {
	b.heapPageCount = pageCount
	return b
}

// WithTLBGeometry sets the set and way counts of the TLB model.
func (b Builder) WithTLBGeometry(numSets, numWays int) Builder {
	b.tlbSets = numSets
	b.tlbWays = numWays
	return b
}

// WithFullFlushFallback controls whether every bulk mapping flush ends
// in a full TLB flush, the documented behavior of the original system.
// It is on by default; tests exercising the precise path alone turn it
// off.
func (b Builder) WithFullFlushFallback(on bool) Builder {
	b.fullFlushFallback = on
	return b
}

// WithDataRecorder attaches a recorder. Frame, space, fault, and swap
// events are recorded through it.
func (b Builder) WithDataRecorder(recorder datarecording.DataRecorder) Builder {
	b.recorder = recorder
	return b
}

// WithTimeTeller sets the clock that stamps recorded events. The
// default is a wall clock started at build time.
func (b Builder) WithTimeTeller(timeTeller tracing.TimeTeller) Builder {
	b.timeTeller = timeTeller
	return b
}

func (b Builder) parametersMustBeValid() {
	if b.memoryBytes != 0 && b.memoryMap != nil {
		panic("memory size and an explicit memory map cannot both be set")
	}
	if b.memoryBytes%mem.PageSize != 0 {
		panic("memory size must be page aligned")
	}
	if b.memoryBytes != 0 && b.memoryBytes < mem.MB {
		panic("memory size must be at least 1 MiB")
	}
	if b.heapPageCount == 0 {
		panic("the kernel heap zone cannot be empty")
	}
	if (b.tlbSets == 0) != (b.tlbWays == 0) {
		panic("TLB sets and ways must be set together")
	}
}

// Build builds the kernel: simulated memory, the frame allocator over
// the memory map, the page-table manager with its TLB, the permanent
// kernel space with its heap zone, and the fault resolver.
func (b Builder) Build() *Kernel {
	b.parametersMustBeValid()

	memoryMap := b.memoryMap
	capacity := b.memoryBytes
	if memoryMap == nil {
		if capacity == 0 {
			capacity = 64 * mem.MB
		}
		memoryMap = []pmm.MemoryRegion{{
			Kind:      pmm.RegionKindGeneral,
			Start:     0,
			PageCount: capacity / mem.PageSize,
		}}
	} else {
		for _, r := range memoryMap {
			end := r.Start + r.PageCount*mem.PageSize
			if end > capacity {
				capacity = end
			}
		}
	}

	k := &Kernel{
		HookableBase: hooking.NewHookableBase(),
		name:         b.name,
	}

	k.storage = mem.NewStorage(capacity)
	k.phys = vm.NewPhysAccess(k.storage)
	k.frames = pmm.NewAllocator(b.name+".PMM", memoryMap)

	tlbBuilder := tlb.MakeBuilder().WithName(b.name + ".TLB")
	if b.tlbSets != 0 {
		tlbBuilder = tlbBuilder.
			WithNumSets(b.tlbSets).
			WithNumWays(b.tlbWays)
	}
	k.tlb = tlbBuilder.Build()

	k.pt = vm.MakeBuilder().
		WithPhysAccess(k.phys).
		WithFrameSource(k.frames).
		WithTLB(k.tlb).
		WithFullFlushFallback(b.fullFlushFallback).
		Build()

	k.kernelSpace = space.NewKernel(
		b.name+".KernelSpace",
		k.pt,
		k.frames,
		vm.MakeVirtAddr(kernelHeapIndex, 0, 0, 0, 0),
		b.heapPageCount,
	)
	k.current = k.kernelSpace

	k.registry = fault.NewRegistry()
	k.resolver = fault.NewResolver(
		b.name+".Resolver", k.kernelSpace, k.registry)

	k.timeTeller = b.timeTeller
	if k.timeTeller == nil {
		k.timeTeller = tracing.NewWallClockTimeTeller()
	}

	if b.recorder != nil {
		k.recorder = b.recorder
		k.attachRecorder()
	}

	return k
}
