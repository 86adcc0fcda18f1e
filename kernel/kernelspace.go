package kernel

import "github.com/sarchlab/shiba/vm/space"

// The kernel-space wrappers are the stable surface device drivers and
// the higher kernel layers call. They forward to the permanent kernel
// space.

// MapKernelAny maps a run of physical pages at a kernel-chosen virtual
// address. Zone exhaustion reports mem.ErrTemporaryOutage.
func (k *Kernel) MapKernelAny(
	phys, pageCount uint64,
	flags space.Flags,
) (uint64, error) {
	return k.kernelSpace.MapAny(phys, pageCount, flags)
}

// UnmapKernel removes a range mapped through MapKernelAny. The backing
// frames are not freed.
func (k *Kernel) UnmapKernel(virt, pageCount uint64) error {
	return k.kernelSpace.Unmap(virt, pageCount)
}

// AllocateKernel allocates kernel heap memory, on demand unless the
// prebound flag asks for immediate frames.
func (k *Kernel) AllocateKernel(
	pageCount uint64,
	flags space.Flags,
) (uint64, error) {
	return k.kernelSpace.Allocate(pageCount, flags)
}

// FreeKernel releases a range allocated through AllocateKernel.
func (k *Kernel) FreeKernel(virt, pageCount uint64) error {
	return k.kernelSpace.Free(virt, pageCount)
}
