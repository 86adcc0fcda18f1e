package kernel

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/mock/gomock"

	"github.com/sarchlab/shiba/mem"
	"github.com/sarchlab/shiba/pmm"
	"github.com/sarchlab/shiba/vm"
)

var _ = Describe("Builder", func() {
	It("should build a kernel with default parameters", func() {
		k := MakeBuilder().Build()

		Expect(k.Name()).To(Equal("Kernel"))
		Expect(k.Phys().Capacity()).To(Equal(64 * mem.MB))
		Expect(k.CurrentSpace()).To(BeIdenticalTo(k.KernelSpace()))
		Expect(k.KernelSpace().IsKernel()).To(BeTrue())
		Expect(k.KernelSpace().Active()).To(BeTrue())

		start, pageCount := k.KernelSpace().Zone()
		Expect(start).To(Equal(vm.MakeVirtAddr(kernelHeapIndex, 0, 0, 0, 0)))
		Expect(pageCount).To(Equal(uint64(65536)))
	})

	It("should name every owned component under the kernel's name", func() {
		k := MakeBuilder().WithName("K0").Build()

		Expect(k.Frames().Name()).To(Equal("K0.PMM"))
		Expect(k.TLB().Name()).To(Equal("K0.TLB"))
		Expect(k.KernelSpace().Name()).To(Equal("K0.KernelSpace"))
		Expect(k.Resolver().Name()).To(Equal("K0.Resolver"))
	})

	It("should seed the frame allocator from an explicit memory map", func() {
		// 1025-page regions shrink to 1024 usable pages after the
		// bookkeeping carve-out.
		k := MakeBuilder().
			WithMemoryMap([]pmm.MemoryRegion{
				{Kind: pmm.RegionKindGeneral, Start: 16 * mem.MB, PageCount: 1025},
				{Kind: pmm.RegionKindReserved, Start: 32 * mem.MB, PageCount: 1024},
				{Kind: pmm.RegionKindGeneral, Start: 48 * mem.MB, PageCount: 1025},
			}).
			Build()

		Expect(k.Phys().Capacity()).
			To(Equal(48*mem.MB + 1025*mem.PageSize))
		Expect(k.Frames().TotalPageCount()).To(Equal(uint64(2048)))
	})

	It("should pass the TLB geometry through", func() {
		k := MakeBuilder().WithTLBGeometry(16, 2).Build()

		Expect(k.TLB().NumSets()).To(Equal(16))
		Expect(k.TLB().NumWays()).To(Equal(2))
	})

	It("should panic if the memory size is not page aligned", func() {
		Expect(func() {
			MakeBuilder().WithMemorySize(mem.MB + 1).Build()
		}).To(Panic())
	})

	It("should panic if the memory size is too small", func() {
		Expect(func() {
			MakeBuilder().WithMemorySize(mem.PageSize).Build()
		}).To(Panic())
	})

	It("should panic if both a memory size and a memory map are set", func() {
		Expect(func() {
			MakeBuilder().
				WithMemorySize(64 * mem.MB).
				WithMemoryMap([]pmm.MemoryRegion{
					{Kind: pmm.RegionKindGeneral, Start: 0, PageCount: 1024},
				}).
				Build()
		}).To(Panic())
	})

	It("should panic if the kernel heap zone is empty", func() {
		Expect(func() {
			MakeBuilder().WithKernelHeapPageCount(0).Build()
		}).To(Panic())
	})

	It("should panic if only one side of the TLB geometry is set", func() {
		Expect(func() {
			MakeBuilder().WithTLBGeometry(16, 0).Build()
		}).To(Panic())
	})

	It("should hook the collectors when a recorder is attached", func() {
		mockCtrl := gomock.NewController(GinkgoT())
		recorder := NewMockDataRecorder(mockCtrl)
		recorder.EXPECT().CreateTable(frameOpsTable, gomock.Any())
		recorder.EXPECT().CreateTable(spaceOpsTable, gomock.Any())
		recorder.EXPECT().CreateTable(faultEventsTable, gomock.Any())
		recorder.EXPECT().CreateTable(swapsTable, gomock.Any())

		k := MakeBuilder().WithDataRecorder(recorder).Build()

		Expect(k.DataRecorder()).To(BeIdenticalTo(recorder))
		Expect(k.Frames().NumHooks()).To(Equal(1))
		Expect(k.KernelSpace().NumHooks()).To(Equal(1))
		Expect(k.Resolver().NumHooks()).To(Equal(1))
		Expect(k.NumHooks()).To(Equal(1))
	})
})
