package kernel

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/shiba/hooking"
	"github.com/sarchlab/shiba/mem"
	"github.com/sarchlab/shiba/vm/space"
)

type swapHookRecorder struct {
	ops []SwapOp
}

func (r *swapHookRecorder) Func(ctx hooking.HookCtx) {
	r.ops = append(r.ops, ctx.Item.(SwapOp))
}

var _ = Describe("Kernel", func() {
	var k *Kernel

	BeforeEach(func() {
		k = MakeBuilder().Build()
	})

	It("should name user spaces in creation order", func() {
		s1, err := k.NewSpace()
		Expect(err).To(BeNil())
		s2, err := k.NewSpace()
		Expect(err).To(BeNil())

		Expect(s1.Name()).To(Equal("Kernel.Space[1]"))
		Expect(s2.Name()).To(Equal("Kernel.Space[2]"))
		Expect(k.Spaces()).To(Equal([]*space.Space{s1, s2}))
	})

	It("should swap a space in and out", func() {
		s, err := k.NewSpace()
		Expect(err).To(BeNil())
		Expect(s.Active()).To(BeFalse())

		prev := k.Swap(s)
		Expect(prev).To(BeIdenticalTo(k.KernelSpace()))
		Expect(s.Active()).To(BeTrue())
		Expect(k.CurrentSpace()).To(BeIdenticalTo(s))

		prev = k.Swap(nil)
		Expect(prev).To(BeIdenticalTo(s))
		Expect(s.Active()).To(BeFalse())
		Expect(k.CurrentSpace()).To(BeIdenticalTo(k.KernelSpace()))
	})

	It("should announce completed swaps", func() {
		hook := &swapHookRecorder{}
		k.AcceptHook(hook)

		s, err := k.NewSpace()
		Expect(err).To(BeNil())

		k.Swap(s)
		k.Swap(nil)

		Expect(hook.ops).To(Equal([]SwapOp{
			{From: "Kernel.KernelSpace", To: "Kernel.Space[1]"},
			{From: "Kernel.Space[1]", To: "Kernel.KernelSpace"},
		}))
	})

	It("should not announce a swap to the loaded space", func() {
		hook := &swapHookRecorder{}
		k.AcceptHook(hook)

		k.Swap(nil)
		k.Swap(k.KernelSpace())

		Expect(hook.ops).To(BeEmpty())
	})

	It("should release every frame of a destroyed space", func() {
		before := k.Frames().FramesInUse()

		s, err := k.NewSpace()
		Expect(err).To(BeNil())
		_, err = s.Allocate(8, space.FlagPrebound)
		Expect(err).To(BeNil())

		Expect(k.DestroySpace(s)).To(Succeed())

		Expect(k.Frames().FramesInUse()).To(Equal(before))
		Expect(s.Destroyed()).To(BeClosed())
		Expect(k.Spaces()).To(BeEmpty())
	})

	It("should swap back before destroying the loaded space", func() {
		s, err := k.NewSpace()
		Expect(err).To(BeNil())
		k.Swap(s)

		Expect(k.DestroySpace(s)).To(Succeed())

		Expect(k.CurrentSpace()).To(BeIdenticalTo(k.KernelSpace()))
		Expect(k.KernelSpace().Active()).To(BeTrue())
	})

	It("should refuse to destroy the kernel space", func() {
		err := k.DestroySpace(k.KernelSpace())
		Expect(err).To(MatchError(mem.ErrInvalidArgument))
	})

	It("should refuse to destroy a nil space", func() {
		err := k.DestroySpace(nil)
		Expect(err).To(MatchError(mem.ErrInvalidArgument))
	})

	It("should report a space that is destroyed twice", func() {
		s, err := k.NewSpace()
		Expect(err).To(BeNil())

		Expect(k.DestroySpace(s)).To(Succeed())
		Expect(k.DestroySpace(s)).To(MatchError(mem.ErrNoSuchResource))
	})

	It("should allocate kernel heap memory inside the heap zone", func() {
		start, pageCount := k.KernelSpace().Zone()

		virt, err := k.AllocateKernel(4, 0)
		Expect(err).To(BeNil())
		Expect(virt).To(BeNumerically(">=", start))
		Expect(virt).To(BeNumerically("<", start+pageCount*mem.PageSize))

		Expect(k.FreeKernel(virt, 4)).To(Succeed())
	})

	It("should map physical frames into the kernel space", func() {
		phys, _, err := k.Frames().Allocate(2)
		Expect(err).To(BeNil())

		virt, err := k.MapKernelAny(phys, 2, 0)
		Expect(err).To(BeNil())

		got, ok := k.KernelSpace().VirtualToPhysical(virt)
		Expect(ok).To(BeTrue())
		Expect(got).To(Equal(phys))

		Expect(k.UnmapKernel(virt, 2)).To(Succeed())
		_, ok = k.KernelSpace().VirtualToPhysical(virt)
		Expect(ok).To(BeFalse())
	})

	It("should snapshot the kernel state", func() {
		s, err := k.NewSpace()
		Expect(err).To(BeNil())
		_, err = s.Allocate(4, 0)
		Expect(err).To(BeNil())

		stats := k.Stats()

		Expect(stats.TotalPageCount).To(Equal(k.Frames().TotalPageCount()))
		Expect(stats.FramesInUse).To(Equal(k.Frames().FramesInUse()))
		Expect(stats.Spaces).To(HaveLen(2))
		Expect(stats.Spaces[0].Name).To(Equal("Kernel.KernelSpace"))
		Expect(stats.Spaces[0].Kernel).To(BeTrue())
		Expect(stats.Spaces[0].Active).To(BeTrue())
		Expect(stats.Spaces[1].Name).To(Equal("Kernel.Space[1]"))
		Expect(stats.Spaces[1].MappingCount).To(Equal(1))
	})
})
