package space_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/shiba/hooking"
	"github.com/sarchlab/shiba/mem"
	"github.com/sarchlab/shiba/pmm"
	"github.com/sarchlab/shiba/vm"
	"github.com/sarchlab/shiba/vm/space"
	"github.com/sarchlab/shiba/vm/tlb"
)

type opCollector struct {
	ops []space.Op
}

func (c *opCollector) Func(ctx hooking.HookCtx) {
	if op, ok := ctx.Item.(space.Op); ok {
		c.ops = append(c.ops, op)
	}
}

func (c *opCollector) names() []string {
	var names []string
	for _, op := range c.ops {
		names = append(names, op.Op)
	}
	return names
}

var _ = Describe("Space", func() {
	var (
		storage *mem.Storage
		phys    *vm.PhysAccess
		frames  *pmm.Allocator
		pt      *vm.PageTables
	)

	BeforeEach(func() {
		storage = mem.NewStorage(64 * mem.MB)
		phys = vm.NewPhysAccess(storage)
		frames = pmm.NewAllocator("PMM", []pmm.MemoryRegion{
			{
				Kind:      pmm.RegionKindGeneral,
				Start:     0,
				PageCount: 64 * mem.MB / mem.PageSize,
			},
		})
		pt = vm.MakeBuilder().
			WithPhysAccess(phys).
			WithFrameSource(frames).
			WithTLB(tlb.MakeBuilder().Build()).
			Build()
	})

	newSpace := func(name string) *space.Space {
		s, err := space.New(name, pt, frames)
		Expect(err).ToNot(HaveOccurred())
		return s
	}

	exhaustFrames := func() []uint64 {
		var got []uint64
		for {
			addr, _, err := frames.Allocate(1)
			if err != nil {
				break
			}
			got = append(got, addr)
		}
		return got
	}

	Context("a fresh user space", func() {
		It("should cost a root, a bookkeeping node, and its tables", func() {
			before := frames.FramesInUse()

			s := newSpace("Space[1]")

			Expect(frames.FramesInUse()).To(Equal(before + 5))
			Expect(s.Root()).ToNot(Equal(pt.Root()))
			Expect(s.IsKernel()).To(BeFalse())
		})

		It("should start inactive", func() {
			s := newSpace("Space[1]")

			Expect(s.Active()).To(BeFalse())

			s.Activate()
			Expect(s.Active()).To(BeTrue())

			s.Deactivate()
			Expect(s.Active()).To(BeFalse())
		})

		It("should place its allocator zone in the top user slot", func() {
			s := newSpace("Space[1]")

			start, pageCount := s.Zone()
			Expect(start).To(Equal(vm.MakeVirtAddr(255, 0, 0, 0, 0)))
			Expect(pageCount).To(Equal(uint64(vm.TableEntryCount) * mem.VeryLargePageCount))
		})
	})

	Context("anonymous allocation", func() {
		It("should hand memory out as unbacked promises", func() {
			s := newSpace("Space[1]")
			start, _ := s.Zone()

			virt, err := s.Allocate(4, 0)

			Expect(err).ToNot(HaveOccurred())
			Expect(virt).To(Equal(start))

			_, ok := s.VirtualToPhysical(virt)
			Expect(ok).To(BeFalse())
		})

		It("should bind promises on fault", func() {
			s := newSpace("Space[1]")

			virt, _ := s.Allocate(2, 0)

			Expect(s.ResolveFault(virt)).To(BeTrue())

			p0, ok := s.VirtualToPhysical(virt)
			Expect(ok).To(BeTrue())

			_, ok = s.VirtualToPhysical(virt + mem.PageSize)
			Expect(ok).To(BeFalse())

			Expect(s.ResolveFault(virt + mem.PageSize)).To(BeTrue())
			p1, ok := s.VirtualToPhysical(virt + mem.PageSize)
			Expect(ok).To(BeTrue())
			Expect(p1).ToNot(Equal(p0))
		})

		It("should zero freshly bound pages when asked to", func() {
			s := newSpace("Space[1]")

			virt, _ := s.Allocate(1, space.FlagZero)
			s.ResolveFault(virt)
			p, _ := s.VirtualToPhysical(virt)
			phys.WriteU64(p, 0xdeadbeef)
			Expect(s.Free(virt, 1)).To(Succeed())

			virt2, _ := s.Allocate(1, space.FlagZero)
			s.ResolveFault(virt2)
			p2, _ := s.VirtualToPhysical(virt2)

			Expect(phys.ReadU64(p2)).To(Equal(uint64(0)))
		})

		It("should reject empty and absurd sizes", func() {
			s := newSpace("Space[1]")

			_, err := s.Allocate(0, 0)
			Expect(err).To(MatchError(mem.ErrInvalidArgument))

			_, err = s.Allocate(^uint64(0), 0)
			Expect(err).To(MatchError(mem.ErrInvalidArgument))
		})

		It("should honor alignment requests", func() {
			s := newSpace("Space[1]")

			s.Allocate(1, 0)
			virt, err := s.AllocateAligned(1, 21, 0)

			Expect(err).ToNot(HaveOccurred())
			Expect(virt % mem.LargePageSize).To(Equal(uint64(0)))
		})

		It("should decline promises when frames run out", func() {
			s := newSpace("Space[1]")
			virt, _ := s.Allocate(1, 0)

			exhaustFrames()

			Expect(s.ResolveFault(virt)).To(BeFalse())
		})
	})

	Context("fixed allocation", func() {
		It("should refuse ranges that touch the allocator zone", func() {
			s := newSpace("Space[1]")
			start, _ := s.Zone()

			Expect(s.AllocateFixed(start, 1, 0)).
				To(MatchError(mem.ErrTemporaryOutage))
			Expect(s.AllocateFixed(start-mem.PageSize, 2, 0)).
				To(MatchError(mem.ErrTemporaryOutage))
		})

		It("should refuse occupied ranges, even partially occupied ones", func() {
			s := newSpace("Space[1]")

			Expect(s.AllocateFixed(0x400000, 4, 0)).To(Succeed())
			Expect(s.AllocateFixed(0x401000, 1, 0)).
				To(MatchError(mem.ErrTemporaryOutage))
			Expect(s.AllocateFixed(0x3ff000, 2, 0)).
				To(MatchError(mem.ErrTemporaryOutage))

			Expect(s.Free(0x400000, 4)).To(Succeed())
			Expect(s.AllocateFixed(0x401000, 1, 0)).To(Succeed())
		})

		It("should validate the address", func() {
			s := newSpace("Space[1]")

			Expect(s.AllocateFixed(0, 1, 0)).
				To(MatchError(mem.ErrInvalidArgument))
			Expect(s.AllocateFixed(0x400001, 1, 0)).
				To(MatchError(mem.ErrInvalidArgument))
			Expect(s.AllocateFixed(0x8000_0000_0000, 1, 0)).
				To(MatchError(mem.ErrInvalidArgument))
		})

		It("should keep user placements out of the kernel half", func() {
			s := newSpace("Space[1]")
			upper := vm.MakeVirtAddr(509, 2, 0, 0, 0)

			Expect(s.AllocateFixed(upper, 1, 0)).
				To(MatchError(mem.ErrInvalidArgument))

			raw, _, _ := frames.Allocate(1)
			Expect(s.MapFixed(raw, upper, 1, 0)).
				To(MatchError(mem.ErrInvalidArgument))

			// A range may not run off the end of the owned half either.
			low := vm.MakeVirtAddr(255, 511, 511, 511, 0)
			Expect(s.MapFixed(raw, low, 2, 0)).
				To(MatchError(mem.ErrInvalidArgument))
			frames.Free(raw, 1)

			m, err := space.NewMapping(frames, phys, 1, 0)
			Expect(err).ToNot(HaveOccurred())
			_, err = s.InsertMapping(m, 0, 1, 0, upper, 0)
			Expect(err).To(MatchError(mem.ErrInvalidArgument))
			m.Release()
		})
	})

	Context("prebound allocation", func() {
		It("should back every page immediately", func() {
			s := newSpace("Space[1]")

			virt, err := s.Allocate(4, space.FlagPrebound|space.FlagZero)

			Expect(err).ToNot(HaveOccurred())
			for i := uint64(0); i < 4; i++ {
				p, ok := s.VirtualToPhysical(virt + i*mem.PageSize)
				Expect(ok).To(BeTrue())
				Expect(phys.ReadU64(p)).To(Equal(uint64(0)))
			}
		})

		It("should roll back cleanly when frames run out", func() {
			s := newSpace("Space[1]")

			got := exhaustFrames()
			// Room for the three table frames plus two of the four
			// pages.
			for _, addr := range got[:5] {
				frames.Free(addr, 1)
			}
			inUse := frames.FramesInUse()

			err := s.AllocateFixed(0x40000000, 4, space.FlagPrebound)

			Expect(err).To(MatchError(mem.ErrTemporaryOutage))
			Expect(frames.FramesInUse()).To(Equal(inUse + 3))
			Expect(s.Free(0x40000000, 4)).
				To(MatchError(mem.ErrInvalidArgument))
		})
	})

	Context("freeing", func() {
		It("should require the exact allocated range", func() {
			s := newSpace("Space[1]")
			virt, _ := s.Allocate(4, 0)

			Expect(s.Free(virt, 2)).To(MatchError(mem.ErrInvalidArgument))
			Expect(s.Free(virt+mem.PageSize, 2)).
				To(MatchError(mem.ErrInvalidArgument))

			Expect(s.Free(virt, 4)).To(Succeed())
			Expect(s.Free(virt, 4)).To(MatchError(mem.ErrInvalidArgument))
		})

		It("should recycle the virtual range", func() {
			s := newSpace("Space[1]")

			v1, _ := s.Allocate(4, 0)
			Expect(s.Free(v1, 4)).To(Succeed())

			v2, _ := s.Allocate(4, 0)
			Expect(v2).To(Equal(v1))
		})

		It("should return bound frames", func() {
			s := newSpace("Space[1]")

			virt, _ := s.Allocate(2, space.FlagPrebound)
			inUse := frames.FramesInUse()

			Expect(s.Free(virt, 2)).To(Succeed())

			Expect(frames.FramesInUse()).To(BeNumerically("<", inUse))
			_, ok := s.VirtualToPhysical(virt)
			Expect(ok).To(BeFalse())
		})
	})

	Context("mapping physical ranges", func() {
		It("should map at a chosen address without any checks", func() {
			s := newSpace("Space[1]")
			raw, _, _ := frames.Allocate(2)
			phys.WriteU64(raw, 0x1234)

			Expect(s.MapFixed(raw, 0x70000000, 2, 0)).To(Succeed())

			p, ok := s.VirtualToPhysical(0x70000000)
			Expect(ok).To(BeTrue())
			Expect(p).To(Equal(raw))
			Expect(phys.ReadU64(p)).To(Equal(uint64(0x1234)))
		})

		It("should pick an address from the zone on demand", func() {
			s := newSpace("Space[1]")
			raw, _, _ := frames.Allocate(2)

			virt, err := s.MapAny(raw, 2, 0)

			Expect(err).ToNot(HaveOccurred())
			p, ok := s.VirtualToPhysical(virt + mem.PageSize)
			Expect(ok).To(BeTrue())
			Expect(p).To(Equal(raw + mem.PageSize))
		})

		It("should unmap without freeing the frames", func() {
			s := newSpace("Space[1]")
			raw, _, _ := frames.Allocate(2)
			Expect(s.MapFixed(raw, 0x70000000, 2, 0)).To(Succeed())
			inUse := frames.FramesInUse()

			Expect(s.Unmap(0x70000000, 2)).To(Succeed())

			Expect(frames.FramesInUse()).To(Equal(inUse))
			_, ok := s.VirtualToPhysical(0x70000000)
			Expect(ok).To(BeFalse())
		})

		It("should let reservations be mapped later", func() {
			s := newSpace("Space[1]")

			virt, err := s.ReserveAny(4)
			Expect(err).ToNot(HaveOccurred())

			_, ok := s.VirtualToPhysical(virt)
			Expect(ok).To(BeFalse())

			raw, _, _ := frames.Allocate(1)
			Expect(s.MapFixed(raw, virt, 1, 0)).To(Succeed())

			p, ok := s.VirtualToPhysical(virt)
			Expect(ok).To(BeTrue())
			Expect(p).To(Equal(raw))
		})
	})

	Context("activation", func() {
		It("should install the space's slots in the live root", func() {
			s := newSpace("Space[1]")

			zoneVirt, _ := s.Allocate(1, 0)
			Expect(s.ResolveFault(zoneVirt)).To(BeTrue())
			Expect(s.AllocateFixed(0x40000000, 1, space.FlagPrebound)).
				To(Succeed())

			_, ok := pt.Translate(pt.Root(), zoneVirt)
			Expect(ok).To(BeFalse())

			s.Activate()

			want, _ := s.VirtualToPhysical(zoneVirt)
			got, ok := pt.Translate(pt.Root(), zoneVirt)
			Expect(ok).To(BeTrue())
			Expect(got).To(Equal(want))

			_, ok = pt.Translate(pt.Root(), 0x40000000)
			Expect(ok).To(BeTrue())

			s.Deactivate()

			_, ok = pt.Translate(pt.Root(), zoneVirt)
			Expect(ok).To(BeFalse())
			_, ok = s.VirtualToPhysical(zoneVirt)
			Expect(ok).To(BeTrue())
		})

		It("should keep spaces isolated at the same addresses", func() {
			s1 := newSpace("Space[1]")
			s2 := newSpace("Space[2]")

			v1, _ := s1.Allocate(1, 0)
			v2, _ := s2.Allocate(1, 0)
			Expect(v2).To(Equal(v1))

			s1.ResolveFault(v1)
			s2.ResolveFault(v2)

			p1, _ := s1.VirtualToPhysical(v1)
			p2, _ := s2.VirtualToPhysical(v2)
			Expect(p1).ToNot(Equal(p2))

			phys.WriteU64(p1, 0x1111)
			phys.WriteU64(p2, 0x2222)

			s1.Activate()
			live, _ := pt.Translate(pt.Root(), v1)
			Expect(phys.ReadU64(live)).To(Equal(uint64(0x1111)))
			s1.Deactivate()

			s2.Activate()
			live, _ = pt.Translate(pt.Root(), v2)
			Expect(phys.ReadU64(live)).To(Equal(uint64(0x2222)))
			s2.Deactivate()
		})
	})

	Context("fault resolution", func() {
		It("should decline addresses it knows nothing about", func() {
			s := newSpace("Space[1]")

			Expect(s.ResolveFault(0x50000000)).To(BeFalse())
		})

		It("should repair a lost live-root slot", func() {
			s := newSpace("Space[1]")
			s.Activate()

			virt, _ := s.Allocate(1, 0)
			Expect(s.ResolveFault(virt)).To(BeTrue())
			want, _ := s.VirtualToPhysical(virt)

			pt.TableStore(1, vm.L4Index(virt), 0, 0, 0, 0)
			pt.FullFlush()
			_, ok := pt.Translate(pt.Root(), virt)
			Expect(ok).To(BeFalse())

			Expect(s.ResolveFault(virt)).To(BeTrue())

			got, ok := pt.Translate(pt.Root(), virt)
			Expect(ok).To(BeTrue())
			Expect(got).To(Equal(want))
		})
	})

	Context("destruction", func() {
		It("should return every frame the space consumed", func() {
			inUse0 := frames.FramesInUse()

			s := newSpace("Space[1]")

			v1, _ := s.Allocate(4, 0)
			s.ResolveFault(v1)
			s.ResolveFault(v1 + mem.PageSize)
			s.Allocate(2, space.FlagPrebound)

			m, err := space.NewMapping(frames, phys, 2, 0)
			Expect(err).ToNot(HaveOccurred())
			v3, _ := s.InsertMapping(m, 0, 2, 0, 0, 0)
			s.ResolveFault(v3)

			s.Destroy()

			// Only the frame bound inside the shared mapping survives
			// the space.
			Expect(frames.FramesInUse()).To(Equal(inUse0 + 1))

			m.Release()
			Expect(frames.FramesInUse()).To(Equal(inUse0))
		})

		It("should notify waiters first", func() {
			s := newSpace("Space[1]")

			select {
			case <-s.Destroyed():
				Fail("the space reported destruction before Destroy")
			default:
			}

			s.Destroy()

			Expect(s.Destroyed()).To(BeClosed())
		})

		It("should clean the live root when destroying the active space", func() {
			s := newSpace("Space[1]")
			virt, _ := s.Allocate(1, 0)
			s.ResolveFault(virt)
			s.Activate()

			_, ok := pt.Translate(pt.Root(), virt)
			Expect(ok).To(BeTrue())

			s.Destroy()

			_, ok = pt.Translate(pt.Root(), virt)
			Expect(ok).To(BeFalse())
		})
	})

	Context("the kernel space", func() {
		var (
			heapStart uint64
			kernel    *space.Space
		)

		BeforeEach(func() {
			heapStart = vm.MakeVirtAddr(509, 0, 0, 0, 0)
			kernel = space.NewKernel("KernelSpace", pt, frames, heapStart, 1024)
		})

		It("should always be active", func() {
			Expect(kernel.Active()).To(BeTrue())
			Expect(kernel.IsKernel()).To(BeTrue())

			kernel.Deactivate()
			Expect(kernel.Active()).To(BeTrue())
		})

		It("should allocate from its heap zone through the live root", func() {
			virt, err := kernel.Allocate(2, 0)

			Expect(err).ToNot(HaveOccurred())
			Expect(virt).To(Equal(heapStart))

			Expect(kernel.ResolveFault(virt)).To(BeTrue())

			_, ok := pt.Translate(pt.Root(), virt)
			Expect(ok).To(BeTrue())
		})

		It("should refuse to be destroyed", func() {
			Expect(func() { kernel.Destroy() }).To(Panic())
		})

		It("should keep its heap in the live root across user swaps", func() {
			virt, err := kernel.Allocate(2, 0)
			Expect(err).ToNot(HaveOccurred())
			Expect(kernel.ResolveFault(virt)).To(BeTrue())

			s := newSpace("Space[1]")
			Expect(s.AllocateFixed(vm.MakeVirtAddr(509, 2, 0, 0, 0), 1, 0)).
				To(MatchError(mem.ErrInvalidArgument))
			s.Activate()
			s.Deactivate()

			_, ok := pt.Translate(pt.Root(), virt)
			Expect(ok).To(BeTrue())

			_, err = kernel.Allocate(1, 0)
			Expect(err).ToNot(HaveOccurred())
		})
	})

	Context("permissions", func() {
		It("should recognize mapped ranges without supporting changes", func() {
			s := newSpace("Space[1]")
			virt, _ := s.Allocate(4, 0)

			Expect(s.ChangePermissions(virt, 2, space.PermRead)).
				To(MatchError(mem.ErrUnsupported))
			Expect(s.ChangePermissions(0x90000000, 1, space.PermRead)).
				To(MatchError(mem.ErrNoSuchResource))
		})
	})

	Context("hooks", func() {
		It("should report operations", func() {
			s := newSpace("Space[1]")
			collector := &opCollector{}
			s.AcceptHook(collector)

			virt, _ := s.Allocate(4, 0)
			s.Free(virt, 4)

			Expect(collector.names()).To(Equal([]string{"allocate", "free"}))
			Expect(collector.ops[0].Space).To(Equal("Space[1]"))
			Expect(collector.ops[0].Virt).To(Equal(virt))
			Expect(collector.ops[0].PageCount).To(Equal(uint64(4)))
		})
	})
})
