package vm

import (
	ginkgo "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/shiba/mem"
	"github.com/sarchlab/shiba/pmm"
	"github.com/sarchlab/shiba/vm/tlb"
)

var _ = ginkgo.Describe("PageTables", func() {
	var (
		storage *mem.Storage
		phys    *PhysAccess
		frames  *pmm.Allocator
		cache   *tlb.TLB
		pt      *PageTables
	)

	ginkgo.BeforeEach(func() {
		storage = mem.NewStorage(64 * mem.MB)
		phys = NewPhysAccess(storage)
		frames = pmm.NewAllocator("PMM", []pmm.MemoryRegion{
			{
				Kind:      pmm.RegionKindGeneral,
				Start:     0,
				PageCount: 64 * mem.MB / mem.PageSize,
			},
		})
		cache = tlb.MakeBuilder().Build()
		pt = MakeBuilder().
			WithPhysAccess(phys).
			WithFrameSource(frames).
			WithTLB(cache).
			Build()
	})

	newRoot := func() uint64 {
		root, _, err := frames.Allocate(1)
		Expect(err).To(BeNil())
		phys.Zero(root, mem.PageSize)
		return root
	}

	ginkgo.Context("after building", func() {
		ginkgo.It("should claim the top root slots", func() {
			Expect(pt.RecursiveIndex()).To(Equal(511))
			Expect(pt.OffsetIndex()).To(Equal(510))
			Expect(pt.WindowBase()).To(Equal(uint64(0xffff_ff00_0000_0000)))
		})

		ginkgo.It("should alias the root through the recursive entry", func() {
			entry := pt.TableLoad(1, pt.RecursiveIndex(), 0, 0, 0)

			Expect(entry.IsPresent()).To(BeTrue())
			Expect(entry.Address()).To(Equal(pt.Root()))
			Expect(entry.IsUncached()).To(BeTrue())
		})

		ginkgo.It("should reach physical memory through the offset window", func() {
			phys.WriteU64(0x2345008, 0x1122334455667788)

			addr, ok := pt.Translate(pt.Root(), pt.WindowAddr(0x2345008))

			Expect(ok).To(BeTrue())
			Expect(addr).To(Equal(uint64(0x2345008)))
			Expect(phys.ReadU64(addr)).To(Equal(uint64(0x1122334455667788)))
		})

		ginkgo.It("should refuse window addresses beyond the modeled memory", func() {
			Expect(func() { pt.WindowAddr(64 * mem.MB) }).To(Panic())
		})
	})

	ginkgo.Context("mapping and translating", func() {
		ginkgo.It("should translate pages mapped in a standalone tree", func() {
			root := newRoot()
			data, _, err := frames.Allocate(4)
			Expect(err).To(BeNil())

			pt.MapFrameFixed(root, false, data, 0x400000, 4, 0)

			for i := uint64(0); i < 4; i++ {
				addr, ok := pt.Translate(root, 0x400000+i*mem.PageSize+0x21)
				Expect(ok).To(BeTrue())
				Expect(addr).To(Equal(data + i*mem.PageSize + 0x21))
			}
		})

		ginkgo.It("should not touch the TLB for non-live walks", func() {
			root := newRoot()
			pt.MapFrameFixed(root, false, 0x800000, 0x400000, 1, 0)
			lookups := cache.Hits() + cache.Misses()

			_, ok := pt.Translate(root, 0x400000)

			Expect(ok).To(BeTrue())
			Expect(cache.Hits() + cache.Misses()).To(Equal(lookups))
		})

		ginkgo.It("should fail on unmapped and non-canonical addresses", func() {
			root := newRoot()

			_, ok := pt.Translate(root, 0x400000)
			Expect(ok).To(BeFalse())

			_, ok = pt.Translate(root, 0x8000_0000_0000_0000)
			Expect(ok).To(BeFalse())
		})

		ginkgo.It("should fill the TLB on the live path and hit afterwards", func() {
			vaddr := MakeVirtAddr(300, 0, 0, 1, 0)
			pt.MapFrameFixed(pt.Root(), true, 0x900000, vaddr, 1, 0)
			misses := cache.Misses()
			hits := cache.Hits()

			addr, ok := pt.Translate(pt.Root(), vaddr+0x40)
			Expect(ok).To(BeTrue())
			Expect(addr).To(Equal(uint64(0x900040)))
			Expect(cache.Misses()).To(Equal(misses + 1))

			addr, ok = pt.Translate(pt.Root(), vaddr+0x80)
			Expect(ok).To(BeTrue())
			Expect(addr).To(Equal(uint64(0x900080)))
			Expect(cache.Hits()).To(Equal(hits + 1))
		})

		ginkgo.It("should invalidate stale translations when remapping live pages", func() {
			vaddr := MakeVirtAddr(300, 0, 0, 1, 0)
			pt.MapFrameFixed(pt.Root(), true, 0x900000, vaddr, 1, 0)

			addr, _ := pt.Translate(pt.Root(), vaddr)
			Expect(addr).To(Equal(uint64(0x900000)))
			invalidations := cache.RangeInvalidations()

			pt.MapFrameFixed(pt.Root(), true, 0xa00000, vaddr, 1, 0)

			addr, ok := pt.Translate(pt.Root(), vaddr)
			Expect(ok).To(BeTrue())
			Expect(addr).To(Equal(uint64(0xa00000)))
			Expect(cache.RangeInvalidations()).To(BeNumerically(">", invalidations))
		})

		ginkgo.It("should map aligned runs with large pages", func() {
			root := newRoot()
			data, _, err := frames.AllocateAligned(mem.LargePageCount, 21)
			Expect(err).To(BeNil())
			vaddr := MakeVirtAddr(0, 0, 5, 0, 0)

			pt.MapFrameFixed(root, false, data, vaddr, mem.LargePageCount, 0)

			type leaf struct{ virt, phys, pageCount uint64 }
			var leaves []leaf
			pt.IterateTable(root, func(v, p, n uint64) bool {
				leaves = append(leaves, leaf{v, p, n})
				return true
			})
			Expect(leaves).To(HaveLen(1))
			Expect(leaves[0]).To(Equal(leaf{vaddr, data, mem.LargePageCount}))

			addr, ok := pt.Translate(root, vaddr+17*mem.PageSize+5)
			Expect(ok).To(BeTrue())
			Expect(addr).To(Equal(data + 17*mem.PageSize + 5))
		})

		ginkgo.It("should map aligned runs with very large pages", func() {
			root := newRoot()
			vaddr := MakeVirtAddr(8, 0, 0, 0, 0)

			pt.MapFrameFixed(root, false,
				mem.VeryLargePageSize, vaddr, mem.VeryLargePageCount, 0)

			visits := 0
			pt.IterateTable(root, func(v, p, n uint64) bool {
				visits++
				Expect(v).To(Equal(vaddr))
				Expect(p).To(Equal(mem.VeryLargePageSize))
				Expect(n).To(Equal(mem.VeryLargePageCount))
				return true
			})
			Expect(visits).To(Equal(1))

			addr, ok := pt.Translate(root, vaddr+0x12345678)
			Expect(ok).To(BeTrue())
			Expect(addr).To(Equal(mem.VeryLargePageSize + uint64(0x12345678)))
		})

		ginkgo.It("should repeat one frame across the run when asked", func() {
			root := newRoot()

			pt.MapFrameFixed(root, false, 0x700000, 0x400000, 3, MapRepeatPhysical)

			for i := uint64(0); i < 3; i++ {
				addr, ok := pt.Translate(root, 0x400000+i*mem.PageSize)
				Expect(ok).To(BeTrue())
				Expect(addr).To(Equal(uint64(0x700000)))
			}
		})

		ginkgo.It("should apply the attribute flags to the installed leaves", func() {
			root := newRoot()

			pt.MapFrameFixed(root, false, 0x700000, 0x400000, 1,
				MapNoCache|MapUnprivileged|MapGlobal)

			entry := pt.readEntry(root, L4Index(0x400000))
			entry = pt.readEntry(entry.Address(), L3Index(0x400000))
			entry = pt.readEntry(entry.Address(), L2Index(0x400000))
			entry = pt.readEntry(entry.Address(), L1Index(0x400000))
			Expect(entry.IsUncached()).To(BeTrue())
			Expect(entry.IsUnprivileged()).To(BeTrue())
			Expect(entry.IsGlobal()).To(BeTrue())
		})

		ginkgo.It("should order a table store after every entry install", func() {
			root := newRoot()
			syncs := pt.SyncCount()

			// A fresh path creates three tables, then installs the leaf.
			pt.MapFrameFixed(root, false, 0x700000, 0x400000, 1, 0)

			Expect(pt.SyncCount()).To(Equal(syncs + 4))
		})
	})

	ginkgo.Context("on-demand promises", func() {
		ginkgo.It("should occupy the region without translating", func() {
			root := newRoot()

			pt.MapFrameFixed(root, false, 0, 0x400000, 3, MapOnDemand)

			_, ok := pt.Translate(root, 0x400000)
			Expect(ok).To(BeFalse())
			Expect(pt.RegionIsFree(root, 0x400000, 3)).To(BeFalse())
		})

		ginkgo.It("should break back to plain unmapped entries", func() {
			root := newRoot()
			pt.MapFrameFixed(root, false, 0, 0x400000, 3, MapOnDemand)

			pt.FlushMapping(root, 0x400000, 3, FlushOptions{Break: true})

			Expect(pt.RegionIsFree(root, 0x400000, 3)).To(BeTrue())
		})

		ginkgo.It("should classify leaves by state", func() {
			root := newRoot()
			pt.MapFrameFixed(root, false, 0, 0x400000, 1, MapOnDemand)
			pt.MapFrameFixed(root, false, 0x700000, 0x401000, 1, 0)

			Expect(pt.LeafStateAt(root, 0x400000)).To(Equal(LeafOnDemand))
			Expect(pt.LeafStateAt(root, 0x401000)).To(Equal(LeafPresent))
			Expect(pt.LeafStateAt(root, 0x402000)).To(Equal(LeafUnmapped))
			Expect(pt.LeafStateAt(root, 0x8000000000)).To(Equal(LeafUnmapped))

			pt.FlushMapping(root, 0x400000, 1, FlushOptions{Break: true})

			Expect(pt.LeafStateAt(root, 0x400000)).To(Equal(LeafUnmapped))
		})
	})

	ginkgo.Context("flushing mappings", func() {
		ginkgo.It("should break and free a page run", func() {
			root := newRoot()
			data, _, err := frames.Allocate(4)
			Expect(err).To(BeNil())
			pt.MapFrameFixed(root, false, data, 0x400000, 4, 0)
			inUse := frames.FramesInUse()

			pt.FlushMapping(root, 0x400000, 4,
				FlushOptions{Break: true, Free: true})

			_, ok := pt.Translate(root, 0x400000)
			Expect(ok).To(BeFalse())
			Expect(frames.FramesInUse()).To(Equal(inUse - 4))
			Expect(pt.RegionIsFree(root, 0x400000, 4)).To(BeTrue())
		})

		ginkgo.It("should skip unmapped space a level at a time", func() {
			root := newRoot()

			// Covers several empty L4 slots; must terminate quickly and
			// change nothing.
			pt.FlushMapping(root, 0, 8*l4SlotPages,
				FlushOptions{Break: true, Free: true})

			Expect(pt.RegionIsFree(root, 0, 8*l4SlotPages)).To(BeTrue())
		})

		ginkgo.It("should refuse to flush part of a large page", func() {
			root := newRoot()
			data, _, err := frames.AllocateAligned(mem.LargePageCount, 21)
			Expect(err).To(BeNil())
			vaddr := MakeVirtAddr(0, 0, 5, 0, 0)
			pt.MapFrameFixed(root, false, data, vaddr, mem.LargePageCount, 0)

			Expect(func() {
				pt.FlushMapping(root, vaddr, 100, FlushOptions{Break: true})
			}).To(Panic())
		})

		ginkgo.It("should refuse to flush from inside a large page", func() {
			root := newRoot()
			data, _, err := frames.AllocateAligned(mem.LargePageCount, 21)
			Expect(err).To(BeNil())
			vaddr := MakeVirtAddr(0, 0, 5, 0, 0)
			pt.MapFrameFixed(root, false, data, vaddr, mem.LargePageCount, 0)

			Expect(func() {
				pt.FlushMapping(root, vaddr+mem.PageSize,
					mem.LargePageCount, FlushOptions{Break: true})
			}).To(Panic())
		})

		ginkgo.It("should flush the whole TLB afterwards only under the fallback policy", func() {
			vaddr := MakeVirtAddr(300, 0, 0, 1, 0)
			pt.MapFrameFixed(pt.Root(), true, 0x900000, vaddr, 1, 0)
			flushes := cache.FullFlushes()

			pt.FlushMapping(pt.Root(), vaddr, 1,
				FlushOptions{Invalidate: true, Break: true})

			Expect(cache.FullFlushes()).To(Equal(flushes + 1))
		})

		ginkgo.It("should keep translations correct on the precise path alone", func() {
			precise := MakeBuilder().
				WithPhysAccess(phys).
				WithFrameSource(frames).
				WithTLB(cache).
				WithFullFlushFallback(false).
				Build()
			vaddr := MakeVirtAddr(300, 0, 0, 1, 0)
			precise.MapFrameFixed(precise.Root(), true, 0x900000, vaddr, 1, 0)
			_, ok := precise.Translate(precise.Root(), vaddr)
			Expect(ok).To(BeTrue())
			flushes := cache.FullFlushes()

			precise.FlushMapping(precise.Root(), vaddr, 1,
				FlushOptions{Invalidate: true, Break: true})

			Expect(cache.FullFlushes()).To(Equal(flushes))
			_, ok = precise.Translate(precise.Root(), vaddr)
			Expect(ok).To(BeFalse())
		})
	})

	ginkgo.Context("tearing down a tree", func() {
		ginkgo.It("should free every leaf and table frame but the root", func() {
			root := newRoot()
			inUse := frames.FramesInUse()

			pages, _, err := frames.Allocate(2)
			Expect(err).To(BeNil())
			pt.MapFrameFixed(root, false, pages, 0x400000, 2, 0)

			run, _, err := frames.AllocateAligned(mem.LargePageCount, 21)
			Expect(err).To(BeNil())
			pt.MapFrameFixed(root, false,
				run, MakeVirtAddr(3, 0, 5, 0, 0), mem.LargePageCount, 0)

			pt.MapFrameFixed(root, false, 0, 0x600000, 4, MapOnDemand)

			pt.FlushTable(root, false, true, true)

			Expect(frames.FramesInUse()).To(Equal(inUse))
			Expect(pt.RegionIsFree(root, 0x400000, 2)).To(BeTrue())
			Expect(pt.RegionIsFree(root, 0x600000, 4)).To(BeTrue())
		})
	})

	ginkgo.Context("checking regions", func() {
		ginkgo.It("should see a fresh tree as free", func() {
			root := newRoot()

			Expect(pt.RegionIsFree(root, 0, 4*l4SlotPages)).To(BeTrue())
		})

		ginkgo.It("should see mapped pages as occupied", func() {
			root := newRoot()
			pt.MapFrameFixed(root, false, 0x700000, 0x400000, 2, 0)

			Expect(pt.RegionIsFree(root, 0x400000, 1)).To(BeFalse())
			Expect(pt.RegionIsFree(root, 0x3ff000, 2)).To(BeFalse())
			Expect(pt.RegionIsFree(root, 0x406000, 3)).To(BeTrue())
		})
	})

	ginkgo.Context("recursive table access", func() {
		ginkgo.It("should load what it stores", func() {
			child := newRoot()
			entry := TableEntry(child)

			pt.TableStore(1, 7, 0, 0, 0, entry)

			Expect(pt.TableLoad(1, 7, 0, 0, 0)).To(Equal(entry))

			pt.TableStore(1, 7, 0, 0, 0, 0)
			Expect(pt.TableLoad(1, 7, 0, 0, 0)).To(Equal(Entry(0)))
		})

		ginkgo.It("should reach deeper tables through the live tree", func() {
			vaddr := MakeVirtAddr(300, 2, 3, 4, 0)
			pt.MapFrameFixed(pt.Root(), true, 0x900000, vaddr, 1, 0)

			entry := pt.TableLoad(4, 300, 2, 3, 4)

			Expect(entry.IsPresent()).To(BeTrue())
			Expect(entry.Address()).To(Equal(uint64(0x900000)))
		})
	})

	ginkgo.Context("finding physical frames", func() {
		ginkgo.It("should report the first virtual alias", func() {
			root := newRoot()
			pt.MapFrameFixed(root, false, 0x700000, 0x400000, 4, 0)

			vaddr, ok := pt.FindFirstPhysical(root, 0x702123)

			Expect(ok).To(BeTrue())
			Expect(vaddr).To(Equal(uint64(0x402123)))
		})

		ginkgo.It("should miss for unmapped frames", func() {
			root := newRoot()

			_, ok := pt.FindFirstPhysical(root, 0x700000)

			Expect(ok).To(BeFalse())
		})
	})
})
