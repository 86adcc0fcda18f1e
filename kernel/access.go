package kernel

import (
	"fmt"
	"log"

	"github.com/sarchlab/shiba/mem"
	"github.com/sarchlab/shiba/vm"
	"github.com/sarchlab/shiba/vm/space"
)

// ReadVirtual reads byteCount bytes at a virtual address of the given
// space, or of the currently loaded space when s is nil. A page that
// does not translate takes the fault path exactly as a hardware access
// would: the resolver runs once and the translation is retried. An
// unresolved fault in a user space returns mem.ErrNoSuchResource; in
// the kernel space it is fatal.
func (k *Kernel) ReadVirtual(
	s *space.Space,
	addr, byteCount uint64,
) ([]byte, error) {
	if s == nil {
		s = k.CurrentSpace()
	}

	data := make([]byte, 0, byteCount)
	for byteCount > 0 {
		pagePhys, err := k.translateOrResolve(s, addr)
		if err != nil {
			return nil, err
		}

		n := mem.PageSize - vm.PageOffset(addr)
		if n > byteCount {
			n = byteCount
		}

		data = append(data, k.phys.ReadBytes(pagePhys, n)...)
		addr += n
		byteCount -= n
	}

	return data, nil
}

// WriteVirtual writes data at a virtual address of the given space, or
// of the currently loaded space when s is nil, with the same fault
// behavior as ReadVirtual.
func (k *Kernel) WriteVirtual(s *space.Space, addr uint64, data []byte) error {
	if s == nil {
		s = k.CurrentSpace()
	}

	for len(data) > 0 {
		pagePhys, err := k.translateOrResolve(s, addr)
		if err != nil {
			return err
		}

		n := mem.PageSize - vm.PageOffset(addr)
		if n > uint64(len(data)) {
			n = uint64(len(data))
		}

		k.phys.WriteBytes(pagePhys, data[:n])
		addr += n
		data = data[n:]
	}

	return nil
}

// translateOrResolve translates one address, taking the fault path on a
// miss. Kernel-half addresses always walk the live root; lower-half
// addresses walk the space's own root, which is the live root itself
// while the space is loaded.
func (k *Kernel) translateOrResolve(
	s *space.Space,
	vaddr uint64,
) (uint64, error) {
	root := s.Root()
	if s.Active() || vm.L4Index(vaddr) >= vm.TableEntryCount/2 {
		root = k.pt.Root()
	}

	if phys, ok := k.pt.Translate(root, vaddr); ok {
		return phys, nil
	}

	if k.trap(s, vaddr) {
		if phys, ok := k.pt.Translate(root, vaddr); ok {
			return phys, nil
		}
		log.Panicf(
			"kernel: fault at 0x%x in %s resolved but still untranslatable (leaf %s)",
			vaddr, s.Name(), k.pt.LeafStateAt(root, vaddr))
	}

	if s.IsKernel() {
		log.Panicf(
			"kernel: unresolvable kernel fault at 0x%x (leaf %s, %d/%d frames in use)",
			vaddr, k.pt.LeafStateAt(root, vaddr),
			k.frames.FramesInUse(), k.frames.TotalPageCount())
	}

	return 0, fmt.Errorf("kernel: unresolved fault at 0x%x in %s: %w",
		vaddr, s.Name(), mem.ErrNoSuchResource)
}

// trap runs the resolver for one faulting access. A fault taken while
// another is still being resolved means the resolution path itself
// touched unbacked memory, which the original system treats as fatal.
func (k *Kernel) trap(s *space.Space, vaddr uint64) bool {
	if k.faultDepth.Add(1) > 1 {
		log.Panicf("kernel: nested fault at 0x%x in %s", vaddr, s.Name())
	}
	defer k.faultDepth.Add(-1)

	return k.resolver.Resolve(s, vaddr)
}
