package vm

// An Entry is one page-table entry in the x86-64 bit layout. The same
// layout is used at every level; the huge bit distinguishes a large or
// very large page from a pointer to a child table.
type Entry uint64

const (
	entryFlagPresent      Entry = 1 << 0
	entryFlagWritable     Entry = 1 << 1
	entryFlagUnprivileged Entry = 1 << 2
	entryFlagNoCache      Entry = 1 << 4
	entryFlagHuge         Entry = 1 << 7
	entryFlagGlobal       Entry = 1 << 8
)

// entryAddrMask selects the physical-address field, bits 12 through 51.
const entryAddrMask Entry = 0x000f_ffff_ffff_f000

// onDemandAddr is the reserved address pattern that marks a non-present
// entry as bound on demand. The pattern is not large-page aligned, so it
// can never collide with a huge-page frame base. It never escapes this
// file; callers classify entries through Leaf.
const onDemandAddr uint64 = 0xdeadfeeed << 12

// TableEntry returns an entry pointing at a child table frame.
func TableEntry(phys uint64) Entry {
	return Entry(phys)&entryAddrMask | entryFlagPresent | entryFlagWritable
}

// PageEntry returns a present entry mapping one regular page.
func PageEntry(phys uint64, writable bool) Entry {
	e := Entry(phys)&entryAddrMask | entryFlagPresent
	if writable {
		e |= entryFlagWritable
	}
	return e
}

// LargePageEntry returns a present entry mapping one large page.
func LargePageEntry(phys uint64, writable bool) Entry {
	return PageEntry(phys, writable) | entryFlagHuge
}

// VeryLargePageEntry returns a present entry mapping one very large
// page.
func VeryLargePageEntry(phys uint64, writable bool) Entry {
	return PageEntry(phys, writable) | entryFlagHuge
}

// OnDemandEntry returns a non-present leaf that records a promise to
// map the page when it is first touched.
func OnDemandEntry(writable bool) Entry {
	return PageEntry(onDemandAddr, writable).MarkPresent(false)
}

// Address returns the physical-address field.
func (e Entry) Address() uint64 {
	return uint64(e & entryAddrMask)
}

// IsPresent reports whether the hardware would honor this entry.
func (e Entry) IsPresent() bool {
	return e&entryFlagPresent != 0
}

// IsHuge reports whether the entry maps a large or very large page
// instead of pointing at a child table.
func (e Entry) IsHuge() bool {
	return e&entryFlagHuge != 0
}

// IsWritable reports whether the entry allows writes.
func (e Entry) IsWritable() bool {
	return e&entryFlagWritable != 0
}

// IsUnprivileged reports whether unprivileged code may use the entry.
func (e Entry) IsUnprivileged() bool {
	return e&entryFlagUnprivileged != 0
}

// IsGlobal reports whether the translation survives an address-space
// switch.
func (e Entry) IsGlobal() bool {
	return e&entryFlagGlobal != 0
}

// IsUncached reports whether caching is disabled for the entry.
func (e Entry) IsUncached() bool {
	return e&entryFlagNoCache != 0
}

// MarkPresent returns the entry with the present bit set or cleared,
// leaving every other field alone.
func (e Entry) MarkPresent(present bool) Entry {
	if present {
		return e | entryFlagPresent
	}
	return e &^ entryFlagPresent
}

// MarkPrivileged returns the entry restricted to privileged code, or
// opened to unprivileged code when privileged is false.
func (e Entry) MarkPrivileged(privileged bool) Entry {
	if privileged {
		return e &^ entryFlagUnprivileged
	}
	return e | entryFlagUnprivileged
}

// MarkGlobal returns the entry with the global bit set or cleared.
func (e Entry) MarkGlobal(global bool) Entry {
	if global {
		return e | entryFlagGlobal
	}
	return e &^ entryFlagGlobal
}

// DisableCaching returns the entry with caching disabled.
func (e Entry) DisableCaching() Entry {
	return e | entryFlagNoCache
}

// LeafState classifies what a leaf entry means for the page it covers.
type LeafState int

const (
	// LeafUnmapped covers pages with no mapping at all.
	LeafUnmapped LeafState = iota
	// LeafOnDemand covers pages promised a frame on first touch.
	LeafOnDemand
	// LeafPresent covers pages with a live translation.
	LeafPresent
)

func (s LeafState) String() string {
	switch s {
	case LeafUnmapped:
		return "unmapped"
	case LeafOnDemand:
		return "on-demand"
	case LeafPresent:
		return "present"
	}
	return "invalid"
}

// Leaf classifies the entry as a leaf mapping.
func (e Entry) Leaf() LeafState {
	if e.IsPresent() {
		return LeafPresent
	}
	if e.Address() == onDemandAddr {
		return LeafOnDemand
	}
	return LeafUnmapped
}
