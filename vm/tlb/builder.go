package tlb

import (
	"github.com/sarchlab/shiba/mem"
)

// A Builder can build TLBs.
type Builder struct {
	name     string
	numSets  int
	numWays  int
	pageSize uint64
}

// MakeBuilder returns a Builder with default parameters.
func MakeBuilder() Builder {
	return Builder{
		name:     "TLB",
		numSets:  1,
		numWays:  32,
		pageSize: mem.PageSize,
	}
}

// WithName sets the name of the TLB to build.
func (b Builder) WithName(name string) Builder {
	b.name = name
	return b
}

// WithNumSets sets the number of associativity sets.
func (b Builder) WithNumSets(n int) Builder {
	b.numSets = n
	return b
}

// WithNumWays sets the number of ways per set.
func (b Builder) WithNumWays(n int) Builder {
	b.numWays = n
	return b
}

// WithPageSize sets the page size the TLB caches translations for.
func (b Builder) WithPageSize(n uint64) Builder {
	b.pageSize = n
	return b
}

// Build creates the TLB.
func (b Builder) Build() *TLB {
	if b.numSets < 1 || b.numWays < 1 {
		panic("tlb: sets and ways must both be at least 1")
	}
	if b.pageSize == 0 {
		panic("tlb: page size must not be 0")
	}

	t := &TLB{
		name:     b.name,
		numSets:  b.numSets,
		numWays:  b.numWays,
		pageSize: b.pageSize,
	}
	t.sets = make([]*set, b.numSets)
	for i := range t.sets {
		t.sets[i] = newSet(b.numWays)
	}
	return t
}
