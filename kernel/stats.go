package kernel

import "github.com/sarchlab/shiba/vm/space"

// TLBStats is a snapshot of the TLB model's counters.
type TLBStats struct {
	Hits               uint64 `json:"hits"`
	Misses             uint64 `json:"misses"`
	PageInvalidations  uint64 `json:"page_invalidations"`
	RangeInvalidations uint64 `json:"range_invalidations"`
	FullFlushes        uint64 `json:"full_flushes"`
}

// SpaceStats is a snapshot of one address space.
type SpaceStats struct {
	Name         string `json:"name"`
	Active       bool   `json:"active"`
	Kernel       bool   `json:"kernel"`
	MappingCount int    `json:"mapping_count"`
}

// Stats is a snapshot of the whole subsystem, the kernel space first.
type Stats struct {
	FramesInUse    uint64            `json:"frames_in_use"`
	TotalPageCount uint64            `json:"total_page_count"`
	FaultCounts    map[string]uint64 `json:"fault_counts"`
	TableSyncs     uint64            `json:"table_syncs"`
	TLB            TLBStats          `json:"tlb"`
	Spaces         []SpaceStats      `json:"spaces"`
}

// Stats collects a consistent-enough snapshot for the monitor and the
// demo summary. Counters are read without stopping the model.
func (k *Kernel) Stats() Stats {
	stats := Stats{
		FramesInUse:    k.frames.FramesInUse(),
		TotalPageCount: k.frames.TotalPageCount(),
		FaultCounts:    k.resolver.Counts(),
		TableSyncs:     k.pt.SyncCount(),
		TLB: TLBStats{
			Hits:               k.tlb.Hits(),
			Misses:             k.tlb.Misses(),
			PageInvalidations:  k.tlb.PageInvalidations(),
			RangeInvalidations: k.tlb.RangeInvalidations(),
			FullFlushes:        k.tlb.FullFlushes(),
		},
	}

	stats.Spaces = append(stats.Spaces, spaceStats(k.kernelSpace))
	for _, s := range k.Spaces() {
		stats.Spaces = append(stats.Spaces, spaceStats(s))
	}

	return stats
}

func spaceStats(s *space.Space) SpaceStats {
	return SpaceStats{
		Name:         s.Name(),
		Active:       s.Active(),
		Kernel:       s.IsKernel(),
		MappingCount: s.MappingCount(),
	}
}
