// Package mtrr snapshots the variable-range memory type range registers.
// The snapshot is read once at bring-up and never changes afterwards.
package mtrr

import (
	"fmt"
	"math/bits"

	"github.com/tinyrange/thinhv/internal/hv"
)

// MaxRanges is the number of variable ranges a snapshot holds.
const MaxRanges = 16

const (
	rangeCountMask = 0xff
	typeMask       = 0xff
	validBit       = 1 << 11
	frameMask      = 0x0000_ffff_ffff_f000
)

// MSRReader is the part of a processor the snapshot needs.
type MSRReader interface {
	ReadMSR(msr uint32) (uint64, error)
}

// Range is one variable memory-type range. Min and Max are inclusive.
type Range struct {
	Enabled bool
	Type    uint64
	Min     uint64
	Max     uint64
}

// Overlaps reports whether the range is enabled and overlaps
// [addr, addr+size).
func (r Range) Overlaps(addr, size uint64) bool {
	return r.Enabled && addr+size-1 >= r.Min && addr <= r.Max
}

// Snapshot is an immutable copy of the variable MTRRs.
type Snapshot struct {
	Ranges [MaxRanges]Range
	Count  int
}

// Read captures the variable ranges reported by IA32_MTRRCAP. Ranges past
// MaxRanges are ignored.
func Read(r MSRReader) (Snapshot, error) {
	var s Snapshot

	caps, err := r.ReadMSR(hv.MSRMTRRCapabilities)
	if err != nil {
		return s, fmt.Errorf("mtrr: read capabilities: %w", err)
	}
	s.Count = min(int(caps&rangeCountMask), MaxRanges)

	for i := 0; i < s.Count; i++ {
		base, err := r.ReadMSR(hv.MSRMTRRPhysBase0 + uint32(2*i))
		if err != nil {
			return s, fmt.Errorf("mtrr: read base %d: %w", i, err)
		}
		mask, err := r.ReadMSR(hv.MSRMTRRPhysMask0 + uint32(2*i))
		if err != nil {
			return s, fmt.Errorf("mtrr: read mask %d: %w", i, err)
		}
		s.Ranges[i] = decode(base, mask)
	}
	return s, nil
}

func decode(base, mask uint64) Range {
	r := Range{
		Type:    base & typeMask,
		Enabled: mask&validBit != 0,
	}
	if !r.Enabled {
		return r
	}
	r.Min = base & frameMask
	if m := mask & frameMask; m != 0 {
		r.Max = r.Min + (uint64(1) << bits.TrailingZeros64(m)) - 1
	} else {
		r.Max = ^uint64(0)
	}
	return r
}

// AdjustMemoryType returns the type of the last enabled range overlapping
// the 2 MB run starting at addr, or candidate when none does.
func (s *Snapshot) AdjustMemoryType(addr uint64, candidate uint64) uint64 {
	for _, r := range s.Ranges {
		if r.Overlaps(addr, hv.HugePageSize) {
			candidate = r.Type
		}
	}
	return candidate
}
