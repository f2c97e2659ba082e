package hv

import (
	"gvisor.dev/gvisor/pkg/hostarch"
)

// Address layout of a 4-level x86-64 translation, shared by the guest
// page-table walker and the EPT engine.
const (
	PTShift   = 12
	PDShift   = 21
	PDPTShift = 30
	PML4Shift = 39

	GiantPageSize = 1 << PDPTShift

	indexMask = 0x1ff
	frameMask = 0x000f_ffff_ffff_f000
)

// PML4Index returns the PML4 slot covering addr.
func PML4Index(addr uint64) int { return int(addr>>PML4Shift) & indexMask }

// PDPTIndex returns the PDPT slot covering addr.
func PDPTIndex(addr uint64) int { return int(addr>>PDPTShift) & indexMask }

// PDIndex returns the page-directory slot covering addr.
func PDIndex(addr uint64) int { return int(addr>>PDShift) & indexMask }

// PTIndex returns the page-table slot covering addr.
func PTIndex(addr uint64) int { return int(addr>>PTShift) & indexMask }

// FrameAddress strips flag and reserved bits from a table entry.
func FrameAddress(entry uint64) uint64 { return entry & frameMask }

// PageAlign rounds addr down to its 4 KB page.
func PageAlign(addr uint64) uint64 {
	return uint64(hostarch.Addr(addr).RoundDown())
}

// PageOffset returns the offset of addr inside its 4 KB page.
func PageOffset(addr uint64) uint64 {
	return hostarch.Addr(addr).PageOffset()
}

// HugePageAlign rounds addr down to its 2 MB page.
func HugePageAlign(addr uint64) uint64 {
	return uint64(hostarch.Addr(addr).HugeRoundDown())
}

// BytesToPageEnd is the number of bytes from addr to the next 4 KB boundary.
func BytesToPageEnd(addr uint64) uint64 {
	return PageSize - PageOffset(addr)
}

// alignUp aligns value up to the specified alignment.
func alignUp(value, align uint64) uint64 {
	if align == 0 {
		return value
	}
	mask := align - 1
	return (value + mask) &^ mask
}

// AlignUpPage rounds size up to a whole number of pages.
func AlignUpPage(size uint64) uint64 { return alignUp(size, PageSize) }
