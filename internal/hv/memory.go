package hv

import (
	"io"
	"unsafe"

	"gvisor.dev/gvisor/pkg/hostarch"
)

const (
	PageSize       = hostarch.PageSize
	HugePageSize   = hostarch.HugePageSize
	EntriesPerPage = PageSize / 8
)

// Page is one 4 KB page of host-visible memory.
type Page [PageSize]byte

// Entries views p as 512 little-endian 64-bit table entries.
func (p *Page) Entries() *[EntriesPerPage]uint64 {
	return (*[EntriesPerPage]uint64)(unsafe.Pointer(p))
}

// PhysicalMemory is physical address space as the host sees it. The
// offsets passed to ReadAt and WriteAt are physical addresses.
type PhysicalMemory interface {
	io.ReaderAt
	io.WriterAt

	// Page returns the host view of the page containing phys. An error
	// means touching the page would fault.
	Page(phys uint64) (*Page, error)
}

// PageAllocator hands out zeroed, page-aligned host pages. It is only
// used during bring-up: every pool the core needs is reserved up front.
type PageAllocator interface {
	AllocatePage() (*Page, error)
	PhysicalFor(p *Page) uint64
	LookupPage(phys uint64) (*Page, bool)
}

// Pin keeps a guest page resident until Release is called.
type Pin interface {
	Release()
}

// Pinner locks guest pages against paging. Hooked pages are pinned for as
// long as the hook exists.
type Pinner interface {
	Pin(phys uint64) (Pin, error)
}
