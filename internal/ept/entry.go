package ept

import (
	"fmt"
	"sync/atomic"

	"gvisor.dev/gvisor/pkg/hostarch"
)

// Entry is one EPT paging-structure entry.
type Entry uint64

const (
	EntryRead       Entry = 1 << 0
	EntryWrite      Entry = 1 << 1
	EntryExecute    Entry = 1 << 2
	EntryIgnorePAT  Entry = 1 << 6
	EntryLarge      Entry = 1 << 7
	EntrySuppressVE Entry = 1 << 63

	entryRWX        = EntryRead | EntryWrite | EntryExecute
	memoryTypeShift = 3
	memoryTypeMask  = Entry(7) << memoryTypeShift
	frameMask       = Entry(0x000f_ffff_ffff_f000)

	// inherited are the bits a split table copies from the leaf it replaces.
	inherited = memoryTypeMask | EntryIgnorePAT | EntrySuppressVE
)

// Frame is the physical address the entry references.
func (e Entry) Frame() uint64 { return uint64(e & frameMask) }

// WithFrame returns e pointing at phys.
func (e Entry) WithFrame(phys uint64) Entry {
	return e&^frameMask | Entry(phys)&frameMask
}

// MemoryType is the leaf memory type.
func (e Entry) MemoryType() uint64 { return uint64(e&memoryTypeMask) >> memoryTypeShift }

// WithMemoryType returns e with memory type t.
func (e Entry) WithMemoryType(t uint64) Entry {
	return e&^memoryTypeMask | Entry(t<<memoryTypeShift)&memoryTypeMask
}

// Large reports whether e maps a 2 MB run directly.
func (e Entry) Large() bool { return e&EntryLarge != 0 }

// Access is the permission set e grants.
func (e Entry) Access() hostarch.AccessType {
	return hostarch.AccessType{
		Read:    e&EntryRead != 0,
		Write:   e&EntryWrite != 0,
		Execute: e&EntryExecute != 0,
	}
}

// WithAccess returns e granting exactly a.
func (e Entry) WithAccess(a hostarch.AccessType) Entry {
	e &^= entryRWX
	if a.Read {
		e |= EntryRead
	}
	if a.Write {
		e |= EntryWrite
	}
	if a.Execute {
		e |= EntryExecute
	}
	return e
}

// Permits reports whether every access in a is granted by e.
func (e Entry) Permits(a hostarch.AccessType) bool {
	return e.Access().SupersetOf(a)
}

func (e Entry) String() string {
	s := fmt.Sprintf("%#x %s mt=%d", e.Frame(), e.Access(), e.MemoryType())
	if e.Large() {
		s += " large"
	}
	return s
}

func load(p *Entry) Entry { return Entry(atomic.LoadUint64((*uint64)(p))) }

func store(p *Entry, e Entry) { atomic.StoreUint64((*uint64)(p), uint64(e)) }
