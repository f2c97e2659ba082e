// Package mm walks guest page tables from an arbitrary physical root and
// copies memory between unrelated address spaces through per-core
// mapping windows.
package mm

import (
	"errors"
	"fmt"

	"github.com/tinyrange/thinhv/internal/hv"
)

var (
	ErrNotPresent = errors.New("mm: address not present")
	ErrNoSlot     = errors.New("mm: no mapping slot for core")
)

// Kind selects which of a core's two mapping windows is used.
type Kind int

const (
	KindDestination Kind = iota
	KindSource

	kindCount
)

func (k Kind) String() string {
	switch k {
	case KindDestination:
		return "destination"
	case KindSource:
		return "source"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// WindowBase is the host linear address of mapping slot 0. Slot i lives
// at WindowBase + i*PageSize.
const WindowBase uint64 = 0x7fbf_dfe0_0000

const (
	entryPresent = 1 << 0
	entryLarge   = 1 << 7

	offsetMask1G = hv.GiantPageSize - 1
	offsetMask2M = hv.HugePageSize - 1
)

// Slot is one mapping window, bound to at most one physical page.
type Slot struct {
	index int
	phys  uint64
	page  *hv.Page
}

// Index is the slot number, core*2 + kind.
func (s *Slot) Index() int { return s.index }

// Linear is the host linear address of the window.
func (s *Slot) Linear() uint64 { return WindowBase + uint64(s.index)*hv.PageSize }

// Physical is the page currently bound, or 0.
func (s *Slot) Physical() uint64 { return s.phys }

// Bytes is the bound page's contents.
func (s *Slot) Bytes() []byte { return s.page[:] }

func (s *Slot) entry(i int) uint64 { return s.page.Entries()[i] }

// Translator resolves linear addresses against page-table roots that need
// not be the active one.
type Translator struct {
	mem   hv.PhysicalMemory
	slots []Slot
}

// New reserves two mapping slots for each of cores processors.
func New(mem hv.PhysicalMemory, cores int) *Translator {
	t := &Translator{
		mem:   mem,
		slots: make([]Slot, cores*int(kindCount)),
	}
	for i := range t.slots {
		t.slots[i].index = i
	}
	return t
}

// Slot returns the window for kind on core.
func (t *Translator) Slot(core int, kind Kind) (*Slot, error) {
	i := core*int(kindCount) + int(kind)
	if core < 0 || kind < 0 || kind >= kindCount || i >= len(t.slots) {
		return nil, fmt.Errorf("%w: core %d kind %v", ErrNoSlot, core, kind)
	}
	return &t.slots[i], nil
}

// MapPage binds the calling processor's window of the given kind to the
// page containing phys and flushes the window's stale translation.
func (t *Translator) MapPage(p hv.Processor, kind Kind, phys uint64) (*Slot, error) {
	s, err := t.Slot(p.ID(), kind)
	if err != nil {
		return nil, err
	}
	page, err := t.mem.Page(phys)
	if err != nil {
		return nil, fmt.Errorf("mm: map 0x%x: %w", phys, err)
	}
	s.phys = hv.PageAlign(phys)
	s.page = page
	p.InvalidatePage(s.Linear())
	return s, nil
}

// Translate walks the tables rooted at root and returns the physical
// address backing linear. 1 GB, 2 MB and 4 KB leaves are honoured.
func (t *Translator) Translate(p hv.Processor, kind Kind, root, linear uint64) (uint64, error) {
	table := hv.FrameAddress(root)
	for level, index := range []int{
		hv.PML4Index(linear),
		hv.PDPTIndex(linear),
		hv.PDIndex(linear),
		hv.PTIndex(linear),
	} {
		s, err := t.MapPage(p, kind, table)
		if err != nil {
			return 0, err
		}
		e := s.entry(index)
		if e&entryPresent == 0 {
			return 0, fmt.Errorf("%w: 0x%x under root 0x%x", ErrNotPresent, linear, root)
		}
		switch {
		case level == 1 && e&entryLarge != 0:
			return hv.FrameAddress(e)&^offsetMask1G | linear&offsetMask1G, nil
		case level == 2 && e&entryLarge != 0:
			return hv.FrameAddress(e)&^offsetMask2M | linear&offsetMask2M, nil
		case level == 3:
			return hv.FrameAddress(e) | hv.PageOffset(linear), nil
		}
		table = hv.FrameAddress(e)
	}
	panic("unreachable")
}

// MapVirtual translates linear under root and binds the window to the
// backing page. The returned offset locates linear within the window.
func (t *Translator) MapVirtual(p hv.Processor, kind Kind, root, linear uint64) (*Slot, uint64, error) {
	phys, err := t.Translate(p, kind, root, linear)
	if err != nil {
		return nil, 0, err
	}
	s, err := t.MapPage(p, kind, phys)
	if err != nil {
		return nil, 0, err
	}
	return s, hv.PageOffset(phys), nil
}

// CopyMemory copies size bytes from src under srcRoot to dst under
// dstRoot. Chunks never cross a page boundary on either side. The first
// failure stops the copy; chunks already written stay written.
func (t *Translator) CopyMemory(p hv.Processor, srcRoot, src, dstRoot, dst, size uint64) error {
	for size > 0 {
		from, fromOff, err := t.MapVirtual(p, KindSource, srcRoot, src)
		if err != nil {
			return fmt.Errorf("mm: copy source 0x%x: %w", src, err)
		}
		to, toOff, err := t.MapVirtual(p, KindDestination, dstRoot, dst)
		if err != nil {
			return fmt.Errorf("mm: copy destination 0x%x: %w", dst, err)
		}

		n := min(size, hv.BytesToPageEnd(src), hv.BytesToPageEnd(dst))
		copy(to.Bytes()[toOff:toOff+n], from.Bytes()[fromOff:fromOff+n])

		size -= n
		src += n
		dst += n
	}
	return nil
}

// ReadVirtual fills buf from linear under root using the source window.
func (t *Translator) ReadVirtual(p hv.Processor, root, linear uint64, buf []byte) error {
	for len(buf) > 0 {
		s, off, err := t.MapVirtual(p, KindSource, root, linear)
		if err != nil {
			return fmt.Errorf("mm: read 0x%x: %w", linear, err)
		}
		n := copy(buf, s.Bytes()[off:])
		buf = buf[n:]
		linear += uint64(n)
	}
	return nil
}
