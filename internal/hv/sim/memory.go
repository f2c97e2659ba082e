// Package sim is a software model of the hardware the hypervisor core
// runs on: sparse physical memory, a page allocator, logical processors
// with a control structure, MSRs and counters, and guest page tables.
// It backs the tests of every core package and the command-line tool.
package sim

import (
	"fmt"
	"sync"

	"github.com/tinyrange/thinhv/internal/hv"
)

// Memory is sparse physical memory. Guest RAM occupies [0, ramSize) and
// materialises zeroed on first touch. Host pages handed out by
// AllocatePage live above RAM at hostBase.
type Memory struct {
	mu sync.Mutex

	ramSize  uint64
	hostBase uint64
	nextHost uint64

	pages  map[uint64]*hv.Page
	owners map[*hv.Page]uint64
	faults map[uint64]bool
	pins   map[uint64]int
}

// NewMemory creates physical memory with ramSize bytes of guest RAM.
func NewMemory(ramSize uint64) *Memory {
	hostBase := hv.AlignUpPage(ramSize)
	if hostBase < 1<<32 {
		hostBase = 1 << 32
	}
	return &Memory{
		ramSize:  ramSize,
		hostBase: hostBase,
		nextHost: hostBase,
		pages:    make(map[uint64]*hv.Page),
		owners:   make(map[*hv.Page]uint64),
		faults:   make(map[uint64]bool),
		pins:     make(map[uint64]int),
	}
}

// RAMSize returns the amount of guest RAM.
func (m *Memory) RAMSize() uint64 { return m.ramSize }

// HostBase returns the first physical address used for host pages.
func (m *Memory) HostBase() uint64 { return m.hostBase }

// InjectFault makes every later touch of the page containing phys fault.
func (m *Memory) InjectFault(phys uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.faults[hv.PageAlign(phys)] = true
}

func (m *Memory) pageLocked(phys uint64) (*hv.Page, error) {
	frame := hv.PageAlign(phys)
	if m.faults[frame] {
		return nil, &hv.Fault{Vector: hv.VectorMachineCheck}
	}
	if p, ok := m.pages[frame]; ok {
		return p, nil
	}
	if frame < m.ramSize {
		p := new(hv.Page)
		m.pages[frame] = p
		m.owners[p] = frame
		return p, nil
	}
	return nil, &hv.Fault{Vector: hv.VectorMachineCheck}
}

// Page implements hv.PhysicalMemory.
func (m *Memory) Page(phys uint64) (*hv.Page, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.pageLocked(phys)
}

// ReadAt implements io.ReaderAt over physical addresses.
func (m *Memory) ReadAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	addr := uint64(off)
	for n < len(p) {
		page, err := m.pageLocked(addr)
		if err != nil {
			return n, fmt.Errorf("sim: read 0x%x: %w", addr, err)
		}
		c := copy(p[n:], page[hv.PageOffset(addr):])
		n += c
		addr += uint64(c)
	}
	return n, nil
}

// WriteAt implements io.WriterAt over physical addresses.
func (m *Memory) WriteAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	addr := uint64(off)
	for n < len(p) {
		page, err := m.pageLocked(addr)
		if err != nil {
			return n, fmt.Errorf("sim: write 0x%x: %w", addr, err)
		}
		c := copy(page[hv.PageOffset(addr):], p[n:])
		n += c
		addr += uint64(c)
	}
	return n, nil
}

// AllocatePage implements hv.PageAllocator.
func (m *Memory) AllocatePage() (*hv.Page, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p := new(hv.Page)
	phys := m.nextHost
	m.nextHost += hv.PageSize
	m.pages[phys] = p
	m.owners[p] = phys
	return p, nil
}

// PhysicalFor implements hv.PageAllocator.
func (m *Memory) PhysicalFor(p *hv.Page) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	phys, ok := m.owners[p]
	if !ok {
		panic("sim: PhysicalFor called with a page this memory does not own")
	}
	return phys
}

// LookupPage implements hv.PageAllocator.
func (m *Memory) LookupPage(phys uint64) (*hv.Page, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.pages[hv.PageAlign(phys)]
	return p, ok
}

// HostPages returns the number of host pages handed out so far.
func (m *Memory) HostPages() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return int((m.nextHost - m.hostBase) / hv.PageSize)
}

var (
	_ hv.PhysicalMemory = &Memory{}
	_ hv.PageAllocator  = &Memory{}
)

type pin struct {
	mem   *Memory
	frame uint64
	once  sync.Once
}

func (p *pin) Release() {
	p.once.Do(func() {
		p.mem.mu.Lock()
		defer p.mem.mu.Unlock()

		p.mem.pins[p.frame]--
		if p.mem.pins[p.frame] == 0 {
			delete(p.mem.pins, p.frame)
		}
	})
}

// Pin implements hv.Pinner.
func (m *Memory) Pin(phys uint64) (hv.Pin, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := m.pageLocked(phys); err != nil {
		return nil, fmt.Errorf("sim: pin 0x%x: %w", phys, err)
	}
	frame := hv.PageAlign(phys)
	m.pins[frame]++
	return &pin{mem: m, frame: frame}, nil
}

// Pins returns the number of outstanding pins on the page containing phys.
func (m *Memory) Pins(phys uint64) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.pins[hv.PageAlign(phys)]
}

var _ hv.Pinner = &Memory{}
