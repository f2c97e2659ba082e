package sim

import (
	"fmt"

	"github.com/tinyrange/thinhv/internal/hv"
)

// DefaultImageBase is the load address a Machine reports unless
// configured otherwise.
const DefaultImageBase uint64 = 0xffff_f800_1240_0000

// Options configures a Machine.
type Options struct {
	Processors int
	RAMSize    uint64
	ImageBase  uint64
}

// Machine is a complete simulated host implementing hv.Backend.
type Machine struct {
	mem       *Memory
	procs     []*Processor
	imageBase uint64
	system    *AddressSpace
}

// NewMachine builds a machine with the requested processors and RAM. The
// system address space starts out empty.
func NewMachine(opts Options) (*Machine, error) {
	if opts.Processors <= 0 {
		return nil, fmt.Errorf("sim: need at least one processor, got %d", opts.Processors)
	}
	if opts.RAMSize == 0 || hv.PageOffset(opts.RAMSize) != 0 {
		return nil, fmt.Errorf("sim: RAM size 0x%x must be a non-zero multiple of the page size", opts.RAMSize)
	}
	if opts.ImageBase == 0 {
		opts.ImageBase = DefaultImageBase
	}

	m := &Machine{
		mem:       NewMemory(opts.RAMSize),
		imageBase: opts.ImageBase,
	}
	for i := 0; i < opts.Processors; i++ {
		m.procs = append(m.procs, NewProcessor(i))
	}

	system, err := m.mem.NewAddressSpace()
	if err != nil {
		return nil, fmt.Errorf("sim: create system address space: %w", err)
	}
	m.system = system
	for _, p := range m.procs {
		p.SetControlRegisters(DefaultCR0, system.Root(), DefaultCR4)
	}

	return m, nil
}

// ProcessorCount implements hv.Backend.
func (m *Machine) ProcessorCount() int { return len(m.procs) }

// Processor implements hv.Backend.
func (m *Machine) Processor(index int) hv.Processor { return m.procs[index] }

// CPU returns the concrete simulated processor at index.
func (m *Machine) CPU(index int) *Processor { return m.procs[index] }

// Memory implements hv.Backend.
func (m *Machine) Memory() hv.PhysicalMemory { return m.mem }

// Allocator implements hv.Backend.
func (m *Machine) Allocator() hv.PageAllocator { return m.mem }

// Pinner implements hv.Backend.
func (m *Machine) Pinner() hv.Pinner { return m.mem }

// RAM returns the concrete simulated memory.
func (m *Machine) RAM() *Memory { return m.mem }

// ImageBase implements hv.Backend.
func (m *Machine) ImageBase() uint64 { return m.imageBase }

// SystemRoot implements hv.Backend.
func (m *Machine) SystemRoot() uint64 { return m.system.Root() }

// System returns the system address space.
func (m *Machine) System() *AddressSpace { return m.system }

var _ hv.Backend = &Machine{}
