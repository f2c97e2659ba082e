package sim

import (
	"encoding/binary"
	"fmt"

	"github.com/tinyrange/thinhv/internal/hv"
)

// Guest page-table entry bits.
const (
	PTEPresent  uint64 = 1 << 0
	PTEWritable uint64 = 1 << 1
	PTEUser     uint64 = 1 << 2
	PTELarge    uint64 = 1 << 7
	PTENoExec   uint64 = 1 << 63

	tableFlags = PTEPresent | PTEWritable | PTEUser
)

// AddressSpace builds a 4-level x86-64 page-table hierarchy in simulated
// memory, standing in for a guest process address space.
type AddressSpace struct {
	mem  *Memory
	root uint64
}

// NewAddressSpace allocates an empty PML4.
func (m *Memory) NewAddressSpace() (*AddressSpace, error) {
	p, err := m.AllocatePage()
	if err != nil {
		return nil, err
	}
	return &AddressSpace{mem: m, root: m.PhysicalFor(p)}, nil
}

// Root is the physical address of the PML4, the value CR3 would hold.
func (a *AddressSpace) Root() uint64 { return a.root }

func (a *AddressSpace) entry(table uint64, index int) (uint64, error) {
	var buf [8]byte
	if _, err := a.mem.ReadAt(buf[:], int64(table+uint64(index)*8)); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

func (a *AddressSpace) setEntry(table uint64, index int, value uint64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], value)
	_, err := a.mem.WriteAt(buf[:], int64(table+uint64(index)*8))
	return err
}

// next returns the table referenced by table[index], allocating it when
// the entry is empty.
func (a *AddressSpace) next(table uint64, index int) (uint64, error) {
	e, err := a.entry(table, index)
	if err != nil {
		return 0, err
	}
	if e&PTEPresent != 0 {
		if e&PTELarge != 0 {
			return 0, fmt.Errorf("sim: entry %d of table 0x%x is a large page", index, table)
		}
		return hv.FrameAddress(e), nil
	}
	p, err := a.mem.AllocatePage()
	if err != nil {
		return 0, err
	}
	phys := a.mem.PhysicalFor(p)
	if err := a.setEntry(table, index, phys|tableFlags); err != nil {
		return 0, err
	}
	return phys, nil
}

// Map installs 4 KB mappings for [linear, linear+size) onto
// [phys, phys+size). Both addresses must be page aligned.
func (a *AddressSpace) Map(linear, phys, size uint64) error {
	if hv.PageOffset(linear) != 0 || hv.PageOffset(phys) != 0 {
		return fmt.Errorf("sim: map 0x%x -> 0x%x: unaligned", linear, phys)
	}
	for off := uint64(0); off < size; off += hv.PageSize {
		va := linear + off
		pdpt, err := a.next(a.root, hv.PML4Index(va))
		if err != nil {
			return err
		}
		pd, err := a.next(pdpt, hv.PDPTIndex(va))
		if err != nil {
			return err
		}
		pt, err := a.next(pd, hv.PDIndex(va))
		if err != nil {
			return err
		}
		if err := a.setEntry(pt, hv.PTIndex(va), (phys+off)|tableFlags); err != nil {
			return err
		}
	}
	return nil
}

// MapLarge installs one 2 MB mapping.
func (a *AddressSpace) MapLarge(linear, phys uint64) error {
	if linear%hv.HugePageSize != 0 || phys%hv.HugePageSize != 0 {
		return fmt.Errorf("sim: map large 0x%x -> 0x%x: unaligned", linear, phys)
	}
	pdpt, err := a.next(a.root, hv.PML4Index(linear))
	if err != nil {
		return err
	}
	pd, err := a.next(pdpt, hv.PDPTIndex(linear))
	if err != nil {
		return err
	}
	return a.setEntry(pd, hv.PDIndex(linear), phys|tableFlags|PTELarge)
}

// MapGiant installs one 1 GB mapping.
func (a *AddressSpace) MapGiant(linear, phys uint64) error {
	if linear%hv.GiantPageSize != 0 || phys%hv.GiantPageSize != 0 {
		return fmt.Errorf("sim: map giant 0x%x -> 0x%x: unaligned", linear, phys)
	}
	pdpt, err := a.next(a.root, hv.PML4Index(linear))
	if err != nil {
		return err
	}
	return a.setEntry(pdpt, hv.PDPTIndex(linear), phys|tableFlags|PTELarge)
}

// Unmap clears the 4 KB mapping for linear, if any.
func (a *AddressSpace) Unmap(linear uint64) error {
	table := a.root
	for _, index := range []int{hv.PML4Index(linear), hv.PDPTIndex(linear), hv.PDIndex(linear)} {
		e, err := a.entry(table, index)
		if err != nil {
			return err
		}
		if e&PTEPresent == 0 {
			return nil
		}
		table = hv.FrameAddress(e)
	}
	return a.setEntry(table, hv.PTIndex(linear), 0)
}
