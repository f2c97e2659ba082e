package hypercall

import (
	"bytes"
	"errors"
	"testing"

	"github.com/tinyrange/thinhv/internal/ept"
	"github.com/tinyrange/thinhv/internal/hv"
	"github.com/tinyrange/thinhv/internal/hv/sim"
	"github.com/tinyrange/thinhv/internal/mm"
	"github.com/tinyrange/thinhv/internal/vmx"
)

const guestRIP = 0xffff_f800_0000_1000

type exit struct {
	p    hv.Processor
	regs *hv.GuestRegisters
}

func (e exit) Processor() hv.Processor { return e.p }
func (e exit) Registers() *hv.GuestRegisters { return e.regs }

type fixture struct {
	m     *sim.Machine
	cpu   *sim.Processor
	space *sim.AddressSpace
	e     *ept.Engine
	svc   *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	m, err := sim.NewMachine(sim.Options{Processors: 1, RAMSize: 64 << 20})
	if err != nil {
		t.Fatalf("NewMachine: %v", err)
	}
	tr := mm.New(m.Memory(), m.ProcessorCount())
	e, err := ept.New(m.Allocator(), tr, nil, ept.Config{SplitCapacity: 4, HookCapacity: 4})
	if err != nil {
		t.Fatalf("ept.New: %v", err)
	}
	space, err := m.RAM().NewAddressSpace()
	if err != nil {
		t.Fatalf("NewAddressSpace: %v", err)
	}

	f := &fixture{
		m:     m,
		cpu:   m.CPU(0),
		space: space,
		e:     e,
		svc:   New(Config{ImageBase: m.ImageBase()}, e, tr, m.Pinner()),
	}

	cpu := f.cpu
	if err := cpu.VMXOn(0x1000); err != nil {
		t.Fatalf("VMXOn: %v", err)
	}
	if err := cpu.VMPtrld(0x2000); err != nil {
		t.Fatalf("VMPtrld: %v", err)
	}
	if err := cpu.VMLaunch(); err != nil {
		t.Fatalf("VMLaunch: %v", err)
	}
	cpu.VMWrite(vmx.FieldGuestCR3, space.Root())
	cpu.VMWrite(vmx.FieldGuestRIP, guestRIP)
	cpu.SetExitHandler(func(regs *hv.GuestRegisters) {
		f.svc.Handle(exit{p: cpu, regs: regs})
	})
	return f
}

func (f *fixture) mapPage(t *testing.T, linear, phys uint64) {
	t.Helper()

	if err := f.space.Map(linear, phys, hv.PageSize); err != nil {
		t.Fatalf("Map: %v", err)
	}
}

func TestInputPacking(t *testing.T) {
	in := Input{Opcode: OpCopyMemory, Key: Key, Args: [6]uint64{1, 2, 3, 4, 5, 6}}
	rax, args := in.Pack()
	if rax != 0x21167<<8|0x5b {
		t.Fatalf("rax = %#x", rax)
	}

	regs := &hv.GuestRegisters{Rax: rax, Rcx: args[0], Rdx: args[1], R8: args[2], R9: args[3], R10: args[4], R11: args[5]}
	if got := Unpack(regs); got != in {
		t.Fatalf("Unpack = %+v, want %+v", got, in)
	}
}

func TestWrongKeyRejectsEveryOpcode(t *testing.T) {
	f := newFixture(t)
	f.mapPage(t, 0x7000_0000, 0x30_0000)

	gen := f.e.Generation()
	stats := f.e.Stats()

	for op := 0; op < 256; op++ {
		in := Input{Opcode: Opcode(op), Key: Key ^ 0x1}
		in.Args = [6]uint64{0x30_0000, 0x7000_0000, 1, 0, 0, 0}
		rax, args := in.Pack()

		if got := f.cpu.Hypercall(rax, args); got != rax {
			t.Fatalf("opcode %#x: rax = %#x, want unchanged %#x", op, got, rax)
		}
		ev := f.cpu.Delivered()
		if len(ev) != 1 || ev[0].Vector != hv.VectorInvalidOpcode {
			t.Fatalf("opcode %#x: delivered %v, want #UD", op, ev)
		}
	}

	if rip := f.cpu.VMRead(vmx.FieldGuestRIP); rip != guestRIP {
		t.Fatalf("rip moved to %#x", rip)
	}
	if f.e.Generation() != gen || f.e.Stats() != stats {
		t.Fatalf("rejected calls changed the EPT")
	}
	if n := len(f.cpu.EPTInvalidations()); n != 0 {
		t.Fatalf("rejected calls issued %d invalidations", n)
	}
}

func TestUnknownOpcodeRaisesUD(t *testing.T) {
	f := newFixture(t)

	if rax := NewClient(f.cpu, 0).Call(Opcode(0x5c)); rax != 0x21167<<8|0x5c {
		t.Fatalf("rax = %#x, want unchanged", rax)
	}
	if ev := f.cpu.Delivered(); len(ev) != 1 || ev[0].Vector != hv.VectorInvalidOpcode {
		t.Fatalf("delivered %v, want #UD", ev)
	}
}

func TestQueries(t *testing.T) {
	f := newFixture(t)
	f.cpu.VMWrite(vmx.FieldGuestInterruptibility, vmx.BlockingBySTI)
	c := NewClient(f.cpu, Key)

	if err := c.Ping(); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	if got := c.ImageBase(); got != f.m.ImageBase() {
		t.Fatalf("ImageBase = %#x, want %#x", got, f.m.ImageBase())
	}
	if got := c.CurrentRoot(); got != f.space.Root() {
		t.Fatalf("CurrentRoot = %#x, want %#x", got, f.space.Root())
	}

	if rip := f.cpu.VMRead(vmx.FieldGuestRIP); rip != guestRIP+3*3 {
		t.Fatalf("rip = %#x, want three instructions past %#x", rip, uint64(guestRIP))
	}
	if f.cpu.VMRead(vmx.FieldGuestInterruptibility)&vmx.BlockingBySTI != 0 {
		t.Fatalf("interrupt shadow not cleared")
	}
	if ev := f.cpu.Delivered(); len(ev) != 0 {
		t.Fatalf("accepted calls delivered %v", ev)
	}
}

func TestPingWithoutHypervisor(t *testing.T) {
	c := NewClient(sim.NewProcessor(0), Key)
	if err := c.Ping(); !errors.Is(err, ErrNotPresent) {
		t.Fatalf("Ping: err = %v, want ErrNotPresent", err)
	}
}

func TestHookLifecycle(t *testing.T) {
	f := newFixture(t)
	const (
		target     = 0x7000_0010
		targetPage = 0x30_0000
		patchAddr  = 0x6000_0000
	)
	f.mapPage(t, hv.PageAlign(target), targetPage)
	f.mapPage(t, patchAddr, 0x40_0000)
	if _, err := f.m.RAM().WriteAt(bytes.Repeat([]byte{0x11}, hv.PageSize), targetPage); err != nil {
		t.Fatal(err)
	}
	if _, err := f.m.RAM().WriteAt([]byte{0xcc, 0xc3}, 0x40_0000); err != nil {
		t.Fatal(err)
	}
	c := NewClient(f.cpu, Key)

	if err := c.InstallHook(target, patchAddr, 1, 0); err != nil {
		t.Fatalf("InstallHook: %v", err)
	}
	if n := f.m.RAM().Pins(targetPage); n != 1 {
		t.Fatalf("pins = %d, want 1", n)
	}
	shadow, err := f.e.Shadow(targetPage)
	if err != nil {
		t.Fatalf("Shadow: %v", err)
	}
	want := bytes.Repeat([]byte{0x11}, hv.PageSize)
	want[0x10] = 0xcc
	if !bytes.Equal(shadow, want) {
		t.Fatalf("shadow page is not the original contents with the patch applied")
	}
	if n := len(f.cpu.EPTInvalidations()); n != 1 {
		t.Fatalf("install issued %d invalidations, want 1", n)
	}

	// A second patch on the same page merges and keeps a single pin.
	if err := c.InstallHook(target+0x100, patchAddr+1, 1, 0); err != nil {
		t.Fatalf("second InstallHook: %v", err)
	}
	if n := f.m.RAM().Pins(targetPage); n != 1 {
		t.Fatalf("pins after merge = %d, want 1", n)
	}

	if err := c.RemoveHook(target); err != nil {
		t.Fatalf("RemoveHook: %v", err)
	}
	if n := f.m.RAM().Pins(targetPage); n != 0 {
		t.Fatalf("pins after removal = %d, want 0", n)
	}
	if err := c.RemoveHook(target); !errors.Is(err, ErrFailed) {
		t.Fatalf("second RemoveHook: err = %v, want ErrFailed", err)
	}
}

func TestInstallHookFailuresReturnZero(t *testing.T) {
	f := newFixture(t)
	c := NewClient(f.cpu, Key)

	if err := c.InstallHook(0x7000_0000, 0x6000_0000, hv.PageSize+1, 0); !errors.Is(err, ErrFailed) {
		t.Fatalf("oversized patch: err = %v", err)
	}
	if err := c.InstallHook(0x7000_0000, 0x6000_0000, 1, 0); !errors.Is(err, ErrFailed) {
		t.Fatalf("unmapped target: err = %v", err)
	}
	if f.e.Stats().Hooks != 0 {
		t.Fatalf("failed installs added hooks")
	}
	if ev := f.cpu.Delivered(); len(ev) != 0 {
		t.Fatalf("failed installs delivered %v", ev)
	}
}

func TestHidePage(t *testing.T) {
	f := newFixture(t)
	c := NewClient(f.cpu, Key)

	if err := c.HidePage(0x50_0000); err != nil {
		t.Fatalf("HidePage: %v", err)
	}
	if err := c.HidePage(ept.MappedLimit); !errors.Is(err, ErrFailed) {
		t.Fatalf("HidePage past the limit: err = %v", err)
	}
}

func TestCopyMemory(t *testing.T) {
	f := newFixture(t)
	other, err := f.m.RAM().NewAddressSpace()
	if err != nil {
		t.Fatal(err)
	}
	f.mapPage(t, 0x7000_0000, 0x30_0000)
	if err := other.Map(0x1000_0000, 0x60_0000, hv.PageSize); err != nil {
		t.Fatal(err)
	}
	if _, err := f.m.RAM().WriteAt([]byte("hello"), 0x30_0000); err != nil {
		t.Fatal(err)
	}

	c := NewClient(f.cpu, Key)
	if err := c.CopyMemory(c.CurrentRoot(), 0x7000_0000, other.Root(), 0x1000_0000, 5); err != nil {
		t.Fatalf("CopyMemory: %v", err)
	}
	got := make([]byte, 5)
	if _, err := f.m.RAM().ReadAt(got, 0x60_0000); err != nil {
		t.Fatal(err)
	}
	if string(got) != "hello" {
		t.Fatalf("copied %q", got)
	}

	if err := c.CopyMemory(c.CurrentRoot(), 0x9000_0000, other.Root(), 0x1000_0000, 5); !errors.Is(err, ErrFailed) {
		t.Fatalf("copy from unmapped source: err = %v", err)
	}
}
