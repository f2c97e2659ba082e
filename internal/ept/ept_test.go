package ept

import (
	"bytes"
	"errors"
	"testing"

	"github.com/tinyrange/thinhv/internal/hv"
	"github.com/tinyrange/thinhv/internal/hv/sim"
	"github.com/tinyrange/thinhv/internal/mm"
	"github.com/tinyrange/thinhv/internal/mtrr"
	"gvisor.dev/gvisor/pkg/hostarch"
)

type fixture struct {
	m     *sim.Machine
	cpu   *sim.Processor
	space *sim.AddressSpace
	e     *Engine
}

func newFixture(t *testing.T, splits, hooks int) *fixture {
	t.Helper()

	m, err := sim.NewMachine(sim.Options{Processors: 1, RAMSize: 64 << 20})
	if err != nil {
		t.Fatalf("NewMachine: %v", err)
	}
	ranges, err := mtrr.Read(m.CPU(0))
	if err != nil {
		t.Fatalf("mtrr.Read: %v", err)
	}
	tr := mm.New(m.Memory(), m.ProcessorCount())
	e, err := New(m.Allocator(), tr, &ranges, Config{SplitCapacity: splits, HookCapacity: hooks})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	space, err := m.RAM().NewAddressSpace()
	if err != nil {
		t.Fatalf("NewAddressSpace: %v", err)
	}
	return &fixture{m: m, cpu: m.CPU(0), space: space, e: e}
}

func (f *fixture) mapPage(t *testing.T, linear, phys uint64) {
	t.Helper()

	if err := f.space.Map(linear, phys, hv.PageSize); err != nil {
		t.Fatalf("Map: %v", err)
	}
}

func (f *fixture) read(t *testing.T, phys uint64, n int) []byte {
	t.Helper()

	buf := make([]byte, n)
	if _, err := f.m.RAM().ReadAt(buf, int64(phys)); err != nil {
		t.Fatalf("ReadAt(%#x): %v", phys, err)
	}
	return buf
}

func (f *fixture) hook(t *testing.T, linear uint64, patch []byte) bool {
	t.Helper()

	merged, err := f.e.InstallHook(f.cpu, HookRequest{
		Root:      f.space.Root(),
		Virtual:   linear,
		Patch:     patch,
		Reference: make([]byte, hv.PageSize),
	})
	if err != nil {
		t.Fatalf("InstallHook(%#x): %v", linear, err)
	}
	return merged
}

func TestLeafFrameIsIdentity(t *testing.T) {
	f := newFixture(t, 1, 1)

	for _, addr := range []uint64{0, 0x1234_5678, 0x40_0000_0000, MappedLimit - 1} {
		leaf, err := f.e.ResolveLeaf(addr)
		if err != nil {
			t.Fatalf("ResolveLeaf(%#x): %v", addr, err)
		}
		got := load(leaf)
		if !got.Large() || got.Frame()>>21 != addr>>21 {
			t.Errorf("leaf for %#x = %v, want large frame %#x", addr, got, addr>>21<<21)
		}
		if got.MemoryType() != hv.MemoryTypeWriteBack {
			t.Errorf("leaf for %#x memory type = %d, want write-back", addr, got.MemoryType())
		}
	}

	if _, err := f.e.ResolveLeaf(MappedLimit); !errors.Is(err, ErrUnsupportedAddress) {
		t.Fatalf("ResolveLeaf past the limit: err = %v", err)
	}
	if _, err := f.e.ResolvePTE(0x1000); !errors.Is(err, ErrNotSplit) {
		t.Fatalf("ResolvePTE before split: err = %v", err)
	}

	if ptr := f.e.Pointer(); ptr&0xfff != 0x1e || ptr&^0xfff != f.e.pml4Phys {
		t.Fatalf("Pointer = %#x", ptr)
	}
}

func TestLeafMemoryTypeFollowsMTRRs(t *testing.T) {
	m, err := sim.NewMachine(sim.Options{Processors: 1, RAMSize: 16 << 20})
	if err != nil {
		t.Fatal(err)
	}
	// One uncacheable 4 KB page at 2 MB + 4 KB.
	m.CPU(0).SetMTRR(0, 0x20_1000|hv.MemoryTypeUncacheable, 0x7f_ffff_f000|1<<11)
	ranges, err := mtrr.Read(m.CPU(0))
	if err != nil {
		t.Fatal(err)
	}
	e, err := New(m.Allocator(), mm.New(m.Memory(), 1), &ranges, Config{SplitCapacity: 1, HookCapacity: 1})
	if err != nil {
		t.Fatal(err)
	}

	for addr, want := range map[uint64]uint64{
		0:         hv.MemoryTypeWriteBack,
		0x20_0000: hv.MemoryTypeUncacheable,
		0x40_0000: hv.MemoryTypeWriteBack,
	} {
		leaf, err := e.ResolveLeaf(addr)
		if err != nil {
			t.Fatal(err)
		}
		if got := load(leaf).MemoryType(); got != want {
			t.Errorf("memory type at %#x = %d, want %d", addr, got, want)
		}
	}
}

func TestSplitIsIdempotent(t *testing.T) {
	f := newFixture(t, 2, 1)
	const run = 0x60_0000

	before, err := f.e.Translate(run+0x1234, hostarch.AnyAccess)
	if err != nil {
		t.Fatalf("Translate: %v", err)
	}
	gen := f.e.Generation()

	if err := f.e.Split(run + 0x5000); err != nil {
		t.Fatalf("Split: %v", err)
	}
	leaf, _ := f.e.ResolveLeaf(run)
	first := load(leaf)
	if first.Large() {
		t.Fatalf("leaf still large after split")
	}
	if err := f.e.Split(run); err != nil {
		t.Fatalf("second Split: %v", err)
	}
	if load(leaf) != first {
		t.Fatalf("second split changed the leaf: %v -> %v", first, load(leaf))
	}
	if used := f.e.Stats().SplitsUsed; used != 1 {
		t.Fatalf("SplitsUsed = %d, want 1", used)
	}
	if f.e.Generation() != gen+1 {
		t.Fatalf("generation = %d, want %d", f.e.Generation(), gen+1)
	}

	for i := uint64(0); i < hv.EntriesPerPage; i++ {
		pte, err := f.e.ResolvePTE(run + i*hv.PageSize)
		if err != nil {
			t.Fatalf("ResolvePTE: %v", err)
		}
		got := load(pte)
		if got.Frame() != run+i*hv.PageSize || got.Large() || got.MemoryType() != hv.MemoryTypeWriteBack {
			t.Fatalf("pte %d = %v", i, got)
		}
	}

	after, err := f.e.Translate(run+0x1234, hostarch.AnyAccess)
	if err != nil {
		t.Fatalf("Translate after split: %v", err)
	}
	if after != before {
		t.Fatalf("translation changed: %#x -> %#x", before, after)
	}
}

func TestSplitArenaExhausted(t *testing.T) {
	f := newFixture(t, 2, 1)

	for _, run := range []uint64{0, hv.HugePageSize} {
		if err := f.e.Split(run); err != nil {
			t.Fatalf("Split(%#x): %v", run, err)
		}
	}
	if err := f.e.Split(2 * hv.HugePageSize); !errors.Is(err, ErrArenaExhausted) {
		t.Fatalf("Split past capacity: err = %v", err)
	}
	leaf, _ := f.e.ResolveLeaf(2 * hv.HugePageSize)
	if !load(leaf).Large() {
		t.Fatalf("failed split modified the leaf")
	}
}

func TestHookPresentsPatchToExecuteOnly(t *testing.T) {
	f := newFixture(t, 2, 2)
	const (
		linear = 0x7000_0000
		phys   = 0x30_0000
	)
	f.mapPage(t, linear, phys)
	original := bytes.Repeat([]byte{0x11}, hv.PageSize)
	if _, err := f.m.RAM().WriteAt(original, phys); err != nil {
		t.Fatal(err)
	}

	f.hook(t, linear+0x10, []byte{0xcc})

	if _, err := f.e.Translate(phys, hostarch.Execute); !errors.Is(err, ErrViolation) {
		t.Fatalf("execute before violation: err = %v, want ErrViolation", err)
	}
	live, err := f.e.OnViolation(phys+0x10, hostarch.Execute, true)
	if err != nil {
		t.Fatalf("OnViolation(execute): %v", err)
	}
	if a := live.Access(); a != hostarch.Execute {
		t.Fatalf("live access after execute = %v, want execute only", a)
	}

	host, err := f.e.Translate(phys, hostarch.Execute)
	if err != nil {
		t.Fatalf("Translate(execute): %v", err)
	}
	want := make([]byte, hv.PageSize)
	want[0x10] = 0xcc
	if got := f.read(t, host, hv.PageSize); !bytes.Equal(got, want) {
		t.Fatalf("execute view differs from patched reference")
	}

	if _, err := f.e.Translate(phys, hostarch.Write); !errors.Is(err, ErrViolation) {
		t.Fatalf("write under execute view: err = %v, want ErrViolation", err)
	}
	if _, err := f.e.OnViolation(phys, hostarch.Write, true); err != nil {
		t.Fatalf("OnViolation(write): %v", err)
	}
	host, err = f.e.Translate(phys, hostarch.Write)
	if err != nil {
		t.Fatalf("Translate(write): %v", err)
	}
	if host != phys {
		t.Fatalf("write view maps %#x, want %#x", host, phys)
	}
	if got := f.read(t, host, hv.PageSize); !bytes.Equal(got, original) {
		t.Fatalf("write view differs from the original page")
	}
}

func TestReadWriteWinsOverExecute(t *testing.T) {
	f := newFixture(t, 1, 1)
	f.mapPage(t, 0x7000_0000, 0x30_0000)
	f.hook(t, 0x7000_0000, []byte{0x90})

	live, err := f.e.OnViolation(0x30_0000, hostarch.AnyAccess, true)
	if err != nil {
		t.Fatalf("OnViolation: %v", err)
	}
	if live&EntryExecute != 0 {
		t.Fatalf("live entry %v is executable", live)
	}
}

func TestRemoveHookRestoresOriginal(t *testing.T) {
	f := newFixture(t, 1, 1)
	const (
		linear = 0x7000_0000
		phys   = 0x30_0000
	)
	f.mapPage(t, linear, phys)

	if err := f.e.Split(phys); err != nil {
		t.Fatal(err)
	}
	pte, err := f.e.ResolvePTE(phys)
	if err != nil {
		t.Fatal(err)
	}
	before := load(pte)

	pin, err := f.m.RAM().Pin(phys)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.e.InstallHook(f.cpu, HookRequest{
		Root:      f.space.Root(),
		Virtual:   linear + 0x20,
		Patch:     []byte{0xcc, 0xcc},
		Reference: make([]byte, hv.PageSize),
		Pin:       pin,
	}); err != nil {
		t.Fatalf("InstallHook: %v", err)
	}
	if load(pte) == before {
		t.Fatalf("InstallHook left the pte unchanged")
	}

	got, err := f.e.RemoveHook(linear)
	if err != nil {
		t.Fatalf("RemoveHook: %v", err)
	}
	if got != pin {
		t.Fatalf("RemoveHook returned a different pin")
	}
	if load(pte) != before {
		t.Fatalf("pte after removal = %v, want %v", load(pte), before)
	}
	if n := len(f.e.Hooks()); n != 0 {
		t.Fatalf("%d hooks remain", n)
	}
	if _, err := f.e.RemoveHook(linear); !errors.Is(err, ErrNoHook) {
		t.Fatalf("second RemoveHook: err = %v, want ErrNoHook", err)
	}
}

func TestRemoveHookCompactsTable(t *testing.T) {
	f := newFixture(t, 3, 3)
	for i := uint64(0); i < 3; i++ {
		f.mapPage(t, 0x7000_0000+i*hv.PageSize, 0x30_0000+i*hv.HugePageSize)
		f.hook(t, 0x7000_0000+i*hv.PageSize, []byte{byte(i)})
	}

	if _, err := f.e.RemoveHook(0x7000_0000); err != nil {
		t.Fatalf("RemoveHook: %v", err)
	}

	hooks := f.e.Hooks()
	if len(hooks) != 2 {
		t.Fatalf("%d hooks, want 2", len(hooks))
	}
	seen := map[uint64]bool{}
	for _, h := range hooks {
		seen[h.Physical] = true
		if h.Live() != h.ReadWrite {
			t.Errorf("hook %#x live = %v, want read-write", h.Physical, h.Live())
		}
		shadow, err := f.e.Shadow(h.Physical)
		if err != nil {
			t.Fatal(err)
		}
		want := byte((h.Physical - 0x30_0000) / hv.HugePageSize)
		if shadow[0] != want {
			t.Errorf("hook %#x shadow byte = %d, want %d", h.Physical, shadow[0], want)
		}
	}
	if !seen[0x30_0000+hv.HugePageSize] || !seen[0x30_0000+2*hv.HugePageSize] {
		t.Fatalf("remaining hooks = %v", seen)
	}

	// The freed slot is reusable.
	f.hook(t, 0x7000_0000, []byte{7})
	if n := f.e.Stats().Hooks; n != 3 {
		t.Fatalf("Hooks = %d, want 3", n)
	}
}

func TestHookTableCapacity(t *testing.T) {
	const capacity = 3
	f := newFixture(t, 1, capacity)
	for i := uint64(0); i <= capacity; i++ {
		f.mapPage(t, 0x7000_0000+i*hv.PageSize, 0x30_0000+i*hv.PageSize)
	}
	for i := uint64(0); i < capacity; i++ {
		f.hook(t, 0x7000_0000+i*hv.PageSize, []byte{0xcc})
	}

	before := f.e.Hooks()
	stats := f.e.Stats()
	_, err := f.e.InstallHook(f.cpu, HookRequest{
		Root:    f.space.Root(),
		Virtual: 0x7000_0000 + capacity*hv.PageSize,
		Patch:   []byte{0xcc},
	})
	if !errors.Is(err, ErrHookTableFull) {
		t.Fatalf("InstallHook past capacity: err = %v, want ErrHookTableFull", err)
	}

	after := f.e.Hooks()
	if len(after) != capacity || f.e.Stats() != stats {
		t.Fatalf("failed install changed the table: %+v -> %+v", stats, f.e.Stats())
	}
	for i := range before {
		if before[i].Physical != after[i].Physical || before[i].Live() != after[i].Live() {
			t.Fatalf("hook %d changed", i)
		}
	}
}

func TestInstallHookMergesPatches(t *testing.T) {
	f := newFixture(t, 1, 2)
	const phys = 0x30_0000
	f.mapPage(t, 0x7000_0000, phys)

	if f.hook(t, 0x7000_0010, []byte{0xcc}) {
		t.Fatalf("first install reported a merge")
	}
	if _, err := f.e.OnViolation(phys, hostarch.Execute, true); err != nil {
		t.Fatal(err)
	}
	if !f.hook(t, 0x7000_0800, []byte{0xc3, 0x90}) {
		t.Fatalf("second install on the same page did not merge")
	}

	hooks := f.e.Hooks()
	if len(hooks) != 1 {
		t.Fatalf("%d hooks, want 1", len(hooks))
	}
	if hooks[0].Live() != hooks[0].ReadWrite {
		t.Fatalf("merge did not reset the live entry to read-write")
	}
	shadow, err := f.e.Shadow(phys)
	if err != nil {
		t.Fatal(err)
	}
	if shadow[0x10] != 0xcc || shadow[0x800] != 0xc3 || shadow[0x801] != 0x90 {
		t.Fatalf("shadow does not carry both patches")
	}
}

func TestInstallHookRejectsBadRequests(t *testing.T) {
	f := newFixture(t, 1, 1)
	f.mapPage(t, 0x7000_0000, 0x30_0000)

	_, err := f.e.InstallHook(f.cpu, HookRequest{Root: f.space.Root(), Virtual: 0x7000_0fff, Patch: []byte{1, 2}})
	if !errors.Is(err, ErrPatchOutOfPage) {
		t.Fatalf("patch across the boundary: err = %v", err)
	}
	_, err = f.e.InstallHook(f.cpu, HookRequest{Root: f.space.Root(), Virtual: 0x9000_0000, Patch: []byte{1}})
	if !errors.Is(err, mm.ErrNotPresent) {
		t.Fatalf("unmapped virtual address: err = %v", err)
	}
	if s := f.e.Stats(); s.SplitsUsed != 0 || s.Hooks != 0 {
		t.Fatalf("rejected installs changed the engine: %+v", s)
	}
}

func TestOnViolationRejects(t *testing.T) {
	f := newFixture(t, 1, 1)

	if _, err := f.e.OnViolation(0x1000, hostarch.Read, false); !errors.Is(err, ErrNotTranslation) {
		t.Fatalf("not caused by translation: err = %v", err)
	}
	if _, err := f.e.OnViolation(0x1000, hostarch.Read, true); !errors.Is(err, ErrNoHook) {
		t.Fatalf("unhooked page: err = %v", err)
	}
}

func TestHidePage(t *testing.T) {
	f := newFixture(t, 1, 1)
	const phys = 0x50_3000
	if _, err := f.m.RAM().WriteAt([]byte("secret"), phys); err != nil {
		t.Fatal(err)
	}

	if err := f.e.HidePage(phys); err != nil {
		t.Fatalf("HidePage: %v", err)
	}
	host, err := f.e.Translate(phys+4, hostarch.Read)
	if err != nil {
		t.Fatalf("Translate: %v", err)
	}
	if host != f.e.DummyPage()+4 {
		t.Fatalf("hidden page maps %#x, want dummy %#x", host, f.e.DummyPage()+4)
	}
	if got := f.read(t, host-4, 6); !bytes.Equal(got, make([]byte, 6)) {
		t.Fatalf("hidden page reads %q", got)
	}
	neighbour, err := f.e.Translate(phys+hv.PageSize, hostarch.Read)
	if err != nil || neighbour != phys+hv.PageSize {
		t.Fatalf("neighbour maps %#x, %v", neighbour, err)
	}

	// The dummy page is shared, so writes through a hidden page fault.
	if _, err := f.e.Translate(phys, hostarch.Write); !errors.Is(err, ErrViolation) {
		t.Fatalf("Translate for write: err = %v, want ErrViolation", err)
	}
	if _, err := f.e.Translate(phys, hostarch.Execute); err != nil {
		t.Fatalf("Translate for execute: %v", err)
	}
	if _, err := f.e.OnViolation(phys, hostarch.Write, true); !errors.Is(err, ErrNoHook) {
		t.Fatalf("OnViolation: err = %v, want ErrNoHook", err)
	}

	if err := f.e.HidePage(MappedLimit); !errors.Is(err, ErrUnsupportedAddress) {
		t.Fatalf("HidePage past the limit: err = %v", err)
	}
}

func TestInvalidateAndSync(t *testing.T) {
	f := newFixture(t, 1, 1)

	var seen uint64
	if f.e.Sync(f.cpu, &seen) {
		t.Fatalf("Sync flushed with nothing changed")
	}

	f.e.Invalidate(f.cpu)
	inv := f.cpu.EPTInvalidations()
	if len(inv) != 1 || inv[0].Pointer != f.e.Pointer() {
		t.Fatalf("invalidations = %+v", inv)
	}

	if !f.e.Sync(f.cpu, &seen) {
		t.Fatalf("Sync did not flush after a change")
	}
	if seen != f.e.Generation() {
		t.Fatalf("seen = %d, want %d", seen, f.e.Generation())
	}
	if f.e.Sync(f.cpu, &seen) {
		t.Fatalf("Sync flushed twice for one change")
	}
}
