// Package ept owns the extended page tables shared by every processor:
// an identity map of the first 512 GB in 2 MB leaves, a bounded arena of
// 4 KB tables for on-demand splits, and the hook table that makes one
// physical page show different bytes to execute and read/write accesses.
package ept

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/tinyrange/thinhv/internal/hv"
	"github.com/tinyrange/thinhv/internal/mm"
	"github.com/tinyrange/thinhv/internal/mtrr"
	"github.com/tinyrange/thinhv/internal/vmx"
	"gvisor.dev/gvisor/pkg/hostarch"
)

var (
	ErrUnsupportedAddress = errors.New("ept: address outside the mapped range")
	ErrArenaExhausted     = errors.New("ept: split arena exhausted")
	ErrHookTableFull      = errors.New("ept: hook table full")
	ErrNoHook             = errors.New("ept: no hook for address")
	ErrNotSplit           = errors.New("ept: leaf not split")
	ErrNotTranslation     = errors.New("ept: violation not caused by a translation")
	ErrPatchOutOfPage     = errors.New("ept: patch crosses the page boundary")
	ErrViolation          = errors.New("ept: violation")
)

const (
	DefaultSplitCapacity = 6000
	DefaultHookCapacity  = 6000

	// MappedLimit is the first guest-physical address past the identity
	// map. Only PML4 slot 0 is populated.
	MappedLimit uint64 = hv.EntriesPerPage * hv.GiantPageSize

	pointerWalkLength = (4 - 1) << 3
)

// Config sizes the engine's fixed pools.
type Config struct {
	SplitCapacity int
	HookCapacity  int
	Logger        *slog.Logger
}

// Engine is the single EPT instance.
type Engine struct {
	mu  sync.Mutex
	log *slog.Logger

	alloc hv.PageAllocator
	tr    *mm.Translator

	pml4     *hv.Page
	pml4Phys uint64
	pdpt     *hv.Page
	pd       [hv.EntriesPerPage]*hv.Page

	arena     []*hv.Page
	arenaPhys []uint64
	arenaUsed int

	hooks     []Hook
	hookCount int

	dummyPhys uint64

	generation atomic.Uint64
}

func table(p *hv.Page) *[hv.EntriesPerPage]Entry {
	return (*[hv.EntriesPerPage]Entry)(unsafe.Pointer(p))
}

// New builds the identity map with MTRR-adjusted memory types and
// reserves every page the engine will ever need. ranges may be nil, in
// which case every leaf is write-back.
func New(alloc hv.PageAllocator, tr *mm.Translator, ranges *mtrr.Snapshot, cfg Config) (*Engine, error) {
	if cfg.SplitCapacity <= 0 {
		cfg.SplitCapacity = DefaultSplitCapacity
	}
	if cfg.HookCapacity <= 0 {
		cfg.HookCapacity = DefaultHookCapacity
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	e := &Engine{
		log:   cfg.Logger,
		alloc: alloc,
		tr:    tr,
	}

	page := func() (*hv.Page, uint64, error) {
		p, err := alloc.AllocatePage()
		if err != nil {
			return nil, 0, fmt.Errorf("ept: allocate page: %w", err)
		}
		return p, alloc.PhysicalFor(p), nil
	}

	var err error
	var pdptPhys uint64
	if e.pml4, e.pml4Phys, err = page(); err != nil {
		return nil, err
	}
	if e.pdpt, pdptPhys, err = page(); err != nil {
		return nil, err
	}
	table(e.pml4)[0] = entryRWX.WithFrame(pdptPhys)

	for i := range e.pd {
		pd, pdPhys, err := page()
		if err != nil {
			return nil, err
		}
		e.pd[i] = pd
		table(e.pdpt)[i] = entryRWX.WithFrame(pdPhys)

		leaves := table(pd)
		for j := range leaves {
			frame := uint64(i*hv.EntriesPerPage+j) * hv.HugePageSize
			memType := hv.MemoryTypeWriteBack
			if ranges != nil {
				memType = ranges.AdjustMemoryType(frame, memType)
			}
			leaves[j] = (entryRWX | EntryLarge).WithFrame(frame).WithMemoryType(memType)
		}
	}

	e.arena = make([]*hv.Page, cfg.SplitCapacity)
	e.arenaPhys = make([]uint64, cfg.SplitCapacity)
	for i := range e.arena {
		if e.arena[i], e.arenaPhys[i], err = page(); err != nil {
			return nil, err
		}
	}

	e.hooks = make([]Hook, cfg.HookCapacity)
	for i := range e.hooks {
		if e.hooks[i].shadow, e.hooks[i].shadowPhys, err = page(); err != nil {
			return nil, err
		}
	}

	if _, e.dummyPhys, err = page(); err != nil {
		return nil, err
	}

	e.log.Info("ept: initialized",
		"pml4", fmt.Sprintf("%#x", e.pml4Phys),
		"splitCapacity", cfg.SplitCapacity,
		"hookCapacity", cfg.HookCapacity)

	return e, nil
}

// Pointer is the EPT pointer: write-back, 4-level walk, PML4 frame.
func (e *Engine) Pointer() uint64 {
	return e.pml4Phys | pointerWalkLength | hv.MemoryTypeWriteBack
}

// Generation counts structural changes. A processor whose last observed
// generation differs must flush its cached translations.
func (e *Engine) Generation() uint64 { return e.generation.Load() }

func (e *Engine) bump() { e.generation.Add(1) }

// Invalidate publishes a structural change and, when p is not nil,
// flushes p's cached translations immediately. Other processors flush on
// their next exit through Sync.
func (e *Engine) Invalidate(p hv.Processor) {
	e.bump()
	if p != nil {
		p.InvEPT(vmx.InvEPTSingleContext, e.Pointer())
	}
}

// Sync flushes p's cached translations if *seen is older than the
// current generation and records the generation it flushed to.
func (e *Engine) Sync(p hv.Processor, seen *uint64) bool {
	gen := e.Generation()
	if *seen == gen {
		return false
	}
	p.InvEPT(vmx.InvEPTSingleContext, e.Pointer())
	*seen = gen
	return true
}

// ResolveLeaf returns the 2 MB-level entry covering phys.
func (e *Engine) ResolveLeaf(phys uint64) (*Entry, error) {
	if phys >= MappedLimit {
		return nil, fmt.Errorf("%w: %#x", ErrUnsupportedAddress, phys)
	}
	return &table(e.pd[hv.PDPTIndex(phys)])[hv.PDIndex(phys)], nil
}

// ResolvePTE returns the 4 KB entry covering phys. The covering leaf must
// already be split.
func (e *Engine) ResolvePTE(phys uint64) (*Entry, error) {
	leaf, err := e.ResolveLeaf(phys)
	if err != nil {
		return nil, err
	}
	l := load(leaf)
	if l.Large() {
		return nil, fmt.Errorf("%w: %#x", ErrNotSplit, phys)
	}
	pt, ok := e.alloc.LookupPage(l.Frame())
	if !ok {
		return nil, fmt.Errorf("ept: page table %#x for %#x not found", l.Frame(), phys)
	}
	return &table(pt)[hv.PTIndex(phys)], nil
}

// Split replaces the 2 MB leaf covering phys with a table of 512 4 KB
// entries mapping the same run with the same attributes. Splitting an
// already split leaf succeeds without consuming an arena slot.
func (e *Engine) Split(phys uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.splitLocked(phys)
}

func (e *Engine) splitLocked(phys uint64) error {
	leaf, err := e.ResolveLeaf(phys)
	if err != nil {
		return err
	}
	l := load(leaf)
	if !l.Large() {
		return nil
	}
	if e.arenaUsed >= len(e.arena) {
		e.log.Warn("ept: split arena exhausted", "capacity", len(e.arena))
		return ErrArenaExhausted
	}

	pt := table(e.arena[e.arenaUsed])
	ptPhys := e.arenaPhys[e.arenaUsed]
	e.arenaUsed++

	template := entryRWX | l&inherited
	base := hv.HugePageAlign(l.Frame())
	for i := range pt {
		pt[i] = template.WithFrame(base + uint64(i)*hv.PageSize)
	}
	store(leaf, entryRWX.WithFrame(ptPhys))
	e.bump()

	e.log.Debug("ept: split", "run", fmt.Sprintf("%#x", base), "used", e.arenaUsed)
	return nil
}

// HidePage points the 4 KB entry for phys at the dummy page, so guest
// reads observe the dummy page instead of real memory. The dummy page is
// shared and stays zero, so the entry is not writable and a guest write
// is an unhooked violation.
func (e *Engine) HidePage(phys uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.splitLocked(phys); err != nil {
		return err
	}
	pte, err := e.ResolvePTE(phys)
	if err != nil {
		return err
	}
	store(pte, (load(pte) &^ EntryWrite).WithFrame(e.dummyPhys))
	e.bump()

	e.log.Debug("ept: hid page", "phys", fmt.Sprintf("%#x", hv.PageAlign(phys)))
	return nil
}

// DummyPage is the physical address hidden pages are redirected to.
func (e *Engine) DummyPage() uint64 { return e.dummyPhys }

// Translate walks the EPT for gpa as the processor would for an access
// of kind access. A missing permission at any level is reported as
// ErrViolation.
func (e *Engine) Translate(gpa uint64, access hostarch.AccessType) (uint64, error) {
	if gpa >= MappedLimit {
		return 0, fmt.Errorf("%w: %#x", ErrUnsupportedAddress, gpa)
	}

	t := e.pml4
	for level, index := range []int{
		hv.PML4Index(gpa),
		hv.PDPTIndex(gpa),
		hv.PDIndex(gpa),
		hv.PTIndex(gpa),
	} {
		ent := load(&table(t)[index])
		if !ent.Permits(access) {
			return 0, fmt.Errorf("%w: %#x %s under %s", ErrViolation, gpa, access, ent)
		}
		if level == 2 && ent.Large() {
			return ent.Frame() + gpa%hv.HugePageSize, nil
		}
		if level == 3 {
			return ent.Frame() + hv.PageOffset(gpa), nil
		}
		next, ok := e.alloc.LookupPage(ent.Frame())
		if !ok {
			return 0, fmt.Errorf("ept: table %#x missing", ent.Frame())
		}
		t = next
	}
	panic("unreachable")
}

// Stats reports pool usage.
type Stats struct {
	SplitsUsed    int
	SplitCapacity int
	Hooks         int
	HookCapacity  int
}

func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()

	return Stats{
		SplitsUsed:    e.arenaUsed,
		SplitCapacity: len(e.arena),
		Hooks:         e.hookCount,
		HookCapacity:  len(e.hooks),
	}
}
