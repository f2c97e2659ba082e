package ept

import (
	"fmt"

	"github.com/tinyrange/thinhv/internal/hv"
	"github.com/tinyrange/thinhv/internal/mm"
	"gvisor.dev/gvisor/pkg/hostarch"
)

// Hook is one entry of the hook table. The live PTE flips between the
// read-write variant, which maps the real page without execute, and the
// execute-only variant, which maps the private shadow page.
type Hook struct {
	Physical uint64
	Virtual  uint64

	Original    Entry
	ReadWrite   Entry
	ExecuteOnly Entry

	target     *Entry
	pin        hv.Pin
	shadow     *hv.Page
	shadowPhys uint64
}

// Live is the entry currently installed for the hooked page.
func (h *Hook) Live() Entry { return load(h.target) }

// HookRequest describes a patch to present to execute accesses.
type HookRequest struct {
	// Root is the page-table root Virtual is resolved against.
	Root    uint64
	Virtual uint64

	// Patch is written at Virtual's page offset over Reference, the
	// contents the shadow page starts from.
	Patch     []byte
	Reference []byte

	// Pin keeps the hooked page resident and is handed back by RemoveHook.
	Pin hv.Pin
}

func (e *Engine) findLocked(phys uint64) *Hook {
	for i := 0; i < e.hookCount; i++ {
		if e.hooks[i].Physical == phys {
			return &e.hooks[i]
		}
	}
	return nil
}

// InstallHook resolves req.Virtual to its physical page and hooks it. If
// the page is already hooked only the patch bytes are applied to the
// existing shadow page and merged is true; the caller keeps req.Pin.
// Failures leave the tables untouched.
func (e *Engine) InstallHook(p hv.Processor, req HookRequest) (merged bool, err error) {
	off := hv.PageOffset(req.Virtual)
	if off+uint64(len(req.Patch)) > hv.PageSize {
		return false, fmt.Errorf("%w: %d bytes at offset %#x", ErrPatchOutOfPage, len(req.Patch), off)
	}

	phys, err := e.tr.Translate(p, mm.KindSource, req.Root, req.Virtual)
	if err != nil {
		return false, fmt.Errorf("ept: install hook %#x: %w", req.Virtual, err)
	}
	phys = hv.PageAlign(phys)

	e.mu.Lock()
	defer e.mu.Unlock()

	if h := e.findLocked(phys); h != nil {
		copy(h.shadow[off:], req.Patch)
		if h.Live() != h.ReadWrite {
			store(h.target, h.ReadWrite)
		}
		e.bump()
		e.log.Debug("ept: hook patched", "phys", fmt.Sprintf("%#x", phys), "offset", off, "size", len(req.Patch))
		return true, nil
	}

	if e.hookCount >= len(e.hooks) {
		e.log.Warn("ept: hook table full", "capacity", len(e.hooks))
		return false, ErrHookTableFull
	}
	if err := e.splitLocked(phys); err != nil {
		return false, err
	}
	target, err := e.ResolvePTE(phys)
	if err != nil {
		return false, err
	}

	h := &e.hooks[e.hookCount]
	*h.shadow = hv.Page{}
	copy(h.shadow[:], req.Reference)
	copy(h.shadow[off:], req.Patch)

	h.Physical = phys
	h.Virtual = req.Virtual
	h.pin = req.Pin
	h.target = target
	h.Original = load(target)
	h.ReadWrite = h.Original.WithAccess(hostarch.ReadWrite)
	h.ExecuteOnly = EntryExecute.WithFrame(h.shadowPhys)

	store(target, h.ReadWrite)
	e.hookCount++
	e.bump()

	e.log.Debug("ept: hook installed",
		"virtual", fmt.Sprintf("%#x", req.Virtual),
		"phys", fmt.Sprintf("%#x", phys),
		"hooks", e.hookCount)
	return false, nil
}

// RemoveHook restores the original entry of the hook covering virtual's
// page, drops it from the table and returns its pin for release.
func (e *Engine) RemoveHook(virtual uint64) (hv.Pin, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	page := hv.PageAlign(virtual)
	for i := 0; i < e.hookCount; i++ {
		h := &e.hooks[i]
		if hv.PageAlign(h.Virtual) != page {
			continue
		}

		store(h.target, h.Original)
		pin := h.pin

		last := e.hookCount - 1
		e.hooks[i], e.hooks[last] = e.hooks[last], e.hooks[i]
		e.hooks[last] = Hook{shadow: e.hooks[last].shadow, shadowPhys: e.hooks[last].shadowPhys}
		e.hookCount--
		e.bump()

		e.log.Debug("ept: hook removed", "virtual", fmt.Sprintf("%#x", virtual), "hooks", e.hookCount)
		return pin, nil
	}
	return nil, fmt.Errorf("%w: %#x", ErrNoHook, virtual)
}

// OnViolation flips the live entry of the hooked page containing phys.
// Execute accesses select the execute-only variant; reads and writes
// select the read-write variant, which wins when both are present.
func (e *Engine) OnViolation(phys uint64, access hostarch.AccessType, causedByTranslation bool) (Entry, error) {
	if !causedByTranslation {
		return 0, ErrNotTranslation
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	h := e.findLocked(hv.PageAlign(phys))
	if h == nil {
		return 0, fmt.Errorf("%w: %#x", ErrNoHook, phys)
	}
	if access.Execute {
		store(h.target, h.ExecuteOnly)
	}
	if access.Read || access.Write {
		store(h.target, h.ReadWrite)
	}
	return h.Live(), nil
}

// Hooks returns a copy of the active hook entries.
func (e *Engine) Hooks() []Hook {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]Hook, e.hookCount)
	copy(out, e.hooks[:e.hookCount])
	return out
}

// Shadow returns the execute-view bytes of the hook covering phys.
func (e *Engine) Shadow(phys uint64) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	h := e.findLocked(hv.PageAlign(phys))
	if h == nil {
		return nil, fmt.Errorf("%w: %#x", ErrNoHook, phys)
	}
	return append([]byte(nil), h.shadow[:]...), nil
}
