// Package vcpu holds the per-processor virtualization context and the
// sequence that moves a running processor into VMX non-root operation.
package vcpu

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/tinyrange/thinhv/internal/hv"
	"github.com/tinyrange/thinhv/internal/vmx"
)

var (
	ErrVMXUnsupported = errors.New("vcpu: vmx not supported")
	ErrVMXDisabled    = errors.New("vcpu: vmx not enabled outside smx")
	ErrLaunchFailed   = errors.New("vcpu: vmlaunch failed")
)

// Counters mirrors the VM-exit MSR-store list.
type Counters struct {
	TSC            uint64
	PerfGlobalCtrl uint64
	APERF          uint64
	MPERF          uint64
}

// Timing is the exit-latency compensation state.
type Timing struct {
	// Round-trip cost of one exit measured at bring-up.
	TSCOverhead    uint64
	MPERFOverhead  uint64
	RefTSCOverhead uint64

	TSCOffset       uint64
	PreemptionTimer uint64

	// Hide is set by a handler whose exit should be hidden from the
	// guest's clocks. It is cleared at the start of every exit.
	Hide bool
}

// Config configures a VCPU.
type Config struct {
	// EPTPointer is written to every control structure.
	EPTPointer uint64
	// SystemRoot is registered as the CR3-target value.
	SystemRoot uint64
	Logger     *slog.Logger
}

// VCPU is the context of one logical processor. Everything except the
// NMI counter is owned by that processor.
type VCPU struct {
	p   hv.Processor
	cfg Config
	log *slog.Logger

	Facts Facts

	vmxon      *hv.Page
	vmcs       *hv.Page
	bitmap     MSRBitmap
	vmxonPhys  uint64
	vmcsPhys   uint64
	bitmapPhys uint64

	regs *hv.GuestRegisters

	queuedNMIs atomic.Uint32

	Timing    Timing
	ExitStore Counters
	// EntryLoad holds the APERF and MPERF values restored on entry.
	EntryLoad Counters

	// EPTGeneration is the last EPT generation this processor flushed.
	EPTGeneration uint64

	virtualized bool
}

// New allocates the regions for p.
func New(p hv.Processor, alloc hv.PageAllocator, cfg Config) (*VCPU, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	v := &VCPU{
		p:   p,
		cfg: cfg,
		log: cfg.Logger.With("vcpu", p.ID()),
	}

	var bitmap *hv.Page
	for _, r := range []struct {
		page **hv.Page
		phys *uint64
	}{
		{&v.vmxon, &v.vmxonPhys},
		{&v.vmcs, &v.vmcsPhys},
		{&bitmap, &v.bitmapPhys},
	} {
		page, err := alloc.AllocatePage()
		if err != nil {
			return nil, fmt.Errorf("vcpu %d: allocate region: %w", p.ID(), err)
		}
		*r.page = page
		*r.phys = alloc.PhysicalFor(page)
	}
	v.bitmap = MSRBitmap{page: bitmap}

	return v, nil
}

// Processor is the logical processor this context belongs to.
func (v *VCPU) Processor() hv.Processor { return v.p }

// Registers is the guest register snapshot of the exit being handled, or
// nil outside an exit.
func (v *VCPU) Registers() *hv.GuestRegisters { return v.regs }

// BeginExit attaches the register snapshot for the current exit.
func (v *VCPU) BeginExit(regs *hv.GuestRegisters) {
	v.regs = regs
	v.Timing.Hide = false
}

// EndExit drops the register snapshot.
func (v *VCPU) EndExit() { v.regs = nil }

// MSRBitmap is the processor's MSR intercept bitmap.
func (v *VCPU) MSRBitmap() MSRBitmap { return v.bitmap }

// Virtualized reports whether the processor is running as a guest.
func (v *VCPU) Virtualized() bool { return v.virtualized }

// QueueNMI records an NMI that arrived while the host was running and
// arms NMI-window exiting so it is delivered at the next opportunity.
func (v *VCPU) QueueNMI() {
	v.queuedNMIs.Add(1)
	vmx.SetProcControl(v.p, vmx.ProcNMIWindowExiting, true)
}

// TakeNMI consumes one queued NMI. ok is false when nothing was queued.
func (v *VCPU) TakeNMI() (remaining uint32, ok bool) {
	for {
		n := v.queuedNMIs.Load()
		if n == 0 {
			return 0, false
		}
		if v.queuedNMIs.CompareAndSwap(n, n-1) {
			return n - 1, true
		}
	}
}

// QueuedNMIs returns the number of NMIs waiting for delivery.
func (v *VCPU) QueuedNMIs() uint32 { return v.queuedNMIs.Load() }

// Virtualize enables VMX on the processor, builds the control structure
// from the running system's state and launches it as the guest. On
// failure the processor is left with VMX off.
func (v *VCPU) Virtualize() error {
	p := v.p

	facts, err := CacheFacts(p)
	if err != nil {
		return err
	}
	v.Facts = facts
	if !facts.VMX {
		return fmt.Errorf("%w: cpu %d", ErrVMXUnsupported, p.ID())
	}
	const need = hv.FeatureControlLock | hv.FeatureControlVMXOutsideSMX
	if facts.FeatureControl&need != need {
		return fmt.Errorf("%w: cpu %d feature control %#x", ErrVMXDisabled, p.ID(), facts.FeatureControl)
	}

	revision := vmx.RevisionID(facts.VMXBasic)
	*v.vmxon = hv.Page{}
	*v.vmcs = hv.Page{}
	binary.LittleEndian.PutUint32(v.vmxon[:4], revision)
	binary.LittleEndian.PutUint32(v.vmcs[:4], revision)

	if err := p.VMXOn(v.vmxonPhys); err != nil {
		return fmt.Errorf("vcpu %d: vmxon: %w", p.ID(), err)
	}
	v.log.Debug("vcpu: vmxon region", "phys", fmt.Sprintf("%#x", v.vmxonPhys))
	p.InvEPT(vmx.InvEPTAllContexts, 0)

	if err := v.loadVMCS(); err != nil {
		p.VMXOff()
		return err
	}
	if err := v.setupControls(); err != nil {
		p.VMXOff()
		return err
	}
	v.setupGuest()

	v.queuedNMIs.Store(0)
	v.Timing = Timing{PreemptionTimer: ^uint64(0)}

	if err := p.VMLaunch(); err != nil {
		code := p.VMRead(vmx.FieldInstructionError)
		p.VMXOff()
		return fmt.Errorf("%w: cpu %d instruction error %d: %v", ErrLaunchFailed, p.ID(), code, err)
	}
	v.virtualized = true

	v.log.Info("vcpu: virtualized")
	return nil
}

func (v *VCPU) loadVMCS() error {
	if err := v.p.VMClear(v.vmcsPhys); err != nil {
		return fmt.Errorf("vcpu %d: vmclear: %w", v.p.ID(), err)
	}
	if err := v.p.VMPtrld(v.vmcsPhys); err != nil {
		return fmt.Errorf("vcpu %d: vmptrld: %w", v.p.ID(), err)
	}
	v.log.Debug("vcpu: vmcs region", "phys", fmt.Sprintf("%#x", v.vmcsPhys))
	return nil
}

func (v *VCPU) adjust(capability uint32, requested uint64) (uint64, error) {
	caps, err := v.p.ReadMSR(capability)
	if err != nil {
		return 0, fmt.Errorf("vcpu %d: read capability %#x: %w", v.p.ID(), capability, err)
	}
	return vmx.AdjustControls(requested, caps), nil
}

func (v *VCPU) setupControls() error {
	p, f := v.p, &v.Facts

	for _, c := range []struct {
		field      uint64
		capability uint32
		requested  uint64
	}{
		{vmx.FieldPinBasedControls, hv.MSRVMXTruePinbasedCtls,
			vmx.PinNMIExiting | vmx.PinVirtualNMIs | vmx.PinPreemptionTimer},
		{vmx.FieldProcBasedControls, hv.MSRVMXTrueProcbasedCtls,
			vmx.ProcCR3LoadExiting | vmx.ProcUseMSRBitmaps | vmx.ProcTSCOffsetting | vmx.ProcActivateSecondary},
		{vmx.FieldProcBasedControls2, hv.MSRVMXProcbasedCtls2,
			vmx.Proc2EnableEPT | vmx.Proc2EnableRDTSCP | vmx.Proc2EnableVPID | vmx.Proc2EnableINVPCID | vmx.Proc2EnableXSAVES},
		{vmx.FieldExitControls, hv.MSRVMXTrueExitCtls,
			vmx.ExitHostAddressSpaceSize | vmx.ExitLoadPerfGlobalCtrl},
		{vmx.FieldEntryControls, hv.MSRVMXTrueEntryCtls,
			vmx.EntryIA32eModeGuest | vmx.EntryLoadPerfGlobalCtrl},
	} {
		value, err := v.adjust(c.capability, c.requested)
		if err != nil {
			return err
		}
		p.VMWrite(c.field, value)
	}

	if err := setupMSRBitmap(v.bitmap, p); err != nil {
		return err
	}

	p.VMWrite(vmx.FieldEPTPointer, v.cfg.EPTPointer)
	p.VMWrite(vmx.FieldVPID, uint64(vmx.GuestVPID))
	p.VMWrite(vmx.FieldMSRBitmap, v.bitmapPhys)
	p.VMWrite(vmx.FieldLinkPointer, ^uint64(0))

	p.VMWrite(vmx.FieldCR0GuestHostMask, f.CR0Fixed0|^f.CR0Fixed1|hv.CR0CacheDisable|hv.CR0WriteProtect)
	p.VMWrite(vmx.FieldCR4GuestHostMask, f.CR4Fixed0|^f.CR4Fixed1)

	p.VMWrite(vmx.FieldCR3TargetCount, 1)
	p.VMWrite(vmx.FieldCR3Target0, v.cfg.SystemRoot)

	p.VMWrite(vmx.FieldEntryInterruptInfo, 0)
	p.VMWrite(vmx.FieldEntryExceptionCode, 0)
	p.VMWrite(vmx.FieldEntryInstructionLen, 0)
	p.VMWrite(vmx.FieldExceptionBitmap, 0)
	p.VMWrite(vmx.FieldTSCOffset, 0)
	p.VMWrite(vmx.FieldGuestPreemptionTimer, ^uint64(0))

	for _, r := range []struct {
		msr uint32
		dst *uint64
	}{
		{hv.MSRAPERF, &v.EntryLoad.APERF},
		{hv.MSRMPERF, &v.EntryLoad.MPERF},
	} {
		value, err := p.ReadMSR(r.msr)
		if err != nil {
			return fmt.Errorf("vcpu %d: read msr %#x: %w", p.ID(), r.msr, err)
		}
		*r.dst = value
	}
	return nil
}

// setupGuest hands the running system's control registers to the guest.
// The read shadows hide the bits forced by the fixed masks.
func (v *VCPU) setupGuest() {
	p, f := v.p, &v.Facts
	cr0, cr3, cr4 := p.ControlRegisters()

	p.VMWrite(vmx.FieldCR0ReadShadow, cr0)
	p.VMWrite(vmx.FieldCR4ReadShadow, cr4&^hv.CR4VMXE)

	p.VMWrite(vmx.FieldGuestCR0, (cr0|f.CR0Fixed0)&f.CR0Fixed1)
	p.VMWrite(vmx.FieldGuestCR3, cr3)
	p.VMWrite(vmx.FieldGuestCR4, (cr4|hv.CR4VMXE|f.CR4Fixed0)&f.CR4Fixed1)
	p.VMWrite(vmx.FieldGuestInterruptibility, 0)
	p.VMWrite(vmx.FieldGuestActivityState, 0)
}

// Devirtualize leaves VMX operation and detaches the exit handler.
func (v *VCPU) Devirtualize() {
	if !v.virtualized {
		return
	}
	v.p.SetExitHandler(nil)
	v.p.VMXOff()
	v.virtualized = false
	v.log.Info("vcpu: devirtualized")
}
