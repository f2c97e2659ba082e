package sim

import (
	"fmt"
	"sync"

	"github.com/tinyrange/thinhv/internal/hv"
	"github.com/tinyrange/thinhv/internal/vmx"
)

// Event is an interruption delivered to the guest on VM entry.
type Event struct {
	Vector hv.Vector
	Kind   uint64
	Code   uint32
}

// Invalidation records one INVEPT or INVVPID issued by the host.
type Invalidation struct {
	Kind    uint64
	Pointer uint64
	VPID    uint16
}

type cpuidKey struct{ leaf, subleaf uint32 }

// Processor models one logical processor. All clocks (TSC, MPERF, APERF
// and fixed counter 2) derive from a single cycle counter that advances
// by ReadCost on every clock read and by ExitCost on every VM exit.
type Processor struct {
	mu sync.Mutex
	id int

	// ReadCost is charged on each clock read, ExitCost on each VM exit.
	ReadCost uint64
	ExitCost uint64

	cycles   uint64
	counters map[uint32]uint64

	vmcs     map[uint64]uint64
	msrs     map[uint32]uint64
	readOnly map[uint32]bool
	cpuid    map[cpuidKey][4]uint32
	xcr0     uint64
	cr0      uint64
	cr3      uint64
	cr4      uint64

	vmxon     uint64
	current   uint64
	launched  bool
	launchErr error

	handler   hv.ExitHandler
	exits     int
	delivered []Event

	invEPT  []Invalidation
	invVPID []Invalidation
	invlpg  []uint64
}

const (
	defaultReadCost = 20
	defaultExitCost = 1200

	// SupportedXCR0 is the extended state the model reports through
	// CPUID leaf 0Dh: x87, SSE, AVX and the three AVX-512 components.
	SupportedXCR0 = hv.XCR0X87 | hv.XCR0SSE | hv.XCR0AVX |
		hv.XCR0Opmask | hv.XCR0ZMMHi256 | hv.XCR0Hi16ZMM

	// PhysicalAddressBits is the width reported by CPUID 80000008h.
	PhysicalAddressBits = 39

	// Control registers of a 64-bit kernel with paging, write protection,
	// global pages, SSE and XSAVE enabled.
	DefaultCR0 = hv.CR0ProtectionEnable | hv.CR0MonitorCoprocessor | hv.CR0ExtensionType |
		hv.CR0NumericError | hv.CR0WriteProtect | hv.CR0AlignmentMask | hv.CR0PagingEnable
	DefaultCR4 = hv.CR4PAE | hv.CR4PGE | hv.CR4OSFXSR | hv.CR4OSXMMEXCPT |
		hv.CR4FSGSBASE | hv.CR4OSXSAVE
)

// NewProcessor returns a VMX-capable processor with firmware-locked
// feature control and no variable MTRRs.
func NewProcessor(id int) *Processor {
	p := &Processor{
		id:       id,
		ReadCost: defaultReadCost,
		ExitCost: defaultExitCost,
		counters: make(map[uint32]uint64),
		vmcs:     make(map[uint64]uint64),
		msrs:     make(map[uint32]uint64),
		readOnly: make(map[uint32]bool),
		cpuid:    make(map[cpuidKey][4]uint32),
		xcr0:     hv.XCR0X87 | hv.XCR0SSE,
		cr0:      DefaultCR0,
		cr4:      DefaultCR4,
	}

	p.cpuid[cpuidKey{0, 0}] = [4]uint32{0x16, 0x756e6547, 0x6c65746e, 0x49656e69}
	p.cpuid[cpuidKey{1, 0}] = [4]uint32{0x000906ea, uint32(id) << 24, hv.CPUIDFeatureVMX | 1<<26 | 1<<27, 0xbfebfbff}
	p.cpuid[cpuidKey{0xd, 0}] = [4]uint32{uint32(SupportedXCR0), 0x340, 0x340, uint32(SupportedXCR0 >> 32)}
	p.cpuid[cpuidKey{0x80000008, 0}] = [4]uint32{0x3000 | PhysicalAddressBits, 0, 0, 0}

	allowAll := uint64(0xffff_ffff) << 32
	for msr, v := range map[uint32]uint64{
		hv.MSRFeatureControl:       hv.FeatureControlLock | hv.FeatureControlVMXOutsideSMX,
		hv.MSRVMXBasic:             0x4 | uint64(hv.PageSize)<<32 | 1<<55,
		hv.MSRVMXPinbasedCtls:      allowAll,
		hv.MSRVMXProcbasedCtls:     allowAll,
		hv.MSRVMXExitCtls:          allowAll,
		hv.MSRVMXEntryCtls:         allowAll,
		hv.MSRVMXTruePinbasedCtls:  allowAll,
		hv.MSRVMXTrueProcbasedCtls: allowAll,
		hv.MSRVMXTrueExitCtls:      allowAll,
		hv.MSRVMXTrueEntryCtls:     allowAll,
		hv.MSRVMXProcbasedCtls2:    allowAll,
		hv.MSRVMXMisc:              0x5,
		hv.MSRVMXCR0Fixed0:         hv.CR0ProtectionEnable | hv.CR0NumericError | hv.CR0PagingEnable,
		hv.MSRVMXCR0Fixed1:         0xffff_ffff,
		hv.MSRVMXCR4Fixed0:         hv.CR4VMXE,
		hv.MSRVMXCR4Fixed1:         0x01ff_7fff,
		hv.MSRVMXEPTVPIDCap:        0x0f01_0611_4141,
		hv.MSRMTRRCapabilities:     0x500,
		hv.MSRFixedCounterCtrl:     0,
		hv.MSRPerfGlobalCtrl:       0,
		hv.MSRTSCAux:               uint64(id),
	} {
		p.msrs[msr] = v
	}
	p.readOnly[hv.MSRFeatureControl] = true
	p.readOnly[hv.MSRVMXBasic] = true
	p.readOnly[hv.MSRMTRRCapabilities] = true

	return p
}

// ID implements hv.Processor.
func (p *Processor) ID() int { return p.id }

// SetExitHandler implements hv.Processor. The handler runs on every
// simulated VM exit after the exit information has been stored in the
// control structure.
func (p *Processor) SetExitHandler(h hv.ExitHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.handler = h
}

// SetControlRegisters sets the system control registers reported by
// ControlRegisters.
func (p *Processor) SetControlRegisters(cr0, cr3, cr4 uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.cr0, p.cr3, p.cr4 = cr0, cr3, cr4
}

// ControlRegisters implements hv.Processor.
func (p *Processor) ControlRegisters() (cr0, cr3, cr4 uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.cr0, p.cr3, p.cr4
}

// SetCPUID overrides one CPUID leaf.
func (p *Processor) SetCPUID(leaf, subleaf uint32, regs [4]uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.cpuid[cpuidKey{leaf, subleaf}] = regs
}

// SetMSR sets an MSR directly, bypassing write protection.
func (p *Processor) SetMSR(msr uint32, value uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.msrs[msr] = value
}

// RemoveMSR makes every later access to msr fault.
func (p *Processor) RemoveMSR(msr uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()

	delete(p.msrs, msr)
}

// SetMTRR programs variable range i and raises the range count if needed.
func (p *Processor) SetMTRR(i int, base, mask uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.msrs[hv.MSRMTRRPhysBase0+uint32(2*i)] = base
	p.msrs[hv.MSRMTRRPhysMask0+uint32(2*i)] = mask
	if caps := p.msrs[hv.MSRMTRRCapabilities]; int(caps&0xff) <= i {
		p.msrs[hv.MSRMTRRCapabilities] = caps&^0xff | uint64(i+1)
	}
}

// SetLaunchError makes the next VMLaunch fail with err.
func (p *Processor) SetLaunchError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.launchErr = err
}

// CPUID implements hv.Processor.
func (p *Processor) CPUID(leaf, subleaf uint32) [4]uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()

	if regs, ok := p.cpuid[cpuidKey{leaf, subleaf}]; ok {
		return regs
	}
	return p.cpuid[cpuidKey{leaf, 0}]
}

func isCounter(msr uint32) bool {
	switch msr {
	case hv.MSRMPERF, hv.MSRAPERF, hv.MSRFixedCounter2, hv.MSRTimeStampCounter:
		return true
	}
	return false
}

func (p *Processor) tickLocked() uint64 {
	now := p.cycles
	p.cycles += p.ReadCost
	return now
}

// ReadMSR implements hv.Processor.
func (p *Processor) ReadMSR(msr uint32) (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if isCounter(msr) {
		return p.tickLocked() + p.counters[msr], nil
	}
	v, ok := p.msrs[msr]
	if !ok {
		return 0, &hv.Fault{Vector: hv.VectorGeneralProtection}
	}
	return v, nil
}

// WriteMSR implements hv.Processor.
func (p *Processor) WriteMSR(msr uint32, value uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if isCounter(msr) {
		p.counters[msr] = value - p.cycles
		return nil
	}
	if _, ok := p.msrs[msr]; !ok || p.readOnly[msr] {
		return &hv.Fault{Vector: hv.VectorGeneralProtection}
	}
	p.msrs[msr] = value
	return nil
}

// MSR returns the raw value of msr and whether it exists.
func (p *Processor) MSR(msr uint32) (uint64, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if isCounter(msr) {
		return p.cycles + p.counters[msr], true
	}
	v, ok := p.msrs[msr]
	return v, ok
}

// XSETBV implements hv.Processor.
func (p *Processor) XSETBV(index uint32, value uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if index != 0 || value&^SupportedXCR0 != 0 || value&hv.XCR0X87 == 0 {
		return &hv.Fault{Vector: hv.VectorGeneralProtection}
	}
	p.xcr0 = value
	return nil
}

// XCR0 returns the committed extended control register.
func (p *Processor) XCR0() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.xcr0
}

// ReadTSC implements hv.Processor.
func (p *Processor) ReadTSC() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.tickLocked() + p.counters[hv.MSRTimeStampCounter]
}

// ReadTSCP implements hv.Processor.
func (p *Processor) ReadTSCP() (uint64, uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.tickLocked() + p.counters[hv.MSRTimeStampCounter], uint32(p.msrs[hv.MSRTSCAux])
}

// GuestTSC is the time-stamp counter as the guest reads it, with the
// control structure's TSC offset applied.
func (p *Processor) GuestTSC() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.tickLocked() + p.counters[hv.MSRTimeStampCounter] + p.vmcs[vmx.FieldTSCOffset]
}

// InvalidatePage implements hv.Processor.
func (p *Processor) InvalidatePage(linear uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.invlpg = append(p.invlpg, linear)
}

// VMRead implements hv.Processor.
func (p *Processor) VMRead(field uint64) uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.vmcs[field]
}

// VMWrite implements hv.Processor.
func (p *Processor) VMWrite(field uint64, value uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.vmcs[field] = value
}

// InvEPT implements hv.Processor.
func (p *Processor) InvEPT(kind uint64, eptp uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.invEPT = append(p.invEPT, Invalidation{Kind: kind, Pointer: eptp})
}

// InvVPID implements hv.Processor.
func (p *Processor) InvVPID(kind uint64, vpid uint16, linear uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.invVPID = append(p.invVPID, Invalidation{Kind: kind, Pointer: linear, VPID: vpid})
}

// EPTInvalidations returns every INVEPT issued so far.
func (p *Processor) EPTInvalidations() []Invalidation {
	p.mu.Lock()
	defer p.mu.Unlock()

	return append([]Invalidation(nil), p.invEPT...)
}

// VPIDInvalidations returns every INVVPID issued so far.
func (p *Processor) VPIDInvalidations() []Invalidation {
	p.mu.Lock()
	defer p.mu.Unlock()

	return append([]Invalidation(nil), p.invVPID...)
}

// VMXOn implements hv.Processor.
func (p *Processor) VMXOn(region uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cpuid[cpuidKey{1, 0}][2]&hv.CPUIDFeatureVMX == 0 {
		return &hv.Fault{Vector: hv.VectorInvalidOpcode}
	}
	if p.vmxon != 0 || hv.PageOffset(region) != 0 {
		return fmt.Errorf("sim: vmxon 0x%x: %w", region, hv.ErrHardwareFault)
	}
	p.vmxon = region
	return nil
}

// VMXOff implements hv.Processor.
func (p *Processor) VMXOff() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.vmxon = 0
	p.current = 0
	p.launched = false
	p.handler = nil
}

// VMClear implements hv.Processor.
func (p *Processor) VMClear(region uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.vmxon == 0 {
		return &hv.Fault{Vector: hv.VectorInvalidOpcode}
	}
	if p.current == region {
		p.current = 0
	}
	p.launched = false
	clear(p.vmcs)
	return nil
}

// VMPtrld implements hv.Processor.
func (p *Processor) VMPtrld(region uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.vmxon == 0 {
		return &hv.Fault{Vector: hv.VectorInvalidOpcode}
	}
	p.current = region
	return nil
}

// VMLaunch implements hv.Processor.
func (p *Processor) VMLaunch() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.current == 0 {
		return fmt.Errorf("sim: vmlaunch without a current vmcs: %w", hv.ErrHardwareFault)
	}
	if err := p.launchErr; err != nil {
		p.launchErr = nil
		p.vmcs[vmx.FieldInstructionError] = 7
		return err
	}
	p.launched = true
	return nil
}

// Launched reports whether the processor is running its guest.
func (p *Processor) Launched() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.launched
}

// Exit simulates a VM exit with the given reason and qualification,
// runs the installed handler, then performs the VM entry: any event the
// handler queued is delivered and recorded. It returns false when the
// processor is not running a guest.
func (p *Processor) Exit(reason vmx.ExitReason, qualification, instructionLen uint64, regs *hv.GuestRegisters) bool {
	p.mu.Lock()
	h := p.handler
	if !p.launched || h == nil {
		p.mu.Unlock()
		return false
	}
	p.cycles += p.ExitCost
	p.exits++
	p.vmcs[vmx.FieldExitReason] = uint64(reason)
	p.vmcs[vmx.FieldExitQualification] = qualification
	p.vmcs[vmx.FieldExitInstructionLen] = instructionLen
	p.vmcs[vmx.FieldEntryInterruptInfo] = 0
	p.mu.Unlock()

	h(regs)

	p.mu.Lock()
	defer p.mu.Unlock()

	info := p.vmcs[vmx.FieldEntryInterruptInfo]
	if vector, kind, code, ok := vmx.PendingInterrupt(info); ok {
		ev := Event{Vector: vector, Kind: kind}
		if code {
			ev.Code = uint32(p.vmcs[vmx.FieldEntryExceptionCode])
		}
		p.delivered = append(p.delivered, ev)
		p.vmcs[vmx.FieldEntryInterruptInfo] = 0
	}
	return true
}

// Hypercall implements hv.Processor. When no guest is running the VMCALL
// raises #UD in the caller and rax is returned unchanged.
func (p *Processor) Hypercall(rax uint64, args [6]uint64) uint64 {
	regs := &hv.GuestRegisters{
		Rax: rax,
		Rcx: args[0],
		Rdx: args[1],
		R8:  args[2],
		R9:  args[3],
		R10: args[4],
		R11: args[5],
	}
	if !p.Exit(vmx.ExitVMCALL, 0, 3, regs) {
		p.mu.Lock()
		p.delivered = append(p.delivered, Event{Vector: hv.VectorInvalidOpcode, Kind: vmx.InterruptHardwareException})
		p.mu.Unlock()
	}
	return regs.Rax
}

// Delivered returns and clears the events delivered to the guest.
func (p *Processor) Delivered() []Event {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := p.delivered
	p.delivered = nil
	return out
}

// Exits returns the number of VM exits taken.
func (p *Processor) Exits() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.exits
}

var _ hv.Processor = &Processor{}
