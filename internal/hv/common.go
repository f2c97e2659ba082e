package hv

import (
	"errors"
	"fmt"
)

var (
	ErrHypervisorUnsupported = errors.New("hypervisor unsupported on this platform")
	ErrHardwareFault         = errors.New("hardware fault")
)

// Fault is a hardware exception raised while the host touched
// guest-controlled state (an MSR, XCR0 or a mapped page).
type Fault struct {
	Vector Vector
	Code   uint32
}

func (f *Fault) Error() string {
	return fmt.Sprintf("hardware fault %s (error code 0x%x)", f.Vector, f.Code)
}

func (f *Fault) Is(target error) bool { return target == ErrHardwareFault }

// Register is the general-purpose register numbering used by VM-exit
// qualifications.
type Register uint8

const (
	RegisterRax Register = iota
	RegisterRcx
	RegisterRdx
	RegisterRbx
	RegisterRsp
	RegisterRbp
	RegisterRsi
	RegisterRdi
	RegisterR8
	RegisterR9
	RegisterR10
	RegisterR11
	RegisterR12
	RegisterR13
	RegisterR14
	RegisterR15
)

var registerNames = [...]string{
	"rax", "rcx", "rdx", "rbx", "rsp", "rbp", "rsi", "rdi",
	"r8", "r9", "r10", "r11", "r12", "r13", "r14", "r15",
}

func (r Register) String() string {
	if int(r) < len(registerNames) {
		return registerNames[r]
	}
	return fmt.Sprintf("Register(%d)", uint8(r))
}

// GuestRegisters is the snapshot the trap entry path saves before the
// dispatcher runs and restores on resume. RSP lives in the control
// structure, the slot here is unused.
type GuestRegisters struct {
	Rax uint64
	Rcx uint64
	Rdx uint64
	Rbx uint64
	Rsp uint64
	Rbp uint64
	Rsi uint64
	Rdi uint64
	R8  uint64
	R9  uint64
	R10 uint64
	R11 uint64
	R12 uint64
	R13 uint64
	R14 uint64
	R15 uint64
}

func (g *GuestRegisters) slot(r Register) *uint64 {
	switch r {
	case RegisterRax:
		return &g.Rax
	case RegisterRcx:
		return &g.Rcx
	case RegisterRdx:
		return &g.Rdx
	case RegisterRbx:
		return &g.Rbx
	case RegisterRsp:
		return &g.Rsp
	case RegisterRbp:
		return &g.Rbp
	case RegisterRsi:
		return &g.Rsi
	case RegisterRdi:
		return &g.Rdi
	case RegisterR8:
		return &g.R8
	case RegisterR9:
		return &g.R9
	case RegisterR10:
		return &g.R10
	case RegisterR11:
		return &g.R11
	case RegisterR12:
		return &g.R12
	case RegisterR13:
		return &g.R13
	case RegisterR14:
		return &g.R14
	case RegisterR15:
		return &g.R15
	default:
		return nil
	}
}

// Get returns the value of r. Unknown registers read as zero.
func (g *GuestRegisters) Get(r Register) uint64 {
	if p := g.slot(r); p != nil {
		return *p
	}
	return 0
}

// Set writes v to r. Unknown registers are ignored.
func (g *GuestRegisters) Set(r Register, v uint64) {
	if p := g.slot(r); p != nil {
		*p = v
	}
}

// SetEDXEAX splits v across rdx:rax the way RDMSR and RDTSC return it.
func (g *GuestRegisters) SetEDXEAX(v uint64) {
	g.Rax = v & 0xffffffff
	g.Rdx = v >> 32
}

// EDXEAX joins the low halves of rdx:rax the way WRMSR and XSETBV read them.
func (g *GuestRegisters) EDXEAX() uint64 {
	return (g.Rdx << 32) | (g.Rax & 0xffffffff)
}

// ExitHandler runs in VMX root operation for one VM exit. regs is the
// guest register snapshot and is only valid until the handler returns.
type ExitHandler func(regs *GuestRegisters)

// Processor is one logical processor as seen from VMX root operation.
// Every privileged instruction the core needs goes through it. Methods
// returning an error report a hardware fault as a *Fault.
type Processor interface {
	// ID is the core identity (initial APIC ID) used to index per-core
	// resources such as mapping slots.
	ID() int

	CPUID(leaf, subleaf uint32) [4]uint32
	ReadMSR(msr uint32) (uint64, error)
	WriteMSR(msr uint32, value uint64) error
	XSETBV(index uint32, value uint64) error
	ReadTSC() uint64
	ReadTSCP() (uint64, uint32)
	InvalidatePage(linear uint64)

	VMRead(field uint64) uint64
	VMWrite(field uint64, value uint64)
	InvEPT(kind uint64, eptp uint64)
	InvVPID(kind uint64, vpid uint16, linear uint64)

	VMXOn(region uint64) error
	VMXOff()
	VMClear(region uint64) error
	VMPtrld(region uint64) error
	VMLaunch() error

	// ControlRegisters returns the running system's CR0, CR3 and CR4,
	// which become the guest's at launch.
	ControlRegisters() (cr0, cr3, cr4 uint64)
	// SetExitHandler installs the host entry point run on every VM exit.
	// A nil handler detaches it.
	SetExitHandler(h ExitHandler)

	// Hypercall executes VMCALL from guest context with rax and the six
	// argument registers and returns the resulting rax.
	Hypercall(rax uint64, args [6]uint64) uint64
}

// Backend supplies the collaborators the core consumes: processors,
// physical memory, page allocation and a few system facts.
type Backend interface {
	ProcessorCount() int
	Processor(index int) Processor

	Memory() PhysicalMemory
	Allocator() PageAllocator
	Pinner() Pinner

	// ImageBase is the load address reported by the image-base hypercall.
	ImageBase() uint64
	// SystemRoot is the physical page-table root of the system process.
	SystemRoot() uint64
}
