package vmexit

import (
	"fmt"

	"github.com/tinyrange/thinhv/internal/hv"
	"github.com/tinyrange/thinhv/internal/vcpu"
	"github.com/tinyrange/thinhv/internal/vmx"
)

func injectGP(p hv.Processor) {
	vmx.InjectExceptionCode(p, hv.VectorGeneralProtection, 0)
}

// complete finishes an emulated instruction whose latency may be hidden.
func complete(v *vcpu.VCPU) {
	v.Timing.Hide = true
	vmx.SkipInstruction(v.Processor())
}

func handleNothing(d *Dispatcher, v *vcpu.VCPU) {}

func handleGeneralProtection(d *Dispatcher, v *vcpu.VCPU) {
	injectGP(v.Processor())
}

func handleVMXInstruction(d *Dispatcher, v *vcpu.VCPU) {
	vmx.InjectException(v.Processor(), hv.VectorInvalidOpcode)
}

func handleVMXON(d *Dispatcher, v *vcpu.VCPU) {
	p := v.Processor()
	if vmx.EffectiveCR4(p)&hv.CR4VMXE == 0 {
		vmx.InjectException(p, hv.VectorInvalidOpcode)
		return
	}
	injectGP(p)
}

func handleVMCALL(d *Dispatcher, v *vcpu.VCPU) {
	d.svc.Handle(v)
}

func handleCPUID(d *Dispatcher, v *vcpu.VCPU) {
	regs := v.Registers()
	out := v.Processor().CPUID(uint32(regs.Rax), uint32(regs.Rcx))

	regs.Rax = uint64(out[0])
	regs.Rbx = uint64(out[1])
	regs.Rcx = uint64(out[2])
	regs.Rdx = uint64(out[3])

	complete(v)
}

func handleRDMSR(d *Dispatcher, v *vcpu.VCPU) {
	p, regs := v.Processor(), v.Registers()
	msr := uint32(regs.Rcx)

	if msr == hv.MSRFeatureControl {
		regs.SetEDXEAX(v.Facts.GuestFeatureControl)
		complete(v)
		return
	}

	value, err := p.ReadMSR(msr)
	if err != nil {
		d.log.Debug("vmexit: rdmsr faulted", "vcpu", p.ID(), "msr", fmt.Sprintf("%#x", msr), "err", err)
		injectGP(p)
		return
	}
	regs.SetEDXEAX(value)
	complete(v)
}

func handleWRMSR(d *Dispatcher, v *vcpu.VCPU) {
	p, regs := v.Processor(), v.Registers()
	msr := uint32(regs.Rcx)

	// The shadow reports the register locked, and a locked
	// IA32_FEATURE_CONTROL rejects writes.
	if msr == hv.MSRFeatureControl {
		injectGP(p)
		return
	}

	if err := p.WriteMSR(msr, regs.EDXEAX()); err != nil {
		d.log.Debug("vmexit: wrmsr faulted", "vcpu", p.ID(), "msr", fmt.Sprintf("%#x", msr), "err", err)
		injectGP(p)
		return
	}
	complete(v)
}

// validXCR0 applies the architectural XSETBV checks.
func validXCR0(value, unsupported uint64) bool {
	has := func(bit uint64) bool { return value&bit != 0 }

	switch {
	case value&unsupported != 0:
		return false
	case !has(hv.XCR0X87):
		return false
	case has(hv.XCR0AVX) && !has(hv.XCR0SSE):
		return false
	case !has(hv.XCR0AVX) && (has(hv.XCR0Opmask) || has(hv.XCR0ZMMHi256) || has(hv.XCR0Hi16ZMM)):
		return false
	case has(hv.XCR0BNDREG) != has(hv.XCR0BNDCSR):
		return false
	case has(hv.XCR0Opmask) != has(hv.XCR0ZMMHi256) || has(hv.XCR0ZMMHi256) != has(hv.XCR0Hi16ZMM):
		return false
	}
	return true
}

func handleXSETBV(d *Dispatcher, v *vcpu.VCPU) {
	p, regs := v.Processor(), v.Registers()

	if vmx.EffectiveCR4(p)&hv.CR4OSXSAVE == 0 {
		vmx.InjectException(p, hv.VectorInvalidOpcode)
		return
	}

	value := regs.EDXEAX()
	if uint32(regs.Rcx) != 0 || !validXCR0(value, v.Facts.XCR0Unsupported) {
		injectGP(p)
		return
	}
	if err := p.XSETBV(0, value); err != nil {
		d.log.Debug("vmexit: xsetbv faulted", "vcpu", p.ID(), "value", fmt.Sprintf("%#x", value), "err", err)
		injectGP(p)
		return
	}
	complete(v)
}

func handleRDTSC(d *Dispatcher, v *vcpu.VCPU) {
	p, regs := v.Processor(), v.Registers()

	regs.SetEDXEAX(p.ReadTSC() + p.VMRead(vmx.FieldTSCOffset))
	vmx.SkipInstruction(p)
}

func handleRDTSCP(d *Dispatcher, v *vcpu.VCPU) {
	p, regs := v.Processor(), v.Registers()

	tsc, aux := p.ReadTSCP()
	regs.SetEDXEAX(tsc + p.VMRead(vmx.FieldTSCOffset))
	regs.Rcx = uint64(aux)
	vmx.SkipInstruction(p)
}

func handleEPTViolation(d *Dispatcher, v *vcpu.VCPU) {
	p := v.Processor()
	q := vmx.DecodeEPTViolation(p.VMRead(vmx.FieldExitQualification))
	gpa := p.VMRead(vmx.FieldGuestPhysical)

	if _, err := d.ept.OnViolation(gpa, q.Access, q.CausedByTranslation); err != nil {
		d.log.Debug("vmexit: unexpected ept violation",
			"vcpu", p.ID(),
			"gpa", fmt.Sprintf("%#x", gpa),
			"access", q.Access,
			"err", err)
		injectGP(p)
	}
}

func handleExceptionOrNMI(d *Dispatcher, v *vcpu.VCPU) {
	v.QueueNMI()
}

// handleNMIWindow delivers one queued NMI and keeps the window armed
// while more are waiting. A window with nothing queued is disarmed.
func handleNMIWindow(d *Dispatcher, v *vcpu.VCPU) {
	p := v.Processor()

	remaining, ok := v.TakeNMI()
	if !ok {
		vmx.SetProcControl(p, vmx.ProcNMIWindowExiting, false)
		return
	}
	vmx.InjectNMI(p)
	vmx.SetProcControl(p, vmx.ProcNMIWindowExiting, remaining > 0)
}
