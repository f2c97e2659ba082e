package vmexit

import (
	"github.com/tinyrange/thinhv/internal/hv"
	"github.com/tinyrange/thinhv/internal/vcpu"
	"github.com/tinyrange/thinhv/internal/vmx"
)

// CR0 bits LMSW can load.
const lmswMask = hv.CR0ProtectionEnable | hv.CR0MonitorCoprocessor | hv.CR0EmulateFPU | hv.CR0TaskSwitched

// readGPR returns general-purpose register reg of the exiting guest.
// RSP is not part of the register snapshot and lives in the VMCS.
func readGPR(v *vcpu.VCPU, reg hv.Register) uint64 {
	if reg == hv.RegisterRsp {
		return v.Processor().VMRead(vmx.FieldGuestRSP)
	}
	return v.Registers().Get(reg)
}

func writeGPR(v *vcpu.VCPU, reg hv.Register, value uint64) {
	if reg == hv.RegisterRsp {
		v.Processor().VMWrite(vmx.FieldGuestRSP, value)
		return
	}
	v.Registers().Set(reg, value)
}

func handleMovCR(d *Dispatcher, v *vcpu.VCPU) {
	p := v.Processor()
	q := vmx.DecodeMovCR(p.VMRead(vmx.FieldExitQualification))

	switch q.Access {
	case vmx.CRAccessMovTo:
		switch q.ControlRegister {
		case 0:
			movToCR0(v, q.Register)
		case 3:
			movToCR3(v, q.Register)
		case 4:
			movToCR4(v, q.Register)
		default:
			d.log.Debug("vmexit: unexpected mov to cr", "vcpu", p.ID(), "cr", q.ControlRegister)
			injectGP(p)
		}
	case vmx.CRAccessMovFrom:
		if q.ControlRegister != 3 {
			d.log.Debug("vmexit: unexpected mov from cr", "vcpu", p.ID(), "cr", q.ControlRegister)
			injectGP(p)
			return
		}
		writeGPR(v, q.Register, p.VMRead(vmx.FieldGuestCR3))
		complete(v)
	case vmx.CRAccessCLTS:
		clts(v)
	case vmx.CRAccessLMSW:
		lmsw(v, uint64(q.LMSWSource))
	}
}

// writeCR0 stores the value the guest wrote in the read shadow and the
// value with the fixed bits forced in the real register.
func writeCR0(v *vcpu.VCPU, cr0 uint64) {
	p, f := v.Processor(), &v.Facts
	p.VMWrite(vmx.FieldCR0ReadShadow, cr0)
	p.VMWrite(vmx.FieldGuestCR0, (cr0|f.CR0Fixed0)&f.CR0Fixed1)
}

func movToCR0(v *vcpu.VCPU, reg hv.Register) {
	p := v.Processor()
	cr0 := readGPR(v, reg)
	cr4 := vmx.EffectiveCR4(p)

	cr0 &^= hv.CR0ReservedLow
	cr0 |= hv.CR0ExtensionType

	switch {
	case cr0&hv.CR0ReservedHigh != 0,
		cr0&hv.CR0PagingEnable != 0 && cr0&hv.CR0ProtectionEnable == 0,
		cr0&hv.CR0CacheDisable == 0 && cr0&hv.CR0NotWriteThrough != 0,
		// The guest already runs in long mode and cannot leave it.
		cr0&hv.CR0PagingEnable == 0,
		cr0&hv.CR0WriteProtect == 0 && cr4&hv.CR4CET != 0:
		injectGP(p)
		return
	}

	writeCR0(v, cr0)
	complete(v)
}

func movToCR3(v *vcpu.VCPU, reg hv.Register) {
	p := v.Processor()
	cr3 := readGPR(v, reg)
	cr4 := vmx.EffectiveCR4(p)

	flush := true
	if cr4&hv.CR4PCIDE != 0 && cr3&hv.CR3PreserveTranslations != 0 {
		flush = false
		cr3 &^= hv.CR3PreserveTranslations
	}
	if cr3&^v.Facts.PhysicalAddressMask() != 0 {
		injectGP(p)
		return
	}

	if flush {
		p.InvVPID(vmx.InvVPIDSingleContextRetainGlobals, vmx.GuestVPID, 0)
	}
	p.VMWrite(vmx.FieldGuestCR3, cr3)
	complete(v)
}

func movToCR4(v *vcpu.VCPU, reg hv.Register) {
	p, f := v.Processor(), &v.Facts
	cr4 := readGPR(v, reg)
	cr3 := p.VMRead(vmx.FieldGuestCR3)
	curCR0 := vmx.EffectiveCR0(p)
	curCR4 := vmx.EffectiveCR4(p)

	set := func(bit uint64) bool { return cr4&bit != 0 }
	was := func(bit uint64) bool { return curCR4&bit != 0 }

	switch {
	case set(hv.CR4SMXE) && !f.SMX,
		cr4&hv.CR4Reserved != 0,
		set(hv.CR4PCIDE) && !was(hv.CR4PCIDE) && cr3&hv.CR3PCIDMask != 0,
		!set(hv.CR4PAE),
		set(hv.CR4LA57),
		set(hv.CR4CET) && curCR0&hv.CR0WriteProtect == 0:
		injectGP(p)
		return
	}

	if set(hv.CR4PGE) != was(hv.CR4PGE) ||
		!set(hv.CR4PCIDE) && was(hv.CR4PCIDE) ||
		set(hv.CR4SMEP) && !was(hv.CR4SMEP) {
		p.InvVPID(vmx.InvVPIDSingleContext, vmx.GuestVPID, 0)
	}

	p.VMWrite(vmx.FieldCR4ReadShadow, cr4)
	p.VMWrite(vmx.FieldGuestCR4, (cr4|f.CR4Fixed0)&f.CR4Fixed1)
	complete(v)
}

func clts(v *vcpu.VCPU) {
	p := v.Processor()
	p.VMWrite(vmx.FieldCR0ReadShadow, p.VMRead(vmx.FieldCR0ReadShadow)&^hv.CR0TaskSwitched)
	p.VMWrite(vmx.FieldGuestCR0, p.VMRead(vmx.FieldGuestCR0)&^hv.CR0TaskSwitched)
	complete(v)
}

// lmsw loads PE, MP, EM and TS. PE can be set but not cleared.
func lmsw(v *vcpu.VCPU, source uint64) {
	p := v.Processor()
	for _, field := range []uint64{vmx.FieldCR0ReadShadow, vmx.FieldGuestCR0} {
		old := p.VMRead(field)
		value := old&^lmswMask | source&lmswMask | old&hv.CR0ProtectionEnable
		p.VMWrite(field, value)
	}
	complete(v)
}
