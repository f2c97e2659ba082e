package vmexit

import (
	"testing"

	"github.com/tinyrange/thinhv/internal/hv"
	"github.com/tinyrange/thinhv/internal/hv/sim"
	"github.com/tinyrange/thinhv/internal/vmx"
)

func movToCR(cr uint8) uint64 {
	return vmx.MovCRQualification{ControlRegister: cr, Access: vmx.CRAccessMovTo, Register: hv.RegisterRax}.Encode()
}

func TestMovToCR0(t *testing.T) {
	tests := []struct {
		name  string
		value uint64
		fault bool
	}{
		{"unchanged", sim.DefaultCR0, false},
		{"cache disable", sim.DefaultCR0 | hv.CR0CacheDisable, false},
		{"clear write protect", sim.DefaultCR0 &^ hv.CR0WriteProtect, false},
		{"reserved high", sim.DefaultCR0 | 1<<40, true},
		{"paging without protection", sim.DefaultCR0 &^ hv.CR0ProtectionEnable, true},
		{"not write-through without cache disable", sim.DefaultCR0 | hv.CR0NotWriteThrough, true},
		{"paging off", sim.DefaultCR0 &^ hv.CR0PagingEnable, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, Config{})
			shadow := f.cpu.VMRead(vmx.FieldCR0ReadShadow)

			ev := f.exit(t, vmx.ExitMovCR, movToCR(0), &hv.GuestRegisters{Rax: tt.value})
			if tt.fault {
				expectFault(t, ev, hv.VectorGeneralProtection)
				if f.cpu.VMRead(vmx.FieldCR0ReadShadow) != shadow {
					t.Fatalf("faulting write changed the shadow")
				}
				return
			}
			expectNone(t, ev)
			if got := vmx.EffectiveCR0(f.cpu); got != tt.value {
				t.Fatalf("effective cr0 = %#x, want %#x", got, tt.value)
			}
			f0 := f.v.Facts.CR0Fixed0
			if got := f.cpu.VMRead(vmx.FieldGuestCR0); got&f0 != f0 {
				t.Fatalf("guest cr0 %#x lost fixed bits %#x", got, f0)
			}
			if f.rip() != guestRIP+instrLength {
				t.Fatalf("rip = %#x", f.rip())
			}
		})
	}
}

func TestMovToCR0ClearsReservedLow(t *testing.T) {
	f := newFixture(t, Config{})

	value := (sim.DefaultCR0 | 1<<6 | 1<<20) &^ hv.CR0ExtensionType
	expectNone(t, f.exit(t, vmx.ExitMovCR, movToCR(0), &hv.GuestRegisters{Rax: value}))
	if got := vmx.EffectiveCR0(f.cpu); got != sim.DefaultCR0 {
		t.Fatalf("effective cr0 = %#x, want %#x", got, sim.DefaultCR0)
	}
}

func TestMovToCR0RespectsCET(t *testing.T) {
	f := newFixture(t, Config{})
	f.cpu.VMWrite(vmx.FieldGuestCR4, f.cpu.VMRead(vmx.FieldGuestCR4)|hv.CR4CET)

	value := sim.DefaultCR0 &^ hv.CR0WriteProtect
	expectFault(t, f.exit(t, vmx.ExitMovCR, movToCR(0), &hv.GuestRegisters{Rax: value}), hv.VectorGeneralProtection)
}

func TestMovToCR3(t *testing.T) {
	f := newFixture(t, Config{})
	flushes := func() int { return len(f.cpu.VPIDInvalidations()) }

	expectNone(t, f.exit(t, vmx.ExitMovCR, movToCR(3), &hv.GuestRegisters{Rax: 0x5000}))
	if got := f.cpu.VMRead(vmx.FieldGuestCR3); got != 0x5000 {
		t.Fatalf("cr3 = %#x", got)
	}
	inv := f.cpu.VPIDInvalidations()
	if len(inv) != 1 || inv[0].Kind != vmx.InvVPIDSingleContextRetainGlobals || inv[0].VPID != vmx.GuestVPID {
		t.Fatalf("invalidations = %+v", inv)
	}

	// Bit 63 is reserved without PCIDE.
	expectFault(t, f.exit(t, vmx.ExitMovCR, movToCR(3), &hv.GuestRegisters{Rax: 0x6000 | hv.CR3PreserveTranslations}), hv.VectorGeneralProtection)
	expectFault(t, f.exit(t, vmx.ExitMovCR, movToCR(3), &hv.GuestRegisters{Rax: 1 << 45}), hv.VectorGeneralProtection)

	f.cpu.VMWrite(vmx.FieldGuestCR4, f.cpu.VMRead(vmx.FieldGuestCR4)|hv.CR4PCIDE)
	expectNone(t, f.exit(t, vmx.ExitMovCR, movToCR(3), &hv.GuestRegisters{Rax: 0x6001 | hv.CR3PreserveTranslations}))
	if got := f.cpu.VMRead(vmx.FieldGuestCR3); got != 0x6001 {
		t.Fatalf("cr3 = %#x, want 0x6001", got)
	}
	if flushes() != 1 {
		t.Fatalf("no-flush write invalidated the vpid")
	}
}

func TestMovFromCR3(t *testing.T) {
	f := newFixture(t, Config{})
	root := f.cpu.VMRead(vmx.FieldGuestCR3)

	q := vmx.MovCRQualification{ControlRegister: 3, Access: vmx.CRAccessMovFrom, Register: hv.RegisterR12}
	regs := &hv.GuestRegisters{}
	expectNone(t, f.exit(t, vmx.ExitMovCR, q.Encode(), regs))
	if regs.R12 != root || root != f.m.SystemRoot() {
		t.Fatalf("r12 = %#x, want %#x", regs.R12, root)
	}

	q.ControlRegister = 8
	expectFault(t, f.exit(t, vmx.ExitMovCR, q.Encode(), regs), hv.VectorGeneralProtection)
	expectFault(t, f.exit(t, vmx.ExitMovCR, movToCR(8), regs), hv.VectorGeneralProtection)
}

func TestMovCRWithRSP(t *testing.T) {
	f := newFixture(t, Config{})
	root := f.cpu.VMRead(vmx.FieldGuestCR3)

	// RSP comes from the VMCS, never from the register snapshot.
	f.cpu.VMWrite(vmx.FieldGuestRSP, 0x7000)
	from := vmx.MovCRQualification{ControlRegister: 3, Access: vmx.CRAccessMovFrom, Register: hv.RegisterRsp}
	regs := &hv.GuestRegisters{Rsp: 0x1234}
	expectNone(t, f.exit(t, vmx.ExitMovCR, from.Encode(), regs))
	if got := f.cpu.VMRead(vmx.FieldGuestRSP); got != root {
		t.Fatalf("guest rsp = %#x, want cr3 %#x", got, root)
	}
	if regs.Rsp != 0x1234 {
		t.Fatalf("snapshot rsp changed to %#x", regs.Rsp)
	}

	f.cpu.VMWrite(vmx.FieldGuestRSP, 0x5000)
	to := vmx.MovCRQualification{ControlRegister: 3, Access: vmx.CRAccessMovTo, Register: hv.RegisterRsp}
	expectNone(t, f.exit(t, vmx.ExitMovCR, to.Encode(), &hv.GuestRegisters{Rsp: 0x9000}))
	if got := f.cpu.VMRead(vmx.FieldGuestCR3); got != 0x5000 {
		t.Fatalf("cr3 = %#x, want 0x5000", got)
	}

	f.cpu.VMWrite(vmx.FieldGuestRSP, sim.DefaultCR4|hv.CR4SMEP)
	to.ControlRegister = 4
	expectNone(t, f.exit(t, vmx.ExitMovCR, to.Encode(), &hv.GuestRegisters{}))
	if got := vmx.EffectiveCR4(f.cpu); got != sim.DefaultCR4|hv.CR4SMEP {
		t.Fatalf("effective cr4 = %#x", got)
	}

	f.cpu.VMWrite(vmx.FieldGuestRSP, sim.DefaultCR0|hv.CR0CacheDisable)
	to.ControlRegister = 0
	expectNone(t, f.exit(t, vmx.ExitMovCR, to.Encode(), &hv.GuestRegisters{}))
	if got := vmx.EffectiveCR0(f.cpu); got != sim.DefaultCR0|hv.CR0CacheDisable {
		t.Fatalf("effective cr0 = %#x", got)
	}
}

func TestMovToCR4(t *testing.T) {
	tests := []struct {
		name  string
		value uint64
		fault bool
		flush bool
	}{
		{"unchanged", sim.DefaultCR4, false, false},
		{"toggle pge", sim.DefaultCR4 &^ hv.CR4PGE, false, true},
		{"enable smep", sim.DefaultCR4 | hv.CR4SMEP, false, true},
		{"enable smap", sim.DefaultCR4 | hv.CR4SMAP, false, false},
		{"reserved", sim.DefaultCR4 | 1<<15, true, false},
		{"smxe without smx", sim.DefaultCR4 | hv.CR4SMXE, true, false},
		{"pae off", sim.DefaultCR4 &^ hv.CR4PAE, true, false},
		{"la57", sim.DefaultCR4 | hv.CR4LA57, true, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, Config{})

			ev := f.exit(t, vmx.ExitMovCR, movToCR(4), &hv.GuestRegisters{Rax: tt.value})
			if tt.fault {
				expectFault(t, ev, hv.VectorGeneralProtection)
				return
			}
			expectNone(t, ev)
			if got := vmx.EffectiveCR4(f.cpu); got != tt.value {
				t.Fatalf("effective cr4 = %#x, want %#x", got, tt.value)
			}
			if f.cpu.VMRead(vmx.FieldGuestCR4)&hv.CR4VMXE == 0 {
				t.Fatalf("guest cr4 lost vmxe")
			}
			if flushed := len(f.cpu.VPIDInvalidations()) > 0; flushed != tt.flush {
				t.Fatalf("flushed = %v, want %v", flushed, tt.flush)
			}
		})
	}
}

func TestMovToCR4PCIDE(t *testing.T) {
	f := newFixture(t, Config{})

	f.cpu.VMWrite(vmx.FieldGuestCR3, 0x5000|1)
	expectFault(t, f.exit(t, vmx.ExitMovCR, movToCR(4), &hv.GuestRegisters{Rax: sim.DefaultCR4 | hv.CR4PCIDE}), hv.VectorGeneralProtection)

	f.cpu.VMWrite(vmx.FieldGuestCR3, 0x5000)
	expectNone(t, f.exit(t, vmx.ExitMovCR, movToCR(4), &hv.GuestRegisters{Rax: sim.DefaultCR4 | hv.CR4PCIDE}))

	// Clearing PCIDE flushes.
	expectNone(t, f.exit(t, vmx.ExitMovCR, movToCR(4), &hv.GuestRegisters{Rax: sim.DefaultCR4}))
	inv := f.cpu.VPIDInvalidations()
	if len(inv) != 1 || inv[0].Kind != vmx.InvVPIDSingleContext {
		t.Fatalf("invalidations = %+v", inv)
	}
}

func TestCLTSAndLMSW(t *testing.T) {
	f := newFixture(t, Config{})
	for _, field := range []uint64{vmx.FieldCR0ReadShadow, vmx.FieldGuestCR0} {
		f.cpu.VMWrite(field, f.cpu.VMRead(field)|hv.CR0TaskSwitched)
	}

	clts := vmx.MovCRQualification{Access: vmx.CRAccessCLTS}
	expectNone(t, f.exit(t, vmx.ExitMovCR, clts.Encode(), nil))
	if vmx.EffectiveCR0(f.cpu)&hv.CR0TaskSwitched != 0 || f.cpu.VMRead(vmx.FieldGuestCR0)&hv.CR0TaskSwitched != 0 {
		t.Fatalf("clts left TS set")
	}

	// LMSW cannot clear PE.
	lmsw := vmx.MovCRQualification{Access: vmx.CRAccessLMSW, LMSWSource: uint16(hv.CR0TaskSwitched | hv.CR0EmulateFPU)}
	expectNone(t, f.exit(t, vmx.ExitMovCR, lmsw.Encode(), nil))
	cr0 := vmx.EffectiveCR0(f.cpu)
	if cr0&hv.CR0ProtectionEnable == 0 {
		t.Fatalf("lmsw cleared PE")
	}
	if cr0&(hv.CR0TaskSwitched|hv.CR0EmulateFPU) != hv.CR0TaskSwitched|hv.CR0EmulateFPU || cr0&hv.CR0MonitorCoprocessor != 0 {
		t.Fatalf("cr0 after lmsw = %#x", cr0)
	}
	if cr0&hv.CR0PagingEnable == 0 {
		t.Fatalf("lmsw touched bits it cannot load")
	}
	if f.rip() != guestRIP+2*instrLength {
		t.Fatalf("rip = %#x", f.rip())
	}
}
