package vmx

import "github.com/tinyrange/thinhv/internal/hv"

// VMCS is read/write access to the current control structure.
type VMCS interface {
	VMRead(field uint64) uint64
	VMWrite(field uint64, value uint64)
}

// Interruption types for the VM-entry interruption-information field.
const (
	InterruptExternal          uint64 = 0
	InterruptNMI               uint64 = 2
	InterruptHardwareException uint64 = 3
	InterruptSoftware          uint64 = 4
	InterruptSoftwareException uint64 = 6
)

const (
	interruptDeliverCode = 1 << 11
	interruptValid       = 1 << 31
)

// InterruptInfo packs a VM-entry interruption-information value.
func InterruptInfo(vector hv.Vector, kind uint64, deliverCode bool) uint64 {
	v := uint64(vector) | (kind&0x7)<<8 | interruptValid
	if deliverCode {
		v |= interruptDeliverCode
	}
	return v
}

// PendingInterrupt decodes a VM-entry interruption-information value. ok
// is false when nothing is pending.
func PendingInterrupt(info uint64) (vector hv.Vector, kind uint64, deliverCode bool, ok bool) {
	if info&interruptValid == 0 {
		return 0, 0, false, false
	}
	return hv.Vector(info & 0xff), (info >> 8) & 0x7, info&interruptDeliverCode != 0, true
}

// InjectException queues a hardware exception without an error code
// for the next VM entry.
func InjectException(v VMCS, vector hv.Vector) {
	v.VMWrite(FieldEntryInterruptInfo, InterruptInfo(vector, InterruptHardwareException, false))
}

// InjectExceptionCode queues a hardware exception carrying an error code.
func InjectExceptionCode(v VMCS, vector hv.Vector, code uint32) {
	v.VMWrite(FieldEntryInterruptInfo, InterruptInfo(vector, InterruptHardwareException, true))
	v.VMWrite(FieldEntryExceptionCode, uint64(code))
}

// InjectNMI queues a non-maskable interrupt.
func InjectNMI(v VMCS) {
	v.VMWrite(FieldEntryInterruptInfo, InterruptInfo(hv.VectorNMI, InterruptNMI, false))
}

// SkipInstruction advances the guest past the exiting instruction and
// drops the interrupt shadow it may have been under. A single-step trap
// flag is carried into a pending debug exception.
func SkipInstruction(v VMCS) {
	rip := v.VMRead(FieldGuestRIP)
	v.VMWrite(FieldGuestRIP, rip+v.VMRead(FieldExitInstructionLen))

	state := v.VMRead(FieldGuestInterruptibility)
	if state&(BlockingBySTI|BlockingByMovSS) != 0 {
		v.VMWrite(FieldGuestInterruptibility, state&^(BlockingBySTI|BlockingByMovSS))
	}

	if v.VMRead(FieldGuestRflags)&hv.RflagsTrap != 0 {
		v.VMWrite(FieldGuestPendingDebug, v.VMRead(FieldGuestPendingDebug)|PendingDebugBS)
	}
}

// EffectiveCR0 is the CR0 value the guest observes: host-owned bits come
// from the read shadow, the rest from the real register.
func EffectiveCR0(v VMCS) uint64 {
	mask := v.VMRead(FieldCR0GuestHostMask)
	return (v.VMRead(FieldGuestCR0) &^ mask) | (v.VMRead(FieldCR0ReadShadow) & mask)
}

// EffectiveCR4 is the CR4 value the guest observes.
func EffectiveCR4(v VMCS) uint64 {
	mask := v.VMRead(FieldCR4GuestHostMask)
	return (v.VMRead(FieldGuestCR4) &^ mask) | (v.VMRead(FieldCR4ReadShadow) & mask)
}

// GuestCPL is the DPL of the guest stack segment.
func GuestCPL(v VMCS) uint8 {
	return uint8((v.VMRead(FieldGuestSSAccessRights) >> 5) & 0x3)
}

// SetProcControl sets or clears bits in the primary processor-based
// controls.
func SetProcControl(v VMCS, bits uint64, enable bool) {
	ctrl := v.VMRead(FieldProcBasedControls)
	if enable {
		ctrl |= bits
	} else {
		ctrl &^= bits
	}
	v.VMWrite(FieldProcBasedControls, ctrl)
}
