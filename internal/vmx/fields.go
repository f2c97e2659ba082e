// Package vmx holds the VMX control-structure layout: field encodings,
// exit reasons, control bits and pack/unpack helpers for the few
// composite fields the exit handlers decode.
package vmx

// VMCS field encodings.
const (
	// 16-bit control.
	FieldVPID uint64 = 0x0000

	// 64-bit control.
	FieldMSRBitmap       uint64 = 0x2004
	FieldExitMSRStore    uint64 = 0x2006
	FieldEntryMSRLoad    uint64 = 0x200a
	FieldTSCOffset       uint64 = 0x2010
	FieldEPTPointer      uint64 = 0x201a
	FieldGuestPhysical   uint64 = 0x2400
	FieldLinkPointer     uint64 = 0x2800
	FieldGuestPerfGlobal uint64 = 0x2808

	// 32-bit control.
	FieldPinBasedControls    uint64 = 0x4000
	FieldProcBasedControls   uint64 = 0x4002
	FieldExceptionBitmap     uint64 = 0x4004
	FieldCR3TargetCount      uint64 = 0x400a
	FieldExitControls        uint64 = 0x400c
	FieldExitMSRStoreCount   uint64 = 0x400e
	FieldEntryControls       uint64 = 0x4012
	FieldEntryMSRLoadCount   uint64 = 0x4014
	FieldEntryInterruptInfo  uint64 = 0x4016
	FieldEntryExceptionCode  uint64 = 0x4018
	FieldEntryInstructionLen uint64 = 0x401a
	FieldProcBasedControls2  uint64 = 0x401e

	// 32-bit read-only.
	FieldInstructionError   uint64 = 0x4400
	FieldExitReason         uint64 = 0x4402
	FieldExitInterruptInfo  uint64 = 0x4404
	FieldExitInstructionLen uint64 = 0x440c

	// 32-bit guest state.
	FieldGuestSSAccessRights   uint64 = 0x4818
	FieldGuestInterruptibility uint64 = 0x4824
	FieldGuestActivityState    uint64 = 0x4826
	FieldGuestPreemptionTimer  uint64 = 0x482e

	// Natural-width control.
	FieldCR0GuestHostMask uint64 = 0x6000
	FieldCR4GuestHostMask uint64 = 0x6002
	FieldCR0ReadShadow    uint64 = 0x6004
	FieldCR4ReadShadow    uint64 = 0x6006
	FieldCR3Target0       uint64 = 0x6008

	// Natural-width read-only.
	FieldExitQualification uint64 = 0x6400
	FieldGuestLinear       uint64 = 0x640a

	// Natural-width guest state.
	FieldGuestCR0          uint64 = 0x6800
	FieldGuestCR3          uint64 = 0x6802
	FieldGuestCR4          uint64 = 0x6804
	FieldGuestRSP          uint64 = 0x681c
	FieldGuestRIP          uint64 = 0x681e
	FieldGuestRflags       uint64 = 0x6820
	FieldGuestPendingDebug uint64 = 0x6822

	// Natural-width host state.
	FieldHostCR0 uint64 = 0x6c00
	FieldHostCR3 uint64 = 0x6c02
	FieldHostCR4 uint64 = 0x6c04
	FieldHostRSP uint64 = 0x6c14
	FieldHostRIP uint64 = 0x6c16
)

// Pin-based execution controls.
const (
	PinNMIExiting      uint64 = 1 << 3
	PinVirtualNMIs     uint64 = 1 << 5
	PinPreemptionTimer uint64 = 1 << 6
)

// Primary processor-based execution controls.
const (
	ProcTSCOffsetting     uint64 = 1 << 3
	ProcRDTSCExiting      uint64 = 1 << 12
	ProcCR3LoadExiting    uint64 = 1 << 15
	ProcNMIWindowExiting  uint64 = 1 << 22
	ProcUseMSRBitmaps     uint64 = 1 << 28
	ProcActivateSecondary uint64 = 1 << 31
)

// Secondary processor-based execution controls.
const (
	Proc2EnableEPT         uint64 = 1 << 1
	Proc2EnableRDTSCP      uint64 = 1 << 3
	Proc2EnableVPID        uint64 = 1 << 5
	Proc2UnrestrictedGuest uint64 = 1 << 7
	Proc2EnableINVPCID     uint64 = 1 << 12
	Proc2EnableXSAVES      uint64 = 1 << 20
)

// VM-exit controls.
const (
	ExitHostAddressSpaceSize uint64 = 1 << 9
	ExitLoadPerfGlobalCtrl   uint64 = 1 << 12
	ExitSavePreemptionTimer  uint64 = 1 << 22
)

// VM-entry controls.
const (
	EntryIA32eModeGuest     uint64 = 1 << 9
	EntryLoadPerfGlobalCtrl uint64 = 1 << 13
)

// Guest interruptibility state.
const (
	BlockingBySTI   uint64 = 1 << 0
	BlockingByMovSS uint64 = 1 << 1
	BlockingBySMI   uint64 = 1 << 2
	BlockingByNMI   uint64 = 1 << 3
)

// Pending debug exception bits.
const (
	PendingDebugBS uint64 = 1 << 14
)

// INVEPT and INVVPID invalidation types.
const (
	InvEPTSingleContext uint64 = 1
	InvEPTAllContexts   uint64 = 2

	InvVPIDIndividualAddress          uint64 = 0
	InvVPIDSingleContext              uint64 = 1
	InvVPIDAllContexts                uint64 = 2
	InvVPIDSingleContextRetainGlobals uint64 = 3
)

// GuestVPID is the single VPID the guest partition runs under.
const GuestVPID uint16 = 1

// PreemptionTimerRate extracts the TSC-to-timer shift from IA32_VMX_MISC.
func PreemptionTimerRate(misc uint64) uint { return uint(misc & 0x1f) }

// RevisionID extracts the VMCS revision identifier from IA32_VMX_BASIC.
func RevisionID(basic uint64) uint32 { return uint32(basic & 0x7fff_ffff) }

// AdjustControls applies the allowed-0/allowed-1 settings from a VMX
// capability MSR to a requested control value.
func AdjustControls(requested uint64, capability uint64) uint64 {
	allowed0 := capability & 0xffff_ffff
	allowed1 := capability >> 32
	return (requested | allowed0) & allowed1
}
