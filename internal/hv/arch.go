package hv

import "fmt"

// Vector is an x86 exception vector.
type Vector uint8

const (
	VectorDivideError       Vector = 0
	VectorDebug             Vector = 1
	VectorNMI               Vector = 2
	VectorBreakpoint        Vector = 3
	VectorInvalidOpcode     Vector = 6
	VectorGeneralProtection Vector = 13
	VectorPageFault         Vector = 14
	VectorMachineCheck      Vector = 18
	VectorVirtualization    Vector = 20
	VectorControlProtection Vector = 21
	VectorSecurityException Vector = 30
)

func (v Vector) String() string {
	switch v {
	case VectorDivideError:
		return "#DE"
	case VectorDebug:
		return "#DB"
	case VectorNMI:
		return "NMI"
	case VectorBreakpoint:
		return "#BP"
	case VectorInvalidOpcode:
		return "#UD"
	case VectorGeneralProtection:
		return "#GP"
	case VectorPageFault:
		return "#PF"
	case VectorMachineCheck:
		return "#MC"
	case VectorVirtualization:
		return "#VE"
	case VectorControlProtection:
		return "#CP"
	case VectorSecurityException:
		return "#SX"
	default:
		return fmt.Sprintf("vector %d", uint8(v))
	}
}

// CR0 bits.
const (
	CR0ProtectionEnable   uint64 = 1 << 0
	CR0MonitorCoprocessor uint64 = 1 << 1
	CR0EmulateFPU         uint64 = 1 << 2
	CR0TaskSwitched       uint64 = 1 << 3
	CR0ExtensionType      uint64 = 1 << 4
	CR0NumericError       uint64 = 1 << 5
	CR0WriteProtect       uint64 = 1 << 16
	CR0AlignmentMask      uint64 = 1 << 18
	CR0NotWriteThrough    uint64 = 1 << 29
	CR0CacheDisable       uint64 = 1 << 30
	CR0PagingEnable       uint64 = 1 << 31

	// Bits 6-15, 17 and 19-28 are silently cleared by MOV to CR0.
	// Setting any of bits 32-63 faults.
	CR0ReservedLow  uint64 = 0x1ffa_ffc0
	CR0ReservedHigh uint64 = 0xffff_ffff_0000_0000
)

// CR3 bits.
const (
	CR3PCIDMask             uint64 = 0xfff
	CR3PreserveTranslations uint64 = 1 << 63
)

// CR4 bits.
const (
	CR4VME        uint64 = 1 << 0
	CR4PVI        uint64 = 1 << 1
	CR4TSD        uint64 = 1 << 2
	CR4DE         uint64 = 1 << 3
	CR4PSE        uint64 = 1 << 4
	CR4PAE        uint64 = 1 << 5
	CR4MCE        uint64 = 1 << 6
	CR4PGE        uint64 = 1 << 7
	CR4PCE        uint64 = 1 << 8
	CR4OSFXSR     uint64 = 1 << 9
	CR4OSXMMEXCPT uint64 = 1 << 10
	CR4UMIP       uint64 = 1 << 11
	CR4LA57       uint64 = 1 << 12
	CR4VMXE       uint64 = 1 << 13
	CR4SMXE       uint64 = 1 << 14
	CR4FSGSBASE   uint64 = 1 << 16
	CR4PCIDE      uint64 = 1 << 17
	CR4OSXSAVE    uint64 = 1 << 18
	CR4KL         uint64 = 1 << 19
	CR4SMEP       uint64 = 1 << 20
	CR4SMAP       uint64 = 1 << 21
	CR4PKE        uint64 = 1 << 22
	CR4CET        uint64 = 1 << 23
	CR4PKS        uint64 = 1 << 24
	CR4UINTR      uint64 = 1 << 25

	CR4Reserved uint64 = 0xffff_ffff_fc00_8000
)

// XCR0 state components.
const (
	XCR0X87      uint64 = 1 << 0
	XCR0SSE      uint64 = 1 << 1
	XCR0AVX      uint64 = 1 << 2
	XCR0BNDREG   uint64 = 1 << 3
	XCR0BNDCSR   uint64 = 1 << 4
	XCR0Opmask   uint64 = 1 << 5
	XCR0ZMMHi256 uint64 = 1 << 6
	XCR0Hi16ZMM  uint64 = 1 << 7
	XCR0PKRU     uint64 = 1 << 9
)

// RFLAGS bits.
const (
	RflagsTrap      uint64 = 1 << 8
	RflagsInterrupt uint64 = 1 << 9
)

// Model-specific registers.
const (
	MSRTimeStampCounter     uint32 = 0x010
	MSRFeatureControl       uint32 = 0x03a
	MSRMPERF                uint32 = 0x0e7
	MSRAPERF                uint32 = 0x0e8
	MSRMTRRCapabilities     uint32 = 0x0fe
	MSRMTRRPhysBase0        uint32 = 0x200
	MSRMTRRPhysMask0        uint32 = 0x201
	MSRFixedCounter2        uint32 = 0x30b
	MSRFixedCounterCtrl     uint32 = 0x38d
	MSRPerfGlobalCtrl       uint32 = 0x38f
	MSRVMXBasic             uint32 = 0x480
	MSRVMXPinbasedCtls      uint32 = 0x481
	MSRVMXProcbasedCtls     uint32 = 0x482
	MSRVMXExitCtls          uint32 = 0x483
	MSRVMXEntryCtls         uint32 = 0x484
	MSRVMXMisc              uint32 = 0x485
	MSRVMXCR0Fixed0         uint32 = 0x486
	MSRVMXCR0Fixed1         uint32 = 0x487
	MSRVMXCR4Fixed0         uint32 = 0x488
	MSRVMXCR4Fixed1         uint32 = 0x489
	MSRVMXProcbasedCtls2    uint32 = 0x48b
	MSRVMXEPTVPIDCap        uint32 = 0x48c
	MSRVMXTruePinbasedCtls  uint32 = 0x48d
	MSRVMXTrueProcbasedCtls uint32 = 0x48e
	MSRVMXTrueExitCtls      uint32 = 0x48f
	MSRVMXTrueEntryCtls     uint32 = 0x490
	MSRTSCAux               uint32 = 0xc0000103
)

// IA32_FEATURE_CONTROL bits.
const (
	FeatureControlLock          uint64 = 1 << 0
	FeatureControlVMXInsideSMX  uint64 = 1 << 1
	FeatureControlVMXOutsideSMX uint64 = 1 << 2
)

// CPUID feature bits.
const (
	CPUIDFeatureVMX uint32 = 1 << 5 // leaf 1, ECX
	CPUIDFeatureSMX uint32 = 1 << 6 // leaf 1, ECX
)

// Memory types used by MTRRs and EPT leaves.
const (
	MemoryTypeUncacheable    uint64 = 0
	MemoryTypeWriteCombining uint64 = 1
	MemoryTypeWriteThrough   uint64 = 4
	MemoryTypeWriteProtected uint64 = 5
	MemoryTypeWriteBack      uint64 = 6
)
