package vmx

import "fmt"

// ExitReason is the basic exit reason, bits 15:0 of the exit-reason field.
type ExitReason uint16

const (
	ExitExceptionOrNMI      ExitReason = 0
	ExitExternalInterrupt   ExitReason = 1
	ExitTripleFault         ExitReason = 2
	ExitINIT                ExitReason = 3
	ExitSIPI                ExitReason = 4
	ExitInterruptWindow     ExitReason = 7
	ExitNMIWindow           ExitReason = 8
	ExitTaskSwitch          ExitReason = 9
	ExitCPUID               ExitReason = 10
	ExitGETSEC              ExitReason = 11
	ExitHLT                 ExitReason = 12
	ExitINVD                ExitReason = 13
	ExitINVLPG              ExitReason = 14
	ExitRDPMC               ExitReason = 15
	ExitRDTSC               ExitReason = 16
	ExitRSM                 ExitReason = 17
	ExitVMCALL              ExitReason = 18
	ExitVMCLEAR             ExitReason = 19
	ExitVMLAUNCH            ExitReason = 20
	ExitVMPTRLD             ExitReason = 21
	ExitVMPTRST             ExitReason = 22
	ExitVMREAD              ExitReason = 23
	ExitVMRESUME            ExitReason = 24
	ExitVMWRITE             ExitReason = 25
	ExitVMXOFF              ExitReason = 26
	ExitVMXON               ExitReason = 27
	ExitMovCR               ExitReason = 28
	ExitMovDR               ExitReason = 29
	ExitIOInstruction       ExitReason = 30
	ExitRDMSR               ExitReason = 31
	ExitWRMSR               ExitReason = 32
	ExitInvalidGuestState   ExitReason = 33
	ExitMSRLoading          ExitReason = 34
	ExitMWAIT               ExitReason = 36
	ExitMonitorTrapFlag     ExitReason = 37
	ExitMONITOR             ExitReason = 39
	ExitPAUSE               ExitReason = 40
	ExitMachineCheck        ExitReason = 41
	ExitTPRBelowThreshold   ExitReason = 43
	ExitAPICAccess          ExitReason = 44
	ExitVirtualizedEOI      ExitReason = 45
	ExitGDTRIDTRAccess      ExitReason = 46
	ExitLDTRTRAccess        ExitReason = 47
	ExitEPTViolation        ExitReason = 48
	ExitEPTMisconfiguration ExitReason = 49
	ExitINVEPT              ExitReason = 50
	ExitRDTSCP              ExitReason = 51
	ExitPreemptionTimer     ExitReason = 52
	ExitINVVPID             ExitReason = 53
	ExitWBINVD              ExitReason = 54
	ExitXSETBV              ExitReason = 55
	ExitAPICWrite           ExitReason = 56
	ExitRDRAND              ExitReason = 57
	ExitINVPCID             ExitReason = 58
	ExitVMFUNC              ExitReason = 59
	ExitENCLS               ExitReason = 60
	ExitRDSEED              ExitReason = 61
	ExitPMLFull             ExitReason = 62
	ExitXSAVES              ExitReason = 63
	ExitXRSTORS             ExitReason = 64

	// ExitReasonCount bounds the basic exit reasons a dispatch table covers.
	ExitReasonCount = 65
)

var exitReasonNames = map[ExitReason]string{
	ExitExceptionOrNMI:      "exception-or-nmi",
	ExitExternalInterrupt:   "external-interrupt",
	ExitTripleFault:         "triple-fault",
	ExitINIT:                "init",
	ExitSIPI:                "sipi",
	ExitInterruptWindow:     "interrupt-window",
	ExitNMIWindow:           "nmi-window",
	ExitTaskSwitch:          "task-switch",
	ExitCPUID:               "cpuid",
	ExitGETSEC:              "getsec",
	ExitHLT:                 "hlt",
	ExitINVD:                "invd",
	ExitINVLPG:              "invlpg",
	ExitRDPMC:               "rdpmc",
	ExitRDTSC:               "rdtsc",
	ExitRSM:                 "rsm",
	ExitVMCALL:              "vmcall",
	ExitVMCLEAR:             "vmclear",
	ExitVMLAUNCH:            "vmlaunch",
	ExitVMPTRLD:             "vmptrld",
	ExitVMPTRST:             "vmptrst",
	ExitVMREAD:              "vmread",
	ExitVMRESUME:            "vmresume",
	ExitVMWRITE:             "vmwrite",
	ExitVMXOFF:              "vmxoff",
	ExitVMXON:               "vmxon",
	ExitMovCR:               "mov-cr",
	ExitMovDR:               "mov-dr",
	ExitIOInstruction:       "io-instruction",
	ExitRDMSR:               "rdmsr",
	ExitWRMSR:               "wrmsr",
	ExitInvalidGuestState:   "invalid-guest-state",
	ExitMSRLoading:          "msr-loading",
	ExitMWAIT:               "mwait",
	ExitMonitorTrapFlag:     "monitor-trap-flag",
	ExitMONITOR:             "monitor",
	ExitPAUSE:               "pause",
	ExitMachineCheck:        "machine-check",
	ExitTPRBelowThreshold:   "tpr-below-threshold",
	ExitAPICAccess:          "apic-access",
	ExitVirtualizedEOI:      "virtualized-eoi",
	ExitGDTRIDTRAccess:      "gdtr-idtr-access",
	ExitLDTRTRAccess:        "ldtr-tr-access",
	ExitEPTViolation:        "ept-violation",
	ExitEPTMisconfiguration: "ept-misconfiguration",
	ExitINVEPT:              "invept",
	ExitRDTSCP:              "rdtscp",
	ExitPreemptionTimer:     "preemption-timer",
	ExitINVVPID:             "invvpid",
	ExitWBINVD:              "wbinvd",
	ExitXSETBV:              "xsetbv",
	ExitAPICWrite:           "apic-write",
	ExitRDRAND:              "rdrand",
	ExitINVPCID:             "invpcid",
	ExitVMFUNC:              "vmfunc",
	ExitENCLS:               "encls",
	ExitRDSEED:              "rdseed",
	ExitPMLFull:             "pml-full",
	ExitXSAVES:              "xsaves",
	ExitXRSTORS:             "xrstors",
}

func (r ExitReason) String() string {
	if name, ok := exitReasonNames[r]; ok {
		return name
	}
	return fmt.Sprintf("ExitReason(%d)", uint16(r))
}

// ExitReasons lists every named exit reason in ascending order.
func ExitReasons() []ExitReason {
	var out []ExitReason
	for r := ExitReason(0); r < ExitReasonCount; r++ {
		if _, ok := exitReasonNames[r]; ok {
			out = append(out, r)
		}
	}
	return out
}

// BasicExitReason decodes the exit-reason field.
func BasicExitReason(field uint64) ExitReason {
	return ExitReason(field & 0xffff)
}

// EntryFailed reports whether the exit-reason field describes a failed
// VM entry rather than a VM exit.
func EntryFailed(field uint64) bool {
	return field&(1<<31) != 0
}
