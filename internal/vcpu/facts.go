package vcpu

import (
	"fmt"

	"github.com/tinyrange/thinhv/internal/hv"
)

// Facts are per-processor values that do not change once VMX is on.
type Facts struct {
	VMX bool
	SMX bool

	PhysicalAddressBits uint

	CR0Fixed0 uint64
	CR0Fixed1 uint64
	CR4Fixed0 uint64
	CR4Fixed1 uint64

	// XCR0Unsupported has a bit set for every state component the
	// processor cannot enable.
	XCR0Unsupported uint64

	FeatureControl uint64
	// GuestFeatureControl is what the guest reads from
	// IA32_FEATURE_CONTROL: locked with VMX and SENTER disabled.
	GuestFeatureControl uint64

	VMXMisc  uint64
	VMXBasic uint64
}

const (
	featureControlSenterLocal  uint64 = 0x7f << 8
	featureControlSenterGlobal uint64 = 1 << 15
)

// PhysicalAddressMask covers the bits a physical address may use.
func (f *Facts) PhysicalAddressMask() uint64 {
	return (uint64(1) << f.PhysicalAddressBits) - 1
}

// CacheFacts reads the facts for p. Only the VMX and SMX bits are filled
// in when the processor lacks VMX.
func CacheFacts(p hv.Processor) (Facts, error) {
	var f Facts

	leaf1 := p.CPUID(1, 0)
	f.VMX = leaf1[2]&hv.CPUIDFeatureVMX != 0
	f.SMX = leaf1[2]&hv.CPUIDFeatureSMX != 0
	if !f.VMX {
		return f, nil
	}

	f.PhysicalAddressBits = uint(p.CPUID(0x8000_0008, 0)[0] & 0xff)

	xsave := p.CPUID(0xd, 0)
	f.XCR0Unsupported = ^(uint64(xsave[3])<<32 | uint64(xsave[0]))

	for _, r := range []struct {
		msr uint32
		dst *uint64
	}{
		{hv.MSRVMXCR0Fixed0, &f.CR0Fixed0},
		{hv.MSRVMXCR0Fixed1, &f.CR0Fixed1},
		{hv.MSRVMXCR4Fixed0, &f.CR4Fixed0},
		{hv.MSRVMXCR4Fixed1, &f.CR4Fixed1},
		{hv.MSRFeatureControl, &f.FeatureControl},
		{hv.MSRVMXMisc, &f.VMXMisc},
		{hv.MSRVMXBasic, &f.VMXBasic},
	} {
		v, err := p.ReadMSR(r.msr)
		if err != nil {
			return f, fmt.Errorf("vcpu: read msr %#x: %w", r.msr, err)
		}
		*r.dst = v
	}

	f.GuestFeatureControl = f.FeatureControl | hv.FeatureControlLock
	f.GuestFeatureControl &^= hv.FeatureControlVMXInsideSMX | hv.FeatureControlVMXOutsideSMX |
		featureControlSenterLocal | featureControlSenterGlobal

	return f, nil
}
