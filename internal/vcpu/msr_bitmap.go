package vcpu

import (
	"fmt"

	"github.com/tinyrange/thinhv/internal/hv"
)

const (
	msrHighBase uint32 = 0xc000_0000
	msrRangeLen uint32 = 0x2000

	bitmapReadLow   = 0x000
	bitmapReadHigh  = 0x400
	bitmapWriteLow  = 0x800
	bitmapWriteHigh = 0xc00
)

// MTRR registers whose writes are intercepted.
const (
	msrMTRRDefType     uint32 = 0x2ff
	msrMTRRFix64K00000 uint32 = 0x250
	msrMTRRFix16K80000 uint32 = 0x258
	msrMTRRFix16KA0000 uint32 = 0x259
	msrMTRRFix4KC0000  uint32 = 0x268

	mtrrCapFixedSupported = 1 << 8
)

// MSRBitmap is the 4 KB intercept bitmap: reads then writes, each split
// into the low (0-1FFFh) and high (C0000000h-C0001FFFh) ranges.
type MSRBitmap struct {
	page *hv.Page
}

func (b MSRBitmap) locate(msr uint32, write bool) (int, uint8, error) {
	var base int
	switch {
	case msr < msrRangeLen:
		base = bitmapReadLow
	case msr >= msrHighBase && msr-msrHighBase < msrRangeLen:
		base = bitmapReadHigh
		msr -= msrHighBase
	default:
		return 0, 0, fmt.Errorf("vcpu: msr %#x outside the bitmap", msr)
	}
	if write {
		base += bitmapWriteLow
	}
	return base + int(msr/8), uint8(1) << (msr % 8), nil
}

// Intercept sets or clears the exit bit for msr.
func (b MSRBitmap) Intercept(msr uint32, write, enable bool) error {
	off, bit, err := b.locate(msr, write)
	if err != nil {
		return err
	}
	if enable {
		b.page[off] |= bit
	} else {
		b.page[off] &^= bit
	}
	return nil
}

// Intercepted reports whether accessing msr exits. MSRs outside both
// ranges always exit.
func (b MSRBitmap) Intercepted(msr uint32, write bool) bool {
	off, bit, err := b.locate(msr, write)
	if err != nil {
		return true
	}
	return b.page[off]&bit != 0
}

// setupMSRBitmap clears the bitmap, then intercepts reads of the feature
// control register and writes of every MTRR the processor reports.
func setupMSRBitmap(b MSRBitmap, p hv.Processor) error {
	*b.page = hv.Page{}

	if err := b.Intercept(hv.MSRFeatureControl, false, true); err != nil {
		return err
	}
	if err := b.Intercept(hv.MSRFeatureControl, true, true); err != nil {
		return err
	}

	caps, err := p.ReadMSR(hv.MSRMTRRCapabilities)
	if err != nil {
		return fmt.Errorf("vcpu: read MTRR capabilities: %w", err)
	}

	msrs := []uint32{msrMTRRDefType}
	if caps&mtrrCapFixedSupported != 0 {
		msrs = append(msrs, msrMTRRFix64K00000, msrMTRRFix16K80000, msrMTRRFix16KA0000)
		for i := uint32(0); i < 8; i++ {
			msrs = append(msrs, msrMTRRFix4KC0000+i)
		}
	}
	for i := uint32(0); i < uint32(caps&0xff); i++ {
		msrs = append(msrs, hv.MSRMTRRPhysBase0+2*i, hv.MSRMTRRPhysMask0+2*i)
	}
	for _, msr := range msrs {
		if err := b.Intercept(msr, true, true); err != nil {
			return err
		}
	}
	return nil
}
