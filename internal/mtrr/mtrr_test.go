package mtrr

import (
	"errors"
	"testing"

	"github.com/tinyrange/thinhv/internal/hv"
	"github.com/tinyrange/thinhv/internal/hv/sim"
)

func TestReadDecodesRanges(t *testing.T) {
	p := sim.NewProcessor(0)
	// 0-2 GB write-back, 3 GB-4 GB uncacheable, one disabled range.
	p.SetMTRR(0, 0x0000_0000|hv.MemoryTypeWriteBack, 0x7f_8000_0000|validBit)
	p.SetMTRR(1, 0xc000_0000|hv.MemoryTypeUncacheable, 0x7f_c000_0000|validBit)
	p.SetMTRR(2, 0x1000_0000|hv.MemoryTypeWriteCombining, 0x7f_f000_0000)

	s, err := Read(p)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if s.Count != 3 {
		t.Fatalf("Count = %d, want 3", s.Count)
	}

	want := []Range{
		{Enabled: true, Type: hv.MemoryTypeWriteBack, Min: 0, Max: 0x7fff_ffff},
		{Enabled: true, Type: hv.MemoryTypeUncacheable, Min: 0xc000_0000, Max: 0xffff_ffff},
		{Enabled: false, Type: hv.MemoryTypeWriteCombining},
	}
	for i, w := range want {
		if s.Ranges[i] != w {
			t.Errorf("range %d = %+v, want %+v", i, s.Ranges[i], w)
		}
	}
}

func TestAdjustMemoryType(t *testing.T) {
	p := sim.NewProcessor(0)
	p.SetMTRR(0, 0|hv.MemoryTypeWriteBack, 0x7f_0000_0000|validBit)
	p.SetMTRR(1, 0x10_0000|hv.MemoryTypeUncacheable, 0x7f_ffff_f000|validBit)

	s, err := Read(p)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}

	tests := []struct {
		name string
		addr uint64
		want uint64
	}{
		// The uncacheable page inside the first 2 MB run wins over the
		// write-back range because it comes later.
		{"overlapping later range", 0, hv.MemoryTypeUncacheable},
		{"single range", 0x20_0000, hv.MemoryTypeWriteBack},
		{"outside every range", 0x100_0000_0000, hv.MemoryTypeWriteThrough},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := s.AdjustMemoryType(tt.addr, hv.MemoryTypeWriteThrough); got != tt.want {
				t.Fatalf("AdjustMemoryType(0x%x) = %d, want %d", tt.addr, got, tt.want)
			}
		})
	}
}

func TestReadCapsRanges(t *testing.T) {
	p := sim.NewProcessor(0)
	p.SetMSR(hv.MSRMTRRCapabilities, 0x20)
	for i := 0; i < 0x20; i++ {
		p.SetMTRR(i, 0, 0)
	}

	s, err := Read(p)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if s.Count != MaxRanges {
		t.Fatalf("Count = %d, want %d", s.Count, MaxRanges)
	}
}

func TestReadFault(t *testing.T) {
	p := sim.NewProcessor(0)
	p.SetMSR(hv.MSRMTRRCapabilities, 1)

	if _, err := Read(p); !errors.Is(err, hv.ErrHardwareFault) {
		t.Fatalf("Read with missing range MSRs: err = %v, want hardware fault", err)
	}
}
