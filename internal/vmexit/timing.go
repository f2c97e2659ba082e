package vmexit

import (
	"fmt"

	"github.com/tinyrange/thinhv/internal/hv"
	"github.com/tinyrange/thinhv/internal/hypercall"
	"github.com/tinyrange/thinhv/internal/vcpu"
	"github.com/tinyrange/thinhv/internal/vmx"
)

const (
	// IA32_PERF_GLOBAL_CTRL.EN_FIXED_CTR2
	perfGlobalFixedCtr2 uint64 = 1 << 34

	// IA32_FIXED_CTR_CTRL fields for fixed counter 2.
	fixedCtr2OS        uint64 = 1 << 8
	fixedCtr2User      uint64 = 1 << 9
	fixedCtr2AnyThread uint64 = 1 << 10
	fixedCtr2PMI       uint64 = 1 << 11

	minPreemptionTimer = 2
)

// storeCounters captures the counters the VM-exit MSR-store list holds.
// It reports false when APERF or MPERF cannot be read, in which case
// nothing is restored on entry.
func (d *Dispatcher) storeCounters(v *vcpu.VCPU) bool {
	p := v.Processor()

	var c vcpu.Counters
	var err error
	if c.PerfGlobalCtrl, err = p.ReadMSR(hv.MSRPerfGlobalCtrl); err != nil {
		c.PerfGlobalCtrl = 0
	}
	c.TSC = p.ReadTSC()
	v.ExitStore = c

	if v.ExitStore.APERF, err = p.ReadMSR(hv.MSRAPERF); err != nil {
		return false
	}
	if v.ExitStore.MPERF, err = p.ReadMSR(hv.MSRMPERF); err != nil {
		return false
	}
	return true
}

// loadCounters restores APERF and MPERF as the VM-entry MSR-load list
// would.
func (d *Dispatcher) loadCounters(v *vcpu.VCPU) {
	p := v.Processor()
	if err := p.WriteMSR(hv.MSRAPERF, v.EntryLoad.APERF); err != nil {
		d.log.Debug("vmexit: restore aperf", "vcpu", p.ID(), "err", err)
	}
	if err := p.WriteMSR(hv.MSRMPERF, v.EntryLoad.MPERF); err != nil {
		d.log.Debug("vmexit: restore mperf", "vcpu", p.ID(), "err", err)
	}
}

// hideOverhead stages the counter values for the next entry. Exits the
// handler marked hideable have the measured round-trip cost taken off
// the guest's TSC, APERF, MPERF and reference cycle counter; every other
// exit resets the TSC offset and stops the preemption timer.
func (d *Dispatcher) hideOverhead(v *vcpu.VCPU) {
	p, t := v.Processor(), &v.Timing
	perf := v.ExitStore.PerfGlobalCtrl

	v.EntryLoad.APERF = v.ExitStore.APERF
	v.EntryLoad.MPERF = v.ExitStore.MPERF
	p.VMWrite(vmx.FieldGuestPerfGlobal, perf)

	if !d.timing.Enabled || !t.Hide || t.TSCOverhead > d.timing.Ceiling {
		t.Hide = false
		t.TSCOffset = 0
		t.PreemptionTimer = ^uint64(0)
		return
	}

	v.EntryLoad.APERF -= t.MPERFOverhead
	v.EntryLoad.MPERF -= t.MPERFOverhead

	if perf&perfGlobalFixedCtr2 != 0 {
		d.hideReferenceCycles(v)
	}

	t.PreemptionTimer = max(minPreemptionTimer, d.timing.TimerTicks>>vmx.PreemptionTimerRate(v.Facts.VMXMisc))
	t.TSCOffset -= t.TSCOverhead
}

// hideReferenceCycles adjusts fixed counter 2 when it is counting at the
// guest's current privilege level.
func (d *Dispatcher) hideReferenceCycles(v *vcpu.VCPU) {
	p := v.Processor()

	ctrl, err := p.ReadMSR(hv.MSRFixedCounterCtrl)
	if err != nil {
		return
	}
	cpl := vmx.GuestCPL(p)
	if !(cpl == 0 && ctrl&fixedCtr2OS != 0) && !(cpl == 3 && ctrl&fixedCtr2User != 0) {
		return
	}
	cycles, err := p.ReadMSR(hv.MSRFixedCounter2)
	if err != nil {
		return
	}
	if err := p.WriteMSR(hv.MSRFixedCounter2, cycles-v.Timing.RefTSCOverhead); err != nil {
		d.log.Debug("vmexit: adjust fixed counter 2", "vcpu", p.ID(), "err", err)
	}
}

// measure returns the smallest cost of one ping round trip in clock
// ticks, net of the cost of reading the clock.
func measure(iterations int, clock func() uint64, ping func()) uint64 {
	lowestExit, lowestTiming := ^uint64(0), ^uint64(0)

	for i := 0; i < iterations; i++ {
		start := clock()
		end := clock()
		lowestTiming = min(lowestTiming, end-start)

		ping()

		start = clock()
		ping()
		end = clock()
		lowestExit = min(lowestExit, end-start)
	}

	if lowestExit < lowestTiming {
		return 0
	}
	return lowestExit - lowestTiming
}

// Measure records v's exit round-trip cost in TSC, MPERF and reference
// cycles. It runs from guest context after launch.
func (d *Dispatcher) Measure(v *vcpu.VCPU) error {
	p, t := v.Processor(), &v.Timing
	client := hypercall.NewClient(p, d.key)

	if err := client.Ping(); err != nil {
		return fmt.Errorf("vmexit: measure vcpu %d: %w", p.ID(), err)
	}
	ping := func() { client.Call(hypercall.OpPing) }
	msr := func(msr uint32) func() uint64 {
		return func() uint64 {
			value, _ := p.ReadMSR(msr)
			return value
		}
	}

	n := max(d.timing.Iterations, 1)
	t.TSCOverhead = measure(n, p.ReadTSC, ping)
	t.MPERFOverhead = measure(n, msr(hv.MSRMPERF), ping)

	overhead, err := d.measureReferenceCycles(p, n, msr(hv.MSRFixedCounter2), ping)
	if err != nil {
		d.log.Warn("vmexit: reference cycles unavailable", "vcpu", p.ID(), "err", err)
	}
	t.RefTSCOverhead = overhead

	d.log.Info("vmexit: exit overhead",
		"vcpu", p.ID(),
		"tsc", t.TSCOverhead,
		"mperf", t.MPERFOverhead,
		"refTsc", t.RefTSCOverhead)
	return nil
}

// measureReferenceCycles enables fixed counter 2 in ring 0 for the
// measurement and restores the previous configuration afterwards.
func (d *Dispatcher) measureReferenceCycles(p hv.Processor, n int, clock func() uint64, ping func()) (uint64, error) {
	ctrl, err := p.ReadMSR(hv.MSRFixedCounterCtrl)
	if err != nil {
		return 0, err
	}
	global, err := p.ReadMSR(hv.MSRPerfGlobalCtrl)
	if err != nil {
		return 0, err
	}

	newCtrl := ctrl&^(fixedCtr2User|fixedCtr2AnyThread|fixedCtr2PMI) | fixedCtr2OS
	if err := p.WriteMSR(hv.MSRFixedCounterCtrl, newCtrl); err != nil {
		return 0, err
	}
	if err := p.WriteMSR(hv.MSRPerfGlobalCtrl, global|perfGlobalFixedCtr2); err != nil {
		p.WriteMSR(hv.MSRFixedCounterCtrl, ctrl)
		return 0, err
	}

	overhead := measure(n, clock, ping)

	p.WriteMSR(hv.MSRPerfGlobalCtrl, global)
	p.WriteMSR(hv.MSRFixedCounterCtrl, ctrl)
	return overhead, nil
}
