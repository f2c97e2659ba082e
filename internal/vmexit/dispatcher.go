// Package vmexit dispatches VM exits to the instruction-emulation
// handlers, the EPT engine and the hypercall service.
package vmexit

import (
	"log/slog"
	"time"

	"github.com/tinyrange/thinhv/internal/ept"
	"github.com/tinyrange/thinhv/internal/hv"
	"github.com/tinyrange/thinhv/internal/hypercall"
	"github.com/tinyrange/thinhv/internal/timeslice"
	"github.com/tinyrange/thinhv/internal/vcpu"
	"github.com/tinyrange/thinhv/internal/vmx"
)

// Handler handles one exit reason. The exit's registers are available
// through v.Registers.
type Handler func(d *Dispatcher, v *vcpu.VCPU)

// TimingConfig controls exit-latency compensation.
type TimingConfig struct {
	Enabled bool
	// Iterations is the number of round trips measured at bring-up.
	Iterations int
	// Ceiling disables compensation when the measured TSC overhead is
	// larger than this.
	Ceiling uint64
	// TimerTicks is the preemption timer budget in TSC ticks, scaled by
	// the processor's timer rate.
	TimerTicks uint64
}

// DefaultTiming is the compensation used when none is configured.
var DefaultTiming = TimingConfig{
	Enabled:    true,
	Iterations: 10,
	Ceiling:    10000,
	TimerTicks: 10000,
}

// Config configures a Dispatcher.
type Config struct {
	// Key is the hypercall key used for the bring-up measurement.
	Key    uint64
	Timing TimingConfig
	// Trace receives one record per exit when set.
	Trace  *timeslice.Writer
	Logger *slog.Logger
}

// Dispatcher routes exits by basic exit reason. It is shared by all
// processors and holds no per-processor state.
type Dispatcher struct {
	handlers [vmx.ExitReasonCount]Handler

	ept    *ept.Engine
	svc    *hypercall.Service
	key    uint64
	timing TimingConfig
	trace  *timeslice.Writer
	log    *slog.Logger
}

var vmxInstructions = []vmx.ExitReason{
	vmx.ExitINVEPT,
	vmx.ExitINVVPID,
	vmx.ExitVMCLEAR,
	vmx.ExitVMLAUNCH,
	vmx.ExitVMPTRLD,
	vmx.ExitVMPTRST,
	vmx.ExitVMREAD,
	vmx.ExitVMRESUME,
	vmx.ExitVMWRITE,
	vmx.ExitVMXOFF,
	vmx.ExitVMFUNC,
}

// New returns a dispatcher. A zero Timing selects DefaultTiming.
func New(cfg Config, engine *ept.Engine, svc *hypercall.Service) *Dispatcher {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Key == 0 {
		cfg.Key = hypercall.Key
	}
	if cfg.Timing == (TimingConfig{}) {
		cfg.Timing = DefaultTiming
	}

	d := &Dispatcher{
		ept:    engine,
		svc:    svc,
		key:    cfg.Key,
		timing: cfg.Timing,
		trace:  cfg.Trace,
		log:    cfg.Logger,
	}

	d.handlers[vmx.ExitExceptionOrNMI] = handleExceptionOrNMI
	d.handlers[vmx.ExitNMIWindow] = handleNMIWindow
	d.handlers[vmx.ExitCPUID] = handleCPUID
	d.handlers[vmx.ExitGETSEC] = handleGeneralProtection
	d.handlers[vmx.ExitINVD] = handleGeneralProtection
	d.handlers[vmx.ExitRDTSC] = handleRDTSC
	d.handlers[vmx.ExitRDTSCP] = handleRDTSCP
	d.handlers[vmx.ExitVMCALL] = handleVMCALL
	d.handlers[vmx.ExitVMXON] = handleVMXON
	d.handlers[vmx.ExitMovCR] = handleMovCR
	d.handlers[vmx.ExitRDMSR] = handleRDMSR
	d.handlers[vmx.ExitWRMSR] = handleWRMSR
	d.handlers[vmx.ExitXSETBV] = handleXSETBV
	d.handlers[vmx.ExitEPTViolation] = handleEPTViolation
	d.handlers[vmx.ExitEPTMisconfiguration] = handleNothing
	d.handlers[vmx.ExitPreemptionTimer] = handleNothing
	for _, r := range vmxInstructions {
		d.handlers[r] = handleVMXInstruction
	}

	return d
}

// DefineTraceKinds names one trace kind per exit reason.
func DefineTraceKinds(reg *timeslice.Registry) {
	for _, r := range vmx.ExitReasons() {
		reg.Define(timeslice.Kind(r), r.String())
	}
}

// Handler returns the handler for reason, or nil when the reason falls
// through to the #GP default.
func (d *Dispatcher) Handler(reason vmx.ExitReason) Handler {
	if int(reason) >= len(d.handlers) {
		return nil
	}
	return d.handlers[reason]
}

// Attach routes every exit of v's processor to the dispatcher.
func (d *Dispatcher) Attach(v *vcpu.VCPU) {
	v.Processor().SetExitHandler(func(regs *hv.GuestRegisters) {
		d.Handle(v, regs)
	})
}

// Handle services one VM exit on v: it catches up with EPT changes made
// elsewhere, runs the handler for the exit reason, applies timing
// compensation and commits the EPT pointer, TSC offset and preemption
// timer for the next entry.
func (d *Dispatcher) Handle(v *vcpu.VCPU, regs *hv.GuestRegisters) {
	start := time.Now()
	p := v.Processor()

	v.BeginExit(regs)
	defer v.EndExit()

	d.ept.Sync(p, &v.EPTGeneration)
	stored := d.storeCounters(v)

	reason := vmx.BasicExitReason(p.VMRead(vmx.FieldExitReason))
	if h := d.Handler(reason); h != nil {
		h(d, v)
	} else {
		d.log.Debug("vmexit: unhandled exit", "vcpu", p.ID(), "reason", reason)
		vmx.InjectExceptionCode(p, hv.VectorGeneralProtection, 0)
	}

	d.hideOverhead(v)
	d.commit(v, stored)

	if d.trace != nil {
		var flags timeslice.Flags
		if v.Timing.Hide {
			flags |= timeslice.FlagHidden
		}
		if _, _, _, ok := vmx.PendingInterrupt(p.VMRead(vmx.FieldEntryInterruptInfo)); ok {
			flags |= timeslice.FlagInjected
		}
		d.trace.Record(timeslice.Kind(reason), p.ID(), flags, time.Since(start))
	}
}

// HostNMI handles an NMI taken while the host was running on v's
// processor. It cannot be delivered now, so it is queued for the next
// NMI window.
func (d *Dispatcher) HostNMI(v *vcpu.VCPU) {
	v.QueueNMI()
}

func (d *Dispatcher) commit(v *vcpu.VCPU, stored bool) {
	p := v.Processor()

	p.VMWrite(vmx.FieldEPTPointer, d.ept.Pointer())
	p.VMWrite(vmx.FieldTSCOffset, v.Timing.TSCOffset)
	p.VMWrite(vmx.FieldGuestPreemptionTimer, v.Timing.PreemptionTimer)

	if stored {
		d.loadCounters(v)
	}
}
