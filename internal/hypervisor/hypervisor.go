// Package hypervisor brings a backend's processors under VMX control
// with one shared EPT, hypercall service and exit dispatcher, and tears
// them down again.
package hypervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/tinyrange/thinhv/internal/ept"
	"github.com/tinyrange/thinhv/internal/hv"
	"github.com/tinyrange/thinhv/internal/hypercall"
	"github.com/tinyrange/thinhv/internal/mm"
	"github.com/tinyrange/thinhv/internal/mtrr"
	"github.com/tinyrange/thinhv/internal/timeslice"
	"github.com/tinyrange/thinhv/internal/vcpu"
	"github.com/tinyrange/thinhv/internal/vmexit"
)

var (
	ErrRunning    = errors.New("hypervisor: already running")
	ErrNotRunning = errors.New("hypervisor: not running")
)

// Config configures a Hypervisor.
type Config struct {
	// Processors is the number of processors to virtualize, starting at
	// index 0. Zero means all of them.
	Processors int

	SplitCapacity int
	HookCapacity  int

	Key    uint64
	Timing vmexit.TimingConfig

	// Trace receives the exit trace when set.
	Trace io.Writer

	// Progress is called after each processor is brought up.
	Progress func(done, total int)

	Logger *slog.Logger
}

// Hypervisor owns the shared state of a running instance.
type Hypervisor struct {
	b   hv.Backend
	cfg Config
	log *slog.Logger

	mu      sync.Mutex
	running bool

	ranges mtrr.Snapshot
	tr     *mm.Translator
	ept    *ept.Engine
	svc    *hypercall.Service
	d      *vmexit.Dispatcher
	trace  *timeslice.Writer

	vcpus   []*vcpu.VCPU
	workers []*worker
}

// New returns a stopped hypervisor for b.
func New(b hv.Backend, cfg Config) *Hypervisor {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Hypervisor{b: b, cfg: cfg, log: cfg.Logger}
}

// Start virtualizes the configured processors in order. Each processor
// is launched, attached to the dispatcher and has its exit overhead
// measured before the next one starts. If any processor fails, the ones
// already virtualized are devirtualized and the error is returned.
func (h *Hypervisor) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.running {
		return ErrRunning
	}

	total := h.b.ProcessorCount()
	n := h.cfg.Processors
	if n == 0 {
		n = total
	}
	if n < 0 || n > total {
		return fmt.Errorf("hypervisor: %d processors requested, backend has %d", n, total)
	}

	start := time.Now()
	if err := h.setup(); err != nil {
		return err
	}

	for i := 0; i < n; i++ {
		if err := ctx.Err(); err != nil {
			return errors.Join(err, h.teardown())
		}
		if err := h.bringUp(i); err != nil {
			return errors.Join(err, h.teardown())
		}
		if h.cfg.Progress != nil {
			h.cfg.Progress(i+1, n)
		}
	}

	h.running = true
	h.log.Info("hypervisor: started",
		"processors", n,
		"eptp", fmt.Sprintf("%#x", h.ept.Pointer()),
		"elapsed", time.Since(start))
	return nil
}

// setup builds the state shared by every processor.
func (h *Hypervisor) setup() error {
	ranges, err := mtrr.Read(h.b.Processor(0))
	if err != nil {
		return fmt.Errorf("hypervisor: read mtrrs: %w", err)
	}
	h.ranges = ranges

	h.tr = mm.New(h.b.Memory(), h.b.ProcessorCount())

	h.ept, err = ept.New(h.b.Allocator(), h.tr, &h.ranges, ept.Config{
		SplitCapacity: h.cfg.SplitCapacity,
		HookCapacity:  h.cfg.HookCapacity,
		Logger:        h.log,
	})
	if err != nil {
		return fmt.Errorf("hypervisor: %w", err)
	}

	h.svc = hypercall.New(hypercall.Config{
		Key:       h.cfg.Key,
		ImageBase: h.b.ImageBase(),
		Logger:    h.log,
	}, h.ept, h.tr, h.b.Pinner())

	h.trace = nil
	if h.cfg.Trace != nil {
		reg := timeslice.NewRegistry()
		vmexit.DefineTraceKinds(reg)
		h.trace, err = timeslice.Open(h.cfg.Trace, reg)
		if err != nil {
			return fmt.Errorf("hypervisor: open trace: %w", err)
		}
	}

	h.d = vmexit.New(vmexit.Config{
		Key:    h.cfg.Key,
		Timing: h.cfg.Timing,
		Trace:  h.trace,
		Logger: h.log,
	}, h.ept, h.svc)
	return nil
}

func (h *Hypervisor) bringUp(i int) error {
	p := h.b.Processor(i)

	v, err := vcpu.New(p, h.b.Allocator(), vcpu.Config{
		EPTPointer: h.ept.Pointer(),
		SystemRoot: h.b.SystemRoot(),
		Logger:     h.log,
	})
	if err != nil {
		return fmt.Errorf("hypervisor: %w", err)
	}

	w := startWorker(p.ID(), h.log)
	err = w.run(func() error {
		h.d.Attach(v)
		if err := v.Virtualize(); err != nil {
			return err
		}
		if err := h.d.Measure(v); err != nil {
			v.Devirtualize()
			return err
		}
		return nil
	})
	if err != nil {
		w.stop()
		return fmt.Errorf("hypervisor: processor %d: %w", i, err)
	}

	h.vcpus = append(h.vcpus, v)
	h.workers = append(h.workers, w)
	return nil
}

// teardown devirtualizes in reverse order and closes the trace.
func (h *Hypervisor) teardown() error {
	for i := len(h.vcpus) - 1; i >= 0; i-- {
		v, w := h.vcpus[i], h.workers[i]
		w.run(func() error {
			v.Devirtualize()
			return nil
		})
		w.stop()
	}
	h.vcpus = nil
	h.workers = nil

	if h.trace != nil {
		err := h.trace.Close()
		h.trace = nil
		if err != nil {
			return fmt.Errorf("hypervisor: close trace: %w", err)
		}
	}
	return nil
}

// Stop devirtualizes every processor.
func (h *Hypervisor) Stop() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.running {
		return ErrNotRunning
	}
	h.running = false

	err := h.teardown()
	h.log.Info("hypervisor: stopped")
	return err
}

// Running reports whether Start has succeeded and Stop has not been
// called since.
func (h *Hypervisor) Running() bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.running
}

// VCPUs returns the virtualized processors in bring-up order.
func (h *Hypervisor) VCPUs() []*vcpu.VCPU {
	h.mu.Lock()
	defer h.mu.Unlock()

	return append([]*vcpu.VCPU(nil), h.vcpus...)
}

// EPT is the shared EPT engine. It is nil before the first Start.
func (h *Hypervisor) EPT() *ept.Engine { return h.ept }

// Client returns a controller client issuing calls from processor i.
func (h *Hypervisor) Client(i int) *hypercall.Client {
	return hypercall.NewClient(h.b.Processor(i), h.cfg.Key)
}

// HostNMI forwards an NMI taken in host context on processor i to the
// guest's NMI queue.
func (h *Hypervisor) HostNMI(i int) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if i < 0 || i >= len(h.vcpus) {
		return fmt.Errorf("hypervisor: no virtualized processor %d", i)
	}
	h.d.HostNMI(h.vcpus[i])
	return nil
}
