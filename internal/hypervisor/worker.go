package hypervisor

import (
	"log/slog"
	"runtime"
)

// worker runs functions on one OS thread pinned to a host processor.
// Everything that must execute on that processor (VMXON, launch,
// measurement, VMXOFF) goes through it.
type worker struct {
	cpu      int
	runQueue chan func()
	done     chan struct{}
}

func startWorker(cpu int, log *slog.Logger) *worker {
	w := &worker{
		cpu:      cpu,
		runQueue: make(chan func()),
		done:     make(chan struct{}),
	}
	go w.start(log)
	return w
}

func (w *worker) start(log *slog.Logger) {
	// The thread is never unlocked. It exits with the goroutine, so the
	// changed affinity does not leak into the scheduler's pool.
	runtime.LockOSThread()
	defer close(w.done)

	if err := pin(w.cpu); err != nil {
		log.Debug("hypervisor: pin thread", "cpu", w.cpu, "err", err)
	}

	for fn := range w.runQueue {
		fn()
	}
}

// run executes fn on the worker's thread and waits for it.
func (w *worker) run(fn func() error) error {
	errc := make(chan error, 1)
	w.runQueue <- func() { errc <- fn() }
	return <-errc
}

func (w *worker) stop() {
	close(w.runQueue)
	<-w.done
}
