// Package factory opens the backend a hypervisor instance runs on.
package factory

import (
	"fmt"
	"runtime"

	"github.com/tinyrange/thinhv/internal/hv"
	"github.com/tinyrange/thinhv/internal/hv/sim"
)

const (
	// KindSim is the simulated machine.
	KindSim = "sim"
	// KindVMX is the processors of the running host.
	KindVMX = "vmx"
)

// Options sizes a simulated machine. Hardware backends ignore it.
type Options struct {
	// Processors defaults to the host's processor count.
	Processors int
	RAMSize    uint64
}

// Known reports whether kind names a backend.
func Known(kind string) bool {
	switch kind {
	case KindSim, KindVMX:
		return true
	}
	return false
}

// Open returns the backend named by kind. An empty kind selects the
// simulated machine.
func Open(kind string, opts Options) (hv.Backend, error) {
	switch kind {
	case "", KindSim:
		if opts.Processors == 0 {
			opts.Processors = runtime.NumCPU()
		}
		return sim.NewMachine(sim.Options{
			Processors: opts.Processors,
			RAMSize:    opts.RAMSize,
		})
	case KindVMX:
		return openHardware()
	default:
		return nil, fmt.Errorf("factory: unknown backend %q", kind)
	}
}
