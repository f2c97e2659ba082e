// Package thinhv virtualizes the processors of a running machine under a
// thin VMX hypervisor that keeps its EPT hooks out of sight of the guest
// and answers a keyed hypercall interface.
package thinhv

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/tinyrange/thinhv/internal/config"
	"github.com/tinyrange/thinhv/internal/hv"
	"github.com/tinyrange/thinhv/internal/hv/factory"
	"github.com/tinyrange/thinhv/internal/hypercall"
	"github.com/tinyrange/thinhv/internal/hypervisor"
)

// -----------------------------------------------------------------------------
// Type Aliases - These re-export types from internal packages
// -----------------------------------------------------------------------------

// Hypervisor is a set of processors under shared VMX control.
type Hypervisor = hypervisor.Hypervisor

// Config is the YAML configuration of a Hypervisor.
type Config = config.Config

// Client issues hypercalls from one processor.
type Client = hypercall.Client

// Opcode selects a hypercall.
type Opcode = hypercall.Opcode

// Hypercall opcodes.
const (
	OpPing        = hypercall.OpPing
	OpImageBase   = hypercall.OpImageBase
	OpHidePage    = hypercall.OpHidePage
	OpInstallHook = hypercall.OpInstallHook
	OpRemoveHook  = hypercall.OpRemoveHook
	OpCurrentRoot = hypercall.OpCurrentRoot
	OpCopyMemory  = hypercall.OpCopyMemory
)

const (
	// DefaultKey is the hypercall key used when none is configured.
	DefaultKey = hypercall.Key

	// Signature is the value a successful ping returns.
	Signature = hypercall.Signature
)

// Common sentinel errors.
var (
	ErrRunning    = hypervisor.ErrRunning
	ErrNotRunning = hypervisor.ErrNotRunning

	// ErrNotPresent is returned by Client calls when no hypervisor with a
	// matching key handles them.
	ErrNotPresent = hypercall.ErrNotPresent
	ErrFailed     = hypercall.ErrFailed

	// ErrHypervisorUnsupported indicates the configured backend cannot run
	// on this host.
	ErrHypervisorUnsupported = hv.ErrHypervisorUnsupported
)

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() Config { return config.Default() }

// LoadConfig reads and validates a YAML configuration file.
func LoadConfig(path string) (Config, error) { return config.Load(path) }

// New opens the configured backend and returns a stopped Hypervisor for it.
// The exit trace is written to trace when it is not nil. logger may be nil.
func New(cfg Config, trace io.Writer, logger *slog.Logger) (*Hypervisor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	backend, err := factory.Open(cfg.Backend.Kind, cfg.BackendOptions())
	if err != nil {
		return nil, fmt.Errorf("thinhv: open %s backend: %w", cfg.Backend.Kind, err)
	}
	return hypervisor.New(backend, cfg.Hypervisor(trace, logger)), nil
}
