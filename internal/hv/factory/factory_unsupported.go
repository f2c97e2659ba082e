package factory

import "github.com/tinyrange/thinhv/internal/hv"

// openHardware fails everywhere: driving VMX root operation needs a
// ring-0 component that this module does not ship.
func openHardware() (hv.Backend, error) {
	return nil, hv.ErrHypervisorUnsupported
}
