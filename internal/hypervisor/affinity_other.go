//go:build !linux

package hypervisor

// pin is a no-op where thread affinity cannot be set. Bring-up still runs
// each processor's work on its own locked thread.
func pin(cpu int) error { return nil }
