//go:build linux

package hypervisor

import (
	"fmt"

	"golang.org/x/sys/unix"
)

func pin(cpu int) error {
	var set unix.CPUSet
	set.Zero()
	set.Set(cpu)
	if err := unix.SchedSetaffinity(0, &set); err != nil {
		return fmt.Errorf("hypervisor: set affinity to cpu %d: %w", cpu, err)
	}
	return nil
}
