//go:build linux

package worker

import (
	"fmt"
	"runtime"

	"golang.org/x/sys/unix"
)

// pinThread locks the calling goroutine to its OS thread and binds the
// thread to one of the CPUs the process may run on, chosen by slot. The
// thread stays locked, so it exits together with the goroutine.
func pinThread(slot int) (int, error) {
	runtime.LockOSThread()

	var allowed unix.CPUSet
	if err := unix.SchedGetaffinity(0, &allowed); err != nil {
		return -1, fmt.Errorf("get cpu affinity: %w", err)
	}
	cpus := make([]int, 0, allowed.Count())
	for cpu := 0; len(cpus) < allowed.Count(); cpu++ {
		if allowed.IsSet(cpu) {
			cpus = append(cpus, cpu)
		}
	}
	if len(cpus) == 0 {
		return -1, fmt.Errorf("no cpus in affinity mask")
	}

	core := cpus[slot%len(cpus)]
	var set unix.CPUSet
	set.Set(core)
	if err := unix.SchedSetaffinity(0, &set); err != nil {
		return -1, fmt.Errorf("set cpu affinity to %d: %w", core, err)
	}
	return core, nil
}
