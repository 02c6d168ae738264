package numa

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// CPUList is the parsed form of a Linux cpulist file ("0-3,8").
type CPUList map[int]struct{}

func parseCPUList(text string) (CPUList, error) {
	cpus := make(CPUList)
	text = strings.TrimSpace(text)
	if text == "" {
		return cpus, nil
	}
	for _, part := range strings.Split(text, ",") {
		if part == "" {
			continue
		}
		if start, end, ok := strings.Cut(part, "-"); ok {
			lo, err := strconv.Atoi(start)
			if err != nil {
				return nil, fmt.Errorf("parsing cpulist range %q: %w", part, err)
			}
			hi, err := strconv.Atoi(end)
			if err != nil {
				return nil, fmt.Errorf("parsing cpulist range %q: %w", part, err)
			}
			for c := lo; c <= hi; c++ {
				cpus[c] = struct{}{}
			}
		} else {
			c, err := strconv.Atoi(part)
			if err != nil {
				return nil, fmt.Errorf("parsing cpulist entry %q: %w", part, err)
			}
			cpus[c] = struct{}{}
		}
	}
	return cpus, nil
}

// CPUs returns the set of logical CPU ids belonging to the given NUMA
// node, reading /sys/devices/system/node/node<N>/cpulist. A missing or
// unreadable node (non-NUMA host, container without /sys, malformed file)
// returns an empty set rather than an error — NUMA binding is always
// best-effort.
func CPUs(node int) CPUList {
	path := fmt.Sprintf("/sys/devices/system/node/node%d/cpulist", node)
	data, err := os.ReadFile(path)
	if err != nil {
		return CPUList{}
	}
	cpus, err := parseCPUList(string(data))
	if err != nil {
		return CPUList{}
	}
	return cpus
}

// BindCurrentThread attempts to restrict the calling OS thread's scheduling
// affinity to node's CPU set. The caller must have called
// runtime.LockOSThread first, or the affinity may apply to whichever
// thread the goroutine is next scheduled on. Any failure (no CPUs found,
// unsupported platform, permission denied) is silently ignored.
func BindCurrentThread(node int) {
	cpus := CPUs(node)
	if len(cpus) == 0 {
		return
	}

	var set unix.CPUSet
	set.Zero()
	for cpu := range cpus {
		set.Set(cpu)
	}
	_ = unix.SchedSetaffinity(0, &set)
}
