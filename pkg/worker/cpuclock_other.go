//go:build !linux

package worker

import "time"

// threadCPUMs falls back to wall-clock time on platforms without a
// per-thread CPU-time syscall (RUSAGE_THREAD is Linux-only). Hosts
// without true per-thread accounting rely on the watchdog plus these
// cooperative checks; the fallback keeps the CPU quota check functional,
// if conservative, everywhere the module builds.
var processStart = time.Now()

func threadCPUMs() float64 {
	return float64(time.Since(processStart).Milliseconds())
}
