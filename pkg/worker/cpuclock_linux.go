//go:build linux

package worker

import "golang.org/x/sys/unix"

// threadCPUMs returns the calling OS thread's cumulative user+system CPU
// time in milliseconds, via RUSAGE_THREAD. The worker's control loop locks
// itself to one OS thread (runtime.LockOSThread) for exactly this reason:
// RUSAGE_THREAD is only meaningful when the goroutine doesn't migrate.
func threadCPUMs() float64 {
	var ru unix.Rusage
	if err := unix.Getrusage(unix.RUSAGE_THREAD, &ru); err != nil {
		return 0
	}
	return float64(ru.Utime.Sec)*1000 + float64(ru.Utime.Usec)/1000 +
		float64(ru.Stime.Sec)*1000 + float64(ru.Stime.Usec)/1000
}
