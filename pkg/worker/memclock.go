package worker

import "runtime"

// heapAllocBytes samples the process-wide heap allocation in bytes. The
// worker uses the delta between two samples, taken immediately before and
// after a dispatch, as the job's approximate memory footprint: a
// cooperative, process-wide proxy rather than a per-thread hard limit.
func heapAllocBytes() int64 {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return int64(m.HeapAlloc)
}
