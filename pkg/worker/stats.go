package worker

import "sync"

// latencyBucketsMs are the upper bounds (milliseconds) of the latency
// histogram's finite buckets; the last bucket is implicitly +Inf.
var latencyBucketsMs = [...]float64{0.5, 1, 5, 10}

// Stats is a point-in-time snapshot of a worker's accounting counters,
// returned by Profile.
type Stats struct {
	CPUMs          float64
	PeakMemBytes   int64
	OpCount        uint64
	ErrCount       uint64
	LatencyBuckets [len(latencyBucketsMs) + 1]uint64 // last bucket is +Inf
	LatencySumMs   float64
}

// Cost is the composite accounting figure billed per worker:
// cpu_ms*1e-4 + mem_bytes*1e-9.
func (s Stats) Cost() float64 {
	return s.CPUMs*1e-4 + float64(s.PeakMemBytes)*1e-9
}

// statTracker holds the mutable counters a worker updates after every
// dispatch. It is guarded by its own mutex so Profile() can be called
// concurrently with the control loop, including while a message is in
// flight.
type statTracker struct {
	mu             sync.Mutex
	cpuMs          float64
	peakMemBytes   int64
	opCount        uint64
	errCount       uint64
	latencyBuckets [len(latencyBucketsMs) + 1]uint64
	latencySumMs   float64
}

func (s *statTracker) recordOp(cpuMs float64, peakMem int64, latencyMs float64, isErr bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cpuMs += cpuMs
	if peakMem > s.peakMemBytes {
		s.peakMemBytes = peakMem
	}
	s.opCount++
	if isErr {
		s.errCount++
	}
	s.latencySumMs += latencyMs
	s.latencyBuckets[bucketIndex(latencyMs)]++
}

func bucketIndex(latencyMs float64) int {
	for i, upper := range latencyBucketsMs {
		if latencyMs <= upper {
			return i
		}
	}
	return len(latencyBucketsMs)
}

func (s *statTracker) snapshot(inFlightCPUMs float64) Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		CPUMs:          s.cpuMs + inFlightCPUMs,
		PeakMemBytes:   s.peakMemBytes,
		OpCount:        s.opCount,
		ErrCount:       s.errCount,
		LatencyBuckets: s.latencyBuckets,
		LatencySumMs:   s.latencySumMs,
	}
}

func (s *statTracker) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cpuMs = 0
	s.peakMemBytes = 0
	s.opCount = 0
	s.errCount = 0
	s.latencyBuckets = [len(latencyBucketsMs) + 1]uint64{}
	s.latencySumMs = 0
}
