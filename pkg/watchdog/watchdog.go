package watchdog

import (
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/sandboxd/pkg/log"
	"github.com/cuemby/sandboxd/pkg/sberr"
	"github.com/cuemby/sandboxd/pkg/worker"
)

// Sample is one out-of-band resource reading for a named sandbox.
type Sample struct {
	Name     string
	CPUMs    float64
	RSSBytes int64
}

// Lookup resolves a sandbox name to its live worker, as the Supervisor's
// registry does. Returns ok=false for a name with no live worker (already
// stopped, or never spawned) — the watchdog silently drops samples for
// those rather than treating it as an error, since the event stream and
// the registry are not synchronized.
type Lookup func(name string) (*worker.Worker, bool)

// Watchdog drains a Sample stream and stops any worker whose reading
// exceeds its own CPU or memory quota. It never blocks the Supervisor:
// Start runs the drain loop on its own goroutine, and Stop only waits up
// to its own timeout for that goroutine to exit.
type Watchdog struct {
	lookup  Lookup
	samples <-chan Sample

	stopCh  chan struct{}
	doneCh  chan struct{}
	stopped sync.Once
}

// New builds a Watchdog that looks up live workers via lookup and reads
// samples from the given channel. Start must be called to begin draining.
func New(lookup Lookup, samples <-chan Sample) *Watchdog {
	return &Watchdog{
		lookup:  lookup,
		samples: samples,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// Start launches the drain loop in the background.
func (wd *Watchdog) Start() {
	go wd.loop()
}

// Stop signals the drain loop to exit and waits up to timeout for it to
// finish. Idempotent: a second Stop call waits on the same completion.
func (wd *Watchdog) Stop(timeout time.Duration) error {
	wd.stopped.Do(func() { close(wd.stopCh) })

	var after <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		after = timer.C
	}
	select {
	case <-wd.doneCh:
		return nil
	case <-after:
		return sberr.NewTimeout(fmt.Sprintf("watchdog did not stop within %s", timeout))
	}
}

func (wd *Watchdog) loop() {
	defer close(wd.doneCh)
	for {
		select {
		case s, ok := <-wd.samples:
			if !ok {
				return
			}
			wd.handle(s)
		case <-wd.stopCh:
			return
		}
	}
}

func (wd *Watchdog) handle(s Sample) {
	w, ok := wd.lookup(s.Name)
	if !ok {
		return
	}
	cpuQuota, memQuota := w.Quotas()

	switch {
	case cpuQuota != nil && s.CPUMs >= float64(*cpuQuota):
		err := sberr.NewCPUExceeded(fmt.Sprintf(
			"sandbox '%s' exceeded cpu quota: %.2fms >= %dms (watchdog sample)", s.Name, s.CPUMs, *cpuQuota))
		log.WithSandbox(s.Name).Warn().Float64("cpu_ms", s.CPUMs).Msg("watchdog terminating worker: cpu quota")
		w.InjectTermination(err)
	case memQuota != nil && s.RSSBytes >= *memQuota:
		err := sberr.NewMemoryExceeded(fmt.Sprintf(
			"sandbox '%s' exceeded memory quota: %d >= %d bytes (watchdog sample)", s.Name, s.RSSBytes, *memQuota))
		log.WithSandbox(s.Name).Warn().Int64("rss_bytes", s.RSSBytes).Msg("watchdog terminating worker: memory quota")
		w.InjectTermination(err)
	}
}
