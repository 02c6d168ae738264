package supervisor

import (
	"runtime"
	"sync"
	"time"

	"github.com/cuemby/sandboxd/pkg/log"
	"github.com/cuemby/sandboxd/pkg/worker"
)

// Handle is the caller-facing wrapper Spawn returns. It forwards every
// worker operation. A finalizer logs a warning and stops the underlying
// worker if the Handle is garbage collected without an explicit Close while
// the worker is still running. The owning Supervisor's registry keeps every
// registered Handle reachable, so the finalizer does not run while the
// Handle is registered: an abandoned, still-registered Handle keeps its
// worker running.
type Handle struct {
	sup *Supervisor
	w   *worker.Worker

	closeOnce sync.Once
	closeErr  error
}

func newHandle(sup *Supervisor, w *worker.Worker) *Handle {
	h := &Handle{sup: sup, w: w}
	runtime.SetFinalizer(h, finalizeHandle)
	return h
}

func finalizeHandle(h *Handle) {
	if h.w.IsAlive() {
		log.WithSandbox(h.w.Name()).Warn().
			Msg("sandbox handle garbage collected without Close; stopping worker")
		_ = h.w.Stop(time.Second)
	}
}

// Name returns the sandbox name this handle was spawned under.
func (h *Handle) Name() string { return h.w.Name() }

// Worker exposes the underlying worker for collaborators that need more
// than the forwarding surface — pkg/snapshot's Checkpoint consumes the
// worker directly because it stops it as a side effect.
func (h *Handle) Worker() *worker.Worker { return h.w }

// Exec submits job to the underlying worker. See worker.Worker.Exec.
func (h *Handle) Exec(job worker.Job) error { return h.w.Exec(job) }

// Call invokes a dotted function inside the underlying worker. See
// worker.Worker.Call.
func (h *Handle) Call(dotted string, args []any, kwargs map[string]any, timeout time.Duration) (any, error) {
	return h.w.Call(dotted, args, kwargs, timeout)
}

// Recv drains the next result from the underlying worker. See
// worker.Worker.Recv.
func (h *Handle) Recv(timeout time.Duration) (any, error) { return h.w.Recv(timeout) }

// Profile returns the underlying worker's accounting counters.
func (h *Handle) Profile() worker.Stats { return h.w.Profile() }

// Stats is an alias for Profile.
func (h *Handle) Stats() worker.Stats { return h.w.Profile() }

// Snapshot returns the underlying worker's current configuration.
func (h *Handle) Snapshot() worker.Config { return h.w.Snapshot() }

// EnableTracing turns on dispatch tracing for the underlying worker.
func (h *Handle) EnableTracing() { h.w.EnableTracing() }

// GetTraceLog returns the underlying worker's recorded trace entries.
func (h *Handle) GetTraceLog() []worker.TraceEntry { return h.w.GetTraceLog() }

// Close stops the underlying worker and removes this handle from the
// owning Supervisor's registry. Idempotent: calling Close more than once
// returns the first call's result.
func (h *Handle) Close(timeout time.Duration) error {
	h.closeOnce.Do(func() {
		runtime.SetFinalizer(h, nil)
		if h.sup != nil {
			h.sup.forget(h.w.Name(), h)
		}
		h.closeErr = h.w.Stop(timeout)
	})
	return h.closeErr
}
