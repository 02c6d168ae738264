package worker

import (
	"errors"
	"fmt"
	"net"
	"os"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cuemby/sandboxd/pkg/cgroup"
	"github.com/cuemby/sandboxd/pkg/log"
	"github.com/cuemby/sandboxd/pkg/numa"
	"github.com/cuemby/sandboxd/pkg/policy"
	"github.com/cuemby/sandboxd/pkg/sberr"
)

const (
	defaultInboxCap  = 256
	defaultOutboxCap = 256
	netDialTimeout   = 300 * time.Millisecond
)

// Result is one outbox entry: either a successful Value or a typed/wrapped
// Err, never both.
type Result struct {
	Value any
	Err   error
}

// ViolationHandler is invoked synchronously, on the worker's own goroutine,
// whenever a dispatch fails with a policy violation. A panicking or
// otherwise misbehaving handler must never stop the worker from posting
// its result or processing the next message — Worker recovers and logs.
type ViolationHandler func(sandboxName string, err error)

// TraceEntry records one dispatched message when tracing is enabled.
type TraceEntry struct {
	Op         string
	At         time.Time
	DurationMs float64
	Err        error
}

type ctrlKind int

const (
	ctrlExec ctrlKind = iota
	ctrlCall
	ctrlReattach
	ctrlReset
	ctrlStop
)

type controlMsg struct {
	kind ctrlKind

	job Job // ctrlExec

	dotted string         // ctrlCall
	args   []any          // ctrlCall
	kwargs map[string]any // ctrlCall

	oldGroup *string // ctrlReattach

	cfg Config // ctrlReset

	ack chan error // ctrlReattach, ctrlReset: optional completion signal
}

// Worker is the per-sandbox execution engine: a sequential control loop
// bound to one OS thread, evaluating one Job or Call at a time under the
// policy hooks current at the moment of dispatch.
type Worker struct {
	name string

	mu             sync.Mutex
	sb             policy.SandboxPolicy
	cpuQuotaMs     *int64
	memQuotaBytes  *int64
	allowedImports map[string]struct{}
	importsGated   bool
	numaNode       *int
	group          *cgroup.Group
	generation     uint64
	onViolation    ViolationHandler
	baseMem        int64

	traceMu  sync.Mutex
	traceOn  bool
	traceLog []TraceEntry

	inFlightMu    sync.Mutex
	inFlightSince time.Time

	stats *statTracker

	// rex holds the restricted evaluator's bindings between OpExec
	// messages; only the control-loop goroutine touches it. Reset
	// replaces it wholesale.
	rex *restrictedExec

	inbox   chan controlMsg
	outbox  chan Result
	stopCh  chan struct{}
	doneCh  chan struct{}
	stopped sync.Once
}

// New spawns a worker's control-loop goroutine and returns a handle to it.
// The goroutine locks itself to its OS thread for the worker's lifetime so
// per-thread CPU accounting (threadCPUMs) and resource-group/NUMA
// attachment apply consistently.
func New(cfg Config) *Worker {
	w := &Worker{
		name:    cfg.Name,
		inbox:   make(chan controlMsg, defaultInboxCap),
		outbox:  make(chan Result, defaultOutboxCap),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
		stats:   &statTracker{},
		rex:     newRestrictedExec(),
		baseMem: heapAllocBytes(),
	}
	w.applyConfigLocked(cfg)
	go w.loop()
	return w
}

func (w *Worker) applyConfigLocked(cfg Config) {
	sb := policy.SandboxPolicy{}
	if cfg.Policy != nil {
		sb = *cfg.Policy
	}
	w.sb = sb
	w.cpuQuotaMs = cfg.CPUQuotaMs
	w.memQuotaBytes = cfg.MemQuotaBytes

	imports := cfg.normalizedImports()
	w.importsGated = cfg.hasAllowedImports()
	set := make(map[string]struct{}, len(imports))
	for _, m := range imports {
		set[m] = struct{}{}
	}
	w.allowedImports = set
	w.numaNode = cfg.NUMANode

	res := cgroup.Resources(cfg.CPUQuotaMs, cfg.MemQuotaBytes)
	w.group = cgroup.Create(cfg.Name, res)
}

// Name returns the worker's sandbox name.
func (w *Worker) Name() string { return w.name }

func (w *Worker) loop() {
	defer close(w.doneCh)
	runtime.LockOSThread()

	w.mu.Lock()
	group := w.group
	node := w.numaNode
	w.mu.Unlock()
	group.AttachCurrentThread()
	if node != nil {
		numa.BindCurrentThread(*node)
	}

	for {
		select {
		case msg := <-w.inbox:
			if msg.kind == ctrlStop {
				return
			}
			w.dispatch(msg)
		case <-w.stopCh:
			return
		}
	}
}

func (w *Worker) currentHooks() hookSet {
	w.mu.Lock()
	defer w.mu.Unlock()
	return hookSet{sb: w.sb, allowedImports: w.allowedImports, importsGated: w.importsGated}
}

func (w *Worker) dispatch(msg controlMsg) {
	hooks := w.currentHooks()

	w.inFlightMu.Lock()
	w.inFlightSince = time.Now()
	w.inFlightMu.Unlock()

	startCPU := threadCPUMs()
	startWall := time.Now()

	var result any
	var opErr error
	var label string

	switch msg.kind {
	case ctrlExec:
		label = "Exec"
		result, opErr = w.dispatchJob(hooks, msg.job)
	case ctrlCall:
		label = "Call"
		result, opErr = w.dispatchCall(hooks, msg.dotted, msg.args, msg.kwargs)
	case ctrlReattach:
		w.reattach(msg.oldGroup)
		ackDone(msg.ack, nil)
		w.inFlightMu.Lock()
		w.inFlightSince = time.Time{}
		w.inFlightMu.Unlock()
		return
	case ctrlReset:
		w.applyReset(msg.cfg)
		ackDone(msg.ack, nil)
		w.inFlightMu.Lock()
		w.inFlightSince = time.Time{}
		w.inFlightMu.Unlock()
		return
	}

	elapsedCPU := threadCPUMs() - startCPU
	if elapsedCPU < 0 {
		elapsedCPU = 0
	}
	latencyMs := float64(time.Since(startWall).Microseconds()) / 1000

	w.inFlightMu.Lock()
	w.inFlightSince = time.Time{}
	w.inFlightMu.Unlock()

	currentMem := heapAllocBytes()
	w.mu.Lock()
	memDelta := currentMem - w.baseMem
	cpuQuota := w.cpuQuotaMs
	memQuota := w.memQuotaBytes
	w.mu.Unlock()
	if memDelta < 0 {
		memDelta = 0
	}

	cumulativeCPU := w.stats.snapshot(0).CPUMs + elapsedCPU

	finalErr := opErr
	if cpuQuota != nil && cumulativeCPU > float64(*cpuQuota) {
		finalErr = sberr.NewCPUExceeded(fmt.Sprintf(
			"sandbox '%s' exceeded cpu quota: %.2fms > %dms", w.name, cumulativeCPU, *cpuQuota))
	}
	if memQuota != nil && memDelta > *memQuota {
		finalErr = sberr.NewMemoryExceeded(fmt.Sprintf(
			"sandbox '%s' exceeded memory quota: %d bytes > %d bytes", w.name, memDelta, *memQuota))
	}

	w.stats.recordOp(elapsedCPU, memDelta, latencyMs, finalErr != nil)

	if finalErr != nil {
		var policyErr *sberr.Policy
		if errors.As(finalErr, &policyErr) {
			w.invokeViolation(finalErr)
		}
	}

	w.recordTrace(label, latencyMs, finalErr)

	item := Result{Value: result, Err: finalErr}
	select {
	case w.outbox <- item:
	case <-w.stopCh:
	}
}

func ackDone(ack chan error, err error) {
	if ack == nil {
		return
	}
	select {
	case ack <- err:
	default:
	}
}

func (w *Worker) invokeViolation(err error) {
	w.mu.Lock()
	h := w.onViolation
	name := w.name
	w.mu.Unlock()
	if h == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			log.WithSandbox(name).Warn().Interface("panic", r).Msg("violation handler panicked")
		}
	}()
	h(name, err)
}

func (w *Worker) recordTrace(label string, latencyMs float64, err error) {
	w.traceMu.Lock()
	defer w.traceMu.Unlock()
	if !w.traceOn {
		return
	}
	w.traceLog = append(w.traceLog, TraceEntry{Op: label, At: time.Now(), DurationMs: latencyMs, Err: err})
}

func (w *Worker) dispatchJob(hooks hookSet, job Job) (any, error) {
	switch job.Op {
	case OpExec:
		return w.rex.Exec(job.Source)

	case OpFSRead:
		if err := hooks.checkFS(job.Path); err != nil {
			return nil, err
		}
		data, err := os.ReadFile(job.Path)
		if err != nil {
			return nil, sberr.Wrap("reading "+job.Path, err)
		}
		return data, nil

	case OpFSWrite:
		if err := hooks.checkFS(job.Path); err != nil {
			return nil, err
		}
		if err := os.WriteFile(job.Path, job.Data, 0o644); err != nil {
			return nil, sberr.Wrap("writing "+job.Path, err)
		}
		return len(job.Data), nil

	case OpNetConnect:
		hp, ok := hostPort(job.Addr)
		if !ok {
			return nil, sberr.NewPolicy("malformed address '" + job.Addr + "'")
		}
		if err := hooks.checkNet(hp); err != nil {
			return nil, err
		}
		conn, err := net.DialTimeout("tcp", hp, netDialTimeout)
		if err != nil {
			return nil, sberr.Wrap("dialing "+hp, err)
		}
		_ = conn.Close()
		return hp, nil

	case OpImport:
		if err := hooks.checkImport(job.Module); err != nil {
			return nil, err
		}
		return ImportedModule{Name: job.Module}, nil

	case OpBusy:
		return nil, w.runBusy(job.Busy)

	default:
		return nil, sberr.Newf("unknown opcode %d", job.Op)
	}
}

// runBusy simulates sustained guest CPU/memory consumption: it actually
// spins the thread (rather than sleeping) so threadCPUMs reflects real
// usage, checking the quota and stop-flag every checkEvery iterations
// rather than on every spin (a syscall per iteration would dominate the
// work itself on Linux, where threadCPUMs reads RUSAGE_THREAD). There is
// no per-thread interrupt to cut a runaway loop short, so the loop itself
// must poll the quota and the stop flag.
func (w *Worker) runBusy(b BusyWork) error {
	var buf []byte
	if b.AllocBytes > 0 {
		buf = make([]byte, b.AllocBytes)
		for i := range buf {
			buf[i] = 1
		}
	}

	w.mu.Lock()
	quota := w.cpuQuotaMs
	w.mu.Unlock()
	baseline := w.stats.snapshot(0).CPUMs
	start := threadCPUMs()

	const checkEvery = 1 << 16
	deadline := time.Now().Add(b.Duration)
	var acc uint64
	for time.Now().Before(deadline) {
		for i := 0; i < checkEvery; i++ {
			acc += uint64(i) * uint64(i)
		}
		select {
		case <-w.stopCh:
			runtime.KeepAlive(buf)
			return nil
		default:
		}
		if quota != nil && baseline+(threadCPUMs()-start) > float64(*quota) {
			runtime.KeepAlive(buf)
			return nil
		}
	}
	runtime.KeepAlive(buf)
	runtime.KeepAlive(acc)
	return nil
}

func (w *Worker) dispatchCall(hooks hookSet, dotted string, args []any, kwargs map[string]any) (any, error) {
	idx := strings.LastIndex(dotted, ".")
	if idx <= 0 {
		return nil, sberr.Newf("call target '%s' must be 'module.Func'", dotted)
	}
	module, fn := dotted[:idx], dotted[idx+1:]

	if err := hooks.checkImport(module); err != nil {
		return nil, err
	}

	handler, ok := defaultRegistry.lookup(module, fn)
	if !ok {
		return nil, sberr.AsSandbox(fmt.Errorf("no handler registered for '%s'", dotted))
	}
	return handler(args, kwargs)
}

func (w *Worker) reattach(oldGroup *string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.group != nil {
		w.group.Delete()
	}
	res := cgroup.Resources(w.cpuQuotaMs, w.memQuotaBytes)
	w.group = cgroup.Create(w.name, res)
	w.group.AttachCurrentThread()
	if oldGroup != nil {
		log.WithSandbox(w.name).Debug().Str("previous_group", *oldGroup).Msg("reattached to new resource group")
	}
}

func (w *Worker) applyReset(cfg Config) {
	w.mu.Lock()
	if w.group != nil {
		w.group.Delete()
	}
	w.name = cfg.Name
	w.applyConfigLocked(cfg)
	w.group.AttachCurrentThread()
	if w.numaNode != nil {
		numa.BindCurrentThread(*w.numaNode)
	}
	w.baseMem = heapAllocBytes()
	w.generation++
	w.mu.Unlock()

	w.rex = newRestrictedExec()

	w.stats.reset()

	w.traceMu.Lock()
	w.traceOn = false
	w.traceLog = nil
	w.traceMu.Unlock()
}

func (w *Worker) enqueue(msg controlMsg) error {
	select {
	case w.inbox <- msg:
		return nil
	default:
		return sberr.Newf("worker '%s' inbox full", w.name)
	}
}

// Exec submits a Job for asynchronous evaluation; its Result (success or
// typed error) arrives on a subsequent Recv.
func (w *Worker) Exec(job Job) error {
	return w.enqueue(controlMsg{kind: ctrlExec, job: job})
}

// Call submits a dotted "module.Func" invocation and blocks for its single
// result. A typed policy/quota violation surfaces with its original type;
// any other failure is wrapped as *sberr.Sandbox.
func (w *Worker) Call(dotted string, args []any, kwargs map[string]any, timeout time.Duration) (any, error) {
	if err := w.enqueue(controlMsg{kind: ctrlCall, dotted: dotted, args: args, kwargs: kwargs}); err != nil {
		return nil, err
	}
	return w.Recv(timeout)
}

// Recv pops one Result from the outbox. A successful Value is returned; an
// Error result is returned as the error: sberr kinds keep their type, any
// other error is wrapped in *sberr.Sandbox. A zero timeout blocks
// indefinitely.
func (w *Worker) Recv(timeout time.Duration) (any, error) {
	var after <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		after = timer.C
	}
	select {
	case item, ok := <-w.outbox:
		if !ok {
			return nil, sberr.New("worker outbox closed")
		}
		if item.Err != nil {
			return nil, sberr.AsSandbox(item.Err)
		}
		return item.Value, nil
	case <-after:
		return nil, sberr.NewTimeout(fmt.Sprintf("recv timed out after %s", timeout))
	}
}

// Stop requests the worker drain at most its in-flight message, then exit,
// and blocks up to timeout for the control-loop goroutine to finish.
// Idempotent: a second Stop call simply waits on the same completion.
func (w *Worker) Stop(timeout time.Duration) error {
	w.stopped.Do(func() {
		select {
		case w.inbox <- controlMsg{kind: ctrlStop}:
		default:
		}
		close(w.stopCh)
	})

	var after <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		after = timer.C
	}
	select {
	case <-w.doneCh:
		w.mu.Lock()
		if w.group != nil {
			w.group.Delete()
		}
		w.mu.Unlock()
		return nil
	case <-after:
		return sberr.NewTimeout(fmt.Sprintf("worker '%s' did not stop within %s", w.name, timeout))
	}
}

// Reset re-initializes the worker's counters, policy, imports, resource
// group, and trace state from cfg — applied from the worker's own
// goroutine via a control message, never by mutating fields from the
// caller's goroutine.
func (w *Worker) Reset(cfg Config, timeout time.Duration) error {
	ack := make(chan error, 1)
	if err := w.enqueue(controlMsg{kind: ctrlReset, cfg: cfg, ack: ack}); err != nil {
		return err
	}
	select {
	case err := <-ack:
		return err
	case <-time.After(timeout):
		return sberr.NewTimeout("reset timed out")
	}
}

// Reattach asks the worker to release its current resource group (if any)
// and create/attach a fresh one under its current quotas.
func (w *Worker) Reattach(oldGroup *string, timeout time.Duration) error {
	ack := make(chan error, 1)
	if err := w.enqueue(controlMsg{kind: ctrlReattach, oldGroup: oldGroup, ack: ack}); err != nil {
		return err
	}
	select {
	case err := <-ack:
		return err
	case <-time.After(timeout):
		return sberr.NewTimeout("reattach timed out")
	}
}

// SetViolationHandler installs (or clears, with nil) the callback invoked
// synchronously whenever a dispatch fails with a policy violation.
func (w *Worker) SetViolationHandler(h ViolationHandler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onViolation = h
}

// EnableTracing turns on per-message trace recording.
func (w *Worker) EnableTracing() {
	w.traceMu.Lock()
	defer w.traceMu.Unlock()
	w.traceOn = true
}

// GetTraceLog returns a copy of the recorded trace entries.
func (w *Worker) GetTraceLog() []TraceEntry {
	w.traceMu.Lock()
	defer w.traceMu.Unlock()
	out := make([]TraceEntry, len(w.traceLog))
	copy(out, w.traceLog)
	return out
}

// Profile returns the worker's current accounting stats. When a message is
// in flight, the returned CPUMs includes its elapsed wall time so far.
func (w *Worker) Profile() Stats {
	w.inFlightMu.Lock()
	since := w.inFlightSince
	w.inFlightMu.Unlock()

	var inFlightMs float64
	if !since.IsZero() {
		inFlightMs = float64(time.Since(since).Microseconds()) / 1000
	}
	return w.stats.snapshot(inFlightMs)
}

// Snapshot captures the worker's current configuration in the shape
// pkg/snapshot seals into a checkpoint blob.
func (w *Worker) Snapshot() Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	sb := w.sb
	imports := make([]string, 0, len(w.allowedImports))
	for m := range w.allowedImports {
		imports = append(imports, m)
	}
	sort.Strings(imports)
	return Config{
		Name:           w.name,
		Policy:         &sb,
		CPUQuotaMs:     w.cpuQuotaMs,
		MemQuotaBytes:  w.memQuotaBytes,
		AllowedImports: imports,
		NUMANode:       w.numaNode,
	}
}

// Generation returns the worker's reset counter: zero for a new (or
// restored) worker, bumped on every Reset.
func (w *Worker) Generation() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.generation
}

// Quotas returns the worker's current CPU and memory quotas, copied so the
// caller (pkg/watchdog) can compare against an out-of-band sample without
// taking the worker's lock itself.
func (w *Worker) Quotas() (cpuMs, memBytes *int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cpuQuotaMs, w.memQuotaBytes
}

// InjectTermination delivers a terminal error straight to the outbox,
// bypassing the control loop entirely, then stops the worker — the path
// pkg/watchdog uses to act on an out-of-band quota sample without waiting
// for the in-flight dispatch (if any) to notice on its own. Best-effort: a
// full outbox drops the push rather than blocking the watchdog.
func (w *Worker) InjectTermination(err error) {
	select {
	case w.outbox <- Result{Err: err}:
	default:
	}
	go func() { _ = w.Stop(5 * time.Second) }()
}

// IsAlive reports whether the worker's control loop is still running —
// used by pkg/supervisor to prune dead entries from its registry and by a
// Handle's finalizer to decide whether an abandoned handle still needs
// closing.
func (w *Worker) IsAlive() bool {
	select {
	case <-w.doneCh:
		return false
	default:
		return true
	}
}
