package supervisor

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/cuemby/sandboxd/pkg/alert"
	"github.com/cuemby/sandboxd/pkg/audit"
	"github.com/cuemby/sandboxd/pkg/capability"
	"github.com/cuemby/sandboxd/pkg/log"
	"github.com/cuemby/sandboxd/pkg/policy"
	"github.com/cuemby/sandboxd/pkg/sberr"
	"github.com/cuemby/sandboxd/pkg/watchdog"
	"github.com/cuemby/sandboxd/pkg/worker"
)

// Config configures a Supervisor at construction time.
type Config struct {
	// WarmPoolSize is the number of workers pre-started and held idle
	// ahead of demand. Spawn consumes one (resetting it into the
	// requested configuration) before falling back to starting a fresh
	// worker.
	WarmPoolSize int

	// AuditLog, if non-nil, receives a record of every privileged
	// operation attempt and every dispatched violation alert.
	AuditLog *audit.Log
}

// SpawnOptions parameterizes Spawn. A nil Policy falls back to whatever
// the Supervisor's currently loaded policy document assigns the sandbox
// name (or "default"), and finally to no SandboxPolicy when neither
// applies, leaving the worker's defaults: only /etc denied for fs, every
// connect allowed.
type SpawnOptions struct {
	Policy         *policy.SandboxPolicy
	CPUQuotaMs     *int64
	MemQuotaBytes  *int64
	AllowedImports []string
	NUMANode       *int
}

// Supervisor owns a registry of live sandbox handles, a warm pool of
// pre-started workers, the currently loaded policy document, and the
// privileged-operation gate. The zero value is not usable; construct with
// New.
type Supervisor struct {
	cfg Config

	mu       sync.Mutex
	handles  map[string]*Handle
	warmPool []*worker.Worker

	policyMu sync.Mutex
	pol      *policy.Policy
	secret   string

	alerts    *alert.Dispatcher
	auditLog  *audit.Log
	wd        *watchdog.Watchdog
	wdSamples chan watchdog.Sample
}

// New constructs a Supervisor and starts its watchdog and warm pool.
func New(cfg Config) *Supervisor {
	if cfg.WarmPoolSize < 0 {
		cfg.WarmPoolSize = 0
	}
	s := &Supervisor{
		cfg:       cfg,
		handles:   make(map[string]*Handle),
		alerts:    alert.New(),
		auditLog:  cfg.AuditLog,
		wdSamples: make(chan watchdog.Sample, 64),
	}
	s.wd = watchdog.New(s.lookupWorker, s.wdSamples)
	s.wd.Start()

	for i := 0; i < cfg.WarmPoolSize; i++ {
		s.warmPool = append(s.warmPool, worker.New(worker.Config{Name: fmt.Sprintf("warm-%d", i)}))
	}
	return s
}

// FeedQuotaSample hands one out-of-band resource sample to the
// Supervisor's watchdog. The sample source (a cgroup poller or similar
// collaborator) lives outside this package; this is just the entry point
// it pushes through. Best-effort: a saturated internal queue drops the
// sample rather than blocking the caller.
func (s *Supervisor) FeedQuotaSample(sample watchdog.Sample) {
	select {
	case s.wdSamples <- sample:
	default:
	}
}

func (s *Supervisor) lookupWorker(name string) (*worker.Worker, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.handles[name]
	if !ok {
		return nil, false
	}
	return h.w, true
}

func (s *Supervisor) forget(name string, h *Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.handles[name]; ok && cur == h {
		delete(s.handles, name)
	}
}

// cleanupDeadLocked drops registry entries whose worker has stopped
// without going through Handle.Close (e.g. it hit an unrecoverable error
// and tore down its own control loop). Callers must hold s.mu.
func (s *Supervisor) cleanupDeadLocked() {
	for name, h := range s.handles {
		if !h.w.IsAlive() {
			delete(s.handles, name)
		}
	}
}

// resolvePolicy picks the SandboxPolicy a new spawn should use: an
// explicit opts.Policy wins outright, otherwise the Supervisor's loaded
// policy document is consulted for name (falling back to its "default"
// entry), otherwise it returns nil and the worker's defaults apply.
func (s *Supervisor) resolvePolicy(name string, opts SpawnOptions) *policy.SandboxPolicy {
	if opts.Policy != nil {
		return opts.Policy
	}
	s.policyMu.Lock()
	pol := s.pol
	s.policyMu.Unlock()
	if pol == nil {
		return nil
	}
	if sb, ok := pol.For(name); ok {
		return &sb
	}
	return nil
}

// Spawn starts (or reuses a warm-pool worker for) a named sandbox and
// returns a Handle to it. name must be non-empty and at most 64 bytes.
func (s *Supervisor) Spawn(name string, opts SpawnOptions) (*Handle, error) {
	if name == "" {
		return nil, sberr.NewPolicy("sandbox name must not be empty")
	}
	if len(name) > 64 {
		return nil, sberr.NewPolicy("sandbox name must be at most 64 characters")
	}

	cfg := worker.Config{
		Name:           name,
		Policy:         s.resolvePolicy(name, opts),
		CPUQuotaMs:     opts.CPUQuotaMs,
		MemQuotaBytes:  opts.MemQuotaBytes,
		AllowedImports: opts.AllowedImports,
		NUMANode:       opts.NUMANode,
	}

	s.mu.Lock()
	s.cleanupDeadLocked()
	if _, exists := s.handles[name]; exists {
		s.mu.Unlock()
		return nil, sberr.NewPolicy(fmt.Sprintf("sandbox '%s' is already active", name))
	}
	var w *worker.Worker
	if n := len(s.warmPool); n > 0 {
		w = s.warmPool[n-1]
		s.warmPool = s.warmPool[:n-1]
	}
	s.mu.Unlock()

	if w != nil {
		if err := w.Reset(cfg, 5*time.Second); err != nil {
			log.WithSandbox(name).Warn().Err(err).Msg("warm worker failed to reset; starting fresh")
			_ = w.Stop(time.Second)
			w = nil
		}
	}
	if w == nil {
		w = worker.New(cfg)
	}
	w.SetViolationHandler(s.dispatchViolation)

	h := newHandle(s, w)
	s.mu.Lock()
	s.handles[name] = h
	s.mu.Unlock()

	return h, nil
}

// ListActive returns a snapshot of every currently registered handle,
// keyed by sandbox name.
func (s *Supervisor) ListActive() map[string]*Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cleanupDeadLocked()
	out := make(map[string]*Handle, len(s.handles))
	for name, h := range s.handles {
		out[name] = h
	}
	return out
}

func (s *Supervisor) dispatchViolation(sandboxName string, err error) {
	v := alert.Violation{Sandbox: sandboxName, Op: "dispatch", Err: err}
	s.alerts.Dispatch(v)
	if s.auditLog != nil {
		_ = s.auditLog.RecordAlert(v, time.Now())
	}
}

// RegisterAlertHandler subscribes handler to every policy violation raised
// by a sandbox spawned from this Supervisor.
func (s *Supervisor) RegisterAlertHandler(handler alert.Handler) {
	s.alerts.Register(handler)
}

// SetPolicyToken sets the shared secret accepted, in place of a capability
// token, by ReloadPolicy's string-token form. An empty secret disables the
// string-token form entirely.
func (s *Supervisor) SetPolicyToken(secret string) {
	s.policyMu.Lock()
	defer s.policyMu.Unlock()
	s.secret = secret
}

// authorize accepts either the canonical root capability.Token or a string
// compared in constant time against the configured secret.
func (s *Supervisor) authorize(token any) error {
	switch t := token.(type) {
	case capability.Token:
		if !t.Is(capability.Root()) {
			return sberr.NewPolicyAuth("capability token is not the canonical root capability")
		}
		return nil
	case string:
		s.policyMu.Lock()
		secret := s.secret
		s.policyMu.Unlock()
		if secret == "" || subtle.ConstantTimeCompare([]byte(secret), []byte(t)) != 1 {
			return sberr.NewPolicyAuth("policy token does not match the configured secret")
		}
		return nil
	default:
		return sberr.NewPolicyAuth("unsupported authorization token type")
	}
}

// ReloadPolicy authorizes token, reads the compiled policy JSON at path,
// and atomically swaps it in. It satisfies policy.Reloader so
// policy.Refresh/RefreshRemote can drive it without this package importing
// pkg/policy's refresh helpers circularly.
func (s *Supervisor) ReloadPolicy(path string, token any) error {
	if err := s.authorize(token); err != nil {
		s.recordPrivileged("reload_policy", false, err.Error())
		return err
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return sberr.Wrap("reading compiled policy", err)
	}

	var pol policy.Policy
	if err := json.Unmarshal(raw, &pol); err != nil {
		return sberr.NewCompileErrorf("compiled policy at '%s' is not a valid policy document: %v", path, err)
	}
	if pol.Sandboxes == nil {
		return sberr.NewCompileError("compiled policy has no sandboxes")
	}

	s.policyMu.Lock()
	s.pol = &pol
	s.policyMu.Unlock()

	s.recordPrivileged("reload_policy", true, "")
	log.WithPolicyVersion(pol.Version).Info().Str("path", path).Msg("policy reloaded")
	return nil
}

// Shutdown authorizes cap as the canonical root capability, stops every
// active handle and every warm-pool worker, and stops the watchdog.
// Calling Shutdown again on an already-shut-down Supervisor is a no-op
// that returns nil.
func (s *Supervisor) Shutdown(cap capability.Token, timeout time.Duration) error {
	if !cap.Is(capability.Root()) {
		err := sberr.NewPolicyAuth("shutdown requires the canonical root capability")
		s.recordPrivileged("shutdown", false, err.Error())
		return err
	}

	_ = s.wd.Stop(timeout)

	s.mu.Lock()
	handles := make([]*Handle, 0, len(s.handles))
	for _, h := range s.handles {
		handles = append(handles, h)
	}
	warm := s.warmPool
	s.handles = make(map[string]*Handle)
	s.warmPool = nil
	s.mu.Unlock()

	for _, h := range handles {
		_ = h.Close(timeout)
	}
	for _, w := range warm {
		_ = w.Stop(timeout)
	}

	s.recordPrivileged("shutdown", true, "")
	return nil
}

func (s *Supervisor) recordPrivileged(op string, allowed bool, detail string) {
	if s.auditLog == nil {
		return
	}
	_ = s.auditLog.RecordPrivilegedOp("", op, allowed, detail, time.Now())
}
