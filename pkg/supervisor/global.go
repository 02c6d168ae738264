package supervisor

import (
	"sync/atomic"
	"time"

	"github.com/cuemby/sandboxd/pkg/alert"
	"github.com/cuemby/sandboxd/pkg/capability"
	"github.com/cuemby/sandboxd/pkg/watchdog"
)

// current holds the process-wide Supervisor instance the package-level
// aliases below delegate to. Shutdown replaces it with a fresh Supervisor
// built from the same Config, so a caller that only ever uses the
// package-level functions sees a clean instance immediately after
// shutdown returns.
var current atomic.Pointer[Supervisor]

func init() {
	current.Store(New(Config{}))
}

// Current returns the process-wide Supervisor instance the package-level
// functions below delegate to.
func Current() *Supervisor { return current.Load() }

// Configure replaces the process-wide Supervisor with a freshly constructed
// one built from cfg, without going through Shutdown's authorization or
// drain behavior. Intended for process startup, before any sandbox has
// been spawned against the default instance.
func Configure(cfg Config) *Supervisor {
	s := New(cfg)
	current.Store(s)
	return s
}

// Spawn delegates to Current().Spawn.
func Spawn(name string, opts SpawnOptions) (*Handle, error) {
	return Current().Spawn(name, opts)
}

// ListActive delegates to Current().ListActive.
func ListActive() map[string]*Handle {
	return Current().ListActive()
}

// ReloadPolicy delegates to Current().ReloadPolicy.
func ReloadPolicy(path string, token any) error {
	return Current().ReloadPolicy(path, token)
}

// SetPolicyToken delegates to Current().SetPolicyToken.
func SetPolicyToken(secret string) {
	Current().SetPolicyToken(secret)
}

// RegisterAlertHandler delegates to Current().RegisterAlertHandler.
func RegisterAlertHandler(handler alert.Handler) {
	Current().RegisterAlertHandler(handler)
}

// FeedQuotaSample delegates to Current().FeedQuotaSample.
func FeedQuotaSample(sample watchdog.Sample) {
	Current().FeedQuotaSample(sample)
}

// Shutdown authorizes cap against the current process-wide Supervisor,
// drains it, and replaces it with a fresh instance built from the same
// Config before returning.
func Shutdown(cap capability.Token, timeout time.Duration) error {
	s := Current()
	if err := s.Shutdown(cap, timeout); err != nil {
		return err
	}
	current.Store(New(s.cfg))
	return nil
}
