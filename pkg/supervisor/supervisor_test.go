package supervisor

import (
	"errors"
	"os"
	"testing"
	"time"

	"github.com/cuemby/sandboxd/pkg/alert"
	"github.com/cuemby/sandboxd/pkg/audit"
	"github.com/cuemby/sandboxd/pkg/capability"
	"github.com/cuemby/sandboxd/pkg/sberr"
	"github.com/cuemby/sandboxd/pkg/watchdog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setCgroupRoot(t *testing.T) {
	t.Helper()
	t.Setenv("SANDBOXD_CGROUP_ROOT", t.TempDir())
}

func TestSpawnAndListActive(t *testing.T) {
	setCgroupRoot(t)
	s := New(Config{})
	defer s.Shutdown(capability.Root(), time.Second)

	h, err := s.Spawn("guest-1", SpawnOptions{})
	require.NoError(t, err)
	defer h.Close(time.Second)

	active := s.ListActive()
	assert.Len(t, active, 1)
	assert.Same(t, h, active["guest-1"])
}

func TestSpawnRejectsDuplicateName(t *testing.T) {
	setCgroupRoot(t)
	s := New(Config{})
	defer s.Shutdown(capability.Root(), time.Second)

	h, err := s.Spawn("dup", SpawnOptions{})
	require.NoError(t, err)
	defer h.Close(time.Second)

	_, err = s.Spawn("dup", SpawnOptions{})
	require.Error(t, err)
	var polErr *sberr.Policy
	assert.ErrorAs(t, err, &polErr)
}

func TestSpawnRejectsEmptyAndOverlongName(t *testing.T) {
	setCgroupRoot(t)
	s := New(Config{})
	defer s.Shutdown(capability.Root(), time.Second)

	_, err := s.Spawn("", SpawnOptions{})
	require.Error(t, err)

	long := make([]byte, 65)
	for i := range long {
		long[i] = 'a'
	}
	_, err = s.Spawn(string(long), SpawnOptions{})
	require.Error(t, err)
}

func TestCloseRemovesFromRegistryAndAllowsRespawn(t *testing.T) {
	setCgroupRoot(t)
	s := New(Config{})
	defer s.Shutdown(capability.Root(), time.Second)

	h, err := s.Spawn("reusable", SpawnOptions{})
	require.NoError(t, err)
	require.NoError(t, h.Close(time.Second))

	assert.Empty(t, s.ListActive())

	h2, err := s.Spawn("reusable", SpawnOptions{})
	require.NoError(t, err)
	defer h2.Close(time.Second)
}

func TestWarmPoolIsConsumedBeforeStartingFreshWorkers(t *testing.T) {
	setCgroupRoot(t)
	s := New(Config{WarmPoolSize: 2})
	defer s.Shutdown(capability.Root(), time.Second)

	s.mu.Lock()
	warmCount := len(s.warmPool)
	s.mu.Unlock()
	require.Equal(t, 2, warmCount)

	h, err := s.Spawn("from-pool", SpawnOptions{})
	require.NoError(t, err)
	defer h.Close(time.Second)

	s.mu.Lock()
	warmCount = len(s.warmPool)
	s.mu.Unlock()
	assert.Equal(t, 1, warmCount)
}

func TestReloadPolicyAcceptsRootCapability(t *testing.T) {
	setCgroupRoot(t)
	s := New(Config{})
	defer s.Shutdown(capability.Root(), time.Second)

	path := writeCompiledPolicy(t, `{"version":"0.1","sandboxes":{"default":{"fs":[],"tcp":[],"imports":[]}}}`)
	require.NoError(t, s.ReloadPolicy(path, capability.Root()))
}

func TestReloadPolicyRejectsNonCanonicalCapability(t *testing.T) {
	setCgroupRoot(t)
	s := New(Config{})
	defer s.Shutdown(capability.Root(), time.Second)

	path := writeCompiledPolicy(t, `{"version":"0.1","sandboxes":{}}`)
	err := s.ReloadPolicy(path, capability.Mint("root"))
	require.Error(t, err)
	var authErr *sberr.PolicyAuth
	assert.ErrorAs(t, err, &authErr)
}

func TestReloadPolicyAcceptsMatchingSecret(t *testing.T) {
	setCgroupRoot(t)
	s := New(Config{})
	defer s.Shutdown(capability.Root(), time.Second)
	s.SetPolicyToken("hunter2")

	path := writeCompiledPolicy(t, `{"version":"0.1","sandboxes":{}}`)
	require.NoError(t, s.ReloadPolicy(path, "hunter2"))

	err := s.ReloadPolicy(path, "wrong")
	require.Error(t, err)
}

func TestSpawnUsesReloadedPolicyForNamedSandbox(t *testing.T) {
	setCgroupRoot(t)
	s := New(Config{})
	defer s.Shutdown(capability.Root(), time.Second)

	path := writeCompiledPolicy(t, `{
		"version":"0.1",
		"sandboxes": {
			"guarded": {"fs": [{"action":"allow","path":"/tmp"}], "tcp": [], "imports": ["json"]}
		}
	}`)
	require.NoError(t, s.ReloadPolicy(path, capability.Root()))

	h, err := s.Spawn("guarded", SpawnOptions{})
	require.NoError(t, err)
	defer h.Close(time.Second)

	cfg := h.Snapshot()
	require.NotNil(t, cfg.Policy)
	assert.True(t, cfg.Policy.HasFS())
}

func TestShutdownRequiresRootCapability(t *testing.T) {
	setCgroupRoot(t)
	s := New(Config{})

	err := s.Shutdown(capability.Mint("root"), time.Second)
	require.Error(t, err)
	var authErr *sberr.PolicyAuth
	assert.ErrorAs(t, err, &authErr)

	require.NoError(t, s.Shutdown(capability.Root(), time.Second))
}

func TestShutdownIsIdempotent(t *testing.T) {
	setCgroupRoot(t)
	s := New(Config{WarmPoolSize: 1})
	h, err := s.Spawn("goes-away", SpawnOptions{})
	require.NoError(t, err)
	_ = h

	require.NoError(t, s.Shutdown(capability.Root(), time.Second))
	assert.Empty(t, s.ListActive())
	require.NoError(t, s.Shutdown(capability.Root(), time.Second))
}

func TestShutdownStopsActiveAndWarmWorkers(t *testing.T) {
	setCgroupRoot(t)
	s := New(Config{WarmPoolSize: 1})
	h, err := s.Spawn("active", SpawnOptions{})
	require.NoError(t, err)

	require.NoError(t, s.Shutdown(capability.Root(), time.Second))
	assert.False(t, h.w.IsAlive())
}

func TestViolationAlertsAreDispatchedAndAudited(t *testing.T) {
	setCgroupRoot(t)
	l := openTestAuditLog(t)
	s := New(Config{AuditLog: l})
	defer s.Shutdown(capability.Root(), time.Second)

	var got alert.Violation
	s.RegisterAlertHandler(func(v alert.Violation) { got = v })

	s.dispatchViolation("guest-x", errors.New("path denied"))
	assert.Equal(t, "guest-x", got.Sandbox)

	entries, err := l.List()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "guest-x", entries[0].Sandbox)
	assert.Equal(t, "path denied", entries[0].Detail)
}

func TestFeedQuotaSampleTerminatesOverQuotaWorker(t *testing.T) {
	setCgroupRoot(t)
	s := New(Config{})
	defer s.Shutdown(capability.Root(), time.Second)

	cpu := int64(10)
	h, err := s.Spawn("hot", SpawnOptions{CPUQuotaMs: &cpu})
	require.NoError(t, err)

	s.FeedQuotaSample(watchdog.Sample{Name: "hot", CPUMs: 50})

	require.Eventually(t, func() bool { return !h.w.IsAlive() }, time.Second, 5*time.Millisecond)
}

func writeCompiledPolicy(t *testing.T, json string) string {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "policy-*.json")
	require.NoError(t, err)
	_, err = f.WriteString(json)
	require.NoError(t, err)
	require.NoError(t, f.Close())
	return f.Name()
}

func openTestAuditLog(t *testing.T) *audit.Log {
	t.Helper()
	l, err := audit.Open(t.TempDir() + "/audit.db")
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}
