package snapshot

import (
	"crypto/rand"
	"testing"
	"time"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/cuemby/sandboxd/pkg/policy"
	"github.com/cuemby/sandboxd/pkg/sberr"
	"github.com/cuemby/sandboxd/pkg/worker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey(t *testing.T) []byte {
	t.Helper()
	return make([]byte, KeySize)
}

func TestCheckpointRestoreRoundTrip(t *testing.T) {
	t.Setenv("SANDBOXD_CGROUP_ROOT", t.TempDir())
	cpu := int64(500)
	sb := policy.SandboxPolicy{Imports: []string{"json"}}
	w := worker.New(worker.Config{Name: "snap", Policy: &sb, CPUQuotaMs: &cpu})

	key := testKey(t)
	blob, err := Checkpoint(w, key, time.Second)
	require.NoError(t, err)
	assert.Greater(t, len(blob), nonceSize)

	cfg, err := Restore(blob, key)
	require.NoError(t, err)
	assert.Equal(t, "snap", cfg.Name)
	require.NotNil(t, cfg.CPUQuotaMs)
	assert.Equal(t, int64(500), *cfg.CPUQuotaMs)
}

func TestCheckpointStopsWorkerEvenOnBadKey(t *testing.T) {
	t.Setenv("SANDBOXD_CGROUP_ROOT", t.TempDir())
	w := worker.New(worker.Config{Name: "bad-key"})

	_, err := Checkpoint(w, []byte("too-short"), time.Second)
	require.Error(t, err)
	var invalid *sberr.InvalidSnapshot
	assert.ErrorAs(t, err, &invalid)

	// The worker must have been stopped regardless of the seal outcome.
	require.NoError(t, w.Stop(10*time.Millisecond))
}

func TestRestoreRejectsWrongKey(t *testing.T) {
	t.Setenv("SANDBOXD_CGROUP_ROOT", t.TempDir())
	w := worker.New(worker.Config{Name: "wrong-key"})
	key := testKey(t)
	blob, err := Checkpoint(w, key, time.Second)
	require.NoError(t, err)

	otherKey := make([]byte, KeySize)
	otherKey[0] = 1
	_, err = Restore(blob, otherKey)
	require.Error(t, err)
	var invalid *sberr.InvalidSnapshot
	assert.ErrorAs(t, err, &invalid)
}

func TestRestoreRejectsMissingName(t *testing.T) {
	key := testKey(t)
	blob := sealRaw(t, key, []byte(`{"cpu_ms": 5}`))
	_, err := Restore(blob, key)
	require.Error(t, err)
	var invalid *sberr.InvalidSnapshot
	assert.ErrorAs(t, err, &invalid)
}

func TestRestoreRejectsNonObjectPayload(t *testing.T) {
	key := testKey(t)
	blob := sealRaw(t, key, []byte(`["not", "an", "object"]`))
	_, err := Restore(blob, key)
	require.Error(t, err)
	var invalid *sberr.InvalidSnapshot
	assert.ErrorAs(t, err, &invalid)
}

func TestMigrateRoundTripsThroughTransport(t *testing.T) {
	t.Setenv("SANDBOXD_CGROUP_ROOT", t.TempDir())
	w := worker.New(worker.Config{Name: "migrating"})
	key := testKey(t)

	var transported []byte
	transport := func(blob []byte) ([]byte, error) {
		transported = append([]byte(nil), blob...)
		return transported, nil
	}

	restored, err := Migrate(w, key, transport, time.Second)
	require.NoError(t, err)
	defer restored.Stop(time.Second)

	assert.Equal(t, "migrating", restored.Name())
	assert.NotEmpty(t, transported)
}

// sealRaw seals arbitrary plaintext directly, bypassing Checkpoint, so
// tests can exercise Restore's payload-shape validation against bodies a
// real worker.Config would never produce (Config.Name has no omitempty
// tag, so Checkpoint's own JSON always carries a "name" key).
func sealRaw(t *testing.T, key, plaintext []byte) []byte {
	t.Helper()
	aead, err := chacha20poly1305.New(key)
	require.NoError(t, err)
	nonce := make([]byte, nonceSize)
	_, err = rand.Read(nonce)
	require.NoError(t, err)
	sealed := aead.Seal(nil, nonce, plaintext, nil)
	return append(append([]byte{}, nonce...), sealed...)
}
