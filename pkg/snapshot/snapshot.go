package snapshot

import (
	"crypto/rand"
	"encoding/json"
	"time"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/cuemby/sandboxd/pkg/sberr"
	"github.com/cuemby/sandboxd/pkg/worker"
)

// KeySize is the required length, in bytes, of every checkpoint/restore key.
const KeySize = chacha20poly1305.KeySize

const nonceSize = chacha20poly1305.NonceSize

// Checkpoint captures w's current configuration, serializes it as
// canonical JSON, and seals it under key with a fresh random nonce. w is
// stopped within closeTimeout regardless of whether sealing succeeds —
// a checkpoint consumes the worker whether or not it produces a usable
// blob.
func Checkpoint(w *worker.Worker, key []byte, closeTimeout time.Duration) ([]byte, error) {
	defer func() { _ = w.Stop(closeTimeout) }()

	if len(key) != KeySize {
		return nil, sberr.NewInvalidSnapshot("checkpoint key must be 32 bytes")
	}

	cfg := w.Snapshot()
	plain, err := json.Marshal(cfg)
	if err != nil {
		return nil, sberr.NewInvalidSnapshot("snapshot config is not serializable: " + err.Error())
	}

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, sberr.Wrap("constructing checkpoint cipher", err)
	}

	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, sberr.Wrap("generating checkpoint nonce", err)
	}

	sealed := aead.Seal(nil, nonce, plain, nil)
	blob := make([]byte, 0, nonceSize+len(sealed))
	blob = append(blob, nonce...)
	blob = append(blob, sealed...)
	return blob, nil
}

// Restore opens blob under key and decodes the enclosed worker.Config,
// without spawning a worker. It rejects payloads that are not a JSON
// object, that lack a non-empty string "name", or whose "name" is not a
// string.
func Restore(blob, key []byte) (worker.Config, error) {
	if len(key) != KeySize {
		return worker.Config{}, sberr.NewInvalidSnapshot("restore key must be 32 bytes")
	}
	if len(blob) < nonceSize {
		return worker.Config{}, sberr.NewInvalidSnapshot("checkpoint blob is shorter than one nonce")
	}

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return worker.Config{}, sberr.Wrap("constructing restore cipher", err)
	}

	nonce, ciphertext := blob[:nonceSize], blob[nonceSize:]
	plain, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return worker.Config{}, sberr.NewInvalidSnapshot("could not open checkpoint: " + err.Error())
	}

	var raw map[string]any
	if err := json.Unmarshal(plain, &raw); err != nil {
		return worker.Config{}, sberr.NewInvalidSnapshot("checkpoint payload is not a JSON object")
	}
	nameVal, ok := raw["name"]
	if !ok {
		return worker.Config{}, sberr.NewInvalidSnapshot("checkpoint payload is missing 'name'")
	}
	nameStr, ok := nameVal.(string)
	if !ok || nameStr == "" {
		return worker.Config{}, sberr.NewInvalidSnapshot("checkpoint 'name' must be a non-empty string")
	}

	var cfg worker.Config
	if err := json.Unmarshal(plain, &cfg); err != nil {
		return worker.Config{}, sberr.NewInvalidSnapshot("checkpoint payload does not match the config shape")
	}
	return cfg, nil
}

// RestoreWorker opens blob under key and spawns a fresh worker from the
// decoded configuration.
func RestoreWorker(blob, key []byte) (*worker.Worker, error) {
	cfg, err := Restore(blob, key)
	if err != nil {
		return nil, err
	}
	return worker.New(cfg), nil
}

// Transport carries a checkpoint blob to a remote host and back (e.g. a
// network call to a peer supervisor); a nil Transport in Migrate leaves
// the blob untouched, reducing Migrate to a local checkpoint+restore
// round trip.
type Transport func(blob []byte) ([]byte, error)

// Migrate checkpoints w, optionally hands the blob through transport, and
// restores it into a freshly spawned worker.
func Migrate(w *worker.Worker, key []byte, transport Transport, closeTimeout time.Duration) (*worker.Worker, error) {
	blob, err := Checkpoint(w, key, closeTimeout)
	if err != nil {
		return nil, err
	}
	if transport != nil {
		blob, err = transport(blob)
		if err != nil {
			return nil, sberr.Wrap("transporting checkpoint", err)
		}
	}
	return RestoreWorker(blob, key)
}
