package channel

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"github.com/cuemby/sandboxd/pkg/sberr"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// nonceSize is fixed by ChaCha20-Poly1305: a 12-byte little-endian counter.
const nonceSize = chacha20poly1305.NonceSize

// keyInfo is the fixed domain-separation string fed into HKDF-Expand.
const keyInfo = "sandboxd/channel/v1"

// CounterLimit is the largest frame counter this implementation will issue
// or accept before returning Overflow. The wire nonce is a 12-byte (96-bit)
// counter, but no practical run transmits anywhere near 2^64 frames, so the
// counter is kept as a plain uint64 rather than pulling in a bignum type;
// CounterLimit is the largest value representable there.
const CounterLimit = ^uint64(0)

// KeyPair is an X25519 key pair.
type KeyPair struct {
	Private [32]byte
	Public  [32]byte
}

// GenerateKeyPair creates a fresh X25519 key pair using rand.
func GenerateKeyPair(rand io.Reader) (KeyPair, error) {
	var kp KeyPair
	if _, err := io.ReadFull(rand, kp.Private[:]); err != nil {
		return KeyPair{}, sberr.Wrap("generating channel key pair", err)
	}
	curve25519.ScalarBaseMult(&kp.Public, &kp.Private)
	return kp, nil
}

// Channel is a framed, authenticated, replay-resistant duplex transport.
// All counter and key mutations are serialized by mu, so a Channel is safe
// for concurrent Frame/Unframe calls from multiple goroutines.
type Channel struct {
	mu           sync.Mutex
	aead         cipherAEAD
	txCtr        uint64
	rxCtr        uint64
	maxFrameLen  int
	counterLimit uint64
}

// cipherAEAD is the subset of cipher.AEAD this package needs; kept as an
// interface so tests can swap in a fixed-size dummy for timing checks.
type cipherAEAD interface {
	Seal(dst, nonce, plaintext, additionalData []byte) []byte
	Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
	Overhead() int
}

// Option configures a Channel at construction time.
type Option func(*Channel)

// WithMaxFrameLen bounds the ciphertext length Unframe will accept.
// Zero (the default) means unbounded.
func WithMaxFrameLen(n int) Option {
	return func(c *Channel) { c.maxFrameLen = n }
}

// WithCounterLimit overrides CounterLimit, mainly so tests can reach the
// Overflow path without issuing 2^64 frames.
func WithCounterLimit(limit uint64) Option {
	return func(c *Channel) { c.counterLimit = limit }
}

// New derives the channel's AEAD key from an X25519 shared secret and an
// optional post-quantum shared secret, and returns a Channel with both
// counters at zero.
func New(localPrivate, peerPublic [32]byte, pqSecret []byte, opts ...Option) (*Channel, error) {
	shared, err := curve25519.X25519(localPrivate[:], peerPublic[:])
	if err != nil {
		return nil, sberr.Wrap("computing X25519 shared secret", err)
	}

	key, err := deriveKey(shared, pqSecret)
	if err != nil {
		return nil, err
	}

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, sberr.Wrap("constructing AEAD cipher", err)
	}

	c := &Channel{aead: aead, counterLimit: CounterLimit}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func deriveKey(ikmParts ...[]byte) ([]byte, error) {
	var ikm []byte
	for _, p := range ikmParts {
		ikm = append(ikm, p...)
	}
	r := hkdf.New(sha256.New, ikm, nil, []byte(keyInfo))
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, sberr.Wrap("deriving channel key", err)
	}
	return key, nil
}

// Handshake generates (or reuses a supplied) local key pair, computes the
// shared channel, and returns the local public key to exchange with the
// peer out of band.
func Handshake(rand io.Reader, localPrivate *[32]byte, peerPublic [32]byte, pqSecret []byte, opts ...Option) (localPublic [32]byte, ch *Channel, err error) {
	var priv [32]byte
	if localPrivate != nil {
		priv = *localPrivate
		curve25519.ScalarBaseMult(&localPublic, &priv)
	} else {
		kp, genErr := GenerateKeyPair(rand)
		if genErr != nil {
			return [32]byte{}, nil, genErr
		}
		priv = kp.Private
		localPublic = kp.Public
	}

	ch, err = New(priv, peerPublic, pqSecret, opts...)
	if err != nil {
		return [32]byte{}, nil, err
	}
	return localPublic, ch, nil
}

// Frame encrypts plaintext under the next send counter and returns
// nonce || ciphertext_with_tag.
func (c *Channel) Frame(plaintext []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.txCtr > c.counterLimit {
		return nil, sberr.NewOverflow("channel send counter exhausted")
	}

	nonce := encodeNonce(c.txCtr)
	c.txCtr++

	out := make([]byte, nonceSize, nonceSize+len(plaintext)+c.aead.Overhead())
	copy(out, nonce[:])
	out = c.aead.Seal(out, nonce[:], plaintext, nil)
	return out, nil
}

// Unframe validates and decrypts a frame produced by Frame. Any malformed
// or replayed frame still drives a decrypt call against equivalent dummy
// input before the error is returned, so failure timing does not
// distinguish "too short", "replayed", and "genuine AEAD failure".
func (c *Channel) Unframe(frame []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.rxCtr > c.counterLimit {
		return nil, sberr.NewOverflow("channel receive counter exhausted")
	}

	if len(frame) < nonceSize+c.aead.Overhead() {
		c.dummyDecrypt()
		return nil, sberr.NewInvalidFrame("frame too short")
	}
	if c.maxFrameLen > 0 && len(frame)-nonceSize > c.maxFrameLen {
		c.dummyDecrypt()
		return nil, sberr.NewInvalidFrame("frame exceeds max_frame_len")
	}

	expected := encodeNonce(c.rxCtr)
	gotNonce := frame[:nonceSize]
	if subtle.ConstantTimeCompare(expected[:], gotNonce) != 1 {
		c.dummyDecrypt()
		return nil, sberr.NewReplay("frame counter does not match expected receive counter")
	}

	plaintext, err := c.aead.Open(nil, gotNonce, frame[nonceSize:], nil)
	if err != nil {
		return nil, sberr.NewInvalidFrame(fmt.Sprintf("AEAD open failed: %v", err))
	}
	c.rxCtr++
	return plaintext, nil
}

// dummyDecrypt performs an AEAD open against fixed, equivalently-sized
// dummy input so a malformed/replayed frame costs the same as a genuine
// AEAD failure.
func (c *Channel) dummyDecrypt() {
	dummyNonce := make([]byte, nonceSize)
	dummyCiphertext := make([]byte, c.aead.Overhead())
	_, _ = c.aead.Open(nil, dummyNonce, dummyCiphertext, nil)
}

// Rotate re-derives the channel key from a new key agreement and resets
// both counters to zero.
func (c *Channel) Rotate(newPrivate, newPeerPublic [32]byte, pqSecret []byte) error {
	shared, err := curve25519.X25519(newPrivate[:], newPeerPublic[:])
	if err != nil {
		return sberr.Wrap("computing X25519 shared secret", err)
	}
	key, err := deriveKey(shared, pqSecret)
	if err != nil {
		return err
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return sberr.Wrap("constructing AEAD cipher", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.aead = aead
	c.txCtr = 0
	c.rxCtr = 0
	return nil
}

func encodeNonce(ctr uint64) [nonceSize]byte {
	var nonce [nonceSize]byte
	binary.LittleEndian.PutUint64(nonce[:8], ctr)
	return nonce
}
