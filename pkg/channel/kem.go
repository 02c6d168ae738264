package channel

import (
	"crypto/rand"

	"github.com/cuemby/sandboxd/pkg/sberr"
	"golang.org/x/crypto/curve25519"
)

// KEM is the key-encapsulation interface Handshake can optionally fold into
// the channel key alongside the baseline X25519 agreement. Implementations
// are expected to provide genuine post-quantum resistance; this package
// ships only X25519KEM, an honest stand-in with none.
type KEM interface {
	// Encapsulate generates an ephemeral encapsulation to peerPublic and
	// returns the wire ciphertext and the shared secret.
	Encapsulate(peerPublic []byte) (ciphertext, sharedSecret []byte, err error)
	// Decapsulate recovers the shared secret from a ciphertext produced by
	// a peer's Encapsulate call, using the local secret key.
	Decapsulate(ciphertext, secretKey []byte) (sharedSecret []byte, err error)
}

// X25519KEM is not a real post-quantum KEM: it exposes the encapsulate/
// decapsulate shape a hybrid KEM would have, built entirely on X25519 key
// agreement. It exists so the channel's hybrid-secret code path can be
// exercised end to end before a certified post-quantum KEM is wired in.
type X25519KEM struct{}

// GenerateKeyPair returns a (public, secret) pair suitable for Decapsulate.
func (X25519KEM) GenerateKeyPair() (public, secret []byte, err error) {
	kp, err := GenerateKeyPair(rand.Reader)
	if err != nil {
		return nil, nil, err
	}
	return kp.Public[:], kp.Private[:], nil
}

func (X25519KEM) Encapsulate(peerPublic []byte) (ciphertext, sharedSecret []byte, err error) {
	kp, err := GenerateKeyPair(rand.Reader)
	if err != nil {
		return nil, nil, err
	}
	shared, err := curve25519.X25519(kp.Private[:], peerPublic)
	if err != nil {
		return nil, nil, sberr.Wrap("encapsulating shared secret", err)
	}
	return kp.Public[:], shared, nil
}

func (X25519KEM) Decapsulate(ciphertext, secretKey []byte) (sharedSecret []byte, err error) {
	shared, err := curve25519.X25519(secretKey, ciphertext)
	if err != nil {
		return nil, sberr.Wrap("decapsulating shared secret", err)
	}
	return shared, nil
}
