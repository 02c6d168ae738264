/*
Package channel implements the authenticated transport between a supervisor
and its remote broker peer.

Each side holds a shared ChaCha20-Poly1305 key derived by HKDF-SHA256 over
the concatenation of an X25519 shared secret and, optionally, a
post-quantum KEM shared secret (see the KEM interface in kem.go — this
package ships only X25519KEM, an honestly-labeled stand-in, never a
certified post-quantum primitive). Every frame on the wire is:

	nonce(12 bytes, little-endian send counter) || ciphertext_with_tag

Frame and Unframe reject out-of-order or replayed frames by comparing the
received nonce against the expected next receive counter in constant time.
Malformed frames (too short, oversize, or a counter mismatch) still drive an
AEAD Open call against equivalent dummy input before the typed error is
returned, so a network observer cannot distinguish "frame was truncated"
from "frame failed authentication" by timing alone.

Rotate re-derives the key from a fresh key agreement and resets both
counters to zero; this is the only way to extend a channel's lifetime past
CounterLimit frames in either direction.
*/
package channel
