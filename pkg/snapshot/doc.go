// Package snapshot bridges a running worker's configuration into a sealed,
// portable blob and back. A checkpoint is a plain AEAD seal of the
// worker's canonical-JSON config under a caller-supplied 32-byte key —
// unrelated to pkg/channel's X25519 key agreement, since the key here is
// handed in directly rather than derived from a peer exchange.
//
// Checkpoint consumes its worker: the worker is stopped whether or not
// sealing succeeds, so a failed checkpoint never leaves a half-captured
// worker running. Migrate composes Checkpoint, an optional Transport hop,
// and Restore; with a nil Transport it collapses to a local round trip.
package snapshot
