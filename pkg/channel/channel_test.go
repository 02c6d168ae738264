package channel

import (
	"crypto/rand"
	"testing"
	"time"

	"github.com/cuemby/sandboxd/pkg/sberr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pairedChannels(t *testing.T, opts ...Option) (a, b *Channel) {
	t.Helper()
	alice, err := GenerateKeyPair(rand.Reader)
	require.NoError(t, err)
	bob, err := GenerateKeyPair(rand.Reader)
	require.NoError(t, err)

	a, err = New(alice.Private, bob.Public, nil, opts...)
	require.NoError(t, err)
	b, err = New(bob.Private, alice.Public, nil, opts...)
	require.NoError(t, err)
	return a, b
}

func TestFrameUnframeRoundTrip(t *testing.T) {
	a, b := pairedChannels(t)

	frame, err := a.Frame([]byte("hello sandbox"))
	require.NoError(t, err)

	plaintext, err := b.Unframe(frame)
	require.NoError(t, err)
	assert.Equal(t, "hello sandbox", string(plaintext))
}

func TestUnframeRejectsReplayedFrame(t *testing.T) {
	a, b := pairedChannels(t)

	frame, err := a.Frame([]byte("one"))
	require.NoError(t, err)
	_, err = b.Unframe(frame)
	require.NoError(t, err)

	// Resubmitting the same frame puts the nonce behind the expected
	// receive counter.
	_, err = b.Unframe(frame)
	require.Error(t, err)
	var replay *sberr.Replay
	assert.ErrorAs(t, err, &replay)
}

func TestUnframeRejectsOutOfOrderFrame(t *testing.T) {
	a, b := pairedChannels(t)

	f1, err := a.Frame([]byte("one"))
	require.NoError(t, err)
	f2, err := a.Frame([]byte("two"))
	require.NoError(t, err)

	_, err = b.Unframe(f2)
	require.Error(t, err)
	var replay *sberr.Replay
	assert.ErrorAs(t, err, &replay)

	// The in-order frame still works afterward, and the previously
	// rejected frame becomes acceptable once its counter is the
	// expected one.
	plaintext, err := b.Unframe(f1)
	require.NoError(t, err)
	assert.Equal(t, "one", string(plaintext))

	plaintext, err = b.Unframe(f2)
	require.NoError(t, err)
	assert.Equal(t, "two", string(plaintext))
}

func TestUnframeRejectsTooShortFrame(t *testing.T) {
	_, b := pairedChannels(t)

	_, err := b.Unframe([]byte{1, 2, 3})
	require.Error(t, err)
	var invalid *sberr.InvalidFrame
	assert.ErrorAs(t, err, &invalid)
}

func TestUnframeRejectsOversizeFrame(t *testing.T) {
	a, b := pairedChannels(t, WithMaxFrameLen(4))

	frame, err := a.Frame([]byte("this plaintext is too long"))
	require.NoError(t, err)

	_, err = b.Unframe(frame)
	require.Error(t, err)
	var invalid *sberr.InvalidFrame
	assert.ErrorAs(t, err, &invalid)
}

func TestFrameOverflowsAtCounterLimit(t *testing.T) {
	a, _ := pairedChannels(t, WithCounterLimit(1))

	_, err := a.Frame([]byte("a"))
	require.NoError(t, err)
	_, err = a.Frame([]byte("b"))
	require.NoError(t, err)

	_, err = a.Frame([]byte("c"))
	require.Error(t, err)
	var overflow *sberr.Overflow
	assert.ErrorAs(t, err, &overflow)
}

func TestRotateResetsCountersAndKey(t *testing.T) {
	a, b := pairedChannels(t)

	_, err := a.Frame([]byte("pre-rotate"))
	require.NoError(t, err)

	newAlice, err := GenerateKeyPair(rand.Reader)
	require.NoError(t, err)
	newBob, err := GenerateKeyPair(rand.Reader)
	require.NoError(t, err)

	require.NoError(t, a.Rotate(newAlice.Private, newBob.Public, nil))
	require.NoError(t, b.Rotate(newBob.Private, newAlice.Public, nil))

	frame, err := a.Frame([]byte("post-rotate"))
	require.NoError(t, err)
	plaintext, err := b.Unframe(frame)
	require.NoError(t, err)
	assert.Equal(t, "post-rotate", string(plaintext))
}

// TestFailureTimingSameOrderOfMagnitude is not a precise timing-attack
// proof (those don't belong in a unit test). It times a successful Unframe
// and a genuine AEAD failure (a tampered tag) and checks only that each
// completes in under a second; the too-short and replay paths are not
// timed here.
func TestFailureTimingSameOrderOfMagnitude(t *testing.T) {
	a, b := pairedChannels(t)
	frame, err := a.Frame([]byte("timing"))
	require.NoError(t, err)

	start := time.Now()
	_, err = b.Unframe(frame)
	require.NoError(t, err)
	okElapsed := time.Since(start)

	a2, b2 := pairedChannels(t)
	f2, err := a2.Frame([]byte("timing2"))
	require.NoError(t, err)
	tamperedReal := append([]byte{}, f2...)
	tamperedReal[len(tamperedReal)-1] ^= 0xFF

	start = time.Now()
	_, err = b2.Unframe(tamperedReal)
	require.Error(t, err)
	tamperedElapsed := time.Since(start)

	// Both should complete in well under a second; that bound is all the
	// test asserts.
	assert.Less(t, okElapsed, time.Second)
	assert.Less(t, tamperedElapsed, time.Second)
}

func TestHandshakeProducesWorkingChannel(t *testing.T) {
	bobKP, err := GenerateKeyPair(rand.Reader)
	require.NoError(t, err)

	alicePublic, aliceChannel, err := Handshake(rand.Reader, nil, bobKP.Public, nil)
	require.NoError(t, err)

	bobChannel, err := New(bobKP.Private, alicePublic, nil)
	require.NoError(t, err)

	frame, err := aliceChannel.Frame([]byte("handshake payload"))
	require.NoError(t, err)
	plaintext, err := bobChannel.Unframe(frame)
	require.NoError(t, err)
	assert.Equal(t, "handshake payload", string(plaintext))
}

func TestX25519KEMEncapsulateDecapsulateAgree(t *testing.T) {
	var kem X25519KEM
	pub, secret, err := kem.GenerateKeyPair()
	require.NoError(t, err)

	ciphertext, sharedA, err := kem.Encapsulate(pub)
	require.NoError(t, err)

	sharedB, err := kem.Decapsulate(ciphertext, secret)
	require.NoError(t, err)
	assert.Equal(t, sharedA, sharedB)
}
