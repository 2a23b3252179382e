package cryptoutil

import (
	"crypto/ed25519"
	"crypto/sha512"
	"testing"

	"filippo.io/edwards25519"
	"github.com/stretchr/testify/require"
)

// reproduceShared mimics what a real client does with its private key: hash
// the seed per RFC 8032, clamp it into a scalar, and multiply the received
// challenge point by it.
func reproduceShared(t *testing.T, priv ed25519.PrivateKey, challenge [32]byte) [32]byte {
	t.Helper()
	h := sha512.Sum512(priv.Seed())
	s, err := new(edwards25519.Scalar).SetBytesWithClamping(h[:32])
	require.NoError(t, err)
	q, err := Decompress(challenge)
	require.NoError(t, err)
	shared := new(edwards25519.Point).ScalarMult(s, q)
	var out [32]byte
	copy(out[:], shared.Bytes())
	return out
}

func TestDecompressRejectsGarbage(t *testing.T) {
	var bad [32]byte
	for i := range bad {
		bad[i] = 0xff
	}
	_, err := Decompress(bad)
	require.ErrorIs(t, err, ErrMalformedKey)
}

func TestDecompressAcceptsRealKey(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	var key [32]byte
	copy(key[:], pub)
	_, err = Decompress(key)
	require.NoError(t, err)
}

func TestGenerateChallengeSoundness(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	var key [32]byte
	copy(key[:], pub)

	challenge, expected, err := GenerateChallenge(key)
	require.NoError(t, err)

	// The holder of the matching private key must be able to reproduce
	// `expected` from `challenge` alone using priv's scalar.
	reproduced := reproduceShared(t, priv, challenge)
	require.Equal(t, expected, reproduced)
}

func TestVerifyRoundTrip(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	var key [32]byte
	copy(key[:], pub)

	msg := []byte("hello world")
	sig := ed25519.Sign(priv, msg)

	require.NoError(t, Verify(key, msg, sig))
	require.ErrorIs(t, Verify(key, []byte("tampered"), sig), ErrBadSignature)
}
