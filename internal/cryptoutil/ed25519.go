// Package cryptoutil implements the session login's point compression,
// decompression, challenge generation, and signature verification.
//
// The curve arithmetic (compress/decompress/scalar-multiply) is delegated
// to filippo.io/edwards25519, which implements the same RFC 8032 §5.1.3
// point-recovery algorithm the original hand-rolled in Python; signature
// verification is delegated to crypto/ed25519.
package cryptoutil

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"

	"filippo.io/edwards25519"
)

// ErrMalformedKey is returned when a 32-byte string does not decompress to
// a valid point on the curve.
var ErrMalformedKey = errors.New("malformed key")

// ErrBadSignature is returned when a signature fails to verify.
var ErrBadSignature = errors.New("bad signature")

// Decompress validates that key is a well-formed compressed Edwards point.
// It exists mainly so callers can reject bad keys before using them in a
// challenge, matching the original's "assumes public key already checked"
// comment on generate_challenge.
func Decompress(key [32]byte) (*edwards25519.Point, error) {
	p, err := new(edwards25519.Point).SetBytes(key[:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedKey, err)
	}
	return p, nil
}

// GenerateChallenge produces a fresh ephemeral keypair (d, Q = d*B) and
// returns (compress(Q), compress(d*P)) where P is the caller's decompressed
// public key. A client that holds the private key matching P can recompute
// d*P == (their private scalar)*Q, proving possession without ever
// transmitting the private key.
func GenerateChallenge(public [32]byte) (challenge, expected [32]byte, err error) {
	p, err := Decompress(public)
	if err != nil {
		return challenge, expected, err
	}

	var scalarBytes [64]byte
	if _, err := rand.Read(scalarBytes[:]); err != nil {
		return challenge, expected, fmt.Errorf("read random scalar: %w", err)
	}
	d, err := new(edwards25519.Scalar).SetUniformBytes(scalarBytes[:])
	if err != nil {
		return challenge, expected, fmt.Errorf("derive scalar: %w", err)
	}

	q := new(edwards25519.Point).ScalarBaseMult(d)
	shared := new(edwards25519.Point).ScalarMult(d, p)

	copy(challenge[:], q.Bytes())
	copy(expected[:], shared.Bytes())
	return challenge, expected, nil
}

// Verify checks an Ed25519 signature over message using the compressed
// public key. It returns ErrMalformedKey if pub doesn't decompress and
// ErrBadSignature if the signature doesn't verify.
func Verify(pub [32]byte, message, signature []byte) error {
	if _, err := Decompress(pub); err != nil {
		return err
	}
	if !ed25519.Verify(pub[:], message, signature) {
		return ErrBadSignature
	}
	return nil
}
