// Package crypto provides the X25519 ECDH and key-zeroing primitives the
// sealed-box layer builds on.
package crypto

import (
	"crypto/rand"
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"
)

const (
	// KeySize is the size of X25519 and ChaCha20-Poly1305 keys in bytes.
	KeySize = 32

	// NonceSize is the size of ChaCha20-Poly1305 nonces in bytes.
	NonceSize = 12

	// TagSize is the size of Poly1305 authentication tags in bytes.
	TagSize = 16
)

// GenerateEphemeralKeypair generates a new ephemeral X25519 keypair for
// use in a single sealed-box exchange. The private key should be zeroed
// after computing the shared secret.
func GenerateEphemeralKeypair() (privateKey, publicKey [KeySize]byte, err error) {
	if _, err = io.ReadFull(rand.Reader, privateKey[:]); err != nil {
		return privateKey, publicKey, fmt.Errorf("generate private key: %w", err)
	}

	// Clamp the private key per X25519 spec
	privateKey[0] &= 248
	privateKey[31] &= 127
	privateKey[31] |= 64

	// Compute public key from private key
	curve25519.ScalarBaseMult(&publicKey, &privateKey)

	return privateKey, publicKey, nil
}

// ComputeECDH performs X25519 Diffie-Hellman key exchange and returns
// the shared secret.
func ComputeECDH(privateKey, remotePublicKey [KeySize]byte) ([KeySize]byte, error) {
	var sharedSecret [KeySize]byte

	// Check for low-order points (all zeros public key is invalid)
	var zeroKey [KeySize]byte
	if remotePublicKey == zeroKey {
		return sharedSecret, fmt.Errorf("invalid remote public key: zero key")
	}

	curve25519.ScalarMult(&sharedSecret, &privateKey, &remotePublicKey)

	// Check for low-order result (shared secret should not be all zeros)
	if sharedSecret == zeroKey {
		return sharedSecret, fmt.Errorf("invalid ECDH result: low-order point")
	}

	return sharedSecret, nil
}

// ZeroBytes zeroes out a byte slice to prevent sensitive data from lingering
// in memory. Use this to clear ephemeral private keys after computing
// the shared secret.
func ZeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// ZeroKey zeroes out a key array.
func ZeroKey(k *[KeySize]byte) {
	for i := range k {
		k[i] = 0
	}
}
