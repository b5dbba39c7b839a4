// Package kdf provides the key derivation and AEAD primitives shared by the
// Noise handshake, the PCR rekey ratchet, and per-stream data encryption.
package kdf

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	// KeySize is the size of a derived traffic key in bytes.
	KeySize = 32

	// NonceSize is the ChaCha20-Poly1305 nonce size in bytes.
	NonceSize = 12

	// TagSize is the Poly1305 authentication tag size in bytes.
	TagSize = 16

	// Overhead is the total number of bytes Encrypt adds to a plaintext:
	// nonce prepended, tag appended.
	Overhead = NonceSize + TagSize
)

// Labels used for HKDF domain separation. Each derived key is bound to a
// distinct label so that compromising one direction's key never helps an
// attacker recover another.
const (
	LabelInitiatorToResponder = "nyx-k1-i2r"
	LabelResponderToInitiator = "nyx-k1-r2i"
	LabelInitiatorRekey       = "nyx-k1-i2r-rekey"
	LabelResponderRekey       = "nyx-k1-r2i-rekey"
	LabelMixHop               = "nyx-k1-mix-hop"
)

// DeriveKey expands a secret into a KeySize-byte key using HKDF-SHA256,
// binding the derivation to salt and a caller-supplied label. The same
// (secret, salt) pair with different labels yields independent keys.
func DeriveKey(secret, salt []byte, label string) [KeySize]byte {
	var out [KeySize]byte
	reader := hkdf.New(sha256.New, secret, salt, []byte(label))
	if _, err := io.ReadFull(reader, out[:]); err != nil {
		// HKDF-SHA256 expansion of 32 bytes cannot fail for valid inputs.
		panic(fmt.Sprintf("hkdf expand %q: %v", label, err))
	}
	return out
}

// DeriveKeys expands a secret into n independent KeySize-byte keys sharing
// a salt, one per label, by calling DeriveKey once for each label.
func DeriveKeys(secret, salt []byte, labels ...string) [][KeySize]byte {
	out := make([][KeySize]byte, len(labels))
	for i, label := range labels {
		out[i] = DeriveKey(secret, salt, label)
	}
	return out
}

// NonceState tracks the send/receive counters and epoch for one direction of
// a session, producing 96-bit nonces that never repeat across the lifetime
// of the ratchet: [1 byte direction][3 bytes epoch][8 bytes counter].
type NonceState struct {
	mu          sync.Mutex
	key         [KeySize]byte
	sendCounter uint64
	recvCounter uint64
	epoch       uint32
	isInitiator bool
}

// NewNonceState creates nonce-tracking state bound to a derived key.
func NewNonceState(key [KeySize]byte, isInitiator bool) *NonceState {
	return &NonceState{key: key, isInitiator: isInitiator}
}

// SetEpoch updates the rekey epoch used in subsequently built nonces; the
// PCR ratchet calls this after installing a freshly derived key.
func (n *NonceState) SetEpoch(epoch uint32) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.epoch = epoch
	n.sendCounter = 0
	n.recvCounter = 0
}

// Rekey replaces the key in place and zeroes the previous material.
func (n *NonceState) Rekey(newKey [KeySize]byte, epoch uint32) {
	n.mu.Lock()
	defer n.mu.Unlock()
	ZeroKey(&n.key)
	n.key = newKey
	n.epoch = epoch
	n.sendCounter = 0
	n.recvCounter = 0
}

func buildNonce(direction byte, epoch uint32, counter uint64) [NonceSize]byte {
	var nonce [NonceSize]byte
	nonce[0] = direction
	nonce[1] = byte(epoch >> 16)
	nonce[2] = byte(epoch >> 8)
	nonce[3] = byte(epoch)
	binary.BigEndian.PutUint64(nonce[4:], counter)
	return nonce
}

// Encrypt seals plaintext under the current key, returning
// nonce || ciphertext || tag.
func (n *NonceState) Encrypt(plaintext, additionalData []byte) ([]byte, error) {
	n.mu.Lock()
	var direction byte
	if !n.isInitiator {
		direction = 0x80
	}
	nonce := buildNonce(direction, n.epoch, n.sendCounter)
	n.sendCounter++
	key := n.key
	n.mu.Unlock()

	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, fmt.Errorf("new aead: %w", err)
	}

	out := make([]byte, NonceSize, NonceSize+len(plaintext)+TagSize)
	copy(out, nonce[:])
	out = aead.Seal(out, nonce[:], plaintext, additionalData)
	return out, nil
}

// Decrypt opens a message produced by Encrypt on the peer's NonceState,
// rejecting replays older than the highest counter seen so far.
func (n *NonceState) Decrypt(message, additionalData []byte) ([]byte, error) {
	if len(message) < Overhead {
		return nil, fmt.Errorf("kdf: ciphertext too short: %d bytes", len(message))
	}

	var nonce [NonceSize]byte
	copy(nonce[:], message[:NonceSize])
	counter := binary.BigEndian.Uint64(nonce[4:])

	n.mu.Lock()
	if counter < n.recvCounter {
		n.mu.Unlock()
		return nil, fmt.Errorf("kdf: stale nonce counter %d (expected >= %d)", counter, n.recvCounter)
	}
	key := n.key
	n.mu.Unlock()

	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, fmt.Errorf("new aead: %w", err)
	}

	plaintext, err := aead.Open(nil, nonce[:], message[NonceSize:], additionalData)
	if err != nil {
		return nil, fmt.Errorf("kdf: decrypt: %w", err)
	}

	n.mu.Lock()
	if counter >= n.recvCounter {
		n.recvCounter = counter + 1
	}
	n.mu.Unlock()

	return plaintext, nil
}

// Zero wipes the key held by this nonce state.
func (n *NonceState) Zero() {
	n.mu.Lock()
	defer n.mu.Unlock()
	ZeroKey(&n.key)
}

// ZeroBytes overwrites a byte slice with zeroes.
func ZeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// ZeroKey overwrites a fixed-size key with zeroes.
func ZeroKey(k *[KeySize]byte) {
	for i := range k {
		k[i] = 0
	}
}
