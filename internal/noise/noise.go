// Package noise implements a Noise_XX-style mutually authenticated handshake
// over X25519, BLAKE2s, and ChaCha20-Poly1305, producing four independent
// directional traffic keys for use by the session and stream layers.
//
// The handshake follows the three-message XX pattern:
//
//	-> e
//	<- e, ee, s, es
//	-> s, se
//
// Each static key is revealed only after being encrypted under the
// symmetric key established so far, so the handshake is mutually
// authenticated without either side needing to know the other's identity
// in advance.
package noise

import (
	"crypto/rand"
	"fmt"
	"io"

	"golang.org/x/crypto/blake2s"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"

	"github.com/nyxnet/nyx/internal/kdf"
)

const (
	// KeySize is the size of an X25519 key in bytes.
	KeySize = 32

	protocolName = "Noise_XX_25519_ChaChaPoly_BLAKE2s"
)

// Keypair is an X25519 static or ephemeral keypair.
type Keypair struct {
	Private [KeySize]byte
	Public  [KeySize]byte
}

// GenerateKeypair creates a fresh, clamped X25519 keypair.
func GenerateKeypair() (Keypair, error) {
	var kp Keypair
	if _, err := io.ReadFull(rand.Reader, kp.Private[:]); err != nil {
		return kp, fmt.Errorf("generate private key: %w", err)
	}
	kp.Private[0] &= 248
	kp.Private[31] &= 127
	kp.Private[31] |= 64
	curve25519.ScalarBaseMult(&kp.Public, &kp.Private)
	return kp, nil
}

func dh(priv, pub [KeySize]byte) ([KeySize]byte, error) {
	var shared [KeySize]byte
	var zero [KeySize]byte
	if pub == zero {
		return shared, fmt.Errorf("noise: peer public key is zero")
	}
	curve25519.ScalarMult(&shared, &priv, &pub)
	if shared == zero {
		return shared, fmt.Errorf("noise: dh produced low-order point")
	}
	return shared, nil
}

// symmetricState tracks the running handshake hash and chaining key, as in
// the Noise specification's CipherState/SymmetricState combination.
type symmetricState struct {
	chainingKey [32]byte
	hash        [32]byte
	hasKey      bool
	key         [32]byte
	nonce       uint64
}

func newSymmetricState() *symmetricState {
	s := &symmetricState{}
	h := blake2s.Sum256([]byte(protocolName))
	s.hash = h
	s.chainingKey = h
	return s
}

func (s *symmetricState) mixHash(data []byte) {
	h, _ := blake2s.New256(nil)
	h.Write(s.hash[:])
	h.Write(data)
	copy(s.hash[:], h.Sum(nil))
}

func (s *symmetricState) mixKey(inputKeyMaterial []byte) {
	out := hkdfExpand2(s.chainingKey[:], inputKeyMaterial)
	s.chainingKey = out[0]
	s.key = out[1]
	s.hasKey = true
	s.nonce = 0
}

// hkdfExpand2 implements the Noise protocol's HKDF(chaining_key, input, 2)
// construction using BLAKE2s-256 as the hash function, returning two
// 32-byte outputs.
func hkdfExpand2(chainingKey, inputKeyMaterial []byte) [2][32]byte {
	tempKey := hmacBlake2s(chainingKey, inputKeyMaterial)
	out1 := hmacBlake2s(tempKey[:], []byte{0x01})
	out2Input := append(append([]byte{}, out1[:]...), 0x02)
	out2 := hmacBlake2s(tempKey[:], out2Input)
	return [2][32]byte{out1, out2}
}

func hmacBlake2s(key, data []byte) [32]byte {
	// BLAKE2s-256 keyed hashing used as the HMAC primitive for the Noise
	// HKDF construction, matching the cipher suite's hash function.
	h, _ := blake2s.New256(key)
	h.Write(data)
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

func (s *symmetricState) encryptAndHash(plaintext []byte) ([]byte, error) {
	if !s.hasKey {
		s.mixHash(plaintext)
		return plaintext, nil
	}
	aead, err := chacha20poly1305.New(s.key[:])
	if err != nil {
		return nil, err
	}
	nonce := nonceFromCounter(s.nonce)
	s.nonce++
	ciphertext := aead.Seal(nil, nonce[:], plaintext, s.hash[:])
	s.mixHash(ciphertext)
	return ciphertext, nil
}

func (s *symmetricState) decryptAndHash(ciphertext []byte) ([]byte, error) {
	if !s.hasKey {
		s.mixHash(ciphertext)
		return ciphertext, nil
	}
	aead, err := chacha20poly1305.New(s.key[:])
	if err != nil {
		return nil, err
	}
	nonce := nonceFromCounter(s.nonce)
	s.nonce++
	plaintext, err := aead.Open(nil, nonce[:], ciphertext, s.hash[:])
	if err != nil {
		return nil, fmt.Errorf("noise: handshake decrypt: %w", err)
	}
	s.mixHash(ciphertext)
	return plaintext, nil
}

func nonceFromCounter(counter uint64) [chacha20poly1305.NonceSize]byte {
	var nonce [chacha20poly1305.NonceSize]byte
	for i := 0; i < 8; i++ {
		nonce[4+i] = byte(counter >> (8 * i))
	}
	return nonce
}

// Role identifies which side of the handshake a HandshakeState plays.
type Role int

const (
	Initiator Role = iota
	Responder
)

// HandshakeState drives one run of the three-message XX pattern.
type HandshakeState struct {
	role      Role
	sym       *symmetricState
	static    Keypair
	ephemeral Keypair

	remoteEphemeral [KeySize]byte
	remoteStatic    [KeySize]byte
	step            int
}

// NewHandshake starts a handshake for the given role using a long-term
// static identity keypair.
func NewHandshake(role Role, static Keypair) (*HandshakeState, error) {
	ephemeral, err := GenerateKeypair()
	if err != nil {
		return nil, fmt.Errorf("generate ephemeral keypair: %w", err)
	}
	return &HandshakeState{
		role:      role,
		sym:       newSymmetricState(),
		static:    static,
		ephemeral: ephemeral,
	}, nil
}

// WriteMessage1 (initiator): -> e
func (h *HandshakeState) WriteMessage1() ([]byte, error) {
	if h.role != Initiator || h.step != 0 {
		return nil, fmt.Errorf("noise: WriteMessage1 called out of sequence")
	}
	h.sym.mixHash(h.ephemeral.Public[:])
	h.step = 1
	return append([]byte{}, h.ephemeral.Public[:]...), nil
}

// ReadMessage1 (responder): -> e
func (h *HandshakeState) ReadMessage1(msg []byte) error {
	if h.role != Responder || h.step != 0 {
		return fmt.Errorf("noise: ReadMessage1 called out of sequence")
	}
	if len(msg) != KeySize {
		return fmt.Errorf("noise: message 1 must be %d bytes", KeySize)
	}
	copy(h.remoteEphemeral[:], msg)
	h.sym.mixHash(h.remoteEphemeral[:])
	h.step = 1
	return nil
}

// WriteMessage2 (responder): <- e, ee, s, es
func (h *HandshakeState) WriteMessage2() ([]byte, error) {
	if h.role != Responder || h.step != 1 {
		return nil, fmt.Errorf("noise: WriteMessage2 called out of sequence")
	}
	h.sym.mixHash(h.ephemeral.Public[:])

	ee, err := dh(h.ephemeral.Private, h.remoteEphemeral)
	if err != nil {
		return nil, err
	}
	h.sym.mixKey(ee[:])

	encStatic, err := h.sym.encryptAndHash(h.static.Public[:])
	if err != nil {
		return nil, err
	}

	es, err := dh(h.static.Private, h.remoteEphemeral)
	if err != nil {
		return nil, err
	}
	h.sym.mixKey(es[:])

	out := make([]byte, 0, KeySize+len(encStatic))
	out = append(out, h.ephemeral.Public[:]...)
	out = append(out, encStatic...)
	h.step = 2
	return out, nil
}

// ReadMessage2 (initiator): <- e, ee, s, es
func (h *HandshakeState) ReadMessage2(msg []byte) error {
	if h.role != Initiator || h.step != 1 {
		return fmt.Errorf("noise: ReadMessage2 called out of sequence")
	}
	if len(msg) < KeySize {
		return fmt.Errorf("noise: message 2 too short")
	}
	copy(h.remoteEphemeral[:], msg[:KeySize])
	h.sym.mixHash(h.remoteEphemeral[:])

	ee, err := dh(h.ephemeral.Private, h.remoteEphemeral)
	if err != nil {
		return err
	}
	h.sym.mixKey(ee[:])

	remoteStatic, err := h.sym.decryptAndHash(msg[KeySize:])
	if err != nil {
		return err
	}
	if len(remoteStatic) != KeySize {
		return fmt.Errorf("noise: decrypted static key has wrong length")
	}
	copy(h.remoteStatic[:], remoteStatic)

	es, err := dh(h.ephemeral.Private, h.remoteStatic)
	if err != nil {
		return err
	}
	h.sym.mixKey(es[:])

	h.step = 2
	return nil
}

// WriteMessage3 (initiator): -> s, se
func (h *HandshakeState) WriteMessage3() ([]byte, error) {
	if h.role != Initiator || h.step != 2 {
		return nil, fmt.Errorf("noise: WriteMessage3 called out of sequence")
	}
	encStatic, err := h.sym.encryptAndHash(h.static.Public[:])
	if err != nil {
		return nil, err
	}

	se, err := dh(h.static.Private, h.remoteEphemeral)
	if err != nil {
		return nil, err
	}
	h.sym.mixKey(se[:])

	h.step = 3
	return encStatic, nil
}

// ReadMessage3 (responder): -> s, se
func (h *HandshakeState) ReadMessage3(msg []byte) error {
	if h.role != Responder || h.step != 2 {
		return fmt.Errorf("noise: ReadMessage3 called out of sequence")
	}
	remoteStatic, err := h.sym.decryptAndHash(msg)
	if err != nil {
		return err
	}
	if len(remoteStatic) != KeySize {
		return fmt.Errorf("noise: decrypted static key has wrong length")
	}
	copy(h.remoteStatic[:], remoteStatic)

	se, err := dh(h.ephemeral.Private, h.remoteStatic)
	if err != nil {
		return err
	}
	h.sym.mixKey(se[:])

	h.step = 3
	return nil
}

// RemoteStatic returns the peer's verified static public key. Only valid
// once the handshake has completed (step 3).
func (h *HandshakeState) RemoteStatic() [KeySize]byte {
	return h.remoteStatic
}

// TrafficKeys derives the four directional keys the spec requires: two for
// ordinary data traffic in each direction, and two seed keys the PCR
// ratchet uses to derive its first rekey generation. Must be called after
// the handshake has completed (step 3).
func (h *HandshakeState) TrafficKeys() (TrafficKeys, error) {
	if h.step != 3 {
		return TrafficKeys{}, fmt.Errorf("noise: handshake not complete")
	}

	salt := h.sym.hash[:]
	secret := h.sym.chainingKey[:]

	i2r := kdf.DeriveKey(secret, salt, kdf.LabelInitiatorToResponder)
	r2i := kdf.DeriveKey(secret, salt, kdf.LabelResponderToInitiator)
	i2rRekey := kdf.DeriveKey(secret, salt, kdf.LabelInitiatorRekey)
	r2iRekey := kdf.DeriveKey(secret, salt, kdf.LabelResponderRekey)

	return TrafficKeys{
		InitiatorToResponder:      i2r,
		ResponderToInitiator:      r2i,
		InitiatorToResponderRekey: i2rRekey,
		ResponderToInitiatorRekey: r2iRekey,
		HandshakeHash:             h.sym.hash,
	}, nil
}

// TrafficKeys holds the four directional keys produced by a completed
// handshake, plus the final handshake transcript hash, which both sides
// can compare as a channel binding value.
type TrafficKeys struct {
	InitiatorToResponder      [32]byte
	ResponderToInitiator      [32]byte
	InitiatorToResponderRekey [32]byte
	ResponderToInitiatorRekey [32]byte
	HandshakeHash             [32]byte
}
