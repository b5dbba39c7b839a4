// Package session ties a completed Noise handshake to the forward-secure
// PCR (periodic cryptographic rekey) ratchet: it owns the live directional
// NonceState pairs stream and flow-control code encrypt frames under, and
// periodically derives fresh key material while zeroizing what it retires.
package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/nyxnet/nyx/internal/kdf"
	"github.com/nyxnet/nyx/internal/noise"
)

// Session is one mutually authenticated Nyx connection to a peer.
type Session struct {
	mu sync.RWMutex

	isInitiator bool
	remoteKey   [32]byte

	send *kdf.NonceState
	recv *kdf.NonceState

	// rekeySend/rekeyRecv hold the chaining secrets the ratchet expands
	// from on each rekey; they are themselves rotated forward so no
	// single compromised epoch exposes past or future traffic keys.
	rekeySendSecret [32]byte
	rekeyRecvSecret [32]byte

	epoch       uint32
	lastRekeyAt time.Time
}

// NewFromHandshake builds a Session from a completed Noise handshake.
func NewFromHandshake(h *noise.HandshakeState, isInitiator bool) (*Session, error) {
	keys, err := h.TrafficKeys()
	if err != nil {
		return nil, fmt.Errorf("session: derive traffic keys: %w", err)
	}

	s := &Session{
		isInitiator: isInitiator,
		remoteKey:   h.RemoteStatic(),
		lastRekeyAt: time.Now(),
	}

	if isInitiator {
		s.send = kdf.NewNonceState(keys.InitiatorToResponder, true)
		s.recv = kdf.NewNonceState(keys.ResponderToInitiator, false)
		s.rekeySendSecret = keys.InitiatorToResponderRekey
		s.rekeyRecvSecret = keys.ResponderToInitiatorRekey
	} else {
		s.send = kdf.NewNonceState(keys.ResponderToInitiator, false)
		s.recv = kdf.NewNonceState(keys.InitiatorToResponder, true)
		s.rekeySendSecret = keys.ResponderToInitiatorRekey
		s.rekeyRecvSecret = keys.InitiatorToResponderRekey
	}

	return s, nil
}

// RemoteStatic returns the peer's static public key, useful as a stable
// peer identifier for routing and control-API reporting.
func (s *Session) RemoteStatic() [32]byte {
	return s.remoteKey
}

// Encrypt seals a plaintext frame under the current send key.
func (s *Session) Encrypt(plaintext []byte) ([]byte, error) {
	return s.send.Encrypt(plaintext, nil)
}

// Decrypt opens a ciphertext frame under the current receive key.
func (s *Session) Decrypt(ciphertext []byte) ([]byte, error) {
	return s.recv.Decrypt(ciphertext, nil)
}

// Rekey advances the PCR ratchet by one generation: it derives the next
// send/receive keys from the current rekey secrets, installs them, and
// zeroizes the retired keys and secrets immediately. Safe to call on a
// timer or in response to a peer-initiated rekey signal.
func (s *Session) Rekey() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.epoch++

	label := kdf.LabelInitiatorRekey
	if !s.isInitiator {
		label = kdf.LabelResponderRekey
	}

	nextSendKey := kdf.DeriveKey(s.rekeySendSecret[:], epochSalt(s.epoch), label)
	nextRecvLabel := kdf.LabelResponderRekey
	if !s.isInitiator {
		nextRecvLabel = kdf.LabelInitiatorRekey
	}
	nextRecvKey := kdf.DeriveKey(s.rekeyRecvSecret[:], epochSalt(s.epoch), nextRecvLabel)

	// Re-derive the next generation's rekey secrets from themselves so the
	// ratchet never needs to rewind: each step is one-way.
	nextSendSecret := kdf.DeriveKey(s.rekeySendSecret[:], epochSalt(s.epoch), "nyx-k1-ratchet-step")
	nextRecvSecret := kdf.DeriveKey(s.rekeyRecvSecret[:], epochSalt(s.epoch), "nyx-k1-ratchet-step")

	kdf.ZeroKey(&s.rekeySendSecret)
	kdf.ZeroKey(&s.rekeyRecvSecret)
	s.rekeySendSecret = nextSendSecret
	s.rekeyRecvSecret = nextRecvSecret

	s.send.Rekey(nextSendKey, s.epoch)
	s.recv.Rekey(nextRecvKey, s.epoch)
	s.lastRekeyAt = time.Now()

	return nil
}

func epochSalt(epoch uint32) []byte {
	return []byte{byte(epoch >> 24), byte(epoch >> 16), byte(epoch >> 8), byte(epoch)}
}

// Epoch returns the current PCR rekey generation number.
func (s *Session) Epoch() uint32 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.epoch
}

// LastRekeyAt returns when the ratchet was last advanced.
func (s *Session) LastRekeyAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastRekeyAt
}

// Close zeroizes all key material held by the session. Call when the
// underlying connection is torn down.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.send.Zero()
	s.recv.Zero()
	kdf.ZeroKey(&s.rekeySendSecret)
	kdf.ZeroKey(&s.rekeyRecvSecret)
}

// RekeyScheduler periodically rekeys a set of sessions. Grounded on the
// teacher's general pattern of a single background goroutine driven by a
// ticker and stopped via a done channel (as seen across its manager types).
type RekeyScheduler struct {
	interval time.Duration
	sessions func() []*Session
	done     chan struct{}
	once     sync.Once
}

// NewRekeyScheduler creates a scheduler that rekeys every session returned
// by sessions() each interval.
func NewRekeyScheduler(interval time.Duration, sessions func() []*Session) *RekeyScheduler {
	return &RekeyScheduler{
		interval: interval,
		sessions: sessions,
		done:     make(chan struct{}),
	}
}

// Run blocks, rekeying on each tick, until Stop is called or ctx-like done
// signal fires. Intended to be run in its own goroutine.
func (r *RekeyScheduler) Run() {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			for _, s := range r.sessions() {
				_ = s.Rekey()
			}
		case <-r.done:
			return
		}
	}
}

// Stop terminates the scheduler's goroutine.
func (r *RekeyScheduler) Stop() {
	r.once.Do(func() { close(r.done) })
}
