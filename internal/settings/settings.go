// Package settings implements the bidirectional SETTINGS frame
// synchroniser: local configuration changes broadcast to every active
// peer, inbound SETTINGS frames merge into the local view, and a
// low_power_preference flip gets a structured log line of its own.
package settings

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"
)

// Setting IDs carried in a SETTINGS frame entry ({id: u16, value: u64}).
const (
	IDInitialWindow      uint16 = 0x01
	IDMaxStreams         uint16 = 0x02
	IDLowPowerPreference uint16 = 0x03 // 0 = false, 1 = true
	IDFECRedundancy      uint16 = 0x04 // numerator, n-k, out of IDFECTotal
	IDFECTotal           uint16 = 0x05
	IDTimingMeanMs       uint16 = 0x06
	IDTimingSigmaMs      uint16 = 0x07
)

// entrySize is the wire size of one {id: u16, value: u64} SETTINGS entry.
const entrySize = 2 + 8

// View is the negotiated settings state for one session. It carries no
// per-field "explicitly set" bits: a merge tells "peer sent 0" apart from
// "peer didn't mention this field" by overriding only the ids present in
// the inbound frame.
type View struct {
	InitialWindow      uint64
	MaxStreams         uint64
	LowPowerPreference bool
	FECRedundancy      uint64
	FECTotal           uint64
	TimingMeanMs       uint64
	TimingSigmaMs      uint64
}

// Default returns the baseline settings view a fresh session starts with.
func Default() View {
	return View{
		InitialWindow:      65536,
		MaxStreams:         256,
		LowPowerPreference: false,
		FECRedundancy:      4,
		FECTotal:           16,
		TimingMeanMs:       20,
		TimingSigmaMs:      10,
	}
}

// entry is one decoded {id, value} pair from a SETTINGS frame payload.
type entry struct {
	id    uint16
	value uint64
}

// Encode serializes v as a full SETTINGS frame payload: every field is
// always sent explicitly, since Encode always describes the complete local
// view (a partial update is only ever produced by a peer's own Encode of
// its own partial knowledge, which this implementation never does).
func Encode(v View) []byte {
	entries := []entry{
		{IDInitialWindow, v.InitialWindow},
		{IDMaxStreams, v.MaxStreams},
		{IDLowPowerPreference, boolToU64(v.LowPowerPreference)},
		{IDFECRedundancy, v.FECRedundancy},
		{IDFECTotal, v.FECTotal},
		{IDTimingMeanMs, v.TimingMeanMs},
		{IDTimingSigmaMs, v.TimingSigmaMs},
	}
	buf := make([]byte, len(entries)*entrySize)
	for i, e := range entries {
		off := i * entrySize
		binary.BigEndian.PutUint16(buf[off:], e.id)
		binary.BigEndian.PutUint64(buf[off+2:], e.value)
	}
	return buf
}

// decode parses a SETTINGS frame payload into its entries.
func decode(payload []byte) ([]entry, error) {
	if len(payload)%entrySize != 0 {
		return nil, fmt.Errorf("settings: payload length %d not a multiple of %d", len(payload), entrySize)
	}
	n := len(payload) / entrySize
	entries := make([]entry, n)
	for i := 0; i < n; i++ {
		off := i * entrySize
		entries[i] = entry{
			id:    binary.BigEndian.Uint16(payload[off:]),
			value: binary.BigEndian.Uint64(payload[off+2:]),
		}
	}
	return entries, nil
}

// Apply merges an inbound SETTINGS payload into v, overriding only the
// fields the peer actually sent, and returns the merged view plus whether
// low_power_preference changed as a result.
func Apply(v View, payload []byte) (merged View, lowPowerChanged bool, err error) {
	entries, err := decode(payload)
	if err != nil {
		return v, false, err
	}

	merged = v
	oldLowPower := v.LowPowerPreference
	for _, e := range entries {
		switch e.id {
		case IDInitialWindow:
			merged.InitialWindow = e.value
		case IDMaxStreams:
			merged.MaxStreams = e.value
		case IDLowPowerPreference:
			merged.LowPowerPreference = e.value != 0
		case IDFECRedundancy:
			merged.FECRedundancy = e.value
		case IDFECTotal:
			merged.FECTotal = e.value
		case IDTimingMeanMs:
			merged.TimingMeanMs = e.value
		case IDTimingSigmaMs:
			merged.TimingSigmaMs = e.value
		}
	}
	return merged, merged.LowPowerPreference != oldLowPower, nil
}

// Subscriber receives the merged settings view on every update. Delivery is
// best-effort: a full channel is skipped rather than blocking the sync
// loop, matching the rest of the session's non-blocking broadcast pattern.
type Subscriber chan View

// Sync owns the local settings view, the set of registered subscribers and
// peer transmit channels, and ingests inbound SETTINGS frames.
type Sync struct {
	mu          sync.Mutex
	current     View
	subscribers map[Subscriber]struct{}
	peers       map[chan []byte]struct{}
	log         *slog.Logger
}

// NewSync creates a settings synchroniser seeded with initial.
func NewSync(initial View, logger *slog.Logger) *Sync {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sync{
		current:     initial,
		subscribers: make(map[Subscriber]struct{}),
		peers:       make(map[chan []byte]struct{}),
		log:         logger,
	}
}

// Current returns the current merged settings view.
func (s *Sync) Current() View {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Subscribe registers ch to receive every future merged view. The current
// view is pushed immediately so new subscribers don't have to wait for the
// next change.
func (s *Sync) Subscribe(ch Subscriber) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribers[ch] = struct{}{}
	select {
	case ch <- s.current:
	default:
	}
}

// Unsubscribe removes ch from the subscriber set.
func (s *Sync) Unsubscribe(ch Subscriber) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subscribers, ch)
}

// RegisterPeer registers a per-peer transmit channel that broadcasts
// receive the current encoded SETTINGS frame immediately and every
// subsequent local change thereafter.
func (s *Sync) RegisterPeer(tx chan []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.peers[tx] = struct{}{}
	select {
	case tx <- Encode(s.current):
	default:
	}
}

// UnregisterPeer removes a peer transmit channel.
func (s *Sync) UnregisterPeer(tx chan []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.peers, tx)
}

// ApplyLocal updates the local settings view and broadcasts the new frame
// to every registered peer and subscriber.
func (s *Sync) ApplyLocal(update View) {
	s.mu.Lock()
	s.current = update
	frame := Encode(s.current)
	view := s.current
	s.broadcastLocked(frame, view)
	s.mu.Unlock()
}

// HandleInbound merges an inbound SETTINGS frame payload from a peer into
// the local view, logs a low_power_preference change if one occurred, and
// republishes the merged view to subscribers.
func (s *Sync) HandleInbound(payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	merged, lowPowerChanged, err := Apply(s.current, payload)
	if err != nil {
		return err
	}
	old := s.current
	s.current = merged

	if lowPowerChanged {
		s.log.Info("low_power_preference_changed",
			slog.Bool("from", old.LowPowerPreference),
			slog.Bool("to", merged.LowPowerPreference),
		)
	}

	s.notifySubscribersLocked(merged)
	return nil
}

// broadcastLocked pushes frame to every peer and view to every subscriber.
// s.mu must be held.
func (s *Sync) broadcastLocked(frame []byte, view View) {
	for tx := range s.peers {
		select {
		case tx <- frame:
		default:
			delete(s.peers, tx)
		}
	}
	s.notifySubscribersLocked(view)
}

func (s *Sync) notifySubscribersLocked(view View) {
	for ch := range s.subscribers {
		select {
		case ch <- view:
		default:
		}
	}
}

func boolToU64(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}
