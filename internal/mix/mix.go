// Package mix implements weighted mix-node path selection, layered
// onion-style per-hop encryption, and VDF-gated forwarding: the three
// pieces that together hide which client talks to which destination from
// any single relay on the path.
package mix

import (
	"encoding/binary"
	"fmt"
	"math/big"
	"math/rand"
	"sync"
	"sync/atomic"

	"github.com/nyxnet/nyx/internal/crypto"
	"github.com/nyxnet/nyx/internal/vdf"
)

// MinPathLength and MaxPathLength bound a selected mix path's hop count.
const (
	MinPathLength = 2
	MaxPathLength = 7
)

// NodeDescriptor is one entry in the mix directory: a relay's identity,
// its sealed-box public key, and the load/reputation figures path
// selection weighs against.
type NodeDescriptor struct {
	NodeID     string
	PublicKey  [crypto.KeySize]byte
	Address    string
	Load       float64 // 0..1, higher is busier
	Reputation float64 // 0..1, higher is more trusted
}

// weight returns this node's selection weight: inversely proportional to
// load, directly proportional to reputation. A node with zero reputation
// is never selected.
func (n NodeDescriptor) weight() float64 {
	if n.Reputation <= 0 {
		return 0
	}
	load := n.Load
	if load < 0 {
		load = 0
	}
	if load > 0.999 {
		load = 0.999
	}
	return n.Reputation / (1 - load)
}

// Directory holds the current view of known mix nodes. It is read-mostly:
// updates replace the whole node list by atomic pointer swap rather than
// mutating entries in place, so selectors never observe a torn read.
type Directory struct {
	nodes atomic.Pointer[[]NodeDescriptor]
}

// NewDirectory creates a directory seeded with the given nodes.
func NewDirectory(nodes []NodeDescriptor) *Directory {
	d := &Directory{}
	snapshot := append([]NodeDescriptor(nil), nodes...)
	d.nodes.Store(&snapshot)
	return d
}

// Replace atomically swaps in a new node list.
func (d *Directory) Replace(nodes []NodeDescriptor) {
	snapshot := append([]NodeDescriptor(nil), nodes...)
	d.nodes.Store(&snapshot)
}

// Snapshot returns the current node list.
func (d *Directory) Snapshot() []NodeDescriptor {
	p := d.nodes.Load()
	if p == nil {
		return nil
	}
	return *p
}

// SelectPath picks a weighted, repetition-free path of length hops from
// the directory. hops must be within [MinPathLength, MaxPathLength].
func SelectPath(d *Directory, hops int, rng *rand.Rand) ([]NodeDescriptor, error) {
	if hops < MinPathLength || hops > MaxPathLength {
		return nil, fmt.Errorf("mix: path length %d out of range [%d,%d]", hops, MinPathLength, MaxPathLength)
	}

	pool := append([]NodeDescriptor(nil), d.Snapshot()...)
	if len(pool) < hops {
		return nil, fmt.Errorf("mix: directory has %d usable nodes, need %d", len(pool), hops)
	}

	path := make([]NodeDescriptor, 0, hops)
	for i := 0; i < hops; i++ {
		idx, err := weightedPick(pool, rng)
		if err != nil {
			return nil, err
		}
		path = append(path, pool[idx])
		pool = append(pool[:idx], pool[idx+1:]...)
	}
	return path, nil
}

func weightedPick(pool []NodeDescriptor, rng *rand.Rand) (int, error) {
	total := 0.0
	for _, n := range pool {
		total += n.weight()
	}
	if total <= 0 {
		return 0, fmt.Errorf("mix: no eligible nodes with positive weight")
	}

	target := rng.Float64() * total
	running := 0.0
	for i, n := range pool {
		running += n.weight()
		if target < running {
			return i, nil
		}
	}
	return len(pool) - 1, nil
}

// HopHeader is the per-layer metadata a mix hop reads after peeling its
// sealed-box layer: where to forward next, and the VDF parameters the hop
// must satisfy before doing so.
type HopHeader struct {
	NextHopAddr string
	VDFParamT   uint64
	VDFModulus  *big.Int
}

// encodeHeader serializes a HopHeader: addr_len(u16) || addr ||
// t(u64) || n_len(u16) || n_bytes. The innermost hop (final destination)
// has an empty NextHopAddr.
func encodeHeader(h HopHeader) []byte {
	addr := []byte(h.NextHopAddr)
	nBytes := h.VDFModulus.Bytes()

	buf := make([]byte, 2+len(addr)+8+2+len(nBytes))
	off := 0
	binary.BigEndian.PutUint16(buf[off:], uint16(len(addr)))
	off += 2
	off += copy(buf[off:], addr)
	binary.BigEndian.PutUint64(buf[off:], h.VDFParamT)
	off += 8
	binary.BigEndian.PutUint16(buf[off:], uint16(len(nBytes)))
	off += 2
	copy(buf[off:], nBytes)
	return buf
}

func decodeHeader(buf []byte) (HopHeader, int, error) {
	if len(buf) < 2 {
		return HopHeader{}, 0, fmt.Errorf("mix: header too short")
	}
	addrLen := int(binary.BigEndian.Uint16(buf))
	off := 2
	if len(buf) < off+addrLen+8+2 {
		return HopHeader{}, 0, fmt.Errorf("mix: header truncated")
	}
	addr := string(buf[off : off+addrLen])
	off += addrLen

	t := binary.BigEndian.Uint64(buf[off:])
	off += 8

	nLen := int(binary.BigEndian.Uint16(buf[off:]))
	off += 2
	if len(buf) < off+nLen {
		return HopHeader{}, 0, fmt.Errorf("mix: header modulus truncated")
	}
	n := new(big.Int).SetBytes(buf[off : off+nLen])
	off += nLen

	return HopHeader{NextHopAddr: addr, VDFParamT: t, VDFModulus: n}, off, nil
}

// BuildOnion wraps payload in a sealed-box layer per hop in path, from the
// innermost (last hop / final destination) outward, so that hop i can only
// peel its own layer and learn hop i+1's address and VDF requirement, not
// anything about hops beyond that.
func BuildOnion(path []NodeDescriptor, payload []byte, vdfParamT uint64, vdfModulus *big.Int) ([]byte, error) {
	if len(path) < MinPathLength {
		return nil, fmt.Errorf("mix: onion path too short: %d", len(path))
	}

	layer := payload
	for i := len(path) - 1; i >= 0; i-- {
		nextAddr := ""
		if i+1 < len(path) {
			nextAddr = path[i+1].Address
		}
		header := encodeHeader(HopHeader{
			NextHopAddr: nextAddr,
			VDFParamT:   vdfParamT,
			VDFModulus:  vdfModulus,
		})

		plaintext := make([]byte, len(header)+len(layer))
		copy(plaintext, header)
		copy(plaintext[len(header):], layer)

		sb := crypto.NewSealedBox(path[i].PublicKey)
		sealed, err := sb.Seal(plaintext)
		if err != nil {
			return nil, fmt.Errorf("mix: seal layer %d: %w", i, err)
		}
		layer = sealed
	}
	return layer, nil
}

// PeelLayer removes one sealed-box layer using this hop's private key,
// returning the header meant for this hop plus the still-wrapped payload
// for the next hop (empty if this was the final destination).
func PeelLayer(sb *crypto.SealedBox, wrapped []byte) (HopHeader, []byte, error) {
	plaintext, err := sb.Open(wrapped)
	if err != nil {
		return HopHeader{}, nil, fmt.Errorf("mix: open layer: %w", err)
	}
	header, n, err := decodeHeader(plaintext)
	if err != nil {
		return HopHeader{}, nil, err
	}
	return header, plaintext[n:], nil
}

// Forwarder delivers a peeled cell to the next hop's address. Implemented
// by the transport layer (QUIC datagram send).
type Forwarder interface {
	Forward(addr string, payload []byte) error
}

// Scheduler enforces the VDF-gated forwarding rule: a cell is only handed
// to the Forwarder once this hop has computed a valid VDF proof over it,
// spending the configured per-hop delay. Failures (proof rejected,
// forwarder error, unknown next hop) drop the cell silently and bump a
// counter rather than propagating an error, matching the anonymity-
// preserving drop policy.
type Scheduler struct {
	forwarder Forwarder

	mu       sync.Mutex
	dropped  uint64
	forwards uint64
}

// NewScheduler creates a scheduler delivering accepted cells via fwd.
func NewScheduler(fwd Forwarder) *Scheduler {
	return &Scheduler{forwarder: fwd}
}

// HandleCell peels this hop's layer with sb, computes and verifies a VDF
// proof over x (derived from the cell's own bytes so each cell demands
// fresh work), and forwards the inner payload onward if everything
// checks out and a next hop is named. A local destination (empty
// NextHopAddr) is returned to the caller instead of being forwarded.
func (s *Scheduler) HandleCell(sb *crypto.SealedBox, wrapped []byte) (finalPayload []byte, delivered bool) {
	header, inner, err := PeelLayer(sb, wrapped)
	if err != nil {
		s.drop()
		return nil, false
	}

	x := cellNonce(wrapped)
	y, pi := vdf.ProveMont(x, header.VDFModulus, header.VDFParamT)
	if !vdf.Verify(x, y, pi, header.VDFModulus, header.VDFParamT) {
		s.drop()
		return nil, false
	}

	if header.NextHopAddr == "" {
		s.mu.Lock()
		s.forwards++
		s.mu.Unlock()
		return inner, true
	}

	if s.forwarder == nil {
		s.drop()
		return nil, false
	}
	if err := s.forwarder.Forward(header.NextHopAddr, inner); err != nil {
		s.drop()
		return nil, false
	}

	s.mu.Lock()
	s.forwards++
	s.mu.Unlock()
	return nil, false
}

func (s *Scheduler) drop() {
	s.mu.Lock()
	s.dropped++
	s.mu.Unlock()
}

// Stats returns the running forwarded/dropped cell counters.
func (s *Scheduler) Stats() (forwards, dropped uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.forwards, s.dropped
}

// cellNonce derives the VDF input x from the cell's own wire bytes, so the
// proof a hop must compute is bound to exactly the cell it received.
func cellNonce(wrapped []byte) *big.Int {
	sum := new(big.Int)
	const window = 8
	for i := 0; i < len(wrapped); i += window {
		end := i + window
		if end > len(wrapped) {
			end = len(wrapped)
		}
		chunk := new(big.Int).SetBytes(wrapped[i:end])
		sum.Add(sum, chunk)
	}
	if sum.Sign() == 0 {
		sum.SetInt64(1)
	}
	return sum
}
