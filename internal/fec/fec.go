// Package fec implements Reed-Solomon erasure coding over fixed-size
// cells: an encoder groups k data cells and emits n-k parity cells: a
// decoder recovers up to n-k missing cells per group from whatever subset
// arrives, in any order.
package fec

import (
	"fmt"
	"sync"

	"github.com/klauspost/reedsolomon"
)

// CellSize is the fixed payload size of one FEC cell, matching one frame's
// maximum usable payload.
const CellSize = 1280

// DefaultK and DefaultN are the default group shape: 12 data cells plus 4
// parity cells per group of 16.
const (
	DefaultK = 12
	DefaultN = 16
)

// Cell is one erasure-coded unit on the wire: a group ID, this cell's index
// within the group (0..n-1, data cells first), and its payload.
type Cell struct {
	GroupID  uint64
	Index    int
	IsParity bool
	Payload  []byte // always CellSize bytes
}

// Codec encodes and decodes cell groups for a fixed (k, n) shape.
type Codec struct {
	k, n int
	enc  reedsolomon.Encoder
}

// NewCodec creates a codec for a (k, n) Reed-Solomon group: k data shards,
// n-k parity shards.
func NewCodec(k, n int) (*Codec, error) {
	if k <= 0 || n <= k {
		return nil, fmt.Errorf("fec: invalid group shape k=%d n=%d", k, n)
	}
	enc, err := reedsolomon.New(k, n-k)
	if err != nil {
		return nil, fmt.Errorf("fec: new codec: %w", err)
	}
	return &Codec{k: k, n: n, enc: enc}, nil
}

// EncodeGroup splits data into up to k shards of CellSize bytes (the last
// shard zero-padded if data doesn't divide evenly, and any unused trailing
// shards left zeroed if fewer than k*CellSize bytes are supplied), computes
// the n-k parity shards, and returns all n cells in index order.
func (c *Codec) EncodeGroup(groupID uint64, data []byte) ([]Cell, error) {
	if len(data) > c.k*CellSize {
		return nil, fmt.Errorf("fec: data length %d exceeds group capacity %d", len(data), c.k*CellSize)
	}

	shards := make([][]byte, c.n)
	for i := 0; i < c.k; i++ {
		shards[i] = make([]byte, CellSize)
		start := i * CellSize
		if start < len(data) {
			end := start + CellSize
			if end > len(data) {
				end = len(data)
			}
			copy(shards[i], data[start:end])
		}
	}
	for i := c.k; i < c.n; i++ {
		shards[i] = make([]byte, CellSize)
	}

	if err := c.enc.Encode(shards); err != nil {
		return nil, fmt.Errorf("fec: encode: %w", err)
	}

	cells := make([]Cell, c.n)
	for i := 0; i < c.n; i++ {
		cells[i] = Cell{
			GroupID:  groupID,
			Index:    i,
			IsParity: i >= c.k,
			Payload:  shards[i],
		}
	}
	return cells, nil
}

// Group accumulates cells for one group ID until it has enough to
// reconstruct the original data shards (or has every cell and needs no
// reconstruction at all).
type Group struct {
	mu      sync.Mutex
	codec   *Codec
	groupID uint64
	shards  [][]byte // nil entries are missing cells
	have    int
}

// NewGroup creates an empty in-progress group for the given codec shape.
func (c *Codec) NewGroup(groupID uint64) *Group {
	return &Group{
		codec:   c,
		groupID: groupID,
		shards:  make([][]byte, c.n),
	}
}

// Add records a received cell. It returns true once the group holds enough
// cells (>= k) to attempt reconstruction.
func (g *Group) Add(cell Cell) (readyToDecode bool, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if cell.GroupID != g.groupID {
		return false, fmt.Errorf("fec: cell group %d does not match group %d", cell.GroupID, g.groupID)
	}
	if cell.Index < 0 || cell.Index >= g.codec.n {
		return false, fmt.Errorf("fec: cell index %d out of range [0,%d)", cell.Index, g.codec.n)
	}
	if g.shards[cell.Index] == nil {
		g.shards[cell.Index] = cell.Payload
		g.have++
	}
	return g.have >= g.codec.k, nil
}

// Decode reconstructs any missing data shards (if recoverable) and returns
// the concatenated, still zero-padded k*CellSize bytes of original data.
// ErrUnrecoverable is returned if fewer than k cells have arrived.
func (g *Group) Decode() ([]byte, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.have < g.codec.k {
		return nil, fmt.Errorf("%w: have %d of %d needed", ErrUnrecoverable, g.have, g.codec.k)
	}

	shards := make([][]byte, g.codec.n)
	copy(shards, g.shards)

	if g.have < g.codec.n {
		if err := g.codec.enc.Reconstruct(shards); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnrecoverable, err)
		}
	}

	out := make([]byte, 0, g.codec.k*CellSize)
	for i := 0; i < g.codec.k; i++ {
		out = append(out, shards[i]...)
	}
	return out, nil
}

// ErrUnrecoverable indicates a group could not be decoded because too many
// cells (more than n-k) were missing.
var ErrUnrecoverable = fmt.Errorf("fec: group unrecoverable")
