package daemon

import (
	"encoding/binary"
	"fmt"

	"github.com/nyxnet/nyx/internal/fec"
)

// Each onion payload the daemon builds is tagged with a one-byte kind so a
// hop that turns out to be the final destination knows how to interpret
// the bytes mix.Scheduler hands back: a stream-open descriptor, or one
// FEC-coded cell of stream data.
const (
	kindOpen byte = 0x01
	kindCell byte = 0x02
)

// encodeCell serializes a fec.Cell as group_id(u64) || index(u16) ||
// is_parity(u8) || payload(fec.CellSize).
func encodeCell(c fec.Cell) []byte {
	buf := make([]byte, 8+2+1+len(c.Payload))
	binary.BigEndian.PutUint64(buf[0:8], c.GroupID)
	binary.BigEndian.PutUint16(buf[8:10], uint16(c.Index))
	if c.IsParity {
		buf[10] = 1
	}
	copy(buf[11:], c.Payload)
	return buf
}

func decodeCell(buf []byte) (fec.Cell, error) {
	if len(buf) < 11+fec.CellSize {
		return fec.Cell{}, fmt.Errorf("daemon: truncated fec cell")
	}
	c := fec.Cell{
		GroupID:  binary.BigEndian.Uint64(buf[0:8]),
		Index:    int(binary.BigEndian.Uint16(buf[8:10])),
		IsParity: buf[10] != 0,
	}
	c.Payload = append([]byte(nil), buf[11:11+fec.CellSize]...)
	return c, nil
}

// encodeRouted/decodeRouted prefix a timing-obfuscated payload with the
// address of the first hop it must be sent to, since timing.Packet carries
// no destination of its own: addr_len(u16) || addr || onion.
func encodeRouted(addr string, onion []byte) []byte {
	buf := make([]byte, 2+len(addr)+len(onion))
	binary.BigEndian.PutUint16(buf[0:2], uint16(len(addr)))
	copy(buf[2:], addr)
	copy(buf[2+len(addr):], onion)
	return buf
}

func decodeRouted(buf []byte) (addr string, onion []byte, err error) {
	if len(buf) < 2 {
		return "", nil, fmt.Errorf("daemon: routed payload too short")
	}
	n := int(binary.BigEndian.Uint16(buf[0:2]))
	if len(buf) < 2+n {
		return "", nil, fmt.Errorf("daemon: routed payload truncated")
	}
	return string(buf[2 : 2+n]), buf[2+n:], nil
}
