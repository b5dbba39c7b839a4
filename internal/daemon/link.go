package daemon

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/nyxnet/nyx/internal/noise"
	"github.com/nyxnet/nyx/internal/session"
	"github.com/nyxnet/nyx/internal/transport"
)

// peerLink pairs a dialed connection to another node with the Noise
// session negotiated over its first stream. Every cell forwarded on the
// connection afterward is sealed under the session's ratcheting traffic
// keys, so link-layer confidentiality no longer rests solely on the
// (InsecureSkipVerify) TLS handshake underneath.
type peerLink struct {
	conn transport.PeerConn
	sess *session.Session
}

// writeFramed writes a length-prefixed handshake message. Noise messages
// fit comfortably under a 16-bit length; the handshake stream otherwise
// has no natural message boundary the way a one-shot cell write does.
func writeFramed(w io.Writer, b []byte) error {
	if len(b) > 1<<16-1 {
		return fmt.Errorf("daemon: handshake message too large (%d bytes)", len(b))
	}
	var hdr [2]byte
	binary.BigEndian.PutUint16(hdr[:], uint16(len(b)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

func readFramed(r io.Reader) ([]byte, error) {
	var hdr [2]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	buf := make([]byte, binary.BigEndian.Uint16(hdr[:]))
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// clientHandshake opens a dedicated stream on conn and runs the initiator
// side of the handshake over it, returning the resulting session.
func clientHandshake(ctx context.Context, conn transport.PeerConn, static noise.Keypair) (*session.Session, error) {
	s, err := conn.OpenStream(ctx)
	if err != nil {
		return nil, fmt.Errorf("daemon: open handshake stream: %w", err)
	}
	defer s.Close()

	hs, err := noise.NewHandshake(noise.Initiator, static)
	if err != nil {
		return nil, fmt.Errorf("daemon: init handshake: %w", err)
	}

	msg1, err := hs.WriteMessage1()
	if err != nil {
		return nil, err
	}
	if err := writeFramed(s, msg1); err != nil {
		return nil, fmt.Errorf("daemon: send handshake message 1: %w", err)
	}

	msg2, err := readFramed(s)
	if err != nil {
		return nil, fmt.Errorf("daemon: read handshake message 2: %w", err)
	}
	if err := hs.ReadMessage2(msg2); err != nil {
		return nil, fmt.Errorf("daemon: process handshake message 2: %w", err)
	}

	msg3, err := hs.WriteMessage3()
	if err != nil {
		return nil, err
	}
	if err := writeFramed(s, msg3); err != nil {
		return nil, fmt.Errorf("daemon: send handshake message 3: %w", err)
	}

	return session.NewFromHandshake(hs, true)
}

// serverHandshake runs the responder side of the handshake over the first
// stream a dialer opens on an accepted connection.
func serverHandshake(s transport.Stream, static noise.Keypair) (*session.Session, error) {
	hs, err := noise.NewHandshake(noise.Responder, static)
	if err != nil {
		return nil, fmt.Errorf("daemon: init handshake: %w", err)
	}

	msg1, err := readFramed(s)
	if err != nil {
		return nil, fmt.Errorf("daemon: read handshake message 1: %w", err)
	}
	if err := hs.ReadMessage1(msg1); err != nil {
		return nil, fmt.Errorf("daemon: process handshake message 1: %w", err)
	}

	msg2, err := hs.WriteMessage2()
	if err != nil {
		return nil, err
	}
	if err := writeFramed(s, msg2); err != nil {
		return nil, fmt.Errorf("daemon: send handshake message 2: %w", err)
	}

	msg3, err := readFramed(s)
	if err != nil {
		return nil, fmt.Errorf("daemon: read handshake message 3: %w", err)
	}
	if err := hs.ReadMessage3(msg3); err != nil {
		return nil, fmt.Errorf("daemon: process handshake message 3: %w", err)
	}

	return session.NewFromHandshake(hs, false)
}
