package protocol

import (
	"bytes"
	"testing"
)

func TestFrameEncodeDecodeRoundTrip(t *testing.T) {
	f := &Frame{
		Type:     FrameData,
		Flags:    FlagFinWrite,
		StreamID: 42,
		Payload:  []byte("hello nyx"),
	}

	buf := f.Encode()
	got, n, err := Decode(buf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if n != len(buf) {
		t.Fatalf("Decode consumed %d bytes, want %d", n, len(buf))
	}
	if got.Type != f.Type || got.Flags != f.Flags || got.StreamID != f.StreamID {
		t.Fatalf("header mismatch: got %+v", got)
	}
	if !bytes.Equal(got.Payload, f.Payload) {
		t.Fatalf("payload mismatch: got %q want %q", got.Payload, f.Payload)
	}
}

func TestFrameReaderWriterRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	fw := NewFrameWriter(&buf)

	frames := []*Frame{
		{Type: FrameSettings, StreamID: ControlStreamID, Payload: []byte("settings")},
		{Type: FrameData, StreamID: 1, Payload: []byte("payload one")},
		{Type: FramePing, StreamID: ControlStreamID},
	}
	for _, f := range frames {
		if err := fw.Write(f); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}

	fr := NewFrameReader(&buf)
	for i, want := range frames {
		got, err := fr.Read()
		if err != nil {
			t.Fatalf("Read frame %d: %v", i, err)
		}
		if got.Type != want.Type || got.StreamID != want.StreamID {
			t.Fatalf("frame %d mismatch: got %+v want %+v", i, got, want)
		}
		if !bytes.Equal(got.Payload, want.Payload) {
			t.Fatalf("frame %d payload mismatch: got %q want %q", i, got.Payload, want.Payload)
		}
	}
}

func TestDecodeRejectsOversizedPayload(t *testing.T) {
	f := &Frame{Type: FrameData, StreamID: 1, Payload: make([]byte, MaxPayloadSize+1)}
	buf := f.Encode()
	if _, _, err := Decode(buf); err == nil {
		t.Fatal("expected error decoding oversized payload")
	}
}
