package settings

import (
	"testing"

	"github.com/nyxnet/nyx/internal/logging"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	v := Default()
	frame := Encode(v)

	merged, changed, err := Apply(Default(), frame)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if changed {
		t.Fatal("low power preference should not have changed")
	}
	if merged != v {
		t.Fatalf("merged = %+v, want %+v", merged, v)
	}
}

func TestApplyOnlyOverridesSentFields(t *testing.T) {
	base := Default()
	base.MaxStreams = 123

	partial := []entry{{IDInitialWindow, 999}}
	buf := make([]byte, len(partial)*entrySize)
	for i, e := range partial {
		off := i * entrySize
		putEntry(buf[off:], e)
	}

	merged, _, err := Apply(base, buf)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if merged.InitialWindow != 999 {
		t.Fatalf("InitialWindow = %d, want 999", merged.InitialWindow)
	}
	if merged.MaxStreams != 123 {
		t.Fatalf("MaxStreams = %d, want 123 (unchanged)", merged.MaxStreams)
	}
}

func TestApplyDetectsLowPowerPreferenceChange(t *testing.T) {
	base := Default()
	if base.LowPowerPreference {
		t.Fatal("expected default low power preference false")
	}

	frame := Encode(View{LowPowerPreference: true})
	_, changed, err := Apply(base, frame)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if !changed {
		t.Fatal("expected low power preference change to be detected")
	}
}

func TestApplyRejectsMalformedPayload(t *testing.T) {
	if _, _, err := Apply(Default(), []byte{0x01, 0x02, 0x03}); err == nil {
		t.Fatal("expected error for malformed payload")
	}
}

func TestSyncApplyLocalBroadcastsToPeersAndSubscribers(t *testing.T) {
	s := NewSync(Default(), logging.NopLogger())

	peerCh := make(chan []byte, 4)
	s.RegisterPeer(peerCh)
	<-peerCh // initial push on register

	subCh := make(Subscriber, 4)
	s.Subscribe(subCh)
	<-subCh // initial push on subscribe

	updated := Default()
	updated.MaxStreams = 42
	s.ApplyLocal(updated)

	select {
	case frame := <-peerCh:
		merged, _, err := Apply(Default(), frame)
		if err != nil {
			t.Fatalf("Apply: %v", err)
		}
		if merged.MaxStreams != 42 {
			t.Fatalf("MaxStreams = %d, want 42", merged.MaxStreams)
		}
	default:
		t.Fatal("expected peer broadcast")
	}

	select {
	case view := <-subCh:
		if view.MaxStreams != 42 {
			t.Fatalf("MaxStreams = %d, want 42", view.MaxStreams)
		}
	default:
		t.Fatal("expected subscriber notification")
	}
}

func TestSyncHandleInboundLogsLowPowerChange(t *testing.T) {
	s := NewSync(Default(), logging.NopLogger())

	frame := Encode(View{LowPowerPreference: true})
	if err := s.HandleInbound(frame); err != nil {
		t.Fatalf("HandleInbound: %v", err)
	}
	if !s.Current().LowPowerPreference {
		t.Fatal("expected low power preference to merge to true")
	}
}

func TestSyncFullPeerChannelIsDroppedNotBlocked(t *testing.T) {
	s := NewSync(Default(), logging.NopLogger())

	peerCh := make(chan []byte) // unbuffered, nothing ever reads
	s.RegisterPeer(peerCh)      // initial push: dropped silently, not blocked

	done := make(chan struct{})
	go func() {
		s.ApplyLocal(Default())
		close(done)
	}()

	<-done // ApplyLocal must return even though peerCh is never drained
}

func putEntry(buf []byte, e entry) {
	buf[0] = byte(e.id >> 8)
	buf[1] = byte(e.id)
	for i := 0; i < 8; i++ {
		buf[2+i] = byte(e.value >> uint(8*(7-i)))
	}
}
