package control

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/nyxnet/nyx/internal/settings"
)

// fakeNode implements Node for testing.
type fakeNode struct {
	mu        sync.Mutex
	nextID    uint64
	open      map[uint64]bool
	lastSent  []byte
	backpress bool
	bytesIn   uint64
	bytesOut  uint64
	openErr   error
	sendErr   error
}

func newFakeNode() *fakeNode {
	return &fakeNode{open: make(map[uint64]bool)}
}

func (f *fakeNode) OpenStream(_ context.Context, _, _ string, _ map[string]string) (uint64, error) {
	if f.openErr != nil {
		return 0, f.openErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := f.nextID
	f.open[id] = true
	return id, nil
}

func (f *fakeNode) SendData(streamID uint64, data []byte) (bool, error) {
	if f.sendErr != nil {
		return false, f.sendErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.open[streamID] {
		return false, ErrStreamNotFound
	}
	f.lastSent = data
	f.bytesOut += uint64(len(data))
	return f.backpress, nil
}

func (f *fakeNode) CloseStream(streamID uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.open, streamID)
	return nil
}

func (f *fakeNode) StreamCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.open)
}

func (f *fakeNode) ByteCounters() (uint64, uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bytesIn, f.bytesOut
}

func newTestServer(t *testing.T, node *fakeNode) (*Server, string) {
	t.Helper()
	tmpDir := t.TempDir()
	socketPath := filepath.Join(tmpDir, "control.sock")

	cfg := ServerConfig{
		SocketPath:   socketPath,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
	sync := settings.NewSync(settings.Default(), nil)
	s := NewServer(cfg, "node-1", node, sync, nil)
	if err := s.Start(); err != nil {
		t.Fatalf("failed to start: %v", err)
	}
	t.Cleanup(func() { s.Stop() })
	return s, socketPath
}

func TestServerStartStop(t *testing.T) {
	node := newFakeNode()
	s, socketPath := newTestServer(t, node)

	if !s.IsRunning() {
		t.Error("expected server to be running")
	}
	if _, err := os.Stat(socketPath); os.IsNotExist(err) {
		t.Error("socket file does not exist")
	}

	if err := s.Stop(); err != nil {
		t.Errorf("failed to stop: %v", err)
	}
	if s.IsRunning() {
		t.Error("expected server to be stopped")
	}
}

func TestOpenSendCloseStream(t *testing.T) {
	node := newFakeNode()
	_, socketPath := newTestServer(t, node)

	client := NewClient(socketPath)
	defer client.Close()
	ctx := context.Background()

	opened, err := client.OpenStream(ctx, "test", "exit.example", nil)
	if err != nil {
		t.Fatalf("OpenStream: %v", err)
	}
	if opened.StreamID == 0 {
		t.Fatal("expected non-zero stream id")
	}

	sendResp, err := client.SendData(ctx, opened.StreamID, []byte("hello"))
	if err != nil {
		t.Fatalf("SendData: %v", err)
	}
	if !sendResp.Success {
		t.Error("expected send success")
	}

	if err := client.CloseStream(ctx, opened.StreamID); err != nil {
		t.Fatalf("CloseStream: %v", err)
	}
	// Idempotent: closing again must not error.
	if err := client.CloseStream(ctx, opened.StreamID); err != nil {
		t.Fatalf("CloseStream (second call): %v", err)
	}
}

func TestOpenStreamRequiresTarget(t *testing.T) {
	node := newFakeNode()
	_, socketPath := newTestServer(t, node)

	client := NewClient(socketPath)
	defer client.Close()

	_, err := client.OpenStream(context.Background(), "test", "", nil)
	if err == nil {
		t.Fatal("expected error when target is empty")
	}
}

func TestSendDataReportsBackpressure(t *testing.T) {
	node := newFakeNode()
	node.backpress = true
	_, socketPath := newTestServer(t, node)

	client := NewClient(socketPath)
	defer client.Close()
	ctx := context.Background()

	opened, _ := client.OpenStream(ctx, "test", "exit.example", nil)
	resp, err := client.SendData(ctx, opened.StreamID, []byte("x"))
	if err != nil {
		t.Fatalf("SendData: %v", err)
	}
	if !resp.Success || !resp.Backpressure {
		t.Errorf("expected success with backpressure, got %+v", resp)
	}
}

func TestGetInfo(t *testing.T) {
	node := newFakeNode()
	_, socketPath := newTestServer(t, node)

	client := NewClient(socketPath)
	defer client.Close()
	ctx := context.Background()

	client.OpenStream(ctx, "test", "exit.example", nil)

	info, err := client.GetInfo(ctx)
	if err != nil {
		t.Fatalf("GetInfo: %v", err)
	}
	if info.NodeID != "node-1" {
		t.Errorf("NodeID = %q, want node-1", info.NodeID)
	}
	if info.ActiveStreams != 1 {
		t.Errorf("ActiveStreams = %d, want 1", info.ActiveStreams)
	}
}

func TestWatchSettingsStreamsSnapshot(t *testing.T) {
	node := newFakeNode()
	_, socketPath := newTestServer(t, node)

	client := NewClient(socketPath)
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	resp, err := client.WatchSettings(ctx)
	if err != nil {
		t.Fatalf("WatchSettings: %v", err)
	}
	defer resp.Body.Close()

	var view settings.View
	if err := json.NewDecoder(resp.Body).Decode(&view); err != nil {
		t.Fatalf("decode first snapshot: %v", err)
	}
}
