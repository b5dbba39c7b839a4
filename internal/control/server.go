// Package control exposes the daemon's Unix-domain-socket JSON/HTTP API:
// open_stream, send_data, close_stream, get_info, and watch_settings.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"github.com/nyxnet/nyx/internal/metrics"
	"github.com/nyxnet/nyx/internal/settings"
	"github.com/nyxnet/nyx/internal/sysinfo"
)

// ErrStreamNotFound is returned by Node implementations when an operation
// names an unknown stream ID.
var ErrStreamNotFound = errors.New("control: unknown stream id")

// Node is the subset of daemon functionality the control API delegates to:
// actually opening a circuit-backed stream, pushing data into it, and
// tearing it down belongs to the session/routing pipeline, not this
// package, so it is reached through this seam.
type Node interface {
	// OpenStream allocates and opens a new stream toward target, returning
	// its stream_id. name labels the stream for diagnostics.
	OpenStream(ctx context.Context, name, target string, options map[string]string) (streamID uint64, err error)

	// SendData writes data to an open stream. backpressure is true when the
	// data was accepted at the stream layer but a downstream queue (e.g.
	// FEC) is full.
	SendData(streamID uint64, data []byte) (backpressure bool, err error)

	// CloseStream closes a stream. Closing an already-closed or unknown
	// stream is not an error: close_stream is idempotent.
	CloseStream(streamID uint64) error

	// StreamCount reports the number of currently open streams.
	StreamCount() int

	// ByteCounters reports cumulative bytes transferred in each direction.
	ByteCounters() (bytesIn, bytesOut uint64)
}

// NodeInfo is the response to get_info.
type NodeInfo struct {
	NodeID        string          `json:"node_id"`
	Version       string          `json:"version"`
	UptimeSeconds float64         `json:"uptime_sec"`
	ActiveStreams int             `json:"active_streams"`
	BytesIn       uint64          `json:"bytes_in"`
	BytesOut      uint64          `json:"bytes_out"`
	Performance   PerformanceInfo `json:"performance"`
}

// PerformanceInfo is the performance subsection of NodeInfo.
type PerformanceInfo struct {
	CPUUsage             float64 `json:"cpu_usage"`
	MemoryUsageMB        float64 `json:"memory_usage_mb"`
	AvgLatencyMs         float64 `json:"avg_latency_ms"`
	BandwidthUtilization float64 `json:"bandwidth_utilization"`
}

// OpenStreamRequest is the open_stream request body.
type OpenStreamRequest struct {
	Name    string            `json:"name"`
	Target  string            `json:"target"`
	Options map[string]string `json:"options,omitempty"`
}

// OpenStreamResponse is the open_stream response body.
type OpenStreamResponse struct {
	StreamID uint64 `json:"stream_id"`
}

// SendDataRequest is the send_data request body.
type SendDataRequest struct {
	StreamID uint64 `json:"stream_id"`
	Data     []byte `json:"data"`
}

// SendDataResponse is the send_data response body. Success is true even
// under backpressure; Error is only set on a hard failure.
type SendDataResponse struct {
	Success      bool   `json:"success"`
	Backpressure bool   `json:"backpressure,omitempty"`
	Error        string `json:"error,omitempty"`
}

// CloseStreamRequest is the close_stream request body.
type CloseStreamRequest struct {
	StreamID uint64 `json:"stream_id"`
}

// ErrorResponse is the body of a structured error reply.
type ErrorResponse struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// ServerConfig contains control server configuration.
type ServerConfig struct {
	// SocketPath is the path to the Unix socket file.
	SocketPath string

	// ReadTimeout for HTTP reads.
	ReadTimeout time.Duration

	// WriteTimeout for HTTP writes.
	WriteTimeout time.Duration
}

// DefaultServerConfig returns sensible defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		SocketPath:   "./data/control.sock",
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

// Server is a Unix socket HTTP server for the daemon control API.
type Server struct {
	cfg       ServerConfig
	nodeID    string
	node      Node
	settings  *settings.Sync
	collector *metrics.Collector

	server   *http.Server
	listener net.Listener
	running  atomic.Bool
}

// NewServer creates a control server. collector may be nil, in which case
// get_info reports zeroed performance figures.
func NewServer(cfg ServerConfig, nodeID string, node Node, sync *settings.Sync, collector *metrics.Collector) *Server {
	s := &Server{
		cfg:       cfg,
		nodeID:    nodeID,
		node:      node,
		settings:  sync,
		collector: collector,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/open_stream", s.handleOpenStream)
	mux.HandleFunc("/send_data", s.handleSendData)
	mux.HandleFunc("/close_stream", s.handleCloseStream)
	mux.HandleFunc("/get_info", s.handleGetInfo)
	mux.HandleFunc("/watch_settings", s.handleWatchSettings)

	s.server = &http.Server{
		Handler:      mux,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	return s
}

// Start starts the control server.
func (s *Server) Start() error {
	if err := os.Remove(s.cfg.SocketPath); err != nil && !os.IsNotExist(err) {
		return err
	}

	ln, err := net.Listen("unix", s.cfg.SocketPath)
	if err != nil {
		return err
	}
	s.listener = ln
	s.running.Store(true)

	go s.server.Serve(ln)

	return nil
}

// Stop stops the control server.
func (s *Server) Stop() error {
	if !s.running.Swap(false) {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return err
	}

	if err := os.Remove(s.cfg.SocketPath); err != nil && !os.IsNotExist(err) {
		return err
	}

	return nil
}

// IsRunning returns true if the server is running.
func (s *Server) IsRunning() bool {
	return s.running.Load()
}

// SocketPath returns the socket path.
func (s *Server) SocketPath() string {
	return s.cfg.SocketPath
}

func writeError(w http.ResponseWriter, status int, kind, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{Kind: kind, Message: message})
}

func (s *Server) handleOpenStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "open_stream requires POST")
		return
	}
	var req OpenStreamRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if req.Target == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "target is required")
		return
	}

	id, err := s.node.OpenStream(r.Context(), req.Name, req.Target, req.Options)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "open_failed", err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(OpenStreamResponse{StreamID: id})
}

func (s *Server) handleSendData(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "send_data requires POST")
		return
	}
	var req SendDataRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	backpressure, err := s.node.SendData(req.StreamID, req.Data)
	w.Header().Set("Content-Type", "application/json")
	if err != nil {
		json.NewEncoder(w).Encode(SendDataResponse{Success: false, Error: err.Error()})
		return
	}
	json.NewEncoder(w).Encode(SendDataResponse{Success: true, Backpressure: backpressure})
}

func (s *Server) handleCloseStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "close_stream requires POST")
		return
	}
	var req CloseStreamRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	// close_stream is idempotent: closing an unknown or already-closed
	// stream is reported as success, not an error.
	if err := s.node.CloseStream(req.StreamID); err != nil && !errors.Is(err, ErrStreamNotFound) {
		writeError(w, http.StatusInternalServerError, "close_failed", err.Error())
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetInfo(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "get_info requires GET")
		return
	}

	bytesIn, bytesOut := s.node.ByteCounters()
	info := NodeInfo{
		NodeID:        s.nodeID,
		Version:       sysinfo.Version,
		UptimeSeconds: sysinfo.UptimeSeconds(),
		ActiveStreams: s.node.StreamCount(),
		BytesIn:       bytesIn,
		BytesOut:      bytesOut,
	}

	if s.collector != nil {
		snap := s.collector.Sample()
		info.Performance = PerformanceInfo{
			CPUUsage:      snap.System.CPUPercent,
			MemoryUsageMB: float64(snap.System.RSSBytes) / (1024 * 1024),
			AvgLatencyMs:  snap.Performance.AvgLatencyMs,
		}
		if snap.Network.TotalConnections > 0 {
			info.Performance.BandwidthUtilization = 1 - snap.Performance.PacketLossRate
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(info)
}

// handleWatchSettings streams JSON-encoded settings.View snapshots as they
// change, one per flushed chunk, until the client disconnects.
func (s *Server) handleWatchSettings(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "watch_settings requires GET")
		return
	}
	if s.settings == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "settings sync is not configured")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "no_flusher", "streaming unsupported")
		return
	}

	ch := make(settings.Subscriber, 8)
	s.settings.Subscribe(ch)
	defer s.settings.Unsubscribe(ch)

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)

	enc := json.NewEncoder(w)
	if err := enc.Encode(s.settings.Current()); err == nil {
		flusher.Flush()
	}

	for {
		select {
		case view, ok := <-ch:
			if !ok {
				return
			}
			if err := enc.Encode(view); err != nil {
				return
			}
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}
