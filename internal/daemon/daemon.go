// Package daemon wires the session, mix, FEC, timing, flow-control, and
// transport layers together into a running Nyx node: it dials and accepts
// peer connections, relays onion-wrapped cells on behalf of other nodes,
// and exposes the control API a local client uses to open and drive its
// own streams.
package daemon

import (
	"context"
	"crypto/rand"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	mrand "math/rand"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nyxnet/nyx/internal/alert"
	"github.com/nyxnet/nyx/internal/certutil"
	"github.com/nyxnet/nyx/internal/config"
	"github.com/nyxnet/nyx/internal/control"
	"github.com/nyxnet/nyx/internal/crypto"
	"github.com/nyxnet/nyx/internal/fec"
	"github.com/nyxnet/nyx/internal/flowctl"
	"github.com/nyxnet/nyx/internal/identity"
	"github.com/nyxnet/nyx/internal/metrics"
	"github.com/nyxnet/nyx/internal/mix"
	"github.com/nyxnet/nyx/internal/noise"
	"github.com/nyxnet/nyx/internal/protocol"
	"github.com/nyxnet/nyx/internal/recovery"
	"github.com/nyxnet/nyx/internal/session"
	"github.com/nyxnet/nyx/internal/settings"
	"github.com/nyxnet/nyx/internal/timing"
	"github.com/nyxnet/nyx/internal/transport"
)

// ErrTooFewNodes is returned by OpenStream when the mix directory doesn't
// hold enough reputable nodes to build a path of the configured length.
var ErrTooFewNodes = errors.New("daemon: not enough directory nodes for a path")

// ServiceHandler receives data delivered to a locally registered exit
// target. open is true exactly once, on the event that establishes the
// stream; every following call for the same streamID carries data only.
type ServiceHandler func(streamID uint64, data []byte, open bool)

type openStream struct {
	id   uint64
	path []mix.NodeDescriptor
	flow *flowctl.Controller
	seq  atomic.Uint64
}

// Daemon is a running Nyx node.
type Daemon struct {
	cfg    *config.Config
	logger *slog.Logger

	id        identity.AgentID
	static    noise.Keypair
	sealedBox *crypto.SealedBox
	vdfMod    *big.Int

	dir        *mix.Directory
	scheduler  *mix.Scheduler
	fecCodec   *fec.Codec
	obf        *timing.Obfuscator
	collector  *metrics.Collector
	alerts     *alert.System
	settings   *settings.Sync
	control    *control.Server
	transports map[transport.TransportType]transport.Transport
	listeners  []transport.Listener

	rngMu sync.Mutex
	rng   *mrand.Rand

	linksMu sync.Mutex
	links   map[string]*peerLink

	sessionsMu sync.Mutex
	sessions   map[*session.Session]struct{}
	rekeySched *session.RekeyScheduler

	streamsMu    sync.Mutex
	streams      map[uint64]*openStream
	nextStreamID atomic.Uint64

	exitGroupsMu sync.Mutex
	exitGroups   map[uint64]*fec.Group

	metricsRunning bool

	servicesMu    sync.Mutex
	services      map[string]ServiceHandler
	exitTargets   map[uint64]string

	bytesIn  atomic.Uint64
	bytesOut atomic.Uint64

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New loads (or creates) this node's identity and key material, wires up
// every pipeline component, and returns a Daemon ready for Start.
func New(cfg *config.Config, logger *slog.Logger) (*Daemon, error) {
	if logger == nil {
		logger = slog.Default()
	}

	id, _, err := identity.LoadOrCreate(cfg.Agent.DataDir)
	if err != nil {
		return nil, fmt.Errorf("daemon: load identity: %w", err)
	}

	static, err := loadOrGenerateStaticKey(cfg.Noise.StaticKeyFile)
	if err != nil {
		return nil, err
	}

	vdfModPath := filepath.Join(cfg.Agent.DataDir, "vdf_modulus")
	vdfMod, err := loadOrGenerateVDFModulus(vdfModPath, cfg.Mix.VDFModulusBits)
	if err != nil {
		return nil, err
	}

	nodes, err := loadDirectory(cfg.Mix.DirectoryFile)
	if err != nil {
		return nil, err
	}

	fecCodec, err := fec.NewCodec(cfg.FEC.DataShards, cfg.FEC.DataShards+cfg.FEC.ParityShards)
	if err != nil {
		return nil, err
	}

	m := metrics.NewMetrics()

	d := &Daemon{
		cfg:       cfg,
		logger:    logger,
		id:        id,
		static:    static,
		sealedBox: crypto.NewSealedBoxWithPrivate(static.Public, static.Private),
		vdfMod:    vdfMod,
		dir:       mix.NewDirectory(nodes),
		fecCodec:  fecCodec,
		obf: timing.New(timing.Config{
			MeanMs:        cfg.Timing.MeanMs,
			SigmaMs:       cfg.Timing.SigmaMs,
			CoverInterval: cfg.Timing.CoverInterval,
		}),
		collector: metrics.NewCollector(m),
		alerts:    alert.New(logger),
		settings:  settings.NewSync(settings.Default(), logger),
		transports: map[transport.TransportType]transport.Transport{
			transport.TransportQUIC:      transport.NewQUICTransport(),
			transport.TransportHTTP2:     transport.NewH2Transport(),
			transport.TransportWebSocket: transport.NewWebSocketTransport(),
		},
		rng:         mrand.New(mrand.NewSource(time.Now().UnixNano())),
		links:       make(map[string]*peerLink),
		sessions:    make(map[*session.Session]struct{}),
		streams:     make(map[uint64]*openStream),
		exitGroups:  make(map[uint64]*fec.Group),
		services:    make(map[string]ServiceHandler),
		exitTargets: make(map[uint64]string),
		stopCh:      make(chan struct{}),
	}
	d.scheduler = mix.NewScheduler(d)
	d.control = control.NewServer(control.ServerConfig{
		SocketPath:   cfg.Control.SocketPath,
		ReadTimeout:  cfg.Control.ReadTimeout,
		WriteTimeout: cfg.Control.WriteTimeout,
	}, id.String(), d, d.settings, d.collector)
	d.rekeySched = session.NewRekeyScheduler(cfg.Noise.RekeyInterval, d.sessionSnapshot)

	return d, nil
}

// trackSession registers a freshly established link session with the PCR
// rekey scheduler.
func (d *Daemon) trackSession(s *session.Session) {
	d.sessionsMu.Lock()
	d.sessions[s] = struct{}{}
	d.sessionsMu.Unlock()
}

// untrackSession removes a session from the rekey scheduler's set and
// zeroizes its key material. Call once the underlying connection is gone.
func (d *Daemon) untrackSession(s *session.Session) {
	d.sessionsMu.Lock()
	delete(d.sessions, s)
	d.sessionsMu.Unlock()
	s.Close()
}

func (d *Daemon) sessionSnapshot() []*session.Session {
	d.sessionsMu.Lock()
	defer d.sessionsMu.Unlock()
	out := make([]*session.Session, 0, len(d.sessions))
	for s := range d.sessions {
		out = append(out, s)
	}
	return out
}

// ID returns the node's persistent identity.
func (d *Daemon) ID() identity.AgentID { return d.id }

// StaticPublicKey returns the X25519 public half of this node's Noise
// static key, the same key published in directory entries as the
// sealed-box public key for mix routing.
func (d *Daemon) StaticPublicKey() [noise.KeySize]byte { return d.static.Public }

// RegisterService attaches a handler invoked when a peer's circuit
// terminates at this node naming target.
func (d *Daemon) RegisterService(target string, h ServiceHandler) {
	d.servicesMu.Lock()
	defer d.servicesMu.Unlock()
	d.services[target] = h
}

// Start brings up listeners, the control API, and the background workers
// that drive the mix scheduler, metrics sampling, and timing obfuscator.
func (d *Daemon) Start() error {
	for _, lc := range d.cfg.Listeners {
		if err := d.startListener(lc); err != nil {
			return fmt.Errorf("daemon: listener %s: %w", lc.Address, err)
		}
	}

	if d.cfg.Metrics.Enabled {
		d.metricsRunning = true
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			defer recovery.RecoverWithLog(d.logger, "metrics-collector")
			d.collector.Run(d.cfg.Metrics.SampleInterval)
		}()
		d.wg.Add(1)
		go d.runAlertLoop()
	}

	if err := d.control.Start(); err != nil {
		return fmt.Errorf("daemon: control server: %w", err)
	}

	d.wg.Add(1)
	go d.dispatchLoop()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer recovery.RecoverWithLog(d.logger, "rekey-scheduler")
		d.rekeySched.Run()
	}()

	d.logger.Info("daemon started", "node_id", d.id.String(), "listeners", len(d.listeners))
	return nil
}

// Stop tears down listeners, background workers, and the control server,
// waiting up to ctx's deadline for goroutines to exit.
func (d *Daemon) Stop(ctx context.Context) error {
	close(d.stopCh)

	for _, ln := range d.listeners {
		ln.Close()
	}
	if d.metricsRunning {
		d.collector.Stop()
	}
	d.obf.Close()
	d.rekeySched.Stop()

	if err := d.control.Stop(); err != nil {
		d.logger.Warn("control server stop", "error", err)
	}

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Daemon) runAlertLoop() {
	defer d.wg.Done()
	defer recovery.RecoverWithLog(d.logger, "alert-loop")
	ch, cancel := d.collector.Subscribe()
	defer cancel()
	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	for {
		select {
		case snap, ok := <-ch:
			if !ok {
				return
			}
			for _, a := range d.alerts.CheckThresholds(ctx, snap) {
				d.logger.Warn("threshold alert", "metric", a.Metric, "id", a.ID, "severity", a.Severity)
			}
		case <-d.stopCh:
			return
		}
	}
}

// startListener brings up one configured listener and its accept loop.
func (d *Daemon) startListener(lc config.ListenerConfig) error {
	tr, ok := d.transports[transport.TransportType(lc.Transport)]
	if !ok {
		return fmt.Errorf("unknown transport %q", lc.Transport)
	}

	tlsCfg, err := d.buildListenerTLS(lc)
	if err != nil {
		return err
	}

	opts := transport.DefaultListenOptions()
	opts.TLSConfig = tlsCfg
	opts.Path = lc.Path

	ln, err := tr.Listen(lc.Address, opts)
	if err != nil {
		return err
	}
	d.listeners = append(d.listeners, ln)

	d.wg.Add(1)
	go d.acceptLoop(ln)
	return nil
}

func (d *Daemon) buildListenerTLS(lc config.ListenerConfig) (*tls.Config, error) {
	certPEM, err := d.cfg.GetEffectiveCertPEM(&lc.TLS)
	if err != nil {
		return nil, fmt.Errorf("read listener cert: %w", err)
	}
	keyPEM, err := d.cfg.GetEffectiveKeyPEM(&lc.TLS)
	if err != nil {
		return nil, fmt.Errorf("read listener key: %w", err)
	}
	if len(certPEM) == 0 || len(keyPEM) == 0 {
		certPEM, keyPEM, err = transport.GenerateSelfSignedCert(d.id.String(), 365*24*time.Hour)
		if err != nil {
			return nil, fmt.Errorf("generate self-signed listener cert: %w", err)
		}
	}

	tlsCfg, err := transport.TLSConfigFromBytes(certPEM, keyPEM)
	if err != nil {
		return nil, err
	}
	if d.cfg.Protocol.ALPN != "" {
		tlsCfg.NextProtos = []string{d.cfg.Protocol.ALPN}
	}

	mtls := d.cfg.TLS.MTLS
	if lc.TLS.MTLS != nil {
		mtls = *lc.TLS.MTLS
	}
	if mtls {
		caPEM, err := d.cfg.GetEffectiveCAPEM(&lc.TLS)
		if err != nil {
			return nil, fmt.Errorf("read listener CA: %w", err)
		}
		if len(caPEM) == 0 {
			return nil, fmt.Errorf("mtls enabled but no CA configured")
		}
		pool, err := certutil.CreateCertPool(caPEM)
		if err != nil {
			return nil, err
		}
		tlsCfg.ClientCAs = pool
		tlsCfg.ClientAuth = tls.RequireAndVerifyClientCert
	}

	return tlsCfg, nil
}

func (d *Daemon) acceptLoop(ln transport.Listener) {
	defer d.wg.Done()
	defer recovery.RecoverWithLog(d.logger, "accept-loop")
	for {
		conn, err := ln.Accept(context.Background())
		if err != nil {
			select {
			case <-d.stopCh:
				return
			default:
				d.logger.Debug("accept error", "error", err)
				return
			}
		}
		d.wg.Add(1)
		go d.handlePeerConn(conn)
	}
}

// handlePeerConn runs the responder side of the link handshake on the
// first stream the dialer opens, then dispatches every later stream on
// the connection as one onion-wrapped cell sealed under that session.
func (d *Daemon) handlePeerConn(conn transport.PeerConn) {
	defer d.wg.Done()
	defer recovery.RecoverWithLog(d.logger, "peer-conn")

	hsStream, err := conn.AcceptStream(context.Background())
	if err != nil {
		return
	}
	sess, err := serverHandshake(hsStream, d.static)
	hsStream.Close()
	if err != nil {
		d.logger.Debug("inbound link handshake failed", "error", err)
		return
	}
	d.trackSession(sess)
	defer d.untrackSession(sess)

	for {
		s, err := conn.AcceptStream(context.Background())
		if err != nil {
			return
		}
		d.wg.Add(1)
		go d.handleIncomingStream(s, sess)
	}
}

// maxWireCell bounds a single onion-wrapped cell read off the wire: one
// FEC cell plus a sealed-box layer (address + VDF params + auth tag) per
// hop, generously sized for the maximum path length and modulus size.
const maxWireCell = 8192

func (d *Daemon) handleIncomingStream(s transport.Stream, sess *session.Session) {
	defer d.wg.Done()
	defer recovery.RecoverWithLog(d.logger, "incoming-stream")
	defer s.Close()

	buf := make([]byte, maxWireCell)
	n := 0
	for n < len(buf) {
		k, err := s.Read(buf[n:])
		n += k
		if err != nil {
			break
		}
	}
	if n == 0 {
		return
	}
	d.bytesIn.Add(uint64(n))

	wrapped, err := sess.Decrypt(buf[:n])
	if err != nil {
		d.logger.Warn("link decrypt failed", "error", err)
		return
	}

	finalPayload, delivered := d.scheduler.HandleCell(d.sealedBox, wrapped)
	if delivered {
		d.handleDelivered(finalPayload)
	}
}

func (d *Daemon) handleDelivered(payload []byte) {
	if len(payload) == 0 {
		return
	}
	kind, body := payload[0], payload[1:]
	switch kind {
	case kindOpen:
		d.handleOpenDelivery(body)
	case kindCell:
		d.handleCellDelivery(body)
	default:
		d.logger.Warn("delivered cell with unknown kind", "kind", kind)
	}
}

type openDescriptor struct {
	Name    string            `json:"name"`
	Target  string            `json:"target"`
	Options map[string]string `json:"options,omitempty"`
}

func (d *Daemon) handleOpenDelivery(body []byte) {
	frame, _, err := protocol.Decode(body)
	if err != nil {
		d.logger.Warn("malformed open cell", "error", err)
		return
	}
	var desc openDescriptor
	if err := json.Unmarshal(frame.Payload, &desc); err != nil {
		d.logger.Warn("malformed open descriptor", "error", err)
		return
	}

	d.servicesMu.Lock()
	h, ok := d.services[desc.Target]
	if ok {
		d.exitTargets[frame.StreamID] = desc.Target
	}
	d.servicesMu.Unlock()

	if !ok {
		d.logger.Debug("open for unregistered target", "target", desc.Target)
		return
	}
	h(frame.StreamID, nil, true)
}

func (d *Daemon) handleCellDelivery(body []byte) {
	cell, err := decodeCell(body)
	if err != nil {
		d.logger.Warn("malformed delivered cell", "error", err)
		return
	}

	d.exitGroupsMu.Lock()
	g, ok := d.exitGroups[cell.GroupID]
	if !ok {
		g = d.fecCodec.NewGroup(cell.GroupID)
		d.exitGroups[cell.GroupID] = g
	}
	d.exitGroupsMu.Unlock()

	ready, err := g.Add(cell)
	if err != nil {
		d.logger.Warn("fec group add", "error", err)
		return
	}
	if !ready {
		return
	}

	data, err := g.Decode()
	d.exitGroupsMu.Lock()
	delete(d.exitGroups, cell.GroupID)
	d.exitGroupsMu.Unlock()
	if err != nil {
		d.logger.Warn("fec group decode", "error", err)
		return
	}

	frame, _, err := protocol.Decode(data)
	if err != nil {
		d.logger.Warn("malformed delivered frame", "error", err)
		return
	}

	d.servicesMu.Lock()
	target, ok := d.exitTargets[frame.StreamID]
	var h ServiceHandler
	if ok {
		h = d.services[target]
	}
	d.servicesMu.Unlock()
	if h != nil {
		h(frame.StreamID, frame.Payload, false)
	}
}

// dialHop returns a cached link to addr, or dials one and negotiates a
// fresh Noise session over its first stream. Mix-hop connections are
// dialed with certificate verification disabled: peer authenticity for
// overlay traffic comes from the sealed-box/Noise key material carried in
// the mix directory, not from the TLS certificate chain, so a pinned CA
// adds nothing here and would only get in the way of cheaply rotated
// relay certs. The Noise handshake, not the TLS layer, is what actually
// authenticates the peer we end up forwarding cells to.
func (d *Daemon) dialHop(addr string) (*peerLink, error) {
	d.linksMu.Lock()
	if l, ok := d.links[addr]; ok {
		d.linksMu.Unlock()
		return l, nil
	}
	d.linksMu.Unlock()

	tr := d.transports[transport.TransportQUIC]
	opts := transport.DefaultDialOptions()
	opts.InsecureSkipVerify = true

	ctx, cancel := context.WithTimeout(context.Background(), opts.Timeout)
	defer cancel()
	conn, err := tr.Dial(ctx, addr, opts)
	if err != nil {
		return nil, err
	}

	sess, err := clientHandshake(ctx, conn, d.static)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("daemon: link handshake with %s: %w", addr, err)
	}
	d.trackSession(sess)

	l := &peerLink{conn: conn, sess: sess}
	d.linksMu.Lock()
	d.links[addr] = l
	d.linksMu.Unlock()
	return l, nil
}

func (d *Daemon) evictPeerConn(addr string) {
	d.linksMu.Lock()
	l, ok := d.links[addr]
	delete(d.links, addr)
	d.linksMu.Unlock()
	if !ok {
		return
	}
	d.untrackSession(l.sess)
	l.conn.Close()
}

// Forward implements mix.Forwarder: it delivers a peeled cell to the next
// hop over a short-lived stream on a cached (or freshly negotiated) link,
// sealed under that link's Noise session, and implements control.Node's
// own first-hop send for circuits this node originates.
func (d *Daemon) Forward(addr string, payload []byte) error {
	link, err := d.dialHop(addr)
	if err != nil {
		return fmt.Errorf("daemon: dial hop %s: %w", addr, err)
	}

	ciphertext, err := link.sess.Encrypt(payload)
	if err != nil {
		return fmt.Errorf("daemon: link encrypt to %s: %w", addr, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s, err := link.conn.OpenStream(ctx)
	if err != nil {
		d.evictPeerConn(addr)
		return fmt.Errorf("daemon: open stream to %s: %w", addr, err)
	}
	defer s.Close()

	if _, err := s.Write(ciphertext); err != nil {
		d.evictPeerConn(addr)
		return fmt.Errorf("daemon: write to %s: %w", addr, err)
	}
	return nil
}

// dispatchLoop drains the timing obfuscator's release channel and hands
// each packet to the transport layer, or emits a cover cell to a
// currently-connected relay when the obfuscator reports idle cover
// traffic.
func (d *Daemon) dispatchLoop() {
	defer d.wg.Done()
	defer recovery.RecoverWithLog(d.logger, "dispatch-loop")
	for {
		select {
		case pkt, ok := <-d.obf.Out():
			if !ok {
				return
			}
			if pkt.IsCover {
				d.sendCover()
				continue
			}
			addr, onion, err := decodeRouted(pkt.Payload)
			if err != nil {
				d.logger.Warn("malformed routed packet", "error", err)
				continue
			}
			if err := d.Forward(addr, onion); err != nil {
				d.logger.Debug("forward failed", "addr", addr, "error", err)
			}
		case <-d.stopCh:
			return
		}
	}
}

func (d *Daemon) sendCover() {
	d.linksMu.Lock()
	var addr string
	for a := range d.links {
		addr = a
		break
	}
	d.linksMu.Unlock()
	if addr == "" {
		return
	}

	cover := make([]byte, fec.CellSize)
	if _, err := rand.Read(cover); err != nil {
		return
	}
	if err := d.Forward(addr, cover); err != nil {
		d.logger.Debug("cover send failed", "addr", addr, "error", err)
	}
}

func (d *Daemon) enqueueOnion(firstHop string, onion []byte) {
	d.obf.Enqueue(encodeRouted(firstHop, onion))
}

func (d *Daemon) allocStreamID() uint64 {
	return d.nextStreamID.Add(1)
}

func (d *Daemon) selectPath() ([]mix.NodeDescriptor, error) {
	d.rngMu.Lock()
	defer d.rngMu.Unlock()
	path, err := mix.SelectPath(d.dir, d.cfg.Mix.PathLength, d.rng)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTooFewNodes, err)
	}
	return path, nil
}

// OpenStream implements control.Node: it selects a mix path, builds an
// onion-wrapped open descriptor, and queues it for timing-obfuscated
// release to the first hop.
func (d *Daemon) OpenStream(ctx context.Context, name, target string, options map[string]string) (uint64, error) {
	path, err := d.selectPath()
	if err != nil {
		return 0, err
	}

	id := d.allocStreamID()
	body, err := json.Marshal(openDescriptor{Name: name, Target: target, Options: options})
	if err != nil {
		return 0, fmt.Errorf("daemon: encode open descriptor: %w", err)
	}
	frame := &protocol.Frame{Type: protocol.FrameData, StreamID: id, Payload: body}
	inner := append([]byte{kindOpen}, frame.Encode()...)

	onion, err := mix.BuildOnion(path, inner, d.cfg.Mix.VDFDifficulty, d.vdfMod)
	if err != nil {
		return 0, fmt.Errorf("daemon: build onion: %w", err)
	}

	rec := &openStream{id: id, path: path, flow: flowctl.New(d.cfg.Flow.InitialWindow)}
	d.streamsMu.Lock()
	d.streams[id] = rec
	d.streamsMu.Unlock()

	d.enqueueOnion(path[0].Address, onion)
	return id, nil
}

// SendData implements control.Node: it FEC-encodes the frame-wrapped data
// into a cell group, onion-wraps each cell independently (so no
// intermediate hop can correlate cells by size or timing beyond what the
// obfuscator already hides), and queues them for release.
func (d *Daemon) SendData(streamID uint64, data []byte) (bool, error) {
	d.streamsMu.Lock()
	rec, ok := d.streams[streamID]
	d.streamsMu.Unlock()
	if !ok {
		return false, control.ErrStreamNotFound
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rec.flow.Reserve(ctx, uint64(len(data))); err != nil {
		return false, fmt.Errorf("daemon: flow control: %w", err)
	}

	frame := &protocol.Frame{Type: protocol.FrameData, StreamID: streamID, Payload: data}
	encoded := frame.Encode()
	groupID := rec.seq.Add(1)
	cells, err := d.fecCodec.EncodeGroup(groupID, encoded)
	if err != nil {
		rec.flow.Release(uint64(len(data)))
		return false, fmt.Errorf("daemon: fec encode: %w", err)
	}

	for _, cell := range cells {
		inner := append([]byte{kindCell}, encodeCell(cell)...)
		onion, err := mix.BuildOnion(rec.path, inner, d.cfg.Mix.VDFDifficulty, d.vdfMod)
		if err != nil {
			d.logger.Warn("build onion for data cell failed", "stream_id", streamID, "error", err)
			continue
		}
		d.enqueueOnion(rec.path[0].Address, onion)
	}

	d.bytesOut.Add(uint64(len(data)))
	lowWatermark := uint64(float64(d.cfg.Flow.InitialWindow) * flowctl.LowWatermarkFraction)
	return rec.flow.SendWindow() < lowWatermark, nil
}

// CloseStream implements control.Node. Closing an unknown stream is not
// an error.
func (d *Daemon) CloseStream(streamID uint64) error {
	d.streamsMu.Lock()
	rec, ok := d.streams[streamID]
	if ok {
		delete(d.streams, streamID)
	}
	d.streamsMu.Unlock()

	if ok {
		rec.flow.Close()
	}
	return nil
}

// StreamCount implements control.Node.
func (d *Daemon) StreamCount() int {
	d.streamsMu.Lock()
	defer d.streamsMu.Unlock()
	return len(d.streams)
}

// ByteCounters implements control.Node.
func (d *Daemon) ByteCounters() (bytesIn, bytesOut uint64) {
	return d.bytesIn.Load(), d.bytesOut.Load()
}
