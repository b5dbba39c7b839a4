// Package metrics provides Prometheus instrumentation for the Nyx pipeline
// and periodic, immutable snapshots of it for the alerting system.
package metrics

import (
	"bytes"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"github.com/prometheus/procfs"

	"github.com/nyxnet/nyx/internal/sysinfo"
)

const namespace = "nyx"

// Layer names the pipeline stage a per-layer metric set describes.
type Layer string

const (
	LayerStream    Layer = "stream"
	LayerMix       Layer = "mix"
	LayerFEC       Layer = "fec"
	LayerTransport Layer = "transport"
)

// AllLayers lists every layer the collector tracks, in a stable order.
var AllLayers = []Layer{LayerStream, LayerMix, LayerFEC, LayerTransport}

// Metrics holds every Prometheus collector the pipeline records into.
type Metrics struct {
	Throughput        *prometheus.CounterVec // bytes transferred, by layer
	LayerErrors       *prometheus.CounterVec // by layer, error_type
	QueueDepth        *prometheus.GaugeVec   // by layer
	ActiveConnections *prometheus.GaugeVec   // by layer

	LatencySeconds prometheus.Histogram
	PacketsSent    prometheus.Counter
	PacketsLost    prometheus.Counter

	HandshakeLatency prometheus.Histogram
	HandshakeErrors  *prometheus.CounterVec
	RekeysTotal      prometheus.Counter
	VDFProofs        *prometheus.CounterVec // by result: accepted|rejected

	ConnectionAttempts prometheus.Counter
	ConnectionFailures prometheus.Counter

	reg *prometheus.Registry
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the process-wide Metrics instance, creating it on first use.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetrics()
	})
	return defaultMetrics
}

// NewMetrics creates a Metrics instance backed by a fresh registry, with the
// standard Go process collectors attached alongside the Nyx-specific ones.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.NewRegistry())
}

// NewMetricsWithRegistry creates a Metrics instance registered against reg.
func NewMetricsWithRegistry(reg *prometheus.Registry) *Metrics {
	factory := promauto.With(reg)

	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reg.MustRegister(collectors.NewGoCollector())

	m := &Metrics{
		reg: reg,

		Throughput: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "layer_bytes_total",
			Help:      "Total bytes processed by pipeline layer",
		}, []string{"layer"}),
		LayerErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "layer_errors_total",
			Help:      "Total errors by pipeline layer and error type",
		}, []string{"layer", "error_type"}),
		QueueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "layer_queue_depth",
			Help:      "Current queue depth by pipeline layer",
		}, []string{"layer"}),
		ActiveConnections: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "layer_active_connections",
			Help:      "Current active connection/stream count by pipeline layer",
		}, []string{"layer"}),

		LatencySeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "e2e_latency_seconds",
			Help:      "End-to-end cell latency",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}),
		PacketsSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_sent_total",
			Help:      "Total packets sent onto the UDP substrate",
		}),
		PacketsLost: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_lost_total",
			Help:      "Total packets presumed lost (unrecovered by FEC)",
		}),

		HandshakeLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "handshake_latency_seconds",
			Help:      "Histogram of Noise handshake completion latency",
			Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}),
		HandshakeErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshake_errors_total",
			Help:      "Total handshake errors by type",
		}, []string{"error_type"}),
		RekeysTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rekeys_total",
			Help:      "Total completed PCR rekey ratchet steps",
		}),
		VDFProofs: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "vdf_proofs_total",
			Help:      "Total VDF proofs evaluated at mix hops, by result",
		}, []string{"result"}),

		ConnectionAttempts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connection_attempts_total",
			Help:      "Total session connection attempts (handshake initiations)",
		}),
		ConnectionFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connection_failures_total",
			Help:      "Total session connection attempts that failed to complete",
		}),
	}

	return m
}

// RecordThroughput adds n processed bytes to layer's running total.
func (m *Metrics) RecordThroughput(layer Layer, n int) {
	m.Throughput.WithLabelValues(string(layer)).Add(float64(n))
}

// RecordLayerError records one error of errType in layer.
func (m *Metrics) RecordLayerError(layer Layer, errType string) {
	m.LayerErrors.WithLabelValues(string(layer), errType).Inc()
}

// SetQueueDepth reports layer's current queue depth.
func (m *Metrics) SetQueueDepth(layer Layer, depth int) {
	m.QueueDepth.WithLabelValues(string(layer)).Set(float64(depth))
}

// SetActiveConnections reports layer's current active connection count.
func (m *Metrics) SetActiveConnections(layer Layer, count int) {
	m.ActiveConnections.WithLabelValues(string(layer)).Set(float64(count))
}

// RecordLatency observes one end-to-end cell latency sample.
func (m *Metrics) RecordLatency(d time.Duration) {
	m.LatencySeconds.Observe(d.Seconds())
}

// RecordPacketSent records one packet placed on the wire.
func (m *Metrics) RecordPacketSent() {
	m.PacketsSent.Inc()
}

// RecordPacketLost records one packet presumed lost.
func (m *Metrics) RecordPacketLost() {
	m.PacketsLost.Inc()
}

// RecordHandshake records a completed handshake's latency.
func (m *Metrics) RecordHandshake(d time.Duration) {
	m.HandshakeLatency.Observe(d.Seconds())
}

// RecordHandshakeError records a handshake failure by type.
func (m *Metrics) RecordHandshakeError(errType string) {
	m.HandshakeErrors.WithLabelValues(errType).Inc()
}

// RecordRekey records one completed rekey ratchet step.
func (m *Metrics) RecordRekey() {
	m.RekeysTotal.Inc()
}

// RecordConnectionAttempt records one session handshake initiation.
func (m *Metrics) RecordConnectionAttempt() {
	m.ConnectionAttempts.Inc()
}

// RecordConnectionFailure records one session handshake that failed to
// complete.
func (m *Metrics) RecordConnectionFailure() {
	m.ConnectionFailures.Inc()
}

// RecordVDFProof records one evaluated VDF proof, accepted or rejected.
func (m *Metrics) RecordVDFProof(accepted bool) {
	result := "rejected"
	if accepted {
		result = "accepted"
	}
	m.VDFProofs.WithLabelValues(result).Inc()
}

// ExportText renders the registry's current state in Prometheus text
// exposition format, for a /metrics scrape endpoint.
func (m *Metrics) ExportText() ([]byte, error) {
	families, err := m.reg.Gather()
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	enc := expfmt.NewEncoder(&buf, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, fam := range families {
		if err := enc.Encode(fam); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

func counterValue(c prometheus.Counter) float64 {
	var pb dto.Metric
	if err := c.Write(&pb); err != nil {
		return 0
	}
	return pb.GetCounter().GetValue()
}

func gaugeValue(g prometheus.Gauge) float64 {
	var pb dto.Metric
	if err := g.Write(&pb); err != nil {
		return 0
	}
	return pb.GetGauge().GetValue()
}

func histogramAvg(h prometheus.Histogram) float64 {
	var pb dto.Metric
	if err := h.Write(&pb); err != nil {
		return 0
	}
	hist := pb.GetHistogram()
	if hist.GetSampleCount() == 0 {
		return 0
	}
	return hist.GetSampleSum() / float64(hist.GetSampleCount())
}

// MetricsSnapshot is an immutable point-in-time view of the pipeline,
// handed to alerting and reporting consumers by value.
type MetricsSnapshot struct {
	Timestamp   time.Time
	System      SystemMetrics
	Network     NetworkMetrics
	Performance PerformanceMetrics
	Error       ErrorMetrics
	Layer       map[Layer]LayerMetrics
}

// SystemMetrics reports process-level resource usage.
type SystemMetrics struct {
	CPUPercent       float64
	RSSBytes         uint64
	MemoryTotalBytes uint64
	OpenSockets      int
	UptimeSeconds    int64
	Version          string
}

// NetworkMetrics reports cumulative substrate-level packet and connection
// counters.
type NetworkMetrics struct {
	PacketsSent       uint64
	PacketsLost       uint64
	TotalConnections  uint64
	FailedConnections uint64
}

// PerformanceMetrics reports pipeline-wide aggregate figures.
type PerformanceMetrics struct {
	AvgLatencyMs   float64
	PacketLossRate float64
}

// ErrorMetrics reports the cumulative error count and the current error
// rate (errors/sec across all layers, since the previous sample). ByType is
// always an empty map: errors are not broken down by type.
type ErrorMetrics struct {
	Total     uint64
	ErrorRate float64
	ByType    map[string]uint64
}

// LayerMetrics reports one pipeline layer's current figures. Throughput and
// ErrorRate are rates (per second) computed against the previous sample;
// the first sample after Collector creation reports them as zero.
type LayerMetrics struct {
	Throughput        float64
	ErrorRate         float64
	QueueDepth        int
	ActiveConnections int
}

// Collector periodically samples a Metrics instance into MetricsSnapshots
// and fans them out to subscribers, the way settings.Sync fans out
// SETTINGS updates: non-blocking sends so one slow subscriber cannot stall
// sampling.
type Collector struct {
	m       *Metrics
	self    procfs.Proc
	hasSelf bool

	startedAt time.Time

	mu          sync.Mutex
	subscribers map[chan MetricsSnapshot]struct{}
	prevAt      time.Time
	prevBytes   map[Layer]float64
	prevErrors  map[Layer]float64

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewCollector creates a Collector sampling m.
func NewCollector(m *Metrics) *Collector {
	c := &Collector{
		m:           m,
		startedAt:   time.Now(),
		subscribers: make(map[chan MetricsSnapshot]struct{}),
		prevBytes:   make(map[Layer]float64),
		prevErrors:  make(map[Layer]float64),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
	if proc, err := procfs.Self(); err == nil {
		c.self = proc
		c.hasSelf = true
	}
	return c
}

// Subscribe registers a new snapshot receiver. The returned cancel func
// unregisters it; callers must call it to avoid leaking the channel.
func (c *Collector) Subscribe() (<-chan MetricsSnapshot, func()) {
	ch := make(chan MetricsSnapshot, 4)
	c.mu.Lock()
	c.subscribers[ch] = struct{}{}
	c.mu.Unlock()

	cancel := func() {
		c.mu.Lock()
		delete(c.subscribers, ch)
		c.mu.Unlock()
	}
	return ch, cancel
}

// Run samples on interval until Stop is called, broadcasting each snapshot
// to current subscribers. Intended to be run in its own goroutine.
func (c *Collector) Run(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopCh:
			close(c.doneCh)
			return
		case <-ticker.C:
			c.broadcast(c.Sample())
		}
	}
}

// Stop halts a running Collector started with Run.
func (c *Collector) Stop() {
	select {
	case <-c.stopCh:
	default:
		close(c.stopCh)
	}
	<-c.doneCh
}

func (c *Collector) broadcast(snap MetricsSnapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for ch := range c.subscribers {
		select {
		case ch <- snap:
		default:
		}
	}
}

// Sample takes one immediate snapshot without waiting for the Run ticker.
func (c *Collector) Sample() MetricsSnapshot {
	now := time.Now()

	c.mu.Lock()
	elapsed := now.Sub(c.prevAt).Seconds()
	firstSample := c.prevAt.IsZero()
	c.prevAt = now
	c.mu.Unlock()

	layers := make(map[Layer]LayerMetrics, len(AllLayers))
	var errTotal uint64
	var globalErrRate float64

	for _, layer := range AllLayers {
		bytesNow := counterValue(counterOf(c.m.Throughput, string(layer)))
		errNow := layerErrorTotal(c.m.LayerErrors, layer)

		var throughput, errRate float64
		c.mu.Lock()
		if !firstSample && elapsed > 0 {
			throughput = (bytesNow - c.prevBytes[layer]) / elapsed
			errRate = (errNow - c.prevErrors[layer]) / elapsed
		}
		c.prevBytes[layer] = bytesNow
		c.prevErrors[layer] = errNow
		c.mu.Unlock()

		errTotal += uint64(errNow)
		globalErrRate += errRate

		layers[layer] = LayerMetrics{
			Throughput:        throughput,
			ErrorRate:         errRate,
			QueueDepth:        int(gaugeValue(gaugeOf(c.m.QueueDepth, string(layer)))),
			ActiveConnections: int(gaugeValue(gaugeOf(c.m.ActiveConnections, string(layer)))),
		}
	}

	sentNow := counterValue(c.m.PacketsSent)
	lostNow := counterValue(c.m.PacketsLost)

	var lossRate float64
	if sentNow > 0 {
		lossRate = lostNow / sentNow
	}

	return MetricsSnapshot{
		Timestamp: now,
		System:    c.sampleSystem(),
		Network: NetworkMetrics{
			PacketsSent:       uint64(sentNow),
			PacketsLost:       uint64(lostNow),
			TotalConnections:  uint64(counterValue(c.m.ConnectionAttempts)),
			FailedConnections: uint64(counterValue(c.m.ConnectionFailures)),
		},
		Performance: PerformanceMetrics{
			AvgLatencyMs:   histogramAvg(c.m.LatencySeconds) * 1000,
			PacketLossRate: lossRate,
		},
		Error: ErrorMetrics{
			Total:     errTotal,
			ErrorRate: globalErrRate,
			ByType:    map[string]uint64{},
		},
		Layer: layers,
	}
}

func (c *Collector) sampleSystem() SystemMetrics {
	sys := SystemMetrics{
		UptimeSeconds: int64(sysinfo.Uptime().Seconds()),
		Version:       sysinfo.Version,
	}
	if !c.hasSelf {
		return sys
	}
	stat, err := c.self.Stat()
	if err != nil {
		return sys
	}
	sys.RSSBytes = uint64(stat.ResidentMemory())
	sys.CPUPercent = cpuPercentSinceStart(stat.CPUTime(), time.Since(c.startedAt))

	if n, err := c.self.FileDescriptorsLen(); err == nil {
		sys.OpenSockets = n
	}
	if fs, err := procfs.NewDefaultFS(); err == nil {
		if mem, err := fs.Meminfo(); err == nil && mem.MemTotal != nil {
			sys.MemoryTotalBytes = *mem.MemTotal * 1024
		}
	}
	return sys
}

// cpuPercentSinceStart approximates CPU utilization as cumulative process
// CPU time divided by wall-clock time elapsed since the collector started.
// It is a running average rather than an instantaneous rate, which is
// sufficient for the threshold checks it feeds.
func cpuPercentSinceStart(cpuSeconds float64, wall time.Duration) float64 {
	if wall <= 0 {
		return 0
	}
	pct := (cpuSeconds / wall.Seconds()) * 100
	if pct < 0 {
		return 0
	}
	if pct > 100 {
		return 100
	}
	return pct
}

func counterOf(vec *prometheus.CounterVec, label string) prometheus.Counter {
	c, err := vec.GetMetricWithLabelValues(label)
	if err != nil {
		return prometheus.NewCounter(prometheus.CounterOpts{Name: "unreachable"})
	}
	return c
}

func gaugeOf(vec *prometheus.GaugeVec, label string) prometheus.Gauge {
	g, err := vec.GetMetricWithLabelValues(label)
	if err != nil {
		return prometheus.NewGauge(prometheus.GaugeOpts{Name: "unreachable"})
	}
	return g
}

// layerErrorTotal sums layer_errors_total across every error_type label
// value observed for layer, by gathering the vector rather than tracking
// each type explicitly.
func layerErrorTotal(vec *prometheus.CounterVec, layer Layer) float64 {
	metricCh := make(chan prometheus.Metric, 64)
	go func() {
		vec.Collect(metricCh)
		close(metricCh)
	}()
	var total float64
	for metric := range metricCh {
		var pb dto.Metric
		if err := metric.Write(&pb); err != nil {
			continue
		}
		for _, lp := range pb.GetLabel() {
			if lp.GetName() == "layer" && lp.GetValue() == string(layer) {
				total += pb.GetCounter().GetValue()
			}
		}
	}
	return total
}
