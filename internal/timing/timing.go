// Package timing implements the release-delay obfuscator: outbound
// payloads are held for a Gaussian-sampled delay before release, queued in
// deadline order so an early short delay can still jump ahead of a later
// long one, and cover traffic fills gaps in otherwise-idle sessions.
package timing

import (
	"container/heap"
	"math/rand"
	"sync"
	"time"
)

// atomic64 stores a time.Time behind a mutex for lock-free-ish reads from
// the cover traffic ticker without contending the pending-heap lock.
type atomic64 struct {
	mu sync.Mutex
	t  time.Time
}

func (a *atomic64) store(t time.Time) {
	a.mu.Lock()
	a.t = t
	a.mu.Unlock()
}

func (a *atomic64) load() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.t
}

func randSeed() int64 { return time.Now().UnixNano() }

// DefaultMeanMs and DefaultSigmaMs are the Gaussian delay distribution
// parameters a fresh obfuscator uses absent explicit configuration.
const (
	DefaultMeanMs  = 20.0
	DefaultSigmaMs = 10.0
)

// DefaultCoverInterval is how often a cover packet is emitted while the
// session has sent nothing real.
const DefaultCoverInterval = 500 * time.Millisecond

// Config parameterizes an Obfuscator.
type Config struct {
	MeanMs        float64
	SigmaMs       float64
	CoverInterval time.Duration
}

// DefaultConfig returns the Gaussian defaults (20ms/10ms) plus a 500ms
// cover-traffic cadence.
func DefaultConfig() Config {
	return Config{
		MeanMs:        DefaultMeanMs,
		SigmaMs:       DefaultSigmaMs,
		CoverInterval: DefaultCoverInterval,
	}
}

// Packet is a payload released by the obfuscator, tagged as cover traffic
// or real application data.
type Packet struct {
	Payload []byte
	IsCover bool
}

// item is one pending payload in the deadline-ordered heap.
type item struct {
	deadline time.Time
	payload  []byte
	index    int
}

type itemHeap []*item

func (h itemHeap) Len() int            { return len(h) }
func (h itemHeap) Less(i, j int) bool  { return h[i].deadline.Before(h[j].deadline) }
func (h itemHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index, h[j].index = i, j }
func (h *itemHeap) Push(x interface{}) { it := x.(*item); it.index = len(*h); *h = append(*h, it) }
func (h *itemHeap) Pop() interface{} {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}

// Obfuscator delays release of enqueued payloads and emits cover traffic
// during idle periods.
type Obfuscator struct {
	cfg Config

	mu      sync.Mutex
	rng     *rand.Rand
	pending itemHeap
	wake    chan struct{}

	out         chan Packet
	done        chan struct{}
	closeOnce   sync.Once
	lastRelease atomic64
}

// New creates and starts an Obfuscator's background worker and cover
// traffic ticker.
func New(cfg Config) *Obfuscator {
	if cfg.MeanMs == 0 && cfg.SigmaMs == 0 {
		cfg = DefaultConfig()
	}
	if cfg.CoverInterval == 0 {
		cfg.CoverInterval = DefaultCoverInterval
	}

	o := &Obfuscator{
		cfg:  cfg,
		rng:  rand.New(rand.NewSource(randSeed())),
		wake: make(chan struct{}, 1),
		out:  make(chan Packet, 1024),
		done: make(chan struct{}),
	}
	o.lastRelease.store(time.Now())

	go o.releaseWorker()
	go o.coverWorker()
	return o
}

// Enqueue schedules payload for release after a Gaussian-sampled delay
// (mean + N(0, sigma), floored at zero).
func (o *Obfuscator) Enqueue(payload []byte) {
	delayMs := o.sampleDelayMs()
	deadline := time.Now().Add(time.Duration(delayMs * float64(time.Millisecond)))

	o.mu.Lock()
	heap.Push(&o.pending, &item{deadline: deadline, payload: payload})
	o.mu.Unlock()

	select {
	case o.wake <- struct{}{}:
	default:
	}
}

func (o *Obfuscator) sampleDelayMs() float64 {
	o.mu.Lock()
	noise := o.rng.NormFloat64() * o.cfg.SigmaMs
	o.mu.Unlock()

	delay := o.cfg.MeanMs + noise
	if delay < 0 {
		delay = 0
	}
	return delay
}

// Out returns the channel of released packets, both real and cover.
func (o *Obfuscator) Out() <-chan Packet { return o.out }

// Close stops the background workers. Already-queued payloads are
// discarded.
func (o *Obfuscator) Close() {
	o.closeOnce.Do(func() { close(o.done) })
}

func (o *Obfuscator) releaseWorker() {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()
	if !timer.Stop() {
		<-timer.C
	}

	for {
		o.mu.Lock()
		var wait time.Duration
		hasItem := o.pending.Len() > 0
		if hasItem {
			wait = time.Until(o.pending[0].deadline)
		}
		o.mu.Unlock()

		if !hasItem {
			select {
			case <-o.wake:
				continue
			case <-o.done:
				return
			}
		}

		if wait > 0 {
			timer.Reset(wait)
			select {
			case <-timer.C:
			case <-o.wake:
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				continue
			case <-o.done:
				return
			}
		}

		o.mu.Lock()
		if o.pending.Len() == 0 {
			o.mu.Unlock()
			continue
		}
		it := heap.Pop(&o.pending).(*item)
		o.mu.Unlock()

		o.lastRelease.store(time.Now())
		select {
		case o.out <- Packet{Payload: it.payload}:
		case <-o.done:
			return
		}
	}
}

func (o *Obfuscator) coverWorker() {
	ticker := time.NewTicker(o.cfg.CoverInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if time.Since(o.lastRelease.load()) >= o.cfg.CoverInterval {
				select {
				case o.out <- Packet{IsCover: true}:
					o.lastRelease.store(time.Now())
				default:
				}
			}
		case <-o.done:
			return
		}
	}
}
