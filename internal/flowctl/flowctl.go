// Package flowctl implements per-stream credit-window flow control: senders
// reserve send credit before writing a DATA frame, receivers grant it back
// via WINDOW_UPDATE once local buffer space frees up.
package flowctl

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/time/rate"
)

// DefaultInitialWindow is the initial send/receive window size in bytes a
// new stream starts with, per the control channel's default SETTINGS.
const DefaultInitialWindow uint64 = 65536

// LowWatermarkFraction is the fraction of the initial window below which a
// WINDOW_UPDATE restoring the receive window to its initial size is due.
const LowWatermarkFraction = 0.5

// Controller tracks the send and receive credit windows for one stream.
//
// sendWindow bounds how many unacknowledged bytes may be in flight;
// Reserve blocks (or reports WouldBlock) until enough credit is available.
// recvWindow bounds how much unread data the peer may send before it must
// wait for a WINDOW_UPDATE.
type Controller struct {
	mu sync.Mutex

	initialWindow uint64
	sendWindow    uint64 // credit remaining for outbound data
	recvWindow    uint64 // credit remaining as advertised to the peer
	inflight      uint64 // bytes reserved but not yet released

	cond *sync.Cond

	// limiter is created with an unlimited rate (rate.Inf) and a burst of
	// one initial window, so it never delays a write.
	limiter *rate.Limiter
}

// New creates a flow controller with the given initial window, applied
// symmetrically to both directions.
func New(initialWindow uint64) *Controller {
	if initialWindow == 0 {
		initialWindow = DefaultInitialWindow
	}
	c := &Controller{
		initialWindow: initialWindow,
		sendWindow:    initialWindow,
		recvWindow:    initialWindow,
		limiter:       rate.NewLimiter(rate.Inf, int(initialWindow)),
	}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// ErrWouldBlock is returned by TryReserve when insufficient send credit is
// available right now.
var ErrWouldBlock = fmt.Errorf("flowctl: reserve would block")

// TryReserve attempts to reserve n bytes of send credit without blocking.
func (c *Controller) TryReserve(n uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if n > c.sendWindow {
		return ErrWouldBlock
	}
	c.sendWindow -= n
	c.inflight += n
	return nil
}

// Reserve blocks until n bytes of send credit are available (or ctx is
// canceled), then reserves them.
func (c *Controller) Reserve(ctx context.Context, n uint64) error {
	if err := c.limiter.WaitN(ctx, clampBurst(n, c.limiter)); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for n > c.sendWindow {
		if err := c.waitLocked(ctx); err != nil {
			return err
		}
	}
	c.sendWindow -= n
	c.inflight += n
	return nil
}

// waitLocked blocks on cond until notified or ctx is canceled. c.mu must be
// held on entry and is held again on return.
func (c *Controller) waitLocked(ctx context.Context) error {
	stop := context.AfterFunc(ctx, c.cond.Broadcast)
	defer stop()

	c.cond.Wait()

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}

// Release returns n bytes of send credit, driven by the peer's
// WINDOW_UPDATE acknowledging that much data.
func (c *Controller) Release(n uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if n > c.inflight {
		n = c.inflight
	}
	c.inflight -= n
	c.sendWindow += n
	c.cond.Broadcast()
}

// UpdatePeerWindow grows the send window by delta, driven by an explicit
// WINDOW_UPDATE frame from the peer rather than an implicit release.
func (c *Controller) UpdatePeerWindow(delta uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sendWindow += delta
	c.cond.Broadcast()
}

// ConsumeRecv accounts for n bytes of received, not-yet-read data against
// the local receive window. It reports whether a WINDOW_UPDATE is now due
// (the window has dropped below the low watermark).
func (c *Controller) ConsumeRecv(n uint64) (windowUpdateDue bool, delta uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if n > c.recvWindow {
		n = c.recvWindow
	}
	c.recvWindow -= n

	threshold := uint64(float64(c.initialWindow) * LowWatermarkFraction)
	if c.recvWindow < threshold {
		delta = c.initialWindow - c.recvWindow
		c.recvWindow = c.initialWindow
		return true, delta
	}
	return false, 0
}

// SendWindow returns the current outbound credit, for diagnostics.
func (c *Controller) SendWindow() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sendWindow
}

// RecvWindow returns the current inbound credit, for diagnostics.
func (c *Controller) RecvWindow() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.recvWindow
}

// Inflight returns the number of bytes currently reserved but not yet
// released (in flight, unacknowledged).
func (c *Controller) Inflight() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inflight
}

// Close wakes any goroutines blocked in Reserve so they can observe ctx
// cancellation or stream teardown.
func (c *Controller) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cond.Broadcast()
}

func clampBurst(n uint64, limiter *rate.Limiter) int {
	burst := limiter.Burst()
	if n > uint64(burst) {
		return burst
	}
	return int(n)
}
