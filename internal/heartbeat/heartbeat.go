// Package heartbeat implements C3: a client for the kernel-assisted
// wakeup service (iphb on SailfishOS), connected over a length-prefixed
// framed protocol on a Unix domain socket. It requests an aligned wakeup
// within [lo, hi] seconds, delivers a single callback per wakeup, and
// transparently reconnects on socket failure while preserving the
// caller's "started" intent.
package heartbeat

import (
	"io"
	"net"

	"github.com/sailfishos/nemo-keepalive/internal/config"
	"github.com/sailfishos/nemo-keepalive/internal/eventloop"
	"github.com/sailfishos/nemo-keepalive/internal/logging"
	"github.com/sailfishos/nemo-keepalive/internal/objectbase"
)

// Socket is the subset of net.Conn the client needs: a *net.UnixConn from
// Dialer dials satisfies it automatically; heartbeatfake supplies an
// in-process substitute for tests.
type Socket interface {
	io.Reader
	io.Writer
	Close() error
}

// Dialer opens a connection to the heartbeat service at path.
type Dialer func(path string) (Socket, error)

// DialUnix is the production Dialer, connecting to a real Unix domain
// socket.
func DialUnix(path string) (Socket, error) {
	return net.Dial("unix", path)
}

// Client is a C3 heartbeat handle. Every exported method (other than the
// constructor) takes and releases the Client's own Base lock itself;
// there is no *Locked-suffixed public surface because nothing above this
// object shares its lock with a caller (C6 owns a Client and calls its
// exported Start/Stop while holding only C6's own lock).
type Client struct {
	base *objectbase.Base

	path string
	dial Dialer

	conn      Socket
	watchSlot objectbase.WatchSlot
	retrySlot objectbase.TimerSlot
	readBuf   []byte
	scanner   frameScanner

	delay       Delay
	started     bool
	waiting     bool
	wakeupCount uint64

	notify func()
}

// New constructs a stopped heartbeat client bound to loop, with external
// refcount 1. notify is invoked (unlocked) once per delivered wakeup.
func New(loop *eventloop.Loop, path string, dial Dialer, notify func()) *Client {
	if dial == nil {
		dial = DialUnix
	}
	c := &Client{
		path:    path,
		dial:    dial,
		readBuf: make([]byte, 4096),
		delay:   DefaultDelay(),
		notify:  notify,
	}
	c.base = objectbase.New(loop, "heartbeat", c.onShutdownLocked, c.onDelete)
	return c
}

// Ref adds a strong reference.
func (c *Client) Ref() {
	c.base.Lock()
	c.base.RefExternalLocked()
	c.base.Unlock()
}

// Unref drops a strong reference, scheduling shutdown on the 1->0
// transition.
func (c *Client) Unref() {
	c.base.Lock()
	c.base.UnrefExternalLocked()
	c.base.Unlock()
}

// Started reports whether the user currently wants wakeups armed.
func (c *Client) Started() bool {
	c.base.Lock()
	defer c.base.Unlock()
	return c.started
}

// Waiting reports whether a wait2 request is currently outstanding with
// the daemon.
func (c *Client) Waiting() bool {
	c.base.Lock()
	defer c.base.Unlock()
	return c.waiting
}

// Start arms (or re-arms) the heartbeat at delay. Per spec §4.3, C3
// itself re-arms unconditionally on every Start call; suppressing a
// redundant re-arm for an unchanged delay is the owning C6's job.
func (c *Client) Start(delay Delay) {
	c.base.Lock()
	defer c.base.Unlock()
	c.started = true
	c.delay = delay
	c.armLocked()
}

// Stop disarms the heartbeat: clears the started intent and cancels any
// outstanding wait2 request.
func (c *Client) Stop() {
	c.base.Lock()
	defer c.base.Unlock()
	c.started = false
	if c.waiting {
		c.sendLocked(wireRequest{Op: "cancel"})
		c.waiting = false
	}
}

// TryOpenNow attempts to open the service connection immediately,
// bypassing any pending retry backoff. It is a no-op if already open.
func (c *Client) TryOpenNow() {
	c.base.Lock()
	defer c.base.Unlock()
	if c.conn != nil {
		return
	}
	c.tryOpenNowLocked()
}

func (c *Client) armLocked() {
	if !c.started || c.base.InShutdownLocked() {
		return
	}
	if c.conn == nil {
		c.tryOpenNowLocked()
		return
	}
	if c.waiting {
		c.sendLocked(wireRequest{Op: "cancel"})
		c.waiting = false
	}
	c.wakeupCount++
	if c.sendLocked(wireRequest{Op: "wait2", Lo: c.delay.Lo, Hi: c.delay.Hi, WakeupCount: c.wakeupCount}) {
		c.waiting = true
	}
}

func (c *Client) sendLocked(req wireRequest) bool {
	if c.conn == nil {
		return false
	}
	if err := sendRequest(c.conn, req); err != nil {
		logging.L().Debug().Str("op", req.Op).Err(err).Msg("heartbeat: write failed, closing")
		c.closeConnLocked()
		c.scheduleRetryLocked()
		return false
	}
	return true
}

func (c *Client) tryOpenNowLocked() {
	c.base.TimerStopLocked(&c.retrySlot)
	conn, err := c.dial(c.path)
	if err != nil {
		logging.L().Debug().Err(err).Str("path", c.path).Msg("heartbeat: open failed")
		c.scheduleRetryLocked()
		return
	}
	c.conn = conn
	c.scanner = frameScanner{}
	c.base.IOWatchStartLocked(&c.watchSlot, conn, c.readBuf, c.onReadable)
	c.armLocked()
}

func (c *Client) scheduleRetryLocked() {
	c.base.TimerStartOnceLocked(&c.retrySlot, config.HeartbeatRetryInterval, func() {
		c.base.Lock()
		defer c.base.Unlock()
		if c.started && c.conn == nil {
			c.tryOpenNowLocked()
		}
	})
}

// onReadable is posted by the I/O watch on every readable chunk (n > 0)
// and exactly once on error/EOF (err != nil), per spec §4.3: "an
// unexpected EOF or non-EINTR/EAGAIN error closes and re-opens the
// connection, preserving the started intent so re-arming occurs
// automatically."
func (c *Client) onReadable(n int, err error) {
	c.base.Lock()
	defer c.base.Unlock()

	if n > 0 {
		c.scanner.feed(c.readBuf[:n])
		for {
			payload, ok, ferr := c.scanner.next()
			if ferr != nil {
				logging.L().Warn().Err(ferr).Msg("heartbeat: framing error, reconnecting")
				c.reconnectLocked()
				return
			}
			if !ok {
				break
			}
			c.handleFrameLocked(payload)
		}
	}

	if err != nil {
		c.reconnectLocked()
	}
}

// handleFrameLocked processes one fully-reassembled frame. Every frame
// this daemon ever sends is a wakeup notification (the payload itself is
// drained and discarded, per spec.md §6/the original keepalive-heartbeat
// client's treatment of the iphb reply).
func (c *Client) handleFrameLocked(_ []byte) {
	if !c.waiting {
		// Stray: a race with reprogramming. Ignore per spec §4.3.
		return
	}
	c.waiting = false
	c.started = false
	notify := c.notify
	c.base.Unlock()
	if notify != nil {
		notify()
	}
	c.base.Lock()
}

func (c *Client) reconnectLocked() {
	c.closeConnLocked()
	if c.started {
		c.scheduleRetryLocked()
	}
}

func (c *Client) closeConnLocked() {
	c.base.IOWatchStopLocked(&c.watchSlot)
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.waiting = false
}

func (c *Client) onShutdownLocked() {
	c.started = false
	c.base.TimerStopLocked(&c.retrySlot)
	c.closeConnLocked()
}

func (c *Client) onDelete() {}
