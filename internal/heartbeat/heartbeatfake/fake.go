// Package heartbeatfake is an in-process stand-in for the iphb-style
// wakeup daemon, letting C3 and C6 tests drive connect, wakeup
// delivery, and disconnect without a real /run/iphb/socket.
package heartbeatfake

import (
	"encoding/binary"
	"encoding/json"
	"io"
	"net"
	"sync"

	"github.com/sailfishos/nemo-keepalive/internal/heartbeat"
)

// Request records one parsed client request frame (wait2 or cancel).
type Request struct {
	Op          string `json:"op"`
	Lo          int    `json:"lo,omitempty"`
	Hi          int    `json:"hi,omitempty"`
	WakeupCount uint64 `json:"wakeup_count,omitempty"`
}

// Daemon is a fake heartbeat service: it accepts one live connection at a
// time, records every request frame it receives, and lets a test trigger
// a wakeup (the zero-length reply frame) or a disconnect on demand.
type Daemon struct {
	mu       sync.Mutex
	conn     net.Conn
	requests []Request
	refuse   bool
}

// NewDaemon returns a fake daemon with no connection yet established.
func NewDaemon() *Daemon {
	return &Daemon{}
}

// Dialer returns a heartbeat.Dialer bound to this daemon. Each call opens
// a fresh in-memory pipe; the Daemon keeps the server end and starts a
// goroutine that appends every received frame to its request log.
func (d *Daemon) Dialer() heartbeat.Dialer {
	return func(string) (heartbeat.Socket, error) {
		d.mu.Lock()
		refuse := d.refuse
		d.mu.Unlock()
		if refuse {
			return nil, errRefused
		}
		client, server := net.Pipe()
		d.mu.Lock()
		d.conn = server
		d.mu.Unlock()
		go d.serve(server)
		return client, nil
	}
}

// Refuse makes every subsequent Dialer call fail until called again with
// false, simulating the daemon being unreachable.
func (d *Daemon) Refuse(v bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.refuse = v
}

func (d *Daemon) serve(conn net.Conn) {
	for {
		var hdr [4]byte
		if _, err := io.ReadFull(conn, hdr[:]); err != nil {
			return
		}
		n := binary.BigEndian.Uint32(hdr[:])
		var payload []byte
		if n > 0 {
			payload = make([]byte, n)
			if _, err := io.ReadFull(conn, payload); err != nil {
				return
			}
		}
		var req Request
		if json.Unmarshal(payload, &req) == nil {
			d.mu.Lock()
			d.requests = append(d.requests, req)
			d.mu.Unlock()
		}
	}
}

// Requests returns every request frame received so far, oldest first.
func (d *Daemon) Requests() []Request {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Request, len(d.requests))
	copy(out, d.requests)
	return out
}

// LastRequest returns the most recently received request frame.
func (d *Daemon) LastRequest() (Request, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.requests) == 0 {
		return Request{}, false
	}
	return d.requests[len(d.requests)-1], true
}

// Wake sends the zero-length wakeup reply on the current connection.
func (d *Daemon) Wake() error {
	d.mu.Lock()
	conn := d.conn
	d.mu.Unlock()
	if conn == nil {
		return errNotConnected
	}
	var hdr [4]byte
	_, err := conn.Write(hdr[:])
	return err
}

// Disconnect forcibly closes the current connection, simulating a daemon
// crash or socket error; the client is expected to observe EOF, retry,
// and reconnect.
func (d *Daemon) Disconnect() {
	d.mu.Lock()
	conn := d.conn
	d.conn = nil
	d.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

type fakeError string

func (e fakeError) Error() string { return string(e) }

const (
	errRefused      = fakeError("heartbeatfake: daemon refusing connections")
	errNotConnected = fakeError("heartbeatfake: no active connection")
)
