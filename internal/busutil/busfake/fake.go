// Package busfake is an in-process stand-in for busutil.Conn used by
// the test suites for C4, C5, and C6 (through its owned C4), so they can
// exercise session renewal, daemon-presence tracking,
// and signal delivery without a real system bus or power daemon.
package busfake

import (
	"sync"

	"github.com/godbus/dbus/v5"

	"github.com/sailfishos/nemo-keepalive/internal/busutil"
)

// Reply describes how the fake should answer one outstanding async
// call: either a value to store (matching dbus.Call.Store's target) or
// an error.
type Reply struct {
	Body []interface{}
	Err  error
}

// Bus is a fake busutil.Conn. Calls are answered by a per-
// "interface.method" function registered with OnCall, whatever their
// destination; an unregistered call is answered with an empty body and
// no error.
type Bus struct {
	mu          sync.Mutex
	connected   bool
	handlers    map[string]func(args []interface{}) Reply
	sigCh       chan<- *dbus.Signal
	matchCount  int
}

// New returns a connected fake bus.
func New() *Bus {
	return &Bus{
		connected: true,
		handlers:  map[string]func(args []interface{}) Reply{},
	}
}

// OnCall registers how the fake answers member (e.g. "org.freedesktop.DBus.GetNameOwner").
func (b *Bus) OnCall(member string, fn func(args []interface{}) Reply) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[member] = fn
}

// SetConnected flips the fake's reported connectivity.
func (b *Bus) SetConnected(v bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connected = v
}

// EmitSignal delivers sig to whatever goroutine is currently watching
// signals via busutil.WatchSignals, if any.
func (b *Bus) EmitSignal(sig *dbus.Signal) {
	b.mu.Lock()
	ch := b.sigCh
	b.mu.Unlock()
	if ch != nil {
		ch <- sig
	}
}

// MatchCount returns how many signal matches are currently installed
// (AddMatchSignal calls minus RemoveMatchSignal calls), for assertions
// like "the object installed exactly one match and removed it at
// shutdown".
func (b *Bus) MatchCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.matchCount
}

func (b *Bus) Object(dest string, path dbus.ObjectPath) busutil.BusObject {
	return &fakeObject{bus: b, dest: dest, path: path}
}

func (b *Bus) AddMatchSignal(options ...dbus.MatchOption) error {
	b.mu.Lock()
	b.matchCount++
	b.mu.Unlock()
	return nil
}

func (b *Bus) RemoveMatchSignal(options ...dbus.MatchOption) error {
	b.mu.Lock()
	if b.matchCount > 0 {
		b.matchCount--
	}
	b.mu.Unlock()
	return nil
}

func (b *Bus) Signal(ch chan<- *dbus.Signal) {
	b.mu.Lock()
	b.sigCh = ch
	b.mu.Unlock()
}

func (b *Bus) RemoveSignal(ch chan<- *dbus.Signal) {
	b.mu.Lock()
	if b.sigCh == ch {
		b.sigCh = nil
	}
	b.mu.Unlock()
}

func (b *Bus) Connected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected
}

func (b *Bus) Close() error {
	b.mu.Lock()
	b.connected = false
	b.mu.Unlock()
	return nil
}

type fakeObject struct {
	bus  *Bus
	dest string
	path dbus.ObjectPath
}

func (o *fakeObject) Go(method string, flags dbus.Flags, ch chan *dbus.Call, args ...interface{}) *dbus.Call {
	o.bus.mu.Lock()
	fn := o.bus.handlers[method]
	o.bus.mu.Unlock()

	call := &dbus.Call{Destination: o.dest, Path: o.path, Method: method, Args: args}

	if fn == nil {
		call.Err = nil
		call.Body = nil
	} else {
		r := fn(args)
		call.Err = r.Err
		call.Body = r.Body
	}

	if ch == nil {
		// fire-and-forget: nothing further to deliver.
		return call
	}
	// Deliver asynchronously, like a real bus round-trip, so callers
	// exercising StartCall's goroutine-based wait see realistic
	// interleaving instead of a same-stack callback.
	go func() {
		ch <- call
	}()
	return call
}

