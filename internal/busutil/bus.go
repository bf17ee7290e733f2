// Package busutil provides thin, reusable helpers over a system
// message-bus connection: a validity predicate, async method-call
// issuance (with or without a reply), fire-and-forget calls, and
// signal-filter install/remove. It mirrors the shape of the teacher's
// own framed IPC helper (internal/ipc/bridge.go: pending-response
// bookkeeping keyed by request id, a single dispatch goroutine per
// connection) adapted to godbus's async Call/Signal idioms.
package busutil

import (
	"github.com/godbus/dbus/v5"

	"github.com/sailfishos/nemo-keepalive/internal/eventloop"
	"github.com/sailfishos/nemo-keepalive/internal/objectbase"
)

// BusObject is the subset of dbus.BusObject this package needs: just
// async method-call issuance. A *dbus.Conn's Object() return value
// always satisfies this (structurally, via Go's interface assignability),
// so production code pays no wrapping cost; test fakes only need to
// implement this one method.
type BusObject interface {
	Go(method string, flags dbus.Flags, ch chan *dbus.Call, args ...interface{}) *dbus.Call
}

// Conn is the subset of *dbus.Conn (or a test fake) every component in
// this module needs. Depending on an interface rather than *dbus.Conn
// directly lets tests exercise C3/C4/C5 without a real system bus.
type Conn interface {
	Object(dest string, path dbus.ObjectPath) BusObject
	AddMatchSignal(options ...dbus.MatchOption) error
	RemoveMatchSignal(options ...dbus.MatchOption) error
	Signal(ch chan<- *dbus.Signal)
	RemoveSignal(ch chan<- *dbus.Signal)
	Connected() bool
	Close() error
}

// realConn adapts *dbus.Conn to Conn (dbus.Conn already implements
// every method in the interface; this type exists purely so callers
// have a single, documented construction point).
type realConn struct{ *dbus.Conn }

// Object narrows *dbus.Conn's dbus.BusObject return value down to the
// BusObject interface this package actually uses.
func (r realConn) Object(dest string, path dbus.ObjectPath) BusObject {
	return r.Conn.Object(dest, path)
}

// DialSystemBus opens a private (not shared) connection to the system
// bus, matching spec §5's requirement that the bus connection within
// each object is owned by that object.
func DialSystemBus() (Conn, error) {
	c, err := dbus.SystemBusPrivate()
	if err != nil {
		return nil, err
	}
	if err := c.Auth(nil); err != nil {
		c.Close()
		return nil, err
	}
	if err := c.Hello(); err != nil {
		c.Close()
		return nil, err
	}
	return realConn{c}, nil
}

// Valid reports whether conn exists and reports itself connected.
func Valid(conn Conn) bool {
	return conn != nil && conn.Connected()
}

// SimpleCall issues a fire-and-forget method call: the message is sent
// with NoReplyExpected set and no reply is ever registered. This is
// MethodCallVA with a nil reply handler (spec §4.2).
func SimpleCall(conn Conn, dest, path, iface, method string, args ...interface{}) {
	obj := conn.Object(dest, dbus.ObjectPath(path))
	obj.Go(iface+"."+method, dbus.FlagNoReplyExpected, nil, args...)
}

// StartCall issues an async method call tracked through the owning
// object's CallSlot: id identifies the call for later matching, the
// call is cancelled (its eventual reply discarded) if the slot is
// reused or the object shuts down before a reply arrives, and onReply
// is invoked on the event loop exactly once, only for the reply that
// actually matches the still-live call.
//
// On any synchronous send error, the slot is never populated (no
// internal reference is taken) and onReply is still invoked, once, on
// the loop, with the failed *dbus.Call — mirroring spec §4.2's "on any
// error, the caller retains ownership" contract by never coupling
// resource release to a registration that didn't happen.
func StartCall(b *objectbase.Base, slot *objectbase.CallSlot, conn Conn, dest, path, iface, method string, onReply func(*dbus.Call), args ...interface{}) {
	loop := b.Loop()
	obj := conn.Object(dest, dbus.ObjectPath(path))
	ch := make(chan *dbus.Call, 1)
	call := obj.Go(iface+"."+method, 0, ch, args...)
	if call.Err != nil {
		loop.Post(func() { onReply(call) })
		return
	}

	id := objectbase.NextCallID()
	cancelCh := make(chan struct{})
	b.IPCStartLocked(slot, id, func() {
		select {
		case <-cancelCh:
		default:
			close(cancelCh)
		}
	})

	go func() {
		select {
		case done := <-ch:
			loop.Post(func() {
				b.Lock()
				ok := b.IPCFinishLocked(slot, id)
				b.Unlock()
				if ok {
					onReply(done)
				}
			})
		case <-cancelCh:
		}
	}()
}

// SignalWatch forwards every bus signal matching a prior AddMatchSignal
// call to onSignal, delivered on loop. Stop removes the forwarding
// goroutine's subscription; it does not remove the bus-side match rule
// (callers manage that with RemoveMatchSignal themselves, since several
// SignalWatches may share one match rule in the C5 singleton case).
type SignalWatch struct {
	stop chan struct{}
}

func WatchSignals(loop *eventloop.Loop, conn Conn, onSignal func(*dbus.Signal)) *SignalWatch {
	ch := make(chan *dbus.Signal, 16)
	conn.Signal(ch)
	w := &SignalWatch{stop: make(chan struct{})}
	go func() {
		defer conn.RemoveSignal(ch)
		for {
			select {
			case sig, ok := <-ch:
				if !ok {
					return
				}
				loop.Post(func() { onSignal(sig) })
			case <-w.stop:
				return
			}
		}
	}()
	return w
}

func (w *SignalWatch) Stop() {
	if w == nil {
		return
	}
	select {
	case <-w.stop:
	default:
		close(w.stop)
	}
}

const (
	BusDaemonService   = "org.freedesktop.DBus"
	busDaemonObject    = "/org/freedesktop/DBus"
	busDaemonInterface = "org.freedesktop.DBus"
)

// GetNameOwner asynchronously queries the bus daemon for the current
// owner of name, reporting ("", false) both when the name has no owner
// and when the call itself fails (spec §4.4: "an explicit no-owner
// error => Stopped").
func GetNameOwner(b *objectbase.Base, slot *objectbase.CallSlot, conn Conn, name string, onReply func(owner string, running bool)) {
	StartCall(b, slot, conn, BusDaemonService, busDaemonObject, busDaemonInterface, "GetNameOwner", func(call *dbus.Call) {
		if call.Err != nil {
			onReply("", false)
			return
		}
		var owner string
		if err := call.Store(&owner); err != nil {
			onReply("", false)
			return
		}
		onReply(owner, owner != "")
	}, name)
}

// AddNameOwnerChangedMatch installs an arg0-filtered NameOwnerChanged
// signal match for name (spec §4.4).
func AddNameOwnerChangedMatch(conn Conn, name string) error {
	return conn.AddMatchSignal(
		dbus.WithMatchInterface(busDaemonInterface),
		dbus.WithMatchMember("NameOwnerChanged"),
		dbus.WithMatchArg(0, name),
	)
}

// RemoveNameOwnerChangedMatch removes the match installed by
// AddNameOwnerChangedMatch.
func RemoveNameOwnerChangedMatch(conn Conn, name string) error {
	return conn.RemoveMatchSignal(
		dbus.WithMatchInterface(busDaemonInterface),
		dbus.WithMatchMember("NameOwnerChanged"),
		dbus.WithMatchArg(0, name),
	)
}

// AddSignalMatch installs a bus-side match rule for broadcast signal
// member on iface, so the daemon actually routes it to this connection
// instead of it being silently dropped at the bus (required for any
// signal beyond the well-known NameOwnerChanged, which every connection
// already receives matches for via AddNameOwnerChangedMatch).
func AddSignalMatch(conn Conn, iface, member string) error {
	return conn.AddMatchSignal(
		dbus.WithMatchInterface(iface),
		dbus.WithMatchMember(member),
	)
}

// RemoveSignalMatch removes the match installed by AddSignalMatch.
func RemoveSignalMatch(conn Conn, iface, member string) error {
	return conn.RemoveMatchSignal(
		dbus.WithMatchInterface(iface),
		dbus.WithMatchMember(member),
	)
}

// IsNameOwnerChanged reports whether sig is a NameOwnerChanged signal
// for name, returning the new owner string.
func IsNameOwnerChanged(sig *dbus.Signal, name string) (newOwner string, ok bool) {
	if sig.Name != busDaemonInterface+".NameOwnerChanged" {
		return "", false
	}
	if len(sig.Body) != 3 {
		return "", false
	}
	changedName, _ := sig.Body[0].(string)
	if changedName != name {
		return "", false
	}
	curr, _ := sig.Body[2].(string)
	return curr, true
}
