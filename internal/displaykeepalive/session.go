// Package displaykeepalive implements C5: a display-blanking-prevent
// session with the platform power daemon. It is shaped exactly like
// cpukeepalive's C4 (connect once, track daemon presence, renew on a
// timer) with two additions: a daemon-published "prevent allowed"
// boolean that gates the renew loop, and a non-gating display-status
// attribute mirrored from the daemon for observers.
package displaykeepalive

import (
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/godbus/dbus/v5"

	"github.com/sailfishos/nemo-keepalive/internal/busutil"
	"github.com/sailfishos/nemo-keepalive/internal/config"
	"github.com/sailfishos/nemo-keepalive/internal/eventloop"
	"github.com/sailfishos/nemo-keepalive/internal/objectbase"
)

const (
	methodPreventBlank       = "prevent_blank"
	methodCancelPreventBlank = "cancel_prevent_blank"
	methodGetAllowed         = "get_display_blanking_pause_allowed"
	methodGetStatus          = "get_display_status"

	signalAllowedChanged = "display_blanking_pause_allowed"
	signalStatusChanged  = "display_status"
)

type ownership int

const (
	ownershipUnknown ownership = iota
	ownershipStopped
	ownershipRunning
)

// PreventMode is the daemon-published tri-state gate on the renew loop.
type PreventMode int

const (
	PreventUnknown PreventMode = iota
	PreventAllowed
	PreventDenied
)

// Status is the observer-visible display-power attribute. It never gates
// the keepalive itself (spec §4.5); it exists purely for consumption by a
// higher layer.
type Status int

const (
	StatusUnknown Status = iota
	StatusOff
	StatusDimmed
	StatusOn
)

func parseStatus(s string) Status {
	switch strings.ToLower(s) {
	case "off":
		return StatusOff
	case "dimmed":
		return StatusDimmed
	case "on":
		return StatusOn
	default:
		return StatusUnknown
	}
}

var idCounter uint64

func nextID() string {
	n := atomic.AddUint64(&idCounter, 1)
	return fmt.Sprintf("display_%d", n)
}

// Dial opens (or reuses) the bus connection a Session talks to.
type Dial func() (busutil.Conn, error)

// Session is a C5 display-keepalive handle.
type Session struct {
	base *objectbase.Base

	id   string
	bus  config.Bus
	dial Dial

	connectAttempted bool
	requested        bool

	conn              busutil.Conn
	filterInstalled   bool
	mceMatchInstalled bool
	sigWatch          *busutil.SignalWatch

	ownership     ownership
	ownershipCall objectbase.CallSlot

	preventMode PreventMode
	preventCall objectbase.CallSlot

	status     Status
	statusCall objectbase.CallSlot

	renewing   bool
	renewTimer objectbase.TimerSlot

	connectTimer objectbase.TimerSlot
	rethinkTimer objectbase.TimerSlot

	onStatusChanged func(Status)
}

// New constructs a stopped, not-yet-connected display-keepalive session
// bound to loop, with external refcount 1. onStatusChanged, if non-nil,
// is invoked (unlocked) whenever the observed display status changes.
func New(loop *eventloop.Loop, bus config.Bus, dial Dial, onStatusChanged func(Status)) *Session {
	s := &Session{
		id:              nextID(),
		bus:             bus,
		dial:            dial,
		onStatusChanged: onStatusChanged,
	}
	s.base = objectbase.New(loop, s.id, s.onShutdownLocked, func() {})
	s.base.Lock()
	s.scheduleConnectLocked()
	s.base.Unlock()
	return s
}

// ID returns the session's immutable diagnostic/protocol id.
func (s *Session) ID() string { return s.id }

// Ref adds a strong reference.
func (s *Session) Ref() {
	s.base.Lock()
	s.base.RefExternalLocked()
	s.base.Unlock()
}

// Unref drops a strong reference.
func (s *Session) Unref() {
	s.base.Lock()
	s.base.UnrefExternalLocked()
	s.base.Unlock()
}

// Start records the user's intent to prevent display blanking.
func (s *Session) Start() {
	s.base.Lock()
	defer s.base.Unlock()
	s.requested = true
	s.scheduleRethinkLocked()
}

// Stop clears the user's intent.
func (s *Session) Stop() {
	s.base.Lock()
	defer s.base.Unlock()
	s.requested = false
	s.scheduleRethinkLocked()
}

// Requested reports the current user intent.
func (s *Session) Requested() bool {
	s.base.Lock()
	defer s.base.Unlock()
	return s.requested
}

// Renewing reports whether the renew loop is currently active.
func (s *Session) Renewing() bool {
	s.base.Lock()
	defer s.base.Unlock()
	return s.renewing
}

// PreventMode reports the daemon-published gate value last observed.
func (s *Session) PreventMode() PreventMode {
	s.base.Lock()
	defer s.base.Unlock()
	return s.preventMode
}

// DisplayStatus reports the last display-status attribute observed.
func (s *Session) DisplayStatus() Status {
	s.base.Lock()
	defer s.base.Unlock()
	return s.status
}

func (s *Session) scheduleConnectLocked() {
	s.base.TimerStartLocked(&s.connectTimer, 0, func() {
		s.base.Lock()
		defer s.base.Unlock()
		s.connectOnceLocked()
	})
}

func (s *Session) connectOnceLocked() {
	if s.connectAttempted {
		return
	}
	s.connectAttempted = true
	conn, err := s.dial()
	if err != nil {
		return
	}
	s.conn = conn
	if err := busutil.AddNameOwnerChangedMatch(conn, s.bus.Service); err == nil {
		s.filterInstalled = true
	}
	// Both MCE broadcasts this session tracks (spec §4.5: "tracked via a
	// signal") need their own bus-side match rule — without one the
	// daemon never routes them to this connection and preventMode/status
	// would only ever reflect the one-shot initial query.
	errAllowed := busutil.AddSignalMatch(conn, s.bus.Interface, signalAllowedChanged)
	errStatus := busutil.AddSignalMatch(conn, s.bus.Interface, signalStatusChanged)
	if errAllowed == nil && errStatus == nil {
		s.mceMatchInstalled = true
	}
	s.sigWatch = busutil.WatchSignals(s.base.Loop(), conn, s.onSignal)
	s.queryOwnershipLocked()
}

func (s *Session) onSignal(sig *dbus.Signal) {
	s.base.Lock()
	defer s.base.Unlock()
	if owner, ok := busutil.IsNameOwnerChanged(sig, s.bus.Service); ok {
		s.setOwnershipLocked(owner != "")
		return
	}
	switch sig.Name {
	case s.bus.Interface + "." + signalAllowedChanged:
		if len(sig.Body) == 1 {
			if allowed, ok := sig.Body[0].(bool); ok {
				s.setPreventModeLocked(allowed)
			}
		}
	case s.bus.Interface + "." + signalStatusChanged:
		if len(sig.Body) == 1 {
			if str, ok := sig.Body[0].(string); ok {
				s.setStatusLocked(parseStatus(str))
			}
		}
	}
}

func (s *Session) queryOwnershipLocked() {
	busutil.GetNameOwner(s.base, &s.ownershipCall, s.conn, s.bus.Service, func(owner string, running bool) {
		s.base.Lock()
		defer s.base.Unlock()
		s.setOwnershipLocked(running)
	})
}

// setOwnershipLocked implements spec §4.5's "if the daemon disappears,
// prevent_mode is reset to Unknown to avoid acting on a stale value when
// it returns".
func (s *Session) setOwnershipLocked(running bool) {
	prev := s.ownership
	if running {
		s.ownership = ownershipRunning
	} else {
		s.ownership = ownershipStopped
		s.preventMode = PreventUnknown
	}
	if running && prev != ownershipRunning {
		s.queryPreventAllowedLocked()
		s.queryDisplayStatusLocked()
	}
	s.scheduleRethinkLocked()
}

func (s *Session) queryPreventAllowedLocked() {
	busutil.StartCall(s.base, &s.preventCall, s.conn, s.bus.Service, s.bus.Object, s.bus.Interface, methodGetAllowed, func(call *dbus.Call) {
		s.base.Lock()
		defer s.base.Unlock()
		if call.Err != nil {
			return
		}
		var allowed bool
		if call.Store(&allowed) == nil {
			s.setPreventModeLocked(allowed)
		}
	})
}

func (s *Session) setPreventModeLocked(allowed bool) {
	if allowed {
		s.preventMode = PreventAllowed
	} else {
		s.preventMode = PreventDenied
	}
	s.scheduleRethinkLocked()
}

func (s *Session) queryDisplayStatusLocked() {
	busutil.StartCall(s.base, &s.statusCall, s.conn, s.bus.Service, s.bus.Object, s.bus.Interface, methodGetStatus, func(call *dbus.Call) {
		s.base.Lock()
		defer s.base.Unlock()
		if call.Err != nil {
			return
		}
		var raw string
		if call.Store(&raw) == nil {
			s.setStatusLocked(parseStatus(raw))
		}
	})
}

func (s *Session) setStatusLocked(status Status) {
	if status == s.status {
		return
	}
	s.status = status
	cb := s.onStatusChanged
	if cb == nil {
		return
	}
	s.base.Unlock()
	cb(status)
	s.base.Lock()
}

func (s *Session) scheduleRethinkLocked() {
	s.base.TimerStartLocked(&s.rethinkTimer, 0, func() {
		s.base.Lock()
		defer s.base.Unlock()
		s.rethinkNowLocked()
	})
}

// rethinkNowLocked additionally requires prevent_mode == Allowed, per
// spec §4.5.
func (s *Session) rethinkNowLocked() {
	switch {
	case s.base.InShutdownLocked() || s.ownership != ownershipRunning || s.preventMode != PreventAllowed:
		s.stopRenewLocked()
	case s.requested:
		s.startRenewLocked()
	default:
		s.stopRenewLocked()
	}
}

func (s *Session) startRenewLocked() {
	if s.renewing {
		return
	}
	s.renewing = true
	s.sendStartLocked()
	s.armRenewTimerLocked()
}

func (s *Session) armRenewTimerLocked() {
	s.base.TimerStartLocked(&s.renewTimer, int(config.DisplayRenewPeriod.Milliseconds()), func() {
		s.base.Lock()
		defer s.base.Unlock()
		if s.renewing {
			s.sendStartLocked()
		}
	})
}

func (s *Session) stopRenewLocked() {
	if !s.renewing {
		return
	}
	s.renewing = false
	s.base.TimerStopLocked(&s.renewTimer)
	if s.conn != nil {
		// No arguments: spec §6 defines cancel_prevent_blank() with an
		// empty signature, unlike C4's session-id-bearing renew calls.
		busutil.SimpleCall(s.conn, s.bus.Service, s.bus.Object, s.bus.Interface, methodCancelPreventBlank)
	}
}

func (s *Session) sendStartLocked() {
	if s.conn != nil {
		// No arguments: spec §6 defines prevent_blank() with an empty
		// signature.
		busutil.SimpleCall(s.conn, s.bus.Service, s.bus.Object, s.bus.Interface, methodPreventBlank)
	}
}

func (s *Session) onShutdownLocked() {
	s.base.TimerStopLocked(&s.connectTimer)
	s.base.TimerStopLocked(&s.rethinkTimer)
	s.stopRenewLocked()
	s.base.IPCCancelLocked(&s.ownershipCall)
	s.base.IPCCancelLocked(&s.preventCall)
	s.base.IPCCancelLocked(&s.statusCall)
	if s.sigWatch != nil {
		s.sigWatch.Stop()
		s.sigWatch = nil
	}
	if s.conn != nil {
		if s.filterInstalled {
			_ = busutil.RemoveNameOwnerChangedMatch(s.conn, s.bus.Service)
		}
		if s.mceMatchInstalled {
			_ = busutil.RemoveSignalMatch(s.conn, s.bus.Interface, signalAllowedChanged)
			_ = busutil.RemoveSignalMatch(s.conn, s.bus.Interface, signalStatusChanged)
		}
		_ = s.conn.Close()
		s.conn = nil
	}
}
