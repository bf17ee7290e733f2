// Package cpukeepalive implements C4: a suspend-blocking session with the
// platform power daemon. Calling Start renews a session token at a
// daemon-advertised period for as long as the daemon is present on the
// bus; Stop releases it. Daemon restarts, an unreachable bus, and an
// unparsable renew-period reply are all handled without surfacing an
// error to the caller, per spec §7's "surfaced as state, not errors"
// class.
package cpukeepalive

import (
	"fmt"
	"sync/atomic"

	"github.com/godbus/dbus/v5"

	"github.com/sailfishos/nemo-keepalive/internal/busutil"
	"github.com/sailfishos/nemo-keepalive/internal/config"
	"github.com/sailfishos/nemo-keepalive/internal/eventloop"
	"github.com/sailfishos/nemo-keepalive/internal/objectbase"
)

const (
	methodStart  = "cpu_keepalive_start"
	methodStop   = "cpu_keepalive_stop"
	methodPeriod = "cpu_keepalive_period"
)

// ownership is the three-valued daemon name-ownership state from spec
// §4.4.
type ownership int

const (
	ownershipUnknown ownership = iota
	ownershipStopped
	ownershipRunning
)

var idCounter uint64

func nextID(prefix string) string {
	n := atomic.AddUint64(&idCounter, 1)
	return fmt.Sprintf("%s_%d", prefix, n)
}

// Dial opens (or reuses) the bus connection a Session talks to. Tests
// supply a busfake.Bus-backed Dial; production uses busutil.DialSystemBus.
type Dial func() (busutil.Conn, error)

// Session is a C4 CPU-keepalive handle.
type Session struct {
	base *objectbase.Base

	id   string
	bus  config.Bus
	dial Dial

	connectAttempted bool
	requested        bool

	conn            busutil.Conn
	filterInstalled bool
	sigWatch        *busutil.SignalWatch

	ownership     ownership
	ownershipCall objectbase.CallSlot

	periodMS      int
	periodQueried bool
	periodCall    objectbase.CallSlot

	renewing   bool
	renewTimer objectbase.TimerSlot

	connectTimer objectbase.TimerSlot
	rethinkTimer objectbase.TimerSlot
}

// New constructs a stopped, not-yet-connected CPU-keepalive session bound
// to loop, with external refcount 1. The bus connection is attempted
// once, on the next event-loop turn (spec §4.4's "delayed-connect-timer
// slot"), so construction itself never performs blocking I/O.
func New(loop *eventloop.Loop, bus config.Bus, dial Dial) *Session {
	s := &Session{
		id:   nextID("cpu"),
		bus:  bus,
		dial: dial,
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

// Start records the user's intent to hold the suspend-blocking session
// and schedules a rethink. Indistinguishable from a single Start when
// called repeatedly.
func (s *Session) Start() {
	s.base.Lock()
	defer s.base.Unlock()
	s.requested = true
	s.scheduleRethinkLocked()
}

// Stop clears the user's intent and schedules a rethink.
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

// Renewing reports whether the renew loop is currently active — exposed
// for tests exercising the "renew timer running iff requested ∧ daemon
// running ∧ not shutting down" invariant.
func (s *Session) Renewing() bool {
	s.base.Lock()
	defer s.base.Unlock()
	return s.renewing
}

func (s *Session) scheduleConnectLocked() {
	s.base.TimerStartLocked(&s.connectTimer, 0, func() {
		s.base.Lock()
		defer s.base.Unlock()
		s.connectOnceLocked()
	})
}

// connectOnceLocked attempts the bus connection exactly once per object
// (spec §4.4 "one-shot connect"). A failure leaves the session
// functional-but-inert: no retry is ever scheduled.
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
	s.sigWatch = busutil.WatchSignals(s.base.Loop(), conn, func(sig *dbus.Signal) {
		s.base.Lock()
		defer s.base.Unlock()
		if owner, ok := busutil.IsNameOwnerChanged(sig, s.bus.Service); ok {
			s.setOwnershipLocked(owner != "")
		}
	})
	s.queryOwnershipLocked()
}

func (s *Session) queryOwnershipLocked() {
	busutil.GetNameOwner(s.base, &s.ownershipCall, s.conn, s.bus.Service, func(owner string, running bool) {
		s.base.Lock()
		defer s.base.Unlock()
		s.setOwnershipLocked(running)
	})
}

func (s *Session) setOwnershipLocked(running bool) {
	prev := s.ownership
	if running {
		s.ownership = ownershipRunning
	} else {
		s.ownership = ownershipStopped
	}
	if running && prev != ownershipRunning && !s.periodQueried {
		s.periodQueried = true
		s.queryPeriodLocked()
	}
	s.scheduleRethinkLocked()
}

func (s *Session) queryPeriodLocked() {
	busutil.StartCall(s.base, &s.periodCall, s.conn, s.bus.Service, s.bus.Object, s.bus.Interface, methodPeriod, func(call *dbus.Call) {
		s.base.Lock()
		defer s.base.Unlock()
		s.periodMS = parsePeriodSeconds(call) * 1000
		s.rearmRenewIfRunningLocked()
	}, s.id)
}

// parsePeriodSeconds falls back to the 60s default on any call error or
// unparsable reply, and never retries (spec §7).
func parsePeriodSeconds(call *dbus.Call) int {
	if call.Err != nil {
		return int(config.DefaultRenewPeriod.Seconds())
	}
	var seconds int32
	if err := call.Store(&seconds); err != nil || seconds <= 0 {
		return int(config.DefaultRenewPeriod.Seconds())
	}
	return int(seconds)
}

func (s *Session) scheduleRethinkLocked() {
	s.base.TimerStartLocked(&s.rethinkTimer, 0, func() {
		s.base.Lock()
		defer s.base.Unlock()
		s.rethinkNowLocked()
	})
}

// rethinkNowLocked is the deferred reconciliation from spec §4.4: never
// run synchronously from within Start/Stop, so it cannot invert lock
// order against a message-bus flush.
func (s *Session) rethinkNowLocked() {
	switch {
	case s.base.InShutdownLocked() || s.ownership != ownershipRunning:
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
	period := s.periodMS
	if period <= 0 {
		period = int(config.DefaultRenewPeriod.Milliseconds())
	}
	s.base.TimerStartLocked(&s.renewTimer, period, func() {
		s.base.Lock()
		defer s.base.Unlock()
		if s.renewing {
			s.sendStartLocked()
		}
	})
}

// rearmRenewIfRunningLocked implements the period-change restart: the old
// schedule is discarded and a fresh START is issued immediately against
// the newly-discovered period.
func (s *Session) rearmRenewIfRunningLocked() {
	if !s.renewing {
		return
	}
	s.sendStartLocked()
	s.armRenewTimerLocked()
}

func (s *Session) stopRenewLocked() {
	if !s.renewing {
		return
	}
	s.renewing = false
	s.base.TimerStopLocked(&s.renewTimer)
	if s.conn != nil {
		busutil.SimpleCall(s.conn, s.bus.Service, s.bus.Object, s.bus.Interface, methodStop, s.id)
	}
}

func (s *Session) sendStartLocked() {
	if s.conn != nil {
		busutil.SimpleCall(s.conn, s.bus.Service, s.bus.Object, s.bus.Interface, methodStart, s.id)
	}
}

func (s *Session) onShutdownLocked() {
	s.base.TimerStopLocked(&s.connectTimer)
	s.base.TimerStopLocked(&s.rethinkTimer)
	s.stopRenewLocked()
	s.base.IPCCancelLocked(&s.ownershipCall)
	s.base.IPCCancelLocked(&s.periodCall)
	if s.sigWatch != nil {
		s.sigWatch.Stop()
		s.sigWatch = nil
	}
	if s.conn != nil {
		if s.filterInstalled {
			_ = busutil.RemoveNameOwnerChangedMatch(s.conn, s.bus.Service)
		}
		_ = s.conn.Close()
		s.conn = nil
	}
}
