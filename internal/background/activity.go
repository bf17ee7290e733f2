// Package background implements C6: a wait/run/stop activity cycle
// layered on a heartbeat client (C3) and a CPU-keepalive session (C4).
// An Activity owns both subordinates exclusively — nothing else holds a
// reference to them — and drives their start/stop calls from its own
// Stopped/Waiting/Running state machine.
package background

import (
	"github.com/sailfishos/nemo-keepalive/internal/config"
	"github.com/sailfishos/nemo-keepalive/internal/cpukeepalive"
	"github.com/sailfishos/nemo-keepalive/internal/eventloop"
	"github.com/sailfishos/nemo-keepalive/internal/heartbeat"
	"github.com/sailfishos/nemo-keepalive/internal/objectbase"
)

// State is the activity's current or reported lifecycle state.
type State int

const (
	Stopped State = iota
	Waiting
	Running
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Waiting:
		return "waiting"
	case Running:
		return "running"
	default:
		return "unknown"
	}
}

// Activity is a C6 handle.
type Activity struct {
	base *objectbase.Base

	hb  *heartbeat.Client
	cpu *cpukeepalive.Session

	current  State
	reported State

	delay          heartbeat.Delay
	lastArmedDelay heartbeat.Delay
	lastArmedValid bool

	notifyTimer objectbase.TimerSlot

	stoppedCB func()
	waitingCB func()
	runningCB func()

	userData interface{}
}

// New constructs a Stopped activity bound to loop, with external
// refcount 1. It owns a fresh heartbeat client dialing path via dial and
// a fresh CPU-keepalive session dialing the bus via busDial; neither is
// shared with any other object.
func New(loop *eventloop.Loop, path string, dial heartbeat.Dialer, bus config.Bus, busDial cpukeepalive.Dial) *Activity {
	a := &Activity{delay: heartbeat.DefaultDelay()}
	a.cpu = cpukeepalive.New(loop, bus, busDial)
	a.hb = heartbeat.New(loop, path, dial, a.onHeartbeatWakeup)
	a.base = objectbase.New(loop, a.cpu.ID(), a.onShutdownLocked, func() {})
	return a
}

// ID delegates to the owned CPU-keepalive session's id, tying
// diagnostic output across the two components.
func (a *Activity) ID() string { return a.cpu.ID() }

// Ref adds a strong reference.
func (a *Activity) Ref() {
	a.base.Lock()
	a.base.RefExternalLocked()
	a.base.Unlock()
}

// Unref drops a strong reference.
func (a *Activity) Unref() {
	a.base.Lock()
	a.base.UnrefExternalLocked()
	a.base.Unlock()
}

// IsStopped, IsWaiting, IsRunning report the current (not reported) state.
func (a *Activity) IsStopped() bool { return a.stateIs(Stopped) }
func (a *Activity) IsWaiting() bool { return a.stateIs(Waiting) }
func (a *Activity) IsRunning() bool { return a.stateIs(Running) }

func (a *Activity) stateIs(s State) bool {
	a.base.Lock()
	defer a.base.Unlock()
	return a.current == s
}

// ReportedState exposes what observers have actually been told, for
// tests exercising the "reported is a prefix-preserving subsequence of
// current" invariant.
func (a *Activity) ReportedState() State {
	a.base.Lock()
	defer a.base.Unlock()
	return a.reported
}

// GetWakeupSlot returns the active slot-aligned delay in seconds (valid
// only when the current delay is a slot, not a range).
func (a *Activity) GetWakeupSlot() int {
	a.base.Lock()
	defer a.base.Unlock()
	return a.delay.Lo
}

// SetWakeupSlot overrides the wakeup delay to the largest grid-aligned
// slot not above seconds (values below the grid snap up to it). Takes
// effect the next time the activity (re-)enters Waiting.
func (a *Activity) SetWakeupSlot(seconds int) {
	a.base.Lock()
	defer a.base.Unlock()
	a.delay = heartbeat.Slot(seconds)
}

// GetWakeupRange returns the active [lo, hi] range in seconds.
func (a *Activity) GetWakeupRange() (lo, hi int) {
	a.base.Lock()
	defer a.base.Unlock()
	return a.delay.Lo, a.delay.Hi
}

// SetWakeupRange overrides the wakeup delay to an explicit range.
func (a *Activity) SetWakeupRange(lo, hi int) {
	a.base.Lock()
	defer a.base.Unlock()
	a.delay = heartbeat.Range(lo, hi)
}

// GetUserData, StealUserData, SetUserData back the public opaque
// user-data slot. Unlike the component-internal callbacks, this is a
// plain interface{} field because it is part of the handle's public API
// surface, not an internal callback-passing mechanism.
func (a *Activity) GetUserData() interface{} {
	a.base.Lock()
	defer a.base.Unlock()
	return a.userData
}

func (a *Activity) StealUserData() interface{} {
	a.base.Lock()
	defer a.base.Unlock()
	v := a.userData
	a.userData = nil
	return v
}

func (a *Activity) SetUserData(v interface{}) {
	a.base.Lock()
	defer a.base.Unlock()
	a.userData = v
}

// SetStoppedCallback, SetWaitingCallback, SetRunningCallback register the
// per-state transition callback invoked (unlocked) when the reported
// state advances to that value. A nil callback restores the default
// (no-op for stopped/waiting, an immediate Stop for running).
func (a *Activity) SetStoppedCallback(cb func()) {
	a.base.Lock()
	defer a.base.Unlock()
	a.stoppedCB = cb
}

func (a *Activity) SetWaitingCallback(cb func()) {
	a.base.Lock()
	defer a.base.Unlock()
	a.waitingCB = cb
}

func (a *Activity) SetRunningCallback(cb func()) {
	a.base.Lock()
	defer a.base.Unlock()
	a.runningCB = cb
}

// Wait transitions to Waiting from any state, arming (or, from an
// existing Waiting with an unchanged delay, leaving alone) the heartbeat.
func (a *Activity) Wait() {
	a.base.Lock()
	defer a.base.Unlock()
	a.transitionLocked(Waiting)
}

// Run transitions to Running, starting the CPU-keepalive session. A call
// while already Running — including from inside the running callback of
// this same Activity — is a no-op.
func (a *Activity) Run() {
	a.base.Lock()
	defer a.base.Unlock()
	if a.current == Running {
		return
	}
	a.transitionLocked(Running)
}

// Stop transitions to Stopped, cancelling the heartbeat if waiting and
// (deferred to after the next notify dispatch) the CPU-keepalive session
// if running.
func (a *Activity) Stop() {
	a.base.Lock()
	defer a.base.Unlock()
	a.transitionLocked(Stopped)
}

// onHeartbeatWakeup is C3's notify callback. It is delivered on the
// event loop with no lock held (heartbeat.Client's own contract), so it
// takes the activity's lock itself. A wakeup is only meaningful from
// Waiting; any other current state means the wakeup raced a
// reprogramming and is a stray, ignored per spec.
func (a *Activity) onHeartbeatWakeup() {
	a.base.Lock()
	defer a.base.Unlock()
	if a.current != Waiting {
		return
	}
	a.transitionLocked(Running)
}

// transitionLocked implements the state table in full: Stopped->Waiting
// arms the heartbeat unconditionally; Waiting->Waiting reprograms only
// if the delay actually changed; any transition into Running starts the
// CPU-keepalive session; leaving Waiting for anything else cancels the
// heartbeat first. The CPU-keepalive stop for a transition away from
// Running is not issued here — it is deferred to notifyOnceLocked, after
// the reported-state callback has run, so a running callback can call
// Stop/Wait on itself without the session being torn out from under it
// mid-callback.
func (a *Activity) transitionLocked(to State) {
	from := a.current
	if from == to && to != Waiting {
		return
	}
	switch to {
	case Running:
		if from == Waiting {
			a.hb.Stop()
		}
		a.current = Running
		a.cpu.Start()
	case Waiting:
		rearm := from != Waiting || !a.lastArmedValid || !a.lastArmedDelay.Equal(a.delay)
		a.current = Waiting
		if rearm {
			a.hb.Start(a.delay)
			a.lastArmedDelay = a.delay
			a.lastArmedValid = true
		}
	case Stopped:
		if from == Waiting {
			a.hb.Stop()
		}
		a.current = Stopped
	}
	a.scheduleNotifyLocked()
}

func (a *Activity) scheduleNotifyLocked() {
	a.base.TimerStartLocked(&a.notifyTimer, 0, func() {
		a.base.Lock()
		defer a.base.Unlock()
		a.notifyOnceLocked()
	})
}

// notifyOnceLocked is the deferred-notify handler: it dispatches only
// the latest current state (coalescing any intermediate states the
// deferred timer skipped over), invokes the matching callback unlocked,
// then — iff the reported state it just dispatched is not Running —
// reacquires the lock and issues cpu_keepalive_stop.
func (a *Activity) notifyOnceLocked() {
	if a.reported == a.current {
		return
	}
	newState := a.current
	a.reported = newState
	cb := a.callbackForLocked(newState)

	a.base.Unlock()
	cb()
	a.base.Lock()

	if newState != Running {
		a.cpu.Stop()
	}
}

func (a *Activity) callbackForLocked(s State) func() {
	switch s {
	case Stopped:
		if a.stoppedCB != nil {
			return a.stoppedCB
		}
	case Waiting:
		if a.waitingCB != nil {
			return a.waitingCB
		}
	case Running:
		if a.runningCB != nil {
			return a.runningCB
		}
		return a.Stop
	}
	return func() {}
}

func (a *Activity) onShutdownLocked() {
	a.base.TimerStopLocked(&a.notifyTimer)
	a.hb.Unref()
	a.cpu.Unref()
}
