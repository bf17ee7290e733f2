package displaykeepalive

import (
	"github.com/godbus/dbus/v5"

	"github.com/sailfishos/nemo-keepalive/internal/busutil"
	"github.com/sailfishos/nemo-keepalive/internal/config"
	"github.com/sailfishos/nemo-keepalive/internal/eventloop"
	"github.com/sailfishos/nemo-keepalive/internal/objectbase"
)

// Hub is the optional singleton composition from spec §4.5: one bus
// connection, one ownership/prevent-mode/status tracker, and one renew
// loop shared by every registered Member in a process, instead of each
// Member opening its own. The renew loop runs iff at least one Member
// has joined and prevent_mode is Allowed.
type Hub struct {
	base *objectbase.Base

	bus  config.Bus
	dial Dial

	connectAttempted  bool
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

	members      map[uint64]struct{}
	nextMemberID uint64

	onStatusChanged func(Status)
}

// NewHub constructs a Hub with external refcount 1, not yet connected.
func NewHub(loop *eventloop.Loop, bus config.Bus, dial Dial, onStatusChanged func(Status)) *Hub {
	h := &Hub{
		bus:             bus,
		dial:            dial,
		members:         map[uint64]struct{}{},
		onStatusChanged: onStatusChanged,
	}
	h.base = objectbase.New(loop, "display-hub", h.onShutdownLocked, func() {})
	h.base.Lock()
	h.scheduleConnectLocked()
	h.base.Unlock()
	return h
}

// Ref adds a strong reference to the hub.
func (h *Hub) Ref() {
	h.base.Lock()
	h.base.RefExternalLocked()
	h.base.Unlock()
}

// Unref drops a strong reference to the hub.
func (h *Hub) Unref() {
	h.base.Lock()
	h.base.UnrefExternalLocked()
	h.base.Unlock()
}

// NewMember returns a handle a caller can Start/Stop exactly like a
// standalone Session, while the underlying daemon plumbing is shared
// across every Member registered with h.
func (h *Hub) NewMember() *Member {
	h.base.Lock()
	id := h.nextMemberID
	h.nextMemberID++
	h.base.Unlock()
	return &Member{hub: h, id: id}
}

// Renewing reports whether the shared renew loop is currently active.
func (h *Hub) Renewing() bool {
	h.base.Lock()
	defer h.base.Unlock()
	return h.renewing
}

// PreventMode reports the daemon-published gate value last observed.
func (h *Hub) PreventMode() PreventMode {
	h.base.Lock()
	defer h.base.Unlock()
	return h.preventMode
}

// DisplayStatus reports the last display-status attribute observed.
func (h *Hub) DisplayStatus() Status {
	h.base.Lock()
	defer h.base.Unlock()
	return h.status
}

// MemberCount reports how many Members currently hold the prevent
// request open.
func (h *Hub) MemberCount() int {
	h.base.Lock()
	defer h.base.Unlock()
	return len(h.members)
}

func (h *Hub) joinLocked(id uint64) {
	h.members[id] = struct{}{}
	h.scheduleRethinkLocked()
}

func (h *Hub) leaveLocked(id uint64) {
	delete(h.members, id)
	h.scheduleRethinkLocked()
}

// Member is a single registered preventing object backed by a shared
// Hub. It carries no bus connection, timer, or filter of its own.
type Member struct {
	hub    *Hub
	id     uint64
	joined bool
}

// Start registers the member as requesting display-blanking prevention.
func (m *Member) Start() {
	m.hub.base.Lock()
	defer m.hub.base.Unlock()
	if m.joined {
		return
	}
	m.joined = true
	m.hub.joinLocked(m.id)
}

// Stop withdraws the member's request.
func (m *Member) Stop() {
	m.hub.base.Lock()
	defer m.hub.base.Unlock()
	if !m.joined {
		return
	}
	m.joined = false
	m.hub.leaveLocked(m.id)
}

// Requested reports whether this member currently holds its request open.
func (m *Member) Requested() bool {
	m.hub.base.Lock()
	defer m.hub.base.Unlock()
	return m.joined
}

func (h *Hub) scheduleConnectLocked() {
	h.base.TimerStartLocked(&h.connectTimer, 0, func() {
		h.base.Lock()
		defer h.base.Unlock()
		h.connectOnceLocked()
	})
}

func (h *Hub) connectOnceLocked() {
	if h.connectAttempted {
		return
	}
	h.connectAttempted = true
	conn, err := h.dial()
	if err != nil {
		return
	}
	h.conn = conn
	if err := busutil.AddNameOwnerChangedMatch(conn, h.bus.Service); err == nil {
		h.filterInstalled = true
	}
	errAllowed := busutil.AddSignalMatch(conn, h.bus.Interface, signalAllowedChanged)
	errStatus := busutil.AddSignalMatch(conn, h.bus.Interface, signalStatusChanged)
	if errAllowed == nil && errStatus == nil {
		h.mceMatchInstalled = true
	}
	h.sigWatch = busutil.WatchSignals(h.base.Loop(), conn, h.onSignal)
	h.queryOwnershipLocked()
}

func (h *Hub) onSignal(sig *dbus.Signal) {
	h.base.Lock()
	defer h.base.Unlock()
	if owner, ok := busutil.IsNameOwnerChanged(sig, h.bus.Service); ok {
		h.setOwnershipLocked(owner != "")
		return
	}
	switch sig.Name {
	case h.bus.Interface + "." + signalAllowedChanged:
		if len(sig.Body) == 1 {
			if allowed, ok := sig.Body[0].(bool); ok {
				h.setPreventModeLocked(allowed)
			}
		}
	case h.bus.Interface + "." + signalStatusChanged:
		if len(sig.Body) == 1 {
			if str, ok := sig.Body[0].(string); ok {
				h.setStatusLocked(parseStatus(str))
			}
		}
	}
}

func (h *Hub) queryOwnershipLocked() {
	busutil.GetNameOwner(h.base, &h.ownershipCall, h.conn, h.bus.Service, func(owner string, running bool) {
		h.base.Lock()
		defer h.base.Unlock()
		h.setOwnershipLocked(running)
	})
}

func (h *Hub) setOwnershipLocked(running bool) {
	prev := h.ownership
	if running {
		h.ownership = ownershipRunning
	} else {
		h.ownership = ownershipStopped
		h.preventMode = PreventUnknown
	}
	if running && prev != ownershipRunning {
		h.queryPreventAllowedLocked()
		h.queryDisplayStatusLocked()
	}
	h.scheduleRethinkLocked()
}

func (h *Hub) queryPreventAllowedLocked() {
	busutil.StartCall(h.base, &h.preventCall, h.conn, h.bus.Service, h.bus.Object, h.bus.Interface, methodGetAllowed, func(call *dbus.Call) {
		h.base.Lock()
		defer h.base.Unlock()
		if call.Err != nil {
			return
		}
		var allowed bool
		if call.Store(&allowed) == nil {
			h.setPreventModeLocked(allowed)
		}
	})
}

func (h *Hub) setPreventModeLocked(allowed bool) {
	if allowed {
		h.preventMode = PreventAllowed
	} else {
		h.preventMode = PreventDenied
	}
	h.scheduleRethinkLocked()
}

func (h *Hub) queryDisplayStatusLocked() {
	busutil.StartCall(h.base, &h.statusCall, h.conn, h.bus.Service, h.bus.Object, h.bus.Interface, methodGetStatus, func(call *dbus.Call) {
		h.base.Lock()
		defer h.base.Unlock()
		if call.Err != nil {
			return
		}
		var raw string
		if call.Store(&raw) == nil {
			h.setStatusLocked(parseStatus(raw))
		}
	})
}

func (h *Hub) setStatusLocked(status Status) {
	if status == h.status {
		return
	}
	h.status = status
	cb := h.onStatusChanged
	if cb == nil {
		return
	}
	h.base.Unlock()
	cb(status)
	h.base.Lock()
}

func (h *Hub) scheduleRethinkLocked() {
	h.base.TimerStartLocked(&h.rethinkTimer, 0, func() {
		h.base.Lock()
		defer h.base.Unlock()
		h.rethinkNowLocked()
	})
}

// rethinkNowLocked is Session.rethinkNowLocked's counterpart, gated on
// the set of joined members instead of a single requested bool.
func (h *Hub) rethinkNowLocked() {
	switch {
	case h.base.InShutdownLocked() || h.ownership != ownershipRunning || h.preventMode != PreventAllowed:
		h.stopRenewLocked()
	case len(h.members) > 0:
		h.startRenewLocked()
	default:
		h.stopRenewLocked()
	}
}

func (h *Hub) startRenewLocked() {
	if h.renewing {
		return
	}
	h.renewing = true
	h.sendStartLocked()
	h.armRenewTimerLocked()
}

func (h *Hub) armRenewTimerLocked() {
	h.base.TimerStartLocked(&h.renewTimer, int(config.DisplayRenewPeriod.Milliseconds()), func() {
		h.base.Lock()
		defer h.base.Unlock()
		if h.renewing {
			h.sendStartLocked()
		}
	})
}

func (h *Hub) stopRenewLocked() {
	if !h.renewing {
		return
	}
	h.renewing = false
	h.base.TimerStopLocked(&h.renewTimer)
	if h.conn != nil {
		// No arguments: spec §6 defines cancel_prevent_blank() with an
		// empty signature.
		busutil.SimpleCall(h.conn, h.bus.Service, h.bus.Object, h.bus.Interface, methodCancelPreventBlank)
	}
}

func (h *Hub) sendStartLocked() {
	if h.conn != nil {
		// No arguments: spec §6 defines prevent_blank() with an empty
		// signature.
		busutil.SimpleCall(h.conn, h.bus.Service, h.bus.Object, h.bus.Interface, methodPreventBlank)
	}
}

func (h *Hub) onShutdownLocked() {
	h.base.TimerStopLocked(&h.connectTimer)
	h.base.TimerStopLocked(&h.rethinkTimer)
	h.stopRenewLocked()
	h.base.IPCCancelLocked(&h.ownershipCall)
	h.base.IPCCancelLocked(&h.preventCall)
	h.base.IPCCancelLocked(&h.statusCall)
	if h.sigWatch != nil {
		h.sigWatch.Stop()
		h.sigWatch = nil
	}
	if h.conn != nil {
		if h.filterInstalled {
			_ = busutil.RemoveNameOwnerChangedMatch(h.conn, h.bus.Service)
		}
		if h.mceMatchInstalled {
			_ = busutil.RemoveSignalMatch(h.conn, h.bus.Interface, signalAllowedChanged)
			_ = busutil.RemoveSignalMatch(h.conn, h.bus.Interface, signalStatusChanged)
		}
		_ = h.conn.Close()
		h.conn = nil
	}
}
