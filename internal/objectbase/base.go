// Package objectbase implements the reference-counted, internally-locked
// object substrate shared by the heartbeat, CPU-keepalive,
// display-keepalive, and background-activity components: a dual
// (external/internal) refcount, a delayed-shutdown protocol, and safe
// registration of timers, I/O watches, and outbound async calls whose
// completions race with destruction.
//
// External ("strong") references keep an object functional. Internal
// ("weak") references, taken automatically by Base on behalf of any
// live timer/watch/call, keep the object addressable without pinning it
// functional — so an async completion racing the user's last Unref can
// never observe a freed object, and can never itself prevent shutdown
// from starting.
package objectbase

import (
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sailfishos/nemo-keepalive/internal/eventloop"
	"github.com/sailfishos/nemo-keepalive/internal/logging"
)

// Base is embedded (or held) by every C3/C4/C5/C6 object. It is not
// itself reference counted by the embedding struct's Go garbage
// collector — strong/weak here are the spec's protocol-level refcounts,
// independent of GC liveness, because async callbacks must be able to
// find the object again via closures that close over it directly.
type Base struct {
	mu sync.Mutex

	identity string // immutable after construction; readable without mu
	loop     *eventloop.Loop

	extRefs int
	intRefs int
	alive   bool // false once on_delete has run; guards against reuse

	inShutdown    bool
	shutdownTimer *TimerSlot

	onShutdownLocked func()
	onDelete         func()
}

// New constructs a Base with external=1, internal=0. onShutdownLocked is
// invoked (with the lock held) the first time external refs drop to
// zero; onDelete is invoked (without the lock held) exactly once, when
// both refcounts reach zero.
func New(loop *eventloop.Loop, identity string, onShutdownLocked, onDelete func()) *Base {
	return &Base{
		identity:         identity,
		loop:             loop,
		extRefs:          1,
		alive:            true,
		shutdownTimer:    &TimerSlot{},
		onShutdownLocked: onShutdownLocked,
		onDelete:         onDelete,
	}
}

// Identity returns the object's diagnostic name. Safe to call without
// the lock: the field is set once at construction and never mutated.
func (b *Base) Identity() string { return b.identity }

// Loop returns the event loop this object is bound to.
func (b *Base) Loop() *eventloop.Loop { return b.loop }

// Lock acquires the object's mutex. Non-reentrant: calling Lock again
// from the same goroutine while already held deadlocks, matching the
// single-lock, no-reentrancy model in spec §5.
func (b *Base) Lock() { b.mu.Lock() }

// Unlock releases the object's mutex. It is the single destruction
// gate: if, at the moment of unlocking, both refcounts are zero,
// onDelete is invoked exactly once, after the lock has been released
// (never while held, so onDelete may safely free anything the lock
// protected).
func (b *Base) Unlock() {
	fire := b.alive && b.extRefs == 0 && b.intRefs == 0
	if fire {
		b.alive = false
	}
	b.mu.Unlock()
	if fire && b.onDelete != nil {
		b.onDelete()
	}
}

// RefExternalLocked adds a strong reference. Calling it when external
// refs are already zero is a programming error: a caller must never be
// able to observe a handle whose object has begun shutting down.
func (b *Base) RefExternalLocked() {
	if b.extRefs == 0 {
		logging.Fatal("objectbase: ref_external on an object already at zero external refs", "identity", b.identity)
	}
	b.extRefs++
}

// UnrefExternalLocked drops a strong reference. The 1->0 transition
// schedules (does not run synchronously) the shutdown callback via a
// zero-delay timer, so it is always safe to drop the last external ref
// from inside a callback already running under this object's lock —
// the shutdown callback runs on a fresh lock acquisition on the next
// event-loop turn instead of reentering the current call frame.
func (b *Base) UnrefExternalLocked() {
	if b.extRefs == 0 {
		logging.Fatal("objectbase: unref_external underflow", "identity", b.identity)
	}
	b.extRefs--
	if b.extRefs == 0 {
		b.scheduleShutdownLocked()
	}
}

func (b *Base) scheduleShutdownLocked() {
	b.TimerStartLocked(b.shutdownTimer, 0, func() {
		b.Lock()
		b.inShutdown = true
		if b.onShutdownLocked != nil {
			b.onShutdownLocked()
		}
		b.Unlock()
	})
}

// RefInternalLocked adds a weak reference. Every live timer, I/O watch,
// or outbound call holds exactly one of these for its lifetime.
func (b *Base) RefInternalLocked() {
	b.intRefs++
}

// UnrefInternalLocked drops a weak reference.
func (b *Base) UnrefInternalLocked() {
	if b.intRefs == 0 {
		logging.Fatal("objectbase: unref_internal underflow", "identity", b.identity)
	}
	b.intRefs--
}

// InShutdownLocked reports whether the shutdown timer has actually
// fired (as opposed to merely having been scheduled by the 1->0
// transition of the external refcount).
func (b *Base) InShutdownLocked() bool { return b.inShutdown }

// TimerSlot records whether a timer registered through Base is live. A
// zero-value TimerSlot is ready to use.
type TimerSlot struct {
	t        *eventloop.Timer
	oneShot  bool
	released bool
}

// Live reports whether the slot currently names a running timer.
func (s *TimerSlot) Live() bool { return s != nil && s.t != nil }

// TimerStartLocked starts a repeating timer (intervalMS > 0) or an idle,
// next-turn one-shot callback (intervalMS <= 0) bound to b. Starting
// implicitly takes an internal reference that is released when the
// timer is stopped (repeating) or has fired (one-shot), and implicitly
// cancels whatever was previously registered in slot.
func (b *Base) TimerStartLocked(slot *TimerSlot, intervalMS int, fn func()) {
	b.TimerStopLocked(slot)
	b.RefInternalLocked()
	slot.oneShot = intervalMS <= 0
	slot.released = false

	if slot.oneShot {
		slot.t = b.loop.AfterFunc(0, func() { b.fireOneShotLocked(slot, fn) })
		return
	}
	d := time.Duration(intervalMS) * time.Millisecond
	slot.t = b.loop.Every(d, func() { b.fireRepeatingLocked(slot, fn) })
}

// TimerStartOnceLocked starts a one-shot timer that fires once after d
// (d <= 0 behaves exactly like TimerStartLocked's immediate case).
// Distinct from TimerStartLocked because that one's intervalMS > 0 case
// always means "repeating" (the heartbeat retry timer needs "once, after
// a delay" instead).
func (b *Base) TimerStartOnceLocked(slot *TimerSlot, d time.Duration, fn func()) {
	b.TimerStopLocked(slot)
	b.RefInternalLocked()
	slot.oneShot = true
	slot.released = false
	slot.t = b.loop.AfterFunc(d, func() { b.fireOneShotLocked(slot, fn) })
}

func (b *Base) fireOneShotLocked(slot *TimerSlot, fn func()) {
	b.Lock()
	stillLive := slot.t != nil
	if stillLive {
		slot.t = nil
	}
	release := stillLive && !slot.released
	if release {
		slot.released = true
	}
	b.Unlock()

	if stillLive {
		fn()
	}
	if release {
		b.Lock()
		b.UnrefInternalLocked()
		b.Unlock()
	}
}

func (b *Base) fireRepeatingLocked(slot *TimerSlot, fn func()) {
	b.Lock()
	live := slot.t != nil
	b.Unlock()
	if live {
		fn()
	}
}

// TimerStopLocked cancels whatever timer is in slot, if any. To avoid
// deadlocking against a timer callback that itself needs this object's
// lock, it drops the lock around the underlying cancellation and then
// re-checks the slot, looping if some intervening caller restarted it
// in the window the lock was released.
func (b *Base) TimerStopLocked(slot *TimerSlot) {
	for {
		t := slot.t
		if t == nil {
			return
		}
		slot.t = nil
		release := !slot.released
		slot.released = true

		b.mu.Unlock()
		t.Stop()
		b.mu.Lock()

		if release {
			b.UnrefInternalLocked()
		}
		if slot.t == nil {
			return
		}
		// Someone restarted the timer while we were unlocked; loop to
		// cancel the new one too.
	}
}

// WatchSlot records whether an I/O watch registered through Base is
// live.
type WatchSlot struct {
	w        *eventloop.Watch
	released bool
}

// Live reports whether the slot currently names a running watch.
func (s *WatchSlot) Live() bool { return s != nil && s.w != nil }

// IOWatchStartLocked starts watching r for readability, posting fn (on
// the loop) for each readable chunk and on error/EOF. It implicitly
// takes an internal reference, released when the watch is stopped.
// Per spec §4.1, ERR/HUP/NVAL-equivalent conditions are represented
// simply as fn being called with a non-nil err; callers do not need to
// request them separately.
func (b *Base) IOWatchStartLocked(slot *WatchSlot, r io.Reader, buf []byte, fn func(n int, err error)) {
	b.IOWatchStopLocked(slot)
	b.RefInternalLocked()
	slot.released = false
	slot.w = b.loop.WatchReader(r, buf, func(n int, err error) {
		b.Lock()
		stillLive := slot.w != nil
		b.Unlock()
		if stillLive {
			fn(n, err)
		}
	})
}

// IOWatchStopLocked cancels whatever watch is in slot, using the same
// unlock-cancel-relock idiom as TimerStopLocked.
func (b *Base) IOWatchStopLocked(slot *WatchSlot) {
	for {
		w := slot.w
		if w == nil {
			return
		}
		slot.w = nil
		release := !slot.released
		slot.released = true

		b.mu.Unlock()
		w.Stop()
		b.mu.Lock()

		if release {
			b.UnrefInternalLocked()
		}
		if slot.w == nil {
			return
		}
	}
}

// CallSlot records the identity of a single outbound async call so a
// reply can be matched against the call that is still live (as opposed
// to a stale reply for a call the object already cancelled).
type CallSlot struct {
	id       uint64
	cancel   func()
	released bool
}

// Live reports whether the slot currently names a pending call.
func (s *CallSlot) Live() bool { return s != nil && s.cancel != nil }

var callIDs uint64

// NextCallID returns a process-wide unique id a caller can use to tag an
// outbound call for later matching in IPCFinishLocked. Callers may be
// independent objects each under their own lock, so this increments
// atomically rather than relying on any single object's mutex.
func NextCallID() uint64 {
	return atomic.AddUint64(&callIDs, 1)
}

// IPCStartLocked records a pending outbound call: id identifies it
// (see NextCallID), cancel aborts it if the object shuts down before a
// reply arrives. It takes an internal reference, released by
// IPCFinishLocked or IPCCancelLocked.
func (b *Base) IPCStartLocked(slot *CallSlot, id uint64, cancel func()) {
	b.IPCCancelLocked(slot)
	b.RefInternalLocked()
	slot.id = id
	slot.cancel = cancel
	slot.released = false
}

// IPCFinishLocked compares the received id against the slot, clearing
// the slot and releasing its reference if they match. It returns
// whether the reply belonged to the still-live call (a false return
// means the reply is stale and must be ignored by the caller).
func (b *Base) IPCFinishLocked(slot *CallSlot, receivedID uint64) bool {
	if slot.cancel == nil || slot.id != receivedID {
		return false
	}
	slot.cancel = nil
	if !slot.released {
		slot.released = true
		b.UnrefInternalLocked()
	}
	return true
}

// IPCCancelLocked cancels whatever call is pending in slot, if any,
// using the same unlock-cancel-relock idiom as the timer/watch slots.
func (b *Base) IPCCancelLocked(slot *CallSlot) {
	for {
		cancel := slot.cancel
		if cancel == nil {
			return
		}
		slot.cancel = nil
		release := !slot.released
		slot.released = true

		b.mu.Unlock()
		cancel()
		b.mu.Lock()

		if release {
			b.UnrefInternalLocked()
		}
		if slot.cancel == nil {
			return
		}
	}
}
