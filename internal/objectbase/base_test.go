package objectbase_test

import (
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sailfishos/nemo-keepalive/internal/eventloop"
	"github.com/sailfishos/nemo-keepalive/internal/objectbase"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition never became true within timeout")
}

func TestUnrefExternalToZeroSchedulesShutdownNotSynchronous(t *testing.T) {
	loop := eventloop.New()
	defer loop.Close()

	var shutdownRan atomic.Bool
	b := objectbase.New(loop, "test", func() { shutdownRan.Store(true) }, nil)

	b.Lock()
	b.UnrefExternalLocked()
	// The 1->0 transition only schedules the callback via a zero-delay
	// timer; it must not have run synchronously under this call.
	require.False(t, shutdownRan.Load())
	b.Unlock()

	waitFor(t, shutdownRan.Load)
}

func TestOnDeleteFiresExactlyOnceWhenBothRefcountsReachZero(t *testing.T) {
	loop := eventloop.New()
	defer loop.Close()

	var deletes atomic.Int32
	b := objectbase.New(loop, "test", nil, func() { deletes.Add(1) })

	b.Lock()
	b.RefInternalLocked()
	b.UnrefExternalLocked()
	b.Unlock()

	time.Sleep(20 * time.Millisecond)
	require.Equal(t, int32(0), deletes.Load(), "must not delete while an internal ref remains")

	b.Lock()
	b.UnrefInternalLocked()
	b.Unlock()

	waitFor(t, func() bool { return deletes.Load() == 1 })
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, int32(1), deletes.Load())
}

func TestRefExternalAfterZeroIsFatal(t *testing.T) {
	loop := eventloop.New()
	defer loop.Close()

	b := objectbase.New(loop, "test", nil, nil)
	b.Lock()
	b.UnrefExternalLocked()
	b.Unlock()

	require.Panics(t, func() {
		b.Lock()
		defer b.Unlock()
		b.RefExternalLocked()
	})
}

func TestUnrefExternalUnderflowIsFatal(t *testing.T) {
	loop := eventloop.New()
	defer loop.Close()

	b := objectbase.New(loop, "test", nil, nil)
	b.Lock()
	b.UnrefExternalLocked()
	b.Unlock()

	require.Panics(t, func() {
		b.Lock()
		defer b.Unlock()
		b.UnrefExternalLocked()
	})
}

func TestInShutdownLockedOnlyTrueAfterTimerFires(t *testing.T) {
	loop := eventloop.New()
	defer loop.Close()

	b := objectbase.New(loop, "test", nil, nil)

	b.Lock()
	b.UnrefExternalLocked()
	inShutdown := b.InShutdownLocked()
	b.Unlock()
	require.False(t, inShutdown, "shutdown timer has only been scheduled, not fired yet")

	waitFor(t, func() bool {
		b.Lock()
		defer b.Unlock()
		return b.InShutdownLocked()
	})
}

func TestTimerStartLockedOneShotFiresOnceAndReleasesInternalRef(t *testing.T) {
	loop := eventloop.New()
	defer loop.Close()

	b := objectbase.New(loop, "test", nil, nil)
	var fires atomic.Int32
	var slot objectbase.TimerSlot

	b.Lock()
	b.TimerStartLocked(&slot, 0, func() { fires.Add(1) })
	b.Unlock()

	waitFor(t, func() bool { return fires.Load() == 1 })
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, int32(1), fires.Load())

	b.Lock()
	require.False(t, slot.Live())
	b.Unlock()
}

func TestTimerStartLockedRepeatingFiresMultipleTimes(t *testing.T) {
	loop := eventloop.New()
	defer loop.Close()

	b := objectbase.New(loop, "test", nil, nil)
	var fires atomic.Int32
	var slot objectbase.TimerSlot

	b.Lock()
	b.TimerStartLocked(&slot, 5, func() { fires.Add(1) })
	b.Unlock()

	waitFor(t, func() bool { return fires.Load() >= 3 })

	b.Lock()
	b.TimerStopLocked(&slot)
	require.False(t, slot.Live())
	b.Unlock()
}

func TestTimerStopLockedIsIdempotent(t *testing.T) {
	loop := eventloop.New()
	defer loop.Close()

	b := objectbase.New(loop, "test", nil, nil)
	var slot objectbase.TimerSlot

	b.Lock()
	b.TimerStartLocked(&slot, 1000, func() {})
	b.TimerStopLocked(&slot)
	b.TimerStopLocked(&slot)
	b.Unlock()
}

func TestTimerStartLockedReplacesPreviousTimerInSlot(t *testing.T) {
	loop := eventloop.New()
	defer loop.Close()

	b := objectbase.New(loop, "test", nil, nil)
	var firstFires, secondFires atomic.Int32
	var slot objectbase.TimerSlot

	b.Lock()
	b.TimerStartLocked(&slot, 1000, func() { firstFires.Add(1) })
	b.TimerStartLocked(&slot, 5, func() { secondFires.Add(1) })
	b.Unlock()

	waitFor(t, func() bool { return secondFires.Load() >= 1 })
	time.Sleep(30 * time.Millisecond)
	require.Equal(t, int32(0), firstFires.Load())

	b.Lock()
	b.TimerStopLocked(&slot)
	b.Unlock()
}

type blockingReader struct {
	ch chan []byte
}

func (r *blockingReader) Read(p []byte) (int, error) {
	chunk, ok := <-r.ch
	if !ok {
		return 0, io.EOF
	}
	return copy(p, chunk), nil
}

func TestIOWatchStartLockedDeliversReadsUntilEOF(t *testing.T) {
	loop := eventloop.New()
	defer loop.Close()

	b := objectbase.New(loop, "test", nil, nil)
	r := &blockingReader{ch: make(chan []byte, 4)}
	buf := make([]byte, 16)

	var got []string
	var sawEOF atomic.Bool
	var slot objectbase.WatchSlot

	b.Lock()
	b.IOWatchStartLocked(&slot, r, buf, func(n int, err error) {
		if n > 0 {
			got = append(got, string(buf[:n]))
		}
		if err != nil {
			sawEOF.Store(true)
		}
	})
	b.Unlock()

	r.ch <- []byte("x")
	close(r.ch)

	waitFor(t, sawEOF.Load)
	require.Equal(t, []string{"x"}, got)
}

func TestIOWatchStopLockedPreventsFurtherDelivery(t *testing.T) {
	loop := eventloop.New()
	defer loop.Close()

	b := objectbase.New(loop, "test", nil, nil)
	r := &blockingReader{ch: make(chan []byte, 4)}
	buf := make([]byte, 16)

	var calls atomic.Int32
	var slot objectbase.WatchSlot

	b.Lock()
	b.IOWatchStartLocked(&slot, r, buf, func(n int, err error) { calls.Add(1) })
	b.Unlock()

	b.Lock()
	b.IOWatchStopLocked(&slot)
	require.False(t, slot.Live())
	b.Unlock()

	r.ch <- []byte("after-stop")

	time.Sleep(30 * time.Millisecond)
	require.Equal(t, int32(0), calls.Load())
}

func TestIPCFinishLockedMatchesOnlyLiveCallID(t *testing.T) {
	loop := eventloop.New()
	defer loop.Close()

	b := objectbase.New(loop, "test", nil, nil)
	var slot objectbase.CallSlot

	id := objectbase.NextCallID()
	b.Lock()
	b.IPCStartLocked(&slot, id, func() {})
	matched := b.IPCFinishLocked(&slot, id+1)
	require.False(t, matched, "stale call id must not match")
	matched = b.IPCFinishLocked(&slot, id)
	require.True(t, matched)
	require.False(t, slot.Live())
	b.Unlock()
}

func TestIPCCancelLockedRunsCancelOutsideLock(t *testing.T) {
	loop := eventloop.New()
	defer loop.Close()

	b := objectbase.New(loop, "test", nil, nil)
	var slot objectbase.CallSlot
	var cancelled atomic.Bool

	id := objectbase.NextCallID()
	b.Lock()
	b.IPCStartLocked(&slot, id, func() {
		// Taking the lock here would deadlock if cancel ran under it.
		b.Lock()
		b.Unlock()
		cancelled.Store(true)
	})
	b.IPCCancelLocked(&slot)
	b.Unlock()

	require.True(t, cancelled.Load())
	b.Lock()
	require.False(t, slot.Live())
	b.Unlock()
}

func TestIPCCancelLockedIsIdempotent(t *testing.T) {
	loop := eventloop.New()
	defer loop.Close()

	b := objectbase.New(loop, "test", nil, nil)
	var slot objectbase.CallSlot

	b.Lock()
	b.IPCCancelLocked(&slot)
	b.IPCCancelLocked(&slot)
	b.Unlock()
}
