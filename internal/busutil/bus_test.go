package busutil_test

import (
	"testing"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/stretchr/testify/require"

	"github.com/sailfishos/nemo-keepalive/internal/busutil"
	"github.com/sailfishos/nemo-keepalive/internal/busutil/busfake"
	"github.com/sailfishos/nemo-keepalive/internal/eventloop"
	"github.com/sailfishos/nemo-keepalive/internal/objectbase"
)

func TestValidReportsFalseForNilOrDisconnected(t *testing.T) {
	require.False(t, busutil.Valid(nil))

	bus := busfake.New()
	bus.SetConnected(false)
	require.False(t, busutil.Valid(bus))

	bus.SetConnected(true)
	require.True(t, busutil.Valid(bus))
}

func TestGetNameOwnerReportsOwnerWhenPresent(t *testing.T) {
	loop := eventloop.New()
	defer loop.Close()

	bus := busfake.New()
	bus.OnCall(busutil.BusDaemonService+".GetNameOwner", func([]interface{}) busfake.Reply {
		return busfake.Reply{Body: []interface{}{"com.example.owner"}}
	})

	b := objectbase.New(loop, "test", nil, nil)
	var slot objectbase.CallSlot

	var gotOwner string
	var gotRunning bool
	done := make(chan struct{})

	b.Lock()
	busutil.GetNameOwner(b, &slot, bus, "com.example.service", func(owner string, running bool) {
		gotOwner, gotRunning = owner, running
		close(done)
	})
	b.Unlock()

	<-done
	require.Equal(t, "com.example.owner", gotOwner)
	require.True(t, gotRunning)
}

func TestGetNameOwnerReportsNotRunningOnNoOwnerError(t *testing.T) {
	loop := eventloop.New()
	defer loop.Close()

	bus := busfake.New()
	bus.OnCall(busutil.BusDaemonService+".GetNameOwner", func([]interface{}) busfake.Reply {
		return busfake.Reply{Err: dbus.Error{Name: "org.freedesktop.DBus.Error.NameHasNoOwner"}}
	})

	b := objectbase.New(loop, "test", nil, nil)
	var slot objectbase.CallSlot

	var gotRunning bool
	done := make(chan struct{})

	b.Lock()
	busutil.GetNameOwner(b, &slot, bus, "com.example.service", func(owner string, running bool) {
		gotRunning = running
		close(done)
	})
	b.Unlock()

	<-done
	require.False(t, gotRunning)
}

func TestStartCallStaleReplyAfterCancelIsDiscarded(t *testing.T) {
	loop := eventloop.New()
	defer loop.Close()

	bus := busfake.New()
	bus.OnCall("com.example.iface.Method", func([]interface{}) busfake.Reply {
		return busfake.Reply{Body: []interface{}{"result"}}
	})

	b := objectbase.New(loop, "test", nil, nil)
	var slot objectbase.CallSlot

	var called bool
	b.Lock()
	busutil.StartCall(b, &slot, bus, "com.example.service", "/com/example/obj", "com.example.iface", "Method",
		func(call *dbus.Call) { called = true })
	b.IPCCancelLocked(&slot)
	b.Unlock()

	time.Sleep(30 * time.Millisecond)
	require.False(t, called, "reply for a cancelled call must be discarded")
}

func TestIsNameOwnerChangedMatchesNameAndExtractsNewOwner(t *testing.T) {
	sig := &dbus.Signal{
		Name: busutil.BusDaemonService + ".NameOwnerChanged",
		Body: []interface{}{"com.example.service", "old-owner", "new-owner"},
	}
	newOwner, ok := busutil.IsNameOwnerChanged(sig, "com.example.service")
	require.True(t, ok)
	require.Equal(t, "new-owner", newOwner)
}

func TestIsNameOwnerChangedRejectsOtherNames(t *testing.T) {
	sig := &dbus.Signal{
		Name: busutil.BusDaemonService + ".NameOwnerChanged",
		Body: []interface{}{"com.example.other", "old-owner", "new-owner"},
	}
	_, ok := busutil.IsNameOwnerChanged(sig, "com.example.service")
	require.False(t, ok)
}

func TestIsNameOwnerChangedRejectsWrongSignalName(t *testing.T) {
	sig := &dbus.Signal{Name: "com.example.iface.SomethingElse"}
	_, ok := busutil.IsNameOwnerChanged(sig, "com.example.service")
	require.False(t, ok)
}

func TestWatchSignalsForwardsToCallback(t *testing.T) {
	loop := eventloop.New()
	defer loop.Close()

	bus := busfake.New()
	var gotName string
	done := make(chan struct{})
	w := busutil.WatchSignals(loop, bus, func(sig *dbus.Signal) {
		gotName = sig.Name
		close(done)
	})
	defer w.Stop()

	bus.EmitSignal(&dbus.Signal{Name: "com.example.iface.Changed"})

	<-done
	require.Equal(t, "com.example.iface.Changed", gotName)
}

func TestAddAndRemoveNameOwnerChangedMatchTracksCount(t *testing.T) {
	bus := busfake.New()
	require.NoError(t, busutil.AddNameOwnerChangedMatch(bus, "com.example.service"))
	require.Equal(t, 1, bus.MatchCount())
	require.NoError(t, busutil.RemoveNameOwnerChangedMatch(bus, "com.example.service"))
	require.Equal(t, 0, bus.MatchCount())
}
