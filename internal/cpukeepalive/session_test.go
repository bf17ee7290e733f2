package cpukeepalive_test

import (
	"testing"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/stretchr/testify/require"

	"github.com/sailfishos/nemo-keepalive/internal/busutil"
	"github.com/sailfishos/nemo-keepalive/internal/busutil/busfake"
	"github.com/sailfishos/nemo-keepalive/internal/config"
	"github.com/sailfishos/nemo-keepalive/internal/cpukeepalive"
	"github.com/sailfishos/nemo-keepalive/internal/eventloop"
)

const (
	testService = "com.example.power"
	testObject  = "/com/example/power"
	testIface   = "com.example.power.request"
)

// newSession wires s against bus, whose OnCall handlers must already be
// registered: the session attempts its one-shot connect almost
// immediately (next event-loop turn), so registering handlers afterward
// races the connect attempt.
func newSession(t *testing.T, bus *busfake.Bus) *cpukeepalive.Session {
	t.Helper()
	loop := eventloop.New()
	t.Cleanup(loop.Close)
	dial := func() (busutil.Conn, error) { return bus, nil }
	s := cpukeepalive.New(loop, config.Bus{Service: testService, Object: testObject, Interface: testIface}, dial)
	t.Cleanup(s.Unref)
	return s
}

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

func ownerReply(owner string) func([]interface{}) busfake.Reply {
	return func([]interface{}) busfake.Reply {
		return busfake.Reply{Body: []interface{}{owner}}
	}
}

func periodReply(seconds int32) func([]interface{}) busfake.Reply {
	return func([]interface{}) busfake.Reply {
		return busfake.Reply{Body: []interface{}{seconds}}
	}
}

func runningBus() *busfake.Bus {
	bus := busfake.New()
	bus.OnCall(busutil.BusDaemonService+".GetNameOwner", ownerReply(testService+".owner"))
	bus.OnCall(testIface+".cpu_keepalive_period", periodReply(5))
	return bus
}

func TestSessionIDFormat(t *testing.T) {
	s := newSession(t, busfake.New())
	require.Regexp(t, `^cpu_\d+$`, s.ID())
}

func TestStartWhileDaemonRunningBeginsRenewLoop(t *testing.T) {
	bus := runningBus()
	s := newSession(t, bus)

	s.Start()

	waitFor(t, s.Renewing)
}

func TestStopCancelsRenewLoop(t *testing.T) {
	bus := runningBus()
	s := newSession(t, bus)

	s.Start()
	waitFor(t, s.Renewing)

	s.Stop()
	waitFor(t, func() bool { return !s.Renewing() })
}

func TestStartWhileDaemonAbsentStaysIdle(t *testing.T) {
	bus := busfake.New()
	bus.OnCall(busutil.BusDaemonService+".GetNameOwner", ownerReply(""))
	s := newSession(t, bus)

	s.Start()

	time.Sleep(100 * time.Millisecond)
	require.False(t, s.Renewing())
	require.True(t, s.Requested())
}

func TestDaemonRestartStopsThenResumesRenewLoop(t *testing.T) {
	bus := runningBus()
	s := newSession(t, bus)

	s.Start()
	waitFor(t, s.Renewing)

	bus.EmitSignal(&dbus.Signal{
		Name: busutil.BusDaemonService + ".NameOwnerChanged",
		Body: []interface{}{testService, testService + ".owner", ""},
	})
	waitFor(t, func() bool { return !s.Renewing() })
	require.True(t, s.Requested(), "daemon disappearance must not clear user intent")

	bus.EmitSignal(&dbus.Signal{
		Name: busutil.BusDaemonService + ".NameOwnerChanged",
		Body: []interface{}{testService, "", testService + ".owner2"},
	})
	waitFor(t, s.Renewing)
}

func TestStartCalledTwiceIsIdempotent(t *testing.T) {
	bus := runningBus()
	s := newSession(t, bus)

	s.Start()
	s.Start()
	waitFor(t, s.Renewing)
	require.True(t, s.Requested())
}
