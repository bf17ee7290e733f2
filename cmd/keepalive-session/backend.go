package main

import (
	"time"

	"github.com/sailfishos/nemo-keepalive/internal/busutil"
	"github.com/sailfishos/nemo-keepalive/internal/busutil/busfake"
	"github.com/sailfishos/nemo-keepalive/internal/config"
	"github.com/sailfishos/nemo-keepalive/internal/heartbeat"
	"github.com/sailfishos/nemo-keepalive/internal/heartbeat/heartbeatfake"
)

// backend bundles everything a command needs to construct C4/C5/C6
// handles, whichever way --fake resolved.
type backend struct {
	bus    config.Bus
	dial   func() (busutil.Conn, error)
	hbPath string
	hbDial heartbeat.Dialer

	fakeBus *busfake.Bus
	fakeHB  *heartbeatfake.Daemon
}

// newBackend wires either the real system bus + /run/iphb/socket, or an
// in-process fake pre-seeded to answer as a cooperative, already-running
// power daemon — enough to drive every subcommand without a device.
func newBackend() *backend {
	bus := config.BusFromEnv()

	if !useFake {
		return &backend{
			bus:    bus,
			dial:   func() (busutil.Conn, error) { return busutil.DialSystemBus() },
			hbPath: config.HeartbeatSocketFromEnv(),
			hbDial: heartbeat.DialUnix,
		}
	}

	fb := busfake.New()
	fb.OnCall(busutil.BusDaemonService+".GetNameOwner", func(args []interface{}) busfake.Reply {
		return busfake.Reply{Body: []interface{}{":1.1"}}
	})
	fb.OnCall(bus.Interface+".cpu_keepalive_period", func(args []interface{}) busfake.Reply {
		return busfake.Reply{Body: []interface{}{int32(30)}}
	})
	fb.OnCall(bus.Interface+".get_display_blanking_pause_allowed", func(args []interface{}) busfake.Reply {
		return busfake.Reply{Body: []interface{}{true}}
	})
	fb.OnCall(bus.Interface+".get_display_status", func(args []interface{}) busfake.Reply {
		return busfake.Reply{Body: []interface{}{"on"}}
	})
	fhb := heartbeatfake.NewDaemon()

	return &backend{
		bus:     bus,
		dial:    func() (busutil.Conn, error) { return fb, nil },
		hbPath:  "fake",
		hbDial:  fhb.Dialer(),
		fakeBus: fb,
		fakeHB:  fhb,
	}
}

// simulateFakeWakeups stands in for the real iphb daemon's alignment
// logic in --fake mode: every few seconds, if a wait2 request is
// currently outstanding, deliver the wakeup reply immediately instead of
// making the operator wait out a real one-hour default slot.
func simulateFakeWakeups(fhb *heartbeatfake.Daemon) {
	ticker := time.NewTicker(3 * time.Second)
	defer ticker.Stop()
	for range ticker.C {
		if req, ok := fhb.LastRequest(); ok && req.Op == "wait2" {
			_ = fhb.Wake()
		}
	}
}
