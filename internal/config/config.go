// Package config holds the small amount of process-wide configuration
// this library reads from the environment, plus an optional file-backed
// override useful for the example CLI and for tests. There is no
// persisted state in the production library itself (spec §6): a config
// file is purely a development convenience, not a requirement of any
// C1-C6 component.
package config

import (
	"encoding/json"
	"os"
	"strconv"
	"sync/atomic"
	"time"
)

const (
	envHeartbeatSocket = "LIBKEEPALIVE_HEARTBEAT_SOCKET"
	envPowerService    = "LIBKEEPALIVE_POWER_SERVICE"
	envPowerObject     = "LIBKEEPALIVE_POWER_OBJECT"
	envPowerInterface  = "LIBKEEPALIVE_POWER_IFACE"

	defaultHeartbeatSocket = "/run/iphb/socket"
	defaultPowerService    = "com.nokia.mce"
	defaultPowerObject     = "/com/nokia/mce/request"
	defaultPowerInterface  = "com.nokia.mce.request"

	// DefaultRenewPeriod is used by the CPU-keepalive session until the
	// daemon's own period reply is known (spec §3: "0 meaning not yet
	// discovered — use 60s default").
	DefaultRenewPeriod = 60 * time.Second

	// DisplayRenewPeriod is the fixed renew period for the display
	// keepalive session (spec §4.5).
	DisplayRenewPeriod = 60 * time.Second

	// HeartbeatRetryInterval is how long C3 waits between reconnect
	// attempts after a failed open (spec §4.3).
	HeartbeatRetryInterval = 5 * time.Second

	// WakeupSlotGrid is the alignment grid for a wakeup "slot" delay
	// (spec §3): smaller values snap up to this, non-multiples round
	// down.
	WakeupSlotGrid = 30 * time.Second

	// DefaultWakeupSlot is C6's default wakeup delay.
	DefaultWakeupSlot = time.Hour

	// DefaultHeartbeatDelay is C3's default [lo, hi] before SetDelay is
	// ever called.
	DefaultHeartbeatDelay = time.Hour

	// RangeWidenBy is how much an invalid/non-positive hi bound in a
	// wakeup range is widened by (spec §3: "widened by a server
	// heartbeat period of 12s").
	RangeWidenBy = 12 * time.Second
)

// Bus holds the D-Bus addressing for the platform power daemon (mce on
// SailfishOS; see spec §6).
type Bus struct {
	Service   string
	Object    string
	Interface string
}

// BusFromEnv reads the power-daemon bus addressing from the environment,
// falling back to the platform defaults.
func BusFromEnv() Bus {
	return Bus{
		Service:   getenvDefault(envPowerService, defaultPowerService),
		Object:    getenvDefault(envPowerObject, defaultPowerObject),
		Interface: getenvDefault(envPowerInterface, defaultPowerInterface),
	}
}

// HeartbeatSocketFromEnv returns the Unix domain socket path the
// heartbeat client should dial.
func HeartbeatSocketFromEnv() string {
	return getenvDefault(envHeartbeatSocket, defaultHeartbeatSocket)
}

func getenvDefault(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

// ParseSeconds parses a base-10 integer number of seconds, returning def
// if s is empty or malformed. Used for the handful of places a daemon
// reply or env var is expected to carry a plain seconds count.
func ParseSeconds(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

// File is the example CLI's optional on-disk override, independent of
// the library's own env-only configuration (spec §6: the library itself
// persists nothing). A zero value for any field means "use the library
// default".
type File struct {
	WakeupSlotSeconds int `json:"wakeup_slot_seconds"`
	WakeupRangeLo     int `json:"wakeup_range_lo_seconds"`
	WakeupRangeHi     int `json:"wakeup_range_hi_seconds"`
}

// LoadFile parses path as JSON. A missing file is not an error — it
// returns the zero File, matching "no file means use defaults".
func LoadFile(path string) (File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return File{}, nil
		}
		return File{}, err
	}
	var f File
	if err := json.Unmarshal(data, &f); err != nil {
		return File{}, err
	}
	return f, nil
}

// Store holds the most recently loaded File, readable and replaceable
// from any goroutine — confwatch.Watcher's onChange callback swaps it in
// on a config-file edit, and cmd/keepalive-session reads it once at
// startup and again after each reload to apply the wakeup cadence.
type Store struct {
	v atomic.Pointer[File]
}

// NewStore wraps an initial File.
func NewStore(initial File) *Store {
	s := &Store{}
	s.v.Store(&initial)
	return s
}

// Get returns the currently stored File.
func (s *Store) Get() File {
	if f := s.v.Load(); f != nil {
		return *f
	}
	return File{}
}

// Set replaces the stored File.
func (s *Store) Set(f File) {
	s.v.Store(&f)
}
