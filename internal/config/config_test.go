package config_test

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sailfishos/nemo-keepalive/internal/config"
)

func TestBusFromEnvDefaultsWhenUnset(t *testing.T) {
	t.Setenv("LIBKEEPALIVE_POWER_SERVICE", "")
	t.Setenv("LIBKEEPALIVE_POWER_OBJECT", "")
	t.Setenv("LIBKEEPALIVE_POWER_IFACE", "")

	bus := config.BusFromEnv()
	require.Equal(t, "com.nokia.mce", bus.Service)
	require.Equal(t, "/com/nokia/mce/request", bus.Object)
	require.Equal(t, "com.nokia.mce.request", bus.Interface)
}

func TestBusFromEnvHonorsOverrides(t *testing.T) {
	t.Setenv("LIBKEEPALIVE_POWER_SERVICE", "com.example.power")
	t.Setenv("LIBKEEPALIVE_POWER_OBJECT", "/com/example/power")
	t.Setenv("LIBKEEPALIVE_POWER_IFACE", "com.example.power.request")

	bus := config.BusFromEnv()
	require.Equal(t, "com.example.power", bus.Service)
	require.Equal(t, "/com/example/power", bus.Object)
	require.Equal(t, "com.example.power.request", bus.Interface)
}

func TestHeartbeatSocketFromEnvDefault(t *testing.T) {
	t.Setenv("LIBKEEPALIVE_HEARTBEAT_SOCKET", "")
	require.Equal(t, "/run/iphb/socket", config.HeartbeatSocketFromEnv())
}

func TestHeartbeatSocketFromEnvOverride(t *testing.T) {
	t.Setenv("LIBKEEPALIVE_HEARTBEAT_SOCKET", "/tmp/custom.socket")
	require.Equal(t, "/tmp/custom.socket", config.HeartbeatSocketFromEnv())
}

func TestParseSecondsValid(t *testing.T) {
	require.Equal(t, 42, config.ParseSeconds("42", 7))
}

func TestParseSecondsEmptyUsesDefault(t *testing.T) {
	require.Equal(t, 7, config.ParseSeconds("", 7))
}

func TestParseSecondsMalformedUsesDefault(t *testing.T) {
	require.Equal(t, 7, config.ParseSeconds("not-a-number", 7))
}

func TestLoadFileMissingReturnsZeroValueNoError(t *testing.T) {
	f, err := config.LoadFile(filepath.Join(t.TempDir(), "absent.json"))
	require.NoError(t, err)
	require.Equal(t, config.File{}, f)
}

func TestLoadFileParsesJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	data, err := json.Marshal(config.File{WakeupSlotSeconds: 30, WakeupRangeLo: 10, WakeupRangeHi: 20})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	f, err := config.LoadFile(path)
	require.NoError(t, err)
	require.Equal(t, 30, f.WakeupSlotSeconds)
	require.Equal(t, 10, f.WakeupRangeLo)
	require.Equal(t, 20, f.WakeupRangeHi)
}

func TestLoadFileMalformedJSONReturnsError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	_, err := config.LoadFile(path)
	require.Error(t, err)
}

func TestStoreGetReturnsInitialValue(t *testing.T) {
	store := config.NewStore(config.File{WakeupSlotSeconds: 15})
	require.Equal(t, 15, store.Get().WakeupSlotSeconds)
}

func TestStoreSetReplacesValue(t *testing.T) {
	store := config.NewStore(config.File{WakeupSlotSeconds: 15})
	store.Set(config.File{WakeupSlotSeconds: 45})
	require.Equal(t, 45, store.Get().WakeupSlotSeconds)
}
