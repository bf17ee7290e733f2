package heartbeat_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sailfishos/nemo-keepalive/internal/heartbeat"
)

func TestSlotAlignment(t *testing.T) {
	require.Equal(t, heartbeat.Delay{Lo: 30, Hi: 30, Slot: true}, heartbeat.Slot(0))
	require.Equal(t, heartbeat.Delay{Lo: 30, Hi: 30, Slot: true}, heartbeat.Slot(45))
	require.Equal(t, heartbeat.Delay{Lo: 60, Hi: 60, Slot: true}, heartbeat.Slot(60))
	require.Equal(t, heartbeat.Delay{Lo: 90, Hi: 90, Slot: true}, heartbeat.Slot(100))
}

func TestRangeWidening(t *testing.T) {
	require.Equal(t, heartbeat.Delay{Lo: 1, Hi: 13, Slot: false}, heartbeat.Range(-5, -1))
	require.Equal(t, heartbeat.Delay{Lo: 5, Hi: 10, Slot: false}, heartbeat.Range(5, 10))
	require.Equal(t, heartbeat.Delay{Lo: 1, Hi: 13, Slot: false}, heartbeat.Range(0, 0))
}

func TestDelayEquality(t *testing.T) {
	require.True(t, heartbeat.Slot(30).Equal(heartbeat.Slot(30)))
	require.False(t, heartbeat.Slot(30).Equal(heartbeat.Range(30, 42)))
}

func TestDefaultDelayIsOneHourSlot(t *testing.T) {
	require.Equal(t, heartbeat.Slot(3600), heartbeat.DefaultDelay())
}
