package logging_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sailfishos/nemo-keepalive/internal/logging"
)

func TestParseVerbosityDefaultsToWarningWhenUnset(t *testing.T) {
	t.Setenv("LIBKEEPALIVE_VERBOSITY", "")
	require.Equal(t, logging.LevelWarning, logging.ParseVerbosity())
}

func TestParseVerbosityUnparsableDefaultsToWarning(t *testing.T) {
	t.Setenv("LIBKEEPALIVE_VERBOSITY", "not-a-number")
	require.Equal(t, logging.LevelWarning, logging.ParseVerbosity())
}

func TestParseVerbosityClampsBelowRange(t *testing.T) {
	t.Setenv("LIBKEEPALIVE_VERBOSITY", "-5")
	require.Equal(t, logging.LevelErr, logging.ParseVerbosity())
}

func TestParseVerbosityClampsAboveRange(t *testing.T) {
	t.Setenv("LIBKEEPALIVE_VERBOSITY", "99")
	require.Equal(t, logging.LevelDebug, logging.ParseVerbosity())
}

func TestParseVerbosityInRangeValuesRoundtrip(t *testing.T) {
	cases := map[string]logging.Level{
		"0": logging.LevelErr,
		"1": logging.LevelWarning,
		"2": logging.LevelInfo,
		"3": logging.LevelDebug,
	}
	for raw, want := range cases {
		t.Setenv("LIBKEEPALIVE_VERBOSITY", raw)
		require.Equal(t, want, logging.ParseVerbosity())
	}
}

func TestLReturnsNonNilLogger(t *testing.T) {
	require.NotNil(t, logging.L())
}

func TestFatalPanics(t *testing.T) {
	require.Panics(t, func() { logging.Fatal("boom", "key", "value") })
}
