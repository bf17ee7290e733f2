// Package logging provides the structured logger shared across every
// component, backed by zerolog. The teacher (Nehonix-Team-XyPriss) logs
// with plain fmt/log.Printf; zerolog is adopted instead because it is
// the logging library the rest of the example pack actually reaches for
// (aristath-portfolioManager), and the ambient-stack rule prefers a real
// ecosystem library over a stdlib fallback whenever the pack shows one.
package logging

import (
	"os"
	"strconv"
	"sync"

	"github.com/rs/zerolog"
)

// Level mirrors syslog-style severities, matching LIBKEEPALIVE_VERBOSITY's
// documented range [ERR, DEBUG].
type Level int

const (
	LevelErr Level = iota
	LevelWarning
	LevelInfo
	LevelDebug
)

const envVerbosity = "LIBKEEPALIVE_VERBOSITY"

var (
	once   sync.Once
	logger zerolog.Logger
)

func zerologLevel(l Level) zerolog.Level {
	switch l {
	case LevelErr:
		return zerolog.ErrorLevel
	case LevelWarning:
		return zerolog.WarnLevel
	case LevelInfo:
		return zerolog.InfoLevel
	default:
		return zerolog.DebugLevel
	}
}

// ParseVerbosity reads LIBKEEPALIVE_VERBOSITY, clamping to [ERR, DEBUG]
// and defaulting to WARNING when unset or unparsable.
func ParseVerbosity() Level {
	raw, ok := os.LookupEnv(envVerbosity)
	if !ok {
		return LevelWarning
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return LevelWarning
	}
	switch {
	case n < int(LevelErr):
		return LevelErr
	case n > int(LevelDebug):
		return LevelDebug
	default:
		return Level(n)
	}
}

func init() {
	configure()
}

func configure() {
	once = sync.Once{}
	level := ParseVerbosity()
	logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}).
		Level(zerologLevel(level)).
		With().Timestamp().Logger()
}

// Reconfigure re-reads LIBKEEPALIVE_VERBOSITY. Exposed for tests that
// set the env var after process start; production code relies on the
// value read at init.
func Reconfigure() { configure() }

// L returns the shared logger.
func L() *zerolog.Logger { return &logger }

// Fatal logs a structured fatal event with key/value pairs and then
// panics, modeling spec §7's "fatal, aborts the process" class for
// refcount underflow and similar invariant breaches while still
// producing a diagnostic event through the ambient logging stack.
func Fatal(msg string, kv ...interface{}) {
	ev := logger.Panic()
	for i := 0; i+1 < len(kv); i += 2 {
		key, _ := kv[i].(string)
		ev = ev.Interface(key, kv[i+1])
	}
	ev.Msg(msg)
	// zerolog's Panic level already panics after Msg; this is reached
	// only if a test replaces the logger with one that doesn't, so
	// guarantee the abort regardless.
	panic(msg)
}
