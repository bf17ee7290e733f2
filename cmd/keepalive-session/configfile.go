package main

import (
	"github.com/sailfishos/nemo-keepalive/internal/config"
	"github.com/sailfishos/nemo-keepalive/internal/confwatch"
	"github.com/sailfishos/nemo-keepalive/internal/logging"
)

// fileConfig is an alias so other command files don't need to import
// internal/config directly just to name the type.
type fileConfig = config.File

func loadConfigStore(path string) *config.Store {
	f, err := config.LoadFile(path)
	if err != nil {
		logging.L().Warn().Err(err).Str("path", path).Msg("keepalive-session: failed to load config file, using defaults")
	}
	return config.NewStore(f)
}

// watchConfigFile hot-reloads path into store and calls onChange after
// every successful reload, so a running command picks up edits without
// a restart.
func watchConfigFile(path string, store *config.Store, onChange func()) {
	w, err := confwatch.Watch(path, func() {
		f, err := config.LoadFile(path)
		if err != nil {
			logging.L().Warn().Err(err).Str("path", path).Msg("keepalive-session: config reload failed, keeping previous values")
			return
		}
		store.Set(f)
		onChange()
	})
	if err != nil {
		logging.L().Warn().Err(err).Str("path", path).Msg("keepalive-session: could not watch config file")
		return
	}
	// Intentionally leaked for the process lifetime: the command runs
	// until SIGINT/SIGTERM, at which point the whole process exits.
	_ = w
}
