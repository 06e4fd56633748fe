// Package logging wires the process-wide zerolog logger and hands out
// per-component child loggers, in the style the retrieved pack uses
// (cuemby-warren/pkg/log): one structured logger, tagged with a
// "component" field per subsystem, rather than per-package globals.
package logging

import (
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Root is the process-wide logger. Init replaces it; until Init is called
// it writes human-readable output to stderr at zerolog's default global
// level (debug), which is enough for tests.
var Root = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
	With().Timestamp().Logger()

// Init configures Root for production use: JSON output on stdout at the
// given level.
func Init(level zerolog.Level) {
	zerolog.SetGlobalLevel(level)
	Root = zerolog.New(os.Stdout).With().Timestamp().Logger()
}

// For returns a child logger tagged with the given component name, e.g.
// For("storage") for the storage manager.
func For(component string) zerolog.Logger {
	return Root.With().Str("component", component).Logger()
}
