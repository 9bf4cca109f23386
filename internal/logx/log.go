// Package logx holds the zerolog logger shared by the gateway packages.
// Verbosity comes from LMSERVER_LOG_LEVEL (or LOG_LEVEL) until the config
// layer reapplies it via Configure.
package logx

import (
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Log is the shared gateway logger.
var Log = log.Logger

// Configure sets the global log level and switches to human-readable
// console output on stderr.
func Configure(level string) {
	zerolog.SetGlobalLevel(parseLevel(level))
	Log = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
}

// parseLevel maps a level string to a zerolog level, tolerating case and
// the usual synonyms (all, warning, off, ...). Unknown values mean info.
func parseLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "all", "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "fatal":
		return zerolog.FatalLevel
	case "none", "off", "disabled":
		return zerolog.Disabled
	default:
		return zerolog.InfoLevel
	}
}

func init() {
	level := os.Getenv("LMSERVER_LOG_LEVEL")
	if level == "" {
		level = os.Getenv("LOG_LEVEL")
	}
	Configure(level)
}
