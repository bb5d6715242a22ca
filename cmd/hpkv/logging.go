package main

import (
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

var logLevelMatches = map[string]zerolog.Level{
	"NONE":  zerolog.Disabled,
	"TRACE": zerolog.TraceLevel,
	"DEBUG": zerolog.DebugLevel,
	"INFO":  zerolog.InfoLevel,
	"WARN":  zerolog.WarnLevel,
	"ERROR": zerolog.ErrorLevel,
	"FATAL": zerolog.FatalLevel,
}

// newLogger returns a console logger at level. Unknown levels fall back to info.
func newLogger(level string, out io.Writer) zerolog.Logger {
	lvl, ok := logLevelMatches[strings.ToUpper(strings.TrimSpace(level))]
	if !ok {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: out, TimeFormat: time.TimeOnly}).
		Level(lvl).
		With().
		Timestamp().
		Logger()
}
