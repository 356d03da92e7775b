// Package logging provides the structured-logging entry point shared by
// every package in this module. The core never writes to stdout itself;
// it only ever logs through an *slog.Logger handed in by the caller.
package logging

import (
	"io"
	"log/slog"

	"hermannm.dev/devlog"
)

// Level aliases the handful of slog levels this module actually logs at.
const (
	LevelTrace = slog.Level(-8)
	LevelDebug = slog.LevelDebug
	LevelInfo  = slog.LevelInfo
	LevelWarn  = slog.LevelWarn
	LevelError = slog.LevelError
)

// New builds a development-friendly logger backed by devlog's handler.
// Intended for sample/CLI callers; library code should prefer Nop or a
// logger the application already constructed.
func New(w io.Writer, level slog.Level) *slog.Logger {
	handler := devlog.NewHandler(w, &devlog.Options{
		Level: level,
	})
	return slog.New(handler)
}

// Nop returns a logger that discards everything, used as the default
// when a caller constructs a Device without supplying WithLogger.
func Nop() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// Or returns l if non-nil, otherwise a discard logger. Every package that
// accepts an optional *slog.Logger funnels it through this to avoid nil
// checks at every call site.
func Or(l *slog.Logger) *slog.Logger {
	if l == nil {
		return Nop()
	}
	return l
}
