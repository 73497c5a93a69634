package util

import (
	"io"
	"log/slog"
)

type Logger = *slog.Logger

// NewLogger returns a text logger writing to w at the given level.
func NewLogger(w io.Writer, level slog.Leveler) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}

// LevelFor maps the CLI verbosity flags to a level. Quiet wins over verbose
// and still lets errors through.
func LevelFor(quiet, verbose bool) slog.Level {
	switch {
	case quiet:
		return slog.LevelError
	case verbose:
		return slog.LevelDebug
	default:
		return slog.LevelInfo
	}
}

// NopLogger discards everything.
func NopLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}
