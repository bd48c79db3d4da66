// Package logger builds the JSON loggers shared by the gateway and balancer
// binaries. Components derive their own with With("component", ...).
package logger

import (
	"io"
	"log/slog"
	"os"
)

// New returns a logger writing JSON records to stdout. Debug mode lowers the
// level from Info to Debug.
func New(debug bool) *slog.Logger {
	return NewWithWriter(os.Stdout, debug)
}

// NewWithWriter returns a logger for the given writer; tests pass a buffer.
func NewWithWriter(w io.Writer, debug bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
}
