// Package logging holds the process-wide slog logger shared by the bus,
// controller and server packages, plus the constructors the commands use
// to replace it.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
)

var current atomic.Pointer[slog.Logger]

func init() {
	current.Store(New("text", slog.LevelInfo, os.Stderr))
}

// L returns the process logger.
func L() *slog.Logger { return current.Load() }

// Set installs l as the process logger. A nil l is ignored.
func Set(l *slog.Logger) {
	if l != nil {
		current.Store(l)
	}
}

// New builds a logger writing format ("json", anything else is text) to w,
// or to stderr when w is nil.
func New(format string, level slog.Leveler, w io.Writer) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// ParseLevel maps debug, warn and error to their levels. Anything else,
// including the empty string, is info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// Discard returns a logger that drops everything; tests use it to keep
// controller and bus chatter off the output.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}
