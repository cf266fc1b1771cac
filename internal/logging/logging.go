package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
)

// NewLogger creates a configured slog.Logger.
//
// level: slog level (DEBUG, INFO, WARN, ERROR)
// format: "text" (human-readable), "json" (structured) or "auto" (text on a
// terminal, json otherwise)
//
// Output goes to stderr by default (stdout is reserved for program output).
func NewLogger(level slog.Level, format string) *slog.Logger {
	if strings.EqualFold(format, "auto") {
		format = AutoFormat(os.Stderr.Fd())
	}
	return NewLoggerWithWriter(level, format, os.Stderr)
}

// AutoFormat picks "text" when fd is a terminal and "json" otherwise.
func AutoFormat(fd uintptr) string {
	if isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd) {
		return "text"
	}
	return "json"
}

// NewLoggerWithWriter creates a logger writing to the given writer. "auto"
// is treated as "json" since a writer has no terminal to detect.
func NewLoggerWithWriter(level slog.Level, format string, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch strings.ToLower(format) {
	case "json", "auto":
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(handler)
}

// Discard returns a logger that drops everything. Handy in tests.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// ParseLevel converts a string log level to slog.Level.
// Returns slog.LevelInfo for unrecognized values.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
