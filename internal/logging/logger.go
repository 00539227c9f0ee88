// Package logging provides structured logging for go-xscope-hil and capture
// of child process output.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// Options selects how the orchestrator's own log records are written.
type Options struct {
	Format string // "text" or "json"; anything else is text
	Level  string // "debug", "info", "warn", "error"; empty is info

	// Verbose lowers the level to debug so poll attempts and child output
	// are logged. Source locations are only added for an explicit debug
	// level.
	Verbose bool

	// Writer defaults to os.Stderr. The dashboard passes io.Discard.
	Writer io.Writer
}

// NewLogger creates a structured logger from opts. An unknown level falls
// back to info; Validate rejects those before the logger is built.
func NewLogger(opts Options) *slog.Logger {
	level, err := ParseLevel(opts.Level)
	if err != nil {
		level = slog.LevelInfo
	}

	handlerOpts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}
	if opts.Verbose && level > slog.LevelDebug {
		handlerOpts.Level = slog.LevelDebug
	}

	w := opts.Writer
	if w == nil {
		w = os.Stderr
	}

	var handler slog.Handler
	switch strings.ToLower(opts.Format) {
	case "json":
		handler = slog.NewJSONHandler(w, handlerOpts)
	default:
		handler = slog.NewTextHandler(w, handlerOpts)
	}

	return slog.New(handler)
}

// ParseLevel converts a level name to slog.Level. The empty string is info.
func ParseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", level)
	}
}

// SetDefault sets the default logger for the slog package.
func SetDefault(logger *slog.Logger) {
	slog.SetDefault(logger)
}
