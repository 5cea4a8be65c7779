// Package logging builds the structured slog logger used across the kernel.
//
// Never log token values. Log token metadata (type, expiry, refresh count) only.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Options selects level, format and destination.
type Options struct {
	Level  string // debug, info, warn, error
	Format string // json, text
	Output string // stdout, stderr, discard
	Writer io.Writer
}

// New creates a logger tagged with the kernel component attribute.
func New(opts Options) *slog.Logger {
	output := opts.Writer
	if output == nil {
		switch strings.ToLower(opts.Output) {
		case "stdout":
			output = os.Stdout
		case "discard":
			output = io.Discard
		default:
			output = os.Stderr
		}
	}

	handlerOpts := &slog.HandlerOptions{
		Level: ParseLevel(opts.Level),
	}

	var handler slog.Handler
	switch strings.ToLower(opts.Format) {
	case "json":
		handler = slog.NewJSONHandler(output, handlerOpts)
	default:
		handler = slog.NewTextHandler(output, handlerOpts)
	}

	handler = handler.WithAttrs([]slog.Attr{
		slog.String("component", "authkernel"),
	})

	return slog.New(handler)
}

// Discard returns a logger that drops every record.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// ParseLevel converts a level name to slog.Level, defaulting to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ValidLevel reports whether level is a recognised level name or empty.
func ValidLevel(level string) bool {
	switch strings.ToLower(level) {
	case "", "debug", "info", "warn", "warning", "error":
		return true
	}
	return false
}
