// Package logging configures structured logging for the agent bridge using log/slog.
package logging

import (
	"io"
	"log"
	"log/slog"
	"os"
	"strings"
)

// Level is shared by every handler installed through Setup so the bridge can
// raise or lower verbosity without rebuilding loggers.
var Level slog.LevelVar

// Setup installs the default slog logger using LOG_LEVEL (debug, info, warn,
// error; default info) and LOG_FORMAT (json, text; default json). Output goes
// to stderr because stdout may carry protocol traffic in embedded setups.
func Setup() {
	SetupWithConfig(os.Getenv("LOG_LEVEL"), os.Getenv("LOG_FORMAT"), os.Stderr)
}

// SetupWithConfig configures slog with explicit parameters (useful for testing).
func SetupWithConfig(levelStr, formatStr string, w io.Writer) {
	Level.Set(ParseLevel(levelStr))

	logger := slog.New(newHandler(formatStr, w))
	slog.SetDefault(logger)

	// Backend SDKs occasionally use the stdlib logger.
	log.SetOutput(newSlogWriter(logger))
	log.SetFlags(0)
}

func newHandler(formatStr string, w io.Writer) slog.Handler {
	opts := &slog.HandlerOptions{Level: &Level}
	if strings.EqualFold(strings.TrimSpace(formatStr), "text") {
		return slog.NewTextHandler(w, opts)
	}
	return slog.NewJSONHandler(w, opts)
}

// ParseLevel converts a string to slog.Level. Defaults to INFO.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
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

// Component returns the default logger tagged with a component name.
func Component(name string) *slog.Logger {
	return slog.Default().With("component", name)
}

// Discard returns a logger that drops everything.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// BestEffort records a cleanup failure and lets the caller carry on. A nil
// error is a no-op so call sites can pass the result of a close directly.
func BestEffort(op string, err error, attrs ...any) {
	if err == nil {
		return
	}
	args := append([]any{"op", op, "error", err}, attrs...)
	slog.Warn("best-effort operation failed", args...)
}

// slogWriter adapts slog.Logger to io.Writer for the stdlib log bridge.
type slogWriter struct {
	logger *slog.Logger
}

func newSlogWriter(logger *slog.Logger) *slogWriter {
	return &slogWriter{logger: logger}
}

func (w *slogWriter) Write(p []byte) (n int, err error) {
	msg := strings.TrimRight(string(p), "\n")
	w.logger.Info(msg, "source", "stdlib")
	return len(p), nil
}
