// Package logging builds the slog loggers used across nim-memory. A logger
// tagged with a session travels through the contexts of that session's
// background work.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"

	"github.com/m-mizutani/clog"
)

type sessionKey struct{}

var std atomic.Pointer[slog.Logger]

func init() {
	std.Store(New("info", os.Stderr))
}

// ParseLevel maps a level name to a slog level. Unknown names map to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
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

// New creates a console logger writing to w, stderr when nil.
func New(level string, w io.Writer) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}
	return slog.New(clog.New(
		clog.WithWriter(w),
		clog.WithLevel(ParseLevel(level)),
		clog.WithTimeFmt("15:04:05"),
		clog.WithSource(false),
		clog.WithAttrHook(clog.GoerrHook),
	))
}

// Discard returns a logger that drops everything.
func Discard() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func Default() *slog.Logger { return std.Load() }

// SetDefault replaces the process default logger. Nil is ignored.
func SetDefault(l *slog.Logger) {
	if l != nil {
		std.Store(l)
	}
}

// Component returns the default logger tagged with a component name.
func Component(name string) *slog.Logger {
	return Default().With("component", name)
}

// WithSession returns a context carrying l tagged with sessionID.
func WithSession(ctx context.Context, l *slog.Logger, sessionID string) context.Context {
	return context.WithValue(ctx, sessionKey{}, l.With("session", sessionID))
}

// FromContext returns the session logger carried by ctx, or fallback.
func FromContext(ctx context.Context, fallback *slog.Logger) *slog.Logger {
	if l, ok := ctx.Value(sessionKey{}).(*slog.Logger); ok {
		return l
	}
	if fallback == nil {
		return Default()
	}
	return fallback
}
