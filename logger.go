package monado

import (
	"context"
	"log/slog"
	"sync/atomic"
)

// nopHandler drops every record. It reports Enabled false at all levels,
// so call sites skip attribute evaluation while no logger is installed.
type nopHandler struct{}

func (nopHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (nopHandler) Handle(context.Context, slog.Record) error { return nil }
func (h nopHandler) WithAttrs([]slog.Attr) slog.Handler      { return h }
func (h nopHandler) WithGroup(string) slog.Handler           { return h }

// newNopLogger returns the silent default logger.
func newNopLogger() *slog.Logger { return slog.New(nopHandler{}) }

// loggerPtr stores the active logger. Accessed atomically so that
// SetLogger can be called concurrently with logging from any goroutine,
// including the render thread and target event goroutines.
var loggerPtr atomic.Pointer[slog.Logger]

func init() {
	l := newNopLogger()
	loggerPtr.Store(l)
}

// SetLogger configures the logger for the compositor and all its
// sub-packages. By default no log output is produced.
//
// SetLogger is safe for concurrent use: it stores the new logger atomically.
// Pass nil to disable logging (restore default silent behavior).
//
// Log levels used:
//   - [slog.LevelDebug]: per-frame diagnostics (acquire retries, ring indices)
//   - [slog.LevelInfo]: lifecycle events (target selected, images recreated)
//   - [slog.LevelWarn]: quality signals (missed present deadline, skipped blit)
//   - [slog.LevelError]: fatal conditions surfaced to the frame loop
func SetLogger(l *slog.Logger) {
	if l == nil {
		l = newNopLogger()
	}
	loggerPtr.Store(l)
}

// Logger returns the current logger. Sub-packages (compositor, target,
// pacing, ...) call this to share the same logger configuration without
// introducing import cycles.
//
// Logger is safe for concurrent use.
func Logger() *slog.Logger {
	return loggerPtr.Load()
}
