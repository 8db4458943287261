// Package telemetry builds the loggers, tracers and meters used across the
// receptionist. Every package declares its own scope in an instrumentation.go
// file and asks this package for a logger bound to that scope.
package telemetry

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"

	"go.opentelemetry.io/contrib/bridges/otelslog"
)

var (
	level  = new(slog.LevelVar)
	output atomic.Pointer[io.Writer]
)

func init() {
	var w io.Writer = os.Stderr
	output.Store(&w)
}

// SetLevel changes the minimum level of every logger created by Logger.
// Unknown names fall back to info.
func SetLevel(name string) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		level.Set(slog.LevelDebug)
	case "warn", "warning":
		level.Set(slog.LevelWarn)
	case "error":
		level.Set(slog.LevelError)
	default:
		level.Set(slog.LevelInfo)
	}
}

// SetOutput redirects the text half of every logger. Tests use it to silence
// or capture output.
func SetOutput(w io.Writer) {
	output.Store(&w)
}

// Logger returns a logger that writes text records to the configured output
// and forwards the same records to the OpenTelemetry logs bridge.
func Logger(scope string) *slog.Logger {
	text := slog.NewTextHandler(writerFunc(func(p []byte) (int, error) {
		return (*output.Load()).Write(p)
	}), &slog.HandlerOptions{Level: level})
	return slog.New(fanout{text, otelslog.NewHandler(scope)}).With("scope", shortScope(scope))
}

func shortScope(scope string) string {
	if i := strings.LastIndex(scope, "/"); i >= 0 {
		return scope[i+1:]
	}
	return scope
}

type writerFunc func([]byte) (int, error)

func (f writerFunc) Write(p []byte) (int, error) { return f(p) }

// fanout sends each record to every handler that is enabled for it.
type fanout []slog.Handler

func (f fanout) Enabled(ctx context.Context, l slog.Level) bool {
	for _, h := range f {
		if h.Enabled(ctx, l) {
			return true
		}
	}
	return false
}

func (f fanout) Handle(ctx context.Context, r slog.Record) error {
	var firstErr error
	for _, h := range f {
		if !h.Enabled(ctx, r.Level) {
			continue
		}
		if err := h.Handle(ctx, r.Clone()); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (f fanout) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make(fanout, len(f))
	for i, h := range f {
		out[i] = h.WithAttrs(attrs)
	}
	return out
}

func (f fanout) WithGroup(name string) slog.Handler {
	out := make(fanout, len(f))
	for i, h := range f {
		out[i] = h.WithGroup(name)
	}
	return out
}
