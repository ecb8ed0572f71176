// Package logging provides the two loggers the core uses: an
// operational slog.Logger (internal state, adjustable at runtime) and a
// structured per-session event Logger (§A.1).
package logging

import (
	"context"
	"log"
	"log/slog"
	"os"
	"sync/atomic"
)

var (
	level  slog.LevelVar
	active atomic.Pointer[slog.Logger]
)

func init() {
	active.Store(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: &level})))
}

// Op returns the current operational logger. Safe for concurrent use;
// InitStructured may swap the underlying handler at any time.
func Op() *slog.Logger {
	return active.Load()
}

// InitStructured rebuilds the operational logger with the given format
// ("text" or "json") and level.
func InitStructured(format, levelName string) {
	SetLevelFromString(levelName)
	opts := &slog.HandlerOptions{Level: &level}
	var h slog.Handler
	if format == "json" {
		h = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		h = slog.NewTextHandler(os.Stdout, opts)
	}
	active.Store(slog.New(h))
}

// SetLevel adjusts the active logger's level without rebuilding the
// handler.
func SetLevel(l slog.Level) {
	level.Set(l)
}

// SetLevelFromString parses "debug"/"info"/"warn"/"error"; unknown
// values default to info.
func SetLevelFromString(s string) {
	var l slog.Level
	switch s {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	SetLevel(l)
}

// StdLogAdapter returns a standard-library *log.Logger that forwards
// every line to the operational slog.Logger at warn level, tagged with
// component. Used where a dependency (e.g. httputil.ReverseProxy) only
// accepts *log.Logger.
func StdLogAdapter(component string) *log.Logger {
	return slog.NewLogLogger(Op().With("component", component).Handler(), slog.LevelWarn)
}

// OpWithTrace attaches W3C trace/span identifiers to a child logger,
// used by the orchestrator when tracing is enabled (SPEC_FULL.md §A.1).
func OpWithTrace(ctx context.Context, traceID, spanID string) *slog.Logger {
	_ = ctx
	if traceID == "" && spanID == "" {
		return Op()
	}
	return Op().With("trace_id", traceID, "span_id", spanID)
}
