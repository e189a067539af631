// Package obslog provides the orchestrator's structured lifecycle
// logging: task starts, matches, timeouts, aborts, and recovery. It is a
// thin wrapper over log/slog rather than a third-party structured logger,
// because nothing in the retrieved example pack exercises one (see
// DESIGN.md). It is internal because it is wiring detail, not part of the
// engine's public surface.
package obslog

import (
	"context"
	"log/slog"
)

// Logger is the narrow surface the engine depends on, so callers can
// substitute a no-op or a test spy without pulling in log/slog directly.
type Logger interface {
	TaskStarted(ctx context.Context, orchestrator string, index uint32, name string)
	TaskMatched(ctx context.Context, orchestrator string, index uint32, name string)
	TaskTimedOut(ctx context.Context, orchestrator string, index uint32, name string)
	TaskAborted(ctx context.Context, orchestrator string, index uint32, name string, cause error)
	Recovering(ctx context.Context, orchestrator string, eventCount int, hasSnapshot bool)
	SnapshotSaved(ctx context.Context, orchestrator string)
}

// Noop discards everything. It is the default so that constructing an
// orchestrator never requires a logging decision.
type Noop struct{}

func (Noop) TaskStarted(context.Context, string, uint32, string)             {}
func (Noop) TaskMatched(context.Context, string, uint32, string)             {}
func (Noop) TaskTimedOut(context.Context, string, uint32, string)            {}
func (Noop) TaskAborted(context.Context, string, uint32, string, error)      {}
func (Noop) Recovering(context.Context, string, int, bool)                  {}
func (Noop) SnapshotSaved(context.Context, string)                          {}

// Slog adapts a *slog.Logger to Logger.
type Slog struct {
	L *slog.Logger
}

func NewSlog(l *slog.Logger) Slog {
	if l == nil {
		l = slog.Default()
	}
	return Slog{L: l}
}

func (s Slog) TaskStarted(ctx context.Context, orchestrator string, index uint32, name string) {
	s.L.InfoContext(ctx, "task started", "orchestrator", orchestrator, "index", index, "task", name)
}

func (s Slog) TaskMatched(ctx context.Context, orchestrator string, index uint32, name string) {
	s.L.DebugContext(ctx, "task matched reply", "orchestrator", orchestrator, "index", index, "task", name)
}

func (s Slog) TaskTimedOut(ctx context.Context, orchestrator string, index uint32, name string) {
	s.L.WarnContext(ctx, "task timed out", "orchestrator", orchestrator, "index", index, "task", name)
}

func (s Slog) TaskAborted(ctx context.Context, orchestrator string, index uint32, name string, cause error) {
	s.L.WarnContext(ctx, "task aborted", "orchestrator", orchestrator, "index", index, "task", name, "cause", cause)
}

func (s Slog) Recovering(ctx context.Context, orchestrator string, eventCount int, hasSnapshot bool) {
	s.L.InfoContext(ctx, "recovering orchestrator", "orchestrator", orchestrator, "events", eventCount, "has_snapshot", hasSnapshot)
}

func (s Slog) SnapshotSaved(ctx context.Context, orchestrator string) {
	s.L.InfoContext(ctx, "snapshot saved", "orchestrator", orchestrator)
}
