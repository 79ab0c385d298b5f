// Package telemetry provides the gateway's logging facade. Every package
// logs through Logger rather than importing goa.design/clue/log directly,
// so the clue dependency stays isolated to this package and its tests can
// swap in a no-op or recording implementation.
package telemetry

import "context"

// Logger emits structured log lines keyed by alternating key/value pairs,
// e.g. Info(ctx, "dispatch", "model", "gpt-4o", "thread_id", tid).
type Logger interface {
	Debug(ctx context.Context, msg string, keyvals ...any)
	Info(ctx context.Context, msg string, keyvals ...any)
	Warn(ctx context.Context, msg string, keyvals ...any)
	Error(ctx context.Context, msg string, err error, keyvals ...any)
}

// nopLogger discards everything. Used as the default when no logger is
// wired, and in tests that don't care about log output.
type nopLogger struct{}

// NewNop returns a Logger that discards all output.
func NewNop() Logger { return nopLogger{} }

func (nopLogger) Debug(context.Context, string, ...any)        {}
func (nopLogger) Info(context.Context, string, ...any)         {}
func (nopLogger) Warn(context.Context, string, ...any)         {}
func (nopLogger) Error(context.Context, string, error, ...any) {}
