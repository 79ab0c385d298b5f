package telemetry

import (
	"context"

	"goa.design/clue/log"
)

// clueLogger delegates to goa.design/clue/log. Formatting and debug level
// are read from the context the way clue's own middleware sets them up
// (log.Context + log.WithFormat/log.WithDebug at process startup).
type clueLogger struct{}

// NewClue constructs a Logger backed by goa.design/clue/log.
func NewClue() Logger { return clueLogger{} }

func (clueLogger) Debug(ctx context.Context, msg string, keyvals ...any) {
	log.Debug(ctx, fields(msg, keyvals)...)
}

func (clueLogger) Info(ctx context.Context, msg string, keyvals ...any) {
	log.Info(ctx, fields(msg, keyvals)...)
}

func (clueLogger) Warn(ctx context.Context, msg string, keyvals ...any) {
	log.Warn(ctx, fields(msg, keyvals)...)
}

func (clueLogger) Error(ctx context.Context, msg string, err error, keyvals ...any) {
	log.Error(ctx, err, fields(msg, keyvals)...)
}

// fields converts alternating key/value pairs into clue Fielders, with the
// message itself recorded under the "msg" key. A trailing unpaired key is
// dropped rather than paired with a guessed value.
func fields(msg string, keyvals []any) []log.Fielder {
	fielders := make([]log.Fielder, 0, len(keyvals)/2+1)
	fielders = append(fielders, log.KV{K: "msg", V: msg})
	for i := 0; i+1 < len(keyvals); i += 2 {
		k, ok := keyvals[i].(string)
		if !ok {
			continue
		}
		fielders = append(fielders, log.KV{K: k, V: keyvals[i+1]})
	}
	return fielders
}
