package sketch

import (
	"context"
	"log/slog"
)

// LevelVerbose is below slog.LevelDebug and carries per-stage tracing.
const LevelVerbose = slog.LevelDebug - 4

// logLazy logs at level only if the handler is enabled for it, so attrs is
// not evaluated on hot paths when logging is off.
func logLazy(ctx context.Context, logger *slog.Logger, level slog.Level, msg string, attrs func() []slog.Attr) {
	if !logger.Enabled(ctx, level) {
		return
	}
	logger.LogAttrs(ctx, level, msg, attrs()...)
}
