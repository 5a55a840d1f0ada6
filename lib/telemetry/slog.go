package telemetry

import (
	"log/slog"
	"os"
)

// InitSlog sends slog output to stderr, as text for a terminal and as json
// otherwise.
func InitSlog(level slog.Level, json bool) {
	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level <= slog.LevelDebug,
	}
	var handler slog.Handler = slog.NewTextHandler(os.Stderr, opts)
	if json {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}
