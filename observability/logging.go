// Package observability provides structured logging setup and
// OpenTelemetry metrics with Prometheus export.
package observability

import (
	"log/slog"
	"os"
)

// ConfigureLogging installs the default slog logger. structured selects
// JSON output for log aggregation; text output is for local runs.
func ConfigureLogging(level slog.Level, structured bool) *slog.Logger {
	var handler slog.Handler
	if structured {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// ParseLevel maps a config string to a slog level, defaulting to Info.
func ParseLevel(s string) slog.Level {
	switch s {
	case "debug", "DEBUG":
		return slog.LevelDebug
	case "warn", "WARN", "warning":
		return slog.LevelWarn
	case "error", "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
