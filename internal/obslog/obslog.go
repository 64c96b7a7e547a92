// Package obslog configures the process-wide structured logger.
package obslog

import (
	"log/slog"
	"os"
	"strings"
)

// Init configures a global slog logger: JSON if DATAFLOWD_JSON_LOG=1/true,
// else text.
func Init(component string) *slog.Logger {
	mode := strings.ToLower(os.Getenv("DATAFLOWD_JSON_LOG"))
	var handler slog.Handler
	opts := &slog.HandlerOptions{AddSource: false, Level: levelFromEnv()}
	if mode == "1" || mode == "true" || mode == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler).With("component", component)
	slog.SetDefault(logger)
	return logger
}

func levelFromEnv() slog.Leveler {
	switch strings.ToLower(os.Getenv("DATAFLOWD_LOG_LEVEL")) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
