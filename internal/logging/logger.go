package logging

import (
	"log/slog"
	"os"

	"github.com/pscheid92/topout/internal/platform/correlation"
)

// Logger is the application-wide structured logger instance.
var Logger *slog.Logger

// InitLogger initializes the global logger with the specified level and format.
// level: "debug", "info", "warn", "error" (defaults to "info")
// format: "json" or "text" (defaults to "text")
func InitLogger(level, format string) {
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}

	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	Logger = slog.New(correlation.NewHandler(handler))
	slog.SetDefault(Logger)
}

func ParseLevel(level string) slog.Level {
	switch level {
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

// WithClimber returns a logger scoped to one climber connection.
func WithClimber(userID string) *slog.Logger {
	return slog.Default().With("user_id", userID)
}

// WithGym returns a logger scoped to one gym.
func WithGym(gymID string) *slog.Logger {
	return slog.Default().With("gym_id", gymID)
}
