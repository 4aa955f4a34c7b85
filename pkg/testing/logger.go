package payouttesting

import (
	"log/slog"
	"os"
)

// NewLogger returns a quiet test logger. Set DEBUG=1 for info level or
// DEBUG=2 for debug level.
func NewLogger() *slog.Logger {
	debugLevel := os.Getenv("DEBUG")
	var level slog.Level
	switch debugLevel {
	case "2":
		level = slog.LevelDebug
	case "1":
		level = slog.LevelInfo
	default:
		level = slog.LevelError
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
