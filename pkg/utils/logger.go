package utils

import (
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/lmittmann/tint"
)

var (
	loggerOnce sync.Once
	logger     *slog.Logger
)

// InitLogger sets up the process-wide logger. The level is read from
// LOOMCHAT_LOG_LEVEL (debug, info, warn, error), defaulting to info.
// Safe to call more than once; only the first call takes effect.
func InitLogger() {
	loggerOnce.Do(func() {
		level := parseLevel(os.Getenv("LOOMCHAT_LOG_LEVEL"))
		handler := tint.NewHandler(os.Stderr, &tint.Options{
			Level:      level,
			TimeFormat: time.TimeOnly,
		})
		logger = slog.New(handler)
		slog.SetDefault(logger)
	})
}

// GetLogger returns the process logger, initializing it with defaults if
// InitLogger was never called.
func GetLogger() *slog.Logger {
	InitLogger()
	return logger
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
