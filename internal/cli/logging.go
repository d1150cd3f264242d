package cli

import (
	"log/slog"
	"os"
	"strings"
)

// Logger is the global logger instance
var Logger *slog.Logger

// InitLogging initializes the logger with the level named by QAPILOT_LOG
// (DEBUG, INFO, WARN or ERROR; INFO when unset).
func InitLogging() {
	level := new(slog.LevelVar)

	switch strings.ToUpper(os.Getenv("QAPILOT_LOG")) {
	case "DEBUG":
		level.Set(slog.LevelDebug)
	case "WARN":
		level.Set(slog.LevelWarn)
	case "ERROR":
		level.Set(slog.LevelError)
	default:
		level.Set(slog.LevelInfo)
	}

	Logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))

	slog.SetDefault(Logger)
}
