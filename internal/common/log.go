// Package common holds the shared logging facade. Components log through
// Component(name) so every record carries a stable component tag that the
// session logs and the CLI output can be filtered on.
package common

import (
	"log/slog"
	"os"
	"strings"
	"sync"
)

var (
	logger     *slog.Logger
	loggerOnce sync.Once
)

// Logger returns the process-wide slog logger. The level comes from
// LOG_LEVEL; LOG_FORMAT=json switches to machine-readable output for log
// collectors, text is the default for terminals.
func Logger() *slog.Logger {
	loggerOnce.Do(func() {
		opts := &slog.HandlerOptions{Level: parseLevel(os.Getenv("LOG_LEVEL"))}
		var handler slog.Handler
		if strings.EqualFold(strings.TrimSpace(os.Getenv("LOG_FORMAT")), "json") {
			handler = slog.NewJSONHandler(os.Stderr, opts)
		} else {
			handler = slog.NewTextHandler(os.Stderr, opts)
		}
		logger = slog.New(handler)
	})
	return logger
}

// Component returns the shared logger pre-tagged for one subsystem, e.g.
// Component("orchestrator") or Component("sandbox").
func Component(name string) *slog.Logger {
	return Logger().With("component", name)
}

func parseLevel(value string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(value)) {
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
