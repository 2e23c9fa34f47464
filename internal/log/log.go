// Package log provides structured logging for go-talkback.
// It wraps slog and selects a handler from the environment.
package log

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"go.opentelemetry.io/contrib/bridges/otelslog"
)

// Handler formats.
const (
	FormatText = "text"
	FormatJSON = "json"
	FormatOTel = "otel"
)

const instrumentationName = "github.com/teslashibe/go-talkback"

var (
	logger *slog.Logger
	once   sync.Once
)

// Init initializes the global logger.
// Valid levels: "debug", "info", "warn", "error".
// An empty format falls back to LOG_FORMAT, then to JSON when GO_ENV=production.
func Init(level, format string) {
	once.Do(func() {
		logger = New(os.Stdout, level, format)
		slog.SetDefault(logger)
	})
}

// New builds a logger without touching the global default.
func New(w io.Writer, level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}

	if format == "" {
		format = os.Getenv("LOG_FORMAT")
	}
	if format == "" && os.Getenv("GO_ENV") == "production" {
		format = FormatJSON
	}

	switch strings.ToLower(format) {
	case FormatJSON:
		return slog.New(slog.NewJSONHandler(w, opts))
	case FormatOTel:
		return otelslog.NewLogger(instrumentationName)
	default:
		return slog.New(slog.NewTextHandler(w, opts))
	}
}

// ParseLevel maps a level name to a slog.Level, defaulting to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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

// L returns the global logger instance.
func L() *slog.Logger {
	if logger == nil {
		Init("info", "")
	}
	return logger
}

// Component returns a child logger tagged with a component name.
func Component(name string) *slog.Logger {
	return L().With("component", name)
}

// Discard returns a logger that drops everything. Useful in tests.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
