package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/humana-fragilitas/museum-alert-desktop-sub001/internal/infrastructure/config"
)

const serviceName = "museum-alert"

// Logger wraps slog.Logger with the service attributes and a level that can
// be changed while running. Loggers derived with With or Component share
// the level of their root. Safe for concurrent use.
type Logger struct {
	*slog.Logger
	level *slog.LevelVar
}

// New builds a Logger for cfg. Output "stderr" selects stderr; anything
// else writes to stdout.
func New(cfg config.LoggingConfig, version string) *Logger {
	var out io.Writer = os.Stdout
	if strings.EqualFold(cfg.Output, "stderr") {
		out = os.Stderr
	}
	return NewWithWriter(cfg, version, out)
}

// NewWithWriter is New writing to out; cfg.Output is ignored.
func NewWithWriter(cfg config.LoggingConfig, version string, out io.Writer) *Logger {
	level := new(slog.LevelVar)
	level.Set(parseLevel(cfg.Level))
	opts := &slog.HandlerOptions{Level: level}

	var h slog.Handler = slog.NewJSONHandler(out, opts)
	if strings.EqualFold(cfg.Format, "text") {
		h = slog.NewTextHandler(out, opts)
	}
	h = h.WithAttrs([]slog.Attr{
		slog.String("service", serviceName),
		slog.String("version", version),
	})

	return &Logger{Logger: slog.New(h), level: level}
}

func parseLevel(name string) slog.Level {
	switch strings.ToLower(name) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// With returns a child logger sharing l's level.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{Logger: l.Logger.With(args...), level: l.level}
}

// Component tags entries with the emitting component.
func (l *Logger) Component(name string) *Logger {
	return l.With("component", name)
}

// SetLevel changes the minimum level of l and every logger derived from
// its root. Unknown names mean info.
func (l *Logger) SetLevel(name string) {
	if l.level != nil {
		l.level.Set(parseLevel(name))
	}
}

// Level returns the current minimum level.
func (l *Logger) Level() slog.Level {
	if l.level == nil {
		return slog.LevelInfo
	}
	return l.level.Level()
}

// Default is used until the config file is loaded.
func Default() *Logger {
	return New(config.LoggingConfig{Level: "info", Format: "json"}, "dev")
}

// Discard drops everything, for tests that need a non-nil *Logger.
func Discard() *Logger {
	return NewWithWriter(config.LoggingConfig{Level: "error"}, "", io.Discard)
}
