// Package logging builds the slog logger used by the command line.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/lmittmann/tint"
)

// Config holds logger configuration.
type Config struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // console or json
	Output string `yaml:"output"` // stdout or stderr
	Source bool   `yaml:"source"`
	// NoColor disables colors in console output.
	NoColor bool `yaml:"no_color"`
}

// New creates a logger writing to the configured output.
func New(cfg Config) *slog.Logger {
	var w io.Writer = os.Stdout
	if cfg.Output == "stderr" {
		w = os.Stderr
	}
	return NewWriter(w, cfg)
}

// NewWriter creates a logger writing to w.
func NewWriter(w io.Writer, cfg Config) *slog.Logger {
	level := ParseLevel(cfg.Level)
	var h slog.Handler
	switch cfg.Format {
	case "json":
		h = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level, AddSource: cfg.Source})
	default:
		h = tint.NewHandler(w, &tint.Options{
			Level:      level,
			AddSource:  cfg.Source,
			TimeFormat: time.TimeOnly,
			NoColor:    cfg.NoColor,
		})
	}
	return slog.New(h)
}

// ParseLevel converts a level name; unknown names mean info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}
