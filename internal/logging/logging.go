// Package logging builds slog loggers backed by size-rotated log files.
// The [Logging] section sets the defaults; [Logger_<name>] sections give a
// subsystem its own file and level.
package logging

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/b24link/b24link/internal/config"
)

// Factory creates loggers from the configured logging sections.
type Factory struct {
	defaults  config.LoggingConfig
	overrides map[string]config.LoggerOverride
}

// NewFactory creates a logger factory for the given config.
func NewFactory(cfg *config.Config) *Factory {
	return &Factory{
		defaults:  cfg.Logging,
		overrides: cfg.Loggers,
	}
}

// Default returns the root logger writing to the default log file, or to
// stderr when no log directory is configured.
func (f *Factory) Default() *slog.Logger {
	return slog.New(slog.NewTextHandler(
		f.writer(f.defaults.File, f.defaults.MaxSizeMB, f.defaults.BackupCount),
		&slog.HandlerOptions{Level: parseLevel(f.defaults.Level)},
	))
}

// Named returns a logger for the given subsystem, honoring a
// [Logger_<name>] override section when present. Without an override the
// subsystem shares the default destination and level.
func (f *Factory) Named(name string) *slog.Logger {
	ov, ok := f.overrides[name]
	if !ok {
		return f.Default().With("subsystem", name)
	}

	level := f.defaults.Level
	if ov.Level != "" {
		level = ov.Level
	}
	file := f.defaults.File
	if ov.File != "" {
		file = ov.File
	}
	maxSize := f.defaults.MaxSizeMB
	if ov.MaxSizeMB > 0 {
		maxSize = ov.MaxSizeMB
	}
	backups := f.defaults.BackupCount
	if ov.BackupCount > 0 {
		backups = ov.BackupCount
	}

	return slog.New(slog.NewTextHandler(
		f.writer(file, maxSize, backups),
		&slog.HandlerOptions{Level: parseLevel(level)},
	)).With("subsystem", name)
}

// writer returns a rotating file writer under the configured log dir, or
// stderr when no dir is set.
func (f *Factory) writer(file string, maxSizeMB, backups int) io.Writer {
	if f.defaults.Dir == "" {
		return os.Stderr
	}
	return &lumberjack.Logger{
		Filename:   filepath.Join(f.defaults.Dir, file),
		MaxSize:    maxSizeMB,
		MaxBackups: backups,
	}
}

func parseLevel(level string) slog.Level {
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
