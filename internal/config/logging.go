package config

import (
	"io"
	"log/slog"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

var logLevels = map[string]slog.Level{
	"debug": slog.LevelDebug,
	"info":  slog.LevelInfo,
	"warn":  slog.LevelWarn,
	"error": slog.LevelError,
}

func parseLogLevel(s string) slog.Level {
	if level, ok := logLevels[strings.ToLower(s)]; ok {
		return level
	}
	return slog.LevelInfo
}

// ParseLogLevel maps a level name to its slog level, defaulting to info.
func ParseLogLevel(s string) slog.Level {
	return parseLogLevel(s)
}

// NewLogger creates a structured JSON logger writing to w at the given level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// OpenLogWriter returns the writer logs go to: console alone, or console
// teed with a size-rotated file when cfg.File is set. The closer releases
// the file.
func OpenLogWriter(cfg LogConfig, console io.Writer) (io.Writer, io.Closer) {
	if cfg.File == "" {
		return console, nopCloser{}
	}
	file := &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
	}
	return io.MultiWriter(console, file), file
}
