// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package telemetry

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	lumberjack "gopkg.in/natefinch/lumberjack.v2"

	"github.com/jeranaias/imagehive/internal/config"
)

// ParseLevel converts a config level name to a slog.Level. Unknown names
// map to info.
func ParseLevel(name string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(name)) {
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

// NewLogger builds the process logger. With a file configured, output is
// JSON through a rotating writer; otherwise it goes to stderr in the
// configured format. The returned closer releases the log file.
func NewLogger(cfg config.LoggingConfig) (*slog.Logger, io.Closer, error) {
	opts := &slog.HandlerOptions{Level: ParseLevel(cfg.Level)}

	if cfg.File == "" {
		return slog.New(newHandler(os.Stderr, cfg.Format, opts)), nopCloser{}, nil
	}

	if err := os.MkdirAll(filepath.Dir(cfg.File), 0755); err != nil {
		return nil, nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	writer := rotatingWriter(cfg.File, cfg)

	// Files are always JSON so they can be parsed back.
	return slog.New(slog.NewJSONHandler(writer, opts)), writer, nil
}

// NewWriterLogger builds a logger over w. Used by commands whose stderr
// belongs to the user.
func NewWriterLogger(w io.Writer, cfg config.LoggingConfig) *slog.Logger {
	return slog.New(newHandler(w, cfg.Format, &slog.HandlerOptions{Level: ParseLevel(cfg.Level)}))
}

func newHandler(w io.Writer, format string, opts *slog.HandlerOptions) slog.Handler {
	if strings.EqualFold(format, "json") {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

func rotatingWriter(path string, cfg config.LoggingConfig) *lumberjack.Logger {
	return &lumberjack.Logger{
		Filename:   path,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   cfg.Compress,
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
