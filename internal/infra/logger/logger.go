// Package logger builds the process logger: leveled slog output as text or
// JSON, written to stderr, stdout, or an append-only file. Both the gateway
// and the terminal client go through New.
package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/poer2023/chusea-sub003/internal/infra/config"
)

var levels = map[string]slog.Level{
	"debug":   slog.LevelDebug,
	"info":    slog.LevelInfo,
	"warn":    slog.LevelWarn,
	"warning": slog.LevelWarn,
	"error":   slog.LevelError,
}

// New builds a logger from cfg. The returned closer flushes and closes
// file-backed outputs; for stdout/stderr it is a no-op. Unknown levels fall
// back to info.
func New(cfg config.LoggerConfig) (*slog.Logger, func() error, error) {
	sink, closeFn, err := openSink(cfg.Output)
	if err != nil {
		return nil, nil, fmt.Errorf("open log output: %w", err)
	}

	level, ok := levels[strings.ToLower(cfg.Level)]
	if !ok {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "json") {
		handler = slog.NewJSONHandler(sink, opts)
	} else {
		handler = slog.NewTextHandler(sink, opts)
	}
	return slog.New(handler), closeFn, nil
}

// Discard returns a logger that drops every record. Test fixtures use it to
// keep output quiet.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openSink(output string) (io.Writer, func() error, error) {
	keepOpen := func() error { return nil }

	switch strings.ToLower(output) {
	case "", "stderr":
		return os.Stderr, keepOpen, nil
	case "stdout":
		return os.Stdout, keepOpen, nil
	default:
		f, err := os.OpenFile(output, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
		if err != nil {
			return nil, nil, err
		}
		return f, f.Close, nil
	}
}
