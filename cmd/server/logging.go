package main

import (
	"io"
	"log"
	"log/slog"
	"os"

	"github.com/c.mueller/logbook-sync/internal/config"
	"gopkg.in/natefinch/lumberjack.v2"
)

// slogWriter adapts slog to io.Writer interface for standard log package
type slogWriter struct {
	logger *slog.Logger
}

func (w *slogWriter) Write(p []byte) (n int, err error) {
	w.logger.Info(string(p))
	return len(p), nil
}

// setupLogger builds the process logger. With a log file configured, output
// goes to stdout and to a size-rotated file. The returned func releases
// the file.
func setupLogger(cfg config.LogConfig) (*slog.Logger, func()) {
	var out io.Writer = os.Stdout
	cleanup := func() {}

	if cfg.File != "" {
		rotating := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   true,
		}
		out = io.MultiWriter(os.Stdout, rotating)
		cleanup = func() { rotating.Close() }
	}

	logger := slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{
		Level: config.ParseLogLevel(cfg.Level),
	}))
	slog.SetDefault(logger)
	log.SetFlags(0)
	log.SetOutput(&slogWriter{logger: logger})

	return logger, cleanup
}
