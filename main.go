// Command mb-reverb is a real-time multiband convolution reverb. The input
// is split into two or three frequency bands, each band is convolved with
// its own impulse response, and the bands are mixed back together.
package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"mb-reverb/internal/config"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// parseLevel maps a config log level onto slog.
func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
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

// setupLogging sends slog output to the configured file so the terminal UI
// keeps stdout. The returned closer flushes and closes the file.
func setupLogging(cfg *config.Config) (*slog.Logger, io.Closer, error) {
	var level slog.LevelVar
	level.Set(parseLevel(cfg.LogLevel))

	var (
		w      io.Writer = io.Discard
		closer io.Closer = io.NopCloser(nil)
	)

	if cfg.LogFile != "" && cfg.LogFile != "-" {
		file, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}

		w, closer = file, file
	} else if cfg.LogFile == "-" {
		w = os.Stderr
	}

	logger := slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: &level}))
	slog.SetDefault(logger)

	logger.Info("starting mb-reverb", "args", os.Args, "config", cfg.Source, "logLevel", level.Level())

	for _, key := range cfg.Overrides {
		logger.Info("configuration overridden from environment", "variable", key)
	}

	return logger, closer, nil
}
