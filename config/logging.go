package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
)

// CheckDebug reports whether OTCORE_DEBUG enables debug logging.
func CheckDebug() bool {
	debug := os.Getenv("OTCORE_DEBUG")
	return debug == "true" || debug == "1"
}

// InitLogging builds the process logger. With OTCORE_DEBUG set, everything
// down to debug level goes to <dataDir>/debug.log; otherwise only warnings
// and errors reach stderr. The returned closer releases the log file.
func InitLogging(dataDir string) (*slog.Logger, io.Closer) {
	if !CheckDebug() {
		h := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn})
		return slog.New(h), nopCloser{}
	}

	logPath := filepath.Join(dataDir, "debug.log")

	// 0600 - may contain prompts and tool output
	f, err := os.OpenFile(logPath, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0600)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: Could not open debug log at %s: %v\n", logPath, err)
		h := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})
		return slog.New(h), nopCloser{}
	}

	logger := slog.New(slog.NewTextHandler(f, &slog.HandlerOptions{Level: slog.LevelDebug, AddSource: true}))
	logger.Debug("debug logging started", "path", logPath)
	return logger, f
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
