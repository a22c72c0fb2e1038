package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// logRetention is how long daily log files are kept under ~/.smsbatch/logs.
const logRetention = 7 * 24 * time.Hour

// multiHandler fans out log records to multiple handlers.
type multiHandler struct {
	handlers []slog.Handler
}

func (h *multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (h *multiHandler) Handle(ctx context.Context, r slog.Record) error {
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, r.Level) {
			if err := handler.Handle(ctx, r.Clone()); err != nil {
				return err
			}
		}
	}
	return nil
}

func (h *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	handlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		handlers[i] = handler.WithAttrs(attrs)
	}
	return &multiHandler{handlers: handlers}
}

func (h *multiHandler) WithGroup(name string) slog.Handler {
	handlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		handlers[i] = handler.WithGroup(name)
	}
	return &multiHandler{handlers: handlers}
}

// newLogger creates a logger that writes to stderr and to today's log file.
// The log file receives all levels (DEBUG+) while stderr uses the configured
// level. Returns the logger, the stderr level var, the log file path (empty
// if file logging is unavailable) and a closer.
func newLogger(level, format string) (*slog.Logger, *slog.LevelVar, string, func()) {
	var lvlVar slog.LevelVar
	lvlVar.Set(parseSlogLevel(level))

	opts := &slog.HandlerOptions{Level: &lvlVar}

	var stderrHandler slog.Handler
	if format == "text" {
		stderrHandler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		stderrHandler = slog.NewJSONHandler(os.Stderr, opts)
	}

	logPath := logFilePath()
	if logPath == "" {
		return slog.New(stderrHandler), &lvlVar, "", func() {}
	}

	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return slog.New(stderrHandler), &lvlVar, "", func() {}
	}

	fileHandler := slog.NewJSONHandler(f, &slog.HandlerOptions{Level: slog.LevelDebug})
	handler := &multiHandler{handlers: []slog.Handler{stderrHandler, fileHandler}}

	go cleanOldLogs(filepath.Dir(logPath), time.Now().Add(-logRetention))

	return slog.New(handler), &lvlVar, logPath, func() { f.Close() }
}

func parseSlogLevel(level string) slog.Level {
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

// smsbatchHome returns ~/.smsbatch, or "" when the home directory is unknown.
func smsbatchHome() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".smsbatch")
}

// logFilePath returns the path to today's log file
// (~/.smsbatch/logs/smsbatch-YYYYMMDD.log), creating the directory if needed.
// Returns "" on any error.
func logFilePath() string {
	base := smsbatchHome()
	if base == "" {
		return ""
	}
	dir := filepath.Join(base, "logs")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return ""
	}
	return filepath.Join(dir, fmt.Sprintf("smsbatch-%s.log", time.Now().Format("20060102")))
}

// cleanOldLogs removes files in dir last modified before cutoff.
func cleanOldLogs(dir string, cutoff time.Time) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			os.Remove(filepath.Join(dir, e.Name()))
		}
	}
}
