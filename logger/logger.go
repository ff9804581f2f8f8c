package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime/debug"
	"strings"

	"github.com/google/uuid"
)

type Config struct {
	// Level is one of debug, info, warn, error. LOG_LEVEL is used when empty.
	Level string
	// File receives the log output instead of stdout. LOG_FILE is used
	// when empty.
	File string
	// Format is "text" or "json". LOG_FORMAT is used when empty.
	Format string
	// Output is used when no file is configured. Defaults to stdout.
	Output io.Writer
}

// Init initializes the global slog logger and returns a function that
// closes the log file, if one was opened.
func Init(cfg Config) func() {
	level := parseLevel(firstNonEmpty(cfg.Level, os.Getenv("LOG_LEVEL")))
	opts := &slog.HandlerOptions{Level: level}

	var w io.Writer = os.Stdout
	if cfg.Output != nil {
		w = cfg.Output
	}
	closer := func() {}

	logFile := firstNonEmpty(cfg.File, os.Getenv("LOG_FILE"))
	if logFile != "" {
		if err := os.MkdirAll(filepath.Dir(logFile), 0755); err != nil {
			slog.Error("failed to create log directory, using stdout only", "file", logFile, "error", err)
		} else {
			f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
			if err != nil {
				slog.Error("failed to open log file, using stdout only", "file", logFile, "error", err)
			} else {
				w = f
				closer = func() { f.Close() }
			}
		}
	}

	slog.SetDefault(slog.New(NewHandler(w, firstNonEmpty(cfg.Format, os.Getenv("LOG_FORMAT")), opts)))
	return closer
}

// NewHandler returns a JSON handler for format "json" and a text handler
// otherwise.
func NewHandler(w io.Writer, format string, opts *slog.HandlerOptions) slog.Handler {
	if strings.EqualFold(format, "json") {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
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

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// LogPanic logs a recovered panic value with its stack trace.
func LogPanic(r any, msg string, args ...any) {
	args = append(args, "panic", fmt.Sprint(r), "stack", string(debug.Stack()))
	slog.Error(msg, args...)
}

// NewRequestLogger creates a logger with a unique requestId for feed handlers.
func NewRequestLogger() *slog.Logger {
	return slog.With("requestId", uuid.Must(uuid.NewV7()).String())
}
