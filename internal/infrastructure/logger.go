package infrastructure

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/DhaneshPachipulusu/license-poc/internal/config"
)

// logFile is the file opened for Output "file" or "both". It outlives the
// logger so that main can close it on exit.
var logFile struct {
	mu sync.Mutex
	f  *os.File
}

// InitializeLogger builds the process logger from cfg and installs it as
// the slog default. A second call replaces the log file of the first.
func InitializeLogger(cfg config.LoggingConfig) (*slog.Logger, error) {
	w, err := logWriter(cfg)
	if err != nil {
		return nil, err
	}
	logger := NewLoggerWithWriter(w, &slog.HandlerOptions{
		AddSource: true,
		Level:     LogLevel(cfg.Level),
	})
	slog.SetDefault(logger)
	return logger, nil
}

// NewLoggerWithWriter returns a JSON logger on w that tags every record with
// the trace id carried by its context.
func NewLoggerWithWriter(w io.Writer, opts *slog.HandlerOptions) *slog.Logger {
	return slog.New(traceHandler{next: slog.NewJSONHandler(w, opts)})
}

// CloseLogFile closes the file opened by InitializeLogger, if any.
func CloseLogFile() error {
	logFile.mu.Lock()
	defer logFile.mu.Unlock()

	f := logFile.f
	logFile.f = nil
	if f == nil {
		return nil
	}
	return f.Close()
}

// LogLevel maps a configured level name to a slog level. Unknown names
// log at info.
func LogLevel(name string) slog.Level {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "warning" {
		name = "warn"
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(name)); err != nil {
		return slog.LevelInfo
	}
	return level
}

// MaskSecret keeps the first and last four characters of s, enough to tell
// product keys apart in logs.
func MaskSecret(s string) string {
	if len(s) <= 8 {
		return strings.Repeat("*", len(s))
	}
	return s[:4] + strings.Repeat("*", len(s)-8) + s[len(s)-4:]
}

func logWriter(cfg config.LoggingConfig) (io.Writer, error) {
	output := strings.ToLower(cfg.Output)
	if output != "file" && output != "both" {
		return os.Stdout, nil
	}

	if err := os.MkdirAll(filepath.Dir(cfg.FilePath), 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	f, err := os.OpenFile(cfg.FilePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
	if err != nil {
		return nil, fmt.Errorf("open log file %s: %w", cfg.FilePath, err)
	}

	logFile.mu.Lock()
	previous := logFile.f
	logFile.f = f
	logFile.mu.Unlock()
	if previous != nil {
		_ = previous.Close()
	}

	if output == "both" {
		return io.MultiWriter(os.Stdout, f), nil
	}
	return f, nil
}

type traceHandler struct {
	next slog.Handler
}

func (h traceHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h traceHandler) Handle(ctx context.Context, r slog.Record) error {
	if id := GetTraceID(ctx); id != "" {
		r.AddAttrs(slog.String("trace_id", id))
	}
	return h.next.Handle(ctx, r)
}

func (h traceHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return traceHandler{next: h.next.WithAttrs(attrs)}
}

func (h traceHandler) WithGroup(name string) slog.Handler {
	return traceHandler{next: h.next.WithGroup(name)}
}
