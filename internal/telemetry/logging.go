// Package telemetry builds the gateway's structured logger: JSON lines in
// <home>/logs/gateway.jsonl plus a console copy on stderr.
package telemetry

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/mattn/go-isatty"

	"github.com/basket/go-claw-gateway/internal/shared"
)

// LogFileName is the JSONL log inside <home>/logs.
const LogFileName = "gateway.jsonl"

// Options configures NewLogger.
type Options struct {
	HomeDir string
	Level   string
	// Quiet disables the console copy.
	Quiet bool
	// Console overrides os.Stderr for the console copy.
	Console io.Writer
}

// Logger bundles the logger with its adjustable level and the log file.
type Logger struct {
	*slog.Logger
	Level *slog.LevelVar
	file  *os.File
}

// Close closes the log file.
func (l *Logger) Close() error {
	if l.file == nil {
		return nil
	}
	return l.file.Close()
}

// SetLevel changes the level of every handler at once.
func (l *Logger) SetLevel(level string) {
	l.Level.Set(ParseLevel(level))
}

// NewLogger opens the JSONL file and returns a logger carrying
// component=gateway and trace_id=-. The console copy is human readable
// text when it is a terminal and JSON otherwise.
func NewLogger(opts Options) (*Logger, error) {
	logDir := filepath.Join(opts.HomeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, err
	}
	file, err := os.OpenFile(filepath.Join(logDir, LogFileName), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}

	lvl := new(slog.LevelVar)
	lvl.Set(ParseLevel(opts.Level))
	hopts := &slog.HandlerOptions{Level: lvl, ReplaceAttr: replaceAttr}

	handlers := []slog.Handler{slog.NewJSONHandler(file, hopts)}
	if !opts.Quiet {
		console := opts.Console
		if console == nil {
			console = os.Stderr
		}
		if isTerminal(console) {
			handlers = append(handlers, slog.NewTextHandler(console, hopts))
		} else {
			handlers = append(handlers, slog.NewJSONHandler(console, hopts))
		}
	}

	var h slog.Handler = handlers[0]
	if len(handlers) > 1 {
		h = teeHandler(handlers)
	}
	logger := slog.New(h).With("component", "gateway", "trace_id", "-")
	return &Logger{Logger: logger, Level: lvl, file: file}, nil
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

func replaceAttr(_ []string, a slog.Attr) slog.Attr {
	if a.Key == slog.TimeKey {
		a.Key = "timestamp"
	}
	if shouldRedactKey(a.Key) {
		return slog.String(a.Key, "[REDACTED]")
	}
	if a.Value.Kind() == slog.KindString {
		if redacted, ok := redactStringValue(a.Value.String()); ok {
			return slog.String(a.Key, redacted)
		}
	}
	return a
}

func shouldRedactKey(key string) bool {
	lower := strings.ToLower(strings.TrimSpace(key))
	if lower == "" {
		return false
	}
	for _, token := range []string{"token", "secret", "password", "authorization", "api_key", "apikey", "bearer", "signature"} {
		if strings.Contains(lower, token) {
			return true
		}
	}
	return false
}

func redactStringValue(v string) (string, bool) {
	lower := strings.ToLower(v)
	if strings.Contains(lower, "bearer ") || strings.Contains(lower, "authorization:") {
		return "[REDACTED]", true
	}
	redacted := shared.Redact(v)
	if redacted != v {
		return redacted, true
	}
	return v, false
}

// ParseLevel maps a config level name to a slog level; unknown names are
// info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
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

// teeHandler fans records out to several handlers.
type teeHandler []slog.Handler

func (t teeHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range t {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (t teeHandler) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	for _, h := range t {
		if h.Enabled(ctx, r.Level) {
			if err := h.Handle(ctx, r.Clone()); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

func (t teeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make(teeHandler, len(t))
	for i, h := range t {
		out[i] = h.WithAttrs(attrs)
	}
	return out
}

func (t teeHandler) WithGroup(name string) slog.Handler {
	out := make(teeHandler, len(t))
	for i, h := range t {
		out[i] = h.WithGroup(name)
	}
	return out
}
