package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/nerrad567/casa-relay/internal/infrastructure/config"
)

// DefaultService is the service attribute used when Options.Service is empty.
const DefaultService = "casarelay"

// Logger wraps slog.Logger with the relay's default attributes.
// Safe for concurrent use.
type Logger struct {
	*slog.Logger
}

// Options selects what New cannot derive from config.LoggingConfig.
type Options struct {
	// Service is attached to every entry as "service".
	Service string

	// Version is attached to every entry as "version".
	Version string

	// Writer overrides cfg.Output. Used by tests and by binaries that
	// log somewhere other than stdout/stderr.
	Writer io.Writer
}

// New creates the relay logger from the logging section of config.yaml.
func New(cfg config.LoggingConfig, version string) *Logger {
	return NewWithOptions(cfg, Options{Version: version})
}

// NewWithOptions creates a logger with an explicit service name or writer.
//
// Format "text" selects slog's text handler; anything else is JSON.
// Unknown levels fall back to info.
func NewWithOptions(cfg config.LoggingConfig, opts Options) *Logger {
	w := opts.Writer
	if w == nil {
		w = outputFor(cfg.Output)
	}
	service := opts.Service
	if service == "" {
		service = DefaultService
	}

	level, _ := ParseLevel(cfg.Level)
	hopts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "text") {
		handler = slog.NewTextHandler(w, hopts)
	} else {
		handler = slog.NewJSONHandler(w, hopts)
	}

	attrs := []slog.Attr{slog.String("service", service)}
	if opts.Version != "" {
		attrs = append(attrs, slog.String("version", opts.Version))
	}

	return &Logger{Logger: slog.New(handler.WithAttrs(attrs))}
}

func outputFor(name string) io.Writer {
	if strings.EqualFold(name, "stderr") {
		return os.Stderr
	}
	return os.Stdout
}

// ParseLevel maps debug, info, warn (or warning) and error to slog levels,
// case-insensitively. ok is false for anything else, in which case the
// returned level is info.
func ParseLevel(level string) (lvl slog.Level, ok bool) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug, true
	case "info":
		return slog.LevelInfo, true
	case "warn", "warning":
		return slog.LevelWarn, true
	case "error":
		return slog.LevelError, true
	default:
		return slog.LevelInfo, false
	}
}

// With returns a child logger carrying args on every entry.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{Logger: l.Logger.With(args...)}
}

// Component returns a child logger tagged component=name.
//
//	reg.SetLogger(log.Component("registry"))
func (l *Logger) Component(name string) *Logger {
	return l.With("component", name)
}

// Default is the logger used before configuration is loaded: JSON on
// stdout at info.
func Default() *Logger {
	return New(config.LoggingConfig{Level: "info", Format: "json", Output: "stdout"}, "dev")
}

// Discard returns a logger that drops every entry.
func Discard() *Logger {
	return NewWithOptions(config.LoggingConfig{Level: "error"}, Options{Writer: io.Discard})
}
