package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"sync"
)

// Level represents log severity levels.
type Level = slog.Level

const (
	LevelDebug = slog.LevelDebug
	LevelInfo  = slog.LevelInfo
	LevelWarn  = slog.LevelWarn
	LevelError = slog.LevelError
)

var (
	defaultLogger *Logger
	once          sync.Once
)

// Logger wraps slog with component and table scoping.
type Logger struct {
	*slog.Logger
	level *slog.LevelVar
}

// Config holds logger configuration.
type Config struct {
	Level  Level
	Output io.Writer

	// JSON selects slog's JSON handler instead of the console format.
	JSON bool

	// Timestamps prefixes console lines with the time. Off by default: the
	// CLI is short-lived and journald or syslog stamp lines anyway.
	Timestamps bool
}

// DefaultConfig logs warnings and errors to stderr.
func DefaultConfig() Config {
	return Config{
		Level:  LevelWarn,
		Output: os.Stderr,
	}
}

// New creates a new Logger with the given configuration.
func New(cfg Config) *Logger {
	if cfg.Output == nil {
		cfg.Output = os.Stderr
	}

	levelVar := &slog.LevelVar{}
	levelVar.Set(cfg.Level)

	var handler slog.Handler
	if cfg.JSON {
		handler = slog.NewJSONHandler(cfg.Output, &slog.HandlerOptions{Level: levelVar})
	} else {
		handler = NewConsoleHandler(cfg.Output, ConsoleOptions{Level: levelVar, Timestamps: cfg.Timestamps})
	}

	return &Logger{Logger: slog.New(handler), level: levelVar}
}

// Default returns the default logger, creating it if necessary.
func Default() *Logger {
	once.Do(func() {
		if defaultLogger == nil {
			defaultLogger = New(DefaultConfig())
		}
	})
	return defaultLogger
}

// SetDefault sets the default logger. Component loggers created earlier keep
// the logger they were derived from.
func SetDefault(l *Logger) {
	once.Do(func() {})
	defaultLogger = l
}

// ParseLevel parses a level name such as "debug" or "warn".
func ParseLevel(s string) (Level, error) {
	var l Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return LevelInfo, fmt.Errorf("invalid log level %q", s)
	}
	return l, nil
}

// SetLevel changes the log level of l and every logger derived from it.
func (l *Logger) SetLevel(level Level) {
	l.level.Set(level)
}

// GetLevel returns the current log level.
func (l *Logger) GetLevel() Level {
	return l.level.Level()
}

func (l *Logger) with(args ...any) *Logger {
	return &Logger{Logger: l.Logger.With(args...), level: l.level}
}

// WithComponent returns a logger with a component field.
func (l *Logger) WithComponent(name string) *Logger {
	return l.with("component", name)
}

// WithTable scopes l to one table of one family. The console handler shows
// the scope as "family/table".
func (l *Logger) WithTable(name, family string) *Logger {
	return l.with("table", name, "family", family)
}

// WithFields returns a logger with additional fields, added in key order.
func (l *Logger) WithFields(fields map[string]any) *Logger {
	return l.with(sortedArgs(fields)...)
}

func sortedArgs(fields map[string]any) []any {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	args := make([]any, 0, len(fields)*2)
	for _, k := range keys {
		args = append(args, k, fields[k])
	}
	return args
}

// Audit logs a state change at info level with audit=true, so audit lines can
// be filtered out of syslog.
func (l *Logger) Audit(action, resource string, details map[string]any) {
	args := append([]any{"audit", true, "action", action, "resource", resource}, sortedArgs(details)...)
	l.Info("audit", args...)
}

// WithComponent returns a component-scoped child of the default logger.
func WithComponent(name string) *Logger {
	return Default().WithComponent(name)
}
