// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package logging provides the component-tagged structured logger used
// throughout the client core. It wraps log/slog rather than a
// third-party logging library, following the same
// logging.Logger / logging.WithComponent API shape used across this
// codebase's other packages — stdlib slog is a deliberate choice here,
// not a gap.
package logging

import (
	"context"
	"log/slog"
	"os"
)

// Level mirrors slog.Level with the names used across this codebase.
type Level = slog.Level

const (
	LevelDebug = slog.LevelDebug
	LevelInfo  = slog.LevelInfo
	LevelWarn  = slog.LevelWarn
	LevelError = slog.LevelError
)

// Config controls the process-wide logger.
type Config struct {
	Level  Level
	JSON   bool
	Output *os.File
}

// DefaultConfig returns a human-readable, info-level logger writing to
// stderr.
func DefaultConfig() Config {
	return Config{
		Level:  LevelInfo,
		JSON:   false,
		Output: os.Stderr,
	}
}

// Logger is a component-scoped structured logger. The zero value is not
// usable; construct with New or WithComponent.
type Logger struct {
	base      *slog.Logger
	component string
}

// New constructs the root Logger from cfg.
func New(cfg Config) *Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	opts := &slog.HandlerOptions{Level: cfg.Level}
	var handler slog.Handler
	if cfg.JSON {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}
	return &Logger{base: slog.New(handler)}
}

// WithComponent returns a child logger tagged with component, e.g.
// logging.New(cfg).WithComponent("portal"). Every log line from the
// child carries a "component" attribute.
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{base: l.base, component: component}
}

func (l *Logger) logger() *slog.Logger {
	if l.component == "" {
		return l.base
	}
	return l.base.With(slog.String("component", l.component))
}

func (l *Logger) Debug(msg string, args ...any) { l.logger().Debug(msg, args...) }
func (l *Logger) Info(msg string, args ...any)  { l.logger().Info(msg, args...) }
func (l *Logger) Warn(msg string, args ...any)  { l.logger().Warn(msg, args...) }
func (l *Logger) Error(msg string, args ...any) { l.logger().Error(msg, args...) }

// With returns a child logger with the given structured attributes
// attached to every subsequent line, preserving the component tag.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{base: l.logger().With(args...), component: ""}
}

// process-wide default used by package-level convenience functions
// (WithComponent, Info, ...) for call sites that don't thread a Logger
// through explicitly, e.g. one-off diagnostics in capability shims.
var std = New(DefaultConfig())

// SetDefault replaces the process-wide default logger.
func SetDefault(l *Logger) { std = l }

// WithComponent tags the process-wide default logger with a component.
func WithComponent(component string) *Logger { return std.WithComponent(component) }

func Debug(msg string, args ...any) { std.Debug(msg, args...) }
func Info(msg string, args ...any)  { std.Info(msg, args...) }
func Warn(msg string, args ...any)  { std.Warn(msg, args...) }
func Error(msg string, args ...any) { std.Error(msg, args...) }

// ctxKey lets a host application carry a request-scoped logger through
// context (WithContext/FromContext) without threading a Logger through
// every helper.
type ctxKey struct{}

// WithContext attaches l to ctx.
func WithContext(ctx context.Context, l *Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, l)
}

// FromContext retrieves the Logger attached by WithContext, or the
// process-wide default if none was attached.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(ctxKey{}).(*Logger); ok {
		return l
	}
	return std
}
