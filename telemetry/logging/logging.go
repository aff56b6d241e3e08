// Package logging wraps log/slog with trace correlation and an optional
// rotating file backend.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/webqx/triage-engine/internal/telemetry/tracing"
)

// Logger is a minimal interface wrapper allowing correlation injection.
type Logger interface {
	InfoCtx(ctx context.Context, msg string, attrs ...any)
	WarnCtx(ctx context.Context, msg string, attrs ...any)
	ErrorCtx(ctx context.Context, msg string, attrs ...any)
}

// Options configures a logger built by NewWithOptions.
type Options struct {
	Level slog.Level
	JSON  bool
	// FilePath, when set, routes output through a size-rotated file instead
	// of stderr.
	FilePath   string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

type correlatedLogger struct{ base *slog.Logger }

// New returns a correlated Logger wrapper over an existing slog.Logger.
func New(base *slog.Logger) Logger {
	if base == nil {
		base = slog.Default()
	}
	return &correlatedLogger{base: base}
}

// NewWithOptions builds a Logger per Options. File output rotates via
// lumberjack when FilePath is set.
func NewWithOptions(o Options) Logger {
	var w io.Writer = os.Stderr
	if o.FilePath != "" {
		maxSize := o.MaxSizeMB
		if maxSize <= 0 {
			maxSize = 50
		}
		w = &lumberjack.Logger{
			Filename:   o.FilePath,
			MaxSize:    maxSize,
			MaxBackups: o.MaxBackups,
			MaxAge:     o.MaxAgeDays,
		}
	}
	ho := &slog.HandlerOptions{Level: o.Level}
	var h slog.Handler
	if o.JSON {
		h = slog.NewJSONHandler(w, ho)
	} else {
		h = slog.NewTextHandler(w, ho)
	}
	return &correlatedLogger{base: slog.New(h)}
}

// Nop returns a logger that discards everything.
func Nop() Logger {
	return &correlatedLogger{base: slog.New(slog.NewTextHandler(io.Discard, nil))}
}

func correlate(ctx context.Context, attrs []any) []any {
	traceID, spanID := tracing.ExtractIDs(ctx)
	if traceID != "" || spanID != "" {
		attrs = append(attrs, slog.String("trace_id", traceID), slog.String("span_id", spanID))
	}
	return attrs
}

func (l *correlatedLogger) InfoCtx(ctx context.Context, msg string, attrs ...any) {
	l.base.InfoContext(ctx, msg, correlate(ctx, attrs)...)
}

func (l *correlatedLogger) WarnCtx(ctx context.Context, msg string, attrs ...any) {
	l.base.WarnContext(ctx, msg, correlate(ctx, attrs)...)
}

func (l *correlatedLogger) ErrorCtx(ctx context.Context, msg string, attrs ...any) {
	l.base.ErrorContext(ctx, msg, correlate(ctx, attrs)...)
}
