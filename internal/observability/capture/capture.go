package capture

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/kirillkom/hiesync/internal/core/ports"
)

// Counter is notified of every captured event.
type Counter interface {
	ObserveCaptured(level, source string)
}

// Logger is the observability sink for errors and warnings that are
// swallowed where they occur. Events are written as structured log records.
type Logger struct {
	logger  *slog.Logger
	counter Counter
}

var _ ports.ErrorCapturer = (*Logger)(nil)

func New(logger *slog.Logger, counter Counter) *Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Logger{logger: logger, counter: counter}
}

func (l *Logger) CaptureError(ctx context.Context, err error, extra map[string]any) {
	if err == nil {
		return
	}
	attrs := append([]any{"error", err}, extraAttrs(extra)...)
	l.logger.ErrorContext(ctx, "captured_error", attrs...)
	l.count("error", extra)
}

func (l *Logger) CaptureWarning(ctx context.Context, msg string, extra map[string]any) {
	attrs := append([]any{"message", msg}, extraAttrs(extra)...)
	l.logger.WarnContext(ctx, "captured_warning", attrs...)
	l.count("warning", extra)
}

func (l *Logger) count(level string, extra map[string]any) {
	if l.counter == nil {
		return
	}
	source, _ := extra["context"].(string)
	if source == "" {
		source = "unknown"
	}
	l.counter.ObserveCaptured(level, source)
}

// extraAttrs flattens extra into a single "extra" group with stable key order.
func extraAttrs(extra map[string]any) []any {
	if len(extra) == 0 {
		return nil
	}
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	attrs := make([]any, 0, len(keys))
	for _, k := range keys {
		v := extra[k]
		if s, ok := v.(fmt.Stringer); ok {
			v = s.String()
		}
		attrs = append(attrs, slog.Any(k, v))
	}
	return []any{slog.Group("extra", attrs...)}
}
