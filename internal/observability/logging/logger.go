package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

const redacted = "[redacted]"

// phiKeys are attribute keys whose values must never reach the log stream.
var phiKeys = map[string]struct{}{
	"ssn":          {},
	"dob":          {},
	"birth_date":   {},
	"demographics": {},
	"address":      {},
	"phone":        {},
	"payload":      {},
	"api_key":      {},
}

func NewJSONLogger(service, level string) *slog.Logger {
	return New(os.Stdout, service, level)
}

// New builds the service logger writing JSON records to w. Attributes named
// in phiKeys are replaced at any group depth.
func New(w io.Writer, service, level string) *slog.Logger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level:       parseLevel(level),
		ReplaceAttr: redactPHI,
	})
	return slog.New(handler).With("service", service)
}

func redactPHI(_ []string, a slog.Attr) slog.Attr {
	if _, ok := phiKeys[strings.ToLower(a.Key)]; ok {
		return slog.String(a.Key, redacted)
	}
	return a
}

func parseLevel(level string) slog.Level {
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
