package logger

import (
	"context"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5/middleware"
	logfilter "github.com/jmylchreest/slog-logfilter"
)

var registerOnce sync.Once

// New creates a structured logger that writes to stdout.
// LOG_FORMAT selects text or json (json unless stdout is a terminal) and
// LOG_LEVEL selects the minimum level.
func New() *slog.Logger {
	format := "json"
	if f := os.Getenv("LOG_FORMAT"); f == "text" || (f == "" && isatty(os.Stdout)) {
		format = "text"
	}

	registerOnce.Do(func() {
		logfilter.RegisterContextExtractor("request_id", func(ctx context.Context) (string, bool) {
			id := RequestID(ctx)
			return id, id != ""
		})
	})

	return logfilter.New(
		logfilter.WithLevel(ParseLevel(os.Getenv("LOG_LEVEL"))),
		logfilter.WithFormat(format),
		logfilter.WithOutput(os.Stdout),
		logfilter.WithSource(true),
	)
}

// ParseLevel maps debug/warn/error to slog levels; anything else is info.
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

// RequestID returns the chi request id stored on ctx, if any.
func RequestID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	return middleware.GetReqID(ctx)
}

// FromContext returns log with the request id attached when ctx carries one.
func FromContext(ctx context.Context, log *slog.Logger) *slog.Logger {
	if id := RequestID(ctx); id != "" {
		return log.With("request_id", id)
	}
	return log
}

func isatty(f *os.File) bool {
	stat, err := f.Stat()
	if err != nil {
		return false
	}
	return stat.Mode()&os.ModeCharDevice != 0
}
